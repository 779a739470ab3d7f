// Package metrics exposes the service's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the service emits. One instance is
// created at startup and threaded through the components that record.
type Metrics struct {
	LLMLatency        *prometheus.HistogramVec
	LLMTokens         *prometheus.CounterVec
	LLMFailures       *prometheus.CounterVec
	GuardrailMissing  *prometheus.CounterVec
	GuardrailRedacted *prometheus.CounterVec
	DomainRejected    prometheus.Counter
	BudgetDenied      prometheus.Counter
	CacheLookups      *prometheus.CounterVec
	ParseConfidence   prometheus.Histogram
}

// New registers all collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		LLMLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "troubleshooter",
			Name:      "llm_request_duration_seconds",
			Help:      "Latency of LLM generation calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint", "model_id"}),
		LLMTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "troubleshooter",
			Name:      "llm_tokens_total",
			Help:      "Total tokens consumed by LLM calls.",
		}, []string{"endpoint", "model_id"}),
		LLMFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "troubleshooter",
			Name:      "llm_failures_total",
			Help:      "LLM calls that failed or produced invalid output.",
		}, []string{"endpoint"}),
		GuardrailMissing: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "troubleshooter",
			Name:      "guardrail_citation_missing_total",
			Help:      "Hypotheses whose citations were all invalid.",
		}, []string{"endpoint"}),
		GuardrailRedacted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "troubleshooter",
			Name:      "guardrail_redactions_total",
			Help:      "Identifiers redacted from model output.",
		}, []string{"endpoint"}),
		DomainRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "troubleshooter",
			Name:      "domain_rejections_total",
			Help:      "Requests rejected by the domain restriction.",
		}),
		BudgetDenied: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "troubleshooter",
			Name:      "budget_denied_total",
			Help:      "Requests denied by budget admission control.",
		}),
		CacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "troubleshooter",
			Name:      "cache_lookups_total",
			Help:      "Semantic cache lookups by outcome.",
		}, []string{"endpoint", "outcome"}),
		ParseConfidence: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "troubleshooter",
			Name:      "parse_confidence",
			Help:      "Parser confidence distribution.",
			Buckets:   []float64{0.05, 0.25, 0.3, 0.6, 0.7, 0.85, 1},
		}),
	}
}

// NewNop returns metrics registered on a private registry, for tests.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

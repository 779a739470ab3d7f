package guardrail

import (
	"regexp"
	"strings"
)

// Domain restriction: the service only troubleshoots infrastructure,
// CI/CD, and application failures. Anything else is rejected before a
// model call is made.

var domainTokenKeywords = map[string]bool{
	"terraform": true, "pulumi": true, "cloudformation": true, "ansible": true,
	"kubernetes": true, "k8s": true, "docker": true, "helm": true,
	"ecs": true, "eks": true, "lambda": true, "s3": true, "iam": true, "vpc": true,
	"gitlab": true, "github": true, "jenkins": true, "circleci": true,
	"pipeline": true, "ci/cd": true, "cicd": true, "build": true, "deploy": true,
	"release": true, "infra": true, "iac": true,
	"observability": true, "logging": true, "monitoring": true, "alert": true,
	"prometheus": true, "grafana": true, "cloudwatch": true,
	"http": true, "api": true, "yaml": true, "json": true, "sql": true,
	"database": true, "redis": true, "postgres": true, "mysql": true,
	"python": true, "node": true, "typescript": true, "javascript": true,
	"golang": true, "java": true, "rust": true, "linux": true,
	"nginx": true, "kafka": true, "queue": true, "cache": true,
}

var domainPhraseKeywords = []string{
	"stack trace", "traceback", "error", "exception", "failed", "timeout",
	"infra as code", "infrastructure as code",
}

var (
	domainTokenPattern    = regexp.MustCompile(`[a-z0-9+/.-]+`)
	codeConstructPattern  = regexp.MustCompile(`(?i)\b(class|def|function|SELECT|INSERT|UPDATE|FROM)\b`)
	sourceFilePattern     = regexp.MustCompile(`\b[A-Za-z0-9_/.-]+\.(py|js|ts|go|java|rb|tf|yaml|yml|json|sh|ps1)\b`)
	httpErrorCodePattern  = regexp.MustCompile(`\b(4\d{2}|5\d{2})\b`)
	keyValuePattern       = regexp.MustCompile(`\b\w+\s*[:=]\s*[^,\s]+`)
	jsonFieldPattern      = regexp.MustCompile(`"[^"]+"\s*:\s*"[^"]+"`)
	shortAnswerCapPattern = regexp.MustCompile(`\b[A-Z]{2,6}\b`)
)

// IsAllowedDomain reports whether the text plausibly concerns an
// infrastructure or software incident. Empty text is allowed; it fails
// later validation for other reasons.
func IsAllowedDomain(text string) bool {
	if text == "" {
		return true
	}
	normalized := strings.ToLower(text)
	for _, token := range domainTokenPattern.FindAllString(normalized, -1) {
		if domainTokenKeywords[token] {
			return true
		}
	}
	for _, phrase := range domainPhraseKeywords {
		if strings.Contains(normalized, phrase) {
			return true
		}
	}
	if strings.Contains(text, "```") {
		return true
	}
	if codeConstructPattern.MatchString(text) {
		return true
	}
	if sourceFilePattern.MatchString(text) {
		return true
	}
	return httpErrorCodePattern.MatchString(text)
}

var nonInformativeAnswers = map[string]bool{
	"no": true, "nope": true, "idk": true,
	"i dont know": true, "i don't know": true,
	"dont know": true, "don't know": true,
	"not sure": true, "unsure": true, "unknown": true,
	"n/a": true, "na": true, "none": true,
	"cant": true, "can't": true, "cannot": true,
	"dont have": true, "don't have": true,
	"dont have it": true, "don't have it": true,
	"i dont have it": true, "i don't have it": true,
	"not available": true, "no idea": true,
}

// IsNonInformative reports whether an operator answer carries no usable
// detail ("idk", "not sure", ...). Such answers are counted against the
// clarification loop instead of being sent back to the model verbatim.
func IsNonInformative(answer string) bool {
	if answer == "" {
		return true
	}
	return nonInformativeAnswers[NormalizeText(answer)]
}

// NormalizeText lowercases and collapses whitespace for keyword matching.
func NormalizeText(value string) string {
	return strings.Join(strings.Fields(strings.ToLower(value)), " ")
}

// LooksLikeStructuredPayload reports whether an answer resembles a
// request or response body rather than free prose.
func LooksLikeStructuredPayload(answer string) bool {
	if answer == "" {
		return false
	}
	if strings.ContainsAny(answer, "{}<>\n") {
		return true
	}
	if keyValuePattern.MatchString(answer) {
		return true
	}
	return jsonFieldPattern.MatchString(answer)
}

// LooksLikeErrorMessage reports whether an answer resembles an error
// response or log line.
func LooksLikeErrorMessage(answer string) bool {
	if answer == "" {
		return false
	}
	normalized := NormalizeText(answer)
	for _, token := range []string{"error", "invalid", "exception", "failed", "denied"} {
		if strings.Contains(normalized, token) {
			return true
		}
	}
	if strings.Contains(answer, ":") && len(answer) > 8 {
		return true
	}
	return shortAnswerCapPattern.MatchString(answer)
}

var errorTokenPattern = regexp.MustCompile(`\b(error|invalid|exception|failed|denied)\b`)

// MissingRequiredDetails compares the model's clarifying question against
// the operator's answer and names the details the answer still lacks.
func MissingRequiredDetails(question, answer string) []string {
	if question == "" || answer == "" {
		return nil
	}
	questionNorm := NormalizeText(question)
	var missing []string

	payloadRequested := containsAny(questionNorm, "request payload", "request body", "request json", "request xml")
	responsePayloadRequested := containsAny(questionNorm, "response payload", "response body", "response json", "response xml")
	payloadGeneric := strings.Contains(questionNorm, "payload") && !payloadRequested && !responsePayloadRequested

	if (payloadRequested || payloadGeneric) && !answerContainsRequestPayload(answer) {
		missing = append(missing, "request payload")
	}

	errorRequested := containsAny(questionNorm,
		"error response", "error message", "exact error", "stack trace", "stacktrace", "trace", "logs", "log")
	if (errorRequested || responsePayloadRequested) && !answerContainsErrorResponse(answer) {
		missing = append(missing, "error response")
	}
	return missing
}

// RephraseMissingDetails builds the follow-up question asked when the
// operator's answer left required details out.
func RephraseMissingDetails(missing []string) string {
	if len(missing) == 0 {
		return "Could you share the missing detail? A redacted snippet or field list works too."
	}
	if len(missing) == 1 && missing[0] == "request payload" {
		return "I still need the request payload. If you can't share raw values, paste a redacted snippet or list the fields you send."
	}
	if len(missing) == 1 && missing[0] == "error response" {
		return "I still need the exact error response. If you can't share raw values, paste a redacted snippet or summarize the error code/message."
	}
	return "I still need the missing details. If you can't share raw values, paste a redacted snippet or list the fields."
}

func answerContainsRequestPayload(answer string) bool {
	if answer == "" {
		return false
	}
	normalized := NormalizeText(answer)
	if strings.Contains(normalized, "payload") && !LooksLikeStructuredPayload(answer) {
		return false
	}
	if errorTokenPattern.MatchString(normalized) {
		return false
	}
	return LooksLikeStructuredPayload(answer)
}

func answerContainsErrorResponse(answer string) bool {
	if answer == "" {
		return false
	}
	normalized := NormalizeText(answer)
	if strings.Contains(normalized, "payload") && !errorTokenPattern.MatchString(normalized) {
		return false
	}
	return LooksLikeErrorMessage(answer)
}

func containsAny(haystack string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

package parser

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsframe/troubleshooter/internal/domain"
)

const terraformIAMLog = `Error: Error creating IAM Role example-role: AccessDenied: User is not authorized
  on iam.tf line 12, in resource "aws_iam_role" "example"`

func TestParseTerraformIAMError(t *testing.T) {
	frame := New().Parse(terraformIAMLog, "req-1", "conv-1", Options{})

	assert.Equal(t, "Error: Error creating IAM Role example-role: AccessDenied: User is not authorized", frame.PrimaryErrorSignature)
	require.NotEmpty(t, frame.SecondarySignatures)
	assert.Contains(t, frame.SecondarySignatures[0], "on iam.tf line 12")
	assert.Contains(t, frame.InfraComponents, "terraform")
	assert.Equal(t, "iam", frame.SuspectedFailureDomain)
	assert.GreaterOrEqual(t, frame.ParseConfidence, 0.6)
	assert.Equal(t, Version, frame.ParserVersion)
	require.NotEmpty(t, frame.EvidenceMap)
	assert.Equal(t, 1, frame.EvidenceMap[0].LineStart)
}

func TestParsePythonTraceback(t *testing.T) {
	raw := `Traceback (most recent call last):
  File "app/main.py", line 42, in handler
    result = svc.call()
  File "app/svc.py", line 17, in call
    raise ValueError("bad state")
ValueError: bad state`

	frame := New().Parse(raw, "req-2", "", Options{})

	assert.Equal(t, "ValueError: bad state", frame.PrimaryErrorSignature)
	require.NotEmpty(t, frame.SecondarySignatures)
	assert.Contains(t, frame.SecondarySignatures[0], `File "app/main.py"`)
	// Evidence includes the full traceback span.
	var haveBlock bool
	for _, e := range frame.EvidenceMap {
		if e.LineStart == 1 && e.LineEnd == 6 {
			haveBlock = true
		}
	}
	assert.True(t, haveBlock, "expected an evidence span covering the whole traceback")
}

func TestParseCloudWatchExport(t *testing.T) {
	raw := `log group: /ecs/checkout awslogs
2024-05-01T10:00:01Z [ERROR] upstream connection refused
2024-05-01T10:00:02Z [INFO] retrying`

	frame := New().Parse(raw, "req-3", "", Options{})

	assert.Contains(t, frame.PrimaryErrorSignature, "[ERROR]")
	assert.Contains(t, frame.InfraComponents, "cloudwatch")
	require.NotNil(t, frame.TimeWindow)
	assert.Equal(t, "2024-05-01T10:00:01Z", frame.TimeWindow.Start)
	assert.Equal(t, "2024-05-01T10:00:02Z", frame.TimeWindow.End)
}

func TestParseNeverFails(t *testing.T) {
	inputs := []string{
		"",
		"\n\n\n",
		"   ",
		"just a plain sentence",
		strings.Repeat("x", 100_000),
		"\x00\xff binary-ish \x7f",
		"error",
		strings.Repeat("Error: boom\n", 5000),
	}
	p := New()
	for _, in := range inputs {
		frame := p.Parse(in, "req", "", Options{})
		require.NotNil(t, frame)
		assert.NotEmpty(t, frame.FrameID)
		assert.NotEmpty(t, frame.PrimaryErrorSignature)
		assert.GreaterOrEqual(t, frame.ParseConfidence, 0.0)
		assert.LessOrEqual(t, frame.ParseConfidence, 1.0)
		max := len(Normalize(in).Lines)
		for _, e := range frame.EvidenceMap {
			assert.GreaterOrEqual(t, e.LineStart, 1)
			assert.GreaterOrEqual(t, e.LineEnd, e.LineStart)
			assert.LessOrEqual(t, e.LineEnd, max)
		}
	}
}

func TestParseEmptyInputSentinel(t *testing.T) {
	frame := New().Parse("", "req", "", Options{})

	assert.Equal(t, "no content provided", frame.PrimaryErrorSignature)
	assert.Less(t, frame.ParseConfidence, 0.1)
	assert.Empty(t, frame.EvidenceMap)
	assert.Equal(t, domain.FailureDomainUnknown, frame.SuspectedFailureDomain)
}

func TestLowConfidenceForcesUnknownDomain(t *testing.T) {
	// "slow response latency" would map to the performance domain, but the
	// input has no error keyword so confidence stays below 0.3.
	frame := New().Parse("slow response latency observed", "req", "", Options{})

	assert.Less(t, frame.ParseConfidence, 0.3)
	assert.Equal(t, domain.FailureDomainUnknown, frame.SuspectedFailureDomain)
}

func TestParseDeterministic(t *testing.T) {
	p := New()
	a := p.Parse(terraformIAMLog, "req", "conv", Options{})
	b := p.Parse(terraformIAMLog, "req", "conv", Options{})

	assert.Equal(t, a.PrimaryErrorSignature, b.PrimaryErrorSignature)
	assert.Equal(t, a.SecondarySignatures, b.SecondarySignatures)
	assert.Equal(t, a.ParseConfidence, b.ParseConfidence)
	require.Equal(t, len(a.EvidenceMap), len(b.EvidenceMap))
	for i := range a.EvidenceMap {
		assert.Equal(t, a.EvidenceMap[i].ExcerptHash, b.EvidenceMap[i].ExcerptHash)
	}
}

func TestParseExcerptsVerbatim(t *testing.T) {
	frame := New().Parse(terraformIAMLog, "req", "", Options{IncludeExcerpts: true})

	require.NotEmpty(t, frame.EvidenceMap)
	assert.Equal(t, "Error: Error creating IAM Role example-role: AccessDenied: User is not authorized", frame.EvidenceMap[0].Excerpt)
}

func TestGenericKeywordConfidence(t *testing.T) {
	frame := New().Parse("request failed with status 500", "req", "", Options{})

	assert.Equal(t, "request failed with status 500", frame.PrimaryErrorSignature)
	assert.GreaterOrEqual(t, frame.ParseConfidence, 0.2)
	assert.Less(t, frame.ParseConfidence, 0.3)
}

func TestUnrecognizedInputFallsBackToGeneric(t *testing.T) {
	p := New()
	for _, in := range []string{"", "   ", "\n\n", "just a plain sentence"} {
		frame := p.Parse(in, "req", "", Options{})

		assert.NotEmpty(t, frame.PrimaryErrorSignature, "input %q", in)
		assert.NotContains(t, frame.InfraComponents, "terraform", "input %q", in)
		assert.Less(t, frame.ParseConfidence, 0.1, "input %q", in)
	}

	frame := p.Parse("just a plain sentence", "req", "", Options{})
	assert.Equal(t, "just a plain sentence", frame.PrimaryErrorSignature)
}

func TestNamedFamilyWithoutErrorLineGetsFallbackSignature(t *testing.T) {
	raw := "log group: /aws/app awslogs\nlog stream: stream-1"

	frame := New().Parse(raw, "req", "", Options{})

	assert.Equal(t, "log group: /aws/app awslogs", frame.PrimaryErrorSignature)
	assert.Contains(t, frame.InfraComponents, "cloudwatch")
	assert.Less(t, frame.ParseConfidence, 0.3)
	require.NotEmpty(t, frame.EvidenceMap)
	assert.Equal(t, 1, frame.EvidenceMap[0].LineStart)
}

func TestTruncateSignatureKeepsRuneBoundary(t *testing.T) {
	out := truncateSignature("Error: " + strings.Repeat("界", 100))

	assert.LessOrEqual(t, len(out), maxSignatureLen)
	assert.True(t, utf8.ValidString(out))
}

func TestNormalizeLineNumbering(t *testing.T) {
	n := Normalize("a\nb\nc")

	require.Len(t, n.Lines, 3)
	assert.Equal(t, 1, n.Lines[0].Number)
	assert.Equal(t, 3, n.Lines[2].Number)
	assert.Equal(t, "B", strings.ToUpper(n.Lines[1].Lowered))
}

package cache

import (
	"regexp"
	"strings"
)

// Query text is embedded and stored; identifiers are normalized out
// before that happens, both for privacy and so two incidents differing
// only in an IP or UUID still collide in the cache.
var (
	emailPattern    = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	uuidPattern     = regexp.MustCompile(`\b[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[1-5][0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}\b`)
	ipPattern       = regexp.MustCompile(`\b(\d{1,3}\.){3}\d{1,3}\b`)
	hexPattern      = regexp.MustCompile(`\b[0-9a-fA-F]{32,}\b`)
	awsKeyPattern   = regexp.MustCompile(`\b(AKIA|ASIA)[0-9A-Z]{16}\b`)
	bearerPattern   = regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._\-]+`)
	passwordPattern = regexp.MustCompile(`(?i)(password|passwd|pwd|secret|token|api_key|apikey)\s*[:=]\s*[^\s]+`)
	spacePattern    = regexp.MustCompile(`\s+`)
)

// SanitizeText normalizes identifiers to placeholders and collapses
// whitespace.
func SanitizeText(text string) string {
	if text == "" {
		return text
	}
	cleaned := emailPattern.ReplaceAllString(text, "<email>")
	cleaned = uuidPattern.ReplaceAllString(cleaned, "<uuid>")
	cleaned = ipPattern.ReplaceAllString(cleaned, "<ip>")
	cleaned = hexPattern.ReplaceAllString(cleaned, "<hex>")
	cleaned = awsKeyPattern.ReplaceAllString(cleaned, "<aws_access_key>")
	cleaned = bearerPattern.ReplaceAllString(cleaned, "bearer <token>")
	cleaned = passwordPattern.ReplaceAllString(cleaned, "${1}=<redacted>")
	return strings.TrimSpace(spacePattern.ReplaceAllString(cleaned, " "))
}

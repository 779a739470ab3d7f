package guardrail

import "regexp"

// Redaction covers credentials, cloud identifiers, and personal data that
// must never leave the service in model output. Patterns are matched
// against assistant-visible text only; evidence excerpts stay hashed.
var redactionRules = []struct {
	pattern     *regexp.Regexp
	replacement string
}{
	{regexp.MustCompile(`-----BEGIN [\s\S]+? PRIVATE KEY-----[\s\S]+?-----END [\s\S]+? PRIVATE KEY-----`), "[PRIVATE_KEY]"},
	{regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`), "[AWS_ACCESS_KEY_ID]"},
	{regexp.MustCompile(`\bASIA[0-9A-Z]{16}\b`), "[AWS_ACCESS_KEY_ID]"},
	{regexp.MustCompile(`\b[A-Za-z0-9/+=]{40}\b`), "[AWS_SECRET_ACCESS_KEY]"},
	{regexp.MustCompile(`(?i)\barn:aws[a-z-]*:[^\s]+`), "[AWS_ARN]"},
	{regexp.MustCompile(`\b\d{12}\b`), "[ACCOUNT_ID]"},
	{regexp.MustCompile(`\beyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\b`), "[JWT]"},
	{regexp.MustCompile(`\bghp_[A-Za-z0-9]{36,}\b`), "[GITHUB_TOKEN]"},
	{regexp.MustCompile(`\bgho_[A-Za-z0-9]{36,}\b`), "[GITHUB_TOKEN]"},
	{regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9-]{10,}\b`), "[SLACK_TOKEN]"},
	{regexp.MustCompile(`(?i)\bAuthorization:\s*Bearer\s+[A-Za-z0-9._\-+/=]+\b`), "Authorization: Bearer [BEARER_TOKEN]"},
	{regexp.MustCompile(`(?i)\b[A-Z0-9._%+-]+@[A-Z0-9.-]+\.[A-Z]{2,}\b`), "[EMAIL]"},
	{regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4]\d|1?\d?\d)\.){3}(?:25[0-5]|2[0-4]\d|1?\d?\d)\b`), "[IP_ADDRESS]"},
	{regexp.MustCompile(`(?i)\b(?:[0-9A-F]{2}[:-]){5}[0-9A-F]{2}\b`), "[MAC_ADDRESS]"},
	{regexp.MustCompile(`(?i)\b[0-9A-F]{4}\.[0-9A-F]{4}\.[0-9A-F]{4}\b`), "[MAC_ADDRESS]"},
	{regexp.MustCompile(`(?i)\b([0-9a-f]{0,4}:){2,7}[0-9a-f]{0,4}\b`), "[IPV6_ADDRESS]"},
	{regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), "[SSN]"},
	{regexp.MustCompile(`\b\+?\d{1,3}[\s.-]?\(?\d{2,3}\)?[\s.-]?\d{3}[\s.-]?\d{4}\b`), "[PHONE_NUMBER]"},
	{regexp.MustCompile(`(?i)\b(passport|passport\s*no|passport\s*number)\b[:\s#-]*[A-Z0-9]{6,9}\b`), "[PASSPORT_NUMBER]"},
	{regexp.MustCompile(`(?i)\b(driver'?s?\s*licen[cs]e|dl|d/l)\b[:\s#-]*[A-Z0-9-]{4,20}\b`), "[DRIVER_LICENSE]"},
	{regexp.MustCompile(`(?i)\b(ein|tin|vat|abn|bn|gst|business\s*no|company\s*no)\b[:\s#-]*[A-Z0-9-]{5,}\b`), "[BUSINESS_NUMBER]"},
}

var (
	usernameKVPattern   = regexp.MustCompile(`(?i)\b(user(?:name)?|login|uid|user_id|account|owner)\b\s*[:=]\s*[^\s,;]+`)
	usernameJSONPattern = regexp.MustCompile(`(?i)"(user(?:name)?|login|uid|user_id|account|owner)"\s*:\s*"[^"]+"`)
	secretKVPattern     = regexp.MustCompile(`(?i)\b(password|passwd|pwd|secret|token|api[_-]?key|apikey|auth|authorization)\b\s*[:=]\s*[^\s,;]+`)
	creditCardPattern   = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
	nonDigitPattern     = regexp.MustCompile(`\D`)
)

// RedactSensitiveText replaces credentials, identifiers, and PII with
// category placeholders. It returns the redacted text and the number of
// replacements performed.
func RedactSensitiveText(text string) (string, int) {
	redacted := text
	hits := 0

	sub := func(pattern *regexp.Regexp, replacement string) {
		hits += len(pattern.FindAllString(redacted, -1))
		redacted = pattern.ReplaceAllString(redacted, replacement)
	}

	for _, rule := range redactionRules {
		sub(rule.pattern, rule.replacement)
	}
	sub(usernameKVPattern, "${1}=[USERNAME]")
	sub(usernameJSONPattern, `"${1}":"[USERNAME]"`)
	sub(secretKVPattern, "${1}=[SECRET]")

	redacted = creditCardPattern.ReplaceAllStringFunc(redacted, func(match string) string {
		digits := nonDigitPattern.ReplaceAllString(match, "")
		if len(digits) >= 13 && len(digits) <= 19 && luhnCheck(digits) {
			hits++
			return "[CREDIT_CARD]"
		}
		return match
	})
	return redacted, hits
}

// luhnCheck reports whether the digit string passes the Luhn checksum.
// Candidate card numbers that fail are left untouched so incident IDs and
// timestamps survive redaction.
func luhnCheck(digits string) bool {
	total := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		ch := digits[i]
		if ch < '0' || ch > '9' {
			return false
		}
		d := int(ch - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		total += d
		double = !double
	}
	return total%10 == 0
}

package llm

import (
	"encoding/json"
	"errors"
	"strings"
)

const previewMaxChars = 400

// ErrNoJSON is returned when model output contains no JSON object.
var ErrNoJSON = errors.New("no JSON object found in model output")

// ExtractJSON pulls the outermost JSON object out of model output,
// tolerating prose before and after it. Invalid backslash escapes —
// a common failure mode of models writing Windows paths or regexes
// inside JSON strings — are repaired before the payload is rejected.
func ExtractJSON(text string) (json.RawMessage, error) {
	text = strings.TrimSpace(text)
	if !(strings.HasPrefix(text, "{") && strings.HasSuffix(text, "}")) {
		start := strings.Index(text, "{")
		end := strings.LastIndex(text, "}")
		if start == -1 || end == -1 || end <= start {
			return nil, ErrNoJSON
		}
		text = text[start : end+1]
	}
	if json.Valid([]byte(text)) {
		return json.RawMessage(text), nil
	}
	repaired := repairInvalidEscapes(text)
	if !json.Valid([]byte(repaired)) {
		return nil, errors.New("model output is not valid JSON")
	}
	return json.RawMessage(repaired), nil
}

// SanitizePreview flattens model output into a single line capped for
// log fields. Never log raw model output without it.
func SanitizePreview(text string) string {
	text = strings.ReplaceAll(text, "\n", " ")
	if len(text) > previewMaxChars {
		return text[:previewMaxChars]
	}
	return text
}

// repairInvalidEscapes doubles backslashes that do not start a valid
// JSON escape sequence inside string literals.
func repairInvalidEscapes(payload string) string {
	const validEscapes = `"\/bfnrtu`
	var b strings.Builder
	b.Grow(len(payload))

	inString := false
	escape := false
	for i := 0; i < len(payload); i++ {
		ch := payload[i]
		if !inString {
			if ch == '"' {
				inString = true
			}
			b.WriteByte(ch)
			continue
		}
		if escape {
			b.WriteByte(ch)
			escape = false
			continue
		}
		if ch == '\\' {
			var next byte
			if i+1 < len(payload) {
				next = payload[i+1]
			}
			if next != 0 && strings.IndexByte(validEscapes, next) >= 0 {
				b.WriteByte(ch)
			} else {
				b.WriteString(`\\`)
			}
			escape = next != 0
			continue
		}
		if ch == '"' {
			inString = false
		}
		b.WriteByte(ch)
	}
	return b.String()
}

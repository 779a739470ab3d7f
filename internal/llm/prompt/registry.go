// Package prompt holds the versioned prompt registry. Prompt files are
// embedded at build time; the binary can never run with a prompt it was
// not built with.
package prompt

import (
	"embed"
	"fmt"
	"strings"
)

//go:embed prompts
var promptFS embed.FS

// Prompt is a loaded prompt body plus its front-matter metadata.
type Prompt struct {
	Text     string
	Metadata map[string]string
	Filename string
}

// Version returns the prompt_version metadata field.
func (p *Prompt) Version() string { return p.Metadata["prompt_version"] }

// Pin names the prompt file serving an endpoint. Pins are static: the
// registry refuses to serve any version other than the pinned one.
type Pin struct {
	Version  string
	Filename string
}

// DefaultPins are the production prompt pins.
var DefaultPins = map[string]Pin{
	"triage":  {Version: "v2", Filename: "prompts/v2/triage/triage.md"},
	"explain": {Version: "v1", Filename: "prompts/v1/explain/explain.md"},
}

// Registry serves pinned prompts by endpoint name.
type Registry struct {
	pins    map[string]Pin
	prompts map[string]*Prompt
}

// NewRegistry loads and validates every pinned prompt. A missing file or
// a version mismatch between pin and front matter is a startup error.
func NewRegistry(pins map[string]Pin) (*Registry, error) {
	if pins == nil {
		pins = DefaultPins
	}
	r := &Registry{pins: pins, prompts: make(map[string]*Prompt, len(pins))}
	for endpoint, pin := range pins {
		raw, err := promptFS.ReadFile(pin.Filename)
		if err != nil {
			return nil, fmt.Errorf("prompt file not found for endpoint %s: %w", endpoint, err)
		}
		metadata, body := parseFrontMatter(string(raw))
		if _, ok := metadata["prompt_version"]; !ok {
			metadata["prompt_version"] = pin.Version
		}
		if metadata["prompt_version"] != pin.Version {
			return nil, fmt.Errorf("prompt %s declares version %s but pin requires %s",
				pin.Filename, metadata["prompt_version"], pin.Version)
		}
		metadata["designed_for_endpoint"] = endpoint
		r.prompts[endpoint] = &Prompt{Text: body, Metadata: metadata, Filename: pin.Filename}
	}
	return r, nil
}

// Get returns the pinned prompt for an endpoint.
func (r *Registry) Get(endpoint string) (*Prompt, error) {
	p, ok := r.prompts[endpoint]
	if !ok {
		return nil, fmt.Errorf("unknown prompt endpoint: %s", endpoint)
	}
	return p, nil
}

// parseFrontMatter splits "--- key: value ---" front matter from the
// prompt body. Text without front matter is all body.
func parseFrontMatter(text string) (map[string]string, string) {
	metadata := make(map[string]string)
	lines := strings.Split(text, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return metadata, strings.TrimSpace(text)
	}
	bodyStart := len(lines)
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			bodyStart = i + 1
			break
		}
		if key, value, ok := strings.Cut(lines[i], ":"); ok {
			metadata[strings.TrimSpace(key)] = strings.TrimSpace(value)
		}
	}
	return metadata, strings.TrimSpace(strings.Join(lines[bodyStart:], "\n"))
}

// Package config loads service configuration from an optional YAML file
// with environment variable overrides.
package config

import (
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server  ServerConfig  `koanf:"server"`
	Storage StorageConfig `koanf:"storage"`
	LLM     LLMConfig     `koanf:"llm"`
	Budget  BudgetConfig  `koanf:"budget"`
	Cache   CacheConfig   `koanf:"cache"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
	// RequestTimeout bounds a whole request, duration string like "60s".
	RequestTimeout string `koanf:"request_timeout"`
}

type StorageConfig struct {
	Type   string       `koanf:"type"` // memory, sqlite
	SQLite SQLiteConfig `koanf:"sqlite"`
	// TTLs are duration strings; empty means the store defaults apply.
	InputTTL        string `koanf:"input_ttl"`
	ConversationTTL string `koanf:"conversation_ttl"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

type LLMConfig struct {
	Mode        string  `koanf:"mode"` // stub, openai
	Model       string  `koanf:"model"`
	BaseURL     string  `koanf:"base_url"`
	APIKey      string  `koanf:"api_key"`
	MaxTokens   int     `koanf:"max_tokens"`
	Temperature float64 `koanf:"temperature"`
	Timeout     string  `koanf:"timeout"`
}

type BudgetConfig struct {
	Enabled       bool `koanf:"enabled"`
	TokenLimit    int  `koanf:"token_limit"`
	WindowMinutes int  `koanf:"window_minutes"`
}

type CacheConfig struct {
	Enabled             bool    `koanf:"enabled"`
	SimilarityThreshold float64 `koanf:"similarity_threshold"`
	TTLSeconds          int     `koanf:"ttl_seconds"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

func Load() (*Config, error) {
	return LoadFile("config.yaml")
}

// LoadFile loads configuration from the given YAML file, then applies
// TRIAGE_* environment variable overrides (double underscore separates
// nesting levels, e.g. TRIAGE_SERVER__PORT).
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		// File not found is OK, we'll use env vars
		if !os.IsNotExist(err) {
			return nil, err
		}
	}

	if err := k.Load(env.Provider("TRIAGE_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "TRIAGE_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	applyDefaults(k)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	cfg.LLM.APIKey = substituteEnvVars(cfg.LLM.APIKey)
	return &cfg, nil
}

func applyDefaults(k *koanf.Koanf) {
	defaults := map[string]any{
		"server.port":                8080,
		"server.request_timeout":     "60s",
		"storage.type":               "memory",
		"storage.sqlite.path":        "troubleshooter.db",
		"llm.mode":                   "stub",
		"llm.model":                  "gpt-4o-mini",
		"llm.max_tokens":             1024,
		"llm.temperature":            0.2,
		"llm.timeout":                "30s",
		"budget.token_limit":         50000,
		"budget.window_minutes":      10,
		"cache.similarity_threshold": 0.95,
		"cache.ttl_seconds":          86400,
	}
	for key, value := range defaults {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}
	if !k.Exists("cache.enabled") {
		k.Set("cache.enabled", true)
	}
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Duration parses a duration string field, falling back when empty or
// malformed.
func Duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// BudgetWindow returns the admission window length.
func (c BudgetConfig) BudgetWindow() time.Duration {
	if c.WindowMinutes <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(c.WindowMinutes) * time.Minute
}

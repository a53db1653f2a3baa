// Package config loads runtime configuration from the environment. A .env
// file in the working directory is merged in first, process environment wins.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Backend identifiers.
const (
	BackendNvidia     = "nvidia"
	BackendOpenRouter = "openrouter"
	BackendLocal      = "local"
)

// Built-in backend defaults.
const (
	nvidiaBaseURL     = "https://integrate.api.nvidia.com/v1"
	openRouterBaseURL = "https://openrouter.ai/api/v1"
	localBaseURL      = "http://127.0.0.1:8080/v1"

	defaultModel             = "deepseek-ai/deepseek-v3.1"
	openRouterDefaultMaxToks = 81920

	defaultRateLimit  = 40
	defaultRateWindow = time.Minute
)

// extensionKeyAllowlist names the origin request parameters that may be
// injected through LMRELAY_EXTRA_PARAMS. Anything else fails startup.
var extensionKeyAllowlist = map[string]bool{
	"temperature":         true,
	"top_p":               true,
	"top_k":               true,
	"max_tokens":          true,
	"stop":                true,
	"presence_penalty":    true,
	"frequency_penalty":   true,
	"seed":                true,
	"parallel_tool_calls": true,
	"reasoning_effort":    true,
}

// Backend describes one origin API endpoint.
type Backend struct {
	ID               string
	BaseURL          string
	APIKey           string
	DefaultMaxTokens int
	AllowImages      bool
	RateLimit        int
	RateWindow       time.Duration
	// RequireKey marks backends that refuse to start without an API key.
	RequireKey bool
}

// Config is the full resolved runtime configuration.
type Config struct {
	Addr     string
	LogLevel string
	Backend  Backend

	// Model routing: the Claude family name in the request picks the
	// matching origin model.
	ModelDefault string
	ModelOpus    string
	ModelSonnet  string
	ModelHaiku   string

	// ExtraParams are validated extension keys merged into every origin
	// request body.
	ExtraParams map[string]json.RawMessage

	RequestTimeout time.Duration
	MaxRetries     int
}

// Load reads configuration from .env and the process environment.
func Load() (*Config, error) {
	// missing .env is fine, the environment alone can carry everything
	_ = godotenv.Load()

	cfg := &Config{
		Addr:           envStr("LMRELAY_ADDR", ":8082"),
		LogLevel:       envStr("LMRELAY_LOG_LEVEL", "info"),
		ModelDefault:   envStr("LMRELAY_MODEL", defaultModel),
		ModelOpus:      os.Getenv("LMRELAY_MODEL_OPUS"),
		ModelSonnet:    os.Getenv("LMRELAY_MODEL_SONNET"),
		ModelHaiku:     os.Getenv("LMRELAY_MODEL_HAIKU"),
		RequestTimeout: envDuration("LMRELAY_REQUEST_TIMEOUT", 10*time.Minute),
		MaxRetries:     envInt("LMRELAY_MAX_RETRIES", 2),
	}

	backend, err := loadBackend(envStr("LMRELAY_BACKEND", BackendNvidia))
	if err != nil {
		return nil, err
	}
	cfg.Backend = backend

	extra, err := parseExtraParams(os.Getenv("LMRELAY_EXTRA_PARAMS"))
	if err != nil {
		return nil, err
	}
	cfg.ExtraParams = extra

	return cfg, nil
}

func loadBackend(id string) (Backend, error) {
	b := Backend{
		ID:         id,
		RateLimit:  envInt("LMRELAY_RATE_LIMIT", defaultRateLimit),
		RateWindow: envDuration("LMRELAY_RATE_WINDOW", defaultRateWindow),
	}
	switch id {
	case BackendNvidia:
		b.BaseURL = envStr("NVIDIA_BASE_URL", nvidiaBaseURL)
		b.APIKey = firstEnv("NVIDIA_API_KEY", "NIM_API_KEY")
		b.AllowImages = true
		b.RequireKey = true
	case BackendOpenRouter:
		b.BaseURL = envStr("OPENROUTER_BASE_URL", openRouterBaseURL)
		b.APIKey = os.Getenv("OPENROUTER_API_KEY")
		b.AllowImages = true
		b.DefaultMaxTokens = openRouterDefaultMaxToks
		b.RequireKey = true
	case BackendLocal:
		b.BaseURL = envStr("LOCAL_BASE_URL", localBaseURL)
		b.APIKey = os.Getenv("LOCAL_API_KEY")
		b.AllowImages = false
	default:
		return b, fmt.Errorf("unknown backend %q (want %s, %s or %s)",
			id, BackendNvidia, BackendOpenRouter, BackendLocal)
	}
	b.BaseURL = strings.TrimRight(b.BaseURL, "/")
	if b.RequireKey && b.APIKey == "" {
		return b, fmt.Errorf("backend %s: missing API key", id)
	}
	return b, nil
}

// parseExtraParams validates the LMRELAY_EXTRA_PARAMS JSON object against the
// extension-key allowlist. A typo'd key is a configuration error, not
// something to silently forward.
func parseExtraParams(raw string) (map[string]json.RawMessage, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var params map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return nil, fmt.Errorf("LMRELAY_EXTRA_PARAMS is not a JSON object: %w", err)
	}
	var bad []string
	for k := range params {
		if !extensionKeyAllowlist[k] {
			bad = append(bad, k)
		}
	}
	if len(bad) > 0 {
		sort.Strings(bad)
		return nil, fmt.Errorf("LMRELAY_EXTRA_PARAMS: unsupported keys %s", strings.Join(bad, ", "))
	}
	return params, nil
}

// ResolveModel maps an incoming Claude model name onto the configured origin
// model. The family name in the request picks the route; unknown names fall
// back to the default.
func (c *Config) ResolveModel(anthropicModel string) string {
	lower := strings.ToLower(anthropicModel)
	switch {
	case c.ModelOpus != "" && strings.Contains(lower, "opus"):
		return c.ModelOpus
	case c.ModelSonnet != "" && strings.Contains(lower, "sonnet"):
		return c.ModelSonnet
	case c.ModelHaiku != "" && strings.Contains(lower, "haiku"):
		return c.ModelHaiku
	default:
		return c.ModelDefault
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

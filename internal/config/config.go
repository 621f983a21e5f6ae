package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ProviderConfig holds per-provider settings for multi-provider LLM support.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"` // custom endpoint (e.g. OpenRouter)
}

// LLMProviderConfig holds configuration for all LLM providers.
type LLMProviderConfig struct {
	// Provider names the active LLM provider: "google", "anthropic", "openai", "openai_compatible".
	Provider string `yaml:"provider"`

	// GoogleAI-specific config.
	GeminiModel string `yaml:"gemini_model"`

	// Anthropic-specific config.
	AnthropicModel string `yaml:"anthropic_model"`

	// OpenAI-specific config.
	OpenAIModel string `yaml:"openai_model"`

	// OpenAICompatible config.
	OpenAICompatibleProvider string `yaml:"openai_compatible_provider"` // provider name for model prefix
	OpenAICompatibleBaseURL  string `yaml:"openai_compatible_base_url"` // e.g. https://api.openai.com/v1
}

// RateLimitConfig controls the per-client token bucket on the RPC endpoint.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

// CORSConfig controls cross-origin access to the HTTP surface.
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// OTelConfig controls the OpenTelemetry export pipeline.
type OTelConfig struct {
	Enabled bool `yaml:"enabled"`
	// Exporter is "stdout", "otlp-http", or "none". Default "stdout".
	Exporter string `yaml:"exporter"`
	// Endpoint for the otlp exporter, e.g. "localhost:4318".
	Endpoint string `yaml:"endpoint"`
}

// MandateConfig holds AP2 mandate lifecycle tuning.
type MandateConfig struct {
	// IntentTTLHours is the IntentMandate validity window. Default 24.
	IntentTTLHours int `yaml:"intent_ttl_hours"`
	// CartTTLMinutes is the CartMandate validity window. Default 60.
	CartTTLMinutes int `yaml:"cart_ttl_minutes"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// MerchantID identifies this merchant in issued mandates.
	MerchantID string `yaml:"merchant_id"`

	// AuthToken, when set, gates /a2a and mandate retrieval behind a
	// bearer token. Empty leaves the surface open.
	AuthToken string `yaml:"auth_token"`

	// GenerationTimeoutSeconds bounds a single consulting generation. Default 120.
	GenerationTimeoutSeconds int `yaml:"generation_timeout_seconds"`

	// MaxBodyBytes caps the accepted request body size. Default 1 MiB.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`

	// Retention policy (days). 0 = keep forever.
	RetentionTasksDays    int `yaml:"retention_tasks_days"`
	RetentionMandatesDays int `yaml:"retention_mandates_days"`

	// RetentionExpiredCartsHours keeps expired unused carts around so a
	// late payment attempt is rejected as expired, not as unknown.
	// Default 24.
	RetentionExpiredCartsHours int `yaml:"retention_expired_carts_hours"`

	// SweepSchedule is the cron expression for the retention sweep. Default hourly.
	SweepSchedule string `yaml:"sweep_schedule"`

	LLM       LLMProviderConfig         `yaml:"llm"`
	Providers map[string]ProviderConfig `yaml:"providers"`
	RateLimit RateLimitConfig           `yaml:"rate_limit"`
	CORS      CORSConfig                `yaml:"cors"`
	OTel      OTelConfig                `yaml:"otel"`
	Mandates  MandateConfig             `yaml:"mandates"`
}

// LLMProviderAPIKey returns the API key for the specified LLM provider.
// Env vars take precedence: ANTHROPIC_API_KEY, OPENAI_API_KEY, GOOGLE_API_KEY.
func (c Config) LLMProviderAPIKey(provider string) string {
	envMap := map[string]string{
		"google":     "GOOGLE_API_KEY",
		"anthropic":  "ANTHROPIC_API_KEY",
		"openai":     "OPENAI_API_KEY",
		"openrouter": "OPENROUTER_API_KEY",
	}
	if envVar, ok := envMap[provider]; ok {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	if c.Providers != nil {
		if p, ok := c.Providers[provider]; ok && p.APIKey != "" {
			return p.APIKey
		}
	}
	return ""
}

// ResolveLLMConfig returns the effective LLM configuration.
func (c Config) ResolveLLMConfig() (provider, model, apiKey string) {
	provider = c.LLM.Provider
	if provider == "" {
		provider = "google"
	}
	// Normalize legacy provider name.
	if provider == "gemini" {
		provider = "google"
	}

	switch provider {
	case "anthropic":
		model = c.LLM.AnthropicModel
	case "openai", "openai_compatible", "openrouter":
		model = c.LLM.OpenAIModel
	case "google":
		model = c.LLM.GeminiModel
	}

	apiKey = c.LLMProviderAPIKey(provider)
	return provider, model, apiKey
}

// IntentTTL returns the IntentMandate validity window as a duration.
func (c Config) IntentTTL() time.Duration {
	return time.Duration(c.Mandates.IntentTTLHours) * time.Hour
}

// CartTTL returns the CartMandate validity window as a duration.
func (c Config) CartTTL() time.Duration {
	return time.Duration(c.Mandates.CartTTLMinutes) * time.Minute
}

// GenerationTimeout returns the per-generation deadline as a duration.
func (c Config) GenerationTimeout() time.Duration {
	return time.Duration(c.GenerationTimeoutSeconds) * time.Second
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|merchant=%s|timeout=%d|origins=%v",
		c.BindAddr, c.LogLevel, c.MerchantID, c.GenerationTimeoutSeconds, c.CORS.AllowedOrigins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:                   "127.0.0.1:18080",
		LogLevel:                   "info",
		MerchantID:                 "consulting-agent-merchant-001",
		GenerationTimeoutSeconds:   120,
		MaxBodyBytes:               1 << 20,
		RetentionTasksDays:         90,
		RetentionMandatesDays:      30,
		RetentionExpiredCartsHours: 24,
		SweepSchedule:              "@hourly",
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 60,
			BurstSize:         10,
		},
		Mandates: MandateConfig{
			IntentTTLHours: 24,
			CartTTLMinutes: 60,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("CONSULTD_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".consultd")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create consultd home: %w", err)
	}

	configPath := filepath.Join(cfg.HomeDir, "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18080"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.MerchantID == "" {
		cfg.MerchantID = "consulting-agent-merchant-001"
	}
	if cfg.GenerationTimeoutSeconds <= 0 {
		cfg.GenerationTimeoutSeconds = 120
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = "@hourly"
	}
	if cfg.Mandates.IntentTTLHours <= 0 {
		cfg.Mandates.IntentTTLHours = 24
	}
	if cfg.Mandates.CartTTLMinutes <= 0 {
		cfg.Mandates.CartTTLMinutes = 60
	}
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit.RequestsPerMinute = 60
	}
	if cfg.RateLimit.BurstSize <= 0 {
		cfg.RateLimit.BurstSize = 10
	}
	if cfg.OTel.Exporter == "" {
		cfg.OTel.Exporter = "stdout"
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("CONSULTD_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("CONSULTD_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("CONSULTD_MERCHANT_ID"); raw != "" {
		cfg.MerchantID = raw
	}
	if raw := os.Getenv("CONSULTD_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("CONSULTD_GENERATION_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.GenerationTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("CONSULTD_SWEEP_SCHEDULE"); raw != "" {
		cfg.SweepSchedule = raw
	}
	if raw := os.Getenv("CONSULTD_OTEL_ENABLED"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.OTel.Enabled = v
		}
	}
	if raw := os.Getenv("CONSULTD_OTEL_ENDPOINT"); raw != "" {
		cfg.OTel.Endpoint = raw
	}
}

package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/consultd/internal/config"
)

func setHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("CONSULTD_HOME", home)
	return home
}

func TestLoadDefaults(t *testing.T) {
	home := setHome(t)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HomeDir != home {
		t.Errorf("HomeDir = %q, want %q", cfg.HomeDir, home)
	}
	if cfg.BindAddr != "127.0.0.1:18080" {
		t.Errorf("BindAddr = %q", cfg.BindAddr)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
	if cfg.MerchantID != "consulting-agent-merchant-001" {
		t.Errorf("MerchantID = %q", cfg.MerchantID)
	}
	if cfg.GenerationTimeoutSeconds != 120 {
		t.Errorf("GenerationTimeoutSeconds = %d", cfg.GenerationTimeoutSeconds)
	}
	if cfg.MaxBodyBytes != 1<<20 {
		t.Errorf("MaxBodyBytes = %d", cfg.MaxBodyBytes)
	}
	if cfg.SweepSchedule != "@hourly" {
		t.Errorf("SweepSchedule = %q", cfg.SweepSchedule)
	}
	if !cfg.RateLimit.Enabled || cfg.RateLimit.RequestsPerMinute != 60 || cfg.RateLimit.BurstSize != 10 {
		t.Errorf("RateLimit = %+v", cfg.RateLimit)
	}
	if cfg.Mandates.IntentTTLHours != 24 || cfg.Mandates.CartTTLMinutes != 60 {
		t.Errorf("Mandates = %+v", cfg.Mandates)
	}
	if cfg.OTel.Exporter != "stdout" {
		t.Errorf("OTel.Exporter = %q", cfg.OTel.Exporter)
	}
	if cfg.RetentionTasksDays != 90 || cfg.RetentionMandatesDays != 30 {
		t.Errorf("retention = %d/%d", cfg.RetentionTasksDays, cfg.RetentionMandatesDays)
	}
	if cfg.RetentionExpiredCartsHours != 24 {
		t.Errorf("RetentionExpiredCartsHours = %d", cfg.RetentionExpiredCartsHours)
	}
}

func TestLoadReadsConfigFile(t *testing.T) {
	home := setHome(t)
	yaml := `
bind_addr: "0.0.0.0:9090"
merchant_id: "merchant-from-file"
generation_timeout_seconds: 30
mandates:
  intent_ttl_hours: 2
  cart_ttl_minutes: 15
rate_limit:
  enabled: false
otel:
  enabled: true
  exporter: otlp-http
  endpoint: collector:4318
`
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BindAddr != "0.0.0.0:9090" {
		t.Errorf("BindAddr = %q", cfg.BindAddr)
	}
	if cfg.MerchantID != "merchant-from-file" {
		t.Errorf("MerchantID = %q", cfg.MerchantID)
	}
	if cfg.GenerationTimeout() != 30*time.Second {
		t.Errorf("GenerationTimeout = %v", cfg.GenerationTimeout())
	}
	if cfg.IntentTTL() != 2*time.Hour {
		t.Errorf("IntentTTL = %v", cfg.IntentTTL())
	}
	if cfg.CartTTL() != 15*time.Minute {
		t.Errorf("CartTTL = %v", cfg.CartTTL())
	}
	if cfg.RateLimit.Enabled {
		t.Error("rate limit should be disabled by file")
	}
	if !cfg.OTel.Enabled || cfg.OTel.Exporter != "otlp-http" || cfg.OTel.Endpoint != "collector:4318" {
		t.Errorf("OTel = %+v", cfg.OTel)
	}
}

func TestLoadMalformedConfigFile(t *testing.T) {
	home := setHome(t)
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte("bind_addr: [not: valid"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := config.Load(); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestEnvOverridesBeatFile(t *testing.T) {
	home := setHome(t)
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte("bind_addr: \"127.0.0.1:7000\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONSULTD_BIND_ADDR", "127.0.0.1:7001")
	t.Setenv("CONSULTD_MERCHANT_ID", "merchant-from-env")
	t.Setenv("CONSULTD_GENERATION_TIMEOUT_SECONDS", "15")
	t.Setenv("CONSULTD_SWEEP_SCHEDULE", "0 3 * * *")
	t.Setenv("CONSULTD_OTEL_ENABLED", "true")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:7001" {
		t.Errorf("BindAddr = %q", cfg.BindAddr)
	}
	if cfg.MerchantID != "merchant-from-env" {
		t.Errorf("MerchantID = %q", cfg.MerchantID)
	}
	if cfg.GenerationTimeoutSeconds != 15 {
		t.Errorf("GenerationTimeoutSeconds = %d", cfg.GenerationTimeoutSeconds)
	}
	if cfg.SweepSchedule != "0 3 * * *" {
		t.Errorf("SweepSchedule = %q", cfg.SweepSchedule)
	}
	if !cfg.OTel.Enabled {
		t.Error("OTel should be enabled via env")
	}
}

func TestResolveLLMConfig(t *testing.T) {
	t.Setenv("GOOGLE_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")

	var cfg config.Config
	provider, _, key := cfg.ResolveLLMConfig()
	if provider != "google" {
		t.Errorf("default provider = %q, want google", provider)
	}
	if key != "" {
		t.Errorf("expected no api key, got %q", key)
	}

	cfg.LLM.Provider = "gemini"
	provider, _, _ = cfg.ResolveLLMConfig()
	if provider != "google" {
		t.Errorf("legacy gemini should normalize to google, got %q", provider)
	}

	cfg.LLM.Provider = "anthropic"
	cfg.LLM.AnthropicModel = "claude-sonnet"
	cfg.Providers = map[string]config.ProviderConfig{
		"anthropic": {APIKey: "file-key"},
	}
	provider, model, key := cfg.ResolveLLMConfig()
	if provider != "anthropic" || model != "claude-sonnet" || key != "file-key" {
		t.Errorf("anthropic resolve = %q/%q/%q", provider, model, key)
	}

	t.Setenv("ANTHROPIC_API_KEY", "env-key")
	_, _, key = cfg.ResolveLLMConfig()
	if key != "env-key" {
		t.Errorf("env key should win, got %q", key)
	}
}

func TestFingerprint(t *testing.T) {
	cfg := config.Config{BindAddr: "127.0.0.1:18080", MerchantID: "m1"}
	a := cfg.Fingerprint()
	if a == "" {
		t.Fatal("empty fingerprint")
	}
	if a != cfg.Fingerprint() {
		t.Fatalf("fingerprint not stable: %q vs %q", a, cfg.Fingerprint())
	}
	cfg.BindAddr = "127.0.0.1:9999"
	if b := cfg.Fingerprint(); b == a {
		t.Fatal("fingerprint should change with bind address")
	}
}

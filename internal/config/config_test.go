package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Store.Driver != "bolt" {
		t.Errorf("Store.Driver = %q, want %q", cfg.Store.Driver, "bolt")
	}
	if cfg.Verification.Timeout != 30*time.Second {
		t.Errorf("Verification.Timeout = %s, want 30s", cfg.Verification.Timeout)
	}
	if cfg.Verification.DefaultMaxRetries != 3 {
		t.Errorf("DefaultMaxRetries = %d, want 3", cfg.Verification.DefaultMaxRetries)
	}
	if cfg.Idempotency.TTL != 24*time.Hour {
		t.Errorf("Idempotency.TTL = %s, want 24h", cfg.Idempotency.TTL)
	}
	if cfg.Inspector.Port != 4200 {
		t.Errorf("Inspector.Port = %d, want 4200", cfg.Inspector.Port)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	yaml := `
log_level: debug
store:
  driver: sqlite
  path: /var/lib/clearinghouse/db.sqlite
verification:
  timeout: 45s
  default_max_retries: 5
judge:
  endpoint: https://api.openai.com/v1/chat/completions
  model: gpt-4o
allowed_domains:
  - api.openai.com
`
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
	if cfg.Store.Driver != "sqlite" {
		t.Errorf("Store.Driver = %q, want %q", cfg.Store.Driver, "sqlite")
	}
	if cfg.Verification.Timeout != 45*time.Second {
		t.Errorf("Verification.Timeout = %s, want 45s", cfg.Verification.Timeout)
	}
	if cfg.Verification.DefaultMaxRetries != 5 {
		t.Errorf("DefaultMaxRetries = %d, want 5", cfg.Verification.DefaultMaxRetries)
	}
	if cfg.Judge.Model != "gpt-4o" {
		t.Errorf("Judge.Model = %q, want %q", cfg.Judge.Model, "gpt-4o")
	}
	if len(cfg.AllowedDomains) != 1 || cfg.AllowedDomains[0] != "api.openai.com" {
		t.Errorf("AllowedDomains = %v", cfg.AllowedDomains)
	}
	// Untouched sections keep their defaults.
	if cfg.Sandbox.MemoryLimitPages != 256 {
		t.Errorf("Sandbox.MemoryLimitPages = %d, want 256", cfg.Sandbox.MemoryLimitPages)
	}
}

func TestLoadConfigMissing(t *testing.T) {
	cfg, err := LoadConfig("/nonexistent/path/config.yaml")
	if err != nil {
		t.Fatalf("expected no error for missing file, got: %v", err)
	}
	if cfg.Store.Driver != "bolt" {
		t.Errorf("Store.Driver = %q, want default %q", cfg.Store.Driver, "bolt")
	}
}

func TestLoadConfigInterpolation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	t.Setenv("TEST_JUDGE_KEY", "sk-test123")

	yaml := `
judge:
  api_key: "${TEST_JUDGE_KEY}"
  endpoint: "${TEST_UNSET_VAR_XYZ}"
`
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Judge.APIKey != "sk-test123" {
		t.Errorf("Judge.APIKey = %q, want %q", cfg.Judge.APIKey, "sk-test123")
	}
	if cfg.Judge.Endpoint != "${TEST_UNSET_VAR_XYZ}" {
		t.Errorf("unresolved variable should be left as is, got %q", cfg.Judge.Endpoint)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("store:\n  driver: bolt\n"), 0644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("CLEARINGHOUSE_STORE_DRIVER", "postgres")
	t.Setenv("CLEARINGHOUSE_STORE_DSN", "postgres://localhost/clearinghouse")
	t.Setenv("CLEARINGHOUSE_VERIFY_TIMEOUT", "5s")
	t.Setenv("CLEARINGHOUSE_ALLOWED_DOMAINS", "a.example.com,b.example.com")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Store.Driver != "postgres" {
		t.Errorf("Store.Driver = %q, want %q", cfg.Store.Driver, "postgres")
	}
	if cfg.Store.DSN != "postgres://localhost/clearinghouse" {
		t.Errorf("Store.DSN = %q", cfg.Store.DSN)
	}
	if cfg.Verification.Timeout != 5*time.Second {
		t.Errorf("Verification.Timeout = %s, want 5s", cfg.Verification.Timeout)
	}
	if len(cfg.AllowedDomains) != 2 {
		t.Errorf("AllowedDomains = %v, want 2 entries", cfg.AllowedDomains)
	}
	// Fields without an override keep the file or default value.
	if cfg.Idempotency.Backend != "memory" {
		t.Errorf("Idempotency.Backend = %q, want %q", cfg.Idempotency.Backend, "memory")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"unknown store", func(c *Config) { c.Store.Driver = "mongo" }, "store.driver"},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = "postgres" }, "store.dsn"},
		{"bolt without path", func(c *Config) { c.Store.Path = "" }, "store.path"},
		{"redis without addr", func(c *Config) { c.Idempotency.Backend = "redis" }, "redis_addr"},
		{"max retries too high", func(c *Config) { c.Verification.DefaultMaxRetries = 11 }, "default_max_retries"},
		{"zero timeout", func(c *Config) { c.Verification.Timeout = 0 }, "verification.timeout"},
		{"remote sandbox without endpoint", func(c *Config) { c.Sandbox.Backend = "remote" }, "sandbox.endpoint"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
		{"bad port", func(c *Config) { c.Inspector.Port = 70000 }, "inspector.port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q should mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestInterpolateEnvVars(t *testing.T) {
	t.Setenv("FOO", "bar")
	t.Setenv("NUM", "42")

	tests := []struct {
		input string
		want  string
	}{
		{"${FOO}", "bar"},
		{"prefix-${FOO}-suffix", "prefix-bar-suffix"},
		{"${FOO}:${NUM}", "bar:42"},
		{"no vars here", "no vars here"},
		{"${UNSET_VAR_ABC}", "${UNSET_VAR_ABC}"},
	}

	for _, tt := range tests {
		got := interpolateEnvVars(tt.input)
		if got != tt.want {
			t.Errorf("interpolateEnvVars(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

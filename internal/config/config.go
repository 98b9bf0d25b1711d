package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the runtime configuration read from .clearinghouse/config.yaml.
// Environment variables named in the env tags override file values.
type Config struct {
	LogLevel     string             `yaml:"log_level" env:"CLEARINGHOUSE_LOG_LEVEL"`
	LogFormat    string             `yaml:"log_format" env:"CLEARINGHOUSE_LOG_FORMAT"`
	Store        StoreConfig        `yaml:"store"`
	Idempotency  IdempotencyConfig  `yaml:"idempotency"`
	Verification VerificationConfig `yaml:"verification"`
	Judge        JudgeConfig        `yaml:"judge"`
	Sandbox      SandboxConfig      `yaml:"sandbox"`
	Inspector    InspectorConfig    `yaml:"inspector"`

	// AllowedDomains restricts outbound judge and sandbox calls. Empty
	// allows any host.
	AllowedDomains []string `yaml:"allowed_domains" env:"CLEARINGHOUSE_ALLOWED_DOMAINS" envSeparator:","`
}

// StoreConfig selects the contract store.
type StoreConfig struct {
	Driver string `yaml:"driver" env:"CLEARINGHOUSE_STORE_DRIVER"` // "memory", "bolt", "sqlite", "postgres"
	Path   string `yaml:"path" env:"CLEARINGHOUSE_STORE_PATH"`     // bolt and sqlite
	DSN    string `yaml:"dsn" env:"CLEARINGHOUSE_STORE_DSN"`       // postgres
}

// IdempotencyConfig selects where idempotency keys are kept.
type IdempotencyConfig struct {
	Backend       string        `yaml:"backend" env:"CLEARINGHOUSE_IDEMPOTENCY_BACKEND"` // "memory", "redis"
	TTL           time.Duration `yaml:"ttl" env:"CLEARINGHOUSE_IDEMPOTENCY_TTL"`
	RedisAddr     string        `yaml:"redis_addr" env:"CLEARINGHOUSE_REDIS_ADDR"`
	RedisPassword string        `yaml:"redis_password" env:"CLEARINGHOUSE_REDIS_PASSWORD"`
	RedisDB       int           `yaml:"redis_db" env:"CLEARINGHOUSE_REDIS_DB"`
}

// VerificationConfig holds orchestrator defaults.
type VerificationConfig struct {
	Timeout           time.Duration `yaml:"timeout" env:"CLEARINGHOUSE_VERIFY_TIMEOUT"`
	DefaultMaxRetries int           `yaml:"default_max_retries" env:"CLEARINGHOUSE_DEFAULT_MAX_RETRIES"`
	AutoVerify        bool          `yaml:"auto_verify" env:"CLEARINGHOUSE_AUTO_VERIFY"`
	MockPass          bool          `yaml:"mock_pass" env:"CLEARINGHOUSE_MOCK_PASS"`
}

// JudgeConfig defines the semantic verifier's LLM endpoint.
type JudgeConfig struct {
	Endpoint    string        `yaml:"endpoint" env:"CLEARINGHOUSE_JUDGE_ENDPOINT"`
	APIKey      string        `yaml:"api_key" env:"CLEARINGHOUSE_JUDGE_API_KEY"`
	Model       string        `yaml:"model" env:"CLEARINGHOUSE_JUDGE_MODEL"`
	Temperature float64       `yaml:"temperature" env:"CLEARINGHOUSE_JUDGE_TEMPERATURE"`
	MaxTokens   int           `yaml:"max_tokens" env:"CLEARINGHOUSE_JUDGE_MAX_TOKENS"`
	Attempts    uint          `yaml:"attempts" env:"CLEARINGHOUSE_JUDGE_ATTEMPTS"`
	Timeout     time.Duration `yaml:"timeout" env:"CLEARINGHOUSE_JUDGE_TIMEOUT"`
	RateLimit   float64       `yaml:"rate_limit" env:"CLEARINGHOUSE_JUDGE_RATE_LIMIT"` // requests per second, 0 = unlimited
	Burst       int           `yaml:"burst" env:"CLEARINGHOUSE_JUDGE_BURST"`
}

// SandboxConfig defines the code execution verifier's executor.
type SandboxConfig struct {
	Backend          string        `yaml:"backend" env:"CLEARINGHOUSE_SANDBOX_BACKEND"` // "wasm", "remote", "none"
	Endpoint         string        `yaml:"endpoint" env:"CLEARINGHOUSE_SANDBOX_ENDPOINT"`
	APIKey           string        `yaml:"api_key" env:"CLEARINGHOUSE_SANDBOX_API_KEY"`
	Language         string        `yaml:"language" env:"CLEARINGHOUSE_SANDBOX_LANGUAGE"`
	Timeout          time.Duration `yaml:"timeout" env:"CLEARINGHOUSE_SANDBOX_TIMEOUT"`
	MaxCodeSize      string        `yaml:"max_code_size" env:"CLEARINGHOUSE_SANDBOX_MAX_CODE_SIZE"`
	MaxOutputSize    string        `yaml:"max_output_size" env:"CLEARINGHOUSE_SANDBOX_MAX_OUTPUT_SIZE"`
	MemoryLimitPages uint32        `yaml:"memory_limit_pages" env:"CLEARINGHOUSE_SANDBOX_MEMORY_PAGES"`
}

// InspectorConfig defines the read-only HTTP inspector.
type InspectorConfig struct {
	Enabled bool `yaml:"enabled" env:"CLEARINGHOUSE_INSPECTOR_ENABLED"`
	Port    int  `yaml:"port" env:"CLEARINGHOUSE_INSPECTOR_PORT"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		LogLevel:  "info",
		LogFormat: "console",
		Store: StoreConfig{
			Driver: "bolt",
			Path:   ".clearinghouse/clearinghouse.db",
		},
		Idempotency: IdempotencyConfig{
			Backend: "memory",
			TTL:     24 * time.Hour,
		},
		Verification: VerificationConfig{
			Timeout:           30 * time.Second,
			DefaultMaxRetries: 3,
			AutoVerify:        true,
			MockPass:          true,
		},
		Judge: JudgeConfig{
			Temperature: 0,
			MaxTokens:   1024,
			Attempts:    3,
			Timeout:     60 * time.Second,
		},
		Sandbox: SandboxConfig{
			Backend:          "wasm",
			Language:         "python",
			Timeout:          10 * time.Second,
			MaxCodeSize:      "1MB",
			MaxOutputSize:    "1MB",
			MemoryLimitPages: 256,
		},
		Inspector: InspectorConfig{
			Port: 4200,
		},
	}
}

// LoadConfig reads a runtime config YAML file, interpolating ${VAR}
// references, and applies CLEARINGHOUSE_* environment overrides.
// A missing file yields the defaults with overrides applied.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		interpolated := interpolateEnvVars(string(data))
		if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	case !os.IsNotExist(err):
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Validate checks enumerations and ranges.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(oneOf(c.LogLevel, "debug", "info", "warn", "error"), "log_level %q: must be debug, info, warn or error", c.LogLevel)
	check(oneOf(c.LogFormat, "console", "json"), "log_format %q: must be console or json", c.LogFormat)

	check(oneOf(c.Store.Driver, "memory", "bolt", "sqlite", "postgres"), "store.driver %q: must be memory, bolt, sqlite or postgres", c.Store.Driver)
	check(!oneOf(c.Store.Driver, "bolt", "sqlite") || c.Store.Path != "", "store.path is required for %s", c.Store.Driver)
	check(c.Store.Driver != "postgres" || c.Store.DSN != "", "store.dsn is required for postgres")

	check(oneOf(c.Idempotency.Backend, "memory", "redis"), "idempotency.backend %q: must be memory or redis", c.Idempotency.Backend)
	check(c.Idempotency.Backend != "redis" || c.Idempotency.RedisAddr != "", "idempotency.redis_addr is required for redis")
	check(c.Idempotency.TTL > 0, "idempotency.ttl must be positive")

	check(c.Verification.Timeout > 0, "verification.timeout must be positive")
	check(c.Verification.DefaultMaxRetries >= 1 && c.Verification.DefaultMaxRetries <= 10, "verification.default_max_retries %d: must be 1..10", c.Verification.DefaultMaxRetries)

	check(c.Judge.Temperature >= 0 && c.Judge.Temperature <= 2, "judge.temperature %v: must be 0..2", c.Judge.Temperature)
	check(c.Judge.MaxTokens >= 0, "judge.max_tokens must not be negative")
	check(c.Judge.RateLimit >= 0, "judge.rate_limit must not be negative")

	check(oneOf(c.Sandbox.Backend, "wasm", "remote", "none"), "sandbox.backend %q: must be wasm, remote or none", c.Sandbox.Backend)
	check(c.Sandbox.Backend != "remote" || c.Sandbox.Endpoint != "", "sandbox.endpoint is required for remote")
	check(c.Sandbox.Timeout > 0, "sandbox.timeout must be positive")

	check(c.Inspector.Port > 0 && c.Inspector.Port < 65536, "inspector.port %d: out of range", c.Inspector.Port)

	return errors.Join(errs...)
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

// envVarPattern matches ${VAR_NAME} patterns.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// interpolateEnvVars replaces ${VAR_NAME} patterns with environment variable values.
func interpolateEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		return match // Leave unresolved if not set.
	})
}

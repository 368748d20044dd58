// Package config loads the router core's runtime configuration from the
// environment, with defaults for every setting an operator doesn't override.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Config is the complete set of environment-tunable settings for one router
// instance.
type Config struct {
	LogLevel string

	VaultKeyMode  string // "raw" | "passphrase" | "ephemeral"
	VaultRawKey   string
	VaultPassword string

	DefaultObjective         string
	DefaultMaxBudgetUSD      float64
	DefaultMaxLatencyMs      int
	MaxRouteAttempts         int
	CircuitBreakerThreshold  int
	CircuitBreakerCooldownMs int

	OTelEnabled     bool
	OTelEndpoint    string
	OTelServiceName string

	SchedulerEnabled       bool
	SchedulerHostPort      string
	SchedulerNamespace     string
	SchedulerTaskQueue     string
	SchedulerIntervalSecs  int

	CredentialsFile string
}

// Load reads Config from the process environment, applying defaults, and
// validates the result.
func Load() (Config, error) {
	cfg := Config{
		LogLevel: getEnv("LLMROUTER_LOG_LEVEL", "info"),

		VaultKeyMode:  getEnv("LLMROUTER_VAULT_KEY_MODE", "ephemeral"),
		VaultRawKey:   getEnv("LLMROUTER_VAULT_RAW_KEY", ""),
		VaultPassword: getEnv("LLMROUTER_VAULT_PASSWORD", ""),

		DefaultObjective:         getEnv("LLMROUTER_DEFAULT_OBJECTIVE", "Composite"),
		DefaultMaxBudgetUSD:      getEnvFloat("LLMROUTER_DEFAULT_MAX_BUDGET_USD", 0.05),
		DefaultMaxLatencyMs:      getEnvInt("LLMROUTER_DEFAULT_MAX_LATENCY_MS", 20000),
		MaxRouteAttempts:         getEnvInt("LLMROUTER_MAX_ROUTE_ATTEMPTS", 3),
		CircuitBreakerThreshold:  getEnvInt("LLMROUTER_CIRCUIT_BREAKER_THRESHOLD", 3),
		CircuitBreakerCooldownMs: getEnvInt("LLMROUTER_CIRCUIT_BREAKER_COOLDOWN_MS", 30000),

		OTelEnabled:     getEnvBool("LLMROUTER_OTEL_ENABLED", false),
		OTelEndpoint:    getEnv("LLMROUTER_OTEL_ENDPOINT", "localhost:4318"),
		OTelServiceName: getEnv("LLMROUTER_OTEL_SERVICE_NAME", "llmrouter"),

		SchedulerEnabled:      getEnvBool("LLMROUTER_SCHEDULER_ENABLED", false),
		SchedulerHostPort:     getEnv("LLMROUTER_SCHEDULER_HOST", "localhost:7233"),
		SchedulerNamespace:    getEnv("LLMROUTER_SCHEDULER_NAMESPACE", "llmrouter"),
		SchedulerTaskQueue:    getEnv("LLMROUTER_SCHEDULER_TASK_QUEUE", "llmrouter-sweep"),
		SchedulerIntervalSecs: getEnvInt("LLMROUTER_SCHEDULER_INTERVAL_SECS", 60),

		CredentialsFile: getEnv("LLMROUTER_CREDENTIALS_FILE", defaultCredentialsPath()),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks config values for obviously invalid settings.
func (c Config) Validate() error {
	switch c.VaultKeyMode {
	case "raw", "passphrase", "ephemeral":
	default:
		return fmt.Errorf("LLMROUTER_VAULT_KEY_MODE must be raw, passphrase, or ephemeral, got %q", c.VaultKeyMode)
	}
	if c.VaultKeyMode == "raw" && c.VaultRawKey == "" {
		return fmt.Errorf("LLMROUTER_VAULT_RAW_KEY is required when LLMROUTER_VAULT_KEY_MODE=raw")
	}
	if c.VaultKeyMode == "passphrase" && c.VaultPassword == "" {
		return fmt.Errorf("LLMROUTER_VAULT_PASSWORD is required when LLMROUTER_VAULT_KEY_MODE=passphrase")
	}
	if c.DefaultMaxBudgetUSD < 0 {
		return fmt.Errorf("LLMROUTER_DEFAULT_MAX_BUDGET_USD must be >= 0, got %f", c.DefaultMaxBudgetUSD)
	}
	if c.DefaultMaxLatencyMs <= 0 {
		return fmt.Errorf("LLMROUTER_DEFAULT_MAX_LATENCY_MS must be > 0, got %d", c.DefaultMaxLatencyMs)
	}
	if c.MaxRouteAttempts <= 0 {
		return fmt.Errorf("LLMROUTER_MAX_ROUTE_ATTEMPTS must be > 0, got %d", c.MaxRouteAttempts)
	}
	if c.CircuitBreakerThreshold <= 0 {
		return fmt.Errorf("LLMROUTER_CIRCUIT_BREAKER_THRESHOLD must be > 0, got %d", c.CircuitBreakerThreshold)
	}
	if c.SchedulerIntervalSecs <= 0 {
		return fmt.Errorf("LLMROUTER_SCHEDULER_INTERVAL_SECS must be > 0, got %d", c.SchedulerIntervalSecs)
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return def
}

func defaultCredentialsPath() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".llmrouter", "credentials")
	}
	return ""
}

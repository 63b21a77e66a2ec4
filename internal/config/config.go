// Package config loads the pipeline configuration from YAML with
// CLINICAFLOW_* environment overrides. All durations are strings in
// time.ParseDuration syntax; accessor methods return parsed values with
// safe fallbacks.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all clinicaflow configuration.
type Config struct {
	// External adapter configuration for the reasoning stage.
	Reasoning BackendConfig `yaml:"reasoning"`

	// External adapter configuration for the communication rewrite. Unset
	// endpoint fields fall back to the reasoning values; the backend toggle
	// stays independent.
	Communication BackendConfig `yaml:"communication"`

	// Circuit breaker shared semantics for both adapters.
	Circuit CircuitConfig `yaml:"circuit"`

	// Policy pack source and selection.
	Policy PolicyConfig `yaml:"policy"`

	// PHI guard for outbound external calls.
	PHIGuard PHIGuardConfig `yaml:"phi_guard"`

	// Request limits for the entry point.
	Request RequestConfig `yaml:"request"`

	// Demo HTTP server.
	Server ServerConfig `yaml:"server"`

	// Logging.
	Logging LoggingConfig `yaml:"logging"`
}

// BackendConfig configures one OpenAI-compatible adapter.
type BackendConfig struct {
	Backend      string  `yaml:"backend"` // deterministic, external
	BaseURL      string  `yaml:"base_url"`
	Model        string  `yaml:"model"`
	APIKey       string  `yaml:"api_key"`
	Timeout      string  `yaml:"timeout"`
	MaxRetries   int     `yaml:"max_retries"`
	RetryBackoff string  `yaml:"retry_backoff"`
	Temperature  float64 `yaml:"temperature"`
	MaxTokens    int     `yaml:"max_tokens"`
	SendImages   bool    `yaml:"send_images"`
	MaxImages    int     `yaml:"max_images"`
}

// External reports whether the adapter should call out at all.
func (b BackendConfig) External() bool { return b.Backend == "external" }

// TimeoutDuration returns the per-attempt timeout.
func (b BackendConfig) TimeoutDuration() time.Duration {
	return parseDuration(b.Timeout, 30*time.Second)
}

// RetryBackoffDuration returns the base retry backoff.
func (b BackendConfig) RetryBackoffDuration() time.Duration {
	return parseDuration(b.RetryBackoff, 500*time.Millisecond)
}

// CircuitConfig configures the per-endpoint circuit breaker.
type CircuitConfig struct {
	FailuresThreshold int    `yaml:"failures_threshold"`
	Cooldown          string `yaml:"cooldown"`
	Window            string `yaml:"window"`
}

// CooldownDuration returns how long an open breaker stays open.
func (c CircuitConfig) CooldownDuration() time.Duration {
	return parseDuration(c.Cooldown, 15*time.Second)
}

// WindowDuration returns the failure-counting window.
func (c CircuitConfig) WindowDuration() time.Duration {
	return parseDuration(c.Window, 60*time.Second)
}

// PolicyConfig configures the policy pack loader and evidence selection.
type PolicyConfig struct {
	PackPath string `yaml:"pack_path"`
	TopK     int    `yaml:"top_k"`
}

// PHIGuardConfig toggles the outbound PHI guard.
type PHIGuardConfig struct {
	Enabled bool `yaml:"enabled"`
}

// RequestConfig bounds a single triage request.
type RequestConfig struct {
	MaxBytes int64  `yaml:"max_bytes"`
	Deadline string `yaml:"deadline"`
}

// DeadlineDuration returns the per-request deadline.
func (r RequestConfig) DeadlineDuration() time.Duration {
	return parseDuration(r.Deadline, 5*time.Second)
}

// ServerConfig configures the demo HTTP server.
type ServerConfig struct {
	ListenAddr      string `yaml:"listen_addr"`
	APIKey          string `yaml:"api_key"`
	CORSAllowOrigin string `yaml:"cors_allow_origin"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
	Debug bool   `yaml:"debug"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		Reasoning:     defaultBackend(),
		Communication: defaultBackend(),
		Circuit: CircuitConfig{
			FailuresThreshold: 2,
			Cooldown:          "15s",
			Window:            "60s",
		},
		Policy: PolicyConfig{
			PackPath: "",
			TopK:     2,
		},
		PHIGuard: PHIGuardConfig{Enabled: true},
		Request: RequestConfig{
			MaxBytes: 256 * 1024,
			Deadline: "5s",
		},
		Server: ServerConfig{
			ListenAddr:      ":8080",
			CORSAllowOrigin: "*",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

func defaultBackend() BackendConfig {
	return BackendConfig{
		Backend:      "deterministic",
		Timeout:      "30s",
		MaxRetries:   1,
		RetryBackoff: "500ms",
		Temperature:  0.2,
		MaxTokens:    600,
		SendImages:   false,
		MaxImages:    2,
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults; a malformed file is an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			cfg.normalize()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.normalize()
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	applyBackendEnv("CLINICAFLOW_REASONING_", &c.Reasoning)
	applyBackendEnv("CLINICAFLOW_COMMUNICATION_", &c.Communication)

	envInt("CLINICAFLOW_CIRCUIT_FAILURES_THRESHOLD", &c.Circuit.FailuresThreshold)
	envStr("CLINICAFLOW_CIRCUIT_COOLDOWN", &c.Circuit.Cooldown)
	envStr("CLINICAFLOW_CIRCUIT_WINDOW", &c.Circuit.Window)

	envStr("CLINICAFLOW_POLICY_PACK_PATH", &c.Policy.PackPath)
	envInt("CLINICAFLOW_POLICY_TOPK", &c.Policy.TopK)

	envBool("CLINICAFLOW_PHI_GUARD", &c.PHIGuard.Enabled)

	envInt64("CLINICAFLOW_MAX_REQUEST_BYTES", &c.Request.MaxBytes)
	envStr("CLINICAFLOW_REQUEST_DEADLINE", &c.Request.Deadline)

	envStr("CLINICAFLOW_LISTEN_ADDR", &c.Server.ListenAddr)
	envStr("CLINICAFLOW_API_KEY", &c.Server.APIKey)
	envStr("CLINICAFLOW_CORS_ALLOW_ORIGIN", &c.Server.CORSAllowOrigin)

	envStr("CLINICAFLOW_LOG_LEVEL", &c.Logging.Level)
	envBool("CLINICAFLOW_DEBUG", &c.Logging.Debug)
}

func applyBackendEnv(prefix string, b *BackendConfig) {
	envStr(prefix+"BACKEND", &b.Backend)
	envStr(prefix+"BASE_URL", &b.BaseURL)
	envStr(prefix+"MODEL", &b.Model)
	envStr(prefix+"API_KEY", &b.APIKey)
	envStr(prefix+"TIMEOUT", &b.Timeout)
	envInt(prefix+"MAX_RETRIES", &b.MaxRetries)
	envStr(prefix+"RETRY_BACKOFF", &b.RetryBackoff)
	envFloat(prefix+"TEMPERATURE", &b.Temperature)
	envInt(prefix+"MAX_TOKENS", &b.MaxTokens)
	envBool(prefix+"SEND_IMAGES", &b.SendImages)
	envInt(prefix+"MAX_IMAGES", &b.MaxImages)
}

// normalize fills unset communication endpoint fields from the reasoning
// adapter so a single configured endpoint serves both stages.
func (c *Config) normalize() {
	if c.Communication.BaseURL == "" {
		c.Communication.BaseURL = c.Reasoning.BaseURL
	}
	if c.Communication.Model == "" {
		c.Communication.Model = c.Reasoning.Model
	}
	if c.Communication.APIKey == "" {
		c.Communication.APIKey = c.Reasoning.APIKey
	}
}

func envStr(name string, dst *string) {
	if v, ok := os.LookupEnv(name); ok && strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}

func envBool(name string, dst *bool) {
	if v, ok := os.LookupEnv(name); ok {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			*dst = true
		case "0", "false", "no", "n", "off":
			*dst = false
		}
	}
}

func envInt(name string, dst *int) {
	if v, ok := os.LookupEnv(name); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
		}
	}
}

func envInt64(name string, dst *int64) {
	if v, ok := os.LookupEnv(name); ok {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			*dst = n
		}
	}
}

func envFloat(name string, dst *float64) {
	if v, ok := os.LookupEnv(name); ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			*dst = f
		}
	}
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

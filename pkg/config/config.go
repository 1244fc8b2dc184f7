// Package config loads and validates the exporter configuration from a
// YAML file with environment variable overrides.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration for an export run.
type Config struct {
	// Auth holds the OAuth2 client credentials.
	Auth AuthConfig `yaml:"auth"`

	// API configures the Falcon API connection.
	API APIConfig `yaml:"api"`

	// Export tunes the per-shard export lifecycle.
	Export ExportConfig `yaml:"export"`

	// Output selects the result files to write.
	Output OutputConfig `yaml:"output"`

	// Logging configures the structured logger.
	Logging LoggingConfig `yaml:"logging"`

	// Metrics configures the optional Prometheus endpoint.
	Metrics MetricsConfig `yaml:"metrics"`
}

// AuthConfig holds the OAuth2 client credentials. Credentials are usually
// supplied via FALCON_CLIENT_ID / FALCON_CLIENT_SECRET rather than the file.
type AuthConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

// APIConfig configures the Falcon API connection.
type APIConfig struct {
	// BaseURL is the API root, e.g. "https://api.crowdstrike.com".
	BaseURL string `yaml:"base_url"`

	// RequestsPerSecond caps the client-side request rate.
	// Default: 5
	RequestsPerSecond float64 `yaml:"requests_per_second"`

	// UserAgent is sent with every request.
	UserAgent string `yaml:"user_agent"`

	// Timeout is the per-request HTTP timeout.
	// Default: 120s
	Timeout time.Duration `yaml:"timeout"`
}

// ExportConfig tunes the per-shard export lifecycle.
type ExportConfig struct {
	// Shards restricts the run to the listed hex digits. Empty means all 16.
	Shards []string `yaml:"shards"`

	// Concurrency is the shard worker count.
	// Default: 2
	Concurrency int `yaml:"concurrency"`

	// PageLimit is the records requested per page.
	// Default: 100
	PageLimit int `yaml:"page_limit"`

	// MaxOffset is the pagination ceiling enforced by the API.
	// Default: 10000
	MaxOffset int `yaml:"max_offset"`

	// PollInterval is the wait between export job status polls.
	// Default: 15s
	PollInterval time.Duration `yaml:"poll_interval"`

	// MaxPolls bounds the status poll loop per job.
	// Default: 20
	MaxPolls int `yaml:"max_polls"`

	// MaxAttempts bounds retries per API request.
	// Default: 20
	MaxAttempts int `yaml:"max_attempts"`
}

// OutputConfig selects the result files to write.
type OutputConfig struct {
	// JSONPath is the combined JSON report path. Empty skips JSON output.
	// Default: "export.json"
	JSONPath string `yaml:"json_path"`

	// CSVPath is the flattened CSV path. Empty skips CSV output.
	CSVPath string `yaml:"csv_path"`

	// Pretty indents the JSON report.
	Pretty bool `yaml:"pretty"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	// Default: "info"
	Level string `yaml:"level"`

	// Console switches from JSON logs to human-readable console output.
	Console bool `yaml:"console"`
}

// MetricsConfig configures the optional Prometheus endpoint.
type MetricsConfig struct {
	// Enabled starts an HTTP listener serving /metrics for the duration
	// of the run.
	Enabled bool `yaml:"enabled"`

	// ListenAddress is the metrics listener address.
	// Default: "127.0.0.1:9090"
	ListenAddress string `yaml:"listen_address"`
}

// Default returns a configuration with every default applied and no
// credentials set.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.API.BaseURL == "" {
		cfg.API.BaseURL = "https://api.crowdstrike.com"
	}
	if cfg.API.RequestsPerSecond == 0 {
		cfg.API.RequestsPerSecond = 5
	}
	if cfg.API.UserAgent == "" {
		cfg.API.UserAgent = "falcon-image-export"
	}
	if cfg.API.Timeout == 0 {
		cfg.API.Timeout = 120 * time.Second
	}
	if cfg.Export.Concurrency == 0 {
		cfg.Export.Concurrency = 2
	}
	if cfg.Export.PageLimit == 0 {
		cfg.Export.PageLimit = 100
	}
	if cfg.Export.MaxOffset == 0 {
		cfg.Export.MaxOffset = 10000
	}
	if cfg.Export.PollInterval == 0 {
		cfg.Export.PollInterval = 15 * time.Second
	}
	if cfg.Export.MaxPolls == 0 {
		cfg.Export.MaxPolls = 20
	}
	if cfg.Export.MaxAttempts == 0 {
		cfg.Export.MaxAttempts = 20
	}
	if cfg.Output.JSONPath == "" && cfg.Output.CSVPath == "" {
		cfg.Output.JSONPath = "export.json"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Metrics.ListenAddress == "" {
		cfg.Metrics.ListenAddress = "127.0.0.1:9090"
	}
}

// FieldError is a validation failure on one configuration field.
type FieldError struct {
	Field   string
	Message string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError aggregates every field failure found in one pass.
type ValidationError struct {
	Errors []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("invalid configuration: %s", e.Errors[0].Error())
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "invalid configuration (%d errors):", len(e.Errors))
	for _, err := range e.Errors {
		sb.WriteString("\n  - ")
		sb.WriteString(err.Error())
	}
	return sb.String()
}

// Validate checks the configuration and returns a *ValidationError listing
// every failing field, or nil.
func Validate(cfg *Config) error {
	var errs []FieldError
	add := func(field, msg string) {
		errs = append(errs, FieldError{Field: field, Message: msg})
	}

	if cfg.Auth.ClientID == "" {
		add("auth.client_id", "required (or set FALCON_CLIENT_ID)")
	}
	if cfg.Auth.ClientSecret == "" {
		add("auth.client_secret", "required (or set FALCON_CLIENT_SECRET)")
	}
	if !strings.HasPrefix(cfg.API.BaseURL, "http://") && !strings.HasPrefix(cfg.API.BaseURL, "https://") {
		add("api.base_url", "must be an http(s) URL")
	}
	if cfg.API.RequestsPerSecond <= 0 {
		add("api.requests_per_second", "must be positive")
	}
	if cfg.API.Timeout <= 0 {
		add("api.timeout", "must be positive")
	}
	if cfg.Export.Concurrency < 1 {
		add("export.concurrency", "must be at least 1")
	}
	if cfg.Export.PageLimit < 1 {
		add("export.page_limit", "must be at least 1")
	}
	if cfg.Export.MaxOffset < cfg.Export.PageLimit {
		add("export.max_offset", "must be at least the page limit")
	}
	if cfg.Export.PollInterval <= 0 {
		add("export.poll_interval", "must be positive")
	}
	if cfg.Export.MaxPolls < 1 {
		add("export.max_polls", "must be at least 1")
	}
	if cfg.Export.MaxAttempts < 1 {
		add("export.max_attempts", "must be at least 1")
	}
	for _, s := range cfg.Export.Shards {
		if len(s) != 1 || !strings.ContainsAny(s, "0123456789abcdef") {
			add("export.shards", fmt.Sprintf("invalid shard key %q", s))
		}
	}
	if cfg.Output.JSONPath == "" && cfg.Output.CSVPath == "" {
		add("output", "at least one of json_path or csv_path is required")
	}
	if cfg.Metrics.Enabled && cfg.Metrics.ListenAddress == "" {
		add("metrics.listen_address", "required when metrics are enabled")
	}

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

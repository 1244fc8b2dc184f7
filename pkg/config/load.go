package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads the configuration file at path, applies defaults, applies
// FALCON_* environment overrides and validates the result. An empty path
// starts from pure defaults, which supports running on environment
// variables alone.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read configuration file %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse configuration file %q: %w", path, err)
		}
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides applies FALCON_SECTION_FIELD environment variables.
// Environment always wins over the file.
func applyEnvOverrides(cfg *Config) {
	setString(&cfg.Auth.ClientID, "FALCON_CLIENT_ID")
	setString(&cfg.Auth.ClientSecret, "FALCON_CLIENT_SECRET")

	setString(&cfg.API.BaseURL, "FALCON_API_BASE_URL")
	setFloat(&cfg.API.RequestsPerSecond, "FALCON_API_REQUESTS_PER_SECOND")
	setString(&cfg.API.UserAgent, "FALCON_API_USER_AGENT")
	setDuration(&cfg.API.Timeout, "FALCON_API_TIMEOUT")

	if val := os.Getenv("FALCON_EXPORT_SHARDS"); val != "" {
		cfg.Export.Shards = strings.Split(val, ",")
	}
	setInt(&cfg.Export.Concurrency, "FALCON_EXPORT_CONCURRENCY")
	setInt(&cfg.Export.PageLimit, "FALCON_EXPORT_PAGE_LIMIT")
	setInt(&cfg.Export.MaxOffset, "FALCON_EXPORT_MAX_OFFSET")
	setDuration(&cfg.Export.PollInterval, "FALCON_EXPORT_POLL_INTERVAL")
	setInt(&cfg.Export.MaxPolls, "FALCON_EXPORT_MAX_POLLS")
	setInt(&cfg.Export.MaxAttempts, "FALCON_EXPORT_MAX_ATTEMPTS")

	setString(&cfg.Output.JSONPath, "FALCON_OUTPUT_JSON_PATH")
	setString(&cfg.Output.CSVPath, "FALCON_OUTPUT_CSV_PATH")
	setBool(&cfg.Output.Pretty, "FALCON_OUTPUT_PRETTY")

	setString(&cfg.Logging.Level, "FALCON_LOG_LEVEL")
	setBool(&cfg.Logging.Console, "FALCON_LOG_CONSOLE")

	setBool(&cfg.Metrics.Enabled, "FALCON_METRICS_ENABLED")
	setString(&cfg.Metrics.ListenAddress, "FALCON_METRICS_LISTEN_ADDRESS")
}

func setString(dst *string, key string) {
	if val := os.Getenv(key); val != "" {
		*dst = val
	}
}

func setInt(dst *int, key string) {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			*dst = d
		}
	}
}

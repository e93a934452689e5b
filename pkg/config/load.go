package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/nicktill/tinykpi/pkg/logging"
)

// ConfigPathEnvVar points at an optional YAML config file.
const ConfigPathEnvVar = "CONFIG_PATH"

// EnvPrefix is stripped from environment variable names.
const EnvPrefix = "TINYKPI_"

var defaultConfigPaths = []string{"./config.yaml", "/etc/tinykpi/config.yaml"}

// envKeys maps environment names (prefix stripped, lower-cased) to config
// paths. Unlisted variables are ignored.
var envKeys = map[string]string{
	"port":               "server.port",
	"read_timeout":       "server.read_timeout",
	"write_timeout":      "server.write_timeout",
	"idle_timeout":       "server.idle_timeout",
	"shutdown_timeout":   "server.shutdown_timeout",
	"storage_backend":    "storage.backend",
	"data_dir":           "storage.data_dir",
	"max_memory_mb":      "storage.max_memory_mb",
	"gc_interval":        "storage.gc_interval",
	"timezone":           "aggregation.timezone",
	"run_at":             "aggregation.run_at",
	"trailing_days":      "aggregation.trailing_days",
	"max_retries":        "aggregation.max_retries",
	"retry_backoff":      "aggregation.retry_backoff",
	"run_on_start":       "aggregation.run_on_start",
	"debug_endpoints":    "aggregation.debug_endpoints",
	"max_body_bytes":     "ingest.max_body_bytes",
	"max_metadata_bytes": "ingest.max_metadata_bytes",
	"ingest_rate_limit":  "ingest.rate_limit",
	"log_level":          "logging.level",
	"log_format":         "logging.format",
	"log_caller":         "logging.caller",
}

// Load layers defaults, an optional YAML file and TINYKPI_* environment
// variables (highest priority), then validates the result.
func Load() (*Config, error) {
	return LoadFrom(findConfigFile())
}

// LoadFrom is Load with an explicit config file path ("" skips the file).
func LoadFrom(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
		logging.Info().Str("path", path).Msg("Loaded config file")
	}

	// PORT is honored for platforms that inject it.
	if port := os.Getenv("PORT"); port != "" {
		_ = k.Set("server.port", port)
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func envTransform(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	return envKeys[key]
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
		logging.Warn().Str("path", p).Msg("CONFIG_PATH does not exist, ignoring")
	}
	for _, p := range defaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Validate rejects configurations the service cannot interpret. Nothing is
// silently defaulted here.
func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.Backend {
	case "badger", "sqlite", "memory":
	default:
		errs = append(errs, fmt.Errorf("storage.backend: unknown backend %q", c.Storage.Backend))
	}
	if c.Storage.Backend != "memory" && c.Storage.DataDir == "" {
		errs = append(errs, errors.New("storage.data_dir: required for disk backends"))
	}
	if _, err := c.Aggregation.Location(); err != nil {
		errs = append(errs, fmt.Errorf("aggregation.timezone: %w", err))
	}
	if _, _, err := c.Aggregation.RunAtClock(); err != nil {
		errs = append(errs, fmt.Errorf("aggregation.run_at: want HH:MM, got %q", c.Aggregation.RunAt))
	}
	if c.Aggregation.TrailingDays < 1 {
		errs = append(errs, errors.New("aggregation.trailing_days: must be at least 1"))
	}
	if c.Aggregation.MaxRetries < 0 {
		errs = append(errs, errors.New("aggregation.max_retries: must not be negative"))
	}
	if c.Ingest.MaxBodyBytes <= 0 || c.Ingest.MaxMetadataBytes <= 0 {
		errs = append(errs, errors.New("ingest: size limits must be positive"))
	}
	if !logging.ValidLevel(c.Logging.Level) {
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}

	return errors.Join(errs...)
}

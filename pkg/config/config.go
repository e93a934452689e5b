package config

import "time"

// Server defaults
const (
	DefaultPort            = "8080"
	DefaultReadTimeout     = 15 * time.Second
	DefaultWriteTimeout    = 30 * time.Second
	DefaultIdleTimeout     = 60 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
)

// Storage defaults
const (
	DefaultBackend     = "badger"
	DefaultDataDir     = "./data/tinykpi"
	DefaultMaxMemoryMB = 48
	BadgerGCInterval   = 10 * time.Minute
	BadgerGCDiscard    = 0.5
)

// Aggregation schedule. Days are local to DefaultTimezone.
const (
	DefaultTimezone     = "Asia/Seoul"
	DefaultRunAt        = "00:15"
	DefaultTrailingDays = 3
	DefaultMaxRetries   = 3
	DefaultRetryBackoff = 30 * time.Second
	RecomputeTimeout    = 2 * time.Minute
)

// Ingest timeouts and limits
const (
	IngestTimeout           = 5 * time.Second
	DefaultMaxBodyBytes     = 64 << 10
	DefaultMaxMetadataBytes = 16 << 10
	DefaultRateLimit        = 600 // requests per IP per minute
)

// Query timeouts and limits
const (
	QueryTimeout    = 30 * time.Second
	MaxQueryDays    = 3 * 366
	MaxExportPeriod = 5 * 366 * 24 * time.Hour
)

// WebSocket configuration
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	WSBroadcastBuffer = 256
	WSChannelBuffer   = 16
	WSWriteDeadline   = 10 * time.Second
	WSReadDeadline    = 60 * time.Second
	WSPingInterval    = 30 * time.Second
)

// Config is the full runtime configuration, loaded by Load.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Storage     StorageConfig     `koanf:"storage"`
	Aggregation AggregationConfig `koanf:"aggregation"`
	Ingest      IngestConfig      `koanf:"ingest"`
	Logging     LoggingConfig     `koanf:"logging"`
}

type ServerConfig struct {
	Port            string        `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	IdleTimeout     time.Duration `koanf:"idle_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// StorageConfig selects the event store backend: badger, sqlite or memory.
type StorageConfig struct {
	Backend     string        `koanf:"backend"`
	DataDir     string        `koanf:"data_dir"`
	MaxMemoryMB int64         `koanf:"max_memory_mb"`
	GCInterval  time.Duration `koanf:"gc_interval"`
}

type AggregationConfig struct {
	Timezone       string        `koanf:"timezone"`
	RunAt          string        `koanf:"run_at"` // HH:MM local time
	TrailingDays   int           `koanf:"trailing_days"`
	MaxRetries     int           `koanf:"max_retries"`
	RetryBackoff   time.Duration `koanf:"retry_backoff"`
	RunOnStart     bool          `koanf:"run_on_start"`
	DebugEndpoints bool          `koanf:"debug_endpoints"`
}

type IngestConfig struct {
	MaxBodyBytes     int64 `koanf:"max_body_bytes"`
	MaxMetadataBytes int   `koanf:"max_metadata_bytes"`
	RateLimit        int   `koanf:"rate_limit"`
}

type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            DefaultPort,
			ReadTimeout:     DefaultReadTimeout,
			WriteTimeout:    DefaultWriteTimeout,
			IdleTimeout:     DefaultIdleTimeout,
			ShutdownTimeout: DefaultShutdownTimeout,
		},
		Storage: StorageConfig{
			Backend:     DefaultBackend,
			DataDir:     DefaultDataDir,
			MaxMemoryMB: DefaultMaxMemoryMB,
			GCInterval:  BadgerGCInterval,
		},
		Aggregation: AggregationConfig{
			Timezone:     DefaultTimezone,
			RunAt:        DefaultRunAt,
			TrailingDays: DefaultTrailingDays,
			MaxRetries:   DefaultMaxRetries,
			RetryBackoff: DefaultRetryBackoff,
		},
		Ingest: IngestConfig{
			MaxBodyBytes:     DefaultMaxBodyBytes,
			MaxMetadataBytes: DefaultMaxMetadataBytes,
			RateLimit:        DefaultRateLimit,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Location loads the aggregation time zone. Validate guarantees it resolves.
func (c AggregationConfig) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

// RunAtClock splits RunAt into hour and minute.
func (c AggregationConfig) RunAtClock() (hour, minute int, err error) {
	t, err := time.Parse("15:04", c.RunAt)
	if err != nil {
		return 0, 0, err
	}
	return t.Hour(), t.Minute(), nil
}

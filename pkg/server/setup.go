package server

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gorilla/mux"

	"github.com/nicktill/tinykpi/pkg/admin"
	"github.com/nicktill/tinykpi/pkg/config"
	"github.com/nicktill/tinykpi/pkg/export"
	"github.com/nicktill/tinykpi/pkg/ingest"
	"github.com/nicktill/tinykpi/pkg/logging"
	"github.com/nicktill/tinykpi/pkg/query"
	"github.com/nicktill/tinykpi/pkg/rollup"
	"github.com/nicktill/tinykpi/pkg/scheduler"
	"github.com/nicktill/tinykpi/pkg/server/monitor"
	"github.com/nicktill/tinykpi/pkg/storage"
	"github.com/nicktill/tinykpi/pkg/storage/badger"
	"github.com/nicktill/tinykpi/pkg/storage/memory"
	"github.com/nicktill/tinykpi/pkg/storage/sqlite"
	"github.com/nicktill/tinykpi/pkg/stream"
	"github.com/nicktill/tinykpi/pkg/window"
)

// SQLiteFile is the database file name inside storage.data_dir.
const SQLiteFile = "tinykpi.db"

// OpenStore opens the configured backend. The returned monitor measures the
// data directory and is nil for the memory backend.
func OpenStore(cfg config.StorageConfig) (storage.Store, *monitor.StorageMonitor, error) {
	switch cfg.Backend {
	case "memory":
		logging.Warn().Msg("Using in-memory storage; events are lost on restart")
		return memory.New(), nil, nil

	case "badger":
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create data directory: %w", err)
		}
		logging.Info().Str("path", cfg.DataDir).Int64("max_memory_mb", cfg.MaxMemoryMB).Msg("Opening BadgerDB storage")
		store, err := badger.New(badger.Config{Path: cfg.DataDir, MaxMemoryMB: cfg.MaxMemoryMB})
		if err != nil {
			return nil, nil, fmt.Errorf("open badger: %w", err)
		}
		return store, monitor.NewStorageMonitor(cfg.DataDir), nil

	case "sqlite":
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create data directory: %w", err)
		}
		path := filepath.Join(cfg.DataDir, SQLiteFile)
		logging.Info().Str("path", path).Msg("Opening SQLite storage")
		store, err := sqlite.Open(path)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		return store, monitor.NewStorageMonitor(cfg.DataDir), nil

	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// App is the wired service: handlers, aggregation and background services
// over one store.
type App struct {
	Config      *config.Config
	Store       storage.Store
	Calendar    window.Calendar
	Disk        *monitor.StorageMonitor
	Aggregation *monitor.AggregationMonitor
	Hub         *stream.Hub
	Aggregator  *rollup.Aggregator
	Scheduler   *scheduler.Scheduler
	Handler     http.Handler
}

// New wires every component over store. disk may be nil.
func New(cfg *config.Config, store storage.Store, disk *monitor.StorageMonitor) (*App, error) {
	loc, err := cfg.Aggregation.Location()
	if err != nil {
		return nil, fmt.Errorf("aggregation timezone: %w", err)
	}
	hour, minute, err := cfg.Aggregation.RunAtClock()
	if err != nil {
		return nil, fmt.Errorf("aggregation run_at: %w", err)
	}
	cal := window.New(loc)

	hub := stream.NewHub()
	agg := rollup.New(store, cal, rollup.WithNotifier(hub))

	aggMonitor := monitor.NewAggregationMonitor(time.Time{})
	sched := scheduler.New(agg, aggMonitor, scheduler.Config{
		Calendar:     cal,
		Hour:         hour,
		Minute:       minute,
		TrailingDays: cfg.Aggregation.TrailingDays,
		MaxRetries:   cfg.Aggregation.MaxRetries,
		RetryBackoff: cfg.Aggregation.RetryBackoff,
		RunOnStart:   cfg.Aggregation.RunOnStart,
	})
	aggMonitor.SetNextRun(sched.NextRun(time.Now()))

	ingestSvc := ingest.NewService(store, cfg.Ingest.MaxMetadataBytes)
	handlers := Handlers{
		Ingest: ingest.NewHandler(ingestSvc, store, cfg.Ingest.MaxBodyBytes),
		Query:  query.NewHandler(query.NewService(store, cal)),
		Admin:  admin.NewHandler(agg),
		Export: export.NewHandler(store, ingestSvc),
		Hub:    hub,
		Health: handleHealth(cfg.Storage.Backend, store, disk, aggMonitor),
	}

	router := mux.NewRouter()
	SetupRoutes(router, handlers, RouteOptions{
		IngestRateLimit: cfg.Ingest.RateLimit,
		DebugEndpoints:  cfg.Aggregation.DebugEndpoints,
	})

	logging.Info().
		Str("backend", cfg.Storage.Backend).
		Str("timezone", loc.String()).
		Str("run_at", cfg.Aggregation.RunAt).
		Bool("debug_endpoints", cfg.Aggregation.DebugEndpoints).
		Msg("Handlers initialized")

	return &App{
		Config:      cfg,
		Store:       store,
		Calendar:    cal,
		Disk:        disk,
		Aggregation: aggMonitor,
		Hub:         hub,
		Aggregator:  agg,
		Scheduler:   sched,
		// CORS wraps the router so preflight requests never hit method matching.
		Handler: corsMiddleware(cfg.Server.Port)(router),
	}, nil
}

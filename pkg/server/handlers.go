package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nicktill/tinykpi/pkg/admin"
	"github.com/nicktill/tinykpi/pkg/export"
	"github.com/nicktill/tinykpi/pkg/httpx"
	"github.com/nicktill/tinykpi/pkg/ingest"
	"github.com/nicktill/tinykpi/pkg/logging"
	"github.com/nicktill/tinykpi/pkg/query"
	"github.com/nicktill/tinykpi/pkg/server/monitor"
	"github.com/nicktill/tinykpi/pkg/storage"
	"github.com/nicktill/tinykpi/pkg/stream"
)

// Version is reported by the health endpoint. Overridden at link time.
var Version = "dev"

var startTime = time.Now()

// StorageStatus is the storage section of the health response.
type StorageStatus struct {
	Backend       string             `json:"backend"`
	TotalEvents   uint64             `json:"total_events"`
	TotalAccounts uint64             `json:"total_accounts"`
	RollupRows    uint64             `json:"rollup_rows"`
	RetentionRows uint64             `json:"retention_rows"`
	Disk          *monitor.DiskUsage `json:"disk,omitempty"`
	Error         string             `json:"error,omitempty"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status      string                    `json:"status"`
	Version     string                    `json:"version"`
	Uptime      string                    `json:"uptime"`
	Aggregation monitor.AggregationStatus `json:"aggregation"`
	Storage     StorageStatus             `json:"storage"`
}

// handleHealth returns service health. Stale aggregation or an unreadable
// store degrades the status to 503.
func handleHealth(backend string, store storage.Store, disk *monitor.StorageMonitor, agg *monitor.AggregationMonitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		resp := HealthResponse{
			Status:      "healthy",
			Version:     Version,
			Uptime:      time.Since(startTime).Round(time.Second).String(),
			Aggregation: agg.Status(),
			Storage:     StorageStatus{Backend: backend},
		}

		if stats, err := store.Stats(ctx); err != nil {
			logging.Ctx(ctx).Warn().Err(err).Msg("Failed to read storage stats")
			resp.Storage.Error = err.Error()
			resp.Status = "degraded"
		} else {
			resp.Storage.TotalEvents = stats.TotalEvents
			resp.Storage.TotalAccounts = stats.TotalAccounts
			resp.Storage.RollupRows = stats.RollupRows
			resp.Storage.RetentionRows = stats.RetentionRows
		}

		if disk != nil {
			if usage, err := disk.Usage(); err == nil {
				resp.Storage.Disk = &usage
			} else {
				logging.Ctx(ctx).Warn().Err(err).Msg("Failed to measure data directory")
			}
		}

		if !resp.Aggregation.Healthy {
			resp.Status = "degraded"
		}

		status := http.StatusOK
		if resp.Status != "healthy" {
			status = http.StatusServiceUnavailable
		}
		httpx.RespondJSON(w, status, resp)
	}
}

// Handlers bundles the HTTP surfaces mounted by SetupRoutes.
type Handlers struct {
	Ingest *ingest.Handler
	Query  *query.Handler
	Admin  *admin.Handler
	Export *export.Handler
	Hub    *stream.Hub
	Health http.HandlerFunc
}

// RouteOptions toggles optional routes and limits.
type RouteOptions struct {
	IngestRateLimit int
	DebugEndpoints  bool
}

// SetupRoutes configures all HTTP routes for the server.
func SetupRoutes(router *mux.Router, h Handlers, opts RouteOptions) {
	router.Use(requestMiddleware)

	api := router.PathPrefix("/v1").Subrouter()

	// Ingestion, rate limited per client IP
	ingestRoutes := api.NewRoute().Subrouter()
	ingestRoutes.Use(rateLimit(opts.IngestRateLimit))
	ingestRoutes.HandleFunc("/events", h.Ingest.HandleEvent).Methods(http.MethodPost)
	ingestRoutes.HandleFunc("/accounts/{id}", h.Ingest.HandleAccount).Methods(http.MethodPut)

	// KPI reads
	metricsAPI := api.PathPrefix("/admin/metrics").Subrouter()
	metricsAPI.HandleFunc("/daily", h.Query.HandleDaily).Methods(http.MethodGet)
	metricsAPI.HandleFunc("/monthly", h.Query.HandleMonthly).Methods(http.MethodGet)
	metricsAPI.HandleFunc("/yearly", h.Query.HandleYearly).Methods(http.MethodGet)
	metricsAPI.HandleFunc("/risk-timeline", h.Query.HandleRiskTimeline).Methods(http.MethodGet)
	metricsAPI.HandleFunc("/summary", h.Query.HandleSummary).Methods(http.MethodGet)
	metricsAPI.HandleFunc("/retention", h.Query.HandleRetention).Methods(http.MethodGet)
	metricsAPI.HandleFunc("/retention/matrix", h.Query.HandleRetentionMatrix).Methods(http.MethodGet)

	// Recompute
	metricsAPI.HandleFunc("/recompute/daily", h.Admin.HandleRecomputeDaily).Methods(http.MethodPost)
	metricsAPI.HandleFunc("/recompute/monthly", h.Admin.HandleRecomputeMonthly).Methods(http.MethodPost)
	metricsAPI.HandleFunc("/recompute/yearly", h.Admin.HandleRecomputeYearly).Methods(http.MethodPost)
	if opts.DebugEndpoints {
		metricsAPI.HandleFunc("/debug/recompute", h.Admin.HandleDebugRecompute).Methods(http.MethodGet)
	}

	// Backup and backfill
	api.HandleFunc("/export", h.Export.HandleExport).Methods(http.MethodGet)
	api.HandleFunc("/import", h.Export.HandleImport).Methods(http.MethodPost)

	// Live recompute notifications
	api.HandleFunc("/ws", h.Hub.HandleWebSocket).Methods(http.MethodGet)

	api.HandleFunc("/health", h.Health).Methods(http.MethodGet)

	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
}

package export

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nicktill/tinykpi/pkg/config"
	"github.com/nicktill/tinykpi/pkg/httpx"
	"github.com/nicktill/tinykpi/pkg/ingest"
	"github.com/nicktill/tinykpi/pkg/logging"
	"github.com/nicktill/tinykpi/pkg/query"
	"github.com/nicktill/tinykpi/pkg/storage"
	"github.com/nicktill/tinykpi/pkg/window"
)

// Handler handles export/import HTTP endpoints
type Handler struct {
	exporter *Exporter
	importer *Importer
}

// NewHandler creates a new export/import handler. Imports go through svc
// so they obey the same validation and idempotency as live ingestion.
func NewHandler(store storage.RollupStore, svc *ingest.Service) *Handler {
	return &Handler{
		exporter: NewExporter(store),
		importer: NewImporter(svc),
	}
}

// HandleExport handles GET /v1/export
// Query params:
//   - granularity: daily, monthly, yearly or retention (required)
//   - from, to: inclusive periods; YYYY-MM-DD, YYYY-MM for monthly, YYYY for yearly
//   - format: "json" or "csv" (default: json)
func (h *Handler) HandleExport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	format := q.Get("format")
	if format == "" {
		format = "json"
	}
	if format != "json" && format != "csv" {
		httpx.RespondError(w, http.StatusBadRequest, "invalid_params", "format must be json or csv")
		return
	}

	g := Granularity(q.Get("granularity"))
	if !g.Valid() {
		httpx.RespondError(w, http.StatusBadRequest, "invalid_params", "granularity must be daily, monthly, yearly or retention")
		return
	}

	opts, err := parseRange(r, g)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, "invalid_params", err.Error())
		return
	}

	timestamp := time.Now().UTC().Format("20060102-150405")
	if format == "json" {
		w.Header().Set("Content-Type", "application/json")
	} else {
		w.Header().Set("Content-Type", "text/csv")
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=tinykpi-%s-%s.%s", g, timestamp, format))

	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()

	var result *Result
	if format == "json" {
		result, err = h.exporter.ExportToJSON(ctx, w, opts)
	} else {
		result, err = h.exporter.ExportToCSV(ctx, w, opts)
	}
	if err != nil {
		logging.Ctx(r.Context()).Error().Err(err).Str("granularity", string(g)).Msg("Export failed")
		httpx.RespondError(w, http.StatusInternalServerError, "export_failed", err.Error())
		return
	}

	logging.Ctx(r.Context()).Info().
		Int("rows", result.RowsExported).
		Str("granularity", string(g)).
		Str("format", format).
		Msg("Export complete")
}

// HandleImport handles POST /v1/import, a bulk event backfill.
func (h *Handler) HandleImport(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), config.RecomputeTimeout)
	defer cancel()

	result, err := h.importer.ImportFromJSON(ctx, http.MaxBytesReader(w, r.Body, MaxImportBytes))
	if err != nil {
		if httpx.IsTooLarge(err) {
			httpx.RespondError(w, http.StatusRequestEntityTooLarge, "body_too_large", err.Error())
			return
		}
		if errors.Is(err, ErrInvalidImport) {
			httpx.RespondError(w, http.StatusBadRequest, "invalid_import", err.Error())
			return
		}
		logging.Ctx(r.Context()).Error().Err(err).Msg("Import failed")
		httpx.RespondError(w, http.StatusInternalServerError, "import_failed", err.Error())
		return
	}

	if len(result.Errors) > 0 {
		logging.Ctx(r.Context()).Warn().
			Int("rejected", result.Rejected).
			Strs("first_errors", firstN(result.Errors, 10)).
			Msg("Import completed with rejected events")
	}
	logging.Ctx(r.Context()).Info().
		Int("created", result.Created).
		Int("dedup", result.Dedup).
		Msg("Import complete")

	httpx.RespondJSON(w, http.StatusOK, result)
}

func parseRange(r *http.Request, g Granularity) (Options, error) {
	opts := Options{Granularity: g}
	var err error

	switch g {
	case Monthly:
		opts.From, opts.To, err = query.MonthRange(r, "from", "to")
	case Yearly:
		var from, to int
		from, to, err = query.YearRange(r, "from", "to")
		opts.From, opts.To = window.Date(from, time.January, 1), window.Date(to, time.January, 1)
	default:
		opts.From, opts.To, err = query.DateRange(r, "from", "to")
	}
	if err != nil {
		return opts, err
	}
	if opts.To.Sub(opts.From) > config.MaxExportPeriod {
		return opts, fmt.Errorf("range too large, maximum is %d days", int(config.MaxExportPeriod.Hours()/24))
	}
	return opts, nil
}

func firstN(s []string, n int) []string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

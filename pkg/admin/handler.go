// Package admin exposes on-demand recomputation for backfills and
// corrections. It calls the same aggregator routines the scheduler uses.
package admin

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/nicktill/tinykpi/pkg/config"
	"github.com/nicktill/tinykpi/pkg/httpx"
	"github.com/nicktill/tinykpi/pkg/logging"
	"github.com/nicktill/tinykpi/pkg/query"
	"github.com/nicktill/tinykpi/pkg/rollup"
	"github.com/nicktill/tinykpi/pkg/window"
)

// Handler serves the recompute routes.
type Handler struct {
	agg *rollup.Aggregator
	now func() time.Time
}

// NewHandler creates an admin handler.
func NewHandler(agg *rollup.Aggregator) *Handler {
	return &Handler{agg: agg, now: time.Now}
}

// DailyResponse is returned by the daily recompute.
type DailyResponse struct {
	OK        bool                  `json:"ok"`
	Rollup    query.DailyRow        `json:"rollup"`
	Retention []query.RetentionItem `json:"retention"`
}

// MonthlyResponse is returned by the monthly recompute.
type MonthlyResponse struct {
	OK     bool             `json:"ok"`
	Rollup query.MonthlyRow `json:"rollup"`
}

// YearlyResponse is returned by the yearly recompute.
type YearlyResponse struct {
	OK     bool            `json:"ok"`
	Rollup query.YearlyRow `json:"rollup"`
}

// ReportResponse describes a multi-period run.
type ReportResponse struct {
	OK        bool         `json:"ok"`
	Succeeded []string     `json:"succeeded"`
	Failed    []FailedTask `json:"failed"`
	TookMs    int64        `json:"tookMs"`
}

// FailedTask names a period that failed and why.
type FailedTask struct {
	Task  string `json:"task"`
	Error string `json:"error"`
}

func recomputeContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), config.RecomputeTimeout)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, period string, err error) {
	logging.Ctx(r.Context()).Error().Err(err).Str("period", period).Msg("Manual recompute failed")
	httpx.RespondError(w, http.StatusInternalServerError, "recompute_failed", err.Error())
}

// HandleRecomputeDaily handles POST /recompute/daily?day=YYYY-MM-DD. It
// rewrites the daily rollup and the retention rows returning on that day.
func (h *Handler) HandleRecomputeDaily(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.URL.Query().Get("day"))
	if raw == "" {
		httpx.RespondError(w, http.StatusBadRequest, "invalid_params", "day is required")
		return
	}
	day, err := window.ParseDate(raw)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, "invalid_params", err.Error())
		return
	}

	ctx, cancel := recomputeContext(r)
	defer cancel()

	row, err := h.agg.ComputeDaily(ctx, day)
	if err != nil {
		h.fail(w, r, raw, err)
		return
	}
	ret, err := h.agg.ComputeRetention(ctx, day)
	if err != nil {
		h.fail(w, r, raw, err)
		return
	}

	resp := DailyResponse{OK: true, Rollup: query.NewDailyRow(row), Retention: make([]query.RetentionItem, len(ret))}
	for i, rr := range ret {
		resp.Retention[i] = query.NewRetentionItem(rr)
	}
	logging.Ctx(r.Context()).Info().Str("day", raw).Msg("Daily recompute done")
	httpx.RespondJSON(w, http.StatusOK, resp)
}

// HandleRecomputeMonthly handles POST /recompute/monthly?monthStart=.
func (h *Handler) HandleRecomputeMonthly(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.URL.Query().Get("monthStart"))
	if raw == "" {
		httpx.RespondError(w, http.StatusBadRequest, "invalid_params", "monthStart is required")
		return
	}
	month, err := window.ParseMonth(raw)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, "invalid_params", err.Error())
		return
	}

	ctx, cancel := recomputeContext(r)
	defer cancel()

	row, err := h.agg.ComputeMonthly(ctx, month)
	if err != nil {
		h.fail(w, r, raw, err)
		return
	}
	logging.Ctx(r.Context()).Info().Str("month", window.FormatDate(month)).Msg("Monthly recompute done")
	httpx.RespondJSON(w, http.StatusOK, MonthlyResponse{OK: true, Rollup: query.NewMonthlyRow(row)})
}

// HandleRecomputeYearly handles POST /recompute/yearly?year=YYYY.
func (h *Handler) HandleRecomputeYearly(w http.ResponseWriter, r *http.Request) {
	year, err := query.ParseYear(r.URL.Query().Get("year"), "year")
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, "invalid_params", err.Error())
		return
	}

	ctx, cancel := recomputeContext(r)
	defer cancel()

	row, err := h.agg.ComputeYearly(ctx, year)
	if err != nil {
		h.fail(w, r, r.URL.Query().Get("year"), err)
		return
	}
	logging.Ctx(r.Context()).Info().Int("year", year).Msg("Yearly recompute done")
	httpx.RespondJSON(w, http.StatusOK, YearlyResponse{OK: true, Rollup: query.NewYearlyRow(row)})
}

// HandleDebugRecompute handles GET /debug/recompute: today's daily and
// retention rows plus the current month and year.
func (h *Handler) HandleDebugRecompute(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := recomputeContext(r)
	defer cancel()

	report := h.agg.RecomputeToday(ctx, h.now())
	resp := NewReportResponse(report)
	status := http.StatusOK
	if !report.OK() {
		status = http.StatusInternalServerError
	}
	httpx.RespondJSON(w, status, resp)
}

// NewReportResponse renders a run report.
func NewReportResponse(report rollup.Report) ReportResponse {
	resp := ReportResponse{
		OK:        report.OK(),
		Succeeded: make([]string, 0, len(report.Succeeded)),
		Failed:    make([]FailedTask, 0, len(report.Failed)),
		TookMs:    report.Finished.Sub(report.Started).Milliseconds(),
	}
	for _, t := range report.Succeeded {
		resp.Succeeded = append(resp.Succeeded, t.String())
	}
	for _, f := range report.Failed {
		resp.Failed = append(resp.Failed, FailedTask{Task: f.Task.String(), Error: f.Err.Error()})
	}
	return resp
}

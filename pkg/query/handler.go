package query

import (
	"context"
	"net/http"

	"github.com/nicktill/tinykpi/pkg/config"
	"github.com/nicktill/tinykpi/pkg/httpx"
	"github.com/nicktill/tinykpi/pkg/logging"
)

// Handler serves /v1/admin/metrics read routes. Every response carries an
// ETag and honors If-None-Match.
type Handler struct {
	svc *Service
}

// NewHandler creates a query handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func badRequest(w http.ResponseWriter, err error) {
	httpx.RespondError(w, http.StatusBadRequest, "invalid_params", err.Error())
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	logging.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("Query failed")
	httpx.RespondError(w, http.StatusInternalServerError, "query_failed", "failed to load metrics")
}

func queryContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), config.QueryTimeout)
}

// HandleDaily handles GET /daily?from&to.
func (h *Handler) HandleDaily(w http.ResponseWriter, r *http.Request) {
	from, to, err := DateRange(r, "from", "to")
	if err != nil {
		badRequest(w, err)
		return
	}
	ctx, cancel := queryContext(r)
	defer cancel()

	rows, err := h.svc.Daily(ctx, from, to)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.RespondCached(w, r, rows)
}

// HandleMonthly handles GET /monthly?fromMonth&toMonth.
func (h *Handler) HandleMonthly(w http.ResponseWriter, r *http.Request) {
	from, to, err := MonthRange(r, "fromMonth", "toMonth")
	if err != nil {
		badRequest(w, err)
		return
	}
	ctx, cancel := queryContext(r)
	defer cancel()

	rows, err := h.svc.Monthly(ctx, from, to)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.RespondCached(w, r, rows)
}

// HandleYearly handles GET /yearly?fromYear&toYear.
func (h *Handler) HandleYearly(w http.ResponseWriter, r *http.Request) {
	from, to, err := YearRange(r, "fromYear", "toYear")
	if err != nil {
		badRequest(w, err)
		return
	}
	ctx, cancel := queryContext(r)
	defer cancel()

	rows, err := h.svc.Yearly(ctx, from, to)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.RespondCached(w, r, rows)
}

// HandleRiskTimeline handles GET /risk-timeline?from&to.
func (h *Handler) HandleRiskTimeline(w http.ResponseWriter, r *http.Request) {
	from, to, err := DateRange(r, "from", "to")
	if err != nil {
		badRequest(w, err)
		return
	}
	ctx, cancel := queryContext(r)
	defer cancel()

	points, err := h.svc.RiskTimeline(ctx, from, to)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.RespondCached(w, r, points)
}

// HandleSummary handles GET /summary?from&to.
func (h *Handler) HandleSummary(w http.ResponseWriter, r *http.Request) {
	from, to, err := DateRange(r, "from", "to")
	if err != nil {
		badRequest(w, err)
		return
	}
	ctx, cancel := queryContext(r)
	defer cancel()

	sum, err := h.svc.Summary(ctx, from, to)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.RespondCached(w, r, sum)
}

// HandleRetention handles GET /retention?cohortFrom&cohortTo.
func (h *Handler) HandleRetention(w http.ResponseWriter, r *http.Request) {
	from, to, err := DateRange(r, "cohortFrom", "cohortTo")
	if err != nil {
		badRequest(w, err)
		return
	}
	ctx, cancel := queryContext(r)
	defer cancel()

	rows, err := h.svc.Retention(ctx, from, to)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.RespondCached(w, r, rows)
}

// HandleRetentionMatrix handles GET /retention/matrix?cohortFrom&cohortTo.
func (h *Handler) HandleRetentionMatrix(w http.ResponseWriter, r *http.Request) {
	from, to, err := DateRange(r, "cohortFrom", "cohortTo")
	if err != nil {
		badRequest(w, err)
		return
	}
	ctx, cancel := queryContext(r)
	defer cancel()

	rows, err := h.svc.RetentionMatrix(ctx, from, to)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.RespondCached(w, r, rows)
}

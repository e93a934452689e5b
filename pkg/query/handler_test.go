package query

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinykpi/pkg/storage"
	"github.com/nicktill/tinykpi/pkg/storage/memory"
	"github.com/nicktill/tinykpi/pkg/window"
)

func newTestHandler(t *testing.T) (*Handler, *memory.Storage) {
	t.Helper()
	store := memory.New()
	return NewHandler(NewService(store, window.New(time.UTC))), store
}

func TestHandleDaily_BadParams(t *testing.T) {
	h, _ := newTestHandler(t)

	tests := []struct {
		name  string
		query string
		want  string
	}{
		{"missing from", "?to=2025-03-01", "from is required"},
		{"bad date", "?from=2025-3-1&to=2025-03-01", "invalid date"},
		{"reversed", "?from=2025-03-02&to=2025-03-01", "from must not be after to"},
		{"too long", "?from=2000-01-01&to=2025-01-01", "range exceeds"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			h.HandleDaily(rr, httptest.NewRequest(http.MethodGet, "/v1/admin/metrics/daily"+tt.query, nil))
			require.Equal(t, http.StatusBadRequest, rr.Code)

			var resp map[string]string
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
			assert.Equal(t, "invalid_params", resp["error"])
			assert.Contains(t, resp["message"], tt.want)
		})
	}
}

func TestHandleDaily_ETag(t *testing.T) {
	h, store := newTestHandler(t)
	require.NoError(t, store.UpsertRollup(context.Background(), storage.Rollup{
		Granularity: storage.Daily,
		Period:      window.Date(2025, time.March, 1),
		ActiveUsers: 3,
		ComputedAt:  time.Date(2025, 3, 2, 0, 15, 0, 0, time.UTC),
	}))

	rr := httptest.NewRecorder()
	h.HandleDaily(rr, httptest.NewRequest(http.MethodGet, "/v1/admin/metrics/daily?from=2025-03-01&to=2025-03-01", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	etag := rr.Header().Get("ETag")
	require.NotEmpty(t, etag)

	var rows []DailyRow
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, int64(3), rows[0].DailyActiveUsers)

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/metrics/daily?from=2025-03-01&to=2025-03-01", nil)
	req.Header.Set("If-None-Match", etag)
	rr = httptest.NewRecorder()
	h.HandleDaily(rr, req)
	assert.Equal(t, http.StatusNotModified, rr.Code)
	assert.Empty(t, rr.Body.Bytes())
}

func TestHandleDaily_EmptyIsArray(t *testing.T) {
	h, _ := newTestHandler(t)
	rr := httptest.NewRecorder()
	h.HandleDaily(rr, httptest.NewRequest(http.MethodGet, "/?from=2025-03-01&to=2025-03-31", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `[]`, rr.Body.String())
}

func TestHandleMonthly_AcceptsYearMonth(t *testing.T) {
	h, store := newTestHandler(t)
	require.NoError(t, store.UpsertRollup(context.Background(), storage.Rollup{Granularity: storage.Monthly, Period: window.Date(2025, time.April, 1), ActiveUsers: 9}))

	rr := httptest.NewRecorder()
	h.HandleMonthly(rr, httptest.NewRequest(http.MethodGet, "/?fromMonth=2025-04&toMonth=2025-04-30", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var rows []MonthlyRow
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "2025-04-01", rows[0].Month)
}

func TestHandleYearly_BadYear(t *testing.T) {
	h, _ := newTestHandler(t)
	rr := httptest.NewRecorder()
	h.HandleYearly(rr, httptest.NewRequest(http.MethodGet, "/?fromYear=twenty&toYear=2025", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandleRetentionMatrix_RatesHaveTwoDecimals(t *testing.T) {
	h, store := newTestHandler(t)
	require.NoError(t, store.UpsertRetention(context.Background(), storage.RetentionRow{
		CohortDay: window.Date(2025, time.January, 1), Window: 7, UsersTotal: 1, UsersReturned: 1, Rate: 10000,
	}))

	rr := httptest.NewRecorder()
	h.HandleRetentionMatrix(rr, httptest.NewRequest(http.MethodGet, "/?cohortFrom=2025-01-01&cohortTo=2025-01-01", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"d7Rate":100.00`)
	assert.Contains(t, rr.Body.String(), `"d1Rate":0.00`)
}

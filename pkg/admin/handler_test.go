package admin

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinykpi/pkg/event"
	"github.com/nicktill/tinykpi/pkg/rollup"
	"github.com/nicktill/tinykpi/pkg/storage"
	"github.com/nicktill/tinykpi/pkg/storage/memory"
	"github.com/nicktill/tinykpi/pkg/window"
)

func setup(t *testing.T) (*Handler, *memory.Storage) {
	t.Helper()
	store := memory.New()
	return NewHandler(rollup.New(store, window.New(time.UTC))), store
}

func TestRecomputeDaily(t *testing.T) {
	h, store := setup(t)
	ctx := context.Background()

	user := int64(1)
	require.NoError(t, store.UpsertAccount(ctx, storage.Account{ID: user, CreatedAt: time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)}))
	_, _, err := store.InsertEvent(ctx, &event.Event{UserID: &user, Name: event.NamePageView, Status: event.StatusOK, Time: time.Date(2025, 1, 8, 9, 0, 0, 0, time.UTC), Metadata: []byte(`{}`)})
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	h.HandleRecomputeDaily(rr, httptest.NewRequest(http.MethodPost, "/v1/admin/metrics/recompute/daily?day=2025-01-08", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var resp DailyResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.True(t, resp.OK)
	assert.Equal(t, "2025-01-08", resp.Rollup.Day)
	assert.Equal(t, int64(1), resp.Rollup.DailyActiveUsers)
	require.Len(t, resp.Retention, 3)
	assert.Equal(t, "D7", resp.Retention[1].Window)
	assert.Equal(t, int64(1), resp.Retention[1].UsersReturned)

	rows, err := store.Rollups(ctx, storage.Daily, window.Date(2025, time.January, 8), window.Date(2025, time.January, 8))
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestRecomputeBadParams(t *testing.T) {
	h, _ := setup(t)

	tests := []struct {
		name    string
		handler http.HandlerFunc
		target  string
	}{
		{"daily missing", h.HandleRecomputeDaily, "/?"},
		{"daily malformed", h.HandleRecomputeDaily, "/?day=01-08-2025"},
		{"monthly malformed", h.HandleRecomputeMonthly, "/?monthStart=2025"},
		{"yearly missing", h.HandleRecomputeYearly, "/"},
		{"yearly malformed", h.HandleRecomputeYearly, "/?year=20x5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			tt.handler(rr, httptest.NewRequest(http.MethodPost, tt.target, nil))
			assert.Equal(t, http.StatusBadRequest, rr.Code)
		})
	}
}

func TestRecomputeMonthlyAndYearly(t *testing.T) {
	h, store := setup(t)
	ctx := context.Background()

	rr := httptest.NewRecorder()
	h.HandleRecomputeMonthly(rr, httptest.NewRequest(http.MethodPost, "/?monthStart=2025-02", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	h.HandleRecomputeYearly(rr, httptest.NewRequest(http.MethodPost, "/?year=2025", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var resp YearlyResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, 2025, resp.Rollup.Year)

	monthly, err := store.Rollups(ctx, storage.Monthly, window.Date(2025, time.February, 1), window.Date(2025, time.February, 1))
	require.NoError(t, err)
	assert.Len(t, monthly, 1)
}

func TestDebugRecompute(t *testing.T) {
	h, store := setup(t)
	h.now = func() time.Time { return time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC) }

	rr := httptest.NewRecorder()
	h.HandleDebugRecompute(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var resp ReportResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.True(t, resp.OK)
	assert.Equal(t, []string{"daily/2025-06-15", "retention/2025-06-15", "monthly/2025-06", "yearly/2025"}, resp.Succeeded)
	assert.Empty(t, resp.Failed)

	rows, err := store.Rollups(context.Background(), storage.Yearly, window.Date(2025, time.January, 1), window.Date(2025, time.January, 1))
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

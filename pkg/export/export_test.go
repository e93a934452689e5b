package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinykpi/pkg/ingest"
	"github.com/nicktill/tinykpi/pkg/storage"
	"github.com/nicktill/tinykpi/pkg/storage/memory"
	"github.com/nicktill/tinykpi/pkg/window"
)

func seed(t *testing.T) *memory.Storage {
	t.Helper()
	store := memory.New()
	ctx := context.Background()
	computed := time.Date(2025, 3, 4, 0, 15, 0, 0, time.UTC)

	for d := 1; d <= 3; d++ {
		require.NoError(t, store.UpsertRollup(ctx, storage.Rollup{
			Granularity: storage.Daily,
			Period:      window.Date(2025, time.March, d),
			ActiveUsers: int64(d * 10),
			RiskHigh:    1,
			ComputedAt:  computed,
		}))
	}
	require.NoError(t, store.UpsertRetention(ctx, storage.RetentionRow{
		CohortDay: window.Date(2025, time.March, 1), Window: 1, UsersTotal: 3, UsersReturned: 2, Rate: 6667, ComputedAt: computed,
	}))
	return store
}

func TestExportToJSON(t *testing.T) {
	exporter := NewExporter(seed(t))
	buf := &bytes.Buffer{}

	result, err := exporter.ExportToJSON(context.Background(), buf, Options{
		Granularity: Daily,
		From:        window.Date(2025, time.March, 2),
		To:          window.Date(2025, time.March, 31),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.RowsExported)

	var doc struct {
		Metadata Metadata `json:"metadata"`
		Rows     []struct {
			Day              string `json:"day"`
			DailyActiveUsers int64  `json:"dailyActiveUsers"`
		} `json:"rows"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	assert.Equal(t, 2, doc.Metadata.RowCount)
	assert.Equal(t, "2025-03-02", doc.Metadata.From)
	require.Len(t, doc.Rows, 2)
	assert.Equal(t, "2025-03-02", doc.Rows[0].Day)
	assert.Equal(t, int64(30), doc.Rows[1].DailyActiveUsers)
}

func TestExportToCSV(t *testing.T) {
	exporter := NewExporter(seed(t))
	buf := &bytes.Buffer{}

	_, err := exporter.ExportToCSV(context.Background(), buf, Options{
		Granularity: Daily,
		From:        window.Date(2025, time.March, 1),
		To:          window.Date(2025, time.March, 3),
	})
	require.NoError(t, err)

	records, err := csv.NewReader(buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.Equal(t, "period", records[0][0])
	assert.Equal(t, []string{"2025-03-01", "10", "0", "0", "0", "0", "0", "1", "0", "", "2025-03-04T00:15:00Z"}, records[1])
}

func TestExportRetentionCSV(t *testing.T) {
	exporter := NewExporter(seed(t))
	buf := &bytes.Buffer{}

	_, err := exporter.ExportToCSV(context.Background(), buf, Options{
		Granularity: Retention,
		From:        window.Date(2025, time.March, 1),
		To:          window.Date(2025, time.March, 1),
	})
	require.NoError(t, err)

	records, err := csv.NewReader(buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, []string{"2025-03-01", "D1", "3", "2", "66.67"}, records[1])
}

func TestHandleExport(t *testing.T) {
	h := NewHandler(seed(t), nil)

	rr := httptest.NewRecorder()
	h.HandleExport(rr, httptest.NewRequest(http.MethodGet, "/v1/export?granularity=daily&from=2025-03-01&to=2025-03-03&format=csv", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "text/csv", rr.Header().Get("Content-Type"))
	assert.Contains(t, rr.Header().Get("Content-Disposition"), "tinykpi-daily-")
	assert.Equal(t, 4, strings.Count(rr.Body.String(), "\n"))
}

func TestHandleExport_BadParams(t *testing.T) {
	h := NewHandler(seed(t), nil)

	for _, target := range []string{
		"/v1/export?granularity=weekly&from=2025-03-01&to=2025-03-03",
		"/v1/export?granularity=daily&from=2025-03-01&to=2025-03-03&format=xml",
		"/v1/export?granularity=daily&from=2025-03-04&to=2025-03-03",
		"/v1/export?granularity=yearly&from=2025&to=abc",
	} {
		rr := httptest.NewRecorder()
		h.HandleExport(rr, httptest.NewRequest(http.MethodGet, target, nil))
		assert.Equal(t, http.StatusBadRequest, rr.Code, target)
	}
}

func TestImportFromJSON(t *testing.T) {
	store := memory.New()
	importer := NewImporter(ingest.NewService(store, 0))
	body := `{"events":[
		{"eventName":"page_view","userId":1,"eventTime":"2024-12-01T10:00:00Z","idempotencyKey":"legacy-1"},
		{"eventName":"page_view","userId":1,"eventTime":"2024-12-01T10:00:00Z","idempotencyKey":"legacy-1"},
		{"eventName":"risk_detected","userId":2,"eventTime":"2024-12-01T11:00:00Z"},
		{"eventName":"self_assessment_completed","userId":2,"eventTime":"2024-12-01T12:00:00Z"}
	]}`

	result, err := importer.ImportFromJSON(context.Background(), strings.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, 2, result.Created)
	assert.Equal(t, 1, result.Dedup)
	assert.Equal(t, 1, result.Rejected)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "event 2: level required for risk_detected")
}

func TestHandleImport_Invalid(t *testing.T) {
	h := NewHandler(memory.New(), ingest.NewService(memory.New(), 0))

	for _, body := range []string{`{"events":[]}`, `not json`} {
		rr := httptest.NewRecorder()
		h.HandleImport(rr, httptest.NewRequest(http.MethodPost, "/v1/import", strings.NewReader(body)))
		assert.Equal(t, http.StatusBadRequest, rr.Code, body)
	}
}

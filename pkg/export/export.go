package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/nicktill/tinykpi/pkg/query"
	"github.com/nicktill/tinykpi/pkg/storage"
	"github.com/nicktill/tinykpi/pkg/window"
)

// Granularity names an exportable table.
type Granularity string

const (
	Daily     Granularity = "daily"
	Monthly   Granularity = "monthly"
	Yearly    Granularity = "yearly"
	Retention Granularity = "retention"
)

// Valid reports whether g can be exported.
func (g Granularity) Valid() bool {
	switch g {
	case Daily, Monthly, Yearly, Retention:
		return true
	}
	return false
}

// Exporter writes rollup tables to JSON or CSV.
type Exporter struct {
	store storage.RollupStore
	now   func() time.Time
}

// NewExporter creates a new exporter
func NewExporter(store storage.RollupStore) *Exporter {
	return &Exporter{store: store, now: time.Now}
}

// Options selects what to export. From and To are inclusive periods: civil
// days for daily and retention (cohort days), month starts for monthly and
// January 1st for yearly.
type Options struct {
	Granularity Granularity
	From        time.Time
	To          time.Time
}

// Result contains stats about the export
type Result struct {
	RowsExported int         `json:"rowsExported"`
	Granularity  Granularity `json:"granularity"`
	From         string      `json:"from"`
	To           string      `json:"to"`
	Format       string      `json:"format"`
	ExportedAt   time.Time   `json:"exportedAt"`
}

// Metadata heads a JSON export.
type Metadata struct {
	ExportedAt  time.Time   `json:"exportedAt"`
	Granularity Granularity `json:"granularity"`
	From        string      `json:"from"`
	To          string      `json:"to"`
	RowCount    int         `json:"rowCount"`
	Version     string      `json:"version"`
}

// table is an export loaded into memory, ready for either encoding.
type table struct {
	rows    interface{}
	header  []string
	records [][]string
}

func (e *Exporter) load(ctx context.Context, opts Options) (*table, error) {
	if opts.Granularity == Retention {
		rows, err := e.store.Retention(ctx, opts.From, opts.To)
		if err != nil {
			return nil, fmt.Errorf("failed to load retention: %w", err)
		}
		items := make([]query.RetentionItem, len(rows))
		t := &table{header: []string{"cohort_day", "window", "users_total", "users_returned", "rate"}}
		for i, r := range rows {
			items[i] = query.NewRetentionItem(r)
			t.records = append(t.records, []string{
				items[i].CohortDay, items[i].Window, itoa(r.UsersTotal), itoa(r.UsersReturned), items[i].Rate.String(),
			})
		}
		t.rows = items
		return t, nil
	}

	g := storage.Granularity(opts.Granularity)
	rows, err := e.store.Rollups(ctx, g, opts.From, opts.To)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s rollups: %w", g, err)
	}

	t := &table{header: []string{
		"period", "active_users", "new_signups", "ai_active_users",
		"mild_event_count", "moderate_event_count", "risk_event_count", "high_risk_event_count",
		"checkin_count", "avg_session_seconds", "computed_at",
	}}
	for _, r := range rows {
		avg := ""
		if r.AvgSessionSeconds != nil {
			avg = itoa(*r.AvgSessionSeconds)
		}
		t.records = append(t.records, []string{
			periodLabel(opts.Granularity, r.Period),
			itoa(r.ActiveUsers), itoa(r.NewSignups), itoa(r.AssistantActiveUsers),
			itoa(r.RiskMild), itoa(r.RiskModerate), itoa(r.RiskRisk), itoa(r.RiskHigh),
			itoa(r.Checkins), avg, r.ComputedAt.UTC().Format(time.RFC3339),
		})
	}

	switch opts.Granularity {
	case Daily:
		out := make([]query.DailyRow, len(rows))
		for i, r := range rows {
			out[i] = query.NewDailyRow(r)
		}
		t.rows = out
	case Monthly:
		out := make([]query.MonthlyRow, len(rows))
		for i, r := range rows {
			out[i] = query.NewMonthlyRow(r)
		}
		t.rows = out
	default:
		out := make([]query.YearlyRow, len(rows))
		for i, r := range rows {
			out[i] = query.NewYearlyRow(r)
		}
		t.rows = out
	}
	return t, nil
}

// ExportToJSON writes {"metadata": ..., "rows": [...]} to w.
func (e *Exporter) ExportToJSON(ctx context.Context, w io.Writer, opts Options) (*Result, error) {
	t, err := e.load(ctx, opts)
	if err != nil {
		return nil, err
	}

	res := e.result(opts, "json", len(t.records))
	doc := struct {
		Metadata Metadata    `json:"metadata"`
		Rows     interface{} `json:"rows"`
	}{
		Metadata: Metadata{
			ExportedAt:  res.ExportedAt,
			Granularity: opts.Granularity,
			From:        res.From,
			To:          res.To,
			RowCount:    res.RowsExported,
			Version:     "1.0",
		},
		Rows: t.rows,
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(doc); err != nil {
		return nil, fmt.Errorf("failed to encode JSON: %w", err)
	}
	return res, nil
}

// ExportToCSV writes a header row and one record per period.
func (e *Exporter) ExportToCSV(ctx context.Context, w io.Writer, opts Options) (*Result, error) {
	t, err := e.load(ctx, opts)
	if err != nil {
		return nil, err
	}

	writer := csv.NewWriter(w)
	if err := writer.Write(t.header); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}
	if err := writer.WriteAll(t.records); err != nil {
		return nil, fmt.Errorf("failed to write CSV rows: %w", err)
	}
	return e.result(opts, "csv", len(t.records)), nil
}

func (e *Exporter) result(opts Options, format string, n int) *Result {
	return &Result{
		RowsExported: n,
		Granularity:  opts.Granularity,
		From:         periodLabel(opts.Granularity, opts.From),
		To:           periodLabel(opts.Granularity, opts.To),
		Format:       format,
		ExportedAt:   e.now().UTC().Truncate(time.Second),
	}
}

func periodLabel(g Granularity, t time.Time) string {
	switch g {
	case Monthly:
		return t.Format("2006-01")
	case Yearly:
		return strconv.Itoa(t.Year())
	default:
		return window.FormatDate(t)
	}
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}

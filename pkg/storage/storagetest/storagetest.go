// Package storagetest holds the behavior suite every storage backend must
// pass.
package storagetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinykpi/pkg/event"
	"github.com/nicktill/tinykpi/pkg/storage"
	"github.com/nicktill/tinykpi/pkg/window"
)

// Factory opens a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) storage.Store

// Run executes the suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s storage.Store)
	}{
		{"InsertAssignsIncreasingIDs", testInsertAssignsIDs},
		{"IdempotencyKeyDedups", testIdempotencyKeyDedups},
		{"ConcurrentDuplicateInserts", testConcurrentDuplicates},
		{"ScanIsHalfOpen", testScanHalfOpen},
		{"ScanRoundTripsFields", testScanRoundTrip},
		{"AccountsCreated", testAccountsCreated},
		{"RollupUpsertOverwrites", testRollupUpsert},
		{"RetentionOrdering", testRetentionOrdering},
		{"Stats", testStats},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s)
		})
	}
}

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newEvent(name string, at time.Time, key string) *event.Event {
	return &event.Event{
		Name:           name,
		Time:           at,
		Status:         event.StatusOK,
		IdempotencyKey: key,
		Metadata:       []byte(`{}`),
		CreatedAt:      at,
	}
}

func countEvents(t *testing.T, s storage.Store) int {
	t.Helper()
	n := 0
	all := window.Range{Start: base.AddDate(-10, 0, 0), End: base.AddDate(10, 0, 0)}
	require.NoError(t, s.ScanEvents(context.Background(), all, func(event.Event) error {
		n++
		return nil
	}))
	return n
}

func testInsertAssignsIDs(t *testing.T, s storage.Store) {
	ctx := context.Background()
	id1, dedup, err := s.InsertEvent(ctx, newEvent(event.NamePageView, base, ""))
	require.NoError(t, err)
	assert.False(t, dedup)

	id2, dedup, err := s.InsertEvent(ctx, newEvent(event.NamePageView, base, ""))
	require.NoError(t, err)
	assert.False(t, dedup)
	assert.Greater(t, id2, id1, "events without a key are never deduplicated")
	assert.Equal(t, 2, countEvents(t, s))
}

func testIdempotencyKeyDedups(t *testing.T, s storage.Store) {
	ctx := context.Background()
	first := newEvent(event.NameRiskDetected, base, "abc")
	first.Level = event.LevelHighRisk

	id, dedup, err := s.InsertEvent(ctx, first)
	require.NoError(t, err)
	require.False(t, dedup)
	assert.Equal(t, id, first.ID)

	again := newEvent(event.NameRiskDetected, base.Add(time.Hour), "abc")
	again.Level = event.LevelHighRisk
	id2, dedup, err := s.InsertEvent(ctx, again)
	require.NoError(t, err)
	assert.True(t, dedup)
	assert.Equal(t, id, id2)
	assert.Equal(t, 1, countEvents(t, s))

	found, ok, err := s.LookupIdempotencyKey(ctx, "abc")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, id, found)

	_, ok, err = s.LookupIdempotencyKey(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func testConcurrentDuplicates(t *testing.T, s storage.Store) {
	ctx := context.Background()
	const workers = 16

	ids := make([]int64, workers)
	dedups := make([]bool, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], dedups[i], errs[i] = s.InsertEvent(ctx, newEvent(event.NameSelfAssessmentCompleted, base, "retry-key"))
		}(i)
	}
	wg.Wait()

	created := 0
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i], "every retry sees the same id")
		if !dedups[i] {
			created++
		}
	}
	assert.Equal(t, 1, created, "exactly one insert wins")
	assert.Equal(t, 1, countEvents(t, s))
}

func testScanHalfOpen(t *testing.T, s storage.Store) {
	ctx := context.Background()
	r := window.Range{Start: base, End: base.Add(24 * time.Hour)}

	for i, at := range []time.Time{
		r.Start.Add(-time.Millisecond),
		r.Start,
		r.Start.Add(12 * time.Hour),
		r.End.Add(-time.Millisecond),
		r.End,
	} {
		_, _, err := s.InsertEvent(ctx, newEvent(event.NamePageView, at, fmt.Sprintf("k%d", i)))
		require.NoError(t, err)
	}

	var seen []time.Time
	require.NoError(t, s.ScanEvents(ctx, r, func(e event.Event) error {
		seen = append(seen, e.Time)
		return nil
	}))
	require.Len(t, seen, 3)
	for _, at := range seen {
		assert.True(t, r.Contains(at), at)
	}
}

func testScanRoundTrip(t *testing.T, s storage.Store) {
	ctx := context.Background()
	uid := int64(42)
	in := &event.Event{
		UserID:         &uid,
		Name:           event.NameRiskDetected,
		Time:           base.Add(1500 * time.Millisecond),
		Status:         event.StatusOK,
		Level:          event.LevelModerate,
		SessionID:      "sub-9",
		Channel:        "web",
		IdempotencyKey: "round-trip",
		Metadata:       []byte(`{"source":"assessment"}`),
		CreatedAt:      base,
	}
	_, _, err := s.InsertEvent(ctx, in)
	require.NoError(t, err)

	var out []event.Event
	require.NoError(t, s.ScanEvents(ctx, window.Range{Start: base, End: base.Add(time.Hour)}, func(e event.Event) error {
		out = append(out, e)
		return nil
	}))
	require.Len(t, out, 1)
	got := out[0]
	require.NotNil(t, got.UserID)
	assert.Equal(t, uid, *got.UserID)
	assert.Equal(t, in.ID, got.ID)
	assert.True(t, in.Time.Equal(got.Time))
	assert.Equal(t, event.LevelModerate, got.Level)
	assert.Equal(t, "sub-9", got.SessionID)
	assert.Equal(t, "web", got.Channel)
	assert.Equal(t, event.SourceAssessment, got.Source())
}

func testAccountsCreated(t *testing.T, s storage.Store) {
	ctx := context.Background()
	r := window.Range{Start: base, End: base.Add(24 * time.Hour)}

	require.NoError(t, s.UpsertAccount(ctx, storage.Account{ID: 1, CreatedAt: base}))
	require.NoError(t, s.UpsertAccount(ctx, storage.Account{ID: 2, CreatedAt: base.Add(-time.Second)}))
	require.NoError(t, s.UpsertAccount(ctx, storage.Account{ID: 3, CreatedAt: r.End}))
	require.NoError(t, s.UpsertAccount(ctx, storage.Account{ID: 4, CreatedAt: base.Add(time.Hour)}))

	ids, err := s.AccountsCreated(ctx, r)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{1, 4}, ids)

	// Moving an account's creation time moves it between cohorts.
	require.NoError(t, s.UpsertAccount(ctx, storage.Account{ID: 4, CreatedAt: r.End.Add(time.Hour)}))
	ids, err = s.AccountsCreated(ctx, r)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{1}, ids)
}

func testRollupUpsert(t *testing.T, s storage.Store) {
	ctx := context.Background()
	day := window.Date(2025, time.March, 1)

	first := storage.Rollup{Granularity: storage.Daily, Period: day, ActiveUsers: 5, RiskHigh: 2, ComputedAt: base}
	require.NoError(t, s.UpsertRollup(ctx, first))

	second := storage.Rollup{Granularity: storage.Daily, Period: day, ActiveUsers: 7, Checkins: 1, ComputedAt: base.Add(time.Hour)}
	require.NoError(t, s.UpsertRollup(ctx, second))

	require.NoError(t, s.UpsertRollup(ctx, storage.Rollup{Granularity: storage.Daily, Period: day.AddDate(0, 0, -1), ActiveUsers: 1, ComputedAt: base}))
	require.NoError(t, s.UpsertRollup(ctx, storage.Rollup{Granularity: storage.Monthly, Period: day, ActiveUsers: 99, ComputedAt: base}))

	rows, err := s.Rollups(ctx, storage.Daily, day.AddDate(0, 0, -1), day)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.True(t, rows[0].Period.Before(rows[1].Period))

	got := rows[1]
	assert.Equal(t, int64(7), got.ActiveUsers)
	assert.Equal(t, int64(0), got.RiskHigh, "upsert replaces every column")
	assert.Equal(t, int64(1), got.Checkins)
	assert.Nil(t, got.AvgSessionSeconds)
	assert.True(t, second.ComputedAt.Equal(got.ComputedAt))

	monthly, err := s.Rollups(ctx, storage.Monthly, day, day)
	require.NoError(t, err)
	require.Len(t, monthly, 1)
	assert.Equal(t, int64(99), monthly[0].ActiveUsers)
}

func testRetentionOrdering(t *testing.T, s storage.Store) {
	ctx := context.Background()
	c1 := window.Date(2025, time.January, 1)
	c2 := window.Date(2025, time.January, 2)

	for _, row := range []storage.RetentionRow{
		{CohortDay: c2, Window: 30, ComputedAt: base},
		{CohortDay: c1, Window: 30, UsersTotal: 1, ComputedAt: base},
		{CohortDay: c1, Window: 7, UsersTotal: 1, UsersReturned: 1, Rate: 10000, ComputedAt: base},
		{CohortDay: c2, Window: 1, ComputedAt: base},
		{CohortDay: c1, Window: 1, UsersTotal: 1, ComputedAt: base},
	} {
		require.NoError(t, s.UpsertRetention(ctx, row))
	}
	require.NoError(t, s.UpsertRetention(ctx, storage.RetentionRow{CohortDay: c1, Window: 1, UsersTotal: 3, UsersReturned: 1, Rate: 3333, ComputedAt: base}))

	rows, err := s.Retention(ctx, c1, c2)
	require.NoError(t, err)
	require.Len(t, rows, 5)

	var order []string
	for _, r := range rows {
		order = append(order, fmt.Sprintf("%s/D%d", window.FormatDate(r.CohortDay), r.Window))
	}
	assert.Equal(t, []string{"2025-01-01/D1", "2025-01-01/D7", "2025-01-01/D30", "2025-01-02/D1", "2025-01-02/D30"}, order)
	assert.Equal(t, int64(3333), rows[0].Rate)
	assert.Equal(t, int64(3), rows[0].UsersTotal)
}

func testStats(t *testing.T, s storage.Store) {
	ctx := context.Background()
	_, _, err := s.InsertEvent(ctx, newEvent(event.NamePageView, base, ""))
	require.NoError(t, err)
	_, _, err = s.InsertEvent(ctx, newEvent(event.NamePageView, base.Add(time.Hour), ""))
	require.NoError(t, err)
	require.NoError(t, s.UpsertAccount(ctx, storage.Account{ID: 1, CreatedAt: base}))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), stats.TotalEvents)
	assert.Equal(t, uint64(1), stats.TotalAccounts)
	assert.True(t, base.Equal(stats.OldestEvent))
	assert.True(t, base.Add(time.Hour).Equal(stats.NewestEvent))
}

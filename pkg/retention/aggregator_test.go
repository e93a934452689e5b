package retention

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinykpi/pkg/event"
	"github.com/nicktill/tinykpi/pkg/storage"
	"github.com/nicktill/tinykpi/pkg/storage/memory"
	"github.com/nicktill/tinykpi/pkg/window"
)

func seoul(t *testing.T) window.Calendar {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Seoul")
	require.NoError(t, err)
	return window.New(loc)
}

func addEvent(t *testing.T, store *memory.Storage, user int64, status string, at time.Time) {
	t.Helper()
	_, _, err := store.InsertEvent(context.Background(), &event.Event{
		UserID:   &user,
		Name:     event.NamePageView,
		Time:     at,
		Status:   status,
		Metadata: []byte(`{}`),
	})
	require.NoError(t, err)
}

func rowFor(rows []storage.RetentionRow, w Window) storage.RetentionRow {
	for _, r := range rows {
		if r.Window == int(w) {
			return r
		}
	}
	return storage.RetentionRow{Window: -1}
}

func TestComputeForDay_D7Return(t *testing.T) {
	store := memory.New()
	cal := seoul(t)
	ctx := context.Background()

	// Created 2025-01-01 10:00 KST, returns 2025-01-08 09:00 KST.
	require.NoError(t, store.UpsertAccount(ctx, storage.Account{ID: 1, CreatedAt: time.Date(2025, 1, 1, 1, 0, 0, 0, time.UTC)}))
	addEvent(t, store, 1, event.StatusOK, time.Date(2025, 1, 8, 0, 0, 0, 0, time.UTC))

	agg := New(store, cal)
	rows, err := agg.ComputeForDay(ctx, window.Date(2025, time.January, 8))
	require.NoError(t, err)
	require.Len(t, rows, 3)

	d7 := rowFor(rows, D7)
	assert.Equal(t, window.Date(2025, time.January, 1), d7.CohortDay)
	assert.Equal(t, int64(1), d7.UsersTotal)
	assert.Equal(t, int64(1), d7.UsersReturned)
	assert.Equal(t, "100.00", Rate(d7.Rate).String())

	stored, err := store.Retention(ctx, window.Date(2025, time.January, 1), window.Date(2025, time.January, 1))
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, d7, stored[0])
}

func TestComputeForDay_NoReturnByD30(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	require.NoError(t, store.UpsertAccount(ctx, storage.Account{ID: 1, CreatedAt: time.Date(2025, 1, 1, 1, 0, 0, 0, time.UTC)}))
	addEvent(t, store, 1, event.StatusOK, time.Date(2025, 1, 8, 0, 0, 0, 0, time.UTC))

	rows, err := New(store, seoul(t)).ComputeForDay(ctx, window.Date(2025, time.January, 31))
	require.NoError(t, err)

	d30 := rowFor(rows, D30)
	assert.Equal(t, window.Date(2025, time.January, 1), d30.CohortDay)
	assert.Equal(t, int64(1), d30.UsersTotal)
	assert.Equal(t, int64(0), d30.UsersReturned)
	assert.Equal(t, "0.00", Rate(d30.Rate).String())
}

func TestComputeForDay_ZeroCohort(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	addEvent(t, store, 9, event.StatusOK, time.Date(2025, 2, 10, 3, 0, 0, 0, time.UTC))

	rows, err := New(store, seoul(t)).ComputeForDay(ctx, window.Date(2025, time.February, 10))
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for _, r := range rows {
		assert.Zero(t, r.UsersTotal)
		assert.Zero(t, r.UsersReturned)
		assert.Zero(t, r.Rate)
	}
}

func TestComputeForDay_OnlyOKEventsCount(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	cal := window.New(time.UTC)

	for id := int64(1); id <= 3; id++ {
		require.NoError(t, store.UpsertAccount(ctx, storage.Account{ID: id, CreatedAt: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}))
	}
	addEvent(t, store, 1, event.StatusOK, time.Date(2025, 3, 2, 8, 0, 0, 0, time.UTC))
	addEvent(t, store, 1, event.StatusOK, time.Date(2025, 3, 2, 9, 0, 0, 0, time.UTC))
	addEvent(t, store, 2, event.StatusOK, time.Date(2025, 3, 2, 23, 59, 59, 0, time.UTC))
	addEvent(t, store, 3, "error", time.Date(2025, 3, 2, 10, 0, 0, 0, time.UTC))
	// Outside the return day.
	addEvent(t, store, 3, event.StatusOK, time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC))

	rows, err := New(store, cal).ComputeForDay(ctx, window.Date(2025, time.March, 2))
	require.NoError(t, err)

	d1 := rowFor(rows, D1)
	assert.Equal(t, int64(3), d1.UsersTotal)
	assert.Equal(t, int64(2), d1.UsersReturned)
	assert.Equal(t, "66.67", Rate(d1.Rate).String())
}

func TestComputeForDay_Converges(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	require.NoError(t, store.UpsertAccount(ctx, storage.Account{ID: 4, CreatedAt: time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)}))
	addEvent(t, store, 4, event.StatusOK, time.Date(2025, 5, 2, 4, 0, 0, 0, time.UTC))

	agg := New(store, window.New(time.UTC))
	fixed := time.Date(2025, 5, 3, 0, 15, 0, 0, time.UTC)
	agg.now = func() time.Time { return fixed }

	first, err := agg.ComputeForDay(ctx, window.Date(2025, time.May, 2))
	require.NoError(t, err)
	second, err := agg.ComputeForDay(ctx, window.Date(2025, time.May, 2))
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

package query

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinykpi/pkg/event"
	"github.com/nicktill/tinykpi/pkg/retention"
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

func put(t *testing.T, store *memory.Storage, user int64, name string, level event.Level, meta string, at time.Time) {
	t.Helper()
	e := &event.Event{UserID: &user, Name: name, Level: level, Status: event.StatusOK, Time: at, Metadata: []byte(meta)}
	_, _, err := store.InsertEvent(context.Background(), e)
	require.NoError(t, err)
}

func TestSummary(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	at := time.Date(2025, 3, 10, 3, 0, 0, 0, time.UTC)

	put(t, store, 1, event.NameRiskDetected, event.LevelHighRisk, `{"source":"chat"}`, at)
	put(t, store, 2, event.NameRiskDetected, event.LevelHighRisk, `{"source":"assessment"}`, at)
	put(t, store, 2, event.NameRiskDetected, event.LevelHighRisk, `{}`, at)
	put(t, store, 3, event.NameRiskDetected, event.LevelModerate, `{"source":"chat"}`, at)
	put(t, store, 1, event.NameAIChatUserMessage, "", `{}`, at)
	put(t, store, 1, event.NameAIChatUserMessage, "", `{}`, at.Add(time.Hour))
	put(t, store, 4, event.NameAIChatUserMessage, "", `{}`, at)
	put(t, store, 4, event.NameSelfAssessmentCompleted, "", `{}`, at)
	// 2025-03-11T15:00Z is March 12th in Seoul: outside to=2025-03-11.
	put(t, store, 5, event.NameRiskDetected, event.LevelHighRisk, `{"source":"chat"}`, time.Date(2025, 3, 11, 15, 0, 0, 0, time.UTC))
	// Failed events never count.
	bad := &event.Event{UserID: new(int64), Name: event.NameRiskDetected, Level: event.LevelHighRisk, Status: "error", Time: at, Metadata: []byte(`{}`)}
	_, _, err := store.InsertEvent(ctx, bad)
	require.NoError(t, err)

	svc := NewService(store, seoul(t))
	sum, err := svc.Summary(ctx, window.Date(2025, time.March, 10), window.Date(2025, time.March, 11))
	require.NoError(t, err)

	assert.Equal(t, Summary{
		From:                   "2025-03-10",
		To:                     "2025-03-11",
		HighRiskTotal:          3,
		HighRiskFromChat:       1,
		HighRiskFromAssessment: 1,
		AIActiveUsers:          2,
		SelfAssessmentUsers:    1,
	}, sum)
}

func TestDailyAndRiskTimeline(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	computed := time.Date(2025, 3, 4, 0, 15, 0, 0, time.UTC)

	for d := 1; d <= 3; d++ {
		require.NoError(t, store.UpsertRollup(ctx, storage.Rollup{
			Granularity: storage.Daily,
			Period:      window.Date(2025, time.March, d),
			ActiveUsers: int64(10 * d),
			RiskHigh:    int64(d),
			ComputedAt:  computed,
		}))
	}

	svc := NewService(store, window.New(time.UTC))
	rows, err := svc.Daily(ctx, window.Date(2025, time.March, 2), window.Date(2025, time.March, 3))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "2025-03-02", rows[0].Day)
	assert.Equal(t, int64(20), rows[0].DailyActiveUsers)
	assert.Nil(t, rows[0].AvgSessionSeconds)

	points, err := svc.RiskTimeline(ctx, window.Date(2025, time.March, 1), window.Date(2025, time.March, 31))
	require.NoError(t, err)
	assert.Equal(t, []RiskPoint{
		{Day: "2025-03-01", HighRiskEventCount: 1},
		{Day: "2025-03-02", HighRiskEventCount: 2},
		{Day: "2025-03-03", HighRiskEventCount: 3},
	}, points)
}

func TestMonthlyNormalizesBounds(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	require.NoError(t, store.UpsertRollup(ctx, storage.Rollup{Granularity: storage.Monthly, Period: window.Date(2025, time.February, 1), ActiveUsers: 7}))

	rows, err := NewService(store, window.New(time.UTC)).Monthly(ctx, window.Date(2025, time.February, 20), window.Date(2025, time.February, 21))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "2025-02-01", rows[0].Month)
	assert.Equal(t, int64(7), rows[0].MonthlyActiveUsers)
}

func TestYearly(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	for _, y := range []int{2023, 2024, 2025} {
		require.NoError(t, store.UpsertRollup(ctx, storage.Rollup{Granularity: storage.Yearly, Period: window.Date(y, time.January, 1), ActiveUsers: int64(y)}))
	}

	rows, err := NewService(store, window.New(time.UTC)).Yearly(ctx, 2024, 2025)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 2024, rows[0].Year)
	assert.Equal(t, int64(2025), rows[1].YearlyActiveUsers)
}

func TestRetentionAndMatrix(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	c1 := window.Date(2025, time.January, 1)
	c2 := window.Date(2025, time.January, 2)

	rows := []storage.RetentionRow{
		{CohortDay: c1, Window: 30, UsersTotal: 4, UsersReturned: 1, Rate: 2500},
		{CohortDay: c1, Window: 1, UsersTotal: 4, UsersReturned: 3, Rate: 7500},
		{CohortDay: c1, Window: 7, UsersTotal: 4, UsersReturned: 2, Rate: 5000},
		{CohortDay: c2, Window: 1, UsersTotal: 3, UsersReturned: 2, Rate: 6667},
	}
	for _, r := range rows {
		require.NoError(t, store.UpsertRetention(ctx, r))
	}

	svc := NewService(store, window.New(time.UTC))
	items, err := svc.Retention(ctx, c1, c2)
	require.NoError(t, err)
	require.Len(t, items, 4)
	var order []string
	for _, it := range items {
		order = append(order, it.CohortDay+"/"+it.Window)
	}
	assert.Equal(t, []string{"2025-01-01/D1", "2025-01-01/D7", "2025-01-01/D30", "2025-01-02/D1"}, order)

	matrix, err := svc.RetentionMatrix(ctx, c1, c2)
	require.NoError(t, err)
	assert.Equal(t, []MatrixRow{
		{CohortDay: "2025-01-01", UsersTotal: 4, D1Returned: 3, D1Rate: 7500, D7Returned: 2, D7Rate: 5000, D30Returned: 1, D30Rate: 2500},
		{CohortDay: "2025-01-02", UsersTotal: 3, D1Returned: 2, D1Rate: retention.Rate(6667)},
	}, matrix)
}

package monitor

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestAggregationMonitor_RecordSuccess(t *testing.T) {
	am := NewAggregationMonitor(time.Now().Add(time.Hour))
	am.RecordFailure(errors.New("boom"), "daily/2025-03-01")
	am.RecordSuccess()

	status := am.Status()
	assert.True(t, status.Healthy)
	assert.Zero(t, status.ConsecutiveErrors)
	assert.Empty(t, status.LastError)
	assert.Empty(t, status.FailedTasks)
	assert.NotEmpty(t, status.LastSuccess)
	assert.NotEmpty(t, status.TimeSinceSuccess)
}

func TestAggregationMonitor_RecordFailure(t *testing.T) {
	am := NewAggregationMonitor(time.Time{})
	am.RecordFailure(errors.New("disk full"), "daily/2025-03-01", "retention/2025-03-01")

	status := am.Status()
	assert.Equal(t, 1, status.ConsecutiveErrors)
	assert.Equal(t, "disk full", status.LastError)
	assert.Equal(t, []string{"daily/2025-03-01", "retention/2025-03-01"}, status.FailedTasks)
	assert.Equal(t, "unhealthy: daily/2025-03-01,retention/2025-03-01", status.String())
}

func TestAggregationMonitor_IsHealthy(t *testing.T) {
	now := time.Date(2025, 3, 2, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		setup    func(*AggregationMonitor)
		expected bool
	}{
		{
			name:     "first run not yet due",
			setup:    func(am *AggregationMonitor) { am.firstDue = now.Add(time.Hour) },
			expected: true,
		},
		{
			name:     "first run overdue without success",
			setup:    func(am *AggregationMonitor) { am.firstDue = now.Add(-time.Minute) },
			expected: false,
		},
		{
			name:     "never scheduled",
			setup:    func(*AggregationMonitor) {},
			expected: false,
		},
		{
			name: "recent success",
			setup: func(am *AggregationMonitor) {
				am.RecordSuccess()
			},
			expected: true,
		},
		{
			name: "success exactly at the staleness bound",
			setup: func(am *AggregationMonitor) {
				am.lastSuccess = now.Add(-StaleAfter)
			},
			expected: true,
		},
		{
			name: "stale success",
			setup: func(am *AggregationMonitor) {
				am.lastSuccess = now.Add(-26 * time.Hour)
			},
			expected: false,
		},
		{
			name: "three failures tolerated",
			setup: func(am *AggregationMonitor) {
				am.RecordSuccess()
				for i := 0; i < 3; i++ {
					am.RecordFailure(errors.New("fail"))
				}
			},
			expected: true,
		},
		{
			name: "too many consecutive errors",
			setup: func(am *AggregationMonitor) {
				am.RecordSuccess()
				for i := 0; i < 4; i++ {
					am.RecordFailure(errors.New("fail"))
				}
			},
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			am := &AggregationMonitor{now: fixedClock(now)}
			tt.setup(am)
			assert.Equal(t, tt.expected, am.IsHealthy())
		})
	}
}

func TestAggregationMonitor_SetNextRun(t *testing.T) {
	now := time.Date(2025, 3, 2, 12, 0, 0, 0, time.UTC)
	am := &AggregationMonitor{now: fixedClock(now)}
	require.False(t, am.IsHealthy())

	am.SetNextRun(now.Add(12 * time.Hour))
	assert.True(t, am.IsHealthy())
	assert.Equal(t, "2025-03-03T00:00:00Z", am.Status().NextRun)

	am.RecordSuccess()
	am.SetNextRun(now.Add(48 * time.Hour))
	assert.Empty(t, am.Status().NextRun, "next run only reported before the first success")
}

package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinykpi/pkg/rollup"
	"github.com/nicktill/tinykpi/pkg/server/monitor"
	"github.com/nicktill/tinykpi/pkg/window"
)

func seoul(t *testing.T) window.Calendar {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Seoul")
	require.NoError(t, err)
	return window.New(loc)
}

// fakeRunner fails the listed tasks until each has been attempted failTimes
// times.
type fakeRunner struct {
	mu        sync.Mutex
	failing   map[string]int
	calls     [][]rollup.Task
	failTimes int
}

func (f *fakeRunner) Run(_ context.Context, tasks []rollup.Task) rollup.Report {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, tasks)

	var r rollup.Report
	for _, task := range tasks {
		if n, ok := f.failing[task.String()]; ok && n < f.failTimes {
			f.failing[task.String()] = n + 1
			r.Failed = append(r.Failed, rollup.Failure{Task: task, Err: errors.New("db locked")})
			continue
		}
		r.Succeeded = append(r.Succeeded, task)
	}
	return r
}

func immediate(delays *[]time.Duration) func(time.Duration) <-chan time.Time {
	return func(d time.Duration) <-chan time.Time {
		*delays = append(*delays, d)
		ch := make(chan time.Time, 1)
		ch <- time.Time{}
		return ch
	}
}

func TestNextRun(t *testing.T) {
	cal := seoul(t)
	s := New(&fakeRunner{}, nil, Config{Calendar: cal, Hour: 0, Minute: 15})
	kst := cal.Location()

	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{"before fire time", time.Date(2025, 3, 2, 0, 10, 0, 0, kst), time.Date(2025, 3, 2, 0, 15, 0, 0, kst)},
		{"exactly at fire time", time.Date(2025, 3, 2, 0, 15, 0, 0, kst), time.Date(2025, 3, 3, 0, 15, 0, 0, kst)},
		{"after fire time", time.Date(2025, 3, 2, 9, 0, 0, 0, kst), time.Date(2025, 3, 3, 0, 15, 0, 0, kst)},
		{"utc evening is next local day", time.Date(2025, 2, 28, 15, 20, 0, 0, time.UTC), time.Date(2025, 3, 2, 0, 15, 0, 0, kst)},
		{"month rollover", time.Date(2025, 12, 31, 23, 0, 0, 0, kst), time.Date(2026, 1, 1, 0, 15, 0, 0, kst)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.NextRun(tt.now)
			assert.True(t, got.Equal(tt.want), "got %s want %s", got, tt.want)
		})
	}
}

func TestRunOnceSuccess(t *testing.T) {
	cal := seoul(t)
	runner := &fakeRunner{}
	mon := monitor.NewAggregationMonitor(time.Time{})
	s := New(runner, mon, Config{Calendar: cal, MaxRetries: 3, RetryBackoff: time.Second})

	report := s.RunOnce(context.Background(), time.Date(2025, 3, 2, 0, 15, 0, 0, cal.Location()))

	assert.True(t, report.OK())
	assert.Len(t, report.Succeeded, 10, "3 days x (daily + retention) + 2 months + 2 years")
	assert.Len(t, runner.calls, 1)
	assert.True(t, mon.IsHealthy())
}

func TestRunOnceRetriesOnlyFailedTasks(t *testing.T) {
	cal := seoul(t)
	runner := &fakeRunner{
		failing:   map[string]int{"daily/2025-03-01": 0, "monthly/2025-02": 0},
		failTimes: 2,
	}
	mon := monitor.NewAggregationMonitor(time.Time{})
	s := New(runner, mon, Config{Calendar: cal, MaxRetries: 3, RetryBackoff: 30 * time.Second})
	var delays []time.Duration
	s.after = immediate(&delays)

	report := s.RunOnce(context.Background(), time.Date(2025, 3, 2, 0, 15, 0, 0, cal.Location()))

	require.True(t, report.OK())
	assert.Len(t, report.Succeeded, 10)
	require.Len(t, runner.calls, 3)
	assert.Len(t, runner.calls[0], 10)
	assert.Len(t, runner.calls[1], 2)
	assert.Len(t, runner.calls[2], 2)
	assert.Equal(t, []time.Duration{30 * time.Second, 60 * time.Second}, delays)
	assert.True(t, mon.IsHealthy())
}

func TestRunOnceGivesUpAfterMaxRetries(t *testing.T) {
	cal := seoul(t)
	runner := &fakeRunner{failing: map[string]int{"yearly/2024": 0}, failTimes: 100}
	mon := monitor.NewAggregationMonitor(time.Time{})
	s := New(runner, mon, Config{Calendar: cal, MaxRetries: 2, RetryBackoff: time.Second})
	var delays []time.Duration
	s.after = immediate(&delays)

	report := s.RunOnce(context.Background(), time.Date(2025, 3, 2, 1, 0, 0, 0, cal.Location()))

	assert.False(t, report.OK())
	assert.Len(t, runner.calls, 3)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, delays)
	assert.Len(t, report.Succeeded, 9)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, "yearly/2024", report.Failed[0].Task.String())

	status := mon.Status()
	assert.Equal(t, 1, status.ConsecutiveErrors, "one failed run, not one per attempt")
	assert.Equal(t, []string{"yearly/2024"}, status.FailedTasks)
	assert.Contains(t, status.LastError, "db locked")
}

func TestServeRunsOnStartAndStops(t *testing.T) {
	cal := seoul(t)
	runner := &fakeRunner{}
	mon := monitor.NewAggregationMonitor(time.Time{})
	s := New(runner, mon, Config{Calendar: cal, Hour: 0, Minute: 15, RunOnStart: true})

	ctx, cancel := context.WithCancel(context.Background())
	fired := make(chan time.Duration, 1)
	s.after = func(d time.Duration) <-chan time.Time {
		fired <- d
		return make(chan time.Time)
	}

	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	select {
	case d := <-fired:
		assert.Positive(t, d)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler never waited for the next run")
	}
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	runner.mu.Lock()
	assert.Len(t, runner.calls, 1, "initial run only")
	runner.mu.Unlock()
	assert.True(t, mon.IsHealthy())
	assert.Equal(t, "aggregation-scheduler", s.String())
}

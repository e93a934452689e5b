package monitor

import (
	"strings"
	"sync"
	"time"
)

// StaleAfter is how long the last successful aggregation run may age before
// the monitor reports unhealthy. The schedule fires daily.
const StaleAfter = 25 * time.Hour

// MaxConsecutiveFailures is the number of failed runs tolerated in a row.
const MaxConsecutiveFailures = 3

// AggregationMonitor tracks scheduled aggregation health and failures.
type AggregationMonitor struct {
	mu                sync.RWMutex
	now               func() time.Time
	firstDue          time.Time
	lastSuccess       time.Time
	lastAttempt       time.Time
	consecutiveErrors int
	lastError         string
	failedTasks       []string
}

// NewAggregationMonitor creates a monitor. Until the first run is due the
// monitor reports healthy even though nothing has succeeded yet.
func NewAggregationMonitor(firstDue time.Time) *AggregationMonitor {
	return &AggregationMonitor{now: time.Now, firstDue: firstDue}
}

func (am *AggregationMonitor) clock() time.Time {
	if am.now == nil {
		return time.Now()
	}
	return am.now()
}

// RecordSuccess records a run in which every period was recomputed.
func (am *AggregationMonitor) RecordSuccess() {
	am.mu.Lock()
	defer am.mu.Unlock()
	now := am.clock()
	am.lastSuccess = now
	am.lastAttempt = now
	am.consecutiveErrors = 0
	am.lastError = ""
	am.failedTasks = nil
}

// RecordFailure records a run that left periods stale. failed lists their
// task labels, e.g. "daily/2025-03-01".
func (am *AggregationMonitor) RecordFailure(err error, failed ...string) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.lastAttempt = am.clock()
	am.consecutiveErrors++
	if err != nil {
		am.lastError = err.Error()
	}
	am.failedTasks = append([]string(nil), failed...)
}

// IsHealthy returns true if aggregation is keeping up.
// Unhealthy conditions:
//   - Never succeeded although the first run was due
//   - Last success older than StaleAfter
//   - More than MaxConsecutiveFailures failures in a row
func (am *AggregationMonitor) IsHealthy() bool {
	am.mu.RLock()
	defer am.mu.RUnlock()
	return am.healthy()
}

func (am *AggregationMonitor) healthy() bool {
	now := am.clock()
	if am.consecutiveErrors > MaxConsecutiveFailures {
		return false
	}
	if am.lastSuccess.IsZero() {
		return !am.firstDue.IsZero() && now.Before(am.firstDue)
	}
	return now.Sub(am.lastSuccess) <= StaleAfter
}

// AggregationStatus is the aggregation section of the health response.
type AggregationStatus struct {
	Healthy           bool     `json:"healthy"`
	NextRun           string   `json:"next_run,omitempty"`
	LastSuccess       string   `json:"last_success,omitempty"`
	TimeSinceSuccess  string   `json:"time_since_success,omitempty"`
	LastAttempt       string   `json:"last_attempt,omitempty"`
	ConsecutiveErrors int      `json:"consecutive_errors,omitempty"`
	LastError         string   `json:"last_error,omitempty"`
	FailedTasks       []string `json:"failed_tasks,omitempty"`
}

// SetNextRun moves the point before which a missing first success is
// tolerated. The scheduler calls it after computing each fire time.
func (am *AggregationMonitor) SetNextRun(t time.Time) {
	am.mu.Lock()
	defer am.mu.Unlock()
	if am.lastSuccess.IsZero() && am.lastAttempt.IsZero() {
		am.firstDue = t
	}
}

// Status returns current aggregation status for health checks.
func (am *AggregationMonitor) Status() AggregationStatus {
	am.mu.RLock()
	defer am.mu.RUnlock()

	status := AggregationStatus{Healthy: am.healthy()}

	if am.lastSuccess.IsZero() && !am.firstDue.IsZero() {
		status.NextRun = am.firstDue.Format(time.RFC3339)
	}
	if !am.lastSuccess.IsZero() {
		status.LastSuccess = am.lastSuccess.Format(time.RFC3339)
		status.TimeSinceSuccess = am.clock().Sub(am.lastSuccess).Round(time.Second).String()
	}
	if !am.lastAttempt.IsZero() {
		status.LastAttempt = am.lastAttempt.Format(time.RFC3339)
	}
	if am.consecutiveErrors > 0 {
		status.ConsecutiveErrors = am.consecutiveErrors
		status.LastError = am.lastError
		status.FailedTasks = append([]string(nil), am.failedTasks...)
	}
	return status
}

// String is a one-line summary for logs.
func (s AggregationStatus) String() string {
	if s.Healthy {
		return "healthy"
	}
	if len(s.FailedTasks) > 0 {
		return "unhealthy: " + strings.Join(s.FailedTasks, ",")
	}
	return "unhealthy"
}

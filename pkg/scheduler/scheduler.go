// Package scheduler fires the aggregation plan once a day at a local wall
// clock time and retries the periods that failed.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nicktill/tinykpi/pkg/logging"
	"github.com/nicktill/tinykpi/pkg/metrics"
	"github.com/nicktill/tinykpi/pkg/rollup"
	"github.com/nicktill/tinykpi/pkg/server/monitor"
	"github.com/nicktill/tinykpi/pkg/window"
)

// Runner executes aggregation tasks. *rollup.Aggregator satisfies it.
type Runner interface {
	Run(ctx context.Context, tasks []rollup.Task) rollup.Report
}

// Config controls when the scheduler fires and how it retries.
type Config struct {
	Calendar     window.Calendar
	Hour, Minute int
	TrailingDays int
	MaxRetries   int
	RetryBackoff time.Duration
	RunOnStart   bool
}

// Scheduler runs the aggregation plan daily. It implements suture.Service.
type Scheduler struct {
	runner  Runner
	monitor *monitor.AggregationMonitor
	cfg     Config

	now   func() time.Time
	after func(time.Duration) <-chan time.Time
}

// New creates a scheduler. mon may be nil.
func New(runner Runner, mon *monitor.AggregationMonitor, cfg Config) *Scheduler {
	if cfg.TrailingDays <= 0 {
		cfg.TrailingDays = rollup.DefaultTrailingDays
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Scheduler{
		runner:  runner,
		monitor: mon,
		cfg:     cfg,
		now:     time.Now,
		after:   time.After,
	}
}

// NextRun returns the first fire time strictly after now.
func (s *Scheduler) NextRun(now time.Time) time.Time {
	loc := s.cfg.Calendar.Location()
	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), s.cfg.Hour, s.cfg.Minute, 0, 0, loc)
	if !next.After(now) {
		next = time.Date(local.Year(), local.Month(), local.Day()+1, s.cfg.Hour, s.cfg.Minute, 0, 0, loc)
	}
	return next
}

// Serve waits for each fire time and runs the plan until ctx is cancelled.
func (s *Scheduler) Serve(ctx context.Context) error {
	log := logging.Ctx(ctx)

	if s.cfg.RunOnStart {
		log.Info().Msg("Running initial aggregation")
		s.RunOnce(ctx, s.now())
	}

	for {
		next := s.NextRun(s.now())
		if s.monitor != nil {
			s.monitor.SetNextRun(next)
		}
		log.Debug().Time("next_run", next).Msg("Aggregation scheduled")

		select {
		case <-ctx.Done():
			log.Info().Msg("Stopping aggregation scheduler")
			return ctx.Err()
		case <-s.after(time.Until(next)):
		}

		log.Info().Msg("Scheduled aggregation started")
		s.RunOnce(ctx, s.now())
	}
}

// RunOnce runs the plan for now, retrying failed tasks with exponential
// backoff: RetryBackoff, 2x, 4x... Only the failed tasks are re-run. The
// returned report lists every task that eventually succeeded and the
// failures of the last attempt.
func (s *Scheduler) RunOnce(ctx context.Context, now time.Time) rollup.Report {
	log := logging.Ctx(ctx)
	tasks := rollup.Plan(s.cfg.Calendar, now, s.cfg.TrailingDays)

	total := rollup.Report{Started: s.now()}
	for attempt := 0; ; attempt++ {
		report := s.runner.Run(ctx, tasks)
		total.Succeeded = append(total.Succeeded, report.Succeeded...)
		total.Failed = report.Failed
		if report.OK() {
			break
		}

		log.Warn().
			Int("failed", len(report.Failed)).
			Int("attempt", attempt+1).
			Int("max_attempts", s.cfg.MaxRetries+1).
			Msg("Aggregation run left stale periods")

		if attempt >= s.cfg.MaxRetries || ctx.Err() != nil {
			break
		}

		delay := s.cfg.RetryBackoff * time.Duration(1<<attempt)
		log.Info().Dur("delay", delay).Int("tasks", len(report.Failed)).Msg("Retrying failed periods")
		select {
		case <-ctx.Done():
			total.Finished = s.now()
			s.record(ctx, total)
			return total
		case <-s.after(delay):
		}
		tasks = report.FailedTasks()
	}
	total.Finished = s.now()
	s.record(ctx, total)
	return total
}

func (s *Scheduler) record(ctx context.Context, report rollup.Report) {
	log := logging.Ctx(ctx)
	took := report.Finished.Sub(report.Started).Round(time.Millisecond)

	if report.OK() {
		metrics.ScheduledRuns.WithLabelValues("success").Inc()
		if s.monitor != nil {
			s.monitor.RecordSuccess()
		}
		log.Info().Int("tasks", len(report.Succeeded)).Dur("took", took).Msg("Aggregation completed")
		return
	}

	metrics.ScheduledRuns.WithLabelValues("failure").Inc()
	labels := make([]string, len(report.Failed))
	errs := make([]error, len(report.Failed))
	for i, f := range report.Failed {
		labels[i] = f.Task.String()
		errs[i] = fmt.Errorf("%s: %w", f.Task, f.Err)
	}
	if s.monitor != nil {
		s.monitor.RecordFailure(errors.Join(errs...), labels...)
		if st := s.monitor.Status(); st.ConsecutiveErrors > monitor.MaxConsecutiveFailures {
			log.Error().Int("consecutive_errors", st.ConsecutiveErrors).Msg("Aggregation keeps failing")
		}
	}
	log.Error().Strs("failed", labels).Dur("took", took).Msg("Aggregation finished with stale periods")
}

// String names the service in supervisor logs.
func (s *Scheduler) String() string {
	return "aggregation-scheduler"
}

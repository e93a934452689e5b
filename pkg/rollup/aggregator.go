package rollup

import (
	"context"
	"fmt"
	"time"

	"github.com/nicktill/tinykpi/pkg/event"
	"github.com/nicktill/tinykpi/pkg/logging"
	"github.com/nicktill/tinykpi/pkg/metrics"
	"github.com/nicktill/tinykpi/pkg/retention"
	"github.com/nicktill/tinykpi/pkg/storage"
	"github.com/nicktill/tinykpi/pkg/window"
)

// Store is the subset of storage the aggregators use.
type Store interface {
	storage.EventStore
	storage.AccountStore
	storage.RollupStore
}

// Aggregator recomputes rollup rows from the event log.
type Aggregator struct {
	store     Store
	cal       window.Calendar
	retention *retention.Aggregator
	notifier  Notifier
	now       func() time.Time
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithNotifier publishes every successful recompute to n.
func WithNotifier(n Notifier) Option {
	return func(a *Aggregator) { a.notifier = n }
}

// New creates an aggregator over store using cal for period boundaries.
func New(store Store, cal window.Calendar, opts ...Option) *Aggregator {
	a := &Aggregator{
		store:     store,
		cal:       cal,
		retention: retention.New(store, cal),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Calendar returns the calendar periods are resolved in.
func (a *Aggregator) Calendar() window.Calendar {
	return a.cal
}

// ComputeDaily recomputes and replaces the rollup for one civil day.
func (a *Aggregator) ComputeDaily(ctx context.Context, day time.Time) (storage.Rollup, error) {
	day = window.Truncate(day)
	return a.compute(ctx, storage.Daily, day, a.cal.Day(day))
}

// ComputeMonthly recomputes the rollup for the month starting at monthStart.
// Any day of the month is accepted.
func (a *Aggregator) ComputeMonthly(ctx context.Context, monthStart time.Time) (storage.Rollup, error) {
	start := window.MonthStart(monthStart)
	return a.compute(ctx, storage.Monthly, start, a.cal.Month(start))
}

// ComputeYearly recomputes the rollup for one calendar year.
func (a *Aggregator) ComputeYearly(ctx context.Context, year int) (storage.Rollup, error) {
	return a.compute(ctx, storage.Yearly, window.Date(year, time.January, 1), a.cal.Year(year))
}

// ComputeRetention recomputes the D1/D7/D30 rows returning on day.
func (a *Aggregator) ComputeRetention(ctx context.Context, day time.Time) ([]storage.RetentionRow, error) {
	start := time.Now()
	rows, err := a.retention.ComputeForDay(ctx, day)
	metrics.RollupDuration.WithLabelValues(string(KindRetention)).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.RollupRecomputes.WithLabelValues(string(KindRetention), "error").Inc()
		return rows, err
	}
	metrics.RollupRecomputes.WithLabelValues(string(KindRetention), "success").Inc()

	if a.notifier != nil && len(rows) > 0 {
		a.notifier.Notify(Notification{
			Kind:       KindRetention,
			Period:     window.FormatDate(window.Truncate(day)),
			ComputedAt: rows[0].ComputedAt,
		})
	}
	return rows, nil
}

// compute scans r once and upserts the whole row for period.
func (a *Aggregator) compute(ctx context.Context, g storage.Granularity, period time.Time, r window.Range) (storage.Rollup, error) {
	start := time.Now()
	row, err := a.aggregate(ctx, g, period, r)
	metrics.RollupDuration.WithLabelValues(string(g)).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.RollupRecomputes.WithLabelValues(string(g), "error").Inc()
		return storage.Rollup{}, err
	}
	metrics.RollupRecomputes.WithLabelValues(string(g), "success").Inc()

	logging.Ctx(ctx).Debug().
		Str("granularity", string(g)).
		Str("period", window.FormatDate(period)).
		Int64("active_users", row.ActiveUsers).
		Dur("took", time.Since(start)).
		Msg("Rollup recomputed")

	if a.notifier != nil {
		a.notifier.Notify(Notification{
			Kind:       Kind(g),
			Period:     Task{Kind: Kind(g), Period: period}.Label(),
			ComputedAt: row.ComputedAt,
		})
	}
	return row, nil
}

func (a *Aggregator) aggregate(ctx context.Context, g storage.Granularity, period time.Time, r window.Range) (storage.Rollup, error) {
	active := make(map[int64]struct{})
	assistant := make(map[int64]struct{})
	row := storage.Rollup{Granularity: g, Period: period}

	err := a.store.ScanEvents(ctx, r, func(e event.Event) error {
		if !e.OK() {
			return nil
		}
		if e.UserID != nil {
			active[*e.UserID] = struct{}{}
		}
		switch event.Classify(e.Name) {
		case event.MetricAssistantActive:
			if e.UserID != nil {
				assistant[*e.UserID] = struct{}{}
			}
		case event.MetricCheckin:
			row.Checkins++
		case event.MetricRisk:
			switch e.Level {
			case event.LevelMild:
				row.RiskMild++
			case event.LevelModerate:
				row.RiskModerate++
			case event.LevelRisk:
				row.RiskRisk++
			case event.LevelHighRisk:
				row.RiskHigh++
			}
		}
		return nil
	})
	if err != nil {
		return storage.Rollup{}, fmt.Errorf("scan %s %s: %w", g, r, err)
	}

	signups, err := a.store.AccountsCreated(ctx, r)
	if err != nil {
		return storage.Rollup{}, fmt.Errorf("count signups %s: %w", r, err)
	}

	row.ActiveUsers = int64(len(active))
	row.AssistantActiveUsers = int64(len(assistant))
	row.NewSignups = int64(len(signups))
	row.ComputedAt = a.now().UTC().Truncate(time.Millisecond)

	if err := a.store.UpsertRollup(ctx, row); err != nil {
		return storage.Rollup{}, fmt.Errorf("upsert %s rollup %s: %w", g, window.FormatDate(period), err)
	}
	return row, nil
}

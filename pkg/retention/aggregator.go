// Package retention computes D1/D7/D30 signup-cohort retention.
//
// For a target day T and window w the cohort is every account created on
// day T-w. A member has returned when they have any ok event inside T.
// Rows are recomputed from the event log and replaced wholesale, so a
// rerun over unchanged data writes identical values.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/nicktill/tinykpi/pkg/event"
	"github.com/nicktill/tinykpi/pkg/logging"
	"github.com/nicktill/tinykpi/pkg/storage"
	"github.com/nicktill/tinykpi/pkg/window"
)

// Store is the subset of storage the aggregator reads and writes.
type Store interface {
	storage.EventStore
	storage.AccountStore
	storage.RollupStore
}

// Aggregator writes retention rows.
type Aggregator struct {
	store Store
	cal   window.Calendar
	now   func() time.Time
}

// New creates a retention aggregator using cal for day boundaries.
func New(store Store, cal window.Calendar) *Aggregator {
	return &Aggregator{store: store, cal: cal, now: time.Now}
}

// ComputeForDay recomputes the D1, D7 and D30 rows whose return day is
// target. It returns the rows written, one per window.
func (a *Aggregator) ComputeForDay(ctx context.Context, target time.Time) ([]storage.RetentionRow, error) {
	target = window.Truncate(target)

	returners, err := a.activeUsers(ctx, a.cal.Day(target))
	if err != nil {
		return nil, fmt.Errorf("scan return day %s: %w", window.FormatDate(target), err)
	}

	computedAt := a.now().UTC().Truncate(time.Millisecond)
	rows := make([]storage.RetentionRow, 0, len(Windows))
	for _, w := range Windows {
		cohortDay := target.AddDate(0, 0, -int(w))
		cohort, err := a.store.AccountsCreated(ctx, a.cal.Day(cohortDay))
		if err != nil {
			return rows, fmt.Errorf("load cohort %s: %w", window.FormatDate(cohortDay), err)
		}

		row := storage.RetentionRow{
			CohortDay:  cohortDay,
			Window:     int(w),
			UsersTotal: int64(len(cohort)),
			ComputedAt: computedAt,
		}
		if row.UsersTotal > 0 {
			for _, id := range cohort {
				if _, ok := returners[id]; ok {
					row.UsersReturned++
				}
			}
			row.Rate = int64(ComputeRate(row.UsersReturned, row.UsersTotal))
		}

		if err := a.store.UpsertRetention(ctx, row); err != nil {
			return rows, fmt.Errorf("upsert retention %s %s: %w", window.FormatDate(cohortDay), w, err)
		}
		rows = append(rows, row)
	}

	logging.Ctx(ctx).Debug().
		Str("day", window.FormatDate(target)).
		Int("returners", len(returners)).
		Msg("Retention recomputed")
	return rows, nil
}

// activeUsers returns the distinct user ids with an ok event in r.
func (a *Aggregator) activeUsers(ctx context.Context, r window.Range) (map[int64]struct{}, error) {
	users := make(map[int64]struct{})
	err := a.store.ScanEvents(ctx, r, func(e event.Event) error {
		if e.UserID != nil && e.OK() {
			users[*e.UserID] = struct{}{}
		}
		return nil
	})
	return users, err
}

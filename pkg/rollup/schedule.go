package rollup

import (
	"context"
	"time"

	"github.com/nicktill/tinykpi/pkg/logging"
	"github.com/nicktill/tinykpi/pkg/window"
)

// DefaultTrailingDays is how many past days a scheduled run recomputes.
const DefaultTrailingDays = 3

// Plan returns the tasks of a scheduled run at now: the trailing days
// (daily and retention, most recent first), the current and previous month,
// and the current and previous year. Today itself is not final yet and is
// left to the debug recompute.
func Plan(cal window.Calendar, now time.Time, trailingDays int) []Task {
	if trailingDays <= 0 {
		trailingDays = DefaultTrailingDays
	}
	today := cal.Today(now)

	tasks := make([]Task, 0, 2*trailingDays+4)
	for i := 1; i <= trailingDays; i++ {
		day := today.AddDate(0, 0, -i)
		tasks = append(tasks, Task{Kind: KindDaily, Period: day}, Task{Kind: KindRetention, Period: day})
	}

	month := window.MonthStart(today)
	tasks = append(tasks,
		Task{Kind: KindMonthly, Period: month},
		Task{Kind: KindMonthly, Period: month.AddDate(0, -1, 0)},
		Task{Kind: KindYearly, Period: window.Date(today.Year(), time.January, 1)},
		Task{Kind: KindYearly, Period: window.Date(today.Year()-1, time.January, 1)},
	)
	return tasks
}

// Run executes tasks in order. A failing task is logged and recorded in the
// report; it never stops the remaining tasks.
func (a *Aggregator) Run(ctx context.Context, tasks []Task) Report {
	report := Report{Started: a.now()}
	log := logging.Ctx(ctx)

	for _, task := range tasks {
		if err := ctx.Err(); err != nil {
			report.Failed = append(report.Failed, Failure{Task: task, Err: err})
			continue
		}
		if err := a.RunTask(ctx, task); err != nil {
			log.Error().Err(err).
				Str("granularity", string(task.Kind)).
				Str("period", task.Label()).
				Msg("Period recompute failed")
			report.Failed = append(report.Failed, Failure{Task: task, Err: err})
			continue
		}
		report.Succeeded = append(report.Succeeded, task)
	}

	report.Finished = a.now()
	return report
}

// RunTask recomputes a single task.
func (a *Aggregator) RunTask(ctx context.Context, task Task) error {
	var err error
	switch task.Kind {
	case KindDaily:
		_, err = a.ComputeDaily(ctx, task.Period)
	case KindMonthly:
		_, err = a.ComputeMonthly(ctx, task.Period)
	case KindYearly:
		_, err = a.ComputeYearly(ctx, task.Period.Year())
	case KindRetention:
		_, err = a.ComputeRetention(ctx, task.Period)
	default:
		err = &UnknownKindError{Kind: task.Kind}
	}
	return err
}

// RunScheduled runs the scheduled plan for now.
func (a *Aggregator) RunScheduled(ctx context.Context, now time.Time, trailingDays int) Report {
	return a.Run(ctx, Plan(a.cal, now, trailingDays))
}

// RecomputeToday recomputes today's daily and retention rows plus the
// current month and year.
func (a *Aggregator) RecomputeToday(ctx context.Context, now time.Time) Report {
	today := a.cal.Today(now)
	return a.Run(ctx, []Task{
		{Kind: KindDaily, Period: today},
		{Kind: KindRetention, Period: today},
		{Kind: KindMonthly, Period: window.MonthStart(today)},
		{Kind: KindYearly, Period: window.Date(today.Year(), time.January, 1)},
	})
}

// UnknownKindError is returned for a Task with an unrecognized kind.
type UnknownKindError struct {
	Kind Kind
}

func (e *UnknownKindError) Error() string {
	return "rollup: unknown task kind " + string(e.Kind)
}

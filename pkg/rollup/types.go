package rollup

import (
	"time"

	"github.com/nicktill/tinykpi/pkg/storage"
	"github.com/nicktill/tinykpi/pkg/window"
)

// Kind is what a Task recomputes: a rollup granularity or retention.
type Kind string

const (
	KindDaily     Kind = Kind(storage.Daily)
	KindMonthly   Kind = Kind(storage.Monthly)
	KindYearly    Kind = Kind(storage.Yearly)
	KindRetention Kind = "retention"
)

// Task is one independently recomputed period. Period is the civil day,
// month start or January 1st; for retention it is the return day.
type Task struct {
	Kind   Kind
	Period time.Time
}

func (t Task) String() string {
	return string(t.Kind) + "/" + t.Label()
}

// Label renders the period the way the admin API accepts it.
func (t Task) Label() string {
	switch t.Kind {
	case KindMonthly:
		return t.Period.Format("2006-01")
	case KindYearly:
		return t.Period.Format("2006")
	default:
		return window.FormatDate(t.Period)
	}
}

// Failure is a task that returned an error.
type Failure struct {
	Task Task
	Err  error
}

// Report summarizes one batch run.
type Report struct {
	Started   time.Time
	Finished  time.Time
	Succeeded []Task
	Failed    []Failure
}

// OK reports whether every task succeeded.
func (r Report) OK() bool {
	return len(r.Failed) == 0
}

// FailedTasks returns the tasks to retry.
func (r Report) FailedTasks() []Task {
	tasks := make([]Task, len(r.Failed))
	for i, f := range r.Failed {
		tasks[i] = f.Task
	}
	return tasks
}

// Notification announces a freshly written row.
type Notification struct {
	Kind       Kind      `json:"granularity"`
	Period     string    `json:"period"`
	ComputedAt time.Time `json:"computedAt"`
}

// Notifier receives a Notification after every successful recompute.
// Notify must not block.
type Notifier interface {
	Notify(Notification)
}

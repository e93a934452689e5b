package storage

import (
	"context"
	"errors"
	"time"

	"github.com/nicktill/tinykpi/pkg/event"
	"github.com/nicktill/tinykpi/pkg/window"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("storage: closed")

// EventStore is the append-only event log.
type EventStore interface {
	// InsertEvent stores e and returns its id. If e.IdempotencyKey is set and
	// already stored, nothing is written and the original id is returned with
	// dedup true. Detection happens inside the insert itself.
	InsertEvent(ctx context.Context, e *event.Event) (id int64, dedup bool, err error)

	// LookupIdempotencyKey returns the id stored under key, if any. Read-only.
	LookupIdempotencyKey(ctx context.Context, key string) (id int64, found bool, err error)

	// ScanEvents calls fn for every committed event with r.Start <= Time < r.End.
	ScanEvents(ctx context.Context, r window.Range, fn func(event.Event) error) error
}

// AccountStore mirrors the platform's account table.
type AccountStore interface {
	UpsertAccount(ctx context.Context, a Account) error

	// AccountsCreated returns the ids of accounts created inside r.
	AccountsCreated(ctx context.Context, r window.Range) ([]int64, error)
}

// RollupStore holds derived rows. Every write replaces the whole row.
type RollupStore interface {
	UpsertRollup(ctx context.Context, r Rollup) error

	// Rollups returns rows with from <= Period <= to, ordered by period.
	Rollups(ctx context.Context, g Granularity, from, to time.Time) ([]Rollup, error)

	UpsertRetention(ctx context.Context, r RetentionRow) error

	// Retention returns rows with cohortFrom <= CohortDay <= cohortTo,
	// ordered by cohort day then window.
	Retention(ctx context.Context, cohortFrom, cohortTo time.Time) ([]RetentionRow, error)
}

// Store is implemented by every backend: memory (tests), badger (embedded,
// default) and sqlite (relational).
type Store interface {
	EventStore
	AccountStore
	RollupStore

	Stats(ctx context.Context) (*Stats, error)
	Close() error
}

// Stats provides storage health and usage info.
type Stats struct {
	TotalEvents   uint64
	TotalAccounts uint64
	RollupRows    uint64
	RetentionRows uint64
	SizeBytes     uint64
	OldestEvent   time.Time
	NewestEvent   time.Time
}

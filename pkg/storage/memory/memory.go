package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nicktill/tinykpi/pkg/event"
	"github.com/nicktill/tinykpi/pkg/storage"
	"github.com/nicktill/tinykpi/pkg/window"
)

// Storage keeps everything in memory. Data is lost on restart.
// Useful for testing and development.
type Storage struct {
	mu sync.RWMutex

	events   []event.Event
	byKey    map[string]int64
	nextID   int64
	accounts map[int64]storage.Account

	rollups   map[rollupKey]storage.Rollup
	retention map[retentionKey]storage.RetentionRow

	closed bool
}

type rollupKey struct {
	g      storage.Granularity
	period time.Time
}

type retentionKey struct {
	cohort time.Time
	window int
}

// New creates an in-memory storage backend
func New() *Storage {
	return &Storage{
		events:    make([]event.Event, 0, 1024),
		byKey:     make(map[string]int64),
		accounts:  make(map[int64]storage.Account),
		rollups:   make(map[rollupKey]storage.Rollup),
		retention: make(map[retentionKey]storage.RetentionRow),
	}
}

// InsertEvent checks the idempotency key and appends in one critical section.
func (s *Storage) InsertEvent(ctx context.Context, e *event.Event) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, false, storage.ErrClosed
	}

	if e.IdempotencyKey != "" {
		if id, ok := s.byKey[e.IdempotencyKey]; ok {
			return id, true, nil
		}
	}

	s.nextID++
	e.ID = s.nextID
	stored := *e
	stored.Metadata = append([]byte(nil), e.Metadata...)
	s.events = append(s.events, stored)
	if e.IdempotencyKey != "" {
		s.byKey[e.IdempotencyKey] = e.ID
	}
	return e.ID, false, nil
}

func (s *Storage) LookupIdempotencyKey(ctx context.Context, key string) (int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, false, storage.ErrClosed
	}
	id, ok := s.byKey[key]
	return id, ok, nil
}

// ScanEvents copies matching events under the read lock, then calls fn
// without holding it.
func (s *Storage) ScanEvents(ctx context.Context, r window.Range, fn func(event.Event) error) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return storage.ErrClosed
	}
	var matched []event.Event
	for _, e := range s.events {
		if r.Contains(e.Time) {
			matched = append(matched, e)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool { return matched[i].Time.Before(matched[j].Time) })
	for _, e := range matched {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (s *Storage) UpsertAccount(ctx context.Context, a storage.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	a.CreatedAt = a.CreatedAt.UTC()
	s.accounts[a.ID] = a
	return nil
}

func (s *Storage) AccountsCreated(ctx context.Context, r window.Range) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	var ids []int64
	for id, a := range s.accounts {
		if r.Contains(a.CreatedAt) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *Storage) UpsertRollup(ctx context.Context, r storage.Rollup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	if r.AvgSessionSeconds != nil {
		v := *r.AvgSessionSeconds
		r.AvgSessionSeconds = &v
	}
	s.rollups[rollupKey{r.Granularity, r.Period}] = r
	return nil
}

func (s *Storage) Rollups(ctx context.Context, g storage.Granularity, from, to time.Time) ([]storage.Rollup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	var rows []storage.Rollup
	for k, r := range s.rollups {
		if k.g == g && !k.period.Before(from) && !k.period.After(to) {
			rows = append(rows, r)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Period.Before(rows[j].Period) })
	return rows, nil
}

func (s *Storage) UpsertRetention(ctx context.Context, r storage.RetentionRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	s.retention[retentionKey{r.CohortDay, r.Window}] = r
	return nil
}

func (s *Storage) Retention(ctx context.Context, cohortFrom, cohortTo time.Time) ([]storage.RetentionRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	var rows []storage.RetentionRow
	for k, r := range s.retention {
		if !k.cohort.Before(cohortFrom) && !k.cohort.After(cohortTo) {
			rows = append(rows, r)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].CohortDay.Equal(rows[j].CohortDay) {
			return rows[i].CohortDay.Before(rows[j].CohortDay)
		}
		return rows[i].Window < rows[j].Window
	})
	return rows, nil
}

// Stats returns storage statistics
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &storage.Stats{
		TotalEvents:   uint64(len(s.events)),
		TotalAccounts: uint64(len(s.accounts)),
		RollupRows:    uint64(len(s.rollups)),
		RetentionRows: uint64(len(s.retention)),
	}
	for _, e := range s.events {
		if stats.OldestEvent.IsZero() || e.Time.Before(stats.OldestEvent) {
			stats.OldestEvent = e.Time
		}
		if e.Time.After(stats.NewestEvent) {
			stats.NewestEvent = e.Time
		}
	}
	return stats, nil
}

// Close marks the store closed; later calls return storage.ErrClosed.
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

package badger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/goccy/go-json"

	"github.com/nicktill/tinykpi/pkg/event"
	"github.com/nicktill/tinykpi/pkg/logging"
	"github.com/nicktill/tinykpi/pkg/storage"
	"github.com/nicktill/tinykpi/pkg/window"
)

// maxConflictRetries bounds re-runs of an insert after badger.ErrConflict.
const maxConflictRetries = 5

// Storage implements storage.Store on BadgerDB.
type Storage struct {
	db  *badger.DB
	seq *badger.Sequence
}

// Config holds BadgerDB configuration
type Config struct {
	// Path to store database files
	Path string

	// InMemory mode (for testing)
	InMemory bool

	// MaxMemoryMB limits BadgerDB memory usage in MB (0 = laptop defaults)
	MaxMemoryMB int64
}

// New opens (or creates) a BadgerDB store.
func New(cfg Config) (*Storage, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	// 16 MB memtable is the floor; below it flushes get excessive.
	memTableSize := int64(16 << 20)
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB << 20 / 3
	}

	// CRITICAL: block and index caches are unbounded unless set.
	opts = opts.
		WithLogger(badgerLogger{}).
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		WithBlockCacheSize(memTableSize / 2).
		WithIndexCacheSize(memTableSize / 4).
		WithMaxLevels(4).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithNumCompactors(2). // badger refuses fewer than 2
		WithValueLogMaxEntries(5000).
		WithValueLogFileSize(64 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	seq, err := db.GetSequence(seqEventKey, 100)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to open event id sequence: %w", err)
	}

	return &Storage{db: db, seq: seq}, nil
}

// InsertEvent writes the event and its idempotency index entry in one
// transaction. The index key is read inside the same transaction, so two
// concurrent inserts with one key conflict at commit; the loser re-runs and
// finds the winner's id.
func (s *Storage) InsertEvent(ctx context.Context, e *event.Event) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}

	type insertResult struct {
		id    int64
		dedup bool
		err   error
	}
	done := make(chan insertResult, 1)

	go func() {
		var res insertResult
		res.id, res.dedup, res.err = s.insertRetrying(e, s.insertOnce)
		done <- res
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return 0, false, res.err
		}
		e.ID = res.id
		return res.id, res.dedup, nil
	case <-ctx.Done():
		return 0, false, fmt.Errorf("insert operation cancelled: %w", ctx.Err())
	}
}

// insertRetrying re-runs once while it reports badger.ErrConflict, at most
// maxConflictRetries times. When the retries run out on a keyed event, the
// key index is read one last time: a burst of same-key submissions always
// has a committed winner to report.
func (s *Storage) insertRetrying(e *event.Event, once func(*event.Event) (int64, bool, error)) (int64, bool, error) {
	var (
		id    int64
		dedup bool
		err   error
	)
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		id, dedup, err = once(e)
		if !errors.Is(err, badger.ErrConflict) {
			return id, dedup, err
		}
	}
	if e.IdempotencyKey == "" {
		return 0, false, err
	}
	winner, found, lookupErr := s.LookupIdempotencyKey(context.Background(), e.IdempotencyKey)
	if lookupErr != nil {
		return 0, false, fmt.Errorf("lookup after %d conflicts: %w", maxConflictRetries, lookupErr)
	}
	if !found {
		return 0, false, err
	}
	return winner, true, nil
}

func (s *Storage) insertOnce(e *event.Event) (int64, bool, error) {
	var (
		id    int64
		dedup bool
	)
	err := s.db.Update(func(txn *badger.Txn) error {
		if e.IdempotencyKey != "" {
			item, err := txn.Get(idempotencyKey(e.IdempotencyKey))
			switch {
			case err == nil:
				return item.Value(func(val []byte) error {
					id = decodeID(val)
					dedup = true
					return nil
				})
			case !errors.Is(err, badger.ErrKeyNotFound):
				return err
			}
		}

		next, err := s.seq.Next()
		if err != nil {
			return fmt.Errorf("failed to allocate event id: %w", err)
		}
		id = int64(next) + 1

		stored := *e
		stored.ID = id
		value, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("failed to encode event: %w", err)
		}
		if err := txn.Set(eventKey(e.Time, id), value); err != nil {
			return err
		}
		if e.IdempotencyKey != "" {
			return txn.Set(idempotencyKey(e.IdempotencyKey), encodeID(id))
		}
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return id, dedup, nil
}

func (s *Storage) LookupIdempotencyKey(ctx context.Context, key string) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	var (
		id    int64
		found bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(idempotencyKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			id = decodeID(val)
			return nil
		})
	})
	return id, found, err
}

// ScanEvents walks the time-ordered event keys from r.Start up to r.End.
// CRITICAL: checks ctx every 1000 keys so long scans don't block shutdown.
func (s *Storage) ScanEvents(ctx context.Context, r window.Range, fn func(event.Event) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	startTime := time.Now()
	end := eventKeyPrefix(r.End)

	var iterCount int
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixEvent)
		opts.PrefetchSize = 100
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(eventKeyPrefix(r.Start)); it.Valid(); it.Next() {
			item := it.Item()
			if compareKeys(item.Key(), end) >= 0 {
				break
			}

			iterCount++
			if iterCount%1000 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}

			var e event.Event
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return fmt.Errorf("failed to decode event: %w", err)
			}
			if err := fn(e); err != nil {
				return err
			}
		}
		return nil
	})

	if elapsed := time.Since(startTime); elapsed > 5*time.Second {
		logging.Warn().Dur("elapsed", elapsed).Int("events", iterCount).Str("range", r.String()).Msg("Slow event scan")
	}
	return err
}

// UpsertAccount replaces the account row and moves its created-at index entry.
func (s *Storage) UpsertAccount(ctx context.Context, a storage.Account) error {
	a.CreatedAt = a.CreatedAt.UTC()
	return s.update(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(accountKey(a.ID))
		switch {
		case err == nil:
			var old storage.Account
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &old) }); err != nil {
				return fmt.Errorf("failed to decode account: %w", err)
			}
			if err := txn.Delete(accountCreatedKey(old.CreatedAt, old.ID)); err != nil {
				return err
			}
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}

		value, err := json.Marshal(a)
		if err != nil {
			return err
		}
		if err := txn.Set(accountKey(a.ID), value); err != nil {
			return err
		}
		return txn.Set(accountCreatedKey(a.CreatedAt, a.ID), nil)
	})
}

func (s *Storage) AccountsCreated(ctx context.Context, r window.Range) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var ids []int64
	end := accountCreatedPrefix(r.End)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixAccountCreated)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(accountCreatedPrefix(r.Start)); it.Valid(); it.Next() {
			key := it.Item().Key()
			if compareKeys(key, end) >= 0 {
				break
			}
			ids = append(ids, idFromCreatedKey(key))
		}
		return nil
	})
	return ids, err
}

func (s *Storage) UpsertRollup(ctx context.Context, r storage.Rollup) error {
	value, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode rollup: %w", err)
	}
	return s.update(ctx, func(txn *badger.Txn) error {
		return txn.Set(rollupKey(r.Granularity, r.Period), value)
	})
}

func (s *Storage) Rollups(ctx context.Context, g storage.Granularity, from, to time.Time) ([]storage.Rollup, error) {
	var rows []storage.Rollup
	err := s.scanRange(ctx, rollupPrefix(g), rollupKey(g, from), rollupKey(g, to), func(val []byte) error {
		var r storage.Rollup
		if err := json.Unmarshal(val, &r); err != nil {
			return fmt.Errorf("failed to decode rollup: %w", err)
		}
		rows = append(rows, r)
		return nil
	})
	return rows, err
}

func (s *Storage) UpsertRetention(ctx context.Context, r storage.RetentionRow) error {
	value, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode retention row: %w", err)
	}
	return s.update(ctx, func(txn *badger.Txn) error {
		return txn.Set(retentionKey(r.CohortDay, r.Window), value)
	})
}

func (s *Storage) Retention(ctx context.Context, cohortFrom, cohortTo time.Time) ([]storage.RetentionRow, error) {
	var rows []storage.RetentionRow
	last := append(retentionDayPrefix(cohortTo), 0xff)
	err := s.scanRange(ctx, []byte(prefixRetention), retentionDayPrefix(cohortFrom), last, func(val []byte) error {
		var r storage.RetentionRow
		if err := json.Unmarshal(val, &r); err != nil {
			return fmt.Errorf("failed to decode retention row: %w", err)
		}
		rows = append(rows, r)
		return nil
	})
	return rows, err
}

// scanRange visits values with first <= key <= last under prefix.
func (s *Storage) scanRange(ctx context.Context, prefix, first, last []byte, fn func(val []byte) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(first); it.Valid(); it.Next() {
			item := it.Item()
			if compareKeys(item.Key(), last) > 0 {
				break
			}
			if err := item.Value(fn); err != nil {
				return err
			}
		}
		return nil
	})
}

// update runs fn in a read-write transaction.
// CRITICAL: Enforces context timeout/cancellation to prevent indefinite blocking
func (s *Storage) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- s.db.Update(fn)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("write operation cancelled: %w", ctx.Err())
	}
}

// Close releases the id sequence and shuts down BadgerDB cleanly.
func (s *Storage) Close() error {
	if err := s.seq.Release(); err != nil {
		logging.Warn().Err(err).Msg("Failed to release event id sequence")
	}
	return s.db.Close()
}

// RunGC runs BadgerDB's value log garbage collection.
// discardRatio: run GC if this fraction of a file can be discarded (0.5 = 50%).
// Returns badger.ErrNoRewrite when there was nothing to collect.
func (s *Storage) RunGC(discardRatio float64) error {
	return s.db.RunValueLogGC(discardRatio)
}

// Stats counts rows per record family with a key-only pass.
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stats := &storage.Stats{}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		var iterCount int
		for it.Rewind(); it.Valid(); it.Next() {
			iterCount++
			if iterCount%1000 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}

			key := it.Item().Key()
			switch keyFamily(key) {
			case prefixEvent:
				stats.TotalEvents++
				ts := timeFromEventKey(key)
				if stats.OldestEvent.IsZero() || ts.Before(stats.OldestEvent) {
					stats.OldestEvent = ts
				}
				if ts.After(stats.NewestEvent) {
					stats.NewestEvent = ts
				}
			case prefixAccount:
				stats.TotalAccounts++
			case prefixRollup:
				stats.RollupRows++
			case prefixRetention:
				stats.RetentionRows++
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	lsmSize, vlogSize := s.db.Size()
	stats.SizeBytes = uint64(lsmSize + vlogSize)
	return stats, nil
}

// Package sqlite is the relational storage backend. Idempotency rides on
// the UNIQUE constraint of events.idempotency_key.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/nicktill/tinykpi/pkg/event"
	"github.com/nicktill/tinykpi/pkg/storage"
	"github.com/nicktill/tinykpi/pkg/storage/sqlite/migrations"
	"github.com/nicktill/tinykpi/pkg/window"
)

// Storage implements storage.Store on SQLite.
type Storage struct {
	db *sql.DB
}

var rollupTables = map[storage.Granularity]string{
	storage.Daily:   "metrics_daily",
	storage.Monthly: "metrics_monthly",
	storage.Yearly:  "metrics_yearly",
}

// Open opens the database file at path and applies migrations.
func Open(path string) (*Storage, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(context.Background(), db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Storage{db: db}, nil
}

// InsertEvent issues a single INSERT. A UNIQUE violation on the idempotency
// key means the event already exists; its id is then read back.
func (s *Storage) InsertEvent(ctx context.Context, e *event.Event) (int64, bool, error) {
	res, err := s.db.ExecContext(ctx, `
INSERT INTO events (user_id, event_name, event_time, status, level, session_id, channel, idempotency_key, meta, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nullInt(e.UserID), e.Name, e.Time.UnixMilli(), e.Status,
		nullString(string(e.Level)), nullString(e.SessionID), nullString(e.Channel),
		nullString(e.IdempotencyKey), string(e.Metadata), e.CreatedAt.UnixMilli(),
	)
	if err != nil {
		if e.IdempotencyKey != "" && isUniqueConstraintError(err) {
			id, found, lookupErr := s.LookupIdempotencyKey(ctx, e.IdempotencyKey)
			if lookupErr != nil {
				return 0, false, fmt.Errorf("read duplicate event id: %w", lookupErr)
			}
			if !found {
				return 0, false, fmt.Errorf("idempotency key %q conflicted but no row found", e.IdempotencyKey)
			}
			e.ID = id
			return id, true, nil
		}
		return 0, false, fmt.Errorf("insert event: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, false, fmt.Errorf("read event id: %w", err)
	}
	e.ID = id
	return id, false, nil
}

func (s *Storage) LookupIdempotencyKey(ctx context.Context, key string) (int64, bool, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT id FROM events WHERE idempotency_key = ?`, key).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func (s *Storage) ScanEvents(ctx context.Context, r window.Range, fn func(event.Event) error) error {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, user_id, event_name, event_time, status, level, session_id, channel, idempotency_key, meta, created_at
  FROM events
 WHERE event_time >= ? AND event_time < ?
 ORDER BY event_time, id`,
		r.Start.UnixMilli(), r.End.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("scan events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e                                   event.Event
			userID                              sql.NullInt64
			level, session, channel, idempotent sql.NullString
			meta                                string
			eventMillis, createdMillis          int64
		)
		if err := rows.Scan(&e.ID, &userID, &e.Name, &eventMillis, &e.Status, &level, &session, &channel, &idempotent, &meta, &createdMillis); err != nil {
			return fmt.Errorf("scan event row: %w", err)
		}
		if userID.Valid {
			uid := userID.Int64
			e.UserID = &uid
		}
		e.Time = time.UnixMilli(eventMillis).UTC()
		e.CreatedAt = time.UnixMilli(createdMillis).UTC()
		e.Level = event.Level(level.String)
		e.SessionID = session.String
		e.Channel = channel.String
		e.IdempotencyKey = idempotent.String
		e.Metadata = []byte(meta)

		if err := fn(e); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *Storage) UpsertAccount(ctx context.Context, a storage.Account) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO accounts (id, created_at) VALUES (?, ?)
ON CONFLICT(id) DO UPDATE SET created_at = excluded.created_at`,
		a.ID, a.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert account: %w", err)
	}
	return nil
}

func (s *Storage) AccountsCreated(ctx context.Context, r window.Range) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM accounts WHERE created_at >= ? AND created_at < ? ORDER BY id`,
		r.Start.UnixMilli(), r.End.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpsertRollup replaces every column of the period's row in one statement.
func (s *Storage) UpsertRollup(ctx context.Context, r storage.Rollup) error {
	table, ok := rollupTables[r.Granularity]
	if !ok {
		return fmt.Errorf("unknown granularity %q", r.Granularity)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO `+table+` (period, active_users, new_signups, ai_active_users,
    mild_event_count, moderate_event_count, risk_event_count, high_risk_event_count,
    checkin_count, avg_session_sec, computed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(period) DO UPDATE SET
    active_users = excluded.active_users,
    new_signups = excluded.new_signups,
    ai_active_users = excluded.ai_active_users,
    mild_event_count = excluded.mild_event_count,
    moderate_event_count = excluded.moderate_event_count,
    risk_event_count = excluded.risk_event_count,
    high_risk_event_count = excluded.high_risk_event_count,
    checkin_count = excluded.checkin_count,
    avg_session_sec = excluded.avg_session_sec,
    computed_at = excluded.computed_at`,
		window.FormatDate(r.Period), r.ActiveUsers, r.NewSignups, r.AssistantActiveUsers,
		r.RiskMild, r.RiskModerate, r.RiskRisk, r.RiskHigh,
		r.Checkins, nullInt(r.AvgSessionSeconds), r.ComputedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert %s rollup: %w", r.Granularity, err)
	}
	return nil
}

func (s *Storage) Rollups(ctx context.Context, g storage.Granularity, from, to time.Time) ([]storage.Rollup, error) {
	table, ok := rollupTables[g]
	if !ok {
		return nil, fmt.Errorf("unknown granularity %q", g)
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT period, active_users, new_signups, ai_active_users,
       mild_event_count, moderate_event_count, risk_event_count, high_risk_event_count,
       checkin_count, avg_session_sec, computed_at
  FROM `+table+`
 WHERE period BETWEEN ? AND ?
 ORDER BY period`,
		window.FormatDate(from), window.FormatDate(to),
	)
	if err != nil {
		return nil, fmt.Errorf("query %s rollups: %w", g, err)
	}
	defer rows.Close()

	var out []storage.Rollup
	for rows.Next() {
		var (
			r        = storage.Rollup{Granularity: g}
			period   string
			avg      sql.NullInt64
			computed int64
		)
		if err := rows.Scan(&period, &r.ActiveUsers, &r.NewSignups, &r.AssistantActiveUsers,
			&r.RiskMild, &r.RiskModerate, &r.RiskRisk, &r.RiskHigh,
			&r.Checkins, &avg, &computed); err != nil {
			return nil, err
		}
		if r.Period, err = window.ParseDate(period); err != nil {
			return nil, err
		}
		if avg.Valid {
			v := avg.Int64
			r.AvgSessionSeconds = &v
		}
		r.ComputedAt = time.UnixMilli(computed).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Storage) UpsertRetention(ctx context.Context, r storage.RetentionRow) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO metrics_retention (cohort_day, ret_window, users_total, users_returned, rate, computed_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(cohort_day, ret_window) DO UPDATE SET
    users_total = excluded.users_total,
    users_returned = excluded.users_returned,
    rate = excluded.rate,
    computed_at = excluded.computed_at`,
		window.FormatDate(r.CohortDay), r.Window, r.UsersTotal, r.UsersReturned, r.Rate, r.ComputedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert retention: %w", err)
	}
	return nil
}

func (s *Storage) Retention(ctx context.Context, cohortFrom, cohortTo time.Time) ([]storage.RetentionRow, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT cohort_day, ret_window, users_total, users_returned, rate, computed_at
  FROM metrics_retention
 WHERE cohort_day BETWEEN ? AND ?
 ORDER BY cohort_day, ret_window`,
		window.FormatDate(cohortFrom), window.FormatDate(cohortTo),
	)
	if err != nil {
		return nil, fmt.Errorf("query retention: %w", err)
	}
	defer rows.Close()

	var out []storage.RetentionRow
	for rows.Next() {
		var (
			r        storage.RetentionRow
			cohort   string
			computed int64
		)
		if err := rows.Scan(&cohort, &r.Window, &r.UsersTotal, &r.UsersReturned, &r.Rate, &computed); err != nil {
			return nil, err
		}
		if r.CohortDay, err = window.ParseDate(cohort); err != nil {
			return nil, err
		}
		r.ComputedAt = time.UnixMilli(computed).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	stats := &storage.Stats{}

	var oldest, newest sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), MIN(event_time), MAX(event_time) FROM events`,
	).Scan(&stats.TotalEvents, &oldest, &newest); err != nil {
		return nil, fmt.Errorf("event stats: %w", err)
	}
	if oldest.Valid {
		stats.OldestEvent = time.UnixMilli(oldest.Int64).UTC()
		stats.NewestEvent = time.UnixMilli(newest.Int64).UTC()
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM accounts`).Scan(&stats.TotalAccounts); err != nil {
		return nil, fmt.Errorf("account stats: %w", err)
	}
	for _, table := range rollupTables {
		var n uint64
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n); err != nil {
			return nil, fmt.Errorf("rollup stats: %w", err)
		}
		stats.RollupRows += n
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM metrics_retention`).Scan(&stats.RetentionRows); err != nil {
		return nil, fmt.Errorf("retention stats: %w", err)
	}

	var pages, pageSize uint64
	if err := s.db.QueryRowContext(ctx, `SELECT page_count, page_size FROM pragma_page_count(), pragma_page_size()`).Scan(&pages, &pageSize); err == nil {
		stats.SizeBytes = pages * pageSize
	}
	return stats, nil
}

// Close releases the SQLite connection pool.
func (s *Storage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

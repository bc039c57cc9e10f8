// Package kvpersist is the write-behind persistence layer for the KV
// store (spec.md §6.4): `(string key, string jsonPayload)` rows plus a
// single-slot alarm deadline. Two concrete backends share one schema and
// interface: sqlite (default, file-based) and postgres (shared
// deployments). A circuit breaker degrades persistence to a no-op on a
// backing-store outage rather than blocking KV writes.
//
// Grounded on the teacher's internal/database/database.go (postgres via
// pgxpool, sqlite via database/sql), generalized from the blockchain
// backend's connection-pool setup to a tiny two-table KV mirror.
package kvpersist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const (
	createEntriesTableSQLite = `
CREATE TABLE IF NOT EXISTS kv_entries (
	key TEXT PRIMARY KEY,
	payload TEXT NOT NULL
)`
	createAlarmTableSQLite = `
CREATE TABLE IF NOT EXISTS kv_alarm (
	id INTEGER PRIMARY KEY CHECK (id = 0),
	deadline_unix_ms INTEGER
)`
	createEntriesTablePostgres = `
CREATE TABLE IF NOT EXISTS kv_entries (
	key TEXT PRIMARY KEY,
	payload TEXT NOT NULL
)`
	createAlarmTablePostgres = `
CREATE TABLE IF NOT EXISTS kv_alarm (
	id INTEGER PRIMARY KEY CHECK (id = 0),
	deadline_unix_ms BIGINT
)`
)

// Store persists KV entries and the alarm deadline. It structurally
// satisfies kvstore.Persister.
type Store struct {
	logger  *zap.Logger
	breaker *gobreaker.CircuitBreaker
	backend string

	// exactly one of these is set, depending on backend
	sqliteDB   *sql.DB
	postgresDB *pgxpool.Pool

	lastErrMu  sync.Mutex
	lastErr    error
	lastErrAt  time.Time
}

// NewSQLite opens (and migrates) a sqlite-backed Store at path.
func NewSQLite(path string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("kvpersist: open sqlite: %w", err)
	}
	if _, err := db.Exec(createEntriesTableSQLite); err != nil {
		return nil, fmt.Errorf("kvpersist: migrate sqlite entries table: %w", err)
	}
	if _, err := db.Exec(createAlarmTableSQLite); err != nil {
		return nil, fmt.Errorf("kvpersist: migrate sqlite alarm table: %w", err)
	}
	s := &Store{sqliteDB: db, logger: logger, backend: "sqlite"}
	s.breaker = newBreaker("kv-sqlite")
	return s, nil
}

// NewPostgres connects (and migrates) a postgres-backed Store using dsn.
func NewPostgres(ctx context.Context, dsn string, logger *zap.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("kvpersist: connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, createEntriesTablePostgres); err != nil {
		return nil, fmt.Errorf("kvpersist: migrate postgres entries table: %w", err)
	}
	if _, err := pool.Exec(ctx, createAlarmTablePostgres); err != nil {
		return nil, fmt.Errorf("kvpersist: migrate postgres alarm table: %w", err)
	}
	s := &Store{postgresDB: pool, logger: logger, backend: "postgres"}
	s.breaker = newBreaker("kv-postgres")
	return s, nil
}

// Backend returns the backend name ("sqlite" or "postgres"), surfaced by
// the `storage` command verb (SPEC_FULL.md §6.7).
func (s *Store) Backend() string {
	return s.backend
}

// LastError returns the error of the most recent write-path call (Save/
// Delete/SaveAlarm), which is nil once a later write has succeeded, and
// the time of the most recent failed write (zero if no write has failed).
func (s *Store) LastError() (error, time.Time) {
	s.lastErrMu.Lock()
	defer s.lastErrMu.Unlock()
	return s.lastErr, s.lastErrAt
}

func (s *Store) recordErr(err error) error {
	s.lastErrMu.Lock()
	s.lastErr = err
	if err != nil {
		s.lastErrAt = time.Now()
	}
	s.lastErrMu.Unlock()
	return err
}

func newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
}

// Save upserts one KV row.
func (s *Store) Save(ctx context.Context, key, jsonPayload string) error {
	_, err := s.breaker.Execute(func() (any, error) {
		if s.sqliteDB != nil {
			_, err := s.sqliteDB.ExecContext(ctx,
				`INSERT INTO kv_entries(key, payload) VALUES (?, ?)
				 ON CONFLICT(key) DO UPDATE SET payload = excluded.payload`,
				key, jsonPayload)
			return nil, err
		}
		_, err := s.postgresDB.Exec(ctx,
			`INSERT INTO kv_entries(key, payload) VALUES ($1, $2)
			 ON CONFLICT(key) DO UPDATE SET payload = excluded.payload`,
			key, jsonPayload)
		return nil, err
	})
	return s.recordErr(wrapBreakerErr(err))
}

// Delete removes one KV row. Idempotent.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.breaker.Execute(func() (any, error) {
		if s.sqliteDB != nil {
			_, err := s.sqliteDB.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = ?`, key)
			return nil, err
		}
		_, err := s.postgresDB.Exec(ctx, `DELETE FROM kv_entries WHERE key = $1`, key)
		return nil, err
	})
	return s.recordErr(wrapBreakerErr(err))
}

// LoadAll returns every persisted (key, jsonPayload) pair.
func (s *Store) LoadAll(ctx context.Context) (map[string]string, error) {
	out := make(map[string]string)
	_, err := s.breaker.Execute(func() (any, error) {
		if s.sqliteDB != nil {
			rows, err := s.sqliteDB.QueryContext(ctx, `SELECT key, payload FROM kv_entries`)
			if err != nil {
				return nil, err
			}
			defer rows.Close()
			for rows.Next() {
				var k, v string
				if err := rows.Scan(&k, &v); err != nil {
					continue
				}
				out[k] = v
			}
			return nil, rows.Err()
		}
		rows, err := s.postgresDB.Query(ctx, `SELECT key, payload FROM kv_entries`)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		for rows.Next() {
			var k, v string
			if err := rows.Scan(&k, &v); err != nil {
				continue
			}
			out[k] = v
		}
		return nil, rows.Err()
	})
	if err != nil {
		return nil, wrapBreakerErr(err)
	}
	return out, nil
}

// SaveAlarm persists the single-slot alarm deadline. deadline == nil
// clears it.
func (s *Store) SaveAlarm(ctx context.Context, deadline *time.Time) error {
	var ms *int64
	if deadline != nil {
		v := deadline.UnixMilli()
		ms = &v
	}
	_, err := s.breaker.Execute(func() (any, error) {
		if s.sqliteDB != nil {
			_, err := s.sqliteDB.ExecContext(ctx,
				`INSERT INTO kv_alarm(id, deadline_unix_ms) VALUES (0, ?)
				 ON CONFLICT(id) DO UPDATE SET deadline_unix_ms = excluded.deadline_unix_ms`,
				ms)
			return nil, err
		}
		_, err := s.postgresDB.Exec(ctx,
			`INSERT INTO kv_alarm(id, deadline_unix_ms) VALUES (0, $1)
			 ON CONFLICT(id) DO UPDATE SET deadline_unix_ms = excluded.deadline_unix_ms`,
			ms)
		return nil, err
	})
	return s.recordErr(wrapBreakerErr(err))
}

// LoadAlarm returns the persisted alarm deadline, or nil if none is set.
func (s *Store) LoadAlarm(ctx context.Context) (*time.Time, error) {
	var result *time.Time
	_, err := s.breaker.Execute(func() (any, error) {
		var ms sql.NullInt64
		var scanErr error
		if s.sqliteDB != nil {
			scanErr = s.sqliteDB.QueryRowContext(ctx, `SELECT deadline_unix_ms FROM kv_alarm WHERE id = 0`).Scan(&ms)
		} else {
			scanErr = s.postgresDB.QueryRow(ctx, `SELECT deadline_unix_ms FROM kv_alarm WHERE id = 0`).Scan(&ms)
		}
		if errors.Is(scanErr, sql.ErrNoRows) {
			return nil, nil
		}
		if scanErr != nil {
			return nil, scanErr
		}
		if ms.Valid {
			t := time.UnixMilli(ms.Int64)
			result = &t
		}
		return nil, nil
	})
	if err != nil {
		return nil, wrapBreakerErr(err)
	}
	return result, nil
}

// Close releases the backing connection(s).
func (s *Store) Close() error {
	if s.sqliteDB != nil {
		return s.sqliteDB.Close()
	}
	s.postgresDB.Close()
	return nil
}

func wrapBreakerErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("kvpersist: %w", err)
}

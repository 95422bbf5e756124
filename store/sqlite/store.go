// Package sqlite provides a SQLite-backed shared store. Several processes
// open the same database file; every mutation is appended to a change log
// that watchers poll by sequence number, which gives the cross-process
// change notification SQLite itself does not offer.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tailored-agentic-units/sysend/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS kv (
  key   TEXT PRIMARY KEY,
  value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS changes (
  seq        INTEGER PRIMARY KEY AUTOINCREMENT,
  key        TEXT NOT NULL,
  value      TEXT,
  removed    INTEGER NOT NULL DEFAULT 0,
  created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS changes_created_at ON changes (created_at);
`

const (
	defaultPollInterval = 25 * time.Millisecond
	defaultRetention    = time.Minute
)

// Option configures a Store.
type Option func(*Store)

// WithPollInterval sets how often watchers read the change log.
func WithPollInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithRetention sets how long change rows are kept before pruning. Watchers
// that fall further behind than this miss changes.
func WithRetention(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.retention = d
		}
	}
}

// Store persists the shared namespace in SQLite.
type Store struct {
	sqlDB        *sql.DB
	pollInterval time.Duration
	retention    time.Duration

	mu     sync.Mutex
	cancel []context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

var _ store.Store = (*Store)(nil)

// Open opens (creating if needed) a SQLite shared store at path.
func Open(path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	s := &Store{
		sqlDB:        sqlDB,
		pollInterval: defaultPollInterval,
		retention:    defaultRetention,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.sqlDB.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", store.ErrKeyNotFound, key)
	}
	if err != nil {
		return "", fmt.Errorf("%w: get %s: %v", store.ErrUnavailable, key, err)
	}
	return value, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	return s.mutate(ctx, key, func(tx *sql.Tx, current sql.NullString) (bool, error) {
		if current.Valid && current.String == value {
			return false, nil
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO kv (key, value) VALUES (?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			key, value,
		)
		if err != nil {
			return false, err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO changes (key, value, removed, created_at) VALUES (?, ?, 0, ?)`,
			key, value, time.Now().UnixMilli(),
		)
		return true, err
	})
}

func (s *Store) Remove(ctx context.Context, key string) error {
	return s.mutate(ctx, key, func(tx *sql.Tx, current sql.NullString) (bool, error) {
		if !current.Valid {
			return false, nil
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
			return false, err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO changes (key, value, removed, created_at) VALUES (?, NULL, 1, ?)`,
			key, time.Now().UnixMilli(),
		)
		return true, err
	})
}

func (s *Store) mutate(ctx context.Context, key string, fn func(*sql.Tx, sql.NullString) (bool, error)) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", store.ErrUnavailable, err)
	}
	defer tx.Rollback()

	var current sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: read %s: %v", store.ErrUnavailable, key, err)
	}

	changed, err := fn(tx, current)
	if err != nil {
		return fmt.Errorf("%w: write %s: %v", store.ErrUnavailable, key, err)
	}
	if !changed {
		return nil
	}

	cutoff := time.Now().Add(-s.retention).UnixMilli()
	if _, err := tx.ExecContext(ctx, `DELETE FROM changes WHERE created_at < ?`, cutoff); err != nil {
		return fmt.Errorf("%w: prune: %v", store.ErrUnavailable, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", store.ErrUnavailable, err)
	}
	return nil
}

func (s *Store) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT key FROM kv`)
	if err != nil {
		return nil, fmt.Errorf("%w: keys: %v", store.ErrUnavailable, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("%w: scan key: %v", store.ErrUnavailable, err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: keys: %v", store.ErrUnavailable, err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Watch starts polling the change log from its current end. Only changes
// committed after Watch returns are reported.
func (s *Store) Watch(ctx context.Context) (<-chan store.Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, store.ErrClosed
	}

	var last int64
	err := s.sqlDB.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM changes`).Scan(&last)
	if err != nil {
		return nil, fmt.Errorf("%w: watch: %v", store.ErrUnavailable, err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	s.cancel = append(s.cancel, cancel)

	out := make(chan store.Change, 64)
	s.wg.Add(1)
	go s.poll(watchCtx, last, out)

	return out, nil
}

func (s *Store) poll(ctx context.Context, last int64, out chan<- store.Change) {
	defer s.wg.Done()
	defer close(out)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	var failing bool
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		changes, next, err := s.readChanges(ctx, last)
		switch {
		case err == nil:
			failing = false
			last = next
		case ctx.Err() != nil:
			return
		case failing:
			continue
		default:
			// Once per outage; polling resumes from last.
			failing = true
			changes = []store.Change{{Err: fmt.Errorf("%w: poll: %v", store.ErrUnavailable, err)}}
		}

		for _, c := range changes {
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *Store) readChanges(ctx context.Context, after int64) ([]store.Change, int64, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT seq, key, value, removed FROM changes WHERE seq > ? ORDER BY seq`,
		after,
	)
	if err != nil {
		return nil, after, err
	}
	defer rows.Close()

	var changes []store.Change
	for rows.Next() {
		var (
			seq     int64
			key     string
			value   sql.NullString
			removed bool
		)
		if err := rows.Scan(&seq, &key, &value, &removed); err != nil {
			return nil, after, err
		}
		changes = append(changes, store.Change{Key: key, Value: value.String, Removed: removed})
		after = seq
	}
	return changes, after, rows.Err()
}

// Close stops every watcher and closes the database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for _, cancel := range s.cancel {
		cancel()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return s.sqlDB.Close()
}

// Package cache stores rendered command results in SQLite, namespaced by
// chain id so a purge for one network leaves the others alone.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"
)

const lockTimeout = 5 * time.Second

type Store struct {
	db   *sql.DB
	lock *flock.Flock
	now  func() time.Time
}

// Entry identifies a cached value.
type Entry struct {
	Key     string
	ChainID int64
	Command string
}

type Result struct {
	Hit      bool
	Value    []byte
	Age      time.Duration
	Stale    bool
	TooStale bool
}

// Stat summarizes the entries stored for one chain.
type Stat struct {
	ChainID int64 `json:"chain_id"`
	Entries int64 `json:"entries"`
	Expired int64 `json:"expired"`
	Bytes   int64 `json:"bytes"`
}

func Open(path, lockPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	dsn, err := fileDSN(path)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite cache: %w", err)
	}
	store := &Store{db: db, lock: flock.New(lockPath), now: time.Now}

	// Schema setup runs under the file lock.
	unlock, err := store.acquire(context.Background())
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	queries := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		`CREATE TABLE IF NOT EXISTS responses (
			key TEXT PRIMARY KEY,
			chain_id INTEGER NOT NULL,
			command TEXT NOT NULL,
			value BLOB NOT NULL,
			created_at INTEGER NOT NULL,
			ttl_seconds INTEGER NOT NULL
		);`,
		"CREATE INDEX IF NOT EXISTS idx_responses_chain ON responses(chain_id);",
	}
	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			unlock()
			_ = db.Close()
			return nil, fmt.Errorf("init cache schema: %w", err)
		}
	}
	unlock()

	_ = store.Prune(context.Background())
	return store, nil
}

// fileDSN sets a busy timeout on every pooled connection. Readers do not take
// the file lock.
func fileDSN(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve cache path: %w", err)
	}
	return "file:" + abs + "?_pragma=busy_timeout(5000)", nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Prune deletes entries whose TTL has fully expired.
func (s *Store) Prune(ctx context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	nowUnix := s.now().UTC().Unix()
	if _, err := s.db.ExecContext(ctx, "DELETE FROM responses WHERE created_at + ttl_seconds < ?", nowUnix); err != nil {
		return fmt.Errorf("prune cache: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string, maxStale time.Duration) (Result, error) {
	var value []byte
	var createdUnix int64
	var ttlSeconds int64
	err := s.db.QueryRowContext(ctx, "SELECT value, created_at, ttl_seconds FROM responses WHERE key = ?", key).Scan(&value, &createdUnix, &ttlSeconds)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Result{Hit: false}, nil
		}
		return Result{}, fmt.Errorf("cache read: %w", err)
	}

	age := s.now().UTC().Sub(time.Unix(createdUnix, 0).UTC())
	if age < 0 {
		age = 0
	}
	ttl := time.Duration(ttlSeconds) * time.Second
	stale := age > ttl
	tooStale := stale && maxStale >= 0 && age > ttl+maxStale

	return Result{
		Hit:      true,
		Value:    value,
		Age:      age,
		Stale:    stale,
		TooStale: tooStale,
	}, nil
}

func (s *Store) Set(ctx context.Context, entry Entry, value []byte, ttl time.Duration) error {
	unlock, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	ttlSeconds := int64(ttl.Seconds())
	if ttlSeconds <= 0 {
		ttlSeconds = 1
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO responses (key, chain_id, command, value, created_at, ttl_seconds)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			chain_id=excluded.chain_id,
			command=excluded.command,
			value=excluded.value,
			created_at=excluded.created_at,
			ttl_seconds=excluded.ttl_seconds
	`, entry.Key, entry.ChainID, entry.Command, value, s.now().UTC().Unix(), ttlSeconds)
	if err != nil {
		return fmt.Errorf("cache write: %w", err)
	}
	return nil
}

// Purge removes every entry for chainID, or every entry when chainID is 0.
func (s *Store) Purge(ctx context.Context, chainID int64) (int64, error) {
	unlock, err := s.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer unlock()

	var res sql.Result
	if chainID == 0 {
		res, err = s.db.ExecContext(ctx, "DELETE FROM responses")
	} else {
		res, err = s.db.ExecContext(ctx, "DELETE FROM responses WHERE chain_id = ?", chainID)
	}
	if err != nil {
		return 0, fmt.Errorf("purge cache: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge cache: %w", err)
	}
	return n, nil
}

func (s *Store) Stats(ctx context.Context) ([]Stat, error) {
	nowUnix := s.now().UTC().Unix()
	rows, err := s.db.QueryContext(ctx, `
		SELECT chain_id,
			COUNT(*),
			SUM(CASE WHEN created_at + ttl_seconds < ? THEN 1 ELSE 0 END),
			SUM(LENGTH(value))
		FROM responses
		GROUP BY chain_id
		ORDER BY chain_id
	`, nowUnix)
	if err != nil {
		return nil, fmt.Errorf("cache stats: %w", err)
	}
	defer rows.Close()

	stats := make([]Stat, 0)
	for rows.Next() {
		var st Stat
		if err := rows.Scan(&st.ChainID, &st.Entries, &st.Expired, &st.Bytes); err != nil {
			return nil, fmt.Errorf("scan cache stats: %w", err)
		}
		stats = append(stats, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cache stats: %w", err)
	}
	return stats, nil
}

func (s *Store) acquire(ctx context.Context) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()
	locked, err := s.lock.TryLockContext(lockCtx, 50*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("lock cache: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("lock cache: timeout acquiring lock")
	}
	return func() { _ = s.lock.Unlock() }, nil
}

// Package reports persists pause-borrowable reports so an operator can review
// what a guardian run would have paused.
package reports

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/zerosnacks/fuse-v1/internal/fuse"
)

const defaultListLimit = 20

var ErrNotFound = errors.New("report not found")

type Store struct {
	db   *sql.DB
	lock *flock.Flock
}

// Filter narrows List. A zero ChainID matches every network.
type Filter struct {
	ChainID int64
	Limit   int
}

func NewReportID() string {
	return "rpt_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func OpenStore(path, lockPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create report store directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create report lock directory: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve report store path: %w", err)
	}
	db, err := sql.Open("sqlite", "file:"+abs+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open report sqlite: %w", err)
	}
	store := &Store{db: db, lock: flock.New(lockPath)}
	unlock, err := store.acquire(context.Background())
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	defer unlock()

	queries := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		`CREATE TABLE IF NOT EXISTS pause_reports (
			report_id TEXT PRIMARY KEY,
			chain_id INTEGER NOT NULL,
			pool_index INTEGER NOT NULL,
			comptroller TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			payload BLOB NOT NULL
		);`,
		"CREATE INDEX IF NOT EXISTS idx_pause_reports_chain_created ON pause_reports(chain_id, created_at DESC);",
	}
	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init report schema: %w", err)
		}
	}
	return store, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save inserts report, assigning a report id when it has none, and returns
// the stored copy.
func (s *Store) Save(ctx context.Context, report fuse.PauseReport) (fuse.PauseReport, error) {
	if strings.TrimSpace(report.ReportID) == "" {
		report.ReportID = NewReportID()
	}
	unlock, err := s.acquire(ctx)
	if err != nil {
		return fuse.PauseReport{}, err
	}
	defer unlock()

	payload, err := json.Marshal(report)
	if err != nil {
		return fuse.PauseReport{}, fmt.Errorf("marshal report: %w", err)
	}
	createdUnix := time.Now().UTC().Unix()
	if t, err := time.Parse(time.RFC3339, report.CreatedAt); err == nil {
		createdUnix = t.UTC().Unix()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pause_reports (report_id, chain_id, pool_index, comptroller, status, created_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(report_id) DO UPDATE SET
			status=excluded.status,
			payload=excluded.payload
	`, report.ReportID, report.ChainID, report.PoolIndex, report.Comptroller.Hex(), string(report.Status), createdUnix, payload)
	if err != nil {
		return fuse.PauseReport{}, fmt.Errorf("save report: %w", err)
	}
	return report, nil
}

func (s *Store) Get(ctx context.Context, reportID string) (fuse.PauseReport, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, "SELECT payload FROM pause_reports WHERE report_id = ?", reportID).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fuse.PauseReport{}, fmt.Errorf("%w: %s", ErrNotFound, reportID)
		}
		return fuse.PauseReport{}, fmt.Errorf("read report: %w", err)
	}
	var report fuse.PauseReport
	if err := json.Unmarshal(payload, &report); err != nil {
		return fuse.PauseReport{}, fmt.Errorf("decode report payload: %w", err)
	}
	return report, nil
}

// List returns reports newest first.
func (s *Store) List(ctx context.Context, filter Filter) ([]fuse.PauseReport, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	var (
		rows *sql.Rows
		err  error
	)
	if filter.ChainID == 0 {
		rows, err = s.db.QueryContext(ctx, "SELECT payload FROM pause_reports ORDER BY created_at DESC, rowid DESC LIMIT ?", limit)
	} else {
		rows, err = s.db.QueryContext(ctx, "SELECT payload FROM pause_reports WHERE chain_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?", filter.ChainID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	reports := make([]fuse.PauseReport, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan report row: %w", err)
		}
		var report fuse.PauseReport
		if err := json.Unmarshal(payload, &report); err != nil {
			return nil, fmt.Errorf("decode report row: %w", err)
		}
		reports = append(reports, report)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate report rows: %w", err)
	}
	return reports, nil
}

func (s *Store) acquire(ctx context.Context) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	locked, err := s.lock.TryLockContext(lockCtx, 50*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("lock report store: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("lock report store: timeout acquiring lock")
	}
	return func() { _ = s.lock.Unlock() }, nil
}

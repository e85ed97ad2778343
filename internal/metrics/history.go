// Package metrics keeps a durable history of sync cycles so operators can
// inspect outcomes after the fact. Live gauges and counters are exported
// separately through Prometheus; this store feeds the status command.
package metrics

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Cycle statuses.
const (
	StatusOK      = "ok"
	StatusPartial = "partial"
	StatusFailed  = "failed"
)

// Cycle is the recorded outcome of one sync pass over a table.
type Cycle struct {
	ID         string
	Team       string
	Table      string
	TableID    string
	Mode       string
	StartedAt  time.Time
	FinishedAt time.Time
	Scanned    int
	Stale      int
	Created    int
	Updated    int
	Failed     int
	Status     string
	Error      string
}

// History is the cycle log backed by SQLite.
type History struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens (or creates) the cycle history under dataDir.
func Open(dataDir string) (*History, error) {
	path := filepath.Join(dataDir, "sync_metrics.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("metrics: open %s: %w", path, err)
	}
	if _, err := db.Exec(queryInitTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("metrics: init table: %w", err)
	}
	return &History{db: db}, nil
}

// Record appends a finished cycle.
func (h *History) Record(ctx context.Context, c Cycle) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	_, err := h.db.ExecContext(ctx, queryInsertCycle,
		c.ID, c.Team, c.Table, c.TableID, c.Mode,
		c.StartedAt.UnixMilli(), c.FinishedAt.UnixMilli(),
		c.Scanned, c.Stale, c.Created, c.Updated, c.Failed,
		c.Status, c.Error)
	if err != nil {
		return fmt.Errorf("metrics: record cycle %s: %w", c.ID, err)
	}
	return nil
}

// Recent returns the latest cycles, newest first.
func (h *History) Recent(ctx context.Context, limit int) ([]Cycle, error) {
	if limit <= 0 {
		limit = 20
	}
	return h.query(ctx, queryRecent, limit)
}

// LatestPerBinding returns the newest cycle for every team/table pair.
func (h *History) LatestPerBinding(ctx context.Context) ([]Cycle, error) {
	return h.query(ctx, queryLatestPerBinding)
}

func (h *History) query(ctx context.Context, query string, args ...interface{}) ([]Cycle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rows, err := h.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("metrics: query cycles: %w", err)
	}
	defer rows.Close()

	var cycles []Cycle
	for rows.Next() {
		var c Cycle
		var startedAt, finishedAt int64
		if err := rows.Scan(&c.ID, &c.Team, &c.Table, &c.TableID, &c.Mode,
			&startedAt, &finishedAt,
			&c.Scanned, &c.Stale, &c.Created, &c.Updated, &c.Failed,
			&c.Status, &c.Error); err != nil {
			return nil, err
		}
		c.StartedAt = time.UnixMilli(startedAt)
		c.FinishedAt = time.UnixMilli(finishedAt)
		cycles = append(cycles, c)
	}
	return cycles, rows.Err()
}

// CleanupOld removes cycles finished before cutoff.
func (h *History) CleanupOld(ctx context.Context, cutoff time.Time) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	res, err := h.db.ExecContext(ctx, queryDeleteOlder, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("metrics: cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the underlying database.
func (h *History) Close() error {
	return h.db.Close()
}

// Package processlog tracks, per sink table, which source issues have been
// written and at which source timestamp. The log is the pipeline's only
// incremental state: an empty log means the table needs a cold start, and a
// logged timestamp older than the source's means the row is stale.
package processlog

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/user/larksync"
)

// Sync outcomes recorded per row.
const (
	OutcomeCreated   = "created"
	OutcomeUpdated   = "updated"
	OutcomeColdStart = "cold_start_existing"
	OutcomeFailed    = "failed"
)

// ColdStartSentinel is the watermark written for rows adopted during a cold
// start. Zero forces the first incremental pass to treat every adopted row
// as stale and rewrite it from the source.
const ColdStartSentinel int64 = 0

// Entry is one logged row.
type Entry struct {
	IssueKey          string
	RecordID          string
	LastSourceUpdated int64
}

// Stats summarizes log contents per outcome.
type Stats struct {
	Total     int
	ByOutcome map[string]int
}

// Store is the per-table processing log backed by its own SQLite file.
type Store struct {
	mu      sync.Mutex
	db      *sql.DB
	tableID string
}

// Open opens (or creates) the log for tableID under dataDir. Each table gets
// its own database file so table state is independently resettable.
func Open(dataDir, tableID string) (*Store, error) {
	path := filepath.Join(dataDir, fmt.Sprintf("processing_log_%s.db", tableID))
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("processlog: open %s: %w", path, err)
	}
	if _, err := db.Exec(queryInitTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("processlog: init table: %w", err)
	}
	return &Store{db: db, tableID: tableID}, nil
}

// IsInitialized reports whether the table has been cold-started: any logged
// row counts.
func (s *Store) IsInitialized(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	if err := s.db.QueryRowContext(ctx, queryCount).Scan(&n); err != nil {
		return false, fmt.Errorf("processlog: count: %w", err)
	}
	return n > 0, nil
}

// Get returns the logged entry for issueKey; ok is false on a miss.
func (s *Store) Get(ctx context.Context, issueKey string) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := Entry{IssueKey: issueKey}
	var outcome string
	err := s.db.QueryRowContext(ctx, queryGet, issueKey).
		Scan(&entry.RecordID, &entry.LastSourceUpdated, &outcome)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("processlog: get %s: %w", issueKey, err)
	}
	return entry, true, nil
}

// FilterStale returns the subset of issues that are new or newer than their
// logged watermark. Issues at or behind the watermark are dropped.
func (s *Store) FilterStale(ctx context.Context, issues map[string]larksync.Issue) (map[string]larksync.Issue, error) {
	entries, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	stale := make(map[string]larksync.Issue, len(issues))
	for key, issue := range issues {
		entry, ok := entries[key]
		if !ok || issue.UpdatedMillis() > entry.LastSourceUpdated {
			stale[key] = issue
		}
	}
	return stale, nil
}

// Classify splits keys into known rows (with their sink record id) and
// unknown keys that need creation. An entry without a record id never
// reached the sink (a failed create), so it stays in the create set.
func (s *Store) Classify(ctx context.Context, keys []string) (known map[string]string, unknown []string, err error) {
	entries, err := s.snapshot(ctx)
	if err != nil {
		return nil, nil, err
	}

	known = make(map[string]string, len(keys))
	for _, key := range keys {
		if entry, ok := entries[key]; ok && entry.RecordID != "" {
			known[key] = entry.RecordID
		} else {
			unknown = append(unknown, key)
		}
	}
	return known, unknown, nil
}

func (s *Store) snapshot(ctx context.Context) (map[string]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, queryAll)
	if err != nil {
		return nil, fmt.Errorf("processlog: snapshot: %w", err)
	}
	defer rows.Close()

	entries := make(map[string]Entry)
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.IssueKey, &e.RecordID, &e.LastSourceUpdated); err != nil {
			return nil, err
		}
		entries[e.IssueKey] = e
	}
	return entries, rows.Err()
}

// Record writes the outcome of a successful sink write. Callers must invoke
// it only after the sink write returned, so a crash between the two leaves
// the row stale and it is re-synced on the next pass.
func (s *Store) Record(ctx context.Context, issueKey, recordID string, sourceUpdated int64, outcome string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, queryUpsert,
		issueKey, recordID, sourceUpdated, outcome, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("processlog: record %s: %w", issueKey, err)
	}
	return nil
}

// RecordFailure marks issueKey failed without advancing its watermark.
func (s *Store) RecordFailure(ctx context.Context, issueKey, recordID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, queryMarkFailed,
		issueKey, recordID, OutcomeFailed, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("processlog: record failure %s: %w", issueKey, err)
	}
	return nil
}

// Delete drops the entry for issueKey, typically after the sink reported the
// record id as gone.
func (s *Store) Delete(ctx context.Context, issueKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, queryDelete, issueKey); err != nil {
		return fmt.Errorf("processlog: delete %s: %w", issueKey, err)
	}
	return nil
}

// Clear wipes the log, forcing a cold start on the next cycle.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, queryClear); err != nil {
		return fmt.Errorf("processlog: clear: %w", err)
	}
	return nil
}

// CleanupOld removes entries last touched before cutoff.
func (s *Store) CleanupOld(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, queryDeleteOlder, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("processlog: cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Vacuum reclaims file space after large deletions.
func (s *Store) Vacuum(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("processlog: vacuum: %w", err)
	}
	return nil
}

// Stats counts entries per outcome.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, queryCountByOutcome)
	if err != nil {
		return Stats{}, fmt.Errorf("processlog: stats: %w", err)
	}
	defer rows.Close()

	stats := Stats{ByOutcome: make(map[string]int)}
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return Stats{}, err
		}
		stats.ByOutcome[outcome] = n
		stats.Total += n
	}
	return stats, rows.Err()
}

// TableID returns the sink table this log belongs to.
func (s *Store) TableID() string {
	return s.tableID
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

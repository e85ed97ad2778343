// Package engine drives the sync pipeline: it schedules cycles over the
// configured team/table bindings, runs the cold-start and incremental state
// machine per table, and plans batched sink writes.
package engine

import (
	"fmt"
	"sync"

	"github.com/user/larksync"
	"github.com/user/larksync/internal/metrics"
	"github.com/user/larksync/pkg/processlog"
	"github.com/user/larksync/pkg/usermap"
)

// Runtime bundles the shared dependencies of one pipeline instance. It is
// built once at startup and passed to workers and the coordinator.
type Runtime struct {
	Source  larksync.SourceClient
	Sink    larksync.SinkClient
	Users   *usermap.Mapper
	History *metrics.History
	Logger  larksync.Logger

	// ServerURL is the source tracker base URL used to build browse links.
	ServerURL string
	DataDir   string

	mu   sync.Mutex
	logs map[string]*processlog.Store
}

// Log returns the processing log for tableID, opening it on first use. Logs
// stay open for the lifetime of the runtime so every cycle over a table sees
// the same store.
func (r *Runtime) Log(tableID string) (*processlog.Store, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.logs == nil {
		r.logs = make(map[string]*processlog.Store)
	}
	if store, ok := r.logs[tableID]; ok {
		return store, nil
	}
	store, err := processlog.Open(r.DataDir, tableID)
	if err != nil {
		return nil, fmt.Errorf("engine: open processing log for %s: %w", tableID, err)
	}
	r.logs[tableID] = store
	return store, nil
}

// Close releases every open processing log.
func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for _, store := range r.logs {
		if err := store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.logs = nil
	return firstErr
}

// CycleOptions tune one cycle run.
type CycleOptions struct {
	// FullUpdate bypasses the staleness filter: every scanned issue is
	// re-projected and written. Processing log entries still record the
	// real source timestamps.
	FullUpdate bool
}

// Mode names for the cycle history.
const (
	ModeIncremental = "incremental"
	ModeColdStart   = "cold_start"
	ModeFullUpdate  = "full_update"
	ModeSingleIssue = "single_issue"
)

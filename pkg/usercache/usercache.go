// Package usercache persists the mapping from source tracker usernames to
// sink directory identities. Every entry is in exactly one of three states:
// valid (identity resolved), empty (directory has no match), or pending
// (awaiting offline resolution).
package usercache

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/user/larksync"
)

// State is the lifecycle state of a cached user mapping.
type State int

const (
	StateValid State = iota
	StateEmpty
	StatePending
)

func (s State) String() string {
	switch s {
	case StateValid:
		return "valid"
	case StateEmpty:
		return "empty"
	case StatePending:
		return "pending"
	}
	return "unknown"
}

// Entry is one cached mapping.
type Entry struct {
	Username string
	State    State
	// Ref is populated only for valid entries.
	Ref larksync.UserRef
}

// Stats summarizes cache occupancy per state.
type Stats struct {
	Valid   int
	Empty   int
	Pending int
}

// Cache is a SQLite-backed user mapping store. Writes are durable on return;
// in-process writers are serialized by a lock.
type Cache struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens (or creates) the cache database at path.
func Open(path string) (*Cache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("usercache: open %s: %w", path, err)
	}
	if _, err := db.Exec(queryInitTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("usercache: init table: %w", err)
	}
	return &Cache{db: db}, nil
}

// Get returns the entry for username; ok is false on a miss.
func (c *Cache) Get(ctx context.Context, username string) (Entry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(ctx, username)
}

func (c *Cache) getLocked(ctx context.Context, username string) (Entry, bool, error) {
	var (
		email, userID, displayName sql.NullString
		isEmpty, isPending         int
	)
	err := c.db.QueryRowContext(ctx, queryGet, username).
		Scan(&email, &userID, &displayName, &isEmpty, &isPending)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("usercache: get %s: %w", username, err)
	}

	entry := Entry{Username: username}
	switch {
	case isPending == 1:
		entry.State = StatePending
	case isEmpty == 1:
		entry.State = StateEmpty
	default:
		entry.State = StateValid
		entry.Ref = larksync.UserRef{
			ID:    userID.String,
			Name:  displayName.String,
			Email: email.String,
		}
	}
	return entry, true, nil
}

// BatchGet returns the present entries for usernames under a single lock
// acquisition.
func (c *Cache) BatchGet(ctx context.Context, usernames []string) (map[string]Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := make(map[string]Entry, len(usernames))
	for _, username := range usernames {
		entry, ok, err := c.getLocked(ctx, username)
		if err != nil {
			return nil, err
		}
		if ok {
			entries[username] = entry
		}
	}
	return entries, nil
}

// PutValid records a resolved identity.
func (c *Cache) PutValid(ctx context.Context, username string, ref larksync.UserRef) error {
	return c.put(ctx, username, ref, 0, 0)
}

// PutEmpty records a confirmed directory miss.
func (c *Cache) PutEmpty(ctx context.Context, username string) error {
	return c.put(ctx, username, larksync.UserRef{}, 1, 0)
}

// PutPending marks username as awaiting offline resolution. An entry already
// resolved (valid or empty) is left untouched: downgrades only happen through
// Reopen.
func (c *Cache) PutPending(ctx context.Context, username string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok, err := c.getLocked(ctx, username); err != nil {
		return err
	} else if ok {
		return nil
	}
	_, err := c.db.ExecContext(ctx, queryUpsert,
		username, "", "", "", 0, 1, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("usercache: put pending %s: %w", username, err)
	}
	return nil
}

// Reopen forces an entry back to pending regardless of its state. Operator
// use only.
func (c *Cache) Reopen(ctx context.Context, username string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.db.ExecContext(ctx, queryUpsert,
		username, "", "", "", 0, 1, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("usercache: reopen %s: %w", username, err)
	}
	return nil
}

func (c *Cache) put(ctx context.Context, username string, ref larksync.UserRef, isEmpty, isPending int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.db.ExecContext(ctx, queryUpsert,
		username, ref.Email, ref.ID, ref.Name, isEmpty, isPending, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("usercache: put %s: %w", username, err)
	}
	return nil
}

// Pending lists usernames awaiting offline resolution.
func (c *Cache) Pending(ctx context.Context) ([]string, error) {
	return c.list(ctx, queryPending)
}

// Incomplete lists usernames that are pending or valid-shaped without a sink
// user id.
func (c *Cache) Incomplete(ctx context.Context) ([]string, error) {
	return c.list(ctx, queryIncomplete)
}

func (c *Cache) list(ctx context.Context, query string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("usercache: list: %w", err)
	}
	defer rows.Close()

	var usernames []string
	for rows.Next() {
		var username string
		if err := rows.Scan(&username); err != nil {
			return nil, err
		}
		usernames = append(usernames, username)
	}
	return usernames, rows.Err()
}

// Stats counts entries per state.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var pending, empty, valid sql.NullInt64
	err := c.db.QueryRowContext(ctx, queryCountByState).Scan(&pending, &empty, &valid)
	if err != nil {
		return Stats{}, fmt.Errorf("usercache: stats: %w", err)
	}
	return Stats{
		Valid:   int(valid.Int64),
		Empty:   int(empty.Int64),
		Pending: int(pending.Int64),
	}, nil
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Package usermap translates source tracker user fields into sink directory
// identities through the user cache. The online path never calls the sink
// directory; unknown usernames are parked as pending and picked up later by
// the offline resolver.
package usermap

import (
	"context"
	"fmt"
	"strings"

	"github.com/user/larksync"
	"github.com/user/larksync/pkg/usercache"
)

// DefaultResolveLimit bounds one offline resolution pass.
const DefaultResolveLimit = 50

// Mapper resolves user field values against the cache.
type Mapper struct {
	cache   *usercache.Cache
	sink    larksync.SinkClient
	domains []string
	logger  larksync.Logger
}

// New builds a Mapper. domains are the mail domains tried, in order, when
// resolving a username offline.
func New(cache *usercache.Cache, sink larksync.SinkClient, domains []string, logger larksync.Logger) *Mapper {
	return &Mapper{cache: cache, sink: sink, domains: domains, logger: logger}
}

// Username extracts the tracker username from a raw user field value.
func Username(value interface{}) string {
	m, ok := value.(map[string]interface{})
	if !ok {
		if s, ok := value.(string); ok {
			return s
		}
		return ""
	}
	for _, key := range []string{"name", "key"} {
		if s, ok := m[key].(string); ok && s != "" {
			return s
		}
	}
	if s, ok := m["emailAddress"].(string); ok && s != "" {
		if at := strings.IndexByte(s, '@'); at > 0 {
			return s[:at]
		}
		return s
	}
	return ""
}

// Map returns the sink person cell value for a raw user field, or nil when
// the identity is not (yet) resolvable. A cache miss is recorded as pending
// so the offline resolver picks it up; the call itself never blocks on the
// directory.
func (m *Mapper) Map(ctx context.Context, value interface{}) (interface{}, error) {
	username := Username(value)
	if username == "" {
		return nil, nil
	}

	entry, ok, err := m.cache.Get(ctx, username)
	if err != nil {
		return nil, err
	}
	if !ok {
		if err := m.cache.PutPending(ctx, username); err != nil {
			return nil, err
		}
		if m.logger != nil {
			m.logger.Debug("user parked for offline resolution", "username", username)
		}
		return nil, nil
	}
	if entry.State != usercache.StateValid {
		return nil, nil
	}
	return []map[string]interface{}{{"id": entry.Ref.ID}}, nil
}

// ResolvePending drains up to limit pending usernames through the sink
// directory. Each candidate email is tried in domain order; the first hit
// wins, a clean miss across all domains marks the entry empty, and a lookup
// error leaves the entry pending for the next pass. Returns how many entries
// were settled (valid or empty).
func (m *Mapper) ResolvePending(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = DefaultResolveLimit
	}
	if len(m.domains) == 0 {
		return 0, fmt.Errorf("usermap: no mail domains configured")
	}

	pending, err := m.cache.Pending(ctx)
	if err != nil {
		return 0, err
	}
	if len(pending) > limit {
		pending = pending[:limit]
	}

	settled := 0
	for _, username := range pending {
		ref, err := m.lookup(ctx, username)
		if err != nil {
			if m.logger != nil {
				m.logger.Warn("user lookup failed, kept pending", "username", username, "error", err)
			}
			continue
		}
		if ref == nil {
			if err := m.cache.PutEmpty(ctx, username); err != nil {
				return settled, err
			}
		} else {
			if err := m.cache.PutValid(ctx, username, *ref); err != nil {
				return settled, err
			}
		}
		settled++
	}
	if m.logger != nil {
		m.logger.Info("pending user resolution pass done", "attempted", len(pending), "settled", settled)
	}
	return settled, nil
}

func (m *Mapper) lookup(ctx context.Context, username string) (*larksync.UserRef, error) {
	for _, domain := range m.domains {
		email := username + "@" + domain
		ref, err := m.sink.LookupUserByEmail(ctx, email)
		if err != nil {
			return nil, err
		}
		if ref != nil {
			ref.Email = email
			return ref, nil
		}
	}
	return nil, nil
}

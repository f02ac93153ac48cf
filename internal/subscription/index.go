// Package subscription implements CLASP's subscription index: the
// (session, sub-id)-keyed table of active subscriptions and the
// first-segment prefix hash that keeps find_subscribers sub-linear
// (§4.5).
package subscription

import (
	"sync"

	"github.com/clasp-systems/clasp/internal/address"
	"github.com/clasp-systems/clasp/internal/codec"
)

// wildcardSentinel is the secondary-index bucket for any pattern whose
// first segment isn't a concrete literal (`*`, `**`, or the bare root).
const wildcardSentinel = "/"

// Key identifies one subscription entry.
type Key struct {
	SessionID string
	SubID     uint32
}

// Entry is a single registered subscription.
type Entry struct {
	Pattern *address.Pattern
	Types   []codec.SignalType // empty means "all signal types"
}

// Matches reports whether addr and (optionally) sig satisfy this
// subscription.
func (e Entry) Matches(addr string, sig codec.SignalType, hasSig bool) bool {
	if !e.Pattern.Matches(addr) {
		return false
	}
	if !hasSig || len(e.Types) == 0 {
		return true
	}
	for _, t := range e.Types {
		if t == sig {
			return true
		}
	}
	return false
}

// Index is the Router's subscription table: primary storage keyed by
// (session_id, sub_id), and a secondary map from first-literal-segment
// to candidate keys for fast fan-out lookup.
type Index struct {
	mu       sync.RWMutex
	primary  map[Key]Entry
	byPrefix map[string]map[Key]struct{}
	sessions map[string]map[Key]struct{} // session_id -> its keys, for atomic teardown
}

// New returns an empty Index.
func New() *Index {
	return &Index{
		primary:  make(map[Key]Entry),
		byPrefix: make(map[string]map[Key]struct{}),
		sessions: make(map[string]map[Key]struct{}),
	}
}

// Insert registers (or replaces, if sessionID+subID was already used)
// a subscription.
func (idx *Index) Insert(sessionID string, subID uint32, pattern *address.Pattern, types []codec.SignalType) {
	key := Key{SessionID: sessionID, SubID: subID}
	entry := Entry{Pattern: pattern, Types: types}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if old, exists := idx.primary[key]; exists {
		idx.unindexLocked(key, old)
	}

	idx.primary[key] = entry
	prefix := wildcardSentinel
	if lit, ok := pattern.FirstLiteralSegment(); ok {
		prefix = lit
	}
	if idx.byPrefix[prefix] == nil {
		idx.byPrefix[prefix] = make(map[Key]struct{})
	}
	idx.byPrefix[prefix][key] = struct{}{}

	if idx.sessions[sessionID] == nil {
		idx.sessions[sessionID] = make(map[Key]struct{})
	}
	idx.sessions[sessionID][key] = struct{}{}
}

// Remove deletes a single subscription by id.
func (idx *Index) Remove(sessionID string, subID uint32) {
	key := Key{SessionID: sessionID, SubID: subID}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	entry, ok := idx.primary[key]
	if !ok {
		return
	}
	delete(idx.primary, key)
	idx.unindexLocked(key, entry)
	if set := idx.sessions[sessionID]; set != nil {
		delete(set, key)
		if len(set) == 0 {
			delete(idx.sessions, sessionID)
		}
	}
}

// unindexLocked removes key from its secondary-index bucket. Caller must
// hold idx.mu for writing.
func (idx *Index) unindexLocked(key Key, entry Entry) {
	prefix := wildcardSentinel
	if lit, ok := entry.Pattern.FirstLiteralSegment(); ok {
		prefix = lit
	}
	if bucket := idx.byPrefix[prefix]; bucket != nil {
		delete(bucket, key)
		if len(bucket) == 0 {
			delete(idx.byPrefix, prefix)
		}
	}
}

// RemoveSession atomically drops every subscription belonging to
// sessionID from both the primary and secondary indices, and the
// session's own entry.
func (idx *Index) RemoveSession(sessionID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for key := range idx.sessions[sessionID] {
		entry := idx.primary[key]
		delete(idx.primary, key)
		idx.unindexLocked(key, entry)
	}
	delete(idx.sessions, sessionID)
}

// FindSubscribers implements find_subscribers(address, type?): computes
// the candidate set from the first-segment prefix bucket plus the
// wildcard sentinel bucket, filters by full glob and (if given) signal
// type, and returns the distinct set of session ids.
func (idx *Index) FindSubscribers(addr string, sig codec.SignalType, hasSig bool) []string {
	first := address.FirstSegment(addr)

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	seen := make(map[string]struct{})
	out := make([]string, 0, 8)
	visit := func(bucket map[Key]struct{}) {
		for key := range bucket {
			entry := idx.primary[key]
			if !entry.Matches(addr, sig, hasSig) {
				continue
			}
			if _, dup := seen[key.SessionID]; dup {
				continue
			}
			seen[key.SessionID] = struct{}{}
			out = append(out, key.SessionID)
		}
	}
	visit(idx.byPrefix[first])
	if first != wildcardSentinel {
		visit(idx.byPrefix[wildcardSentinel])
	}
	return out
}

// FindSubscriberKeys is like FindSubscribers but returns the matching
// (session, sub-id) keys rather than deduplicated session ids, for
// callers that need the sub-id (e.g. to label a targeted reply).
func (idx *Index) FindSubscriberKeys(addr string, sig codec.SignalType, hasSig bool) []Key {
	first := address.FirstSegment(addr)

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var out []Key
	visit := func(bucket map[Key]struct{}) {
		for key := range bucket {
			entry := idx.primary[key]
			if entry.Matches(addr, sig, hasSig) {
				out = append(out, key)
			}
		}
	}
	visit(idx.byPrefix[first])
	if first != wildcardSentinel {
		visit(idx.byPrefix[wildcardSentinel])
	}
	return out
}

// SessionSubscriptionCount reports how many subscriptions sessionID
// currently owns, used by diagnostics and tests.
func (idx *Index) SessionSubscriptionCount(sessionID string) int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.sessions[sessionID])
}

package clientmirror

import (
	"sync"
	"sync/atomic"

	"github.com/clasp-systems/clasp/internal/address"
	"github.com/clasp-systems/clasp/internal/codec"
	"github.com/clasp-systems/clasp/internal/value"
)

// Notification is what a subscription Callback receives for a matching
// SET, SNAPSHOT entry, or PUBLISH.
type Notification struct {
	Address       string
	Value         value.Value
	Revision      uint64
	HasRevision   bool
	SignalType    codec.SignalType
	HasSignalType bool
	Phase         codec.Phase
	GestureID     uint32
	HasGestureID  bool
	Timeline      *codec.TimelineData
}

// Callback is invoked for every notification a subscription's pattern
// (and optional signal-type filter) matches.
type Callback func(Notification)

type subscriptionEntry struct {
	subID   uint32
	pattern *address.Pattern
	rawPattern string
	types   []codec.SignalType
	cb      Callback
}

func (e *subscriptionEntry) acceptsType(t codec.SignalType, has bool) bool {
	if len(e.types) == 0 {
		return true
	}
	if !has {
		return true
	}
	for _, want := range e.types {
		if want == t {
			return true
		}
	}
	return false
}

// subscriptionTable is the Client's sub_id → (pattern, callback) map
// (§4.9 "subscriptions"), also used to replay every subscription after a
// successful reconnect.
type subscriptionTable struct {
	mu      sync.RWMutex
	byID    map[uint32]*subscriptionEntry
	nextID  atomic.Uint32
}

func newSubscriptionTable() *subscriptionTable {
	return &subscriptionTable{byID: make(map[uint32]*subscriptionEntry)}
}

func (t *subscriptionTable) allocate(rawPattern string, pattern *address.Pattern, types []codec.SignalType, cb Callback) *subscriptionEntry {
	id := t.nextID.Add(1)
	entry := &subscriptionEntry{subID: id, pattern: pattern, rawPattern: rawPattern, types: types, cb: cb}
	t.mu.Lock()
	t.byID[id] = entry
	t.mu.Unlock()
	return entry
}

func (t *subscriptionTable) remove(id uint32) {
	t.mu.Lock()
	delete(t.byID, id)
	t.mu.Unlock()
}

func (t *subscriptionTable) dispatch(addr string, n Notification) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, e := range t.byID {
		if e.pattern.Matches(addr) && e.acceptsType(n.SignalType, n.HasSignalType) {
			e.cb(n)
		}
	}
}

// all returns every live subscription, used by the reconnect supervisor
// to re-send SUBSCRIBE for each one after a successful reconnection.
func (t *subscriptionTable) all() []*subscriptionEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*subscriptionEntry, 0, len(t.byID))
	for _, e := range t.byID {
		out = append(out, e)
	}
	return out
}

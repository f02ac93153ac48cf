package router

import (
	"sync"

	"github.com/clasp-systems/clasp/internal/address"
	"github.com/clasp-systems/clasp/internal/codec"
)

// SignalRegistry holds the signal definitions the Router has been told
// about (via Announce, typically from a bridge), answering Query
// messages (§4.7 "Query: return signal definitions matching the
// pattern").
type SignalRegistry struct {
	mu      sync.RWMutex
	signals map[string]codec.SignalDef // by address
}

// NewSignalRegistry returns an empty registry.
func NewSignalRegistry() *SignalRegistry {
	return &SignalRegistry{signals: make(map[string]codec.SignalDef)}
}

// Announce records or replaces definitions, as delivered by an Announce
// message.
func (r *SignalRegistry) Announce(defs []codec.SignalDef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range defs {
		r.signals[d.Address] = d
	}
}

// Query returns every registered definition whose address matches
// pattern.
func (r *SignalRegistry) Query(pattern *address.Pattern) []codec.SignalDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []codec.SignalDef
	for addr, def := range r.signals {
		if pattern.Matches(addr) {
			out = append(out, def)
		}
	}
	return out
}

// All returns every registered definition, used to seed a fresh
// session's initial Announce if the deployment chooses to send one.
func (r *SignalRegistry) All() []codec.SignalDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]codec.SignalDef, 0, len(r.signals))
	for _, d := range r.signals {
		out = append(out, d)
	}
	return out
}

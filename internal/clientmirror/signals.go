package clientmirror

import (
	"sync"

	"github.com/clasp-systems/clasp/internal/address"
	"github.com/clasp-systems/clasp/internal/codec"
)

// signalRegistry is the Client's local mirror of signal definitions,
// populated from inbound ANNOUNCE frames (§4.9 "for ANNOUNCE populate
// the signal registry"). Structurally identical to the Router's
// registry of the same name, kept separate since the two sides never
// share a process.
type signalRegistry struct {
	mu      sync.RWMutex
	signals map[string]codec.SignalDef
}

func newSignalRegistry() *signalRegistry {
	return &signalRegistry{signals: make(map[string]codec.SignalDef)}
}

func (r *signalRegistry) announce(defs []codec.SignalDef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range defs {
		r.signals[d.Address] = d
	}
}

func (r *signalRegistry) all() []codec.SignalDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]codec.SignalDef, 0, len(r.signals))
	for _, d := range r.signals {
		out = append(out, d)
	}
	return out
}

func (r *signalRegistry) query(pattern *address.Pattern) []codec.SignalDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []codec.SignalDef
	for addr, d := range r.signals {
		if pattern.Matches(addr) {
			out = append(out, d)
		}
	}
	return out
}

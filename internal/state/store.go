// Package state implements CLASP's State Store: the per-address
// ParamState table, its conflict-resolution strategies, and apply_set's
// seven-step reconciliation algorithm (§4.4).
package state

import (
	"sync"

	"github.com/clasp-systems/clasp/internal/address"
	"github.com/clasp-systems/clasp/internal/obsmetrics"
	"github.com/clasp-systems/clasp/internal/value"
)

// DefaultSnapshotChunkEntries bounds how many ParamValues the Router
// packs into a single SNAPSHOT frame before starting a new one, per
// SPEC_FULL.md's resolution of the spec's chunking Open Question. The
// byte-budget half of that decision (approaching the 65535-byte frame
// cap) is enforced by the caller using codec.EstimatePayloadSize, since
// only the codec knows a message's encoded size.
const DefaultSnapshotChunkEntries = 800

// ParamMeta configures optional per-address behavior: a numeric range
// constraint, a non-default conflict-resolution Strategy, and (for
// StrategyMerge) a MergeFunc.
type ParamMeta struct {
	Strategy   Strategy
	HasRange   bool
	Min, Max   float64
	Merge      MergeFunc
}

// ParamState is one address's current value plus the bookkeeping
// apply_set needs: revision, last writer, last write timestamp, and an
// optional lock holder.
type ParamState struct {
	Value      value.Value
	Revision   uint64
	Writer     string
	Timestamp  uint64
	LockHolder string // empty when unlocked
	Strategy   Strategy
}

// ParamValue is the read-only view of a ParamState returned by Snapshot
// and FullSnapshot, and what gets encoded into SNAPSHOT/SET frames.
type ParamValue struct {
	Address   string
	Value     value.Value
	Revision  uint64
	Timestamp uint64
}

// Store holds every address's ParamState, guarded by a single RWMutex.
// Per §5, apply_set and bundle phase-2 take the store for exclusive
// write access across the writes they coordinate; plain reads (Get,
// Snapshot) only need the read lock.
type Store struct {
	mu     sync.RWMutex
	params map[string]*ParamState
	meta   map[string]ParamMeta
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		params: make(map[string]*ParamState),
		meta:   make(map[string]ParamMeta),
	}
}

// SetMeta registers ParamMeta for address, consulted by apply_set for
// range validation, strategy selection, and merge behavior. Call before
// any Set on the address to have it take effect from the first write.
func (s *Store) SetMeta(addr string, meta ParamMeta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta[addr] = meta
}

// Get returns the current ParamValue for addr, or AddressNotFoundError.
func (s *Store) Get(addr string) (ParamValue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ps, ok := s.params[addr]
	if !ok {
		return ParamValue{}, &AddressNotFoundError{Address: addr}
	}
	return toParamValue(addr, ps), nil
}

// ApplySet runs the seven-step apply_set algorithm (§4.4) for a Set
// against addr, returning the new revision on success.
func (s *Store) ApplySet(addr string, v value.Value, writer string, expectedRevision *uint64, lock, unlock bool, ts uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applySetLocked(addr, v, writer, expectedRevision, lock, unlock, ts)
}

// applySetLocked implements apply_set assuming the caller already holds
// s.mu for writing. ApplySetLocked exports it so Bundle phase-2 (router
// package) can apply several Sets under a single held lock (§4.8).
func (s *Store) applySetLocked(addr string, v value.Value, writer string, expectedRevision *uint64, lock, unlock bool, ts uint64) (uint64, error) {
	meta := s.meta[addr]

	ps, existed := s.params[addr]
	if !existed {
		strategy := meta.Strategy
		ps = &ParamState{Strategy: strategy}
	}

	// Step 2: lock check.
	if ps.LockHolder != "" && ps.LockHolder != writer && !unlock {
		obsmetrics.StoreApplySetTotal.WithLabelValues("lock_held").Inc()
		return 0, &LockHeldError{Holder: ps.LockHolder}
	}

	// Step 3: optimistic concurrency.
	if expectedRevision != nil && *expectedRevision != ps.Revision {
		obsmetrics.StoreApplySetTotal.WithLabelValues("revision_conflict").Inc()
		return 0, &RevisionConflictError{Expected: *expectedRevision, Actual: ps.Revision}
	}

	// Step 4: range validation.
	if meta.HasRange {
		if n, ok := v.Numeric(); !ok || n < meta.Min || n > meta.Max {
			obsmetrics.StoreApplySetTotal.WithLabelValues("out_of_range").Inc()
			return 0, &OutOfRangeError{Address: addr}
		}
	}

	// Step 5: strategy resolution.
	resolved := resolve(ps.Strategy, existed, ps.Value, v, meta.Merge)

	// Step 6: commit.
	ps.Value = resolved
	ps.Revision++
	ps.Writer = writer
	ps.Timestamp = ts
	if ps.Strategy == StrategyLock && !existed {
		ps.LockHolder = writer
	}
	if unlock {
		ps.LockHolder = ""
	} else if lock {
		ps.LockHolder = writer
	}

	s.params[addr] = ps

	obsmetrics.StoreApplySetTotal.WithLabelValues("ok").Inc()
	obsmetrics.StoreAddresses.Set(float64(len(s.params)))

	// Step 7.
	return ps.Revision, nil
}

// SimulateSet performs the validation half of apply_set (steps 2-4)
// without mutating the store, for Bundle phase-1 dry-run validation
// (§4.8). Each call takes the read lock for itself, so the calls of a
// multi-message simulation pass are not held under one lock together.
func (s *Store) SimulateSet(addr string, v value.Value, writer string, expectedRevision *uint64, unlock bool) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.simulateSetLocked(addr, v, writer, expectedRevision, unlock)
}

func (s *Store) simulateSetLocked(addr string, v value.Value, writer string, expectedRevision *uint64, unlock bool) error {
	meta := s.meta[addr]
	ps, existed := s.params[addr]
	if existed {
		if ps.LockHolder != "" && ps.LockHolder != writer && !unlock {
			return &LockHeldError{Holder: ps.LockHolder}
		}
		if expectedRevision != nil && *expectedRevision != ps.Revision {
			return &RevisionConflictError{Expected: *expectedRevision, Actual: ps.Revision}
		}
	} else if expectedRevision != nil && *expectedRevision != 0 {
		return &RevisionConflictError{Expected: *expectedRevision, Actual: 0}
	}
	if meta.HasRange {
		if n, ok := v.Numeric(); !ok || n < meta.Min || n > meta.Max {
			return &OutOfRangeError{Address: addr}
		}
	}
	return nil
}

// Snapshot returns every ParamValue whose address matches pattern.
func (s *Store) Snapshot(pattern *address.Pattern) []ParamValue {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ParamValue, 0, len(s.params))
	for addr, ps := range s.params {
		if pattern.Matches(addr) {
			out = append(out, toParamValue(addr, ps))
		}
	}
	return out
}

// FullSnapshot returns every address's current ParamValue.
func (s *Store) FullSnapshot() []ParamValue {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ParamValue, 0, len(s.params))
	for addr, ps := range s.params {
		out = append(out, toParamValue(addr, ps))
	}
	return out
}

// Lock runs fn with the store held for exclusive write access and
// returns when fn does, used by Bundle phase-2 to apply several Sets
// atomically (§4.8 "With the State Store held for write").
func (s *Store) Lock(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn()
}

// ApplySetLocked exposes applySetLocked to callers already inside a
// Lock(fn) callback (i.e. Bundle phase-2).
func (s *Store) ApplySetLocked(addr string, v value.Value, writer string, expectedRevision *uint64, lock, unlock bool, ts uint64) (uint64, error) {
	return s.applySetLocked(addr, v, writer, expectedRevision, lock, unlock, ts)
}

func toParamValue(addr string, ps *ParamState) ParamValue {
	return ParamValue{Address: addr, Value: ps.Value, Revision: ps.Revision, Timestamp: ps.Timestamp}
}

// ChunkSnapshot splits values into chunks of at most maxEntries each,
// preserving order, for SNAPSHOT message fragmentation (§4.4).
func ChunkSnapshot(values []ParamValue, maxEntries int) [][]ParamValue {
	if maxEntries <= 0 {
		maxEntries = DefaultSnapshotChunkEntries
	}
	if len(values) == 0 {
		return nil
	}
	var chunks [][]ParamValue
	for i := 0; i < len(values); i += maxEntries {
		end := i + maxEntries
		if end > len(values) {
			end = len(values)
		}
		chunks = append(chunks, values[i:end])
	}
	return chunks
}

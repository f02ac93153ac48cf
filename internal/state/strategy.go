package state

import "github.com/clasp-systems/clasp/internal/value"

// Strategy selects how apply_set reconciles a new write against the
// current value of a ParamState (§4.4 step 5).
type Strategy int

const (
	// StrategyLWW ("last write wins") always overwrites with the incoming
	// value; this is the default for any address with no configured
	// strategy.
	StrategyLWW Strategy = iota
	// StrategyMax keeps whichever of the current and incoming value is
	// numerically larger.
	StrategyMax
	// StrategyMin keeps whichever of the current and incoming value is
	// numerically smaller.
	StrategyMin
	// StrategyLock is LWW that additionally sets lock_holder to the
	// writer on the first Set that establishes the address.
	StrategyLock
	// StrategyMerge delegates to the address's registered MergeFunc,
	// defaulting to overwrite when none is registered.
	StrategyMerge
)

// MergeFunc combines the current value of an address with an incoming
// one, returning the value to store. Registered per-address via
// ParamMeta; an address without one falls back to overwrite (SPEC_FULL.md
// Open Question decision).
type MergeFunc func(current, incoming value.Value) value.Value

// resolve applies strategy to (current, incoming) and returns the value
// that should be stored. "hasCurrent" is false the first time an address
// is set, in which case every strategy simply adopts the incoming value.
func resolve(strategy Strategy, hasCurrent bool, current, incoming value.Value, merge MergeFunc) value.Value {
	if !hasCurrent {
		return incoming
	}
	switch strategy {
	case StrategyMax:
		return numericWinner(current, incoming, true)
	case StrategyMin:
		return numericWinner(current, incoming, false)
	case StrategyMerge:
		if merge != nil {
			return merge(current, incoming)
		}
		return incoming
	default: // StrategyLWW, StrategyLock
		return incoming
	}
}

// numericWinner compares current and incoming numerically, returning the
// larger (wantMax true) or smaller. Non-numeric values fall back to LWW
// (overwrite), per SPEC_FULL.md's Open Question decision, since ordering
// is undefined for non-numeric kinds.
func numericWinner(current, incoming value.Value, wantMax bool) value.Value {
	cn, cok := current.Numeric()
	in, iok := incoming.Numeric()
	if !cok || !iok {
		return incoming
	}
	if wantMax {
		if in > cn {
			return incoming
		}
		return current
	}
	if in < cn {
		return incoming
	}
	return current
}

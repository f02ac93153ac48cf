// Package gesture implements CLASP's Gesture Registry: per-(address,
// gesture-id) MOVE-phase coalescing at a fixed cadence, with background
// flush and max-age garbage collection (§4.6).
package gesture

import (
	"sync"
	"time"

	"github.com/clasp-systems/clasp/internal/clock"
	"github.com/clasp-systems/clasp/internal/codec"
	"github.com/clasp-systems/clasp/internal/obsmetrics"
)

// DefaultCoalesceInterval is how often the background flush loop wakes
// to drain pending MOVE frames (§4.6 "default 16 ms").
const DefaultCoalesceInterval = 16 * time.Millisecond

// DefaultMaxAge is how long a gesture entry (in any phase) may sit idle
// before the GC sweep removes it.
const DefaultMaxAge = 5 * time.Minute

// Outcome is what Process tells the caller to do with the inbound
// Publish.
type Outcome int

const (
	// Forward means send msg to subscribers immediately.
	Forward Outcome = iota
	// Buffered means the MOVE was coalesced; nothing to send now.
	Buffered
	// ForwardPendingThenTerminal means first flush any buffered MOVE for
	// this (address, gesture-id), then forward msg itself (an End or
	// Cancel).
	ForwardPendingThenTerminal
	// Passthrough means msg does not carry gesture semantics at all
	// (Phase is PhaseNone); the caller should handle it as an ordinary
	// Publish.
	Passthrough
)

type key struct {
	address   string
	gestureID uint32
}

// gestureState tracks one buffered gesture.
type gestureState struct {
	pending    *codec.Publish
	startedAt  uint64
	lastMoveAt uint64
}

// Registry is the Router's gesture coalescer, safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	entries  map[key]*gestureState
	interval time.Duration
	maxAge   time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New returns a Registry using the default coalesce interval and max
// age. Call Start to launch its background flush/GC loop.
func New() *Registry {
	return &Registry{
		entries:  make(map[key]*gestureState),
		interval: DefaultCoalesceInterval,
		maxAge:   DefaultMaxAge,
		stopCh:   make(chan struct{}),
	}
}

// WithInterval overrides the coalesce interval; WithMaxAge overrides the
// GC max age. Both must be called before Start.
func (r *Registry) WithInterval(d time.Duration) *Registry { r.interval = d; return r }
func (r *Registry) WithMaxAge(d time.Duration) *Registry   { r.maxAge = d; return r }

// Process implements the per-(address, gesture-id) state machine of
// §4.6: Start registers and forwards immediately; Move overwrites the
// pending buffered frame; End/Cancel forward any pending Move then
// forward the terminal frame themselves; anything without gesture phase
// passes through untouched.
func (r *Registry) Process(msg *codec.Publish) (Outcome, *codec.Publish) {
	if msg.Phase == codec.PhaseNone {
		return Passthrough, nil
	}
	k := key{address: msg.Address, gestureID: msg.GestureID}
	now := clock.NowUs()

	r.mu.Lock()
	defer r.mu.Unlock()

	switch msg.Phase {
	case codec.PhaseStart:
		r.entries[k] = &gestureState{startedAt: now, lastMoveAt: now}
		obsmetrics.GesturesActive.Set(float64(len(r.entries)))
		return Forward, msg

	case codec.PhaseMove:
		st, ok := r.entries[k]
		if !ok {
			st = &gestureState{startedAt: now}
			r.entries[k] = st
		}
		if st.pending != nil {
			// The previous buffered MOVE never made it to a subscriber;
			// this one replaces it outright.
			obsmetrics.GesturesCoalescedTotal.Inc()
		}
		st.pending = msg
		st.lastMoveAt = now
		obsmetrics.GesturesActive.Set(float64(len(r.entries)))
		return Buffered, nil

	case codec.PhaseEnd, codec.PhaseCancel:
		st, ok := r.entries[k]
		delete(r.entries, k)
		obsmetrics.GesturesActive.Set(float64(len(r.entries)))
		if ok && st.pending != nil {
			return ForwardPendingThenTerminal, st.pending
		}
		return Forward, msg

	default:
		return Passthrough, nil
	}
}

// TerminalMessage returns the terminal (End/Cancel) Publish a caller
// should forward after an ForwardPendingThenTerminal outcome's pending
// frame has been sent. It is simply msg itself; kept as a named helper
// so dispatch code reads as a two-step sequence rather than reusing
// msg implicitly.
func TerminalMessage(msg *codec.Publish) *codec.Publish { return msg }

// cutoffBefore returns now-minus-d in µs, floored at zero so a process
// still within its first d of uptime never underflows the unsigned
// subtraction.
func cutoffBefore(now uint64, d time.Duration) uint64 {
	delta := uint64(d.Microseconds())
	if delta >= now {
		return 0
	}
	return now - delta
}

// Flush drains and returns every pending MOVE frame whose lastMoveAt is
// older than the registry's coalesce interval, for the background flush
// loop to forward. Entries not yet due are left buffered.
func (r *Registry) Flush() []*codec.Publish {
	cutoff := cutoffBefore(clock.NowUs(), r.interval)

	r.mu.Lock()
	defer r.mu.Unlock()

	var due []*codec.Publish
	for k, st := range r.entries {
		if st.pending != nil && st.lastMoveAt <= cutoff {
			due = append(due, st.pending)
			st.pending = nil
			_ = k
		}
	}
	return due
}

// GC removes gesture entries (any phase) idle longer than maxAge.
func (r *Registry) GC() {
	cutoff := cutoffBefore(clock.NowUs(), r.maxAge)

	r.mu.Lock()
	defer r.mu.Unlock()
	for k, st := range r.entries {
		last := st.lastMoveAt
		if last == 0 {
			last = st.startedAt
		}
		if last <= cutoff {
			delete(r.entries, k)
		}
	}
	obsmetrics.GesturesActive.Set(float64(len(r.entries)))
}

// Start launches the background flush+GC loop on its own goroutine; Stop
// ends it. flushFn is called with whatever Flush drains each tick.
func (r *Registry) Start(flushFn func([]*codec.Publish)) {
	ticker := time.NewTicker(r.interval)
	gcTicker := time.NewTicker(r.maxAge / 5)
	go func() {
		defer ticker.Stop()
		defer gcTicker.Stop()
		for {
			select {
			case <-ticker.C:
				if due := r.Flush(); len(due) > 0 && flushFn != nil {
					flushFn(due)
				}
			case <-gcTicker.C:
				r.GC()
			case <-r.stopCh:
				return
			}
		}
	}()
}

// Stop terminates the background loop started by Start. Safe to call
// multiple times.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// Len reports how many gesture entries are currently tracked, for
// diagnostics and tests.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

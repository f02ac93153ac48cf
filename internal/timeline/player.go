package timeline

import (
	"sync"

	"github.com/clasp-systems/clasp/internal/clock"
	"github.com/clasp-systems/clasp/internal/codec"
	"github.com/clasp-systems/clasp/internal/value"
)

// State is the Timeline Player's transport state machine (§4.10).
type State int

const (
	Stopped State = iota
	Playing
	Paused
	Finished
)

// Sample computes the value a TimelineData produces at elapsed position
// posUs (microseconds since the timeline started), applying loop
// wrapping first and then the enclosing keyframe pair's easing. It
// returns false if data has no keyframes.
func Sample(data codec.TimelineData, posUs uint64) (value.Value, bool) {
	if len(data.Keyframes) == 0 {
		return value.Value{}, false
	}
	kfs := data.Keyframes
	duration := kfs[len(kfs)-1].TimeUs

	pos := posUs
	if data.Loop && duration > 0 {
		pos = pos % duration
	} else if pos > duration {
		pos = duration
	}

	if pos <= kfs[0].TimeUs {
		return kfs[0].Value, true
	}
	if pos >= duration {
		return kfs[len(kfs)-1].Value, true
	}

	lo, hi := 0, len(kfs)-1
	for i := 0; i+1 < len(kfs); i++ {
		if kfs[i].TimeUs <= pos && pos <= kfs[i+1].TimeUs {
			lo, hi = i, i+1
			break
		}
	}

	span := kfs[hi].TimeUs - kfs[lo].TimeUs
	var t float64
	if span > 0 {
		t = float64(pos-kfs[lo].TimeUs) / float64(span)
	}
	t = ease(kfs[hi].Easing, t, kfs[hi].Bezier)

	return interpolate(kfs[lo].Value, kfs[hi].Value, t), true
}

// interpolate blends a toward b by fraction t∈[0,1]. Numeric scalars
// interpolate linearly; Arrays interpolate componentwise (shorter slices
// win, extra trailing elements of the longer one are ignored); any other
// kind, or a kind mismatch, snaps to b once t reaches 1 and otherwise
// holds a.
func interpolate(a, b value.Value, t float64) value.Value {
	if af, aok := a.Numeric(); aok {
		if bf, bok := b.Numeric(); bok {
			return value.Float(af + (bf-af)*t)
		}
	}
	if aArr, aok := a.AsArray(); aok {
		if bArr, bok := b.AsArray(); bok {
			n := len(aArr)
			if len(bArr) < n {
				n = len(bArr)
			}
			out := make([]value.Value, n)
			for i := 0; i < n; i++ {
				out[i] = interpolate(aArr[i], bArr[i], t)
			}
			return value.Array(out...)
		}
	}
	if t >= 1 {
		return b
	}
	return a
}

// Player drives a TimelineData through time, exposing the transport
// state machine {Stopped, Playing, Paused, Finished} on top of the pure
// Sample function.
type Player struct {
	mu    sync.Mutex
	data  codec.TimelineData
	state State

	startedAtUs uint64 // clock.NowUs() when Play/Resume last began counting
	elapsedUs   uint64 // accumulated position when Paused or Stopped
}

// NewPlayer returns a Stopped Player over data.
func NewPlayer(data codec.TimelineData) *Player {
	return &Player{data: data, state: Stopped}
}

// Play starts (or restarts, if Stopped/Finished) playback from position
// zero.
func (p *Player) Play() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.elapsedUs = 0
	p.startedAtUs = clock.NowUs()
	p.state = Playing
}

// Pause freezes playback at its current position.
func (p *Player) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != Playing {
		return
	}
	p.elapsedUs = p.positionLocked()
	p.state = Paused
}

// Resume continues playback from where Pause froze it.
func (p *Player) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != Paused {
		return
	}
	p.startedAtUs = clock.NowUs()
	p.state = Playing
}

// Stop halts playback and resets position to zero.
func (p *Player) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = Stopped
	p.elapsedUs = 0
}

// State returns the Player's current transport state.
func (p *Player) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// positionLocked returns the current elapsed position in microseconds;
// callers must hold p.mu.
func (p *Player) positionLocked() uint64 {
	if p.state != Playing {
		return p.elapsedUs
	}
	return p.elapsedUs + (clock.NowUs() - p.startedAtUs)
}

// Sample returns the timeline's value at the Player's current position,
// transitioning Playing → Finished once a non-looping timeline's
// duration is reached.
func (p *Player) Sample() (value.Value, bool) {
	p.mu.Lock()
	pos := p.positionLocked()
	if !p.data.Loop && len(p.data.Keyframes) > 0 {
		duration := p.data.Keyframes[len(p.data.Keyframes)-1].TimeUs
		if p.state == Playing && pos >= duration {
			p.elapsedUs = duration
			p.state = Finished
		}
	}
	data := p.data
	p.mu.Unlock()
	return Sample(data, pos)
}

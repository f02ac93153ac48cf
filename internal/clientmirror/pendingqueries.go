package clientmirror

import (
	"sync"

	"github.com/clasp-systems/clasp/internal/codec"
)

// pendingQueries tracks in-flight Query calls keyed by pattern, resolved
// by the corresponding RESULT ("for RESULT complete the corresponding
// query future").
type pendingQueries struct {
	mu      sync.Mutex
	waiters map[string][]chan []codec.SignalDef
}

func newPendingQueries() *pendingQueries {
	return &pendingQueries{waiters: make(map[string][]chan []codec.SignalDef)}
}

func (p *pendingQueries) register(pattern string) chan []codec.SignalDef {
	ch := make(chan []codec.SignalDef, 1)
	p.mu.Lock()
	p.waiters[pattern] = append(p.waiters[pattern], ch)
	p.mu.Unlock()
	return ch
}

func (p *pendingQueries) resolve(pattern string, signals []codec.SignalDef) {
	p.mu.Lock()
	chans := p.waiters[pattern]
	delete(p.waiters, pattern)
	p.mu.Unlock()
	for _, ch := range chans {
		ch <- signals
	}
}

func (p *pendingQueries) failAll() {
	p.mu.Lock()
	all := p.waiters
	p.waiters = make(map[string][]chan []codec.SignalDef)
	p.mu.Unlock()
	for _, chans := range all {
		for _, ch := range chans {
			ch <- nil
		}
	}
}

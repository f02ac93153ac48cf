package clientmirror

import (
	"sync"

	"github.com/clasp-systems/clasp/internal/value"
)

// getResult is delivered to a pending Get's waiter channel exactly once.
type getResult struct {
	value value.Value
	found bool
	err   error
}

// pendingGets tracks in-flight Get calls keyed by address (§4.9
// "pending_gets: address → single-shot waiter"), resolved either by the
// server's direct Snapshot reply or an unrelated Snapshot delivery that
// happens to cover the same address.
type pendingGets struct {
	mu      sync.Mutex
	waiters map[string][]chan getResult
}

func newPendingGets() *pendingGets {
	return &pendingGets{waiters: make(map[string][]chan getResult)}
}

// register installs a new single-shot waiter for addr and returns the
// channel the caller should receive from.
func (p *pendingGets) register(addr string) chan getResult {
	ch := make(chan getResult, 1)
	p.mu.Lock()
	p.waiters[addr] = append(p.waiters[addr], ch)
	p.mu.Unlock()
	return ch
}

// resolve completes and removes every waiter registered for addr.
func (p *pendingGets) resolve(addr string, v value.Value) {
	p.mu.Lock()
	chans := p.waiters[addr]
	delete(p.waiters, addr)
	p.mu.Unlock()
	for _, ch := range chans {
		ch <- getResult{value: v, found: true}
	}
}

// failAll completes every outstanding waiter with err, used on Close.
func (p *pendingGets) failAll(err error) {
	p.mu.Lock()
	all := p.waiters
	p.waiters = make(map[string][]chan getResult)
	p.mu.Unlock()
	for _, chans := range all {
		for _, ch := range chans {
			ch <- getResult{err: err}
		}
	}
}

// forget removes a single waiter channel without resolving it, used when
// a Get call times out locally so a later server reply doesn't write to
// an abandoned channel's buffer past capacity 1.
func (p *pendingGets) forget(addr string, ch chan getResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	list := p.waiters[addr]
	for i, c := range list {
		if c == ch {
			p.waiters[addr] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(p.waiters[addr]) == 0 {
		delete(p.waiters, addr)
	}
}

package router

import (
	"sync"
	"time"
)

// churnWindow and churnThreshold bound the session-churn alert: once
// churnThreshold connects-plus-disconnects land within a single
// churnWindow, the Router fires one alert per window rather than one per
// event (SPEC_FULL.md §9's "audit/alerting hooks on session churn
// spikes", grounded on the teacher's alerting.go sitting alongside its
// connection-lifecycle accounting).
const (
	churnWindow    = 10 * time.Second
	churnThreshold = 50
)

// churnTracker counts session connect/disconnect events in a rolling
// window, firing once when the count first crosses churnThreshold.
type churnTracker struct {
	mu          sync.Mutex
	windowStart time.Time
	count       int
}

// record registers one churn event (a connect or a disconnect) and
// reports whether this event just crossed the alert threshold.
func (c *churnTracker) record() bool {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.windowStart.IsZero() || now.Sub(c.windowStart) > churnWindow {
		c.windowStart = now
		c.count = 0
	}
	c.count++
	return c.count == churnThreshold
}

package router

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/clasp-systems/clasp/internal/clock"
	"github.com/clasp-systems/clasp/internal/security"
	"github.com/clasp-systems/clasp/internal/transport"
)

// maxConsecutiveSendFailures is how many non-blocking broadcast sends in
// a row may fail (full outbound queue) before the Router disconnects a
// subscriber, per SPEC_FULL.md's slow-subscriber policy (grounded on the
// teacher's Client.sendAttempts/slowClientWarned fields).
const maxConsecutiveSendFailures = 3

// maxConsecutiveProtocolErrors bounds how many decode/dispatch errors in
// a row a session may produce before the Router closes it (§7
// "Repeated protocol errors ... cause the Router to close that session").
const maxConsecutiveProtocolErrors = 5

// sustainedRateLimitRejections is how many consecutive rate-limited
// messages from one session raise an alert (not a disconnect — the
// session may simply be a legitimate high-rate publisher bumping the
// ceiling; this just puts it on an operator's radar).
const sustainedRateLimitRejections = 20

// Session is one connected client's server-side state: its transport
// sender, authorization grant, and the bookkeeping dispatch needs. Per
// §9's cyclic-reference note, a Session never back-points at its
// subscriptions — the Index is the source of truth, keyed by session id.
type Session struct {
	ID         string
	Name       string
	Sender     transport.Sender
	RemoteAddr string
	Version    uint8

	Principal *security.Principal // nil in unauthenticated mode
	Scopes    []security.Scope

	lastActivityUs atomic.Uint64
	connectedAt    time.Time

	rateMu      sync.Mutex
	rateWindow  int64 // unix second the counter applies to
	rateCount   int

	sendFailures        atomic.Int32
	protocolFailures    atomic.Int32
	rateLimitRejections atomic.Int32

	// outboxMu guards the broadcast mailbox: fanOut appends frames with
	// enqueueSend and the Router's per-session drain goroutine pops them
	// with dequeueSend. At most one drain ever runs per session, so frames
	// queued in append order are sent in that same order even though
	// different sessions drain concurrently on different pool workers
	// (§5 "SET broadcasts are delivered ... in revision order").
	outboxMu sync.Mutex
	outbox   [][]byte
	draining bool

	closeOnce sync.Once
	closed    chan struct{}
}

// NewSession constructs a Session for a freshly accepted connection.
func NewSession(id string, sender transport.Sender, remoteAddr string) *Session {
	s := &Session{
		ID:          id,
		Sender:      sender,
		RemoteAddr:  remoteAddr,
		connectedAt: time.Now(),
		closed:      make(chan struct{}),
	}
	s.Touch()
	return s
}

// Touch records activity now, resetting the session-cleanup sweep's
// idle timer (§4.7 "touch last_activity").
func (s *Session) Touch() {
	s.lastActivityUs.Store(clock.NowUs())
}

// IdleFor reports how long it has been since the session's last
// recorded activity.
func (s *Session) IdleFor() time.Duration {
	lastUs := s.lastActivityUs.Load()
	nowUs := clock.NowUs()
	if nowUs <= lastUs {
		return 0
	}
	return time.Duration(nowUs-lastUs) * time.Microsecond
}

// AllowMessage implements the per-session second-window rate limiter
// (§4.7 "Rate limiting"): ceiling messages may be dispatched within any
// given wall-clock second.
func (s *Session) AllowMessage(ceiling int) bool {
	now := time.Now().Unix()
	s.rateMu.Lock()
	defer s.rateMu.Unlock()
	if now != s.rateWindow {
		s.rateWindow = now
		s.rateCount = 0
	}
	if s.rateCount >= ceiling {
		return false
	}
	s.rateCount++
	s.rateLimitRejections.Store(0)
	return true
}

// RecordRateLimitRejection feeds one rate-limited message into the
// sustained-rejection alert policy, returning true the first time the
// consecutive count crosses sustainedRateLimitRejections.
func (s *Session) RecordRateLimitRejection() (shouldAlert bool) {
	return s.rateLimitRejections.Add(1) == sustainedRateLimitRejections
}

// RecordSendResult feeds a broadcast attempt's outcome into the
// slow-subscriber policy, returning true once the session has crossed
// maxConsecutiveSendFailures and should be disconnected.
func (s *Session) RecordSendResult(ok bool) (shouldDisconnect bool) {
	if ok {
		s.sendFailures.Store(0)
		return false
	}
	return s.sendFailures.Add(1) >= maxConsecutiveSendFailures
}

// RecordProtocolError feeds a decode/dispatch failure into the repeated-
// protocol-error policy (§7), returning true once the session should be
// closed.
func (s *Session) RecordProtocolError() (shouldDisconnect bool) {
	return s.protocolFailures.Add(1) >= maxConsecutiveProtocolErrors
}

// RecordProtocolSuccess resets the protocol-error streak after a
// successfully dispatched message.
func (s *Session) RecordProtocolSuccess() {
	s.protocolFailures.Store(0)
}

// enqueueSend appends frame to the session's broadcast mailbox and
// reports whether the caller is responsible for draining it (true the
// first time a frame lands with no drain already in flight).
func (s *Session) enqueueSend(frame []byte) (shouldDrain bool) {
	s.outboxMu.Lock()
	defer s.outboxMu.Unlock()
	s.outbox = append(s.outbox, frame)
	if s.draining {
		return false
	}
	s.draining = true
	return true
}

// dequeueSend pops the next queued frame, or clears the draining flag
// and reports false once the mailbox is empty.
func (s *Session) dequeueSend() ([]byte, bool) {
	s.outboxMu.Lock()
	defer s.outboxMu.Unlock()
	if len(s.outbox) == 0 {
		s.draining = false
		return nil, false
	}
	frame := s.outbox[0]
	s.outbox = s.outbox[1:]
	return frame, true
}

// Close closes the session's Sender exactly once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.Sender.Close()
	})
}

// Done reports the session's close signal.
func (s *Session) Done() <-chan struct{} { return s.closed }

// Package router implements the CLASP Router: session lifecycle, the
// per-connection dispatch loop, authorization, rate limiting, broadcast
// fan-out, the Bundle two-phase apply, and background session cleanup
// (§4.7, §4.8, §5).
package router

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clasp-systems/clasp/internal/address"
	"github.com/clasp-systems/clasp/internal/alert"
	"github.com/clasp-systems/clasp/internal/clock"
	"github.com/clasp-systems/clasp/internal/codec"
	"github.com/clasp-systems/clasp/internal/gesture"
	"github.com/clasp-systems/clasp/internal/obsmetrics"
	"github.com/clasp-systems/clasp/internal/security"
	"github.com/clasp-systems/clasp/internal/state"
	"github.com/clasp-systems/clasp/internal/subscription"
	"github.com/clasp-systems/clasp/internal/transport"
	"github.com/clasp-systems/clasp/internal/workerpool"
)

// Config bounds the dispatch loop's timeouts and admission policy.
type Config struct {
	ServerName        string
	Version           uint8
	Authenticated     bool
	HandshakeTimeout  time.Duration
	SessionTimeout    time.Duration
	CleanupInterval   time.Duration
	RateLimitPerSec   int
	SnapshotChunkSize int
	BroadcastWorkers  int
}

// DefaultConfig returns the Router's baseline timeouts.
func DefaultConfig() Config {
	return Config{
		ServerName:        "claspd",
		Version:           1,
		HandshakeTimeout:  5 * time.Second,
		SessionTimeout:    2 * time.Minute,
		CleanupInterval:   15 * time.Second,
		RateLimitPerSec:   200,
		SnapshotChunkSize: state.DefaultSnapshotChunkEntries,
		BroadcastWorkers:  8,
	}
}

// Router owns every session and the shared State Store, Subscription
// Index, Gesture Registry, and Signal Registry they dispatch against.
type Router struct {
	cfg    Config
	logger zerolog.Logger

	sessionsMu sync.RWMutex
	sessions   map[string]*Session

	store     *state.Store
	subs      *subscription.Index
	gestures  *gesture.Registry
	signals   *SignalRegistry
	validator *security.Chain
	pool      *workerpool.Pool
	alerts    alert.Sink
	churn     churnTracker

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New builds a Router. validator may be nil when cfg.Authenticated is
// false. alerts may be nil, in which case the Router discards its
// operational alerts (alert.NopSink).
func New(cfg Config, logger zerolog.Logger, validator *security.Chain, alerts alert.Sink) *Router {
	if alerts == nil {
		alerts = alert.NopSink{}
	}
	r := &Router{
		cfg:       cfg,
		logger:    logger,
		sessions:  make(map[string]*Session),
		store:     state.New(),
		subs:      subscription.New(),
		gestures:  gesture.New(),
		signals:   NewSignalRegistry(),
		validator: validator,
		pool:      workerpool.New(cfg.BroadcastWorkers, 4096),
		alerts:    alerts,
		stopCh:    make(chan struct{}),
	}
	r.pool.OnPanic = func(recovered any, stack []byte) {
		r.logger.Error().Interface("panic", recovered).Bytes("stack", stack).Msg("router: broadcast worker panic recovered")
	}
	r.gestures.Start(r.flushGestures)
	r.pool.Start()
	r.wg.Add(1)
	go r.cleanupLoop()
	return r
}

// Store exposes the Router's State Store, e.g. for a bridge seeding
// initial values before accepting client connections.
func (r *Router) Store() *state.Store { return r.store }

// Signals exposes the Router's SignalRegistry, e.g. for a bridge to
// Announce definitions out-of-band.
func (r *Router) Signals() *SignalRegistry { return r.signals }

// Stop closes the listener-independent background loops, waits for the
// cleanup loop to exit, then closes every registered session. It does not
// wait for the sessions' dispatch loops to return.
func (r *Router) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		r.gestures.Stop()
		r.pool.Stop()
	})
	r.wg.Wait()

	r.sessionsMu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessionsMu.RUnlock()
	for _, s := range sessions {
		s.Close()
	}
}

// ServeConn runs one connection's entire lifecycle: handshake, session
// registration, initial Snapshot, and the read-dispatch loop (§4.7).
// It returns once the connection ends.
func (r *Router) ServeConn(ctx context.Context, sender transport.Sender, receiver transport.Receiver, remoteAddr string) {
	session, err := r.handshake(ctx, sender, receiver, remoteAddr)
	if err != nil {
		r.logger.Debug().Err(err).Str("remote", remoteAddr).Msg("router: handshake failed")
		sender.Close()
		return
	}
	defer r.teardown(session, "disconnected")

	r.dispatchLoop(ctx, session, receiver)
}

// handshake implements §4.7 steps 1-4.
func (r *Router) handshake(ctx context.Context, sender transport.Sender, receiver transport.Receiver, remoteAddr string) (*Session, error) {
	hctx, cancel := context.WithTimeout(ctx, r.cfg.HandshakeTimeout)
	defer cancel()

	ev, err := receiver.Recv(hctx)
	if err != nil {
		return nil, err
	}
	if ev.Kind != transport.EventData {
		return nil, fmt.Errorf("router: expected Hello, got event kind %d", ev.Kind)
	}

	frame, _, err := codec.DecodeFrame(ev.Data)
	if err != nil {
		r.sendError(sender, codec.ErrCodeInvalidFrame, err.Error(), "", 0, false)
		return nil, err
	}
	msg, err := codec.DecodeMessage(frame.Payload)
	if err != nil {
		r.sendError(sender, codec.ErrCodeInvalidMessage, err.Error(), "", 0, false)
		return nil, err
	}
	hello, ok := msg.(codec.Hello)
	if !ok {
		r.sendError(sender, codec.ErrCodeInvalidMessage, "first message must be Hello", "", 0, false)
		return nil, fmt.Errorf("router: first message was %T, not Hello", msg)
	}
	if hello.Version != r.cfg.Version {
		r.sendError(sender, codec.ErrCodeUnsupportedVer, "unsupported version", "", 0, false)
		return nil, fmt.Errorf("router: unsupported version %d", hello.Version)
	}

	var principal *security.Principal
	if r.cfg.Authenticated {
		if !hello.HasToken || r.validator == nil {
			r.sendError(sender, codec.ErrCodeUnauthorized, "token required", "", 0, false)
			return nil, fmt.Errorf("router: missing token in authenticated mode")
		}
		verdict, p, err := r.validator.Validate(ctx, hello.Token)
		if verdict != security.Valid {
			code := codec.ErrCodeUnauthorized
			if verdict == security.Expired {
				code = codec.ErrCodeTokenExpired
			}
			msg := "invalid token"
			if err != nil {
				msg = err.Error()
			}
			r.sendError(sender, code, msg, "", 0, false)
			return nil, fmt.Errorf("router: token validation verdict=%v", verdict)
		}
		principal = p
	}

	sessionID := uuid.NewString()
	session := NewSession(sessionID, sender, remoteAddr)
	session.Name = hello.Name
	session.Version = hello.Version
	session.Principal = principal
	if principal != nil {
		session.Scopes = principal.Scopes
	}

	r.sessionsMu.Lock()
	r.sessions[sessionID] = session
	r.sessionsMu.Unlock()
	obsmetrics.SessionsConnected.Inc()
	obsmetrics.SessionsTotal.Inc()
	if r.churn.record() {
		r.alerts.Alert(alert.LevelWarning, "session churn spike", map[string]any{"window": churnWindow.String(), "threshold": churnThreshold})
	}

	welcome := &codec.Welcome{
		Version:      r.cfg.Version,
		SessionID:    sessionID,
		ServerName:   r.cfg.ServerName,
		Features:     []string{"param", "event", "stream", "gesture", "timeline", "bundle"},
		ServerTimeUs: clock.NowUs(),
	}
	if err := r.send(session, welcome); err != nil {
		return nil, err
	}

	r.sendInitialSnapshot(session)

	return session, nil
}

// sendInitialSnapshot implements §4.7 step 4: a chunked Snapshot of
// everything the new session's read scopes permit.
func (r *Router) sendInitialSnapshot(session *Session) {
	all := r.store.FullSnapshot()
	readable := all[:0:0]
	for _, pv := range all {
		if !r.cfg.Authenticated || security.Allows(session.Scopes, security.ActionRead, pv.Address) {
			readable = append(readable, pv)
		}
	}
	r.sendSnapshotChunks(session, readable)
}

func (r *Router) sendSnapshotChunks(session *Session, values []state.ParamValue) {
	chunks := state.ChunkSnapshot(values, r.cfg.SnapshotChunkSize)
	if len(chunks) == 0 {
		r.send(session, &codec.Snapshot{})
		return
	}
	// Each entry-count chunk is split again wherever its encoded Snapshot
	// payload would pass the 65535-byte frame limit.
	const maxPayload = 65535
	const header = 3 // type tag + u16 entry count
	for _, chunk := range chunks {
		out := toCodecParamValues(chunk)
		start, size := 0, header
		for i, pv := range out {
			n := codec.EstimatePayloadSize(&codec.Snapshot{Values: []codec.ParamValue{pv}}) - header
			if i > start && size+n > maxPayload {
				r.send(session, &codec.Snapshot{Values: out[start:i]})
				start, size = i, header
			}
			size += n
		}
		r.send(session, &codec.Snapshot{Values: out[start:]})
	}
}

func toCodecParamValues(values []state.ParamValue) []codec.ParamValue {
	out := make([]codec.ParamValue, len(values))
	for i, v := range values {
		out[i] = codec.ParamValue{Address: v.Address, Value: v.Value, Revision: v.Revision, Timestamp: v.Timestamp}
	}
	return out
}

// dispatchLoop implements §4.7 step 5.
func (r *Router) dispatchLoop(ctx context.Context, session *Session, receiver transport.Receiver) {
	for {
		select {
		case <-r.stopCh:
			return
		case <-session.Done():
			return
		default:
		}

		ev, err := receiver.Recv(ctx)
		if err != nil {
			return
		}
		switch ev.Kind {
		case transport.EventDisconnected, transport.EventError:
			return
		case transport.EventData:
			session.Touch()
			if !session.AllowMessage(r.cfg.RateLimitPerSec) {
				obsmetrics.RateLimitedTotal.Inc()
				r.send(session, &codec.Error{Code: codec.ErrCodeInternal, Message: "rate limited"})
				if session.RecordRateLimitRejection() {
					r.alerts.Alert(alert.LevelWarning, "sustained rate-limit rejection", map[string]any{"session": session.ID, "remote": session.RemoteAddr})
				}
				continue
			}
			if err := r.dispatchFrame(ctx, session, ev.Data); err != nil {
				if session.RecordProtocolError() {
					r.logger.Warn().Str("session", session.ID).Msg("router: closing session after repeated protocol errors")
					return
				}
			} else {
				session.RecordProtocolSuccess()
			}
		}
	}
}

func (r *Router) dispatchFrame(ctx context.Context, session *Session, raw []byte) error {
	frame, _, err := codec.DecodeFrame(raw)
	if err != nil {
		r.send(session, &codec.Error{Code: codec.ErrCodeInvalidFrame, Message: err.Error()})
		return err
	}
	msg, err := codec.DecodeMessage(frame.Payload)
	if err != nil {
		r.send(session, &codec.Error{Code: codec.ErrCodeInvalidMessage, Message: err.Error()})
		return err
	}
	obsmetrics.MessagesReceivedTotal.WithLabelValues(msg.MessageType().String()).Inc()
	return r.dispatch(ctx, session, msg, frame.QoS)
}

func (r *Router) dispatch(ctx context.Context, session *Session, msg codec.Message, qos codec.QoS) error {
	switch m := msg.(type) {
	case codec.Set:
		return r.handleSet(session, &m, qos)
	case codec.Publish:
		return r.handlePublish(session, &m, qos)
	case codec.Subscribe:
		return r.handleSubscribe(session, &m)
	case codec.Unsubscribe:
		r.subs.Remove(session.ID, m.SubID)
		return nil
	case codec.Get:
		return r.handleGet(session, &m)
	case codec.Sync:
		return r.handleSync(session, &m)
	case codec.Ping:
		return r.send(session, &codec.Pong{})
	case codec.Query:
		return r.handleQuery(session, &m)
	case codec.Bundle:
		return r.handleBundle(session, &m)
	case codec.Announce:
		r.signals.Announce(m.Signals)
		return nil
	default:
		r.send(session, &codec.Error{Code: codec.ErrCodeInvalidMessage, Message: "unexpected message type from client"})
		return fmt.Errorf("router: unexpected message type %T", msg)
	}
}

func (r *Router) handleSet(session *Session, m *codec.Set, qos codec.QoS) error {
	if r.cfg.Authenticated && !security.Allows(session.Scopes, security.ActionWrite, m.Address) {
		return r.send(session, &codec.Error{Code: codec.ErrCodeForbidden, Message: "write not permitted", Address: m.Address, HasAddress: true})
	}
	if err := address.Validate(m.Address); err != nil {
		return r.send(session, &codec.Error{Code: codec.ErrCodeInvalidAddress, Message: err.Error(), Address: m.Address, HasAddress: true})
	}

	var expected *uint64
	if m.HasExpectedRevision {
		expected = &m.ExpectedRevision
	}

	// The write and its broadcast fan-out submission happen inside the
	// same Store.Lock critical section: the Store serializes every Set
	// (single or Bundle) through one mutex, so doing the broadcast here
	// too guarantees broadcasts are submitted to each session's mailbox
	// in the same order their revisions were assigned (§5). Lock's
	// callback never blocks on network I/O — Pool.Submit and
	// enqueueSend are both non-blocking — so holding the Store for this
	// is cheap.
	var rev uint64
	var applyErr error
	r.store.Lock(func() {
		rev, applyErr = r.store.ApplySetLocked(m.Address, m.Value, session.ID, expected, m.Lock, m.Unlock, clock.NowUs())
		if applyErr == nil {
			r.broadcastSet(m.Address, m.Value, rev)
		}
	})
	if applyErr != nil {
		if we, ok := applyErr.(codec.WireError); ok {
			return r.send(session, &codec.Error{Code: we.Code(), Message: applyErr.Error(), Address: m.Address, HasAddress: true})
		}
		return r.send(session, &codec.Error{Code: codec.ErrCodeInternal, Message: applyErr.Error(), Address: m.Address, HasAddress: true})
	}

	if qos != codec.QoSFire {
		return r.send(session, &codec.Ack{Address: m.Address, HasAddress: true, Revision: rev, HasRevision: true})
	}
	return nil
}

func (r *Router) handlePublish(session *Session, m *codec.Publish, qos codec.QoS) error {
	if r.cfg.Authenticated && !security.Allows(session.Scopes, security.ActionWrite, m.Address) {
		return r.send(session, &codec.Error{Code: codec.ErrCodeForbidden, Message: "write not permitted", Address: m.Address, HasAddress: true})
	}

	outcome, forward := r.gestures.Process(m)
	switch outcome {
	case gesture.Forward, gesture.ForwardPendingThenTerminal:
		if outcome == gesture.ForwardPendingThenTerminal {
			r.broadcastPublish(forward)
			r.broadcastPublish(m)
		} else {
			r.broadcastPublish(m)
		}
	case gesture.Buffered:
		// Nothing forwarded now; the coalescer's flush loop will do it.
	case gesture.Passthrough:
		r.broadcastPublish(m)
	}

	if qos != codec.QoSFire {
		return r.send(session, &codec.Ack{})
	}
	return nil
}

func (r *Router) handleSubscribe(session *Session, m *codec.Subscribe) error {
	if r.cfg.Authenticated && !security.Allows(session.Scopes, security.ActionRead, m.Pattern) {
		return r.send(session, &codec.Error{Code: codec.ErrCodeForbidden, Message: "read not permitted"})
	}
	pattern, err := address.Compile(m.Pattern)
	if err != nil {
		return r.send(session, &codec.Error{Code: codec.ErrCodePatternError, Message: err.Error()})
	}
	r.subs.Insert(session.ID, m.SubID, pattern, m.Types)
	r.sendSnapshotChunks(session, r.store.Snapshot(pattern))
	return nil
}

func (r *Router) handleGet(session *Session, m *codec.Get) error {
	if r.cfg.Authenticated && !security.Allows(session.Scopes, security.ActionRead, m.Address) {
		return r.send(session, &codec.Error{Code: codec.ErrCodeForbidden, Message: "read not permitted", Address: m.Address, HasAddress: true})
	}
	pv, err := r.store.Get(m.Address)
	if err != nil {
		return r.send(session, &codec.Error{Code: codec.ErrCodeAddressNotFound, Message: err.Error(), Address: m.Address, HasAddress: true})
	}
	return r.send(session, &codec.Snapshot{Values: []codec.ParamValue{
		{Address: pv.Address, Value: pv.Value, Revision: pv.Revision, Timestamp: pv.Timestamp},
	}})
}

// handleSync implements §4.7's Sync/PING handling: fill t2/t3 and echo
// the original t1 back as a completed Sync message.
func (r *Router) handleSync(session *Session, m *codec.Sync) error {
	t2 := clock.NowUs()
	t3 := clock.NowUs()
	return r.send(session, &codec.Sync{T1: m.T1, T2: t2, HasT2: true, T3: t3, HasT3: true})
}

func (r *Router) handleQuery(session *Session, m *codec.Query) error {
	pattern, err := address.Compile(m.Pattern)
	if err != nil {
		return r.send(session, &codec.Error{Code: codec.ErrCodePatternError, Message: err.Error()})
	}
	return r.send(session, &codec.Result{Pattern: m.Pattern, Signals: r.signals.Query(pattern)})
}

// send frame-encodes m and blocks (briefly) until it's queued on
// session's Sender.
func (r *Router) send(session *Session, m codec.Message) error {
	var buf bytes.Buffer
	codec.EncodeMessage(&buf, m)
	frame, err := codec.EncodeFrame(codec.Frame{QoS: codec.QoSConfirm, Payload: buf.Bytes()})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = session.Sender.Send(ctx, frame)
	if err == nil {
		obsmetrics.MessagesSentTotal.WithLabelValues(m.MessageType().String()).Inc()
	}
	return err
}

func (r *Router) sendError(sender transport.Sender, code uint16, message, addr string, correlationID uint32, hasCorrelation bool) {
	var buf bytes.Buffer
	codec.EncodeMessage(&buf, &codec.Error{Code: code, Message: message, Address: addr, HasAddress: addr != "", CorrelationID: correlationID, HasCorrelationID: hasCorrelation})
	frame, err := codec.EncodeFrame(codec.Frame{QoS: codec.QoSFire, Payload: buf.Bytes()})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sender.Send(ctx, frame); err == nil {
		obsmetrics.MessagesSentTotal.WithLabelValues(codec.TypeError.String()).Inc()
	}
}

func (r *Router) teardown(session *Session, reason string) {
	r.subs.RemoveSession(session.ID)
	r.sessionsMu.Lock()
	delete(r.sessions, session.ID)
	r.sessionsMu.Unlock()
	session.Close()
	obsmetrics.SessionsConnected.Dec()
	obsmetrics.SessionsDisconnectedTotal.WithLabelValues(reason).Inc()
	if r.churn.record() {
		r.alerts.Alert(alert.LevelWarning, "session churn spike", map[string]any{"window": churnWindow.String(), "threshold": churnThreshold})
	}
}

func (r *Router) flushGestures(due []*codec.Publish) {
	for _, m := range due {
		r.broadcastPublish(m)
	}
}

// cleanupLoop implements §4.7's background session-timeout sweep.
func (r *Router) cleanupLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.sweepIdleSessions()
			obsmetrics.WorkerQueueDepth.Set(float64(r.pool.QueueDepth()))
		case <-r.stopCh:
			return
		}
	}
}

func (r *Router) sweepIdleSessions() {
	r.sessionsMu.RLock()
	var stale []*Session
	for _, s := range r.sessions {
		if s.IdleFor() > r.cfg.SessionTimeout {
			stale = append(stale, s)
		}
	}
	r.sessionsMu.RUnlock()

	for _, s := range stale {
		r.logger.Info().Str("session", s.ID).Dur("idle", s.IdleFor()).Msg("router: closing idle session")
		r.teardown(s, "idle_timeout")
	}
}

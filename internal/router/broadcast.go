package router

import (
	"bytes"

	"github.com/clasp-systems/clasp/internal/alert"
	"github.com/clasp-systems/clasp/internal/codec"
	"github.com/clasp-systems/clasp/internal/obsmetrics"
	"github.com/clasp-systems/clasp/internal/value"
)

// broadcastSet fans a successful Set out to every subscriber whose
// pattern matches addr, as a SET frame carrying the new revision
// (§4.7 "Set ... broadcasts a SET frame"). Per §5, each subscriber send
// is non-blocking; a subscriber that can't keep up is dropped rather
// than stalling the writer.
func (r *Router) broadcastSet(addr string, v value.Value, revision uint64) {
	sessionIDs := r.subs.FindSubscribers(addr, 0, false)
	if len(sessionIDs) == 0 {
		return
	}

	var buf bytes.Buffer
	codec.EncodeMessage(&buf, &codec.Set{Address: addr, Value: v, ExpectedRevision: revision, HasExpectedRevision: true})
	frame, err := codec.EncodeFrame(codec.Frame{QoS: codec.QoSFire, Payload: buf.Bytes()})
	if err != nil {
		r.logger.Error().Err(err).Msg("router: failed to encode SET broadcast")
		return
	}
	r.fanOut(sessionIDs, frame)
}

// broadcastPublish fans a Publish out to every matching subscriber,
// respecting each subscription's optional signal-type filter.
func (r *Router) broadcastPublish(m *codec.Publish) {
	sessionIDs := r.subs.FindSubscribers(m.Address, m.SignalType, m.HasSignalType)
	if len(sessionIDs) == 0 {
		return
	}

	var buf bytes.Buffer
	codec.EncodeMessage(&buf, m)
	frame, err := codec.EncodeFrame(codec.Frame{QoS: codec.QoSFire, Payload: buf.Bytes()})
	if err != nil {
		r.logger.Error().Err(err).Msg("router: failed to encode PUBLISH broadcast")
		return
	}
	r.fanOut(sessionIDs, frame)
}

// fanOut hands frame to every listed session's own mailbox rather than
// submitting one closure per (session, frame) to the shared worker pool
// directly: two frames for the same session queued here in order are
// guaranteed to reach session.Sender.TrySend in that same order, since
// only one drainSession ever runs per session at a time (§5's per-
// subscriber revision-order invariant). Different sessions still drain
// concurrently across the pool's workers.
func (r *Router) fanOut(sessionIDs []string, frame []byte) {
	r.sessionsMu.RLock()
	targets := make([]*Session, 0, len(sessionIDs))
	for _, id := range sessionIDs {
		if s, ok := r.sessions[id]; ok {
			targets = append(targets, s)
		}
	}
	r.sessionsMu.RUnlock()

	for _, session := range targets {
		session := session
		if session.enqueueSend(frame) {
			r.pool.Submit(func() { r.drainSession(session) })
		}
	}
}

// drainSession sends every frame queued in session's mailbox, in order,
// until it runs dry. It is only ever running once per session: the
// enqueueSend/dequeueSend pair under outboxMu ensures a second fanOut
// call arriving mid-drain appends to the same pass instead of starting
// a concurrent one.
func (r *Router) drainSession(session *Session) {
	for {
		frame, ok := session.dequeueSend()
		if !ok {
			return
		}
		sendOk := session.Sender.TrySend(frame)
		obsmetrics.BroadcastSendsTotal.WithLabelValues(boolLabel(sendOk)).Inc()
		if session.RecordSendResult(sendOk) {
			r.logger.Warn().Str("session", session.ID).Msg("router: disconnecting slow subscriber")
			r.alerts.Alert(alert.LevelCritical, "disconnecting slow subscriber", map[string]any{"session": session.ID, "remote": session.RemoteAddr})
			r.teardown(session, "slow_subscriber")
			return
		}
	}
}

func boolLabel(ok bool) string {
	if ok {
		return "ok"
	}
	return "dropped"
}

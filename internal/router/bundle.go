package router

import (
	"time"

	"github.com/clasp-systems/clasp/internal/clock"
	"github.com/clasp-systems/clasp/internal/codec"
	"github.com/clasp-systems/clasp/internal/obsmetrics"
	"github.com/clasp-systems/clasp/internal/security"
)

// handleBundle implements §4.8's two-phase apply. Nested bundles are
// already rejected by the decoder (codec.DecodeMessage never produces a
// Bundle containing another Bundle), so phase 1 here only needs to
// check scopes and simulate every inner Set.
func (r *Router) handleBundle(session *Session, m *codec.Bundle) error {
	if m.HasTimestamp {
		nowUs := clock.NowUs()
		if m.Timestamp > nowUs {
			delay := time.Duration(m.Timestamp-nowUs) * time.Microsecond
			if err := r.validateBundle(session, m); err != nil {
				obsmetrics.BundleResultTotal.WithLabelValues("rejected").Inc()
				return r.send(session, &codec.Error{Code: codeOf(err), Message: err.Error()})
			}
			time.AfterFunc(delay, func() { r.applyBundle(session, m) })
			return nil
		}
	}

	if err := r.validateBundle(session, m); err != nil {
		obsmetrics.BundleResultTotal.WithLabelValues("rejected").Inc()
		return r.send(session, &codec.Error{Code: codeOf(err), Message: err.Error()})
	}
	return r.applyBundle(session, m)
}

// validateBundle is phase 1: all-or-nothing scope checks plus a dry-run
// simulation of every inner Set against the current state snapshot.
func (r *Router) validateBundle(session *Session, m *codec.Bundle) error {
	for _, inner := range m.Messages {
		switch msg := inner.(type) {
		case codec.Set:
			if r.cfg.Authenticated && !security.Allows(session.Scopes, security.ActionWrite, msg.Address) {
				return &forbiddenError{Address: msg.Address}
			}
			var expected *uint64
			if msg.HasExpectedRevision {
				expected = &msg.ExpectedRevision
			}
			if err := r.store.SimulateSet(msg.Address, msg.Value, session.ID, expected, msg.Unlock); err != nil {
				return err
			}
		case codec.Publish:
			if r.cfg.Authenticated && !security.Allows(session.Scopes, security.ActionWrite, msg.Address) {
				return &forbiddenError{Address: msg.Address}
			}
		}
	}
	return nil
}

// applyBundle is phase 2: apply every Set and broadcast it under a
// single held write lock, so (a) subscribers never observe a partially-
// applied bundle and (b) every broadcast this bundle produces is
// submitted to each subscriber's mailbox in the same address-revision
// order it was committed in, matching a standalone Set's ordering
// guarantee (§5, §4.8).
func (r *Router) applyBundle(session *Session, m *codec.Bundle) error {
	var lastRevision uint64
	var hasRevision bool

	r.store.Lock(func() {
		for _, inner := range m.Messages {
			switch msg := inner.(type) {
			case codec.Set:
				var expected *uint64
				if msg.HasExpectedRevision {
					expected = &msg.ExpectedRevision
				}
				rev, err := r.store.ApplySetLocked(msg.Address, msg.Value, session.ID, expected, msg.Lock, msg.Unlock, clock.NowUs())
				if err != nil {
					// Phase 1 already validated this; a race against a
					// concurrent writer between phases is still possible
					// and is treated as a dropped inner message rather
					// than aborting an already-committing bundle.
					r.logger.Warn().Err(err).Str("address", msg.Address).Msg("router: bundle phase-2 set failed after phase-1 validation")
					continue
				}
				lastRevision = rev
				hasRevision = true
				r.broadcastSet(msg.Address, msg.Value, rev)
			case codec.Publish:
				msg := msg
				r.broadcastPublish(&msg)
			}
		}
	})

	obsmetrics.BundleResultTotal.WithLabelValues("applied").Inc()

	ack := &codec.Ack{}
	if hasRevision {
		ack.Revision = lastRevision
		ack.HasRevision = true
	}
	return r.send(session, ack)
}

type forbiddenError struct{ Address string }

func (e *forbiddenError) Error() string { return "router: write not permitted for " + e.Address }
func (e *forbiddenError) Code() uint16  { return codec.ErrCodeForbidden }

func codeOf(err error) uint16 {
	if we, ok := err.(codec.WireError); ok {
		return we.Code()
	}
	return codec.ErrCodeInternal
}

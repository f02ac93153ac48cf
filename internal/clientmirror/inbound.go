package clientmirror

import (
	"context"
	"fmt"

	"github.com/clasp-systems/clasp/internal/clock"
	"github.com/clasp-systems/clasp/internal/codec"
	"github.com/clasp-systems/clasp/internal/obsmetrics"
	"github.com/clasp-systems/clasp/internal/transport"
)

// readLoop owns one connection's inbound stream. gen identifies which
// (re)connection this loop belongs to; on disconnect it only signals
// the supervisor if it's still the current generation, so a stale loop
// from a connection the supervisor has already replaced can't trigger
// a duplicate reconnect cycle.
func (c *Client) readLoop(gen uint64, ctx context.Context, receiver transport.Receiver) {
	defer c.wg.Done()
	for {
		ev, err := receiver.Recv(ctx)
		if err != nil {
			c.onDisconnected(gen)
			return
		}
		switch ev.Kind {
		case transport.EventDisconnected, transport.EventError:
			c.onDisconnected(gen)
			return
		case transport.EventData:
			c.handleFrame(ev.Data)
		}
	}
}

// onDisconnected marks the Client disconnected and wakes the reconnect
// supervisor, unless this Client was closed on purpose or gen is no
// longer the live connection (the supervisor already moved on).
func (c *Client) onDisconnected(gen uint64) {
	if gen != c.generation.Load() {
		return
	}
	c.connected.Store(false)
	c.logger.Debug().Msg("clientmirror: disconnected")
	if c.intentionallyClosed.Load() {
		return
	}
	select {
	case c.reconnectSignal <- struct{}{}:
	default:
	}
}

func (c *Client) handleFrame(raw []byte) {
	frame, _, err := codec.DecodeFrame(raw)
	if err != nil {
		c.logger.Debug().Err(err).Msg("clientmirror: malformed frame")
		return
	}
	msg, err := codec.DecodeMessage(frame.Payload)
	if err != nil {
		c.logger.Debug().Err(err).Msg("clientmirror: malformed message")
		return
	}
	c.handleMessage(msg)
}

// handleMessage implements §4.9's inbound handler: decode, then
// dispatch by message type to the cache, subscription table,
// pending-get waiters, signal registry, clock, or query futures.
func (c *Client) handleMessage(msg codec.Message) {
	switch m := msg.(type) {
	case codec.Set:
		c.cache.setFromSet(m.Address, m.Value, m.ExpectedRevision)
		c.subs.dispatch(m.Address, Notification{Address: m.Address, Value: m.Value, Revision: m.ExpectedRevision, HasRevision: true})
	case codec.Snapshot:
		for _, pv := range m.Values {
			c.cache.setFromParamValue(pv)
			c.pending.resolve(pv.Address, pv.Value)
			c.subs.dispatch(pv.Address, Notification{Address: pv.Address, Value: pv.Value, Revision: pv.Revision, HasRevision: true})
		}
	case codec.Publish:
		c.subs.dispatch(m.Address, Notification{
			Address:       m.Address,
			Value:         m.Value,
			SignalType:    m.SignalType,
			HasSignalType: m.HasSignalType,
			Phase:         m.Phase,
			GestureID:     m.GestureID,
			HasGestureID:  m.HasGestureID,
			Timeline:      m.Timeline,
		})
	case codec.Error:
		c.setLastError(&wireError{code: m.Code, message: m.Message, address: m.Address, hasAddress: m.HasAddress})
	case codec.Ack:
		c.logger.Debug().Str("address", m.Address).Uint64("revision", m.Revision).Msg("clientmirror: ack")
	case codec.Announce:
		c.signals.announce(m.Signals)
	case codec.Sync:
		c.handleSync(m)
	case codec.Result:
		c.queries.resolve(m.Pattern, m.Signals)
	case codec.Bundle:
		for _, inner := range m.Messages {
			c.handleMessage(inner)
		}
	case codec.Pong:
		// No per-pong state; Sync carries the clock-offset payload.
	default:
		c.logger.Debug().Str("type", typeName(msg)).Msg("clientmirror: unhandled inbound message type")
	}
}

// handleSync feeds a completed Sync reply (t1..t4) into the clock
// estimator. t4 is this call's receive time.
func (c *Client) handleSync(m codec.Sync) {
	if !m.HasT2 || !m.HasT3 {
		return
	}
	t4 := clock.NowUs()
	offset, _ := c.clockSync.ProcessSync(m.T1, m.T2, m.T3, t4)
	obsmetrics.ClockOffsetMicroseconds.WithLabelValues(c.SessionID()).Set(float64(offset))
}

func typeName(msg codec.Message) string {
	return fmt.Sprintf("%T", msg)
}

// wireError adapts an inbound ERROR frame into a Go error, implementing
// codec.WireError so callers can still recover the numeric code.
type wireError struct {
	code       uint16
	message    string
	address    string
	hasAddress bool
}

func (e *wireError) Error() string {
	if e.hasAddress {
		return fmt.Sprintf("clientmirror: server error %d for %s: %s", e.code, e.address, e.message)
	}
	return fmt.Sprintf("clientmirror: server error %d: %s", e.code, e.message)
}

func (e *wireError) Code() uint16 { return e.code }

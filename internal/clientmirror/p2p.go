package clientmirror

import (
	"fmt"

	"github.com/clasp-systems/clasp/internal/value"
)

// p2pSignalAddress is the reserved address namespace the Router brokers
// peer-to-peer upgrade signalling over (offer/answer/ICE-style payloads
// for two Clients negotiating a direct connection): each session's own
// inbox is /p2p/<session-id>/signal, fed by PUBLISH Events the way any
// other signal is.
func p2pSignalAddress(sessionID string) string {
	return fmt.Sprintf("/p2p/%s/signal", sessionID)
}

// SessionID returns this Client's session id, assigned by the server's
// Welcome reply. Empty before the first successful Connect.
func (c *Client) SessionID() string {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.sessionID
}

// SignalPeer emits a peer-to-peer signalling payload (an SDP-style
// offer/answer, ICE candidate, or any application-defined negotiation
// message) to another Client's well-known signal address. The payload
// is wrapped with the sender's own session id so the receiving peer's
// OnPeerSignal callback can reply to the right address.
func (c *Client) SignalPeer(toSessionID string, payload value.Value) error {
	envelope := value.Array(value.String(c.SessionID()), payload)
	return c.Emit(p2pSignalAddress(toSessionID), envelope)
}

// OnPeerSignal subscribes this Client's own signal address so incoming
// peer-to-peer negotiation messages invoke cb with the sending peer's
// session id and payload. Requires Connect to have completed (it reads
// the session id assigned by Welcome).
func (c *Client) OnPeerSignal(cb func(fromSessionID string, payload value.Value)) (uint32, error) {
	addr := p2pSignalAddress(c.SessionID())
	return c.On(addr, func(n Notification) {
		arr, ok := n.Value.AsArray()
		if !ok || len(arr) != 2 {
			return
		}
		from, ok := arr[0].AsString()
		if !ok {
			return
		}
		cb(from, arr[1])
	})
}

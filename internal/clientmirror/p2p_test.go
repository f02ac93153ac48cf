package clientmirror

import (
	"context"
	"sync"
	"testing"

	"github.com/clasp-systems/clasp/internal/codec"
	"github.com/clasp-systems/clasp/internal/value"
)

// capturingSender is a fake transport.Sender that decodes and stores
// every frame it's handed, letting a test assert on what a Client sent
// without a real socket — the same role pipeTransport plays for the
// router package's tests, trimmed to just the outbound half.
type capturingSender struct {
	mu   sync.Mutex
	sent []codec.Message
}

func (s *capturingSender) Send(ctx context.Context, data []byte) error {
	frame, _, err := codec.DecodeFrame(data)
	if err != nil {
		return err
	}
	msg, err := codec.DecodeMessage(frame.Payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.sent = append(s.sent, msg)
	s.mu.Unlock()
	return nil
}

func (s *capturingSender) TrySend(data []byte) bool { return s.Send(context.Background(), data) == nil }
func (s *capturingSender) Close() error              { return nil }

func (s *capturingSender) last() codec.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sent) == 0 {
		return nil
	}
	return s.sent[len(s.sent)-1]
}

// connectedClient returns a Client wired to a capturingSender as if a
// handshake had already completed, without dialing a real transport.
func connectedClient(sessionID string) (*Client, *capturingSender) {
	c := New(DefaultConfig("ws://unused"))
	sender := &capturingSender{}
	c.connMu.Lock()
	c.sender = sender
	c.sessionID = sessionID
	c.connMu.Unlock()
	c.connected.Store(true)
	return c, sender
}

func TestSignalPeerEnvelopesSenderSessionID(t *testing.T) {
	c, sender := connectedClient("peer-a")

	if err := c.SignalPeer("peer-b", value.String("offer-sdp")); err != nil {
		t.Fatalf("SignalPeer: %v", err)
	}

	msg := sender.last()
	publish, ok := msg.(codec.Publish)
	if !ok {
		t.Fatalf("expected a Publish to have been sent, got %T", msg)
	}
	if publish.Address != "/p2p/peer-b/signal" {
		t.Fatalf("got address %q, want /p2p/peer-b/signal", publish.Address)
	}
	arr, ok := publish.Value.AsArray()
	if !ok || len(arr) != 2 {
		t.Fatalf("expected a 2-element envelope, got %v", publish.Value)
	}
	from, ok := arr[0].AsString()
	if !ok || from != "peer-a" {
		t.Fatalf("got from=%v, want peer-a", arr[0])
	}
	payload, ok := arr[1].AsString()
	if !ok || payload != "offer-sdp" {
		t.Fatalf("got payload=%v, want offer-sdp", arr[1])
	}
}

func TestOnPeerSignalDispatchesEnvelopeToCallback(t *testing.T) {
	c, _ := connectedClient("peer-b")

	var gotFrom string
	var gotPayload value.Value
	if _, err := c.OnPeerSignal(func(fromSessionID string, payload value.Value) {
		gotFrom = fromSessionID
		gotPayload = payload
	}); err != nil {
		t.Fatalf("OnPeerSignal: %v", err)
	}

	envelope := value.Array(value.String("peer-a"), value.String("answer-sdp"))
	c.subs.dispatch("/p2p/peer-b/signal", Notification{Address: "/p2p/peer-b/signal", Value: envelope})

	if gotFrom != "peer-a" {
		t.Fatalf("got from=%q, want peer-a", gotFrom)
	}
	if s, ok := gotPayload.AsString(); !ok || s != "answer-sdp" {
		t.Fatalf("got payload=%v, want answer-sdp", gotPayload)
	}
}

func TestOnPeerSignalIgnoresMalformedEnvelopes(t *testing.T) {
	c, _ := connectedClient("peer-b")

	called := false
	if _, err := c.OnPeerSignal(func(string, value.Value) { called = true }); err != nil {
		t.Fatalf("OnPeerSignal: %v", err)
	}

	// Not a 2-element array.
	c.subs.dispatch("/p2p/peer-b/signal", Notification{Address: "/p2p/peer-b/signal", Value: value.Array(value.String("only-one"))})
	// First element isn't a string.
	c.subs.dispatch("/p2p/peer-b/signal", Notification{Address: "/p2p/peer-b/signal", Value: value.Array(value.Int(1), value.String("x"))})

	if called {
		t.Fatal("callback should not fire for a malformed envelope")
	}
}

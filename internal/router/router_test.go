package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/clasp-systems/clasp/internal/alert"
	"github.com/clasp-systems/clasp/internal/codec"
	"github.com/clasp-systems/clasp/internal/value"
	"github.com/rs/zerolog"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.CleanupInterval = time.Hour // keep the sweep out of the way of these tests
	return cfg
}

// connect drives a full handshake over a fresh pipeTransport and returns
// the pipe once the Router's Welcome and initial Snapshot have arrived.
func connect(t *testing.T, r *Router) *pipeTransport {
	t.Helper()
	p := newPipeTransport()
	go r.ServeConn(context.Background(), p, p, "test-peer")

	p.deliver(encodeFrame(codec.QoSConfirm, codec.Hello{Version: 1, Name: "tester"}))

	msg, err := p.recvMessage()
	if err != nil {
		t.Fatalf("welcome: %v", err)
	}
	if _, ok := msg.(codec.Welcome); !ok {
		t.Fatalf("expected Welcome, got %T", msg)
	}
	msg, err = p.recvMessage()
	if err != nil {
		t.Fatalf("initial snapshot: %v", err)
	}
	if _, ok := msg.(codec.Snapshot); !ok {
		t.Fatalf("expected initial Snapshot, got %T", msg)
	}
	return p
}

func newTestRouter() *Router {
	return New(testConfig(), zerolog.Nop(), nil, nil)
}

func TestHandshakeRejectsWrongVersion(t *testing.T) {
	r := newTestRouter()
	defer r.Stop()

	p := newPipeTransport()
	done := make(chan struct{})
	go func() { r.ServeConn(context.Background(), p, p, "peer"); close(done) }()

	p.deliver(encodeFrame(codec.QoSConfirm, codec.Hello{Version: 99, Name: "tester"}))

	msg, err := p.recvMessage()
	if err != nil {
		t.Fatalf("expected an Error frame, got err: %v", err)
	}
	errMsg, ok := msg.(codec.Error)
	if !ok {
		t.Fatalf("expected codec.Error, got %T", msg)
	}
	if errMsg.Code != codec.ErrCodeUnsupportedVer {
		t.Fatalf("got error code %d, want ErrCodeUnsupportedVer", errMsg.Code)
	}
	<-done
}

func TestSetThenGetRoundTrips(t *testing.T) {
	r := newTestRouter()
	defer r.Stop()

	p := connect(t, r)
	p.deliver(encodeFrame(codec.QoSConfirm, codec.Set{Address: "/lights/1", Value: value.Float(0.75)}))

	msg, err := p.recvMessage()
	if err != nil {
		t.Fatalf("ack: %v", err)
	}
	ack, ok := msg.(codec.Ack)
	if !ok {
		t.Fatalf("expected Ack, got %T", msg)
	}
	if !ack.HasRevision || ack.Revision != 1 {
		t.Fatalf("expected revision 1 on first Set, got %+v", ack)
	}

	p.deliver(encodeFrame(codec.QoSConfirm, codec.Get{Address: "/lights/1"}))
	msg, err = p.recvMessage()
	if err != nil {
		t.Fatalf("get reply: %v", err)
	}
	snap, ok := msg.(codec.Snapshot)
	if !ok || len(snap.Values) != 1 {
		t.Fatalf("expected single-value Snapshot, got %+v (%T)", msg, msg)
	}
	got, _ := snap.Values[0].Value.AsFloat()
	if got != 0.75 {
		t.Fatalf("got %v, want 0.75", got)
	}
}

func TestSetFireAndForgetSendsNoAck(t *testing.T) {
	r := newTestRouter()
	defer r.Stop()

	p := connect(t, r)
	p.deliver(encodeFrame(codec.QoSFire, codec.Set{Address: "/lights/2", Value: value.Float(1)}))

	// Confirm the Set landed (via Get) without ever having received an Ack.
	p.deliver(encodeFrame(codec.QoSConfirm, codec.Get{Address: "/lights/2"}))
	msg, err := p.recvMessage()
	if err != nil {
		t.Fatalf("get reply: %v", err)
	}
	if _, ok := msg.(codec.Snapshot); !ok {
		t.Fatalf("expected Snapshot as the first and only reply, got %T", msg)
	}
}

func TestSubscribeReceivesBroadcastSet(t *testing.T) {
	r := newTestRouter()
	defer r.Stop()

	subscriber := connect(t, r)
	subscriber.deliver(encodeFrame(codec.QoSConfirm, codec.Subscribe{SubID: 1, Pattern: "/lights/**"}))
	msg, err := subscriber.recvMessage()
	if err != nil {
		t.Fatalf("subscribe snapshot: %v", err)
	}
	if _, ok := msg.(codec.Snapshot); !ok {
		t.Fatalf("expected Snapshot reply to Subscribe, got %T", msg)
	}

	writer := connect(t, r)
	writer.deliver(encodeFrame(codec.QoSConfirm, codec.Set{Address: "/lights/5", Value: value.Float(0.2)}))
	if _, err := writer.recvMessage(); err != nil {
		t.Fatalf("writer ack: %v", err)
	}

	msg, err = subscriber.recvMessage()
	if err != nil {
		t.Fatalf("expected broadcast Set/Snapshot, got err: %v", err)
	}
	switch m := msg.(type) {
	case codec.Snapshot:
		if len(m.Values) != 1 || m.Values[0].Address != "/lights/5" {
			t.Fatalf("unexpected broadcast snapshot: %+v", m)
		}
	case codec.Set:
		if m.Address != "/lights/5" {
			t.Fatalf("unexpected broadcast set: %+v", m)
		}
	default:
		t.Fatalf("unexpected broadcast message type %T", msg)
	}
}

func TestInvalidAddressReturnsError(t *testing.T) {
	r := newTestRouter()
	defer r.Stop()

	p := connect(t, r)
	p.deliver(encodeFrame(codec.QoSConfirm, codec.Set{Address: "not-an-address", Value: value.Float(1)}))

	msg, err := p.recvMessage()
	if err != nil {
		t.Fatalf("expected an Error frame, got err: %v", err)
	}
	if _, ok := msg.(codec.Error); !ok {
		t.Fatalf("expected codec.Error for an invalid address, got %T", msg)
	}
}

func TestRateLimitRejectsBurstAndAlerts(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitPerSec = 2

	alertCh := make(chan struct{}, 1)
	r := New(cfg, zerolog.Nop(), nil, alertFunc(func(level alert.Level, message string, fields map[string]any) {
		if message == "sustained rate-limit rejection" {
			select {
			case alertCh <- struct{}{}:
			default:
			}
		}
	}))
	defer r.Stop()

	p := connect(t, r)
	for i := 0; i < sustainedRateLimitRejections+5; i++ {
		p.deliver(encodeFrame(codec.QoSConfirm, codec.Set{Address: "/lights/1", Value: value.Float(1)}))
	}

	var sawRejection bool
	for i := 0; i < sustainedRateLimitRejections+5; i++ {
		msg, err := p.recvMessage()
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		if e, ok := msg.(codec.Error); ok && e.Code == codec.ErrCodeInternal {
			sawRejection = true
			break
		}
	}
	if !sawRejection {
		t.Fatal("expected at least one rate-limit Error after bursting past RateLimitPerSec")
	}

	select {
	case <-alertCh:
	case <-time.After(time.Second):
		t.Fatal("expected a sustained rate-limit rejection alert")
	}
}

// TestBundleRejectsAtomicallyOnOneInvalidSet drives a Bundle containing
// one valid Set and one revision-conflicting Set on the same address
// through handleBundle, and asserts the whole bundle is rejected as one
// unit: a single Error{400}, the address never lands in the Store, and
// a concurrently-subscribed session sees no broadcast for it
// (spec.md:229-230's worked Bundle-atomicity scenario).
func TestBundleRejectsAtomicallyOnOneInvalidSet(t *testing.T) {
	r := newTestRouter()
	defer r.Stop()

	subscriber := connect(t, r)
	subscriber.deliver(encodeFrame(codec.QoSConfirm, codec.Subscribe{SubID: 1, Pattern: "/bundle/**"}))
	if _, err := subscriber.recvMessage(); err != nil {
		t.Fatalf("subscribe snapshot: %v", err)
	}

	writer := connect(t, r)
	conflictingRevision := uint64(7)
	writer.deliver(encodeFrame(codec.QoSConfirm, codec.Bundle{
		Messages: []codec.Message{
			codec.Set{Address: "/bundle/a", Value: value.Float(1)},
			codec.Set{Address: "/bundle/a", Value: value.Float(2), ExpectedRevision: conflictingRevision, HasExpectedRevision: true},
		},
	}))

	msg, err := writer.recvMessage()
	if err != nil {
		t.Fatalf("expected a single Error reply to the bundle: %v", err)
	}
	errMsg, ok := msg.(codec.Error)
	if !ok {
		t.Fatalf("expected codec.Error, got %T", msg)
	}
	if errMsg.Code != codec.ErrCodeRevisionConflict {
		t.Fatalf("got error code %d, want ErrCodeRevisionConflict (400)", errMsg.Code)
	}

	writer.deliver(encodeFrame(codec.QoSConfirm, codec.Get{Address: "/bundle/a"}))
	msg, err = writer.recvMessage()
	if err != nil {
		t.Fatalf("get reply: %v", err)
	}
	if getErr, ok := msg.(codec.Error); !ok || getErr.Code != codec.ErrCodeAddressNotFound {
		t.Fatalf("expected AddressNotFound for an address the rejected bundle must not have touched, got %+v (%T)", msg, msg)
	}

	// A subsequent, ordinary Set on the same address must land at
	// revision 1 — proof the rejected bundle never committed anything —
	// and must be the only broadcast the subscriber ever sees for it.
	writer.deliver(encodeFrame(codec.QoSConfirm, codec.Set{Address: "/bundle/a", Value: value.Float(3)}))
	if _, err := writer.recvMessage(); err != nil {
		t.Fatalf("ack for follow-up set: %v", err)
	}

	msg, err = subscriber.recvMessage()
	if err != nil {
		t.Fatalf("expected exactly one broadcast for the follow-up set: %v", err)
	}
	set, ok := msg.(codec.Set)
	if !ok {
		t.Fatalf("expected broadcast codec.Set, got %T", msg)
	}
	if set.ExpectedRevision != 1 {
		t.Fatalf("follow-up set landed at revision %d, want 1 (rejected bundle must not have committed)", set.ExpectedRevision)
	}
}

// TestConcurrentSetsOnSameAddressBroadcastInRevisionOrder drives the same
// address through many concurrent writer sessions at once and asserts a
// subscriber observes the resulting SET broadcasts with strictly
// increasing revisions — i.e. in the same order they were committed,
// never reordered by the broadcast fan-out (spec.md:229: "Per (session,
// address), SET broadcasts are delivered to any given subscriber in
// revision order").
func TestConcurrentSetsOnSameAddressBroadcastInRevisionOrder(t *testing.T) {
	r := newTestRouter()
	defer r.Stop()

	subscriber := connect(t, r)
	subscriber.deliver(encodeFrame(codec.QoSConfirm, codec.Subscribe{SubID: 1, Pattern: "/concurrent/**"}))
	if _, err := subscriber.recvMessage(); err != nil {
		t.Fatalf("subscribe snapshot: %v", err)
	}

	const writers = 50
	conns := make([]*pipeTransport, writers)
	for i := range conns {
		conns[i] = connect(t, r)
	}

	var wg sync.WaitGroup
	start := make(chan struct{})
	wg.Add(writers)
	for _, p := range conns {
		p := p
		go func() {
			defer wg.Done()
			<-start
			p.deliver(encodeFrame(codec.QoSFire, codec.Set{Address: "/concurrent/x", Value: value.Float(1)}))
		}()
	}
	close(start)
	wg.Wait()

	var revisions []uint64
	for i := 0; i < writers; i++ {
		msg, err := subscriber.recvMessage()
		if err != nil {
			t.Fatalf("broadcast %d: %v", i, err)
		}
		set, ok := msg.(codec.Set)
		if !ok {
			t.Fatalf("expected broadcast codec.Set, got %T", msg)
		}
		revisions = append(revisions, set.ExpectedRevision)
	}

	if len(revisions) != writers {
		t.Fatalf("got %d broadcasts, want %d", len(revisions), writers)
	}
	for i, rev := range revisions {
		want := uint64(i + 1)
		if rev != want {
			t.Fatalf("broadcast %d had revision %d, want %d (observed order: %v)", i, rev, want, revisions)
		}
	}
}

// alertFunc adapts a plain function to alert.Sink for assertions in tests.
type alertFunc func(level alert.Level, message string, fields map[string]any)

func (f alertFunc) Alert(level alert.Level, message string, fields map[string]any) {
	f(level, message, fields)
}

func TestTeardownRemovesSession(t *testing.T) {
	r := newTestRouter()
	defer r.Stop()

	p := newPipeTransport()
	done := make(chan struct{})
	go func() { r.ServeConn(context.Background(), p, p, "peer"); close(done) }()

	p.deliver(encodeFrame(codec.QoSConfirm, codec.Hello{Version: 1, Name: "tester"}))
	if _, err := p.recvMessage(); err != nil {
		t.Fatalf("welcome: %v", err)
	}
	if _, err := p.recvMessage(); err != nil {
		t.Fatalf("initial snapshot: %v", err)
	}

	p.disconnect()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ServeConn did not return after disconnect")
	}

	r.sessionsMu.RLock()
	n := len(r.sessions)
	r.sessionsMu.RUnlock()
	if n != 0 {
		t.Fatalf("expected 0 sessions after teardown, got %d", n)
	}
}

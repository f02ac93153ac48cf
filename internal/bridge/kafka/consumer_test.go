package kafka

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
)

func TestTopicKeyAddressWithAndWithoutKey(t *testing.T) {
	if got := TopicKeyAddress("signals", []byte("token-42")); got != "/bridge/kafka/signals/token-42" {
		t.Fatalf("got %q", got)
	}
	if got := TopicKeyAddress("signals", nil); got != "/bridge/kafka/signals" {
		t.Fatalf("got %q", got)
	}
}

// fakeGuard lets prepare's three branches (rate limit, CPU brake, decode
// failure) be exercised without a governor.ResourceGuard or live broker.
type fakeGuard struct {
	allow       bool
	shouldPause bool
}

func (g fakeGuard) AllowBridgeMessage() bool { return g.allow }
func (g fakeGuard) ShouldPauseBridge() bool  { return g.shouldPause }

func newTestConsumer(guard ResourceGuard) *Consumer {
	return &Consumer{
		resourceGuard: guard,
		logger:        zerolog.Nop(),
		addrOf:        TopicKeyAddress,
	}
}

func TestPrepareDropsWhenRateLimited(t *testing.T) {
	c := newTestConsumer(fakeGuard{allow: false})
	record := &kgo.Record{Topic: "t", Key: []byte("k"), Value: []byte(`{"a":1}`)}
	if _, ok := c.prepare(record); ok {
		t.Fatal("expected prepare to drop when AllowBridgeMessage is false")
	}
	if c.dropped.Load() != 1 {
		t.Fatalf("dropped=%d, want 1", c.dropped.Load())
	}
}

func TestPrepareDropsWhenPaused(t *testing.T) {
	c := newTestConsumer(fakeGuard{allow: true, shouldPause: true})
	record := &kgo.Record{Topic: "t", Key: []byte("k"), Value: []byte(`{"a":1}`)}
	if _, ok := c.prepare(record); ok {
		t.Fatal("expected prepare to drop when ShouldPauseBridge is true")
	}
	if c.dropped.Load() != 1 {
		t.Fatalf("dropped=%d, want 1", c.dropped.Load())
	}
}

func TestPrepareFailsOnInvalidJSON(t *testing.T) {
	c := newTestConsumer(fakeGuard{allow: true})
	record := &kgo.Record{Topic: "t", Key: []byte("k"), Value: []byte(`not json`)}
	if _, ok := c.prepare(record); ok {
		t.Fatal("expected prepare to fail on invalid JSON")
	}
	if c.failed.Load() != 1 {
		t.Fatalf("failed=%d, want 1", c.failed.Load())
	}
}

func TestPrepareSucceeds(t *testing.T) {
	c := newTestConsumer(fakeGuard{allow: true})
	record := &kgo.Record{Topic: "signals", Key: []byte("42"), Value: []byte(`{"x":1.5}`)}
	rec, ok := c.prepare(record)
	if !ok {
		t.Fatal("expected prepare to succeed")
	}
	if rec.addr != "/bridge/kafka/signals/42" {
		t.Fatalf("addr=%q", rec.addr)
	}
	m, ok := rec.v.AsMap()
	if !ok {
		t.Fatalf("expected a map value, got %v", rec.v)
	}
	if f, _ := m["x"].AsFloat(); f != 1.5 {
		t.Fatalf("x=%v, want 1.5", f)
	}
}

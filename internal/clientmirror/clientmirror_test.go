package clientmirror

import (
	"testing"
	"time"

	"github.com/clasp-systems/clasp/internal/address"
	"github.com/clasp-systems/clasp/internal/codec"
	"github.com/clasp-systems/clasp/internal/value"
)

func TestBackoffDelayCapsAtMax(t *testing.T) {
	base := 100 * time.Millisecond
	max := time.Second
	if d := backoffDelay(base, max, 0); d != base {
		t.Fatalf("attempt 0: got %v, want %v", d, base)
	}
	if d := backoffDelay(base, max, 20); d != max {
		t.Fatalf("attempt 20: got %v, want capped at %v", d, max)
	}
	prev := backoffDelay(base, max, 1)
	next := backoffDelay(base, max, 2)
	if next <= prev {
		t.Fatalf("delay should grow with attempts: %v then %v", prev, next)
	}
}

func TestParamCacheSetAndGet(t *testing.T) {
	c := newParamCache()
	if _, ok := c.get("/lights/1"); ok {
		t.Fatal("empty cache should have no entry")
	}
	c.setFromSet("/lights/1", value.Float(0.5), 3)
	p, ok := c.get("/lights/1")
	if !ok {
		t.Fatal("expected entry after setFromSet")
	}
	if f, _ := p.Value.AsFloat(); f != 0.5 || p.Revision != 3 {
		t.Fatalf("got value=%v revision=%d, want 0.5/3", p.Value, p.Revision)
	}
}

func TestSubscriptionTableDispatchMatchesPattern(t *testing.T) {
	table := newSubscriptionTable()
	pattern, err := address.Compile("/lights/**")
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	table.allocate("/lights/**", pattern, nil, func(n Notification) {
		got = append(got, n.Address)
	})

	table.dispatch("/lights/room/1", Notification{Address: "/lights/room/1"})
	table.dispatch("/audio/master", Notification{Address: "/audio/master"})

	if len(got) != 1 || got[0] != "/lights/room/1" {
		t.Fatalf("got %v, want exactly one match for /lights/room/1", got)
	}
}

func TestSubscriptionTableFiltersBySignalType(t *testing.T) {
	table := newSubscriptionTable()
	pattern, _ := address.Compile("/touch/*")
	fired := 0
	table.allocate("/touch/*", pattern, []codec.SignalType{codec.SignalGesture}, func(n Notification) {
		fired++
	})

	table.dispatch("/touch/1", Notification{Address: "/touch/1", SignalType: codec.SignalEvent, HasSignalType: true})
	if fired != 0 {
		t.Fatalf("event-type notification should not match a gesture-only subscription, fired=%d", fired)
	}
	table.dispatch("/touch/1", Notification{Address: "/touch/1", SignalType: codec.SignalGesture, HasSignalType: true})
	if fired != 1 {
		t.Fatalf("gesture-type notification should match, fired=%d", fired)
	}
}

func TestPendingGetsResolve(t *testing.T) {
	p := newPendingGets()
	waiter := p.register("/lights/1")
	p.resolve("/lights/1", value.Int(42))

	select {
	case res := <-waiter:
		if !res.found {
			t.Fatal("expected found=true")
		}
		if n, _ := res.value.AsInt(); n != 42 {
			t.Fatalf("got %v, want 42", res.value)
		}
	default:
		t.Fatal("waiter channel should have a buffered result")
	}
}

func TestPendingGetsFailAll(t *testing.T) {
	p := newPendingGets()
	waiter := p.register("/lights/1")
	p.failAll(ErrConnectionClosed)

	select {
	case res := <-waiter:
		if res.err != ErrConnectionClosed {
			t.Fatalf("got err=%v, want ErrConnectionClosed", res.err)
		}
	default:
		t.Fatal("waiter channel should have a buffered failure")
	}
}

func TestSignalRegistryAnnounceAndQuery(t *testing.T) {
	r := newSignalRegistry()
	r.announce([]codec.SignalDef{
		{Address: "/lights/1", SignalType: codec.SignalParam},
		{Address: "/audio/master", SignalType: codec.SignalStream},
	})

	pattern, _ := address.Compile("/lights/**")
	got := r.query(pattern)
	if len(got) != 1 || got[0].Address != "/lights/1" {
		t.Fatalf("got %v, want exactly one /lights/1 def", got)
	}
	if len(r.all()) != 2 {
		t.Fatalf("all() should return both announced defs")
	}
}

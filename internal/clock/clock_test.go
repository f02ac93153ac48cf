package clock

import (
	"testing"
	"time"
)

func TestNowUsMonotonic(t *testing.T) {
	a := NowUs()
	time.Sleep(time.Millisecond)
	b := NowUs()
	if b <= a {
		t.Fatalf("NowUs not advancing: a=%d b=%d", a, b)
	}
}

func TestProcessSync(t *testing.T) {
	s := NewSync()
	// 10ms round trip with 100us held at the responder and symmetric
	// one-way delays (4950us each), so the peer clock reads 550us ahead.
	var t1 uint64 = 1_000_000
	var t2 uint64 = t1 + 5_000 + 500
	var t3 uint64 = t2 + 100
	var t4 uint64 = t1 + 10_000

	offset, rtt := s.ProcessSync(t1, t2, t3, t4)
	wantRTT := int64(9_900)
	if rtt != wantRTT {
		t.Errorf("rtt = %d, want %d", rtt, wantRTT)
	}
	if offset != s.Offset() || rtt != s.RTT() {
		t.Errorf("ProcessSync return values disagree with accessors")
	}
}

func TestNeedsSync(t *testing.T) {
	s := NewSync()
	if !s.NeedsSync(time.Hour) {
		t.Fatal("fresh Sync should need sync")
	}
	s.ProcessSync(1, 2, 3, 4)
	if s.NeedsSync(time.Hour) {
		t.Fatal("just-synced Sync should not need sync for an hour interval")
	}
	if !s.NeedsSync(0) {
		t.Fatal("zero interval should always need sync")
	}
}

func TestJitterBufferOrdering(t *testing.T) {
	b := NewJitterBuffer[string](1000)
	b.Push(5000, "c")
	b.Push(1000, "a")
	b.Push(3000, "b")

	if got := b.Ready(2000); len(got) != 1 || got[0] != "a" {
		t.Fatalf("Ready(2000) = %v, want [a]", got)
	}
	if got := b.Ready(4100); len(got) != 1 || got[0] != "b" {
		t.Fatalf("Ready(4100) = %v, want [b]", got)
	}
	if got := b.Ready(4500); len(got) != 0 {
		t.Fatalf("Ready(4500) = %v, want none (c not due until 6000)", got)
	}
	if got := b.Ready(6000); len(got) != 1 || got[0] != "c" {
		t.Fatalf("Ready(6000) = %v, want [c]", got)
	}
	if b.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", b.Len())
	}
}

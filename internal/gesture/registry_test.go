package gesture

import (
	"testing"
	"time"

	"github.com/clasp-systems/clasp/internal/codec"
)

func pub(addr string, gid uint32, phase codec.Phase) *codec.Publish {
	return &codec.Publish{Address: addr, GestureID: gid, Phase: phase, HasGestureID: true}
}

func TestProcessStartForwardsImmediately(t *testing.T) {
	r := New()
	outcome, got := r.Process(pub("/pad/1", 1, codec.PhaseStart))
	if outcome != Forward || got == nil {
		t.Fatalf("Start outcome = %v, want Forward", outcome)
	}
	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}
}

func TestProcessMoveBuffersAndOverwrites(t *testing.T) {
	r := New()
	r.Process(pub("/pad/1", 1, codec.PhaseStart))

	outcome, got := r.Process(pub("/pad/1", 1, codec.PhaseMove))
	if outcome != Buffered || got != nil {
		t.Fatalf("Move outcome = %v, %v, want Buffered, nil", outcome, got)
	}

	second := pub("/pad/1", 1, codec.PhaseMove)
	outcome, got = r.Process(second)
	if outcome != Buffered {
		t.Fatalf("second Move outcome = %v", outcome)
	}

	due := r.Flush()
	if len(due) != 0 {
		t.Fatalf("Flush before interval elapsed should be empty, got %d", len(due))
	}
}

func TestProcessEndForwardsPendingThenTerminal(t *testing.T) {
	r := New()
	r.Process(pub("/pad/1", 1, codec.PhaseStart))
	r.Process(pub("/pad/1", 1, codec.PhaseMove))

	end := pub("/pad/1", 1, codec.PhaseEnd)
	outcome, pending := r.Process(end)
	if outcome != ForwardPendingThenTerminal {
		t.Fatalf("End outcome = %v, want ForwardPendingThenTerminal", outcome)
	}
	if pending == nil || pending.Phase != codec.PhaseMove {
		t.Fatalf("expected pending Move to be returned for forwarding, got %v", pending)
	}
	if r.Len() != 0 {
		t.Fatalf("gesture should be removed after End, Len = %d", r.Len())
	}
}

func TestProcessCancelWithNoPendingMove(t *testing.T) {
	r := New()
	r.Process(pub("/pad/1", 1, codec.PhaseStart))
	outcome, got := r.Process(pub("/pad/1", 1, codec.PhaseCancel))
	if outcome != Forward || got.Phase != codec.PhaseCancel {
		t.Fatalf("Cancel with no pending Move: outcome=%v got=%v", outcome, got)
	}
}

func TestProcessPassthrough(t *testing.T) {
	r := New()
	msg := &codec.Publish{Address: "/lights/1", Phase: codec.PhaseNone}
	outcome, got := r.Process(msg)
	if outcome != Passthrough || got != nil {
		t.Fatalf("Passthrough outcome = %v, %v", outcome, got)
	}
}

func TestFlushRespectsInterval(t *testing.T) {
	r := New().WithInterval(5 * time.Millisecond)
	r.Process(pub("/pad/1", 1, codec.PhaseStart))
	r.Process(pub("/pad/1", 1, codec.PhaseMove))

	time.Sleep(10 * time.Millisecond)
	due := r.Flush()
	if len(due) != 1 {
		t.Fatalf("Flush after interval = %d items, want 1", len(due))
	}
}

func TestGCRemovesStaleEntries(t *testing.T) {
	r := New().WithMaxAge(5 * time.Millisecond)
	r.Process(pub("/pad/1", 1, codec.PhaseStart))
	time.Sleep(10 * time.Millisecond)
	r.GC()
	if r.Len() != 0 {
		t.Fatalf("GC should have removed stale gesture, Len = %d", r.Len())
	}
}

package state

import (
	"testing"

	"github.com/clasp-systems/clasp/internal/address"
	"github.com/clasp-systems/clasp/internal/value"
)

func mustPattern(t *testing.T, p string) *address.Pattern {
	t.Helper()
	pat, err := address.Compile(p)
	if err != nil {
		t.Fatalf("Compile(%q): %v", p, err)
	}
	return pat
}

func TestApplySetBasicLWW(t *testing.T) {
	s := New()
	rev, err := s.ApplySet("/lights/1", value.Int(50), "sess-a", nil, false, false, 1000)
	if err != nil {
		t.Fatalf("ApplySet: %v", err)
	}
	if rev != 1 {
		t.Fatalf("rev = %d, want 1", rev)
	}
	rev, err = s.ApplySet("/lights/1", value.Int(75), "sess-a", nil, false, false, 1001)
	if err != nil {
		t.Fatalf("ApplySet: %v", err)
	}
	if rev != 2 {
		t.Fatalf("rev = %d, want 2", rev)
	}
	pv, err := s.Get("/lights/1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if n, _ := pv.Value.AsInt(); n != 75 {
		t.Errorf("value = %d, want 75", n)
	}
}

func TestApplySetRevisionConflict(t *testing.T) {
	s := New()
	s.ApplySet("/x", value.Int(1), "a", nil, false, false, 0)
	bad := uint64(99)
	_, err := s.ApplySet("/x", value.Int(2), "a", &bad, false, false, 0)
	if _, ok := err.(*RevisionConflictError); !ok {
		t.Fatalf("err = %v, want RevisionConflictError", err)
	}
}

func TestApplySetLockHeld(t *testing.T) {
	s := New()
	s.ApplySet("/x", value.Int(1), "a", nil, true, false, 0)
	_, err := s.ApplySet("/x", value.Int(2), "b", nil, false, false, 0)
	if _, ok := err.(*LockHeldError); !ok {
		t.Fatalf("err = %v, want LockHeldError", err)
	}
	// Same writer can still update while holding the lock.
	if _, err := s.ApplySet("/x", value.Int(3), "a", nil, false, false, 0); err != nil {
		t.Fatalf("holder set should succeed: %v", err)
	}
	// Unlock releases it for others.
	if _, err := s.ApplySet("/x", value.Int(4), "a", nil, false, true, 0); err != nil {
		t.Fatalf("unlock should succeed: %v", err)
	}
	if _, err := s.ApplySet("/x", value.Int(5), "b", nil, false, false, 0); err != nil {
		t.Fatalf("after unlock, other writer should succeed: %v", err)
	}
}

func TestApplySetOutOfRange(t *testing.T) {
	s := New()
	s.SetMeta("/dimmer", ParamMeta{HasRange: true, Min: 0, Max: 100})
	if _, err := s.ApplySet("/dimmer", value.Int(50), "a", nil, false, false, 0); err != nil {
		t.Fatalf("in-range set failed: %v", err)
	}
	_, err := s.ApplySet("/dimmer", value.Int(150), "a", nil, false, false, 0)
	if _, ok := err.(*OutOfRangeError); !ok {
		t.Fatalf("err = %v, want OutOfRangeError", err)
	}
}

func TestApplySetMaxMinStrategy(t *testing.T) {
	s := New()
	s.SetMeta("/peak", ParamMeta{Strategy: StrategyMax})
	s.ApplySet("/peak", value.Float(5), "a", nil, false, false, 0)
	s.ApplySet("/peak", value.Float(3), "a", nil, false, false, 0)
	pv, _ := s.Get("/peak")
	if f, _ := pv.Value.AsFloat(); f != 5 {
		t.Errorf("max strategy kept %v, want 5", f)
	}

	s.SetMeta("/floor", ParamMeta{Strategy: StrategyMin})
	s.ApplySet("/floor", value.Float(5), "a", nil, false, false, 0)
	s.ApplySet("/floor", value.Float(3), "a", nil, false, false, 0)
	pv, _ = s.Get("/floor")
	if f, _ := pv.Value.AsFloat(); f != 3 {
		t.Errorf("min strategy kept %v, want 3", f)
	}
}

func TestApplySetMergeStrategyDefaultsToOverwrite(t *testing.T) {
	s := New()
	s.SetMeta("/merged", ParamMeta{Strategy: StrategyMerge})
	s.ApplySet("/merged", value.String("a"), "w", nil, false, false, 0)
	s.ApplySet("/merged", value.String("b"), "w", nil, false, false, 0)
	pv, _ := s.Get("/merged")
	if str, _ := pv.Value.AsString(); str != "b" {
		t.Errorf("merge strategy (no MergeFunc) = %q, want overwrite to %q", str, "b")
	}
}

func TestSnapshotAndFullSnapshot(t *testing.T) {
	s := New()
	s.ApplySet("/lights/1", value.Int(1), "a", nil, false, false, 0)
	s.ApplySet("/lights/2", value.Int(2), "a", nil, false, false, 0)
	s.ApplySet("/sensors/temp", value.Int(3), "a", nil, false, false, 0)

	lights := s.Snapshot(mustPattern(t, "/lights/*"))
	if len(lights) != 2 {
		t.Errorf("Snapshot(/lights/*) len = %d, want 2", len(lights))
	}
	all := s.FullSnapshot()
	if len(all) != 3 {
		t.Errorf("FullSnapshot len = %d, want 3", len(all))
	}
}

func TestChunkSnapshot(t *testing.T) {
	values := make([]ParamValue, 1801)
	for i := range values {
		values[i] = ParamValue{Address: "/x"}
	}
	chunks := ChunkSnapshot(values, 800)
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	if len(chunks[0]) != 800 || len(chunks[2]) != 201 {
		t.Errorf("chunk sizes = %d,%d,%d", len(chunks[0]), len(chunks[1]), len(chunks[2]))
	}
}

func TestAddressNotFound(t *testing.T) {
	s := New()
	_, err := s.Get("/missing")
	if _, ok := err.(*AddressNotFoundError); !ok {
		t.Fatalf("err = %v, want AddressNotFoundError", err)
	}
}

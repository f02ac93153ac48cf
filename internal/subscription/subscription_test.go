package subscription

import (
	"sort"
	"testing"

	"github.com/clasp-systems/clasp/internal/address"
	"github.com/clasp-systems/clasp/internal/codec"
)

func pattern(t *testing.T, p string) *address.Pattern {
	t.Helper()
	pat, err := address.Compile(p)
	if err != nil {
		t.Fatalf("Compile(%q): %v", p, err)
	}
	return pat
}

func TestInsertAndFindSubscribers(t *testing.T) {
	idx := New()
	idx.Insert("sess-a", 1, pattern(t, "/lights/**"), nil)
	idx.Insert("sess-b", 1, pattern(t, "/**"), nil)
	idx.Insert("sess-c", 1, pattern(t, "/sensors/*"), nil)

	got := idx.FindSubscribers("/lights/room/1", 0, false)
	sort.Strings(got)
	want := []string{"sess-a", "sess-b"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("FindSubscribers = %v, want %v", got, want)
	}
}

func TestReplaceExistingSubID(t *testing.T) {
	idx := New()
	idx.Insert("sess-a", 1, pattern(t, "/lights/**"), nil)
	idx.Insert("sess-a", 1, pattern(t, "/sensors/**"), nil)

	if idx.SessionSubscriptionCount("sess-a") != 1 {
		t.Fatalf("expected replace not duplicate, got count %d", idx.SessionSubscriptionCount("sess-a"))
	}
	got := idx.FindSubscribers("/lights/x", 0, false)
	if len(got) != 0 {
		t.Fatalf("stale pattern should no longer match: %v", got)
	}
	got = idx.FindSubscribers("/sensors/x", 0, false)
	if len(got) != 1 {
		t.Fatalf("replaced pattern should match: %v", got)
	}
}

func TestRemoveSessionAtomic(t *testing.T) {
	idx := New()
	idx.Insert("sess-a", 1, pattern(t, "/lights/**"), nil)
	idx.Insert("sess-a", 2, pattern(t, "/sensors/**"), nil)
	idx.Insert("sess-b", 1, pattern(t, "/lights/**"), nil)

	idx.RemoveSession("sess-a")

	if idx.SessionSubscriptionCount("sess-a") != 0 {
		t.Fatal("sess-a should have no subscriptions left")
	}
	got := idx.FindSubscribers("/lights/x", 0, false)
	if len(got) != 1 || got[0] != "sess-b" {
		t.Fatalf("FindSubscribers after removal = %v, want [sess-b]", got)
	}
}

func TestSignalTypeFilter(t *testing.T) {
	idx := New()
	idx.Insert("sess-a", 1, pattern(t, "/lights/**"), []codec.SignalType{codec.SignalEvent})

	if got := idx.FindSubscribers("/lights/x", codec.SignalStream, true); len(got) != 0 {
		t.Fatalf("stream publish should not match event-only subscription: %v", got)
	}
	if got := idx.FindSubscribers("/lights/x", codec.SignalEvent, true); len(got) != 1 {
		t.Fatalf("event publish should match: %v", got)
	}
	if got := idx.FindSubscribers("/lights/x", 0, false); len(got) != 1 {
		t.Fatalf("no type filter on the publish side should still match: %v", got)
	}
}

package address

import "testing"

func TestValidate(t *testing.T) {
	cases := map[string]bool{
		"/a/b/c": true,
		"/a//b":  false,
		"a/b":    false,
		"":       false,
		"/":      true,
		"/a_b-c.1": true,
	}
	for addr, want := range cases {
		err := Validate(addr)
		if (err == nil) != want {
			t.Errorf("Validate(%q) = %v, want ok=%v", addr, err, want)
		}
	}
}

func TestGlobMatch(t *testing.T) {
	cases := []struct {
		pattern, addr string
		want          bool
	}{
		{"/**", "/a/b/c", true},
		{"/a/*", "/a/b", true},
		{"/a/*", "/a/b/c", false},
		{"/a/**", "/a", true},
		{"/a/**", "/a/b/c", true},
		{"/a/*/c", "/a/b/c", true},
		{"/a/*/c", "/a/b/d", false},
		{"/lights/**", "/lights/room/1", true},
		{"/a/**/z", "/a/x/y/z", true},
		{"/a/**/z", "/a/z", true},
		{"/a/**/z", "/a/x/y/w", false},
	}
	for _, c := range cases {
		got, err := Match(c.pattern, c.addr)
		if err != nil {
			t.Fatalf("Match(%q,%q): %v", c.pattern, c.addr, err)
		}
		if got != c.want {
			t.Errorf("Match(%q,%q) = %v, want %v", c.pattern, c.addr, got, c.want)
		}
	}
}

func TestCompileRejectsEmpty(t *testing.T) {
	if _, err := Compile(""); err == nil {
		t.Fatal("expected error for empty pattern")
	}
}

func TestFirstSegment(t *testing.T) {
	if got := FirstSegment("/lights/room/1"); got != "lights" {
		t.Errorf("FirstSegment = %q", got)
	}
	if got := FirstSegment("/"); got != "" {
		t.Errorf("FirstSegment(/) = %q", got)
	}
}

package governor

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestGoroutineLimiterAcquireRelease(t *testing.T) {
	gl := NewGoroutineLimiter(2)
	if !gl.Acquire() {
		t.Fatal("first acquire should succeed")
	}
	if !gl.Acquire() {
		t.Fatal("second acquire should succeed")
	}
	if gl.Acquire() {
		t.Fatal("third acquire should fail at capacity")
	}
	gl.Release()
	if !gl.Acquire() {
		t.Fatal("acquire should succeed after release")
	}
	if gl.Current() != 2 {
		t.Fatalf("Current() = %d, want 2", gl.Current())
	}
}

func TestConnectionRateLimiterPerIP(t *testing.T) {
	crl := NewConnectionRateLimiter(ConnectionRateLimiterConfig{
		IPBurst:     1,
		IPRate:      0.001,
		GlobalBurst: 100,
		GlobalRate:  100,
		Logger:      zerolog.Nop(),
	})
	defer crl.Stop()

	if !crl.Allow("10.0.0.1") {
		t.Fatal("first connection from a fresh IP should be allowed")
	}
	if crl.Allow("10.0.0.1") {
		t.Fatal("second immediate connection from the same IP should be rate limited")
	}
	if !crl.Allow("10.0.0.2") {
		t.Fatal("a different IP should have its own bucket")
	}
}

func TestConnectionRateLimiterGlobal(t *testing.T) {
	crl := NewConnectionRateLimiter(ConnectionRateLimiterConfig{
		IPBurst:     100,
		IPRate:      100,
		GlobalBurst: 1,
		GlobalRate:  0.001,
		Logger:      zerolog.Nop(),
	})
	defer crl.Stop()

	if !crl.Allow("10.0.0.1") {
		t.Fatal("first connection should be allowed under the global budget")
	}
	if crl.Allow("10.0.0.2") {
		t.Fatal("second connection should exhaust the global budget even from a new IP")
	}
}

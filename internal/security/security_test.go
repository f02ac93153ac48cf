package security

import (
	"context"
	"testing"
	"time"
)

func TestParseScopeAndAllows(t *testing.T) {
	scopes, err := ParseScopes([]string{"write:/lights/**", "read:/sensors/*"})
	if err != nil {
		t.Fatalf("ParseScopes: %v", err)
	}
	if !Allows(scopes, ActionWrite, "/lights/room/1") {
		t.Error("expected write allowed under /lights/**")
	}
	if Allows(scopes, ActionWrite, "/sensors/temp") {
		t.Error("write should not be allowed under a read-only scope")
	}
	if !Allows(scopes, ActionRead, "/sensors/temp") {
		t.Error("expected read allowed under /sensors/*")
	}
	if Allows(scopes, ActionRead, "/sensors/room/temp") {
		t.Error("read should not reach two levels deep under single *")
	}
}

func TestParseScopeRejectsBad(t *testing.T) {
	if _, err := ParseScope("nocolon"); err == nil {
		t.Fatal("expected error for missing separator")
	}
	if _, err := ParseScope("frobnicate:/a"); err == nil {
		t.Fatal("expected error for unknown action")
	}
}

func TestAdminScopeAllowsAnyAction(t *testing.T) {
	scopes, err := ParseScopes([]string{"admin:/**"})
	if err != nil {
		t.Fatalf("ParseScopes: %v", err)
	}
	if !Allows(scopes, ActionWrite, "/anything/goes") {
		t.Error("admin scope should grant every action")
	}
	if !Allows(scopes, ActionRead, "/anything/goes") {
		t.Error("admin scope should grant every action")
	}
}

func TestCapabilityValidator(t *testing.T) {
	cv := NewCapabilityValidator()
	token := "cpsk_" + "abcdefghij0123456789ABCDEFGHIJKL"
	cv.Issue(token, Grant{Principal: Principal{Subject: "svc-lighting"}})

	verdict, principal, err := cv.ValidateToken(context.Background(), token)
	if err != nil || verdict != Valid {
		t.Fatalf("ValidateToken = %v, %v, want Valid", verdict, err)
	}
	if principal.Subject != "svc-lighting" {
		t.Errorf("Subject = %q", principal.Subject)
	}

	verdict, _, _ = cv.ValidateToken(context.Background(), "cpsk_tooshort")
	if verdict != Invalid {
		t.Errorf("short token verdict = %v, want Invalid", verdict)
	}

	verdict, _, _ = cv.ValidateToken(context.Background(), "bearer_something")
	if verdict != NotMyToken {
		t.Errorf("foreign prefix verdict = %v, want NotMyToken", verdict)
	}
}

func TestCapabilityExpiry(t *testing.T) {
	cv := NewCapabilityValidator()
	token := "cpsk_" + "abcdefghij0123456789ABCDEFGHIJKL"
	cv.Issue(token, Grant{
		Principal: Principal{Subject: "svc-expired"},
		ExpiresAt: time.Now().Add(-time.Minute),
	})
	verdict, _, _ := cv.ValidateToken(context.Background(), token)
	if verdict != Expired {
		t.Errorf("verdict = %v, want Expired", verdict)
	}
}

func TestChainFallthrough(t *testing.T) {
	cv := NewCapabilityValidator()
	token := "cpsk_" + "abcdefghij0123456789ABCDEFGHIJKL"
	cv.Issue(token, Grant{Principal: Principal{Subject: "svc-chain"}})
	chain := NewChain(cv)

	if v, _, _ := chain.Validate(context.Background(), token); v != Valid {
		t.Errorf("chain verdict = %v, want Valid", v)
	}
	if v, _, err := chain.Validate(context.Background(), "unknown_format"); v != Invalid || err == nil {
		t.Errorf("chain verdict for unrecognized token = %v, %v", v, err)
	}
}

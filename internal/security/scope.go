// Package security implements CLASP's token-based authorization: scopes,
// a chain-of-responsibility token validator, and the bundled capability
// (cpsk_) token format (§6).
package security

import (
	"fmt"
	"strings"

	"github.com/clasp-systems/clasp/internal/address"
	"github.com/clasp-systems/clasp/internal/codec"
)

// Action is one of the three grant classes a Scope carries (§4.7): Read,
// Write, or Admin (which implies both).
type Action string

const (
	ActionRead  Action = "read"
	ActionWrite Action = "write"
	ActionAdmin Action = "admin"
)

// ScopeError reports a scope string that ParseScopes could not parse.
type ScopeError struct{ Scope, Reason string }

func (e *ScopeError) Error() string {
	return fmt.Sprintf("security: invalid scope %q: %s", e.Scope, e.Reason)
}
func (e *ScopeError) Code() uint16 { return codec.ErrCodeInternal }

// Scope grants an Action over every address matching Pattern, written on
// the wire as "action:pattern", e.g. "write:/lights/**".
type Scope struct {
	Action  Action
	Pattern *address.Pattern
}

// ParseScopes parses a token's scope list, one "action:pattern" string per
// entry, failing on the first malformed entry.
func ParseScopes(raw []string) ([]Scope, error) {
	out := make([]Scope, 0, len(raw))
	for _, s := range raw {
		scope, err := ParseScope(s)
		if err != nil {
			return nil, err
		}
		out = append(out, scope)
	}
	return out, nil
}

// ParseScope parses a single "action:pattern" scope string.
func ParseScope(s string) (Scope, error) {
	action, pattern, ok := strings.Cut(s, ":")
	if !ok {
		return Scope{}, &ScopeError{Scope: s, Reason: "missing ':' separator"}
	}
	switch Action(action) {
	case ActionRead, ActionWrite, ActionAdmin:
	default:
		return Scope{}, &ScopeError{Scope: s, Reason: fmt.Sprintf("unknown action %q", action)}
	}
	compiled, err := address.Compile(pattern)
	if err != nil {
		return Scope{}, &ScopeError{Scope: s, Reason: err.Error()}
	}
	return Scope{Action: Action(action), Pattern: compiled}, nil
}

// Allows reports whether scopes grant action over addr: some scope's
// action must equal action or be Admin (Admin implies Read+Write), and
// its pattern must match addr (§4.7 "allows(Action, address)").
func Allows(scopes []Scope, action Action, addr string) bool {
	for _, sc := range scopes {
		if sc.Action != action && sc.Action != ActionAdmin {
			continue
		}
		if sc.Pattern.Matches(addr) {
			return true
		}
	}
	return false
}

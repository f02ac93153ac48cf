package security

import (
	"context"

	"github.com/clasp-systems/clasp/internal/codec"
)

// Verdict is the outcome a single TokenValidator reaches about a token it
// was asked to check.
type Verdict int

const (
	// NotMyToken means the validator doesn't recognize the token's format
	// (e.g. wrong prefix) and the chain should try the next validator.
	NotMyToken Verdict = iota
	// Valid means the token checked out; Principal carries the grant.
	Valid
	// Invalid means the token is malformed or its signature/shape failed.
	Invalid
	// Expired means the token's format was recognized but it is past its
	// validity window.
	Expired
)

func (v Verdict) String() string {
	switch v {
	case NotMyToken:
		return "not_my_token"
	case Valid:
		return "valid"
	case Invalid:
		return "invalid"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

// Principal is the identity and grant a validated token carries, attached
// to a Session once Hello's token passes the chain (§4.7).
type Principal struct {
	Subject string
	Scopes  []Scope
}

// TokenValidator is one link in the authentication chain. A server may
// register several (e.g. capability tokens, then a fallback), each trying
// to recognize and validate a token's specific format.
type TokenValidator interface {
	// ValidateToken inspects token and returns a Verdict. Principal is only
	// meaningful when the verdict is Valid.
	ValidateToken(ctx context.Context, token string) (Verdict, *Principal, error)
}

// Chain tries each validator in order, stopping at the first one that
// recognizes the token's format (Valid, Invalid, or Expired). A validator
// returning NotMyToken defers to the next link.
type Chain struct {
	validators []TokenValidator
}

// NewChain builds a Chain trying validators in the given order.
func NewChain(validators ...TokenValidator) *Chain {
	return &Chain{validators: validators}
}

// ChainError reports that no validator in the chain recognized a token.
type ChainError struct{}

func (e *ChainError) Error() string { return "security: no validator recognized token" }
func (e *ChainError) Code() uint16  { return codec.ErrCodeUnauthorized }

// Validate runs token through the chain, returning the first non-deferred
// verdict. If every validator defers, it returns (Invalid, nil, ChainError).
func (c *Chain) Validate(ctx context.Context, token string) (Verdict, *Principal, error) {
	for _, v := range c.validators {
		verdict, principal, err := v.ValidateToken(ctx, token)
		if verdict == NotMyToken {
			continue
		}
		return verdict, principal, err
	}
	return Invalid, nil, &ChainError{}
}

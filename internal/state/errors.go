package state

import (
	"fmt"

	"github.com/clasp-systems/clasp/internal/codec"
)

// LockHeldError reports a Set rejected because address is locked by a
// different session (§4.4 step 2).
type LockHeldError struct{ Holder string }

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("state: address locked by session %q", e.Holder)
}
func (e *LockHeldError) Code() uint16 { return codec.ErrCodeLockHeld }

// RevisionConflictError reports a Set whose expected_revision did not
// match the address's current revision (§4.4 step 3).
type RevisionConflictError struct{ Expected, Actual uint64 }

func (e *RevisionConflictError) Error() string {
	return fmt.Sprintf("state: revision conflict: expected %d, actual %d", e.Expected, e.Actual)
}
func (e *RevisionConflictError) Code() uint16 { return codec.ErrCodeRevisionConflict }

// OutOfRangeError reports a Set whose value violates the address's
// configured numeric range (§4.4 step 4).
type OutOfRangeError struct{ Address string }

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("state: value out of range for %q", e.Address)
}
func (e *OutOfRangeError) Code() uint16 { return codec.ErrCodeInvalidValue }

// AddressNotFoundError reports a Get for an address with no recorded
// state.
type AddressNotFoundError struct{ Address string }

func (e *AddressNotFoundError) Error() string {
	return fmt.Sprintf("state: address not found: %q", e.Address)
}
func (e *AddressNotFoundError) Code() uint16 { return codec.ErrCodeAddressNotFound }

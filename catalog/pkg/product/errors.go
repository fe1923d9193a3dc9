package product

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrInvalidAttributeValue is returned for rejected input. Nothing was sent to the warehouse.
	ErrInvalidAttributeValue = errors.New("invalid attribute value")
	// ErrStoreUnavailable is returned when the warehouse could not be reached or a statement
	// failed without changing anything.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrPartialTransition is returned when the prior version was (or may have been) expired
	// but the new version was not installed. Errors of this kind are *PartialTransitionError.
	ErrPartialTransition = errors.New("partial transition")
	// ErrInvariantViolation is returned when the stored history breaks the single-current or
	// non-overlap rules. Errors of this kind are *InvariantViolationError.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrMutationNotSent may be wrapped by Warehouse.Expire to signal that it failed before
	// the update statement was issued, so the stored rows are unchanged.
	ErrMutationNotSent = errors.New("mutation not sent")
)

// StoreError wraps a warehouse failure. It matches ErrStoreUnavailable.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store unavailable: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool { return target == ErrStoreUnavailable }

func storeUnavailable(op string, err error) error {
	return &StoreError{Op: op, Err: err}
}

func invalidAttribute(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidAttributeValue, fmt.Sprintf(format, args...))
}

// PendingTransition is everything needed to finish an interrupted transition with
// Writer.CompleteTransition.
type PendingTransition struct {
	// OpID identifies the version that was meant to be inserted.
	OpID uuid.UUID `json:"op_id"`
	// PriorOpID identifies the version that was current before the transition, nil if none.
	PriorOpID *uuid.UUID `json:"prior_op_id,omitempty"`
	// Version is the row to insert. Its ValidFrom is the timestamp the prior version was
	// expired at.
	Version Version `json:"version"`
	// ExpireUncertain is set when the expire statement failed in a way that may still have
	// applied it.
	ExpireUncertain bool `json:"expire_uncertain"`
}

// PartialTransitionError reports a transition stopped between expire and insert.
type PartialTransitionError struct {
	Pending PendingTransition
	Err     error
}

func (e *PartialTransitionError) Error() string {
	stage := "prior version expired but new version not installed"
	if e.Pending.ExpireUncertain {
		stage = "expire outcome unknown"
	}
	return fmt.Sprintf("partial transition for %q (op %s): %s: %v", e.Pending.Version.NaturalKey, e.Pending.OpID, stage, e.Err)
}

func (e *PartialTransitionError) Unwrap() error { return e.Err }

func (e *PartialTransitionError) Is(target error) bool { return target == ErrPartialTransition }

// InvariantViolationError reports stored history that breaks the dimension rules. It is
// reported, never repaired.
type InvariantViolationError struct {
	NaturalKey   string
	CurrentCount int
	Detail       string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("invariant violation for %q: %s", e.NaturalKey, e.Detail)
}

func (e *InvariantViolationError) Is(target error) bool { return target == ErrInvariantViolation }

func multipleCurrent(naturalKey string, n int) error {
	return &InvariantViolationError{
		NaturalKey:   naturalKey,
		CurrentCount: n,
		Detail:       fmt.Sprintf("%d current versions", n),
	}
}

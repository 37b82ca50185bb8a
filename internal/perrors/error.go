// Package perrors defines the closed set of error kinds and pool
// availability levels used across blockpoold, generalizing the
// teacher's menderError (fatal/transient cause-wrapping error) into a
// richer, still-small, kind-tagged error.
package perrors

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Kind is one of the closed set of error kinds a caller can branch on.
type Kind int

const (
	// Invalid means the request was malformed or violated a stated
	// precondition.
	Invalid Kind = iota
	// NotFound means a referenced entity (pool/filesystem/device UUID)
	// is not known.
	NotFound
	// AlreadyOwned means the target device bears another owner's
	// signature.
	AlreadyOwned
	// EncryptionInconsistent means devices within a pool disagree on
	// encryption info.
	EncryptionInconsistent
	// Busy means a transient kernel failure occurred; the caller may
	// retry.
	Busy
	// Io means a lower-layer I/O failure occurred.
	Io
	// Corrupt means on-disk metadata failed validation.
	Corrupt
	// Crypt means the key store or escrow client failed.
	Crypt
	// ActionDisabled means the operation was refused because the pool
	// is in a restricted availability level.
	ActionDisabled
	// RollbackErr means a multi-step operation failed and a
	// compensating rollback ran (successfully or not).
	RollbackErr
)

func (k Kind) String() string {
	switch k {
	case Invalid:
		return "Invalid"
	case NotFound:
		return "NotFound"
	case AlreadyOwned:
		return "AlreadyOwned"
	case EncryptionInconsistent:
		return "EncryptionInconsistent"
	case Busy:
		return "Busy"
	case Io:
		return "Io"
	case Corrupt:
		return "Corrupt"
	case Crypt:
		return "Crypt"
	case ActionDisabled:
		return "ActionDisabled"
	case RollbackErr:
		return "RollbackError"
	default:
		return "Unknown"
	}
}

// Level is a pool availability level, totally ordered Full < NoPoolChanges
// < NoRequests.
type Level int

const (
	Full Level = iota
	NoPoolChanges
	NoRequests
)

func (l Level) String() string {
	switch l {
	case Full:
		return "Full"
	case NoPoolChanges:
		return "NoPoolChanges"
	case NoRequests:
		return "NoRequests"
	default:
		return "Unknown"
	}
}

// Max returns the more restrictive (numerically greater) of a and b.
func Max(a, b Level) Level {
	if a > b {
		return a
	}
	return b
}

// Error is blockpoold's error type. It always carries a Kind and wraps an
// underlying cause with github.com/pkg/errors so callers retain a stack
// trace and errors.Cause() chains through it.
type Error struct {
	Kind  Kind
	cause error

	// Level is set only for ActionDisabled and RollbackErr: the
	// availability level the pool is left in.
	Level Level

	// RollbackOutcome is set only for RollbackErr: whether the
	// compensating rollback itself completed.
	RollbackOutcome RollbackOutcome
}

// RollbackOutcome records whether a RollbackError's compensation
// succeeded.
type RollbackOutcome int

const (
	RollbackSucceeded RollbackOutcome = iota
	RollbackFailed
)

func (r RollbackOutcome) String() string {
	if r == RollbackSucceeded {
		return "succeeded"
	}
	return "failed"
}

func (e *Error) Error() string {
	switch e.Kind {
	case ActionDisabled:
		return fmt.Sprintf("action disabled (pool at %s): %s", e.Level, e.cause)
	case RollbackErr:
		return fmt.Sprintf("rollback %s, pool now %s: %s", e.RollbackOutcome, e.Level, e.cause)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.cause)
	}
}

// Cause implements the github.com/pkg/errors Causer interface.
func (e *Error) Cause() error { return e.cause }

// Unwrap supports errors.Is/errors.As against the wrapped cause.
func (e *Error) Unwrap() error { return e.cause }

// New wraps cause with the given kind.
func New(kind Kind, cause error) *Error {
	return &Error{Kind: kind, cause: pkgerrors.WithStack(cause)}
}

// Newf is a convenience constructor taking a format string, mirroring the
// teacher's errors.Errorf usage.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return New(kind, fmt.Errorf(format, args...))
}

// ActionDisabledError builds the ActionDisabled variant.
func ActionDisabledError(level Level) *Error {
	return &Error{
		Kind:  ActionDisabled,
		cause: pkgerrors.Errorf("pool availability is restricted to %s", level),
		Level: level,
	}
}

// RollbackError builds the RollbackError variant, carrying the causal
// error, the rollback outcome, and the level the pool was left at.
func RollbackError(causal error, outcome RollbackOutcome, newLevel Level) *Error {
	return &Error{
		Kind:            RollbackErr,
		cause:           pkgerrors.WithStack(causal),
		Level:           newLevel,
		RollbackOutcome: outcome,
	}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var pe *Error
	if !errors.As(err, &pe) {
		return false
	}
	return pe.Kind == kind
}

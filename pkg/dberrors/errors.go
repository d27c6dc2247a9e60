// Package dberrors defines the engine's error kinds. Every error the core
// returns to a caller is one of a small, closed set of discriminants so
// collaborators can switch on kind instead of parsing messages.
package dberrors

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Kind is the discriminant carried by every error the engine returns.
type Kind int

const (
	NotFound Kind = iota
	AlreadyExists
	InvalidArgument
	Conflict
	DeadlockDetected
	Timeout
	IllegalState
	AtomicUpdate
	Corruption
	IOError
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "NotFound"
	case AlreadyExists:
		return "AlreadyExists"
	case InvalidArgument:
		return "InvalidArgument"
	case Conflict:
		return "Conflict"
	case DeadlockDetected:
		return "DeadlockDetected"
	case Timeout:
		return "Timeout"
	case IllegalState:
		return "IllegalState"
	case AtomicUpdate:
		return "AtomicUpdate"
	case Corruption:
		return "Corruption"
	case IOError:
		return "IOError"
	default:
		return "Unknown"
	}
}

// Error wraps a Kind with context and, via cockroachdb/errors, a captured
// stack trace. Fatal kinds (Corruption) keep the trace so a collaborator's
// diagnostic hook can report exactly where replay failed.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is lets errors.Is match one *Error against another *Error target by Kind
// alone. Any other target, including a bare Kind, never matches here; use
// the package-level Is below to test an error for a Kind.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

func new_(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg, cause: errors.WithStack(errors.New(msg))}
}

func wrap(kind Kind, cause error, msg string) *Error {
	return &Error{Kind: kind, Message: msg, cause: errors.Wrap(cause, msg)}
}

// Constructors, one per kind used by the core. Message text stays short and
// mechanical; callers compose it from collection/document/field names.

func NewNotFound(msg string) error           { return new_(NotFound, msg) }
func NewAlreadyExists(msg string) error      { return new_(AlreadyExists, msg) }
func NewInvalidArgument(msg string) error    { return new_(InvalidArgument, msg) }
func NewConflict(msg string) error           { return new_(Conflict, msg) }
func NewIllegalState(msg string) error       { return new_(IllegalState, msg) }
func NewTimeout(msg string) error            { return new_(Timeout, msg) }
func NewAtomicUpdate(msg string) error       { return new_(AtomicUpdate, msg) }
func WrapIOError(cause error, msg string) error    { return wrap(IOError, cause, msg) }
func WrapCorruption(cause error, msg string) error { return wrap(Corruption, cause, msg) }

// DeadlockError carries the victim transaction and the resource it was
// waiting on when the cycle was found.
type DeadlockError struct {
	Victim     string
	ResourceID string
	Cycle      []string
}

func (e *DeadlockError) Error() string {
	return fmt.Sprintf("%s: deadlock detected, victim %q on resource %q (cycle: %v)",
		DeadlockDetected, e.Victim, e.ResourceID, e.Cycle)
}

func (e *DeadlockError) KindOf() Kind { return DeadlockDetected }

// DuplicateKeyError is an AlreadyExists specialization naming the offending
// unique-index key.
type DuplicateKeyError struct {
	Index string
	Key   string
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("%s: duplicate key violation: key %q already exists in unique index %q",
		AlreadyExists, e.Key, e.Index)
}

func (e *DuplicateKeyError) KindOf() Kind { return AlreadyExists }

// AtomicUpdateError pins a failed operator to its collection, document,
// field path, and operation.
type AtomicUpdateError struct {
	Collection string
	ID         string
	Path       string
	Op         string
	Reason     string
}

func (e *AtomicUpdateError) Error() string {
	return fmt.Sprintf("%s: %s.%s field %q op %s: %s",
		AtomicUpdate, e.Collection, e.ID, e.Path, e.Op, e.Reason)
}

func (e *AtomicUpdateError) KindOf() Kind { return AtomicUpdate }

// KindOf reports the Kind of any error produced by this package, including
// the specialized struct types above, falling back to an unwrap search.
func KindOf(err error) (Kind, bool) {
	type kinded interface{ KindOf() Kind }
	for err != nil {
		if k, ok := err.(kinded); ok {
			return k.KindOf(), true
		}
		if e, ok := err.(*Error); ok {
			return e.Kind, true
		}
		err = errors.Unwrap(err)
	}
	return 0, false
}

// Is reports whether err carries the given Kind, whatever that Kind is.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

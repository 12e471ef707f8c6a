// Package errs defines the tagged error kinds shared across the storage,
// MVCC, consensus, and SQL layers.
//
// What: a single error kind enum plus a wrapping type carrying it.
// How: callers construct with New/Wrap and test with errors.As or Kind().
// Why: every layer needs to tell a client-retryable conflict (Serialization)
// apart from a fatal invariant violation (Internal) without string matching.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies why an operation failed.
type Kind int

const (
	// Parse marks a lexer/parser failure.
	Parse Kind = iota
	// Plan marks a name-resolution or type-mismatch failure at plan time.
	Plan
	// Value marks a type mismatch or constraint failure at evaluation or
	// write time.
	Value
	// Serialization marks an MVCC write conflict. Retryable by the client.
	Serialization
	// ReadOnly marks a mutation attempted inside a read-only transaction.
	ReadOnly
	// Abort marks a transaction that was rolled back.
	Abort
	// Internal marks an invariant violation. Nothing in this module panics
	// on it: it is returned like any other kind, and the SQL wire session
	// reports it to the client and keeps serving the connection.
	Internal
	// Io marks a storage or network failure.
	Io
)

func (k Kind) String() string {
	switch k {
	case Parse:
		return "Parse"
	case Plan:
		return "Plan"
	case Value:
		return "Value"
	case Serialization:
		return "Serialization"
	case ReadOnly:
		return "ReadOnly"
	case Abort:
		return "Abort"
	case Internal:
		return "Internal"
	case Io:
		return "Io"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type produced by this module. It carries a
// Kind so callers can branch on failure class without parsing messages.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a *Error with no wrapped cause.
func New(k Kind, format string, args ...any) error {
	return &Error{Kind: k, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a *Error that wraps an existing error as its cause.
func Wrap(k Kind, cause error, format string, args ...any) error {
	return &Error{Kind: k, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Is reports whether err carries the given Kind, unwrapping through the
// standard errors chain.
func Is(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}

// As extracts the underlying *Error, if any, unwrapping through the chain.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// Package engine implements the chunked orderbook, the trade state
// machine, and the escrow semantics that tie the stablecoin ledger to the
// BSV chain tracker.
package engine

import (
	"errors"
	"fmt"
)

// ErrorKind classifies engine failures. Each public operation returns a
// distinct kind so callers can tell a rejected input from a transient
// dependency failure.
type ErrorKind string

const (
	// KindValidation — malformed input; rejected at entry, no state change.
	KindValidation ErrorKind = "validation"

	// KindAuthorization — wrong or anonymous caller.
	KindAuthorization ErrorKind = "authorization"

	// KindCapacity — a ceiling or admission control tripped; retry later.
	KindCapacity ErrorKind = "capacity"

	// KindPrecondition — wrong entity state or a closed window.
	KindPrecondition ErrorKind = "precondition"

	// KindDuplication — a BSV txid is already bound to another trade.
	KindDuplication ErrorKind = "duplication"

	// KindVerification — an SPV check failed; surfaced, never penalised.
	KindVerification ErrorKind = "verification"

	// KindTransient — an external dependency failed; retry next cycle.
	KindTransient ErrorKind = "transient"

	// KindIntegrity — fatal inconsistency; the path refuses further
	// mutation until resolved.
	KindIntegrity ErrorKind = "integrity"
)

// Error is a classified engine failure with human-readable context.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

// Error implements error.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the kind from any error, defaulting to transient for
// unclassified failures.
func KindOf(err error) ErrorKind {
	var engineErr *Error
	if errors.As(err, &engineErr) {
		return engineErr.Kind
	}
	return KindTransient
}

func errValidation(format string, args ...interface{}) error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func errAuthorization(format string, args ...interface{}) error {
	return &Error{Kind: KindAuthorization, Message: fmt.Sprintf(format, args...)}
}

func errCapacity(format string, args ...interface{}) error {
	return &Error{Kind: KindCapacity, Message: fmt.Sprintf(format, args...)}
}

func errPrecondition(format string, args ...interface{}) error {
	return &Error{Kind: KindPrecondition, Message: fmt.Sprintf(format, args...)}
}

func errDuplication(format string, args ...interface{}) error {
	return &Error{Kind: KindDuplication, Message: fmt.Sprintf(format, args...)}
}

func errVerification(cause error, format string, args ...interface{}) error {
	return &Error{Kind: KindVerification, Message: fmt.Sprintf(format, args...), Err: cause}
}

func errTransient(cause error, format string, args ...interface{}) error {
	return &Error{Kind: KindTransient, Message: fmt.Sprintf(format, args...), Err: cause}
}

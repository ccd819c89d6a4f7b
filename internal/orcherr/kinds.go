// Package orcherr enumerates the error kinds observable to callers of the
// scheduling core (spec §7's error table), following the same sentinel-kind
// error-envelope pattern used by the HTTP API layer, adapted from HTTP
// status codes to scheduler-level kinds.
package orcherr

import "errors"

// Kind identifies which row of the error table an error belongs to.
type Kind string

const (
	KindCycleDetected           Kind = "CycleDetected"
	KindCapabilityUnsatisfiable Kind = "CapabilityUnsatisfiable"
	KindInsufficientFunds       Kind = "InsufficientFunds"
	KindWorkerLost              Kind = "WorkerLost"
	KindTimedOut                Kind = "TimedOut"
	KindWorkerError             Kind = "WorkerError"
	KindProtocolViolation       Kind = "ProtocolViolation"
	KindUnknownJob              Kind = "UnknownJob"
	KindCredentialMissing       Kind = "CredentialMissing"
)

// Error wraps a Kind with a human-readable message and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return string(e.Kind) + ": " + e.Message
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error of the given kind around an existing error.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err, if it (or something it wraps) is an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

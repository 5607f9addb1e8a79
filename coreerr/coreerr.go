// Package coreerr defines the domain error taxonomy shared by every
// transport, the router, and the pairing core. Components inspect the
// Kind via errors.As rather than matching on message substrings.
package coreerr

import (
	"errors"
	"fmt"
)

// Kind enumerates the error taxonomy from the routing-core error design.
type Kind string

const (
	// FatalMisconfig covers a missing destination, an invalid proxy URL,
	// or any other condition that makes the message unroutable. The
	// outbox does not retry a record for this kind; the Router marks it
	// expired.
	FatalMisconfig Kind = "FATAL_MISCONFIG"
	// RetryableSendFailure is a transient inability to deliver right now;
	// the outbox retains the record and schedules a retry.
	RetryableSendFailure Kind = "RETRYABLE_SEND_FAILURE"
	// TorNotReady means the external onion transport precondition is unmet.
	TorNotReady Kind = "TOR_NOT_READY"
	// InternalOnionNotReady means the built-in circuit isn't ready.
	InternalOnionNotReady Kind = "INTERNAL_ONION_NOT_READY"
	// AbortedTimeout means an internal timeout fired before completion.
	AbortedTimeout Kind = "ABORTED_TIMEOUT"
	// AbortedParent means a parent context was cancelled.
	AbortedParent Kind = "ABORTED_PARENT"
	// ForwardFailed is a controller-side routing failure; Details carries
	// the controller's reason string (e.g. "no_route_target").
	ForwardFailed Kind = "forward_failed"
	// DirectNotOpen means the direct data channel isn't open.
	DirectNotOpen Kind = "DIRECT_NOT_OPEN"
	// PairingExpired means the sync code's TTL has passed.
	PairingExpired Kind = "PAIRING_EXPIRED"
	// PairingReused means the sync code was already consumed.
	PairingReused Kind = "PAIRING_REUSED"
)

// Error is the concrete error type carrying a Kind, a human message, and
// optional machine-readable details (e.g. the forward_failed reason).
type Error struct {
	Kind    Kind
	Message string
	Details string
	Wrapped error
}

func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// New builds an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given kind wrapping an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Wrapped: cause}
}

// WithDetails attaches a details string (e.g. a forward_failed reason) and
// returns the same *Error for chaining at the call site.
func (e *Error) WithDetails(details string) *Error {
	e.Details = details
	return e
}

// ForwardFailedReason builds the forward_failed:{reason} family of errors
// used by the external onion adapter and controller client.
func ForwardFailedReason(reason string) *Error {
	return &Error{Kind: ForwardFailed, Message: "forward failed", Details: reason}
}

// Is reports whether err is a coreerr.Error of the given kind.
func Is(err error, kind Kind) bool {
	var ce *Error
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Kind == kind
}

// As recovers the *Error from err, following the chain of Unwrap calls.
func As(err error, target **Error) bool {
	return errors.As(err, target)
}

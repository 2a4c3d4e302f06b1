// Package proxyerr defines the machine-readable error kinds returned to
// callers in a ProxyResponse, and the Error type that carries one plus a
// human-readable message. Handlers return *Error rather than panicking or
// logging-and-swallowing, matching the gosuto config loader's pattern of
// returning wrapped errors up the call stack for the caller to format.
package proxyerr

import (
	"errors"
	"fmt"
)

// Kind is a stable machine-readable error tag. String values are fixed by
// the wire contract — never renumber or rename an existing Kind.
type Kind string

const (
	BadConfig             Kind = "BadConfig"
	MissingSecret         Kind = "MissingSecret"
	UnknownCaller         Kind = "UnknownCaller"
	UnknownConnection     Kind = "UnknownConnection"
	CallerLacksConnection Kind = "CallerLacksConnection"
	EndpointDenied        Kind = "EndpointDenied"
	RateLimited           Kind = "RateLimited"
	NotAuthorized         Kind = "NotAuthorized"
	UnknownPeer           Kind = "UnknownPeer"
	InvalidSignature      Kind = "InvalidSignature"
	TimestampSkew         Kind = "TimestampSkew"
	MalformedMessage      Kind = "MalformedMessage"
	ReplayDetected        Kind = "ReplayDetected"
	HandshakeTimeout      Kind = "HandshakeTimeout"
	SessionNotFound       Kind = "SessionNotFound"
	IngestorStartFailed   Kind = "IngestorStartFailed"
	IngestorNotRunning    Kind = "IngestorNotRunning"
	WebhookSignatureInvalid Kind = "WebhookSignatureInvalid"
	WebhookBadJSON          Kind = "WebhookBadJson"
	UpstreamError           Kind = "UpstreamError"

	// Additional C11 ingestor-manager kinds, scoped to targeted lifecycle ops.
	ConnectionHasNoIngestor Kind = "ConnectionHasNoIngestor"
	AlreadyRunning          Kind = "AlreadyRunning"
	NoIngestorRunning       Kind = "NoIngestorRunning"
)

// Error is the concrete error type every public operation in this module
// returns on failure. Secret values must never be interpolated into Message.
type Error struct {
	Kind    Kind
	Message string
	Wrapped error
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// New builds an *Error with no wrapped cause.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error carrying an underlying cause. The cause's own text
// is not inspected for secrets by this package — callers must redact first.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Wrapped: cause}
}

// As reports whether err is (or wraps) an *Error, returning it if so.
func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// WireError is the JSON shape of error in a ProxyResponse.
type WireError struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

// Wire converts e to its wire representation.
func (e *Error) Wire() WireError {
	return WireError{Kind: e.Kind, Message: e.Message}
}

// Package proxyerr defines the sentinel error kinds the proxy uses to decide
// how a failure should be handled, per the error taxonomy: setup-fatal
// errors abort the process, everything else tears down a single session
// (or is ignored outright, for benign cancellation).
package proxyerr

import "errors"

var (
	// ErrProtocolReject marks a SOCKS5 negotiation failure: wrong version,
	// unsupported method, command or address type. The session is dropped,
	// no reply is sent.
	ErrProtocolReject = errors.New("socks5: protocol rejected")

	// ErrAborted marks a hard abort: the session tore down because an I/O
	// operation failed. During negotiation this includes the client
	// closing the connection (EOF) before the request is complete.
	ErrAborted = errors.New("session: aborted")

	// ErrClosed marks a graceful close: the OS socket reached EOF and the
	// PCB close handshake was started.
	ErrClosed = errors.New("session: closed")

	// ErrCancelled marks a benign cancellation of an in-flight operation
	// during teardown. Never propagated past the pump; callers should
	// treat it as a no-op.
	ErrCancelled = errors.New("session: operation cancelled")

	// ErrResourcePressure marks a transient resource failure (packet
	// buffer pool exhaustion) that is logged and does not tear anything
	// down.
	ErrResourcePressure = errors.New("tun: resource pressure")
)

// Reject returns an error whose message is reason and which matches
// ErrProtocolReject under errors.Is, so callers can disposition on the kind
// while still logging the specific reason.
func Reject(reason string) error {
	return &taggedError{reason: reason, sentinel: ErrProtocolReject}
}

// Abort wraps cause (which may be nil) with ErrAborted.
func Abort(reason string, cause error) error {
	return &taggedError{reason: reason, cause: cause, sentinel: ErrAborted}
}

type taggedError struct {
	reason   string
	cause    error
	sentinel error
}

func (e *taggedError) Error() string {
	if e.cause != nil {
		return e.reason + ": " + e.cause.Error()
	}
	return e.reason
}

func (e *taggedError) Unwrap() error {
	if e.cause != nil {
		return e.cause
	}
	return e.sentinel
}

func (e *taggedError) Is(target error) bool {
	return target == e.sentinel
}

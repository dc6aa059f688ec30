// Package errors defines the tagged error taxonomy the E2EE core reports to its
// callers. Every failure mode is a value, never a panic, and never carries key
// bytes, plaintext, or internal file paths in its sanitized message.
package errors

import (
	"errors"
	"fmt"
)

// Kind is a stable tag identifying a class of failure. Callers should switch on
// Kind, not on message text.
type Kind string

const (
	// Input/format
	MalformedEnvelope Kind = "malformed_envelope"
	UnknownVersion    Kind = "unknown_version"
	BadSignature      Kind = "bad_signature"

	// Key lookup
	UnknownPreKey       Kind = "unknown_prekey"
	UnknownSession      Kind = "unknown_session"
	UnknownMessageIndex Kind = "unknown_message_index"

	// Ratchet
	DuplicateOrTooOld Kind = "duplicate_or_too_old"
	SkipOverflow      Kind = "skip_overflow"
	UnrecoverableKey  Kind = "unrecoverable_key"

	// Crypto
	AeadAuth Kind = "aead_auth"

	// State
	KeystoreIo       Kind = "keystore_io"
	KeystoreConflict Kind = "keystore_conflict"

	// Transport
	TransportTimeout Kind = "transport_timeout"
	TransportRefused Kind = "transport_refused"

	// Policy
	NoOneTimeKeys Kind = "no_one_time_keys"
)

// Error is the sanitized error value surfaced across the core's API boundary.
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

// New builds a sanitized error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap attaches a kind and sanitized message to an underlying cause, keeping the
// cause available via errors.Unwrap but never embedding it in Error() beyond
// its own %v (callers that need the raw cause for logging should Unwrap it
// themselves; the top-level Message must stay free of secrets).
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// Is reports whether err (or anything it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind tagging err, or KeystoreIo if err was not built by
// New/Wrap (a bug elsewhere, not a condition callers should switch on).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KeystoreIo
}

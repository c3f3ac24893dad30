// Package coreerr defines the error taxonomy surfaced by the core to the
// Facade and, through it, to the host UI/FFI layer. Every operation in this
// module returns one of these kinds (or wraps a lower-level error inside
// Transport/Storage/Protocol) so callers can classify failures without
// string-matching.
package coreerr

import (
	"errors"
	"fmt"
)

// Kind discriminates the error taxonomy. FFI consumers receive this as a
// stable integer discriminant.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotInitialized
	KindNotLoggedIn
	KindTrustRequiredServer
	KindTrustRequiredPeer
	KindSasMismatch
	KindInvalidArgument
	KindBusy
	KindTransport
	KindProtocol
	KindCrypto
	KindStorage
	KindShutdown
)

func (k Kind) String() string {
	switch k {
	case KindNotInitialized:
		return "NotInitialized"
	case KindNotLoggedIn:
		return "NotLoggedIn"
	case KindTrustRequiredServer:
		return "TrustRequired(server)"
	case KindTrustRequiredPeer:
		return "TrustRequired(peer)"
	case KindSasMismatch:
		return "SasMismatch"
	case KindInvalidArgument:
		return "InvalidArgument"
	case KindBusy:
		return "Busy"
	case KindTransport:
		return "Transport"
	case KindProtocol:
		return "Protocol"
	case KindCrypto:
		return "Crypto"
	case KindStorage:
		return "Storage"
	case KindShutdown:
		return "Shutdown"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type returned across the core. It carries the
// taxonomy kind, an optional field name (for InvalidArgument), the wrapped
// low-level cause, and a host-facing toast message.
type Error struct {
	Kind  Kind
	Field string // populated for KindInvalidArgument
	Msg   string // short context string, safe to log
	Cause error  // wrapped low-level error, may be nil
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	if e.Field != "" {
		return fmt.Sprintf("%s[%s]: %s", e.Kind, e.Field, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// UserMessage renders a short, Toast-friendly string for the host UI. It
// never includes secret material or raw cause text for Crypto errors.
func (e *Error) UserMessage() string {
	switch e.Kind {
	case KindNotInitialized:
		return "The app isn't ready yet. Please try again."
	case KindNotLoggedIn:
		return "Please log in first."
	case KindTrustRequiredServer:
		return "This server's identity has changed or is unverified. Please confirm before continuing."
	case KindTrustRequiredPeer:
		return "This contact's identity has changed or is unverified. Please confirm before continuing."
	case KindSasMismatch:
		return "The verification code didn't match. Please try again."
	case KindInvalidArgument:
		if e.Field != "" {
			return fmt.Sprintf("%s isn't valid.", e.Field)
		}
		return "That isn't valid."
	case KindBusy:
		return "Still working on a previous request. Please wait a moment."
	case KindTransport:
		return "Couldn't reach the server. We'll keep retrying."
	case KindProtocol:
		return e.Msg
	case KindCrypto:
		return "A security check failed. Nothing was sent."
	case KindStorage:
		return "Couldn't save that locally. Please try again."
	case KindShutdown:
		return "The app is shutting down."
	default:
		return "Something went wrong."
	}
}

func New(kind Kind, msg string) *Error { return &Error{Kind: kind, Msg: msg} }

func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

func InvalidArgument(field, msg string) *Error {
	return &Error{Kind: KindInvalidArgument, Field: field, Msg: msg}
}

func Transport(cause error) *Error {
	return &Error{Kind: KindTransport, Msg: "transport", Cause: cause}
}

func Protocol(msg string) *Error {
	return &Error{Kind: KindProtocol, Msg: msg}
}

func Storage(msg string, cause error) *Error {
	return &Error{Kind: KindStorage, Msg: msg, Cause: cause}
}

// TrustRequired builds the server- or peer-kinded trust gate error.
func TrustRequired(peer bool) *Error {
	if peer {
		return &Error{Kind: KindTrustRequiredPeer, Msg: "peer identity not trusted"}
	}
	return &Error{Kind: KindTrustRequiredServer, Msg: "server identity not trusted"}
}

var (
	ErrSasMismatch     = &Error{Kind: KindSasMismatch, Msg: "SAS input did not match"}
	ErrNotInitialized  = &Error{Kind: KindNotInitialized, Msg: "init() not called"}
	ErrNotLoggedIn     = &Error{Kind: KindNotLoggedIn, Msg: "no active session"}
	ErrBusy            = &Error{Kind: KindBusy, Msg: "resource busy"}
	ErrShutdown        = &Error{Kind: KindShutdown, Msg: "client shutting down"}
)

// KindOf extracts the Kind from err, or KindUnknown if err isn't one of ours.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err is a coreerr.Error of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

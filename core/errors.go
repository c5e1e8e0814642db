package core

import "errors"

// Kind classifies an error by the taxonomy the orchestrator and callers
// reason about, independent of the concrete Go type that carries it.
type Kind uint8

const (
	KindCryptoFailure Kind = iota
	KindValidationFailure
	KindReplayDetected
	KindEpochMismatch
	KindNoMatchingKeyPackage
	KindStorageCorrupt
	KindWrongPassphrase
	KindNetworkFailure
	KindPermissionDenied
	KindRateLimited
)

func (k Kind) String() string {
	switch k {
	case KindCryptoFailure:
		return "CryptoFailure"
	case KindValidationFailure:
		return "ValidationFailure"
	case KindReplayDetected:
		return "ReplayDetected"
	case KindEpochMismatch:
		return "EpochMismatch"
	case KindNoMatchingKeyPackage:
		return "NoMatchingKeyPackage"
	case KindStorageCorrupt:
		return "StorageCorrupt"
	case KindWrongPassphrase:
		return "WrongPassphrase"
	case KindNetworkFailure:
		return "NetworkFailure"
	case KindPermissionDenied:
		return "PermissionDenied"
	case KindRateLimited:
		return "RateLimited"
	default:
		return "Unknown"
	}
}

// Error is the structured error every component returns upward. The
// Orchestrator inspects Kind rather than unwrapping concrete types.
type Error struct {
	Kind    Kind
	Op      string
	Wrapped error
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return e.Op + ": " + e.Kind.String() + ": " + e.Wrapped.Error()
	}
	return e.Op + ": " + e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Wrapped }

func newErr(op string, kind Kind, wrapped error) *Error {
	return &Error{Op: op, Kind: kind, Wrapped: wrapped}
}

// KindOf returns the Kind of err if it (or something it wraps) is an *Error,
// and false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// Is lets callers write errors.Is(err, core.KindReplayDetected) style checks
// via a thin sentinel wrapper, matching the taxonomy's "kind, not type" rule.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

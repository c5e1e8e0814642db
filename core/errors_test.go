package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorIsMatchesWrappedKind(t *testing.T) {
	base := newErr("SomeOp", KindValidationFailure, fmt.Errorf("bad input"))
	wrapped := fmt.Errorf("context: %w", base)
	if !Is(wrapped, KindValidationFailure) {
		t.Fatal("expected Is to see through fmt.Errorf wrapping via errors.As")
	}
	if Is(wrapped, KindCryptoFailure) {
		t.Fatal("expected Is to reject a mismatched kind")
	}
}

func TestKindOfFalseForPlainError(t *testing.T) {
	if _, ok := KindOf(errors.New("plain")); ok {
		t.Fatal("expected KindOf to report false for a non-*Error")
	}
}

func TestErrorUnwrapReturnsWrapped(t *testing.T) {
	inner := fmt.Errorf("inner failure")
	e := newErr("Op", KindNetworkFailure, inner)
	if errors.Unwrap(e) != inner {
		t.Fatal("expected Unwrap to return the wrapped error")
	}
}

func TestKindStringCoversAllValues(t *testing.T) {
	kinds := []Kind{
		KindCryptoFailure, KindValidationFailure, KindReplayDetected,
		KindEpochMismatch, KindNoMatchingKeyPackage, KindStorageCorrupt,
		KindWrongPassphrase, KindNetworkFailure, KindPermissionDenied, KindRateLimited,
	}
	seen := make(map[string]bool)
	for _, k := range kinds {
		s := k.String()
		if s == "" || s == "Unknown" {
			t.Fatalf("expected a named string for %d, got %q", k, s)
		}
		if seen[s] {
			t.Fatalf("duplicate Kind.String() value %q", s)
		}
		seen[s] = true
	}
}

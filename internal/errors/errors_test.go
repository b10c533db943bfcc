package errors

import (
	"errors"
	"testing"
)

func TestSearchError_ErrorIncludesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := IO("write group", cause, true)

	if got := err.Error(); got != "[IO] write group: disk full" {
		t.Errorf("Error() = %q", got)
	}
}

func TestSearchError_UnwrapReturnsCause(t *testing.T) {
	cause := errors.New("boom")
	err := IO("write group", cause, false)

	if errors.Unwrap(err) != cause {
		t.Error("Unwrap() should return the wrapped cause")
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is should see through to the cause")
	}
}

func TestSearchError_IsMatchesByKind(t *testing.T) {
	a := Validation("missing peaks", nil)
	b := Validation("missing precursor_mz", nil)

	if !errors.Is(a, b) {
		t.Error("two validation errors should match via errors.Is by kind")
	}

	c := ModeMismatch("no neutral-loss arrays")
	if errors.Is(a, c) {
		t.Error("errors of different kinds should not match")
	}
}

func TestIsKind(t *testing.T) {
	err := StateViolation("library has unbuilt pending spectra")
	if !IsKind(err, KindStateViolation) {
		t.Error("IsKind should recognize the kind")
	}
	if IsKind(err, KindIO) {
		t.Error("IsKind should reject the wrong kind")
	}
	if IsKind(errors.New("plain"), KindStateViolation) {
		t.Error("IsKind should return false for non-SearchError values")
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(IO("transient", nil, true)) {
		t.Error("retryable IO error should report IsRetryable")
	}
	if IsRetryable(Validation("bad input", nil)) {
		t.Error("validation errors are never retryable")
	}
}

func TestCancelled(t *testing.T) {
	err := Cancelled()
	if err.Kind != KindCancelled {
		t.Errorf("Cancelled().Kind = %v, want %v", err.Kind, KindCancelled)
	}
}

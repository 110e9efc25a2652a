package protocol

import "testing"

func TestIsKnownCode(t *testing.T) {
	cases := []string{
		"",
		ErrBadRequest,
		ErrUnauthorized,
		ErrNotFound,
		ErrConflict,
		ErrOccupied,
		ErrNoResource,
		ErrBusy,
		ErrRateLimit,
		ErrInternal,
	}
	for _, c := range cases {
		if !IsKnownCode(c) {
			t.Fatalf("expected known code: %q", c)
		}
	}
	if IsKnownCode("E_NOT_DEFINED") {
		t.Fatalf("expected unknown code rejected")
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(ErrConflict) || !Retryable(ErrBusy) {
		t.Fatalf("conflict and busy must be retryable")
	}
	if Retryable(ErrOccupied) || Retryable(ErrBadRequest) {
		t.Fatalf("occupied and bad request must not be retryable")
	}
}

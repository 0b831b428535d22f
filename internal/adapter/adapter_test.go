package adapter

import (
	"errors"
	"testing"
)

func TestNewAdapterErrorClassification(t *testing.T) {
	cases := []struct {
		msg  string
		want ErrorKind
	}{
		{"429 too many requests", KindRateLimited},
		{"dial tcp: connection refused", KindTransient},
		{"order would cross the book (post only)", KindPostOnlyRejected},
		{"order not found", KindOrderNotFound},
		{"insufficient margin", KindInsufficientFunds},
		{"exceeds max position limit", KindPositionLimit},
		{"400 bad request: malformed body", KindInvalidRequest},
		{"something completely unexpected", KindUnknown},
	}

	for _, c := range cases {
		err := NewAdapterError("place", errors.New(c.msg))
		if err.Kind != c.want {
			t.Errorf("classify(%q) = %v, want %v", c.msg, err.Kind, c.want)
		}
	}
}

func TestNewAdapterErrorNilPassthrough(t *testing.T) {
	if NewAdapterError("place", nil) != nil {
		t.Errorf("expected nil AdapterError for nil input error")
	}
}

func TestAdapterErrorUnwrap(t *testing.T) {
	inner := errors.New("timeout")
	err := NewAdapterError("place", inner)
	if !errors.Is(err, inner) {
		t.Errorf("expected errors.Is to unwrap to the original error")
	}
}

func TestIsRetryable(t *testing.T) {
	if !KindTransient.IsRetryable() {
		t.Errorf("KindTransient should be retryable")
	}
	if !KindRateLimited.IsRetryable() {
		t.Errorf("KindRateLimited should be retryable")
	}
	if KindInvalidRequest.IsRetryable() {
		t.Errorf("KindInvalidRequest should not be retryable")
	}
	if KindPositionLimit.IsRetryable() {
		t.Errorf("KindPositionLimit should not be retryable")
	}
}

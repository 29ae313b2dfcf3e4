package providers

import (
	"context"
	"errors"
	"net/http"
	"testing"
)

func TestClassTable_RetryabilityAndStatus(t *testing.T) {
	cases := []struct {
		class     Class
		retryable bool
		status    int
	}{
		{ClassAuth, false, http.StatusBadGateway},
		{ClassValidation, false, http.StatusBadRequest},
		{ClassConflict, false, http.StatusConflict},
		{ClassRateLimit, true, http.StatusServiceUnavailable},
		{ClassUpstream, true, http.StatusBadGateway},
		{ClassTransient, true, http.StatusServiceUnavailable},
		{ClassProviderTerminal, false, http.StatusConflict},
		{ClassTimeout, true, http.StatusGatewayTimeout},
		{ClassUnknown, false, http.StatusBadGateway},
	}

	for _, tc := range cases {
		e := &Error{Class: tc.class, Provider: "wise"}
		if e.Retryable() != tc.retryable {
			t.Errorf("%s: retryable = %v, want %v", tc.class, e.Retryable(), tc.retryable)
		}
		if e.ExternalStatus() != tc.status {
			t.Errorf("%s: status = %d, want %d", tc.class, e.ExternalStatus(), tc.status)
		}
	}
}

func TestClassifyStatus(t *testing.T) {
	cases := map[int]Class{
		401: ClassAuth,
		403: ClassAuth,
		400: ClassValidation,
		409: ClassConflict,
		422: ClassValidation,
		429: ClassRateLimit,
		408: ClassTimeout,
		500: ClassUpstream,
		503: ClassUpstream,
		418: ClassValidation,
	}
	for status, want := range cases {
		if got := ClassifyStatus(status); got != want {
			t.Errorf("status %d: got %s, want %s", status, got, want)
		}
	}
}

func TestClassifyErr_DeadlineIsTimeout(t *testing.T) {
	e := ClassifyErr("wise", context.DeadlineExceeded)
	if e.Class != ClassTimeout {
		t.Errorf("got %s, want TIMEOUT", e.Class)
	}
	if !e.Retryable() {
		t.Error("timeout should be retryable")
	}
}

func TestClassifyErr_PreservesExistingError(t *testing.T) {
	orig := &Error{Class: ClassAuth, Provider: "stripe", Code: "api_key_expired"}
	if got := ClassifyErr("stripe", orig); got != orig {
		t.Error("already-mapped errors must pass through unchanged")
	}
}

func TestIsRetryable_UnmappedIsConservative(t *testing.T) {
	if IsRetryable(errors.New("something odd")) {
		t.Error("unmapped errors must not be retryable")
	}
	if !IsRetryable(&Error{Class: ClassRateLimit}) {
		t.Error("rate limit must be retryable")
	}
}

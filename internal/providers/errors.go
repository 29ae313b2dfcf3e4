// Package providers holds the outbound payment-provider clients and the
// closed error taxonomy every provider failure is mapped through before any
// retry decision is made.
package providers

import (
	"context"
	"errors"
	"net"
	"net/http"
)

// Class is a closed taxonomy of provider failure classes. Each class carries
// a fixed retryability bit and a fixed HTTP status surfaced to our caller.
type Class string

const (
	ClassAuth             Class = "AUTH"
	ClassValidation       Class = "VALIDATION"
	ClassConflict         Class = "CONFLICT"
	ClassRateLimit        Class = "RATE_LIMIT"
	ClassUpstream         Class = "UPSTREAM"
	ClassTransient        Class = "TRANSIENT"
	ClassProviderTerminal Class = "PROVIDER_TERMINAL"
	ClassTimeout          Class = "TIMEOUT"
	ClassUnknown          Class = "UNKNOWN"
)

// classInfo fixes retryability and the externally surfaced status per class.
// AUTH surfaces as 502: a rejected credential is our configuration failing,
// not the client's request.
var classInfo = map[Class]struct {
	retryable bool
	status    int
}{
	ClassAuth:             {false, http.StatusBadGateway},
	ClassValidation:       {false, http.StatusBadRequest},
	ClassConflict:         {false, http.StatusConflict},
	ClassRateLimit:        {true, http.StatusServiceUnavailable},
	ClassUpstream:         {true, http.StatusBadGateway},
	ClassTransient:        {true, http.StatusServiceUnavailable},
	ClassProviderTerminal: {false, http.StatusConflict},
	ClassTimeout:          {true, http.StatusGatewayTimeout},
	ClassUnknown:          {false, http.StatusBadGateway},
}

// Error is a provider failure mapped into the taxonomy.
type Error struct {
	Class    Class
	Provider string
	Code     string // provider-native code, if any
	Message  string
}

func (e *Error) Error() string {
	msg := "provider " + e.Provider + ": " + string(e.Class)
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

// Retryable reports whether the caller may retry the operation.
func (e *Error) Retryable() bool {
	return classInfo[e.Class].retryable
}

// ExternalStatus is the HTTP status surfaced to our own caller.
func (e *Error) ExternalStatus() int {
	return classInfo[e.Class].status
}

// ClassifyStatus maps a provider HTTP response status into a Class.
func ClassifyStatus(status int) Class {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ClassAuth
	case status == http.StatusConflict:
		return ClassConflict
	case status == http.StatusUnprocessableEntity || status == http.StatusBadRequest:
		return ClassValidation
	case status == http.StatusTooManyRequests:
		return ClassRateLimit
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return ClassTimeout
	case status >= 500:
		return ClassUpstream
	case status >= 400:
		return ClassValidation
	default:
		return ClassUnknown
	}
}

// ClassifyErr maps a transport-level error into a taxonomy Error.
func ClassifyErr(provider string, err error) *Error {
	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}

	class := ClassTransient
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		class = ClassTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		class = ClassTimeout
	}
	return &Error{Class: class, Provider: provider, Message: err.Error()}
}

// IsRetryable reports whether err allows a retry. Unmapped errors are
// conservatively non-retryable.
func IsRetryable(err error) bool {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Retryable()
	}
	return false
}

// Package signature verifies HMAC-signed webhook and job requests.
//
// Two header shapes are supported: the card processor's timestamped
// "t=<unix>,v1=<hex>" list, and the internal job header pair
// (X-Paycore-Job-Signature + X-Paycore-Job-Timestamp). Both sign
// "<timestamp>.<rawBody>" with HMAC-SHA256 and compare in constant time.
// Every failure path returns a typed error; verification never passes
// silently on missing configuration.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultTolerance is the maximum allowed skew between the signed
// timestamp and the verifier's clock.
const DefaultTolerance = 5 * time.Minute

// Error codes, stable across releases.
const (
	CodeMissingSecret     = "missing_secret"
	CodeMissingHeader     = "missing_header"
	CodeMalformedHeader   = "malformed_header"
	CodeStaleTimestamp    = "stale_timestamp"
	CodeSignatureMismatch = "signature_mismatch"
)

// Error is a typed verification failure.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return "signature: " + e.Code + ": " + e.Message
}

func errf(code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Verifier checks signed payloads against a shared secret.
// Now is injectable for tests; nil means time.Now.
type Verifier struct {
	Secret    string
	Tolerance time.Duration
	Now       func() time.Time
}

// NewVerifier creates a Verifier with the default tolerance.
func NewVerifier(secret string) *Verifier {
	return &Verifier{Secret: secret, Tolerance: DefaultTolerance}
}

func (v *Verifier) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

func (v *Verifier) tolerance() time.Duration {
	if v.Tolerance > 0 {
		return v.Tolerance
	}
	return DefaultTolerance
}

// VerifyStripeHeader validates a "t=<unix>,v1=<hex>[,v1=<hex>...]" header
// against the raw request body. Any one matching v1 signature passes.
func (v *Verifier) VerifyStripeHeader(header string, body []byte) error {
	if v.Secret == "" {
		return errf(CodeMissingSecret, "webhook secret not configured")
	}
	if header == "" {
		return errf(CodeMissingHeader, "signature header absent")
	}

	var ts int64
	var sigs [][]byte
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			parsed, err := strconv.ParseInt(kv[1], 10, 64)
			if err != nil {
				return errf(CodeMalformedHeader, "invalid timestamp %q", kv[1])
			}
			ts = parsed
		case "v1":
			sig, err := hex.DecodeString(kv[1])
			if err != nil {
				return errf(CodeMalformedHeader, "invalid hex signature")
			}
			sigs = append(sigs, sig)
		}
	}
	if ts == 0 {
		return errf(CodeMalformedHeader, "timestamp element missing")
	}
	if len(sigs) == 0 {
		return errf(CodeMalformedHeader, "no v1 signature element")
	}

	if err := v.checkFreshness(ts); err != nil {
		return err
	}

	expected := v.compute(strconv.FormatInt(ts, 10), body)
	for _, sig := range sigs {
		if hmac.Equal(sig, expected) {
			return nil
		}
	}
	return errf(CodeSignatureMismatch, "no signature matched")
}

// VerifyJobRequest validates the internal job header pair against the raw
// request body.
func (v *Verifier) VerifyJobRequest(sigHeader, tsHeader string, body []byte) error {
	if v.Secret == "" {
		return errf(CodeMissingSecret, "job secret not configured")
	}
	if sigHeader == "" || tsHeader == "" {
		return errf(CodeMissingHeader, "job signature headers absent")
	}

	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return errf(CodeMalformedHeader, "invalid timestamp %q", tsHeader)
	}
	sig, err := hex.DecodeString(sigHeader)
	if err != nil {
		return errf(CodeMalformedHeader, "invalid hex signature")
	}

	if err := v.checkFreshness(ts); err != nil {
		return err
	}

	if !hmac.Equal(sig, v.compute(tsHeader, body)) {
		return errf(CodeSignatureMismatch, "signature did not match")
	}
	return nil
}

// SignJobRequest produces the header pair a caller attaches to an internal
// job request. The CLI uses this in HTTP mode against the same secret the
// server verifies.
func (v *Verifier) SignJobRequest(body []byte) (sig string, ts string, err error) {
	if v.Secret == "" {
		return "", "", errf(CodeMissingSecret, "job secret not configured")
	}
	ts = strconv.FormatInt(v.now().Unix(), 10)
	return hex.EncodeToString(v.compute(ts, body)), ts, nil
}

func (v *Verifier) checkFreshness(ts int64) error {
	skew := v.now().Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.tolerance() {
		return errf(CodeStaleTimestamp, "timestamp outside %s tolerance", v.tolerance())
	}
	return nil
}

func (v *Verifier) compute(ts string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(v.Secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	return mac.Sum(nil)
}

// Code extracts the stable code from a signature error, or "" if err is not
// a signature failure.
func Code(err error) string {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}

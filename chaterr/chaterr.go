// Package chaterr defines the error taxonomy shared by the chat session engine.
//
// Every failure surfaced by the vault, the HTTP API helpers, the rate limiter or
// the IRC connection wraps exactly one of the sentinels below, so callers decide
// what to do with errors.Is instead of string matching:
//
//   - ErrTransient: network blips; retried automatically with backoff.
//   - ErrAuthExpired: the credential is invalid; re-authentication is required.
//   - ErrThrottled: a rate limit was hit; retry after the indicated delay.
//   - ErrProtocolViolation: a malformed but non-fatal frame; the stream continues.
//   - ErrFatal: configuration or resource errors; requires an explicit restart.
package chaterr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

var (
	ErrTransient         = errors.New("transient failure")
	ErrAuthExpired       = errors.New("authentication expired")
	ErrThrottled         = errors.New("throttled")
	ErrProtocolViolation = errors.New("protocol violation")
	ErrFatal             = errors.New("fatal error")
)

// Class is the coarse category of an error.
type Class int

const (
	ClassUnknown Class = iota
	ClassTransient
	ClassAuthExpired
	ClassThrottled
	ClassProtocolViolation
	ClassFatal
)

// String returns a human-readable name for the error class.
func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassAuthExpired:
		return "auth_expired"
	case ClassThrottled:
		return "throttled"
	case ClassProtocolViolation:
		return "protocol_violation"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Retryable reports whether errors of this class are retried automatically.
func (c Class) Retryable() bool {
	return c == ClassTransient || c == ClassThrottled || c == ClassUnknown
}

// ThrottledError carries the delay after which a throttled action may be retried.
type ThrottledError struct {
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("throttled: retry after %s", e.RetryAfter)
}

func (e *ThrottledError) Unwrap() error { return ErrThrottled }

// Classify maps an error onto the taxonomy.
//
// Wrapped sentinels win. Errors that carry no sentinel are classified by message
// patterns (status codes, network failures); anything unrecognised is treated as
// transient so callers do not give up too early.
func Classify(err error) Class {
	if err == nil {
		return ClassUnknown
	}
	switch {
	case errors.Is(err, ErrFatal):
		return ClassFatal
	case errors.Is(err, ErrAuthExpired):
		return ClassAuthExpired
	case errors.Is(err, ErrThrottled):
		return ClassThrottled
	case errors.Is(err, ErrProtocolViolation):
		return ClassProtocolViolation
	case errors.Is(err, ErrTransient):
		return ClassTransient
	}

	lower := strings.ToLower(err.Error())

	// Server errors before the auth patterns: "503 service unavailable" must not
	// be mistaken for anything fatal.
	if strings.Contains(lower, "500") ||
		strings.Contains(lower, "502") ||
		strings.Contains(lower, "503") ||
		strings.Contains(lower, "504") ||
		strings.Contains(lower, "service unavailable") ||
		strings.Contains(lower, "bad gateway") {
		return ClassTransient
	}

	authPatterns := []string{
		"401",
		"unauthorized",
		"invalid oauth token",
		"invalid refresh token",
		"login authentication failed",
		"improperly formatted auth",
	}
	for _, pattern := range authPatterns {
		if strings.Contains(lower, pattern) {
			return ClassAuthExpired
		}
	}

	rateLimitPatterns := []string{
		"429",
		"too many requests",
		"rate limit",
	}
	for _, pattern := range rateLimitPatterns {
		if strings.Contains(lower, pattern) {
			return ClassThrottled
		}
	}

	return ClassTransient
}

// IsAuthExpired reports whether err requires re-authentication.
func IsAuthExpired(err error) bool {
	return Classify(err) == ClassAuthExpired
}

// IsFatal reports whether err must stop the session without retrying.
func IsFatal(err error) bool {
	return Classify(err) == ClassFatal
}

// HTTPStatus maps a non-2xx HTTP status to a taxonomy error describing it.
// body is included (truncated) for diagnostics.
func HTTPStatus(code int, body string) error {
	if len(body) > 256 {
		body = body[:256]
	}
	msg := fmt.Sprintf("http %d %s", code, http.StatusText(code))
	if body != "" {
		msg += ": " + strings.TrimSpace(body)
	}
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrAuthExpired, msg)
	case code == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrThrottled, msg)
	case code >= 500:
		return fmt.Errorf("%w: %s", ErrTransient, msg)
	default:
		return fmt.Errorf("%w: %s", ErrFatal, msg)
	}
}

package chaterr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"nil", nil, ClassUnknown},
		{"wrapped fatal", fmt.Errorf("load: %w", ErrFatal), ClassFatal},
		{"wrapped auth", fmt.Errorf("refresh: %w", ErrAuthExpired), ClassAuthExpired},
		{"throttled type", &ThrottledError{RetryAfter: time.Second}, ClassThrottled},
		{"protocol", fmt.Errorf("frame: %w", ErrProtocolViolation), ClassProtocolViolation},
		{"server error text", errors.New("upstream returned 503 Service Unavailable"), ClassTransient},
		{"auth notice text", errors.New("Login authentication failed"), ClassAuthExpired},
		{"rate limit text", errors.New("429 Too Many Requests"), ClassThrottled},
		{"connection reset", errors.New("read tcp: connection reset by peer"), ClassTransient},
		{"unknown defaults to transient", errors.New("something odd"), ClassTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code int
		want error
	}{
		{http.StatusUnauthorized, ErrAuthExpired},
		{http.StatusForbidden, ErrAuthExpired},
		{http.StatusTooManyRequests, ErrThrottled},
		{http.StatusBadGateway, ErrTransient},
		{http.StatusBadRequest, ErrFatal},
	}
	for _, tt := range tests {
		err := HTTPStatus(tt.code, "body")
		if !errors.Is(err, tt.want) {
			t.Errorf("HTTPStatus(%d) = %v, want wrap of %v", tt.code, err, tt.want)
		}
	}
}

func TestThrottledErrorUnwrap(t *testing.T) {
	var err error = &ThrottledError{RetryAfter: 2 * time.Second}
	if !errors.Is(err, ErrThrottled) {
		t.Fatal("ThrottledError should unwrap to ErrThrottled")
	}
	var te *ThrottledError
	if !errors.As(fmt.Errorf("send: %w", err), &te) || te.RetryAfter != 2*time.Second {
		t.Errorf("errors.As did not recover RetryAfter, got %+v", te)
	}
}

func TestClassRetryable(t *testing.T) {
	if !ClassTransient.Retryable() || !ClassThrottled.Retryable() {
		t.Error("transient and throttled must be retryable")
	}
	if ClassAuthExpired.Retryable() || ClassFatal.Retryable() {
		t.Error("auth expired and fatal must not be retryable")
	}
}

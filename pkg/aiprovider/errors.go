package aiprovider

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/chunchiehdev/gradeflow/pkg/keyhealth"
)

// Sentinel errors surfaced by adapters and the router.
var (
	// ErrAllKeysThrottled indicates every key in the primary pool is inside
	// a cooldown window and the attempt budget ran out.
	ErrAllKeysThrottled = errors.New("all provider keys throttled")

	// ErrServiceDegraded indicates the provider-wide circuit breaker is
	// open and calls are being short-circuited.
	ErrServiceDegraded = errors.New("provider service degraded")

	// ErrNotConfigured indicates the adapter has no usable credential.
	ErrNotConfigured = errors.New("provider not configured")
)

// CallError is a failed provider call with classification attached.
type CallError struct {
	// Provider names the adapter that failed.
	Provider string

	// KeyID is the pool key used, if any.
	KeyID string

	// Kind is the centralized error classification.
	Kind keyhealth.ErrorKind

	// Message is the provider's error text.
	Message string

	// RawOutput preserves unparseable provider output for diagnostics.
	RawOutput string

	// Err is an optional underlying error (sentinel or transport).
	Err error
}

func (e *CallError) Error() string {
	if e.KeyID != "" {
		return fmt.Sprintf("%s (key %s, %s): %s", e.Provider, e.KeyID, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s (%s): %s", e.Provider, e.Kind, e.Message)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// AsCallError unwraps err into a *CallError when possible.
func AsCallError(err error) (*CallError, bool) {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// IsAllKeysThrottled reports whether err means the whole key pool is cooling
// down.
func IsAllKeysThrottled(err error) bool {
	return errors.Is(err, ErrAllKeysThrottled) || errors.Is(err, keyhealth.ErrAllKeysThrottled)
}

// IsServiceDegraded reports whether err means the provider circuit breaker is
// open.
func IsServiceDegraded(err error) bool {
	return errors.Is(err, ErrServiceDegraded)
}

// Classify maps an HTTP status and provider error message onto the error
// taxonomy. All adapters go through this one function so classification never
// drifts between call sites.
func Classify(statusCode int, message string) keyhealth.ErrorKind {
	msg := strings.ToLower(message)

	// Hard quota exhaustion hides behind 429s; check it first so it is not
	// misfiled as an ordinary rate limit.
	if strings.Contains(msg, "quota exceeded") ||
		strings.Contains(msg, "exceeded your current quota") ||
		strings.Contains(msg, "resource_exhausted") ||
		strings.Contains(msg, "daily limit") {
		return keyhealth.ErrorQuotaExceeded
	}

	switch statusCode {
	case http.StatusTooManyRequests:
		return keyhealth.ErrorRateLimit
	case http.StatusServiceUnavailable:
		if strings.Contains(msg, "overload") || strings.Contains(msg, "busy") {
			return keyhealth.ErrorOverloaded
		}
		return keyhealth.ErrorUnavailable
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusGatewayTimeout:
		return keyhealth.ErrorUnavailable
	}

	switch {
	case strings.Contains(msg, "429"), strings.Contains(msg, "rate limit"):
		return keyhealth.ErrorRateLimit
	case strings.Contains(msg, "overload"), strings.Contains(msg, "busy"):
		return keyhealth.ErrorOverloaded
	case strings.Contains(msg, "503"),
		strings.Contains(msg, "unavailable"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "connection refused"):
		return keyhealth.ErrorUnavailable
	}

	return keyhealth.ErrorOther
}

// Retryable reports whether a failure of this kind is worth retrying with a
// different key. Malformed output retries the same way on another key would
// most likely fail again; the router handles it via provider fallback instead.
func Retryable(kind keyhealth.ErrorKind) bool {
	switch kind {
	case keyhealth.ErrorRateLimit, keyhealth.ErrorOverloaded,
		keyhealth.ErrorUnavailable, keyhealth.ErrorQuotaExceeded:
		return true
	}
	return false
}

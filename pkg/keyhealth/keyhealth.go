// Package keyhealth tracks per-key health metrics for a pool of rate-limited
// provider API keys shared across many worker processes.
//
// All state lives in Redis so every worker sees the same view:
//   - key:{id}:health          → hash of raw health counters
//   - key:selection:lock       → short-lived advisory lock for key selection
//
// Mutations to a key's health hash are single Lua scripts so concurrent
// writers never expose a torn record (e.g. failureCount bumped but
// throttledUntil not yet set).
package keyhealth

import (
	"time"
)

// ErrorKind classifies a provider call failure for health tracking.
//
// Capacity-class kinds (rate_limit, overloaded, unavailable, quota_exceeded)
// throttle the key; malformed_output and other record the failure without a
// cooldown since they are not the key's fault.
type ErrorKind string

const (
	ErrorRateLimit       ErrorKind = "rate_limit"
	ErrorOverloaded      ErrorKind = "overloaded"
	ErrorUnavailable     ErrorKind = "unavailable"
	ErrorQuotaExceeded   ErrorKind = "quota_exceeded"
	ErrorMalformedOutput ErrorKind = "malformed_output"
	ErrorOther           ErrorKind = "other"
)

// Throttles reports whether a failure of this kind should place the key in a
// cooldown window.
func (k ErrorKind) Throttles() bool {
	switch k {
	case ErrorRateLimit, ErrorOverloaded, ErrorUnavailable, ErrorQuotaExceeded:
		return true
	}
	return false
}

// Health is the raw per-key record stored in Redis.
type Health struct {
	// KeyID identifies the key within the pool (e.g. "1", "2", "3").
	KeyID string

	// SuccessCount and FailureCount are cumulative since the last reset.
	// A success resets FailureCount to zero.
	SuccessCount int64
	FailureCount int64

	// LastUsedAt is the wall-clock time of the last recorded call, in
	// milliseconds since epoch. Zero means never used.
	LastUsedAt int64

	// ThrottledUntil is the end of the current cooldown window in
	// milliseconds since epoch. Zero means not throttled.
	ThrottledUntil int64

	// TotalResponseTimeMs and RequestCount feed the average latency metric.
	TotalResponseTimeMs int64
	RequestCount        int64
}

// Metrics extends Health with the derived values used for ranking.
// Derived values are never stored.
type Metrics struct {
	Health

	// SuccessRate is successCount/(successCount+failureCount), or 1.0 when
	// the key has no recorded calls yet.
	SuccessRate float64

	// AvgResponseTimeMs is totalResponseTimeMs/requestCount (0 if unused).
	AvgResponseTimeMs float64

	// IsThrottled is true while ThrottledUntil lies in the future.
	IsThrottled bool

	// HealthScore blends success rate, availability and recency into [0, 1].
	HealthScore float64
}

// recencyWindow is the horizon over which "recently used" decays to zero.
const recencyWindow = time.Hour

// computeMetrics derives ranking metrics from a raw record at time now.
//
// HealthScore = successRate*0.6 + availability*0.3 + recency*0.1 where
// availability is 0 while throttled and recency decays linearly over one
// hour since last use. Each term is in [0,1] so the score is too.
func computeMetrics(h Health, now time.Time) Metrics {
	m := Metrics{Health: h}

	total := h.SuccessCount + h.FailureCount
	if total > 0 {
		m.SuccessRate = float64(h.SuccessCount) / float64(total)
	} else {
		m.SuccessRate = 1.0
	}

	if h.RequestCount > 0 {
		m.AvgResponseTimeMs = float64(h.TotalResponseTimeMs) / float64(h.RequestCount)
	}

	nowMs := now.UnixMilli()
	m.IsThrottled = h.ThrottledUntil > nowMs

	availability := 1.0
	if m.IsThrottled {
		availability = 0.0
	}

	sinceLastUse := recencyWindow
	if h.LastUsedAt > 0 {
		sinceLastUse = time.Duration(nowMs-h.LastUsedAt) * time.Millisecond
	}
	recency := 1.0 - float64(sinceLastUse)/float64(recencyWindow)
	if recency < 0 {
		recency = 0
	}

	m.HealthScore = m.SuccessRate*0.6 + availability*0.3 + recency*0.1
	return m
}

// SummaryStats aggregates pool-level counters for monitoring.
type SummaryStats struct {
	TotalCalls     int64   `json:"totalCalls"`
	TotalSuccesses int64   `json:"totalSuccesses"`
	TotalFailures  int64   `json:"totalFailures"`
	AvgSuccessRate float64 `json:"avgSuccessRate"`
	ThrottledCount int     `json:"throttledCount"`
	AvailableCount int     `json:"availableCount"`
}

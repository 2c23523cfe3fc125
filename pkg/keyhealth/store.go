package keyhealth

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// keyTTL expires a health record after 24h of inactivity. Records are
	// recreated lazily on next use.
	keyTTL = 24 * time.Hour

	// baseCooldown and maxCooldown bound the exponential throttle backoff:
	// cooldown = min(baseCooldown * 2^(failureCount-1), maxCooldown).
	baseCooldown = 10 * time.Second
	maxCooldown  = time.Hour

	// quotaCooldown is the floor applied when the failure indicates a hard
	// daily-quota exhaustion. Daily quotas reset slowly; short backoff is
	// wasted effort.
	quotaCooldown = 4 * time.Hour

	// DefaultManualCooldown is used by MarkThrottled when no duration is
	// given.
	DefaultManualCooldown = 30 * time.Second
)

func healthKey(keyID string) string {
	return "key:" + keyID + ":health"
}

// recordSuccessScript atomically applies a successful call: bump counters,
// stamp lastUsedAt and fully forgive prior failures (failureCount and
// throttledUntil reset to zero).
var recordSuccessScript = redis.NewScript(`
redis.call('HINCRBY', KEYS[1], 'successCount', 1)
redis.call('HSET', KEYS[1], 'lastUsedAt', ARGV[1])
redis.call('HINCRBY', KEYS[1], 'totalResponseTimeMs', ARGV[2])
redis.call('HINCRBY', KEYS[1], 'requestCount', 1)
redis.call('HSET', KEYS[1], 'failureCount', 0)
redis.call('HSET', KEYS[1], 'throttledUntil', 0)
redis.call('EXPIRE', KEYS[1], ARGV[3])
return 1
`)

// recordThrottledFailureScript atomically bumps failureCount and computes the
// cooldown from the post-increment count inside Redis, so concurrent failures
// can never interleave between the read and the throttle write.
//
// ARGV: nowMs, baseCooldownMs, maxCooldownMs, quotaFloorMs (0 = no floor), ttlSec.
// Returns the throttledUntil it set.
var recordThrottledFailureScript = redis.NewScript(`
local n = redis.call('HINCRBY', KEYS[1], 'failureCount', 1)
local cd = tonumber(ARGV[2])
local maxcd = tonumber(ARGV[3])
for i = 2, n do
	cd = cd * 2
	if cd >= maxcd then
		cd = maxcd
		break
	end
end
if cd > maxcd then cd = maxcd end
local floor = tonumber(ARGV[4])
if floor > 0 and cd < floor then cd = floor end
local until_ms = tonumber(ARGV[1]) + cd
redis.call('HSET', KEYS[1], 'lastUsedAt', ARGV[1])
redis.call('HSET', KEYS[1], 'throttledUntil', string.format('%.0f', until_ms))
redis.call('EXPIRE', KEYS[1], ARGV[5])
return string.format('%.0f', until_ms)
`)

// recordPlainFailureScript records a non-throttling failure.
var recordPlainFailureScript = redis.NewScript(`
redis.call('HINCRBY', KEYS[1], 'failureCount', 1)
redis.call('HSET', KEYS[1], 'lastUsedAt', ARGV[1])
redis.call('EXPIRE', KEYS[1], ARGV[2])
return 1
`)

// Store persists per-key health records in Redis.
//
// Store is safe for concurrent use by any number of workers; every mutation
// is a single atomic script.
type Store struct {
	rdb    redis.UniversalClient
	logger *zap.Logger

	// now is swappable for tests.
	now func() time.Time
}

// NewStore creates a health store on top of an existing Redis client.
func NewStore(rdb redis.UniversalClient, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{rdb: rdb, logger: logger, now: time.Now}
}

// InitializeKey creates a zeroed health record if none exists. Idempotent.
func (s *Store) InitializeKey(ctx context.Context, keyID string) error {
	key := healthKey(keyID)

	exists, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("check health record %s: %w", keyID, err)
	}
	if exists > 0 {
		return nil
	}

	fields := map[string]any{
		"successCount":        0,
		"failureCount":        0,
		"lastUsedAt":          0,
		"throttledUntil":      0,
		"totalResponseTimeMs": 0,
		"requestCount":        0,
	}
	if err := s.rdb.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("initialize health record %s: %w", keyID, err)
	}
	if err := s.rdb.Expire(ctx, key, keyTTL).Err(); err != nil {
		return fmt.Errorf("set ttl on health record %s: %w", keyID, err)
	}

	s.logger.Info("initialized key health record", zap.String("key_id", keyID))
	return nil
}

// Health reads the raw record for one key, lazily initializing it.
func (s *Store) Health(ctx context.Context, keyID string) (Health, error) {
	data, err := s.rdb.HGetAll(ctx, healthKey(keyID)).Result()
	if err != nil {
		return Health{}, fmt.Errorf("read health record %s: %w", keyID, err)
	}
	if len(data) == 0 {
		if err := s.InitializeKey(ctx, keyID); err != nil {
			return Health{}, err
		}
		return Health{KeyID: keyID}, nil
	}

	h := Health{KeyID: keyID}
	h.SuccessCount = parseInt(data["successCount"])
	h.FailureCount = parseInt(data["failureCount"])
	h.LastUsedAt = parseInt(data["lastUsedAt"])
	h.ThrottledUntil = parseInt(data["throttledUntil"])
	h.TotalResponseTimeMs = parseInt(data["totalResponseTimeMs"])
	h.RequestCount = parseInt(data["requestCount"])
	return h, nil
}

// Metrics returns the derived metrics for one key.
func (s *Store) Metrics(ctx context.Context, keyID string) (Metrics, error) {
	h, err := s.Health(ctx, keyID)
	if err != nil {
		return Metrics{}, err
	}
	return computeMetrics(h, s.now()), nil
}

// AllMetrics returns derived metrics for every key in keyIDs, in order.
func (s *Store) AllMetrics(ctx context.Context, keyIDs []string) ([]Metrics, error) {
	now := s.now()
	out := make([]Metrics, 0, len(keyIDs))
	for _, id := range keyIDs {
		h, err := s.Health(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, computeMetrics(h, now))
	}
	return out, nil
}

// RecordSuccess applies a successful call: increments successCount,
// requestCount and totalResponseTimeMs, stamps lastUsedAt, and resets
// failureCount and throttledUntil to zero. One atomic script.
func (s *Store) RecordSuccess(ctx context.Context, keyID string, responseTime time.Duration) error {
	err := recordSuccessScript.Run(ctx, s.rdb,
		[]string{healthKey(keyID)},
		s.now().UnixMilli(),
		responseTime.Milliseconds(),
		int(keyTTL.Seconds()),
	).Err()
	if err != nil {
		return fmt.Errorf("record success for key %s: %w", keyID, err)
	}

	s.logger.Debug("recorded key success",
		zap.String("key_id", keyID),
		zap.Duration("response_time", responseTime))
	return nil
}

// quotaExhausted sniffs hard daily-quota exhaustion out of a raw provider
// message. Quota errors often arrive classified as plain rate limits.
func quotaExhausted(message string) bool {
	m := strings.ToLower(message)
	return strings.Contains(m, "quota exceeded") ||
		strings.Contains(m, "exceeded your current quota") ||
		strings.Contains(m, "resource_exhausted") ||
		strings.Contains(m, "daily limit")
}

// RecordFailure applies a failed call. Capacity-class kinds (and any message
// indicating quota exhaustion) set throttledUntil with exponential backoff;
// other kinds only bump failureCount.
func (s *Store) RecordFailure(ctx context.Context, keyID string, kind ErrorKind, message string) error {
	key := healthKey(keyID)
	nowMs := s.now().UnixMilli()

	isQuota := kind == ErrorQuotaExceeded || quotaExhausted(message)

	if !kind.Throttles() && !isQuota {
		err := recordPlainFailureScript.Run(ctx, s.rdb, []string{key},
			nowMs, int(keyTTL.Seconds())).Err()
		if err != nil {
			return fmt.Errorf("record failure for key %s: %w", keyID, err)
		}
		s.logger.Debug("recorded key failure",
			zap.String("key_id", keyID),
			zap.String("error_kind", string(kind)))
		return nil
	}

	var quotaFloorMs int64
	if isQuota {
		quotaFloorMs = quotaCooldown.Milliseconds()
	}

	untilMs, err := recordThrottledFailureScript.Run(ctx, s.rdb, []string{key},
		nowMs,
		baseCooldown.Milliseconds(),
		maxCooldown.Milliseconds(),
		quotaFloorMs,
		int(keyTTL.Seconds()),
	).Int64()
	if err != nil {
		return fmt.Errorf("record throttled failure for key %s: %w", keyID, err)
	}

	s.logger.Warn("key throttled",
		zap.String("key_id", keyID),
		zap.String("error_kind", string(kind)),
		zap.Bool("quota_exhausted", isQuota),
		zap.Time("throttled_until", time.UnixMilli(untilMs)))
	return nil
}

// MarkThrottled manually places a key in a cooldown window. Zero duration
// applies DefaultManualCooldown.
func (s *Store) MarkThrottled(ctx context.Context, keyID string, d time.Duration) error {
	if d <= 0 {
		d = DefaultManualCooldown
	}
	until := s.now().Add(d).UnixMilli()

	if err := s.rdb.HSet(ctx, healthKey(keyID), "throttledUntil", until).Err(); err != nil {
		return fmt.Errorf("mark key %s throttled: %w", keyID, err)
	}
	if err := s.rdb.Expire(ctx, healthKey(keyID), keyTTL).Err(); err != nil {
		return fmt.Errorf("set ttl on health record %s: %w", keyID, err)
	}

	s.logger.Info("manually throttled key",
		zap.String("key_id", keyID),
		zap.Duration("duration", d))
	return nil
}

// ClearThrottle lifts a key's cooldown window for operational recovery.
func (s *Store) ClearThrottle(ctx context.Context, keyID string) error {
	if err := s.rdb.HSet(ctx, healthKey(keyID), "throttledUntil", 0).Err(); err != nil {
		return fmt.Errorf("clear throttle for key %s: %w", keyID, err)
	}
	s.logger.Info("cleared key throttle", zap.String("key_id", keyID))
	return nil
}

// ResetKey wipes all health state for a key and recreates a zeroed record.
func (s *Store) ResetKey(ctx context.Context, keyID string) error {
	if err := s.rdb.Del(ctx, healthKey(keyID)).Err(); err != nil {
		return fmt.Errorf("reset key %s: %w", keyID, err)
	}
	if err := s.InitializeKey(ctx, keyID); err != nil {
		return err
	}
	s.logger.Info("reset key health", zap.String("key_id", keyID))
	return nil
}

// Summary aggregates pool-level statistics for monitoring.
func (s *Store) Summary(ctx context.Context, keyIDs []string) (SummaryStats, error) {
	metrics, err := s.AllMetrics(ctx, keyIDs)
	if err != nil {
		return SummaryStats{}, err
	}

	var stats SummaryStats
	for _, m := range metrics {
		stats.TotalSuccesses += m.SuccessCount
		stats.TotalFailures += m.FailureCount
		if m.IsThrottled {
			stats.ThrottledCount++
		} else {
			stats.AvailableCount++
		}
	}
	stats.TotalCalls = stats.TotalSuccesses + stats.TotalFailures
	if stats.TotalCalls > 0 {
		stats.AvgSuccessRate = float64(stats.TotalSuccesses) / float64(stats.TotalCalls)
	} else {
		stats.AvgSuccessRate = 1.0
	}
	return stats, nil
}

// parseInt tolerates missing fields by treating them as zero.
func parseInt(s string) int64 {
	if s == "" {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

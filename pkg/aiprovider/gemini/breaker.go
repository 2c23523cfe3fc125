package gemini

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Breaker is a provider-wide circuit breaker. It counts consecutive
// "overloaded" failures across every key in the pool; past the threshold it
// opens and short-circuits all calls for a fixed window.
//
// State lives in Redis so horizontally-scaled workers trip and observe the
// breaker together. Mutations run as Lua scripts so concurrent workers never
// observe a half-applied trip.
type Breaker struct {
	rdb       redis.UniversalClient
	key       string
	threshold int64
	window    time.Duration
	logger    *zap.Logger

	now func() time.Time
}

const (
	breakerKey = "provider:gemini:breaker"

	// DefaultFailureThreshold is the number of consecutive overloaded
	// failures that opens the breaker.
	DefaultFailureThreshold = 5

	// DefaultOpenWindow is how long an open breaker rejects calls.
	DefaultOpenWindow = time.Minute

	breakerTTLSeconds = 24 * 60 * 60
)

// recordOverloadedScript increments the consecutive-failure count and, at the
// threshold, opens the breaker until now+window. Returns 1 when the call
// tripped the breaker.
var recordOverloadedScript = redis.NewScript(`
local n = redis.call('HINCRBY', KEYS[1], 'consecutive', 1)
redis.call('EXPIRE', KEYS[1], ARGV[4])
if n >= tonumber(ARGV[2]) then
    local until_ms = tonumber(ARGV[1]) + tonumber(ARGV[3])
    redis.call('HSET', KEYS[1], 'openUntil', string.format('%.0f', until_ms))
    redis.call('HSET', KEYS[1], 'consecutive', 0)
    return 1
end
return 0
`)

// NewBreaker creates a breaker with the given threshold and open window.
// Non-positive values use the defaults.
func NewBreaker(rdb redis.UniversalClient, threshold int, window time.Duration, logger *zap.Logger) *Breaker {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	if window <= 0 {
		window = DefaultOpenWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{
		rdb:       rdb,
		key:       breakerKey,
		threshold: int64(threshold),
		window:    window,
		logger:    logger,
		now:       time.Now,
	}
}

// Allow reports whether calls may proceed. A read error fails open: one
// worker losing Redis must not take the provider offline.
func (b *Breaker) Allow(ctx context.Context) bool {
	raw, err := b.rdb.HGet(ctx, b.key, "openUntil").Result()
	if err == redis.Nil {
		return true
	}
	if err != nil {
		b.logger.Warn("breaker state read failed", zap.Error(err))
		return true
	}
	openUntil, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return true
	}
	return b.now().UnixMilli() >= openUntil
}

// RecordSuccess resets the consecutive-failure count and clears any open
// window.
func (b *Breaker) RecordSuccess(ctx context.Context) {
	if err := b.rdb.Del(ctx, b.key).Err(); err != nil {
		b.logger.Warn("breaker reset failed", zap.Error(err))
	}
}

// RecordOverloaded registers one overloaded failure. At the threshold the
// breaker opens for the configured window.
func (b *Breaker) RecordOverloaded(ctx context.Context) {
	now := b.now().UnixMilli()
	tripped, err := recordOverloadedScript.Run(ctx, b.rdb, []string{b.key},
		now, b.threshold, b.window.Milliseconds(), breakerTTLSeconds).Int64()
	if err != nil {
		b.logger.Warn("breaker update failed", zap.Error(err))
		return
	}
	if tripped == 1 {
		b.logger.Error("circuit breaker opened, provider marked degraded",
			zap.Duration("window", b.window),
			zap.Int64("threshold", b.threshold))
	}
}

package grading

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// resultTTL keeps finished results around long enough for the session view
// and the upstream system of record to pick them up.
const resultTTL = 7 * 24 * time.Hour

func resultKey(resultID string) string {
	return "grading:result:" + resultID
}

// RedisResultStore persists results as JSON values in the shared store.
type RedisResultStore struct {
	rdb    redis.UniversalClient
	logger *zap.Logger
}

// NewRedisResultStore creates a result store.
func NewRedisResultStore(rdb redis.UniversalClient, logger *zap.Logger) *RedisResultStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisResultStore{rdb: rdb, logger: logger}
}

// Get implements ResultStore.
func (s *RedisResultStore) Get(ctx context.Context, resultID string) (*Result, error) {
	raw, err := s.rdb.Get(ctx, resultKey(resultID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrResultNotFound, resultID)
	}
	if err != nil {
		return nil, fmt.Errorf("reading result %s: %w", resultID, err)
	}
	var result Result
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, fmt.Errorf("decoding result %s: %w", resultID, err)
	}
	return &result, nil
}

// Put implements ResultStore.
func (s *RedisResultStore) Put(ctx context.Context, result *Result) error {
	if result.ID == "" {
		return fmt.Errorf("result missing id")
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encoding result %s: %w", result.ID, err)
	}
	if err := s.rdb.Set(ctx, resultKey(result.ID), payload, resultTTL).Err(); err != nil {
		return fmt.Errorf("writing result %s: %w", result.ID, err)
	}
	return nil
}

// SetProgress implements ResultStore. Progress only moves forward; a stale
// writer cannot drag a later checkpoint back.
func (s *RedisResultStore) SetProgress(ctx context.Context, resultID string, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	result, err := s.Get(ctx, resultID)
	if err != nil {
		return err
	}
	if progress <= result.Progress {
		return nil
	}
	result.Progress = progress
	return s.Put(ctx, result)
}

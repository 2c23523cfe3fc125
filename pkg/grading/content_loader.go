package grading

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	contentKeyPrefix = "grading:content:"
	contentTTL       = 7 * 24 * time.Hour
)

// GradingContent bundles the submission and rubric stored for a pending
// result.
type GradingContent struct {
	Submission Submission `json:"submission"`
	Rubric     Rubric     `json:"rubric"`
}

// RedisContentLoader resolves resultIds against content records in the shared
// store. Implements ContentLoader.
type RedisContentLoader struct {
	rdb redis.UniversalClient
}

func NewRedisContentLoader(rdb redis.UniversalClient) *RedisContentLoader {
	return &RedisContentLoader{rdb: rdb}
}

func contentKey(resultID string) string {
	return contentKeyPrefix + resultID
}

// Store writes the content record a worker will later load. Called at enqueue
// time, before the job is published.
func (l *RedisContentLoader) Store(ctx context.Context, resultID string, content *GradingContent) error {
	data, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("marshaling grading content: %w", err)
	}
	if err := l.rdb.Set(ctx, contentKey(resultID), data, contentTTL).Err(); err != nil {
		return fmt.Errorf("storing grading content: %w", err)
	}
	return nil
}

// Load returns the submission and rubric for a resultId. A missing record is
// ErrContentUnavailable since a redelivery cannot make it appear.
func (l *RedisContentLoader) Load(ctx context.Context, resultID string) (*Submission, *Rubric, error) {
	data, err := l.rdb.Get(ctx, contentKey(resultID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil, fmt.Errorf("no content for result %s: %w", resultID, ErrContentUnavailable)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("loading grading content: %w", err)
	}

	var content GradingContent
	if err := json.Unmarshal(data, &content); err != nil {
		return nil, nil, fmt.Errorf("decoding grading content: %w", ErrContentUnavailable)
	}
	return &content.Submission, &content.Rubric, nil
}

package grading

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// SessionProgress aggregates outcomes for one parent grading session.
type SessionProgress struct {
	SessionID string `json:"sessionId"`
	Total     int64  `json:"total"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
	Skipped   int64  `json:"skipped"`
}

// Done reports whether every job in the session has reached a terminal state.
func (p *SessionProgress) Done() bool {
	return p.Total > 0 && p.Completed+p.Failed+p.Skipped >= p.Total
}

// Percent is the session completion percentage.
func (p *SessionProgress) Percent() int {
	if p.Total == 0 {
		return 0
	}
	pct := int((p.Completed + p.Failed + p.Skipped) * 100 / p.Total)
	if pct > 100 {
		pct = 100
	}
	return pct
}

const sessionTTL = 7 * 24 * time.Hour

func sessionKey(sessionID string) string {
	return "grading:session:" + sessionID
}

// SessionStore tracks per-session counters in the shared store. Counters are
// mutated with atomic increments so concurrent workers finishing jobs from
// the same session never lose updates.
type SessionStore struct {
	rdb    redis.UniversalClient
	logger *zap.Logger
}

// NewSessionStore creates a session store.
func NewSessionStore(rdb redis.UniversalClient, logger *zap.Logger) *SessionStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionStore{rdb: rdb, logger: logger}
}

// Init records the expected job count for a session. Called at fan-out time.
func (s *SessionStore) Init(ctx context.Context, sessionID string, total int) error {
	key := sessionKey(sessionID)
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, "total", total)
	pipe.Expire(ctx, key, sessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("initializing session %s: %w", sessionID, err)
	}
	return nil
}

// RecordOutcome bumps the counter for one finished job.
func (s *SessionStore) RecordOutcome(ctx context.Context, sessionID string, status Status) error {
	var field string
	switch status {
	case StatusCompleted:
		field = "completed"
	case StatusFailed:
		field = "failed"
	case StatusSkipped:
		field = "skipped"
	default:
		return nil
	}
	key := sessionKey(sessionID)
	pipe := s.rdb.TxPipeline()
	pipe.HIncrBy(ctx, key, field, 1)
	pipe.Expire(ctx, key, sessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("updating session %s: %w", sessionID, err)
	}
	return nil
}

// Progress reads the session counters. A session with no record reads as
// all-zero rather than erroring.
func (s *SessionStore) Progress(ctx context.Context, sessionID string) (*SessionProgress, error) {
	fields, err := s.rdb.HGetAll(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading session %s: %w", sessionID, err)
	}
	p := &SessionProgress{SessionID: sessionID}
	p.Total = parseCounter(fields["total"])
	p.Completed = parseCounter(fields["completed"])
	p.Failed = parseCounter(fields["failed"])
	p.Skipped = parseCounter(fields["skipped"])
	return p, nil
}

func parseCounter(s string) int64 {
	if s == "" {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

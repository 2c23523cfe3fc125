package keyhealth

import (
	"context"
	"errors"
	"math/rand/v2"
	"sort"
	"time"

	"go.uber.org/zap"
)

// ErrAllKeysThrottled is returned by SelectBestKey when every candidate key is
// inside a cooldown window.
var ErrAllKeysThrottled = errors.New("all keys throttled")

// SelectionLockKey is the shared Redis key for the selection mutex.
const SelectionLockKey = "key:selection:lock"

const (
	selectionLockTTL   = time.Second
	lockAcquireRetries = 3
	lockRetryBase      = 50 * time.Millisecond
)

// Selector picks the healthiest non-throttled key from a pool.
//
// Selection runs under a short advisory lock so concurrent workers do not
// collide on the same read-rank-pick decision. The lock covers only the
// ranking, never the subsequent provider call, keeping hold time in the
// millisecond range.
type Selector struct {
	store  *Store
	lock   AdvisoryLock
	logger *zap.Logger
}

// NewSelector creates a selector over the given health store and lock.
func NewSelector(store *Store, lock AdvisoryLock, logger *zap.Logger) *Selector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Selector{store: store, lock: lock, logger: logger}
}

// SelectBestKey returns the non-throttled key with the highest health score.
//
// Lock acquisition is retried a few times with short randomized backoff; if
// the lock cannot be taken the selector degrades to a uniformly random choice
// among non-throttled candidates instead of blocking on the lock.
// Returns ErrAllKeysThrottled when no candidate is usable.
func (s *Selector) SelectBestKey(ctx context.Context, keyIDs []string) (string, error) {
	token, acquired, err := s.tryAcquireWithRetries(ctx)
	if err != nil {
		return "", err
	}

	if !acquired {
		s.logger.Warn("selection lock contended, falling back to random key choice")
		return s.randomAvailableKey(ctx, keyIDs)
	}
	defer func() {
		if relErr := s.lock.Release(ctx, token); relErr != nil {
			s.logger.Warn("failed to release selection lock", zap.Error(relErr))
		}
	}()

	metrics, err := s.store.AllMetrics(ctx, keyIDs)
	if err != nil {
		return "", err
	}

	available := metrics[:0]
	for _, m := range metrics {
		if !m.IsThrottled {
			available = append(available, m)
		}
	}
	if len(available) == 0 {
		s.logger.Error("all keys throttled",
			zap.Int("candidates", len(keyIDs)))
		return "", ErrAllKeysThrottled
	}

	sort.SliceStable(available, func(i, j int) bool {
		return available[i].HealthScore > available[j].HealthScore
	})

	best := available[0]
	s.logger.Debug("selected key",
		zap.String("key_id", best.KeyID),
		zap.Float64("health_score", best.HealthScore),
		zap.Float64("success_rate", best.SuccessRate),
		zap.Int("available", len(available)))
	return best.KeyID, nil
}

func (s *Selector) tryAcquireWithRetries(ctx context.Context) (string, bool, error) {
	for attempt := 0; attempt < lockAcquireRetries; attempt++ {
		token, ok, err := s.lock.TryAcquire(ctx, selectionLockTTL)
		if err != nil {
			return "", false, err
		}
		if ok {
			return token, true, nil
		}

		// Short randomized backoff so contending workers spread out.
		delay := lockRetryBase * time.Duration(attempt+1)
		delay += time.Duration(rand.Int64N(int64(lockRetryBase)))
		select {
		case <-ctx.Done():
			return "", false, ctx.Err()
		case <-time.After(delay):
		}
	}
	return "", false, nil
}

// randomAvailableKey picks uniformly among non-throttled candidates without
// holding the lock. Ranking quality is sacrificed, the throttle filter is not.
func (s *Selector) randomAvailableKey(ctx context.Context, keyIDs []string) (string, error) {
	metrics, err := s.store.AllMetrics(ctx, keyIDs)
	if err != nil {
		return "", err
	}

	available := make([]string, 0, len(metrics))
	for _, m := range metrics {
		if !m.IsThrottled {
			available = append(available, m.KeyID)
		}
	}
	if len(available) == 0 {
		return "", ErrAllKeysThrottled
	}
	return available[rand.IntN(len(available))], nil
}

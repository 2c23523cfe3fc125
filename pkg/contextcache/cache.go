// Package contextcache maps large reusable prompt content to provider-side
// cached-context handles.
//
// The index lives in the shared Redis store keyed by (keyId, contentHash,
// model) so every worker reuses the same remote resource. Local entries
// expire strictly before the remote resource does, so a locally-valid pointer
// can never reference a remote-expired cache.
package contextcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// DefaultRemoteTTL is the lifetime requested for the provider-side
	// cached context. Remote caches bill by duration; an hour covers an
	// active grading session.
	DefaultRemoteTTL = time.Hour

	// localTTLSlack is subtracted from the remote TTL for the local index
	// entry.
	localTTLSlack = time.Minute
)

// RemoteCreator creates a cached-context resource on the provider and returns
// its handle. Implemented by the primary provider adapter.
type RemoteCreator interface {
	CreateCachedContent(ctx context.Context, apiKey, model, content string, ttl time.Duration) (string, error)
}

// HashContent returns the deterministic cache key digest for content.
// Identical content always yields the identical digest.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func indexKey(keyID, contentHash, model string) string {
	return fmt.Sprintf("cache:%s:%s:%s", keyID, contentHash, model)
}

// Manager resolves content hashes to remote cache handles, creating remote
// resources on demand.
type Manager struct {
	rdb       redis.UniversalClient
	creator   RemoteCreator
	remoteTTL time.Duration
	logger    *zap.Logger
}

// NewManager creates a cache manager. remoteTTL <= localTTLSlack falls back
// to DefaultRemoteTTL.
func NewManager(rdb redis.UniversalClient, creator RemoteCreator, remoteTTL time.Duration, logger *zap.Logger) *Manager {
	if remoteTTL <= localTTLSlack {
		remoteTTL = DefaultRemoteTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{rdb: rdb, creator: creator, remoteTTL: remoteTTL, logger: logger}
}

// EnsureCache returns the remote cache handle for (keyID, contentHash, model),
// creating the remote resource on a miss.
//
// Any failure returns ("", false): callers must treat that as "proceed
// without caching", never as a fatal error.
func (m *Manager) EnsureCache(ctx context.Context, apiKey, keyID, contentHash, content, model string) (string, bool) {
	key := indexKey(keyID, contentHash, model)

	handle, err := m.rdb.Get(ctx, key).Result()
	if err == nil && handle != "" {
		m.logger.Debug("context cache hit",
			zap.String("key_id", keyID),
			zap.String("content_hash", contentHash),
			zap.String("handle", handle))
		return handle, true
	}
	if err != nil && !errors.Is(err, redis.Nil) {
		m.logger.Warn("context cache index read failed",
			zap.String("key_id", keyID),
			zap.Error(err))
		return "", false
	}

	m.logger.Info("creating remote cached context",
		zap.String("key_id", keyID),
		zap.String("model", model),
		zap.String("content_hash", contentHash))

	handle, err = m.creator.CreateCachedContent(ctx, apiKey, model, content, m.remoteTTL)
	if err != nil {
		m.logger.Error("remote cached context creation failed",
			zap.String("key_id", keyID),
			zap.String("model", model),
			zap.Error(err))
		return "", false
	}
	if handle == "" {
		m.logger.Error("remote cached context creation returned empty handle",
			zap.String("key_id", keyID))
		return "", false
	}

	if err := m.rdb.Set(ctx, key, handle, m.remoteTTL-localTTLSlack).Err(); err != nil {
		// The remote cache exists; losing the index entry only costs a
		// recreate on the next call.
		m.logger.Warn("context cache index write failed",
			zap.String("key_id", keyID),
			zap.Error(err))
	}

	return handle, true
}

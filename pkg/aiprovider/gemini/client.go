// Package gemini implements the primary provider adapter: a multi-key
// rotating client over the Generative Language API.
//
// The client shares a pool of rate-limited API keys with every worker
// process. Key health, throttle state and the circuit breaker all live in
// Redis; the client itself holds only the key secrets and per-key local rate
// limiters.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/chunchiehdev/gradeflow/pkg/aiprovider"
	"github.com/chunchiehdev/gradeflow/pkg/contextcache"
	"github.com/chunchiehdev/gradeflow/pkg/keyhealth"
)

const (
	// ProviderName identifies this adapter in responses and errors.
	ProviderName = "gemini"

	// DefaultModel is used when the config names none.
	DefaultModel = "gemini-2.5-flash"

	defaultMaxOutputTokens = 8192
	defaultRatePerMinute   = 8

	// maxThrottleWait caps the backoff sleep while every key is throttled.
	maxThrottleWait = time.Minute
)

// Key is one pool credential.
type Key struct {
	// ID is the stable pool identifier ("1", "2", ...). It appears in
	// health records and logs; the secret never does.
	ID string

	// Secret is the API key value.
	Secret string
}

// Config configures the rotating client.
type Config struct {
	// Keys is the credential pool. At least one key is required.
	Keys []Key

	// Model is the generation model name.
	Model string

	// BaseURL overrides the API endpoint. Tests point this at a local
	// server.
	BaseURL string

	// RequestTimeout bounds each individual HTTP call.
	RequestTimeout time.Duration

	// MaxOutputTokens caps the generation length.
	MaxOutputTokens int

	// RatePerMinute is the per-key request rate enforced locally before a
	// call is attempted. Matches the provider's per-key RPM quota.
	RatePerMinute int
}

func (c *Config) applyDefaults() {
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.MaxOutputTokens <= 0 {
		c.MaxOutputTokens = defaultMaxOutputTokens
	}
	if c.RatePerMinute <= 0 {
		c.RatePerMinute = defaultRatePerMinute
	}
}

// Client is the rotating multi-key adapter. Implements aiprovider.Adapter.
type Client struct {
	cfg      Config
	keyIDs   []string
	secrets  map[string]string
	limiters map[string]*rate.Limiter

	store    *keyhealth.Store
	selector *keyhealth.Selector
	breaker  *Breaker
	cache    *contextcache.Manager
	rest     *restClient
	logger   *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient builds a rotating client over the given collaborators. The cache
// manager may be nil when context caching is disabled.
func NewClient(cfg Config, store *keyhealth.Store, selector *keyhealth.Selector, breaker *Breaker, cache *contextcache.Manager, logger *zap.Logger) (*Client, error) {
	if len(cfg.Keys) == 0 {
		return nil, fmt.Errorf("gemini: %w: no API keys", aiprovider.ErrNotConfigured)
	}
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{
		cfg:      cfg,
		secrets:  make(map[string]string, len(cfg.Keys)),
		limiters: make(map[string]*rate.Limiter, len(cfg.Keys)),
		store:    store,
		selector: selector,
		breaker:  breaker,
		cache:    cache,
		rest:     newRESTClient(cfg.BaseURL, cfg.RequestTimeout),
		logger:   logger,
		sleep:    sleepCtx,
	}
	perSecond := rate.Limit(float64(cfg.RatePerMinute) / 60.0)
	for _, k := range cfg.Keys {
		if k.ID == "" || k.Secret == "" {
			return nil, fmt.Errorf("gemini: %w: key with empty id or secret", aiprovider.ErrNotConfigured)
		}
		c.keyIDs = append(c.keyIDs, k.ID)
		c.secrets[k.ID] = k.Secret
		c.limiters[k.ID] = rate.NewLimiter(perSecond, 1)
	}

	logger.Info("rotating gemini client initialized",
		zap.Int("key_count", len(cfg.Keys)),
		zap.String("model", cfg.Model))
	return c, nil
}

// RemoteCreator exposes the cached-content API for wiring into a
// contextcache.Manager.
func (c *Client) RemoteCreator() contextcache.RemoteCreator {
	return c.rest
}

// SetCacheManager attaches the context cache after construction. The manager
// is built over RemoteCreator(), so it cannot exist before the client does.
// Must be called before the first Generate.
func (c *Client) SetCacheManager(m *contextcache.Manager) {
	c.cache = m
}

// InitHealthTracking registers every pool key in the health store. Called
// once at startup.
func (c *Client) InitHealthTracking(ctx context.Context) error {
	for _, id := range c.keyIDs {
		if err := c.store.InitializeKey(ctx, id); err != nil {
			return fmt.Errorf("initializing key %s: %w", id, err)
		}
	}
	return nil
}

// Name implements aiprovider.Adapter.
func (c *Client) Name() string { return ProviderName }

// KeyIDs returns the pool key identifiers, for monitoring endpoints.
func (c *Client) KeyIDs() []string {
	ids := make([]string, len(c.keyIDs))
	copy(ids, c.keyIDs)
	return ids
}

// Generate implements aiprovider.Adapter.
//
// The rotation loop runs until the context expires: it selects the healthiest
// available key, switches keys immediately on a retryable failure, and backs
// off with increasing sleeps only when every key is throttled. Capacity
// failures are absorbed into health state here; only "all keys throttled",
// "service degraded" and non-retryable errors surface to the caller.
func (c *Client) Generate(ctx context.Context, req *aiprovider.Request) (*aiprovider.Response, error) {
	if c.breaker != nil && !c.breaker.Allow(ctx) {
		return nil, &aiprovider.CallError{
			Provider: ProviderName,
			Kind:     keyhealth.ErrorOverloaded,
			Message:  "circuit breaker open",
			Err:      aiprovider.ErrServiceDegraded,
		}
	}

	var lastErr *aiprovider.CallError
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, err
		}

		keyID, err := c.selector.SelectBestKey(ctx, c.keyIDs)
		if err != nil {
			if errors.Is(err, keyhealth.ErrAllKeysThrottled) {
				wait := throttleWait(attempt)
				c.logger.Warn("all keys throttled, backing off",
					zap.Duration("wait", wait),
					zap.Int("attempt", attempt+1))
				if serr := c.sleep(ctx, wait); serr != nil {
					return nil, &aiprovider.CallError{
						Provider: ProviderName,
						Kind:     keyhealth.ErrorRateLimit,
						Message:  "all keys throttled",
						Err:      aiprovider.ErrAllKeysThrottled,
					}
				}
				continue
			}
			return nil, fmt.Errorf("selecting key: %w", err)
		}

		resp, callErr := c.generateWithKey(ctx, keyID, req)
		if callErr == nil {
			return resp, nil
		}
		lastErr = callErr

		if !aiprovider.Retryable(callErr.Kind) {
			return nil, callErr
		}
		c.logger.Info("rotating to next available key",
			zap.String("failed_key", keyID),
			zap.String("kind", string(callErr.Kind)))
	}
}

// generateWithKey performs one attempt against a specific key, recording
// health on both outcomes.
func (c *Client) generateWithKey(ctx context.Context, keyID string, req *aiprovider.Request) (*aiprovider.Response, *aiprovider.CallError) {
	secret := c.secrets[keyID]

	if err := c.limiters[keyID].Wait(ctx); err != nil {
		return nil, &aiprovider.CallError{
			Provider: ProviderName,
			KeyID:    keyID,
			Kind:     keyhealth.ErrorOther,
			Message:  err.Error(),
			Err:      err,
		}
	}

	wire := c.buildRequest(ctx, secret, keyID, req)

	start := time.Now()
	apiResp, err := c.rest.generateContent(ctx, secret, c.cfg.Model, wire)
	elapsed := time.Since(start)

	if err != nil {
		callErr := c.classifyFailure(keyID, err)
		c.recordFailure(ctx, keyID, callErr)
		return nil, callErr
	}

	text := apiResp.text()
	if text == "" {
		callErr := &aiprovider.CallError{
			Provider: ProviderName,
			KeyID:    keyID,
			Kind:     keyhealth.ErrorOther,
			Message:  "empty response from provider",
		}
		c.recordFailure(ctx, keyID, callErr)
		return nil, callErr
	}

	raw := json.RawMessage(text)
	if req.Schema != nil {
		if verr := req.Schema.Validate(raw); verr != nil {
			callErr := &aiprovider.CallError{
				Provider:  ProviderName,
				KeyID:     keyID,
				Kind:      keyhealth.ErrorMalformedOutput,
				Message:   verr.Error(),
				RawOutput: text,
				Err:       verr,
			}
			c.recordFailure(ctx, keyID, callErr)
			return nil, callErr
		}
	}

	if rerr := c.store.RecordSuccess(ctx, keyID, elapsed); rerr != nil {
		c.logger.Warn("recording key success failed", zap.String("key_id", keyID), zap.Error(rerr))
	}
	if c.breaker != nil {
		c.breaker.RecordSuccess(ctx)
	}

	return &aiprovider.Response{
		Data: raw,
		Usage: aiprovider.Usage{
			PromptTokens:     apiResp.UsageMetadata.PromptTokenCount,
			CompletionTokens: apiResp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      apiResp.UsageMetadata.TotalTokenCount,
		},
		Provider:     ProviderName,
		KeyID:        keyID,
		ResponseTime: elapsed,
	}, nil
}

// buildRequest assembles the wire request, resolving a cached-context handle
// when the request carries reusable content. Cache errors fall through to the
// uncached path.
func (c *Client) buildRequest(ctx context.Context, secret, keyID string, req *aiprovider.Request) *generateRequest {
	wire := &generateRequest{
		Contents: []wireContent{
			{Role: "user", Parts: []wirePart{{Text: req.Prompt}}},
		},
		GenerationConfig: &generationConfig{
			MaxOutputTokens:  c.cfg.MaxOutputTokens,
			ResponseMIMEType: "application/json",
		},
	}
	if req.Temperature > 0 {
		t := req.Temperature
		wire.GenerationConfig.Temperature = &t
	}
	if req.Schema != nil {
		wire.GenerationConfig.ResponseSchema = req.Schema.GeminiDialect()
	}

	if c.cache != nil && req.ContextHash != "" && req.ContextContent != "" {
		handle, ok := c.cache.EnsureCache(ctx, secret, keyID, req.ContextHash, req.ContextContent, c.cfg.Model)
		if ok {
			wire.CachedContent = handle
		}
	}
	// The API rejects a separate system instruction when a cached context
	// is attached; the instruction belongs to the cached content then.
	if wire.CachedContent == "" && req.SystemInstruction != "" {
		wire.SystemInstruction = &wireContent{
			Parts: []wirePart{{Text: req.SystemInstruction}},
		}
	}

	return wire
}

func (c *Client) classifyFailure(keyID string, err error) *aiprovider.CallError {
	var ae *apiError
	if errors.As(err, &ae) {
		return &aiprovider.CallError{
			Provider: ProviderName,
			KeyID:    keyID,
			Kind:     aiprovider.Classify(ae.StatusCode, ae.Message),
			Message:  ae.Message,
			Err:      err,
		}
	}
	return &aiprovider.CallError{
		Provider: ProviderName,
		KeyID:    keyID,
		Kind:     aiprovider.Classify(0, err.Error()),
		Message:  err.Error(),
		Err:      err,
	}
}

// recordFailure updates per-key health and, for overloaded failures, the
// provider-wide breaker.
func (c *Client) recordFailure(ctx context.Context, keyID string, callErr *aiprovider.CallError) {
	if err := c.store.RecordFailure(ctx, keyID, callErr.Kind, callErr.Message); err != nil {
		c.logger.Warn("recording key failure failed", zap.String("key_id", keyID), zap.Error(err))
	}
	if c.breaker != nil {
		if callErr.Kind == keyhealth.ErrorOverloaded {
			c.breaker.RecordOverloaded(ctx)
		}
	}
	c.logger.Warn("key attempt failed",
		zap.String("key_id", keyID),
		zap.String("kind", string(callErr.Kind)),
		zap.String("message", callErr.Message))
}

// throttleWait is the backoff schedule while the whole pool is throttled.
// Grows every third attempt, capped at maxThrottleWait.
func throttleWait(attempt int) time.Duration {
	wait := time.Second << uint(attempt/3)
	if wait > maxThrottleWait || wait <= 0 {
		wait = maxThrottleWait
	}
	return wait
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

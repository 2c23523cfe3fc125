package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chunchiehdev/gradeflow/pkg/aiprovider"
	"github.com/chunchiehdev/gradeflow/pkg/contextcache"
	"github.com/chunchiehdev/gradeflow/pkg/keyhealth"
)

// fakeAPI simulates the Generative Language API. Behavior is keyed by the
// API key so tests can fail specific pool keys.
type fakeAPI struct {
	mu sync.Mutex

	// failStatus maps an API key to a status code it should fail with.
	failStatus map[string]int
	// failMessage overrides the error message, empty uses a default.
	failMessage map[string]string
	// output is the JSON text returned on success.
	output string

	calls []string // API keys in call order
}

func (f *fakeAPI) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("x-goog-api-key")
		f.mu.Lock()
		f.calls = append(f.calls, key)
		status := f.failStatus[key]
		message := f.failMessage[key]
		output := f.output
		f.mu.Unlock()

		if !strings.Contains(r.URL.Path, ":generateContent") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}

		if status != 0 {
			if message == "" {
				message = "simulated failure"
			}
			w.WriteHeader(status)
			fmt.Fprintf(w, `{"error":{"code":%d,"message":%q,"status":"ERROR"}}`, status, message)
			return
		}

		resp := map[string]any{
			"candidates": []map[string]any{
				{"content": map[string]any{"role": "model", "parts": []map[string]any{{"text": output}}}},
			},
			"usageMetadata": map[string]int{
				"promptTokenCount":     100,
				"candidatesTokenCount": 50,
				"totalTokenCount":      150,
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func (f *fakeAPI) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeAPI) keysCalled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

type testRig struct {
	client *Client
	store  *keyhealth.Store
	rdb    *redis.Client
	mr     *miniredis.Miniredis
	api    *fakeAPI
}

func newTestRig(t *testing.T, keys []Key, api *fakeAPI) *testRig {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	srv := httptest.NewServer(api.handler(t))
	t.Cleanup(srv.Close)

	store := keyhealth.NewStore(rdb, zap.NewNop())
	lock := keyhealth.NewRedisLock(rdb, keyhealth.SelectionLockKey)
	selector := keyhealth.NewSelector(store, lock, zap.NewNop())
	breaker := NewBreaker(rdb, 0, 0, zap.NewNop())

	client, err := NewClient(Config{
		Keys:          keys,
		BaseURL:       srv.URL,
		RatePerMinute: 600000,
	}, store, selector, breaker, nil, zap.NewNop())
	require.NoError(t, err)
	// Backoff sleeps abort immediately so tests never wait on the
	// all-throttled schedule.
	client.sleep = func(context.Context, time.Duration) error { return context.DeadlineExceeded }

	require.NoError(t, client.InitHealthTracking(context.Background()))
	return &testRig{client: client, store: store, rdb: rdb, mr: mr, api: api}
}

func gradingSchema() *aiprovider.Schema {
	return &aiprovider.Schema{
		Type: aiprovider.TypeObject,
		Properties: map[string]*aiprovider.Schema{
			"totalScore": {Type: aiprovider.TypeNumber},
			"feedback":   {Type: aiprovider.TypeString},
		},
		Required: []string{"totalScore", "feedback"},
	}
}

func TestGenerateSuccess(t *testing.T) {
	api := &fakeAPI{output: `{"totalScore": 85, "feedback": "solid work"}`}
	rig := newTestRig(t, []Key{{ID: "1", Secret: "sk-one"}}, api)

	resp, err := rig.client.Generate(context.Background(), &aiprovider.Request{
		Prompt: "grade this",
		Schema: gradingSchema(),
	})
	require.NoError(t, err)

	assert.Equal(t, "gemini", resp.Provider)
	assert.Equal(t, "1", resp.KeyID)
	assert.Equal(t, 150, resp.Usage.TotalTokens)
	assert.JSONEq(t, `{"totalScore": 85, "feedback": "solid work"}`, string(resp.Data))

	h, err := rig.store.Health(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), h.SuccessCount)
}

func TestGenerateRotatesOnRateLimit(t *testing.T) {
	api := &fakeAPI{
		output:     `{"totalScore": 70, "feedback": "ok"}`,
		failStatus: map[string]int{"sk-one": http.StatusTooManyRequests},
	}
	rig := newTestRig(t, []Key{{ID: "1", Secret: "sk-one"}, {ID: "2", Secret: "sk-two"}}, api)

	// Bias selection toward key 1 so the rotation is observable.
	require.NoError(t, rig.store.RecordSuccess(context.Background(), "1", 100*time.Millisecond))
	require.NoError(t, rig.store.RecordSuccess(context.Background(), "1", 100*time.Millisecond))

	resp, err := rig.client.Generate(context.Background(), &aiprovider.Request{
		Prompt: "grade this",
		Schema: gradingSchema(),
	})
	require.NoError(t, err)
	assert.Equal(t, "2", resp.KeyID)

	called := rig.api.keysCalled()
	require.Len(t, called, 2)
	assert.Equal(t, "sk-one", called[0])
	assert.Equal(t, "sk-two", called[1])

	// The failed key must now be throttled.
	m, err := rig.store.Metrics(context.Background(), "1")
	require.NoError(t, err)
	assert.True(t, m.IsThrottled)
}

func TestGenerateAllKeysThrottled(t *testing.T) {
	api := &fakeAPI{output: `{}`}
	rig := newTestRig(t, []Key{{ID: "1", Secret: "sk-one"}}, api)

	require.NoError(t, rig.store.MarkThrottled(context.Background(), "1", time.Hour))

	_, err := rig.client.Generate(context.Background(), &aiprovider.Request{Prompt: "x", Schema: gradingSchema()})
	require.Error(t, err)
	assert.True(t, aiprovider.IsAllKeysThrottled(err))
	assert.Zero(t, rig.api.callCount(), "no provider call when the pool is exhausted")
}

func TestGenerateMalformedOutputDoesNotThrottleOrRetry(t *testing.T) {
	api := &fakeAPI{output: `{"unexpected": true}`}
	rig := newTestRig(t, []Key{{ID: "1", Secret: "sk-one"}, {ID: "2", Secret: "sk-two"}}, api)

	_, err := rig.client.Generate(context.Background(), &aiprovider.Request{
		Prompt: "grade this",
		Schema: gradingSchema(),
	})
	require.Error(t, err)

	callErr, ok := aiprovider.AsCallError(err)
	require.True(t, ok)
	assert.Equal(t, keyhealth.ErrorMalformedOutput, callErr.Kind)
	assert.Equal(t, `{"unexpected": true}`, callErr.RawOutput)

	assert.Equal(t, 1, rig.api.callCount(), "malformed output is not retried on another key")

	m, err := rig.store.Metrics(context.Background(), callErr.KeyID)
	require.NoError(t, err)
	assert.False(t, m.IsThrottled, "schema failure is not the key's fault")
}

func TestGenerateQuotaExhaustionLongCooldown(t *testing.T) {
	api := &fakeAPI{
		failStatus:  map[string]int{"sk-one": http.StatusTooManyRequests},
		failMessage: map[string]string{"sk-one": "Quota exceeded for quota metric 'GenerateContent requests'"},
		output:      `{"totalScore": 1, "feedback": "f"}`,
	}
	rig := newTestRig(t, []Key{{ID: "1", Secret: "sk-one"}, {ID: "2", Secret: "sk-two"}}, api)
	require.NoError(t, rig.store.RecordSuccess(context.Background(), "1", time.Millisecond))
	require.NoError(t, rig.store.RecordSuccess(context.Background(), "1", time.Millisecond))

	_, err := rig.client.Generate(context.Background(), &aiprovider.Request{
		Prompt: "grade this",
		Schema: gradingSchema(),
	})
	require.NoError(t, err)

	h, err := rig.store.Health(context.Background(), "1")
	require.NoError(t, err)
	remaining := time.UnixMilli(h.ThrottledUntil).Sub(time.Now())
	assert.Greater(t, remaining, 3*time.Hour, "quota exhaustion gets the long cooldown floor")
}

func TestGenerateBreakerOpensAfterConsecutiveOverloads(t *testing.T) {
	api := &fakeAPI{
		failStatus:  map[string]int{"sk-one": http.StatusServiceUnavailable, "sk-two": http.StatusServiceUnavailable},
		failMessage: map[string]string{"sk-one": "model is overloaded", "sk-two": "model is overloaded"},
	}
	rig := newTestRig(t, []Key{{ID: "1", Secret: "sk-one"}, {ID: "2", Secret: "sk-two"}}, api)
	ctx := context.Background()

	// Each Generate burns through both keys before giving up. Clear the
	// throttles between rounds to keep feeding the breaker.
	for i := 0; i < 3; i++ {
		_, err := rig.client.Generate(ctx, &aiprovider.Request{Prompt: "x", Schema: gradingSchema()})
		require.Error(t, err)
		require.NoError(t, rig.store.ClearThrottle(ctx, "1"))
		require.NoError(t, rig.store.ClearThrottle(ctx, "2"))
		if rig.api.callCount() >= DefaultFailureThreshold {
			break
		}
	}
	require.GreaterOrEqual(t, rig.api.callCount(), DefaultFailureThreshold)

	_, err := rig.client.Generate(ctx, &aiprovider.Request{Prompt: "x", Schema: gradingSchema()})
	require.Error(t, err)
	assert.True(t, aiprovider.IsServiceDegraded(err))
}

func TestGenerateUsesCachedContext(t *testing.T) {
	var sawCachedContent string
	var createdCache bool
	mux := http.NewServeMux()
	mux.HandleFunc("/v1beta/cachedContents", func(w http.ResponseWriter, r *http.Request) {
		createdCache = true
		_ = json.NewEncoder(w).Encode(map[string]string{"name": "cachedContents/xyz"})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		sawCachedContent = req.CachedContent
		resp := map[string]any{
			"candidates": []map[string]any{
				{"content": map[string]any{"parts": []map[string]any{{"text": `{"totalScore": 5, "feedback": "f"}`}}}},
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store := keyhealth.NewStore(rdb, zap.NewNop())
	selector := keyhealth.NewSelector(store, keyhealth.NewRedisLock(rdb, keyhealth.SelectionLockKey), zap.NewNop())

	rest := newRESTClient(srv.URL, 0)
	cache := contextcache.NewManager(rdb, rest, time.Hour, zap.NewNop())

	client, err := NewClient(Config{
		Keys:          []Key{{ID: "1", Secret: "sk-one"}},
		BaseURL:       srv.URL,
		RatePerMinute: 600000,
	}, store, selector, nil, cache, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, client.InitHealthTracking(context.Background()))

	content := "a very large shared rubric"
	resp, err := client.Generate(context.Background(), &aiprovider.Request{
		Prompt:         "grade this",
		Schema:         gradingSchema(),
		ContextHash:    contextcache.HashContent(content),
		ContextContent: content,
	})
	require.NoError(t, err)
	assert.NotNil(t, resp)
	assert.True(t, createdCache)
	assert.Equal(t, "cachedContents/xyz", sawCachedContent)
}

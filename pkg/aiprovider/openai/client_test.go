package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chunchiehdev/gradeflow/pkg/aiprovider"
	"github.com/chunchiehdev/gradeflow/pkg/keyhealth"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewClient(Config{APIKey: "sk-test", BaseURL: srv.URL}, zap.NewNop())
	require.NoError(t, err)
	return client
}

func testSchema() *aiprovider.Schema {
	return &aiprovider.Schema{
		Type: aiprovider.TypeObject,
		Properties: map[string]*aiprovider.Schema{
			"totalScore": {Type: aiprovider.TypeNumber},
		},
		Required: []string{"totalScore"},
	}
}

func completion(content string) map[string]any {
	return map[string]any{
		"choices": []map[string]any{
			{"message": map[string]string{"role": "assistant", "content": content}, "finish_reason": "stop"},
		},
		"usage": map[string]int{"prompt_tokens": 80, "completion_tokens": 20, "total_tokens": 100},
	}
}

func TestNewClientRequiresKey(t *testing.T) {
	_, err := NewClient(Config{}, zap.NewNop())
	assert.ErrorIs(t, err, aiprovider.ErrNotConfigured)
}

func TestGenerateSuccess(t *testing.T) {
	var gotAuth string
	var gotReq chatRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		_ = json.NewEncoder(w).Encode(completion(`{"totalScore": 42}`))
	})

	resp, err := client.Generate(context.Background(), &aiprovider.Request{
		Prompt:            "grade this",
		SystemInstruction: "you are a grader",
		Temperature:       0.3,
		Schema:            testSchema(),
	})
	require.NoError(t, err)

	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "gpt-4o-mini", gotReq.Model)
	require.Len(t, gotReq.Messages, 2)
	assert.Equal(t, "system", gotReq.Messages[0].Role)
	require.NotNil(t, gotReq.ResponseFormat)
	assert.Equal(t, "json_schema", gotReq.ResponseFormat.Type)

	assert.Equal(t, "openai", resp.Provider)
	assert.Empty(t, resp.KeyID, "no key pool on the fallback tier")
	assert.Equal(t, 100, resp.Usage.TotalTokens)
	assert.JSONEq(t, `{"totalScore": 42}`, string(resp.Data))
}

func TestGenerateInlinesContextContent(t *testing.T) {
	var gotReq chatRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		_ = json.NewEncoder(w).Encode(completion(`{"totalScore": 1}`))
	})

	_, err := client.Generate(context.Background(), &aiprovider.Request{
		Prompt:         "grade this",
		ContextHash:    "abc",
		ContextContent: "the shared rubric",
		Schema:         testSchema(),
	})
	require.NoError(t, err)

	require.Len(t, gotReq.Messages, 1)
	assert.Contains(t, gotReq.Messages[0].Content, "the shared rubric")
	assert.Contains(t, gotReq.Messages[0].Content, "grade this")
}

func TestGenerateClassifiesHTTPFailures(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		message string
		want    keyhealth.ErrorKind
	}{
		{"rate limited", http.StatusTooManyRequests, "Rate limit reached", keyhealth.ErrorRateLimit},
		{"overloaded", http.StatusServiceUnavailable, "The engine is currently overloaded", keyhealth.ErrorOverloaded},
		{"server error", http.StatusInternalServerError, "internal error", keyhealth.ErrorUnavailable},
		{"quota", http.StatusTooManyRequests, "You exceeded your current quota", keyhealth.ErrorQuotaExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"error": map[string]string{"message": tt.message},
				})
			})

			_, err := client.Generate(context.Background(), &aiprovider.Request{Prompt: "x", Schema: testSchema()})
			require.Error(t, err)

			callErr, ok := aiprovider.AsCallError(err)
			require.True(t, ok)
			assert.Equal(t, tt.want, callErr.Kind)
			assert.Contains(t, callErr.Message, tt.message)
		})
	}
}

func TestGenerateMalformedOutputKeepsRaw(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(completion(`{"wrong": "shape"}`))
	})

	_, err := client.Generate(context.Background(), &aiprovider.Request{Prompt: "x", Schema: testSchema()})
	require.Error(t, err)

	callErr, ok := aiprovider.AsCallError(err)
	require.True(t, ok)
	assert.Equal(t, keyhealth.ErrorMalformedOutput, callErr.Kind)
	assert.Equal(t, `{"wrong": "shape"}`, callErr.RawOutput)
}

package grading

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chunchiehdev/gradeflow/pkg/aiprovider"
	"github.com/chunchiehdev/gradeflow/pkg/gradequeue"
	"github.com/chunchiehdev/gradeflow/pkg/keyhealth"
)

type stubAdapter struct {
	name  string
	resp  *aiprovider.Response
	err   error
	delay time.Duration
	calls int
}

func (s *stubAdapter) Name() string { return s.name }

func (s *stubAdapter) Generate(_ context.Context, _ *aiprovider.Request) (*aiprovider.Response, error) {
	s.calls++
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

type stubLoader struct {
	submission *Submission
	rubric     *Rubric
	err        error
}

func (s *stubLoader) Load(_ context.Context, _ string) (*Submission, *Rubric, error) {
	if s.err != nil {
		return nil, nil, s.err
	}
	return s.submission, s.rubric, nil
}

func testRubric() *Rubric {
	return &Rubric{
		ID:   "rb1",
		Name: "Essay rubric",
		Criteria: []Criterion{
			{ID: "c1", Name: "Argument", MaxScore: 60},
			{ID: "c2", Name: "Structure", MaxScore: 40},
		},
	}
}

func goodOutput() json.RawMessage {
	return json.RawMessage(`{
		"totalScore": 75,
		"maxScore": 100,
		"breakdown": [
			{"criteriaId": "c1", "name": "Argument", "score": 45, "feedback": "clear thesis"},
			{"criteriaId": "c2", "name": "Structure", "score": 30, "feedback": "good flow"}
		],
		"overallFeedback": "solid essay"
	}`)
}

func newEngine(t *testing.T, primary, secondary aiprovider.Adapter, loader ContentLoader) (*Engine, *MemoryResultStore) {
	t.Helper()
	store := NewMemoryResultStore()
	router := aiprovider.NewRouter(primary, secondary, zap.NewNop())
	return NewEngine(router, store, nil, loader, zap.NewNop()), store
}

func job() *gradequeue.Job {
	return &gradequeue.Job{ResultID: "r1", UserID: "u1", SessionID: "s1", Language: "en"}
}

func TestProcessJobCompletes(t *testing.T) {
	primary := &stubAdapter{name: "gemini", resp: &aiprovider.Response{
		Data:     goodOutput(),
		Provider: "gemini",
		KeyID:    "2",
		Usage:    aiprovider.Usage{TotalTokens: 1234},
	}}
	loader := &stubLoader{submission: &Submission{FileName: "essay.pdf", Content: "the essay"}, rubric: testRubric()}
	engine, store := newEngine(t, primary, nil, loader)

	require.NoError(t, engine.ProcessJob(context.Background(), job()))

	result, err := store.Get(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, 100, result.Progress)
	require.NotNil(t, result.Result)
	assert.Equal(t, float64(75), result.Result.TotalScore)
	assert.Equal(t, float64(75), result.NormalizedScore)
	assert.Equal(t, "gemini", result.ProviderUsed)
	assert.Equal(t, "2", result.KeyID)
	assert.Equal(t, 1234, result.TokensUsed)
	assert.Empty(t, result.ErrorMessage)
}

func TestProcessJobIdempotentReplay(t *testing.T) {
	primary := &stubAdapter{name: "gemini", resp: &aiprovider.Response{Data: goodOutput(), Provider: "gemini"}}
	loader := &stubLoader{submission: &Submission{Content: "x"}, rubric: testRubric()}
	engine, store := newEngine(t, primary, nil, loader)

	require.NoError(t, store.Put(context.Background(), &Result{ID: "r1", Status: StatusCompleted, Progress: 100}))

	require.NoError(t, engine.ProcessJob(context.Background(), job()))
	assert.Zero(t, primary.calls, "terminal result must not hit the provider again")
}

func TestProcessJobSkippedIsTerminal(t *testing.T) {
	primary := &stubAdapter{name: "gemini", resp: &aiprovider.Response{Data: goodOutput(), Provider: "gemini"}}
	loader := &stubLoader{submission: &Submission{Content: "x"}, rubric: testRubric()}
	engine, store := newEngine(t, primary, nil, loader)

	require.NoError(t, store.Put(context.Background(), &Result{ID: "r1", Status: StatusSkipped}))

	require.NoError(t, engine.ProcessJob(context.Background(), job()))
	assert.Zero(t, primary.calls)
}

func TestProcessJobRetriesFailedResult(t *testing.T) {
	primary := &stubAdapter{name: "gemini", resp: &aiprovider.Response{Data: goodOutput(), Provider: "gemini"}}
	loader := &stubLoader{submission: &Submission{Content: "x"}, rubric: testRubric()}
	engine, store := newEngine(t, primary, nil, loader)

	require.NoError(t, store.Put(context.Background(), &Result{
		ID: "r1", Status: StatusFailed, Progress: 100, ErrorMessage: "previous failure",
	}))

	require.NoError(t, engine.ProcessJob(context.Background(), job()))

	result, err := store.Get(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Empty(t, result.ErrorMessage)
}

func TestProcessJobBothProvidersFail(t *testing.T) {
	primaryErr := &aiprovider.CallError{
		Provider: "gemini", Kind: keyhealth.ErrorOverloaded, Message: "model overloaded",
	}
	secondaryErr := &aiprovider.CallError{
		Provider: "openai", Kind: keyhealth.ErrorUnavailable, Message: "bad gateway",
	}
	primary := &stubAdapter{name: "gemini", err: primaryErr}
	secondary := &stubAdapter{name: "openai", err: secondaryErr}
	loader := &stubLoader{submission: &Submission{Content: "x"}, rubric: testRubric()}
	engine, store := newEngine(t, primary, secondary, loader)

	require.NoError(t, engine.ProcessJob(context.Background(), job()),
		"provider failure is terminalized, not redelivered")

	result, err := store.Get(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, result.Status)
	assert.Contains(t, result.ErrorMessage, "model overloaded", "primary error retained")
	assert.Contains(t, result.ErrorMessage, "bad gateway", "secondary error retained")

	require.NotNil(t, result.Result, "stored result is never null")
	assert.Zero(t, result.Result.TotalScore)
	assert.Len(t, result.Result.Breakdown, 2)
	assert.Equal(t, float64(100), result.Result.MaxScore)
	assert.Equal(t, "openai", result.ProviderUsed, "failure attributed to the last adapter tried")
}

func TestProcessJobFailureRecordsAttributionAndDuration(t *testing.T) {
	primary := &stubAdapter{name: "gemini", delay: 10 * time.Millisecond, err: &aiprovider.CallError{
		Provider: "gemini", KeyID: "3", Kind: keyhealth.ErrorUnavailable, Message: "503",
	}}
	loader := &stubLoader{submission: &Submission{Content: "x"}, rubric: testRubric()}
	engine, store := newEngine(t, primary, nil, loader)

	require.NoError(t, engine.ProcessJob(context.Background(), job()))

	result, err := store.Get(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, "gemini", result.ProviderUsed)
	assert.Equal(t, "3", result.KeyID, "failing key recorded for diagnostics")
	assert.GreaterOrEqual(t, result.DurationMs, int64(10))
}

func TestProcessJobSalvagesRawOutput(t *testing.T) {
	raw := `{"totalScore": 40, "maxScore": 100, "breakdown": [{"criteriaId": "c1", "name": "Argument", "score": 40, "feedback": "partial"}], "overallFeedback": ""}`
	primary := &stubAdapter{name: "gemini", err: &aiprovider.CallError{
		Provider:  "gemini",
		Kind:      keyhealth.ErrorMalformedOutput,
		Message:   "breakdown: expected 2 items",
		RawOutput: raw,
	}}
	secondary := &stubAdapter{name: "openai", err: &aiprovider.CallError{
		Provider: "openai", Kind: keyhealth.ErrorUnavailable, Message: "down",
	}}
	loader := &stubLoader{submission: &Submission{Content: "x"}, rubric: testRubric()}
	engine, store := newEngine(t, primary, secondary, loader)

	require.NoError(t, engine.ProcessJob(context.Background(), job()))

	result, err := store.Get(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, result.Status)
	require.NotNil(t, result.Result)
	assert.Equal(t, float64(40), result.Result.TotalScore, "partial output salvaged over zero scores")
	assert.NotEmpty(t, result.Result.OverallFeedback, "feedback synthesized for salvaged output")
}

func TestProcessJobFallbackSuccessKeepsPrimaryError(t *testing.T) {
	primary := &stubAdapter{name: "gemini", err: &aiprovider.CallError{
		Provider: "gemini", Kind: keyhealth.ErrorOverloaded, Message: "model overloaded",
	}}
	secondary := &stubAdapter{name: "openai", resp: &aiprovider.Response{
		Data: goodOutput(), Provider: "openai",
	}}
	loader := &stubLoader{submission: &Submission{Content: "x"}, rubric: testRubric()}
	engine, store := newEngine(t, primary, secondary, loader)

	require.NoError(t, engine.ProcessJob(context.Background(), job()))

	result, err := store.Get(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, "openai", result.ProviderUsed)
	assert.Contains(t, result.ErrorMessage, "model overloaded", "primary failure stays on the record")
}

func TestProcessJobContentUnavailableIsTerminal(t *testing.T) {
	loader := &stubLoader{err: fmt.Errorf("%w: no parsed text", ErrContentUnavailable)}
	primary := &stubAdapter{name: "gemini"}
	engine, store := newEngine(t, primary, nil, loader)

	require.NoError(t, engine.ProcessJob(context.Background(), job()))

	result, err := store.Get(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, result.Status)
	require.NotNil(t, result.Result)
	assert.Zero(t, primary.calls)
}

func TestProcessJobTransientLoadErrorRedelivers(t *testing.T) {
	loader := &stubLoader{err: errors.New("database timeout")}
	primary := &stubAdapter{name: "gemini"}
	engine, store := newEngine(t, primary, nil, loader)

	err := engine.ProcessJob(context.Background(), job())
	require.Error(t, err, "transient infra failure goes back to the queue")

	result, gerr := store.Get(context.Background(), "r1")
	require.NoError(t, gerr)
	assert.Equal(t, StatusProcessing, result.Status, "retry path resets this on redelivery")
}

func TestProcessJobEmptyRubricFails(t *testing.T) {
	loader := &stubLoader{submission: &Submission{Content: "x"}, rubric: &Rubric{ID: "rb1"}}
	primary := &stubAdapter{name: "gemini"}
	engine, store := newEngine(t, primary, nil, loader)

	require.NoError(t, engine.ProcessJob(context.Background(), job()))

	result, err := store.Get(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, result.Status)
	assert.Contains(t, result.ErrorMessage, "criteria")
}

func TestProcessJobSynthesizesOverallFeedback(t *testing.T) {
	output := json.RawMessage(`{
		"totalScore": 80,
		"maxScore": 100,
		"breakdown": [
			{"criteriaId": "c1", "name": "Argument", "score": 50, "feedback": "strong reasoning"},
			{"criteriaId": "c2", "name": "Structure", "score": 30, "feedback": "clear sections"}
		],
		"overallFeedback": ""
	}`)
	primary := &stubAdapter{name: "gemini", resp: &aiprovider.Response{Data: output, Provider: "gemini"}}
	loader := &stubLoader{submission: &Submission{Content: "x"}, rubric: testRubric()}
	engine, store := newEngine(t, primary, nil, loader)

	require.NoError(t, engine.ProcessJob(context.Background(), job()))

	result, err := store.Get(context.Background(), "r1")
	require.NoError(t, err)
	require.NotNil(t, result.Result)
	assert.Contains(t, result.Result.OverallFeedback, "80/100")
	assert.Contains(t, result.Result.OverallFeedback, "strong reasoning")
}

func TestNormalizedScoreBounds(t *testing.T) {
	tests := []struct {
		name  string
		data  ResultData
		want  float64
	}{
		{"normal", ResultData{TotalScore: 75, MaxScore: 100}, 75},
		{"zero max", ResultData{TotalScore: 10, MaxScore: 0}, 0},
		{"over max", ResultData{TotalScore: 120, MaxScore: 100}, 100},
		{"negative", ResultData{TotalScore: -5, MaxScore: 100}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.data.NormalizedScore())
		})
	}
}

package grading

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/chunchiehdev/gradeflow/pkg/aiprovider"
	"github.com/chunchiehdev/gradeflow/pkg/contextcache"
	"github.com/chunchiehdev/gradeflow/pkg/gradequeue"
)

// Engine drives one grading job from queued to terminal.
//
// Provider failures are terminalized here: the persisted result goes FAILED
// with structured fallback data, and the queue sees a completed job. Only
// infrastructure errors (stores unreachable, transient load failures) bubble
// back for redelivery.
type Engine struct {
	router   *aiprovider.Router
	results  ResultStore
	sessions *SessionStore
	loader   ContentLoader
	logger   *zap.Logger
}

// NewEngine wires the orchestrator. All collaborators are required except
// sessions, which may be nil when session aggregation is unused.
func NewEngine(router *aiprovider.Router, results ResultStore, sessions *SessionStore, loader ContentLoader, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		router:   router,
		results:  results,
		sessions: sessions,
		loader:   loader,
		logger:   logger,
	}
}

// ProcessJob implements the gradequeue handler contract.
func (e *Engine) ProcessJob(ctx context.Context, job *gradequeue.Job) error {
	log := e.logger.With(
		zap.String("result_id", job.ResultID),
		zap.String("session_id", job.SessionID))

	result, err := e.results.Get(ctx, job.ResultID)
	if errors.Is(err, ErrResultNotFound) {
		// First delivery for a result the upstream never materialized;
		// start from a fresh record.
		result = &Result{ID: job.ResultID, Status: StatusPending}
	} else if err != nil {
		return fmt.Errorf("loading result: %w", err)
	}

	// Idempotent replay protection: redelivery of a finished job is a
	// no-op success.
	if result.Status.Terminal() {
		log.Info("result already terminal, skipping", zap.String("status", string(result.Status)))
		return nil
	}
	if result.Status == StatusFailed || result.Status == StatusProcessing {
		result.Status = StatusPending
		result.Progress = 0
		result.ErrorMessage = ""
	}

	result.Status = StatusProcessing
	result.Progress = 0
	if err := e.results.Put(ctx, result); err != nil {
		return fmt.Errorf("marking result processing: %w", err)
	}
	start := time.Now()

	submission, rubric, err := e.loader.Load(ctx, job.ResultID)
	if err != nil {
		if errors.Is(err, ErrContentUnavailable) || errors.Is(err, ErrResultNotFound) {
			return e.fail(ctx, log, job, result, &Rubric{}, start, err.Error())
		}
		return fmt.Errorf("loading submission: %w", err)
	}
	if len(rubric.Criteria) == 0 {
		return e.fail(ctx, log, job, result, rubric, start, "no grading criteria found in rubric")
	}

	e.progress(ctx, log, job.ResultID, 25)

	contextContent := renderRubricContext(rubric, job.Language)
	req := &aiprovider.Request{
		Prompt:            buildPrompt(submission, rubric, job.Language),
		SystemInstruction: systemInstruction(job.Language),
		Temperature:       0.3,
		Schema:            resultSchema(rubric),
		ContextHash:       contextcache.HashContent(contextContent),
		ContextContent:    contextContent,
	}

	e.progress(ctx, log, job.ResultID, 50)

	resp, genErr := e.router.Generate(ctx, req, aiprovider.GenerateOptions{})
	if genErr != nil {
		return e.failWithProviderError(ctx, log, job, result, rubric, start, genErr)
	}

	e.progress(ctx, log, job.ResultID, 90)

	var data ResultData
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		// Schema validation upstream makes this unlikely; terminalize
		// with fallback data rather than bouncing the job.
		result.ProviderUsed = resp.Provider
		result.KeyID = resp.KeyID
		return e.fail(ctx, log, job, result, rubric, start, fmt.Sprintf("decoding provider output: %v", err))
	}
	normalizeResult(&data, rubric)

	result.Status = StatusCompleted
	result.Progress = 100
	result.Result = &data
	result.NormalizedScore = data.NormalizedScore()
	result.ProviderUsed = resp.Provider
	result.KeyID = resp.KeyID
	result.TokensUsed = resp.Usage.TotalTokens
	result.DurationMs = time.Since(start).Milliseconds()
	result.ErrorMessage = resp.PrimaryError
	if err := e.results.Put(ctx, result); err != nil {
		return fmt.Errorf("persisting completed result: %w", err)
	}
	e.recordSession(ctx, log, job.SessionID, StatusCompleted)

	log.Info("grading completed",
		zap.String("provider", resp.Provider),
		zap.String("key_id", resp.KeyID),
		zap.Float64("score", data.TotalScore),
		zap.Float64("max_score", data.MaxScore),
		zap.Int64("duration_ms", result.DurationMs))
	return nil
}

// failWithProviderError terminalizes a router failure, keeping both
// providers' error text and salvaging any structurally valid raw output.
func (e *Engine) failWithProviderError(ctx context.Context, log *zap.Logger, job *gradequeue.Job, result *Result, rubric *Rubric, start time.Time, genErr error) error {
	message := genErr.Error()
	result.ProviderUsed, result.KeyID = providerAttribution(genErr)

	// A malformed-output failure may still carry output close enough to
	// use as a degraded result; prefer it over synthetic zero scores.
	if salvaged := salvageRawOutput(genErr, rubric); salvaged != nil {
		result.Status = StatusFailed
		result.Progress = 100
		result.Result = salvaged
		result.NormalizedScore = salvaged.NormalizedScore()
		result.ErrorMessage = message
		result.DurationMs = time.Since(start).Milliseconds()
		if err := e.results.Put(ctx, result); err != nil {
			return fmt.Errorf("persisting failed result: %w", err)
		}
		e.recordSession(ctx, log, job.SessionID, StatusFailed)
		log.Warn("grading failed, salvaged partial output", zap.String("error", message))
		return nil
	}

	return e.fail(ctx, log, job, result, rubric, start, message)
}

// providerAttribution names the adapter a terminal failure is attributed to:
// the last one attempted. The pool key is recorded when that adapter's
// failure carries one.
func providerAttribution(genErr error) (provider, keyID string) {
	var fbErr *aiprovider.FallbackError
	if errors.As(genErr, &fbErr) {
		if ce, ok := aiprovider.AsCallError(fbErr.SecondaryErr); ok {
			return fbErr.SecondaryProvider, ce.KeyID
		}
		return fbErr.SecondaryProvider, ""
	}
	if ce, ok := aiprovider.AsCallError(genErr); ok {
		return ce.Provider, ce.KeyID
	}
	return "", ""
}

// fail persists a terminal FAILED record with fallback result data. The
// stored result field is never left null.
func (e *Engine) fail(ctx context.Context, log *zap.Logger, job *gradequeue.Job, result *Result, rubric *Rubric, start time.Time, message string) error {
	result.Status = StatusFailed
	result.Progress = 100
	result.ErrorMessage = message
	result.Result = FallbackResult(rubric, message)
	result.NormalizedScore = 0
	result.DurationMs = time.Since(start).Milliseconds()
	if err := e.results.Put(ctx, result); err != nil {
		return fmt.Errorf("persisting failed result: %w", err)
	}
	e.recordSession(ctx, log, job.SessionID, StatusFailed)
	log.Warn("grading failed", zap.String("error", message))
	return nil
}

func (e *Engine) progress(ctx context.Context, log *zap.Logger, resultID string, pct int) {
	if err := e.results.SetProgress(ctx, resultID, pct); err != nil {
		log.Warn("updating progress failed", zap.Int("progress", pct), zap.Error(err))
	}
}

func (e *Engine) recordSession(ctx context.Context, log *zap.Logger, sessionID string, status Status) {
	if e.sessions == nil || sessionID == "" {
		return
	}
	if err := e.sessions.RecordOutcome(ctx, sessionID, status); err != nil {
		log.Warn("updating session progress failed", zap.Error(err))
	}
}

// salvageRawOutput tries to decode raw provider output attached to the error
// chain into usable result data.
func salvageRawOutput(err error, rubric *Rubric) *ResultData {
	var raw string
	var fbErr *aiprovider.FallbackError
	if errors.As(err, &fbErr) {
		raw = fbErr.RawOutput()
	} else if callErr, ok := aiprovider.AsCallError(err); ok {
		raw = callErr.RawOutput
	}
	if raw == "" {
		return nil
	}

	var data ResultData
	if jerr := json.Unmarshal([]byte(raw), &data); jerr != nil {
		return nil
	}
	if len(data.Breakdown) == 0 {
		return nil
	}
	normalizeResult(&data, rubric)
	return &data
}

// normalizeResult enforces the output guarantees: a positive max score and a
// non-empty overall feedback, synthesized from the breakdown when the
// provider returned none.
func normalizeResult(data *ResultData, rubric *Rubric) {
	if data.MaxScore <= 0 {
		data.MaxScore = rubric.MaxScore()
	}
	if strings.TrimSpace(data.OverallFeedback) != "" {
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Score: %.0f/%.0f.", data.TotalScore, data.MaxScore)
	for _, cg := range data.Breakdown {
		if strings.TrimSpace(cg.Feedback) == "" {
			continue
		}
		fmt.Fprintf(&b, " %s: %s", cg.Name, cg.Feedback)
	}
	data.OverallFeedback = b.String()
}

// Package grading contains the orchestrator that turns queued grading jobs
// into persisted results, plus the result and session stores it writes.
//
// The orchestrator owns the per-job state machine and the provider
// interaction; submission content and rubric criteria arrive as opaque inputs
// through the ContentLoader boundary.
package grading

import (
	"context"
	"errors"
	"fmt"
)

// Status is the grading result lifecycle state.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusSkipped    Status = "SKIPPED"
)

// Terminal reports whether re-processing this status is a no-op.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusSkipped
}

// CriterionGrade is the per-criterion slice of a structured result.
type CriterionGrade struct {
	CriteriaID string  `json:"criteriaId"`
	Name       string  `json:"name"`
	Score      float64 `json:"score"`
	Feedback   string  `json:"feedback"`
}

// ResultData is the structured grading output.
type ResultData struct {
	TotalScore      float64          `json:"totalScore"`
	MaxScore        float64          `json:"maxScore"`
	Breakdown       []CriterionGrade `json:"breakdown"`
	OverallFeedback string           `json:"overallFeedback"`
}

// NormalizedScore maps the raw score onto 0..100.
func (d *ResultData) NormalizedScore() float64 {
	if d.MaxScore <= 0 {
		return 0
	}
	n := d.TotalScore / d.MaxScore * 100
	if n < 0 {
		return 0
	}
	if n > 100 {
		return 100
	}
	return n
}

// Result is the persisted record, restricted to the fields this layer owns.
type Result struct {
	ID       string  `json:"id"`
	Status   Status  `json:"status"`
	Progress int     `json:"progress"`

	Result *ResultData `json:"result,omitempty"`

	NormalizedScore float64 `json:"normalizedScore"`
	ProviderUsed    string  `json:"providerUsed,omitempty"`
	KeyID           string  `json:"keyId,omitempty"`
	TokensUsed      int     `json:"tokensUsed,omitempty"`
	DurationMs      int64   `json:"durationMs,omitempty"`
	ErrorMessage    string  `json:"errorMessage,omitempty"`
}

// ErrResultNotFound is returned when a resultId has no record.
var ErrResultNotFound = errors.New("grading result not found")

// ErrContentUnavailable marks a load failure that cannot heal on retry, such
// as a submission with no extracted text. The orchestrator terminalizes it
// instead of sending the job back to the queue.
var ErrContentUnavailable = errors.New("submission content unavailable")

// ResultStore persists grading results. The relational system of record lives
// outside this layer; implementations only carry the fields above.
type ResultStore interface {
	// Get returns the current record. ErrResultNotFound when absent.
	Get(ctx context.Context, resultID string) (*Result, error)

	// Put writes the full record.
	Put(ctx context.Context, result *Result) error

	// SetProgress updates progress, clamped to 0..100.
	SetProgress(ctx context.Context, resultID string, progress int) error
}

// Criterion is one rubric scoring dimension.
type Criterion struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	MaxScore    float64 `json:"maxScore"`
}

// Rubric is the criteria set a submission is graded against.
type Rubric struct {
	ID       string      `json:"id"`
	Name     string      `json:"name"`
	Criteria []Criterion `json:"criteria"`
}

// MaxScore sums the criterion maxima.
func (r *Rubric) MaxScore() float64 {
	var sum float64
	for _, c := range r.Criteria {
		sum += c.MaxScore
	}
	return sum
}

// Submission is the content to grade.
type Submission struct {
	FileName string
	Content  string
}

// ContentLoader is the collaborator boundary that resolves a resultId into
// the submission text and rubric. Load errors are transient from the queue's
// point of view unless wrapped in ErrResultNotFound.
type ContentLoader interface {
	Load(ctx context.Context, resultID string) (*Submission, *Rubric, error)
}

// FallbackResult builds a zero-score result so a failed grading never leaves
// the persisted record without structured data.
func FallbackResult(rubric *Rubric, errorMessage string) *ResultData {
	breakdown := make([]CriterionGrade, len(rubric.Criteria))
	for i, c := range rubric.Criteria {
		breakdown[i] = CriterionGrade{
			CriteriaID: c.ID,
			Name:       c.Name,
			Score:      0,
			Feedback:   fmt.Sprintf("Grading failed due to API error: %s", errorMessage),
		}
	}
	return &ResultData{
		TotalScore:      0,
		MaxScore:        rubric.MaxScore(),
		Breakdown:       breakdown,
		OverallFeedback: fmt.Sprintf("Grading failed. Error: %s. Please try again or contact support.", errorMessage),
	}
}

// Package gradequeue provides the durable grading job queue on JetStream.
//
// Jobs are published with an idempotency key derived from the target result
// identifier; the stream's duplicate window guarantees a resultId that is
// already pending or in flight never gains a second queue entry. Delivery is
// at-least-once with a bounded retry budget, protecting against worker
// crashes and transient infrastructure errors. Provider failures are
// terminalized by the job handler itself and do not bounce back here.
package gradequeue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

const (
	// DefaultStreamName holds all grading jobs.
	DefaultStreamName = "GRADING"

	// DefaultSubject is the single work subject.
	DefaultSubject = "grading.jobs"

	// DefaultMaxDeliver bounds delivery attempts per job.
	DefaultMaxDeliver = 3

	// DefaultAckWait is the per-attempt processing ceiling. A job still
	// running past this is redelivered to another worker, so it also acts
	// as the wall-clock bound on the provider rotation loop.
	DefaultAckWait = 5 * time.Minute

	// DefaultDuplicateWindow is how long an idempotency key suppresses
	// re-publishes of the same job.
	DefaultDuplicateWindow = 10 * time.Minute
)

// defaultBackoff spaces out redeliveries. Must stay shorter than MaxDeliver.
var defaultBackoff = []time.Duration{5 * time.Second, 30 * time.Second}

// Job is one grading work item.
type Job struct {
	ResultID  string `json:"resultId"`
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`

	// Language selects the feedback language ("en" or "zh").
	Language string `json:"language,omitempty"`

	// Mode is an optional grading mode tag, opaque to the queue.
	Mode string `json:"mode,omitempty"`
}

// IdempotencyKey returns the deduplication key for this job. One result gets
// at most one pending queue entry.
func (j *Job) IdempotencyKey() string {
	return "grade-" + j.ResultID
}

// Validate checks the required identifiers.
func (j *Job) Validate() error {
	if j.ResultID == "" {
		return fmt.Errorf("job missing resultId")
	}
	if j.UserID == "" {
		return fmt.Errorf("job missing userId")
	}
	if j.SessionID == "" {
		return fmt.Errorf("job missing sessionId")
	}
	return nil
}

// Config tunes the queue. Zero values use the defaults.
type Config struct {
	StreamName      string
	Subject         string
	MaxDeliver      int
	AckWait         time.Duration
	DuplicateWindow time.Duration
	Backoff         []time.Duration
}

func (c *Config) applyDefaults() {
	if c.StreamName == "" {
		c.StreamName = DefaultStreamName
	}
	if c.Subject == "" {
		c.Subject = DefaultSubject
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = DefaultMaxDeliver
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.DuplicateWindow <= 0 {
		c.DuplicateWindow = DefaultDuplicateWindow
	}
	if len(c.Backoff) == 0 {
		c.Backoff = defaultBackoff
	}
}

// Queue publishes grading jobs onto the stream.
type Queue struct {
	js     jetstream.JetStream
	cfg    Config
	logger *zap.Logger
}

// New creates a queue over an existing JetStream context.
func New(js jetstream.JetStream, cfg Config, logger *zap.Logger) *Queue {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{js: js, cfg: cfg, logger: logger}
}

// Config returns the effective configuration after defaulting.
func (q *Queue) Config() Config { return q.cfg }

// EnsureStream creates or updates the work-queue stream. Safe to call from
// every worker at startup.
func (q *Queue) EnsureStream(ctx context.Context) error {
	_, err := q.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       q.cfg.StreamName,
		Subjects:   []string{q.cfg.Subject},
		Retention:  jetstream.WorkQueuePolicy,
		Storage:    jetstream.FileStorage,
		Duplicates: q.cfg.DuplicateWindow,
	})
	if err != nil {
		return fmt.Errorf("ensuring stream %s: %w", q.cfg.StreamName, err)
	}
	return nil
}

// Enqueue publishes one job. Returns false when the idempotency key already
// has a pending or in-flight entry; that is not an error.
func (q *Queue) Enqueue(ctx context.Context, job *Job) (bool, error) {
	if err := job.Validate(); err != nil {
		return false, err
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("encoding job: %w", err)
	}

	ack, err := q.js.Publish(ctx, q.cfg.Subject, payload,
		jetstream.WithMsgID(job.IdempotencyKey()))
	if err != nil {
		return false, fmt.Errorf("publishing job %s: %w", job.ResultID, err)
	}
	if ack.Duplicate {
		q.logger.Info("job already enqueued, skipping duplicate",
			zap.String("result_id", job.ResultID))
		return false, nil
	}

	q.logger.Info("job enqueued",
		zap.String("result_id", job.ResultID),
		zap.String("session_id", job.SessionID),
		zap.Uint64("seq", ack.Sequence))
	return true, nil
}

// EnqueueBulk fans out many jobs from one parent session. Returns the number
// of newly-created entries; duplicates are counted out silently. Stops on the
// first hard publish error.
func (q *Queue) EnqueueBulk(ctx context.Context, jobs []*Job) (int, error) {
	enqueued := 0
	for _, job := range jobs {
		ok, err := q.Enqueue(ctx, job)
		if err != nil {
			return enqueued, err
		}
		if ok {
			enqueued++
		}
	}
	return enqueued, nil
}

// Status is a point-in-time queue snapshot for monitoring.
type Status struct {
	Stream    string `json:"stream"`
	Messages  uint64 `json:"messages"`
	Pending   uint64 `json:"pending"`
	InFlight  int    `json:"inFlight"`
	Consumers int    `json:"consumers"`
}

// Status reports stream depth and consumer load.
func (q *Queue) Status(ctx context.Context) (*Status, error) {
	stream, err := q.js.Stream(ctx, q.cfg.StreamName)
	if err != nil {
		return nil, fmt.Errorf("looking up stream %s: %w", q.cfg.StreamName, err)
	}
	info, err := stream.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading stream info: %w", err)
	}

	st := &Status{
		Stream:    q.cfg.StreamName,
		Messages:  info.State.Msgs,
		Consumers: info.State.Consumers,
	}

	consumer, err := stream.Consumer(ctx, workerConsumerName)
	if err == nil {
		ci, cerr := consumer.Info(ctx)
		if cerr == nil {
			st.Pending = ci.NumPending
			st.InFlight = ci.NumAckPending
		}
	}
	return st, nil
}

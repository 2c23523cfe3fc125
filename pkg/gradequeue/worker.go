package gradequeue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

const workerConsumerName = "grading-workers"

// ackGrace leaves the handler room to Nak or Ack before the delivery's
// AckWait expires and JetStream redelivers the job to another worker.
const ackGrace = 5 * time.Second

// Handler processes one grading job.
//
// Return nil when the job is finished, including business failures the
// handler has already terminalized (a FAILED result is a completed job).
// Return an error only for transient conditions worth a redelivery.
type Handler func(ctx context.Context, job *Job) error

// Worker consumes grading jobs from the shared durable consumer. Multiple
// workers across processes share one consumer, so each job is delivered to
// exactly one of them at a time.
type Worker struct {
	queue   *Queue
	handler Handler
	logger  *zap.Logger

	// baseCtx parents every handler invocation, so shutdown cancels
	// in-flight jobs. Set in Start.
	baseCtx context.Context
	consume jetstream.ConsumeContext
}

// NewWorker wires a handler to the queue.
func NewWorker(queue *Queue, handler Handler, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{queue: queue, handler: handler, logger: logger}
}

// Start ensures the durable consumer exists and begins processing. Returns
// after the subscription is live; processing continues until Stop.
func (w *Worker) Start(ctx context.Context) error {
	q := w.queue
	w.baseCtx = ctx

	stream, err := q.js.Stream(ctx, q.cfg.StreamName)
	if err != nil {
		return fmt.Errorf("looking up stream %s: %w", q.cfg.StreamName, err)
	}

	consumer, err := w.ensureConsumer(ctx, stream)
	if err != nil {
		return err
	}

	cc, err := consumer.Consume(w.dispatch)
	if err != nil {
		return fmt.Errorf("starting consumer: %w", err)
	}
	w.consume = cc

	w.logger.Info("grading worker started",
		zap.String("stream", q.cfg.StreamName),
		zap.String("consumer", workerConsumerName))
	return nil
}

func (w *Worker) ensureConsumer(ctx context.Context, stream jetstream.Stream) (jetstream.Consumer, error) {
	q := w.queue

	consumer, err := stream.Consumer(ctx, workerConsumerName)
	if err == nil {
		return consumer, nil
	}
	if !errors.Is(err, jetstream.ErrConsumerNotFound) {
		return nil, fmt.Errorf("accessing consumer: %w", err)
	}

	consumer, err = stream.CreateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          workerConsumerName,
		Durable:       workerConsumerName,
		FilterSubject: q.cfg.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       q.cfg.AckWait,
		MaxDeliver:    q.cfg.MaxDeliver,
		BackOff:       q.cfg.Backoff,
	})
	if err == nil {
		return consumer, nil
	}
	// Another worker may have created it concurrently.
	if errors.Is(err, jetstream.ErrConsumerNameAlreadyInUse) {
		return stream.Consumer(ctx, workerConsumerName)
	}
	return nil, fmt.Errorf("creating consumer: %w", err)
}

// dispatch decodes and runs one delivery.
func (w *Worker) dispatch(msg jetstream.Msg) {
	var job Job
	if err := json.Unmarshal(msg.Data(), &job); err != nil {
		// Undecodable payloads can never succeed; drop them for good.
		w.logger.Error("discarding malformed job payload", zap.Error(err))
		if terr := msg.Term(); terr != nil {
			w.logger.Warn("terminating malformed job failed", zap.Error(terr))
		}
		return
	}

	meta, _ := msg.Metadata()
	attempt := uint64(1)
	if meta != nil {
		attempt = meta.NumDelivered
	}

	w.logger.Info("processing grading job",
		zap.String("result_id", job.ResultID),
		zap.Uint64("attempt", attempt))

	// AckWait is the wall-clock ceiling for one attempt. The handler gets
	// slightly less so a slow provider rotation cannot outlive the
	// delivery and overlap its own redelivery.
	ctx, cancel := context.WithTimeout(w.baseCtx, w.attemptTimeout())
	defer cancel()

	if err := w.handler(ctx, &job); err != nil {
		w.logger.Warn("job attempt failed, scheduling redelivery",
			zap.String("result_id", job.ResultID),
			zap.Uint64("attempt", attempt),
			zap.Error(err))
		if nerr := msg.Nak(); nerr != nil {
			w.logger.Warn("nak failed", zap.Error(nerr))
		}
		return
	}

	if err := msg.Ack(); err != nil {
		w.logger.Warn("ack failed", zap.String("result_id", job.ResultID), zap.Error(err))
		return
	}
	w.logger.Info("grading job done", zap.String("result_id", job.ResultID))
}

// attemptTimeout is AckWait minus the ack grace margin, never less than
// half of AckWait so short test configurations keep a usable window.
func (w *Worker) attemptTimeout() time.Duration {
	d := w.queue.cfg.AckWait - ackGrace
	if d < w.queue.cfg.AckWait/2 {
		d = w.queue.cfg.AckWait / 2
	}
	return d
}

// Stop drains the subscription, letting in-flight jobs finish.
func (w *Worker) Stop() {
	if w.consume != nil {
		w.consume.Drain()
		w.consume = nil
	}
}

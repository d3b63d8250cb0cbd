// Package pipeline runs stages against their queues. A Worker owns the
// receive → handle → acknowledge loop for one queue; the stage itself is
// a pure Handler of message bodies and never touches the queue it is
// fed from.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/PolygramInfo/IFC-RPC/backend"
	"github.com/PolygramInfo/IFC-RPC/errors"
	"github.com/PolygramInfo/IFC-RPC/metric"
)

// Default worker timings.
const (
	DefaultReceiveWait  = 5 * time.Second
	DefaultErrorBackoff = time.Second
)

// Handler processes one message body. A nil return settles the message;
// a transient error leaves it unacknowledged for redelivery; any other
// error is logged and the message settles, since the stage has already
// written its observable failure result.
type Handler interface {
	Handle(ctx context.Context, body []byte) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, body []byte) error

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, body []byte) error { return f(ctx, body) }

// Worker drives one stage from one queue.
type Worker struct {
	name         string
	queue        backend.Queue
	queueName    string
	handler      Handler
	receiveWait  time.Duration
	errorBackoff time.Duration
	logger       *slog.Logger
	metrics      *metric.Metrics
}

// WorkerOption configures a Worker
type WorkerOption func(*Worker)

// WithReceiveWait sets how long a receive blocks before polling again
func WithReceiveWait(d time.Duration) WorkerOption {
	return func(w *Worker) { w.receiveWait = d }
}

// WithErrorBackoff sets the pause after a receive failure
func WithErrorBackoff(d time.Duration) WorkerOption {
	return func(w *Worker) { w.errorBackoff = d }
}

// WithLogger sets the worker logger
func WithLogger(logger *slog.Logger) WorkerOption {
	return func(w *Worker) { w.logger = logger }
}

// WithMetrics wires the shared pipeline metrics
func WithMetrics(metrics *metric.Metrics) WorkerOption {
	return func(w *Worker) { w.metrics = metrics }
}

// NewWorker creates a worker feeding handler from the named queue
func NewWorker(name string, queue backend.Queue, queueName string, handler Handler, opts ...WorkerOption) *Worker {
	w := &Worker{
		name:         name,
		queue:        queue,
		queueName:    queueName,
		handler:      handler,
		receiveWait:  DefaultReceiveWait,
		errorBackoff: DefaultErrorBackoff,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Name returns the worker's stage name.
func (w *Worker) Name() string { return w.name }

// Run loops until the context is cancelled. Each iteration receives at
// most one message, hands it to the stage, and acknowledges it unless
// the stage reported a transient failure.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started", "worker", w.name, "queue", w.queueName)
	defer w.logger.Info("worker stopped", "worker", w.name, "queue", w.queueName)

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		msg, err := w.queue.Receive(ctx, w.queueName, w.receiveWait)
		if err != nil {
			if errors.Is(err, errors.ErrNoMessage) || ctx.Err() != nil {
				continue
			}
			w.logger.Error("receive failed", "worker", w.name, "queue", w.queueName, "error", err)
			w.recordError("receive")
			if !w.sleep(ctx) {
				return nil
			}
			continue
		}

		w.process(ctx, msg)
	}
}

// process runs the stage on one message and settles it. The settle
// decision is the worker's whole job: transient failures redeliver,
// everything else acknowledges.
func (w *Worker) process(ctx context.Context, msg *backend.Message) {
	start := time.Now()
	err := w.handler.Handle(ctx, msg.Body)

	if err != nil && errors.IsTransient(err) {
		// Left unacknowledged, the message redelivers after the
		// visibility timeout.
		w.logger.Warn("transient failure, message will redeliver",
			"worker", w.name, "queue", w.queueName, "error", err)
		w.recordError("transient")
		return
	}

	if err != nil {
		// The stage has already written its observable failure result;
		// redelivering would repeat the same terminal outcome.
		w.logger.Error("terminal failure, settling message",
			"worker", w.name, "queue", w.queueName, "error", err)
		w.recordError(errors.Classify(err).String())
	}

	if ackErr := w.queue.Ack(ctx, msg); ackErr != nil {
		// Redelivery after a lost ack is absorbed by dedupe keys and
		// conditional inserts downstream.
		w.logger.Warn("ack failed, message may redeliver",
			"worker", w.name, "queue", w.queueName, "error", ackErr)
		w.recordError("ack")
	}

	if w.metrics != nil {
		w.metrics.RecordStageDuration(w.name, "process", time.Since(start))
	}
}

func (w *Worker) sleep(ctx context.Context) bool {
	timer := time.NewTimer(w.errorBackoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (w *Worker) recordError(class string) {
	if w.metrics != nil {
		w.metrics.RecordError(w.name, class)
	}
}

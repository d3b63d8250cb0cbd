// Package ambassador is the ingress stage: it authenticates a raw
// event, checks its structural shape, registers a pending resource,
// audit-logs the event, and forwards it to the validation queue. The
// caller gets an immediate reply with the resource id to poll; the
// pipeline settles the request asynchronously.
package ambassador

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/PolygramInfo/IFC-RPC/auth"
	"github.com/PolygramInfo/IFC-RPC/backend"
	"github.com/PolygramInfo/IFC-RPC/envelope"
	"github.com/PolygramInfo/IFC-RPC/errors"
	"github.com/PolygramInfo/IFC-RPC/metric"
	"github.com/PolygramInfo/IFC-RPC/resource"
)

// Defaults for the ambassador's queues and buckets.
const (
	DefaultValidationQueue = "validation"
	DefaultAuditBucket     = "audit"
	DefaultTryAfter        = 30 * time.Second
	stageName              = "ambassador"
)

// Reply is the settled outcome of one ingress request: the reply
// envelope plus the HTTP-equivalent status the transport mirrors.
type Reply struct {
	Status   int
	Envelope *envelope.Envelope
}

// Accepted reports whether the request entered the pipeline
func (r Reply) Accepted() bool { return r.Status == http.StatusCreated }

// Ambassador is the ingress stage.
type Ambassador struct {
	authn     *auth.Authenticator
	shape     *envelope.ShapeValidator
	resources *resource.Tracker
	queue     backend.Queue
	blob      backend.Blob

	validationQueue string
	auditBucket     string
	resourceURLBase string
	tryAfter        time.Duration
	source          string
	logger          *slog.Logger
	metrics         *metric.Metrics
	now             func() time.Time
}

// Option configures an Ambassador
type Option func(*Ambassador)

// WithValidationQueue overrides the downstream queue name
func WithValidationQueue(queue string) Option {
	return func(a *Ambassador) { a.validationQueue = queue }
}

// WithAuditBucket overrides the audit blob bucket
func WithAuditBucket(bucket string) Option {
	return func(a *Ambassador) { a.auditBucket = bucket }
}

// WithResourceURLBase sets the base path echoed in resource URLs
func WithResourceURLBase(base string) Option {
	return func(a *Ambassador) { a.resourceURLBase = base }
}

// WithTryAfter sets the polling delay suggested to callers
func WithTryAfter(d time.Duration) Option {
	return func(a *Ambassador) { a.tryAfter = d }
}

// WithSource sets the source attribute on reply envelopes
func WithSource(source string) Option {
	return func(a *Ambassador) { a.source = source }
}

// WithLogger sets the stage logger
func WithLogger(logger *slog.Logger) Option {
	return func(a *Ambassador) { a.logger = logger }
}

// WithMetrics wires the shared pipeline metrics
func WithMetrics(metrics *metric.Metrics) Option {
	return func(a *Ambassador) { a.metrics = metrics }
}

// WithClock overrides the time source, for audit-key tests
func WithClock(now func() time.Time) Option {
	return func(a *Ambassador) { a.now = now }
}

// New creates the ingress stage with its collaborators
func New(
	authn *auth.Authenticator,
	resources *resource.Tracker,
	queue backend.Queue,
	blob backend.Blob,
	opts ...Option,
) (*Ambassador, error) {
	shape, err := envelope.NewShapeValidator()
	if err != nil {
		return nil, err
	}

	a := &Ambassador{
		authn:           authn,
		shape:           shape,
		resources:       resources,
		queue:           queue,
		blob:            blob,
		validationQueue: DefaultValidationQueue,
		auditBucket:     DefaultAuditBucket,
		resourceURLBase: "/resources/",
		tryAfter:        DefaultTryAfter,
		source:          stageName,
		logger:          slog.Default(),
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Handle runs one event through the ingress steps and returns the
// reply for the caller. Rejections mirror the failure's
// HTTP-equivalent status; acceptance is a 201 with the resource id,
// its URL, and the suggested polling delay.
func (a *Ambassador) Handle(ctx context.Context, env *envelope.Envelope) Reply {
	start := a.now()
	a.recordReceived(env)

	decision, err := a.authn.Authorize(ctx, env.UserHash(), env.UserToken())
	if err != nil {
		var authErr *errors.AuthError
		if errors.As(err, &authErr) {
			return a.reject(env, authErr.Status, authErr.Reason)
		}
		return a.reject(env, http.StatusServiceUnavailable, "authorization unavailable")
	}

	if err := a.shape.Validate(env); err != nil {
		var shapeErr *errors.ShapeError
		if errors.As(err, &shapeErr) {
			return a.reject(env, shapeErr.Status(), shapeErr.Error())
		}
		return a.reject(env, http.StatusBadRequest, err.Error())
	}

	resourceID := a.resources.Allocate()
	if _, err := a.resources.RegisterPending(ctx, resourceID, env.ID(), decision.UserRef); err != nil {
		a.logger.Error("pending resource registration failed",
			"event_id", env.ID(), "resource_id", resourceID, "error", err)
		return a.reject(env, http.StatusInternalServerError, "resource registration failed")
	}

	a.auditLog(ctx, env)

	forwarded := env.WithResource(resourceID)
	body, err := json.Marshal(forwarded)
	if err != nil {
		return a.reject(env, http.StatusInternalServerError, "event serialization failed")
	}

	err = a.queue.Enqueue(ctx, a.validationQueue, body,
		backend.WithDedupeKey(env.ID()),
		backend.WithGroupKey(env.Type().String()),
	)
	if err != nil {
		a.logger.Error("forward to validation failed", "event_id", env.ID(), "error", err)
		if failErr := a.resources.MarkFailed(ctx, resourceID, "enqueue failed"); failErr != nil {
			a.logger.Error("mark failed after enqueue failure",
				"resource_id", resourceID, "error", failErr)
		}
		return a.reject(env, http.StatusServiceUnavailable, "pipeline unavailable")
	}

	a.recordProcessed(env, "accepted", start)
	reply := envelope.NewResponse(a.source, env, envelope.ResponseData{
		ResourceID:  resourceID,
		ResourceURL: a.resourceURLBase + resourceID,
		TryAfter:    envelope.TryAfterSeconds(a.tryAfter),
	})
	return Reply{Status: http.StatusCreated, Envelope: reply}
}

// auditLog writes the raw event to the audit bucket. Best effort: a
// failure is logged and the request continues.
func (a *Ambassador) auditLog(ctx context.Context, env *envelope.Envelope) {
	body, err := json.Marshal(env)
	if err != nil {
		a.logger.Warn("audit serialization failed", "event_id", env.ID(), "error", err)
		return
	}

	if err := a.blob.Put(ctx, a.auditBucket, auditKey(a.now().UTC(), env.ID()), body); err != nil {
		a.logger.Warn("audit log write failed", "event_id", env.ID(), "error", err)
	}
}

// auditKey lays audit objects out by date and hour for retention sweeps
func auditKey(at time.Time, eventID string) string {
	return fmt.Sprintf("events/%s/%02d/%s.json", at.Format("2006-01-02"), at.Hour(), eventID)
}

func (a *Ambassador) reject(env *envelope.Envelope, status int, reason string) Reply {
	a.logger.Warn("event rejected", "event_id", env.ID(), "status", status, "reason", reason)
	if a.metrics != nil {
		a.metrics.RecordEventProcessed(stageName, env.Type().String(), "rejected")
	}
	return Reply{
		Status:   status,
		Envelope: envelope.NewErrorResponse(a.source, env, status, reason),
	}
}

func (a *Ambassador) recordReceived(env *envelope.Envelope) {
	if a.metrics != nil {
		a.metrics.RecordEventReceived(stageName, env.Type().String())
	}
}

func (a *Ambassador) recordProcessed(env *envelope.Envelope, status string, start time.Time) {
	if a.metrics != nil {
		a.metrics.RecordEventProcessed(stageName, env.Type().String(), status)
		a.metrics.RecordEventForwarded(stageName, a.validationQueue)
		a.metrics.RecordStageDuration(stageName, "handle", a.now().Sub(start))
	}
}

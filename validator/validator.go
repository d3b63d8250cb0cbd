// Package validator is the schema-validation stage. It checks each
// event's payload against the registered schema named by the event's
// dataschema attribute, forwards conforming events to the routing
// queue, and quarantines the rest.
package validator

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/PolygramInfo/IFC-RPC/backend"
	"github.com/PolygramInfo/IFC-RPC/envelope"
	"github.com/PolygramInfo/IFC-RPC/errors"
	"github.com/PolygramInfo/IFC-RPC/metric"
	"github.com/PolygramInfo/IFC-RPC/registry"
	"github.com/PolygramInfo/IFC-RPC/resource"
)

// Defaults for the validator's queue and bucket names.
const (
	DefaultRoutingQueue     = "routing"
	DefaultQuarantineBucket = "quarantine"
	stageName               = "validator"
)

// quarantineRecord is the object written for a rejected event: the raw
// event alongside why it was rejected.
type quarantineRecord struct {
	QuarantinedAt time.Time       `json:"quarantined_at"`
	Reason        string          `json:"reason"`
	Event         json.RawMessage `json:"event"`
}

// Validator is the schema-validation stage.
type Validator struct {
	schemas   *registry.Registry
	resources *resource.Tracker
	queue     backend.Queue
	blob      backend.Blob

	routingQueue     string
	quarantineBucket string
	logger           *slog.Logger
	metrics          *metric.Metrics
	now              func() time.Time
}

// Option configures a Validator
type Option func(*Validator)

// WithRoutingQueue overrides the downstream queue name
func WithRoutingQueue(queue string) Option {
	return func(v *Validator) { v.routingQueue = queue }
}

// WithQuarantineBucket overrides the quarantine blob bucket
func WithQuarantineBucket(bucket string) Option {
	return func(v *Validator) { v.quarantineBucket = bucket }
}

// WithLogger sets the stage logger
func WithLogger(logger *slog.Logger) Option {
	return func(v *Validator) { v.logger = logger }
}

// WithMetrics wires the shared pipeline metrics
func WithMetrics(metrics *metric.Metrics) Option {
	return func(v *Validator) { v.metrics = metrics }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

// New creates the schema-validation stage
func New(
	schemas *registry.Registry,
	resources *resource.Tracker,
	queue backend.Queue,
	blob backend.Blob,
	opts ...Option,
) *Validator {
	v := &Validator{
		schemas:          schemas,
		resources:        resources,
		queue:            queue,
		blob:             blob,
		routingQueue:     DefaultRoutingQueue,
		quarantineBucket: DefaultQuarantineBucket,
		logger:           slog.Default(),
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Handle validates one queued event. A nil return means the message is
// settled, whether forwarded or quarantined; a non-nil return means a
// transient failure and the message must be redelivered.
func (v *Validator) Handle(ctx context.Context, body []byte) error {
	env, err := envelope.Decode(body)
	if err != nil {
		// An undecodable message will never decode on redelivery.
		v.quarantineRaw(ctx, "undecodable-"+uuid.NewString(), body, "event does not decode: "+err.Error())
		return nil
	}

	v.recordReceived(env)

	// Schema-domain events carry the schema itself as payload; there is
	// nothing registered yet to validate them against. The schema manager
	// compiles the document before accepting it.
	if env.Type().Service == envelope.DomainSchema {
		return v.forward(ctx, env, body)
	}

	ref := env.DataSchema()
	if ref.IsZero() {
		return v.quarantine(ctx, env, body, "event names no data schema")
	}

	factory, err := v.schemas.Factory(ctx, ref)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return v.quarantine(ctx, env, body, "schema "+ref.String()+" is not registered")
		}
		if errors.IsInvalid(err) {
			return v.quarantine(ctx, env, body, "schema "+ref.String()+" does not compile")
		}
		return errors.WrapTransient(err, "Validator", "Handle", "resolve schema "+ref.String())
	}

	var payload map[string]any
	if err := json.Unmarshal(env.Data(), &payload); err != nil {
		return v.quarantine(ctx, env, body, "payload is not a JSON object: "+err.Error())
	}

	if err := factory.Validate(payload); err != nil {
		var schemaErr *errors.SchemaError
		if errors.As(err, &schemaErr) {
			return v.quarantine(ctx, env, body, schemaErr.Error())
		}
		return v.quarantine(ctx, env, body, "payload validation failed: "+err.Error())
	}

	return v.forward(ctx, env, body)
}

// forward passes a validated event to the routing queue unchanged. The
// dedupe key makes the forward safe to repeat when an ack is lost.
func (v *Validator) forward(ctx context.Context, env *envelope.Envelope, body []byte) error {
	err := v.queue.Enqueue(ctx, v.routingQueue, body,
		backend.WithDedupeKey(env.ID()),
		backend.WithGroupKey(env.Type().String()),
	)
	if err != nil {
		return errors.WrapTransient(err, "Validator", "forward", "enqueue to "+v.routingQueue)
	}

	if v.metrics != nil {
		v.metrics.RecordEventProcessed(stageName, env.Type().String(), "valid")
		v.metrics.RecordEventForwarded(stageName, v.routingQueue)
	}
	return nil
}

// quarantine writes the rejected event to the quarantine bucket and
// marks its resource failed. Both writes must land before the message
// is settled, so backend failures surface as transient.
func (v *Validator) quarantine(ctx context.Context, env *envelope.Envelope, body []byte, reason string) error {
	if err := v.quarantineRaw(ctx, env.ID(), body, reason); err != nil {
		return err
	}

	if env.ResourceID() != "" {
		err := v.resources.MarkFailed(ctx, env.ResourceID(), reason)
		if err != nil && !errors.Is(err, errors.ErrNotFound) {
			return errors.WrapTransient(err, "Validator", "quarantine", "mark resource failed")
		}
	}

	v.logger.Warn("event quarantined", "event_id", env.ID(), "type", env.Type().String(), "reason", reason)
	if v.metrics != nil {
		v.metrics.RecordEventQuarantined("schema")
		v.metrics.RecordEventProcessed(stageName, env.Type().String(), "quarantined")
	}
	return nil
}

func (v *Validator) quarantineRaw(ctx context.Context, eventID string, body []byte, reason string) error {
	record := quarantineRecord{
		QuarantinedAt: v.now().UTC(),
		Reason:        reason,
		Event:         body,
	}
	data, err := json.Marshal(record)
	if err != nil {
		return errors.WrapFatal(err, "Validator", "quarantine", "encode quarantine record")
	}

	key := QuarantineKey(eventID)
	if err := v.blob.Put(ctx, v.quarantineBucket, key, data); err != nil {
		return errors.WrapTransient(err, "Validator", "quarantine", "store quarantined event")
	}
	return nil
}

// QuarantineKey is the blob key a rejected event is stored under
func QuarantineKey(eventID string) string {
	return "invalid_events/" + eventID + "_invalid.json"
}

func (v *Validator) recordReceived(env *envelope.Envelope) {
	if v.metrics != nil {
		v.metrics.RecordEventReceived(stageName, env.Type().String())
	}
}

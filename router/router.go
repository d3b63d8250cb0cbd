// Package router is the dispatch stage. It reads the service domain off
// each validated event's type and forwards the event to the queue of
// the manager owning that domain. Entity and component events share the
// entity manager's queue because component writes update entity
// back-references.
package router

import (
	"context"
	"log/slog"

	"github.com/PolygramInfo/IFC-RPC/backend"
	"github.com/PolygramInfo/IFC-RPC/envelope"
	"github.com/PolygramInfo/IFC-RPC/errors"
	"github.com/PolygramInfo/IFC-RPC/metric"
)

// Default destination queues per service domain.
const (
	DefaultEntityQueue = "entity"
	DefaultSchemaQueue = "schema"
	stageName          = "router"
)

// Router is the dispatch stage.
type Router struct {
	queue   backend.Queue
	routes  map[string]string
	logger  *slog.Logger
	metrics *metric.Metrics
}

// Option configures a Router
type Option func(*Router)

// WithRoute binds a service domain to a destination queue, overriding
// or extending the default routing table.
func WithRoute(domain, queue string) Option {
	return func(r *Router) { r.routes[domain] = queue }
}

// WithLogger sets the stage logger
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) { r.logger = logger }
}

// WithMetrics wires the shared pipeline metrics
func WithMetrics(metrics *metric.Metrics) Option {
	return func(r *Router) { r.metrics = metrics }
}

// New creates the dispatch stage with the default routing table
func New(queue backend.Queue, opts ...Option) *Router {
	r := &Router{
		queue: queue,
		routes: map[string]string{
			envelope.DomainEntity:    DefaultEntityQueue,
			envelope.DomainComponent: DefaultEntityQueue,
			envelope.DomainSchema:    DefaultSchemaQueue,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route returns the destination queue for a service domain
func (r *Router) Route(domain string) (string, bool) {
	queue, ok := r.routes[domain]
	return queue, ok
}

// Handle forwards one validated event to its domain queue. Unroutable
// events are dropped: redelivery cannot make a domain routable, so a
// nil return settles them.
func (r *Router) Handle(ctx context.Context, body []byte) error {
	env, err := envelope.Decode(body)
	if err != nil {
		// Validation rejects undecodable events upstream, so this is a
		// corrupt message; redelivery cannot repair it.
		r.logger.Error("dropping undecodable message", "error", err)
		r.recordDropped("undecodable")
		return nil
	}

	if r.metrics != nil {
		r.metrics.RecordEventReceived(stageName, env.Type().String())
	}

	domain := env.Type().Service
	destination, ok := r.routes[domain]
	if !ok {
		noRoute := &errors.NoRouteError{Domain: domain}
		r.logger.Warn("dropping unroutable event", "event_id", env.ID(), "error", noRoute)
		r.recordDropped("no-route")
		return nil
	}

	err = r.queue.Enqueue(ctx, destination, body,
		backend.WithDedupeKey(env.ID()),
		backend.WithGroupKey(env.Type().String()),
	)
	if err != nil {
		return errors.WrapTransient(err, "Router", "Handle", "enqueue to "+destination)
	}

	if r.metrics != nil {
		r.metrics.RecordEventProcessed(stageName, env.Type().String(), "routed")
		r.metrics.RecordEventForwarded(stageName, destination)
	}
	return nil
}

func (r *Router) recordDropped(reason string) {
	if r.metrics != nil {
		r.metrics.RecordEventQuarantined(reason)
	}
}

// Package ifcrpc is an event-driven registration pipeline for building
// elements. Clients submit CloudEvents-style envelopes describing
// entities (walls, doors, storeys), their components, and the JSON
// Schemas that govern them; the pipeline validates, routes, and
// persists them asynchronously while callers track progress through a
// resource lifecycle.
//
// # Architecture
//
// Every submission flows through four stages, connected by durable
// queues so each stage can fail and retry independently:
//
//	┌───────────────┐   HTTP POST /events
//	│  Ambassador   │   authenticates, shape-checks, allocates a
//	│   (ingress)   │   resource id, replies 201 + Location
//	└───────┬───────┘
//	        ↓ validation queue
//	┌───────────────┐
//	│   Validator   │   resolves the registered JSON Schema for the
//	│               │   event's payload; quarantines what fails
//	└───────┬───────┘
//	        ↓ routing queue
//	┌───────────────┐
//	│    Router     │   maps the envelope's domain to a manager queue
//	└───────┬───────┘
//	        ↓ entity / schema queues
//	┌───────────────┐
//	│   Managers    │   entity manager persists entities and fans out
//	│               │   components; schema manager registers schemas
//	└───────────────┘
//
// Acceptance is not success: the ambassador's 201 means the event was
// authenticated, well-formed, and durably enqueued. The outcome lands
// later at the resource URL returned in the reply, and the resource
// record moves pending -> published (or failed) as the managers finish.
//
// # Delivery semantics
//
// Stages are at-least-once consumers. A stage returns a transient error
// to leave the message unacknowledged for redelivery; any other outcome
// settles the message, but only after the stage has written an
// observable result (an error reply, a quarantine object, or a failed
// resource). Redelivery is made safe by deterministic ids for created
// records and dedupe keys on every forward.
//
// # Packages
//
// Pipeline stages:
//   - ambassador: HTTP ingress, authentication, shape validation
//   - validator: payload validation against registered schemas
//   - router: domain-based routing between queues
//   - manager: entity and schema managers, result finalization
//   - pipeline: the shared queue-consuming worker loop
//
// Domain model:
//   - envelope: the immutable event envelope and its shape schema
//   - document: schema-governed document model (entities, components)
//   - registry: JSON Schema registry with compiled-validator caching
//   - store: entity and component persistence
//   - resource: resource lifecycle tracking (pending/published/failed)
//   - auth: token-based authentication records
//
// Infrastructure:
//   - backend: queue, KV, and blob storage contracts
//   - natsclient: NATS JetStream implementation of the backends
//   - config: YAML configuration with env overrides
//   - errors: transient/invalid/fatal error classification
//   - metric: Prometheus metrics
//   - health: liveness tracking and the /healthz endpoint
//
// # Binary
//
// cmd/ifcrpc runs the whole pipeline in one process: the HTTP ingress,
// the four stage workers, and the metrics server, all against a shared
// NATS JetStream backend.
package ifcrpc

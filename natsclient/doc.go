// Package natsclient provides the production backend implementations on
// top of NATS JetStream, plus the managed connection they share.
//
// Client wraps a NATS connection with a circuit breaker: repeated
// connection failures open the circuit and back off exponentially
// instead of hammering an unavailable server.
//
// Three adapters implement the backend contracts:
//
//   - QueueBackend maps each durable queue to a JetStream stream with a
//     shared pull consumer. Enqueue deduplication uses JetStream
//     message IDs; ordering groups map to subject tokens.
//   - KVBackend maps each table to a JetStream key-value bucket,
//     exposing conditional insert and compare-and-swap.
//   - BlobBackend maps each bucket to a JetStream object store.
//
// TestServer starts a disposable NATS container for integration tests
// via testcontainers; those tests are skipped in -short mode.
package natsclient

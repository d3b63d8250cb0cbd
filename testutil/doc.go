// Package testutil provides in-memory backend implementations for tests.
//
// MemoryQueue, MemoryKV and MemoryBlob satisfy the backend contracts with
// the same semantics the production NATS implementations provide:
// at-least-once delivery with explicit acknowledgment, conditional puts,
// and compare-and-swap updates. All of them are safe for concurrent use
// and support error injection for exercising failure paths, so no
// external services are required to test any pipeline stage.
package testutil

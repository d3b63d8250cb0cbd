// Package backend defines the contracts for the durable backing services
// every pipeline stage depends on: queues, the key-value document store,
// and the blob store. Production implementations live in natsclient;
// in-memory implementations for tests live in testutil.
//
// All backends are shared, concurrently mutated services. The queue is
// at-least-once: a crash between processing and acknowledgment causes
// redelivery, so all stage work must be safe to repeat.
package backend

import (
	"context"
	"time"
)

// Message is a single unit received from a durable queue. The Token is an
// opaque acknowledgment handle owned by the implementation.
type Message struct {
	Queue string
	Body  []byte
	Token any
}

// EnqueueOptions carries optional delivery controls for Enqueue.
type EnqueueOptions struct {
	// DedupeKey suppresses duplicate submissions of the same logical
	// message inside the backend's deduplication window.
	DedupeKey string
	// GroupKey selects the ordered partition the message belongs to.
	// Ordering is best-effort FIFO within a group and undefined across
	// groups.
	GroupKey string
}

// EnqueueOption configures a single Enqueue call.
type EnqueueOption func(*EnqueueOptions)

// WithDedupeKey sets the deduplication key for an enqueue
func WithDedupeKey(key string) EnqueueOption {
	return func(o *EnqueueOptions) { o.DedupeKey = key }
}

// WithGroupKey sets the ordering group for an enqueue
func WithGroupKey(key string) EnqueueOption {
	return func(o *EnqueueOptions) { o.GroupKey = key }
}

// Queue is a durable, at-least-once message queue.
type Queue interface {
	// Enqueue appends a message to the named queue.
	Enqueue(ctx context.Context, queue string, body []byte, opts ...EnqueueOption) error

	// Receive blocks up to maxWait for one message. Returns
	// errors.ErrNoMessage when the wait elapses with nothing to deliver.
	Receive(ctx context.Context, queue string, maxWait time.Duration) (*Message, error)

	// Ack acknowledges a received message, removing it from the queue.
	// An unacknowledged message becomes eligible for redelivery after
	// the backend's visibility timeout.
	Ack(ctx context.Context, msg *Message) error
}

// Record is a stored key-value entry with its revision for CAS updates.
type Record struct {
	Key      string
	Value    []byte
	Revision uint64
}

// KV is a key-value document store partitioned into named tables.
type KV interface {
	// PutIfAbsent atomically inserts key into table, failing with
	// errors.ErrKeyExists if the key is already present.
	PutIfAbsent(ctx context.Context, table, key string, value []byte) error

	// Put stores or overwrites the entry (last write wins).
	Put(ctx context.Context, table, key string, value []byte) error

	// Get returns the most recent record for key, or errors.ErrNotFound.
	Get(ctx context.Context, table, key string) (*Record, error)

	// Update performs a compare-and-swap against the given revision.
	Update(ctx context.Context, table, key string, value []byte, revision uint64) error

	// Keys lists all keys in a table.
	Keys(ctx context.Context, table string) ([]string, error)
}

// Blob is a bucketed binary object store.
type Blob interface {
	// Put writes data under key in the named bucket.
	Put(ctx context.Context, bucket, key string, data []byte) error

	// Get returns the object at key, or errors.ErrNotFound.
	Get(ctx context.Context, bucket, key string) ([]byte, error)
}

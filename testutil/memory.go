package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/PolygramInfo/IFC-RPC/backend"
	"github.com/PolygramInfo/IFC-RPC/errors"
)

// MemoryQueue is an in-memory backend.Queue. Received messages stay
// invisible until acknowledged; Nack returns them to the head of the
// queue to simulate redelivery. Duplicate dedupe keys are suppressed
// the way a real deduplication window would.
type MemoryQueue struct {
	mu       sync.Mutex
	queues   map[string][]*queuedMessage
	inflight map[*queuedMessage]string
	seen     map[string]map[string]struct{}

	// EnqueueErr and ReceiveErr, when set, are returned by the
	// corresponding call to exercise failure paths.
	EnqueueErr error
	ReceiveErr error

	EnqueueCalls int
	AckCalls     int
}

type queuedMessage struct {
	body  []byte
	group string
}

// NewMemoryQueue creates an empty in-memory queue backend
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		queues:   map[string][]*queuedMessage{},
		inflight: map[*queuedMessage]string{},
		seen:     map[string]map[string]struct{}{},
	}
}

// Enqueue appends a message to the named queue
func (q *MemoryQueue) Enqueue(_ context.Context, queue string, body []byte, opts ...backend.EnqueueOption) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.EnqueueCalls++
	if q.EnqueueErr != nil {
		return q.EnqueueErr
	}

	var options backend.EnqueueOptions
	for _, opt := range opts {
		opt(&options)
	}

	if options.DedupeKey != "" {
		if q.seen[queue] == nil {
			q.seen[queue] = map[string]struct{}{}
		}
		if _, dup := q.seen[queue][options.DedupeKey]; dup {
			return nil
		}
		q.seen[queue][options.DedupeKey] = struct{}{}
	}

	q.queues[queue] = append(q.queues[queue], &queuedMessage{
		body:  append([]byte(nil), body...),
		group: options.GroupKey,
	})
	return nil
}

// Receive pops the oldest visible message from the named queue. Unlike
// the production backend it does not block: an empty queue returns
// errors.ErrNoMessage immediately, which keeps tests fast.
func (q *MemoryQueue) Receive(ctx context.Context, queue string, _ time.Duration) (*backend.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.ReceiveErr != nil {
		return nil, q.ReceiveErr
	}

	pending := q.queues[queue]
	if len(pending) == 0 {
		return nil, errors.ErrNoMessage
	}

	head := pending[0]
	q.queues[queue] = pending[1:]
	q.inflight[head] = queue

	return &backend.Message{
		Queue: queue,
		Body:  append([]byte(nil), head.body...),
		Token: head,
	}, nil
}

// Ack acknowledges a received message, removing it permanently
func (q *MemoryQueue) Ack(_ context.Context, msg *backend.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.AckCalls++

	token, ok := msg.Token.(*queuedMessage)
	if !ok {
		return errors.New("memoryqueue: message token not issued by this queue")
	}
	if _, inflight := q.inflight[token]; !inflight {
		return errors.New("memoryqueue: message not in flight")
	}
	delete(q.inflight, token)
	return nil
}

// AckCount returns the number of Ack calls, safe to read while a
// worker goroutine is still consuming.
func (q *MemoryQueue) AckCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.AckCalls
}

// Nack returns an in-flight message to the head of its queue, as a
// visibility-timeout expiry would.
func (q *MemoryQueue) Nack(msg *backend.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()

	token, ok := msg.Token.(*queuedMessage)
	if !ok {
		return
	}
	queue, inflight := q.inflight[token]
	if !inflight {
		return
	}
	delete(q.inflight, token)
	q.queues[queue] = append([]*queuedMessage{token}, q.queues[queue]...)
}

// Len returns the number of visible messages waiting on a queue
func (q *MemoryQueue) Len(queue string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[queue])
}

// Drain receives and acknowledges every visible message on a queue,
// returning their bodies in order.
func (q *MemoryQueue) Drain(ctx context.Context, queue string) ([][]byte, error) {
	var bodies [][]byte
	for {
		msg, err := q.Receive(ctx, queue, 0)
		if errors.Is(err, errors.ErrNoMessage) {
			return bodies, nil
		}
		if err != nil {
			return bodies, err
		}
		bodies = append(bodies, msg.Body)
		if err := q.Ack(ctx, msg); err != nil {
			return bodies, err
		}
	}
}

// MemoryKV is an in-memory backend.KV with per-key revisions, so
// conditional inserts and compare-and-swap behave as they do against
// the production store.
type MemoryKV struct {
	mu     sync.Mutex
	tables map[string]map[string]*backend.Record

	// PutErr, GetErr and UpdateErr inject failures into the
	// corresponding calls.
	PutErr    error
	GetErr    error
	UpdateErr error

	PutCalls    int
	UpdateCalls int
}

// NewMemoryKV creates an empty in-memory key-value backend
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{tables: map[string]map[string]*backend.Record{}}
}

func (kv *MemoryKV) table(name string) map[string]*backend.Record {
	if kv.tables[name] == nil {
		kv.tables[name] = map[string]*backend.Record{}
	}
	return kv.tables[name]
}

// PutIfAbsent inserts the entry, failing if the key already exists
func (kv *MemoryKV) PutIfAbsent(_ context.Context, table, key string, value []byte) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	kv.PutCalls++
	if kv.PutErr != nil {
		return kv.PutErr
	}

	entries := kv.table(table)
	if _, exists := entries[key]; exists {
		return errors.ErrKeyExists
	}
	entries[key] = &backend.Record{Key: key, Value: append([]byte(nil), value...), Revision: 1}
	return nil
}

// Put stores or overwrites the entry, bumping its revision
func (kv *MemoryKV) Put(_ context.Context, table, key string, value []byte) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	kv.PutCalls++
	if kv.PutErr != nil {
		return kv.PutErr
	}

	entries := kv.table(table)
	revision := uint64(1)
	if prev, exists := entries[key]; exists {
		revision = prev.Revision + 1
	}
	entries[key] = &backend.Record{Key: key, Value: append([]byte(nil), value...), Revision: revision}
	return nil
}

// Get returns a copy of the most recent record for key
func (kv *MemoryKV) Get(_ context.Context, table, key string) (*backend.Record, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	if kv.GetErr != nil {
		return nil, kv.GetErr
	}

	record, exists := kv.table(table)[key]
	if !exists {
		return nil, errors.ErrNotFound
	}
	return &backend.Record{
		Key:      record.Key,
		Value:    append([]byte(nil), record.Value...),
		Revision: record.Revision,
	}, nil
}

// Update performs a compare-and-swap against the given revision
func (kv *MemoryKV) Update(_ context.Context, table, key string, value []byte, revision uint64) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	kv.UpdateCalls++
	if kv.UpdateErr != nil {
		return kv.UpdateErr
	}

	entries := kv.table(table)
	record, exists := entries[key]
	if !exists {
		return errors.ErrNotFound
	}
	if record.Revision != revision {
		return errors.ErrRevisionMismatch
	}
	entries[key] = &backend.Record{Key: key, Value: append([]byte(nil), value...), Revision: revision + 1}
	return nil
}

// Keys lists all keys in a table, in no particular order
func (kv *MemoryKV) Keys(_ context.Context, table string) ([]string, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	if kv.GetErr != nil {
		return nil, kv.GetErr
	}

	entries := kv.table(table)
	keys := make([]string, 0, len(entries))
	for key := range entries {
		keys = append(keys, key)
	}
	return keys, nil
}

// MemoryBlob is an in-memory backend.Blob.
type MemoryBlob struct {
	mu      sync.Mutex
	buckets map[string]map[string][]byte

	// PutErr and GetErr inject failures into the corresponding calls.
	PutErr error
	GetErr error

	PutCalls int
}

// NewMemoryBlob creates an empty in-memory blob backend
func NewMemoryBlob() *MemoryBlob {
	return &MemoryBlob{buckets: map[string]map[string][]byte{}}
}

// Put writes data under key in the named bucket
func (b *MemoryBlob) Put(_ context.Context, bucket, key string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.PutCalls++
	if b.PutErr != nil {
		return b.PutErr
	}

	if b.buckets[bucket] == nil {
		b.buckets[bucket] = map[string][]byte{}
	}
	b.buckets[bucket][key] = append([]byte(nil), data...)
	return nil
}

// Get returns a copy of the object at key
func (b *MemoryBlob) Get(_ context.Context, bucket, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.GetErr != nil {
		return nil, b.GetErr
	}

	data, exists := b.buckets[bucket][key]
	if !exists {
		return nil, errors.ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

// Keys lists every object key stored in a bucket
func (b *MemoryBlob) Keys(bucket string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	keys := make([]string, 0, len(b.buckets[bucket]))
	for key := range b.buckets[bucket] {
		keys = append(keys, key)
	}
	return keys
}

package natsclient

import (
	"context"
	"strings"
	"sync"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/PolygramInfo/IFC-RPC/backend"
	"github.com/PolygramInfo/IFC-RPC/errors"
)

// KVBackend implements backend.KV on JetStream key-value buckets, one
// bucket per table. Buckets are created lazily on first use.
type KVBackend struct {
	client *Client

	mu      sync.Mutex
	buckets map[string]jetstream.KeyValue
}

// NewKVBackend creates a key-value backend on the given client
func NewKVBackend(client *Client) *KVBackend {
	return &KVBackend{
		client:  client,
		buckets: map[string]jetstream.KeyValue{},
	}
}

func (kv *KVBackend) bucket(ctx context.Context, table string) (jetstream.KeyValue, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	if bucket, ok := kv.buckets[table]; ok {
		return bucket, nil
	}

	bucket, err := kv.client.EnsureKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  table,
		Storage: jetstream.FileStorage,
		History: 1,
	})
	if err != nil {
		return nil, err
	}

	kv.buckets[table] = bucket
	return bucket, nil
}

// PutIfAbsent atomically inserts key into table
func (kv *KVBackend) PutIfAbsent(ctx context.Context, table, key string, value []byte) error {
	bucket, err := kv.bucket(ctx, table)
	if err != nil {
		return err
	}

	if _, err := bucket.Create(ctx, key, value); err != nil {
		if isKVConflictError(err) {
			return errors.ErrKeyExists
		}
		return errors.WrapTransient(err, "KVBackend", "PutIfAbsent", "create "+table+"/"+key)
	}
	return nil
}

// Put stores or overwrites the entry, last write wins
func (kv *KVBackend) Put(ctx context.Context, table, key string, value []byte) error {
	bucket, err := kv.bucket(ctx, table)
	if err != nil {
		return err
	}

	if _, err := bucket.Put(ctx, key, value); err != nil {
		return errors.WrapTransient(err, "KVBackend", "Put", "put "+table+"/"+key)
	}
	return nil
}

// Get returns the most recent record for key
func (kv *KVBackend) Get(ctx context.Context, table, key string) (*backend.Record, error) {
	bucket, err := kv.bucket(ctx, table)
	if err != nil {
		return nil, err
	}

	entry, err := bucket.Get(ctx, key)
	if err != nil {
		if isKVNotFoundError(err) {
			return nil, errors.ErrNotFound
		}
		return nil, errors.WrapTransient(err, "KVBackend", "Get", "get "+table+"/"+key)
	}

	return &backend.Record{
		Key:      key,
		Value:    entry.Value(),
		Revision: entry.Revision(),
	}, nil
}

// Update performs a compare-and-swap against the given revision
func (kv *KVBackend) Update(ctx context.Context, table, key string, value []byte, revision uint64) error {
	bucket, err := kv.bucket(ctx, table)
	if err != nil {
		return err
	}

	if _, err := bucket.Update(ctx, key, value, revision); err != nil {
		if isKVNotFoundError(err) {
			return errors.ErrNotFound
		}
		if isKVConflictError(err) {
			return errors.ErrRevisionMismatch
		}
		return errors.WrapTransient(err, "KVBackend", "Update", "update "+table+"/"+key)
	}
	return nil
}

// Keys lists all keys in a table
func (kv *KVBackend) Keys(ctx context.Context, table string) ([]string, error) {
	bucket, err := kv.bucket(ctx, table)
	if err != nil {
		return nil, err
	}

	lister, err := bucket.ListKeys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, errors.WrapTransient(err, "KVBackend", "Keys", "list "+table)
	}

	var keys []string
	for key := range lister.Keys() {
		keys = append(keys, key)
	}
	return keys, nil
}

// isKVNotFoundError reports whether err indicates a missing key
func isKVNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "key not found") || strings.Contains(msg, "10037")
}

// isKVConflictError reports whether err indicates a lost write race,
// either a key that already exists or a stale revision.
func isKVConflictError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "wrong last sequence") ||
		strings.Contains(msg, "10071") ||
		strings.Contains(msg, "key exists") ||
		strings.Contains(msg, "10058")
}

package natsclient

import (
	"context"
	"sync"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/PolygramInfo/IFC-RPC/errors"
)

// BlobBackend implements backend.Blob on JetStream object stores, one
// store per bucket. Stores are created lazily on first use.
type BlobBackend struct {
	client *Client

	mu     sync.Mutex
	stores map[string]jetstream.ObjectStore
}

// NewBlobBackend creates a blob backend on the given client
func NewBlobBackend(client *Client) *BlobBackend {
	return &BlobBackend{
		client: client,
		stores: map[string]jetstream.ObjectStore{},
	}
}

func (b *BlobBackend) store(ctx context.Context, bucket string) (jetstream.ObjectStore, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if store, ok := b.stores[bucket]; ok {
		return store, nil
	}

	store, err := b.client.EnsureObjectStore(ctx, jetstream.ObjectStoreConfig{
		Bucket:  bucket,
		Storage: jetstream.FileStorage,
	})
	if err != nil {
		return nil, err
	}

	b.stores[bucket] = store
	return store, nil
}

// Put writes data under key in the named bucket
func (b *BlobBackend) Put(ctx context.Context, bucket, key string, data []byte) error {
	store, err := b.store(ctx, bucket)
	if err != nil {
		return err
	}

	if _, err := store.PutBytes(ctx, key, data); err != nil {
		return errors.WrapTransient(err, "BlobBackend", "Put", "put "+bucket+"/"+key)
	}
	return nil
}

// Get returns the object at key
func (b *BlobBackend) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	store, err := b.store(ctx, bucket)
	if err != nil {
		return nil, err
	}

	data, err := store.GetBytes(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrObjectNotFound) {
			return nil, errors.ErrNotFound
		}
		return nil, errors.WrapTransient(err, "BlobBackend", "Get", "get "+bucket+"/"+key)
	}
	return data, nil
}

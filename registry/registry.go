// Package registry stores registered schemas in the key-value backend
// and hands out compiled document factories for them.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/PolygramInfo/IFC-RPC/backend"
	"github.com/PolygramInfo/IFC-RPC/document"
	"github.com/PolygramInfo/IFC-RPC/envelope"
	"github.com/PolygramInfo/IFC-RPC/errors"
	"github.com/PolygramInfo/IFC-RPC/pkg/cache"
)

// DefaultTable is the KV table holding schema entries.
const DefaultTable = "schemas"

// DefaultFactoryCacheSize bounds the number of compiled factories kept
// in memory.
const DefaultFactoryCacheSize = 128

// Entry is a stored schema record. Document holds the raw JSON Schema.
type Entry struct {
	Domain    string          `json:"domain"`
	Name      string          `json:"name"`
	Document  json.RawMessage `json:"document,omitempty"`
	Author    string          `json:"author,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Ref returns the entry's schema reference
func (e Entry) Ref() envelope.SchemaRef {
	return envelope.SchemaRef{Domain: e.Domain, Name: e.Name}
}

// Registry is the schema registry. Writes are last-write-wins; compiled
// validators are cached per schema and recompiled only when the stored
// document changes.
type Registry struct {
	kv        backend.KV
	table     string
	logger    *slog.Logger
	cacheSize int
	factories *cache.LRU[cachedFactory]
}

type cachedFactory struct {
	docHash [32]byte
	factory *document.Factory
}

// Option configures a Registry
type Option func(*Registry)

// WithTable overrides the KV table name
func WithTable(table string) Option {
	return func(r *Registry) { r.table = table }
}

// WithLogger sets the registry logger
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// WithFactoryCacheSize bounds the compiled-factory cache
func WithFactoryCacheSize(size int) Option {
	return func(r *Registry) { r.cacheSize = size }
}

// New creates a schema registry over the given KV backend
func New(kv backend.KV, opts ...Option) *Registry {
	r := &Registry{
		kv:        kv,
		table:     DefaultTable,
		logger:    slog.Default(),
		cacheSize: DefaultFactoryCacheSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.factories = cache.New[cachedFactory](r.cacheSize)
	return r
}

// Put registers or replaces a schema. The document must compile as a
// JSON Schema before it is stored.
func (r *Registry) Put(ctx context.Context, ref envelope.SchemaRef, schemaDoc json.RawMessage, author string) error {
	if ref.IsZero() {
		return errors.WrapInvalid(errors.ErrInvalidData, "Registry", "Put", "check schema reference")
	}

	// Reject documents that would fail to compile at validation time.
	if _, err := document.NewFactory(ref.String(), schemaDoc); err != nil {
		return err
	}

	entry := Entry{
		Domain:    ref.Domain,
		Name:      ref.Name,
		Document:  schemaDoc,
		Author:    author,
		UpdatedAt: time.Now().UTC(),
	}
	value, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, "Registry", "Put", "encode entry")
	}

	if err := r.kv.Put(ctx, r.table, ref.String(), value); err != nil {
		return errors.Wrap(err, "Registry", "Put", "store schema "+ref.String())
	}

	r.logger.Info("schema registered", "schema", ref.String(), "author", author)
	return nil
}

// Get returns the stored entry for a schema reference
func (r *Registry) Get(ctx context.Context, ref envelope.SchemaRef) (*Entry, error) {
	record, err := r.kv.Get(ctx, r.table, ref.String())
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil, errors.ErrNotFound
		}
		return nil, errors.Wrap(err, "Registry", "Get", "load schema "+ref.String())
	}

	var entry Entry
	if err := json.Unmarshal(record.Value, &entry); err != nil {
		return nil, errors.WrapInvalid(err, "Registry", "Get", "decode entry "+ref.String())
	}
	return &entry, nil
}

// List returns registered schemas sorted by reference. A non-empty
// domain restricts the result to that domain; includeDocs controls
// whether the schema documents are carried in the result.
func (r *Registry) List(ctx context.Context, domain string, includeDocs bool) ([]Entry, error) {
	keys, err := r.kv.Keys(ctx, r.table)
	if err != nil {
		return nil, errors.Wrap(err, "Registry", "List", "list schema keys")
	}
	sort.Strings(keys)

	var entries []Entry
	for _, key := range keys {
		if domain != "" && !strings.HasPrefix(key, domain+".") {
			continue
		}

		ref, err := envelope.ParseSchemaRef(key)
		if err != nil {
			continue // foreign key in the table, skip
		}

		entry, err := r.Get(ctx, ref)
		if err != nil {
			if errors.Is(err, errors.ErrNotFound) {
				continue // deleted between Keys and Get
			}
			return nil, err
		}

		if !includeDocs {
			entry.Document = nil
		}
		entries = append(entries, *entry)
	}
	return entries, nil
}

// Factory returns a compiled document factory for a registered schema.
// The compiled form is cached and reused until the stored document
// changes.
func (r *Registry) Factory(ctx context.Context, ref envelope.SchemaRef) (*document.Factory, error) {
	entry, err := r.Get(ctx, ref)
	if err != nil {
		return nil, err
	}

	docHash := sha256.Sum256(entry.Document)

	if cached, ok := r.factories.Get(ref.String()); ok && cached.docHash == docHash {
		return cached.factory, nil
	}

	factory, err := document.NewFactory(ref.String(), entry.Document)
	if err != nil {
		return nil, err
	}

	r.factories.Set(ref.String(), cachedFactory{docHash: docHash, factory: factory})
	return factory, nil
}

package manager

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/PolygramInfo/IFC-RPC/backend"
	"github.com/PolygramInfo/IFC-RPC/envelope"
	"github.com/PolygramInfo/IFC-RPC/errors"
	"github.com/PolygramInfo/IFC-RPC/metric"
	"github.com/PolygramInfo/IFC-RPC/registry"
	"github.com/PolygramInfo/IFC-RPC/resource"
)

const schemaStage = "schema-manager"

// SchemaManager is the terminal stage for the schema domain.
type SchemaManager struct {
	schemas  *registry.Registry
	finalize finalizer
	logger   *slog.Logger
	metrics  *metric.Metrics
}

// SchemaOption configures a SchemaManager
type SchemaOption func(*SchemaManager)

// WithSchemaResultBucket overrides the result blob bucket
func WithSchemaResultBucket(bucket string) SchemaOption {
	return func(m *SchemaManager) { m.finalize.bucket = bucket }
}

// WithSchemaResourceURLBase overrides the base path of published
// resource URLs
func WithSchemaResourceURLBase(base string) SchemaOption {
	return func(m *SchemaManager) { m.finalize.urlBase = base }
}

// WithSchemaLogger sets the stage logger
func WithSchemaLogger(logger *slog.Logger) SchemaOption {
	return func(m *SchemaManager) {
		m.logger = logger
		m.finalize.logger = logger
	}
}

// WithSchemaMetrics wires the shared pipeline metrics
func WithSchemaMetrics(metrics *metric.Metrics) SchemaOption {
	return func(m *SchemaManager) { m.metrics = metrics }
}

// NewSchemaManager creates the schema terminal stage
func NewSchemaManager(
	schemas *registry.Registry,
	resources *resource.Tracker,
	blob backend.Blob,
	opts ...SchemaOption,
) *SchemaManager {
	logger := slog.Default()
	m := &SchemaManager{
		schemas: schemas,
		finalize: finalizer{
			resources: resources,
			blob:      blob,
			bucket:    DefaultResultBucket,
			urlBase:   DefaultResourceURLBase,
			logger:    logger,
		},
		logger: logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// schemaCreatePayload is the data of a schema.create event. Document is
// the JSON Schema being registered.
type schemaCreatePayload struct {
	Domain   string          `json:"domain"`
	Name     string          `json:"name"`
	Document json.RawMessage `json:"document"`
}

type schemaReadPayload struct {
	Domain string `json:"domain"`
	Name   string `json:"name"`
}

type schemaListPayload struct {
	Domain           string `json:"domain,omitempty"`
	IncludeDocuments bool   `json:"include_documents,omitempty"`
}

type schemaListResult struct {
	Schemas []registry.Entry `json:"schemas"`
}

// Handle processes one schema-domain event. Registration is
// last-write-wins against the registry, so redelivery is naturally
// safe.
func (m *SchemaManager) Handle(ctx context.Context, body []byte) error {
	env, err := envelope.Decode(body)
	if err != nil {
		m.logger.Error("dropping undecodable message", "error", err)
		return nil
	}
	recordReceived(m.metrics, schemaStage, env)

	if env.Type().Service != envelope.DomainSchema {
		unsupported := &errors.UnsupportedActionError{
			Domain: env.Type().Service,
			Action: env.Type().Action,
		}
		recordHandled(m.metrics, schemaStage, env, "unsupported")
		return m.finalize.fail(ctx, env, unsupported.Error())
	}

	var result any
	var actionErr error

	switch env.Type().Action {
	case envelope.ActionCreate:
		result, actionErr = m.create(ctx, env)
	case envelope.ActionRead:
		result, actionErr = m.read(ctx, env)
	case envelope.ActionList:
		result, actionErr = m.list(ctx, env)
	default:
		unsupported := &errors.UnsupportedActionError{
			Domain: env.Type().Service,
			Action: env.Type().Action,
		}
		recordHandled(m.metrics, schemaStage, env, "unsupported")
		return m.finalize.fail(ctx, env, unsupported.Error())
	}

	if actionErr != nil {
		if errors.IsTransient(actionErr) {
			return actionErr
		}
		recordHandled(m.metrics, schemaStage, env, "failed")
		return m.finalize.fail(ctx, env, actionErr.Error())
	}

	if err := m.finalize.finalize(ctx, env, result); err != nil {
		return err
	}
	recordHandled(m.metrics, schemaStage, env, "published")
	return nil
}

// create registers the schema. The registry compiles the document
// before storing it, so an uncompilable schema fails the action here.
func (m *SchemaManager) create(ctx context.Context, env *envelope.Envelope) (any, error) {
	var payload schemaCreatePayload
	if err := env.DecodeData(&payload); err != nil {
		return nil, errors.WrapInvalid(err, "SchemaManager", "create", "decode payload")
	}

	ref := envelope.SchemaRef{Domain: payload.Domain, Name: payload.Name}
	if err := m.schemas.Put(ctx, ref, payload.Document, env.UserHash()); err != nil {
		return nil, err
	}

	entry, err := m.schemas.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (m *SchemaManager) read(ctx context.Context, env *envelope.Envelope) (any, error) {
	var payload schemaReadPayload
	if err := env.DecodeData(&payload); err != nil {
		return nil, errors.WrapInvalid(err, "SchemaManager", "read", "decode payload")
	}

	entry, err := m.schemas.Get(ctx, envelope.SchemaRef{Domain: payload.Domain, Name: payload.Name})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (m *SchemaManager) list(ctx context.Context, env *envelope.Envelope) (any, error) {
	var payload schemaListPayload
	if len(env.Data()) > 0 {
		if err := env.DecodeData(&payload); err != nil {
			return nil, errors.WrapInvalid(err, "SchemaManager", "list", "decode payload")
		}
	}

	entries, err := m.schemas.List(ctx, payload.Domain, payload.IncludeDocuments)
	if err != nil {
		return nil, err
	}
	return schemaListResult{Schemas: entries}, nil
}

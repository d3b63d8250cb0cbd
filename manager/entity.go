package manager

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/PolygramInfo/IFC-RPC/backend"
	"github.com/PolygramInfo/IFC-RPC/envelope"
	"github.com/PolygramInfo/IFC-RPC/errors"
	"github.com/PolygramInfo/IFC-RPC/metric"
	"github.com/PolygramInfo/IFC-RPC/resource"
	"github.com/PolygramInfo/IFC-RPC/store"
)

const entityStage = "entity-manager"

// EntityManager is the terminal stage for the entity and component
// domains.
type EntityManager struct {
	entities   *store.EntityStore
	components *store.ComponentStore
	finalize   finalizer
	logger     *slog.Logger
	metrics    *metric.Metrics
	now        func() time.Time
}

// EntityOption configures an EntityManager
type EntityOption func(*EntityManager)

// WithEntityResultBucket overrides the result blob bucket
func WithEntityResultBucket(bucket string) EntityOption {
	return func(m *EntityManager) { m.finalize.bucket = bucket }
}

// WithEntityResourceURLBase overrides the base path of published
// resource URLs
func WithEntityResourceURLBase(base string) EntityOption {
	return func(m *EntityManager) { m.finalize.urlBase = base }
}

// WithEntityLogger sets the stage logger
func WithEntityLogger(logger *slog.Logger) EntityOption {
	return func(m *EntityManager) {
		m.logger = logger
		m.finalize.logger = logger
	}
}

// WithEntityMetrics wires the shared pipeline metrics
func WithEntityMetrics(metrics *metric.Metrics) EntityOption {
	return func(m *EntityManager) { m.metrics = metrics }
}

// WithEntityClock overrides the time source
func WithEntityClock(now func() time.Time) EntityOption {
	return func(m *EntityManager) { m.now = now }
}

// NewEntityManager creates the entity/component terminal stage
func NewEntityManager(
	entities *store.EntityStore,
	components *store.ComponentStore,
	resources *resource.Tracker,
	blob backend.Blob,
	opts ...EntityOption,
) *EntityManager {
	logger := slog.Default()
	m := &EntityManager{
		entities:   entities,
		components: components,
		finalize: finalizer{
			resources: resources,
			blob:      blob,
			bucket:    DefaultResultBucket,
			urlBase:   DefaultResourceURLBase,
			logger:    logger,
		},
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// entityCreatePayload is the data of an entity.create event. Components
// maps component type to that component's initial data.
type entityCreatePayload struct {
	PrimitiveType string                    `json:"primitive_type"`
	Data          map[string]any            `json:"data,omitempty"`
	Components    map[string]map[string]any `json:"components,omitempty"`
}

type entityReadPayload struct {
	EntityID      string `json:"entity_id"`
	ComponentType string `json:"component_type,omitempty"`
}

type relatePayload struct {
	ComponentID string `json:"component_id"`
	EntityID    string `json:"entity_id"`
}

type componentCreatePayload struct {
	ComponentType string         `json:"component_type"`
	EntityRefs    []string       `json:"entity_refs,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
}

// entityResult is the canonical result document for entity actions.
type entityResult struct {
	Entity     *store.Entity     `json:"entity,omitempty"`
	Components []store.Component `json:"components,omitempty"`
}

type relateResult struct {
	ComponentID string `json:"component_id"`
	EntityID    string `json:"entity_id"`
	Related     bool   `json:"related"`
}

// Handle processes one event for the entity or component domain. A nil
// return settles the message; transient failures surface for
// redelivery, which is safe because creates derive deterministic ids
// from the event id.
func (m *EntityManager) Handle(ctx context.Context, body []byte) error {
	env, err := envelope.Decode(body)
	if err != nil {
		m.logger.Error("dropping undecodable message", "error", err)
		return nil
	}
	recordReceived(m.metrics, entityStage, env)

	var result any
	var actionErr error

	switch action := env.Type().Action; {
	case env.Type().Service == envelope.DomainEntity && action == envelope.ActionCreate:
		result, actionErr = m.createEntity(ctx, env)
	case env.Type().Service == envelope.DomainEntity && action == envelope.ActionRead:
		result, actionErr = m.readEntity(ctx, env)
	case env.Type().Service == envelope.DomainEntity && action == envelope.ActionRelate:
		result, actionErr = m.relate(ctx, env)
	case env.Type().Service == envelope.DomainComponent && action == envelope.ActionCreate:
		result, actionErr = m.createComponent(ctx, env)
	default:
		unsupported := &errors.UnsupportedActionError{
			Domain: env.Type().Service,
			Action: env.Type().Action,
		}
		recordHandled(m.metrics, entityStage, env, "unsupported")
		return m.finalize.fail(ctx, env, unsupported.Error())
	}

	if actionErr != nil {
		if errors.IsTransient(actionErr) {
			return actionErr
		}
		recordHandled(m.metrics, entityStage, env, "failed")
		return m.finalize.fail(ctx, env, actionErr.Error())
	}

	if err := m.finalize.finalize(ctx, env, result); err != nil {
		return err
	}
	recordHandled(m.metrics, entityStage, env, "published")
	return nil
}

// createEntity inserts the entity and fans out its inline components.
// Ids derive from the event id, so a redelivered create collapses into
// the records the first delivery wrote. A component failure mid fan-out
// leaves earlier components in place (orphaned, no rollback) and fails
// the whole action.
func (m *EntityManager) createEntity(ctx context.Context, env *envelope.Envelope) (any, error) {
	var payload entityCreatePayload
	if err := env.DecodeData(&payload); err != nil {
		return nil, errors.WrapInvalid(err, "EntityManager", "createEntity", "decode payload")
	}

	entity := &store.Entity{
		EntityID:      store.DeterministicID("entity", env.ID()),
		PrimitiveType: payload.PrimitiveType,
		Data:          payload.Data,
		RegisteredBy:  env.UserHash(),
		CreatedAt:     m.now().UTC(),
	}
	if err := m.entities.Create(ctx, entity); err != nil && !errors.Is(err, errors.ErrKeyExists) {
		return nil, err
	}

	// Fan out in a fixed order so redelivery retries the same sequence.
	types := make([]string, 0, len(payload.Components))
	for componentType := range payload.Components {
		types = append(types, componentType)
	}
	sort.Strings(types)

	created := make([]store.Component, 0, len(types))
	for _, componentType := range types {
		component := &store.Component{
			ComponentID:   store.DeterministicID("component", env.ID(), componentType),
			ComponentType: componentType,
			EntityRefs:    []string{entity.EntityID},
			Data:          payload.Components[componentType],
			RegisteredBy:  env.UserHash(),
			CreatedAt:     m.now().UTC(),
		}
		if err := m.components.Create(ctx, component); err != nil && !errors.Is(err, errors.ErrKeyExists) {
			return nil, err
		}
		created = append(created, *component)
	}

	return entityResult{Entity: entity, Components: created}, nil
}

// readEntity returns the entity plus every component whose
// back-reference set contains it, optionally filtered by type.
func (m *EntityManager) readEntity(ctx context.Context, env *envelope.Envelope) (any, error) {
	var payload entityReadPayload
	if err := env.DecodeData(&payload); err != nil {
		return nil, errors.WrapInvalid(err, "EntityManager", "readEntity", "decode payload")
	}
	if payload.EntityID == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "EntityManager", "readEntity", "check entity id")
	}

	entity, err := m.entities.Get(ctx, payload.EntityID)
	if err != nil {
		return nil, err
	}

	components, err := m.components.ListForEntity(ctx, payload.EntityID, payload.ComponentType)
	if err != nil {
		return nil, err
	}

	return entityResult{Entity: entity, Components: components}, nil
}

// relate adds an entity to an existing component's back-reference set.
func (m *EntityManager) relate(ctx context.Context, env *envelope.Envelope) (any, error) {
	var payload relatePayload
	if err := env.DecodeData(&payload); err != nil {
		return nil, errors.WrapInvalid(err, "EntityManager", "relate", "decode payload")
	}
	if payload.ComponentID == "" || payload.EntityID == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "EntityManager", "relate", "check payload")
	}

	if err := m.components.Relate(ctx, payload.ComponentID, payload.EntityID); err != nil {
		return nil, err
	}

	return relateResult{
		ComponentID: payload.ComponentID,
		EntityID:    payload.EntityID,
		Related:     true,
	}, nil
}

// createComponent inserts a standalone component, optionally already
// referencing entities.
func (m *EntityManager) createComponent(ctx context.Context, env *envelope.Envelope) (any, error) {
	var payload componentCreatePayload
	if err := env.DecodeData(&payload); err != nil {
		return nil, errors.WrapInvalid(err, "EntityManager", "createComponent", "decode payload")
	}
	if payload.ComponentType == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "EntityManager", "createComponent", "check component type")
	}

	refs := append([]string(nil), payload.EntityRefs...)
	sort.Strings(refs)

	component := &store.Component{
		ComponentID:   store.DeterministicID("component", env.ID(), payload.ComponentType),
		ComponentType: payload.ComponentType,
		EntityRefs:    refs,
		Data:          payload.Data,
		RegisteredBy:  env.UserHash(),
		CreatedAt:     m.now().UTC(),
	}
	if err := m.components.Create(ctx, component); err != nil && !errors.Is(err, errors.ErrKeyExists) {
		return nil, err
	}

	return entityResult{Components: []store.Component{*component}}, nil
}

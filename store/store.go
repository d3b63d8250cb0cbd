// Package store persists registered entities and components in the
// key-value backend. Components keep a back-reference set of the
// entities they belong to; relating a component to another entity adds
// to that set under CAS.
package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/PolygramInfo/IFC-RPC/backend"
	"github.com/PolygramInfo/IFC-RPC/errors"
	"github.com/PolygramInfo/IFC-RPC/pkg/retry"
)

// Default KV tables for the two stores.
const (
	DefaultEntityTable    = "entities"
	DefaultComponentTable = "components"
)

// DeterministicID derives a stable id from its parts. Creates driven by
// a redelivered event derive the same id and collapse into the existing
// record instead of inserting a duplicate.
func DeterministicID(parts ...string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(strings.Join(parts, "/"))).String()
}

// Entity is a registered building element.
type Entity struct {
	EntityID      string         `json:"entity_id"`
	PrimitiveType string         `json:"primitive_type,omitempty"`
	Data          map[string]any `json:"data"`
	RegisteredBy  string         `json:"registered_by,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Component is a registered property block attached to one or more
// entities.
type Component struct {
	ComponentID   string         `json:"component_id"`
	ComponentType string         `json:"component_type"`
	EntityRefs    []string       `json:"entity_refs"`
	Data          map[string]any `json:"data"`
	RegisteredBy  string         `json:"registered_by,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// References reports whether the component belongs to the entity
func (c *Component) References(entityID string) bool {
	return slices.Contains(c.EntityRefs, entityID)
}

// EntityStore persists entities.
type EntityStore struct {
	kv     backend.KV
	table  string
	logger *slog.Logger
}

// NewEntityStore creates an entity store over the given KV backend
func NewEntityStore(kv backend.KV, opts ...StoreOption) *EntityStore {
	cfg := storeConfig{table: DefaultEntityTable, logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &EntityStore{kv: kv, table: cfg.table, logger: cfg.logger}
}

// Create conditionally inserts an entity. errors.ErrKeyExists signals
// the entity was already stored, which callers driven by redelivered
// events treat as success.
func (s *EntityStore) Create(ctx context.Context, entity *Entity) error {
	if entity.EntityID == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "EntityStore", "Create", "check entity id")
	}

	value, err := json.Marshal(entity)
	if err != nil {
		return errors.Wrap(err, "EntityStore", "Create", "encode entity")
	}

	if err := s.kv.PutIfAbsent(ctx, s.table, entity.EntityID, value); err != nil {
		if errors.Is(err, errors.ErrKeyExists) {
			return errors.ErrKeyExists
		}
		return errors.WrapTransient(err, "EntityStore", "Create", "insert entity")
	}

	s.logger.Info("entity stored", "entity_id", entity.EntityID, "primitive_type", entity.PrimitiveType)
	return nil
}

// Get returns the entity with the given id
func (s *EntityStore) Get(ctx context.Context, entityID string) (*Entity, error) {
	record, err := s.kv.Get(ctx, s.table, entityID)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil, errors.ErrNotFound
		}
		return nil, errors.WrapTransient(err, "EntityStore", "Get", "load entity")
	}

	var entity Entity
	if err := json.Unmarshal(record.Value, &entity); err != nil {
		return nil, errors.WrapFatal(err, "EntityStore", "Get", "decode entity")
	}
	return &entity, nil
}

// ComponentStore persists components and their entity back-references.
type ComponentStore struct {
	kv     backend.KV
	table  string
	logger *slog.Logger
}

// NewComponentStore creates a component store over the given KV backend
func NewComponentStore(kv backend.KV, opts ...StoreOption) *ComponentStore {
	cfg := storeConfig{table: DefaultComponentTable, logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &ComponentStore{kv: kv, table: cfg.table, logger: cfg.logger}
}

// Create conditionally inserts a component. As with entities, an
// existing key surfaces as errors.ErrKeyExists.
func (s *ComponentStore) Create(ctx context.Context, component *Component) error {
	if component.ComponentID == "" || component.ComponentType == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "ComponentStore", "Create", "check component")
	}

	value, err := json.Marshal(component)
	if err != nil {
		return errors.Wrap(err, "ComponentStore", "Create", "encode component")
	}

	if err := s.kv.PutIfAbsent(ctx, s.table, component.ComponentID, value); err != nil {
		if errors.Is(err, errors.ErrKeyExists) {
			return errors.ErrKeyExists
		}
		return errors.WrapTransient(err, "ComponentStore", "Create", "insert component")
	}

	s.logger.Info("component stored",
		"component_id", component.ComponentID,
		"component_type", component.ComponentType,
		"entity_refs", len(component.EntityRefs))
	return nil
}

// Get returns the component with the given id
func (s *ComponentStore) Get(ctx context.Context, componentID string) (*Component, error) {
	record, err := s.kv.Get(ctx, s.table, componentID)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil, errors.ErrNotFound
		}
		return nil, errors.WrapTransient(err, "ComponentStore", "Get", "load component")
	}

	var component Component
	if err := json.Unmarshal(record.Value, &component); err != nil {
		return nil, errors.WrapFatal(err, "ComponentStore", "Get", "decode component")
	}
	return &component, nil
}

// Relate adds an entity to a component's back-reference set under CAS.
// Relating an already-linked pair is a no-op, so redeliveries are safe.
func (s *ComponentStore) Relate(ctx context.Context, componentID, entityID string) error {
	if entityID == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "ComponentStore", "Relate", "check entity id")
	}

	return retry.Do(ctx, retry.Quick(), func() error {
		record, err := s.kv.Get(ctx, s.table, componentID)
		if err != nil {
			if errors.Is(err, errors.ErrNotFound) {
				return retry.NonRetryable(errors.ErrNotFound)
			}
			return errors.WrapTransient(err, "ComponentStore", "Relate", "load component")
		}

		var component Component
		if err := json.Unmarshal(record.Value, &component); err != nil {
			return retry.NonRetryable(
				errors.WrapFatal(err, "ComponentStore", "Relate", "decode component"))
		}

		if component.References(entityID) {
			return nil
		}
		component.EntityRefs = append(component.EntityRefs, entityID)
		sort.Strings(component.EntityRefs)

		value, err := json.Marshal(component)
		if err != nil {
			return retry.NonRetryable(
				errors.Wrap(err, "ComponentStore", "Relate", "encode component"))
		}

		err = s.kv.Update(ctx, s.table, componentID, value, record.Revision)
		if errors.Is(err, errors.ErrRevisionMismatch) {
			return err // concurrent relate, reload and retry
		}
		if err != nil {
			return errors.WrapTransient(err, "ComponentStore", "Relate", "store component")
		}
		return nil
	})
}

// ListForEntity returns all components whose back-reference set
// contains the entity, optionally restricted to one component type.
func (s *ComponentStore) ListForEntity(ctx context.Context, entityID, componentType string) ([]Component, error) {
	keys, err := s.kv.Keys(ctx, s.table)
	if err != nil {
		return nil, errors.WrapTransient(err, "ComponentStore", "ListForEntity", "list component keys")
	}
	sort.Strings(keys)

	var components []Component
	for _, key := range keys {
		component, err := s.Get(ctx, key)
		if err != nil {
			if errors.Is(err, errors.ErrNotFound) {
				continue
			}
			return nil, err
		}

		if !component.References(entityID) {
			continue
		}
		if componentType != "" && component.ComponentType != componentType {
			continue
		}
		components = append(components, *component)
	}
	return components, nil
}

type storeConfig struct {
	table  string
	logger *slog.Logger
}

// StoreOption configures an entity or component store
type StoreOption func(*storeConfig)

// WithTable overrides the KV table name
func WithTable(table string) StoreOption {
	return func(cfg *storeConfig) { cfg.table = table }
}

// WithLogger sets the store logger
func WithLogger(logger *slog.Logger) StoreOption {
	return func(cfg *storeConfig) { cfg.logger = logger }
}

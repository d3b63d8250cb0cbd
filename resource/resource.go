// Package resource tracks the lifecycle of accepted registration
// requests: pending at ingress, then published or failed once the
// pipeline settles the request.
package resource

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/PolygramInfo/IFC-RPC/backend"
	"github.com/PolygramInfo/IFC-RPC/errors"
	"github.com/PolygramInfo/IFC-RPC/pkg/retry"
)

// DefaultTable is the KV table holding resource records.
const DefaultTable = "resources"

// DefaultLifespan bounds how long callers should keep polling a
// pending resource.
const DefaultLifespan = 24 * time.Hour

// Status of a tracked resource.
type Status string

// Resource lifecycle states. MarkFailed never demotes a published
// record; only a finalize rollback does, when the result document
// could not be written.
const (
	StatusPending   Status = "pending"
	StatusPublished Status = "published"
	StatusFailed    Status = "failed"
)

// Record is a stored resource entry. ResourceURL is set when the
// resource publishes and cleared again on failure or rollback, so a
// non-empty URL always points at an existing result document.
type Record struct {
	ResourceID   string    `json:"resource_id"`
	EventID      string    `json:"event_id"`
	UserHash     string    `json:"user_hash,omitempty"`
	Status       Status    `json:"status"`
	ResourceURL  string    `json:"resource_url,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	ExpiresAfter time.Time `json:"expires_after"`
	PublishedAt  time.Time `json:"published_at,omitempty"`
	FailReason   string    `json:"fail_reason,omitempty"`
}

// Tracker manages resource records over the KV backend.
type Tracker struct {
	kv       backend.KV
	table    string
	lifespan time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Tracker
type Option func(*Tracker)

// WithTable overrides the KV table name
func WithTable(table string) Option {
	return func(t *Tracker) { t.table = table }
}

// WithLifespan sets how long a resource record stays pollable
func WithLifespan(d time.Duration) Option {
	return func(t *Tracker) { t.lifespan = d }
}

// WithLogger sets the tracker logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) { t.logger = logger }
}

// WithClock overrides the time source, for tests
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// New creates a resource tracker over the given KV backend
func New(kv backend.KV, opts ...Option) *Tracker {
	t := &Tracker{
		kv:       kv,
		table:    DefaultTable,
		lifespan: DefaultLifespan,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Allocate returns a fresh resource id
func (t *Tracker) Allocate() string {
	return uuid.NewString()
}

// RegisterPending conditionally inserts a pending record for a freshly
// allocated resource id. An id collision is fatal: allocated ids are
// random, so a duplicate means the allocator was misused.
func (t *Tracker) RegisterPending(ctx context.Context, resourceID, eventID, userHash string) (*Record, error) {
	now := t.now().UTC()
	record := Record{
		ResourceID:   resourceID,
		EventID:      eventID,
		UserHash:     userHash,
		Status:       StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
		ExpiresAfter: now.Add(t.lifespan),
	}

	value, err := json.Marshal(record)
	if err != nil {
		return nil, errors.Wrap(err, "Tracker", "RegisterPending", "encode record")
	}

	if err := t.kv.PutIfAbsent(ctx, t.table, resourceID, value); err != nil {
		if errors.Is(err, errors.ErrKeyExists) {
			return nil, &errors.CollisionError{Table: t.table, Key: resourceID}
		}
		return nil, errors.WrapTransient(err, "Tracker", "RegisterPending", "insert record")
	}

	return &record, nil
}

// Get returns the record for a resource id
func (t *Tracker) Get(ctx context.Context, resourceID string) (*Record, error) {
	raw, err := t.kv.Get(ctx, t.table, resourceID)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil, errors.ErrNotFound
		}
		return nil, errors.WrapTransient(err, "Tracker", "Get", "load record")
	}

	var record Record
	if err := json.Unmarshal(raw.Value, &record); err != nil {
		return nil, errors.WrapFatal(err, "Tracker", "Get", "decode record")
	}
	return &record, nil
}

// MarkFailed moves a resource to failed with a reason. Published
// records are left untouched; marking an already-failed record just
// refreshes the reason.
func (t *Tracker) MarkFailed(ctx context.Context, resourceID, reason string) error {
	return t.transition(ctx, resourceID, func(record *Record) bool {
		if record.Status == StatusPublished {
			return false
		}
		record.Status = StatusFailed
		record.FailReason = reason
		record.ResourceURL = ""
		return true
	})
}

// Finalize publishes a resource in two phases: the record is marked
// published with its URL first, then persist writes the canonical blob.
// If the blob write fails the record is rolled back to failed so
// callers never see a published resource without its document. persist
// runs even when the record is already published: a crash between the
// two phases leaves a published record with no blob, and only the
// redelivered message can write it. persist must therefore be
// idempotent for the same message.
func (t *Tracker) Finalize(ctx context.Context, resourceID, resourceURL string, persist func() error) error {
	err := t.transition(ctx, resourceID, func(record *Record) bool {
		if record.Status == StatusPublished && record.ResourceURL == resourceURL {
			return false // already marked, persist below still runs
		}
		record.Status = StatusPublished
		record.PublishedAt = t.now().UTC()
		record.ResourceURL = resourceURL
		record.FailReason = ""
		return true
	})
	if err != nil {
		return err
	}

	if err := persist(); err != nil {
		if rollbackErr := t.rollback(ctx, resourceID, err.Error()); rollbackErr != nil {
			// Record says published but the blob is missing; this needs
			// an operator, so surface it as non-retryable.
			t.logger.Error("finalize rollback failed",
				"resource_id", resourceID, "error", rollbackErr)
			return &errors.StorageError{Op: "finalize", Partial: true, Err: err}
		}
		return &errors.StorageError{Op: "finalize", Partial: false, Err: err}
	}

	t.logger.Info("resource published", "resource_id", resourceID)
	return nil
}

// rollback forces a published record back to failed after a blob
// write failure. Unlike MarkFailed it demotes published records.
func (t *Tracker) rollback(ctx context.Context, resourceID, reason string) error {
	return t.transition(ctx, resourceID, func(record *Record) bool {
		record.Status = StatusFailed
		record.PublishedAt = time.Time{}
		record.ResourceURL = ""
		record.FailReason = reason
		return true
	})
}

// transition applies mutate to the current record under CAS, retrying
// on concurrent writers. mutate returns false to abandon the change.
func (t *Tracker) transition(ctx context.Context, resourceID string, mutate func(*Record) bool) error {
	return retry.Do(ctx, retry.Quick(), func() error {
		raw, err := t.kv.Get(ctx, t.table, resourceID)
		if err != nil {
			if errors.Is(err, errors.ErrNotFound) {
				return retry.NonRetryable(errors.ErrNotFound)
			}
			return errors.WrapTransient(err, "Tracker", "transition", "load record")
		}

		var record Record
		if err := json.Unmarshal(raw.Value, &record); err != nil {
			return retry.NonRetryable(
				errors.WrapFatal(err, "Tracker", "transition", "decode record"))
		}

		if !mutate(&record) {
			return nil
		}
		record.UpdatedAt = t.now().UTC()

		value, err := json.Marshal(record)
		if err != nil {
			return retry.NonRetryable(
				errors.Wrap(err, "Tracker", "transition", "encode record"))
		}

		err = t.kv.Update(ctx, t.table, resourceID, value, raw.Revision)
		if errors.Is(err, errors.ErrRevisionMismatch) {
			return err // concurrent writer, reload and retry
		}
		if err != nil {
			return errors.WrapTransient(err, "Tracker", "transition", "store record")
		}
		return nil
	})
}

// Package manager holds the terminal pipeline stages. The entity
// manager serves the entity and component domains, the schema manager
// serves the schema domain. Each dispatches on the action suffix of the
// event type, performs the storage operation, writes the canonical
// result document to blob storage, and finalizes the tracked resource.
package manager

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/PolygramInfo/IFC-RPC/backend"
	"github.com/PolygramInfo/IFC-RPC/envelope"
	"github.com/PolygramInfo/IFC-RPC/errors"
	"github.com/PolygramInfo/IFC-RPC/metric"
	"github.com/PolygramInfo/IFC-RPC/resource"
)

// DefaultResultBucket is the blob bucket canonical resource documents
// are published to.
const DefaultResultBucket = "resources"

// DefaultResourceURLBase prefixes the resource URL stored on published
// records, matching the ingress reply.
const DefaultResourceURLBase = "/resources/"

// ResultKey is the blob key of a finalized resource document
func ResultKey(resourceID string) string {
	return "resources/" + resourceID + ".json"
}

// finalizer publishes a result document and settles the tracked
// resource, shared by both managers.
type finalizer struct {
	resources *resource.Tracker
	blob      backend.Blob
	bucket    string
	urlBase   string
	logger    *slog.Logger
}

// finalize marks the resource published and writes the canonical result
// document in the tracker's two-phase order. A retryable storage
// failure surfaces as transient so the message redelivers; a partial
// failure is terminal and needs manual reconciliation.
func (f *finalizer) finalize(ctx context.Context, env *envelope.Envelope, result any) error {
	resourceID := env.ResourceID()
	if resourceID == "" {
		f.logger.Warn("event carries no resource id, skipping finalize", "event_id", env.ID())
		return nil
	}

	data, err := json.Marshal(result)
	if err != nil {
		return errors.WrapFatal(err, "finalizer", "finalize", "encode result document")
	}

	err = f.resources.Finalize(ctx, resourceID, f.urlBase+resourceID, func() error {
		return f.blob.Put(ctx, f.bucket, ResultKey(resourceID), data)
	})
	if err != nil {
		var storageErr *errors.StorageError
		if errors.As(err, &storageErr) && !storageErr.Retryable() {
			f.logger.Error("finalize left partial state, manual reconciliation required",
				"resource_id", resourceID, "error", err)
			return errors.WrapFatal(err, "finalizer", "finalize", "publish resource "+resourceID)
		}
		return errors.WrapTransient(err, "finalizer", "finalize", "publish resource "+resourceID)
	}

	f.logger.Info("resource published", "resource_id", resourceID, "event_id", env.ID())
	return nil
}

// fail marks the resource failed and settles the message. Only a
// backend failure during the mark itself is surfaced, as transient.
func (f *finalizer) fail(ctx context.Context, env *envelope.Envelope, reason string) error {
	f.logger.Warn("action failed", "event_id", env.ID(), "type", env.Type().String(), "reason", reason)

	if env.ResourceID() == "" {
		return nil
	}
	err := f.resources.MarkFailed(ctx, env.ResourceID(), reason)
	if err != nil && !errors.Is(err, errors.ErrNotFound) {
		return errors.WrapTransient(err, "finalizer", "fail", "mark resource failed")
	}
	return nil
}

func recordHandled(metrics *metric.Metrics, stage string, env *envelope.Envelope, status string) {
	if metrics != nil {
		metrics.RecordEventProcessed(stage, env.Type().String(), status)
	}
}

func recordReceived(metrics *metric.Metrics, stage string, env *envelope.Envelope) {
	if metrics != nil {
		metrics.RecordEventReceived(stage, env.Type().String())
	}
}

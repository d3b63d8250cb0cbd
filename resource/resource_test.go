package resource

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PolygramInfo/IFC-RPC/errors"
	"github.com/PolygramInfo/IFC-RPC/testutil"
)

func fixedClock() func() time.Time {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return at }
}

func TestAllocate_Unique(t *testing.T) {
	tracker := New(testutil.NewMemoryKV())
	assert.NotEqual(t, tracker.Allocate(), tracker.Allocate())
}

func TestRegisterPending(t *testing.T) {
	ctx := context.Background()
	tracker := New(testutil.NewMemoryKV(), WithClock(fixedClock()), WithLifespan(6*time.Hour))

	record, err := tracker.RegisterPending(ctx, "res-1", "evt-1", "u-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, record.Status)
	assert.Equal(t, "evt-1", record.EventID)
	assert.Equal(t, record.CreatedAt.Add(6*time.Hour), record.ExpiresAfter)
	assert.Equal(t, record.CreatedAt, record.UpdatedAt)

	stored, err := tracker.Get(ctx, "res-1")
	require.NoError(t, err)
	assert.Equal(t, record.ResourceID, stored.ResourceID)
	assert.Equal(t, StatusPending, stored.Status)
}

func TestRegisterPending_Collision(t *testing.T) {
	ctx := context.Background()
	tracker := New(testutil.NewMemoryKV())

	_, err := tracker.RegisterPending(ctx, "res-1", "evt-1", "u-1")
	require.NoError(t, err)

	_, err = tracker.RegisterPending(ctx, "res-1", "evt-2", "u-1")
	var collision *errors.CollisionError
	require.ErrorAs(t, err, &collision)
	assert.Equal(t, "res-1", collision.Key)
}

func TestMarkFailed(t *testing.T) {
	ctx := context.Background()
	tracker := New(testutil.NewMemoryKV())
	_, err := tracker.RegisterPending(ctx, "res-1", "evt-1", "u-1")
	require.NoError(t, err)

	require.NoError(t, tracker.MarkFailed(ctx, "res-1", "schema violation"))

	record, err := tracker.Get(ctx, "res-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, record.Status)
	assert.Equal(t, "schema violation", record.FailReason)
}

func TestMarkFailed_PublishedWins(t *testing.T) {
	ctx := context.Background()
	tracker := New(testutil.NewMemoryKV())
	_, err := tracker.RegisterPending(ctx, "res-1", "evt-1", "u-1")
	require.NoError(t, err)

	require.NoError(t, tracker.Finalize(ctx, "res-1", "/resources/res-1", func() error { return nil }))
	require.NoError(t, tracker.MarkFailed(ctx, "res-1", "late failure"))

	record, err := tracker.Get(ctx, "res-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPublished, record.Status, "MarkFailed never demotes a published resource")
	assert.Equal(t, "/resources/res-1", record.ResourceURL)
}

func TestMarkFailed_Missing(t *testing.T) {
	tracker := New(testutil.NewMemoryKV())
	err := tracker.MarkFailed(context.Background(), "nope", "reason")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestFinalize_PublishesThenPersists(t *testing.T) {
	ctx := context.Background()
	tracker := New(testutil.NewMemoryKV(), WithClock(fixedClock()))
	_, err := tracker.RegisterPending(ctx, "res-1", "evt-1", "u-1")
	require.NoError(t, err)

	var statusDuringPersist Status
	err = tracker.Finalize(ctx, "res-1", "/resources/res-1", func() error {
		record, err := tracker.Get(ctx, "res-1")
		require.NoError(t, err)
		statusDuringPersist = record.Status
		return nil
	})
	require.NoError(t, err)

	// The record is marked before the blob write, not after.
	assert.Equal(t, StatusPublished, statusDuringPersist)

	record, err := tracker.Get(ctx, "res-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPublished, record.Status)
	assert.Equal(t, "/resources/res-1", record.ResourceURL)
	assert.False(t, record.PublishedAt.IsZero())
	assert.False(t, record.UpdatedAt.IsZero())
}

func TestFinalize_RollsBackOnPersistFailure(t *testing.T) {
	ctx := context.Background()
	tracker := New(testutil.NewMemoryKV())
	_, err := tracker.RegisterPending(ctx, "res-1", "evt-1", "u-1")
	require.NoError(t, err)

	err = tracker.Finalize(ctx, "res-1", "/resources/res-1", func() error {
		return errors.New("blob store down")
	})

	var storageErr *errors.StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.True(t, storageErr.Retryable(), "rolled-back finalize can be retried")

	record, err := tracker.Get(ctx, "res-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, record.Status)
	assert.Empty(t, record.ResourceURL, "a failed resource carries no URL")
	assert.Contains(t, record.FailReason, "blob store down")
}

func TestFinalize_RedeliveryRerunsPersist(t *testing.T) {
	ctx := context.Background()
	tracker := New(testutil.NewMemoryKV())
	_, err := tracker.RegisterPending(ctx, "res-1", "evt-1", "u-1")
	require.NoError(t, err)

	calls := 0
	persist := func() error { calls++; return nil }

	require.NoError(t, tracker.Finalize(ctx, "res-1", "/resources/res-1", persist))
	require.NoError(t, tracker.Finalize(ctx, "res-1", "/resources/res-1", persist))

	// persist re-runs on redelivery so a blob lost between the two
	// phases gets rewritten; the write is idempotent for one message.
	assert.Equal(t, 2, calls)

	record, err := tracker.Get(ctx, "res-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPublished, record.Status)
}

func TestFinalize_RepairsCrashBetweenPhases(t *testing.T) {
	ctx := context.Background()
	tracker := New(testutil.NewMemoryKV())
	_, err := tracker.RegisterPending(ctx, "res-1", "evt-1", "u-1")
	require.NoError(t, err)

	// Simulate a crash after the publish mark: the record says
	// published but persist never ran.
	require.NoError(t, tracker.transition(ctx, "res-1", func(record *Record) bool {
		record.Status = StatusPublished
		return true
	}))

	persisted := false
	err = tracker.Finalize(ctx, "res-1", "/resources/res-1", func() error {
		persisted = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, persisted, "redelivery must write the missing result document")

	record, err := tracker.Get(ctx, "res-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPublished, record.Status)
	assert.Equal(t, "/resources/res-1", record.ResourceURL)
}

func TestFinalize_RetriesAfterRollback(t *testing.T) {
	ctx := context.Background()
	tracker := New(testutil.NewMemoryKV())
	_, err := tracker.RegisterPending(ctx, "res-1", "evt-1", "u-1")
	require.NoError(t, err)

	err = tracker.Finalize(ctx, "res-1", "/resources/res-1", func() error { return errors.New("transient blob outage") })
	require.Error(t, err)

	// Redelivery succeeds once the blob store recovers.
	require.NoError(t, tracker.Finalize(ctx, "res-1", "/resources/res-1", func() error { return nil }))

	record, err := tracker.Get(ctx, "res-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPublished, record.Status)
	assert.Equal(t, "/resources/res-1", record.ResourceURL)
	assert.Empty(t, record.FailReason)
}

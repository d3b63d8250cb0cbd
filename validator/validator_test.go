package validator

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PolygramInfo/IFC-RPC/envelope"
	"github.com/PolygramInfo/IFC-RPC/errors"
	"github.com/PolygramInfo/IFC-RPC/registry"
	"github.com/PolygramInfo/IFC-RPC/resource"
	"github.com/PolygramInfo/IFC-RPC/testutil"
)

const wallSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["name"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "height_mm": {"type": "number", "minimum": 0}
  }
}`

var wallRef = envelope.SchemaRef{Domain: "entity", Name: "wall"}

type fixture struct {
	validator *Validator
	schemas   *registry.Registry
	tracker   *resource.Tracker
	queue     *testutil.MemoryQueue
	blob      *testutil.MemoryBlob
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	schemas := registry.New(testutil.NewMemoryKV())
	require.NoError(t, schemas.Put(context.Background(), wallRef, json.RawMessage(wallSchema), "tester"))

	tracker := resource.New(testutil.NewMemoryKV())
	queue := testutil.NewMemoryQueue()
	blob := testutil.NewMemoryBlob()

	return &fixture{
		validator: New(schemas, tracker, queue, blob, opts...),
		schemas:   schemas,
		tracker:   tracker,
		queue:     queue,
		blob:      blob,
	}
}

func wireEvent(t *testing.T, data string, opts ...envelope.Option) (*envelope.Envelope, []byte) {
	t.Helper()
	env := envelope.New(
		envelope.Type{Service: envelope.DomainEntity, Action: envelope.ActionCreate},
		json.RawMessage(data),
		"test-client",
		opts...,
	)
	body, err := json.Marshal(env)
	require.NoError(t, err)
	return env, body
}

func TestHandle_ValidPayloadForwarded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	env, body := wireEvent(t, `{"name":"north-wall","height_mm":2400}`,
		envelope.WithDataSchema(wallRef))

	require.NoError(t, f.validator.Handle(ctx, body))

	require.Equal(t, 1, f.queue.Len(DefaultRoutingQueue))
	msg, err := f.queue.Receive(ctx, DefaultRoutingQueue, 0)
	require.NoError(t, err)
	forwarded, err := envelope.Decode(msg.Body)
	require.NoError(t, err)
	assert.Equal(t, env.ID(), forwarded.ID())

	assert.Empty(t, f.blob.Keys(DefaultQuarantineBucket))
}

func TestHandle_SchemaViolationQuarantined(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	tracker := f.tracker
	_, err := tracker.RegisterPending(ctx, "res-1", "evt-1", "u-1")
	require.NoError(t, err)

	env := envelope.New(
		envelope.Type{Service: envelope.DomainEntity, Action: envelope.ActionCreate},
		json.RawMessage(`{"height_mm":-5}`), // missing name, negative height
		"test-client",
		envelope.WithDataSchema(wallRef),
	).WithResource("res-1")
	body, err := json.Marshal(env)
	require.NoError(t, err)

	require.NoError(t, f.validator.Handle(ctx, body))

	assert.Zero(t, f.queue.Len(DefaultRoutingQueue))

	keys := f.blob.Keys(DefaultQuarantineBucket)
	require.Len(t, keys, 1)
	assert.Equal(t, QuarantineKey(env.ID()), keys[0])

	stored, err := f.blob.Get(ctx, DefaultQuarantineBucket, keys[0])
	require.NoError(t, err)
	var record quarantineRecord
	require.NoError(t, json.Unmarshal(stored, &record))
	assert.Contains(t, record.Reason, "entity.wall")
	assert.JSONEq(t, string(body), string(record.Event))

	res, err := tracker.Get(ctx, "res-1")
	require.NoError(t, err)
	assert.Equal(t, resource.StatusFailed, res.Status)
}

func TestHandle_UnknownSchemaQuarantined(t *testing.T) {
	f := newFixture(t)
	_, body := wireEvent(t, `{"name":"x"}`,
		envelope.WithDataSchema(envelope.SchemaRef{Domain: "entity", Name: "door"}))

	require.NoError(t, f.validator.Handle(context.Background(), body))

	assert.Zero(t, f.queue.Len(DefaultRoutingQueue))
	assert.Len(t, f.blob.Keys(DefaultQuarantineBucket), 1)
}

func TestHandle_MissingSchemaRefQuarantined(t *testing.T) {
	f := newFixture(t)
	_, body := wireEvent(t, `{"name":"x"}`)

	require.NoError(t, f.validator.Handle(context.Background(), body))

	assert.Zero(t, f.queue.Len(DefaultRoutingQueue))
	assert.Len(t, f.blob.Keys(DefaultQuarantineBucket), 1)
}

func TestHandle_SchemaDomainBypassesValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	env := envelope.New(
		envelope.Type{Service: envelope.DomainSchema, Action: envelope.ActionCreate},
		json.RawMessage(`{"domain":"entity","name":"door","document":{"type":"object"}}`),
		"test-client",
	)
	body, err := json.Marshal(env)
	require.NoError(t, err)

	require.NoError(t, f.validator.Handle(ctx, body))

	assert.Equal(t, 1, f.queue.Len(DefaultRoutingQueue))
	assert.Empty(t, f.blob.Keys(DefaultQuarantineBucket))
}

func TestHandle_UndecodableBodyQuarantined(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.validator.Handle(context.Background(), []byte(`{broken`)))

	keys := f.blob.Keys(DefaultQuarantineBucket)
	require.Len(t, keys, 1)
	assert.True(t, strings.HasPrefix(keys[0], "invalid_events/undecodable-"))
}

func TestHandle_QuarantineStoreFailureIsTransient(t *testing.T) {
	f := newFixture(t)
	f.blob.PutErr = errors.New("object store unavailable")
	_, body := wireEvent(t, `{"height_mm":-5}`, envelope.WithDataSchema(wallRef))

	err := f.validator.Handle(context.Background(), body)

	require.Error(t, err)
	assert.True(t, errors.IsTransient(err), "quarantine must land before the message settles")
}

func TestHandle_ForwardFailureIsTransient(t *testing.T) {
	f := newFixture(t)
	f.queue.EnqueueErr = errors.New("queue unavailable")
	_, body := wireEvent(t, `{"name":"north-wall"}`, envelope.WithDataSchema(wallRef))

	err := f.validator.Handle(context.Background(), body)

	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}

func TestHandle_RedeliveryAfterLostAckIsSuppressed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, body := wireEvent(t, `{"name":"north-wall"}`, envelope.WithDataSchema(wallRef))

	require.NoError(t, f.validator.Handle(ctx, body))
	require.NoError(t, f.validator.Handle(ctx, body))

	assert.Equal(t, 1, f.queue.Len(DefaultRoutingQueue), "dedupe key collapses the repeated forward")
}

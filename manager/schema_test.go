package manager

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PolygramInfo/IFC-RPC/envelope"
	"github.com/PolygramInfo/IFC-RPC/registry"
	"github.com/PolygramInfo/IFC-RPC/resource"
	"github.com/PolygramInfo/IFC-RPC/testutil"
)

const doorSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["name"],
  "properties": {"name": {"type": "string"}}
}`

type schemaFixture struct {
	manager *SchemaManager
	schemas *registry.Registry
	tracker *resource.Tracker
	blob    *testutil.MemoryBlob
}

func newSchemaFixture(t *testing.T, opts ...SchemaOption) *schemaFixture {
	t.Helper()

	schemas := registry.New(testutil.NewMemoryKV())
	tracker := resource.New(testutil.NewMemoryKV())
	blob := testutil.NewMemoryBlob()

	return &schemaFixture{
		manager: NewSchemaManager(schemas, tracker, blob, opts...),
		schemas: schemas,
		tracker: tracker,
		blob:    blob,
	}
}

func schemaEvent(t *testing.T, f *schemaFixture, action, data string) (*envelope.Envelope, []byte) {
	t.Helper()
	ctx := context.Background()

	env := envelope.New(
		envelope.Type{Service: envelope.DomainSchema, Action: action},
		json.RawMessage(data),
		"test-client",
		envelope.WithAuth("u-1", "tok"),
	)
	resourceID := f.tracker.Allocate()
	_, err := f.tracker.RegisterPending(ctx, resourceID, env.ID(), "u-1")
	require.NoError(t, err)

	env = env.WithResource(resourceID)
	body, err := json.Marshal(env)
	require.NoError(t, err)
	return env, body
}

func TestSchemaCreate_RegistersAndPublishes(t *testing.T) {
	ctx := context.Background()
	f := newSchemaFixture(t)
	env, body := schemaEvent(t, f, envelope.ActionCreate,
		`{"domain":"entity","name":"door","document":`+doorSchema+`}`)

	require.NoError(t, f.manager.Handle(ctx, body))

	entry, err := f.schemas.Get(ctx, envelope.SchemaRef{Domain: "entity", Name: "door"})
	require.NoError(t, err)
	assert.Equal(t, "u-1", entry.Author)

	record, err := f.tracker.Get(ctx, env.ResourceID())
	require.NoError(t, err)
	assert.Equal(t, resource.StatusPublished, record.Status)

	result, err := f.blob.Get(ctx, DefaultResultBucket, ResultKey(env.ResourceID()))
	require.NoError(t, err)
	var stored registry.Entry
	require.NoError(t, json.Unmarshal(result, &stored))
	assert.Equal(t, "door", stored.Name)
}

func TestSchemaCreate_UncompilableDocumentFails(t *testing.T) {
	ctx := context.Background()
	f := newSchemaFixture(t)
	env, body := schemaEvent(t, f, envelope.ActionCreate,
		`{"domain":"entity","name":"door","document":{"type":"nonsense"}}`)

	require.NoError(t, f.manager.Handle(ctx, body))

	record, err := f.tracker.Get(ctx, env.ResourceID())
	require.NoError(t, err)
	assert.Equal(t, resource.StatusFailed, record.Status)
}

func TestSchemaRead(t *testing.T) {
	ctx := context.Background()
	f := newSchemaFixture(t)
	require.NoError(t, f.schemas.Put(ctx,
		envelope.SchemaRef{Domain: "entity", Name: "door"}, json.RawMessage(doorSchema), "seed"))

	env, body := schemaEvent(t, f, envelope.ActionRead, `{"domain":"entity","name":"door"}`)
	require.NoError(t, f.manager.Handle(ctx, body))

	result, err := f.blob.Get(ctx, DefaultResultBucket, ResultKey(env.ResourceID()))
	require.NoError(t, err)
	var entry registry.Entry
	require.NoError(t, json.Unmarshal(result, &entry))
	assert.Equal(t, "entity", entry.Domain)
	assert.NotEmpty(t, entry.Document)
}

func TestSchemaRead_MissingFailsResource(t *testing.T) {
	ctx := context.Background()
	f := newSchemaFixture(t)
	env, body := schemaEvent(t, f, envelope.ActionRead, `{"domain":"entity","name":"ghost"}`)

	require.NoError(t, f.manager.Handle(ctx, body))

	record, err := f.tracker.Get(ctx, env.ResourceID())
	require.NoError(t, err)
	assert.Equal(t, resource.StatusFailed, record.Status)
}

func TestSchemaList_DomainFilterAndDocs(t *testing.T) {
	ctx := context.Background()
	f := newSchemaFixture(t)
	require.NoError(t, f.schemas.Put(ctx,
		envelope.SchemaRef{Domain: "entity", Name: "door"}, json.RawMessage(doorSchema), "seed"))
	require.NoError(t, f.schemas.Put(ctx,
		envelope.SchemaRef{Domain: "space", Name: "room"}, json.RawMessage(doorSchema), "seed"))

	env, body := schemaEvent(t, f, envelope.ActionList, `{"domain":"entity","include_documents":true}`)
	require.NoError(t, f.manager.Handle(ctx, body))

	result, err := f.blob.Get(ctx, DefaultResultBucket, ResultKey(env.ResourceID()))
	require.NoError(t, err)
	var listed schemaListResult
	require.NoError(t, json.Unmarshal(result, &listed))
	require.Len(t, listed.Schemas, 1)
	assert.Equal(t, "door", listed.Schemas[0].Name)
	assert.NotEmpty(t, listed.Schemas[0].Document)
}

func TestSchemaManager_UnsupportedAction(t *testing.T) {
	ctx := context.Background()
	f := newSchemaFixture(t)
	env, body := schemaEvent(t, f, "delete", `{"domain":"entity","name":"door"}`)

	require.NoError(t, f.manager.Handle(ctx, body))

	record, err := f.tracker.Get(ctx, env.ResourceID())
	require.NoError(t, err)
	assert.Equal(t, resource.StatusFailed, record.Status)
}

package registry

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PolygramInfo/IFC-RPC/envelope"
	"github.com/PolygramInfo/IFC-RPC/errors"
	"github.com/PolygramInfo/IFC-RPC/testutil"
)

var wallSchema = json.RawMessage(`{
  "type": "object",
  "required": ["name"],
  "properties": {"name": {"type": "string"}}
}`)

var doorSchema = json.RawMessage(`{
  "type": "object",
  "properties": {"width_mm": {"type": "integer"}}
}`)

func wallRef() envelope.SchemaRef {
	return envelope.SchemaRef{Domain: "design", Name: "wall"}
}

func TestRegistry_PutGet(t *testing.T) {
	ctx := context.Background()
	reg := New(testutil.NewMemoryKV())

	require.NoError(t, reg.Put(ctx, wallRef(), wallSchema, "schema-admin"))

	entry, err := reg.Get(ctx, wallRef())
	require.NoError(t, err)
	assert.Equal(t, "design", entry.Domain)
	assert.Equal(t, "wall", entry.Name)
	assert.Equal(t, "schema-admin", entry.Author)
	assert.JSONEq(t, string(wallSchema), string(entry.Document))
	assert.False(t, entry.UpdatedAt.IsZero())
}

func TestRegistry_PutLastWriteWins(t *testing.T) {
	ctx := context.Background()
	reg := New(testutil.NewMemoryKV())

	require.NoError(t, reg.Put(ctx, wallRef(), wallSchema, "first"))

	replacement := json.RawMessage(`{"type": "object"}`)
	require.NoError(t, reg.Put(ctx, wallRef(), replacement, "second"))

	entry, err := reg.Get(ctx, wallRef())
	require.NoError(t, err)
	assert.Equal(t, "second", entry.Author)
	assert.JSONEq(t, string(replacement), string(entry.Document))
}

func TestRegistry_PutRejectsBrokenSchema(t *testing.T) {
	ctx := context.Background()
	reg := New(testutil.NewMemoryKV())

	err := reg.Put(ctx, wallRef(), json.RawMessage(`{"type": 42}`), "admin")
	require.Error(t, err)

	_, err = reg.Get(ctx, wallRef())
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestRegistry_GetMissing(t *testing.T) {
	reg := New(testutil.NewMemoryKV())
	_, err := reg.Get(context.Background(), wallRef())
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestRegistry_List(t *testing.T) {
	ctx := context.Background()
	reg := New(testutil.NewMemoryKV())

	require.NoError(t, reg.Put(ctx, wallRef(), wallSchema, "admin"))
	require.NoError(t, reg.Put(ctx, envelope.SchemaRef{Domain: "design", Name: "door"}, doorSchema, "admin"))
	require.NoError(t, reg.Put(ctx, envelope.SchemaRef{Domain: "survey", Name: "point"}, doorSchema, "admin"))

	t.Run("all domains without docs", func(t *testing.T) {
		entries, err := reg.List(ctx, "", false)
		require.NoError(t, err)
		require.Len(t, entries, 3)
		for _, entry := range entries {
			assert.Nil(t, entry.Document)
		}
		// Sorted by reference.
		assert.Equal(t, "design.door", entries[0].Ref().String())
		assert.Equal(t, "design.wall", entries[1].Ref().String())
		assert.Equal(t, "survey.point", entries[2].Ref().String())
	})

	t.Run("domain filter", func(t *testing.T) {
		entries, err := reg.List(ctx, "design", false)
		require.NoError(t, err)
		assert.Len(t, entries, 2)
	})

	t.Run("include docs", func(t *testing.T) {
		entries, err := reg.List(ctx, "survey", true)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.JSONEq(t, string(doorSchema), string(entries[0].Document))
	})
}

func TestRegistry_FactoryCaching(t *testing.T) {
	ctx := context.Background()
	reg := New(testutil.NewMemoryKV())
	require.NoError(t, reg.Put(ctx, wallRef(), wallSchema, "admin"))

	first, err := reg.Factory(ctx, wallRef())
	require.NoError(t, err)

	again, err := reg.Factory(ctx, wallRef())
	require.NoError(t, err)
	assert.Same(t, first, again, "unchanged schema reuses the compiled factory")

	// Replacing the schema invalidates the cached factory.
	require.NoError(t, reg.Put(ctx, wallRef(), json.RawMessage(`{"type": "object"}`), "admin"))

	replaced, err := reg.Factory(ctx, wallRef())
	require.NoError(t, err)
	assert.NotSame(t, first, replaced)
}

func TestRegistry_FactoryValidates(t *testing.T) {
	ctx := context.Background()
	reg := New(testutil.NewMemoryKV())
	require.NoError(t, reg.Put(ctx, wallRef(), wallSchema, "admin"))

	factory, err := reg.Factory(ctx, wallRef())
	require.NoError(t, err)

	assert.NoError(t, factory.Validate(map[string]any{"name": "north-wall"}))

	err = factory.Validate(map[string]any{})
	var schemaErr *errors.SchemaError
	require.ErrorAs(t, err, &schemaErr)
	assert.Equal(t, "design.wall", schemaErr.SchemaRef)
}

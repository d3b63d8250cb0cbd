package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PolygramInfo/IFC-RPC/errors"
	"github.com/PolygramInfo/IFC-RPC/testutil"
)

func TestDeterministicID(t *testing.T) {
	a := DeterministicID("entity", "evt-1")
	b := DeterministicID("entity", "evt-1")
	c := DeterministicID("entity", "evt-2")
	d := DeterministicID("component", "evt-1")

	assert.Equal(t, a, b, "same parts derive the same id")
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, d)
}

func TestEntityStore_CreateGet(t *testing.T) {
	ctx := context.Background()
	entities := NewEntityStore(testutil.NewMemoryKV())

	entity := &Entity{
		EntityID:      "e-1",
		PrimitiveType: "wall",
		Data:          map[string]any{"name": "north-wall"},
		RegisteredBy:  "u-1",
		CreatedAt:     time.Now().UTC(),
	}
	require.NoError(t, entities.Create(ctx, entity))

	stored, err := entities.Get(ctx, "e-1")
	require.NoError(t, err)
	assert.Equal(t, "wall", stored.PrimitiveType)
	assert.Equal(t, "north-wall", stored.Data["name"])
}

func TestEntityStore_CreateDuplicate(t *testing.T) {
	ctx := context.Background()
	entities := NewEntityStore(testutil.NewMemoryKV())

	require.NoError(t, entities.Create(ctx, &Entity{EntityID: "e-1"}))
	assert.ErrorIs(t, entities.Create(ctx, &Entity{EntityID: "e-1"}), errors.ErrKeyExists)
}

func TestEntityStore_GetMissing(t *testing.T) {
	entities := NewEntityStore(testutil.NewMemoryKV())
	_, err := entities.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestComponentStore_CreateGet(t *testing.T) {
	ctx := context.Background()
	components := NewComponentStore(testutil.NewMemoryKV())

	component := &Component{
		ComponentID:   "c-1",
		ComponentType: "geometry",
		EntityRefs:    []string{"e-1"},
		Data:          map[string]any{"height_mm": 2400},
	}
	require.NoError(t, components.Create(ctx, component))

	stored, err := components.Get(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, "geometry", stored.ComponentType)
	assert.True(t, stored.References("e-1"))
	assert.False(t, stored.References("e-2"))
}

func TestComponentStore_CreateValidation(t *testing.T) {
	ctx := context.Background()
	components := NewComponentStore(testutil.NewMemoryKV())

	assert.Error(t, components.Create(ctx, &Component{ComponentType: "geometry"}))
	assert.Error(t, components.Create(ctx, &Component{ComponentID: "c-1"}))
}

func TestComponentStore_Relate(t *testing.T) {
	ctx := context.Background()
	components := NewComponentStore(testutil.NewMemoryKV())
	require.NoError(t, components.Create(ctx, &Component{
		ComponentID:   "c-1",
		ComponentType: "geometry",
		EntityRefs:    []string{"e-1"},
	}))

	require.NoError(t, components.Relate(ctx, "c-1", "e-2"))

	stored, err := components.Get(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"e-1", "e-2"}, stored.EntityRefs)

	// Relating the same pair again changes nothing.
	require.NoError(t, components.Relate(ctx, "c-1", "e-2"))
	stored, err = components.Get(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"e-1", "e-2"}, stored.EntityRefs)
}

func TestComponentStore_RelateMissing(t *testing.T) {
	components := NewComponentStore(testutil.NewMemoryKV())
	err := components.Relate(context.Background(), "nope", "e-1")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestComponentStore_ListForEntity(t *testing.T) {
	ctx := context.Background()
	components := NewComponentStore(testutil.NewMemoryKV())

	require.NoError(t, components.Create(ctx, &Component{
		ComponentID: "c-1", ComponentType: "geometry", EntityRefs: []string{"e-1"},
	}))
	require.NoError(t, components.Create(ctx, &Component{
		ComponentID: "c-2", ComponentType: "material", EntityRefs: []string{"e-1", "e-2"},
	}))
	require.NoError(t, components.Create(ctx, &Component{
		ComponentID: "c-3", ComponentType: "geometry", EntityRefs: []string{"e-2"},
	}))

	all, err := components.ListForEntity(ctx, "e-1", "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "c-1", all[0].ComponentID)
	assert.Equal(t, "c-2", all[1].ComponentID)

	geometryOnly, err := components.ListForEntity(ctx, "e-1", "geometry")
	require.NoError(t, err)
	require.Len(t, geometryOnly, 1)
	assert.Equal(t, "c-1", geometryOnly[0].ComponentID)

	none, err := components.ListForEntity(ctx, "e-9", "")
	require.NoError(t, err)
	assert.Empty(t, none)
}

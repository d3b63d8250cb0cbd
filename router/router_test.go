package router

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

func wireEvent(t *testing.T, service, action string) []byte {
	t.Helper()
	env := envelope.New(
		envelope.Type{Service: service, Action: action},
		json.RawMessage(`{"name":"x"}`),
		"test-client",
	)
	body, err := json.Marshal(env)
	require.NoError(t, err)
	return body
}

func TestHandle_RoutesByDomain(t *testing.T) {
	tests := []struct {
		service     string
		action      string
		destination string
	}{
		{envelope.DomainEntity, envelope.ActionCreate, DefaultEntityQueue},
		{envelope.DomainComponent, envelope.ActionCreate, DefaultEntityQueue},
		{envelope.DomainSchema, envelope.ActionCreate, DefaultSchemaQueue},
	}

	for _, tc := range tests {
		t.Run(tc.service+"."+tc.action, func(t *testing.T) {
			queue := testutil.NewMemoryQueue()
			router := New(queue)

			require.NoError(t, router.Handle(context.Background(), wireEvent(t, tc.service, tc.action)))

			assert.Equal(t, 1, queue.Len(tc.destination))
		})
	}
}

func TestHandle_UnroutableDomainDropped(t *testing.T) {
	queue := testutil.NewMemoryQueue()
	router := New(queue)

	err := router.Handle(context.Background(), wireEvent(t, "telemetry", "create"))

	require.NoError(t, err, "an unroutable event settles instead of redelivering forever")
	assert.Zero(t, queue.Len(DefaultEntityQueue))
	assert.Zero(t, queue.Len(DefaultSchemaQueue))
}

func TestHandle_UndecodableDropped(t *testing.T) {
	queue := testutil.NewMemoryQueue()
	router := New(queue)

	require.NoError(t, router.Handle(context.Background(), []byte(`{broken`)))
	assert.Zero(t, queue.EnqueueCalls)
}

func TestHandle_EnqueueFailureIsTransient(t *testing.T) {
	queue := testutil.NewMemoryQueue()
	queue.EnqueueErr = errors.New("queue unavailable")
	router := New(queue)

	err := router.Handle(context.Background(), wireEvent(t, envelope.DomainEntity, envelope.ActionCreate))

	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}

func TestWithRoute_OverridesTable(t *testing.T) {
	queue := testutil.NewMemoryQueue()
	router := New(queue, WithRoute("telemetry", "telemetry-workers"))

	destination, ok := router.Route("telemetry")
	require.True(t, ok)
	assert.Equal(t, "telemetry-workers", destination)

	require.NoError(t, router.Handle(context.Background(), wireEvent(t, "telemetry", "create")))
	assert.Equal(t, 1, queue.Len("telemetry-workers"))
}

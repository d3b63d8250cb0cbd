package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregate_AllHealthy(t *testing.T) {
	status := Aggregate("svc", []Status{
		Healthy("nats", ""),
		Healthy("validator", ""),
	})
	assert.True(t, status.IsHealthy())
	assert.Len(t, status.Parts, 2)
}

func TestAggregate_UnhealthyWins(t *testing.T) {
	status := Aggregate("svc", []Status{
		Healthy("nats", ""),
		Degraded("validator", "slow"),
		Unhealthy("router", "backend down"),
	})
	assert.Equal(t, StateUnhealthy, status.State)
	assert.False(t, status.Healthy)
	assert.Contains(t, status.Message, "router")
}

func TestAggregate_DegradedWithoutUnhealthy(t *testing.T) {
	status := Aggregate("svc", []Status{
		Healthy("nats", ""),
		Degraded("validator", "slow"),
	})
	assert.Equal(t, StateDegraded, status.State)
}

func TestAggregate_Empty(t *testing.T) {
	assert.True(t, Aggregate("svc", nil).IsHealthy())
}

func TestMonitor_Overall(t *testing.T) {
	monitor := NewMonitor()
	monitor.SetHealthy("nats", "connected")
	monitor.SetHealthy("validator", "running")

	overall := monitor.Overall("svc")
	assert.True(t, overall.IsHealthy())

	monitor.SetUnhealthy("nats", "circuit open")
	overall = monitor.Overall("svc")
	assert.Equal(t, StateUnhealthy, overall.State)

	// Parts come back sorted by component name.
	require.Len(t, overall.Parts, 2)
	assert.Equal(t, "nats", overall.Parts[0].Component)
	assert.Equal(t, "validator", overall.Parts[1].Component)
}

func TestHandler_StatusCodes(t *testing.T) {
	monitor := NewMonitor()
	monitor.SetHealthy("nats", "connected")

	server := httptest.NewServer(Handler("svc", monitor))
	defer server.Close()

	res, err := http.Get(server.URL)
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	var status Status
	require.NoError(t, json.NewDecoder(res.Body).Decode(&status))
	assert.Equal(t, "svc", status.Component)

	monitor.SetUnhealthy("nats", "down")
	res2, err := http.Get(server.URL)
	require.NoError(t, err)
	defer res2.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, res2.StatusCode)
}

// Package health tracks the liveness of the pipeline's moving parts
// (backend connection, stage workers) and serves the aggregate over
// HTTP for deployment probes.
package health

import (
	"sort"
	"sync"
	"time"
)

// Health states.
const (
	StateHealthy   = "healthy"
	StateDegraded  = "degraded"
	StateUnhealthy = "unhealthy"
)

// Status is the health of one named part of the service.
type Status struct {
	Component string    `json:"component"`
	Healthy   bool      `json:"healthy"`
	State     string    `json:"state"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Parts     []Status  `json:"parts,omitempty"`
}

// IsHealthy reports whether the state is healthy
func (s Status) IsHealthy() bool { return s.State == StateHealthy }

// IsDegraded reports whether the state is degraded
func (s Status) IsDegraded() bool { return s.State == StateDegraded }

// Healthy builds a healthy status
func Healthy(component, message string) Status {
	return Status{
		Component: component,
		Healthy:   true,
		State:     StateHealthy,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}

// Unhealthy builds an unhealthy status
func Unhealthy(component, message string) Status {
	return Status{
		Component: component,
		State:     StateUnhealthy,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}

// Degraded builds a degraded status
func Degraded(component, message string) Status {
	return Status{
		Component: component,
		State:     StateDegraded,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}

// Aggregate folds part statuses into one: any unhealthy part makes the
// whole unhealthy, otherwise any degraded part makes it degraded.
func Aggregate(component string, parts []Status) Status {
	status := Healthy(component, "")
	status.Parts = parts

	for _, part := range parts {
		if part.State == StateUnhealthy {
			status.Healthy = false
			status.State = StateUnhealthy
			status.Message = part.Component + " is unhealthy"
			return status
		}
		if part.IsDegraded() {
			status.Healthy = false
			status.State = StateDegraded
			status.Message = part.Component + " is degraded"
		}
	}
	return status
}

// Monitor is a concurrency-safe registry of part statuses.
type Monitor struct {
	mu       sync.RWMutex
	statuses map[string]Status
}

// NewMonitor creates an empty monitor
func NewMonitor() *Monitor {
	return &Monitor{statuses: map[string]Status{}}
}

// Set records the status for a named part
func (m *Monitor) Set(status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[status.Component] = status
}

// SetHealthy records a healthy status for a named part
func (m *Monitor) SetHealthy(component, message string) {
	m.Set(Healthy(component, message))
}

// SetUnhealthy records an unhealthy status for a named part
func (m *Monitor) SetUnhealthy(component, message string) {
	m.Set(Unhealthy(component, message))
}

// Get returns the status for a named part
func (m *Monitor) Get(component string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status, ok := m.statuses[component]
	return status, ok
}

// Overall returns the aggregate of every tracked part, with parts in a
// stable order.
func (m *Monitor) Overall(service string) Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	parts := make([]Status, 0, len(m.statuses))
	for _, status := range m.statuses {
		parts = append(parts, status)
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].Component < parts[j].Component })
	return Aggregate(service, parts)
}

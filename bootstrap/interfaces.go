// Package bootstrap wires a nexus process together from its configuration
// and runs its services under a dependency-ordered lifecycle.
package bootstrap

import (
	"context"
	"fmt"
	"time"
)

// Service is one unit managed by the lifecycle: the router, the organ
// supervisors, the monitor endpoint or the config watcher.
type Service interface {
	// Start must return once the service is running. The context only
	// bounds startup.
	Start(ctx context.Context) error

	Stop(ctx context.Context) error

	Health(ctx context.Context) (HealthStatus, error)

	Name() string
}

// HealthStatus is a service's answer to a health probe.
type HealthStatus struct {
	State     HealthState    `json:"state"`
	Message   string         `json:"message,omitempty"`
	LastCheck time.Time      `json:"last_check,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// HealthState represents the health state of a service
type HealthState string

const (
	// HealthStarting indicates the service is waiting on its first start,
	// such as an organ whose spawn is still scheduled
	HealthStarting HealthState = "starting"

	// HealthHealthy indicates the service is fully operational
	HealthHealthy HealthState = "healthy"

	// HealthUnhealthy indicates a degraded service that may recover, such
	// as an organ waiting for resurrection
	HealthUnhealthy HealthState = "unhealthy"

	// HealthCritical indicates the service cannot do its job
	HealthCritical HealthState = "critical"

	HealthStopped HealthState = "stopped"
)

// LifecycleManager starts services in dependency order and stops them in
// reverse.
type LifecycleManager interface {
	// Register adds a service that starts after deps
	Register(name string, service Service, deps ...string) error

	Start(ctx context.Context) error

	Stop(ctx context.Context) error

	// Health probes every registered service
	Health(ctx context.Context) (map[string]HealthStatus, error)

	// Services returns the registered service names, sorted
	Services() []string

	// Events returns a buffered channel of lifecycle events. Events are
	// skipped when nobody drains it.
	Events() <-chan LifecycleEvent

	AddListener(listener func(LifecycleEvent))
}

// LifecycleEvent is published on every lifecycle transition.
type LifecycleEvent struct {
	Type      string         `json:"type"`
	Service   string         `json:"service,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Error     error          `json:"error,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// ApplicationError wraps a failure in building or running the application.
type ApplicationError struct {
	Operation string
	Service   string
	Err       error
}

func (e *ApplicationError) Error() string {
	if e.Service != "" {
		return fmt.Sprintf("%s failed for %s: %v", e.Operation, e.Service, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Operation, e.Err)
}

func (e *ApplicationError) Unwrap() error {
	return e.Err
}

// Package component defines the lifecycle contract shared by the long-running
// pieces of the federator: the message bus, the bridge, and the HTTP gateway.
//
// Components follow one pattern:
//   - Initialize() error                 // setup only, no context
//   - Start(ctx context.Context) error   // begin work, context passed through
//   - Stop(timeout time.Duration) error  // graceful shutdown with bound
//
// The component never stores the context it is started with; the owner keeps
// the cancel function and coordinates shutdown in reverse start order.
package component

import (
	"context"
	"time"
)

// State represents the current lifecycle state of a component
type State int

const (
	// StateCreated indicates the component was created but not initialized
	StateCreated State = iota
	// StateInitialized indicates the component was initialized but not started
	StateInitialized
	// StateStarted indicates the component is running
	StateStarted
	// StateStopped indicates the component was stopped
	StateStopped
	// StateFailed indicates the component failed during a lifecycle operation
	StateFailed
)

// String returns a string representation of the component state
func (cs State) String() string {
	switch cs {
	case StateCreated:
		return "created"
	case StateInitialized:
		return "initialized"
	case StateStarted:
		return "started"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Lifecycle is implemented by every long-running component
type Lifecycle interface {
	Name() string
	Initialize() error
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
	Health() HealthStatus
}

// HealthStatus reports a point-in-time view of component health
type HealthStatus struct {
	Healthy    bool          `json:"healthy"`
	LastCheck  time.Time     `json:"last_check"`
	ErrorCount int           `json:"error_count"`
	LastError  string        `json:"last_error,omitempty"`
	Uptime     time.Duration `json:"uptime"`
}

// Package mode defines the contract shared by every connection mode and the
// status holder each mode updates.
package mode

import (
	"context"
	"sync"

	"github.com/morezero/device-bridge/pkg/catalog"
	"github.com/morezero/device-bridge/pkg/dispatcher"
)

// Kind names a connection mode.
type Kind string

// Connection modes.
const (
	KindIPC   Kind = "ipc"
	KindLocal Kind = "local"
	KindRelay Kind = "relay"
)

// State is the lifecycle state of a mode.
type State string

// Lifecycle: Idle → Starting → Running → Stopping → Idle, with Error reachable from Starting or Running.
const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateError    State = "error"
	StateStopping State = "stopping"
)

// Status is the supervisor-visible view of one mode.
type Status struct {
	State            State  `json:"state"`
	Message          string `json:"message,omitempty"`
	ConnectedClients int    `json:"connectedClients"`
}

// Mode is one transport binding of the shared dispatch core.
type Mode interface {
	Kind() Kind
	Start(ctx context.Context) error
	Stop() error
	Status() Status
	Tools() []catalog.ToolInfo
}

// Tools resolves the catalog against the actions currently registered with d.
func Tools(d *dispatcher.Dispatcher, c *catalog.Catalog) []catalog.ToolInfo {
	if c == nil {
		c = catalog.Default()
	}
	if d == nil || d.Registry() == nil {
		return []catalog.ToolInfo{}
	}
	return c.Resolve(d.Registry().Actions())
}

// StatusHolder is the mutable status owned by one mode. Reads are safe from any goroutine.
type StatusHolder struct {
	mu     sync.RWMutex
	status Status
}

// NewStatusHolder starts in Idle.
func NewStatusHolder() *StatusHolder {
	return &StatusHolder{status: Status{State: StateIdle}}
}

// Get returns a copy of the current status.
func (h *StatusHolder) Get() Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

// State returns the current state.
func (h *StatusHolder) State() State {
	return h.Get().State
}

// Set replaces state and message, keeping the client count.
func (h *StatusHolder) Set(state State, message string) {
	h.mu.Lock()
	h.status.State = state
	h.status.Message = message
	if state == StateIdle {
		h.status.ConnectedClients = 0
	}
	h.mu.Unlock()
}

// Transition moves from one of the allowed states to next. It reports whether the move happened.
func (h *StatusHolder) Transition(next State, message string, from ...State) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range from {
		if h.status.State == s {
			h.status.State = next
			h.status.Message = message
			if next == StateIdle {
				h.status.ConnectedClients = 0
			}
			return true
		}
	}
	return false
}

// SetClients records the number of connected clients.
func (h *StatusHolder) SetClients(n int) {
	h.mu.Lock()
	h.status.ConnectedClients = n
	h.mu.Unlock()
}

// AddClients adjusts the connected client count by delta, never below zero.
func (h *StatusHolder) AddClients(delta int) {
	h.mu.Lock()
	h.status.ConnectedClients += delta
	if h.status.ConnectedClients < 0 {
		h.status.ConnectedClients = 0
	}
	h.mu.Unlock()
}

// Accepting reports whether results produced now should still be delivered.
func (h *StatusHolder) Accepting() bool {
	s := h.State()
	return s == StateRunning || s == StateStarting
}

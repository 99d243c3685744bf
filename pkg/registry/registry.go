// Package registry maps action names to the capability handlers that serve them.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/morezero/device-bridge/pkg/command"
)

const logPrefix = "registry:registry"

// Capability is a handler for one or more actions.
// Handle may block on device I/O; the caller never holds a lock while it runs.
type Capability interface {
	SupportedActions() []string
	Handle(ctx context.Context, cmd *command.Command) (*command.Result, error)
}

// HandlerFunc is the function form of a single-action handler.
type HandlerFunc func(ctx context.Context, cmd *command.Command) (*command.Result, error)

type funcCapability struct {
	actions []string
	fn      HandlerFunc
}

func (f *funcCapability) SupportedActions() []string { return f.actions }

func (f *funcCapability) Handle(ctx context.Context, cmd *command.Command) (*command.Result, error) {
	return f.fn(ctx, cmd)
}

// Func adapts fn into a Capability serving the given actions.
func Func(fn HandlerFunc, actions ...string) Capability {
	return &funcCapability{actions: actions, fn: fn}
}

// Registry is the action → handler table. It is built at startup and read concurrently
// by every connection mode.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Capability
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Capability)}
}

// NewRegistryWith creates a Registry and registers every capability in order.
func NewRegistryWith(caps ...Capability) *Registry {
	r := NewRegistry()
	for _, c := range caps {
		r.Register(c)
	}
	return r
}

// Register inserts every action the capability supports. When an action is already
// registered the new handler replaces it; the replaced action names are returned.
func (r *Registry) Register(c Capability) []string {
	if c == nil {
		return nil
	}
	var replaced []string

	r.mu.Lock()
	for _, action := range c.SupportedActions() {
		if action == "" {
			continue
		}
		if _, exists := r.handlers[action]; exists {
			replaced = append(replaced, action)
		}
		r.handlers[action] = c
	}
	r.mu.Unlock()

	for _, action := range replaced {
		slog.Warn(fmt.Sprintf("%s - action %q registered twice, last registration wins", logPrefix, action))
	}
	return replaced
}

// Lookup returns the handler for action.
func (r *Registry) Lookup(action string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.handlers[action]
	return c, ok
}

// Actions returns the registered action names in sorted order.
func (r *Registry) Actions() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.handlers))
	for action := range r.handlers {
		out = append(out, action)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Len returns the number of registered actions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

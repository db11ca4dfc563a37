// Package capability defines the named side-effecting operations the model
// may request (shell, file I/O, search, ...) and the registry that invokes
// them by name. Implementations are external collaborators.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/localdesk/localdesk/internal/logging"
)

// Result is the outcome of one capability execution.
type Result struct {
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Capability is one named side-effecting operation.
type Capability interface {
	Name() string
	Execute(ctx context.Context, args json.RawMessage) (*Result, error)
}

// Registry holds the registered capabilities.
type Registry struct {
	mu   sync.RWMutex
	caps map[string]Capability
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{caps: make(map[string]Capability)}
}

// Register adds a capability. A later registration with the same name
// replaces the earlier one.
func (r *Registry) Register(c Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caps[c.Name()] = c
}

// Get returns the named capability, if registered.
func (r *Registry) Get(name string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[name]
	return c, ok
}

// Names returns the registered capability names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.caps))
	for name := range r.caps {
		names = append(names, name)
	}
	return names
}

// Execute runs the named capability. Unknown names and panics inside an
// implementation come back as failed results, never as a crash: a broken
// tool must not take the session run down with it.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) (result *Result) {
	c, ok := r.Get(name)
	if !ok {
		return &Result{Success: false, Error: fmt.Sprintf("unknown capability: %s", name)}
	}

	defer func() {
		if rec := recover(); rec != nil {
			logging.Error().
				Str("capability", name).
				Interface("panic", rec).
				Msg("capability panicked")
			result = &Result{Success: false, Error: fmt.Sprintf("capability %s panicked: %v", name, rec)}
		}
	}()

	res, err := c.Execute(ctx, args)
	if err != nil {
		return &Result{Success: false, Error: err.Error()}
	}
	if res == nil {
		return &Result{Success: true}
	}
	return res
}

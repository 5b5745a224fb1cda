// Package agent dispatches decision prompts to the configured agent roles and
// classifies what comes back.
package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/lucasnoah/specfactory/internal/pipeline"
)

// Kind is the type of decision a request asks for. It selects the response schema.
type Kind string

const (
	KindStage   Kind = "stage"
	KindQuality Kind = "quality"
	KindArbiter Kind = "arbiter"
)

// Request is everything a role needs to answer one decision.
type Request struct {
	SpecID  string
	Step    pipeline.Step
	Attempt int
	Kind    Kind
	Prompt  string
}

// Role is one named participant. Invoke returns the role's raw answer.
type Role interface {
	Name() string
	Invoke(ctx context.Context, req Request) ([]byte, error)
}

// Registry resolves role names to implementations. It is filled once at startup.
type Registry struct {
	mu    sync.RWMutex
	roles map[string]Role
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{roles: make(map[string]Role)}
}

// Register adds a role. Names must be unique.
func (r *Registry) Register(role Role) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.roles[role.Name()]; ok {
		return fmt.Errorf("role %q already registered", role.Name())
	}
	r.roles[role.Name()] = role
	return nil
}

// Get returns the role registered under name.
func (r *Registry) Get(name string) (Role, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	role, ok := r.roles[name]
	if !ok {
		return nil, fmt.Errorf("role %q: %w", name, pipeline.ErrNotFound)
	}
	return role, nil
}

// Names returns the registered role names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.roles))
	for n := range r.roles {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

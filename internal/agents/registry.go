package agents

import (
	"fmt"
	"sync"

	"inkwright/internal/llm"
	"inkwright/internal/logging"
)

// Deps carries the shared dependencies injected into every capability.
type Deps struct {
	Client llm.Client
}

// Registry holds capability factories and resolves roles to instances.
// A role may declare a fallback used when the preferred capability is
// unregistered or disabled, so the engine can run degraded rather than
// halt.
type Registry struct {
	mu        sync.RWMutex
	deps      Deps
	factories map[Role]Factory
	instances map[Role]Capability
	fallbacks map[Role]Role
	disabled  map[Role]bool
}

// NewRegistry creates an empty registry.
func NewRegistry(deps Deps) *Registry {
	return &Registry{
		deps:      deps,
		factories: make(map[Role]Factory),
		instances: make(map[Role]Capability),
		fallbacks: make(map[Role]Role),
		disabled:  make(map[Role]bool),
	}
}

// RegisterFactory registers the factory for a role, replacing any
// previous registration.
func (r *Registry) RegisterFactory(role Role, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[role] = f
	delete(r.instances, role)
}

// SetFallback declares the degraded capability for a role.
func (r *Registry) SetFallback(role, fallback Role) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks[role] = fallback
}

// SetDisabled marks a role unavailable. Resolution falls through to
// the fallback chain.
func (r *Registry) SetDisabled(role Role, disabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disabled[role] = disabled
}

// Resolve returns the capability for a role, following the fallback
// chain when the preferred role is unregistered or disabled.
func (r *Registry) Resolve(role Role) (Capability, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[Role]bool)
	current := role
	for {
		if seen[current] {
			return nil, fmt.Errorf("fallback cycle resolving capability %s", role)
		}
		seen[current] = true

		if !r.disabled[current] {
			if inst, ok := r.instances[current]; ok {
				return inst, nil
			}
			if f, ok := r.factories[current]; ok {
				inst := f(r.deps)
				r.instances[current] = inst
				if current != role {
					logging.Agents("capability %s degraded to %s", role, current)
				}
				return inst, nil
			}
		}

		next, ok := r.fallbacks[current]
		if !ok {
			return nil, fmt.Errorf("no capability registered for %s", role)
		}
		current = next
	}
}

// RegisterDefaults installs the standard role set. The reviser falls
// back to the rewriter (a full redraft subsumes a targeted fix), the
// expander falls back to the drafter, and the finisher falls back to
// the reviser.
func RegisterDefaults(r *Registry) {
	r.RegisterFactory(RolePlanner, NewPlanner)
	r.RegisterFactory(RoleWorldbuilder, NewWorldbuilder)
	r.RegisterFactory(RoleDrafter, NewDrafter)
	r.RegisterFactory(RoleExpander, NewExpander)
	r.RegisterFactory(RoleReviewer, NewReviewer)
	r.RegisterFactory(RoleReviser, NewReviser)
	r.RegisterFactory(RoleRewriter, NewRewriter)
	r.RegisterFactory(RoleFinisher, NewFinisher)
	r.RegisterFactory(RoleArchivist, NewArchivist)

	r.SetFallback(RoleExpander, RoleDrafter)
	r.SetFallback(RoleReviser, RoleRewriter)
	r.SetFallback(RoleFinisher, RoleReviser)
}

// Package registry maps capability names to the agents that provide them and
// carries a topic-keyed event bus between those agents.
//
// The registry never invokes a handler itself: the coordinator looks one up
// with Get and calls it under its own deadline and retry policy.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNotFound is matched by errors.Is for every NotFoundError.
var ErrNotFound = errors.New("capability not found")

// NotFoundError reports a lookup for a capability nobody provides.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("capability %q not found", e.Name)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// Payload is the argument and result shape shared by handlers and events.
type Payload map[string]any

// Handler executes one capability.
type Handler func(ctx context.Context, in Payload) (Payload, error)

// Capability is a named unit of work an agent offers.
type Capability struct {
	Name        string
	Description string
	Handler     Handler
}

type provider struct {
	agentID string
	cap     Capability
}

// Registry holds capability registrations and event subscriptions.
type Registry struct {
	mu        sync.RWMutex
	providers map[string][]provider // capability name -> providers in registration order

	busMu  sync.Mutex
	subs   map[string][]*Subscription
	nextID uint64
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		providers: make(map[string][]provider),
		subs:      make(map[string][]*Subscription),
	}
}

// Register adds c under agentID. Registering the same (agent, name) pair again
// replaces the handler in place and keeps its position.
func (r *Registry) Register(agentID string, c Capability) error {
	if agentID == "" {
		return errors.New("register: agent id is required")
	}
	if c.Name == "" {
		return errors.New("register: capability name is required")
	}
	if c.Handler == nil {
		return fmt.Errorf("register %q: handler is nil", c.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.providers[c.Name]
	for i := range list {
		if list[i].agentID == agentID {
			list[i].cap = c
			return nil
		}
	}
	r.providers[c.Name] = append(list, provider{agentID: agentID, cap: c})
	return nil
}

// Unregister removes the (agent, name) pair. Unknown pairs are ignored.
func (r *Registry) Unregister(agentID, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.providers[name]
	for i := range list {
		if list[i].agentID != agentID {
			continue
		}
		list = append(list[:i:i], list[i+1:]...)
		if len(list) == 0 {
			delete(r.providers, name)
		} else {
			r.providers[name] = list
		}
		return
	}
}

// Get returns the handler of the first registered provider of name.
func (r *Registry) Get(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := r.providers[name]
	if len(list) == 0 {
		return nil, &NotFoundError{Name: name}
	}
	return list[0].cap.Handler, nil
}

// Providers lists the agents offering name, in registration order.
func (r *Registry) Providers(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := r.providers[name]
	out := make([]string, 0, len(list))
	for _, p := range list {
		out = append(out, p.agentID)
	}
	return out
}

// Capabilities lists what agentID provides, sorted by name.
func (r *Registry) Capabilities(agentID string) []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Capability
	for _, list := range r.providers {
		for _, p := range list {
			if p.agentID == agentID {
				out = append(out, p.cap)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Agents returns every agent id with at least one registration, sorted.
func (r *Registry) Agents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, list := range r.providers {
		for _, p := range list {
			seen[p.agentID] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

package plugin

import (
	"sort"
	"sync"

	"grimm.is/rime/internal/fault"
	"grimm.is/rime/internal/schema"
)

// Registry tracks live plugin sessions and routes interface types to their
// owners. The supervisor adds and removes sessions; the merge layer and the
// executor look plugins up here.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add registers a session. A second session under the same name is refused;
// the supervisor removes the dead one before the replacement registers.
func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.sessions[s.Name]; dup {
		return fault.ConfigurationConflict("plugin %q already has a live session", s.Name)
	}
	r.sessions[s.Name] = s
	return nil
}

// Remove drops a session by name and returns it, or nil if absent.
func (r *Registry) Remove(name string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sessions[name]
	delete(r.sessions, name)
	return s
}

// Get looks up a session by plugin name.
func (r *Registry) Get(name string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[name]
	return s, ok
}

// OwnerOf finds the session owning an interface type. With several claimants
// the lowest plugin name wins, so routing is stable across restarts.
func (r *Registry) OwnerOf(t schema.InterfaceType) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.sessions))
	for n := range r.sessions {
		names = append(names, n)
	}
	sort.Strings(names)

	for _, n := range names {
		if r.sessions[n].Owns(t) {
			return r.sessions[n], true
		}
	}
	return nil, false
}

// List returns all sessions ordered by plugin name.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

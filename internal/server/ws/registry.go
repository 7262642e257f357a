package ws

import "sync"

// Registry tracks live sessions and indexes authenticated ones by owner so
// settlement results reach every connection the owner has open.
type Registry struct {
	mu      sync.RWMutex
	owners  map[*session]string
	byOwner map[string]map[*session]struct{}
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		owners:  make(map[*session]string),
		byOwner: make(map[string]map[*session]struct{}),
	}
}

func (r *Registry) add(s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.owners[s] = ""
}

// bind indexes s under owner once it has authenticated. A session that
// authenticates again is moved off its previous owner.
func (r *Registry) bind(s *session, owner string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.owners[s]; ok && prev != "" && prev != owner {
		r.unindex(s, prev)
	}
	r.owners[s] = owner
	set, ok := r.byOwner[owner]
	if !ok {
		set = make(map[*session]struct{})
		r.byOwner[owner] = set
	}
	set[s] = struct{}{}
}

func (r *Registry) remove(s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if owner, ok := r.owners[s]; ok && owner != "" {
		r.unindex(s, owner)
	}
	delete(r.owners, s)
}

// unindex must be called with mu held.
func (r *Registry) unindex(s *session, owner string) {
	set, ok := r.byOwner[owner]
	if !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(r.byOwner, owner)
	}
}

func (r *Registry) sessionsFor(owner string) []*session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.byOwner[owner]
	out := make([]*session, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return out
}

func (r *Registry) snapshot() []*session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*session, 0, len(r.owners))
	for s := range r.owners {
		out = append(out, s)
	}
	return out
}

// Len returns the number of open sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.owners)
}

func (r *Registry) connected(owner string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byOwner[owner]) > 0
}

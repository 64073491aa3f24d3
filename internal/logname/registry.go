package logname

import "sync"

// Registry tracks which full name owns each significant prefix. The
// in-memory store uses it to apply the same collision rule the durable
// catalog enforces with a unique index.
type Registry struct {
	mu     sync.RWMutex
	owners map[string]string
}

func NewRegistry() *Registry {
	return &Registry{owners: make(map[string]string)}
}

// Claim registers name's prefix. It returns the owning name and whether
// the claim succeeded; a prefix already owned by a different name fails.
// Re-claiming the same name is a no-op.
func (r *Registry) Claim(name string) (string, bool) {
	prefix := SignificantPrefix(name)
	canonical := Canonicalize(name)

	r.mu.RLock()
	owner, ok := r.owners[prefix]
	r.mu.RUnlock()
	if ok {
		return owner, owner == canonical
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if owner, ok := r.owners[prefix]; ok {
		return owner, owner == canonical
	}
	r.owners[prefix] = canonical
	return canonical, true
}

// Owner returns the canonical name holding a prefix, if any.
func (r *Registry) Owner(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	owner, ok := r.owners[SignificantPrefix(name)]
	return owner, ok
}

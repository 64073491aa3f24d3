package relay

import (
	"sync"

	"tracerelay/internal/logname"
)

// Guard enforces at most one in-flight run per destination log within
// this process. Runs are keyed by the name's significant prefix, the
// same identity the store uses. Cross-process exclusion remains the
// caller's scheduling contract.
type Guard struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func NewGuard() *Guard {
	return &Guard{running: make(map[string]struct{})}
}

// TryAcquire claims the destination for a run. It never blocks; an
// overlapping run is skipped, not queued.
func (g *Guard) TryAcquire(name string) bool {
	k := logname.SignificantPrefix(name)
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.running[k]; busy {
		return false
	}
	g.running[k] = struct{}{}
	return true
}

func (g *Guard) Release(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.running, logname.SignificantPrefix(name))
}

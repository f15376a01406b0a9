package breaker

import (
	"sync"
	"time"

	"github.com/Naiiiiixiang/linkerd2-proxy/internal/policy"
)

// Registry lazily creates one breaker per backend reference.
type Registry struct {
	mutex    sync.RWMutex
	breakers map[policy.BackendRef]*Breaker

	threshold    int
	resetTimeout time.Duration
}

func NewRegistry(threshold int, resetTimeout time.Duration) *Registry {
	return &Registry{
		breakers:     make(map[policy.BackendRef]*Breaker),
		threshold:    threshold,
		resetTimeout: resetTimeout,
	}
}

func (r *Registry) Get(ref policy.BackendRef) *Breaker {
	r.mutex.RLock()
	b, exists := r.breakers[ref]
	r.mutex.RUnlock()

	if exists {
		return b
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	// Double-check: another goroutine may have created it
	if b, exists = r.breakers[ref]; exists {
		return b
	}

	b = New(r.threshold, r.resetTimeout)
	r.breakers[ref] = b
	return b
}

// Stats returns the current state of every known breaker.
func (r *Registry) Stats() map[policy.BackendRef]State {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	stats := make(map[policy.BackendRef]State, len(r.breakers))
	for ref, b := range r.breakers {
		stats[ref] = b.State()
	}
	return stats
}

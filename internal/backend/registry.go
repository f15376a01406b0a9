package backend

import (
	"sync"

	"github.com/Naiiiiixiang/linkerd2-proxy/internal/breaker"
	"github.com/Naiiiiixiang/linkerd2-proxy/internal/policy"
)

// Registry maps backend references to live endpoints and answers the
// distribution resolver's availability queries.
type Registry struct {
	mutex    sync.RWMutex
	backends map[policy.BackendRef]*Backend
	breakers *breaker.Registry
}

func NewRegistry(breakers *breaker.Registry) *Registry {
	return &Registry{
		backends: make(map[policy.BackendRef]*Backend),
		breakers: breakers,
	}
}

func (r *Registry) Add(ref policy.BackendRef, b *Backend) {
	r.mutex.Lock()
	r.backends[ref] = b
	r.mutex.Unlock()
}

func (r *Registry) Get(ref policy.BackendRef) *Backend {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.backends[ref]
}

// All returns the registered backends; used by health checking and the
// admin surface.
func (r *Registry) All() map[policy.BackendRef]*Backend {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	out := make(map[policy.BackendRef]*Backend, len(r.backends))
	for ref, b := range r.backends {
		out[ref] = b
	}
	return out
}

// Available reports whether ref has a usable endpoint right now: it must
// be registered, pass health checks, and its breaker must admit traffic.
// The answer is computed per query, never cached, since health changes
// between requests.
func (r *Registry) Available(ref policy.BackendRef) bool {
	b := r.Get(ref)
	if b == nil {
		return false
	}
	if !b.IsHealthy() {
		return false
	}
	return r.breakers.Get(ref).Allow()
}

// Report feeds the outcome of one proxied exchange into the breaker.
func (r *Registry) Report(ref policy.BackendRef, ok bool) {
	if ok {
		r.breakers.Get(ref).RecordSuccess()
	} else {
		r.breakers.Get(ref).RecordFailure()
	}
}

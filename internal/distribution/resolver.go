package distribution

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/Naiiiiixiang/linkerd2-proxy/internal/policy"
)

// ErrNoBackendAvailable reports that every candidate backend was
// unavailable. The caller decides whether to retry; the resolver never
// does.
var ErrNoBackendAvailable = errors.New("no backend available")

// Availability reports whether a backend currently has at least one usable
// endpoint.
type Availability func(ref policy.BackendRef) bool

// Resolver selects a backend from a rule's distribution.
type Resolver struct {
	mutex sync.Mutex
	rng   *rand.Rand
}

func NewResolver() *Resolver {
	return &Resolver{
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// newSeededResolver keeps weighted draws reproducible in tests.
func newSeededResolver(seed int64) *Resolver {
	return &Resolver{
		rng: rand.New(rand.NewSource(seed)),
	}
}

// Select picks one backend, querying available once per candidate.
func (r *Resolver) Select(dist policy.Distribution, available Availability) (policy.WeightedBackend, error) {
	switch d := dist.(type) {
	case policy.FirstAvailable:
		return selectFirst(d.Backends, available)
	case policy.RandomAvailable:
		return r.selectWeighted(d.Backends, available)
	default:
		return policy.WeightedBackend{}, fmt.Errorf("unknown distribution %T", dist)
	}
}

func selectFirst(backends []policy.WeightedBackend, available Availability) (policy.WeightedBackend, error) {
	for _, wb := range backends {
		if available(wb.Ref) {
			return wb, nil
		}
	}
	return policy.WeightedBackend{}, ErrNoBackendAvailable
}

func (r *Resolver) selectWeighted(backends []policy.WeightedBackend, available Availability) (policy.WeightedBackend, error) {
	pool := make([]policy.WeightedBackend, 0, len(backends))
	var total uint64
	for _, wb := range backends {
		if available(wb.Ref) {
			pool = append(pool, wb)
			total += uint64(wb.Weight)
		}
	}
	if len(pool) == 0 || total == 0 {
		return policy.WeightedBackend{}, ErrNoBackendAvailable
	}

	r.mutex.Lock()
	n := uint64(r.rng.Int63n(int64(total)))
	r.mutex.Unlock()

	for _, wb := range pool {
		if n < uint64(wb.Weight) {
			return wb, nil
		}
		n -= uint64(wb.Weight)
	}

	return pool[len(pool)-1], nil
}

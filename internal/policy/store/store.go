// Package store caches the policy watch cell for each destination address.
//
// Cells for idle destinations are evicted after a configurable period so
// the sidecar does not accumulate state for targets it no longer talks to.
// Routing tolerates an arbitrarily stale-or-fresh snapshot on every call;
// a destination that was evicted simply starts over from the default
// policy on its next connection.
package store

import (
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/Naiiiiixiang/linkerd2-proxy/internal/policy"
)

// Store holds one policy.Watch per destination address.
type Store struct {
	logger        *slog.Logger
	detectTimeout time.Duration

	mu    sync.Mutex
	cells *expirable.LRU[string, *policy.Watch]
}

// New creates a store with at most size destinations, each evicted after
// idle without a Get or Put. detectTimeout bounds protocol detection for
// policies the store seeds itself; zero means the built-in default.
func New(size int, idle, detectTimeout time.Duration, logger *slog.Logger) *Store {
	if detectTimeout <= 0 {
		detectTimeout = policy.DefaultDetectTimeout
	}
	s := &Store{logger: logger, detectTimeout: detectTimeout}
	s.cells = expirable.NewLRU(size, func(dst string, _ *policy.Watch) {
		logger.Info("Evicted idle policy", slog.String("destination", dst))
	}, idle)
	return s
}

// Get returns the watch cell for dst, creating one seeded with the default
// policy if the destination is unknown. Looking a destination up refreshes
// its eviction deadline.
func (s *Store) Get(dst string) *policy.Watch {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w, ok := s.cells.Get(dst); ok {
		s.cells.Add(dst, w)
		return w
	}

	w := policy.NewWatch(policy.DefaultWithTimeout(policy.BackendRef(dst), s.detectTimeout))
	s.cells.Add(dst, w)
	return w
}

// Put validates p and publishes it as the latest snapshot for dst. A
// malformed document leaves the current snapshot in place.
func (s *Store) Put(dst string, p policy.ClientPolicy) error {
	if err := p.Validate(); err != nil {
		s.logger.Warn("Rejected policy update",
			slog.String("destination", dst),
			slog.String("error", err.Error()))
		return err
	}

	s.mu.Lock()
	w, ok := s.cells.Get(dst)
	if !ok {
		w = policy.NewWatch(p)
		s.cells.Add(dst, w)
		s.mu.Unlock()
		return nil
	}
	s.cells.Add(dst, w)
	s.mu.Unlock()

	w.Replace(p)
	return nil
}

// Len reports how many destinations currently have a cached cell.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cells.Len()
}

package policy

import (
	"context"
	"sync"
)

// Watch is a single-slot, multi-reader cell holding the latest ClientPolicy
// for one destination. Writers replace the value; readers always observe
// the most recently published snapshot and never a queue of history.
//
// Readers that want to react to updates block on Changed with the version
// they last saw. Replacing the value never blocks on readers.
type Watch struct {
	mu      sync.Mutex
	value   ClientPolicy
	version uint64
	changed chan struct{}
}

// NewWatch creates a cell holding initial at version 1.
func NewWatch(initial ClientPolicy) *Watch {
	return &Watch{
		value:   initial,
		version: 1,
		changed: make(chan struct{}),
	}
}

// Current returns the latest snapshot and its version. It never blocks.
func (w *Watch) Current() (ClientPolicy, uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.value, w.version
}

// Replace atomically publishes a new snapshot and wakes all pending Changed
// calls. There is no partial-update or merge semantics.
func (w *Watch) Replace(p ClientPolicy) {
	w.mu.Lock()
	w.value = p
	w.version++
	close(w.changed)
	w.changed = make(chan struct{})
	w.mu.Unlock()
}

// Changed blocks until the cell's version exceeds since, or ctx is done.
// A reader that passes a stale version returns immediately.
func (w *Watch) Changed(ctx context.Context, since uint64) error {
	for {
		w.mu.Lock()
		if w.version > since {
			w.mu.Unlock()
			return nil
		}
		ch := w.changed
		w.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

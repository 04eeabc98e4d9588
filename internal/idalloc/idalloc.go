// Package idalloc mints fresh per-hop integer request ids and remembers
// how to map a response back to the id the originating peer used.
package idalloc

import (
	"encoding/json"
	"sync"
)

// Allocator hands out a monotonically increasing integer id for every
// outbound request sent to one peer, and remembers the original id
// (exact JSON bytes, so its string/number type is preserved) until the
// matching response resolves it.
//
// Grounded on the teacher's mcpbridge.IDMapper: one allocator instance
// per peer, used for requests sent to that peer in either direction, never
// shared across peers.
type Allocator struct {
	mu    sync.Mutex
	next  int64
	store map[int64]json.RawMessage
}

// New constructs an empty Allocator.
func New() *Allocator {
	return &Allocator{store: make(map[int64]json.RawMessage)}
}

// Alloc mints a fresh id for originalID and records the mapping.
func (a *Allocator) Alloc(originalID json.RawMessage) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.next++
	id := a.next
	cp := make(json.RawMessage, len(originalID))
	copy(cp, originalID)
	a.store[id] = cp
	return id
}

// Resolve returns the original id for a minted id and removes the
// mapping. ok is false if id is unknown (already resolved, or never
// allocated) — callers treat that as a routing error.
func (a *Allocator) Resolve(id int64) (json.RawMessage, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	orig, ok := a.store[id]
	if ok {
		delete(a.store, id)
	}
	return orig, ok
}

// Pending reports how many ids are currently unresolved. Used by tests
// to assert the pending-request table is empty at quiescence.
func (a *Allocator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.store)
}

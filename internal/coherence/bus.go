// Package coherence implements the MESI coherence bus that coordinates the
// L1 caches of every core. The bus holds non-owning handles to each L1 (the
// hierarchy is the sole owner of both); its three broadcast operations run
// under a single global mutex so sibling caches observe a consistent
// ordering of transitions. A requester's own local MESI transition is
// applied by the cache itself under its own mutex, not by the bus.
package coherence

import (
	"sync"

	"github.com/archlab/cachesim/internal/cacheline"
)

// l1 is the subset of *cache.Cache the bus needs. Declared as an interface
// (rather than importing package cache) purely to keep the dependency
// direction from cache -> coherence one-way at the interface level, while
// still letting the bus operate on concrete *cache.Cache values registered
// via Register.
type l1 interface {
	MesiState(addr uint32) (cacheline.MESI, bool)
	SetMesiState(addr uint32, state cacheline.MESI)
	Invalidate(addr uint32)
	FlushAndInvalidateLine(addr uint32) error
}

// Bus broadcasts MESI transitions across the sibling L1 caches registered
// with it, under a global lock.
type Bus struct {
	mu  sync.Mutex
	l1s []l1
}

// New creates an empty bus. Call Register for each L1 cache before serving
// any requests.
func New() *Bus {
	return &Bus{}
}

// Register attaches an L1 cache to the bus. It is not safe to call
// concurrently with the three coherence operations; registration happens
// once, at hierarchy-construction time.
func (b *Bus) Register(c l1) {
	b.l1s = append(b.l1s, c)
}

func (b *Bus) others(requester any) []l1 {
	out := make([]l1, 0, len(b.l1s))
	for _, c := range b.l1s {
		if any(c) != requester {
			out = append(out, c)
		}
	}
	return out
}

// InvalidateOthers sets every other L1's line for addr to Invalid if it
// currently holds it in Shared or Modified.
func (b *Bus) InvalidateOthers(addr uint32, requester any) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, c := range b.others(requester) {
		if state, ok := c.MesiState(addr); ok && (state == cacheline.Shared || state == cacheline.Modified) {
			c.Invalidate(addr)
		}
	}
}

// DowngradeModifiedToShared sets every other L1's line for addr to Shared if
// it currently holds it Modified. It does not force a writeback: a dirty
// writeback, if one is owed, happens on that line's actual eviction.
func (b *Bus) DowngradeModifiedToShared(addr uint32, requester any) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, c := range b.others(requester) {
		if state, ok := c.MesiState(addr); ok && state == cacheline.Modified {
			c.SetMesiState(addr, cacheline.Shared)
		}
	}
}

// WriteBackBeforeInvalidation flushes (writes back all dirty lines of) and
// then invalidates the line for addr in every other L1 that currently holds
// it Modified.
func (b *Bus) WriteBackBeforeInvalidation(addr uint32, requester any) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, c := range b.others(requester) {
		if state, ok := c.MesiState(addr); ok && state == cacheline.Modified {
			// Errors here would only originate from memory bounds/alignment
			// problems on a block address this cache itself computed, which
			// cannot happen for an address that was valid enough to reach
			// Modified state; ignoring matches the bus's fire-and-forget
			// broadcast contract.
			_ = c.FlushAndInvalidateLine(addr)
		}
	}
}

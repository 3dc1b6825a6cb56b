// Package hierarchy wires together the per-core L1 caches, the shared L2
// and L3 caches, the coherence bus, and main memory, and drives a trace of
// requests across one goroutine per core.
package hierarchy

import (
	"sync"

	"github.com/archlab/cachesim/internal/cache"
	"github.com/archlab/cachesim/internal/coherence"
	"github.com/archlab/cachesim/internal/memory"
	"github.com/archlab/cachesim/internal/simerr"
)

// LevelConfig describes the geometry and policies shared by every cache at
// one level of the hierarchy (all L1s are built identically, likewise all
// L2s and all L3s).
type LevelConfig struct {
	SizeBytes     int
	Associativity int
	BlockSize     int
	Replacement   cache.Replacement
	Write         cache.Write
}

// Config describes an entire hierarchy: core count and the three cache
// levels' geometries. MemorySize is the number of bytes available starting
// at memory.Base.
type Config struct {
	Cores      int
	L1         LevelConfig
	L2         LevelConfig
	L3         LevelConfig
	MemorySize uint32
}

// OpKind identifies whether a Request is a load or a store.
type OpKind int

const (
	OpRead OpKind = iota
	OpWrite
)

// Request is one trace entry, addressed to a specific core.
type Request struct {
	Core  int
	Op    OpKind
	Addr  uint32
	Value int32
}

// Stats is the hierarchy-wide aggregate of every cache instance's counters,
// the shape reported at the end of a run.
type Stats struct {
	TotalOps uint64
	Reads    uint64
	Writes   uint64

	L1Hits   uint64
	L1Misses uint64
	L2Hits   uint64
	L2Misses uint64
	L3Hits   uint64
	L3Misses uint64

	Evictions      uint64
	DirtyEvictions uint64
	MemoryAccesses uint64
}

// Hierarchy owns every cache, the coherence bus, and memory for one
// simulation run. No cache outlives the Memory it references or the bus it
// registered with: both live exactly as long as the Hierarchy does.
type Hierarchy struct {
	cfg Config

	memory *memory.Memory
	bus    *coherence.Bus

	l1s []*cache.Cache
	l2s []*cache.Cache
	l3s []*cache.Cache
}

// New validates cfg and constructs the full hierarchy: N L1s, ceil(N/2)
// L2s, ceil(N/4) L3s, wired L1[k] -> L2[k/2] -> L3[(k/2)/2] -> memory, with
// every L1 registered on a shared coherence bus.
func New(cfg Config) (*Hierarchy, error) {
	if cfg.Cores < 1 || cfg.Cores > 16 {
		return nil, simerr.Wrap(simerr.ErrConfig, "core count %d must be in [1,16]", cfg.Cores)
	}
	if cfg.Cores > 1 && cfg.Cores%2 != 0 {
		return nil, simerr.Wrap(simerr.ErrConfig, "core count %d must be 1 or even", cfg.Cores)
	}

	h := &Hierarchy{
		cfg:    cfg,
		memory: memory.New(cfg.MemorySize),
		bus:    coherence.New(),
	}

	numL2 := ceilDiv(cfg.Cores, 2)
	numL3 := ceilDiv(numL2, 2)

	l3s := make([]*cache.Cache, numL3)
	for i := range l3s {
		c, err := cache.New(cache.Config{
			SizeBytes:     cfg.L3.SizeBytes,
			Associativity: cfg.L3.Associativity,
			BlockSize:     cfg.L3.BlockSize,
			Replacement:   cfg.L3.Replacement,
			Write:         cfg.L3.Write,
			Level:         cache.L3,
			Memory:        h.memory,
		})
		if err != nil {
			return nil, err
		}
		l3s[i] = c
	}

	l2s := make([]*cache.Cache, numL2)
	for i := range l2s {
		if i/2 >= numL3 {
			return nil, simerr.Wrap(simerr.ErrInternalInvariant, "L2 index %d has no backing L3 (have %d)", i, numL3)
		}
		c, err := cache.New(cache.Config{
			SizeBytes:     cfg.L2.SizeBytes,
			Associativity: cfg.L2.Associativity,
			BlockSize:     cfg.L2.BlockSize,
			Replacement:   cfg.L2.Replacement,
			Write:         cfg.L2.Write,
			Level:         cache.L2,
			NextLevel:     l3s[i/2],
			Memory:        h.memory,
		})
		if err != nil {
			return nil, err
		}
		l2s[i] = c
	}

	l1s := make([]*cache.Cache, cfg.Cores)
	for i := range l1s {
		if i/2 >= numL2 {
			return nil, simerr.Wrap(simerr.ErrInternalInvariant, "L1 index %d has no backing L2 (have %d)", i, numL2)
		}
		c, err := cache.New(cache.Config{
			SizeBytes:     cfg.L1.SizeBytes,
			Associativity: cfg.L1.Associativity,
			BlockSize:     cfg.L1.BlockSize,
			Replacement:   cfg.L1.Replacement,
			Write:         cfg.L1.Write,
			Level:         cache.L1,
			NextLevel:     l2s[i/2],
			Memory:        h.memory,
			Bus:           h.bus,
		})
		if err != nil {
			return nil, err
		}
		l1s[i] = c
		h.bus.Register(c)
	}

	h.l1s, h.l2s, h.l3s = l1s, l2s, l3s
	return h, nil
}

func ceilDiv(a, b int) int {
	if a == 0 {
		return 1
	}
	return (a + b - 1) / b
}

// Memory exposes the backing memory, mainly for tests that want to assert
// on its contents directly (e.g. the write-back/write-through scenarios).
func (h *Hierarchy) Memory() *memory.Memory {
	return h.memory
}

// Dispatch routes req to the owning core's L1, per the data-flow described
// in the distilled spec: a hit is serviced there; a read miss forwards
// through L2, L3 and memory before allocating into L1; a write miss
// allocates into L1 and fetches the block from memory without a prior
// forward (a write-through write is forwarded afterwards).
func (h *Hierarchy) Dispatch(req Request) error {
	if req.Core < 0 || req.Core >= len(h.l1s) {
		return simerr.Wrap(simerr.ErrInternalInvariant, "request addressed to core %d, have %d cores", req.Core, len(h.l1s))
	}

	l1 := h.l1s[req.Core]
	switch req.Op {
	case OpRead:
		_, err := l1.Read(req.Addr)
		return err
	case OpWrite:
		return l1.Write(req.Addr, req.Value)
	default:
		return simerr.Wrap(simerr.ErrInternalInvariant, "unknown op kind %d", req.Op)
	}
}

// Run drives requests to completion: one goroutine per core consumes a
// shared, buffered channel fed in trace order (first-come-first-served
// across cores), then the hierarchy is flushed L1 -> L2 -> L3 top-down on
// the calling goroutine before returning. The first error encountered by
// any core is returned; all cores still drain their remaining requests so
// counters stay consistent with a full pass, matching the "never retried"
// failure model for invariant violations.
func (h *Hierarchy) Run(requests []Request) error {
	queue := make(chan Request, len(requests))
	for _, r := range requests {
		queue <- r
	}
	close(queue)

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)

	for core := 0; core < len(h.l1s); core++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for req := range queue {
				if err := h.Dispatch(req); err != nil {
					errOnce.Do(func() { firstErr = err })
				}
			}
		}()
	}
	wg.Wait()

	if err := h.FlushAll(); err != nil && firstErr == nil {
		firstErr = err
	}

	return firstErr
}

// FlushAll writes back every dirty line in every cache, top-down: all L1s,
// then all L2s, then all L3s. It is synchronous and must complete for every
// cache before returning.
func (h *Hierarchy) FlushAll() error {
	for _, c := range h.l1s {
		if err := c.Flush(); err != nil {
			return err
		}
	}
	for _, c := range h.l2s {
		if err := c.Flush(); err != nil {
			return err
		}
	}
	for _, c := range h.l3s {
		if err := c.Flush(); err != nil {
			return err
		}
	}
	return nil
}

// Stats aggregates the counters of every cache instance at each level.
func (h *Hierarchy) Stats() Stats {
	var s Stats

	for _, c := range h.l1s {
		st := c.Stats()
		s.TotalOps += st.TotalOps
		s.Reads += st.Reads
		s.Writes += st.Writes
		s.L1Hits += st.Hits
		s.L1Misses += st.Misses
		s.Evictions += st.Evictions
		s.DirtyEvictions += st.DirtyEvictions
		s.MemoryAccesses += st.MemoryAccesses
	}
	for _, c := range h.l2s {
		st := c.Stats()
		s.L2Hits += st.Hits
		s.L2Misses += st.Misses
		s.Evictions += st.Evictions
		s.DirtyEvictions += st.DirtyEvictions
		s.MemoryAccesses += st.MemoryAccesses
	}
	for _, c := range h.l3s {
		st := c.Stats()
		s.L3Hits += st.Hits
		s.L3Misses += st.Misses
		s.Evictions += st.Evictions
		s.DirtyEvictions += st.DirtyEvictions
		s.MemoryAccesses += st.MemoryAccesses
	}

	return s
}

// L1Cache returns the L1 cache owned by core, mainly for tests that need to
// probe cache state directly (e.g. asserting a line was or wasn't evicted).
func (h *Hierarchy) L1Cache(core int) *cache.Cache {
	return h.l1s[core]
}

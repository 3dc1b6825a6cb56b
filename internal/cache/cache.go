package cache

import (
	"sync"

	"github.com/archlab/cachesim/internal/cacheline"
	"github.com/archlab/cachesim/internal/memory"
	"github.com/archlab/cachesim/internal/simerr"
)

// Stats holds the counters reported for one cache level. TotalOps, Reads and
// Writes are only meaningful (non-zero) at L1, per the distilled spec:
// L2/L3 never see a request directly from a core, only a forwarded miss.
type Stats struct {
	TotalOps       uint64
	Reads          uint64
	Writes         uint64
	Hits           uint64
	Misses         uint64
	Evictions      uint64 // allocation attempts, not true evictions; see allocate()
	DirtyEvictions uint64
	MemoryAccesses uint64
}

// Cache is one level of the set-associative hierarchy.
type Cache struct {
	config  Config
	derived derived

	mu          sync.Mutex
	sets        [][]*cacheline.Line
	fifoPointer []int
	stats       Stats
}

// New constructs a Cache from cfg, validating its geometry.
func New(cfg Config) (*Cache, error) {
	if cfg.BlockSize == 0 {
		cfg.BlockSize = DefaultBlockSize
	}
	d, err := validate(cfg)
	if err != nil {
		return nil, err
	}

	c := &Cache{
		config:      cfg,
		derived:     d,
		sets:        make([][]*cacheline.Line, d.numSets),
		fifoPointer: make([]int, d.numSets),
	}
	for s := range c.sets {
		lines := make([]*cacheline.Line, d.numLines)
		for i := range lines {
			lines[i] = cacheline.New(d.blockWords)
		}
		c.sets[s] = lines
	}
	return c, nil
}

// Stats returns a snapshot of this level's counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Read services a read request for addr, returning the word at that
// address. It fails with simerr.ErrUnaligned if addr is not word-aligned.
func (c *Cache) Read(addr uint32) (int32, error) {
	if addr%memory.WordSize != 0 {
		return 0, simerr.Wrap(simerr.ErrUnaligned, "read address 0x%X", addr)
	}

	c.mu.Lock()

	if c.config.Level == L1 {
		c.stats.TotalOps++
		c.stats.Reads++
	}

	dec := c.derived.decode(addr)
	if line := c.find(dec); line != nil {
		c.stats.Hits++
		word := line.Data[dec.offset/memory.WordSize]
		bus := c.config.Bus
		c.mu.Unlock()

		if bus != nil {
			// The bus takes a global lock and calls back into sibling
			// caches' own mutexes; holding c.mu across that call would let
			// two cores lock their own cache then block on each other's in
			// opposite order. Release first, apply the local transition
			// after re-acquiring.
			bus.DowngradeModifiedToShared(addr, c)
			c.mu.Lock()
			c.setMesiStateLocked(addr, cacheline.Shared)
			c.mu.Unlock()
		}

		return word, nil
	}

	c.stats.Misses++

	// The read is propagated down the hierarchy first (recording hits,
	// misses and memory traffic at every level it touches), independently
	// of the direct block fetch below. See the distilled spec's note on
	// read-miss forwarding: both effects are preserved for trace fidelity.
	// A read miss never consults the bus, so c.mu stays held for the rest
	// of this path.
	if _, err := c.forward(addr, false, 0); err != nil {
		c.mu.Unlock()
		return 0, err
	}

	line, err := c.allocate(dec.index, dec.tag)
	if err != nil {
		c.mu.Unlock()
		return 0, err
	}

	blockBase := c.derived.blockAddr(dec.tag, dec.index)
	for i := 0; i < c.derived.blockWords; i++ {
		word, err := c.config.Memory.Read(blockBase + uint32(i*memory.WordSize))
		if err != nil {
			c.mu.Unlock()
			return 0, err
		}
		line.Data[i] = word
		c.stats.MemoryAccesses++
	}

	if c.config.Bus != nil {
		line.MESI = cacheline.Exclusive
	}

	word := line.Data[dec.offset/memory.WordSize]
	c.mu.Unlock()
	return word, nil
}

// Write services a write request for addr, storing word. It fails with
// simerr.ErrUnaligned if addr is not word-aligned.
func (c *Cache) Write(addr uint32, word int32) error {
	if addr%memory.WordSize != 0 {
		return simerr.Wrap(simerr.ErrUnaligned, "write address 0x%X", addr)
	}

	c.mu.Lock()

	if c.config.Level == L1 {
		c.stats.TotalOps++
		c.stats.Writes++
	}

	dec := c.derived.decode(addr)

	if line := c.find(dec); line != nil {
		c.stats.Hits++
		line.Data[dec.offset/memory.WordSize] = word
		bus := c.config.Bus
		writePolicy := c.config.Write
		c.mu.Unlock()

		if bus != nil {
			// See Read: never call the bus while holding c.mu, and
			// re-locate the line by address once reacquired rather than
			// reusing the pointer captured above.
			bus.WriteBackBeforeInvalidation(addr, c)
			bus.InvalidateOthers(addr, c)
			c.mu.Lock()
			c.setMesiStateLocked(addr, cacheline.Modified)
			c.mu.Unlock()
		}

		if writePolicy == WriteBack {
			c.mu.Lock()
			c.setDirtyLocked(addr, true)
			c.mu.Unlock()
			return nil
		}

		if err := c.config.Memory.Write(addr, word); err != nil {
			return err
		}
		c.mu.Lock()
		c.stats.MemoryAccesses++
		_, err := c.forward(addr, true, word)
		c.mu.Unlock()
		return err
	}

	c.stats.Misses++

	line, err := c.allocate(dec.index, dec.tag)
	if err != nil {
		c.mu.Unlock()
		return err
	}

	blockBase := c.derived.blockAddr(dec.tag, dec.index)
	for i := 0; i < c.derived.blockWords; i++ {
		w, err := c.config.Memory.Read(blockBase + uint32(i*memory.WordSize))
		if err != nil {
			c.mu.Unlock()
			return err
		}
		line.Data[i] = w
		c.stats.MemoryAccesses++
	}

	line.Data[dec.offset/memory.WordSize] = word

	bus := c.config.Bus
	writePolicy := c.config.Write
	c.mu.Unlock()

	if bus != nil {
		bus.InvalidateOthers(addr, c)
		c.mu.Lock()
		c.setMesiStateLocked(addr, cacheline.Modified)
		c.mu.Unlock()
	}

	if writePolicy == WriteBack {
		c.mu.Lock()
		c.setDirtyLocked(addr, true)
		c.mu.Unlock()
		return nil
	}

	if err := c.config.Memory.Write(addr, word); err != nil {
		return err
	}
	c.mu.Lock()
	c.stats.MemoryAccesses++
	_, err = c.forward(addr, true, word)
	c.mu.Unlock()
	return err
}

// find scans the set named by dec for a valid tag match, applying the
// active replacement policy's access bookkeeping. It has no side effects on
// valid or coherence state. Callers must hold c.mu.
func (c *Cache) find(dec decoded) *cacheline.Line {
	set := c.sets[dec.index]
	for _, line := range set {
		if line.Matches(dec.tag) {
			switch c.config.Replacement {
			case LRU:
				c.touchLRU(set, line, 0)
			case LFU:
				line.LFUCount++
			}
			return line
		}
	}
	return nil
}

// touchLRU resets line's age to sentinel and ages every other valid line in
// set by one, per the LRU-update policy (§4.10).
func (c *Cache) touchLRU(set []*cacheline.Line, touched *cacheline.Line, sentinel int) {
	for _, line := range set {
		if line == touched {
			line.LRUAge = sentinel
			continue
		}
		if line.Valid {
			line.LRUAge++
		}
	}
}

// allocate finds or frees a slot in the set at index to hold tag, claiming
// it with the fields a freshly allocated line always carries. Callers must
// hold c.mu.
func (c *Cache) allocate(index int, tag uint32) (*cacheline.Line, error) {
	// Counts allocation attempts, not true evictions: preserved verbatim
	// per the distilled spec's documented ambiguity.
	c.stats.Evictions++

	set := c.sets[index]

	var victim *cacheline.Line
	for _, line := range set {
		if !line.Valid {
			victim = line
			break
		}
	}

	if victim == nil {
		v, err := c.evict(index)
		if err != nil {
			return nil, err
		}
		victim = v
	}

	const allocLRUSentinel = 1 // a freshly allocated line is "just slightly touched", not "just accessed"
	victim.Claim(tag, allocLRUSentinel)
	if c.config.Replacement == LRU {
		c.touchLRU(set, victim, allocLRUSentinel)
	}

	return victim, nil
}

// evict selects a victim line in the set at index per the active
// replacement policy, writing it back if it is valid, dirty, and this cache
// is write-back, then frees it. Callers must hold c.mu.
func (c *Cache) evict(index int) (*cacheline.Line, error) {
	set := c.sets[index]

	var victim *cacheline.Line
	switch c.config.Replacement {
	case FIFO:
		slot := c.fifoPointer[index]
		victim = set[slot]
		c.fifoPointer[index] = (slot + 1) % len(set)

	case LRU:
		for _, line := range set {
			if !line.Valid {
				victim = line
				break
			}
			if victim == nil || line.LRUAge > victim.LRUAge {
				victim = line
			}
		}

	case LFU:
		for _, line := range set {
			if !line.Valid {
				victim = line
				break
			}
			if victim == nil || line.LFUCount < victim.LFUCount {
				victim = line
			}
		}
	}

	if victim == nil {
		return nil, simerr.Wrap(simerr.ErrInternalInvariant, "evict found no candidate in set %d", index)
	}

	if victim.Valid && victim.Dirty && c.config.Write == WriteBack {
		c.stats.DirtyEvictions++
		blockBase := c.derived.blockAddr(victim.Tag, index)
		if err := c.writeBack(blockBase, victim); err != nil {
			return nil, err
		}
		victim.Dirty = false
	}

	victim.Reset()
	return victim, nil
}

// writeBack flushes all blockWords of line to memory starting at blockBase,
// counting one memory access per word. Callers must hold c.mu.
func (c *Cache) writeBack(blockBase uint32, line *cacheline.Line) error {
	for i := 0; i < c.derived.blockWords; i++ {
		if err := c.config.Memory.Write(blockBase+uint32(i*memory.WordSize), line.Data[i]); err != nil {
			return err
		}
		c.stats.MemoryAccesses++
	}
	return nil
}

// forward propagates a miss to the next level of the hierarchy, or to
// memory directly when this is the last cache before it. Callers must hold
// c.mu.
func (c *Cache) forward(addr uint32, isWrite bool, value int32) (int32, error) {
	if c.config.NextLevel != nil {
		if isWrite {
			return 0, c.config.NextLevel.Write(addr, value)
		}
		return c.config.NextLevel.Read(addr)
	}

	c.stats.MemoryAccesses++
	if isWrite {
		return 0, c.config.Memory.Write(addr, value)
	}
	return c.config.Memory.Read(addr)
}

// Flush writes back every valid, dirty line in every set, clearing their
// dirty bits. It is idempotent: a second call writes nothing further.
func (c *Cache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushLocked()
}

func (c *Cache) flushLocked() error {
	for index, set := range c.sets {
		for _, line := range set {
			if line.Valid && line.Dirty {
				blockBase := c.derived.blockAddr(line.Tag, index)
				if err := c.writeBack(blockBase, line); err != nil {
					return err
				}
				line.Dirty = false
			}
		}
	}
	return nil
}

// --- coherence bus callbacks -------------------------------------------------
//
// The exported methods below are invoked by a coherence.Bus acting on behalf
// of a sibling L1's request; this cache's own Read/Write never call them.
// Each acquires c.mu independently since the bus iterates sibling caches one
// at a time while holding only its own global lock. The unexported
// *Locked helpers are the exception: Read/Write call them with c.mu held.

// MesiState returns the coherence state of the valid line for addr, if any.
func (c *Cache) MesiState(addr uint32) (cacheline.MESI, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	dec := c.derived.decode(addr)
	for _, line := range c.sets[dec.index] {
		if line.Matches(dec.tag) {
			return line.MESI, true
		}
	}
	return cacheline.Invalid, false
}

// SetMesiState transitions the valid line for addr to state, if one exists.
func (c *Cache) SetMesiState(addr uint32, state cacheline.MESI) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setMesiStateLocked(addr, state)
}

// setMesiStateLocked is SetMesiState's body, reused by Read/Write to apply a
// local transition after a bus call made with c.mu released. Callers must
// hold c.mu. A miss here (the line absent or since replaced) is not an
// error: a sibling's own broadcast may have invalidated it in the window
// this cache held no lock at all.
func (c *Cache) setMesiStateLocked(addr uint32, state cacheline.MESI) {
	dec := c.derived.decode(addr)
	for _, line := range c.sets[dec.index] {
		if line.Matches(dec.tag) {
			line.MESI = state
			return
		}
	}
}

// setDirtyLocked marks the valid line for addr dirty, if one is still
// present. Callers must hold c.mu; see setMesiStateLocked for why a miss is
// tolerated.
func (c *Cache) setDirtyLocked(addr uint32, dirty bool) {
	dec := c.derived.decode(addr)
	for _, line := range c.sets[dec.index] {
		if line.Matches(dec.tag) {
			line.Dirty = dirty
			return
		}
	}
}

// Invalidate frees the valid line for addr, if one exists, without writing
// it back.
func (c *Cache) Invalidate(addr uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	dec := c.derived.decode(addr)
	for _, line := range c.sets[dec.index] {
		if line.Matches(dec.tag) {
			line.MESI = cacheline.Invalid
			line.Reset()
			return
		}
	}
}

// FlushAndInvalidateLine writes back every dirty line in this cache (as
// Flush does) and then invalidates the line for addr specifically.
func (c *Cache) FlushAndInvalidateLine(addr uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.flushLocked(); err != nil {
		return err
	}

	dec := c.derived.decode(addr)
	for _, line := range c.sets[dec.index] {
		if line.Matches(dec.tag) {
			line.MESI = cacheline.Invalid
			line.Reset()
			return nil
		}
	}
	return nil
}

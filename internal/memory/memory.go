// Package memory provides the flat, byte-addressed backing store at the
// bottom of the cache hierarchy. It models a bounded region of 32-bit words
// with a fixed base address.
package memory

import (
	"github.com/archlab/cachesim/internal/simerr"
	"sync"
)

// Base is the fixed starting address of the simulated memory region.
const Base uint32 = 0x1000

// WordSize is the width in bytes of a single addressable word.
const WordSize = 4

// Memory is a bounded, word-addressable store backed by a map from aligned
// address to 32-bit value. Unwritten addresses read as zero. Memory is safe
// for concurrent use: every cache level that fetches or writes back through
// it may be driven by a different goroutine.
type Memory struct {
	mu    sync.Mutex
	base  uint32
	end   uint32
	words map[uint32]int32
}

// New creates a Memory region of size bytes starting at Base. size must be a
// positive multiple of WordSize.
func New(size uint32) *Memory {
	if size == 0 || size%WordSize != 0 {
		panic("memory: size must be a positive multiple of 4")
	}
	return &Memory{
		base:  Base,
		end:   Base + size - WordSize,
		words: make(map[uint32]int32),
	}
}

// Size returns the number of addressable bytes in the region.
func (m *Memory) Size() uint32 {
	return m.end - m.base + WordSize
}

func (m *Memory) validate(addr uint32) error {
	if addr%WordSize != 0 {
		return simerr.Wrap(simerr.ErrInvalidAddress, "address 0x%X is not word-aligned", addr)
	}
	if addr < m.base || addr > m.end {
		return simerr.Wrap(simerr.ErrInvalidAddress, "address 0x%X is outside [0x%X, 0x%X]", addr, m.base, m.end)
	}
	return nil
}

// Read returns the word stored at addr, or 0 if it was never written. It
// fails with simerr.ErrInvalidAddress if addr is unaligned or out of bounds.
func (m *Memory) Read(addr uint32) (int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.validate(addr); err != nil {
		return 0, err
	}
	return m.words[addr], nil
}

// Write stores word at addr. It fails with simerr.ErrInvalidAddress if addr
// is unaligned or out of bounds.
func (m *Memory) Write(addr uint32, word int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.validate(addr); err != nil {
		return err
	}
	m.words[addr] = word
	return nil
}

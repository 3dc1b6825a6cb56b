// Package cache implements one level of a set-associative cache: address
// decoding, lookup, allocation, eviction under a configurable replacement
// policy, write-back/write-through handling, and forwarding to the next
// level of the hierarchy (another Cache, or main memory).
package cache

import (
	"math/bits"

	"github.com/archlab/cachesim/internal/memory"
	"github.com/archlab/cachesim/internal/simerr"
)

// Replacement identifies which victim-selection discipline a Cache uses.
// It is a tagged enum rather than a string so the hot path never does a
// string comparison.
type Replacement int

const (
	// LRU evicts the valid line with the greatest age in the set.
	LRU Replacement = iota
	// FIFO evicts the slot pointed to by the set's fifo pointer.
	FIFO
	// LFU evicts the valid line with the smallest access count in the set.
	LFU
)

func (r Replacement) String() string {
	switch r {
	case LRU:
		return "LRU"
	case FIFO:
		return "FIFO"
	case LFU:
		return "LFU"
	default:
		return "?"
	}
}

// Write identifies the write-policy discipline a Cache uses.
type Write int

const (
	// WriteBack marks written lines dirty; memory is updated only on
	// eviction or flush.
	WriteBack Write = iota
	// WriteThrough updates memory (and forwards the write downward) on
	// every store.
	WriteThrough
)

func (w Write) String() string {
	switch w {
	case WriteBack:
		return "WB"
	case WriteThrough:
		return "WT"
	default:
		return "?"
	}
}

// Level identifies a cache's position in the hierarchy. Only L1 counts
// total operations, reads and writes; all levels count hits/misses,
// evictions, dirty evictions and memory accesses.
type Level int

const (
	L1 Level = iota
	L2
	L3
)

func (l Level) String() string {
	switch l {
	case L1:
		return "L1"
	case L2:
		return "L2"
	case L3:
		return "L3"
	default:
		return "?"
	}
}

// DefaultBlockSize is the package-level default block size in bytes.
const DefaultBlockSize = 16

// NextLevel is implemented by whatever a Cache forwards a miss to: another
// Cache. The last cache before memory has a nil NextLevel and forwards to
// its Config.Memory directly.
type NextLevel interface {
	Read(addr uint32) (int32, error)
	Write(addr uint32, word int32) error
}

// Bus is the subset of coherence.Bus a Cache needs to call on hit-for-read,
// hit-for-write and allocation. It is declared here (rather than importing
// package coherence) to avoid a cache<->coherence import cycle, since the
// bus itself must hold references to the L1 caches it coordinates.
type Bus interface {
	DowngradeModifiedToShared(addr uint32, requester any)
	WriteBackBeforeInvalidation(addr uint32, requester any)
	InvalidateOthers(addr uint32, requester any)
}

// Config describes one cache level's geometry and policies.
type Config struct {
	SizeBytes     int
	Associativity int // 0 = fully associative
	BlockSize     int // bytes; must be a power of two
	Replacement   Replacement
	Write         Write
	Level         Level

	NextLevel NextLevel      // nil for the last cache before memory (forward then falls back to Memory directly)
	Memory    *memory.Memory // the backing memory; every level's own block fetch/writeback always goes here directly
	Bus       Bus            // non-nil only for L1 caches
}

// derived holds the address-decode geometry computed once at construction.
type derived struct {
	numSets    int
	numLines   int // lines per set (associativity, or all lines when fully associative)
	offsetBits uint
	indexBits  uint
	blockWords int
}

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// validate checks the configuration against the cache's geometry
// requirements and returns the derived decode parameters.
func validate(cfg Config) (derived, error) {
	if cfg.BlockSize <= 0 || !isPowerOfTwo(cfg.BlockSize) {
		return derived{}, simerr.Wrap(simerr.ErrConfig, "block size %d must be a positive power of two", cfg.BlockSize)
	}
	if cfg.SizeBytes <= 0 {
		return derived{}, simerr.Wrap(simerr.ErrConfig, "size %d must be positive", cfg.SizeBytes)
	}
	if cfg.Associativity < 0 {
		return derived{}, simerr.Wrap(simerr.ErrConfig, "associativity %d must be >= 0", cfg.Associativity)
	}

	var numSets, numLines int
	if cfg.Associativity == 0 {
		if cfg.SizeBytes%cfg.BlockSize != 0 {
			return derived{}, simerr.Wrap(simerr.ErrConfig, "size %d is not a multiple of block size %d", cfg.SizeBytes, cfg.BlockSize)
		}
		numSets = 1
		numLines = cfg.SizeBytes / cfg.BlockSize
		if numLines <= 0 {
			return derived{}, simerr.Wrap(simerr.ErrConfig, "size %d yields zero lines", cfg.SizeBytes)
		}
	} else {
		lineBytes := cfg.Associativity * cfg.BlockSize
		if cfg.SizeBytes%lineBytes != 0 {
			return derived{}, simerr.Wrap(simerr.ErrConfig, "size %d is not a multiple of associativity*blocksize %d", cfg.SizeBytes, lineBytes)
		}
		numSets = cfg.SizeBytes / lineBytes
		if numSets < 1 || !isPowerOfTwo(numSets) {
			return derived{}, simerr.Wrap(simerr.ErrConfig, "derived set count %d is not a positive power of two", numSets)
		}
		numLines = cfg.Associativity
	}

	return derived{
		numSets:    numSets,
		numLines:   numLines,
		offsetBits: uint(bits.TrailingZeros(uint(cfg.BlockSize))),
		indexBits:  uint(bits.TrailingZeros(uint(numSets))),
		blockWords: cfg.BlockSize / memory.WordSize,
	}, nil
}

// decoded is the result of splitting an address into its tag/index/offset
// fields for a particular cache's geometry.
type decoded struct {
	tag    uint32
	index  int
	offset uint32
}

func (d derived) decode(addr uint32) decoded {
	offsetMask := uint32(1)<<d.offsetBits - 1
	indexMask := uint32(1)<<d.indexBits - 1

	offset := addr & offsetMask
	index := (addr >> d.offsetBits) & indexMask
	tag := addr >> (d.offsetBits + d.indexBits)

	return decoded{tag: tag, index: int(index), offset: offset}
}

// blockAddr reconstructs the aligned base address of the block holding tag
// at set index, per the round-trip invariant tag<<(b+S) | index<<b.
func (d derived) blockAddr(tag uint32, index int) uint32 {
	return (tag << (d.offsetBits + d.indexBits)) | (uint32(index) << d.offsetBits)
}

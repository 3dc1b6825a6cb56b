// Package presets maps the simulator's cache-size preset names to concrete
// per-level byte counts, and validates a set of sizes against a cache
// geometry before a hierarchy is built from them.
package presets

import (
	"github.com/archlab/cachesim/internal/simerr"
)

const (
	KiB = 1024
	MiB = 1024 * 1024
)

// Sizes holds the per-level byte counts for one preset.
type Sizes struct {
	L1 int
	L2 int
	L3 int
}

// names maps each canonical preset name to its Sizes. The exact mapping is
// an external, config-collaborator decision; the core treats these as
// opaque byte counts.
var names = map[string]Sizes{
	"small":  {L1: 8 * KiB, L2: 64 * KiB, L3: 256 * KiB},
	"medium": {L1: 32 * KiB, L2: 256 * KiB, L3: 2 * MiB},
	"large":  {L1: 64 * KiB, L2: 1 * MiB, L3: 8 * MiB},
}

// Resolve looks up name among the canonical presets.
func Resolve(name string) (Sizes, error) {
	sizes, ok := names[name]
	if !ok {
		return Sizes{}, simerr.Wrap(simerr.ErrConfig, "unknown cache size preset %q (want small, medium or large)", name)
	}
	return sizes, nil
}

// Validate checks that size is a positive multiple of assoc*blockSize (or
// of blockSize when assoc == 0), and, for the set-associative case, that the
// derived set count is a power of two. assoc == 0 (fully associative) always
// derives exactly one set, so no power-of-two constraint applies to the
// resulting line count; this mirrors cache.validate's branching exactly.
func Validate(size, blockSize, assoc int) error {
	if blockSize <= 0 || blockSize&(blockSize-1) != 0 {
		return simerr.Wrap(simerr.ErrConfig, "block size %d must be a positive power of two", blockSize)
	}
	if size <= 0 {
		return simerr.Wrap(simerr.ErrConfig, "size %d must be positive", size)
	}
	if assoc < 0 {
		return simerr.Wrap(simerr.ErrConfig, "associativity %d must be >= 0", assoc)
	}

	if assoc == 0 {
		if size%blockSize != 0 {
			return simerr.Wrap(simerr.ErrConfig, "size %d is not a multiple of block size %d", size, blockSize)
		}
		if size/blockSize < 1 {
			return simerr.Wrap(simerr.ErrConfig, "size %d yields zero lines", size)
		}
		return nil
	}

	unit := assoc * blockSize
	if size%unit != 0 {
		return simerr.Wrap(simerr.ErrConfig, "size %d is not a multiple of %d", size, unit)
	}

	numSets := size / unit
	if numSets < 1 || numSets&(numSets-1) != 0 {
		return simerr.Wrap(simerr.ErrConfig, "derived set count %d is not a power of two", numSets)
	}
	return nil
}

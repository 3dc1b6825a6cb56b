// Package report renders the simulator's verbose per-request trace and its
// end-of-run statistics summary, as plain fmt.Printf-based output rather
// than a structured logging framework; see DESIGN.md for why.
package report

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/archlab/cachesim/internal/hierarchy"
)

// Verbose prints one line per dispatched request when enabled, in the form
// "[core N] R 0x1000 -> hit" / "-> miss". A disabled Verbose is a no-op, so
// callers can construct it unconditionally and check cheaply per request.
type Verbose struct {
	w       io.Writer
	enabled bool
}

// NewVerbose returns a Verbose writer to w, active only when enabled.
func NewVerbose(w io.Writer, enabled bool) *Verbose {
	return &Verbose{w: w, enabled: enabled}
}

// Request logs one dispatched request and whether it hit at L1.
func (v *Verbose) Request(req hierarchy.Request, hit bool) {
	if !v.enabled {
		return
	}

	outcome := "miss"
	if hit {
		outcome = "hit"
	}

	switch req.Op {
	case hierarchy.OpRead:
		fmt.Fprintf(v.w, "[core %d] R 0x%X -> %s\n", req.Core, req.Addr, outcome)
	case hierarchy.OpWrite:
		fmt.Fprintf(v.w, "[core %d] W 0x%X %d -> %s\n", req.Core, req.Addr, req.Value, outcome)
	}
}

// Summary renders the end-of-run statistics table named in the distilled
// spec's external-interfaces section: total operations, reads, writes,
// per-level hits/misses, eviction attempts, dirty evictions, and memory
// accesses.
func Summary(w io.Writer, stats hierarchy.Stats) {
	fmt.Fprintf(w, "Total operations: %d\n", stats.TotalOps)
	fmt.Fprintf(w, "Reads:            %d\n", stats.Reads)
	fmt.Fprintf(w, "Writes:           %d\n", stats.Writes)
	fmt.Fprintf(w, "L1 hits/misses:   %d / %d\n", stats.L1Hits, stats.L1Misses)
	fmt.Fprintf(w, "L2 hits/misses:   %d / %d\n", stats.L2Hits, stats.L2Misses)
	fmt.Fprintf(w, "L3 hits/misses:   %d / %d\n", stats.L3Hits, stats.L3Misses)
	fmt.Fprintf(w, "Eviction attempts: %d\n", stats.Evictions)
	fmt.Fprintf(w, "Dirty evictions:  %d\n", stats.DirtyEvictions)
	fmt.Fprintf(w, "Memory accesses:  %d\n", stats.MemoryAccesses)
}

// SummaryJSON renders the same statistics as indented JSON, for tooling
// that wants to consume a run's results programmatically.
func SummaryJSON(w io.Writer, stats hierarchy.Stats) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(stats)
}

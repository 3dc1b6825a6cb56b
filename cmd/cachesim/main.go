// Command cachesim replays a memory-access trace against a configurable,
// multi-core cache hierarchy (private L1s, shared L2s, shared L3s, MESI
// coherence across the L1s) and reports hit/miss counts, evictions, and
// memory traffic.
//
// Usage:
//
//	cachesim -cache_size {small|medium|large} -threads N -policy {LRU|FIFO|LFU} \
//	         -assoc {0|1|4} -write_policy {WB|WT} -trace FILE [--verbose] [--json]
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/archlab/cachesim/internal/cache"
	"github.com/archlab/cachesim/internal/hierarchy"
	"github.com/archlab/cachesim/internal/presets"
	"github.com/archlab/cachesim/internal/report"
	"github.com/archlab/cachesim/internal/simerr"
	"github.com/archlab/cachesim/internal/trace"

	flag "github.com/spf13/pflag"
)

// Exit codes distinguish failure classes for scripted callers, beyond the
// bare "0 on success, non-zero otherwise" the distilled spec requires.
const (
	exitOK = iota
	exitFlagError
	exitTraceError
	exitConfigError
	exitInternalError
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("cachesim", flag.ContinueOnError)
	fs.SetOutput(stderr)

	cacheSize := fs.String("cache_size", "medium", "cache size preset: small, medium, large")
	threads := fs.Int("threads", 1, "number of cores (1, or even, up to 16)")
	policyName := fs.String("policy", "LRU", "replacement policy: LRU, FIFO, LFU")
	assoc := fs.Int("assoc", 4, "associativity: 0 (fully associative), 1 (direct-mapped), or N-way")
	writeName := fs.String("write_policy", "WB", "write policy: WB (write-back), WT (write-through)")
	tracePath := fs.String("trace", "", "path to the trace file (required)")
	verbose := fs.Bool("verbose", false, "print one line per request")
	asJSON := fs.Bool("json", false, "print the summary as JSON")

	// Accept the single-dash long-flag spelling shown in the usage above
	// (-threads 4) as well as pflag's own double-dash form (--threads 4).
	normalized := make([]string, len(args))
	for i, a := range args {
		if len(a) > 2 && a[0] == '-' && a[1] != '-' {
			a = "-" + a
		}
		normalized[i] = a
	}

	if err := fs.Parse(normalized); err != nil {
		return exitFlagError
	}

	if *tracePath == "" {
		fmt.Fprintln(stderr, "error: -trace is required")
		return exitFlagError
	}

	replacement, err := parseReplacement(*policyName)
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return exitFlagError
	}

	write, err := parseWrite(*writeName)
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return exitFlagError
	}

	if *threads < 1 || *threads > 16 || (*threads > 1 && *threads%2 != 0) {
		fmt.Fprintln(stderr, "error: -threads must be 1 or an even number up to 16")
		return exitFlagError
	}

	sizes, err := presets.Resolve(*cacheSize)
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return exitConfigError
	}

	for _, lvl := range []struct {
		name string
		size int
	}{{"L1", sizes.L1}, {"L2", sizes.L2}, {"L3", sizes.L3}} {
		if err := presets.Validate(lvl.size, cache.DefaultBlockSize, *assoc); err != nil {
			fmt.Fprintf(stderr, "error: %s geometry: %v\n", lvl.name, err)
			return exitConfigError
		}
	}

	h, err := hierarchy.New(hierarchy.Config{
		Cores:      *threads,
		MemorySize: 1 << 20,
		L1:         hierarchy.LevelConfig{SizeBytes: sizes.L1, Associativity: *assoc, BlockSize: cache.DefaultBlockSize, Replacement: replacement, Write: write},
		L2:         hierarchy.LevelConfig{SizeBytes: sizes.L2, Associativity: *assoc, BlockSize: cache.DefaultBlockSize, Replacement: replacement, Write: write},
		L3:         hierarchy.LevelConfig{SizeBytes: sizes.L3, Associativity: *assoc, BlockSize: cache.DefaultBlockSize, Replacement: replacement, Write: write},
	})
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		if simerr.IsInternal(err) {
			return exitInternalError
		}
		return exitConfigError
	}

	requests, err := trace.ParseFile(*tracePath, *threads)
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return exitTraceError
	}

	vlog := report.NewVerbose(stdout, *verbose)
	for _, req := range requests {
		before := h.L1Cache(req.Core).Stats().Misses
		if dispatchErr := h.Dispatch(req); dispatchErr != nil {
			fmt.Fprintln(stderr, "error:", dispatchErr)
			return exitInternalError
		}
		after := h.L1Cache(req.Core).Stats().Misses
		vlog.Request(req, after == before)
	}

	if err := h.FlushAll(); err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return exitInternalError
	}

	stats := h.Stats()
	if *asJSON {
		_ = report.SummaryJSON(stdout, stats)
	} else {
		report.Summary(stdout, stats)
	}

	return exitOK
}

func parseReplacement(name string) (cache.Replacement, error) {
	switch name {
	case "LRU":
		return cache.LRU, nil
	case "FIFO":
		return cache.FIFO, nil
	case "LFU":
		return cache.LFU, nil
	default:
		return 0, simerr.Wrap(simerr.ErrConfig, "unknown policy %q (want LRU, FIFO or LFU)", name)
	}
}

func parseWrite(name string) (cache.Write, error) {
	switch name {
	case "WB":
		return cache.WriteBack, nil
	case "WT":
		return cache.WriteThrough, nil
	default:
		return 0, simerr.Wrap(simerr.ErrConfig, "unknown write policy %q (want WB or WT)", name)
	}
}

// Package trace lexes and parses a trace file into the ordered sequence of
// read/write requests the hierarchy replays. A trace line is either
//
//	R 0x<hex_address>
//	W 0x<hex_address> <signed_decimal_int>
//
// optionally prefixed with "C<n>:" to pin the request to a specific core;
// otherwise requests are assigned to cores round-robin. Any other line
// fails the whole parse: the simulator never sees a partially parsed trace.
package trace

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/archlab/cachesim/internal/hierarchy"
	"github.com/archlab/cachesim/internal/simerr"
)

// FormatError describes a single malformed trace line, naming its 1-based
// line number and the offending text.
type FormatError struct {
	Line int
	Text string
	Err  error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("trace line %d: %s: %q", e.Line, e.Err, e.Text)
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

// ParseFile opens path and parses it as a trace file, assigning unpinned
// requests round-robin across numCores cores.
func ParseFile(path string, numCores int) ([]hierarchy.Request, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, simerr.Wrap(simerr.ErrFileIO, "opening trace file %q: %v", path, err)
	}
	defer f.Close()

	return Parse(f, numCores)
}

// Parse reads r line by line and returns the requests it describes, in
// file order. A request with no "C<n>:" prefix is assigned core
// requestIndex % numCores; a pinned request keeps its explicit core.
func Parse(r io.Reader, numCores int) ([]hierarchy.Request, error) {
	if numCores < 1 {
		return nil, simerr.Wrap(simerr.ErrConfig, "numCores %d must be >= 1", numCores)
	}

	var (
		requests []hierarchy.Request
		cursor   int // round-robin request counter, advanced only for unpinned requests
	)

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}

		core, rest, pinned := splitCorePrefix(raw)

		fields := strings.Fields(rest)
		if len(fields) == 0 {
			return nil, &FormatError{Line: lineNo, Text: raw, Err: simerr.ErrBadTrace}
		}

		req := hierarchy.Request{}
		switch fields[0] {
		case "R":
			if len(fields) != 2 {
				return nil, &FormatError{Line: lineNo, Text: raw, Err: fmt.Errorf("%w: expected \"R 0x<addr>\"", simerr.ErrBadTrace)}
			}
			addr, err := parseHexAddr(fields[1])
			if err != nil {
				return nil, &FormatError{Line: lineNo, Text: raw, Err: err}
			}
			req.Op = hierarchy.OpRead
			req.Addr = addr

		case "W":
			if len(fields) != 3 {
				return nil, &FormatError{Line: lineNo, Text: raw, Err: fmt.Errorf("%w: expected \"W 0x<addr> <value>\"", simerr.ErrBadTrace)}
			}
			addr, err := parseHexAddr(fields[1])
			if err != nil {
				return nil, &FormatError{Line: lineNo, Text: raw, Err: err}
			}
			value, err := strconv.ParseInt(fields[2], 10, 32)
			if err != nil {
				return nil, &FormatError{Line: lineNo, Text: raw, Err: fmt.Errorf("%w: %q is not a signed decimal integer", simerr.ErrBadTrace, fields[2])}
			}
			req.Op = hierarchy.OpWrite
			req.Addr = addr
			req.Value = int32(value)

		default:
			return nil, &FormatError{Line: lineNo, Text: raw, Err: fmt.Errorf("%w: unknown op %q", simerr.ErrBadTrace, fields[0])}
		}

		if pinned {
			if core < 0 || core >= numCores {
				return nil, &FormatError{Line: lineNo, Text: raw, Err: fmt.Errorf("%w: pinned core %d out of range [0,%d)", simerr.ErrBadTrace, core, numCores)}
			}
			req.Core = core
		} else {
			req.Core = cursor % numCores
			cursor++
		}

		requests = append(requests, req)
	}

	if err := scanner.Err(); err != nil {
		return nil, simerr.Wrap(simerr.ErrFileIO, "reading trace: %v", err)
	}

	return requests, nil
}

// splitCorePrefix strips a leading "C<n>:" token, if present, returning the
// parsed core index, the remaining text, and whether a prefix was found.
func splitCorePrefix(line string) (core int, rest string, pinned bool) {
	if !strings.HasPrefix(line, "C") {
		return 0, line, false
	}
	colon := strings.IndexByte(line, ':')
	if colon < 0 {
		return 0, line, false
	}
	n, err := strconv.Atoi(line[1:colon])
	if err != nil {
		return 0, line, false
	}
	return n, strings.TrimSpace(line[colon+1:]), true
}

func parseHexAddr(tok string) (uint32, error) {
	if !strings.HasPrefix(tok, "0x") && !strings.HasPrefix(tok, "0X") {
		return 0, fmt.Errorf("%w: address %q is missing the 0x prefix", simerr.ErrBadTrace, tok)
	}
	v, err := strconv.ParseUint(tok[2:], 16, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a hex address", simerr.ErrBadTrace, tok)
	}
	return uint32(v), nil
}

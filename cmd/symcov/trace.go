package main

import (
	"bufio"
	"debug/elf"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/agra-uni-bremen/coverage-vp"
	"github.com/agra-uni-bremen/coverage-vp/pkg/memif"
)

// loadFlatMemory reads the ELF file at path's .text section into a
// memif.Flat, giving cmd/symcov something to decode instructions from
// without wiring up a real simulator's memory bus. The real InstrMemory
// implementation lives in the host simulator; this is test-harness only.
func loadFlatMemory(path string) (*memif.Flat, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", path, err)
	}
	defer f.Close()

	sec := f.Section(".text")
	if sec == nil {
		return nil, fmt.Errorf("%q has no .text section", path)
	}

	data, err := sec.Data()
	if err != nil {
		return nil, fmt.Errorf("read .text from %q: %w", path, err)
	}

	return &memif.Flat{Base: sec.Addr, Bytes: data}, nil
}

// traceEvent is one retired instruction recorded by the simulator, as one
// "addr tainted symbolic initial" line of a trace file.
type traceEvent struct {
	addr                           uint64
	tainted, symbolic, initialConc bool
}

func parseTraceLine(line string) (traceEvent, error) {
	fields := strings.Fields(line)
	if len(fields) != 4 {
		return traceEvent{}, fmt.Errorf("want 4 fields (addr tainted symbolic initial), got %d", len(fields))
	}

	addr, err := strconv.ParseUint(fields[0], 0, 64)
	if err != nil {
		return traceEvent{}, fmt.Errorf("parse address %q: %w", fields[0], err)
	}

	tainted, err := strconv.ParseBool(fields[1])
	if err != nil {
		return traceEvent{}, fmt.Errorf("parse tainted %q: %w", fields[1], err)
	}
	symbolic, err := strconv.ParseBool(fields[2])
	if err != nil {
		return traceEvent{}, fmt.Errorf("parse symbolic %q: %w", fields[2], err)
	}
	initialConc, err := strconv.ParseBool(fields[3])
	if err != nil {
		return traceEvent{}, fmt.Errorf("parse initial %q: %w", fields[3], err)
	}

	return traceEvent{addr: addr, tainted: tainted, symbolic: symbolic, initialConc: initialConc}, nil
}

// replayTrace feeds every event in r through cov.Cover, in order. Blank
// lines and lines starting with "#" are skipped.
func replayTrace(cov *coverage.Coverage, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		ev, err := parseTraceLine(line)
		if err != nil {
			return fmt.Errorf("trace line %d: %w", lineNo, err)
		}

		cov.Cover(ev.addr, ev.tainted, ev.symbolic, ev.initialConc)
	}
	return scanner.Err()
}

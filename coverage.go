// Package coverage implements a live source-coverage and taint model for a
// program running on a 32-bit RISC-V target: a Coverage container is built
// once from an ELF+DWARF image, then updated on every retired instruction
// by the host simulator, and finally marshaled into per-source-file
// gcov-JSON reports.
//
// The three collaborating packages this type orchestrates —
// pkg/dwarfsource (static analysis), pkg/blockleader (basic-block
// reconstruction), and pkg/gcovreport (report serialization) — are each
// self-contained; Coverage's job is strictly the two-pass construction
// (Init), the per-PC update (Cover), and lifecycle/state enforcement.
package coverage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/davecgh/go-spew/spew"

	"github.com/agra-uni-bremen/coverage-vp/pkg/blockleader"
	"github.com/agra-uni-bremen/coverage-vp/pkg/decode"
	"github.com/agra-uni-bremen/coverage-vp/pkg/dwarfsource"
	"github.com/agra-uni-bremen/coverage-vp/pkg/gcovreport"
	"github.com/agra-uni-bremen/coverage-vp/pkg/memif"
)

// state is Coverage's lifecycle position: Opened, then Initialized once its
// structure is built, then Destroyed.
type state int

const (
	stateOpened state = iota
	stateInitialized
	stateDestroyed
)

// Coverage is the top-level container owning every SourceFile, the shared
// BasicBlock arena, and the DWARF reader for one ELF image's lifetime.
type Coverage struct {
	dwarf *dwarfsource.Reader
	mem   memif.InstrMemory

	// Debug, if non-nil, receives human-readable dumps of resolved source
	// chains and block boundaries during Init/Cover — an optional tracing
	// aid, never required for correct operation. Mirrors coverbee's own
	// optional logWriter parameter.
	Debug io.Writer

	files map[string]*SourceFile

	// blocks is the single owning arena for every BasicBlock; Function and
	// SourceLine store indices into it (see BasicBlock's doc comment).
	blocks []BasicBlock

	// blockLeaders is the union, across all functions, of every leader
	// address computed during Init's first pass.
	blockLeaders map[uint64]struct{}

	state state
}

// funcRange pairs a function's address range with its precomputed leader
// set, produced by Init's first pass and consumed by its second.
type funcRange struct {
	low, high uint64
	leaders   []uint64
}

// Open acquires the ELF file descriptor and DWARF reader for path and
// returns a Coverage in the Opened state. mem is the read-only
// instruction-memory interface the simulator supplies.
func Open(path string, mem memif.InstrMemory) (*Coverage, error) {
	r, err := dwarfsource.Open(path)
	if err != nil {
		// dwarfsource.Open already returns a typed *BinaryOpenError or
		// *DwarfError; re-wrap into this package's equivalent types so
		// callers depending on this package's error types don't also need
		// to know about pkg/dwarfsource.
		var bo *dwarfsource.BinaryOpenError
		if errors.As(err, &bo) {
			return nil, &BinaryOpenError{Path: bo.Path, Err: bo.Err}
		}
		var de *dwarfsource.DwarfError
		if errors.As(err, &de) {
			return nil, &DwarfError{Op: de.Op, Err: de.Err}
		}
		return nil, err
	}

	return &Coverage{
		dwarf:        r,
		mem:          mem,
		files:        make(map[string]*SourceFile),
		blockLeaders: make(map[uint64]struct{}),
		state:        stateOpened,
	}, nil
}

// Close releases the DWARF reader and file descriptor. Safe to call once;
// transitions to Destroyed from any prior state.
func (c *Coverage) Close() error {
	if c.state == stateDestroyed {
		return nil
	}
	c.state = stateDestroyed
	return c.dwarf.Close()
}

// Init builds the model structure in two passes over every function: first
// computing each function's basic-block leaders, then attributing
// instructions to source locations and closing blocks. Calling Init again
// after it has already run is a no-op that returns nil — the model's
// structure, once built, is never rebuilt.
func (c *Coverage) Init() error {
	if c.state == stateInitialized {
		return nil
	}
	if c.state != stateOpened {
		return fmt.Errorf("coverage: Init called in state %d, want Opened", c.state)
	}

	var ranges []funcRange
	c.dwarf.ForEachFunction(func(low, high uint64) {
		leaders := blockleader.Leaders(c.mem, low, high)
		for _, l := range leaders {
			c.blockLeaders[l] = struct{}{}
		}
		ranges = append(ranges, funcRange{low: low, high: high, leaders: leaders})
	})

	for _, fr := range ranges {
		c.attributeFunction(fr)
	}

	c.state = stateInitialized
	return nil
}

// attributeFunction walks one function's instruction range, interning
// every resolved source location and closing a BasicBlock each time the
// cursor reaches a leader (or the function's end).
func (c *Coverage) attributeFunction(fr funcRange) {
	leaderSet := make(map[uint64]struct{}, len(fr.leaders))
	for _, l := range fr.leaders {
		leaderSet[l] = struct{}{}
	}

	// touchedLines accumulates the set of SourceLines touched since the
	// current block's start — closing the block appends its index to
	// each of them.
	var curFunc *Function
	touchedLines := make(map[*SourceLine]struct{})

	blockPrev := fr.low
	pc := fr.low
	for pc < fr.high {
		word := c.mem.LoadInstr(pc)
		next := pc + uint64(decode.Decode(word).Width)

		for _, s := range c.dwarf.Resolve(pc) {
			if s.SourcePath == "" || s.SymbolName == "" {
				continue
			}

			sf := c.internFile(s.SourcePath)
			fn := c.internFunc(sf, s.SymbolName, pc, s.Line, s.Column)
			sl := c.internLine(sf, s, pc, fn)

			curFunc = fn
			touchedLines[sl] = struct{}{}

			if c.Debug != nil {
				fmt.Fprintf(c.Debug, "attribute 0x%x -> %s:%d (%s)\n", pc, s.SourcePath, s.Line, s.SymbolName)
			}
		}

		_, isLeader := leaderSet[next]
		if isLeader || next >= fr.high {
			if curFunc != nil {
				idx := len(c.blocks)
				c.blocks = append(c.blocks, BasicBlock{Start: blockPrev, End: next})
				curFunc.Blocks = append(curFunc.Blocks, idx)
				for sl := range touchedLines {
					sl.Blocks = append(sl.Blocks, idx)
				}
				if c.Debug != nil {
					fmt.Fprintf(c.Debug, "block [0x%x, 0x%x)\n", blockPrev, next)
				}
			}
			touchedLines = make(map[*SourceLine]struct{})
			blockPrev = next
		}

		pc = next
	}
}

func (c *Coverage) internFile(path string) *SourceFile {
	sf, ok := c.files[path]
	if !ok {
		sf = &SourceFile{
			Name:  path,
			Lines: make(map[uint32]*SourceLine),
			Funcs: make(map[string]*Function),
		}
		c.files[path] = sf
	}
	return sf
}

func (c *Coverage) internFunc(sf *SourceFile, name string, addr uint64, line, column int) *Function {
	fn, ok := sf.Funcs[name]
	if !ok {
		fn = &Function{
			Name:       name,
			FirstInstr: addr,
		}
		fn.Definition[0] = SourceLocation{Line: uint32(line), Column: uint32(column)}
		sf.Funcs[name] = fn
	}
	return fn
}

func (c *Coverage) internLine(sf *SourceFile, s dwarfsource.SourceInfo, addr uint64, fn *Function) *SourceLine {
	ln := uint32(s.Line)
	sl, ok := sf.Lines[ln]
	if !ok {
		sl = &SourceLine{
			FuncName:   s.SymbolName,
			Definition: SourceLocation{Line: ln, Column: uint32(s.Column)},
			FirstInstr: addr,
		}
		sf.Lines[ln] = sl

		if sl.Definition.Line > fn.Definition[1].Line {
			fn.Definition[1] = sl.Definition
		}
	}
	return sl
}

// Cover updates the model for one retired instruction. It is a no-op if
// addr resolves to nothing, to a source file never seen during Init, or to
// a symbol absent from a known file (assembly stubs and an elfutils
// inlining quirk both produce this last case) — every such condition is
// locally recovered rather than surfaced as an error.
func (c *Coverage) Cover(addr uint64, tainted, symbolic, initial bool) {
	if c.state != stateInitialized {
		return
	}

	infos := c.dwarf.Resolve(addr)
	if c.Debug != nil && len(infos) > 0 {
		spew.Fdump(c.Debug, infos)
	}

	for _, s := range infos {
		sf, ok := c.files[s.SourcePath]
		if !ok {
			continue // UnknownSourceFile
		}

		fn, ok := sf.Funcs[s.SymbolName]
		if !ok {
			continue // UnknownSymbolInFile
		}
		if addr == fn.FirstInstr {
			fn.ExecCount++
		}
		c.visit(fn.Blocks, addr)

		sl, ok := sf.Lines[uint32(s.Line)]
		if !ok {
			continue
		}
		if addr == sl.FirstInstr {
			sl.ExecCount++
		}
		if symbolic {
			sl.SymbolicOnce = true
		}
		if tainted {
			sl.TaintedOnce = true
		}
		if initial {
			sl.InitialConc = true
		}
	}
}

// visit marks the block among blockIdxs that contains addr as visited. A
// linear scan is fine here; blockIdxs is scoped to a single function, so
// it is short in practice.
func (c *Coverage) visit(blockIdxs []int, addr uint64) {
	for _, idx := range blockIdxs {
		b := &c.blocks[idx]
		if addr >= b.Start && addr < b.End {
			b.Visited = true
			return
		}
	}
}

// Marshal emits one gcov-JSON report per retained source file.
// SYMEX_COVERAGE_PATH, if set, restricts output to files whose absolute
// path is under that prefix. Failures opening an individual output file are
// collected and returned together; every other file is still attempted.
func (c *Coverage) Marshal() error {
	if c.state != stateInitialized {
		return fmt.Errorf("coverage: Marshal called in state %d, want Initialized", c.state)
	}

	pathFilter := os.Getenv("SYMEX_COVERAGE_PATH")

	paths := make([]string, 0, len(c.files))
	for p := range c.files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var errs []error
	for _, path := range paths {
		if pathFilter != "" && !underPrefix(path, pathFilter) {
			continue
		}

		report := c.buildReport(c.files[path])
		if err := gcovreport.Write(path, report); err != nil {
			var oe *gcovreport.OutputOpenError
			if errors.As(err, &oe) {
				errs = append(errs, &OutputOpenError{Path: oe.Path, Err: oe.Err})
				continue
			}
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// underPrefix reports whether path lies under directory prefix, using
// path-component boundaries so "/proj/src2/x.c" is not falsely matched by
// prefix "/proj/src".
func underPrefix(path, prefix string) bool {
	prefix = filepath.Clean(prefix)
	path = filepath.Clean(path)
	if path == prefix {
		return true
	}
	return strings.HasPrefix(path, prefix+string(filepath.Separator))
}

func (c *Coverage) buildReport(sf *SourceFile) gcovreport.Report {
	report := gcovreport.New()

	lineNums := make([]uint32, 0, len(sf.Lines))
	for ln := range sf.Lines {
		lineNums = append(lineNums, ln)
	}
	sort.Slice(lineNums, func(i, j int) bool { return lineNums[i] < lineNums[j] })

	lines := make([]gcovreport.LineReport, 0, len(lineNums))
	for _, ln := range lineNums {
		sl := sf.Lines[ln]
		lines = append(lines, gcovreport.LineReport{
			Branches:          []struct{}{},
			Count:             sl.ExecCount,
			LineNumber:        sl.Definition.Line,
			UnexecutedBlock:   c.unexecutedBlock(sl),
			FunctionName:      sl.FuncName,
			TaintedOnce:       sl.TaintedOnce,
			SymbolicOnce:      sl.SymbolicOnce,
			InitialConcretize: sl.InitialConc,
		})
	}

	names := make([]string, 0, len(sf.Funcs))
	for name := range sf.Funcs {
		names = append(names, name)
	}
	sort.Strings(names)

	funcs := make([]gcovreport.FunctionReport, 0, len(names))
	for _, name := range names {
		fn := sf.Funcs[name]
		executed := 0
		for _, idx := range fn.Blocks {
			if c.blocks[idx].Visited {
				executed++
			}
		}
		funcs = append(funcs, gcovreport.FunctionReport{
			Blocks:         len(fn.Blocks),
			BlocksExecuted: executed,
			DemangledName:  fn.Name,
			Name:           fn.Name,
			StartLine:      fn.Definition[0].Line,
			StartColumn:    fn.Definition[0].Column,
			EndLine:        fn.Definition[1].Line,
			EndColumn:      fn.Definition[1].Column,
			ExecutionCount: fn.ExecCount,
		})
	}

	report.Files = append(report.Files, gcovreport.FileReport{
		Lines:     lines,
		Functions: funcs,
	})

	return report
}

// unexecutedBlock reports the gcov-JSON "unexecuted_block" field: true if
// the line was never hit at all, or if any block touching it was never
// visited.
func (c *Coverage) unexecutedBlock(sl *SourceLine) bool {
	if sl.ExecCount == 0 {
		return true
	}
	for _, idx := range sl.Blocks {
		if !c.blocks[idx].Visited {
			return true
		}
	}
	return false
}

// Package symbols loads call frame information from Breakpad text symbol
// files and serves it to the stack walker.
//
// A symbol file starts with a MODULE record naming the module's debug file
// and identifier. Only the STACK CFI records are used:
//
//	STACK CFI INIT <address> <size> <rules>
//	STACK CFI <address> <rules>
//
// An INIT record covers [address, address+size) and gives the rules in
// effect at its first instruction. Each following delta record updates the
// rules from its address onward. Addresses are offsets from the module base.
// All other records are skipped.
package symbols

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/go-errors/errors"
	"golang.org/x/exp/slices"

	"github.com/tombergan/dumpwalk/cfi"
)

// ErrBadSymbolFile is returned for symbol files that cannot be parsed.
var ErrBadSymbolFile = errors.New("bad symbol file")

// File is the parsed content of one symbol file.
type File struct {
	OS        string
	CPU       string
	DebugID   string
	DebugFile string
	CodeFile  string // from INFO CODE_ID, if present

	records []cfiRecord // sorted by addr, non-overlapping

	checkOnce sync.Once
	corrupt   error // first record that fails to parse
}

type cfiRecord struct {
	addr, size uint64
	init       string
	deltas     []cfiDelta // in address order
}

type cfiDelta struct {
	addr  uint64
	rules string
}

func (r *cfiRecord) contains(offset uint64) bool {
	return r.addr <= offset && offset-r.addr < r.size
}

// Parse reads a symbol file from r.
func Parse(r io.Reader) (*File, error) {
	f := &File{}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	lineno := 0
	var cur *cfiRecord

	bad := func(format string, args ...interface{}) error {
		return errors.Errorf("%w: line %d: %s", ErrBadSymbolFile, lineno, fmt.Sprintf(format, args...))
	}

	for sc.Scan() {
		lineno++
		line := strings.TrimRight(sc.Text(), "\r")
		if lineno == 1 {
			fields := strings.Fields(line)
			if len(fields) < 5 || fields[0] != "MODULE" {
				return nil, bad("missing MODULE record")
			}
			f.OS, f.CPU, f.DebugID = fields[1], fields[2], fields[3]
			f.DebugFile = strings.Join(fields[4:], " ")
			continue
		}

		switch {
		case strings.HasPrefix(line, "INFO CODE_ID "):
			// INFO CODE_ID <id> [<code file>]
			fields := strings.Fields(line)
			if len(fields) >= 4 {
				f.CodeFile = strings.Join(fields[3:], " ")
			}

		case strings.HasPrefix(line, "STACK CFI INIT "):
			fields := strings.SplitN(strings.TrimPrefix(line, "STACK CFI INIT "), " ", 3)
			if len(fields) != 3 {
				return nil, bad("short STACK CFI INIT record")
			}
			addr, err1 := strconv.ParseUint(fields[0], 16, 64)
			size, err2 := strconv.ParseUint(fields[1], 16, 64)
			if err1 != nil || err2 != nil {
				return nil, bad("bad address range %q %q", fields[0], fields[1])
			}
			f.records = append(f.records, cfiRecord{addr: addr, size: size, init: fields[2]})
			cur = &f.records[len(f.records)-1]

		case strings.HasPrefix(line, "STACK CFI "):
			fields := strings.SplitN(strings.TrimPrefix(line, "STACK CFI "), " ", 2)
			if len(fields) != 2 {
				return nil, bad("short STACK CFI record")
			}
			addr, err := strconv.ParseUint(fields[0], 16, 64)
			if err != nil {
				return nil, bad("bad address %q", fields[0])
			}
			if cur == nil || !cur.contains(addr) {
				return nil, bad("STACK CFI record at 0x%x outside its INIT record", addr)
			}
			if n := len(cur.deltas); n > 0 && cur.deltas[n-1].addr > addr {
				return nil, bad("STACK CFI record at 0x%x out of order", addr)
			}
			cur.deltas = append(cur.deltas, cfiDelta{addr: addr, rules: fields[1]})

		default:
			// FILE, FUNC, line records, PUBLIC, STACK WIN, ...
			cur = nil
		}
	}
	if err := sc.Err(); err != nil {
		return nil, errors.WrapPrefix(err, "reading symbol file", 0)
	}
	if lineno == 0 {
		return nil, errors.Errorf("%w: empty file", ErrBadSymbolFile)
	}

	// Records may appear in any order. Keep the first of any overlapping pair.
	slices.SortStableFunc(f.records, func(a, b cfiRecord) bool { return a.addr < b.addr })
	kept := f.records[:0]
	for _, r := range f.records {
		if n := len(kept); n > 0 && r.addr-kept[n-1].addr < kept[n-1].size {
			continue
		}
		kept = append(kept, r)
	}
	f.records = kept
	return f, nil
}

// FindFrameInfo returns the rules in effect at offset from the module base,
// or nil if no record covers offset. It fails if the covering records do
// not parse.
func (f *File) FindFrameInfo(offset uint64) (*cfi.Rules, error) {
	k, _ := slices.BinarySearchFunc(f.records, offset, func(r cfiRecord, offset uint64) int {
		if r.addr <= offset {
			return -1
		}
		return 1
	})
	if k == 0 || !f.records[k-1].contains(offset) {
		return nil, nil
	}
	r := &f.records[k-1]
	rules, err := cfi.ParseRules(r.init)
	if err != nil {
		return nil, errors.WrapPrefix(err, fmt.Sprintf("STACK CFI INIT 0x%x", r.addr), 0)
	}
	for _, d := range r.deltas {
		if d.addr > offset {
			break
		}
		if err := rules.Update(d.rules); err != nil {
			return nil, errors.WrapPrefix(err, fmt.Sprintf("STACK CFI 0x%x", d.addr), 0)
		}
	}
	return rules, nil
}

// Check returns an error describing the first STACK CFI record whose rules
// do not parse, or nil if every record parses. The result is computed once.
func (f *File) Check() error {
	f.checkOnce.Do(func() {
		for k := range f.records {
			r := &f.records[k]
			rules, err := cfi.ParseRules(r.init)
			if err != nil {
				f.corrupt = errors.WrapPrefix(err, fmt.Sprintf("STACK CFI INIT 0x%x", r.addr), 0)
				return
			}
			for _, d := range r.deltas {
				if err := rules.Update(d.rules); err != nil {
					f.corrupt = errors.WrapPrefix(err, fmt.Sprintf("STACK CFI 0x%x", d.addr), 0)
					return
				}
			}
		}
	})
	return f.corrupt
}

// NumRecords returns the number of STACK CFI INIT records.
func (f *File) NumRecords() int {
	return len(f.records)
}

package dumpfile

import (
	"fmt"
	"sort"

	"golang.org/x/exp/slices"
)

// Module describes an executable or shared library mapped into the process.
// The module occupies [Base, Base+Size).
type Module struct {
	Base    uint64
	Size    uint64
	Path    string // code file, as recorded in the dump
	Version string

	// DebugFile and DebugID identify the symbol file for the module.
	// Either may be empty.
	DebugFile string
	DebugID   string
}

// End returns the address one past the module's last byte, saturated at the
// top of the address space.
func (m *Module) End() uint64 {
	if e := m.Base + m.Size; e >= m.Base {
		return e
	}
	return ^uint64(0)
}

// Contains reports whether addr lies inside the module.
func (m *Module) Contains(addr uint64) bool {
	return m.Base <= addr && addr-m.Base < m.Size
}

// SameSymbols reports whether m and o are served by the same symbol file:
// their debug files and debug identifiers are equal. Modules without a
// debug file are compared by path.
func (m *Module) SameSymbols(o *Module) bool {
	return m.symbolName() == o.symbolName() && m.DebugID == o.DebugID
}

func (m *Module) symbolName() string {
	if m.DebugFile != "" {
		return m.DebugFile
	}
	return m.Path
}

func (m *Module) String() string {
	return fmt.Sprintf("%s [0x%x, 0x%x)", m.Path, m.Base, m.End())
}

// Modules is an immutable set of modules sorted by base address.
// A nil *Modules is an empty table.
type Modules struct {
	list []*Module // sorted by Base, stable w.r.t. input order
	main *Module

	// maxEnd[k] is the highest End() over list[:k+1]. It is non-decreasing,
	// which lets lookups binary search even when modules overlap.
	maxEnd []uint64
}

// NewModules builds a module table. The first module in mods is the main
// module, following the convention of dump writers that list the executable
// first. Nil and empty modules are dropped.
func NewModules(mods []*Module) *Modules {
	ms := &Modules{}
	for _, m := range mods {
		if m == nil || m.Size == 0 {
			continue
		}
		if ms.main == nil {
			ms.main = m
		}
		ms.list = append(ms.list, m)
	}
	slices.SortStableFunc(ms.list, func(a, b *Module) bool { return a.Base < b.Base })
	ms.maxEnd = make([]uint64, len(ms.list))
	var hi uint64
	for k, m := range ms.list {
		if e := m.End(); e > hi {
			hi = e
		}
		ms.maxEnd[k] = hi
	}
	logf("module table: %d modules", len(ms.list))
	return ms
}

// Len returns the number of modules.
func (ms *Modules) Len() int {
	if ms == nil {
		return 0
	}
	return len(ms.list)
}

// At returns the k-th module in base-address order.
func (ms *Modules) At(k int) *Module {
	return ms.list[k]
}

// All returns the modules in base-address order. The caller must not modify
// the returned slice.
func (ms *Modules) All() []*Module {
	if ms == nil {
		return nil
	}
	return ms.list
}

// MainModule returns the process's executable, or nil if unknown.
func (ms *Modules) MainModule() *Module {
	if ms == nil {
		return nil
	}
	return ms.main
}

// HighestAddress returns the highest End() of any module, or 0 if the
// table is empty.
func (ms *Modules) HighestAddress() uint64 {
	if ms.Len() == 0 {
		return 0
	}
	return ms.maxEnd[len(ms.maxEnd)-1]
}

// ModuleForAddress returns the module containing addr. When modules overlap,
// the first one in base-address order wins.
func (ms *Modules) ModuleForAddress(addr uint64) (*Module, bool) {
	if ms == nil {
		return nil, false
	}
	// Skip every prefix whose modules all end at or below addr. An end
	// saturated at the top of the address space may still contain it.
	k := sort.Search(len(ms.list), func(k int) bool {
		return ms.maxEnd[k] > addr || ms.maxEnd[k] == ^uint64(0)
	})
	for ; k < len(ms.list) && ms.list[k].Base <= addr; k++ {
		if ms.list[k].Contains(addr) {
			return ms.list[k], true
		}
	}
	return nil, false
}

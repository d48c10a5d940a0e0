package dumpfile

import (
	"fmt"
	"sort"

	"golang.org/x/exp/slices"
)

// Memory is a read-only view of captured process memory. A read succeeds
// only when every byte of the requested value was captured; there are no
// partial reads. Values are little-endian.
type Memory interface {
	// Base is the lowest captured address.
	Base() uint64
	// Size is the distance from Base to the end of the highest captured byte.
	Size() uint64
	ReadUint8(addr uint64) (uint8, bool)
	ReadUint16(addr uint64) (uint16, bool)
	ReadUint32(addr uint64) (uint32, bool)
	ReadUint64(addr uint64) (uint64, bool)
	// Slice returns the bytes [addr, addr+size) without copying.
	Slice(addr, size uint64) ([]byte, bool)
}

// ReadPointer reads one machine word of the given architecture.
func ReadPointer(m Memory, arch Arch, addr uint64) (uint64, bool) {
	switch arch.PointerSize() {
	case 4:
		v, ok := m.ReadUint32(addr)
		return uint64(v), ok
	case 8:
		return m.ReadUint64(addr)
	}
	return 0, false
}

// MemoryRegion is a contiguous range of captured memory.
type MemoryRegion struct {
	addr uint64
	data []byte // usually points into a mmap'd file

	// readable is true if the memory range was readable by the program.
	// e.g., this is false for stack guards.
	readable bool
}

// NewMemoryRegion returns a readable region holding data at base.
// The region refers to data directly and does not copy it.
func NewMemoryRegion(base uint64, data []byte) MemoryRegion {
	return MemoryRegion{addr: base, data: data, readable: true}
}

func (s MemoryRegion) String() string {
	mode := ""
	if s.readable {
		mode += "R"
	}
	return fmt.Sprintf("MemoryRegion{addr:0x%x, size:0x%x, mode:%v}", s.addr, s.Size(), mode)
}

func (s MemoryRegion) Base() uint64 { return s.addr }
func (s MemoryRegion) Size() uint64 { return uint64(len(s.data)) }

// end is the address one past the last byte, saturated at the top of the
// address space.
func (s MemoryRegion) end() uint64 {
	if e := s.addr + s.Size(); e >= s.addr {
		return e
	}
	return ^uint64(0)
}

// contains reports whether the region contains the given address.
func (s MemoryRegion) contains(addr uint64) bool {
	return s.addr <= addr && addr-s.addr < s.Size()
}

// Slice returns the bytes [addr, addr+size). It fails if any part of the
// range lies outside the region or if the region was not readable.
func (s MemoryRegion) Slice(addr, size uint64) ([]byte, bool) {
	if !s.readable || addr < s.addr {
		return nil, false
	}
	offset := addr - s.addr
	if offset > s.Size() || size > s.Size()-offset {
		return nil, false
	}
	return s.data[offset : offset+size : offset+size], true
}

func (s MemoryRegion) ReadUint8(addr uint64) (uint8, bool) {
	b, ok := s.Slice(addr, 1)
	if !ok {
		return 0, false
	}
	return b[0], true
}

func (s MemoryRegion) ReadUint16(addr uint64) (uint16, bool) {
	b, ok := s.Slice(addr, 2)
	if !ok {
		return 0, false
	}
	return le.Uint16(b), true
}

func (s MemoryRegion) ReadUint32(addr uint64) (uint32, bool) {
	b, ok := s.Slice(addr, 4)
	if !ok {
		return 0, false
	}
	return le.Uint32(b), true
}

func (s MemoryRegion) ReadUint64(addr uint64) (uint64, bool) {
	b, ok := s.Slice(addr, 8)
	if !ok {
		return 0, false
	}
	return le.Uint64(b), true
}

// Segments is a sorted list of non-overlapping memory regions.
// A read must be satisfied by a single region.
type Segments []MemoryRegion

// NewSegments builds Segments from arbitrary regions. Where regions overlap,
// the earlier region in the argument list wins.
func NewSegments(regions ...MemoryRegion) Segments {
	var ss Segments
	for _, r := range regions {
		r := r
		ss.insert(r.addr, r.Size(), func(addr, size uint64) (MemoryRegion, error) {
			off := addr - r.addr
			return MemoryRegion{addr: addr, data: r.data[off : off+size : off+size], readable: r.readable}, nil
		})
	}
	return ss
}

func (ss Segments) Base() uint64 {
	if len(ss) == 0 {
		return 0
	}
	return ss[0].addr
}

func (ss Segments) Size() uint64 {
	if len(ss) == 0 {
		return 0
	}
	return ss[len(ss)-1].end() - ss[0].addr
}

// findSegment finds the segment that contains the given address.
func (ss Segments) findSegment(addr uint64) (MemoryRegion, bool) {
	// Binary search for an upper-bound segment, then check
	// if the previous segment contains addr.
	k := sort.Search(len(ss), func(k int) bool {
		return addr < ss[k].addr
	})
	k--
	if k >= 0 && ss[k].contains(addr) {
		return ss[k], true
	}
	return MemoryRegion{}, false
}

func (ss Segments) Slice(addr, size uint64) ([]byte, bool) {
	s, ok := ss.findSegment(addr)
	if !ok {
		return nil, false
	}
	return s.Slice(addr, size)
}

func (ss Segments) ReadUint8(addr uint64) (uint8, bool) {
	s, ok := ss.findSegment(addr)
	if !ok {
		return 0, false
	}
	return s.ReadUint8(addr)
}

func (ss Segments) ReadUint16(addr uint64) (uint16, bool) {
	s, ok := ss.findSegment(addr)
	if !ok {
		return 0, false
	}
	return s.ReadUint16(addr)
}

func (ss Segments) ReadUint32(addr uint64) (uint32, bool) {
	s, ok := ss.findSegment(addr)
	if !ok {
		return 0, false
	}
	return s.ReadUint32(addr)
}

func (ss Segments) ReadUint64(addr uint64) (uint64, bool) {
	s, ok := ss.findSegment(addr)
	if !ok {
		return 0, false
	}
	return s.ReadUint64(addr)
}

// insert inserts a range [addr, addr+size) into ss. We maintain an invariant
// that ss is sorted and contains only non-overlapping segments. If the given
// range overlaps an existing segment, the range is split into a set subranges
// that do not overlap any existing segments. If new segments are needed,
// they are created with makeSegment.
func (ss *Segments) insert(addr, size uint64, makeSegment func(addr, size uint64) (MemoryRegion, error)) error {
	if size == 0 {
		return nil
	}
	if addr+size < addr {
		// Clip ranges that wrap the address space.
		size = -addr
		if size == 0 {
			return nil
		}
	}

	if sanityChecks {
		defer func() {
			if !slices.IsSortedFunc(*ss, func(a, b MemoryRegion) bool { return a.addr < b.addr }) {
				for k, s := range *ss {
					printf("Segments[%v] = %s", k, s)
				}
				panic(fmt.Sprintf("Segments are not sorted after insert(0x%x, 0x%x)", addr, size))
			}
		}()
	}

	// Binary search for the first segment where s.addr+s.size > addr.
	k := sort.Search(len(*ss), func(k int) bool {
		return (*ss)[k].end() > addr
	})

	// (*ss)[k-1] is fully below [addr, addr+size).
	// Starting from k, walk forward and split the range at all overlapping segments.
	for {
		if k == len(*ss) {
			s, err := makeSegment(addr, size)
			if err != nil {
				return err
			}
			verbosef("loading %s", s)
			*ss = append(*ss, s)
			return nil
		}
		// If any part of the current range lies to the left of segment k,
		// insert a new segment before k.
		if addr < (*ss)[k].addr {
			slen := (*ss)[k].addr - addr
			if slen > size {
				slen = size
			}
			s, err := makeSegment(addr, slen)
			if err != nil {
				return err
			}
			verbosef("loading %s", s)
			*ss = slices.Insert(*ss, k, s)
			k++
		}
		// If any part of the current range lies to the right of the current
		// segment, preserve that part of the range and advance to the next segment.
		segEnd := (*ss)[k].end()
		rangeEnd := addr + size
		if segEnd < rangeEnd {
			if addr < segEnd {
				addr = segEnd
				size = rangeEnd - segEnd
			}
			k++
			continue
		}
		// No part of the current range lies to the right of the current
		// segment, so we're done.
		return nil
	}
}

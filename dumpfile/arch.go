package dumpfile

import (
	"encoding/binary"
	"fmt"
)

// le is the byte order of every supported target.
var le = binary.LittleEndian

// Arch identifies the CPU architecture of a thread context.
type Arch int

const (
	ArchUnknown Arch = iota
	ArchX86
	ArchAMD64
	ArchARM
	ArchARM64
)

func (a Arch) String() string {
	switch a {
	case ArchX86:
		return "x86"
	case ArchAMD64:
		return "amd64"
	case ArchARM:
		return "arm"
	case ArchARM64:
		return "arm64"
	}
	return fmt.Sprintf("Arch(%d)", int(a))
}

// PointerSize reports the size of a machine word in bytes.
// It is 0 for ArchUnknown.
func (a Arch) PointerSize() int {
	switch a {
	case ArchX86, ArchARM:
		return 4
	case ArchAMD64, ArchARM64:
		return 8
	}
	return 0
}

// ByteOrder reports the byte order of memory. All supported targets run
// little-endian.
func (a Arch) ByteOrder() binary.ByteOrder {
	return le
}

// Uintptr decodes a machine word from b.
func (a Arch) Uintptr(b []byte) uint64 {
	if a.PointerSize() == 4 {
		return uint64(a.ByteOrder().Uint32(b))
	}
	return a.ByteOrder().Uint64(b)
}

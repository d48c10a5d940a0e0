package stackwalk

import (
	"github.com/tombergan/dumpwalk/cfi"
	"github.com/tombergan/dumpwalk/dumpfile"
)

var allArchs = []dumpfile.Arch{dumpfile.ArchX86, dumpfile.ArchAMD64, dumpfile.ArchARM, dumpfile.ArchARM64}

// stackBuilder lays out machine words in a block of memory.
type stackBuilder struct {
	arch dumpfile.Arch
	base uint64
	buf  []byte
}

func newStack(arch dumpfile.Arch, base uint64, size int) *stackBuilder {
	return &stackBuilder{arch: arch, base: base, buf: make([]byte, size)}
}

func (s *stackBuilder) ws() uint64 { return uint64(s.arch.PointerSize()) }

func (s *stackBuilder) put(addr, v uint64) {
	off := addr - s.base
	if s.arch.PointerSize() == 4 {
		s.arch.ByteOrder().PutUint32(s.buf[off:], uint32(v))
	} else {
		s.arch.ByteOrder().PutUint64(s.buf[off:], v)
	}
}

func (s *stackBuilder) memory() dumpfile.Memory {
	return dumpfile.NewSegments(dumpfile.NewMemoryRegion(s.base, s.buf))
}

// makeContext returns a context of the given architecture with the
// instruction, stack, and frame pointers set.
func makeContext(arch dumpfile.Arch, ip, sp, fp uint64) dumpfile.Context {
	switch arch {
	case dumpfile.ArchX86:
		return &dumpfile.X86Context{Eip: uint32(ip), Esp: uint32(sp), Ebp: uint32(fp)}
	case dumpfile.ArchAMD64:
		return &dumpfile.AMD64Context{Rip: ip, Rsp: sp, Rbp: fp}
	case dumpfile.ArchARM:
		c := &dumpfile.ARMContext{}
		c.IRegs[dumpfile.ARMRegPC] = uint32(ip)
		c.IRegs[dumpfile.ARMRegSP] = uint32(sp)
		c.IRegs[dumpfile.ARMRegFP] = uint32(fp)
		return c
	case dumpfile.ArchARM64:
		c := &dumpfile.ARM64Context{}
		c.IRegs[dumpfile.ARM64RegPC] = ip
		c.IRegs[dumpfile.ARM64RegSP] = sp
		c.IRegs[dumpfile.ARM64RegFP] = fp
		return c
	}
	panic("bad arch")
}

// framePointer returns the frame pointer register of ctx.
func framePointer(ctx dumpfile.Context) uint64 {
	switch c := ctx.(type) {
	case *dumpfile.X86Context:
		return uint64(c.Ebp)
	case *dumpfile.AMD64Context:
		return c.Rbp
	case *dumpfile.ARMContext:
		return uint64(c.IRegs[dumpfile.ARMRegFP])
	case *dumpfile.ARM64Context:
		return c.IRegs[dumpfile.ARM64RegFP]
	}
	return 0
}

func ipAdjust(arch dumpfile.Arch) uint64 {
	switch arch {
	case dumpfile.ArchARM:
		return 2
	case dumpfile.ArchARM64:
		return 4
	}
	return 1
}

// rulesAt supplies CFI rules for exact instruction addresses.
type rulesAt map[uint64]string

func (r rulesAt) FindFrameInfo(module *dumpfile.Module, address uint64) (*cfi.Rules, bool) {
	s, ok := r[address]
	if !ok {
		return nil, false
	}
	rules, err := cfi.ParseRules(s)
	if err != nil {
		panic(err)
	}
	return rules, true
}

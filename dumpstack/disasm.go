package main

import (
	"github.com/go-errors/errors"
	"golang.org/x/arch/arm/armasm"
	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"

	"github.com/tombergan/dumpwalk/dumpfile"
)

// maxInstLen is the longest x86 instruction.
const maxInstLen = 15

// armThumbBit is the CPSR execution state bit T.
const armThumbBit = 1 << 5

// isThumb reports whether ctx was executing Thumb code.
func isThumb(ctx dumpfile.Context) bool {
	c, ok := ctx.(*dumpfile.ARMContext)
	return ok && c.CPSR&armThumbBit != 0
}

// disassemble decodes the instruction at pc in GNU syntax. thumb selects
// the Thumb instruction set on ARM.
func disassemble(arch dumpfile.Arch, mem dumpfile.Memory, pc uint64, thumb bool) (string, error) {
	var code []byte
	for n := uint64(maxInstLen); n > 0; n-- {
		if b, ok := mem.Slice(pc, n); ok {
			code = b
			break
		}
	}
	if code == nil {
		return "", errors.Errorf("no memory at 0x%x", pc)
	}

	switch arch {
	case dumpfile.ArchX86, dumpfile.ArchAMD64:
		mode := 64
		if arch == dumpfile.ArchX86 {
			mode = 32
		}
		inst, err := x86asm.Decode(code, mode)
		if err != nil {
			return "", errors.Wrap(err, 0)
		}
		return x86asm.GNUSyntax(inst, pc, nil), nil
	case dumpfile.ArchARM:
		mode := armasm.ModeARM
		if thumb {
			mode = armasm.ModeThumb
		}
		inst, err := armasm.Decode(code, mode)
		if err != nil {
			return "", errors.Errorf("%s: %v", mode, err)
		}
		return armasm.GNUSyntax(inst), nil
	case dumpfile.ArchARM64:
		inst, err := arm64asm.Decode(code)
		if err != nil {
			return "", errors.Wrap(err, 0)
		}
		return arm64asm.GNUSyntax(inst), nil
	}
	return "", errors.Errorf("cannot disassemble %s", arch)
}

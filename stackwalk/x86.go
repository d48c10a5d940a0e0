package stackwalk

import (
	"github.com/tombergan/dumpwalk/cfi"
	"github.com/tombergan/dumpwalk/dumpfile"
)

// x86Essentials must all be recovered for a CFI result to be used.
const x86Essentials = ValidX86EIP | ValidX86ESP | ValidX86EBP

func x86Reg(name, callerName string, calleeSaves bool, valid Validity, field func(*dumpfile.X86Context) *uint32) cfiRegister {
	return cfiRegister{
		name:        name,
		callerName:  callerName,
		calleeSaves: calleeSaves,
		valid:       valid,
		get:         func(c dumpfile.Context) uint64 { return uint64(*field(c.(*dumpfile.X86Context))) },
		set:         func(c dumpfile.Context, v uint64) { *field(c.(*dumpfile.X86Context)) = uint32(v) },
	}
}

var x86CFI = &cfiWalker{
	wordSize: 4,
	regs: []cfiRegister{
		x86Reg("$eip", cfi.RA, false, ValidX86EIP, func(c *dumpfile.X86Context) *uint32 { return &c.Eip }),
		x86Reg("$esp", cfi.CFA, false, ValidX86ESP, func(c *dumpfile.X86Context) *uint32 { return &c.Esp }),
		x86Reg("$ebp", "", true, ValidX86EBP, func(c *dumpfile.X86Context) *uint32 { return &c.Ebp }),
		x86Reg("$eax", "", false, ValidX86EAX, func(c *dumpfile.X86Context) *uint32 { return &c.Eax }),
		x86Reg("$ebx", "", true, ValidX86EBX, func(c *dumpfile.X86Context) *uint32 { return &c.Ebx }),
		x86Reg("$ecx", "", false, ValidX86ECX, func(c *dumpfile.X86Context) *uint32 { return &c.Ecx }),
		x86Reg("$edx", "", false, ValidX86EDX, func(c *dumpfile.X86Context) *uint32 { return &c.Edx }),
		x86Reg("$esi", "", true, ValidX86ESI, func(c *dumpfile.X86Context) *uint32 { return &c.Esi }),
		x86Reg("$edi", "", true, ValidX86EDI, func(c *dumpfile.X86Context) *uint32 { return &c.Edi }),
	},
}

type x86Walker struct {
	walkerBase
	ctx *dumpfile.X86Context
}

func newX86Walker(b walkerBase, ctx *dumpfile.X86Context) *x86Walker {
	w := &x86Walker{walkerBase: b, ctx: ctx}
	w.disableAbove32Bits()
	return w
}

func (w *x86Walker) contextFrame() *StackFrame {
	return &StackFrame{
		Instruction: uint64(w.ctx.Eip),
		Trust:       TrustContext,
		Context:     w.ctx.Clone(),
		Validity:    ValidAll,
	}
}

func (w *x86Walker) callerFrame(stack *CallStack, scanAllowed bool) *StackFrame {
	if w.mem == nil || stack.Len() == 0 {
		return nil
	}
	last := stack.last()

	frame := w.callerByCFI(stack, last, scanAllowed)
	if frame == nil {
		frame = w.callerByFramePointer(last)
	}
	if frame == nil && scanAllowed {
		frame = w.callerByScan(stack, last)
	}
	if frame == nil {
		return nil
	}

	ctx := frame.Context.(*dumpfile.X86Context)
	if w.terminateWalk(uint64(ctx.Eip), uint64(ctx.Esp), last.StackPointer(), stack.Len() == 1) {
		return nil
	}
	// eip is the return address; back up into the call instruction.
	frame.Instruction = uint64(ctx.Eip) - 1
	return frame
}

func (w *x86Walker) callerByCFI(stack *CallStack, last *StackFrame, scanAllowed bool) *StackFrame {
	rules, ok := w.frameInfo(last)
	if !ok {
		return nil
	}
	caller := &dumpfile.X86Context{}
	valid, ok := x86CFI.findCallerRegs(rules, last.Context, last.Validity, caller, w.readWord)
	if !ok || valid&x86Essentials != x86Essentials {
		return nil
	}
	frame := &StackFrame{Trust: TrustCFI, Context: caller, Validity: valid}

	// The rules may be wrong for this address, e.g. when symbols do not
	// match the module. If the return address does not look like code,
	// scan from the recovered stack pointer instead.
	if scanAllowed && !w.instructionSeemsValid(uint64(caller.Eip)) {
		if location, eip, ok := w.scanForReturnAddress(uint64(caller.Esp), stack.Len() == 1); ok {
			caller.Eip = uint32(eip)
			caller.Esp = uint32(location + 4)
			frame.Trust = TrustCFIScan
		}
	}
	return frame
}

// callerByFramePointer assumes the standard %ebp convention: the callee's
// %ebp addresses the caller's saved %ebp, the return address is just above
// it, and the caller's %esp is 8 bytes above the callee's %ebp.
//
//	%eip_new = *(%ebp_old + 4)
//	%esp_new = %ebp_old + 8
//	%ebp_new = *(%ebp_old)
func (w *x86Walker) callerByFramePointer(last *StackFrame) *StackFrame {
	if last.Validity&ValidX86EBP == 0 {
		return nil
	}
	lastCtx := last.Context.(*dumpfile.X86Context)
	ebp := uint64(lastCtx.Ebp)
	eip, ok := w.readWord(w.mask(ebp + 4))
	if !ok {
		return nil
	}
	callerEBP, ok := w.readWord(ebp)
	if !ok {
		return nil
	}
	caller := lastCtx.Clone().(*dumpfile.X86Context)
	caller.Eip = uint32(eip)
	caller.Esp = uint32(ebp + 8)
	caller.Ebp = uint32(callerEBP)
	return &StackFrame{
		Trust:    TrustFramePointer,
		Context:  caller,
		Validity: ValidX86EIP | ValidX86ESP | ValidX86EBP,
	}
}

// callerByScan handles code without a frame pointer, e.g. a module built
// with -fomit-frame-pointer for which there are no symbols.
func (w *x86Walker) callerByScan(stack *CallStack, last *StackFrame) *StackFrame {
	lastCtx := last.Context.(*dumpfile.X86Context)
	location, eip, ok := w.scanForReturnAddress(uint64(lastCtx.Esp), stack.Len() == 1)
	if !ok {
		return nil
	}
	caller := lastCtx.Clone().(*dumpfile.X86Context)
	caller.Eip = uint32(eip)
	caller.Esp = uint32(location + 4)
	caller.Ebp = uint32(w.scannedCallerFP(location, uint64(lastCtx.Ebp)))
	return &StackFrame{
		Trust:    TrustScan,
		Context:  caller,
		Validity: ValidX86EIP | ValidX86ESP | ValidX86EBP,
	}
}

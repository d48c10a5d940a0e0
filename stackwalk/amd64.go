package stackwalk

import (
	"github.com/tombergan/dumpwalk/cfi"
	"github.com/tombergan/dumpwalk/dumpfile"
)

const amd64Essentials = ValidAMD64RIP | ValidAMD64RSP | ValidAMD64RBP

func amd64Reg(name, callerName string, calleeSaves bool, valid Validity, field func(*dumpfile.AMD64Context) *uint64) cfiRegister {
	return cfiRegister{
		name:        name,
		callerName:  callerName,
		calleeSaves: calleeSaves,
		valid:       valid,
		get:         func(c dumpfile.Context) uint64 { return *field(c.(*dumpfile.AMD64Context)) },
		set:         func(c dumpfile.Context, v uint64) { *field(c.(*dumpfile.AMD64Context)) = v },
	}
}

// amd64CFI follows the System V and Windows x64 conventions, which agree
// on rbx, rbp, and r12-r15 being callee-saves.
var amd64CFI = &cfiWalker{
	wordSize: 8,
	regs: []cfiRegister{
		amd64Reg("$rip", cfi.RA, false, ValidAMD64RIP, func(c *dumpfile.AMD64Context) *uint64 { return &c.Rip }),
		amd64Reg("$rsp", cfi.CFA, false, ValidAMD64RSP, func(c *dumpfile.AMD64Context) *uint64 { return &c.Rsp }),
		amd64Reg("$rbp", "", true, ValidAMD64RBP, func(c *dumpfile.AMD64Context) *uint64 { return &c.Rbp }),
		amd64Reg("$rbx", "", true, ValidAMD64RBX, func(c *dumpfile.AMD64Context) *uint64 { return &c.Rbx }),
		amd64Reg("$r12", "", true, ValidAMD64R12, func(c *dumpfile.AMD64Context) *uint64 { return &c.R12 }),
		amd64Reg("$r13", "", true, ValidAMD64R13, func(c *dumpfile.AMD64Context) *uint64 { return &c.R13 }),
		amd64Reg("$r14", "", true, ValidAMD64R14, func(c *dumpfile.AMD64Context) *uint64 { return &c.R14 }),
		amd64Reg("$r15", "", true, ValidAMD64R15, func(c *dumpfile.AMD64Context) *uint64 { return &c.R15 }),
		amd64Reg("$rax", "", false, ValidAMD64RAX, func(c *dumpfile.AMD64Context) *uint64 { return &c.Rax }),
		amd64Reg("$rcx", "", false, ValidAMD64RCX, func(c *dumpfile.AMD64Context) *uint64 { return &c.Rcx }),
		amd64Reg("$rdx", "", false, ValidAMD64RDX, func(c *dumpfile.AMD64Context) *uint64 { return &c.Rdx }),
		amd64Reg("$rsi", "", false, ValidAMD64RSI, func(c *dumpfile.AMD64Context) *uint64 { return &c.Rsi }),
		amd64Reg("$rdi", "", false, ValidAMD64RDI, func(c *dumpfile.AMD64Context) *uint64 { return &c.Rdi }),
		amd64Reg("$r8", "", false, ValidAMD64R8, func(c *dumpfile.AMD64Context) *uint64 { return &c.R8 }),
		amd64Reg("$r9", "", false, ValidAMD64R9, func(c *dumpfile.AMD64Context) *uint64 { return &c.R9 }),
		amd64Reg("$r10", "", false, ValidAMD64R10, func(c *dumpfile.AMD64Context) *uint64 { return &c.R10 }),
		amd64Reg("$r11", "", false, ValidAMD64R11, func(c *dumpfile.AMD64Context) *uint64 { return &c.R11 }),
	},
}

type amd64Walker struct {
	walkerBase
	ctx *dumpfile.AMD64Context
}

func newAMD64Walker(b walkerBase, ctx *dumpfile.AMD64Context) *amd64Walker {
	return &amd64Walker{walkerBase: b, ctx: ctx}
}

func (w *amd64Walker) contextFrame() *StackFrame {
	return &StackFrame{
		Instruction: w.ctx.Rip,
		Trust:       TrustContext,
		Context:     w.ctx.Clone(),
		Validity:    ValidAll,
	}
}

func (w *amd64Walker) callerFrame(stack *CallStack, scanAllowed bool) *StackFrame {
	if w.mem == nil || stack.Len() == 0 {
		return nil
	}
	last := stack.last()

	frame := w.callerByCFI(last)
	if frame == nil {
		frame = w.callerByFramePointer(last)
	}
	if frame == nil && scanAllowed {
		frame = w.callerByScan(stack, last)
	}
	if frame == nil {
		return nil
	}

	ctx := frame.Context.(*dumpfile.AMD64Context)
	if w.terminateWalk(ctx.Rip, ctx.Rsp, last.StackPointer(), stack.Len() == 1) {
		return nil
	}
	frame.Instruction = ctx.Rip - 1
	return frame
}

func (w *amd64Walker) callerByCFI(last *StackFrame) *StackFrame {
	rules, ok := w.frameInfo(last)
	if !ok {
		return nil
	}
	caller := &dumpfile.AMD64Context{}
	valid, ok := amd64CFI.findCallerRegs(rules, last.Context, last.Validity, caller, w.readWord)
	if !ok || valid&amd64Essentials != amd64Essentials {
		return nil
	}
	return &StackFrame{Trust: TrustCFI, Context: caller, Validity: valid}
}

// callerByFramePointer follows the %rbp chain:
//
//	%rip_new = *(%rbp_old + 8)
//	%rsp_new = %rbp_old + 16
//	%rbp_new = *(%rbp_old)
func (w *amd64Walker) callerByFramePointer(last *StackFrame) *StackFrame {
	if last.Validity&ValidAMD64RBP == 0 {
		return nil
	}
	lastCtx := last.Context.(*dumpfile.AMD64Context)
	rbp := lastCtx.Rbp
	rip, ok := w.readWord(rbp + 8)
	if !ok {
		return nil
	}
	callerRBP, ok := w.readWord(rbp)
	if !ok {
		return nil
	}
	caller := lastCtx.Clone().(*dumpfile.AMD64Context)
	caller.Rip = rip
	caller.Rsp = rbp + 16
	caller.Rbp = callerRBP
	return &StackFrame{
		Trust:    TrustFramePointer,
		Context:  caller,
		Validity: ValidAMD64RIP | ValidAMD64RSP | ValidAMD64RBP,
	}
}

func (w *amd64Walker) callerByScan(stack *CallStack, last *StackFrame) *StackFrame {
	lastCtx := last.Context.(*dumpfile.AMD64Context)
	location, rip, ok := w.scanForReturnAddress(lastCtx.Rsp, stack.Len() == 1)
	if !ok {
		return nil
	}
	caller := lastCtx.Clone().(*dumpfile.AMD64Context)
	caller.Rip = rip
	caller.Rsp = location + 8
	caller.Rbp = w.scannedCallerFP(location, lastCtx.Rbp)
	return &StackFrame{
		Trust:    TrustScan,
		Context:  caller,
		Validity: ValidAMD64RIP | ValidAMD64RSP | ValidAMD64RBP,
	}
}

package stackwalk

import (
	"fmt"

	"github.com/tombergan/dumpwalk/cfi"
	"github.com/tombergan/dumpwalk/dumpfile"
)

const arm64Essentials = Validity(1)<<dumpfile.ARM64RegPC | Validity(1)<<dumpfile.ARM64RegSP | Validity(1)<<dumpfile.ARM64RegFP

func arm64Reg(name, callerName string, calleeSaves bool, n int) cfiRegister {
	return cfiRegister{
		name:        name,
		callerName:  callerName,
		calleeSaves: calleeSaves,
		valid:       ValidARM64Reg(n),
		get:         func(c dumpfile.Context) uint64 { return c.(*dumpfile.ARM64Context).IRegs[n] },
		set:         func(c dumpfile.Context, v uint64) { c.(*dumpfile.ARM64Context).IRegs[n] = v },
	}
}

// arm64CFI uses the AAPCS64 register roles: x19-x29 are callee-saves.
var arm64CFI = func() *cfiWalker {
	w := &cfiWalker{wordSize: 8}
	for n := 0; n <= 30; n++ {
		w.regs = append(w.regs, arm64Reg(fmt.Sprintf("x%d", n), "", n >= 19 && n <= 29, n))
	}
	w.regs = append(w.regs,
		arm64Reg("sp", cfi.CFA, false, dumpfile.ARM64RegSP),
		arm64Reg("pc", cfi.RA, false, dumpfile.ARM64RegPC),
	)
	return w
}()

type arm64Walker struct {
	walkerBase
	ctx *dumpfile.ARM64Context

	// addressMask covers every address up to the highest module address.
	// Return addresses signed with pointer authentication carry the
	// signature above it.
	addressMask uint64
}

func newARM64Walker(b walkerBase, ctx *dumpfile.ARM64Context) *arm64Walker {
	w := &arm64Walker{walkerBase: b, ctx: ctx, addressMask: ^uint64(0)}
	if hi := b.modules.HighestAddress(); hi > 0 {
		var mask uint64
		for mask < hi-1 {
			mask = mask<<1 | 1
		}
		w.addressMask = mask
	}
	return w
}

// ptrauthStrip removes a pointer authentication code from ptr. The
// stripped value is kept only if it lands in a module.
func (w *arm64Walker) ptrauthStrip(ptr uint64) uint64 {
	stripped := ptr & w.addressMask
	if _, ok := w.modules.ModuleForAddress(stripped); ok {
		return stripped
	}
	return ptr
}

func (w *arm64Walker) contextFrame() *StackFrame {
	return &StackFrame{
		Instruction: w.ctx.IRegs[dumpfile.ARM64RegPC],
		Trust:       TrustContext,
		Context:     w.ctx.Clone(),
		Validity:    ValidAll,
	}
}

func (w *arm64Walker) callerFrame(stack *CallStack, scanAllowed bool) *StackFrame {
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

	ctx := frame.Context.(*dumpfile.ARM64Context)
	pc := ctx.IRegs[dumpfile.ARM64RegPC]
	if w.terminateWalk(pc, ctx.IRegs[dumpfile.ARM64RegSP], last.StackPointer(), stack.Len() == 1) {
		return nil
	}
	frame.Instruction = pc - 4
	return frame
}

func (w *arm64Walker) callerByCFI(last *StackFrame) *StackFrame {
	rules, ok := w.frameInfo(last)
	if !ok {
		return nil
	}
	caller := &dumpfile.ARM64Context{}
	valid, ok := arm64CFI.findCallerRegs(rules, last.Context, last.Validity, caller, w.readWord)
	if !ok || valid&arm64Essentials != arm64Essentials {
		return nil
	}
	caller.IRegs[dumpfile.ARM64RegPC] = w.ptrauthStrip(caller.IRegs[dumpfile.ARM64RegPC])
	return &StackFrame{Trust: TrustCFI, Context: caller, Validity: valid}
}

// callerByFramePointer follows the AAPCS64 frame records: x29 addresses
// {saved x29, saved x30}.
func (w *arm64Walker) callerByFramePointer(last *StackFrame) *StackFrame {
	if last.Validity&ValidARM64Reg(dumpfile.ARM64RegFP) == 0 {
		return nil
	}
	lastCtx := last.Context.(*dumpfile.ARM64Context)
	fp := lastCtx.IRegs[dumpfile.ARM64RegFP]
	lr, ok := w.readWord(fp + 8)
	if !ok {
		return nil
	}
	callerFP, ok := w.readWord(fp)
	if !ok {
		return nil
	}
	caller := lastCtx.Clone().(*dumpfile.ARM64Context)
	caller.IRegs[dumpfile.ARM64RegPC] = w.ptrauthStrip(lr)
	caller.IRegs[dumpfile.ARM64RegSP] = fp + 16
	caller.IRegs[dumpfile.ARM64RegFP] = callerFP
	return &StackFrame{
		Trust:    TrustFramePointer,
		Context:  caller,
		Validity: arm64Essentials,
	}
}

func (w *arm64Walker) callerByScan(stack *CallStack, last *StackFrame) *StackFrame {
	lastCtx := last.Context.(*dumpfile.ARM64Context)
	location, pc, ok := w.scanForReturnAddress(lastCtx.IRegs[dumpfile.ARM64RegSP], stack.Len() == 1)
	if !ok {
		return nil
	}
	caller := lastCtx.Clone().(*dumpfile.ARM64Context)
	caller.IRegs[dumpfile.ARM64RegPC] = pc
	caller.IRegs[dumpfile.ARM64RegSP] = location + 8
	caller.IRegs[dumpfile.ARM64RegFP] = w.scannedCallerFP(location, lastCtx.IRegs[dumpfile.ARM64RegFP])
	return &StackFrame{
		Trust:    TrustScan,
		Context:  caller,
		Validity: arm64Essentials,
	}
}

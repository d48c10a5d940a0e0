package stackwalk

import (
	"fmt"

	"github.com/tombergan/dumpwalk/cfi"
	"github.com/tombergan/dumpwalk/dumpfile"
)

func armReg(name, callerName string, calleeSaves bool, n int) cfiRegister {
	return cfiRegister{
		name:        name,
		callerName:  callerName,
		calleeSaves: calleeSaves,
		valid:       ValidARMReg(n),
		get:         func(c dumpfile.Context) uint64 { return uint64(c.(*dumpfile.ARMContext).IRegs[n]) },
		set:         func(c dumpfile.Context, v uint64) { c.(*dumpfile.ARMContext).IRegs[n] = uint32(v) },
	}
}

// armCFI uses the AAPCS register roles: r4-r11 are callee-saves.
var armCFI = func() *cfiWalker {
	w := &cfiWalker{wordSize: 4}
	for n := 0; n <= 12; n++ {
		w.regs = append(w.regs, armReg(fmt.Sprintf("r%d", n), "", n >= 4 && n <= 11, n))
	}
	w.regs = append(w.regs,
		armReg("sp", cfi.CFA, false, dumpfile.ARMRegSP),
		armReg("lr", "", false, dumpfile.ARMRegLR),
		armReg("pc", cfi.RA, false, dumpfile.ARMRegPC),
	)
	return w
}()

type armWalker struct {
	walkerBase
	ctx *dumpfile.ARMContext
	fp  int // frame pointer register
}

func newARMWalker(b walkerBase, ctx *dumpfile.ARMContext) *armWalker {
	w := &armWalker{walkerBase: b, ctx: ctx, fp: b.cfg.ARMFramePointer}
	w.disableAbove32Bits()
	return w
}

func (w *armWalker) essentials() Validity {
	return ValidARMReg(dumpfile.ARMRegPC) | ValidARMReg(dumpfile.ARMRegSP) | ValidARMReg(w.fp)
}

func (w *armWalker) contextFrame() *StackFrame {
	return &StackFrame{
		Instruction: uint64(w.ctx.IRegs[dumpfile.ARMRegPC]),
		Trust:       TrustContext,
		Context:     w.ctx.Clone(),
		Validity:    ValidAll,
	}
}

func (w *armWalker) callerFrame(stack *CallStack, scanAllowed bool) *StackFrame {
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

	ctx := frame.Context.(*dumpfile.ARMContext)
	pc := uint64(ctx.IRegs[dumpfile.ARMRegPC])
	if w.terminateWalk(pc, uint64(ctx.IRegs[dumpfile.ARMRegSP]), last.StackPointer(), stack.Len() == 1) {
		return nil
	}
	// Thumb calls are 2 bytes; backing up 2 lands inside both Thumb and
	// ARM call instructions.
	frame.Instruction = pc - 2
	return frame
}

func (w *armWalker) callerByCFI(last *StackFrame) *StackFrame {
	rules, ok := w.frameInfo(last)
	if !ok {
		return nil
	}
	caller := &dumpfile.ARMContext{}
	valid, ok := armCFI.findCallerRegs(rules, last.Context, last.Validity, caller, w.readWord)
	if !ok || valid&w.essentials() != w.essentials() {
		return nil
	}
	return &StackFrame{Trust: TrustCFI, Context: caller, Validity: valid}
}

// callerByFramePointer follows the frame records that the frame pointer
// register addresses: {saved fp, saved lr}.
func (w *armWalker) callerByFramePointer(last *StackFrame) *StackFrame {
	if last.Validity&ValidARMReg(w.fp) == 0 {
		return nil
	}
	lastCtx := last.Context.(*dumpfile.ARMContext)
	fp := uint64(lastCtx.IRegs[w.fp])
	pc, ok := w.readWord(w.mask(fp + 4))
	if !ok {
		return nil
	}
	callerFP, ok := w.readWord(fp)
	if !ok {
		return nil
	}
	caller := lastCtx.Clone().(*dumpfile.ARMContext)
	caller.IRegs[dumpfile.ARMRegPC] = uint32(pc)
	caller.IRegs[dumpfile.ARMRegSP] = uint32(fp + 8)
	caller.IRegs[w.fp] = uint32(callerFP)
	return &StackFrame{
		Trust:    TrustFramePointer,
		Context:  caller,
		Validity: w.essentials(),
	}
}

func (w *armWalker) callerByScan(stack *CallStack, last *StackFrame) *StackFrame {
	lastCtx := last.Context.(*dumpfile.ARMContext)
	location, pc, ok := w.scanForReturnAddress(uint64(lastCtx.IRegs[dumpfile.ARMRegSP]), stack.Len() == 1)
	if !ok {
		return nil
	}
	caller := lastCtx.Clone().(*dumpfile.ARMContext)
	caller.IRegs[dumpfile.ARMRegPC] = uint32(pc)
	caller.IRegs[dumpfile.ARMRegSP] = uint32(location + 4)
	caller.IRegs[w.fp] = uint32(w.scannedCallerFP(location, uint64(lastCtx.IRegs[w.fp])))
	return &StackFrame{
		Trust:    TrustScan,
		Context:  caller,
		Validity: w.essentials(),
	}
}

package stackwalk

import (
	"fmt"

	"github.com/tombergan/dumpwalk/dumpfile"
)

// Trust describes how a frame's registers were recovered. Higher values
// are more reliable. The walker does not compare trust levels; the order
// of recovery strategies is fixed.
type Trust int

const (
	TrustNone         Trust = iota // unknown
	TrustScan                      // found by scanning the stack for a return address
	TrustCFIScan                   // CFI produced an implausible return address; found by scanning from the CFA
	TrustFramePointer              // followed the caller's saved frame pointer
	TrustCFI                       // evaluated call frame information
	TrustContext                   // taken from the thread's register context
)

func (t Trust) String() string {
	switch t {
	case TrustNone:
		return "none"
	case TrustScan:
		return "scan"
	case TrustCFIScan:
		return "cfi_scan"
	case TrustFramePointer:
		return "frame_pointer"
	case TrustCFI:
		return "cfi"
	case TrustContext:
		return "context"
	}
	return fmt.Sprintf("Trust(%d)", int(t))
}

// Description returns a human-readable phrase for stack listings.
func (t Trust) Description() string {
	switch t {
	case TrustContext:
		return "given as instruction pointer in context"
	case TrustCFI:
		return "call frame info"
	case TrustFramePointer:
		return "previous frame's frame pointer"
	case TrustCFIScan:
		return "call frame info with scanning"
	case TrustScan:
		return "stack scanning"
	}
	return "unknown"
}

// scanned reports whether frames of this trust count against
// Config.MaxFramesScanned.
func (t Trust) scanned() bool {
	return t == TrustNone || t == TrustScan || t == TrustCFIScan
}

// Validity is a bitmask of the registers in a frame's context that hold
// recovered values. Registers whose bit is clear hold leftovers and must
// not be trusted. The bits are architecture-specific.
type Validity uint64

// ValidAll marks every register valid. Context frames use it.
const ValidAll Validity = ^Validity(0)

// x86 register bits.
const (
	ValidX86EIP Validity = 1 << iota
	ValidX86ESP
	ValidX86EBP
	ValidX86EBX
	ValidX86ESI
	ValidX86EDI
	ValidX86EAX
	ValidX86ECX
	ValidX86EDX
)

// amd64 register bits.
const (
	ValidAMD64RIP Validity = 1 << iota
	ValidAMD64RSP
	ValidAMD64RBP
	ValidAMD64RBX
	ValidAMD64R12
	ValidAMD64R13
	ValidAMD64R14
	ValidAMD64R15
	ValidAMD64RAX
	ValidAMD64RCX
	ValidAMD64RDX
	ValidAMD64RSI
	ValidAMD64RDI
	ValidAMD64R8
	ValidAMD64R9
	ValidAMD64R10
	ValidAMD64R11
)

// ValidARMReg returns the bit for ARM register rN.
func ValidARMReg(n int) Validity { return 1 << uint(n) }

// ValidARM64Reg returns the bit for ARM64 register n, numbered as in
// dumpfile.ARM64Context.IRegs.
func ValidARM64Reg(n int) Validity { return 1 << uint(n) }

// StackFrame is one frame of a call stack.
type StackFrame struct {
	// Instruction is an address inside the instruction executing in this
	// frame. For caller frames it is the return address backed up into
	// the call instruction, so that it attributes to the caller.
	Instruction uint64
	Trust       Trust

	// Module contains Instruction, or is nil.
	Module *dumpfile.Module

	// Context holds the frame's registers. Only the registers in
	// Validity are meaningful.
	Context  dumpfile.Context
	Validity Validity
}

// ReturnAddress returns the frame's unadjusted instruction pointer: for a
// caller frame, the address the callee returns to.
func (f *StackFrame) ReturnAddress() uint64 {
	if f.Context == nil {
		return f.Instruction
	}
	return f.Context.InstructionPointer()
}

// StackPointer returns the frame's stack pointer.
func (f *StackFrame) StackPointer() uint64 {
	if f.Context == nil {
		return 0
	}
	return f.Context.StackPointer()
}

// ModuleOffset returns Instruction relative to the base of Module.
// It returns false if the frame has no module.
func (f *StackFrame) ModuleOffset() (uint64, bool) {
	if f.Module == nil {
		return 0, false
	}
	return f.Instruction - f.Module.Base, true
}

func (f *StackFrame) String() string {
	if off, ok := f.ModuleOffset(); ok {
		return fmt.Sprintf("%s + 0x%x (%s)", f.Module.Path, off, f.Trust)
	}
	return fmt.Sprintf("0x%x (%s)", f.Instruction, f.Trust)
}

// CallStack is the result of one walk: frames ordered from the innermost
// (the thread's context) to the outermost caller.
type CallStack struct {
	frames []*StackFrame

	// Loaded modules with frames whose symbols are missing or corrupt,
	// in the order first seen.
	missing []*dumpfile.Module
	corrupt []*dumpfile.Module
}

// NewCallStack returns a stack holding frames, innermost first. It serves
// stacks recovered by other means, such as a stack stored in a dump.
func NewCallStack(frames []*StackFrame) *CallStack {
	return &CallStack{frames: append([]*StackFrame(nil), frames...)}
}

// Len returns the number of frames.
func (cs *CallStack) Len() int {
	if cs == nil {
		return 0
	}
	return len(cs.frames)
}

// Frame returns the i-th frame, 0 being innermost.
func (cs *CallStack) Frame(i int) *StackFrame {
	return cs.frames[i]
}

// Frames returns all frames. The caller must not modify the slice or the
// frames.
func (cs *CallStack) Frames() []*StackFrame {
	if cs == nil {
		return nil
	}
	return cs.frames
}

// MissingSymbols returns the loaded modules holding a frame of the stack
// for which the walk's FrameInfoResolver has no symbols. It is empty unless
// the resolver implements SymbolReporter.
func (cs *CallStack) MissingSymbols() []*dumpfile.Module {
	if cs == nil {
		return nil
	}
	return cs.missing
}

// CorruptSymbols is like MissingSymbols for modules whose symbols failed
// to parse.
func (cs *CallStack) CorruptSymbols() []*dumpfile.Module {
	if cs == nil {
		return nil
	}
	return cs.corrupt
}

// AppendModule appends m to list unless a module with the same symbols is
// already present.
func AppendModule(list []*dumpfile.Module, m *dumpfile.Module) []*dumpfile.Module {
	for _, o := range list {
		if o.SameSymbols(m) {
			return list
		}
	}
	return append(list, m)
}

func (cs *CallStack) last() *StackFrame {
	return cs.frames[len(cs.frames)-1]
}

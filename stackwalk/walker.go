// Package stackwalk reconstructs call stacks from a thread's register
// context, captured memory, and the list of loaded modules.
//
// Each caller is recovered with the first strategy that works:
//
//  1. Call frame information, when Config.FrameInfo supplies rules for
//     the frame's instruction and the rules recover the instruction
//     pointer, stack pointer, and frame pointer.
//  2. The frame-pointer chain: the frame pointer addresses the caller's
//     saved frame pointer, with the return address one word above it.
//  3. Stack scanning: the first word near the stack pointer that points
//     into a loaded module is taken as the return address.
//
// A candidate caller is rejected, ending the walk, if its instruction
// pointer is below 4096 or if its stack pointer does not increase. These
// checks, together with Config.MaxFrames and Config.MaxFramesScanned,
// guarantee termination on corrupt or cyclic stacks.
//
// Walks do no I/O and never modify their inputs, so threads of one dump
// may be walked concurrently over shared Memory and Modules.
package stackwalk

import (
	"io"

	"github.com/sirupsen/logrus"
	"github.com/tombergan/dumpwalk/cfi"
	"github.com/tombergan/dumpwalk/dumpfile"
)

// Defaults for Config fields left zero.
const (
	DefaultMaxFrames        = 1 << 20
	DefaultMaxFramesScanned = 1 << 14
	DefaultScanWords        = 40
	DefaultMaxFrameGap      = 128 * 1024
)

// FrameInfoResolver supplies call frame information. FindFrameInfo returns
// the rules in effect at address, an instruction inside module.
type FrameInfoResolver interface {
	FindFrameInfo(module *dumpfile.Module, address uint64) (*cfi.Rules, bool)
}

// SymbolStatus describes the symbols a FrameInfoResolver holds for a module.
type SymbolStatus int

const (
	SymbolsLoaded SymbolStatus = iota
	SymbolsMissing
	SymbolsCorrupt
)

// SymbolReporter may be implemented by a FrameInfoResolver. Walk then
// records, on the returned CallStack, the loaded modules it attributed a
// frame to whose symbols are missing or corrupt.
type SymbolReporter interface {
	SymbolStatus(module *dumpfile.Module) SymbolStatus
}

// Config controls a walk. The zero Config is ready to use.
type Config struct {
	// MaxFrames bounds the length of a call stack.
	MaxFrames int

	// MaxFramesScanned bounds the number of frames recovered by stack
	// scanning. Once reached, scanning is no longer attempted. Zero means
	// the default; a negative value disables scanning.
	MaxFramesScanned int

	// ScanWords is the number of stack words examined when scanning for a
	// return address. The scan for the context frame's caller examines
	// four times as many, since the crashing function may not have set up
	// a frame yet.
	ScanWords int

	// MaxFrameGap is the largest plausible distance in bytes between a
	// frame pointer recovered by scanning and the slot it was read from.
	MaxFrameGap uint64

	// FrameInfo, if set, provides call frame information.
	FrameInfo FrameInfoResolver

	// UnloadedModules lists modules that were unloaded before the dump was
	// written. Frames whose instruction is in no loaded module are
	// attributed to these.
	UnloadedModules *dumpfile.Modules

	// ARMFramePointer is the ARM frame pointer register: dumpfile.ARMRegFP
	// (r11, the default) or dumpfile.ARMRegIOSFP (r7).
	ARMFramePointer int

	// Logger receives per-frame debug messages. Nil discards them.
	Logger logrus.FieldLogger
}

func (c Config) withDefaults() Config {
	if c.MaxFrames <= 0 {
		c.MaxFrames = DefaultMaxFrames
	}
	switch {
	case c.MaxFramesScanned == 0:
		c.MaxFramesScanned = DefaultMaxFramesScanned
	case c.MaxFramesScanned < 0:
		c.MaxFramesScanned = 0
	}
	if c.ScanWords <= 0 {
		c.ScanWords = DefaultScanWords
	}
	if c.MaxFrameGap == 0 {
		c.MaxFrameGap = DefaultMaxFrameGap
	}
	if c.ARMFramePointer != dumpfile.ARMRegIOSFP {
		c.ARMFramePointer = dumpfile.ARMRegFP
	}
	if c.Logger == nil {
		c.Logger = discardLogger()
	}
	return c
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.PanicLevel)
	return l
}

// unwinder is implemented once per architecture.
type unwinder interface {
	// contextFrame builds the innermost frame from the thread's context.
	contextFrame() *StackFrame
	// callerFrame recovers the caller of stack's last frame, or returns
	// nil if the walk should end. Module and Instruction are resolved by
	// the caller.
	callerFrame(stack *CallStack, scanAllowed bool) *StackFrame
}

// Walker walks the stack of one thread.
type Walker struct {
	base walkerBase
	unw  unwinder
}

// New returns a Walker for the thread whose registers are ctx. ctx may be
// nil, in which case Walk returns an empty stack. mem and modules may be
// shared with other Walkers.
func New(ctx dumpfile.Context, mem dumpfile.Memory, modules *dumpfile.Modules, cfg Config) *Walker {
	cfg = cfg.withDefaults()
	w := &Walker{base: walkerBase{
		mem:      mem,
		modules:  modules,
		unloaded: cfg.UnloadedModules,
		cfg:      cfg,
		log:      cfg.Logger,
	}}
	if ctx == nil {
		return w
	}
	w.base.arch = ctx.Arch()
	switch ctx := ctx.(type) {
	case *dumpfile.X86Context:
		w.unw = newX86Walker(w.base, ctx)
	case *dumpfile.AMD64Context:
		w.unw = newAMD64Walker(w.base, ctx)
	case *dumpfile.ARMContext:
		w.unw = newARMWalker(w.base, ctx)
	case *dumpfile.ARM64Context:
		w.unw = newARM64Walker(w.base, ctx)
	}
	return w
}

// Walk returns the thread's call stack. Each call returns a new CallStack.
// An empty stack means the thread had no context.
func (w *Walker) Walk() *CallStack {
	stack := &CallStack{}
	if w.unw == nil {
		w.base.log.Debug("no context, empty stack")
		return stack
	}

	scanned := 0
	frame := w.unw.contextFrame()
	for frame != nil {
		if m, ok := w.base.moduleForAddress(frame.Instruction); ok {
			frame.Module = m
			w.noteSymbols(stack, frame.Instruction, m)
		}
		if frame.Trust.scanned() {
			scanned++
		}
		stack.frames = append(stack.frames, frame)
		w.base.log.Debugf("frame %d: %s sp=0x%x", len(stack.frames)-1, frame, frame.StackPointer())

		if len(stack.frames) >= w.base.cfg.MaxFrames {
			w.base.log.WithFields(logrus.Fields{
				"frames": len(stack.frames),
			}).Warn("stack walk stopped at the frame limit")
			break
		}
		frame = w.unw.callerFrame(stack, scanned < w.base.cfg.MaxFramesScanned)
	}
	return stack
}

// noteSymbols records m, the module holding addr, on stack if its symbols
// need attention. Unloaded modules are not reported.
func (w *Walker) noteSymbols(stack *CallStack, addr uint64, m *dumpfile.Module) {
	r, ok := w.base.cfg.FrameInfo.(SymbolReporter)
	if !ok {
		return
	}
	if loaded, ok := w.base.modules.ModuleForAddress(addr); !ok || loaded != m {
		return
	}
	switch r.SymbolStatus(m) {
	case SymbolsMissing:
		stack.missing = AppendModule(stack.missing, m)
	case SymbolsCorrupt:
		stack.corrupt = AppendModule(stack.corrupt, m)
	}
}

// walkerBase holds the inputs and helpers shared by all architectures.
type walkerBase struct {
	arch     dumpfile.Arch
	mem      dumpfile.Memory // nil disables caller recovery
	modules  *dumpfile.Modules
	unloaded *dumpfile.Modules
	cfg      Config
	log      logrus.FieldLogger
}

func (b *walkerBase) wordSize() uint64 {
	return uint64(b.arch.PointerSize())
}

// mask truncates v to the architecture's word size.
func (b *walkerBase) mask(v uint64) uint64 {
	if b.wordSize() == 4 {
		return v & 0xffffffff
	}
	return v
}

// disableAbove32Bits turns off caller recovery when the captured memory
// cannot belong to a 32-bit process.
func (b *walkerBase) disableAbove32Bits() {
	if b.mem == nil || b.mem.Size() == 0 {
		return
	}
	if b.mem.Base()+(b.mem.Size()-1) > 0xffffffff {
		b.log.Warnf("%s memory extends to 0x%x; caller recovery disabled", b.arch, b.mem.Base()+(b.mem.Size()-1))
		b.mem = nil
	}
}

func (b *walkerBase) readWord(addr uint64) (uint64, bool) {
	if b.mem == nil {
		return 0, false
	}
	return dumpfile.ReadPointer(b.mem, b.arch, addr)
}

// moduleForAddress looks in the loaded modules, then the unloaded ones.
func (b *walkerBase) moduleForAddress(addr uint64) (*dumpfile.Module, bool) {
	if m, ok := b.modules.ModuleForAddress(addr); ok {
		return m, true
	}
	return b.unloaded.ModuleForAddress(addr)
}

// instructionSeemsValid reports whether addr is inside a known module.
// JIT code fails this test, so it is only used to judge guesses.
func (b *walkerBase) instructionSeemsValid(addr uint64) bool {
	_, ok := b.moduleForAddress(addr)
	return ok
}

// scanForReturnAddress looks for a plausible return address in the stack
// words starting at start. It returns the address of the word and its value.
func (b *walkerBase) scanForReturnAddress(start uint64, contextFrame bool) (location, ip uint64, ok bool) {
	words := b.cfg.ScanWords
	if contextFrame {
		words *= 4
	}
	ws := b.wordSize()
	for k := 0; k < words; k++ {
		location := start + uint64(k)*ws
		if location != b.mask(location) || location < start {
			break
		}
		ip, ok := b.readWord(location)
		if !ok {
			break
		}
		if _, ok := b.modules.ModuleForAddress(ip); ok && b.instructionSeemsValid(ip) {
			return location, ip, true
		}
	}
	return 0, 0, false
}

// scannedCallerFP recovers the caller's frame pointer after a scan found a
// return address at location. The word below the return address is taken
// as the saved frame pointer if it points above its own slot by no more
// than MaxFrameGap; otherwise the callee's frame pointer is kept.
func (b *walkerBase) scannedCallerFP(location, calleeFP uint64) uint64 {
	ws := b.wordSize()
	if location < ws {
		return calleeFP
	}
	slot := location - ws
	fp, ok := b.readWord(slot)
	if !ok || fp <= slot || fp-slot > b.cfg.MaxFrameGap {
		return calleeFP
	}
	return fp
}

// terminateWalk reports whether a recovered caller marks the end of the
// stack or breaks the stack's invariants.
func (b *walkerBase) terminateWalk(callerIP, callerSP, calleeSP uint64, firstUnwind bool) bool {
	// Small addresses are end-of-stack markers or garbage. Checking
	// instructionSeemsValid here would reject JIT code.
	if callerIP < 1<<12 {
		b.log.Debugf("caller ip 0x%x is below 4096; end of stack", callerIP)
		return true
	}
	// The stack pointer must increase. The first unwind may leave it
	// unchanged: on architectures that pass the return address in a
	// register, a leaf function need not touch the stack.
	if firstUnwind && callerSP < calleeSP || !firstUnwind && callerSP <= calleeSP {
		b.log.Debugf("caller sp 0x%x does not advance past callee sp 0x%x", callerSP, calleeSP)
		return true
	}
	return false
}

// frameInfo returns the CFI rules for frame, if any.
func (b *walkerBase) frameInfo(frame *StackFrame) (*cfi.Rules, bool) {
	if b.cfg.FrameInfo == nil || frame.Module == nil {
		return nil, false
	}
	return b.cfg.FrameInfo.FindFrameInfo(frame.Module, frame.Instruction)
}

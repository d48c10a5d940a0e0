package dumpfile

// Context is the raw register state of one thread. The concrete type is one
// of *X86Context, *AMD64Context, *ARMContext or *ARM64Context; Arch reports
// which. Contexts held by a stack frame must not be modified; use Clone.
type Context interface {
	Arch() Arch
	InstructionPointer() uint64
	StackPointer() uint64
	Clone() Context

	isContext()
}

// X86FloatSave is the legacy x87 save area.
type X86FloatSave struct {
	ControlWord   uint32
	StatusWord    uint32
	TagWord       uint32
	ErrorOffset   uint32
	ErrorSelector uint32
	DataOffset    uint32
	DataSelector  uint32
	RegisterArea  [80]byte
	Cr0NpxState   uint32
}

// X86Context holds 32-bit x86 registers.
type X86Context struct {
	ContextFlags uint32

	Dr0, Dr1, Dr2, Dr3, Dr6, Dr7 uint32

	FloatSave X86FloatSave

	Gs, Fs, Es, Ds uint32

	Edi, Esi, Ebx, Edx, Ecx, Eax uint32

	Ebp    uint32
	Eip    uint32
	Cs     uint32
	Eflags uint32
	Esp    uint32
	Ss     uint32

	// ExtendedRegisters is the fxsave area.
	ExtendedRegisters [512]byte
}

func (c *X86Context) Arch() Arch                 { return ArchX86 }
func (c *X86Context) InstructionPointer() uint64 { return uint64(c.Eip) }
func (c *X86Context) StackPointer() uint64       { return uint64(c.Esp) }
func (c *X86Context) Clone() Context             { cc := *c; return &cc }
func (c *X86Context) isContext()                 {}

// AMD64Context holds x86-64 registers.
type AMD64Context struct {
	ContextFlags uint32
	MxCsr        uint32

	Cs, Ds, Es, Fs, Gs, Ss uint16
	Eflags                 uint32

	Dr0, Dr1, Dr2, Dr3, Dr6, Dr7 uint64

	Rax, Rcx, Rdx, Rbx uint64
	Rsp, Rbp, Rsi, Rdi uint64

	R8, R9, R10, R11, R12, R13, R14, R15 uint64

	Rip uint64

	// FltSave is the fxsave area; VectorRegister holds the remaining
	// vector state when the dump recorded it.
	FltSave        [512]byte
	VectorRegister [26][16]byte
	VectorControl  uint64
}

func (c *AMD64Context) Arch() Arch                 { return ArchAMD64 }
func (c *AMD64Context) InstructionPointer() uint64 { return c.Rip }
func (c *AMD64Context) StackPointer() uint64       { return c.Rsp }
func (c *AMD64Context) Clone() Context             { cc := *c; return &cc }
func (c *AMD64Context) isContext()                 {}

// Register numbers for ARMContext.IRegs.
const (
	ARMRegIOSFP = 7 // frame pointer in Thumb code and on iOS
	ARMRegFP    = 11
	ARMRegSP    = 13
	ARMRegLR    = 14
	ARMRegPC    = 15
)

// ARMFloatSave holds VFP state.
type ARMFloatSave struct {
	FPSCR uint64
	Regs  [32]uint64
	Extra [8]uint32
}

// ARMContext holds 32-bit ARM registers.
type ARMContext struct {
	ContextFlags uint32

	// IRegs holds r0-r15. See the ARMReg constants.
	IRegs [16]uint32
	CPSR  uint32

	FloatSave ARMFloatSave
}

func (c *ARMContext) Arch() Arch                 { return ArchARM }
func (c *ARMContext) InstructionPointer() uint64 { return uint64(c.IRegs[ARMRegPC]) }
func (c *ARMContext) StackPointer() uint64       { return uint64(c.IRegs[ARMRegSP]) }
func (c *ARMContext) Clone() Context             { cc := *c; return &cc }
func (c *ARMContext) isContext()                 {}

// Register numbers for ARM64Context.IRegs.
const (
	ARM64RegFP = 29
	ARM64RegLR = 30
	ARM64RegSP = 31
	ARM64RegPC = 32
)

// ARM64FloatSave holds FP/SIMD state. Each of the 32 registers is 128 bits,
// stored low half first.
type ARM64FloatSave struct {
	FPSR uint32
	FPCR uint32
	Regs [32][2]uint64
}

// ARM64Context holds AArch64 registers.
type ARM64Context struct {
	ContextFlags uint64

	// IRegs holds x0-x30, then sp and pc. See the ARM64Reg constants.
	IRegs [33]uint64
	CPSR  uint32

	FloatSave ARM64FloatSave
}

func (c *ARM64Context) Arch() Arch                 { return ArchARM64 }
func (c *ARM64Context) InstructionPointer() uint64 { return c.IRegs[ARM64RegPC] }
func (c *ARM64Context) StackPointer() uint64       { return c.IRegs[ARM64RegSP] }
func (c *ARM64Context) Clone() Context             { cc := *c; return &cc }
func (c *ARM64Context) isContext()                 {}

package dumpfile

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"io"

	"github.com/go-errors/errors"
	"golang.org/x/exp/slices"
)

func readELFCore(mmapf *mmapFile) (*Snapshot, error) {
	f, err := elf.NewFile(mmapf)
	if err != nil {
		return nil, errors.Errorf("%w: %v", ErrNotCore, err)
	}
	if f.Type != elf.ET_CORE {
		return nil, errors.Errorf("%w: ELF type is %s", ErrNotCore, f.Type)
	}
	a, err := elfArch(f)
	if err != nil {
		return nil, err
	}
	logf("ReadELF: arch=%s", a)

	s := &Snapshot{Arch: a, CrashedThread: -1, file: mmapf}
	if err := readELFSegments(mmapf, f, s); err != nil {
		return nil, err
	}
	if err := readELFCoreNotes(mmapf, f, s); err != nil {
		return nil, err
	}
	return s, nil
}

func elfArch(f *elf.File) (Arch, error) {
	var a Arch
	switch f.Machine {
	case elf.EM_386:
		a = ArchX86
	case elf.EM_X86_64:
		a = ArchAMD64
	case elf.EM_ARM:
		a = ArchARM
	case elf.EM_AARCH64:
		a = ArchARM64
	default:
		return ArchUnknown, errors.Errorf("%w: ELF machine %s", ErrUnsupportedMachine, f.Machine)
	}
	wantClass := elf.ELFCLASS64
	if a.PointerSize() == 4 {
		wantClass = elf.ELFCLASS32
	}
	if f.Class != wantClass {
		return ArchUnknown, errors.Errorf("%w: ELF machine %s with class %s", ErrUnsupportedMachine, f.Machine, f.Class)
	}
	if f.ByteOrder != binary.ByteOrder(le) {
		return ArchUnknown, errors.Errorf("%w: big-endian %s", ErrUnsupportedMachine, f.Machine)
	}
	return a, nil
}

func readELFSegments(mmapf *mmapFile, f *elf.File, s *Snapshot) error {
	// Sort loadable memory segments by target virtual address.
	// They seem to be sorted in linux core dumps, but that's not guaranteed.
	var progs []elf.ProgHeader
	for _, ph := range f.Progs {
		verbosef("ReadELF: %#v", ph.ProgHeader)
		if ph.Type != elf.PT_LOAD || ph.Filesz == 0 {
			continue
		}
		if ph.Memsz < ph.Filesz {
			return errors.Errorf("ReadELF: unexpected Memsz < Filesz at %#v", ph.ProgHeader)
		}
		progs = append(progs, ph.ProgHeader)
	}
	slices.SortStableFunc(progs, func(a, b elf.ProgHeader) bool { return a.Vaddr < b.Vaddr })

	// Merge adjacent segments that have the same mode.
	for k := 1; k < len(progs); {
		prev := &progs[k-1]
		curr := &progs[k]
		sameMode := prev.Flags&elf.PF_R == curr.Flags&elf.PF_R
		if sameMode && prev.Memsz == prev.Filesz && prev.Vaddr+prev.Memsz == curr.Vaddr && prev.Off+prev.Filesz == curr.Off {
			verbosef("ReadELF: merging:\n%#v\n%#v", *prev, *curr)
			prev.Memsz += curr.Memsz
			prev.Filesz += curr.Filesz
			progs = slices.Delete(progs, k, k+1)
			continue
		}
		k++
	}

	// Core files only carry the bytes the kernel chose to dump; the part
	// of a segment beyond Filesz (e.g. unmodified text) is left uncaptured.
	for _, ph := range progs {
		ph := ph
		err := s.Memory.insert(ph.Vaddr, ph.Filesz, func(addr, size uint64) (MemoryRegion, error) {
			data, err := mmapf.ReadSliceAt(ph.Off+(addr-ph.Vaddr), size)
			if err != nil {
				return MemoryRegion{}, errors.Errorf("bad ELF segment %+v: %v", ph, err)
			}
			return MemoryRegion{
				addr:     addr,
				data:     data,
				readable: ph.Flags&elf.PF_R != 0,
			}, nil
		})
		if err != nil {
			return err
		}
	}
	logf("ReadELF: %d memory segments", len(s.Memory))
	return nil
}

// Parsing ELF notes.
// Only Linux note layouts are supported.

// See /usr/include/linux/elf.h.
const (
	elf_nt_prstatus = 1
	elf_nt_prpsinfo = 3
	elf_nt_file     = 0x46494c45 // "FILE"
)

type elfNote struct {
	Namesz uint32
	Descsz uint32
	Ntype  uint32
}

// See /usr/include/linux/elfcore.h. binary.Read does not align fields, so
// padding is explicit.
type elfLinuxPsinfo32 struct {
	State  uint8 // numeric process state
	Sname  byte  // process state as a character
	Zombie uint8
	Nice   int8
	Flag   uint32
	Uid    uint16
	Gid    uint16
	Pid    uint32
	Ppid   uint32
	Pgrp   uint32
	Sid    uint32
	Fname  [16]byte // file name, truncated, usually no directory
	Psargs [80]byte // executable args, truncated
}

type elfLinuxPsinfo64 struct {
	State  uint8 // numeric process state
	Sname  byte  // process state as a character
	Zombie uint8
	Nice   int8
	_      uint32
	Flag   uint64
	Uid    uint32
	Gid    uint32
	Pid    uint32
	Ppid   uint32
	Pgrp   uint32
	Sid    uint32
	Fname  [16]byte // file name, truncated, usually no directory
	Psargs [80]byte // executable args, truncated
}

type elfLinuxSiginfo struct {
	Signo int32
	Code  int32
	Errno int32
}

type elfLinuxTimeval32 struct {
	Sec  int32
	Usec int32
}

type elfLinuxTimeval64 struct {
	Sec  int64
	Usec int64
}

// elfLinuxPrstatus32 is the part of prstatus before the registers.
type elfLinuxPrstatus32 struct {
	Siginfo elfLinuxSiginfo // info about the current signal
	Cursig  uint16          // current signal
	_       uint16
	Sigpend uint32 // set of pending signals
	Sighold uint32 // set of held signals
	Pid     uint32
	Ppid    uint32
	Pgrp    uint32
	Sid     uint32
	Utime   elfLinuxTimeval32 // user time
	Stime   elfLinuxTimeval32 // system time
	Cutime  elfLinuxTimeval32 // cumulative user time
	Cstime  elfLinuxTimeval32 // cumulative system time
}

type elfLinuxPrstatus64 struct {
	Siginfo elfLinuxSiginfo // info about the current signal
	Cursig  uint16          // current signal
	_       uint16
	Sigpend uint64 // set of pending signals
	Sighold uint64 // set of held signals
	Pid     uint32
	Ppid    uint32
	Pgrp    uint32
	Sid     uint32
	Utime   elfLinuxTimeval64 // user time
	Stime   elfLinuxTimeval64 // system time
	Cutime  elfLinuxTimeval64 // cumulative user time
	Cstime  elfLinuxTimeval64 // cumulative system time
}

// See linux's arch/x86/include/uapi/asm/ptrace.h.
type elfLinuxGPRegs64 struct {
	R15      uint64
	R14      uint64
	R13      uint64
	R12      uint64
	Rbp      uint64
	Rbx      uint64
	R11      uint64
	R10      uint64
	R9       uint64
	R8       uint64
	Rax      uint64
	Rcx      uint64
	Rdx      uint64
	Rsi      uint64
	Rdi      uint64
	Orig_rax uint64
	Rip      uint64
	Cs       uint64
	Rflags   uint64
	Rsp      uint64
	Ss       uint64
	Fs_base  uint64
	Gs_base  uint64
	Ds       uint64
	Es       uint64
	Fs       uint64
	Gs       uint64
}

type elfLinuxGPRegs32 struct {
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
	Esi      uint32
	Edi      uint32
	Ebp      uint32
	Eax      uint32
	Ds       uint32
	Es       uint32
	Fs       uint32
	Gs       uint32
	Orig_eax uint32
	Eip      uint32
	Cs       uint32
	Eflags   uint32
	Esp      uint32
	Ss       uint32
}

// See linux's arch/arm/include/asm/user.h: r0-r15, cpsr, orig_r0.
type elfLinuxARMRegs struct {
	Uregs [18]uint32
}

// See linux's arch/arm64/include/uapi/asm/ptrace.h.
type elfLinuxARM64Regs struct {
	Regs   [31]uint64
	Sp     uint64
	Pc     uint64
	Pstate uint64
}

func readELFCoreNotes(mmapf *mmapFile, f *elf.File, s *Snapshot) error {
	var modules []*Module

	// Load execpath, threads, and mapped files from PT_NOTEs.
	for _, ph := range f.Progs {
		if ph.Type != elf.PT_NOTE {
			continue
		}
		verbosef("ReadELFNote: %#v", ph.ProgHeader)
		// Filesz comes from the file; notes cannot extend past its end.
		if ph.Off > mmapf.Size() {
			return errors.Errorf("PT_NOTE at offset %v is past the end of the file", ph.Off)
		}
		r := ph.Open()
		remain := ph.Filesz
		if avail := mmapf.Size() - ph.Off; remain > avail {
			remain = avail
		}

		for {
			// Read the note header.
			var note elfNote
			err := binary.Read(r, le, &note)
			if err == io.EOF {
				break
			}
			if err != nil {
				return errors.Errorf("error reading PT_NOTE at offset %v: %v", ph.Off, err)
			}
			verbosef("ReadELFNote: %#v", note)

			// These are padded to 4-byte alignments.
			namesz := (uint64(note.Namesz) + 3) &^ 3
			descsz := (uint64(note.Descsz) + 3) &^ 3
			if 12+namesz+descsz > remain {
				return errors.Errorf("PT_NOTE at offset %v: note %#v overruns segment", ph.Off, note)
			}
			remain -= 12 + namesz + descsz

			// Skip over the name.
			if _, err := r.Seek(int64(namesz), io.SeekCurrent); err != nil {
				return errors.Errorf("error reading PT_NOTE at offset %v+%v: %v", ph.Off, namesz, err)
			}
			desc := make([]byte, descsz)
			if _, err := io.ReadFull(r, desc); err != nil {
				return errors.Errorf("error reading PT_NOTE desc sz=%v: %v", note.Descsz, err)
			}
			desc = desc[:note.Descsz]

			switch note.Ntype {
			case elf_nt_prstatus:
				t, err := decodePrstatus(s.Arch, desc)
				if err != nil {
					return err
				}
				verbosef("ReadELFNote: NT_PRSTATUS translated to thread %#v", t)
				if t.Signal != 0 && s.CrashedThread < 0 {
					s.CrashedThread = len(s.Threads)
					s.CrashReason = SignalName(t.Signal)
					s.CrashAddress = t.Context.InstructionPointer()
				}
				s.Threads = append(s.Threads, t)

			case elf_nt_prpsinfo:
				fname, err := decodePsinfo(s.Arch, desc)
				if err != nil {
					return err
				}
				s.ExecPath = fname
				verbosef("ReadELFNote: NT_PRPSINFO has execpath=%q", s.ExecPath)

			case elf_nt_file:
				mods, err := decodeNTFile(s.Arch, desc)
				if err != nil {
					return err
				}
				modules = append(modules, mods...)

			default:
				verbosef("ReadELFNote: skipping note type 0x%x", note.Ntype)
			}
		}
	}

	s.Modules = NewModules(modules)
	logf("ReadELFNote: found %v threads, %v modules", len(s.Threads), s.Modules.Len())
	return nil
}

func decodePrstatus(a Arch, desc []byte) (*Thread, error) {
	r := bytes.NewReader(desc)
	t := &Thread{}
	if a.PointerSize() == 4 {
		var prstatus elfLinuxPrstatus32
		if err := binary.Read(r, le, &prstatus); err != nil {
			return nil, errors.Errorf("error reading prstatus32 in PT_NOTE: %v", err)
		}
		t.ID, t.Signal = uint64(prstatus.Pid), int(prstatus.Cursig)
	} else {
		var prstatus elfLinuxPrstatus64
		if err := binary.Read(r, le, &prstatus); err != nil {
			return nil, errors.Errorf("error reading prstatus64 in PT_NOTE: %v", err)
		}
		t.ID, t.Signal = uint64(prstatus.Pid), int(prstatus.Cursig)
	}

	switch a {
	case ArchX86:
		var regs elfLinuxGPRegs32
		if err := binary.Read(r, le, &regs); err != nil {
			return nil, errors.Errorf("error reading i386 registers in PT_NOTE: %v", err)
		}
		t.Context = &X86Context{
			Edi: regs.Edi, Esi: regs.Esi, Ebx: regs.Ebx, Edx: regs.Edx, Ecx: regs.Ecx, Eax: regs.Eax,
			Ebp: regs.Ebp, Eip: regs.Eip, Cs: regs.Cs, Eflags: regs.Eflags, Esp: regs.Esp, Ss: regs.Ss,
			Ds: regs.Ds, Es: regs.Es, Fs: regs.Fs, Gs: regs.Gs,
		}
	case ArchAMD64:
		var regs elfLinuxGPRegs64
		if err := binary.Read(r, le, &regs); err != nil {
			return nil, errors.Errorf("error reading x86_64 registers in PT_NOTE: %v", err)
		}
		t.Context = &AMD64Context{
			Rax: regs.Rax, Rcx: regs.Rcx, Rdx: regs.Rdx, Rbx: regs.Rbx,
			Rsp: regs.Rsp, Rbp: regs.Rbp, Rsi: regs.Rsi, Rdi: regs.Rdi,
			R8: regs.R8, R9: regs.R9, R10: regs.R10, R11: regs.R11,
			R12: regs.R12, R13: regs.R13, R14: regs.R14, R15: regs.R15,
			Rip: regs.Rip, Eflags: uint32(regs.Rflags),
			Cs: uint16(regs.Cs), Ss: uint16(regs.Ss), Ds: uint16(regs.Ds),
			Es: uint16(regs.Es), Fs: uint16(regs.Fs), Gs: uint16(regs.Gs),
		}
	case ArchARM:
		var regs elfLinuxARMRegs
		if err := binary.Read(r, le, &regs); err != nil {
			return nil, errors.Errorf("error reading arm registers in PT_NOTE: %v", err)
		}
		ctx := &ARMContext{CPSR: regs.Uregs[16]}
		copy(ctx.IRegs[:], regs.Uregs[:16])
		t.Context = ctx
	case ArchARM64:
		var regs elfLinuxARM64Regs
		if err := binary.Read(r, le, &regs); err != nil {
			return nil, errors.Errorf("error reading aarch64 registers in PT_NOTE: %v", err)
		}
		ctx := &ARM64Context{CPSR: uint32(regs.Pstate)}
		copy(ctx.IRegs[:], regs.Regs[:])
		ctx.IRegs[ARM64RegSP] = regs.Sp
		ctx.IRegs[ARM64RegPC] = regs.Pc
		t.Context = ctx
	}
	return t, nil
}

func decodePsinfo(a Arch, desc []byte) (string, error) {
	r := bytes.NewReader(desc)
	var fname []byte
	if a.PointerSize() == 4 {
		var psinfo elfLinuxPsinfo32
		if err := binary.Read(r, le, &psinfo); err != nil {
			return "", errors.Errorf("error reading psinfo32 in PT_NOTE: %v", err)
		}
		fname = psinfo.Fname[:]
	} else {
		var psinfo elfLinuxPsinfo64
		if err := binary.Read(r, le, &psinfo); err != nil {
			return "", errors.Errorf("error reading psinfo64 in PT_NOTE: %v", err)
		}
		fname = psinfo.Fname[:]
	}
	if k := bytes.IndexByte(fname, 0); k >= 0 {
		fname = fname[:k]
	}
	return string(fname), nil
}

// decodeNTFile decodes the list of file-backed mappings. The note holds
// a count and page size, then count (start, end, offset) triples, then count
// NUL-terminated paths. Mappings of the same path are merged into one
// module spanning all of them, in order of first appearance.
func decodeNTFile(a Arch, desc []byte) ([]*Module, error) {
	word := uint64(a.PointerSize())
	if uint64(len(desc)) < 2*word {
		return nil, errors.Errorf("NT_FILE note too short: %d bytes", len(desc))
	}
	count := a.Uintptr(desc)
	if count > (uint64(len(desc))-2*word)/(3*word) {
		return nil, errors.Errorf("NT_FILE note has %d entries in %d bytes", count, len(desc))
	}
	names := desc[2*word+3*word*count:]

	byPath := make(map[string]*Module)
	var mods []*Module
	for k := uint64(0); k < count; k++ {
		entry := desc[2*word+3*word*k:]
		start := a.Uintptr(entry)
		end := a.Uintptr(entry[word:])
		n := bytes.IndexByte(names, 0)
		if n < 0 {
			return nil, errors.Errorf("NT_FILE note: missing path for entry %d", k)
		}
		path := string(names[:n])
		names = names[n+1:]
		if end <= start {
			continue
		}
		m := byPath[path]
		if m == nil {
			m = &Module{Base: start, Size: end - start, Path: path}
			byPath[path] = m
			mods = append(mods, m)
			continue
		}
		hi := m.End()
		if end > hi {
			hi = end
		}
		if start < m.Base {
			m.Base = start
		}
		m.Size = hi - m.Base
	}
	return mods, nil
}

// Package fingerprint computes crash signatures: a short description of
// where a process crashed plus a hash of its innermost frames, suitable for
// grouping reports of the same crash.
package fingerprint

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/OneOfOne/xxhash"
	"github.com/go-errors/errors"

	"github.com/tombergan/dumpwalk/dumpfile"
	"github.com/tombergan/dumpwalk/stackwalk"
)

// ErrUnknownHash is returned by ParseHash for unknown hash names.
var ErrUnknownHash = errors.New("unknown hash")

// Hash selects the function applied to a stack string.
type Hash int

const (
	HashMD5 Hash = iota
	HashXXHash64
)

func (h Hash) String() string {
	switch h {
	case HashMD5:
		return "md5"
	case HashXXHash64:
		return "xxhash64"
	}
	return "Hash(" + strconv.Itoa(int(h)) + ")"
}

// ParseHash is the inverse of Hash.String.
func ParseHash(s string) (Hash, error) {
	switch s {
	case "md5":
		return HashMD5, nil
	case "xxhash64":
		return HashXXHash64, nil
	}
	return 0, errors.Errorf("%w %q", ErrUnknownHash, s)
}

// UnknownFrame selects how a frame outside every module is written.
type UnknownFrame int

const (
	// UnknownAddress writes the frame's return address.
	UnknownAddress UnknownFrame = iota
	// UnknownSentinel writes 0xffffffff, so that crashes in JIT code at
	// varying addresses share a signature.
	UnknownSentinel
)

func (u UnknownFrame) String() string {
	if u == UnknownSentinel {
		return "sentinel"
	}
	return "address"
}

// Windows and macOS libraries whose offsets vary with the OS build.
var (
	WindowsSystemModules = []string{"kernelbase.dll", "ntdll.dll", "kernel32.dll"}
	MacSystemModules     = []string{"libsystem_kernel.dylib", "libsystem_c.dylib", "libsystem_pthread.dylib", "libobjc.A.dylib"}
)

// DefaultFrames is the number of frames hashed by default.
const DefaultFrames = 10

// Policy controls how a signature is computed.
type Policy struct {
	// Frames is the number of innermost frames that contribute to the hash.
	Frames int

	// SystemModules lists module file names whose offsets are left out of
	// the hash. Names must match exactly unless FoldCase is set.
	SystemModules []string

	// FoldCase compares SystemModules case-insensitively. Enabling it
	// changes the hashes of dumps whose module names differ in case.
	FoldCase bool

	// SkipSystemModules attributes the crash to the first frame in a
	// module not listed in SystemModules, rather than the first frame in
	// any module.
	SkipSystemModules bool

	UnknownFrame UnknownFrame
	Hash         Hash
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		Frames:        DefaultFrames,
		SystemModules: append([]string(nil), WindowsSystemModules...),
	}
}

func (p Policy) isSystem(name string) bool {
	for _, m := range p.SystemModules {
		if m == name || p.FoldCase && strings.EqualFold(m, name) {
			return true
		}
	}
	return false
}

// Signature identifies a crash.
type Signature struct {
	Reason        string
	CrashAddress  string // return address of frame 0, "0x..."
	ModuleName    string // file name of the module the crash is attributed to
	ModuleVersion string
	ModuleOffset  string // "0x..." offset within that module
	StackHash     string // hex digest
}

func (s Signature) String() string {
	module := "???"
	if s.ModuleName != "" {
		module = s.ModuleName + " + " + s.ModuleOffset
	}
	return fmt.Sprintf("%s at %s in %s [%s]", s.Reason, s.CrashAddress, module, s.StackHash)
}

// Compute returns the signature of stack, which may be nil. Reason is left
// empty.
// Offsets are taken from each frame's return address, so a signature
// does not depend on the architecture's instruction adjustment.
func Compute(stack *stackwalk.CallStack, p Policy) Signature {
	if p.Frames <= 0 {
		p.Frames = DefaultFrames
	}
	var sig Signature
	var b strings.Builder
	attributed := false

	for i, f := range stack.Frames() {
		if i >= p.Frames {
			break
		}
		addr := f.ReturnAddress()
		if i == 0 {
			sig.CrashAddress = hexAddr(addr)
		}
		if f.Module == nil {
			if p.UnknownFrame == UnknownSentinel {
				b.WriteString("0xffffffff")
			} else {
				b.WriteString(hexAddr(addr))
			}
			continue
		}

		name := FileName(f.Module.Path)
		system := p.isSystem(name)
		if !attributed && (!system || !p.SkipSystemModules) {
			sig.ModuleName = name
			sig.ModuleVersion = f.Module.Version
			sig.ModuleOffset = hexAddr(addr - f.Module.Base)
			attributed = true
		}
		b.WriteString(name)
		if !system {
			b.WriteString(hexAddr(addr - f.Module.Base))
		}
	}
	sig.StackHash = p.Hash.sum(b.String())
	return sig
}

// ForSnapshot returns the signature of a snapshot given its walked
// stacks, indexed like snap.Threads. The crashed thread is used when there
// is one; otherwise the dump is taken to be of a hung process and thread 0
// is used with reason "ANR".
func ForSnapshot(snap *dumpfile.Snapshot, stacks []*stackwalk.CallStack, p Policy) Signature {
	reason, thread := "ANR", 0
	if snap.Crashed() {
		reason, thread = snap.CrashReason, snap.CrashedThread
	}
	var stack *stackwalk.CallStack
	if thread < len(stacks) {
		stack = stacks[thread]
	}
	sig := Compute(stack, p)
	sig.Reason = reason
	return sig
}

func (h Hash) sum(s string) string {
	if h == HashXXHash64 {
		return fmt.Sprintf("%016x", xxhash.ChecksumString64(s))
	}
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func hexAddr(v uint64) string {
	return "0x" + strconv.FormatUint(v, 16)
}

// FileName returns the last element of path. Both '/' and '\' separate
// directories, since dumps are often read on a different OS than the one
// that wrote them.
func FileName(path string) string {
	if k := strings.LastIndexAny(path, `/\`); k >= 0 {
		return path[k+1:]
	}
	return path
}

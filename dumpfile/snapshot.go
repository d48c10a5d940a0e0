package dumpfile

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// Thread is one thread recorded in a dump.
type Thread struct {
	ID uint64

	// Context is the thread's register state. It is nil when the dump
	// recorded the thread without registers.
	Context Context

	// Signal is the signal pending on the thread when the dump was
	// written, or 0.
	Signal int
}

// Snapshot is everything a dump records that is needed to walk stacks.
type Snapshot struct {
	Arch     Arch
	ExecPath string // executable name, possibly truncated
	Threads  []*Thread
	Memory   Segments
	Modules  *Modules

	// CrashedThread indexes Threads, or is -1 when the dump was not
	// written because of a crash.
	CrashedThread int
	CrashReason   string
	CrashAddress  uint64

	file *mmapFile
}

// Crashed reports whether the dump was written because of a crash.
func (s *Snapshot) Crashed() bool {
	return s.CrashedThread >= 0 && s.CrashedThread < len(s.Threads)
}

// Close releases the file backing the snapshot. Memory must not be read
// after Close.
func (s *Snapshot) Close() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// SignalName returns the conventional name of a Linux signal number,
// e.g. "SIGSEGV".
func SignalName(sig int) string {
	if name := unix.SignalName(syscall.Signal(sig)); name != "" {
		return name
	}
	return fmt.Sprintf("signal %d", sig)
}

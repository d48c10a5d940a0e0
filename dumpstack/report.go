package main

import (
	"fmt"
	"io"
	"runtime"

	"github.com/go-errors/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tombergan/dumpwalk/dumpfile"
	"github.com/tombergan/dumpwalk/fingerprint"
	"github.com/tombergan/dumpwalk/stackwalk"
)

type options struct {
	thread  int          // print only this thread; -1 for all
	where   *frameFilter // print only matching frames; nil for all
	disasm  bool
	modules bool
}

// walkThreads walks every thread of snap concurrently. The result is
// indexed like snap.Threads.
func walkThreads(snap *dumpfile.Snapshot, cfg stackwalk.Config) ([]*stackwalk.CallStack, error) {
	stacks := make([]*stackwalk.CallStack, len(snap.Threads))
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, t := range snap.Threads {
		i, t := i, t
		g.Go(func() error {
			c := cfg
			if c.Logger != nil {
				c.Logger = c.Logger.WithFields(logrus.Fields{"thread": i, "tid": t.ID})
			}
			stacks[i] = stackwalk.New(t.Context, snap.Memory, snap.Modules, c).Walk()
			return nil
		})
	}
	return stacks, g.Wait()
}

// report walks snap and writes the crash summary, the stacks, and
// optionally the module list to w.
func report(w io.Writer, snap *dumpfile.Snapshot, cfg stackwalk.Config, policy fingerprint.Policy, opts options) error {
	if opts.thread >= len(snap.Threads) {
		return errors.Errorf("thread %d out of range: the dump has %d threads", opts.thread, len(snap.Threads))
	}
	stacks, err := walkThreads(snap, cfg)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "CPU: %s\n", snap.Arch)
	if snap.ExecPath != "" {
		fmt.Fprintf(w, "Executable: %s\n", snap.ExecPath)
	}
	fmt.Fprintf(w, "\n")
	if snap.Crashed() {
		fmt.Fprintf(w, "Crash reason:  %s\n", snap.CrashReason)
		fmt.Fprintf(w, "Crash address: 0x%x\n", snap.CrashAddress)
	} else {
		fmt.Fprintf(w, "No crash\n")
	}
	sig := fingerprint.ForSnapshot(snap, stacks, policy)
	fmt.Fprintf(w, "Signature: %s\n", sig)

	if opts.disasm && snap.Crashed() {
		t := snap.Threads[snap.CrashedThread]
		if t.Context != nil {
			pc := t.Context.InstructionPointer()
			if asm, err := disassemble(snap.Arch, snap.Memory, pc, isThumb(t.Context)); err != nil {
				fmt.Fprintf(w, "Crash instruction: 0x%x: %v\n", pc, err)
			} else {
				fmt.Fprintf(w, "Crash instruction: 0x%x: %s\n", pc, asm)
			}
		}
	}

	for i, t := range snap.Threads {
		if opts.thread >= 0 && i != opts.thread {
			continue
		}
		fmt.Fprintf(w, "\n")
		if snap.Crashed() && i == snap.CrashedThread {
			fmt.Fprintf(w, "Thread %d (crashed)\n", i)
		} else {
			fmt.Fprintf(w, "Thread %d\n", i)
		}
		if t.Signal != 0 {
			fmt.Fprintf(w, " tid %d, %s pending\n", t.ID, dumpfile.SignalName(t.Signal))
		}
		if err := printStack(w, stacks[i], opts.where); err != nil {
			return err
		}
	}

	if opts.modules {
		var missing, corrupt []*dumpfile.Module
		for _, stack := range stacks {
			for _, m := range stack.MissingSymbols() {
				missing = stackwalk.AppendModule(missing, m)
			}
			for _, m := range stack.CorruptSymbols() {
				corrupt = stackwalk.AppendModule(corrupt, m)
			}
		}
		printModules(w, snap.Modules, missing, corrupt)
	}
	return nil
}

// printStack prints one frame per line, attributing each frame to its
// module when it has one.
func printStack(w io.Writer, stack *stackwalk.CallStack, where *frameFilter) error {
	if stack.Len() == 0 {
		fmt.Fprintf(w, " <no frames>\n")
		return nil
	}
	for i, f := range stack.Frames() {
		if where != nil {
			ok, err := where.match(i, f)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
		}
		fmt.Fprintf(w, "%2d  %s\n", i, frameLocation(f))
		fmt.Fprintf(w, "    Found by: %s\n", f.Trust.Description())
	}
	return nil
}

func frameLocation(f *stackwalk.StackFrame) string {
	addr := f.ReturnAddress()
	if f.Module == nil {
		return fmt.Sprintf("0x%x", addr)
	}
	return fmt.Sprintf("%s + 0x%x", fingerprint.FileName(f.Module.Path), addr-f.Module.Base)
}

// printModules lists modules in address order, flagging those with frames
// on some stack whose symbols are missing or corrupt.
func printModules(w io.Writer, modules *dumpfile.Modules, missing, corrupt []*dumpfile.Module) {
	fmt.Fprintf(w, "\nLoaded modules:\n")
	mainModule := modules.MainModule()
	for _, m := range modules.All() {
		version := m.Version
		if version == "" {
			version = "???"
		}
		marker := ""
		if m == mainModule {
			marker = "  (main)"
		}
		switch {
		case containsModule(missing, m):
			marker += symbolWarning("No symbols", m)
		case containsModule(corrupt, m):
			marker += symbolWarning("Corrupt symbols", m)
		}
		fmt.Fprintf(w, "0x%08x - 0x%08x  %s  %s%s\n", m.Base, m.End()-1, fingerprint.FileName(m.Path), version, marker)
	}
}

func containsModule(list []*dumpfile.Module, m *dumpfile.Module) bool {
	for _, o := range list {
		if o.SameSymbols(m) {
			return true
		}
	}
	return false
}

func symbolWarning(issue string, m *dumpfile.Module) string {
	debugFile := m.DebugFile
	if debugFile == "" {
		debugFile = m.Path
	}
	return fmt.Sprintf("  (WARNING: %s, %s, %s)", issue, fingerprint.FileName(debugFile), m.DebugID)
}

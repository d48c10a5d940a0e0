package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/tombergan/dumpwalk/dumpfile"
	"github.com/tombergan/dumpwalk/fingerprint"
	"github.com/tombergan/dumpwalk/stackwalk"
	"github.com/tombergan/dumpwalk/symbols"
)

const (
	textBase  = 0x400000
	stackBase = 0x10000
)

// testSnapshot returns a crashed amd64 snapshot with two threads. Thread 0
// is stopped at "mov %rsp,%rbp" with one caller on its frame-pointer chain.
// Thread 1 has no registers.
func testSnapshot() *dumpfile.Snapshot {
	text := make([]byte, 0x100)
	copy(text[0x40:], []byte{0x48, 0x89, 0xe5})
	stack := make([]byte, 0x100)
	le := dumpfile.ArchAMD64.ByteOrder()
	le.PutUint64(stack[0x28:], textBase+0x100)

	ctx := &dumpfile.AMD64Context{Rip: textBase + 0x40, Rsp: stackBase, Rbp: stackBase + 0x20}
	return &dumpfile.Snapshot{
		Arch:     dumpfile.ArchAMD64,
		ExecPath: "app",
		Threads: []*dumpfile.Thread{
			{ID: 100, Context: ctx, Signal: 11},
			{ID: 101},
		},
		Memory: dumpfile.NewSegments(
			dumpfile.NewMemoryRegion(stackBase, stack),
			dumpfile.NewMemoryRegion(textBase, text),
		),
		Modules: dumpfile.NewModules([]*dumpfile.Module{
			{Base: textBase, Size: 0x100000, Path: "/bin/app"},
			{Base: 0x7f0000000000, Size: 0x200000, Path: "/lib/libc.so.6", Version: "2.36"},
		}),
		CrashedThread: 0,
		CrashReason:   "SIGSEGV",
		CrashAddress:  textBase + 0x40,
	}
}

func TestReport(t *testing.T) {
	var buf bytes.Buffer
	opts := options{thread: -1, disasm: true, modules: true}
	if err := report(&buf, testSnapshot(), stackwalk.Config{}, fingerprint.DefaultPolicy(), opts); err != nil {
		t.Fatalf("report: %v", err)
	}
	got := buf.String()
	for _, want := range []string{
		"CPU: amd64\n",
		"Crash reason:  SIGSEGV\nCrash address: 0x400040\n",
		"Signature: SIGSEGV at 0x400040 in app + 0x40 [",
		"Crash instruction: 0x400040: mov %rsp,%rbp\n",
		"Thread 0 (crashed)\n",
		" 0  app + 0x40\n    Found by: given as instruction pointer in context\n",
		" 1  app + 0x100\n    Found by: previous frame's frame pointer\n",
		"Thread 1\n <no frames>\n",
		"Loaded modules:\n",
		"0x00400000 - 0x004fffff  app  ???  (main)\n",
		"0x7f0000000000 - 0x7f00001fffff  libc.so.6  2.36\n",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("output lacks %q; got:\n%s", want, got)
		}
	}
	if strings.Contains(got, " 2  ") {
		t.Errorf("output has a third frame:\n%s", got)
	}
}

func TestReportThreadAndWhere(t *testing.T) {
	where, err := newFrameFilter("index > 0 && trust == 'frame_pointer'")
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := report(&buf, testSnapshot(), stackwalk.Config{}, fingerprint.DefaultPolicy(), options{thread: 0, where: where}); err != nil {
		t.Fatalf("report: %v", err)
	}
	got := buf.String()
	if strings.Contains(got, " 0  app") || !strings.Contains(got, " 1  app + 0x100") {
		t.Errorf("-where did not select frame 1 only:\n%s", got)
	}
	if strings.Contains(got, "Thread 1") || strings.Contains(got, "Loaded modules") {
		t.Errorf("unexpected sections:\n%s", got)
	}

	if err := report(&buf, testSnapshot(), stackwalk.Config{}, fingerprint.DefaultPolicy(), options{thread: 2}); err == nil {
		t.Errorf("report with -thread 2 succeeded")
	}
}

func TestNoCrash(t *testing.T) {
	snap := testSnapshot()
	snap.CrashedThread = -1
	var buf bytes.Buffer
	if err := report(&buf, snap, stackwalk.Config{}, fingerprint.DefaultPolicy(), options{thread: -1, disasm: true}); err != nil {
		t.Fatalf("report: %v", err)
	}
	got := buf.String()
	if !strings.Contains(got, "No crash\n") || !strings.Contains(got, "Signature: ANR at") || strings.Contains(got, "(crashed)") {
		t.Errorf("got:\n%s", got)
	}
	if strings.Contains(got, "Crash instruction") {
		t.Errorf("disassembled without a crash:\n%s", got)
	}
}

func TestFrameFilter(t *testing.T) {
	lib := &dumpfile.Module{Base: 0x7f0000000000, Size: 0x200000, Path: "/lib/libc.so.6"}
	frames := []*stackwalk.StackFrame{
		{Trust: stackwalk.TrustContext, Context: &dumpfile.AMD64Context{Rip: 0x12345}},
		{Trust: stackwalk.TrustScan, Module: lib, Context: &dumpfile.AMD64Context{Rip: lib.Base + 0x2000}},
	}
	tests := []struct {
		expr string
		want []bool
	}{
		{"index == 0", []bool{true, false}},
		{"module == 'libc.so.6'", []bool{false, true}},
		{"offset >= 0x2000", []bool{false, true}},
		{"address < 0x20000", []bool{true, false}},
		{"trust != 'scan'", []bool{true, false}},
	}
	for _, test := range tests {
		ff, err := newFrameFilter(test.expr)
		if err != nil {
			t.Errorf("newFrameFilter(%q): %v", test.expr, err)
			continue
		}
		for i, f := range frames {
			got, err := ff.match(i, f)
			if err != nil || got != test.want[i] {
				t.Errorf("%q on frame %d = %v,%v want %v", test.expr, i, got, err, test.want[i])
			}
		}
	}

	if _, err := newFrameFilter("index >"); err == nil {
		t.Errorf("newFrameFilter accepted a bad expression")
	}
	ff, err := newFrameFilter("index + 1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ff.match(0, frames[0]); err == nil {
		t.Errorf("non-boolean expression matched")
	}
	ff, err = newFrameFilter("function == 'main'")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ff.match(0, frames[0]); err == nil {
		t.Errorf("expression over an unknown variable matched")
	}
}

func TestDisassemble(t *testing.T) {
	mem := func(code ...byte) dumpfile.Memory {
		return dumpfile.NewMemoryRegion(0x1000, code)
	}
	tests := []struct {
		arch dumpfile.Arch
		mem  dumpfile.Memory
		want string
	}{
		{dumpfile.ArchAMD64, mem(0x48, 0x89, 0xe5), "mov %rsp,%rbp"},
		{dumpfile.ArchX86, mem(0xc3), "ret"},
		{dumpfile.ArchARM64, mem(0x1f, 0x20, 0x03, 0xd5), "nop"},
	}
	for _, test := range tests {
		got, err := disassemble(test.arch, test.mem, 0x1000, false)
		if err != nil || got != test.want {
			t.Errorf("%s: got %q,%v want %q", test.arch, got, err, test.want)
		}
	}

	if _, err := disassemble(dumpfile.ArchARM, mem(0x00, 0x00, 0xa0, 0xe1), 0x1000, false); err != nil {
		t.Errorf("arm: %v", err)
	}
	// Thumb code must not be decoded as ARM.
	thumb := &dumpfile.ARMContext{CPSR: 0x10 | armThumbBit}
	if !isThumb(thumb) || isThumb(&dumpfile.ARMContext{CPSR: 0x10}) || isThumb(&dumpfile.AMD64Context{}) {
		t.Errorf("isThumb does not follow CPSR.T")
	}
	if got, err := disassemble(dumpfile.ArchARM, mem(0x00, 0x00, 0xa0, 0xe1), 0x1000, isThumb(thumb)); err == nil || !strings.Contains(err.Error(), "Thumb") {
		t.Errorf("thumb: got %q,%v want a Thumb error", got, err)
	}
	if _, err := disassemble(dumpfile.ArchAMD64, mem(0x90), 0x2000, false); err == nil {
		t.Errorf("disassembled unmapped memory")
	}
	if _, err := disassemble(dumpfile.ArchUnknown, mem(0x90), 0x1000, false); err == nil {
		t.Errorf("disassembled an unknown architecture")
	}
}

func TestReportSymbolWarnings(t *testing.T) {
	snap := testSnapshot()
	// Frame 1 returns into libc.
	snap.Memory = dumpfile.NewSegments(
		dumpfile.NewMemoryRegion(stackBase, func() []byte {
			b := make([]byte, 0x100)
			dumpfile.ArchAMD64.ByteOrder().PutUint64(b[0x28:], 0x7f0000001000)
			return b
		}()),
		dumpfile.NewMemoryRegion(textBase, make([]byte, 0x100)),
	)
	app, libc := snap.Modules.At(0), snap.Modules.At(1)
	app.DebugFile, app.DebugID = "app.debug", "AB12"
	libc.DebugFile, libc.DebugID = "libc.so.6.debug", "CD34"

	store, err := symbols.NewStore(0)
	if err != nil {
		t.Fatal(err)
	}
	f, err := symbols.Parse(strings.NewReader("MODULE Linux x86_64 CD34 libc.so.6.debug\nSTACK CFI INIT 2000 10 .cfa: $rsp 8 + .ra: bogus +\n"))
	if err != nil {
		t.Fatal(err)
	}
	store.Add(f)

	var buf bytes.Buffer
	cfg := stackwalk.Config{FrameInfo: store}
	if err := report(&buf, snap, cfg, fingerprint.DefaultPolicy(), options{thread: -1, modules: true}); err != nil {
		t.Fatalf("report: %v", err)
	}
	got := buf.String()
	for _, want := range []string{
		" 1  libc.so.6 + 0x1000\n",
		"0x00400000 - 0x004fffff  app  ???  (main)  (WARNING: No symbols, app.debug, AB12)\n",
		"0x7f0000000000 - 0x7f00001fffff  libc.so.6  2.36  (WARNING: Corrupt symbols, libc.so.6.debug, CD34)\n",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("output lacks %q; got:\n%s", want, got)
		}
	}

	// Without symbol status, no module is flagged.
	buf.Reset()
	if err := report(&buf, testSnapshot(), stackwalk.Config{}, fingerprint.DefaultPolicy(), options{thread: -1, modules: true}); err != nil {
		t.Fatalf("report: %v", err)
	}
	if strings.Contains(buf.String(), "WARNING") {
		t.Errorf("unexpected warnings:\n%s", buf.String())
	}
}

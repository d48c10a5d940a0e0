package dumpfile

import (
	"testing"
)

func TestModules(t *testing.T) {
	mods := NewModules([]*Module{
		{Base: 0x5000, Size: 0x1000, Path: "/bin/main"},
		{Base: 0x1000, Size: 0x1000, Path: "a.so"},
		{Base: 0x3000, Size: 0x3000, Path: "wide.so"}, // overlaps main
		{Base: 0x3000, Size: 0x800, Path: "dup.so"},   // same base as wide.so
		{Base: 0x9000, Size: 0, Path: "empty.so"},
		nil,
	})

	if got := mods.Len(); got != 4 {
		t.Fatalf("Len()=%d want 4", got)
	}
	if got := mods.MainModule().Path; got != "/bin/main" {
		t.Errorf("MainModule()=%q want /bin/main", got)
	}
	wantOrder := []string{"a.so", "wide.so", "dup.so", "/bin/main"}
	for k, want := range wantOrder {
		if got := mods.At(k).Path; got != want {
			t.Errorf("At(%d)=%q want %q", k, got, want)
		}
	}
	if got := mods.HighestAddress(); got != 0x6000 {
		t.Errorf("HighestAddress()=0x%x want 0x6000", got)
	}

	tests := []struct {
		addr uint64
		want string
	}{
		{0x0fff, ""},
		{0x1000, "a.so"},
		{0x1fff, "a.so"},
		{0x2000, ""},
		{0x3000, "wide.so"},
		{0x3400, "wide.so"},
		{0x5000, "wide.so"}, // first in base order wins
		{0x5fff, "wide.so"},
		{0x6000, ""},
		{0x9000, ""},
		{^uint64(0), ""},
	}
	for _, test := range tests {
		m, ok := mods.ModuleForAddress(test.addr)
		got := ""
		if ok {
			got = m.Path
		}
		if got != test.want {
			t.Errorf("ModuleForAddress(0x%x)=%q want %q", test.addr, got, test.want)
		}
	}
}

func TestModulesNil(t *testing.T) {
	var mods *Modules
	if mods.Len() != 0 || mods.MainModule() != nil || mods.All() != nil || mods.HighestAddress() != 0 {
		t.Errorf("nil *Modules is not empty")
	}
	if _, ok := mods.ModuleForAddress(0x1000); ok {
		t.Errorf("nil *Modules found a module")
	}
}

func TestModuleEndSaturates(t *testing.T) {
	m := &Module{Base: ^uint64(0) - 0xff, Size: 0x1000}
	if got := m.End(); got != ^uint64(0) {
		t.Errorf("End()=0x%x want 0x%x", got, ^uint64(0))
	}
	if !m.Contains(^uint64(0)) {
		t.Errorf("Contains(max) = false")
	}
}

func TestModuleForTopAddress(t *testing.T) {
	top := &Module{Base: ^uint64(0) - 0xff, Size: 0x100, Path: "vdso"}
	mods := NewModules([]*Module{{Base: 0x1000, Size: 0x1000, Path: "/bin/main"}, top})
	for _, addr := range []uint64{^uint64(0) - 0xff, ^uint64(0) - 1, ^uint64(0)} {
		m, ok := mods.ModuleForAddress(addr)
		if !ok || m != top {
			t.Errorf("ModuleForAddress(0x%x)=%v,%v want vdso", addr, m, ok)
		}
	}
	if _, ok := mods.ModuleForAddress(^uint64(0) - 0x100); ok {
		t.Errorf("ModuleForAddress below vdso found a module")
	}
}

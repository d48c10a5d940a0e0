package cfi

import (
	"testing"
)

func TestFindCallerRegs(t *testing.T) {
	// A 32-bit x86 frame after "push ebp; mov ebp, esp".
	stack := map[uint64]uint64{
		0x8000: 0x9000,   // saved ebp
		0x8004: 0x401234, // return address
	}
	read := func(addr uint64) (uint64, bool) {
		v, ok := stack[addr]
		return v, ok
	}
	callee := map[string]uint64{"$eip": 0x400010, "$esp": 0x7ff0, "$ebp": 0x8000}

	r, err := ParseRules(".cfa: $ebp 8 + .ra: .cfa -4 + ^ $ebp: .cfa -8 + ^")
	if err != nil {
		t.Fatal(err)
	}
	got, ok := r.FindCallerRegs(callee, read, 4)
	if !ok {
		t.Fatalf("FindCallerRegs failed")
	}
	want := map[string]uint64{CFA: 0x8008, RA: 0x401234, "$ebp": 0x9000}
	if len(got) != len(want) {
		t.Errorf("got %v want %v", got, want)
	}
	for name, v := range want {
		if got[name] != v {
			t.Errorf("%s=0x%x want 0x%x", name, got[name], v)
		}
	}
}

func TestFindCallerRegsIncomplete(t *testing.T) {
	callee := map[string]uint64{"$esp": 0x1000}
	read := func(addr uint64) (uint64, bool) { return 0x400000, addr == 0x1000 }

	tests := []struct {
		rules string
		want  bool
	}{
		{".cfa: $esp 4 + .ra: $esp ^", true},
		{".ra: $esp ^", false},
		{".cfa: $esp 4 +", false},
		{".cfa: $esp 4 + .ra: $ebp ^", false},
		{".cfa: $esp 4 + .ra: $esp ^ $ebx: .cfa ^", false},
	}
	for _, test := range tests {
		r, err := ParseRules(test.rules)
		if err != nil {
			t.Errorf("ParseRules(%q): %v", test.rules, err)
			continue
		}
		if _, got := r.FindCallerRegs(callee, read, 4); got != test.want {
			t.Errorf("FindCallerRegs(%q)=%v want %v", test.rules, got, test.want)
		}
	}
}

func TestRulesUpdate(t *testing.T) {
	r, err := ParseRules(".cfa: $esp 4 + .ra: .cfa -4 + ^")
	if err != nil {
		t.Fatal(err)
	}
	c := r.Clone()
	if err := c.Update(".cfa: $esp 8 + $ebp: .cfa -8 + ^"); err != nil {
		t.Fatal(err)
	}
	if got, want := c.String(), ".cfa: $esp 8 + .ra: .cfa -4 + ^ $ebp: .cfa -8 + ^"; got != want {
		t.Errorf("updated rules=%q want %q", got, want)
	}
	if got, want := r.String(), ".cfa: $esp 4 + .ra: .cfa -4 + ^"; got != want {
		t.Errorf("original rules changed to %q want %q", got, want)
	}

	for _, bad := range []string{"$esp 4 +", ".cfa: $esp +", ": 4"} {
		if err := c.Update(bad); err == nil {
			t.Errorf("Update(%q) succeeded", bad)
		}
	}
	if _, ok := c.Rule("$ebp"); !ok {
		t.Errorf("failed Update modified the rules")
	}
}

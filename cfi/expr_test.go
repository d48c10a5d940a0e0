package cfi

import (
	"testing"

	"github.com/go-errors/errors"
)

func TestEvaluate(t *testing.T) {
	mem := map[uint64]uint64{
		0x1000: 0xdeadbeef,
		0x2000: 0x1000,
	}
	read := func(addr uint64) (uint64, bool) {
		v, ok := mem[addr]
		return v, ok
	}
	regs := map[string]uint64{"$esp": 0x1000, "$ebp": 0x2000, "r7": 16, ".cfa": 0x3000}

	tests := []struct {
		expr     string
		wordSize int
		want     uint64
		wantOK   bool
	}{
		{"$esp 4 +", 8, 0x1004, true},
		{"$esp -4 +", 8, 0xffc, true},
		{"$esp ^", 8, 0xdeadbeef, true},
		{"$ebp ^ ^", 8, 0xdeadbeef, true},
		{"$esp 8 -", 8, 0xff8, true},
		{"r7 3 *", 8, 48, true},
		{"r7 5 /", 8, 3, true},
		{"r7 5 %", 8, 1, true},
		{"0x1234 16 @", 8, 0x1230, true},
		{".cfa 8 -", 8, 0x2ff8, true},
		{"0 1 -", 4, 0xffffffff, true},
		{"0 1 -", 8, ^uint64(0), true},
		{"-1", 4, 0xffffffff, true},
		{"0xffffffff 1 +", 4, 0, true},
		{"r7 0 /", 8, 0, false},
		{"r7 0 %", 8, 0, false},
		{"$eax", 8, 0, false},
		{"$esp 4 + ^", 8, 0, false},
	}

	for _, test := range tests {
		e, err := ParseExpr(test.expr)
		if err != nil {
			t.Errorf("ParseExpr(%q): %v", test.expr, err)
			continue
		}
		m := &Machine{Registers: regs, ReadWord: read, WordSize: test.wordSize}
		got, ok := e.Evaluate(m)
		if ok != test.wantOK || got != test.want {
			t.Errorf("Evaluate(%q, word=%d)=0x%x,%v want 0x%x,%v", test.expr, test.wordSize, got, ok, test.want, test.wantOK)
		}
	}
}

func TestParseExprErrors(t *testing.T) {
	tests := []string{
		"",
		"+",
		"1 +",
		"1 2",
		"^",
		"0xzz",
		"$esp: 4",
	}
	for _, s := range tests {
		if _, err := ParseExpr(s); !errors.Is(err, ErrSyntax) {
			t.Errorf("ParseExpr(%q) error=%v want ErrSyntax", s, err)
		}
	}
}

func TestExprWithoutMemory(t *testing.T) {
	e := MustParseExpr("$sp ^")
	if _, ok := e.Evaluate(&Machine{Registers: map[string]uint64{"$sp": 8}, WordSize: 8}); ok {
		t.Errorf("dereference without ReadWord succeeded")
	}
	var zero Expr
	if _, ok := zero.Evaluate(&Machine{}); ok {
		t.Errorf("empty Expr evaluated")
	}
	if got := MustParseExpr("  $esp   4  + ").String(); got != "$esp 4 +" {
		t.Errorf("String()=%q want %q", got, "$esp 4 +")
	}
	if got := MustParseExpr("$esp $ebp + 4 -").Registers(); len(got) != 2 || got[0] != "$esp" || got[1] != "$ebp" {
		t.Errorf("Registers()=%v want [$esp $ebp]", got)
	}
}

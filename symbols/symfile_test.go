package symbols

import (
	"strings"
	"testing"

	"github.com/go-errors/errors"
)

const libfooSym = `MODULE Linux x86_64 0123456789ABCDEF0123456789ABCDEF0 libfoo.so
INFO CODE_ID 89674523AB01EFCD libfoo.so
FILE 0 foo.c
FUNC 1000 40 0 foo
1000 10 3 0
PUBLIC 1000 0 foo
STACK CFI INIT 1000 40 .cfa: $rsp 8 + .ra: .cfa -8 + ^
STACK CFI 1001 .cfa: $rsp 16 + $rbp: .cfa -16 + ^
STACK CFI 1004 .cfa: $rbp 16 +
STACK CFI INIT 2000 10 .cfa: $rsp 8 + .ra: .cfa -8 + ^
STACK CFI INIT 2008 10 .cfa: $rsp 24 + .ra: .cfa -8 + ^
STACK CFI INIT 3000 10 .cfa: $rsp 8 + .ra: bogus +
`

func TestParse(t *testing.T) {
	f, err := Parse(strings.NewReader(libfooSym))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if f.OS != "Linux" || f.CPU != "x86_64" || f.DebugFile != "libfoo.so" || f.CodeFile != "libfoo.so" {
		t.Errorf("got header %+v", f)
	}
	if f.DebugID != "0123456789ABCDEF0123456789ABCDEF0" {
		t.Errorf("got DebugID %q", f.DebugID)
	}
	// The INIT record at 0x2008 overlaps 0x2000 and is dropped.
	if got := f.NumRecords(); got != 3 {
		t.Errorf("got %d records, want 3", got)
	}
}

func TestFindFrameInfo(t *testing.T) {
	f, err := Parse(strings.NewReader(libfooSym))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	tests := []struct {
		offset uint64
		want   string // "" means no rules
	}{
		{0xfff, ""},
		{0x1000, ".cfa: $rsp 8 + .ra: .cfa -8 + ^"},
		{0x1001, ".cfa: $rsp 16 + .ra: .cfa -8 + ^ $rbp: .cfa -16 + ^"},
		{0x1003, ".cfa: $rsp 16 + .ra: .cfa -8 + ^ $rbp: .cfa -16 + ^"},
		{0x1004, ".cfa: $rbp 16 + .ra: .cfa -8 + ^ $rbp: .cfa -16 + ^"},
		{0x103f, ".cfa: $rbp 16 + .ra: .cfa -8 + ^ $rbp: .cfa -16 + ^"},
		{0x1040, ""},
		{0x200f, ".cfa: $rsp 8 + .ra: .cfa -8 + ^"},
		{0x2010, ""},
	}
	for _, test := range tests {
		rules, err := f.FindFrameInfo(test.offset)
		if err != nil {
			t.Errorf("FindFrameInfo(0x%x): %v", test.offset, err)
			continue
		}
		got := ""
		if rules != nil {
			got = rules.String()
		}
		if got != test.want {
			t.Errorf("FindFrameInfo(0x%x)=%q want %q", test.offset, got, test.want)
		}
	}

	if _, err := f.FindFrameInfo(0x3004); err == nil {
		t.Errorf("FindFrameInfo(0x3004) succeeded on a corrupt record")
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"empty", ""},
		{"no MODULE", "FILE 0 foo.c\n"},
		{"short MODULE", "MODULE Linux x86_64 ABC\n"},
		{"bad INIT range", "MODULE Linux x86_64 ABC libfoo.so\nSTACK CFI INIT zz 10 .cfa: $rsp 8 +\n"},
		{"short INIT", "MODULE Linux x86_64 ABC libfoo.so\nSTACK CFI INIT 1000\n"},
		{"orphan delta", "MODULE Linux x86_64 ABC libfoo.so\nSTACK CFI 1000 .cfa: $rsp 8 +\n"},
		{"delta outside INIT", "MODULE Linux x86_64 ABC libfoo.so\nSTACK CFI INIT 1000 10 .cfa: $rsp 8 +\nSTACK CFI 1010 .cfa: $rsp 16 +\n"},
		{"delta out of order", "MODULE Linux x86_64 ABC libfoo.so\nSTACK CFI INIT 1000 10 .cfa: $rsp 8 +\nSTACK CFI 1008 .cfa: $rsp 16 +\nSTACK CFI 1004 .cfa: $rsp 24 +\n"},
	}
	for _, test := range tests {
		_, err := Parse(strings.NewReader(test.text))
		if !errors.Is(err, ErrBadSymbolFile) {
			t.Errorf("%s: got error %v, want ErrBadSymbolFile", test.name, err)
		}
	}
}

func TestCheck(t *testing.T) {
	f, err := Parse(strings.NewReader(libfooSym))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	err = f.Check()
	if err == nil || !strings.Contains(err.Error(), "STACK CFI INIT 0x3000") {
		t.Errorf("Check()=%v want an error naming the record at 0x3000", err)
	}
	if again := f.Check(); again != err {
		t.Errorf("second Check()=%v want %v", again, err)
	}

	good, err := Parse(strings.NewReader("MODULE Linux x86_64 0 good.so\nSTACK CFI INIT 10 4 .cfa: $rsp 8 + .ra: .cfa -8 + ^\nSTACK CFI 12 .cfa: $rsp 16 +\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := good.Check(); err != nil {
		t.Errorf("Check()=%v want nil", err)
	}
}

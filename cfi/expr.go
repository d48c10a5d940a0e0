// Package cfi evaluates decoded call frame information: the rules that say
// how to compute a caller's registers from a callee's registers and stack.
//
// Rules are written as postfix expressions in the notation used by Breakpad
// symbol files, e.g. ".cfa: $esp 8 + .ra: .cfa -4 + ^". Operands are numbers
// or register names. The binary operators + - * / % do arithmetic that wraps
// at the target's word size, @ aligns (a b @ is a & -b), and ^ replaces the
// top of the stack with the word stored at that address.
package cfi

import (
	"strconv"
	"strings"

	"github.com/go-errors/errors"
)

// ErrSyntax is wrapped by all parse errors.
var ErrSyntax = errors.New("cfi: syntax error")

type tokenKind uint8

const (
	tokNumber tokenKind = iota
	tokRegister
	tokBinary
	tokDeref
)

type token struct {
	kind  tokenKind
	value uint64 // tokNumber
	reg   string // tokRegister
	op    byte   // tokBinary
}

// Expr is a parsed postfix expression. The zero Expr is empty and never
// evaluates successfully.
type Expr struct {
	src    string
	tokens []token
}

// ParseExpr parses a postfix expression.
func ParseExpr(s string) (Expr, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return Expr{}, errors.Errorf("%w: empty expression", ErrSyntax)
	}
	e := Expr{src: strings.Join(fields, " ")}
	depth := 0
	for _, f := range fields {
		t, err := parseToken(f)
		if err != nil {
			return Expr{}, err
		}
		switch t.kind {
		case tokNumber, tokRegister:
			depth++
		case tokBinary:
			if depth < 2 {
				return Expr{}, errors.Errorf("%w: %q: operator %q needs two operands", ErrSyntax, s, f)
			}
			depth--
		case tokDeref:
			if depth < 1 {
				return Expr{}, errors.Errorf("%w: %q: ^ needs an operand", ErrSyntax, s)
			}
		}
		e.tokens = append(e.tokens, t)
	}
	if depth != 1 {
		return Expr{}, errors.Errorf("%w: %q leaves %d values on the stack", ErrSyntax, s, depth)
	}
	return e, nil
}

// MustParseExpr is like ParseExpr but panics on error. It is intended for
// expressions known at compile time.
func MustParseExpr(s string) Expr {
	e, err := ParseExpr(s)
	if err != nil {
		panic(err)
	}
	return e
}

func parseToken(f string) (token, error) {
	switch f {
	case "+", "-", "*", "/", "%", "@":
		return token{kind: tokBinary, op: f[0]}, nil
	case "^":
		return token{kind: tokDeref}, nil
	}
	if isNumber(f) {
		neg := strings.HasPrefix(f, "-")
		v, err := strconv.ParseUint(strings.TrimPrefix(f, "-"), 0, 64)
		if err != nil {
			return token{}, errors.Errorf("%w: bad number %q", ErrSyntax, f)
		}
		if neg {
			v = -v
		}
		return token{kind: tokNumber, value: v}, nil
	}
	if strings.ContainsAny(f, ":") {
		return token{}, errors.Errorf("%w: bad register name %q", ErrSyntax, f)
	}
	return token{kind: tokRegister, reg: f}, nil
}

func isNumber(f string) bool {
	if strings.HasPrefix(f, "-") {
		f = f[1:]
	}
	return f != "" && f[0] >= '0' && f[0] <= '9'
}

// IsEmpty reports whether e is the zero Expr.
func (e Expr) IsEmpty() bool { return len(e.tokens) == 0 }

func (e Expr) String() string { return e.src }

// Registers returns the register names e refers to, in order of use.
func (e Expr) Registers() []string {
	var regs []string
	for _, t := range e.tokens {
		if t.kind == tokRegister {
			regs = append(regs, t.reg)
		}
	}
	return regs
}

// Machine supplies the values an expression reads.
type Machine struct {
	// Registers holds the known register values, keyed by name.
	Registers map[string]uint64
	// ReadWord reads one target word. A nil ReadWord makes every
	// dereference fail.
	ReadWord func(addr uint64) (uint64, bool)
	// WordSize is 4 or 8. Results are truncated to this many bytes.
	WordSize int
}

func (m *Machine) mask(v uint64) uint64 {
	if m.WordSize == 4 {
		return v & 0xffffffff
	}
	return v
}

// Evaluate computes e. It fails if e refers to an unknown register, reads
// uncaptured memory, or divides by zero.
func (e Expr) Evaluate(m *Machine) (uint64, bool) {
	if e.IsEmpty() {
		return 0, false
	}
	var stack [16]uint64
	sp := stack[:0]
	for _, t := range e.tokens {
		switch t.kind {
		case tokNumber:
			sp = append(sp, m.mask(t.value))
		case tokRegister:
			v, ok := m.Registers[t.reg]
			if !ok {
				return 0, false
			}
			sp = append(sp, m.mask(v))
		case tokDeref:
			if m.ReadWord == nil {
				return 0, false
			}
			v, ok := m.ReadWord(sp[len(sp)-1])
			if !ok {
				return 0, false
			}
			sp[len(sp)-1] = m.mask(v)
		case tokBinary:
			a, b := sp[len(sp)-2], sp[len(sp)-1]
			sp = sp[:len(sp)-1]
			var r uint64
			switch t.op {
			case '+':
				r = a + b
			case '-':
				r = a - b
			case '*':
				r = a * b
			case '/':
				if b == 0 {
					return 0, false
				}
				r = a / b
			case '%':
				if b == 0 {
					return 0, false
				}
				r = a % b
			case '@':
				r = a & -b
			}
			sp[len(sp)-1] = m.mask(r)
		}
	}
	return sp[0], true
}

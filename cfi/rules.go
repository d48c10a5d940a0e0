package cfi

import (
	"sort"
	"strings"

	"github.com/go-errors/errors"
)

// Names of the pseudo-registers every rule set computes.
const (
	CFA = ".cfa" // canonical frame address: the callee's stack pointer before the call
	RA  = ".ra"  // return address
)

// Rules is the set of recovery rules in effect at one instruction address.
// Each rule maps a register name to an expression over the callee's
// registers. Rules for registers other than CFA and RA may also refer
// to ".cfa".
type Rules struct {
	rules map[string]Expr
}

// ParseRules parses a rule list such as ".cfa: $esp 4 + .ra: .cfa -4 + ^".
func ParseRules(s string) (*Rules, error) {
	r := &Rules{}
	if err := r.Update(s); err != nil {
		return nil, err
	}
	return r, nil
}

// Update parses s and replaces any rules it names. It is used to apply a
// delta record on top of an initial rule set. On error r is unchanged.
func (r *Rules) Update(s string) error {
	type pending struct {
		name string
		expr []string
	}
	var list []pending
	for _, f := range strings.Fields(s) {
		if strings.HasSuffix(f, ":") {
			name := strings.TrimSuffix(f, ":")
			if name == "" {
				return errors.Errorf("%w: empty register name in %q", ErrSyntax, s)
			}
			list = append(list, pending{name: name})
			continue
		}
		if len(list) == 0 {
			return errors.Errorf("%w: expression without register in %q", ErrSyntax, s)
		}
		list[len(list)-1].expr = append(list[len(list)-1].expr, f)
	}

	parsed := make(map[string]Expr, len(list))
	for _, p := range list {
		e, err := ParseExpr(strings.Join(p.expr, " "))
		if err != nil {
			return errors.WrapPrefix(err, "rule for "+p.name, 0)
		}
		parsed[p.name] = e
	}
	if r.rules == nil {
		r.rules = make(map[string]Expr, len(parsed))
	}
	for name, e := range parsed {
		r.rules[name] = e
	}
	return nil
}

// Clone returns an independent copy of r.
func (r *Rules) Clone() *Rules {
	c := &Rules{rules: make(map[string]Expr, len(r.rules))}
	for name, e := range r.rules {
		c.rules[name] = e
	}
	return c
}

// Rule returns the rule for the named register.
func (r *Rules) Rule(name string) (Expr, bool) {
	e, ok := r.rules[name]
	return e, ok
}

// Names returns the registers r has rules for, sorted.
func (r *Rules) Names() []string {
	names := make([]string, 0, len(r.rules))
	for name := range r.rules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Rules) String() string {
	var parts []string
	add := func(name string) {
		if e, ok := r.rules[name]; ok {
			parts = append(parts, name+": "+e.String())
		}
	}
	// CFA and RA first, in the order a symbol file lists them.
	add(CFA)
	add(RA)
	for _, name := range r.Names() {
		if name != CFA && name != RA {
			add(name)
		}
	}
	return strings.Join(parts, " ")
}

// FindCallerRegs computes the caller's registers from the callee's.
// The result holds CFA, RA, and one entry per other register rule. It
// fails if r lacks a CFA or RA rule, or if any rule cannot be evaluated.
// Registers without rules are not included; whether they survive the call
// is up to the architecture's calling convention.
func (r *Rules) FindCallerRegs(callee map[string]uint64, readWord func(uint64) (uint64, bool), wordSize int) (map[string]uint64, bool) {
	cfaRule, ok := r.rules[CFA]
	if !ok {
		return nil, false
	}
	raRule, ok := r.rules[RA]
	if !ok {
		return nil, false
	}

	m := &Machine{Registers: callee, ReadWord: readWord, WordSize: wordSize}
	cfa, ok := cfaRule.Evaluate(m)
	if !ok {
		return nil, false
	}

	working := make(map[string]uint64, len(callee)+1)
	for name, v := range callee {
		working[name] = v
	}
	working[CFA] = cfa
	m.Registers = working

	ra, ok := raRule.Evaluate(m)
	if !ok {
		return nil, false
	}
	caller := map[string]uint64{CFA: cfa, RA: ra}
	for name, e := range r.rules {
		if name == CFA || name == RA {
			continue
		}
		v, ok := e.Evaluate(m)
		if !ok {
			return nil, false
		}
		caller[name] = v
	}
	return caller, true
}

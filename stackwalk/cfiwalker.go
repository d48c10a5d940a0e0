package stackwalk

import (
	"github.com/tombergan/dumpwalk/cfi"
	"github.com/tombergan/dumpwalk/dumpfile"
)

// cfiRegister describes how one context register is named in CFI rules.
type cfiRegister struct {
	name string // name in rules, e.g. "$ebp" or "r7"

	// callerName is the pseudo-register (cfi.RA or cfi.CFA) that gives the
	// caller's value when the rules have no entry for name.
	callerName string

	// calleeSaves registers keep their value across calls, so the caller's
	// value is the callee's unless the rules say otherwise.
	calleeSaves bool

	valid Validity
	get   func(dumpfile.Context) uint64
	set   func(dumpfile.Context, uint64)
}

// cfiWalker recovers caller registers from CFI rules for one architecture.
type cfiWalker struct {
	regs     []cfiRegister
	wordSize int
}

// findCallerRegs fills caller from callee using rules and returns the set
// of caller registers it recovered.
func (w *cfiWalker) findCallerRegs(rules *cfi.Rules, callee dumpfile.Context, calleeValid Validity, caller dumpfile.Context, readWord func(uint64) (uint64, bool)) (Validity, bool) {
	calleeRegs := make(map[string]uint64, len(w.regs))
	for _, r := range w.regs {
		if calleeValid&r.valid != 0 {
			calleeRegs[r.name] = r.get(callee)
		}
	}

	callerRegs, ok := rules.FindCallerRegs(calleeRegs, readWord, w.wordSize)
	if !ok {
		return 0, false
	}

	var valid Validity
	for _, r := range w.regs {
		if v, ok := callerRegs[r.name]; ok {
			r.set(caller, v)
			valid |= r.valid
			continue
		}
		if r.callerName != "" {
			if v, ok := callerRegs[r.callerName]; ok {
				r.set(caller, v)
				valid |= r.valid
				continue
			}
		}
		if r.calleeSaves && calleeValid&r.valid != 0 {
			r.set(caller, r.get(callee))
			valid |= r.valid
		}
	}
	return valid, true
}

package main

import (
	"github.com/casbin/govaluate"
	"github.com/go-errors/errors"

	"github.com/tombergan/dumpwalk/fingerprint"
	"github.com/tombergan/dumpwalk/stackwalk"
)

// frameFilter selects frames with a boolean expression such as
//
//	module == 'libc.so.6' && offset > 4096
//
// The expression can use these variables:
//
//	index    frame number, 0 being innermost
//	trust    how the frame was found: context, cfi, frame_pointer, cfi_scan, scan
//	module   file name of the frame's module, or ""
//	offset   return address minus the module base, or 0
//	address  return address
type frameFilter struct {
	expr *govaluate.EvaluableExpression
}

func newFrameFilter(expr string) (*frameFilter, error) {
	e, err := govaluate.NewEvaluableExpression(expr)
	if err != nil {
		return nil, errors.WrapPrefix(err, "-where", 0)
	}
	return &frameFilter{expr: e}, nil
}

func (ff *frameFilter) match(index int, f *stackwalk.StackFrame) (bool, error) {
	addr := f.ReturnAddress()
	params := map[string]interface{}{
		"index":   float64(index),
		"trust":   f.Trust.String(),
		"module":  "",
		"offset":  float64(0),
		"address": float64(addr),
	}
	if f.Module != nil {
		params["module"] = fingerprint.FileName(f.Module.Path)
		params["offset"] = float64(addr - f.Module.Base)
	}
	v, err := ff.expr.Evaluate(params)
	if err != nil {
		return false, errors.WrapPrefix(err, "-where", 0)
	}
	b, ok := v.(bool)
	if !ok {
		return false, errors.Errorf("-where: expression %q yields %v, not a boolean", ff.expr.String(), v)
	}
	return b, nil
}

// Package opt holds the block-local IR optimizations: constant folding with algebraic
// identities, guest register forwarding, common subexpression merging and dead code
// elimination. No pass adds, removes or reorders blocks or changes a terminator's targets.
package opt

import (
	"fmt"

	"github.com/colorfulnotion/a64jit/jit/ir"
	"github.com/colorfulnotion/a64jit/log"
)

type Options struct {
	ConstFold bool
	Forward   bool
	CSE       bool
	DCE       bool
}

// DefaultOptions enables every pass.
func DefaultOptions() Options {
	return Options{ConstFold: true, Forward: true, CSE: true, DCE: true}
}

// None disables every pass.
func None() Options { return Options{} }

func (o Options) Enabled() bool { return o.ConstFold || o.Forward || o.CSE || o.DCE }

// Stats counts what each pass removed.
type Stats struct {
	Folded        int
	Forwarded     int
	StoresRemoved int
	Merged        int
	Dead          int
}

func (s Stats) Removed() int { return s.Folded + s.Forwarded + s.StoresRemoved + s.Merged + s.Dead }

func (s Stats) String() string {
	return fmt.Sprintf("folded=%d forwarded=%d stores=%d merged=%d dead=%d", s.Folded, s.Forwarded, s.StoresRemoved, s.Merged, s.Dead)
}

// Run optimizes f in place.
func Run(f *ir.Func, opts Options) Stats {
	var st Stats
	for _, blk := range f.Blocks {
		r := newRewriter()
		if opts.Forward {
			fw, stores := forward(blk, r)
			st.Forwarded += fw
			st.StoresRemoved += stores
		}
		if opts.ConstFold {
			st.Folded += constFold(blk, r)
		}
		if opts.CSE {
			st.Merged += cse(blk, r)
		}
		if opts.ConstFold && opts.CSE {
			// merging can expose identities such as x ^ x
			st.Folded += constFold(blk, r)
		}
		if opts.DCE {
			st.Dead += dce(blk)
		}
	}
	log.Debug(log.JitCompile, "opt.Run", "entry", fmt.Sprintf("0x%x", f.Entry), "stats", st.String())
	return st
}

// rewriter replaces uses of virtual registers whose definitions were removed.
type rewriter struct {
	repl map[int]ir.Operand
}

func newRewriter() *rewriter { return &rewriter{repl: make(map[int]ir.Operand)} }

func (r *rewriter) replace(dst ir.Operand, with ir.Operand) { r.repl[dst.VReg()] = with }

func (r *rewriter) apply(op *ir.Op) {
	for i, a := range op.Args {
		switch {
		case a.Kind == ir.KindVReg:
			if v, ok := r.repl[a.VReg()]; ok {
				op.Args[i] = v
			}
		case a.Kind == ir.KindMem && a.BaseKind == ir.KindVReg:
			if v, ok := r.repl[int(a.Base)]; ok {
				op.Args[i] = a.WithBase(v)
			}
		}
	}
}

// filter keeps the non-nil ops.
func filter(ops []*ir.Op) []*ir.Op {
	out := ops[:0]
	for _, op := range ops {
		if op != nil {
			out = append(out, op)
		}
	}
	for i := len(out); i < len(ops); i++ {
		ops[i] = nil
	}
	return out
}

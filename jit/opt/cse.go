package opt

import "github.com/colorfulnotion/a64jit/jit/ir"

type exprKey struct {
	code ir.Opcode
	t    ir.Type
	intr ir.Intrinsic
	n    int
	args [3]ir.Operand
}

func keyOf(op *ir.Op) (exprKey, bool) {
	if op.HasSideEffects() || op.Dst.Kind != ir.KindVReg || op.Code == ir.OpLoadGuest || len(op.Args) > 3 {
		return exprKey{}, false
	}
	k := exprKey{code: op.Code, t: op.Dst.Type, intr: op.Intr, n: len(op.Args)}
	copy(k.args[:], op.Args)
	if op.Code.IsCommutative() && less(k.args[1], k.args[0]) {
		k.args[0], k.args[1] = k.args[1], k.args[0]
	}
	return k, true
}

func less(a, b ir.Operand) bool {
	if a.Kind != b.Kind {
		return a.Kind < b.Kind
	}
	return a.Value < b.Value
}

// cse merges pure ops that recompute a value already available earlier in the block.
func cse(blk *ir.Block, r *rewriter) int {
	n := 0
	seen := make(map[exprKey]ir.Operand)
	for i, op := range blk.Ops {
		r.apply(op)
		k, ok := keyOf(op)
		if !ok {
			continue
		}
		if prev, ok := seen[k]; ok {
			r.replace(op.Dst, prev)
			blk.Ops[i] = nil
			n++
			continue
		}
		seen[k] = op.Dst
	}
	blk.Ops = filter(blk.Ops)
	return n
}

package opt

import "github.com/colorfulnotion/a64jit/jit/ir"

// dce removes pure ops whose results are never used. Intrinsics count as pure.
func dce(blk *ir.Block) int {
	live := make(map[int]bool)
	n := 0
	for i := len(blk.Ops) - 1; i >= 0; i-- {
		op := blk.Ops[i]
		if !op.HasSideEffects() && op.Dst.Kind == ir.KindVReg && !live[op.Dst.VReg()] {
			blk.Ops[i] = nil
			n++
			continue
		}
		op.Uses(func(o ir.Operand) { live[o.VReg()] = true })
	}
	blk.Ops = filter(blk.Ops)
	return n
}

package opt

import (
	"github.com/colorfulnotion/a64jit/jit/guest"
	"github.com/colorfulnotion/a64jit/jit/ir"
)

// forward keeps the current value of each guest slot within a block. A load of a slot with a
// known value is replaced by that value; a store that is overwritten before any memory access
// or exit is dropped. Memory accesses can leave native code through the slow path, so guest
// state must be complete before each of them.
func forward(blk *ir.Block, r *rewriter) (forwarded, removed int) {
	known := make(map[guest.Slot]ir.Operand)
	pending := make(map[guest.Slot]int)
	for i, op := range blk.Ops {
		r.apply(op)
		switch {
		case op.Code == ir.OpLoadGuest:
			s := op.Args[0].Slot()
			if v, ok := known[s]; ok && v.Type == op.Dst.Type {
				r.replace(op.Dst, v)
				blk.Ops[i] = nil
				forwarded++
				continue
			}
			known[s] = op.Dst
		case op.Code == ir.OpStoreGuest:
			s := op.Dst.Slot()
			if j, ok := pending[s]; ok {
				blk.Ops[j] = nil
				removed++
			}
			pending[s] = i
			known[s] = op.Args[0]
		case op.Code.IsMemory() || op.Code == ir.OpExit:
			clear(pending)
		}
	}
	blk.Ops = filter(blk.Ops)
	return forwarded, removed
}

package opt

import "github.com/colorfulnotion/a64jit/jit/ir"

// constFold evaluates ops whose inputs are constants and applies algebraic identities. Removed
// definitions are replaced through r.
func constFold(blk *ir.Block, r *rewriter) int {
	n := 0
	for i, op := range blk.Ops {
		r.apply(op)
		if op.Dst.Kind != ir.KindVReg {
			continue
		}
		if v, ok := fold(op); ok {
			r.replace(op.Dst, v)
			blk.Ops[i] = nil
			n++
		}
	}
	blk.Ops = filter(blk.Ops)
	return n
}

func allOnes(t ir.Type) uint64 {
	if t == ir.I32 {
		return 0xffffffff
	}
	return ^uint64(0)
}

func fold(op *ir.Op) (ir.Operand, bool) {
	t := op.Dst.Type
	switch op.Code {
	case ir.OpMov:
		return op.Args[0], true
	case ir.OpSelect:
		c := op.Args[0]
		switch {
		case c.IsConst() && c.Value != 0:
			return op.Args[1], true
		case c.IsConst():
			return op.Args[2], true
		case op.Args[1] == op.Args[2]:
			return op.Args[1], true
		}
	case ir.OpLoadGuest, ir.OpVZext32, ir.OpVZext64, ir.OpVLow32, ir.OpVLow64, ir.OpVZero, ir.OpIntrinsic:
		return ir.None, false
	}
	if op.Code.IsLoad() || !t.IsInt() {
		return ir.None, false
	}

	vals := make([]uint64, len(op.Args))
	constant := true
	for i, a := range op.Args {
		if !a.IsConst() {
			constant = false
			break
		}
		vals[i] = a.Value
	}
	if constant && len(vals) > 0 {
		et := t
		if op.Code.IsCompare() || isConvert(op.Code) {
			et = op.Args[0].Type
		}
		if v, ok := ir.Eval(op.Code, et, vals...); ok {
			return ir.Const(t, v), true
		}
	}
	if len(op.Args) == 2 {
		return identity(op.Code, t, op.Args[0], op.Args[1])
	}
	return ir.None, false
}

func isConvert(code ir.Opcode) bool {
	switch code {
	case ir.OpZext32, ir.OpSext32, ir.OpTrunc, ir.OpSext8, ir.OpSext16:
		return true
	}
	return false
}

func identity(code ir.Opcode, t ir.Type, x, y ir.Operand) (ir.Operand, bool) {
	if x.IsConst() && !y.IsConst() && code.IsCommutative() {
		x, y = y, x
	}
	zero := ir.Const(t, 0)
	if x.IsVReg() && x == y {
		switch code {
		case ir.OpSub, ir.OpXor, ir.OpAndNot:
			return zero, true
		case ir.OpAnd, ir.OpOr:
			return x, true
		}
	}
	if !y.IsConst() {
		return ir.None, false
	}
	w := uint64(t.Bits())
	switch code {
	case ir.OpAdd, ir.OpSub, ir.OpOr, ir.OpXor, ir.OpAndNot:
		if y.Value == 0 {
			return x, true
		}
	case ir.OpShl, ir.OpLShr, ir.OpAShr, ir.OpRor:
		if y.Value&(w-1) == 0 && x.Type == t {
			return x, true
		}
	case ir.OpMul:
		switch y.Value {
		case 0:
			return zero, true
		case 1:
			return x, true
		}
	case ir.OpAnd:
		switch y.Value {
		case 0:
			return zero, true
		case allOnes(t):
			return x, true
		}
	case ir.OpUDiv, ir.OpSDiv:
		switch y.Value {
		case 0:
			return zero, true
		case 1:
			return x, true
		}
	}
	return ir.None, false
}

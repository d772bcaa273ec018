package ir

import (
	"fmt"

	"github.com/colorfulnotion/a64jit/jiterrors"
	"github.com/colorfulnotion/a64jit/jit/guest"
)

// Verify checks the structural and type invariants of f: every block ends in exactly one
// terminator whose labels match Succs, virtual registers are defined once and only used later
// in the same block, and each op satisfies its opcode's operand contract.
func Verify(f *Func) error {
	if len(f.Blocks) == 0 {
		return fmt.Errorf("%w: function 0x%x has no blocks", jiterrors.ErrInvalidIR, f.Entry)
	}
	defBlock := make([]int, f.NumVRegs())
	for i := range defBlock {
		defBlock[i] = -1
	}
	for bi, blk := range f.Blocks {
		if blk.ID != bi {
			return fmt.Errorf("%w: block at index %d has id %d", jiterrors.ErrInvalidIR, bi, blk.ID)
		}
		if blk.Terminator() == nil {
			return fmt.Errorf("%w: block %d is not terminated", jiterrors.ErrInvalidIR, bi)
		}
		defined := make(map[int]bool)
		for oi, op := range blk.Ops {
			fail := func(format string, args ...interface{}) error {
				return fmt.Errorf("%w: block %d op %d (%s): %s", jiterrors.ErrInvalidIR, bi, oi, op.Code, fmt.Sprintf(format, args...))
			}
			if op.IsTerminator() && oi != len(blk.Ops)-1 {
				return fail("terminator in the middle of a block")
			}
			var useErr error
			op.Uses(func(o Operand) {
				if useErr != nil {
					return
				}
				id := o.VReg()
				switch {
				case id >= f.NumVRegs():
					useErr = fail("unknown v%d", id)
				case !defined[id]:
					useErr = fail("v%d used before its definition in this block", id)
				case f.VRegType(id) != o.Type:
					useErr = fail("v%d used as %s, defined as %s", id, o.Type, f.VRegType(id))
				}
			})
			if useErr != nil {
				return useErr
			}
			if err := checkOp(op); err != nil {
				return fail("%v", err)
			}
			if op.Dst.Kind == KindVReg {
				id := op.Dst.VReg()
				if id >= f.NumVRegs() || f.VRegType(id) != op.Dst.Type {
					return fail("bad destination v%d", id)
				}
				if defBlock[id] >= 0 {
					return fail("v%d defined twice", id)
				}
				defBlock[id] = bi
				defined[id] = true
			}
		}
		if err := checkSuccs(f, blk); err != nil {
			return err
		}
	}
	return nil
}

func checkSuccs(f *Func, blk *Block) error {
	t := blk.Terminator()
	var want []int
	for _, a := range t.Args {
		if a.Kind == KindLabel {
			if f.Block(int(a.Value)) == nil {
				return fmt.Errorf("%w: block %d branches to missing block %d", jiterrors.ErrInvalidIR, blk.ID, a.Value)
			}
			want = append(want, int(a.Value))
		}
	}
	if len(want) != len(blk.Succs) {
		return fmt.Errorf("%w: block %d successors %v disagree with terminator %v", jiterrors.ErrInvalidIR, blk.ID, blk.Succs, want)
	}
	for i := range want {
		if want[i] != blk.Succs[i] {
			return fmt.Errorf("%w: block %d successors %v disagree with terminator %v", jiterrors.ErrInvalidIR, blk.ID, blk.Succs, want)
		}
	}
	return nil
}

func isValue(o Operand) bool {
	switch o.Kind {
	case KindVReg, KindPReg:
		return true
	case KindConst:
		return o.Type.IsInt()
	}
	return false
}

func checkOp(op *Op) error {
	if op.Code == OpInvalid || op.Code >= numOpcodes {
		return fmt.Errorf("invalid opcode %d", op.Code)
	}
	info := opInfos[op.Code]
	if info.args >= 0 && len(op.Args) != info.args {
		return fmt.Errorf("want %d args, have %d", info.args, len(op.Args))
	}
	d := op.Dst
	args := op.Args
	values := func(idx ...int) error {
		for _, i := range idx {
			if !isValue(args[i]) {
				return fmt.Errorf("arg %d is not a value", i)
			}
		}
		return nil
	}
	switch info.class {
	case classMov:
		if err := values(0); err != nil {
			return err
		}
		if args[0].Type != d.Type {
			return fmt.Errorf("mov %s to %s", args[0].Type, d.Type)
		}
	case classBinary, classMulHigh:
		if err := values(0, 1); err != nil {
			return err
		}
		if !d.Type.IsInt() || args[0].Type != d.Type || args[1].Type != d.Type {
			return fmt.Errorf("types %s = %s, %s", d.Type, args[0].Type, args[1].Type)
		}
		if info.class == classMulHigh && d.Type != I64 {
			return fmt.Errorf("high multiply needs i64")
		}
	case classShift:
		if err := values(0, 1); err != nil {
			return err
		}
		if !d.Type.IsInt() || args[0].Type != d.Type || !args[1].Type.IsInt() {
			return fmt.Errorf("types %s = %s, %s", d.Type, args[0].Type, args[1].Type)
		}
	case classUnary:
		if err := values(0); err != nil {
			return err
		}
		if !d.Type.IsInt() || args[0].Type != d.Type {
			return fmt.Errorf("types %s = %s", d.Type, args[0].Type)
		}
	case classCompare:
		if err := values(0, 1); err != nil {
			return err
		}
		if d.Type != I64 || !args[0].Type.IsInt() || args[0].Type != args[1].Type {
			return fmt.Errorf("types %s = %s, %s", d.Type, args[0].Type, args[1].Type)
		}
	case classSelect:
		if err := values(0, 1, 2); err != nil {
			return err
		}
		if !args[0].Type.IsInt() || !d.Type.IsInt() || args[1].Type != d.Type || args[2].Type != d.Type {
			return fmt.Errorf("types %s = %s ? %s : %s", d.Type, args[0].Type, args[1].Type, args[2].Type)
		}
	case classConvert:
		if err := values(0); err != nil {
			return err
		}
		from, to := args[0].Type, d.Type
		ok := false
		switch op.Code {
		case OpZext32, OpSext32:
			ok = from == I32 && to == I64
		case OpTrunc:
			ok = from == I64 && to == I32
		case OpSext8, OpSext16:
			ok = from.IsInt() && from == to
		}
		if !ok {
			return fmt.Errorf("cannot convert %s to %s", from, to)
		}
	case classGuestLoad:
		if args[0].Kind != KindGuest || !args[0].Slot().Valid() {
			return fmt.Errorf("source is not a guest slot")
		}
		if d.Type != SlotType(args[0].Slot()) || args[0].Type != d.Type {
			return fmt.Errorf("slot %s read as %s", args[0].Slot(), d.Type)
		}
	case classGuestStore:
		if d.Kind != KindGuest || !d.Slot().Valid() {
			return fmt.Errorf("destination is not a guest slot")
		}
		if args[0].Kind != KindVReg && args[0].Kind != KindPReg && args[0].Kind != KindConst {
			return fmt.Errorf("stored operand is not a value")
		}
		if args[0].Type != SlotType(d.Slot()) {
			return fmt.Errorf("slot %s written with %s", d.Slot(), args[0].Type)
		}
	case classLoad:
		if err := checkMem(args[0]); err != nil {
			return err
		}
		want := I64
		if op.Code == OpLoad128 {
			want = V128
		}
		if d.Type != want {
			return fmt.Errorf("%s produces %s, not %s", op.Code, want, d.Type)
		}
	case classStore:
		if err := checkMem(args[0]); err != nil {
			return err
		}
		v := args[1]
		if v.Kind != KindVReg && v.Kind != KindPReg && v.Kind != KindConst {
			return fmt.Errorf("stored operand is not a value")
		}
		switch {
		case op.Code == OpStore128 && v.Type != V128:
			return fmt.Errorf("st128 of %s", v.Type)
		case op.Code == OpStore64 && v.Type != I64:
			return fmt.Errorf("st64 of %s", v.Type)
		case op.Code != OpStore128 && !v.Type.IsInt():
			return fmt.Errorf("%s of %s", op.Code, v.Type)
		}
	case classVecFromInt:
		if err := values(0); err != nil {
			return err
		}
		if d.Type != V128 || !args[0].Type.IsInt() {
			return fmt.Errorf("types %s = %s", d.Type, args[0].Type)
		}
		if op.Code == OpVZext64 && args[0].Type != I64 {
			return fmt.Errorf("vzext64 of %s", args[0].Type)
		}
	case classIntFromVec:
		if d.Type != I64 || args[0].Type != V128 {
			return fmt.Errorf("types %s = %s", d.Type, args[0].Type)
		}
	case classVecZero:
		if d.Type != V128 {
			return fmt.Errorf("vzero produces %s", d.Type)
		}
	case classIntrinsic:
		in, ok := op.Intr.Info()
		if !ok {
			return fmt.Errorf("unknown intrinsic %s", op.Intr)
		}
		if len(args) != in.Args {
			return fmt.Errorf("%s wants %d args, have %d", op.Intr, in.Args, len(args))
		}
		if !in.ValidVariant(op.Intr.Variant) {
			return fmt.Errorf("%s: invalid variant", op.Intr)
		}
		if d.Type != V128 {
			return fmt.Errorf("%s produces %s", op.Intr, d.Type)
		}
		for i, a := range args {
			if a.Type != V128 || (a.Kind != KindVReg && a.Kind != KindPReg) {
				return fmt.Errorf("%s arg %d is not a vector register", op.Intr, i)
			}
		}
	case classBranch:
		if args[0].Kind != KindLabel {
			return fmt.Errorf("target is not a label")
		}
	case classBranchIf:
		if !isValue(args[0]) || !args[0].Type.IsInt() {
			return fmt.Errorf("condition is not an integer")
		}
		if args[1].Kind != KindLabel || args[2].Kind != KindLabel {
			return fmt.Errorf("targets are not labels")
		}
	case classExit:
		if args[0].Kind != KindConst {
			return fmt.Errorf("exit reason is not a constant")
		}
		if !isValue(args[1]) || args[1].Type != I64 {
			return fmt.Errorf("next pc is not an i64")
		}
	case classSpill, classReload:
		// only produced after allocation
	}
	return nil
}

func checkMem(o Operand) error {
	if o.Kind != KindMem {
		return fmt.Errorf("address is not a memory operand")
	}
	switch o.BaseKind {
	case KindVReg, KindPReg, KindConst:
		return nil
	}
	return fmt.Errorf("memory base kind %d", o.BaseKind)
}

// SlotType is the value type held by a guest slot.
func SlotType(s guest.Slot) Type {
	if s.IsVector() {
		return V128
	}
	return I64
}

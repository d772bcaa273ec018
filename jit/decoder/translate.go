package decoder

import (
	"errors"

	"github.com/colorfulnotion/a64jit/jit/guest"
	"github.com/colorfulnotion/a64jit/jit/ir"
)

// errNoLowering marks a vector instruction the selector could not map to the target.
var errNoLowering = errors.New("no lowering for vector operation")

type translator struct {
	b   *ir.Builder
	sel ir.Selector
}

func width(in *Inst) ir.Type {
	if in.Sf {
		return ir.I64
	}
	return ir.I32
}

func bitsIn(t ir.Type) uint64 { return uint64(t.Bits()) }

func mask(n uint64) uint64 {
	if n >= 64 {
		return ^uint64(0)
	}
	return 1<<n - 1
}

// readX reads register n as t. Register 31 is SP when sp is set and XZR otherwise.
func (tr *translator) readX(n int, sp bool, t ir.Type) ir.Operand {
	var v ir.Operand
	switch {
	case n == 31 && !sp:
		return ir.Const(t, 0)
	case n == 31:
		v = tr.b.LoadGuest(guest.SlotSP, ir.I64)
	default:
		v = tr.b.LoadGuest(guest.SlotX(n), ir.I64)
	}
	if t == ir.I32 {
		return tr.b.Convert(ir.OpTrunc, v)
	}
	return v
}

// writeX writes v to register n, zero extending 32-bit values. Writes to XZR are dropped.
func (tr *translator) writeX(n int, sp bool, v ir.Operand) {
	if n == 31 && !sp {
		return
	}
	if v.Type == ir.I32 {
		if v.IsConst() {
			v = ir.Const(ir.I64, v.Value)
		} else {
			v = tr.b.Convert(ir.OpZext32, v)
		}
	}
	slot := guest.SlotX(n)
	if n == 31 {
		slot = guest.SlotSP
	}
	tr.b.StoreGuest(slot, v)
}

func (tr *translator) readV(n int) ir.Operand { return tr.b.LoadGuest(guest.SlotVReg(n), ir.V128) }

func (tr *translator) writeV(n int, v ir.Operand) { tr.b.StoreGuest(guest.SlotVReg(n), v) }

func (tr *translator) shifted(v ir.Operand, kind uint8, amount uint8) ir.Operand {
	if amount == 0 {
		return v
	}
	code := [...]ir.Opcode{ir.OpShl, ir.OpLShr, ir.OpAShr, ir.OpRor}[kind&3]
	return tr.b.Binary(code, v, ir.Const(v.Type, uint64(amount)))
}

// extended applies an extend option (UXTB..SXTX) and left shift to register n.
func (tr *translator) extended(n int, option, amount uint8, t ir.Type) ir.Operand {
	v := tr.readX(n, false, ir.I64)
	switch option & 7 {
	case 0:
		v = tr.b.Binary(ir.OpAnd, v, ir.Const(ir.I64, 0xff))
	case 1:
		v = tr.b.Binary(ir.OpAnd, v, ir.Const(ir.I64, 0xffff))
	case 2:
		v = tr.b.Binary(ir.OpAnd, v, ir.Const(ir.I64, 0xffffffff))
	case 4:
		v = tr.b.Convert(ir.OpSext8, v)
	case 5:
		v = tr.b.Convert(ir.OpSext16, v)
	case 6:
		v = tr.b.Convert(ir.OpSext32, tr.b.Convert(ir.OpTrunc, v))
	}
	if amount != 0 {
		v = tr.b.Binary(ir.OpShl, v, ir.Const(ir.I64, uint64(amount)))
	}
	if t == ir.I32 {
		v = tr.b.Convert(ir.OpTrunc, v)
	}
	return v
}

func (tr *translator) toI64(v ir.Operand) ir.Operand {
	if v.Type == ir.I32 {
		return tr.b.Convert(ir.OpZext32, v)
	}
	return v
}

// setFlags stores NZCV for res = a op b. Logical operations pass sub=false, logical=true.
func (tr *translator) setFlags(a, b, res ir.Operand, sub, logical bool) {
	t := res.Type
	zero := ir.Const(t, 0)
	tr.b.StoreGuest(guest.SlotN, tr.b.Compare(ir.OpCmpSLT, res, zero))
	tr.b.StoreGuest(guest.SlotZ, tr.b.Compare(ir.OpCmpEQ, res, zero))
	if logical {
		tr.b.StoreGuest(guest.SlotC, ir.Const(ir.I64, 0))
		tr.b.StoreGuest(guest.SlotV, ir.Const(ir.I64, 0))
		return
	}
	var c, ov ir.Operand
	top := ir.Const(t, bitsIn(t)-1)
	if sub {
		c = tr.b.Compare(ir.OpCmpUGE, a, b)
		ov = tr.b.Binary(ir.OpAnd, tr.b.Binary(ir.OpXor, a, b), tr.b.Binary(ir.OpXor, a, res))
	} else {
		c = tr.b.Compare(ir.OpCmpULT, res, a)
		ov = tr.b.Binary(ir.OpAnd, tr.b.Binary(ir.OpXor, a, res), tr.b.Binary(ir.OpXor, b, res))
	}
	tr.b.StoreGuest(guest.SlotC, c)
	tr.b.StoreGuest(guest.SlotV, tr.toI64(tr.b.Binary(ir.OpLShr, ov, top)))
}

// cond evaluates a condition code over the guest flags as an I64 0 or 1.
func (tr *translator) cond(c guest.Cond) ir.Operand {
	flag := func(s guest.Slot) ir.Operand { return tr.b.LoadGuest(s, ir.I64) }
	one := ir.Const(ir.I64, 1)
	var v ir.Operand
	switch c >> 1 {
	case 0: // EQ
		v = flag(guest.SlotZ)
	case 1: // CS
		v = flag(guest.SlotC)
	case 2: // MI
		v = flag(guest.SlotN)
	case 3: // VS
		v = flag(guest.SlotV)
	case 4: // HI
		v = tr.b.Binary(ir.OpAnd, flag(guest.SlotC), tr.b.Binary(ir.OpXor, flag(guest.SlotZ), one))
	case 5: // GE
		v = tr.b.Compare(ir.OpCmpEQ, flag(guest.SlotN), flag(guest.SlotV))
	case 6: // GT
		ge := tr.b.Compare(ir.OpCmpEQ, flag(guest.SlotN), flag(guest.SlotV))
		v = tr.b.Binary(ir.OpAnd, ge, tr.b.Binary(ir.OpXor, flag(guest.SlotZ), one))
	default: // AL, NV
		return one
	}
	if c&1 != 0 {
		v = tr.b.Binary(ir.OpXor, v, one)
	}
	return v
}

// emit translates a non-control instruction.
func (tr *translator) emit(in *Inst) error {
	b := tr.b
	t := width(in)
	switch in.Kind {
	case KindNop:
	case KindAddSubImm:
		a := tr.readX(in.Rn, true, t)
		tr.addSub(in, a, ir.Const(t, in.Imm), !in.SetFlags)
	case KindAddSubShifted:
		a := tr.readX(in.Rn, false, t)
		m := tr.shifted(tr.readX(in.Rm, false, t), in.Shift, in.Amount)
		tr.addSub(in, a, m, false)
	case KindAddSubExtended:
		a := tr.readX(in.Rn, true, t)
		m := tr.extended(in.Rm, in.Shift, in.Amount, t)
		tr.addSub(in, a, m, !in.SetFlags)
	case KindLogicalImm:
		a := tr.readX(in.Rn, false, t)
		tr.logical(in, a, ir.Const(t, in.Imm), false, !in.SetFlags)
	case KindLogicalShifted:
		a := tr.readX(in.Rn, false, t)
		m := tr.shifted(tr.readX(in.Rm, false, t), in.Shift, in.Amount)
		tr.logical(in, a, m, in.Signed, false)
	case KindMoveWide:
		imm := in.Imm << in.Amount
		var v ir.Operand
		switch in.Op {
		case OpMovZ:
			v = ir.Const(t, imm)
		case OpMovN:
			v = ir.Const(t, ^imm)
		case OpMovK:
			old := tr.readX(in.Rd, false, t)
			kept := b.Binary(ir.OpAnd, old, ir.Const(t, ^(uint64(0xffff) << in.Amount)))
			v = b.Binary(ir.OpOr, kept, ir.Const(t, imm))
		}
		tr.writeX(in.Rd, false, v)
	case KindBitfield:
		tr.bitfield(in, t)
	case KindShiftVar:
		a := tr.readX(in.Rn, false, t)
		m := tr.readX(in.Rm, false, t)
		code := [...]ir.Opcode{ir.OpShl, ir.OpLShr, ir.OpAShr, ir.OpRor}[in.Shift&3]
		tr.writeX(in.Rd, false, b.Binary(code, a, m))
	case KindDiv:
		code := ir.OpUDiv
		if in.Signed {
			code = ir.OpSDiv
		}
		tr.writeX(in.Rd, false, b.Binary(code, tr.readX(in.Rn, false, t), tr.readX(in.Rm, false, t)))
	case KindOneSource:
		x := tr.readX(in.Rn, false, t)
		var v ir.Operand
		switch in.Op {
		case OpClz:
			v = b.Unary(ir.OpClz, x)
		case OpRev:
			v = b.Unary(ir.OpRev, x)
		case OpRev32:
			v = b.Binary(ir.OpRor, b.Unary(ir.OpRev, x), ir.Const(ir.I64, 32))
		}
		tr.writeX(in.Rd, false, v)
	case KindMulAdd:
		var n, m ir.Operand
		if in.Size == 4 {
			ext := ir.OpZext32
			if in.Signed {
				ext = ir.OpSext32
			}
			n = b.Convert(ext, tr.readX(in.Rn, false, ir.I32))
			m = b.Convert(ext, tr.readX(in.Rm, false, ir.I32))
		} else {
			n, m = tr.readX(in.Rn, false, t), tr.readX(in.Rm, false, t)
		}
		acc := tr.readX(in.Ra, false, n.Type)
		prod := b.Binary(ir.OpMul, n, m)
		code := ir.OpAdd
		if in.Op == 1 {
			code = ir.OpSub
		}
		tr.writeX(in.Rd, false, b.Binary(code, acc, prod))
	case KindMulHigh:
		code := ir.OpMulHU
		if in.Signed {
			code = ir.OpMulHS
		}
		tr.writeX(in.Rd, false, b.Binary(code, tr.readX(in.Rn, false, ir.I64), tr.readX(in.Rm, false, ir.I64)))
	case KindCondSelect:
		c := tr.cond(in.Cond)
		x := tr.readX(in.Rn, false, t)
		y := tr.readX(in.Rm, false, t)
		switch in.Op {
		case OpCsinc:
			y = b.Binary(ir.OpAdd, y, ir.Const(t, 1))
		case OpCsinv:
			y = b.Unary(ir.OpNot, y)
		case OpCsneg:
			y = b.Unary(ir.OpNeg, y)
		}
		tr.writeX(in.Rd, false, b.Select(c, x, y))
	case KindAdr:
		tr.writeX(in.Rd, false, ir.Const(ir.I64, in.Target))
	case KindLoadStore:
		tr.loadStore(in)
	case KindLoadStorePair:
		tr.loadStorePair(in)
	case KindLoadLiteral:
		v := tr.load(in, ir.Const(ir.I64, in.Target), 0)
		tr.writeLoaded(in, in.Rd, v)
	case KindFmovGeneral:
		size := 4
		if in.Sf {
			size = 8
		}
		if in.Op == 0 {
			tr.writeX(in.Rd, false, b.VLow(size, tr.readV(in.Rn)))
		} else {
			tr.writeV(in.Rd, b.VZext(size, tr.readX(in.Rn, false, ir.I64)))
		}
	case KindFmovScalar:
		size := 4
		if in.Sf {
			size = 8
		}
		tr.writeV(in.Rd, b.VZext(size, b.VLow(size, tr.readV(in.Rn))))
	case KindVector:
		var args []ir.Operand
		switch in.Vec {
		case ir.VecAese, ir.VecAesd:
			args = []ir.Operand{tr.readV(in.Rd), tr.readV(in.Rn)}
		default:
			args = []ir.Operand{tr.readV(in.Rn)}
			if in.Vec.Args() == 2 {
				args = append(args, tr.readV(in.Rm))
			}
		}
		res, ok := tr.sel.LowerVec(b, in.Vec, in.Variant, args)
		if !ok {
			return errNoLowering
		}
		tr.writeV(in.Rd, res)
	default:
		return undefined(in.PC, in.Word)
	}
	return nil
}

func (tr *translator) addSub(in *Inst, a, m ir.Operand, dstSP bool) {
	code := ir.OpAdd
	if in.Op == 1 {
		code = ir.OpSub
	}
	res := tr.b.Binary(code, a, m)
	if in.SetFlags {
		tr.setFlags(a, m, res, in.Op == 1, false)
	}
	tr.writeX(in.Rd, dstSP, res)
}

func (tr *translator) logical(in *Inst, a, m ir.Operand, invert, dstSP bool) {
	b := tr.b
	var res ir.Operand
	switch in.Op {
	case OpAnd, OpAnds:
		if invert {
			res = b.Binary(ir.OpAndNot, a, m)
		} else {
			res = b.Binary(ir.OpAnd, a, m)
		}
	case OpOrr, OpEor:
		if invert {
			m = b.Unary(ir.OpNot, m)
		}
		code := ir.OpOr
		if in.Op == OpEor {
			code = ir.OpXor
		}
		res = b.Binary(code, a, m)
	}
	if in.SetFlags {
		tr.setFlags(a, m, res, false, true)
	}
	tr.writeX(in.Rd, dstSP, res)
}

func (tr *translator) bitfield(in *Inst, t ir.Type) {
	b := tr.b
	w := bitsIn(t)
	r, s := in.Imm, in.Imm2
	src := tr.readX(in.Rn, false, t)
	c := func(v uint64) ir.Operand { return ir.Const(t, v) }
	var res ir.Operand
	if s >= r {
		n := s - r + 1
		switch in.Op {
		case OpUbfm:
			res = src
			if r > 0 {
				res = b.Binary(ir.OpLShr, res, c(r))
			}
			if n < w {
				res = b.Binary(ir.OpAnd, res, c(mask(n)))
			}
		case OpSbfm:
			res = b.Binary(ir.OpAShr, b.Binary(ir.OpShl, src, c(w-1-s)), c(w-1-s+r))
		case OpBfm:
			field := b.Binary(ir.OpAnd, b.Binary(ir.OpLShr, src, c(r)), c(mask(n)))
			old := b.Binary(ir.OpAnd, tr.readX(in.Rd, false, t), c(^mask(n)))
			res = b.Binary(ir.OpOr, old, field)
		}
	} else {
		n := s + 1
		pos := w - r
		switch in.Op {
		case OpUbfm:
			res = b.Binary(ir.OpShl, b.Binary(ir.OpAnd, src, c(mask(n))), c(pos))
		case OpSbfm:
			ext := b.Binary(ir.OpAShr, b.Binary(ir.OpShl, src, c(w-1-s)), c(w-1-s))
			res = b.Binary(ir.OpShl, ext, c(pos))
		case OpBfm:
			field := b.Binary(ir.OpShl, b.Binary(ir.OpAnd, src, c(mask(n))), c(pos))
			old := b.Binary(ir.OpAnd, tr.readX(in.Rd, false, t), c(^(mask(n) << pos)))
			res = b.Binary(ir.OpOr, old, field)
		}
	}
	tr.writeX(in.Rd, false, res)
}

// address computes the access address and the written-back base for single loads and stores.
func (tr *translator) address(in *Inst) (base ir.Operand, disp int64, writeback ir.Operand) {
	b := tr.b
	rn := tr.readX(in.Rn, true, ir.I64)
	imm := ir.Const(ir.I64, in.Imm)
	switch in.Index {
	case IndexPre:
		addr := b.Binary(ir.OpAdd, rn, imm)
		return addr, 0, addr
	case IndexPost:
		return rn, 0, b.Binary(ir.OpAdd, rn, imm)
	case IndexReg:
		off := tr.extended(in.Rm, in.Shift, in.Amount, ir.I64)
		return b.Binary(ir.OpAdd, rn, off), 0, ir.None
	}
	return rn, int64(in.Imm), ir.None
}

func (tr *translator) load(in *Inst, base ir.Operand, disp int64) ir.Operand {
	b := tr.b
	v := b.Load(in.Size, base, disp)
	if in.Vector {
		switch in.Size {
		case 16:
			return v
		case 8:
			return b.VZext(8, v)
		}
		return b.VZext(4, v)
	}
	if in.Signed {
		switch in.Size {
		case 1:
			v = b.Convert(ir.OpSext8, v)
		case 2:
			v = b.Convert(ir.OpSext16, v)
		case 4:
			v = b.Convert(ir.OpSext32, b.Convert(ir.OpTrunc, v))
		}
		if in.SignTo32 {
			v = b.Convert(ir.OpZext32, b.Convert(ir.OpTrunc, v))
		}
	}
	return v
}

func (tr *translator) writeLoaded(in *Inst, rt int, v ir.Operand) {
	if in.Vector {
		tr.writeV(rt, v)
		return
	}
	tr.writeX(rt, false, v)
}

func (tr *translator) storeValue(in *Inst, rt int) ir.Operand {
	if !in.Vector {
		return tr.readX(rt, false, ir.I64)
	}
	v := tr.readV(rt)
	switch in.Size {
	case 16:
		return v
	case 8:
		return tr.b.VLow(8, v)
	}
	return tr.b.VLow(4, v)
}

// loadStore emits the memory access before any register write so a faulting access leaves the
// guest state untouched.
func (tr *translator) loadStore(in *Inst) {
	base, disp, wb := tr.address(in)
	if in.Load {
		v := tr.load(in, base, disp)
		if wb.Kind != ir.KindNone {
			tr.writeX(in.Rn, true, wb)
		}
		tr.writeLoaded(in, in.Rd, v)
		return
	}
	v := tr.storeValue(in, in.Rd)
	tr.b.Store(in.Size, base, disp, v)
	if wb.Kind != ir.KindNone {
		tr.writeX(in.Rn, true, wb)
	}
}

func (tr *translator) loadStorePair(in *Inst) {
	b := tr.b
	rn := tr.readX(in.Rn, true, ir.I64)
	imm := ir.Const(ir.I64, in.Imm)
	base, disp, wb := rn, int64(in.Imm), ir.None
	switch in.Index {
	case IndexPre:
		base = b.Binary(ir.OpAdd, rn, imm)
		disp, wb = 0, base
	case IndexPost:
		disp, wb = 0, b.Binary(ir.OpAdd, rn, imm)
	}
	size := int64(in.Size)
	if in.Load {
		v1 := tr.load(in, base, disp)
		v2 := tr.load(in, base, disp+size)
		if wb.Kind != ir.KindNone {
			tr.writeX(in.Rn, true, wb)
		}
		tr.writeLoaded(in, in.Rd, v1)
		tr.writeLoaded(in, in.Ra, v2)
		return
	}
	v1 := tr.storeValue(in, in.Rd)
	v2 := tr.storeValue(in, in.Ra)
	b.Store(in.Size, base, disp, v1)
	b.Store(in.Size, base, disp+size, v2)
	if wb.Kind != ir.KindNone {
		tr.writeX(in.Rn, true, wb)
	}
}

// control ends the current block for a control transfer. target resolves a direct branch
// destination to a block of this function or an exit stub.
func (tr *translator) control(in *Inst, target func(pc uint64) *ir.Block) {
	b := tr.b
	next := in.PC + 4
	switch in.Kind {
	case KindBranch:
		if in.Link() {
			tr.writeX(guest.LR, false, ir.Const(ir.I64, next))
			b.Exit(guest.ExitBranch, ir.Const(ir.I64, in.Target))
			return
		}
		b.Branch(target(in.Target))
	case KindCondBranch:
		if in.Cond >= guest.AL {
			b.Branch(target(in.Target))
			return
		}
		c := tr.cond(in.Cond)
		b.BranchIf(c, target(in.Target), target(next))
	case KindCompareBranch:
		v := tr.readX(in.Rd, false, width(in))
		code := ir.OpCmpEQ
		if in.Op == 1 {
			code = ir.OpCmpNE
		}
		c := b.Compare(code, v, ir.Const(v.Type, 0))
		b.BranchIf(c, target(in.Target), target(next))
	case KindTestBranch:
		v := tr.readX(in.Rd, false, ir.I64)
		bitv := b.Binary(ir.OpAnd, b.Binary(ir.OpLShr, v, ir.Const(ir.I64, in.Imm)), ir.Const(ir.I64, 1))
		c := bitv
		if in.Op == 0 {
			c = b.Compare(ir.OpCmpEQ, bitv, ir.Const(ir.I64, 0))
		}
		b.BranchIf(c, target(in.Target), target(next))
	case KindBranchReg:
		dest := tr.readX(in.Rn, false, ir.I64)
		if in.Link() {
			tr.writeX(guest.LR, false, ir.Const(ir.I64, next))
		}
		b.Exit(guest.ExitBranch, dest)
	case KindSvc:
		b.StoreGuest(guest.SlotExitInfo, ir.Const(ir.I64, in.Imm))
		b.Exit(guest.ExitSyscall, ir.Const(ir.I64, next))
	case KindBrk:
		b.StoreGuest(guest.SlotExitInfo, ir.Const(ir.I64, in.Imm))
		b.Exit(guest.ExitBreak, ir.Const(ir.I64, in.PC))
	}
}

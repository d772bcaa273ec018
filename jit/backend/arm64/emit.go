package arm64

import (
	"fmt"

	"github.com/colorfulnotion/a64jit/jit/backend"
	"github.com/colorfulnotion/a64jit/jit/guest"
	"github.com/colorfulnotion/a64jit/jit/ir"
	"github.com/colorfulnotion/a64jit/jiterrors"
	"github.com/colorfulnotion/a64jit/memory"
)

const epilogue = "exit"

type emitter struct {
	cfg backend.Config
	f   *ir.Func
	a   *guest.Asm

	slow  map[uint64]string
	stubs []uint64
	next  int
	err   error
}

func newEmitter(cfg backend.Config, f *ir.Func) *emitter {
	return &emitter{cfg: cfg, f: f, a: guest.NewAsm(), slow: make(map[uint64]string)}
}

func blockLabel(id int) string { return fmt.Sprintf("b%d", id) }

func (e *emitter) fail(op *ir.Op, format string, args ...interface{}) {
	if e.err == nil {
		e.err = fmt.Errorf("%w: %s at 0x%x: %s", jiterrors.ErrEncoding, op.Code, op.PC, fmt.Sprintf(format, args...))
	}
}

func (e *emitter) run() ([]byte, []int, error) {
	a := e.a
	a.Ldr(memReg, ctxReg, guest.OffMemBase)
	a.Ldr(flagsReg, ctxReg, guest.OffPageFlags)

	offsets := make([]int, len(e.f.Blocks))
	for i, blk := range e.f.Blocks {
		offsets[i] = int(a.PC())
		a.Label(blockLabel(i))
		e.next = i + 1
		for _, op := range blk.Ops {
			e.op(op)
		}
		if e.err != nil {
			return nil, nil, fmt.Errorf("block %d @0x%x: %w", blk.ID, blk.PC, e.err)
		}
	}
	for _, pc := range e.stubs {
		a.Label(e.slow[pc])
		a.MovImm(memReg, pc)
		a.MovImm(ctxReg, uint64(guest.ExitSlowPath))
		a.B(epilogue)
	}
	a.Label(epilogue)
	a.Ret()
	code, err := a.Assemble()
	if err != nil {
		return nil, nil, jiterrors.Internal("arm64: %v", err)
	}
	return code, offsets, nil
}

// gpr returns the register holding o, materializing constants in scratch.
func (e *emitter) gpr(op *ir.Op, o ir.Operand, scratch int) int {
	switch o.Kind {
	case ir.KindPReg:
		return int(o.Value)
	case ir.KindConst:
		e.a.MovImm(scratch, o.Value)
		return scratch
	}
	e.fail(op, "operand kind %d is not a register or constant", o.Kind)
	return scratch
}

func (e *emitter) vreg(op *ir.Op, o ir.Operand) int {
	if o.Kind != ir.KindPReg || o.Type != ir.V128 {
		e.fail(op, "operand is not a vector register")
		return vScratch0
	}
	return int(o.Value)
}

func (e *emitter) dst(op *ir.Op) int {
	if op.Dst.Kind != ir.KindPReg {
		e.fail(op, "destination is not allocated")
		return scratch0
	}
	return int(op.Dst.Value)
}

// sized selects the 32-bit form of a data-processing encoding for I32 values.
func sized(base uint32, t ir.Type) uint32 {
	if t == ir.I32 {
		return guest.W(base)
	}
	return base
}

var binaryEnc = map[ir.Opcode]uint32{
	ir.OpAdd:    guest.EncAddReg,
	ir.OpSub:    guest.EncSubReg,
	ir.OpAnd:    guest.EncAndReg,
	ir.OpOr:     guest.EncOrrReg,
	ir.OpXor:    guest.EncEorReg,
	ir.OpAndNot: guest.EncBicReg,
	ir.OpUDiv:   guest.EncUdiv,
	ir.OpSDiv:   guest.EncSdiv,
	ir.OpShl:    guest.EncLslv,
	ir.OpLShr:   guest.EncLsrv,
	ir.OpAShr:   guest.EncAsrv,
	ir.OpRor:    guest.EncRorv,
	ir.OpMulHU:  guest.EncUmulh,
	ir.OpMulHS:  guest.EncSmulh,
}

var compareCond = map[ir.Opcode]guest.Cond{
	ir.OpCmpEQ:  guest.EQ,
	ir.OpCmpNE:  guest.NE,
	ir.OpCmpULT: guest.CC,
	ir.OpCmpULE: guest.LS,
	ir.OpCmpUGT: guest.HI,
	ir.OpCmpUGE: guest.CS,
	ir.OpCmpSLT: guest.LT,
	ir.OpCmpSLE: guest.LE,
	ir.OpCmpSGT: guest.GT,
	ir.OpCmpSGE: guest.GE,
}

// op lowers one allocated IR op. A64 reads every source before writing the destination, so
// destinations may share registers with sources without staging through scratch.
func (e *emitter) op(op *ir.Op) {
	a := e.a
	switch op.Code {
	case ir.OpMov:
		if op.Dst.Type == ir.V128 {
			n := e.vreg(op, op.Args[0])
			a.Vec3(guest.EncVOrr, true, 0, e.dst(op), n, n)
			return
		}
		d := e.dst(op)
		if src := op.Args[0]; src.Kind == ir.KindConst {
			a.MovImm(d, src.Value)
		} else if r := e.gpr(op, src, scratch0); r != d {
			a.Mov(d, r)
		}

	case ir.OpAdd, ir.OpSub, ir.OpAnd, ir.OpOr, ir.OpXor, ir.OpAndNot, ir.OpUDiv, ir.OpSDiv,
		ir.OpShl, ir.OpLShr, ir.OpAShr, ir.OpRor:
		x := e.gpr(op, op.Args[0], scratch0)
		y := e.gpr(op, op.Args[1], scratch2)
		a.Reg3(sized(binaryEnc[op.Code], op.Dst.Type), e.dst(op), x, y)

	case ir.OpMulHU, ir.OpMulHS:
		x := e.gpr(op, op.Args[0], scratch0)
		y := e.gpr(op, op.Args[1], scratch2)
		a.Reg3(binaryEnc[op.Code], e.dst(op), x, y)

	case ir.OpMul:
		x := e.gpr(op, op.Args[0], scratch0)
		y := e.gpr(op, op.Args[1], scratch2)
		a.Reg4(sized(guest.EncMadd, op.Dst.Type), e.dst(op), x, y, guest.XZR)

	case ir.OpNeg:
		a.Reg3(sized(guest.EncSubReg, op.Dst.Type), e.dst(op), guest.XZR, e.gpr(op, op.Args[0], scratch0))
	case ir.OpNot:
		a.Reg3(sized(guest.EncOrnReg, op.Dst.Type), e.dst(op), guest.XZR, e.gpr(op, op.Args[0], scratch0))
	case ir.OpClz:
		a.Reg2(sized(guest.EncClz, op.Dst.Type), e.dst(op), e.gpr(op, op.Args[0], scratch0))
	case ir.OpRev:
		enc := uint32(guest.EncRev)
		if op.Dst.Type == ir.I32 {
			enc = guest.EncRev32
		}
		a.Reg2(enc, e.dst(op), e.gpr(op, op.Args[0], scratch0))

	case ir.OpCmpEQ, ir.OpCmpNE, ir.OpCmpULT, ir.OpCmpULE, ir.OpCmpUGT, ir.OpCmpUGE,
		ir.OpCmpSLT, ir.OpCmpSLE, ir.OpCmpSGT, ir.OpCmpSGE:
		x := e.gpr(op, op.Args[0], scratch0)
		y := e.gpr(op, op.Args[1], scratch2)
		a.Reg3(sized(guest.EncSubsReg, op.Args[0].Type), guest.XZR, x, y)
		a.Cset(e.dst(op), compareCond[op.Code])

	case ir.OpSelect:
		if op.Dst.Type == ir.V128 {
			e.fail(op, "vector select")
			return
		}
		c := e.gpr(op, op.Args[0], scratch0)
		x := e.gpr(op, op.Args[1], scratch1)
		y := e.gpr(op, op.Args[2], scratch2)
		a.CmpImm(c, 0)
		a.CondSel(sized(guest.EncCsel, op.Dst.Type), e.dst(op), x, y, guest.NE)

	case ir.OpZext32, ir.OpTrunc:
		a.MovW(e.dst(op), e.gpr(op, op.Args[0], scratch0))
	case ir.OpSext32:
		a.Sxtw(e.dst(op), e.gpr(op, op.Args[0], scratch0))
	case ir.OpSext8:
		src := e.gpr(op, op.Args[0], scratch0)
		if op.Dst.Type == ir.I32 {
			a.SxtbW(e.dst(op), src)
		} else {
			a.Sxtb(e.dst(op), src)
		}
	case ir.OpSext16:
		src := e.gpr(op, op.Args[0], scratch0)
		if op.Dst.Type == ir.I32 {
			a.SxthW(e.dst(op), src)
		} else {
			a.Sxth(e.dst(op), src)
		}

	case ir.OpLoadGuest:
		off := uint32(op.Args[0].Slot().Offset())
		switch op.Dst.Type {
		case ir.V128:
			a.LdrQ(e.dst(op), ctxReg, off)
		case ir.I32:
			a.LdrW(e.dst(op), ctxReg, off)
		default:
			a.Ldr(e.dst(op), ctxReg, off)
		}

	case ir.OpStoreGuest:
		off := uint32(op.Dst.Slot().Offset())
		v := op.Args[0]
		if v.Type == ir.V128 {
			a.StrQ(e.vreg(op, v), ctxReg, off)
			return
		}
		a.Str(e.gpr(op, v, scratch0), ctxReg, off)

	case ir.OpLoad8, ir.OpLoad16, ir.OpLoad32, ir.OpLoad64, ir.OpLoad128:
		size := op.Code.Size()
		e.address(op, op.Args[0], size, memory.FastReadBit)
		d := e.dst(op)
		switch size {
		case 1:
			a.Ldrb(d, scratch1, 0)
		case 2:
			a.Ldrh(d, scratch1, 0)
		case 4:
			a.LdrW(d, scratch1, 0)
		case 8:
			a.Ldr(d, scratch1, 0)
		default:
			a.LdrQ(d, scratch1, 0)
		}

	case ir.OpStore8, ir.OpStore16, ir.OpStore32, ir.OpStore64, ir.OpStore128:
		size := op.Code.Size()
		e.address(op, op.Args[0], size, memory.FastWriteBit)
		if size == 16 {
			a.StrQ(e.vreg(op, op.Args[1]), scratch1, 0)
			return
		}
		v := e.gpr(op, op.Args[1], scratch2)
		switch size {
		case 1:
			a.Strb(v, scratch1, 0)
		case 2:
			a.Strh(v, scratch1, 0)
		case 4:
			a.StrW(v, scratch1, 0)
		default:
			a.Str(v, scratch1, 0)
		}

	case ir.OpVZext32:
		a.FmovSW(e.dst(op), e.gpr(op, op.Args[0], scratch0))
	case ir.OpVZext64:
		a.FmovDX(e.dst(op), e.gpr(op, op.Args[0], scratch0))
	case ir.OpVLow32:
		a.FmovWS(e.dst(op), e.vreg(op, op.Args[0]))
	case ir.OpVLow64:
		a.FmovXD(e.dst(op), e.vreg(op, op.Args[0]))
	case ir.OpVZero:
		d := e.dst(op)
		a.Vec3(guest.EncVEor, true, 0, d, d, d)

	case ir.OpIntrinsic:
		e.intrinsic(op)

	case ir.OpSpill:
		slot := int(op.Dst.Value)
		if op.Dst.Type == ir.V128 {
			a.StrQ(e.vreg(op, op.Args[0]), ctxReg, uint32(guest.VecSpillOffset(slot)))
			return
		}
		a.Str(e.gpr(op, op.Args[0], scratch0), ctxReg, uint32(guest.SpillOffset(slot)))
	case ir.OpReload:
		slot := int(op.Args[0].Value)
		if op.Dst.Type == ir.V128 {
			a.LdrQ(e.dst(op), ctxReg, uint32(guest.VecSpillOffset(slot)))
			return
		}
		a.Ldr(e.dst(op), ctxReg, uint32(guest.SpillOffset(slot)))

	case ir.OpBranch:
		e.jumpTo(int(op.Args[0].Value))
	case ir.OpBranchIf:
		e.branchIf(op)
	case ir.OpExit:
		next := op.Args[1]
		if next.Kind == ir.KindConst {
			a.MovImm(memReg, next.Value)
		} else {
			a.Mov(memReg, e.gpr(op, next, scratch0))
		}
		a.MovImm(ctxReg, op.Args[0].Value)
		a.B(epilogue)

	default:
		e.fail(op, "no lowering")
	}
}

// address leaves the host address of m in x16 and branches to the slow path unless the access
// of size bytes stays inside the address space and one page whose flags have bit set.
func (e *emitter) address(op *ir.Op, m ir.Operand, size int, bit uint32) {
	a := e.a
	base := m.BaseOperand()
	d := m.Disp
	switch base.Kind {
	case ir.KindConst:
		a.MovImm(scratch1, base.Value+uint64(d))
	case ir.KindPReg:
		r := int(base.Value)
		switch {
		case d == 0:
			a.Mov(scratch1, r)
		case d > 0 && d < 1<<12:
			a.AddImm(scratch1, r, uint32(d))
		case d < 0 && d > -(1<<12):
			a.SubImm(scratch1, r, uint32(-d))
		default:
			a.MovImm(scratch2, uint64(d))
			a.Add(scratch1, r, scratch2)
		}
	default:
		e.fail(op, "memory base kind %d", base.Kind)
		return
	}
	slow := e.slowPath(op.PC)
	if bits := e.cfg.AddressBits; bits < 64 {
		a.Lsr(scratch2, scratch1, uint32(bits))
		a.Cbnz(scratch2, slow)
	}
	if size > 1 {
		a.AndImm(scratch2, scratch1, memory.PageMask)
		a.CmpImm(scratch2, uint32(memory.PageSize-size))
		a.BCond(guest.HI, slow)
	}
	a.Lsr(scratch2, scratch1, memory.PageBits)
	a.Shifted(guest.EncAddReg, scratch2, flagsReg, scratch2, 0, 2)
	a.LdrW(scratch2, scratch2, 0)
	// tst+b.eq rather than tbz: tbz reaches only 32KiB and the stubs sit after the last block
	a.TstImm(scratch2, 1<<bit)
	a.BCond(guest.EQ, slow)
	a.Add(scratch1, memReg, scratch1)
}

func (e *emitter) slowPath(pc uint64) string {
	if l, ok := e.slow[pc]; ok {
		return l
	}
	l := fmt.Sprintf("slow%d", len(e.stubs))
	e.slow[pc] = l
	e.stubs = append(e.stubs, pc)
	return l
}

func (e *emitter) jumpTo(block int) {
	if block != e.next {
		e.a.B(blockLabel(block))
	}
}

func (e *emitter) branchIf(op *ir.Op) {
	a := e.a
	c := op.Args[0]
	t, f := int(op.Args[1].Value), int(op.Args[2].Value)
	if c.Kind == ir.KindConst {
		if c.Value != 0 {
			e.jumpTo(t)
		} else {
			e.jumpTo(f)
		}
		return
	}
	r := e.gpr(op, c, scratch0)
	if t == e.next {
		a.Cbz(r, blockLabel(f))
		return
	}
	a.Cbnz(r, blockLabel(t))
	e.jumpTo(f)
}

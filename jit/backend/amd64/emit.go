package amd64

import (
	"fmt"

	"github.com/colorfulnotion/a64jit/jiterrors"
	"github.com/colorfulnotion/a64jit/jit/backend"
	"github.com/colorfulnotion/a64jit/jit/guest"
	"github.com/colorfulnotion/a64jit/jit/ir"
	"github.com/colorfulnotion/a64jit/memory"
)

type slowStub struct {
	label int
	pc    uint64
}

type emitter struct {
	cfg backend.Config
	f   *ir.Func
	a   *asm

	blockLabels []int
	epilogue    int
	slow        map[uint64]int
	stubs       []slowStub
	next        int // ID of the block laid out after the current one
	err         error
}

func newEmitter(cfg backend.Config, f *ir.Func) *emitter {
	e := &emitter{cfg: cfg, f: f, a: newAsm(), slow: make(map[uint64]int)}
	e.blockLabels = make([]int, len(f.Blocks))
	for i := range f.Blocks {
		e.blockLabels[i] = e.a.newLabel()
	}
	e.epilogue = e.a.newLabel()
	return e
}

func (e *emitter) fail(op *ir.Op, format string, args ...interface{}) {
	if e.err == nil {
		e.err = fmt.Errorf("%w: %s at 0x%x: %s", jiterrors.ErrEncoding, op.Code, op.PC, fmt.Sprintf(format, args...))
	}
}

func (e *emitter) run() ([]byte, []int, error) {
	a := e.a
	for _, r := range savedGPR {
		a.push(r)
	}
	a.load(8, memReg, rmMem(ctxReg, guest.OffMemBase))
	a.load(8, flagsReg, rmMem(ctxReg, guest.OffPageFlags))

	offsets := make([]int, len(e.f.Blocks))
	for i, blk := range e.f.Blocks {
		offsets[i] = a.offset()
		a.bind(e.blockLabels[i])
		e.next = i + 1
		for _, op := range blk.Ops {
			e.op(op)
		}
		if e.err != nil {
			return nil, nil, fmt.Errorf("block %d @0x%x: %w", blk.ID, blk.PC, e.err)
		}
	}
	for _, s := range e.stubs {
		a.bind(s.label)
		a.movRI(regRDX, s.pc)
		a.movRI(regRAX, uint64(guest.ExitSlowPath))
		a.jmp(e.epilogue)
	}
	a.bind(e.epilogue)
	for i := len(savedGPR) - 1; i >= 0; i-- {
		a.pop(savedGPR[i])
	}
	a.ret()
	code, err := a.finish()
	if err != nil {
		return nil, nil, jiterrors.Internal("amd64: %v", err)
	}
	return code, offsets, nil
}

// gpr returns the register holding o, materializing constants in scratch.
func (e *emitter) gpr(op *ir.Op, o ir.Operand, scratch int) int {
	switch o.Kind {
	case ir.KindPReg:
		return int(o.Value)
	case ir.KindConst:
		e.a.movRI(scratch, o.Value)
		return scratch
	}
	e.fail(op, "operand kind %d is not a register or constant", o.Kind)
	return scratch
}

// into copies o into register r.
func (e *emitter) into(op *ir.Op, r int, o ir.Operand) {
	switch o.Kind {
	case ir.KindPReg:
		e.a.movRR(r, int(o.Value))
	case ir.KindConst:
		e.a.movRI(r, o.Value)
	default:
		e.fail(op, "operand kind %d is not a register or constant", o.Kind)
	}
}

func (e *emitter) xmm(op *ir.Op, o ir.Operand) int {
	if o.Kind != ir.KindPReg || o.Type != ir.V128 {
		e.fail(op, "operand is not a vector register")
		return xmmScratch
	}
	return int(o.Value)
}

func (e *emitter) dst(op *ir.Op) int {
	if op.Dst.Kind != ir.KindPReg {
		e.fail(op, "destination is not allocated")
		return regRAX
	}
	return int(op.Dst.Value)
}

func wide(t ir.Type) bool { return t != ir.I32 }

var aluOps = map[ir.Opcode]byte{
	ir.OpAdd: X86_OP_ADD_RM_R,
	ir.OpSub: X86_OP_SUB_RM_R,
	ir.OpAnd: X86_OP_AND_RM_R,
	ir.OpOr:  X86_OP_OR_RM_R,
	ir.OpXor: X86_OP_XOR_RM_R,
}

var shiftExts = map[ir.Opcode]int{
	ir.OpShl:  X86_EXT_SHL,
	ir.OpLShr: X86_EXT_SHR,
	ir.OpAShr: X86_EXT_SAR,
	ir.OpRor:  X86_EXT_ROR,
}

var compareCC = map[ir.Opcode]byte{
	ir.OpCmpEQ:  X86_CC_E,
	ir.OpCmpNE:  X86_CC_NE,
	ir.OpCmpULT: X86_CC_B,
	ir.OpCmpULE: X86_CC_BE,
	ir.OpCmpUGT: X86_CC_A,
	ir.OpCmpUGE: X86_CC_AE,
	ir.OpCmpSLT: X86_CC_L,
	ir.OpCmpSLE: X86_CC_LE,
	ir.OpCmpSGT: X86_CC_G,
	ir.OpCmpSGE: X86_CC_GE,
}

// op lowers one allocated IR op. Results are computed in scratch registers and copied out last,
// so a destination may share its register with any source.
func (e *emitter) op(op *ir.Op) {
	a := e.a
	switch op.Code {
	case ir.OpMov:
		if op.Dst.Type == ir.V128 {
			a.movdqa(e.dst(op), e.xmm(op, op.Args[0]))
			return
		}
		e.into(op, e.dst(op), op.Args[0])

	case ir.OpAdd, ir.OpSub, ir.OpAnd, ir.OpOr, ir.OpXor, ir.OpMul, ir.OpAndNot:
		w := wide(op.Dst.Type)
		e.into(op, regRAX, op.Args[0])
		ry := e.gpr(op, op.Args[1], regR11)
		switch op.Code {
		case ir.OpMul:
			a.imul(w, regRAX, ry)
		case ir.OpAndNot:
			a.movRR(regR11, ry)
			a.group3(X86_EXT_NOT, true, regR11)
			a.alu(X86_OP_AND_RM_R, w, regRAX, regR11)
		default:
			a.alu(aluOps[op.Code], w, regRAX, ry)
		}
		a.movRR(e.dst(op), regRAX)

	case ir.OpUDiv, ir.OpSDiv:
		e.div(op)

	case ir.OpMulHU, ir.OpMulHS:
		e.into(op, regRAX, op.Args[0])
		ry := e.gpr(op, op.Args[1], regRCX)
		ext := X86_EXT_MUL
		if op.Code == ir.OpMulHS {
			ext = X86_EXT_IMUL
		}
		a.group3(ext, true, ry)
		a.movRR(e.dst(op), regRDX)

	case ir.OpShl, ir.OpLShr, ir.OpAShr, ir.OpRor:
		// the hardware masks the count to the operand width
		e.into(op, regRAX, op.Args[0])
		e.into(op, regRCX, op.Args[1])
		a.shiftCL(shiftExts[op.Code], wide(op.Dst.Type), regRAX)
		a.movRR(e.dst(op), regRAX)

	case ir.OpNeg, ir.OpNot:
		ext := X86_EXT_NEG
		if op.Code == ir.OpNot {
			ext = X86_EXT_NOT
		}
		e.into(op, regRAX, op.Args[0])
		a.group3(ext, wide(op.Dst.Type), regRAX)
		a.movRR(e.dst(op), regRAX)

	case ir.OpClz:
		w := wide(op.Dst.Type)
		r := e.gpr(op, op.Args[0], regR11)
		a.bsr(w, regRAX, r)
		a.movRI(regRCX, ^uint64(0))
		a.cmov(X86_CC_E, true, regRAX, regRCX)
		a.movRI(regRDX, uint64(op.Dst.Type.Bits()-1))
		a.alu(X86_OP_SUB_RM_R, true, regRDX, regRAX)
		a.movRR(e.dst(op), regRDX)

	case ir.OpRev:
		e.into(op, regRAX, op.Args[0])
		a.bswap(wide(op.Dst.Type), regRAX)
		a.movRR(e.dst(op), regRAX)

	case ir.OpCmpEQ, ir.OpCmpNE, ir.OpCmpULT, ir.OpCmpULE, ir.OpCmpUGT, ir.OpCmpUGE,
		ir.OpCmpSLT, ir.OpCmpSLE, ir.OpCmpSGT, ir.OpCmpSGE:
		e.into(op, regRAX, op.Args[0])
		ry := e.gpr(op, op.Args[1], regR11)
		a.alu(X86_OP_CMP_RM_R, wide(op.Args[0].Type), regRAX, ry)
		a.setcc(compareCC[op.Code], regRAX)
		a.movzxB(regRAX, regRAX)
		a.movRR(e.dst(op), regRAX)

	case ir.OpSelect:
		if op.Dst.Type == ir.V128 {
			e.fail(op, "vector select")
			return
		}
		rc := e.gpr(op, op.Args[0], regR11)
		a.alu(X86_OP_TEST_RM_R, true, rc, rc)
		e.into(op, regRAX, op.Args[2])
		rx := e.gpr(op, op.Args[1], regRCX)
		a.cmov(X86_CC_NE, true, regRAX, rx)
		a.movRR(e.dst(op), regRAX)

	case ir.OpZext32, ir.OpTrunc:
		a.movRR32(e.dst(op), e.gpr(op, op.Args[0], regRAX))
	case ir.OpSext32:
		a.movsxd(e.dst(op), e.gpr(op, op.Args[0], regRAX))
	case ir.OpSext8:
		a.movsxB(wide(op.Dst.Type), e.dst(op), e.gpr(op, op.Args[0], regRAX))
	case ir.OpSext16:
		a.movsxW(wide(op.Dst.Type), e.dst(op), e.gpr(op, op.Args[0], regRAX))

	case ir.OpLoadGuest:
		m := rmMem(ctxReg, int32(op.Args[0].Slot().Offset()))
		switch op.Dst.Type {
		case ir.V128:
			a.movdquLoad(e.dst(op), m)
		case ir.I32:
			a.load(4, e.dst(op), m)
		default:
			a.load(8, e.dst(op), m)
		}

	case ir.OpStoreGuest:
		m := rmMem(ctxReg, int32(op.Dst.Slot().Offset()))
		v := op.Args[0]
		if v.Type == ir.V128 {
			a.movdquStore(e.xmm(op, v), m)
			return
		}
		a.store(8, e.gpr(op, v, regRAX), m)

	case ir.OpLoad8, ir.OpLoad16, ir.OpLoad32, ir.OpLoad64, ir.OpLoad128:
		size := op.Code.Size()
		e.address(op, op.Args[0], size, memory.FlagFastRead)
		m := rmIndex(memReg, regRAX, 0)
		if size == 16 {
			a.movdquLoad(e.dst(op), m)
			return
		}
		a.load(size, e.dst(op), m)

	case ir.OpStore8, ir.OpStore16, ir.OpStore32, ir.OpStore64, ir.OpStore128:
		size := op.Code.Size()
		e.address(op, op.Args[0], size, memory.FlagFastWrite)
		m := rmIndex(memReg, regRAX, 0)
		if size == 16 {
			a.movdquStore(e.xmm(op, op.Args[1]), m)
			return
		}
		a.store(size, e.gpr(op, op.Args[1], regRCX), m)

	case ir.OpVZext32, ir.OpVZext64:
		a.movqToXmm(op.Code == ir.OpVZext64, e.dst(op), e.gpr(op, op.Args[0], regRAX))
	case ir.OpVLow32, ir.OpVLow64:
		a.movqFromXmm(op.Code == ir.OpVLow64, e.dst(op), e.xmm(op, op.Args[0]))
	case ir.OpVZero:
		d := e.dst(op)
		a.pxor(d, d)

	case ir.OpIntrinsic:
		e.intrinsic(op)

	case ir.OpSpill:
		slot := int(op.Dst.Value)
		if op.Dst.Type == ir.V128 {
			a.movdquStore(e.xmm(op, op.Args[0]), rmMem(ctxReg, int32(guest.VecSpillOffset(slot))))
			return
		}
		a.store(8, e.gpr(op, op.Args[0], regRAX), rmMem(ctxReg, int32(guest.SpillOffset(slot))))
	case ir.OpReload:
		slot := int(op.Args[0].Value)
		if op.Dst.Type == ir.V128 {
			a.movdquLoad(e.dst(op), rmMem(ctxReg, int32(guest.VecSpillOffset(slot))))
			return
		}
		a.load(8, e.dst(op), rmMem(ctxReg, int32(guest.SpillOffset(slot))))

	case ir.OpBranch:
		e.jumpTo(int(op.Args[0].Value))
	case ir.OpBranchIf:
		e.branchIf(op)
	case ir.OpExit:
		e.into(op, regRDX, op.Args[1])
		a.movRI(regRAX, op.Args[0].Value)
		a.jmp(e.epilogue)

	default:
		e.fail(op, "no lowering")
	}
}

func (e *emitter) div(op *ir.Op) {
	a := e.a
	w := wide(op.Dst.Type)
	e.into(op, regRAX, op.Args[0])
	e.into(op, regRCX, op.Args[1])
	zero, done := a.newLabel(), a.newLabel()
	a.alu(X86_OP_TEST_RM_R, w, regRCX, regRCX)
	a.jcc(X86_CC_E, zero)
	if op.Code == ir.OpSDiv {
		// x / -1 is a negation; idiv would trap on MIN / -1
		divide := a.newLabel()
		a.aluImm(X86_EXT_CMP, w, regRCX, -1)
		a.jcc(X86_CC_NE, divide)
		a.group3(X86_EXT_NEG, w, regRAX)
		a.jmp(done)
		a.bind(divide)
		a.signExtendAcc(w)
		a.group3(X86_EXT_IDIV, w, regRCX)
	} else {
		a.movRI(regRDX, 0)
		a.group3(X86_EXT_DIV, w, regRCX)
	}
	a.jmp(done)
	a.bind(zero)
	a.movRI(regRAX, 0)
	a.bind(done)
	a.movRR(e.dst(op), regRAX)
}

// address leaves the guest address of m in rax and branches to the slow path unless the access
// of size bytes stays inside the address space and one page whose flags carry need.
func (e *emitter) address(op *ir.Op, m ir.Operand, size int, need uint32) {
	a := e.a
	base := m.BaseOperand()
	switch base.Kind {
	case ir.KindConst:
		a.movRI(regRAX, base.Value+uint64(m.Disp))
	case ir.KindPReg:
		a.movRR(regRAX, int(base.Value))
		if d := m.Disp; d != 0 {
			if d == int64(int32(d)) {
				a.aluImm(X86_EXT_ADD, true, regRAX, int32(d))
			} else {
				a.movRI(regRCX, uint64(d))
				a.alu(X86_OP_ADD_RM_R, true, regRAX, regRCX)
			}
		}
	default:
		e.fail(op, "memory base kind %d", base.Kind)
		return
	}
	slow := e.slowPath(op.PC)
	if bits := e.cfg.AddressBits; bits < 64 {
		a.movRR(regRCX, regRAX)
		a.shiftImm(X86_EXT_SHR, true, regRCX, byte(bits))
		a.jcc(X86_CC_NE, slow)
	}
	if size > 1 {
		a.movRR32(regRCX, regRAX)
		a.aluImm(X86_EXT_AND, false, regRCX, memory.PageMask)
		a.aluImm(X86_EXT_CMP, false, regRCX, int32(memory.PageSize-size))
		a.jcc(X86_CC_A, slow)
	}
	a.movRR(regRCX, regRAX)
	a.shiftImm(X86_EXT_SHR, true, regRCX, memory.PageBits)
	a.testMemImm(rmIndex(flagsReg, regRCX, 2), need)
	a.jcc(X86_CC_E, slow)
}

// slowPath returns the label of the stub that exits to the dispatcher at pc.
func (e *emitter) slowPath(pc uint64) int {
	if l, ok := e.slow[pc]; ok {
		return l
	}
	l := e.a.newLabel()
	e.slow[pc] = l
	e.stubs = append(e.stubs, slowStub{label: l, pc: pc})
	return l
}

func (e *emitter) jumpTo(block int) {
	if block != e.next {
		e.a.jmp(e.blockLabels[block])
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
	r := e.gpr(op, c, regR11)
	a.alu(X86_OP_TEST_RM_R, true, r, r)
	if t == e.next {
		a.jcc(X86_CC_E, e.blockLabels[f])
		return
	}
	a.jcc(X86_CC_NE, e.blockLabels[t])
	e.jumpTo(f)
}

func (e *emitter) intrinsic(op *ir.Op) {
	a := e.a
	form, ok := formOf(op.Intr)
	if !ok {
		e.fail(op, "intrinsic %s has no encoding", op.Intr)
		return
	}
	if len(op.Args) == 0 {
		e.fail(op, "intrinsic %s without operands", op.Intr)
		return
	}
	s := xmmScratch
	a.movdqa(s, e.xmm(op, op.Args[0]))
	switch {
	case form.ext >= 0:
		a.encode(form.prefix, false, false, append([]byte{X86_OP2_ESCAPE}, form.op...), form.ext, rmReg(s))
	case form.unary:
		a.sse(form.prefix, form.op, s, s)
	default:
		if len(op.Args) < 2 {
			e.fail(op, "intrinsic %s needs two operands", op.Intr)
			return
		}
		a.sse(form.prefix, form.op, s, e.xmm(op, op.Args[1]))
	}
	if form.imm {
		a.emit(op.Intr.Variant.Imm)
	}
	a.movdqa(e.dst(op), s)
}

package amd64

import (
	"strings"
	"testing"

	"github.com/colorfulnotion/a64jit/jit/backend"
	"github.com/colorfulnotion/a64jit/jit/decoder"
	"github.com/colorfulnotion/a64jit/jit/guest"
	"github.com/colorfulnotion/a64jit/jit/ir"
	"github.com/colorfulnotion/a64jit/jit/opt"
	"github.com/colorfulnotion/a64jit/jit/regalloc"
	"github.com/colorfulnotion/a64jit/jiterrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"
)

func decodeAll(t *testing.T, code []byte) []x86asm.Inst {
	t.Helper()
	var out []x86asm.Inst
	for off := 0; off < len(code); {
		inst, err := x86asm.Decode(code[off:], 64)
		require.NoError(t, err, "offset 0x%x", off)
		out = append(out, inst)
		off += inst.Len
	}
	return out
}

func TestEncoder(t *testing.T) {
	cases := []struct {
		name string
		emit func(a *asm)
		op   x86asm.Op
		arg0 x86asm.Arg
	}{
		{"mov r9, rax", func(a *asm) { a.movRR(R9.Num(), regRAX) }, x86asm.MOV, x86asm.R9},
		{"mov r8d, imm32", func(a *asm) { a.movRI(R8.Num(), 1) }, x86asm.MOV, x86asm.R8L},
		{"mov rax, simm32", func(a *asm) { a.movRI(regRAX, ^uint64(0)) }, x86asm.MOV, x86asm.RAX},
		{"movabs r11", func(a *asm) { a.movRI(regR11, 1<<40) }, x86asm.MOV, x86asm.R11},
		{"add rax, r11", func(a *asm) { a.alu(X86_OP_ADD_RM_R, true, regRAX, regR11) }, x86asm.ADD, x86asm.RAX},
		{"cmp eax, r12d", func(a *asm) { a.alu(X86_OP_CMP_RM_R, false, regRAX, R12.Num()) }, x86asm.CMP, x86asm.EAX},
		{"imul rax, r8", func(a *asm) { a.imul(true, regRAX, R8.Num()) }, x86asm.IMUL, x86asm.RAX},
		{"shr rax, cl", func(a *asm) { a.shiftCL(X86_EXT_SHR, true, regRAX) }, x86asm.SHR, x86asm.RAX},
		{"ror eax, cl", func(a *asm) { a.shiftCL(X86_EXT_ROR, false, regRAX) }, x86asm.ROR, x86asm.EAX},
		{"sete al", func(a *asm) { a.setcc(X86_CC_E, regRAX) }, x86asm.SETE, x86asm.AL},
		{"movzx eax, al", func(a *asm) { a.movzxB(regRAX, regRAX) }, x86asm.MOVZX, x86asm.EAX},
		{"movsx r9, sil", func(a *asm) { a.movsxB(true, R9.Num(), regRSI) }, x86asm.MOVSX, x86asm.R9},
		{"movsxd r10, eax", func(a *asm) { a.movsxd(R10.Num(), regRAX) }, x86asm.MOVSXD, x86asm.R10},
		{"bsr eax, r13d", func(a *asm) { a.bsr(false, regRAX, R13.Num()) }, x86asm.BSR, x86asm.EAX},
		{"cmove rax, rcx", func(a *asm) { a.cmov(X86_CC_E, true, regRAX, regRCX) }, x86asm.CMOVE, x86asm.RAX},
		{"bswap r10", func(a *asm) { a.bswap(true, R10.Num()) }, x86asm.BSWAP, x86asm.R10},
		{"push r12", func(a *asm) { a.push(R12) }, x86asm.PUSH, x86asm.R12},
		{"pop rbx", func(a *asm) { a.pop(RBX) }, x86asm.POP, x86asm.RBX},
		{"cqo", func(a *asm) { a.signExtendAcc(true) }, x86asm.CQO, nil},
		{"load ctx", func(a *asm) { a.load(8, regRSI, rmMem(ctxReg, guest.OffMemBase)) }, x86asm.MOV, x86asm.RSI},
		{"movzx word", func(a *asm) { a.load(2, R14.Num(), rmIndex(memReg, regRAX, 0)) }, x86asm.MOVZX, x86asm.R14L},
		{"store byte", func(a *asm) { a.store(1, regRSI, rmIndex(memReg, regRAX, 0)) }, x86asm.MOV, nil},
		{"test flags", func(a *asm) { a.testMemImm(rmIndex(flagsReg, regRCX, 2), 1<<5) }, x86asm.TEST, nil},
		{"movdqu load", func(a *asm) { a.movdquLoad(3, rmIndex(memReg, regRAX, 0)) }, x86asm.MOVDQU, x86asm.X3},
		{"movdqu store", func(a *asm) { a.movdquStore(12, rmMem(ctxReg, guest.OffVReg)) }, x86asm.MOVDQU, nil},
		{"movq xmm, r8", func(a *asm) { a.movqToXmm(true, 2, R8.Num()) }, x86asm.MOVQ, x86asm.X2},
		{"movd eax, xmm5", func(a *asm) { a.movqFromXmm(false, regRAX, 5) }, x86asm.MOVD, x86asm.EAX},
		{"pxor", func(a *asm) { a.pxor(9, 9) }, x86asm.PXOR, x86asm.X9},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := newAsm()
			tc.emit(a)
			code, err := a.finish()
			require.NoError(t, err)
			insts := decodeAll(t, code)
			require.Len(t, insts, 1)
			assert.Equal(t, tc.op, insts[0].Op)
			if tc.arg0 != nil {
				assert.Equal(t, tc.arg0, insts[0].Args[0])
			}
		})
	}
}

func TestBranchFixups(t *testing.T) {
	a := newAsm()
	back, fwd := a.newLabel(), a.newLabel()
	a.bind(back)
	a.jcc(X86_CC_NE, fwd)
	a.jmp(back)
	a.bind(fwd)
	a.ret()
	code, err := a.finish()
	require.NoError(t, err)
	insts := decodeAll(t, code)
	require.Len(t, insts, 3)
	assert.Equal(t, x86asm.Rel(5), insts[0].Args[0], "jne skips the jmp")
	assert.Equal(t, x86asm.Rel(-11), insts[1].Args[0], "jmp returns to offset 0")

	a = newAsm()
	a.jmp(a.newLabel())
	_, err = a.finish()
	assert.Error(t, err)
}

func intrinsicOp(in ir.Intrinsic, args int) *ir.Op {
	op := &ir.Op{Code: ir.OpIntrinsic, Dst: ir.PReg(1, ir.V128), Intr: in}
	for i := 0; i < args; i++ {
		op.Args = append(op.Args, ir.PReg(2+i, ir.V128))
	}
	return op
}

func TestIntrinsicEncodings(t *testing.T) {
	cases := []struct {
		in   ir.Intrinsic
		want x86asm.Op
	}{
		{ir.X86(ir.X86Padd, ir.Variant{ElemSize: 2, VecWidth: 16}), x86asm.PADDW},
		{ir.X86(ir.X86Psub, ir.Variant{ElemSize: 8, VecWidth: 16}), x86asm.PSUBQ},
		{ir.X86(ir.X86Pcmpeq, ir.Variant{ElemSize: 8, VecWidth: 16}), x86asm.PCMPEQQ},
		{ir.X86(ir.X86Pmull, ir.Variant{ElemSize: 4, VecWidth: 16}), x86asm.PMULLD},
		{ir.X86(ir.X86Pmaxu, ir.Variant{ElemSize: 1, VecWidth: 16}), x86asm.PMAXUB},
		{ir.X86(ir.X86Pmins, ir.Variant{ElemSize: 2, VecWidth: 8}), x86asm.PMINSW},
		{ir.X86(ir.X86Pabs, ir.Variant{ElemSize: 4, VecWidth: 16}), x86asm.PABSD},
		{ir.X86(ir.X86Paddus, ir.Variant{ElemSize: 1, VecWidth: 16}), x86asm.PADDUSB},
		{ir.X86(ir.X86Pavg, ir.Variant{ElemSize: 2, VecWidth: 16}), x86asm.PAVGW},
		{ir.X86(ir.X86PsllImm, ir.Variant{ElemSize: 4, VecWidth: 16, Imm: 3}), x86asm.PSLLD},
		{ir.X86(ir.X86PsraImm, ir.Variant{ElemSize: 2, VecWidth: 16, Imm: 15}), x86asm.PSRAW},
		{ir.X86(ir.X86Pandn, full), x86asm.PANDN},
		{ir.X86(ir.X86Aesenclast, full), x86asm.AESENCLAST},
		{ir.X86(ir.X86Aesimc, full), x86asm.AESIMC},
		{ir.X86(ir.X86Add, ir.Variant{ElemSize: 4, VecWidth: 0}), x86asm.ADDSS},
		{ir.X86(ir.X86Div, ir.Variant{ElemSize: 8, VecWidth: 16}), x86asm.DIVPD},
		{ir.X86(ir.X86Sqrt, ir.Variant{ElemSize: 4, VecWidth: 16}), x86asm.SQRTPS},
		{ir.X86(ir.X86Round, ir.Variant{ElemSize: 8, VecWidth: 0, Imm: ir.X86RoundDown}), x86asm.ROUNDSD},
		{ir.X86(ir.X86Movq, full), x86asm.MOVQ},
		{ir.X86(ir.X86Insertps, ir.Variant{ElemSize: 4, VecWidth: 16, Imm: 0x0E}), x86asm.INSERTPS},
	}
	for _, tc := range cases {
		t.Run(tc.in.String(), func(t *testing.T) {
			info, ok := tc.in.Info()
			require.True(t, ok)
			e := newEmitter(backend.DefaultConfig(), ir.NewFunc(0))
			e.intrinsic(intrinsicOp(tc.in, info.Args))
			require.NoError(t, e.err)
			code, err := e.a.finish()
			require.NoError(t, err)
			insts := decodeAll(t, code)
			// movdqa into scratch, the instruction, movdqa out
			require.Len(t, insts, 3)
			assert.Equal(t, tc.want, insts[1].Op)
			assert.Equal(t, x86asm.X15, insts[1].Args[0])
		})
	}
}

func TestUnencodableIntrinsic(t *testing.T) {
	e := newEmitter(backend.DefaultConfig(), ir.NewFunc(0))
	e.intrinsic(intrinsicOp(ir.X86(ir.X86Pmull, ir.Variant{ElemSize: 1, VecWidth: 16}), 2))
	assert.ErrorIs(t, e.err, jiterrors.ErrEncoding)

	e = newEmitter(backend.DefaultConfig(), ir.NewFunc(0))
	e.intrinsic(intrinsicOp(ir.Intrinsic{Namespace: ir.NamespaceArm64, ID: ir.A64Add, Variant: full}, 2))
	assert.ErrorIs(t, e.err, jiterrors.ErrEncoding)
}

func lower(s Selector, op ir.VecOp, v ir.Variant) (*ir.Block, bool) {
	b := ir.NewBuilder(0)
	b.SetBlock(b.NewBlock(0))
	args := []ir.Operand{b.VZero(), b.VZero()}
	before := len(b.Block().Ops)
	_, ok := s.LowerVec(b, op, v, args[:op.Args()])
	blk := b.Block()
	blk.Ops = blk.Ops[before:]
	return blk, ok
}

func intrinsics(blk *ir.Block) []ir.IntrinsicID {
	var ids []ir.IntrinsicID
	for _, op := range blk.Ops {
		if op.Code == ir.OpIntrinsic {
			ids = append(ids, op.Intr.ID)
		}
	}
	return ids
}

func TestSelectorFeatures(t *testing.T) {
	q8 := ir.Variant{ElemSize: 8, VecWidth: 16}
	blk, ok := lower(Selector{}, ir.VecCmeq, q8)
	assert.False(t, ok)
	assert.Empty(t, blk.Ops, "nothing appended when unavailable")

	blk, ok = lower(Selector{Features: AllFeatures()}, ir.VecCmeq, q8)
	assert.True(t, ok)
	assert.Equal(t, []ir.IntrinsicID{ir.X86Pcmpeq}, intrinsics(blk))

	_, ok = lower(Selector{Features: AllFeatures()}, ir.VecMul, ir.Variant{ElemSize: 1, VecWidth: 16})
	assert.False(t, ok, "no byte multiply on x86")

	_, ok = lower(Selector{}, ir.VecUmax, ir.Variant{ElemSize: 1, VecWidth: 16})
	assert.True(t, ok, "pmaxub is SSE2")
}

func TestSelectorZeroesUpperLanes(t *testing.T) {
	s := Selector{Features: AllFeatures()}
	blk, ok := lower(s, ir.VecAdd, ir.Variant{ElemSize: 4, VecWidth: 8})
	require.True(t, ok)
	assert.Equal(t, []ir.IntrinsicID{ir.X86Padd, ir.X86Movq}, intrinsics(blk))

	blk, ok = lower(s, ir.VecFAdd, ir.Variant{ElemSize: 4})
	require.True(t, ok)
	assert.Equal(t, []ir.IntrinsicID{ir.X86Add, ir.X86Insertps}, intrinsics(blk))

	blk, ok = lower(s, ir.VecFRintM, ir.Variant{ElemSize: 8})
	require.True(t, ok)
	assert.Equal(t, []ir.IntrinsicID{ir.X86Round, ir.X86Movq}, intrinsics(blk))
	assert.Equal(t, ir.X86RoundDown, blk.Ops[0].Intr.Variant.Imm)
}

func TestSelectorAES(t *testing.T) {
	_, ok := lower(Selector{}, ir.VecAese, full)
	assert.False(t, ok)

	s := Selector{Features: AllFeatures()}
	blk, ok := lower(s, ir.VecAese, full)
	require.True(t, ok)
	assert.Equal(t, []ir.IntrinsicID{ir.X86Pxor, ir.X86Aesenclast}, intrinsics(blk))

	blk, ok = lower(s, ir.VecAesmc, full)
	require.True(t, ok)
	assert.Equal(t, []ir.IntrinsicID{ir.X86Aesdeclast, ir.X86Aesenc}, intrinsics(blk))
}

type codeSource []byte

func (c codeSource) Fetch(addr uint64, buf []byte) error {
	if addr+uint64(len(buf)) > uint64(len(c)) {
		return jiterrors.NewFault(jiterrors.ErrUnmappedAccess, addr)
	}
	copy(buf, c[addr:])
	return nil
}

func compile(t *testing.T, tgt backend.Target, code []byte) (*ir.Func, *backend.Code) {
	t.Helper()
	opts := decoder.DefaultOptions()
	opts.Selector = tgt.Select()
	f, err := decoder.Decode(codeSource(code), 0, opts)
	require.NoError(t, err)
	opt.Run(f, opt.DefaultOptions())
	_, err = regalloc.Allocate(f, tgt.Registers())
	require.NoError(t, err)
	c, err := tgt.Emit(f)
	require.NoError(t, err)
	return f, c
}

func TestEmitFunction(t *testing.T) {
	tgt, err := backend.New(Name, backend.DefaultConfig())
	require.NoError(t, err)
	assert.Contains(t, backend.Names(), Name)

	prog := guest.NewAsm().
		Label("loop").
		Ldr(2, 1, 0).
		AddImm(2, 2, 7).
		Str(2, 1, 8).
		SubsImm(0, 0, 1).
		BCond(guest.NE, "loop").
		Udiv(3, 2, 0).
		Ret().
		MustAssemble()
	f, c := compile(t, tgt, prog)

	assert.Equal(t, Name, c.Target)
	assert.Equal(t, len(f.Blocks), len(c.BlockOffsets))
	assert.Equal(t, []ir.GuestRange{{Start: 0, End: uint64(len(prog))}}, c.Ranges)
	for i := 1; i < len(c.BlockOffsets); i++ {
		assert.Greater(t, c.BlockOffsets[i], c.BlockOffsets[i-1])
	}

	insts := decodeAll(t, c.Bytes)
	assert.Equal(t, x86asm.PUSH, insts[0].Op)
	assert.Equal(t, x86asm.RET, insts[len(insts)-1].Op)

	var flagTests, divs int
	for _, in := range insts {
		if m, ok := in.Args[0].(x86asm.Mem); ok && in.Op == x86asm.TEST && m.Base == x86asm.RBX {
			flagTests++
		}
		if in.Op == x86asm.DIV {
			divs++
		}
	}
	assert.Equal(t, 2, flagTests, "one page flag check per guest access")
	assert.Equal(t, 1, divs)

	text := tgt.Disassemble(c.Bytes)
	assert.NotContains(t, text, " db ")
	assert.Equal(t, len(insts), strings.Count(text, "\n"))
}

func TestEmitRejectsUnallocated(t *testing.T) {
	b := ir.NewBuilder(0)
	b.SetBlock(b.NewBlock(0))
	x := b.LoadGuest(guest.SlotX(0), ir.I64)
	b.Exit(guest.ExitBranch, x)
	_, err := New(backend.DefaultConfig()).Emit(b.Func())
	assert.ErrorIs(t, err, jiterrors.ErrEncoding)
}

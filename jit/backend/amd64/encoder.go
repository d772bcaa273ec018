package amd64

import (
	"encoding/binary"
	"fmt"
)

// rmArg is the r/m operand of an instruction: a register, or memory at
// [base + index<<scale + disp32].
type rmArg struct {
	direct bool
	reg    int
	base   int
	index  int
	scale  byte
	disp   int32
}

func rmReg(n int) rmArg { return rmArg{direct: true, reg: n} }

func rmMem(base int, disp int32) rmArg { return rmArg{base: base, index: -1, disp: disp} }

func rmIndex(base, index int, scale byte) rmArg {
	return rmArg{base: base, index: index, scale: scale}
}

type fixup struct {
	at    int // offset of the rel32 field
	label int
}

// asm accumulates x86-64 machine code. All branches use rel32 so the output is position
// independent.
type asm struct {
	buf    []byte
	labels []int
	fixups []fixup
	err    error
}

func newAsm() *asm { return &asm{buf: make([]byte, 0, 1024)} }

func (a *asm) fail(format string, args ...interface{}) {
	if a.err == nil {
		a.err = fmt.Errorf(format, args...)
	}
}

func (a *asm) emit(b ...byte) { a.buf = append(a.buf, b...) }

func (a *asm) u32(v uint32) { a.buf = binary.LittleEndian.AppendUint32(a.buf, v) }

func (a *asm) u64(v uint64) { a.buf = binary.LittleEndian.AppendUint64(a.buf, v) }

func (a *asm) offset() int { return len(a.buf) }

func (a *asm) newLabel() int {
	a.labels = append(a.labels, -1)
	return len(a.labels) - 1
}

func (a *asm) bind(l int) {
	if a.labels[l] >= 0 {
		a.fail("label %d bound twice", l)
	}
	a.labels[l] = len(a.buf)
}

func (a *asm) rel32(l int) {
	a.fixups = append(a.fixups, fixup{at: len(a.buf), label: l})
	a.u32(0)
}

// finish patches label references and returns the code.
func (a *asm) finish() ([]byte, error) {
	if a.err != nil {
		return nil, a.err
	}
	for _, f := range a.fixups {
		target := a.labels[f.label]
		if target < 0 {
			return nil, fmt.Errorf("label %d never bound", f.label)
		}
		binary.LittleEndian.PutUint32(a.buf[f.at:], uint32(int32(target-(f.at+4))))
	}
	return a.buf, nil
}

// encode emits [prefix] [REX] opcode ModRM [SIB] [disp32]. reg is a register number or a /digit
// extension. byteOp forces a REX prefix so registers 4..7 name spl..dil rather than ah..bh.
func (a *asm) encode(prefix byte, w, byteOp bool, opcode []byte, reg int, rm rmArg) {
	if prefix != 0 {
		a.emit(prefix)
	}
	rex := byte(0)
	if w {
		rex |= X86_REX_W
	}
	if reg >= 8 {
		rex |= X86_REX_R
	}
	if rm.direct {
		if rm.reg >= 8 {
			rex |= X86_REX_B
		}
	} else {
		if rm.index >= 8 {
			rex |= X86_REX_X
		}
		if rm.base >= 8 {
			rex |= X86_REX_B
		}
	}
	if rex != 0 || (byteOp && (reg >= 4 || (rm.direct && rm.reg >= 4))) {
		a.emit(X86_REX | rex)
	}
	a.emit(opcode...)
	regBits := byte(reg&7) << 3
	if rm.direct {
		a.emit(X86_MOD_REGISTER<<6 | regBits | byte(rm.reg&7))
		return
	}
	if rm.index < 0 && rm.base&7 != regRSP {
		a.emit(X86_MOD_INDIRECT_DISP32<<6 | regBits | byte(rm.base&7))
	} else {
		idx := byte(X86_SIB_NO_INDEX)
		if rm.index >= 0 {
			idx = byte(rm.index & 7)
		}
		a.emit(X86_MOD_INDIRECT_DISP32<<6|regBits|X86_RM_SIB, rm.scale<<6|idx<<3|byte(rm.base&7))
	}
	a.u32(uint32(rm.disp))
}

func op1(b byte) []byte { return []byte{b} }

func op2(b byte) []byte { return []byte{X86_OP2_ESCAPE, b} }

// ---- general purpose ----

// movRR copies a full 64-bit register.
func (a *asm) movRR(dst, src int) {
	if dst != src {
		a.encode(0, true, false, op1(X86_OP_MOV_RM_R), src, rmReg(dst))
	}
}

// movRR32 copies the low 32 bits and zeroes the rest.
func (a *asm) movRR32(dst, src int) {
	a.encode(0, false, false, op1(X86_OP_MOV_RM_R), src, rmReg(dst))
}

// movRI loads a 64-bit constant with the shortest encoding that leaves the flags alone.
func (a *asm) movRI(dst int, v uint64) {
	r := gprs[dst]
	switch {
	case v <= 0xFFFFFFFF:
		if r.REXBit != 0 {
			a.emit(X86_REX | X86_REX_B)
		}
		a.emit(X86_OP_MOV_R_IMM + r.RegBits)
		a.u32(uint32(v))
	case int64(v) == int64(int32(v)):
		a.encode(0, true, false, op1(X86_OP_MOV_RM_IMM), 0, rmReg(dst))
		a.u32(uint32(v))
	default:
		a.emit(X86_REX|X86_REX_W|X86_REX_B*r.REXBit, X86_OP_MOV_R_IMM+r.RegBits)
		a.u64(v)
	}
}

// alu emits a two-register ALU op in its r/m, r form: dst op= src.
func (a *asm) alu(opcode byte, w bool, dst, src int) {
	a.encode(0, w, false, op1(opcode), src, rmReg(dst))
}

// aluImm emits dst op= imm32 through group 1.
func (a *asm) aluImm(ext int, w bool, dst int, imm int32) {
	a.encode(0, w, false, op1(X86_OP_GROUP1_RM_IMM32), ext, rmReg(dst))
	a.u32(uint32(imm))
}

func (a *asm) imul(w bool, dst, src int) {
	a.encode(0, w, false, op2(X86_OP2_IMUL_R), dst, rmReg(src))
}

// group3 emits a unary F7 /ext op: not, neg, mul, imul, div, idiv.
func (a *asm) group3(ext int, w bool, r int) {
	a.encode(0, w, false, op1(X86_OP_GROUP3_RM), ext, rmReg(r))
}

func (a *asm) shiftCL(ext int, w bool, r int) {
	a.encode(0, w, false, op1(X86_OP_GROUP2_RM_CL), ext, rmReg(r))
}

func (a *asm) shiftImm(ext int, w bool, r int, imm byte) {
	a.encode(0, w, false, op1(X86_OP_GROUP2_RM_IMM8), ext, rmReg(r))
	a.emit(imm)
}

func (a *asm) setcc(cc byte, r int) {
	a.encode(0, false, true, op2(X86_OP2_SETCC+cc), 0, rmReg(r))
}

func (a *asm) cmov(cc byte, w bool, dst, src int) {
	a.encode(0, w, false, op2(X86_OP2_CMOVCC+cc), dst, rmReg(src))
}

func (a *asm) movzxB(dst, src int) {
	a.encode(0, false, true, op2(X86_OP2_MOVZX_B), dst, rmReg(src))
}

func (a *asm) movsxB(w bool, dst, src int) {
	a.encode(0, w, true, op2(X86_OP2_MOVSX_B), dst, rmReg(src))
}

func (a *asm) movsxW(w bool, dst, src int) {
	a.encode(0, w, false, op2(X86_OP2_MOVSX_W), dst, rmReg(src))
}

func (a *asm) movsxd(dst, src int) {
	a.encode(0, true, false, op1(X86_OP_MOVSXD), dst, rmReg(src))
}

func (a *asm) bsr(w bool, dst, src int) {
	a.encode(0, w, false, op2(X86_OP2_BSR), dst, rmReg(src))
}

func (a *asm) bswap(w bool, r int) {
	rex := byte(0)
	if w {
		rex |= X86_REX_W
	}
	if r >= 8 {
		rex |= X86_REX_B
	}
	if rex != 0 {
		a.emit(X86_REX | rex)
	}
	a.emit(X86_OP2_ESCAPE, X86_OP2_BSWAP+byte(r&7))
}

// signExtendAcc is cqo (64-bit) or cdq (32-bit).
func (a *asm) signExtendAcc(w bool) {
	if w {
		a.emit(X86_REX | X86_REX_W)
	}
	a.emit(X86_OP_CDQ)
}

func (a *asm) push(r X86Reg) {
	if r.REXBit != 0 {
		a.emit(X86_REX | X86_REX_B)
	}
	a.emit(X86_OP_PUSH_R + r.RegBits)
}

func (a *asm) pop(r X86Reg) {
	if r.REXBit != 0 {
		a.emit(X86_REX | X86_REX_B)
	}
	a.emit(X86_OP_POP_R + r.RegBits)
}

func (a *asm) ret() { a.emit(X86_OP_RET) }

func (a *asm) jmp(l int) {
	a.emit(X86_OP_JMP_REL32)
	a.rel32(l)
}

func (a *asm) jcc(cc byte, l int) {
	a.emit(X86_OP2_ESCAPE, X86_OP2_JCC+cc)
	a.rel32(l)
}

// ---- memory ----

// load reads size bytes at m into r, zero extending.
func (a *asm) load(size int, r int, m rmArg) {
	switch size {
	case 1:
		a.encode(0, false, false, op2(X86_OP2_MOVZX_B), r, m)
	case 2:
		a.encode(0, false, false, op2(X86_OP2_MOVZX_W), r, m)
	case 4:
		a.encode(0, false, false, op1(X86_OP_MOV_R_RM), r, m)
	default:
		a.encode(0, true, false, op1(X86_OP_MOV_R_RM), r, m)
	}
}

// store writes the low size bytes of r to m.
func (a *asm) store(size int, r int, m rmArg) {
	switch size {
	case 1:
		a.encode(0, false, true, op1(X86_OP_MOV_RM8_R8), r, m)
	case 2:
		a.encode(X86_PREFIX_66, false, false, op1(X86_OP_MOV_RM_R), r, m)
	case 4:
		a.encode(0, false, false, op1(X86_OP_MOV_RM_R), r, m)
	default:
		a.encode(0, true, false, op1(X86_OP_MOV_RM_R), r, m)
	}
}

// testMemImm emits test dword [m], imm32.
func (a *asm) testMemImm(m rmArg, imm uint32) {
	a.encode(0, false, false, op1(X86_OP_GROUP3_RM), X86_EXT_TEST, m)
	a.u32(imm)
}

// ---- SSE ----

func (a *asm) movdqa(dst, src int) {
	if dst != src {
		a.encode(X86_PREFIX_66, false, false, op2(X86_OP2_MOVDQ_LD), dst, rmReg(src))
	}
}

func (a *asm) movdquLoad(x int, m rmArg) {
	a.encode(X86_PREFIX_F3, false, false, op2(X86_OP2_MOVDQ_LD), x, m)
}

func (a *asm) movdquStore(x int, m rmArg) {
	a.encode(X86_PREFIX_F3, false, false, op2(X86_OP2_MOVDQ_ST), x, m)
}

// movqToXmm is movq/movd xmm, r: the value lands in lane 0, the rest is zeroed.
func (a *asm) movqToXmm(w bool, x, r int) {
	a.encode(X86_PREFIX_66, w, false, op2(X86_OP2_MOVD_X_R), x, rmReg(r))
}

// movqFromXmm is movq/movd r, xmm. The 32-bit form zero extends.
func (a *asm) movqFromXmm(w bool, r, x int) {
	a.encode(X86_PREFIX_66, w, false, op2(X86_OP2_MOVD_R_X), x, rmReg(r))
}

// sse emits an xmm, xmm op; opcode excludes the 0x0F escape.
func (a *asm) sse(prefix byte, opcode []byte, dst, src int) {
	a.encode(prefix, false, false, append([]byte{X86_OP2_ESCAPE}, opcode...), dst, rmReg(src))
}

func (a *asm) pxor(dst, src int) { a.sse(X86_PREFIX_66, []byte{0xEF}, dst, src) }

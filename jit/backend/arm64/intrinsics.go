package arm64

import (
	"github.com/colorfulnotion/a64jit/jit/guest"
	"github.com/colorfulnotion/a64jit/jit/ir"
)

var vec3Enc = map[ir.IntrinsicID]uint32{
	ir.A64Add:    guest.EncVAdd,
	ir.A64Sub:    guest.EncVSub,
	ir.A64Mul:    guest.EncVMul,
	ir.A64Cmeq:   guest.EncVCmeq,
	ir.A64Umax:   guest.EncVUmax,
	ir.A64Smax:   guest.EncVSmax,
	ir.A64Umin:   guest.EncVUmin,
	ir.A64Smin:   guest.EncVSmin,
	ir.A64Uqadd:  guest.EncVUqadd,
	ir.A64Sqadd:  guest.EncVSqadd,
	ir.A64Uqsub:  guest.EncVUqsub,
	ir.A64Sqsub:  guest.EncVSqsub,
	ir.A64Urhadd: guest.EncVUrhadd,
}

// the size field of the logical group is part of the opcode
var logicEnc = map[ir.IntrinsicID]uint32{
	ir.A64And: guest.EncVAnd,
	ir.A64Bic: guest.EncVBic,
	ir.A64Orr: guest.EncVOrr,
	ir.A64Eor: guest.EncVEor,
}

type fpEnc struct{ scalar, vector uint32 }

var floatEnc = map[ir.IntrinsicID]fpEnc{
	ir.A64Fadd:   {guest.EncFAddS, guest.EncFAddV},
	ir.A64Fsub:   {guest.EncFSubS, guest.EncFSubV},
	ir.A64Fmul:   {guest.EncFMulS, guest.EncFMulV},
	ir.A64Fdiv:   {guest.EncFDivS, guest.EncFDivV},
	ir.A64Fsqrt:  {guest.EncFSqrtS, guest.EncFSqrtV},
	ir.A64Frintn: {guest.EncFrintnS, guest.EncFrintnV},
	ir.A64Frintm: {guest.EncFrintmS, guest.EncFrintmV},
	ir.A64Frintp: {guest.EncFrintpS, guest.EncFrintpV},
	ir.A64Frintz: {guest.EncFrintzS, guest.EncFrintzV},
}

func log2(n uint8) int {
	switch n {
	case 2:
		return 1
	case 4:
		return 2
	case 8:
		return 3
	}
	return 0
}

// intrinsic emits the NEON instruction an arm64 intrinsic names. Lanes above a 64-bit vector
// and above a scalar FP result are cleared by the hardware.
func (e *emitter) intrinsic(op *ir.Op) {
	a := e.a
	in := op.Intr
	info, ok := in.Info()
	if in.Namespace != ir.NamespaceArm64 || !ok || !info.ValidVariant(in.Variant) {
		e.fail(op, "intrinsic %s has no encoding", in)
		return
	}
	if len(op.Args) != info.Args {
		e.fail(op, "intrinsic %s takes %d operands, got %d", in, info.Args, len(op.Args))
		return
	}
	v := in.Variant
	q := v.VecWidth == 16
	size := log2(v.ElemSize)
	d := e.dst(op)
	n := e.vreg(op, op.Args[0])
	m := 0 // unary encodings keep opcode bits in the Rm field
	if info.Args > 1 {
		m = e.vreg(op, op.Args[1])
	}

	if enc, ok := vec3Enc[in.ID]; ok {
		a.Vec3(enc, q, size, d, n, m)
		return
	}
	if enc, ok := logicEnc[in.ID]; ok {
		a.Vec3(enc, q, 0, d, n, m)
		return
	}
	if f, ok := floatEnc[in.ID]; ok {
		double := v.ElemSize == 8
		if v.VecWidth == 0 {
			a.FScalar(f.scalar, double, d, n, m)
		} else {
			a.FVec(f.vector, q, double, d, n, m)
		}
		return
	}
	switch in.ID {
	case ir.A64Abs:
		a.Vec2(guest.EncVAbs, q, size, d, n)
	case ir.A64Shl:
		a.ShlVec(q, size, d, n, uint32(v.Imm))
	case ir.A64Ushr:
		a.UshrVec(q, size, d, n, uint32(v.Imm))
	case ir.A64Sshr:
		a.SshrVec(q, size, d, n, uint32(v.Imm))
	case ir.A64Aese, ir.A64Aesd:
		// destructive: state ^= key, then the round, staged through v30
		a.Vec3(guest.EncVOrr, true, 0, vScratch0, n, n)
		if in.ID == ir.A64Aese {
			a.Aese(vScratch0, m)
		} else {
			a.Aesd(vScratch0, m)
		}
		a.Vec3(guest.EncVOrr, true, 0, d, vScratch0, vScratch0)
	case ir.A64Aesmc:
		a.Aesmc(d, n)
	case ir.A64Aesimc:
		a.Aesimc(d, n)
	default:
		e.fail(op, "intrinsic %s has no encoding", in)
	}
}

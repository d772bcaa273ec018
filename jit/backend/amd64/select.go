package amd64

import (
	"github.com/colorfulnotion/a64jit/jit/ir"
	"golang.org/x/sys/cpu"
)

// Features are the optional instruction set extensions the selector may use. SSE2 is baseline.
type Features struct {
	SSSE3 bool
	SSE41 bool
	AES   bool
}

// HostFeatures reports what the running CPU supports.
func HostFeatures() Features {
	return Features{SSSE3: cpu.X86.HasSSSE3, SSE41: cpu.X86.HasSSE41, AES: cpu.X86.HasAES}
}

// AllFeatures enables every extension; used when emitting code that is only inspected.
func AllFeatures() Features { return Features{SSSE3: true, SSE41: true, AES: true} }

// Selector lowers guest vector operations to SSE and AES-NI intrinsics.
type Selector struct {
	Features Features
}

func (s Selector) Namespace() ir.Namespace { return ir.NamespaceX86 }

var intIDs = map[ir.VecOp]ir.IntrinsicID{
	ir.VecAdd:    ir.X86Padd,
	ir.VecSub:    ir.X86Psub,
	ir.VecMul:    ir.X86Pmull,
	ir.VecAnd:    ir.X86Pand,
	ir.VecBic:    ir.X86Pandn,
	ir.VecOrr:    ir.X86Por,
	ir.VecEor:    ir.X86Pxor,
	ir.VecCmeq:   ir.X86Pcmpeq,
	ir.VecUmax:   ir.X86Pmaxu,
	ir.VecSmax:   ir.X86Pmaxs,
	ir.VecUmin:   ir.X86Pminu,
	ir.VecSmin:   ir.X86Pmins,
	ir.VecAbs:    ir.X86Pabs,
	ir.VecUqadd:  ir.X86Paddus,
	ir.VecSqadd:  ir.X86Padds,
	ir.VecUqsub:  ir.X86Psubus,
	ir.VecSqsub:  ir.X86Psubs,
	ir.VecUrhadd: ir.X86Pavg,
	ir.VecShl:    ir.X86PsllImm,
	ir.VecUshr:   ir.X86PsrlImm,
	ir.VecSshr:   ir.X86PsraImm,
}

var floatIDs = map[ir.VecOp]ir.IntrinsicID{
	ir.VecFAdd:   ir.X86Add,
	ir.VecFSub:   ir.X86Sub,
	ir.VecFMul:   ir.X86Mul,
	ir.VecFDiv:   ir.X86Div,
	ir.VecFSqrt:  ir.X86Sqrt,
	ir.VecFRintN: ir.X86Round,
	ir.VecFRintM: ir.X86Round,
	ir.VecFRintP: ir.X86Round,
	ir.VecFRintZ: ir.X86Round,
}

var roundModes = map[ir.VecOp]uint8{
	ir.VecFRintN: ir.X86RoundNearest,
	ir.VecFRintM: ir.X86RoundDown,
	ir.VecFRintP: ir.X86RoundUp,
	ir.VecFRintZ: ir.X86RoundTrunc,
}

// supported reports whether the instance is available with the enabled extensions.
func (s Selector) supported(id ir.IntrinsicID, elem uint8) bool {
	f := s.Features
	switch id {
	case ir.X86Pabs:
		return f.SSSE3
	case ir.X86Pcmpeq:
		return elem != 8 || f.SSE41
	case ir.X86Pmull:
		return elem == 2 || f.SSE41
	case ir.X86Pmaxu, ir.X86Pminu:
		return elem == 1 || f.SSE41
	case ir.X86Pmaxs, ir.X86Pmins:
		return elem == 2 || f.SSE41
	case ir.X86Round, ir.X86Insertps:
		return f.SSE41
	case ir.X86Aesenc, ir.X86Aesenclast, ir.X86Aesdec, ir.X86Aesdeclast, ir.X86Aesimc:
		return f.AES
	}
	return true
}

func encodable(id ir.IntrinsicID, v ir.Variant) bool {
	_, ok := formOf(ir.X86(id, v))
	return ok
}

var full = ir.Variant{ElemSize: 1, VecWidth: 16}

// LowerVec implements ir.Selector. Nothing is appended unless every intrinsic of the lowering is
// available.
func (s Selector) LowerVec(b *ir.Builder, op ir.VecOp, v ir.Variant, args []ir.Operand) (ir.Operand, bool) {
	switch op {
	case ir.VecAese, ir.VecAesd, ir.VecAesmc, ir.VecAesimc:
		return s.lowerAES(b, op, args)
	}
	if id, ok := floatIDs[op]; ok {
		return s.lowerFloat(b, op, id, v, args)
	}
	id, ok := intIDs[op]
	if !ok || !s.supported(id, v.ElemSize) || !encodable(id, v) {
		return ir.None, false
	}
	var res ir.Operand
	switch op {
	case ir.VecBic:
		// pandn computes ^dst & src
		res = b.Intrinsic(ir.X86(id, v), ir.V128, args[1], args[0])
	default:
		res = b.Intrinsic(ir.X86(id, v), ir.V128, args...)
	}
	return zeroUpper(b, res, v), true
}

func (s Selector) lowerFloat(b *ir.Builder, op ir.VecOp, id ir.IntrinsicID, v ir.Variant, args []ir.Operand) (ir.Operand, bool) {
	if mode, ok := roundModes[op]; ok {
		v.Imm = mode
	}
	if !s.supported(id, v.ElemSize) || !encodable(id, v) {
		return ir.None, false
	}
	if v.VecWidth == 0 && v.ElemSize == 4 && !s.Features.SSE41 {
		return ir.None, false
	}
	res := b.Intrinsic(ir.X86(id, v), ir.V128, args...)
	return zeroUpper(b, res, v), true
}

// zeroUpper clears the lanes a 64-bit or scalar guest operation leaves zero.
func zeroUpper(b *ir.Builder, res ir.Operand, v ir.Variant) ir.Operand {
	switch {
	case v.VecWidth == 8, v.VecWidth == 0 && v.ElemSize == 8:
		return b.Intrinsic(ir.X86(ir.X86Movq, full), ir.V128, res)
	case v.VecWidth == 0:
		// insertps zmask clears lanes 1 to 3
		return b.Intrinsic(ir.X86(ir.X86Insertps, ir.Variant{ElemSize: 4, VecWidth: 16, Imm: 0x0E}), ir.V128, res, res)
	}
	return res
}

// lowerAES maps the arm64 round primitives onto AES-NI with an all-zero round key:
//
//	AESE(s, k)  = AESENCLAST(s ^ k, 0)
//	AESD(s, k)  = AESDECLAST(s ^ k, 0)
//	AESMC(s)    = AESENC(AESDECLAST(s, 0), 0)
//	AESIMC(s)   = AESIMC(s)
func (s Selector) lowerAES(b *ir.Builder, op ir.VecOp, args []ir.Operand) (ir.Operand, bool) {
	if !s.Features.AES {
		return ir.None, false
	}
	x86 := func(id ir.IntrinsicID, args ...ir.Operand) ir.Operand {
		return b.Intrinsic(ir.X86(id, full), ir.V128, args...)
	}
	switch op {
	case ir.VecAese, ir.VecAesd:
		last := ir.X86Aesenclast
		if op == ir.VecAesd {
			last = ir.X86Aesdeclast
		}
		t := x86(ir.X86Pxor, args[0], args[1])
		return x86(last, t, b.VZero()), true
	case ir.VecAesmc:
		z := b.VZero()
		return x86(ir.X86Aesenc, x86(ir.X86Aesdeclast, args[0], z), z), true
	}
	return x86(ir.X86Aesimc, args[0]), true
}

package interpreter

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/colorfulnotion/a64jit/jit/ir"
	"github.com/colorfulnotion/a64jit/jiterrors"
)

type vec = [16]byte

func getLane(v *vec, size, i int) uint64 {
	b := v[i*size:]
	switch size {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(b))
	case 4:
		return uint64(binary.LittleEndian.Uint32(b))
	}
	return binary.LittleEndian.Uint64(b)
}

func setLane(v *vec, size, i int, x uint64) {
	b := v[i*size:]
	switch size {
	case 1:
		b[0] = byte(x)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(x))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(x))
	default:
		binary.LittleEndian.PutUint64(b, x)
	}
}

func laneMask(size int) uint64 {
	if size == 8 {
		return math.MaxUint64
	}
	return 1<<(8*size) - 1
}

func sext(x uint64, size int) int64 {
	s := 64 - 8*uint(size)
	return int64(x<<s) >> s
}

func smin(size int) int64 { return -1 << (8*size - 1) }
func smax(size int) int64 { return 1<<(8*size-1) - 1 }

type laneOp uint8

const (
	lAdd laneOp = iota
	lSub
	lMul
	lAnd
	lOr
	lXor
	lBic  // a &^ b
	lAndn // ^a & b
	lCmeq
	lUmax
	lSmax
	lUmin
	lSmin
	lAbs
	lUqadd
	lSqadd
	lUqsub
	lSqsub
	lUrhadd
	lShl
	lUshr
	lSshr
)

var arm64Lanes = map[ir.IntrinsicID]laneOp{
	ir.A64Add: lAdd, ir.A64Sub: lSub, ir.A64Mul: lMul, ir.A64And: lAnd, ir.A64Bic: lBic,
	ir.A64Orr: lOr, ir.A64Eor: lXor, ir.A64Cmeq: lCmeq, ir.A64Umax: lUmax, ir.A64Smax: lSmax,
	ir.A64Umin: lUmin, ir.A64Smin: lSmin, ir.A64Abs: lAbs, ir.A64Uqadd: lUqadd,
	ir.A64Sqadd: lSqadd, ir.A64Uqsub: lUqsub, ir.A64Sqsub: lSqsub, ir.A64Urhadd: lUrhadd,
	ir.A64Shl: lShl, ir.A64Ushr: lUshr, ir.A64Sshr: lSshr,
}

var x86Lanes = map[ir.IntrinsicID]laneOp{
	ir.X86Padd: lAdd, ir.X86Psub: lSub, ir.X86Pmull: lMul, ir.X86Pand: lAnd, ir.X86Por: lOr,
	ir.X86Pxor: lXor, ir.X86Pandn: lAndn, ir.X86Pcmpeq: lCmeq, ir.X86Pmaxu: lUmax,
	ir.X86Pmaxs: lSmax, ir.X86Pminu: lUmin, ir.X86Pmins: lSmin, ir.X86Pabs: lAbs,
	ir.X86Paddus: lUqadd, ir.X86Padds: lSqadd, ir.X86Psubus: lUqsub, ir.X86Psubs: lSqsub,
	ir.X86Pavg: lUrhadd, ir.X86PsllImm: lShl, ir.X86PsrlImm: lUshr, ir.X86PsraImm: lSshr,
}

// intLane computes one lane of size bytes. Results are not yet masked to the lane.
func intLane(op laneOp, size int, a, b uint64, imm uint8) uint64 {
	m := laneMask(size)
	a, b = a&m, b&m
	bitsN := uint(8 * size)
	switch op {
	case lAdd:
		return a + b
	case lSub:
		return a - b
	case lMul:
		return a * b
	case lAnd:
		return a & b
	case lOr:
		return a | b
	case lXor:
		return a ^ b
	case lBic:
		return a &^ b
	case lAndn:
		return ^a & b
	case lCmeq:
		if a == b {
			return m
		}
		return 0
	case lUmax:
		return max(a, b)
	case lUmin:
		return min(a, b)
	case lSmax:
		return uint64(max(sext(a, size), sext(b, size)))
	case lSmin:
		return uint64(min(sext(a, size), sext(b, size)))
	case lAbs:
		if x := sext(a, size); x < 0 {
			return uint64(-x)
		}
		return a
	case lUqadd:
		s := a + b
		if s&m < a || (size < 8 && s > m) {
			return m
		}
		return s
	case lUqsub:
		if a < b {
			return 0
		}
		return a - b
	case lSqadd:
		return uint64(saturate(sext(a, size), sext(b, size), size, false))
	case lSqsub:
		return uint64(saturate(sext(a, size), sext(b, size), size, true))
	case lUrhadd:
		// at most 32-bit lanes, no overflow
		return (a + b + 1) >> 1
	case lShl:
		if uint(imm) >= bitsN {
			return 0
		}
		return a << imm
	case lUshr:
		if uint(imm) >= bitsN {
			return 0
		}
		return a >> imm
	case lSshr:
		if uint(imm) >= bitsN {
			imm = uint8(bitsN - 1)
		}
		return uint64(sext(a, size) >> imm)
	}
	return 0
}

// saturate computes x+y or x-y clamped to the signed range of size bytes.
func saturate(x, y int64, size int, sub bool) int64 {
	lo, hi := smin(size), smax(size)
	if size < 8 {
		r := x + y
		if sub {
			r = x - y
		}
		return min(max(r, lo), hi)
	}
	var r int64
	var overflow bool
	if sub {
		r = x - y
		overflow = (x < 0) != (y < 0) && (r < 0) != (x < 0)
	} else {
		r = x + y
		overflow = (x < 0) == (y < 0) && (r < 0) != (x < 0)
	}
	if !overflow {
		return r
	}
	if x < 0 {
		return lo
	}
	return hi
}

type floatOp uint8

const (
	fAdd floatOp = iota
	fSub
	fMul
	fDiv
	fSqrt
	fRound
)

// rounding modes, numbered as the SSE4.1 immediate
const (
	roundNearest = 0
	roundDown    = 1
	roundUp      = 2
	roundTrunc   = 3
)

var arm64Floats = map[ir.IntrinsicID]floatOp{
	ir.A64Fadd: fAdd, ir.A64Fsub: fSub, ir.A64Fmul: fMul, ir.A64Fdiv: fDiv, ir.A64Fsqrt: fSqrt,
	ir.A64Frintn: fRound, ir.A64Frintm: fRound, ir.A64Frintp: fRound, ir.A64Frintz: fRound,
}

var arm64RoundModes = map[ir.IntrinsicID]uint8{
	ir.A64Frintn: roundNearest, ir.A64Frintm: roundDown, ir.A64Frintp: roundUp, ir.A64Frintz: roundTrunc,
}

var x86Floats = map[ir.IntrinsicID]floatOp{
	ir.X86Add: fAdd, ir.X86Sub: fSub, ir.X86Mul: fMul, ir.X86Div: fDiv, ir.X86Sqrt: fSqrt,
	ir.X86Round: fRound,
}

func round(x float64, mode uint8) float64 {
	switch mode & 3 {
	case roundDown:
		return math.Floor(x)
	case roundUp:
		return math.Ceil(x)
	case roundTrunc:
		return math.Trunc(x)
	}
	return math.RoundToEven(x)
}

func floatLane(op floatOp, size int, a, b uint64, mode uint8) uint64 {
	if size == 4 {
		x, y := math.Float32frombits(uint32(a)), math.Float32frombits(uint32(b))
		var r float32
		switch op {
		case fAdd:
			r = x + y
		case fSub:
			r = x - y
		case fMul:
			r = x * y
		case fDiv:
			r = x / y
		case fSqrt:
			r = float32(math.Sqrt(float64(x)))
		case fRound:
			r = float32(round(float64(x), mode))
		}
		return uint64(math.Float32bits(r))
	}
	x, y := math.Float64frombits(a), math.Float64frombits(b)
	var r float64
	switch op {
	case fAdd:
		r = x + y
	case fSub:
		r = x - y
	case fMul:
		r = x * y
	case fDiv:
		r = x / y
	case fSqrt:
		r = math.Sqrt(x)
	case fRound:
		r = round(x, mode)
	}
	return math.Float64bits(r)
}

// EvalIntrinsic computes an intrinsic of either namespace with the semantics of the
// instruction it names. Arm64 results clear lanes above VecWidth (and above lane 0 for scalar
// FP); x86 packed ops compute all 128 bits and scalar ops keep the upper lanes of the first
// operand, exactly like the hardware.
func EvalIntrinsic(in ir.Intrinsic, args []vec) (vec, error) {
	info, ok := in.Info()
	if !ok || !info.ValidVariant(in.Variant) {
		return vec{}, fmt.Errorf("%w: intrinsic %s", jiterrors.ErrInvalidIR, in)
	}
	if len(args) != info.Args {
		return vec{}, fmt.Errorf("%w: intrinsic %s takes %d operands, got %d", jiterrors.ErrInvalidIR, in, info.Args, len(args))
	}
	a := args[0]
	b := a
	if len(args) > 1 {
		b = args[1]
	}
	if in.Namespace == ir.NamespaceArm64 {
		return evalArm64(in, a, b), nil
	}
	return evalX86(in, a, b), nil
}

func evalArm64(in ir.Intrinsic, a, b vec) vec {
	v := in.Variant
	size := int(v.ElemSize)
	var r vec
	switch in.ID {
	case ir.A64Aese:
		return shiftRows(subBytes(xor(a, b)))
	case ir.A64Aesd:
		return invShiftRows(invSubBytes(xor(a, b)))
	case ir.A64Aesmc:
		return mixColumns(a)
	case ir.A64Aesimc:
		return invMixColumns(a)
	}
	if op, ok := arm64Floats[in.ID]; ok {
		n := int(v.VecWidth) / size
		if v.VecWidth == 0 {
			n = 1
		}
		mode := arm64RoundModes[in.ID]
		for i := 0; i < n; i++ {
			setLane(&r, size, i, floatLane(op, size, getLane(&a, size, i), getLane(&b, size, i), mode))
		}
		return r
	}
	op := arm64Lanes[in.ID]
	if info, _ := in.Info(); info.Sizes == 0 {
		size = 8
	}
	for i := 0; i < int(v.VecWidth)/size; i++ {
		setLane(&r, size, i, intLane(op, size, getLane(&a, size, i), getLane(&b, size, i), v.Imm))
	}
	return r
}

func evalX86(in ir.Intrinsic, a, b vec) vec {
	v := in.Variant
	size := int(v.ElemSize)
	switch in.ID {
	case ir.X86Aesenc:
		return xor(mixColumns(shiftRows(subBytes(a))), b)
	case ir.X86Aesenclast:
		return xor(shiftRows(subBytes(a)), b)
	case ir.X86Aesdec:
		return xor(invMixColumns(invShiftRows(invSubBytes(a))), b)
	case ir.X86Aesdeclast:
		return xor(invShiftRows(invSubBytes(a)), b)
	case ir.X86Aesimc:
		return invMixColumns(a)
	case ir.X86Movq:
		var r vec
		copy(r[:8], a[:8])
		return r
	case ir.X86Insertps:
		return insertps(a, b, v.Imm)
	}
	if op, ok := x86Floats[in.ID]; ok {
		r := a
		n := 16 / size
		if v.VecWidth == 0 {
			n = 1
		}
		for i := 0; i < n; i++ {
			setLane(&r, size, i, floatLane(op, size, getLane(&a, size, i), getLane(&b, size, i), v.Imm))
		}
		return r
	}
	var r vec
	op := x86Lanes[in.ID]
	if info, _ := in.Info(); info.Sizes == 0 {
		size = 8
	}
	for i := 0; i < 16/size; i++ {
		setLane(&r, size, i, intLane(op, size, getLane(&a, size, i), getLane(&b, size, i), v.Imm))
	}
	return r
}

// insertps copies lane imm[7:6] of b into lane imm[5:4] of a, then clears the lanes in imm[3:0].
func insertps(a, b vec, imm uint8) vec {
	src, dst := int(imm>>6), int(imm>>4&3)
	setLane(&a, 4, dst, getLane(&b, 4, src))
	for i := 0; i < 4; i++ {
		if imm&(1<<i) != 0 {
			setLane(&a, 4, i, 0)
		}
	}
	return a
}

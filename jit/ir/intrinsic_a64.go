package ir

// Arm64 intrinsics, one per NEON/FP instruction.
const (
	A64Add IntrinsicID = iota
	A64Sub
	A64Mul
	A64And
	A64Bic
	A64Orr
	A64Eor
	A64Cmeq
	A64Umax
	A64Smax
	A64Umin
	A64Smin
	A64Abs
	A64Uqadd
	A64Sqadd
	A64Uqsub
	A64Sqsub
	A64Urhadd
	A64Shl
	A64Ushr
	A64Sshr
	A64Aese
	A64Aesd
	A64Aesmc
	A64Aesimc
	A64Fadd
	A64Fsub
	A64Fmul
	A64Fdiv
	A64Fsqrt
	A64Frintn
	A64Frintm
	A64Frintp
	A64Frintz

	numArm64Intrinsics
)

const sizesNarrow = Size8 | Size16 | Size32

var arm64Catalog = [numArm64Intrinsics]IntrinsicInfo{
	A64Add:    {Name: "add", Args: 2, Sizes: SizesInt},
	A64Sub:    {Name: "sub", Args: 2, Sizes: SizesInt},
	A64Mul:    {Name: "mul", Args: 2, Sizes: sizesNarrow},
	A64And:    {Name: "and", Args: 2},
	A64Bic:    {Name: "bic", Args: 2},
	A64Orr:    {Name: "orr", Args: 2},
	A64Eor:    {Name: "eor", Args: 2},
	A64Cmeq:   {Name: "cmeq", Args: 2, Sizes: SizesInt},
	A64Umax:   {Name: "umax", Args: 2, Sizes: sizesNarrow},
	A64Smax:   {Name: "smax", Args: 2, Sizes: sizesNarrow},
	A64Umin:   {Name: "umin", Args: 2, Sizes: sizesNarrow},
	A64Smin:   {Name: "smin", Args: 2, Sizes: sizesNarrow},
	A64Abs:    {Name: "abs", Args: 1, Sizes: SizesInt},
	A64Uqadd:  {Name: "uqadd", Args: 2, Sizes: SizesInt},
	A64Sqadd:  {Name: "sqadd", Args: 2, Sizes: SizesInt},
	A64Uqsub:  {Name: "uqsub", Args: 2, Sizes: SizesInt},
	A64Sqsub:  {Name: "sqsub", Args: 2, Sizes: SizesInt},
	A64Urhadd: {Name: "urhadd", Args: 2, Sizes: sizesNarrow},
	A64Shl:    {Name: "shl", Args: 1, Sizes: SizesInt},
	A64Ushr:   {Name: "ushr", Args: 1, Sizes: SizesInt},
	A64Sshr:   {Name: "sshr", Args: 1, Sizes: SizesInt},
	A64Aese:   {Name: "aese", Args: 2},
	A64Aesd:   {Name: "aesd", Args: 2},
	A64Aesmc:  {Name: "aesmc", Args: 1},
	A64Aesimc: {Name: "aesimc", Args: 1},
	A64Fadd:   {Name: "fadd", Args: 2, Sizes: SizesFloat, Float: true},
	A64Fsub:   {Name: "fsub", Args: 2, Sizes: SizesFloat, Float: true},
	A64Fmul:   {Name: "fmul", Args: 2, Sizes: SizesFloat, Float: true},
	A64Fdiv:   {Name: "fdiv", Args: 2, Sizes: SizesFloat, Float: true},
	A64Fsqrt:  {Name: "fsqrt", Args: 1, Sizes: SizesFloat, Float: true},
	A64Frintn: {Name: "frintn", Args: 1, Sizes: SizesFloat, Float: true},
	A64Frintm: {Name: "frintm", Args: 1, Sizes: SizesFloat, Float: true},
	A64Frintp: {Name: "frintp", Args: 1, Sizes: SizesFloat, Float: true},
	A64Frintz: {Name: "frintz", Args: 1, Sizes: SizesFloat, Float: true},
}

// arm64ByVecOp maps each guest operation to its row.
var arm64ByVecOp = [NumVecOps]IntrinsicID{
	VecAdd: A64Add, VecSub: A64Sub, VecMul: A64Mul, VecAnd: A64And, VecBic: A64Bic, VecOrr: A64Orr,
	VecEor: A64Eor, VecCmeq: A64Cmeq, VecUmax: A64Umax, VecSmax: A64Smax, VecUmin: A64Umin,
	VecSmin: A64Smin, VecAbs: A64Abs, VecUqadd: A64Uqadd, VecSqadd: A64Sqadd, VecUqsub: A64Uqsub,
	VecSqsub: A64Sqsub, VecUrhadd: A64Urhadd, VecShl: A64Shl, VecUshr: A64Ushr, VecSshr: A64Sshr,
	VecAese: A64Aese, VecAesd: A64Aesd, VecAesmc: A64Aesmc, VecAesimc: A64Aesimc,
	VecFAdd: A64Fadd, VecFSub: A64Fsub, VecFMul: A64Fmul, VecFDiv: A64Fdiv, VecFSqrt: A64Fsqrt,
	VecFRintN: A64Frintn, VecFRintM: A64Frintm, VecFRintP: A64Frintp, VecFRintZ: A64Frintz,
}

// Arm64Intrinsic returns the arm64 instruction implementing op, if the variant is encodable.
func Arm64Intrinsic(op VecOp, v Variant) (Intrinsic, bool) {
	if op >= NumVecOps {
		return Intrinsic{}, false
	}
	in := Intrinsic{Namespace: NamespaceArm64, ID: arm64ByVecOp[op], Variant: v}
	info, _ := in.Info()
	if !info.ValidVariant(v) {
		return Intrinsic{}, false
	}
	// 64-bit lanes need the full register
	if v.ElemSize == 8 && v.VecWidth == 8 {
		return Intrinsic{}, false
	}
	return in, true
}

// Arm64Selector lowers every guest vector operation 1:1. Interpreters use it; the arm64 backend
// wraps it with host feature checks.
type Arm64Selector struct{}

func (Arm64Selector) Namespace() Namespace { return NamespaceArm64 }

func (Arm64Selector) LowerVec(b *Builder, op VecOp, v Variant, args []Operand) (Operand, bool) {
	in, ok := Arm64Intrinsic(op, v)
	if !ok {
		return None, false
	}
	return b.Intrinsic(in, V128, args...), true
}

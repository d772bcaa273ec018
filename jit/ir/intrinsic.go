package ir

import "fmt"

// Namespace selects the instruction set an intrinsic belongs to.
type Namespace uint8

const (
	NamespaceNone Namespace = iota
	NamespaceX86
	NamespaceArm64
)

func (n Namespace) String() string {
	switch n {
	case NamespaceX86:
		return "x86"
	case NamespaceArm64:
		return "arm64"
	}
	return "none"
}

// IntrinsicID indexes the namespace's catalog.
type IntrinsicID uint16

// Variant carries the shape of an intrinsic instance. ElemSize is the lane width in bytes,
// VecWidth the number of meaningful bytes (16, 8, or 0 for a scalar lane 0 operation),
// Imm an immediate such as a shift amount or rounding mode.
type Variant struct {
	ElemSize uint8
	VecWidth uint8
	Signed   bool
	Imm      uint8
}

func (v Variant) String() string {
	s := fmt.Sprintf("e%d", v.ElemSize)
	if v.VecWidth == 0 {
		s += ".s"
	} else {
		s += fmt.Sprintf(".w%d", v.VecWidth)
	}
	if v.Signed {
		s += ".sx"
	}
	if v.Imm != 0 {
		s += fmt.Sprintf(".#%d", v.Imm)
	}
	return s
}

// Intrinsic names one host instruction. Emitters map it to exactly that instruction.
type Intrinsic struct {
	Namespace Namespace
	ID        IntrinsicID
	Variant   Variant
}

func (in Intrinsic) Info() (IntrinsicInfo, bool) {
	var table []IntrinsicInfo
	switch in.Namespace {
	case NamespaceX86:
		table = x86Catalog[:]
	case NamespaceArm64:
		table = arm64Catalog[:]
	default:
		return IntrinsicInfo{}, false
	}
	if int(in.ID) >= len(table) || table[in.ID].Name == "" {
		return IntrinsicInfo{}, false
	}
	return table[in.ID], true
}

func (in Intrinsic) String() string {
	info, ok := in.Info()
	if !ok {
		return fmt.Sprintf("%s.#%d", in.Namespace, in.ID)
	}
	return fmt.Sprintf("%s.%s.%s", in.Namespace, info.Name, in.Variant)
}

// Element size masks for IntrinsicInfo.Sizes.
const (
	Size8  uint8 = 1 << 0
	Size16 uint8 = 1 << 1
	Size32 uint8 = 1 << 2
	Size64 uint8 = 1 << 3

	SizesInt   = Size8 | Size16 | Size32 | Size64
	SizesFloat = Size32 | Size64
)

// SizeBit maps an element size in bytes to its mask bit.
func SizeBit(bytes uint8) uint8 {
	switch bytes {
	case 1:
		return Size8
	case 2:
		return Size16
	case 4:
		return Size32
	case 8:
		return Size64
	}
	return 0
}

// IntrinsicInfo is one catalog row.
type IntrinsicInfo struct {
	Name  string
	Args  int
	Sizes uint8 // allowed element sizes, 0 when the element size is irrelevant
	Float bool
}

// ValidVariant reports whether v is a legal instance of the row.
func (info IntrinsicInfo) ValidVariant(v Variant) bool {
	if info.Sizes != 0 && info.Sizes&SizeBit(v.ElemSize) == 0 {
		return false
	}
	switch v.VecWidth {
	case 0:
		return info.Float
	case 8, 16:
		return true
	}
	return false
}

// VecOp is a guest vector operation handed to a Selector.
type VecOp uint8

const (
	VecAdd VecOp = iota
	VecSub
	VecMul
	VecAnd
	VecBic // a &^ b
	VecOrr
	VecEor
	VecCmeq
	VecUmax
	VecSmax
	VecUmin
	VecSmin
	VecAbs
	VecUqadd
	VecSqadd
	VecUqsub
	VecSqsub
	VecUrhadd
	VecShl // Variant.Imm is the shift
	VecUshr
	VecSshr
	VecAese // args: state, key
	VecAesd
	VecAesmc
	VecAesimc
	VecFAdd
	VecFSub
	VecFMul
	VecFDiv
	VecFSqrt
	VecFRintN // to nearest, ties to even
	VecFRintM // toward minus infinity
	VecFRintP // toward plus infinity
	VecFRintZ // toward zero

	NumVecOps
)

var vecOpNames = [NumVecOps]string{
	"add", "sub", "mul", "and", "bic", "orr", "eor", "cmeq", "umax", "smax", "umin", "smin", "abs",
	"uqadd", "sqadd", "uqsub", "sqsub", "urhadd", "shl", "ushr", "sshr", "aese", "aesd", "aesmc",
	"aesimc", "fadd", "fsub", "fmul", "fdiv", "fsqrt", "frintn", "frintm", "frintp", "frintz",
}

func (op VecOp) String() string {
	if op >= NumVecOps {
		return "vec?"
	}
	return vecOpNames[op]
}

// Args is the number of vector operands the guest operation reads.
func (op VecOp) Args() int {
	switch op {
	case VecAbs, VecShl, VecUshr, VecSshr, VecAesmc, VecAesimc, VecFSqrt, VecFRintN, VecFRintM, VecFRintP, VecFRintZ:
		return 1
	}
	return 2
}

// Selector lowers guest vector operations into intrinsics of one namespace. LowerVec appends
// the intrinsic ops to b and returns the result; ok is false when the target has no lowering,
// in which case nothing was appended. Results follow guest semantics: lanes beyond VecWidth
// are zero.
type Selector interface {
	Namespace() Namespace
	LowerVec(b *Builder, op VecOp, v Variant, args []Operand) (Operand, bool)
}

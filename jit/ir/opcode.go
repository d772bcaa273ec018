package ir

// Opcode selects the operation performed by an Op.
type Opcode uint8

const (
	OpInvalid Opcode = iota
	OpMov

	// integer arithmetic, operands and result share one type
	OpAdd
	OpSub
	OpMul
	OpMulHU // high 64 bits of the unsigned 128-bit product
	OpMulHS // high 64 bits of the signed 128-bit product
	OpUDiv  // x/0 = 0
	OpSDiv  // x/0 = 0, MIN/-1 = MIN
	OpAnd
	OpOr
	OpXor
	OpAndNot // x &^ y
	OpShl    // shift amounts are taken modulo the width
	OpLShr
	OpAShr
	OpRor
	OpNeg
	OpNot
	OpClz
	OpRev

	// comparisons produce an I64 0 or 1
	OpCmpEQ
	OpCmpNE
	OpCmpULT
	OpCmpULE
	OpCmpUGT
	OpCmpUGE
	OpCmpSLT
	OpCmpSLE
	OpCmpSGT
	OpCmpSGE

	OpSelect // cond != 0 ? x : y

	OpZext32 // i32 -> i64
	OpSext32 // i32 -> i64
	OpSext8  // sign extend the low byte, same type
	OpSext16 // sign extend the low half, same type
	OpTrunc  // i64 -> i32

	OpLoadGuest
	OpStoreGuest

	OpLoad8 // loads zero extend into an i64
	OpLoad16
	OpLoad32
	OpLoad64
	OpLoad128
	OpStore8
	OpStore16
	OpStore32
	OpStore64
	OpStore128

	OpVZext32 // low 32 bits of an integer into lane 0, other bits zero
	OpVZext64
	OpVLow32 // lane 0 of a vector, zero extended to i64
	OpVLow64
	OpVZero

	OpIntrinsic

	OpBranch
	OpBranchIf
	OpExit

	// inserted by the register allocator
	OpSpill
	OpReload

	numOpcodes
)

type opClass uint8

const (
	classNone opClass = iota
	classMov
	classBinary
	classMulHigh
	classShift
	classUnary
	classCompare
	classSelect
	classConvert
	classGuestLoad
	classGuestStore
	classLoad
	classStore
	classVecFromInt
	classIntFromVec
	classVecZero
	classIntrinsic
	classBranch
	classBranchIf
	classExit
	classSpill
	classReload
)

type opInfo struct {
	name    string
	class   opClass
	args    int
	effects bool
	size    int // memory access size in bytes
}

var opInfos = [numOpcodes]opInfo{
	OpInvalid:    {name: "invalid"},
	OpMov:        {"mov", classMov, 1, false, 0},
	OpAdd:        {"add", classBinary, 2, false, 0},
	OpSub:        {"sub", classBinary, 2, false, 0},
	OpMul:        {"mul", classBinary, 2, false, 0},
	OpMulHU:      {"mulhu", classMulHigh, 2, false, 0},
	OpMulHS:      {"mulhs", classMulHigh, 2, false, 0},
	OpUDiv:       {"udiv", classBinary, 2, false, 0},
	OpSDiv:       {"sdiv", classBinary, 2, false, 0},
	OpAnd:        {"and", classBinary, 2, false, 0},
	OpOr:         {"or", classBinary, 2, false, 0},
	OpXor:        {"xor", classBinary, 2, false, 0},
	OpAndNot:     {"andnot", classBinary, 2, false, 0},
	OpShl:        {"shl", classShift, 2, false, 0},
	OpLShr:       {"lshr", classShift, 2, false, 0},
	OpAShr:       {"ashr", classShift, 2, false, 0},
	OpRor:        {"ror", classShift, 2, false, 0},
	OpNeg:        {"neg", classUnary, 1, false, 0},
	OpNot:        {"not", classUnary, 1, false, 0},
	OpClz:        {"clz", classUnary, 1, false, 0},
	OpRev:        {"rev", classUnary, 1, false, 0},
	OpCmpEQ:      {"cmpeq", classCompare, 2, false, 0},
	OpCmpNE:      {"cmpne", classCompare, 2, false, 0},
	OpCmpULT:     {"cmpult", classCompare, 2, false, 0},
	OpCmpULE:     {"cmpule", classCompare, 2, false, 0},
	OpCmpUGT:     {"cmpugt", classCompare, 2, false, 0},
	OpCmpUGE:     {"cmpuge", classCompare, 2, false, 0},
	OpCmpSLT:     {"cmpslt", classCompare, 2, false, 0},
	OpCmpSLE:     {"cmpsle", classCompare, 2, false, 0},
	OpCmpSGT:     {"cmpsgt", classCompare, 2, false, 0},
	OpCmpSGE:     {"cmpsge", classCompare, 2, false, 0},
	OpSelect:     {"select", classSelect, 3, false, 0},
	OpZext32:     {"zext32", classConvert, 1, false, 0},
	OpSext32:     {"sext32", classConvert, 1, false, 0},
	OpSext8:      {"sext8", classConvert, 1, false, 0},
	OpSext16:     {"sext16", classConvert, 1, false, 0},
	OpTrunc:      {"trunc", classConvert, 1, false, 0},
	OpLoadGuest:  {"ldg", classGuestLoad, 1, false, 0},
	OpStoreGuest: {"stg", classGuestStore, 1, true, 0},
	OpLoad8:      {"ld8", classLoad, 1, true, 1},
	OpLoad16:     {"ld16", classLoad, 1, true, 2},
	OpLoad32:     {"ld32", classLoad, 1, true, 4},
	OpLoad64:     {"ld64", classLoad, 1, true, 8},
	OpLoad128:    {"ld128", classLoad, 1, true, 16},
	OpStore8:     {"st8", classStore, 2, true, 1},
	OpStore16:    {"st16", classStore, 2, true, 2},
	OpStore32:    {"st32", classStore, 2, true, 4},
	OpStore64:    {"st64", classStore, 2, true, 8},
	OpStore128:   {"st128", classStore, 2, true, 16},
	OpVZext32:    {"vzext32", classVecFromInt, 1, false, 4},
	OpVZext64:    {"vzext64", classVecFromInt, 1, false, 8},
	OpVLow32:     {"vlow32", classIntFromVec, 1, false, 4},
	OpVLow64:     {"vlow64", classIntFromVec, 1, false, 8},
	OpVZero:      {"vzero", classVecZero, 0, false, 0},
	OpIntrinsic:  {"intrinsic", classIntrinsic, -1, false, 0},
	OpBranch:     {"br", classBranch, 1, true, 0},
	OpBranchIf:   {"brif", classBranchIf, 3, true, 0},
	OpExit:       {"exit", classExit, 2, true, 0},
	OpSpill:      {"spill", classSpill, 1, true, 0},
	OpReload:     {"reload", classReload, 1, false, 0},
}

func (c Opcode) String() string {
	if c >= numOpcodes {
		return "op?"
	}
	return opInfos[c].name
}

// Size is the memory access width in bytes for loads, stores and lane moves.
func (c Opcode) Size() int {
	if c >= numOpcodes {
		return 0
	}
	return opInfos[c].size
}

func (c Opcode) IsLoad() bool  { return c < numOpcodes && opInfos[c].class == classLoad }
func (c Opcode) IsStore() bool { return c < numOpcodes && opInfos[c].class == classStore }

// IsMemory reports whether the op touches guest memory.
func (c Opcode) IsMemory() bool { return c.IsLoad() || c.IsStore() }

func (c Opcode) IsCompare() bool { return c < numOpcodes && opInfos[c].class == classCompare }

// IsCommutative reports whether the two arguments may be swapped.
func (c Opcode) IsCommutative() bool {
	switch c {
	case OpAdd, OpMul, OpMulHU, OpMulHS, OpAnd, OpOr, OpXor, OpCmpEQ, OpCmpNE:
		return true
	}
	return false
}

// LoadOp returns the load opcode for an access of size bytes.
func LoadOp(size int) Opcode {
	switch size {
	case 1:
		return OpLoad8
	case 2:
		return OpLoad16
	case 4:
		return OpLoad32
	case 8:
		return OpLoad64
	case 16:
		return OpLoad128
	}
	return OpInvalid
}

// StoreOp returns the store opcode for an access of size bytes.
func StoreOp(size int) Opcode {
	switch size {
	case 1:
		return OpStore8
	case 2:
		return OpStore16
	case 4:
		return OpStore32
	case 8:
		return OpStore64
	case 16:
		return OpStore128
	}
	return OpInvalid
}

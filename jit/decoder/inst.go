package decoder

import (
	"fmt"

	"github.com/colorfulnotion/a64jit/jiterrors"
	"github.com/colorfulnotion/a64jit/jit/guest"
	"github.com/colorfulnotion/a64jit/jit/ir"
)

// Kind classifies a decoded guest instruction.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindAddSubImm
	KindAddSubShifted
	KindAddSubExtended
	KindLogicalImm
	KindLogicalShifted
	KindMoveWide
	KindBitfield
	KindShiftVar
	KindDiv
	KindOneSource
	KindMulAdd
	KindMulHigh
	KindCondSelect
	KindAdr
	KindLoadStore
	KindLoadStorePair
	KindLoadLiteral
	KindBranch
	KindCondBranch
	KindCompareBranch
	KindTestBranch
	KindBranchReg
	KindNop
	KindSvc
	KindBrk
	KindFmovGeneral
	KindFmovScalar
	KindVector
)

var kindNames = [...]string{
	"invalid", "addsub-imm", "addsub-shifted", "addsub-ext", "logical-imm", "logical-shifted",
	"movewide", "bitfield", "shift-var", "div", "one-source", "muladd", "mulhigh", "condsel", "adr",
	"ldst", "ldst-pair", "ld-literal", "b", "b.cond", "cbz", "tbz", "br", "nop", "svc", "brk",
	"fmov-gen", "fmov", "vector",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind%d", k)
}

// Addressing modes of single loads and stores.
const (
	IndexOffset = iota // [Xn, #imm]
	IndexPre           // [Xn, #imm]!
	IndexPost          // [Xn], #imm
	IndexReg           // [Xn, Rm{, ext #s}]
)

// Inst is one decoded guest instruction. Field meaning depends on Kind; unused fields are zero.
type Inst struct {
	PC   uint64
	Word uint32
	Kind Kind

	Sf       bool // 64-bit operation
	Op       uint8
	SetFlags bool
	Rd       int
	Rn       int
	Rm       int
	Ra       int
	Imm      uint64
	Imm2     uint64
	Shift    uint8 // shift type, or extend option
	Amount   uint8
	Cond     guest.Cond
	Size     int // access size in bytes
	Signed   bool
	SignTo32 bool // signed load into a W register
	Load     bool
	Vector   bool // SIMD&FP register transfer
	Index    int
	Target   uint64

	Vec     ir.VecOp
	Variant ir.Variant
}

// Op values for instructions that share a Kind.
const (
	OpAnd  = 0
	OpOrr  = 1
	OpEor  = 2
	OpAnds = 3

	OpMovN = 0
	OpMovZ = 2
	OpMovK = 3

	OpSbfm = 0
	OpBfm  = 1
	OpUbfm = 2

	OpClz   = 0
	OpRev   = 1
	OpRev32 = 2

	OpCsel  = 0
	OpCsinc = 1
	OpCsinv = 2
	OpCsneg = 3

	OpBr  = 0
	OpBlr = 1
	OpRet = 2
)

// IsControl reports whether the instruction ends a block.
func (in *Inst) IsControl() bool {
	switch in.Kind {
	case KindBranch, KindCondBranch, KindCompareBranch, KindTestBranch, KindBranchReg, KindSvc, KindBrk:
		return true
	}
	return false
}

// Link reports whether a branch writes the return address.
func (in *Inst) Link() bool {
	return (in.Kind == KindBranch && in.Op == 1) || (in.Kind == KindBranchReg && in.Op == OpBlr)
}

func (in Inst) String() string {
	return fmt.Sprintf("0x%x: %08x %s", in.PC, in.Word, in.Kind)
}

func undefined(pc uint64, word uint32) error {
	return fmt.Errorf("%w: %08x", jiterrors.NewFault(jiterrors.ErrUndefinedInstruction, pc), word)
}

func bitsOf(w uint32, hi, lo uint) uint32 { return (w >> lo) & (1<<(hi-lo+1) - 1) }

func bit(w uint32, n uint) bool { return w>>n&1 != 0 }

func sext(v uint64, width uint) int64 {
	shift := 64 - width
	return int64(v<<shift) >> shift
}

func reg(w uint32, lo uint) int { return int(bitsOf(w, lo+4, lo)) }

// DecodeWord decodes one instruction word at pc. Unsupported or reserved encodings return an
// UndefinedInstruction fault carrying pc.
func DecodeWord(pc uint64, w uint32) (Inst, error) {
	in := Inst{PC: pc, Word: w, Rd: reg(w, 0), Rn: reg(w, 5), Rm: reg(w, 16)}
	ok := decodeInto(&in, w)
	if !ok {
		return Inst{}, undefined(pc, w)
	}
	return in, nil
}

func decodeInto(in *Inst, w uint32) bool {
	op0 := bitsOf(w, 28, 25)
	switch {
	case op0&0b1110 == 0b1000:
		return decodeDataImm(in, w)
	case op0&0b1110 == 0b1010:
		return decodeBranch(in, w)
	case op0&0b0101 == 0b0100:
		return decodeLoadStore(in, w)
	case op0&0b0111 == 0b0101:
		return decodeDataReg(in, w)
	case op0&0b0111 == 0b0111:
		return decodeSIMD(in, w)
	}
	return false
}

func decodeDataImm(in *Inst, w uint32) bool {
	in.Sf = bit(w, 31)
	switch bitsOf(w, 25, 23) {
	case 0b000, 0b001: // ADR, ADRP
		in.Kind = KindAdr
		imm := uint64(bitsOf(w, 23, 5))<<2 | uint64(bitsOf(w, 30, 29))
		off := sext(imm, 21)
		if bit(w, 31) {
			in.Op = 1
			in.Target = uint64(int64(in.PC&^0xfff) + off<<12)
		} else {
			in.Target = uint64(int64(in.PC) + off)
		}
		return true
	case 0b010: // add/sub immediate
		in.Kind = KindAddSubImm
		in.Op = uint8(bitsOf(w, 30, 30))
		in.SetFlags = bit(w, 29)
		in.Imm = uint64(bitsOf(w, 21, 10))
		if bit(w, 22) {
			in.Imm <<= 12
		}
		return true
	case 0b100: // logical immediate
		in.Kind = KindLogicalImm
		in.Op = uint8(bitsOf(w, 30, 29))
		width := 32
		if in.Sf {
			width = 64
		}
		v, ok := guest.DecodeBitMask(bitsOf(w, 22, 22), bitsOf(w, 21, 16), bitsOf(w, 15, 10), width)
		if !ok {
			return false
		}
		in.Imm = v
		in.SetFlags = in.Op == OpAnds
		return true
	case 0b101: // move wide
		in.Kind = KindMoveWide
		in.Op = uint8(bitsOf(w, 30, 29))
		hw := bitsOf(w, 22, 21)
		if in.Op == 1 || (!in.Sf && hw >= 2) {
			return false
		}
		in.Imm = uint64(bitsOf(w, 20, 5))
		in.Amount = uint8(hw * 16)
		return true
	case 0b110: // bitfield
		in.Kind = KindBitfield
		in.Op = uint8(bitsOf(w, 30, 29))
		n := bit(w, 22)
		if in.Op == 3 || n != in.Sf {
			return false
		}
		in.Imm = uint64(bitsOf(w, 21, 16))  // immr
		in.Imm2 = uint64(bitsOf(w, 15, 10)) // imms
		if !in.Sf && (in.Imm >= 32 || in.Imm2 >= 32) {
			return false
		}
		return true
	}
	return false
}

func decodeBranch(in *Inst, w uint32) bool {
	switch {
	case w&0x7C000000 == 0x14000000: // B, BL
		in.Kind = KindBranch
		in.Op = uint8(bitsOf(w, 31, 31))
		in.Target = uint64(int64(in.PC) + sext(uint64(bitsOf(w, 25, 0)), 26)*4)
		return true
	case w&0xFF000010 == 0x54000000: // B.cond
		in.Kind = KindCondBranch
		in.Cond = guest.Cond(bitsOf(w, 3, 0))
		in.Target = uint64(int64(in.PC) + sext(uint64(bitsOf(w, 23, 5)), 19)*4)
		return true
	case w&0x7E000000 == 0x34000000: // CBZ, CBNZ
		in.Kind = KindCompareBranch
		in.Sf = bit(w, 31)
		in.Op = uint8(bitsOf(w, 24, 24))
		in.Target = uint64(int64(in.PC) + sext(uint64(bitsOf(w, 23, 5)), 19)*4)
		return true
	case w&0x7E000000 == 0x36000000: // TBZ, TBNZ
		in.Kind = KindTestBranch
		in.Op = uint8(bitsOf(w, 24, 24))
		in.Imm = uint64(bitsOf(w, 31, 31)<<5 | bitsOf(w, 23, 19))
		in.Target = uint64(int64(in.PC) + sext(uint64(bitsOf(w, 18, 5)), 14)*4)
		return true
	case w&0xFFFFFC1F == 0xD61F0000:
		in.Kind, in.Op = KindBranchReg, OpBr
		return true
	case w&0xFFFFFC1F == 0xD63F0000:
		in.Kind, in.Op = KindBranchReg, OpBlr
		return true
	case w&0xFFFFFC1F == 0xD65F0000:
		in.Kind, in.Op = KindBranchReg, OpRet
		return true
	case w&0xFFFFF01F == 0xD503201F: // NOP and the other hints
		in.Kind = KindNop
		return true
	case w&0xFFFFF01F == 0xD503301F: // barriers
		in.Kind = KindNop
		return true
	case w&0xFFE0001F == 0xD4000001:
		in.Kind = KindSvc
		in.Imm = uint64(bitsOf(w, 20, 5))
		return true
	case w&0xFFE0001F == 0xD4200000:
		in.Kind = KindBrk
		in.Imm = uint64(bitsOf(w, 20, 5))
		return true
	}
	return false
}

func decodeDataReg(in *Inst, w uint32) bool {
	in.Sf = bit(w, 31)
	in.Amount = uint8(bitsOf(w, 15, 10))
	switch {
	case w&0x1F000000 == 0x0A000000: // logical shifted register
		in.Kind = KindLogicalShifted
		in.Op = uint8(bitsOf(w, 30, 29))
		in.Shift = uint8(bitsOf(w, 23, 22))
		in.Signed = bit(w, 21) // N: invert the second operand
		in.SetFlags = in.Op == OpAnds
		return in.Sf || in.Amount < 32
	case w&0x1F200000 == 0x0B000000: // add/sub shifted register
		in.Kind = KindAddSubShifted
		in.Op = uint8(bitsOf(w, 30, 30))
		in.SetFlags = bit(w, 29)
		in.Shift = uint8(bitsOf(w, 23, 22))
		return in.Shift != 3 && (in.Sf || in.Amount < 32)
	case w&0x1FE00000 == 0x0B200000: // add/sub extended register
		in.Kind = KindAddSubExtended
		in.Op = uint8(bitsOf(w, 30, 30))
		in.SetFlags = bit(w, 29)
		in.Shift = uint8(bitsOf(w, 15, 13))
		in.Amount = uint8(bitsOf(w, 12, 10))
		return in.Amount <= 4
	case w&0x7FE00000 == 0x1AC00000: // data processing, 2 source
		switch bitsOf(w, 15, 10) {
		case 0b000010, 0b000011:
			in.Kind = KindDiv
			in.Signed = bit(w, 10)
			return true
		case 0b001000, 0b001001, 0b001010, 0b001011:
			in.Kind = KindShiftVar
			in.Shift = uint8(bitsOf(w, 11, 10))
			return true
		}
		return false
	case w&0x7FFF0000 == 0x5AC00000: // data processing, 1 source
		in.Kind = KindOneSource
		switch opc := bitsOf(w, 15, 10); {
		case opc == 0b000100:
			in.Op = OpClz
		case opc == 0b000011 && in.Sf, opc == 0b000010 && !in.Sf:
			in.Op = OpRev
		case opc == 0b000010 && in.Sf:
			in.Op = OpRev32
		default:
			return false
		}
		return true
	case w&0x1F000000 == 0x1B000000: // data processing, 3 source
		if bitsOf(w, 30, 29) != 0 {
			return false
		}
		in.Ra = reg(w, 10)
		o0 := bit(w, 15)
		switch bitsOf(w, 23, 21) {
		case 0b000:
			in.Kind = KindMulAdd
			in.Op = uint8(bitsOf(w, 15, 15))
			return true
		case 0b001, 0b101: // SMADDL/SMSUBL, UMADDL/UMSUBL
			if !in.Sf {
				return false
			}
			in.Kind = KindMulAdd
			in.Op = uint8(bitsOf(w, 15, 15))
			in.Size = 4
			in.Signed = bitsOf(w, 23, 21) == 0b001
			return true
		case 0b010, 0b110:
			if !in.Sf || o0 || in.Ra != 31 {
				return false
			}
			in.Kind = KindMulHigh
			in.Signed = bitsOf(w, 23, 21) == 0b010
			return true
		}
		return false
	case w&0x1FE00000 == 0x1A800000: // conditional select
		if bit(w, 29) || bitsOf(w, 11, 11) != 0 {
			return false
		}
		in.Kind = KindCondSelect
		in.Op = uint8(bitsOf(w, 30, 30)<<1 | bitsOf(w, 10, 10))
		in.Cond = guest.Cond(bitsOf(w, 15, 12))
		return true
	}
	return false
}

func decodeLoadStore(in *Inst, w uint32) bool {
	in.Vector = bit(w, 26)
	switch {
	case w&0x3B000000 == 0x18000000: // load literal
		in.Kind = KindLoadLiteral
		in.Load = true
		in.Target = uint64(int64(in.PC) + sext(uint64(bitsOf(w, 23, 5)), 19)*4)
		opc := bitsOf(w, 31, 30)
		if in.Vector {
			if opc == 3 {
				return false
			}
			in.Size = 4 << opc
			return true
		}
		switch opc {
		case 0:
			in.Size = 4
		case 1:
			in.Size = 8
		case 2:
			in.Size, in.Signed = 4, true
		case 3: // PRFM
			in.Kind = KindNop
		}
		return true
	case w&0x3A000000 == 0x28000000: // load/store pair
		in.Kind = KindLoadStorePair
		in.Ra = reg(w, 10) // Rt2
		in.Load = bit(w, 22)
		switch bitsOf(w, 24, 23) {
		case 0b00, 0b10:
			in.Index = IndexOffset
		case 0b01:
			in.Index = IndexPost
		case 0b11:
			in.Index = IndexPre
		}
		opc := bitsOf(w, 31, 30)
		if in.Vector {
			if opc == 3 {
				return false
			}
			in.Size = 4 << opc
		} else {
			switch opc {
			case 0:
				in.Size = 4
			case 1:
				if !in.Load {
					return false
				}
				in.Size, in.Signed = 4, true
			case 2:
				in.Size = 8
			default:
				return false
			}
		}
		in.Imm = uint64(sext(uint64(bitsOf(w, 21, 15)), 7) * int64(in.Size))
		return true
	case w&0x3B000000 == 0x39000000: // unsigned offset
		in.Kind = KindLoadStore
		in.Index = IndexOffset
		if !ldstSize(in, w) {
			return false
		}
		in.Imm = uint64(bitsOf(w, 21, 10)) * uint64(in.Size)
		return true
	case w&0x3B200000 == 0x38000000: // unscaled, pre and post index
		in.Kind = KindLoadStore
		switch bitsOf(w, 11, 10) {
		case 0b00:
			in.Index = IndexOffset
		case 0b01:
			in.Index = IndexPost
		case 0b11:
			in.Index = IndexPre
		default:
			return false
		}
		if !ldstSize(in, w) {
			return false
		}
		in.Imm = uint64(sext(uint64(bitsOf(w, 20, 12)), 9))
		return in.Kind != KindNop || in.Index == IndexOffset
	case w&0x3B200C00 == 0x38200800: // register offset
		in.Kind = KindLoadStore
		in.Index = IndexReg
		in.Shift = uint8(bitsOf(w, 15, 13))
		if in.Shift&0b010 == 0 {
			return false
		}
		if !ldstSize(in, w) {
			return false
		}
		if bit(w, 12) {
			for s := in.Size; s > 1; s >>= 1 {
				in.Amount++
			}
		}
		return true
	}
	return false
}

// ldstSize fills Size, Load, Signed and SignTo32 from size:opc.
func ldstSize(in *Inst, w uint32) bool {
	size := bitsOf(w, 31, 30)
	opc := bitsOf(w, 23, 22)
	in.Size = 1 << size
	if in.Vector {
		switch {
		case opc&0b10 == 0:
			in.Load = opc == 1
		case size == 0:
			in.Size = 16
			in.Load = opc == 3
		default:
			return false
		}
		return true
	}
	switch opc {
	case 0:
	case 1:
		in.Load = true
	case 2:
		switch size {
		case 3: // PRFM
			in.Kind = KindNop
			return true
		default:
			in.Load, in.Signed = true, true
		}
	case 3:
		if size >= 2 {
			return false
		}
		in.Load, in.Signed, in.SignTo32 = true, true, true
	}
	return true
}

var (
	fpTwoSource = map[uint32]ir.VecOp{0b0000: ir.VecFMul, 0b0001: ir.VecFDiv, 0b0010: ir.VecFAdd, 0b0011: ir.VecFSub}
	fpOneSource = map[uint32]ir.VecOp{0b000011: ir.VecFSqrt, 0b001000: ir.VecFRintN, 0b001001: ir.VecFRintP, 0b001010: ir.VecFRintM, 0b001011: ir.VecFRintZ}
	aesOps      = map[uint32]ir.VecOp{0b00100: ir.VecAese, 0b00101: ir.VecAesd, 0b00110: ir.VecAesmc, 0b00111: ir.VecAesimc}
	vecLogic    = map[uint32]ir.VecOp{0b000: ir.VecAnd, 0b001: ir.VecBic, 0b010: ir.VecOrr, 0b100: ir.VecEor}
)

func decodeSIMD(in *Inst, w uint32) bool {
	q := bit(w, 30)
	width := uint8(8)
	if q {
		width = 16
	}
	switch {
	case w&0xFFFFFC00 == 0x1E260000, w&0xFFFFFC00 == 0x9E660000: // FMOV Wd, Sn / Xd, Dn
		in.Kind = KindFmovGeneral
		in.Sf = bit(w, 31)
		return true
	case w&0xFFFFFC00 == 0x1E270000, w&0xFFFFFC00 == 0x9E670000: // FMOV Sd, Wn / Dd, Xn
		in.Kind = KindFmovGeneral
		in.Sf = bit(w, 31)
		in.Op = 1
		return true
	case w&0xFFBFFC00 == 0x1E204000: // FMOV Sd, Sn / Dd, Dn
		in.Kind = KindFmovScalar
		in.Sf = bit(w, 22)
		return true
	case w&0xFF200C00 == 0x1E200800: // scalar FP, 2 source
		if bit(w, 23) {
			return false
		}
		op, ok := fpTwoSource[bitsOf(w, 15, 12)]
		if !ok {
			return false
		}
		return setVec(in, op, ir.Variant{ElemSize: fpSize(w), VecWidth: 0})
	case w&0xFF207C00 == 0x1E204000: // scalar FP, 1 source
		if bit(w, 23) {
			return false
		}
		op, ok := fpOneSource[bitsOf(w, 20, 15)]
		if !ok {
			return false
		}
		return setVec(in, op, ir.Variant{ElemSize: fpSize(w), VecWidth: 0})
	case w&0xFFFF0C00 == 0x4E280800: // AES
		op, ok := aesOps[bitsOf(w, 16, 12)]
		if !ok {
			return false
		}
		return setVec(in, op, ir.Variant{ElemSize: 1, VecWidth: 16})
	case w&0x9F800400 == 0x0F000400 && bitsOf(w, 22, 19) != 0: // shift by immediate
		immh := bitsOf(w, 22, 19)
		immhb := bitsOf(w, 22, 16)
		esize := uint32(8)
		for h := immh >> 1; h != 0; h >>= 1 {
			esize <<= 1
		}
		u := bit(w, 29)
		var op ir.VecOp
		var shift uint32
		switch bitsOf(w, 15, 11) {
		case 0b00000:
			op, shift = ir.VecSshr, 2*esize-immhb
			if u {
				op = ir.VecUshr
			}
		case 0b01010:
			if u {
				return false
			}
			op, shift = ir.VecShl, immhb-esize
		default:
			return false
		}
		return setVec(in, op, ir.Variant{ElemSize: uint8(esize / 8), VecWidth: width, Imm: uint8(shift)})
	case w&0x9F3E0C00 == 0x0E200800: // two-register miscellaneous
		u := bit(w, 29)
		size := bitsOf(w, 23, 22)
		opcode := bitsOf(w, 16, 12)
		switch {
		case opcode == 0b01011 && !u:
			return setVec(in, ir.VecAbs, ir.Variant{ElemSize: 1 << size, VecWidth: width, Signed: true})
		case opcode == 0b11111 && u && size&2 != 0:
			return setVec(in, ir.VecFSqrt, ir.Variant{ElemSize: fpSize(w), VecWidth: width})
		case opcode == 0b11000 || opcode == 0b11001:
			if u {
				return false
			}
			var op ir.VecOp
			switch {
			case opcode == 0b11000 && size&2 == 0:
				op = ir.VecFRintN
			case opcode == 0b11001 && size&2 == 0:
				op = ir.VecFRintM
			case opcode == 0b11000:
				op = ir.VecFRintP
			default:
				op = ir.VecFRintZ
			}
			return setVec(in, op, ir.Variant{ElemSize: fpSize(w), VecWidth: width})
		}
		return false
	case w&0x9F200400 == 0x0E200400: // three same
		return decodeThreeSame(in, w, width)
	}
	return false
}

func decodeThreeSame(in *Inst, w uint32, width uint8) bool {
	u := bit(w, 29)
	size := bitsOf(w, 23, 22)
	esize := uint8(1) << size
	v := ir.Variant{ElemSize: esize, VecWidth: width}
	opcode := bitsOf(w, 15, 11)
	var op ir.VecOp
	switch opcode {
	case 0b10000:
		op = ir.VecAdd
		if u {
			op = ir.VecSub
		}
	case 0b00011:
		var ok bool
		if op, ok = vecLogic[bitsOf(w, 29, 29)<<2|size]; !ok {
			return false
		}
		v.ElemSize = 1
	case 0b10001:
		if !u {
			return false
		}
		op = ir.VecCmeq
	case 0b10011:
		if u {
			return false
		}
		op = ir.VecMul
	case 0b01100, 0b01101:
		table := [2][2]ir.VecOp{{ir.VecSmax, ir.VecUmax}, {ir.VecSmin, ir.VecUmin}}
		op = table[opcode&1][b2i(u)]
		v.Signed = !u
	case 0b00001:
		op, v.Signed = ir.VecSqadd, true
		if u {
			op, v.Signed = ir.VecUqadd, false
		}
	case 0b00101:
		op, v.Signed = ir.VecSqsub, true
		if u {
			op, v.Signed = ir.VecUqsub, false
		}
	case 0b00010:
		if !u {
			return false
		}
		op = ir.VecUrhadd
	case 0b11010:
		if u {
			return false
		}
		op = ir.VecFAdd
		if size&2 != 0 {
			op = ir.VecFSub
		}
		v.ElemSize = fpSize(w)
	case 0b11011:
		if !u || size&2 != 0 {
			return false
		}
		op, v.ElemSize = ir.VecFMul, fpSize(w)
	case 0b11111:
		if !u || size&2 != 0 {
			return false
		}
		op, v.ElemSize = ir.VecFDiv, fpSize(w)
	default:
		return false
	}
	return setVec(in, op, v)
}

// setVec records a vector operation if the architecture defines that variant.
func setVec(in *Inst, op ir.VecOp, v ir.Variant) bool {
	if _, ok := ir.Arm64Intrinsic(op, v); !ok {
		return false
	}
	in.Kind = KindVector
	in.Vec = op
	in.Variant = v
	if op == ir.VecShl || op == ir.VecUshr || op == ir.VecSshr {
		limit := uint(v.ElemSize) * 8
		if (op == ir.VecShl && uint(v.Imm) >= limit) || (op != ir.VecShl && (v.Imm == 0 || uint(v.Imm) > limit)) {
			return false
		}
	}
	return true
}

func fpSize(w uint32) uint8 {
	if bit(w, 22) {
		return 8
	}
	return 4
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}

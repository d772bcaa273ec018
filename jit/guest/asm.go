package guest

import (
	"encoding/binary"
	"fmt"
)

// Cond is an A64 condition code.
type Cond uint32

const (
	EQ Cond = iota
	NE
	CS
	CC
	MI
	PL
	VS
	VC
	HI
	LS
	GE
	LT
	GT
	LE
	AL
	NV
)

var condNames = [...]string{"eq", "ne", "cs", "cc", "mi", "pl", "vs", "vc", "hi", "ls", "ge", "lt", "gt", "le", "al", "nv"}

func (c Cond) String() string { return condNames[c&15] }

// Invert returns the opposite condition.
func (c Cond) Invert() Cond { return c ^ 1 }

// Register numbers with special meaning.
const (
	XZR = 31
	SP  = 31
	LR  = 30
)

// Selected A64 base encodings. Register and immediate fields are zero.
const (
	EncAddImm   = 0x91000000
	EncAddsImm  = 0xB1000000
	EncSubImm   = 0xD1000000
	EncSubsImm  = 0xF1000000
	EncAddReg   = 0x8B000000
	EncAddsReg  = 0xAB000000
	EncSubReg   = 0xCB000000
	EncSubsReg  = 0xEB000000
	EncAddExt   = 0x8B200000
	EncAndReg   = 0x8A000000
	EncBicReg   = 0x8A200000
	EncOrrReg   = 0xAA000000
	EncOrnReg   = 0xAA200000
	EncEorReg   = 0xCA000000
	EncAndsReg  = 0xEA000000
	EncAndImm   = 0x92000000
	EncOrrImm   = 0xB2000000
	EncEorImm   = 0xD2000000
	EncAndsImm  = 0xF2000000
	EncMovn     = 0x92800000
	EncMovz     = 0xD2800000
	EncMovk     = 0xF2800000
	EncUbfm     = 0xD3400000
	EncSbfm     = 0x93400000
	EncLslv     = 0x9AC02000
	EncLsrv     = 0x9AC02400
	EncAsrv     = 0x9AC02800
	EncRorv     = 0x9AC02C00
	EncUdiv     = 0x9AC00800
	EncSdiv     = 0x9AC00C00
	EncMadd     = 0x9B000000
	EncMsub     = 0x9B008000
	EncUmulh    = 0x9BC07C00
	EncSmulh    = 0x9B407C00
	EncClz      = 0xDAC01000
	EncRev      = 0xDAC00C00
	EncRev32    = 0x5AC00800
	EncSbfmW    = 0x13000000
	EncCsel     = 0x9A800000
	EncCsinc    = 0x9A800400
	EncCsinv    = 0xDA800000
	EncCsneg    = 0xDA800400
	EncLdrX     = 0xF9400000
	EncStrX     = 0xF9000000
	EncLdrW     = 0xB9400000
	EncStrW     = 0xB9000000
	EncLdrH     = 0x79400000
	EncStrH     = 0x79000000
	EncLdrB     = 0x39400000
	EncStrB     = 0x39000000
	EncLdrsw    = 0xB9800000
	EncLdrsh    = 0x79800000
	EncLdrsb    = 0x39800000
	EncLdrXPost = 0xF8400400
	EncLdrXPre  = 0xF8400C00
	EncStrXPost = 0xF8000400
	EncStrXPre  = 0xF8000C00
	EncLdrXReg  = 0xF8606800
	EncStrXReg  = 0xF8206800
	EncLdp      = 0xA9400000
	EncStp      = 0xA9000000
	EncLdpPost  = 0xA8C00000
	EncStpPre   = 0xA9800000
	EncLdrLit   = 0x58000000
	EncB        = 0x14000000
	EncBl       = 0x94000000
	EncBCond    = 0x54000000
	EncCbz      = 0xB4000000
	EncCbnz     = 0xB5000000
	EncTbz      = 0x36000000
	EncTbnz     = 0x37000000
	EncBr       = 0xD61F0000
	EncBlr      = 0xD63F0000
	EncRet      = 0xD65F0000
	EncNop      = 0xD503201F
	EncSvc      = 0xD4000001
	EncBrk      = 0xD4200000
	EncAdr      = 0x10000000
	EncAdrp     = 0x90000000

	EncLdrQ    = 0x3DC00000
	EncStrQ    = 0x3D800000
	EncLdrD    = 0xFD400000
	EncStrD    = 0xFD000000
	EncLdrS    = 0xBD400000
	EncStrS    = 0xBD000000
	EncFmovXD  = 0x9E660000 // FMOV Xd, Dn
	EncFmovDX  = 0x9E670000 // FMOV Dd, Xn
	EncFmovWS  = 0x1E260000 // FMOV Wd, Sn
	EncFmovSW  = 0x1E270000 // FMOV Sd, Wn
	EncAese    = 0x4E284800
	EncAesd    = 0x4E285800
	EncAesmc   = 0x4E286800
	EncAesimc  = 0x4E287800
	EncShlVec  = 0x0F005400
	EncUshrVec = 0x2F000400
	EncSshrVec = 0x0F000400
)

// Vec3 opcodes: three-register same-type vector operations, Q<<30 | size<<22 | Rm<<16 | Rn<<5 | Rd.
const (
	EncVAdd    = 0x0E208400
	EncVSub    = 0x2E208400
	EncVAnd    = 0x0E201C00
	EncVBic    = 0x0E601C00
	EncVOrr    = 0x0EA01C00
	EncVEor    = 0x2E201C00
	EncVCmeq   = 0x2E208C00
	EncVMul    = 0x0E209C00
	EncVUmax   = 0x2E206400
	EncVSmax   = 0x0E206400
	EncVUmin   = 0x2E206C00
	EncVSmin   = 0x0E206C00
	EncVUqadd  = 0x2E200C00
	EncVSqadd  = 0x0E200C00
	EncVUqsub  = 0x2E202C00
	EncVSqsub  = 0x0E202C00
	EncVUrhadd = 0x2E201400
	EncVAbs    = 0x0E20B800 // two-register
)

// Floating point encodings. Scalar forms take type<<22 (0 single, 1 double); vector forms take
// sz<<22 and Q<<30.
const (
	EncFAddS   = 0x1E202800
	EncFSubS   = 0x1E203800
	EncFMulS   = 0x1E200800
	EncFDivS   = 0x1E201800
	EncFSqrtS  = 0x1E21C000
	EncFrintnS = 0x1E244000
	EncFrintpS = 0x1E24C000
	EncFrintmS = 0x1E254000
	EncFrintzS = 0x1E25C000

	EncFAddV   = 0x0E20D400
	EncFSubV   = 0x0EA0D400
	EncFMulV   = 0x2E20DC00
	EncFDivV   = 0x2E20FC00
	EncFSqrtV  = 0x2EA1F800
	EncFrintnV = 0x0E218800
	EncFrintmV = 0x0E219800
	EncFrintpV = 0x0EA18800
	EncFrintzV = 0x0EA19800
)

type fixKind uint8

const (
	fixImm26 fixKind = iota
	fixImm19
	fixImm14
	fixAdr
)

type fixup struct {
	at    int
	label string
	kind  fixKind
}

// Asm assembles A64 code: guest programs for tests and demos, and host code for the arm64
// emitter.
type Asm struct {
	words  []uint32
	labels map[string]int
	fixups []fixup
	err    error
}

func NewAsm() *Asm {
	return &Asm{labels: make(map[string]int)}
}

func (a *Asm) fail(format string, args ...interface{}) {
	if a.err == nil {
		a.err = fmt.Errorf(format, args...)
	}
}

// Word emits a raw instruction word.
func (a *Asm) Word(w uint32) *Asm {
	a.words = append(a.words, w)
	return a
}

// PC returns the byte offset of the next instruction.
func (a *Asm) PC() uint64 { return uint64(len(a.words)) * 4 }

func (a *Asm) Label(name string) *Asm {
	if _, dup := a.labels[name]; dup {
		a.fail("duplicate label %q", name)
	}
	a.labels[name] = len(a.words)
	return a
}

func (a *Asm) ref(w uint32, label string, kind fixKind) *Asm {
	a.fixups = append(a.fixups, fixup{at: len(a.words), label: label, kind: kind})
	return a.Word(w)
}

// Assemble resolves labels and returns little-endian code.
func (a *Asm) Assemble() ([]byte, error) {
	if a.err != nil {
		return nil, a.err
	}
	words := append([]uint32(nil), a.words...)
	for _, f := range a.fixups {
		target, ok := a.labels[f.label]
		if !ok {
			return nil, fmt.Errorf("undefined label %q", f.label)
		}
		delta := int64(target - f.at)
		switch f.kind {
		case fixImm26:
			words[f.at] |= uint32(delta) & 0x3ffffff
		case fixImm19:
			words[f.at] |= (uint32(delta) & 0x7ffff) << 5
		case fixImm14:
			words[f.at] |= (uint32(delta) & 0x3fff) << 5
		case fixAdr:
			off := uint32(delta * 4)
			words[f.at] |= (off&3)<<29 | ((off>>2)&0x7ffff)<<5
		}
	}
	out := make([]byte, len(words)*4)
	for i, w := range words {
		binary.LittleEndian.PutUint32(out[i*4:], w)
	}
	return out, nil
}

// MustAssemble is Assemble for fixed programs.
func (a *Asm) MustAssemble() []byte {
	b, err := a.Assemble()
	if err != nil {
		panic(err)
	}
	return b
}

func rrr(base uint32, rd, rn, rm int) uint32 {
	return base | uint32(rm&31)<<16 | uint32(rn&31)<<5 | uint32(rd&31)
}

func (a *Asm) addSubImm(base uint32, rd, rn int, imm uint32) *Asm {
	switch {
	case imm < 1<<12:
		return a.Word(base | imm<<10 | uint32(rn&31)<<5 | uint32(rd&31))
	case imm&0xfff == 0 && imm < 1<<24:
		return a.Word(base | 1<<22 | (imm>>12)<<10 | uint32(rn&31)<<5 | uint32(rd&31))
	}
	a.fail("immediate 0x%x not encodable", imm)
	return a
}

func (a *Asm) AddImm(rd, rn int, imm uint32) *Asm  { return a.addSubImm(EncAddImm, rd, rn, imm) }
func (a *Asm) AddsImm(rd, rn int, imm uint32) *Asm { return a.addSubImm(EncAddsImm, rd, rn, imm) }
func (a *Asm) SubImm(rd, rn int, imm uint32) *Asm  { return a.addSubImm(EncSubImm, rd, rn, imm) }
func (a *Asm) SubsImm(rd, rn int, imm uint32) *Asm { return a.addSubImm(EncSubsImm, rd, rn, imm) }
func (a *Asm) CmpImm(rn int, imm uint32) *Asm      { return a.addSubImm(EncSubsImm, XZR, rn, imm) }
func (a *Asm) CmnImm(rn int, imm uint32) *Asm      { return a.addSubImm(EncAddsImm, XZR, rn, imm) }

// AddImmW is the 32-bit form of AddImm.
func (a *Asm) AddImmW(rd, rn int, imm uint32) *Asm {
	return a.addSubImm(EncAddImm&^(1<<31), rd, rn, imm)
}

func (a *Asm) SubsImmW(rd, rn int, imm uint32) *Asm {
	return a.addSubImm(EncSubsImm&^(1<<31), rd, rn, imm)
}

func (a *Asm) Add(rd, rn, rm int) *Asm  { return a.Word(rrr(EncAddReg, rd, rn, rm)) }
func (a *Asm) Adds(rd, rn, rm int) *Asm { return a.Word(rrr(EncAddsReg, rd, rn, rm)) }
func (a *Asm) Sub(rd, rn, rm int) *Asm  { return a.Word(rrr(EncSubReg, rd, rn, rm)) }
func (a *Asm) Subs(rd, rn, rm int) *Asm { return a.Word(rrr(EncSubsReg, rd, rn, rm)) }
func (a *Asm) Cmp(rn, rm int) *Asm      { return a.Word(rrr(EncSubsReg, XZR, rn, rm)) }
func (a *Asm) And(rd, rn, rm int) *Asm  { return a.Word(rrr(EncAndReg, rd, rn, rm)) }
func (a *Asm) Ands(rd, rn, rm int) *Asm { return a.Word(rrr(EncAndsReg, rd, rn, rm)) }
func (a *Asm) Bic(rd, rn, rm int) *Asm  { return a.Word(rrr(EncBicReg, rd, rn, rm)) }
func (a *Asm) Orr(rd, rn, rm int) *Asm  { return a.Word(rrr(EncOrrReg, rd, rn, rm)) }
func (a *Asm) Orn(rd, rn, rm int) *Asm  { return a.Word(rrr(EncOrnReg, rd, rn, rm)) }
func (a *Asm) Eor(rd, rn, rm int) *Asm  { return a.Word(rrr(EncEorReg, rd, rn, rm)) }
func (a *Asm) Mov(rd, rm int) *Asm      { return a.Word(rrr(EncOrrReg, rd, XZR, rm)) }

// AddW is the 32-bit register add.
func (a *Asm) AddW(rd, rn, rm int) *Asm { return a.Word(rrr(EncAddReg&^(1<<31), rd, rn, rm)) }

// Shift kinds for shifted-register operands.
const (
	ShiftLSL = 0
	ShiftLSR = 1
	ShiftASR = 2
	ShiftROR = 3
)

// Shifted emits a shifted-register data processing instruction (add/sub/logical base).
func (a *Asm) Shifted(base uint32, rd, rn, rm, shift int, amount uint32) *Asm {
	return a.Word(rrr(base, rd, rn, rm) | uint32(shift&3)<<22 | (amount&63)<<10)
}

// AddExtW emits ADD Xd, Xn|SP, Wm, {UXTW|SXTW} #amount.
func (a *Asm) AddExtW(rd, rn, rm int, signed bool, amount uint32) *Asm {
	option := uint32(0b010)
	if signed {
		option = 0b110
	}
	return a.Word(rrr(EncAddExt, rd, rn, rm) | option<<13 | (amount&7)<<10)
}

func (a *Asm) logicalImm(base uint32, rd, rn int, imm uint64) *Asm {
	n, immr, imms, ok := EncodeBitMask(imm, 64)
	if !ok {
		a.fail("0x%x is not a logical immediate", imm)
		return a
	}
	return a.Word(base | n<<22 | immr<<16 | imms<<10 | uint32(rn&31)<<5 | uint32(rd&31))
}

func (a *Asm) AndImm(rd, rn int, imm uint64) *Asm  { return a.logicalImm(EncAndImm, rd, rn, imm) }
func (a *Asm) OrrImm(rd, rn int, imm uint64) *Asm  { return a.logicalImm(EncOrrImm, rd, rn, imm) }
func (a *Asm) EorImm(rd, rn int, imm uint64) *Asm  { return a.logicalImm(EncEorImm, rd, rn, imm) }
func (a *Asm) AndsImm(rd, rn int, imm uint64) *Asm { return a.logicalImm(EncAndsImm, rd, rn, imm) }
func (a *Asm) TstImm(rn int, imm uint64) *Asm      { return a.logicalImm(EncAndsImm, XZR, rn, imm) }

func (a *Asm) movWide(base uint32, rd int, imm16 uint16, shift uint) *Asm {
	if shift%16 != 0 || shift > 48 {
		a.fail("bad move shift %d", shift)
		return a
	}
	return a.Word(base | uint32(shift/16)<<21 | uint32(imm16)<<5 | uint32(rd&31))
}

func (a *Asm) Movz(rd int, imm16 uint16, shift uint) *Asm { return a.movWide(EncMovz, rd, imm16, shift) }
func (a *Asm) Movn(rd int, imm16 uint16, shift uint) *Asm { return a.movWide(EncMovn, rd, imm16, shift) }
func (a *Asm) Movk(rd int, imm16 uint16, shift uint) *Asm { return a.movWide(EncMovk, rd, imm16, shift) }

// MovImm loads a 64-bit constant with MOVZ plus MOVK for each non-zero halfword.
func (a *Asm) MovImm(rd int, v uint64) *Asm {
	a.Movz(rd, uint16(v), 0)
	for shift := uint(16); shift < 64; shift += 16 {
		if h := uint16(v >> shift); h != 0 {
			a.Movk(rd, h, shift)
		}
	}
	return a
}

func (a *Asm) bfm(base uint32, rd, rn int, immr, imms uint32) *Asm {
	return a.Word(base | (immr&63)<<16 | (imms&63)<<10 | uint32(rn&31)<<5 | uint32(rd&31))
}

func (a *Asm) Lsl(rd, rn int, s uint32) *Asm { return a.bfm(EncUbfm, rd, rn, (64-s)%64, 63-s) }
func (a *Asm) Lsr(rd, rn int, s uint32) *Asm { return a.bfm(EncUbfm, rd, rn, s, 63) }
func (a *Asm) Asr(rd, rn int, s uint32) *Asm { return a.bfm(EncSbfm, rd, rn, s, 63) }
func (a *Asm) Sxtw(rd, rn int) *Asm          { return a.bfm(EncSbfm, rd, rn, 0, 31) }

// Uxtb is UBFM Wd, Wn, #0, #7.
func (a *Asm) Uxtb(rd, rn int) *Asm {
	return a.Word(0x53000000 | 7<<10 | uint32(rn&31)<<5 | uint32(rd&31))
}

func (a *Asm) Lslv(rd, rn, rm int) *Asm { return a.Word(rrr(EncLslv, rd, rn, rm)) }
func (a *Asm) Lsrv(rd, rn, rm int) *Asm { return a.Word(rrr(EncLsrv, rd, rn, rm)) }
func (a *Asm) Asrv(rd, rn, rm int) *Asm { return a.Word(rrr(EncAsrv, rd, rn, rm)) }
func (a *Asm) Rorv(rd, rn, rm int) *Asm { return a.Word(rrr(EncRorv, rd, rn, rm)) }
func (a *Asm) Udiv(rd, rn, rm int) *Asm { return a.Word(rrr(EncUdiv, rd, rn, rm)) }
func (a *Asm) Sdiv(rd, rn, rm int) *Asm { return a.Word(rrr(EncSdiv, rd, rn, rm)) }
func (a *Asm) Umulh(rd, rn, rm int) *Asm {
	return a.Word(rrr(EncUmulh, rd, rn, rm))
}
func (a *Asm) Smulh(rd, rn, rm int) *Asm {
	return a.Word(rrr(EncSmulh, rd, rn, rm))
}

func (a *Asm) Madd(rd, rn, rm, ra int) *Asm {
	return a.Word(rrr(EncMadd, rd, rn, rm) | uint32(ra&31)<<10)
}

func (a *Asm) Msub(rd, rn, rm, ra int) *Asm {
	return a.Word(rrr(EncMsub, rd, rn, rm) | uint32(ra&31)<<10)
}

func (a *Asm) Mul(rd, rn, rm int) *Asm { return a.Madd(rd, rn, rm, XZR) }

func (a *Asm) Clz(rd, rn int) *Asm { return a.Word(EncClz | uint32(rn&31)<<5 | uint32(rd&31)) }
func (a *Asm) Rev(rd, rn int) *Asm { return a.Word(EncRev | uint32(rn&31)<<5 | uint32(rd&31)) }

func (a *Asm) cs(base uint32, rd, rn, rm int, c Cond) *Asm {
	return a.Word(rrr(base, rd, rn, rm) | uint32(c&15)<<12)
}

func (a *Asm) Csel(rd, rn, rm int, c Cond) *Asm  { return a.cs(EncCsel, rd, rn, rm, c) }
func (a *Asm) Csinc(rd, rn, rm int, c Cond) *Asm { return a.cs(EncCsinc, rd, rn, rm, c) }
func (a *Asm) Csinv(rd, rn, rm int, c Cond) *Asm { return a.cs(EncCsinv, rd, rn, rm, c) }
func (a *Asm) Csneg(rd, rn, rm int, c Cond) *Asm { return a.cs(EncCsneg, rd, rn, rm, c) }
func (a *Asm) Cset(rd int, c Cond) *Asm          { return a.Csinc(rd, XZR, XZR, c.Invert()) }

// CondSel emits a conditional select from its base encoding; pass W(base) for the 32-bit form.
func (a *Asm) CondSel(base uint32, rd, rn, rm int, c Cond) *Asm { return a.cs(base, rd, rn, rm, c) }

// W clears the sf bit of a data-processing encoding, selecting its 32-bit form. Only valid for
// encodings whose width is the sf bit alone (not bitfield moves or REV).
func W(base uint32) uint32 { return base &^ (1 << 31) }

// Reg3 emits rd = rn op rm from a base encoding.
func (a *Asm) Reg3(base uint32, rd, rn, rm int) *Asm { return a.Word(rrr(base, rd, rn, rm)) }

// Reg2 emits rd = op rn, as for CLZ and REV.
func (a *Asm) Reg2(base uint32, rd, rn int) *Asm {
	return a.Word(base | uint32(rn&31)<<5 | uint32(rd&31))
}

// Reg4 emits a multiply-accumulate such as MADD.
func (a *Asm) Reg4(base uint32, rd, rn, rm, ra int) *Asm {
	return a.Word(rrr(base, rd, rn, rm) | uint32(ra&31)<<10)
}

// MovW copies the low 32 bits, zeroing the upper half.
func (a *Asm) MovW(rd, rm int) *Asm { return a.Word(rrr(W(EncOrrReg), rd, XZR, rm)) }

func (a *Asm) Sxtb(rd, rn int) *Asm { return a.bfm(EncSbfm, rd, rn, 0, 7) }
func (a *Asm) Sxth(rd, rn int) *Asm { return a.bfm(EncSbfm, rd, rn, 0, 15) }

// SxtbW and SxthW sign extend into a W register, leaving the upper half zero.
func (a *Asm) SxtbW(rd, rn int) *Asm { return a.bfm(EncSbfmW, rd, rn, 0, 7) }
func (a *Asm) SxthW(rd, rn int) *Asm { return a.bfm(EncSbfmW, rd, rn, 0, 15) }

func (a *Asm) ldst(base uint32, rt, rn int, off uint32, scale uint) *Asm {
	if off&(1<<scale-1) != 0 || off>>scale >= 1<<12 {
		a.fail("offset %d not encodable with scale %d", off, scale)
		return a
	}
	return a.Word(base | (off>>scale)<<10 | uint32(rn&31)<<5 | uint32(rt&31))
}

func (a *Asm) Ldr(rt, rn int, off uint32) *Asm   { return a.ldst(EncLdrX, rt, rn, off, 3) }
func (a *Asm) Str(rt, rn int, off uint32) *Asm   { return a.ldst(EncStrX, rt, rn, off, 3) }
func (a *Asm) LdrW(rt, rn int, off uint32) *Asm  { return a.ldst(EncLdrW, rt, rn, off, 2) }
func (a *Asm) StrW(rt, rn int, off uint32) *Asm  { return a.ldst(EncStrW, rt, rn, off, 2) }
func (a *Asm) Ldrh(rt, rn int, off uint32) *Asm  { return a.ldst(EncLdrH, rt, rn, off, 1) }
func (a *Asm) Strh(rt, rn int, off uint32) *Asm  { return a.ldst(EncStrH, rt, rn, off, 1) }
func (a *Asm) Ldrb(rt, rn int, off uint32) *Asm  { return a.ldst(EncLdrB, rt, rn, off, 0) }
func (a *Asm) Strb(rt, rn int, off uint32) *Asm  { return a.ldst(EncStrB, rt, rn, off, 0) }
func (a *Asm) Ldrsw(rt, rn int, off uint32) *Asm { return a.ldst(EncLdrsw, rt, rn, off, 2) }
func (a *Asm) Ldrsh(rt, rn int, off uint32) *Asm { return a.ldst(EncLdrsh, rt, rn, off, 1) }
func (a *Asm) Ldrsb(rt, rn int, off uint32) *Asm { return a.ldst(EncLdrsb, rt, rn, off, 0) }
func (a *Asm) LdrQ(rt, rn int, off uint32) *Asm  { return a.ldst(EncLdrQ, rt, rn, off, 4) }
func (a *Asm) StrQ(rt, rn int, off uint32) *Asm  { return a.ldst(EncStrQ, rt, rn, off, 4) }
func (a *Asm) LdrD(rt, rn int, off uint32) *Asm  { return a.ldst(EncLdrD, rt, rn, off, 3) }
func (a *Asm) StrD(rt, rn int, off uint32) *Asm  { return a.ldst(EncStrD, rt, rn, off, 3) }
func (a *Asm) LdrS(rt, rn int, off uint32) *Asm  { return a.ldst(EncLdrS, rt, rn, off, 2) }
func (a *Asm) StrS(rt, rn int, off uint32) *Asm  { return a.ldst(EncStrS, rt, rn, off, 2) }

func (a *Asm) ldstIdx(base uint32, rt, rn int, imm int32) *Asm {
	if imm < -256 || imm > 255 {
		a.fail("index %d out of range", imm)
		return a
	}
	return a.Word(base | (uint32(imm)&0x1ff)<<12 | uint32(rn&31)<<5 | uint32(rt&31))
}

func (a *Asm) LdrPost(rt, rn int, imm int32) *Asm { return a.ldstIdx(EncLdrXPost, rt, rn, imm) }
func (a *Asm) LdrPre(rt, rn int, imm int32) *Asm  { return a.ldstIdx(EncLdrXPre, rt, rn, imm) }
func (a *Asm) StrPost(rt, rn int, imm int32) *Asm { return a.ldstIdx(EncStrXPost, rt, rn, imm) }
func (a *Asm) StrPre(rt, rn int, imm int32) *Asm  { return a.ldstIdx(EncStrXPre, rt, rn, imm) }

// LdrReg emits LDR Xt, [Xn, Xm{, LSL #3}].
func (a *Asm) LdrReg(rt, rn, rm int, scaled bool) *Asm {
	w := rrr(EncLdrXReg, rt, rn, rm)
	if scaled {
		w |= 1 << 12
	}
	return a.Word(w)
}

func (a *Asm) StrReg(rt, rn, rm int, scaled bool) *Asm {
	w := rrr(EncStrXReg, rt, rn, rm)
	if scaled {
		w |= 1 << 12
	}
	return a.Word(w)
}

func (a *Asm) pair(base uint32, rt, rt2, rn int, imm int32) *Asm {
	if imm%8 != 0 || imm < -512 || imm > 504 {
		a.fail("pair offset %d not encodable", imm)
		return a
	}
	return a.Word(base | (uint32(imm/8)&0x7f)<<15 | uint32(rt2&31)<<10 | uint32(rn&31)<<5 | uint32(rt&31))
}

func (a *Asm) Ldp(rt, rt2, rn int, imm int32) *Asm     { return a.pair(EncLdp, rt, rt2, rn, imm) }
func (a *Asm) Stp(rt, rt2, rn int, imm int32) *Asm     { return a.pair(EncStp, rt, rt2, rn, imm) }
func (a *Asm) StpPre(rt, rt2, rn int, imm int32) *Asm  { return a.pair(EncStpPre, rt, rt2, rn, imm) }
func (a *Asm) LdpPost(rt, rt2, rn int, imm int32) *Asm { return a.pair(EncLdpPost, rt, rt2, rn, imm) }

func (a *Asm) LdrLit(rt int, label string) *Asm { return a.ref(EncLdrLit|uint32(rt&31), label, fixImm19) }

func (a *Asm) B(label string) *Asm  { return a.ref(EncB, label, fixImm26) }
func (a *Asm) Bl(label string) *Asm { return a.ref(EncBl, label, fixImm26) }

func (a *Asm) BCond(c Cond, label string) *Asm { return a.ref(EncBCond|uint32(c&15), label, fixImm19) }

func (a *Asm) Cbz(rt int, label string) *Asm  { return a.ref(EncCbz|uint32(rt&31), label, fixImm19) }
func (a *Asm) Cbnz(rt int, label string) *Asm { return a.ref(EncCbnz|uint32(rt&31), label, fixImm19) }

func (a *Asm) Tbz(rt int, bit uint32, label string) *Asm {
	return a.ref(EncTbz|(bit>>5)<<31|(bit&31)<<19|uint32(rt&31), label, fixImm14)
}

func (a *Asm) Tbnz(rt int, bit uint32, label string) *Asm {
	return a.ref(EncTbnz|(bit>>5)<<31|(bit&31)<<19|uint32(rt&31), label, fixImm14)
}

func (a *Asm) Adr(rd int, label string) *Asm { return a.ref(EncAdr|uint32(rd&31), label, fixAdr) }

func (a *Asm) Br(rn int) *Asm  { return a.Word(EncBr | uint32(rn&31)<<5) }
func (a *Asm) Blr(rn int) *Asm { return a.Word(EncBlr | uint32(rn&31)<<5) }
func (a *Asm) Ret() *Asm       { return a.Word(EncRet | LR<<5) }
func (a *Asm) Nop() *Asm       { return a.Word(EncNop) }

func (a *Asm) Svc(imm uint16) *Asm { return a.Word(EncSvc | uint32(imm)<<5) }
func (a *Asm) Brk(imm uint16) *Asm { return a.Word(EncBrk | uint32(imm)<<5) }

// Data emits a raw 64-bit literal (two words).
func (a *Asm) Data(v uint64) *Asm {
	return a.Word(uint32(v)).Word(uint32(v >> 32))
}

func (a *Asm) FmovXD(rd, vn int) *Asm { return a.Word(EncFmovXD | uint32(vn&31)<<5 | uint32(rd&31)) }
func (a *Asm) FmovDX(vd, rn int) *Asm { return a.Word(EncFmovDX | uint32(rn&31)<<5 | uint32(vd&31)) }
func (a *Asm) FmovWS(rd, vn int) *Asm { return a.Word(EncFmovWS | uint32(vn&31)<<5 | uint32(rd&31)) }
func (a *Asm) FmovSW(vd, rn int) *Asm { return a.Word(EncFmovSW | uint32(rn&31)<<5 | uint32(vd&31)) }

// Vec3 emits a three-register vector operation. size is log2 of the element bytes.
func (a *Asm) Vec3(base uint32, q bool, size int, vd, vn, vm int) *Asm {
	return a.Word(rrr(base, vd, vn, vm) | qbit(q) | uint32(size&3)<<22)
}

// Vec2 emits a two-register vector operation such as ABS.
func (a *Asm) Vec2(base uint32, q bool, size int, vd, vn int) *Asm {
	return a.Word(base | qbit(q) | uint32(size&3)<<22 | uint32(vn&31)<<5 | uint32(vd&31))
}

func (a *Asm) Aese(vd, vn int) *Asm   { return a.Word(EncAese | uint32(vn&31)<<5 | uint32(vd&31)) }
func (a *Asm) Aesd(vd, vn int) *Asm   { return a.Word(EncAesd | uint32(vn&31)<<5 | uint32(vd&31)) }
func (a *Asm) Aesmc(vd, vn int) *Asm  { return a.Word(EncAesmc | uint32(vn&31)<<5 | uint32(vd&31)) }
func (a *Asm) Aesimc(vd, vn int) *Asm { return a.Word(EncAesimc | uint32(vn&31)<<5 | uint32(vd&31)) }

// FScalar emits a scalar FP operation; unary forms ignore vm.
func (a *Asm) FScalar(base uint32, double bool, vd, vn, vm int) *Asm {
	w := rrr(base, vd, vn, vm)
	if double {
		w |= 1 << 22
	}
	return a.Word(w)
}

// FVec emits a vector FP operation; unary forms ignore vm.
func (a *Asm) FVec(base uint32, q, double bool, vd, vn, vm int) *Asm {
	w := rrr(base, vd, vn, vm) | qbit(q)
	if double {
		w |= 1 << 22
	}
	return a.Word(w)
}

func (a *Asm) shiftVec(base uint32, q bool, size int, vd, vn int, immhb uint32) *Asm {
	return a.Word(base | qbit(q) | (immhb&0x7f)<<16 | uint32(vn&31)<<5 | uint32(vd&31))
}

// ShlVec shifts each element left by shift; size is log2 of the element bytes.
func (a *Asm) ShlVec(q bool, size int, vd, vn int, shift uint32) *Asm {
	esize := uint32(8) << size
	return a.shiftVec(EncShlVec, q, size, vd, vn, esize+shift)
}

func (a *Asm) UshrVec(q bool, size int, vd, vn int, shift uint32) *Asm {
	esize := uint32(8) << size
	return a.shiftVec(EncUshrVec, q, size, vd, vn, 2*esize-shift)
}

func (a *Asm) SshrVec(q bool, size int, vd, vn int, shift uint32) *Asm {
	esize := uint32(8) << size
	return a.shiftVec(EncSshrVec, q, size, vd, vn, 2*esize-shift)
}

func qbit(q bool) uint32 {
	if q {
		return 1 << 30
	}
	return 0
}

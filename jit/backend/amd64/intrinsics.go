package amd64

import (
	"github.com/colorfulnotion/a64jit/jit/ir"
)

// sseForm is the encoding of one x86 intrinsic instance. op excludes the 0x0F escape.
type sseForm struct {
	prefix byte
	op     []byte
	ext    int  // /digit for the shift-by-immediate group, -1 otherwise
	imm    bool // trailing imm8 from Variant.Imm
	unary  bool // reads only its source, dst is fully overwritten
}

// byElem picks the form for an element size of 1, 2, 4 or 8 bytes; nil entries are unencodable.
type byElem [4][]byte

func (b byElem) get(size uint8) []byte {
	switch size {
	case 1:
		return b[0]
	case 2:
		return b[1]
	case 4:
		return b[2]
	case 8:
		return b[3]
	}
	return nil
}

var intForms = map[ir.IntrinsicID]byElem{
	ir.X86Padd:   {{0xFC}, {0xFD}, {0xFE}, {0xD4}},
	ir.X86Psub:   {{0xF8}, {0xF9}, {0xFA}, {0xFB}},
	ir.X86Pcmpeq: {{0x74}, {0x75}, {0x76}, {0x38, 0x29}},
	ir.X86Pmull:  {nil, {0xD5}, {0x38, 0x40}, nil},
	ir.X86Pmaxu:  {{0xDE}, {0x38, 0x3E}, {0x38, 0x3F}, nil},
	ir.X86Pmaxs:  {{0x38, 0x3C}, {0xEE}, {0x38, 0x3D}, nil},
	ir.X86Pminu:  {{0xDA}, {0x38, 0x3A}, {0x38, 0x3B}, nil},
	ir.X86Pmins:  {{0x38, 0x38}, {0xEA}, {0x38, 0x39}, nil},
	ir.X86Pabs:   {{0x38, 0x1C}, {0x38, 0x1D}, {0x38, 0x1E}, nil},
	ir.X86Paddus: {{0xDC}, {0xDD}, nil, nil},
	ir.X86Padds:  {{0xEC}, {0xED}, nil, nil},
	ir.X86Psubus: {{0xD8}, {0xD9}, nil, nil},
	ir.X86Psubs:  {{0xE8}, {0xE9}, nil, nil},
	ir.X86Pavg:   {{0xE0}, {0xE3}, nil, nil},
}

var logicForms = map[ir.IntrinsicID][]byte{
	ir.X86Pand:       {0xDB},
	ir.X86Por:        {0xEB},
	ir.X86Pxor:       {0xEF},
	ir.X86Pandn:      {0xDF},
	ir.X86Aesenc:     {0x38, 0xDC},
	ir.X86Aesenclast: {0x38, 0xDD},
	ir.X86Aesdec:     {0x38, 0xDE},
	ir.X86Aesdeclast: {0x38, 0xDF},
}

// shift group opcode by element size and its /digit
var shiftForms = map[ir.IntrinsicID]struct {
	op  byElem
	ext int
}{
	ir.X86PsllImm: {byElem{nil, {0x71}, {0x72}, {0x73}}, 6},
	ir.X86PsrlImm: {byElem{nil, {0x71}, {0x72}, {0x73}}, 2},
	ir.X86PsraImm: {byElem{nil, {0x71}, {0x72}, nil}, 4},
}

var floatOps = map[ir.IntrinsicID]byte{
	ir.X86Add:  0x58,
	ir.X86Sub:  0x5C,
	ir.X86Mul:  0x59,
	ir.X86Div:  0x5E,
	ir.X86Sqrt: 0x51,
}

// floatPrefix selects ps/pd/ss/sd.
func floatPrefix(v ir.Variant) byte {
	switch {
	case v.VecWidth == 0 && v.ElemSize == 4:
		return X86_PREFIX_F3
	case v.VecWidth == 0:
		return X86_PREFIX_F2
	case v.ElemSize == 8:
		return X86_PREFIX_66
	}
	return 0
}

// formOf resolves an x86 intrinsic to its encoding.
func formOf(in ir.Intrinsic) (sseForm, bool) {
	if in.Namespace != ir.NamespaceX86 {
		return sseForm{}, false
	}
	info, ok := in.Info()
	if !ok || !info.ValidVariant(in.Variant) {
		return sseForm{}, false
	}
	v := in.Variant
	f := sseForm{prefix: X86_PREFIX_66, ext: -1, unary: info.Args == 1}
	switch in.ID {
	case ir.X86Aesimc:
		f.op = []byte{0x38, 0xDB}
	case ir.X86Movq:
		f.prefix, f.op = X86_PREFIX_F3, []byte{X86_OP2_MOVQ_X_X}
	case ir.X86Insertps:
		f.op, f.imm = []byte{0x3A, 0x21}, true
	case ir.X86Round:
		op := byte(0x08)
		if v.VecWidth == 0 {
			op += 2
		}
		if v.ElemSize == 8 {
			op++
		}
		f.op, f.imm = []byte{0x3A, op}, true
	default:
		if op, ok := floatOps[in.ID]; ok {
			f.prefix, f.op = floatPrefix(v), []byte{op}
			break
		}
		if op, ok := logicForms[in.ID]; ok {
			f.op = op
			break
		}
		if s, ok := shiftForms[in.ID]; ok {
			f.op, f.ext, f.imm = s.op.get(v.ElemSize), s.ext, true
			break
		}
		if b, ok := intForms[in.ID]; ok {
			f.op = b.get(v.ElemSize)
		}
	}
	return f, f.op != nil
}

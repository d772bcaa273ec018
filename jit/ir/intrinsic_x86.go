package ir

// x86 intrinsics. Integer rows pick the b/w/d/q form from Variant.ElemSize, float rows pick
// ss/sd/ps/pd from ElemSize and VecWidth (0 is scalar).
const (
	X86Padd IntrinsicID = iota
	X86Psub
	X86Pand
	X86Por
	X86Pxor
	X86Pandn // ^a & b
	X86Pcmpeq
	X86Pmull
	X86Pmaxu
	X86Pmaxs
	X86Pminu
	X86Pmins
	X86Pabs
	X86Paddus
	X86Padds
	X86Psubus
	X86Psubs
	X86Pavg
	X86PsllImm
	X86PsrlImm
	X86PsraImm
	X86Aesenc
	X86Aesenclast
	X86Aesdec
	X86Aesdeclast
	X86Aesimc
	X86Add
	X86Sub
	X86Mul
	X86Div
	X86Sqrt
	X86Round // Imm is the SSE4.1 rounding control
	X86Movq  // keep the low quadword, zero the high one
	X86Insertps

	numX86Intrinsics
)

// SSE4.1 ROUND immediates, with the precision exception suppressed.
const (
	X86RoundNearest uint8 = 0x8
	X86RoundDown    uint8 = 0x9
	X86RoundUp      uint8 = 0xA
	X86RoundTrunc   uint8 = 0xB
)

var x86Catalog = [numX86Intrinsics]IntrinsicInfo{
	X86Padd:       {Name: "padd", Args: 2, Sizes: SizesInt},
	X86Psub:       {Name: "psub", Args: 2, Sizes: SizesInt},
	X86Pand:       {Name: "pand", Args: 2},
	X86Por:        {Name: "por", Args: 2},
	X86Pxor:       {Name: "pxor", Args: 2},
	X86Pandn:      {Name: "pandn", Args: 2},
	X86Pcmpeq:     {Name: "pcmpeq", Args: 2, Sizes: SizesInt},
	X86Pmull:      {Name: "pmull", Args: 2, Sizes: Size16 | Size32},
	X86Pmaxu:      {Name: "pmaxu", Args: 2, Sizes: Size8 | Size16 | Size32},
	X86Pmaxs:      {Name: "pmaxs", Args: 2, Sizes: Size8 | Size16 | Size32},
	X86Pminu:      {Name: "pminu", Args: 2, Sizes: Size8 | Size16 | Size32},
	X86Pmins:      {Name: "pmins", Args: 2, Sizes: Size8 | Size16 | Size32},
	X86Pabs:       {Name: "pabs", Args: 1, Sizes: Size8 | Size16 | Size32},
	X86Paddus:     {Name: "paddus", Args: 2, Sizes: Size8 | Size16},
	X86Padds:      {Name: "padds", Args: 2, Sizes: Size8 | Size16},
	X86Psubus:     {Name: "psubus", Args: 2, Sizes: Size8 | Size16},
	X86Psubs:      {Name: "psubs", Args: 2, Sizes: Size8 | Size16},
	X86Pavg:       {Name: "pavg", Args: 2, Sizes: Size8 | Size16},
	X86PsllImm:    {Name: "psll", Args: 1, Sizes: Size16 | Size32 | Size64},
	X86PsrlImm:    {Name: "psrl", Args: 1, Sizes: Size16 | Size32 | Size64},
	X86PsraImm:    {Name: "psra", Args: 1, Sizes: Size16 | Size32},
	X86Aesenc:     {Name: "aesenc", Args: 2},
	X86Aesenclast: {Name: "aesenclast", Args: 2},
	X86Aesdec:     {Name: "aesdec", Args: 2},
	X86Aesdeclast: {Name: "aesdeclast", Args: 2},
	X86Aesimc:     {Name: "aesimc", Args: 1},
	X86Add:        {Name: "add", Args: 2, Sizes: SizesFloat, Float: true},
	X86Sub:        {Name: "sub", Args: 2, Sizes: SizesFloat, Float: true},
	X86Mul:        {Name: "mul", Args: 2, Sizes: SizesFloat, Float: true},
	X86Div:        {Name: "div", Args: 2, Sizes: SizesFloat, Float: true},
	X86Sqrt:       {Name: "sqrt", Args: 1, Sizes: SizesFloat, Float: true},
	X86Round:      {Name: "round", Args: 1, Sizes: SizesFloat, Float: true},
	X86Movq:       {Name: "movq", Args: 1},
	X86Insertps:   {Name: "insertps", Args: 2},
}

// X86 is shorthand for an x86 intrinsic tag.
func X86(id IntrinsicID, v Variant) Intrinsic {
	return Intrinsic{Namespace: NamespaceX86, ID: id, Variant: v}
}

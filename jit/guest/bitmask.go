package guest

import "math/bits"

// DecodeBitMask expands the N:immr:imms logical immediate for a register of width 32 or 64.
// ok is false for reserved encodings.
func DecodeBitMask(n, immr, imms uint32, width int) (uint64, bool) {
	if width == 32 && n != 0 {
		return 0, false
	}
	combined := n<<6 | (^imms & 0x3f)
	if combined == 0 {
		return 0, false
	}
	length := bits.Len32(combined) - 1
	if length < 1 {
		return 0, false
	}
	levels := uint32(1)<<length - 1
	if imms&levels == levels {
		return 0, false
	}
	s := imms & levels
	r := immr & levels
	esize := uint(1) << length

	welem := uint64(1)<<(s+1) - 1
	emask := uint64(1)<<esize - 1
	if esize == 64 {
		emask = ^uint64(0)
	}
	// rotate right within esize
	elem := (welem>>r | welem<<(esize-uint(r))) & emask
	if r == 0 {
		elem = welem
	}
	v := elem
	for sz := esize; sz < 64; sz *= 2 {
		v |= v << sz
	}
	if width == 32 {
		v &= 0xffffffff
	}
	return v, true
}

// EncodeBitMask finds the logical immediate encoding of v, if one exists.
func EncodeBitMask(v uint64, width int) (n, immr, imms uint32, ok bool) {
	if width == 32 {
		v &= 0xffffffff
	}
	maxN := uint32(1)
	if width == 32 {
		maxN = 0
	}
	for n = 0; n <= maxN; n++ {
		for imms = 0; imms < 64; imms++ {
			for immr = 0; immr < 64; immr++ {
				if d, valid := DecodeBitMask(n, immr, imms, width); valid && d == v {
					return n, immr, imms, true
				}
			}
		}
	}
	return 0, 0, 0, false
}

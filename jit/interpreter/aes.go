package interpreter

import "math/bits"

// AES round primitives on a 16-byte column-major state, as exposed by both AES-NI and the
// ARMv8 crypto extension. crypto/aes only offers whole-block encryption, so the steps are
// spelled out here.

var sbox, invSbox [256]byte

func init() {
	// p walks GF(2^8)* by powers of 3 while q walks the matching inverses
	p, q := byte(1), byte(1)
	for {
		p = p ^ xtime(p)
		q ^= q << 1
		q ^= q << 2
		q ^= q << 4
		if q&0x80 != 0 {
			q ^= 0x09
		}
		x := q ^ bits.RotateLeft8(q, 1) ^ bits.RotateLeft8(q, 2) ^ bits.RotateLeft8(q, 3) ^ bits.RotateLeft8(q, 4)
		sbox[p] = x ^ 0x63
		if p == 1 {
			break
		}
	}
	sbox[0] = 0x63
	for i, s := range sbox {
		invSbox[s] = byte(i)
	}
}

// xtime multiplies by x (0x02) in GF(2^8).
func xtime(b byte) byte {
	if b&0x80 != 0 {
		return b<<1 ^ 0x1b
	}
	return b << 1
}

func gmul(a, b byte) byte {
	var r byte
	for b != 0 {
		if b&1 != 0 {
			r ^= a
		}
		a = xtime(a)
		b >>= 1
	}
	return r
}

type state = [16]byte

func subBytes(s state) state {
	for i := range s {
		s[i] = sbox[s[i]]
	}
	return s
}

func invSubBytes(s state) state {
	for i := range s {
		s[i] = invSbox[s[i]]
	}
	return s
}

// byte i of the state is row i%4 of column i/4
func shiftRows(s state) state {
	var out state
	for c := 0; c < 4; c++ {
		for r := 0; r < 4; r++ {
			out[r+4*c] = s[r+4*((c+r)%4)]
		}
	}
	return out
}

func invShiftRows(s state) state {
	var out state
	for c := 0; c < 4; c++ {
		for r := 0; r < 4; r++ {
			out[r+4*((c+r)%4)] = s[r+4*c]
		}
	}
	return out
}

func mixColumns(s state) state {
	for c := 0; c < 16; c += 4 {
		a0, a1, a2, a3 := s[c], s[c+1], s[c+2], s[c+3]
		s[c] = gmul(a0, 2) ^ gmul(a1, 3) ^ a2 ^ a3
		s[c+1] = a0 ^ gmul(a1, 2) ^ gmul(a2, 3) ^ a3
		s[c+2] = a0 ^ a1 ^ gmul(a2, 2) ^ gmul(a3, 3)
		s[c+3] = gmul(a0, 3) ^ a1 ^ a2 ^ gmul(a3, 2)
	}
	return s
}

func invMixColumns(s state) state {
	for c := 0; c < 16; c += 4 {
		a0, a1, a2, a3 := s[c], s[c+1], s[c+2], s[c+3]
		s[c] = gmul(a0, 14) ^ gmul(a1, 11) ^ gmul(a2, 13) ^ gmul(a3, 9)
		s[c+1] = gmul(a0, 9) ^ gmul(a1, 14) ^ gmul(a2, 11) ^ gmul(a3, 13)
		s[c+2] = gmul(a0, 13) ^ gmul(a1, 9) ^ gmul(a2, 14) ^ gmul(a3, 11)
		s[c+3] = gmul(a0, 11) ^ gmul(a1, 13) ^ gmul(a2, 9) ^ gmul(a3, 14)
	}
	return s
}

func xor(a, b state) state {
	for i := range a {
		a[i] ^= b[i]
	}
	return a
}

package ir

import "math/bits"

// Scalar semantics shared by constant folding and the interpreter. I32 values are carried in
// the low half of a uint64 with the upper half zero.

func truncate(t Type, v uint64) uint64 {
	if t == I32 {
		return uint64(uint32(v))
	}
	return v
}

func signed(t Type, v uint64) int64 {
	if t == I32 {
		return int64(int32(v))
	}
	return int64(v)
}

// EvalBinary computes a two-operand integer op of type t. It reports false for opcodes that are
// not pure binary arithmetic.
func EvalBinary(code Opcode, t Type, x, y uint64) (uint64, bool) {
	w := uint64(t.Bits())
	x, y = truncate(t, x), truncate(t, y)
	var r uint64
	switch code {
	case OpAdd:
		r = x + y
	case OpSub:
		r = x - y
	case OpMul:
		r = x * y
	case OpMulHU:
		r, _ = bits.Mul64(x, y)
	case OpMulHS:
		hi, _ := bits.Mul64(x, y)
		if int64(x) < 0 {
			hi -= y
		}
		if int64(y) < 0 {
			hi -= x
		}
		r = hi
	case OpUDiv:
		if y != 0 {
			r = x / y
		}
	case OpSDiv:
		sx, sy := signed(t, x), signed(t, y)
		switch {
		case sy == 0:
			r = 0
		case sy == -1:
			r = uint64(-sx) // wraps MIN to MIN
		default:
			r = uint64(sx / sy)
		}
	case OpAnd:
		r = x & y
	case OpOr:
		r = x | y
	case OpXor:
		r = x ^ y
	case OpAndNot:
		r = x &^ y
	case OpShl:
		r = x << (y & (w - 1))
	case OpLShr:
		r = x >> (y & (w - 1))
	case OpAShr:
		r = uint64(signed(t, x) >> (y & (w - 1)))
	case OpRor:
		n := int(y & (w - 1))
		if t == I32 {
			r = uint64(bits.RotateLeft32(uint32(x), -n))
		} else {
			r = bits.RotateLeft64(x, -n)
		}
	default:
		return 0, false
	}
	return truncate(t, r), true
}

// EvalUnary computes Neg, Not, Clz, Rev and the same-type sign extensions.
func EvalUnary(code Opcode, t Type, x uint64) (uint64, bool) {
	x = truncate(t, x)
	var r uint64
	switch code {
	case OpMov:
		r = x
	case OpNeg:
		r = -x
	case OpNot:
		r = ^x
	case OpClz:
		if t == I32 {
			r = uint64(bits.LeadingZeros32(uint32(x)))
		} else {
			r = uint64(bits.LeadingZeros64(x))
		}
	case OpRev:
		if t == I32 {
			r = uint64(bits.ReverseBytes32(uint32(x)))
		} else {
			r = bits.ReverseBytes64(x)
		}
	case OpSext8:
		r = uint64(int64(int8(x)))
	case OpSext16:
		r = uint64(int64(int16(x)))
	case OpZext32:
		r = uint64(uint32(x))
	case OpSext32:
		r = uint64(int64(int32(x)))
	case OpTrunc:
		return uint64(uint32(x)), true
	default:
		return 0, false
	}
	if code == OpZext32 || code == OpSext32 {
		return r, true
	}
	return truncate(t, r), true
}

// EvalCompare computes a comparison of two values of type t.
func EvalCompare(code Opcode, t Type, x, y uint64) (bool, bool) {
	x, y = truncate(t, x), truncate(t, y)
	sx, sy := signed(t, x), signed(t, y)
	switch code {
	case OpCmpEQ:
		return x == y, true
	case OpCmpNE:
		return x != y, true
	case OpCmpULT:
		return x < y, true
	case OpCmpULE:
		return x <= y, true
	case OpCmpUGT:
		return x > y, true
	case OpCmpUGE:
		return x >= y, true
	case OpCmpSLT:
		return sx < sy, true
	case OpCmpSLE:
		return sx <= sy, true
	case OpCmpSGT:
		return sx > sy, true
	case OpCmpSGE:
		return sx >= sy, true
	}
	return false, false
}

// Eval computes any pure scalar integer op from its argument values. The type is the
// argument type for comparisons and conversions, and the result type otherwise.
func Eval(code Opcode, t Type, args ...uint64) (uint64, bool) {
	switch {
	case code.IsCompare() && len(args) == 2:
		r, ok := EvalCompare(code, t, args[0], args[1])
		if r {
			return 1, ok
		}
		return 0, ok
	case code == OpSelect && len(args) == 3:
		if args[0] != 0 {
			return truncate(t, args[1]), true
		}
		return truncate(t, args[2]), true
	case len(args) == 2:
		return EvalBinary(code, t, args[0], args[1])
	case len(args) == 1:
		return EvalUnary(code, t, args[0])
	}
	return 0, false
}

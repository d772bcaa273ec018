package memory

import "fmt"

const (
	PageBits = 12
	PageSize = 1 << PageBits
	PageMask = PageSize - 1
)

// Perm is a guest page protection.
type Perm uint8

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExec

	PermNone Perm = 0
	PermRW        = PermRead | PermWrite
	PermRX        = PermRead | PermExec
	PermRWX       = PermRead | PermWrite | PermExec
)

func (p Perm) String() string {
	b := []byte("---")
	if p&PermRead != 0 {
		b[0] = 'r'
	}
	if p&PermWrite != 0 {
		b[1] = 'w'
	}
	if p&PermExec != 0 {
		b[2] = 'x'
	}
	return string(b)
}

// ParsePerm parses "rwx" style strings.
func ParsePerm(s string) (Perm, error) {
	var p Perm
	for _, c := range s {
		switch c {
		case 'r':
			p |= PermRead
		case 'w':
			p |= PermWrite
		case 'x':
			p |= PermExec
		case '-':
		default:
			return 0, fmt.Errorf("invalid permission %q", s)
		}
	}
	return p, nil
}

// Page flag bits. Native code tests the Fast bits directly, so their positions are ABI.
const (
	FlagRead      uint32 = 1 << 0
	FlagWrite     uint32 = 1 << 1
	FlagExec      uint32 = 1 << 2
	FlagMapped    uint32 = 1 << 3
	FlagTracked   uint32 = 1 << 4
	FlagFastRead  uint32 = 1 << FastReadBit
	FlagFastWrite uint32 = 1 << FastWriteBit

	FastReadBit  = 5
	FastWriteBit = 6
)

func permFlags(p Perm) uint32 {
	return uint32(p) & (FlagRead | FlagWrite | FlagExec)
}

// pageFlags derives the full flag word, fast bits included.
func pageFlags(p Perm, tracked bool) uint32 {
	f := permFlags(p) | FlagMapped
	if tracked {
		f |= FlagTracked
	}
	if p&PermRead != 0 {
		f |= FlagFastRead
	}
	// stores into executable or tracked pages must be observed, so they never take the fast path
	if p&PermWrite != 0 && p&PermExec == 0 && !tracked {
		f |= FlagFastWrite
	}
	return f
}

func flagsPerm(f uint32) Perm {
	return Perm(f & (FlagRead | FlagWrite | FlagExec))
}

func pageOf(addr uint64) uint64 { return addr >> PageBits }

// pageSpan returns the first and last page index touched by [addr, addr+n).
func pageSpan(addr, n uint64) (uint64, uint64) {
	return pageOf(addr), pageOf(addr + n - 1)
}

func aligned(v uint64) bool { return v&PageMask == 0 }

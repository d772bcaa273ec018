package guest

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"unsafe"
)

// Context is the guest register file plus the scratch area native code uses for spills.
// The backing store is 8-byte aligned heap memory that does not move.
type Context struct {
	words []uint64
	buf   []byte
}

func NewContext() *Context {
	words := make([]uint64, ContextSize/8)
	return &Context{
		words: words,
		buf:   unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), ContextSize),
	}
}

// Ptr is the host address handed to native code.
func (c *Context) Ptr() uintptr { return uintptr(unsafe.Pointer(&c.words[0])) }

// Bytes exposes the raw context, layout as described by the Off constants.
func (c *Context) Bytes() []byte { return c.buf }

// Bind stores the host pointers native code loads in its prologue.
func (c *Context) Bind(memBase, pageFlags uintptr) {
	c.Store64(OffMemBase, uint64(memBase))
	c.Store64(OffPageFlags, uint64(pageFlags))
}

func (c *Context) Load64(off int) uint64 { return binary.LittleEndian.Uint64(c.buf[off:]) }

func (c *Context) Store64(off int, v uint64) { binary.LittleEndian.PutUint64(c.buf[off:], v) }

// LoadSlot reads a 64-bit slot; vector slots return their low half.
func (c *Context) LoadSlot(s Slot) uint64 { return c.Load64(s.Offset()) }

func (c *Context) StoreSlot(s Slot, v uint64) { c.Store64(s.Offset(), v) }

func (c *Context) X(i int) uint64 {
	if i == 31 {
		return 0
	}
	return c.Load64(OffX0 + i*8)
}

// SetX writes Xi; index 31 (XZR) is discarded.
func (c *Context) SetX(i int, v uint64) {
	if i == 31 {
		return
	}
	c.Store64(OffX0+i*8, v)
}

func (c *Context) SP() uint64     { return c.Load64(OffSP) }
func (c *Context) SetSP(v uint64) { c.Store64(OffSP, v) }
func (c *Context) PC() uint64     { return c.Load64(OffPC) }
func (c *Context) SetPC(v uint64) { c.Store64(OffPC, v) }

// NZCV returns the flags packed the way MRS NZCV reports them.
func (c *Context) NZCV() uint32 {
	var f uint32
	if c.Load64(OffN) != 0 {
		f |= 1 << 31
	}
	if c.Load64(OffZ) != 0 {
		f |= 1 << 30
	}
	if c.Load64(OffC) != 0 {
		f |= 1 << 29
	}
	if c.Load64(OffV) != 0 {
		f |= 1 << 28
	}
	return f
}

func (c *Context) SetNZCV(f uint32) {
	c.Store64(OffN, uint64(f>>31&1))
	c.Store64(OffZ, uint64(f>>30&1))
	c.Store64(OffC, uint64(f>>29&1))
	c.Store64(OffV, uint64(f>>28&1))
}

// Vec returns Vi as 16 little-endian bytes.
func (c *Context) Vec(i int) [16]byte {
	var v [16]byte
	copy(v[:], c.buf[OffVReg+i*16:])
	return v
}

func (c *Context) SetVec(i int, v [16]byte) {
	copy(c.buf[OffVReg+i*16:], v[:])
}

// Reset zeroes the architectural state but keeps the bound host pointers.
func (c *Context) Reset() {
	mb, pf := c.Load64(OffMemBase), c.Load64(OffPageFlags)
	clear(c.words)
	c.Store64(OffMemBase, mb)
	c.Store64(OffPageFlags, pf)
}

// CopyFrom copies the architectural state (not the host pointers or spill area) from src.
func (c *Context) CopyFrom(src *Context) {
	copy(c.buf[:OffMemBase], src.buf[:OffMemBase])
	copy(c.buf[OffVReg:], src.buf[OffVReg:])
}

// State is a JSON-friendly snapshot of the architectural registers.
type State struct {
	X   [NumX]uint64 `json:"x"`
	SP  uint64       `json:"sp"`
	PC  uint64       `json:"pc"`
	N   bool         `json:"n"`
	Z   bool         `json:"z"`
	C   bool         `json:"c"`
	V   bool         `json:"v"`
	Vec []string     `json:"vec,omitempty"`
}

// Snapshot captures the architectural state. Vector registers are included only when non-zero.
func (c *Context) Snapshot() State {
	var s State
	for i := 0; i < NumX; i++ {
		s.X[i] = c.X(i)
	}
	s.SP, s.PC = c.SP(), c.PC()
	f := c.NZCV()
	s.N, s.Z, s.C, s.V = f&(1<<31) != 0, f&(1<<30) != 0, f&(1<<29) != 0, f&(1<<28) != 0
	var nonZero bool
	vec := make([]string, NumVReg)
	for i := range vec {
		v := c.Vec(i)
		vec[i] = hex.EncodeToString(v[:])
		if v != ([16]byte{}) {
			nonZero = true
		}
	}
	if nonZero {
		s.Vec = vec
	}
	return s
}

func (s State) String() string {
	return fmt.Sprintf("pc=0x%x sp=0x%x x0=0x%x x1=0x%x x2=0x%x nzcv=%t%t%t%t", s.PC, s.SP, s.X[0], s.X[1], s.X[2], s.N, s.Z, s.C, s.V)
}

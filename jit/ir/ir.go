// Package ir is the target-independent intermediate representation of translated guest code.
//
// A Func is a list of basic blocks; each block holds operations in SSA form over virtual
// registers that never outlive the block. Guest architectural state moves in and out of
// virtual registers only through LoadGuest and StoreGuest.
package ir

import (
	"cmp"
	"fmt"

	"github.com/colorfulnotion/a64jit/jit/guest"
	"golang.org/x/exp/slices"
)

// Type is the width class of a value.
type Type uint8

const (
	TypeNone Type = iota
	I32
	I64
	V128
)

func (t Type) String() string {
	switch t {
	case I32:
		return "i32"
	case I64:
		return "i64"
	case V128:
		return "v128"
	}
	return "none"
}

// Bits is the value width in bits.
func (t Type) Bits() int {
	switch t {
	case I32:
		return 32
	case I64:
		return 64
	case V128:
		return 128
	}
	return 0
}

func (t Type) IsInt() bool { return t == I32 || t == I64 }

// OperandKind tells how Operand.Value is interpreted.
type OperandKind uint8

const (
	KindNone  OperandKind = iota
	KindVReg              // Value is a virtual register number
	KindConst             // Value is the constant, truncated to Type
	KindMem               // guest memory at Base + Disp
	KindLabel             // Value is a block ID
	KindGuest             // Value is a guest.Slot
	KindPReg              // Value is a host register number (after allocation)
	KindSpill             // Value is a spill slot index (after allocation)
)

// Operand is an argument or destination of an Op. Memory operands carry their base in
// BaseKind/Base (virtual register, physical register or constant address).
type Operand struct {
	Kind     OperandKind
	Type     Type
	Value    uint64
	BaseKind OperandKind
	Base     uint64
	Disp     int64
}

var None = Operand{}

func VRegOf(id int, t Type) Operand { return Operand{Kind: KindVReg, Type: t, Value: uint64(id)} }

func Const(t Type, v uint64) Operand {
	if t == I32 {
		v = uint64(uint32(v))
	}
	return Operand{Kind: KindConst, Type: t, Value: v}
}

func Label(id int) Operand { return Operand{Kind: KindLabel, Value: uint64(id)} }

func Guest(s guest.Slot, t Type) Operand {
	return Operand{Kind: KindGuest, Type: t, Value: uint64(s)}
}

// Mem is a guest memory reference [base + disp] of the given access type.
func Mem(base Operand, disp int64, t Type) Operand {
	return Operand{Kind: KindMem, Type: t, BaseKind: base.Kind, Base: base.Value, Disp: disp}
}

func PReg(n int, t Type) Operand { return Operand{Kind: KindPReg, Type: t, Value: uint64(n)} }

// SpillSlot is slot n of the context spill area for values of type t. Vector values use the
// separate vector spill area.
func SpillSlot(n int, t Type) Operand { return Operand{Kind: KindSpill, Type: t, Value: uint64(n)} }

func (o Operand) IsVReg() bool  { return o.Kind == KindVReg }
func (o Operand) IsConst() bool { return o.Kind == KindConst }
func (o Operand) IsPReg() bool  { return o.Kind == KindPReg }
func (o Operand) VReg() int     { return int(o.Value) }
func (o Operand) Slot() guest.Slot {
	return guest.Slot(o.Value)
}

// BaseOperand returns the base of a memory operand as a standalone operand.
func (o Operand) BaseOperand() Operand {
	return Operand{Kind: o.BaseKind, Type: I64, Value: o.Base}
}

// WithBase replaces the base of a memory operand.
func (o Operand) WithBase(b Operand) Operand {
	o.BaseKind, o.Base = b.Kind, b.Value
	return o
}

// Op is one IR operation.
type Op struct {
	Code Opcode
	Dst  Operand
	Args []Operand
	Intr Intrinsic // OpIntrinsic only
	PC   uint64    // guest address of the originating instruction
}

// Uses calls fn for every virtual register read by op, memory bases included.
func (op *Op) Uses(fn func(o Operand)) {
	for _, a := range op.Args {
		switch {
		case a.Kind == KindVReg:
			fn(a)
		case a.Kind == KindMem && a.BaseKind == KindVReg:
			fn(Operand{Kind: KindVReg, Type: I64, Value: a.Base})
		}
	}
}

// HasSideEffects reports whether op must be kept even when its result is unused.
func (op *Op) HasSideEffects() bool {
	return opInfos[op.Code].effects
}

// IsTerminator reports whether op ends a block.
func (op *Op) IsTerminator() bool {
	switch op.Code {
	case OpBranch, OpBranchIf, OpExit:
		return true
	}
	return false
}

// Block is a basic block: single entry, ends with exactly one terminator.
type Block struct {
	ID    int
	PC    uint64 // guest address of the first instruction
	End   uint64 // guest address after the last instruction
	Insts int    // guest instructions covered
	Ops   []*Op
	Succs []int
	Preds []int
}

func (b *Block) Terminator() *Op {
	if len(b.Ops) == 0 {
		return nil
	}
	if t := b.Ops[len(b.Ops)-1]; t.IsTerminator() {
		return t
	}
	return nil
}

// Func is one translation unit rooted at Entry.
type Func struct {
	Entry     uint64
	Blocks    []*Block
	vregTypes []Type
}

func NewFunc(entry uint64) *Func {
	return &Func{Entry: entry}
}

// NewVReg allocates a fresh virtual register.
func (f *Func) NewVReg(t Type) Operand {
	f.vregTypes = append(f.vregTypes, t)
	return VRegOf(len(f.vregTypes)-1, t)
}

func (f *Func) NumVRegs() int { return len(f.vregTypes) }

func (f *Func) VRegType(id int) Type {
	if id < 0 || id >= len(f.vregTypes) {
		return TypeNone
	}
	return f.vregTypes[id]
}

// Block returns the block with the given ID.
func (f *Func) Block(id int) *Block {
	if id < 0 || id >= len(f.Blocks) {
		return nil
	}
	return f.Blocks[id]
}

// GuestRange is a contiguous span of guest code.
type GuestRange struct {
	Start, End uint64
}

func (r GuestRange) String() string { return fmt.Sprintf("[0x%x, 0x%x)", r.Start, r.End) }

// Ranges returns the merged guest ranges covered by the blocks, in address order.
func (f *Func) Ranges() []GuestRange {
	rs := make([]GuestRange, 0, len(f.Blocks))
	for _, b := range f.Blocks {
		if b.End > b.PC {
			rs = append(rs, GuestRange{b.PC, b.End})
		}
	}
	sortRanges(rs)
	var out []GuestRange
	for _, r := range rs {
		if n := len(out); n > 0 && r.Start <= out[n-1].End {
			out[n-1].End = max(out[n-1].End, r.End)
			continue
		}
		out = append(out, r)
	}
	return out
}

// Span returns the smallest range covering every block.
func (f *Func) Span() GuestRange {
	rs := f.Ranges()
	if len(rs) == 0 {
		return GuestRange{f.Entry, f.Entry}
	}
	return GuestRange{rs[0].Start, rs[len(rs)-1].End}
}

// Insts counts guest instructions across blocks.
func (f *Func) Insts() int {
	n := 0
	for _, b := range f.Blocks {
		n += b.Insts
	}
	return n
}

// Clone deep-copies f so a later pass over one copy does not affect the other.
func (f *Func) Clone() *Func {
	g := &Func{Entry: f.Entry, vregTypes: append([]Type(nil), f.vregTypes...)}
	g.Blocks = make([]*Block, len(f.Blocks))
	for i, b := range f.Blocks {
		nb := *b
		nb.Succs = append([]int(nil), b.Succs...)
		nb.Preds = append([]int(nil), b.Preds...)
		nb.Ops = make([]*Op, len(b.Ops))
		for j, op := range b.Ops {
			nop := *op
			nop.Args = append([]Operand(nil), op.Args...)
			nb.Ops[j] = &nop
		}
		g.Blocks[i] = &nb
	}
	return g
}

// ComputePreds rebuilds predecessor lists from successor lists.
func (f *Func) ComputePreds() {
	for _, b := range f.Blocks {
		b.Preds = b.Preds[:0]
	}
	for _, b := range f.Blocks {
		for _, s := range b.Succs {
			if t := f.Block(s); t != nil {
				t.Preds = append(t.Preds, b.ID)
			}
		}
	}
}

// Shape returns the successor lists by block ID, the structure compared when checking that a
// pipeline stage preserved control flow.
func (f *Func) Shape() [][]int {
	shape := make([][]int, len(f.Blocks))
	for i, b := range f.Blocks {
		shape[i] = append([]int(nil), b.Succs...)
	}
	return shape
}

func sortRanges(rs []GuestRange) {
	slices.SortFunc(rs, func(a, b GuestRange) int { return cmp.Compare(a.Start, b.Start) })
}

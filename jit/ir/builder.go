package ir

import (
	"github.com/colorfulnotion/a64jit/jit/guest"
)

// Builder appends operations to the current block of a Func.
type Builder struct {
	f   *Func
	cur *Block
	pc  uint64
}

func NewBuilder(entry uint64) *Builder {
	return &Builder{f: NewFunc(entry), pc: entry}
}

func (b *Builder) Func() *Func { return b.f }

// NewBlock creates an empty block starting at guest address pc. It does not switch to it.
func (b *Builder) NewBlock(pc uint64) *Block {
	blk := &Block{ID: len(b.f.Blocks), PC: pc, End: pc}
	b.f.Blocks = append(b.f.Blocks, blk)
	return blk
}

func (b *Builder) SetBlock(blk *Block) { b.cur = blk }
func (b *Builder) Block() *Block       { return b.cur }

// SetPC sets the guest address recorded on subsequent ops.
func (b *Builder) SetPC(pc uint64) { b.pc = pc }
func (b *Builder) PC() uint64      { return b.pc }

// Terminated reports whether the current block already has its terminator.
func (b *Builder) Terminated() bool { return b.cur != nil && b.cur.Terminator() != nil }

func (b *Builder) emit(op *Op) *Op {
	op.PC = b.pc
	b.cur.Ops = append(b.cur.Ops, op)
	return op
}

func (b *Builder) def(code Opcode, t Type, args ...Operand) Operand {
	dst := b.f.NewVReg(t)
	b.emit(&Op{Code: code, Dst: dst, Args: args})
	return dst
}

func (b *Builder) Const(t Type, v uint64) Operand { return Const(t, v) }

func (b *Builder) Mov(x Operand) Operand { return b.def(OpMov, x.Type, x) }

// Binary emits an arithmetic, logical or shift op; the result has x's type.
func (b *Builder) Binary(code Opcode, x, y Operand) Operand { return b.def(code, x.Type, x, y) }

// Unary emits Neg, Not, Clz or Rev.
func (b *Builder) Unary(code Opcode, x Operand) Operand { return b.def(code, x.Type, x) }

// Compare emits a comparison producing an I64 0 or 1.
func (b *Builder) Compare(code Opcode, x, y Operand) Operand { return b.def(code, I64, x, y) }

func (b *Builder) Select(cond, x, y Operand) Operand { return b.def(OpSelect, x.Type, cond, x, y) }

// Convert emits a width conversion.
func (b *Builder) Convert(code Opcode, x Operand) Operand {
	t := x.Type
	switch code {
	case OpZext32, OpSext32:
		t = I64
	case OpTrunc:
		t = I32
	}
	return b.def(code, t, x)
}

func (b *Builder) LoadGuest(s guest.Slot, t Type) Operand {
	return b.def(OpLoadGuest, t, Guest(s, t))
}

func (b *Builder) StoreGuest(s guest.Slot, v Operand) {
	b.emit(&Op{Code: OpStoreGuest, Dst: Guest(s, v.Type), Args: []Operand{v}})
}

// Load reads size bytes at base+disp. Integer loads zero extend into an I64.
func (b *Builder) Load(size int, base Operand, disp int64) Operand {
	t := I64
	if size == 16 {
		t = V128
	}
	return b.def(LoadOp(size), t, Mem(base, disp, t))
}

// Store writes the low size bytes of v to base+disp.
func (b *Builder) Store(size int, base Operand, disp int64, v Operand) {
	b.emit(&Op{Code: StoreOp(size), Args: []Operand{Mem(base, disp, v.Type), v}})
}

func (b *Builder) VZext(size int, x Operand) Operand {
	if size == 4 {
		return b.def(OpVZext32, V128, x)
	}
	return b.def(OpVZext64, V128, x)
}

func (b *Builder) VLow(size int, x Operand) Operand {
	if size == 4 {
		return b.def(OpVLow32, I64, x)
	}
	return b.def(OpVLow64, I64, x)
}

func (b *Builder) VZero() Operand { return b.def(OpVZero, V128) }

func (b *Builder) Intrinsic(in Intrinsic, t Type, args ...Operand) Operand {
	dst := b.f.NewVReg(t)
	b.emit(&Op{Code: OpIntrinsic, Dst: dst, Args: args, Intr: in})
	return dst
}

// Branch ends the current block with a jump to target.
func (b *Builder) Branch(target *Block) {
	b.emit(&Op{Code: OpBranch, Args: []Operand{Label(target.ID)}})
	b.cur.Succs = append(b.cur.Succs[:0], target.ID)
}

// BranchIf ends the current block; cond != 0 goes to t, otherwise f.
func (b *Builder) BranchIf(cond Operand, t, f *Block) {
	b.emit(&Op{Code: OpBranchIf, Args: []Operand{cond, Label(t.ID), Label(f.ID)}})
	b.cur.Succs = append(b.cur.Succs[:0], t.ID, f.ID)
}

// Exit ends the current block and leaves native code with reason and the next guest PC.
func (b *Builder) Exit(reason guest.ExitReason, next Operand) {
	b.emit(&Op{Code: OpExit, Args: []Operand{Const(I64, uint64(reason)), next}})
	b.cur.Succs = b.cur.Succs[:0]
}

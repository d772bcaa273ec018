package regalloc

import (
	"testing"

	"github.com/colorfulnotion/a64jit/jiterrors"
	"github.com/colorfulnotion/a64jit/jit/guest"
	"github.com/colorfulnotion/a64jit/jit/ir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func single(build func(b *ir.Builder)) *ir.Func {
	b := ir.NewBuilder(0)
	b.SetBlock(b.NewBlock(0))
	build(b)
	return b.Func()
}

func regs(gpr ...int) RegisterSet {
	return RegisterSet{GPR: gpr, Vec: []int{0, 1}}.DefaultSpill()
}

func codes(blk *ir.Block) []ir.Opcode {
	out := make([]ir.Opcode, len(blk.Ops))
	for i, op := range blk.Ops {
		out[i] = op.Code
	}
	return out
}

func assertAllocated(t *testing.T, f *ir.Func) {
	t.Helper()
	for _, blk := range f.Blocks {
		for _, op := range blk.Ops {
			assert.NotEqual(t, ir.KindVReg, op.Dst.Kind, "%s", op)
			for _, a := range op.Args {
				assert.NotEqual(t, ir.KindVReg, a.Kind, "%s", op)
				if a.Kind == ir.KindMem {
					assert.NotEqual(t, ir.KindVReg, a.BaseKind, "%s", op)
				}
			}
		}
	}
}

func TestAllocateWithoutPressure(t *testing.T) {
	f := single(func(b *ir.Builder) {
		x := b.LoadGuest(guest.SlotX(0), ir.I64)
		y := b.Binary(ir.OpAdd, x, b.Const(ir.I64, 1))
		b.Store(8, x, 0, y)
		b.Exit(guest.ExitBranch, y)
	})
	res, err := Allocate(f, regs(10, 11, 12))
	require.NoError(t, err)
	assertAllocated(t, f)
	assert.Zero(t, res.Spills)
	assert.Equal(t, []int{10, 11}, res.UsedGPR)

	ops := f.Blocks[0].Ops
	assert.Equal(t, ir.PReg(10, ir.I64), ops[0].Dst)
	assert.Equal(t, ir.PReg(11, ir.I64), ops[1].Dst)
	assert.Equal(t, uint64(10), ops[2].Args[0].Base, "store base keeps x")
}

func TestDyingSourceSharesDestination(t *testing.T) {
	f := single(func(b *ir.Builder) {
		x := b.LoadGuest(guest.SlotX(0), ir.I64)
		y := b.Binary(ir.OpAdd, x, b.Const(ir.I64, 1))
		b.Exit(guest.ExitBranch, y)
	})
	_, err := Allocate(f, regs(4))
	require.NoError(t, err)
	ops := f.Blocks[0].Ops
	assert.Equal(t, ir.PReg(4, ir.I64), ops[1].Dst)
	assert.Equal(t, ir.PReg(4, ir.I64), ops[1].Args[0])
}

func TestSpillFurthestNextUse(t *testing.T) {
	// a is needed last, so it is the value evicted when c needs a register.
	var a, bv, c ir.Operand
	f := single(func(b *ir.Builder) {
		a = b.LoadGuest(guest.SlotX(0), ir.I64)
		bv = b.LoadGuest(guest.SlotX(1), ir.I64)
		c = b.Binary(ir.OpAdd, bv, b.Const(ir.I64, 1))
		d := b.Binary(ir.OpAdd, bv, c)
		e := b.Binary(ir.OpAdd, d, a)
		b.Exit(guest.ExitBranch, e)
	})
	res, err := Allocate(f, regs(1, 2))
	require.NoError(t, err)
	assertAllocated(t, f)
	assert.Equal(t, 1, res.Spills)
	assert.Equal(t, 1, res.Reloads)
	assert.Equal(t, 1, res.MaxSlots[GPR])

	blk := f.Blocks[0]
	assert.Equal(t, []ir.Opcode{
		ir.OpLoadGuest, ir.OpLoadGuest,
		ir.OpSpill, ir.OpAdd,
		ir.OpAdd,
		ir.OpReload, ir.OpAdd,
		ir.OpExit,
	}, codes(blk))
	spill := blk.Ops[2]
	assert.Equal(t, ir.PReg(1, ir.I64), spill.Args[0], "a lived in the first register")
	assert.Equal(t, ir.KindSpill, spill.Dst.Kind)
}

func TestTieKeepsMoreRemainingUses(t *testing.T) {
	// x and y are both next used by the same op; y has another use later and stays.
	f := single(func(b *ir.Builder) {
		x := b.LoadGuest(guest.SlotX(0), ir.I64)
		y := b.LoadGuest(guest.SlotX(1), ir.I64)
		z := b.LoadGuest(guest.SlotX(2), ir.I64)
		s := b.Binary(ir.OpAdd, x, y)
		u := b.Binary(ir.OpAdd, s, z)
		w := b.Binary(ir.OpAdd, u, y)
		b.Exit(guest.ExitBranch, w)
	})
	res, err := Allocate(f, regs(1, 2))
	require.NoError(t, err)
	assertAllocated(t, f)
	spill := f.Blocks[0].Ops[2]
	require.Equal(t, ir.OpSpill, spill.Code)
	assert.Equal(t, ir.PReg(1, ir.I64), spill.Args[0], "x has fewer remaining uses")
	assert.Equal(t, res.Spills, res.Reloads)
}

func TestOutOfSpillSlots(t *testing.T) {
	f := single(func(b *ir.Builder) {
		var vs []ir.Operand
		for i := 0; i < 4; i++ {
			vs = append(vs, b.LoadGuest(guest.SlotX(i), ir.I64))
		}
		sum := vs[0]
		for _, v := range vs[1:] {
			sum = b.Binary(ir.OpAdd, sum, v)
		}
		b.Exit(guest.ExitBranch, sum)
	})
	rs := RegisterSet{GPR: []int{1, 2}, SpillSlots: 1}
	_, err := Allocate(f, rs)
	assert.ErrorIs(t, err, jiterrors.ErrOutOfSpillSlots)
}

func TestVectorClassIsSeparate(t *testing.T) {
	f := single(func(b *ir.Builder) {
		x := b.LoadGuest(guest.SlotX(0), ir.I64)
		v := b.VZext(8, x)
		b.StoreGuest(guest.SlotVReg(0), v)
		b.Exit(guest.ExitBranch, x)
	})
	res, err := Allocate(f, regs(7))
	require.NoError(t, err)
	assert.Equal(t, []int{0}, res.UsedVec)
	assert.Equal(t, []int{7}, res.UsedGPR)
	assert.Equal(t, ir.PReg(0, ir.V128), f.Blocks[0].Ops[1].Dst)
}

func TestAllocationIsDeterministic(t *testing.T) {
	build := func() *ir.Func {
		return single(func(b *ir.Builder) {
			var vs []ir.Operand
			for i := 0; i < 8; i++ {
				vs = append(vs, b.LoadGuest(guest.SlotX(i), ir.I64))
			}
			acc := vs[7]
			for i := 6; i >= 0; i-- {
				acc = b.Binary(ir.OpXor, acc, vs[i])
			}
			b.Exit(guest.ExitBranch, acc)
		})
	}
	f1, f2 := build(), build()
	_, err := Allocate(f1, regs(1, 2, 3))
	require.NoError(t, err)
	_, err = Allocate(f2, regs(1, 2, 3))
	require.NoError(t, err)
	assert.Equal(t, ir.Format(f1), ir.Format(f2))
}

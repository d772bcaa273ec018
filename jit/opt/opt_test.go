package opt

import (
	"testing"

	"github.com/colorfulnotion/a64jit/jiterrors"
	"github.com/colorfulnotion/a64jit/jit/decoder"
	"github.com/colorfulnotion/a64jit/jit/guest"
	"github.com/colorfulnotion/a64jit/jit/ir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func single(build func(b *ir.Builder)) *ir.Func {
	b := ir.NewBuilder(0x1000)
	b.SetBlock(b.NewBlock(0x1000))
	build(b)
	return b.Func()
}

func count(f *ir.Func, code ir.Opcode) int {
	n := 0
	for _, blk := range f.Blocks {
		for _, op := range blk.Ops {
			if op.Code == code {
				n++
			}
		}
	}
	return n
}

func TestConstFold(t *testing.T) {
	f := single(func(b *ir.Builder) {
		x := b.Binary(ir.OpAdd, b.Const(ir.I64, 2), b.Const(ir.I64, 3))
		y := b.Binary(ir.OpShl, x, b.Const(ir.I64, 4))
		b.StoreGuest(guest.SlotX(0), y)
		b.Exit(guest.ExitBranch, b.Const(ir.I64, 0x2000))
	})
	st := Run(f, DefaultOptions())
	require.NoError(t, ir.Verify(f))
	assert.Equal(t, 2, st.Folded)
	ops := f.Blocks[0].Ops
	require.Len(t, ops, 2)
	assert.Equal(t, ir.Const(ir.I64, 80), ops[0].Args[0])
}

func TestConstFoldDivisionSemantics(t *testing.T) {
	cases := []struct {
		name string
		code ir.Opcode
		t    ir.Type
		x, y uint64
		want uint64
	}{
		{"udiv by zero", ir.OpUDiv, ir.I64, 7, 0, 0},
		{"sdiv by zero", ir.OpSDiv, ir.I64, 7, 0, 0},
		{"sdiv min by -1", ir.OpSDiv, ir.I64, 1 << 63, ^uint64(0), 1 << 63},
		{"sdiv32 min by -1", ir.OpSDiv, ir.I32, 0x80000000, 0xffffffff, 0x80000000},
		{"sdiv negative", ir.OpSDiv, ir.I64, uint64(^uint64(0) - 5), 2, ^uint64(0) - 2},
		{"ror32", ir.OpRor, ir.I32, 1, 1, 0x80000000},
		{"shl masks amount", ir.OpShl, ir.I64, 1, 65, 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := single(func(b *ir.Builder) {
				v := b.Binary(tc.code, b.Const(tc.t, tc.x), b.Const(tc.t, tc.y))
				if tc.t == ir.I32 {
					v = b.Convert(ir.OpZext32, v)
				}
				b.StoreGuest(guest.SlotX(0), v)
				b.Exit(guest.ExitBranch, b.Const(ir.I64, 0))
			})
			Run(f, DefaultOptions())
			require.NoError(t, ir.Verify(f))
			st := f.Blocks[0].Ops[0]
			require.Equal(t, ir.OpStoreGuest, st.Code)
			assert.Equal(t, ir.Const(ir.I64, tc.want), st.Args[0])
		})
	}
}

func TestIdentities(t *testing.T) {
	f := single(func(b *ir.Builder) {
		x := b.LoadGuest(guest.SlotX(1), ir.I64)
		a := b.Binary(ir.OpAdd, x, b.Const(ir.I64, 0))
		m := b.Binary(ir.OpMul, b.Const(ir.I64, 1), a)
		z := b.Binary(ir.OpXor, m, m)
		b.StoreGuest(guest.SlotX(0), m)
		b.StoreGuest(guest.SlotX(2), z)
		b.Exit(guest.ExitBranch, b.Const(ir.I64, 0))
	})
	Run(f, DefaultOptions())
	require.NoError(t, ir.Verify(f))
	ops := f.Blocks[0].Ops
	require.Len(t, ops, 4)
	assert.Equal(t, ir.OpLoadGuest, ops[0].Code)
	assert.Equal(t, ops[0].Dst, ops[1].Args[0])
	assert.Equal(t, ir.Const(ir.I64, 0), ops[2].Args[0])
}

func TestForwarding(t *testing.T) {
	f := single(func(b *ir.Builder) {
		x := b.LoadGuest(guest.SlotX(0), ir.I64)
		y := b.Binary(ir.OpAdd, x, b.Const(ir.I64, 1))
		b.StoreGuest(guest.SlotX(0), y)
		again := b.LoadGuest(guest.SlotX(0), ir.I64) // forwarded from the store
		z := b.Binary(ir.OpAdd, again, b.Const(ir.I64, 1))
		b.StoreGuest(guest.SlotX(0), z) // kills the first store
		sp := b.LoadGuest(guest.SlotSP, ir.I64)
		b.Store(8, sp, 0, z)
		b.StoreGuest(guest.SlotX(0), b.Const(ir.I64, 9)) // the memory access keeps the previous store
		b.Exit(guest.ExitBranch, b.Const(ir.I64, 0))
	})
	st := Run(f, DefaultOptions())
	require.NoError(t, ir.Verify(f))
	assert.Equal(t, 1, st.Forwarded)
	assert.Equal(t, 1, st.StoresRemoved)
	assert.Equal(t, 2, count(f, ir.OpStoreGuest))
	assert.Equal(t, 2, count(f, ir.OpLoadGuest))
}

func TestCSE(t *testing.T) {
	f := single(func(b *ir.Builder) {
		x := b.LoadGuest(guest.SlotX(0), ir.I64)
		y := b.LoadGuest(guest.SlotX(1), ir.I64)
		a := b.Binary(ir.OpAdd, x, y)
		c := b.Binary(ir.OpAdd, y, x)
		b.StoreGuest(guest.SlotX(2), a)
		b.StoreGuest(guest.SlotX(3), c)
		b.Exit(guest.ExitBranch, b.Const(ir.I64, 0))
	})
	st := Run(f, DefaultOptions())
	require.NoError(t, ir.Verify(f))
	assert.Equal(t, 1, st.Merged)
	assert.Equal(t, 1, count(f, ir.OpAdd))
}

func TestDCEKeepsEffects(t *testing.T) {
	f := single(func(b *ir.Builder) {
		x := b.LoadGuest(guest.SlotX(0), ir.I64)
		b.Binary(ir.OpMul, x, x)
		b.Load(8, x, 0) // may fault, stays
		z := b.VZero()
		b.Intrinsic(ir.X86(ir.X86Pxor, ir.Variant{ElemSize: 1, VecWidth: 16}), ir.V128, z, z)
		b.Exit(guest.ExitBranch, b.Const(ir.I64, 0))
	})
	st := Run(f, DefaultOptions())
	require.NoError(t, ir.Verify(f))
	assert.Equal(t, 3, st.Dead)
	assert.Equal(t, 1, count(f, ir.OpLoad64))
	assert.Equal(t, 0, count(f, ir.OpIntrinsic))
}

func TestPassesPreserveShape(t *testing.T) {
	code := guest.NewAsm().
		Movz(0, 0, 0).
		Label("loop").
		AddImm(0, 0, 1).
		AddImm(0, 0, 1).
		CmpImm(0, 10).
		BCond(guest.LT, "loop").
		Str(0, guest.SP, 8).
		Ret().
		MustAssemble()
	src := memSource(code)
	f, err := decoder.Decode(src, 0, decoder.DefaultOptions())
	require.NoError(t, err)
	before := f.Shape()
	opsBefore := 0
	for _, blk := range f.Blocks {
		opsBefore += len(blk.Ops)
	}

	st := Run(f, DefaultOptions())
	require.NoError(t, ir.Verify(f))
	assert.Equal(t, before, f.Shape())
	assert.Positive(t, st.Removed())

	opsAfter := 0
	for _, blk := range f.Blocks {
		opsAfter += len(blk.Ops)
		assert.NotNil(t, blk.Terminator())
	}
	assert.Equal(t, opsBefore-st.Removed(), opsAfter)
}

type memSource []byte

func (m memSource) Fetch(addr uint64, buf []byte) error {
	if addr+uint64(len(buf)) > uint64(len(m)) {
		return jiterrors.NewFault(jiterrors.ErrUnmappedAccess, addr)
	}
	copy(buf, m[addr:])
	return nil
}

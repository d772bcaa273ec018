package ir

import (
	"strings"
	"testing"

	"github.com/colorfulnotion/a64jit/jiterrors"
	"github.com/colorfulnotion/a64jit/jit/guest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildLoop builds: b0 loads x0, adds 1, branches on x0 != 10 to b0's successor pair.
func buildLoop(t *testing.T) *Func {
	t.Helper()
	b := NewBuilder(0x1000)
	head := b.NewBlock(0x1000)
	body := b.NewBlock(0x1008)
	done := b.NewBlock(0x1010)

	b.SetBlock(head)
	x0 := b.LoadGuest(guest.SlotX(0), I64)
	sum := b.Binary(OpAdd, x0, b.Const(I64, 1))
	b.StoreGuest(guest.SlotX(0), sum)
	cond := b.Compare(OpCmpNE, sum, b.Const(I64, 10))
	b.BranchIf(cond, body, done)
	head.End = 0x1008

	b.SetBlock(body)
	v := b.LoadGuest(guest.SlotX(1), I64)
	addr := b.LoadGuest(guest.SlotSP, I64)
	b.Store(8, addr, 16, v)
	b.Branch(head)
	body.End = 0x1010

	b.SetBlock(done)
	b.Exit(guest.ExitBranch, b.Const(I64, 0x2000))
	done.End = 0x1014
	return b.Func()
}

func TestVerifyAcceptsBuilderOutput(t *testing.T) {
	f := buildLoop(t)
	require.NoError(t, Verify(f))
	assert.Equal(t, [][]int{{1, 2}, {0}, nil}, f.Shape())
	assert.Equal(t, []GuestRange{{0x1000, 0x1014}}, f.Ranges())

	f.ComputePreds()
	assert.Equal(t, []int{1}, f.Blocks[0].Preds)
	assert.Equal(t, []int{0}, f.Blocks[2].Preds)
}

func TestVerifyRejects(t *testing.T) {
	cases := []struct {
		name  string
		build func(b *Builder)
	}{
		{"mixed widths", func(b *Builder) {
			x := b.LoadGuest(guest.SlotX(0), I64)
			y := b.Convert(OpTrunc, x)
			b.emit(&Op{Code: OpAdd, Dst: b.f.NewVReg(I64), Args: []Operand{x, y}})
			b.Exit(guest.ExitBranch, x)
		}},
		{"missing terminator", func(b *Builder) {
			b.LoadGuest(guest.SlotX(0), I64)
		}},
		{"use before def", func(b *Builder) {
			v := b.f.NewVReg(I64)
			b.StoreGuest(guest.SlotX(1), v)
			b.Exit(guest.ExitBranch, b.Const(I64, 0))
		}},
		{"vector slot read as integer", func(b *Builder) {
			b.def(OpLoadGuest, I64, Guest(guest.SlotVReg(3), I64))
			b.Exit(guest.ExitBranch, b.Const(I64, 0))
		}},
		{"bad intrinsic variant", func(b *Builder) {
			z := b.VZero()
			b.Intrinsic(X86(X86Pmull, Variant{ElemSize: 1, VecWidth: 16}), V128, z, z)
			b.Exit(guest.ExitBranch, b.Const(I64, 0))
		}},
		{"terminator mid block", func(b *Builder) {
			b.Exit(guest.ExitBranch, b.Const(I64, 0))
			b.Exit(guest.ExitBranch, b.Const(I64, 4))
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := NewBuilder(0)
			b.SetBlock(b.NewBlock(0))
			tc.build(b)
			err := Verify(b.Func())
			require.Error(t, err)
			assert.ErrorIs(t, err, jiterrors.ErrInvalidIR)
		})
	}
}

func TestVerifyRejectsCrossBlockUse(t *testing.T) {
	b := NewBuilder(0)
	first := b.NewBlock(0)
	second := b.NewBlock(4)
	b.SetBlock(first)
	x := b.LoadGuest(guest.SlotX(0), I64)
	b.Branch(second)
	b.SetBlock(second)
	b.StoreGuest(guest.SlotX(1), x)
	b.Exit(guest.ExitBranch, b.Const(I64, 8))
	assert.ErrorIs(t, Verify(b.Func()), jiterrors.ErrInvalidIR)
}

func TestFormat(t *testing.T) {
	out := Format(buildLoop(t))
	for _, want := range []string{
		"func 0x1000 (3 blocks",
		"b0 @0x1000..0x1008 -> b1 b2",
		"v0:i64 = ldg x0",
		"v1:i64 = add v0, 0x1",
		"stg x0, v1",
		"st64 [v4+0x10], v3",
		"exit 0x1, 0x2000",
	} {
		assert.True(t, strings.Contains(out, want), "missing %q in\n%s", want, out)
	}
}

func TestArm64Intrinsic(t *testing.T) {
	in, ok := Arm64Intrinsic(VecAdd, Variant{ElemSize: 4, VecWidth: 16})
	require.True(t, ok)
	assert.Equal(t, "arm64.add.e4.w16", in.String())

	_, ok = Arm64Intrinsic(VecAdd, Variant{ElemSize: 8, VecWidth: 8})
	assert.False(t, ok, "1D vector form is reserved")
	_, ok = Arm64Intrinsic(VecMul, Variant{ElemSize: 8, VecWidth: 16})
	assert.False(t, ok)
	_, ok = Arm64Intrinsic(VecFAdd, Variant{ElemSize: 8, VecWidth: 0})
	assert.True(t, ok, "scalar double")
	_, ok = Arm64Intrinsic(VecAdd, Variant{ElemSize: 4, VecWidth: 0})
	assert.False(t, ok, "integer ops have no scalar form here")
}

func TestCatalogsAreDense(t *testing.T) {
	for id := IntrinsicID(0); id < numX86Intrinsics; id++ {
		_, ok := X86(id, Variant{}).Info()
		assert.True(t, ok, "x86 id %d", id)
	}
	for id := IntrinsicID(0); id < numArm64Intrinsics; id++ {
		_, ok := Intrinsic{Namespace: NamespaceArm64, ID: id}.Info()
		assert.True(t, ok, "arm64 id %d", id)
	}
	for op := VecOp(0); op < NumVecOps; op++ {
		in := Intrinsic{Namespace: NamespaceArm64, ID: arm64ByVecOp[op]}
		info, _ := in.Info()
		assert.Equal(t, op.Args(), info.Args, "arity of %s", op)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	f := buildLoop(t)
	g := f.Clone()
	require.Equal(t, Format(f), Format(g))

	g.Blocks[0].Ops[1].Args[1] = Const(I64, 2)
	g.Blocks[0].Succs[0] = 2
	assert.Equal(t, uint64(1), f.Blocks[0].Ops[1].Args[1].Value)
	assert.Equal(t, 1, f.Blocks[0].Succs[0])
	assert.NotEqual(t, Format(f), Format(g))
	assert.Equal(t, f.NumVRegs(), g.NumVRegs())
}

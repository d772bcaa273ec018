package interpreter

import (
	"context"
	"crypto/aes"
	"encoding/binary"
	"math"
	"testing"

	"github.com/colorfulnotion/a64jit/jit/decoder"
	"github.com/colorfulnotion/a64jit/jit/guest"
	"github.com/colorfulnotion/a64jit/jit/ir"
	"github.com/colorfulnotion/a64jit/jiterrors"
	"github.com/colorfulnotion/a64jit/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	codeBase = 0x10000
	dataBase = 0x20000
)

func load(t *testing.T, a *guest.Asm) *memory.AddressSpace {
	t.Helper()
	as, err := memory.New(memory.Config{AddressBits: 20})
	require.NoError(t, err)
	t.Cleanup(func() { _ = as.Close() })
	code, err := a.Assemble()
	require.NoError(t, err)
	require.NoError(t, as.Map(codeBase, memory.PageSize, memory.PermRX))
	require.NoError(t, as.Map(dataBase, memory.PageSize, memory.PermRW))
	require.NoError(t, as.WriteUntracked(codeBase, code))
	return as
}

func newContext(pc uint64) *guest.Context {
	c := guest.NewContext()
	c.SetPC(pc)
	return c
}

func u64(v uint64) []byte { return binary.LittleEndian.AppendUint64(nil, v) }

func readU64(t *testing.T, as *memory.AddressSpace, addr uint64) uint64 {
	t.Helper()
	buf := make([]byte, 8)
	require.NoError(t, as.Read(addr, buf))
	return binary.LittleEndian.Uint64(buf)
}

func TestRunLoopToSyscall(t *testing.T) {
	as := load(t, guest.NewAsm().
		Label("loop").
		Ldr(2, 1, 0).
		AddImm(2, 2, 7).
		Str(2, 1, 0).
		SubsImm(0, 0, 1).
		BCond(guest.NE, "loop").
		Svc(64))
	require.NoError(t, as.Write(dataBase, u64(5)))

	gctx := newContext(codeBase)
	gctx.SetX(0, 3)
	gctx.SetX(1, dataBase)
	exit, executed, err := Run(context.Background(), gctx, as, Options{})
	require.NoError(t, err)
	assert.Equal(t, guest.Exit{Reason: guest.ExitSyscall, PC: codeBase + 24}, exit)
	assert.Equal(t, uint64(16), executed)
	assert.Equal(t, uint64(26), readU64(t, as, dataBase))
	assert.Equal(t, uint64(0), gctx.X(0))
	assert.Equal(t, uint64(64), gctx.LoadSlot(guest.SlotExitInfo))
	assert.Equal(t, uint64(codeBase+24), gctx.PC())
}

func TestRunBreakAndUndefined(t *testing.T) {
	as := load(t, guest.NewAsm().Nop().Brk(3).Word(0))

	gctx := newContext(codeBase)
	exit, _, err := Run(context.Background(), gctx, as, Options{})
	require.NoError(t, err)
	assert.Equal(t, guest.Exit{Reason: guest.ExitBreak, PC: codeBase + 4}, exit)

	gctx.SetPC(codeBase + 8)
	exit, _, err = Run(context.Background(), gctx, as, Options{})
	require.ErrorIs(t, err, jiterrors.ErrUndefinedInstruction)
	assert.Equal(t, guest.ExitUndefined, exit.Reason)
	assert.Equal(t, uint64(codeBase+8), exit.PC)
}

func TestRunFaultReportsInstruction(t *testing.T) {
	as := load(t, guest.NewAsm().
		AddImm(3, 3, 1).
		Ldr(2, 1, 0).
		Ret())
	gctx := newContext(codeBase)
	gctx.SetX(1, 0x80000)
	_, _, err := Run(context.Background(), gctx, as, Options{})
	require.ErrorIs(t, err, jiterrors.ErrUnmappedAccess)
	addr, ok := jiterrors.FaultAddr(err)
	require.True(t, ok)
	assert.Equal(t, uint64(0x80000), addr)
	assert.Equal(t, uint64(codeBase+4), gctx.PC())
	assert.Equal(t, uint64(1), gctx.X(3), "instructions before the fault retire")
}

func TestRunBudget(t *testing.T) {
	as := load(t, guest.NewAsm().Label("spin").AddImm(0, 0, 1).B("spin"))
	gctx := newContext(codeBase)
	_, executed, err := Run(context.Background(), gctx, as, Options{Budget: 10})
	require.ErrorIs(t, err, jiterrors.ErrBudgetExhausted)
	assert.GreaterOrEqual(t, executed, uint64(10))
	assert.Equal(t, executed/2, gctx.X(0))
}

func TestRunCancelled(t *testing.T) {
	as := load(t, guest.NewAsm().Label("spin").B("spin"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := Run(ctx, newContext(codeBase), as, Options{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStepRunsOneInstruction(t *testing.T) {
	as := load(t, guest.NewAsm().
		Label("top").
		AddImm(0, 0, 1).
		Str(0, 1, 8).
		B("top"))
	var hits []uint64
	h, err := as.Track(dataBase, memory.PageSize, func(addr, length uint64) { hits = append(hits, addr) })
	require.NoError(t, err)
	defer h.Dispose()

	gctx := newContext(codeBase)
	gctx.SetX(1, dataBase)

	exit, err := Step(gctx, as)
	require.NoError(t, err)
	assert.Equal(t, guest.Exit{Reason: guest.ExitBranch, PC: codeBase + 4}, exit)
	assert.Equal(t, uint64(1), gctx.X(0))
	assert.Empty(t, hits)

	exit, err = Step(gctx, as)
	require.NoError(t, err)
	assert.Equal(t, uint64(codeBase+8), exit.PC)
	assert.Equal(t, []uint64{dataBase + 8}, hits, "stores take the tracked path")

	exit, err = Step(gctx, as)
	require.NoError(t, err)
	assert.Equal(t, guest.Exit{Reason: guest.ExitBranch, PC: codeBase}, exit)
	assert.Equal(t, uint64(codeBase), gctx.PC())
}

func TestExecFuncRejectsAllocatedCode(t *testing.T) {
	b := ir.NewBuilder(codeBase)
	b.SetBlock(b.NewBlock(codeBase))
	b.Exit(guest.ExitBranch, ir.Const(ir.I64, codeBase))
	f := b.Func()
	f.Blocks[0].Ops = append([]*ir.Op{{Code: ir.OpMov, Dst: ir.PReg(3, ir.I64), Args: []ir.Operand{ir.Const(ir.I64, 1)}}}, f.Blocks[0].Ops...)
	_, _, err := ExecFunc(f, guest.NewContext(), nil)
	assert.ErrorIs(t, err, jiterrors.ErrInvalidIR)
}

func TestExecFuncVectorRoundTrip(t *testing.T) {
	as := load(t, guest.NewAsm().
		LdrQ(0, 1, 0).
		LdrQ(1, 1, 16).
		Vec3(guest.EncVAdd, true, 2, 2, 0, 1).
		StrQ(2, 1, 32).
		Ret())
	var x, y [16]byte
	for i := range x {
		x[i] = byte(i)
		y[i] = 0x10
	}
	require.NoError(t, as.Write(dataBase, x[:]))
	require.NoError(t, as.Write(dataBase+16, y[:]))

	f, err := decoder.Decode(as, codeBase, decoder.DefaultOptions())
	require.NoError(t, err)
	gctx := newContext(codeBase)
	gctx.SetX(1, dataBase)
	gctx.SetX(30, 0x1234)
	exit, n, err := ExecFunc(f, gctx, as)
	require.NoError(t, err)
	assert.Equal(t, guest.Exit{Reason: guest.ExitBranch, PC: 0x1234}, exit)
	assert.Equal(t, 5, n)

	got := make([]byte, 16)
	require.NoError(t, as.Read(dataBase+32, got))
	for i := 0; i < 16; i += 4 {
		assert.Equal(t, binary.LittleEndian.Uint32(x[i:])+0x10101010, binary.LittleEndian.Uint32(got[i:]))
	}
	assert.Equal(t, y, gctx.Vec(1))
}

func TestAESPrimitives(t *testing.T) {
	assert.Equal(t, byte(0x63), sbox[0])
	assert.Equal(t, byte(0xed), sbox[0x53])
	assert.Equal(t, byte(0x16), sbox[0xff])
	for i := 0; i < 256; i++ {
		require.Equal(t, byte(i), invSbox[sbox[i]])
	}

	var s state
	copy(s[:], []byte{0xdb, 0x13, 0x53, 0x45, 0xf2, 0x0a, 0x22, 0x5c, 0x01, 0x01, 0x01, 0x01, 0xc6, 0xc6, 0xc6, 0xc6})
	m := mixColumns(s)
	assert.Equal(t, []byte{0x8e, 0x4d, 0xa1, 0xbc, 0x9f, 0xdc, 0x58, 0x9d, 0x01, 0x01, 0x01, 0x01, 0xc6, 0xc6, 0xc6, 0xc6}, m[:])
	assert.Equal(t, s, invMixColumns(m))
	assert.Equal(t, s, invShiftRows(shiftRows(s)))
	assert.Equal(t, s, invSubBytes(subBytes(s)))
}

// expandKey is the AES-128 key schedule, one 16-byte round key per round.
func expandKey(key []byte) [11]state {
	var rk [11]state
	copy(rk[0][:], key)
	rcon := byte(1)
	for r := 1; r <= 10; r++ {
		prev := rk[r-1]
		t := [4]byte{sbox[prev[13]] ^ rcon, sbox[prev[14]], sbox[prev[15]], sbox[prev[12]]}
		for c := 0; c < 4; c++ {
			for j := 0; j < 4; j++ {
				rk[r][4*c+j] = prev[4*c+j] ^ t[j]
				t[j] = rk[r][4*c+j]
			}
		}
		rcon = xtime(rcon)
	}
	return rk
}

func eval(t *testing.T, in ir.Intrinsic, args ...vec) vec {
	t.Helper()
	r, err := EvalIntrinsic(in, args)
	require.NoError(t, err)
	return r
}

func TestAESMatchesCryptoAES(t *testing.T) {
	key := []byte("0123456789abcdef")
	var plain state
	copy(plain[:], "attack at dawn!!")
	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	var want state
	block.Encrypt(want[:], plain[:])
	rk := expandKey(key)

	t.Run("arm64", func(t *testing.T) {
		aese, ok := ir.Arm64Intrinsic(ir.VecAese, ir.Variant{VecWidth: 16})
		require.True(t, ok)
		aesmc, ok := ir.Arm64Intrinsic(ir.VecAesmc, ir.Variant{VecWidth: 16})
		require.True(t, ok)
		s := plain
		for r := 0; r < 9; r++ {
			s = eval(t, aesmc, eval(t, aese, s, rk[r]))
		}
		s = eval(t, aese, s, rk[9])
		assert.Equal(t, want, xor(s, rk[10]))
	})

	t.Run("x86", func(t *testing.T) {
		v := ir.Variant{VecWidth: 16}
		s := xor(plain, rk[0])
		for r := 1; r < 10; r++ {
			s = eval(t, ir.X86(ir.X86Aesenc, v), s, rk[r])
		}
		s = eval(t, ir.X86(ir.X86Aesenclast, v), s, rk[10])
		assert.Equal(t, want, s)

		// equivalent inverse cipher
		s = xor(want, rk[10])
		for r := 9; r >= 1; r-- {
			s = eval(t, ir.X86(ir.X86Aesdec, v), s, eval(t, ir.X86(ir.X86Aesimc, v), rk[r]))
		}
		s = eval(t, ir.X86(ir.X86Aesdeclast, v), s, rk[0])
		assert.Equal(t, plain, s)
	})
}

func lanes(size int, xs ...uint64) vec {
	var v vec
	for i, x := range xs {
		setLane(&v, size, i, x)
	}
	return v
}

func f64(xs ...float64) vec {
	var v vec
	for i, x := range xs {
		setLane(&v, 8, i, math.Float64bits(x))
	}
	return v
}

func TestEvalIntrinsicLanes(t *testing.T) {
	arm := func(id ir.IntrinsicID, v ir.Variant) ir.Intrinsic {
		return ir.Intrinsic{Namespace: ir.NamespaceArm64, ID: id, Variant: v}
	}
	full := func(size uint8) ir.Variant { return ir.Variant{ElemSize: size, VecWidth: 16} }
	ones := lanes(8, math.MaxUint64, math.MaxUint64)

	cases := []struct {
		name string
		in   ir.Intrinsic
		args []vec
		want vec
	}{
		{"uqadd saturates", arm(ir.A64Uqadd, full(1)), []vec{lanes(1, 0xf0, 1), lanes(1, 0x20, 2)}, lanes(1, 0xff, 3)},
		{"sqsub saturates low", arm(ir.A64Sqsub, full(1)), []vec{lanes(1, 0x80), lanes(1, 1)}, lanes(1, 0x80)},
		{"sqadd 64-bit", arm(ir.A64Sqadd, full(8)), []vec{lanes(8, math.MaxInt64, 1), lanes(8, 1, 1)}, lanes(8, math.MaxInt64, 2)},
		{"uqsub floors", arm(ir.A64Uqsub, full(2)), []vec{lanes(2, 3), lanes(2, 5)}, vec{}},
		{"add half width zeroes upper", arm(ir.A64Add, ir.Variant{ElemSize: 4, VecWidth: 8}), []vec{ones, lanes(4, 1, 1, 1, 1)}, lanes(4, 0, 0)},
		{"sshr fills sign", arm(ir.A64Sshr, ir.Variant{ElemSize: 2, VecWidth: 16, Imm: 15}), []vec{lanes(2, 0x8000, 0x7fff)}, lanes(2, 0xffff, 0)},
		{"ushr out of range", arm(ir.A64Ushr, ir.Variant{ElemSize: 4, VecWidth: 16, Imm: 32}), []vec{lanes(4, 0xffffffff)}, vec{}},
		{"cmeq", arm(ir.A64Cmeq, full(4)), []vec{lanes(4, 1, 2), lanes(4, 1, 3)}, lanes(4, 0xffffffff, 0, 0xffffffff, 0xffffffff)},
		{"smin", arm(ir.A64Smin, full(1)), []vec{lanes(1, 0xff, 1), lanes(1, 1, 0x80)}, lanes(1, 0xff, 0x80)},
		{"bic", arm(ir.A64Bic, ir.Variant{VecWidth: 16}), []vec{ones, lanes(8, 0xff)}, lanes(8, math.MaxUint64&^0xff, math.MaxUint64)},
		{"frintm scalar", arm(ir.A64Frintm, ir.Variant{ElemSize: 8}), []vec{f64(-1.5, 7)}, f64(-2)},
		{"frintn ties to even", arm(ir.A64Frintn, full(8)), []vec{f64(2.5, -0.5)}, f64(2, math.Copysign(0, -1))},
		{"x86 padd ignores width", ir.X86(ir.X86Padd, ir.Variant{ElemSize: 4, VecWidth: 8}), []vec{ones, lanes(4, 1, 1, 1, 1)}, vec{}},
		{"x86 pandn", ir.X86(ir.X86Pandn, full(8)), []vec{lanes(8, 0xf0), lanes(8, 0xff)}, lanes(8, 0x0f)},
		{"x86 psra", ir.X86(ir.X86PsraImm, ir.Variant{ElemSize: 4, VecWidth: 16, Imm: 40}), []vec{lanes(4, 0x80000000, 1)}, lanes(4, 0xffffffff)},
		{"x86 round keeps upper", ir.X86(ir.X86Round, ir.Variant{ElemSize: 8, Imm: ir.X86RoundUp}), []vec{f64(1.2, 9.5)}, f64(2, 9.5)},
		{"x86 scalar add keeps upper", ir.X86(ir.X86Add, ir.Variant{ElemSize: 8}), []vec{f64(1, 3), f64(2, 100)}, f64(3, 3)},
		{"x86 movq", ir.X86(ir.X86Movq, ir.Variant{VecWidth: 16}), []vec{ones}, lanes(8, math.MaxUint64)},
		{"x86 insertps", ir.X86(ir.X86Insertps, ir.Variant{VecWidth: 16, Imm: 1<<6 | 2<<4 | 1}), []vec{lanes(4, 1, 2, 3, 4), lanes(4, 5, 6, 7, 8)}, lanes(4, 0, 2, 6, 4)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, eval(t, tc.in, tc.args...))
		})
	}
}

func TestEvalIntrinsicRejectsBadShapes(t *testing.T) {
	_, err := EvalIntrinsic(ir.X86(ir.X86Pmull, ir.Variant{ElemSize: 1, VecWidth: 16}), []vec{{}, {}})
	assert.ErrorIs(t, err, jiterrors.ErrInvalidIR)

	_, err = EvalIntrinsic(ir.X86(ir.X86Padd, ir.Variant{ElemSize: 4, VecWidth: 16}), []vec{{}})
	assert.ErrorIs(t, err, jiterrors.ErrInvalidIR)
}

// patchesOwnBlock stores a new instruction over a later one of the same block.
func patchesOwnBlock() *guest.Asm {
	patch := binary.LittleEndian.Uint32(guest.NewAsm().Movz(0, 42, 0).MustAssemble())
	return guest.NewAsm().
		Adr(1, "tail").
		MovImm(2, uint64(patch)).
		StrW(2, 1, 0).
		Label("tail").
		Movz(0, 1, 0).
		Svc(0)
}

func TestRunStoreIntoOwnBlock(t *testing.T) {
	as := load(t, patchesOwnBlock())
	require.NoError(t, as.Reprotect(codeBase, memory.PageSize, memory.PermRWX))
	gctx := newContext(codeBase)
	exit, _, err := Run(context.Background(), gctx, as, Options{})
	require.NoError(t, err)
	assert.Equal(t, guest.ExitSyscall, exit.Reason)
	assert.Equal(t, uint64(42), gctx.X(0), "the patched instruction runs")
}

func TestExecFuncGuardedStopsBeforeStore(t *testing.T) {
	as := load(t, patchesOwnBlock())
	require.NoError(t, as.Reprotect(codeBase, memory.PageSize, memory.PermRWX))
	f, err := decoder.Decode(as, codeBase, decoder.DefaultOptions())
	require.NoError(t, err)
	require.Len(t, f.Blocks, 1)

	gctx := newContext(codeBase)
	before := make([]byte, 4)
	require.NoError(t, as.Read(codeBase+16, before))
	exit, _, err := ExecFuncGuarded(f, gctx, as, 0, CodeGuard(f.Ranges()))
	require.NoError(t, err)
	assert.Equal(t, guest.ExitSlowPath, exit.Reason)
	assert.Equal(t, uint64(codeBase+12), exit.PC, "the store instruction")
	assert.Equal(t, uint64(codeBase+12), gctx.PC())
	after := make([]byte, 4)
	require.NoError(t, as.Read(codeBase+16, after))
	assert.Equal(t, before, after, "nothing was written")

	// stores elsewhere run normally
	gctx = newContext(codeBase)
	exit, _, err = ExecFuncGuarded(f, gctx, as, 0, CodeGuard([]ir.GuestRange{{Start: dataBase, End: dataBase + 4}}))
	require.NoError(t, err)
	assert.Equal(t, guest.ExitSyscall, exit.Reason)
	assert.Equal(t, uint64(1), gctx.X(0), "a function without the guard keeps its decoded instructions")
}

package trace

import (
	"bytes"
	"context"
	"testing"

	"github.com/colorfulnotion/a64jit/jit/guest"
	"github.com/colorfulnotion/a64jit/jit/runtime"
	"github.com/colorfulnotion/a64jit/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func traceRun(t *testing.T, x0 uint64, full bool) []Record {
	t.Helper()
	as, err := memory.New(memory.Config{AddressBits: 20})
	require.NoError(t, err)
	defer as.Close()
	code := guest.NewAsm().
		Label("top").
		AddImm(1, 1, 1).
		SubsImm(0, 0, 1).
		BCond(guest.NE, "top").
		Svc(1).
		MustAssemble()
	require.NoError(t, as.Map(0x10000, memory.PageSize, memory.PermRX))
	require.NoError(t, as.WriteUntracked(0x10000, code))

	var buf bytes.Buffer
	w := NewWriter(&buf, full)
	cfg := runtime.DefaultConfig()
	cfg.Target = runtime.Interp
	cfg.Tracer = w
	cfg.MaxBlocks = 1
	e, err := runtime.New(as, cfg)
	require.NoError(t, err)
	defer e.Close()

	g := guest.NewContext()
	g.SetPC(0x10000)
	g.SetX(0, x0)
	_, err = e.Run(context.Background(), g)
	require.NoError(t, err)
	require.NoError(t, w.Flush())

	recs, err := Read(&buf)
	require.NoError(t, err)
	require.Equal(t, w.Len(), uint64(len(recs)))
	return recs
}

func TestWriterRecordsDispatches(t *testing.T) {
	recs := traceRun(t, 3, false)
	require.Len(t, recs, 2, "the loop stays inside one translation")
	assert.Equal(t, "0x10000", recs[0].PC)
	assert.Equal(t, "0x1000c", recs[0].Next)
	assert.Equal(t, guest.ExitBranch.String(), recs[0].Exit)
	assert.Equal(t, "interp", recs[0].Mode)
	assert.Equal(t, uint64(9), recs[0].Insts)
	assert.Equal(t, guest.ExitSyscall.String(), recs[1].Exit)
	assert.Equal(t, "0x10010", recs[1].Next)
	assert.Nil(t, recs[0].State)
	for i, r := range recs {
		assert.Equal(t, uint64(i+1), r.Seq)
	}
	assert.NotEqual(t, recs[0].Regs, recs[1].Regs)

	full := traceRun(t, 3, true)
	require.NotNil(t, full[1].State)
	assert.Equal(t, uint64(0x10010), full[1].State.PC)
	assert.Equal(t, uint64(3), full[1].State.X[1])
	assert.Equal(t, full[1].Regs, Digest(*full[1].State))
}

func TestFirstDivergence(t *testing.T) {
	a := traceRun(t, 3, false)
	_, diverged := FirstDivergence(a, traceRun(t, 3, false))
	assert.False(t, diverged)

	i, diverged := FirstDivergence(a, traceRun(t, 4, false))
	require.True(t, diverged)
	assert.Equal(t, 0, i, "the loop count differs after the first dispatch")

	i, diverged = FirstDivergence(a, a[:1])
	require.True(t, diverged)
	assert.Equal(t, 1, i)
}

func TestDiff(t *testing.T) {
	a := guest.NewContext()
	b := guest.NewContext()
	b.CopyFrom(a)

	for _, compact := range []bool{false, true} {
		out, same, err := Diff(a.Snapshot(), b.Snapshot(), compact)
		require.NoError(t, err)
		assert.True(t, same)
		assert.Empty(t, out)
	}

	b.SetX(5, 42)
	out, same, err := Diff(a.Snapshot(), b.Snapshot(), false)
	require.NoError(t, err)
	assert.False(t, same)
	assert.Contains(t, out, "42")

	out, same, err = Diff(a.Snapshot(), b.Snapshot(), true)
	require.NoError(t, err)
	assert.False(t, same)
	assert.Contains(t, out, "42")
	assert.NotContains(t, out, `"sp"`, "matching members are skipped")
}

package performance

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

const codeBase = 0x10000

func newSpace(t *testing.T, code []byte) *memory.AddressSpace {
	t.Helper()
	as, err := memory.New(memory.Config{AddressBits: 20})
	require.NoError(t, err)
	t.Cleanup(func() { _ = as.Close() })
	require.NoError(t, as.Map(codeBase, memory.PageSize, memory.PermRX))
	require.NoError(t, as.WriteUntracked(codeBase, code))
	return as
}

// twoFunctions splits at the syscall: the second function starts after the svc and ends in a ret.
func twoFunctions() []byte {
	return guest.NewAsm().
		AddImm(0, 0, 1).
		Svc(1).
		AddImm(0, 0, 2).
		Ret().
		MustAssemble()
}

func loopProgram() []byte {
	return guest.NewAsm().
		Label("top").
		AddImm(1, 1, 1).
		SubsImm(0, 0, 1).
		BCond(guest.NE, "top").
		Svc(1).
		MustAssemble()
}

func interpEngine(t *testing.T, as *memory.AddressSpace) *runtime.Engine {
	t.Helper()
	cfg := runtime.DefaultConfig()
	cfg.Target = runtime.Interp
	e, err := runtime.New(as, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestDiscoverFollowsStaticExits(t *testing.T) {
	as := newSpace(t, twoFunctions())
	e := interpEngine(t, as)

	fn, err := e.Compile(context.Background(), codeBase)
	require.NoError(t, err)
	assert.Equal(t, []uint64{codeBase + 8}, StaticExits(fn.IR))

	entries, err := Discover(context.Background(), e, codeBase, 0)
	require.NoError(t, err)
	assert.Equal(t, []uint64{codeBase, codeBase + 8}, entries)

	entries, err = Discover(context.Background(), e, codeBase, 1)
	require.NoError(t, err)
	assert.Equal(t, []uint64{codeBase}, entries)
}

func TestRunComparesTargets(t *testing.T) {
	as := newSpace(t, twoFunctions())
	opts := Options{
		Targets: []string{runtime.Interp, "amd64"},
		Engine:  runtime.DefaultConfig(),
		Workers: 4,
	}
	results, err := Run(context.Background(), as, codeBase, opts)
	require.NoError(t, err)
	require.Len(t, results, 4)
	for _, r := range results {
		assert.Empty(t, r.Err)
		assert.Equal(t, 2, r.GuestInsts)
		if r.Target == runtime.Interp {
			assert.Zero(t, r.CodeSize)
		} else {
			assert.Positive(t, r.CodeSize)
		}
	}
	assert.Equal(t, uint64(codeBase), results[0].PC)
	assert.Equal(t, uint64(codeBase+8), results[3].PC)

	sums := Summarize(results)
	require.Len(t, sums, 2)
	assert.Equal(t, "amd64", sums[0].Target)
	assert.Equal(t, 2, sums[0].Functions)
	assert.Equal(t, 4, sums[0].GuestInsts)
	assert.Positive(t, sums[0].BytesPerInst())
	assert.Zero(t, sums[1].BytesPerInst())

	var buf bytes.Buffer
	require.NoError(t, RenderReport(&buf, results))
	assert.Contains(t, buf.String(), "Compile time")
	assert.Contains(t, buf.String(), "0x10008")
}

func TestRunRejectsEmptyTargets(t *testing.T) {
	as := newSpace(t, twoFunctions())
	_, err := Run(context.Background(), as, codeBase, Options{Engine: runtime.DefaultConfig()})
	assert.Error(t, err)
}

func TestTreeAndGraph(t *testing.T) {
	as := newSpace(t, loopProgram())
	e := interpEngine(t, as)
	fn, err := e.Compile(context.Background(), codeBase)
	require.NoError(t, err)

	out := Tree(fn.IR).String()
	assert.Contains(t, out, "b0@0x10000")
	assert.Contains(t, out, "-> b0@0x10000", "the back edge is listed as a reference")
	assert.Contains(t, out, "exit syscall -> 0x10010")

	g := Graph(fn.IR)
	require.NotNil(t, g)
	var buf bytes.Buffer
	require.NoError(t, RenderGraphs(&buf, fn.IR))
	assert.Contains(t, buf.String(), "fn 0x10000")
}

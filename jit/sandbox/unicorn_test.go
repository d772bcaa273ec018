//go:build unicorn
// +build unicorn

package sandbox

import (
	"context"
	"testing"

	"github.com/colorfulnotion/a64jit/jit/guest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnicornAgreesWithEngine(t *testing.T) {
	code := guest.NewAsm().
		Label("loop").
		AddImm(2, 2, 5).
		Str(2, 1, 0).
		SubsImm(0, 0, 1).
		BCond(guest.NE, "loop").
		Brk(3).
		MustAssemble()
	as := newSpace(t, code)
	e := newEngine(t, as)
	ref, err := Open("unicorn")
	require.NoError(t, err)
	defer ref.Close()

	g := guest.NewContext()
	g.SetPC(codeBase)
	g.SetX(0, 4)
	g.SetX(1, dataBase)
	r, err := Check(context.Background(), e, ref, g, Options{MemoryDiffs: 8})
	require.NoError(t, err)
	assert.True(t, r.OK(), "%v", r.Diffs)
	assert.Equal(t, guest.Exit{Reason: guest.ExitBreak, PC: codeBase + 16}, r.RefExit)
	assert.Equal(t, uint64(20), r.RefState.X[2])
}

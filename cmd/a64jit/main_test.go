package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/colorfulnotion/a64jit/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	a := &app{cfg: config.Default()}
	root := newRootCmd(a)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	require.NoError(t, a.teardown())
	return out.String(), err
}

func TestRunReturnsGuestExitCode(t *testing.T) {
	out, err := execute(t, "run", "--demo", "hello", "--target", "interp")
	require.NoError(t, err)
	assert.Contains(t, out, "hello from a64jit")

	_, err = execute(t, "run", "--demo", "sum", "--target", "interp")
	var ec exitCode
	require.ErrorAs(t, err, &ec)
	assert.Equal(t, exitCode(20), ec)
}

func TestSourceFlagsAreExclusive(t *testing.T) {
	_, err := execute(t, "run", "--target", "interp")
	assert.ErrorContains(t, err, "choose a program")
	_, err = execute(t, "run", "--demo", "sum", "--raw", "x.bin", "--target", "interp")
	assert.ErrorContains(t, err, "exclusive")
}

func TestInspectCommands(t *testing.T) {
	out, err := execute(t, "ir", "--demo", "sum", "--target", "interp")
	require.NoError(t, err)
	assert.Contains(t, out, "guest insts")

	out, err = execute(t, "disasm", "--demo", "sum", "-n", "4")
	require.NoError(t, err)
	assert.NotEmpty(t, out)

	html := filepath.Join(t.TempDir(), "cfg.html")
	out, err = execute(t, "graph", "--demo", "fib", "--target", "interp", "-o", html)
	require.NoError(t, err)
	assert.Contains(t, out, html)
	assert.FileExists(t, html)
}

func TestValidateAgainstInterpreter(t *testing.T) {
	out, err := execute(t, "validate", "--demo", "fib", "--target", "interp")
	require.NoError(t, err)
	assert.Contains(t, out, "traces agree")

	out, err = execute(t, "validate", "--demo", "sum", "--target", "interp", "--reference", "interp")
	require.NoError(t, err)
	assert.Contains(t, out, "guest exited with 20")
}

func TestPTCCommands(t *testing.T) {
	dir := t.TempDir()
	_, err := execute(t, "ptc", "list")
	assert.Error(t, err)
	out, err := execute(t, "ptc", "list", "--ptc", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "fingerprint")
	out, err = execute(t, "ptc", "purge", "--ptc", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "purged 0 entries")
}

package ptc_test

import (
	"context"
	"path/filepath"
	goruntime "runtime"
	"testing"

	"github.com/colorfulnotion/a64jit/jit/backend"
	"github.com/colorfulnotion/a64jit/jit/cache"
	"github.com/colorfulnotion/a64jit/jit/guest"
	"github.com/colorfulnotion/a64jit/jit/ir"
	"github.com/colorfulnotion/a64jit/jit/ptc"
	"github.com/colorfulnotion/a64jit/jit/runtime"
	"github.com/colorfulnotion/a64jit/jiterrors"
	"github.com/colorfulnotion/a64jit/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleCode(target string) *backend.Code {
	return &backend.Code{
		Target:       target,
		Bytes:        []byte{0x90, 0x90, 0xc3, 0xcc},
		BlockOffsets: []int{0, 2},
		Entry:        0x10000,
		Ranges:       []ir.GuestRange{{Start: 0x10000, End: 0x10010}},
		Insts:        4,
	}
}

func TestPutGet(t *testing.T) {
	s, err := ptc.Open("")
	require.NoError(t, err)
	defer s.Close()

	fp := cache.Fingerprint{1, 2, 3}
	require.NoError(t, s.Put(fp, sampleCode("amd64")))
	require.NoError(t, s.Put(fp, sampleCode("amd64")), "rewriting identical code")

	got, ok, err := s.Get(fp, "amd64")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, sampleCode("amd64"), got)

	_, ok, err = s.Get(fp, "arm64")
	require.NoError(t, err)
	assert.False(t, ok, "targets do not share entries")
	_, ok, err = s.Get(cache.Fingerprint{9}, "amd64")
	require.NoError(t, err)
	assert.False(t, ok)

	hits, misses := s.Stats()
	assert.Equal(t, uint64(1), hits)
	assert.Equal(t, uint64(2), misses)
}

func TestPutRejectsMalformedCode(t *testing.T) {
	s, err := ptc.Open("")
	require.NoError(t, err)
	defer s.Close()

	bad := sampleCode("amd64")
	bad.BlockOffsets = []int{2, 1}
	assert.ErrorIs(t, s.Put(cache.Fingerprint{1}, bad), jiterrors.ErrInternal)
	bad = sampleCode("amd64")
	bad.Bytes = nil
	bad.BlockOffsets = nil
	assert.ErrorIs(t, s.Put(cache.Fingerprint{1}, bad), jiterrors.ErrInternal)
}

func TestEntriesAndPurge(t *testing.T) {
	s, err := ptc.Open(filepath.Join(t.TempDir(), "ptc"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Put(cache.Fingerprint{1}, sampleCode("amd64")))
	require.NoError(t, s.Put(cache.Fingerprint{2}, sampleCode("amd64")))
	require.NoError(t, s.Put(cache.Fingerprint{1}, sampleCode("arm64")))

	all, err := s.Entries("")
	require.NoError(t, err)
	assert.Len(t, all, 3)
	amd, err := s.Entries("amd64")
	require.NoError(t, err)
	require.Len(t, amd, 2)
	assert.Equal(t, cache.Fingerprint{1}, amd[0].Fingerprint)
	assert.Equal(t, 4, amd[0].Size)

	n, err := s.Purge("amd64")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	all, err = s.Entries("")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "arm64", all[0].Target)
}

// A second engine over the same program loads the code the first one emitted.
func TestEngineReusesStoredCode(t *testing.T) {
	target := "arm64"
	if goruntime.GOARCH == "arm64" {
		target = "amd64"
	}
	dir := filepath.Join(t.TempDir(), "ptc")
	code := guest.NewAsm().AddImm(0, 0, 3).Svc(0).MustAssemble()

	run := func() (*cache.Function, uint64) {
		s, err := ptc.Open(dir)
		require.NoError(t, err)
		defer s.Close()
		as, err := memory.New(memory.Config{AddressBits: 20})
		require.NoError(t, err)
		defer as.Close()
		require.NoError(t, as.Map(0x10000, memory.PageSize, memory.PermRX))
		require.NoError(t, as.WriteUntracked(0x10000, code))

		cfg := runtime.DefaultConfig()
		cfg.Target = target
		cfg.Store = s
		e, err := runtime.New(as, cfg)
		require.NoError(t, err)
		defer e.Close()
		g := guest.NewContext()
		g.SetPC(0x10000)
		exit, err := e.Run(context.Background(), g)
		require.NoError(t, err)
		require.Equal(t, guest.ExitSyscall, exit.Reason)
		fn, ok := e.Cache().Get(0x10000)
		require.True(t, ok)
		return fn, g.X(0)
	}

	first, x0 := run()
	assert.False(t, first.Meta.Persisted)
	assert.Equal(t, uint64(3), x0)
	second, x0 := run()
	assert.True(t, second.Meta.Persisted)
	assert.Equal(t, uint64(3), x0)
	assert.Equal(t, first.Code.Bytes, second.Code.Bytes)
	assert.Equal(t, first.Fingerprint, second.Fingerprint)
}

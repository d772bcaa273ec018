package memory

import (
	"sync/atomic"
	"testing"

	"github.com/colorfulnotion/a64jit/jiterrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSpace(t *testing.T) *AddressSpace {
	t.Helper()
	as, err := New(Config{AddressBits: 20})
	require.NoError(t, err)
	t.Cleanup(func() { _ = as.Close() })
	return as
}

func TestMapReadWrite(t *testing.T) {
	as := newTestSpace(t)
	require.NoError(t, as.Map(0x1000, 2*PageSize, PermRW))

	require.NoError(t, as.Write(0x1ffe, []byte{1, 2, 3, 4}))
	buf := make([]byte, 4)
	require.NoError(t, as.Read(0x1ffe, buf))
	assert.Equal(t, []byte{1, 2, 3, 4}, buf)

	mappings := as.Mappings()
	require.Len(t, mappings, 1)
	assert.Equal(t, Mapping{Addr: 0x1000, Length: 2 * PageSize, Perm: PermRW}, mappings[0])
}

func TestMapFailures(t *testing.T) {
	as := newTestSpace(t)
	require.NoError(t, as.Map(0x4000, PageSize, PermRX))

	// identical permissions are compatible
	require.NoError(t, as.Map(0x3000, 2*PageSize, PermRX))

	err := as.Map(0x4000, PageSize, PermRW)
	assert.ErrorIs(t, err, jiterrors.ErrMappingConflict)

	err = as.Map(as.Size(), PageSize, PermRW)
	assert.ErrorIs(t, err, jiterrors.ErrOutOfRange)

	err = as.Map(0x10, PageSize, PermRW)
	assert.ErrorIs(t, err, jiterrors.ErrUnaligned)
}

func TestAccessFaults(t *testing.T) {
	as := newTestSpace(t)
	require.NoError(t, as.Map(0x2000, PageSize, PermRX))
	require.NoError(t, as.Map(0x8000, PageSize, PermRW))

	err := as.Read(0x5000, make([]byte, 4))
	assert.ErrorIs(t, err, jiterrors.ErrUnmappedAccess)
	addr, ok := jiterrors.FaultAddr(err)
	require.True(t, ok)
	assert.Equal(t, uint64(0x5000), addr)

	err = as.Write(0x2000, []byte{1})
	assert.ErrorIs(t, err, jiterrors.ErrProtectionFault)

	err = as.Fetch(0x8000, make([]byte, 4))
	assert.ErrorIs(t, err, jiterrors.ErrProtectionFault)

	// crossing from a mapped page into an unmapped one faults at the boundary
	err = as.Read(0x8ffe, make([]byte, 4))
	assert.ErrorIs(t, err, jiterrors.ErrUnmappedAccess)
	addr, _ = jiterrors.FaultAddr(err)
	assert.Equal(t, uint64(0x9000), addr)

	// loader path ignores write protection
	require.NoError(t, as.WriteUntracked(0x2000, []byte{0xaa}))
	b := make([]byte, 1)
	require.NoError(t, as.Fetch(0x2000, b))
	assert.Equal(t, byte(0xaa), b[0])
}

func TestFastPathFlags(t *testing.T) {
	as := newTestSpace(t)
	require.NoError(t, as.Map(0x1000, PageSize, PermRW))
	require.NoError(t, as.Map(0x2000, PageSize, PermRWX))
	require.NoError(t, as.Map(0x3000, PageSize, PermRead))

	assert.NotZero(t, as.flag(1)&FlagFastWrite)
	assert.NotZero(t, as.flag(1)&FlagFastRead)
	assert.Zero(t, as.flag(2)&FlagFastWrite, "executable pages never take the fast store path")
	assert.Zero(t, as.flag(3)&FlagFastWrite)

	h, err := as.Track(0x1000, 8, func(uint64, uint64) {})
	require.NoError(t, err)
	assert.Zero(t, as.flag(1)&FlagFastWrite)
	h.Dispose()
	assert.NotZero(t, as.flag(1)&FlagFastWrite)
}

func TestTrackedWriteInvokesHook(t *testing.T) {
	as := newTestSpace(t)
	require.NoError(t, as.Map(0x1000, 2*PageSize, PermRWX))

	var calls atomic.Int32
	h, err := as.Track(0x1000, 16, func(addr, length uint64) {
		calls.Add(1)
	})
	require.NoError(t, err)

	// page granularity: anywhere in the tracked page fires
	require.NoError(t, as.Write(0x1800, []byte{1}))
	assert.Equal(t, int32(1), calls.Load())

	// the other page is not tracked
	require.NoError(t, as.Write(0x2000, []byte{1}))
	assert.Equal(t, int32(1), calls.Load())

	require.NoError(t, as.WriteUntracked(0x1000, []byte{9}))
	assert.Equal(t, int32(1), calls.Load())

	h.Dispose()
	h.Dispose()
	require.NoError(t, as.Write(0x1000, []byte{2}))
	assert.Equal(t, int32(1), calls.Load())
	assert.False(t, as.Tracked(0x1000))
}

func TestWrittenSince(t *testing.T) {
	as := newTestSpace(t)
	require.NoError(t, as.Map(0x1000, 2*PageSize, PermRWX))
	seq := as.WriteSeq()
	assert.False(t, as.WrittenSince(0x1000, 2*PageSize, seq))

	require.NoError(t, as.Write(0x2004, []byte{1}))
	assert.True(t, as.WrittenSince(0x1000, 2*PageSize, seq))
	assert.False(t, as.WrittenSince(0x1000, PageSize, seq))

	require.NoError(t, as.WriteUntracked(0x1000, []byte{1}))
	assert.False(t, as.WrittenSince(0x1000, PageSize, seq))
}

func TestRemapDoesNotLeakTracking(t *testing.T) {
	as := newTestSpace(t)
	require.NoError(t, as.Map(0x4000, PageSize, PermRWX))

	var calls atomic.Int32
	_, err := as.Track(0x4000, PageSize, func(uint64, uint64) { calls.Add(1) })
	require.NoError(t, err)
	require.NoError(t, as.Write(0x4000, []byte{1, 2, 3}))
	assert.Equal(t, int32(1), calls.Load())

	require.NoError(t, as.Unmap(0x4000, PageSize))
	assert.Equal(t, int32(2), calls.Load(), "unmap fires the hook once")

	require.NoError(t, as.Map(0x4000, PageSize, PermRW))
	assert.False(t, as.Tracked(0x4000))
	assert.NotZero(t, as.flag(4)&FlagFastWrite)

	buf := make([]byte, 3)
	require.NoError(t, as.Read(0x4000, buf))
	assert.Equal(t, []byte{0, 0, 0}, buf, "fresh mapping starts zeroed")

	require.NoError(t, as.Write(0x4000, []byte{7}))
	assert.Equal(t, int32(2), calls.Load())
}

func TestReprotectRemovingExecFiresHooks(t *testing.T) {
	as := newTestSpace(t)
	require.NoError(t, as.Map(0x6000, PageSize, PermRX))

	var calls atomic.Int32
	_, err := as.Track(0x6000, 4, func(uint64, uint64) { calls.Add(1) })
	require.NoError(t, err)

	require.NoError(t, as.Reprotect(0x6000, PageSize, PermRWX))
	assert.Equal(t, int32(0), calls.Load())
	assert.True(t, as.Tracked(0x6000))

	require.NoError(t, as.Reprotect(0x6000, PageSize, PermRW))
	assert.Equal(t, int32(1), calls.Load())

	err = as.Reprotect(0x7000, PageSize, PermRW)
	assert.ErrorIs(t, err, jiterrors.ErrUnmappedAccess)
}

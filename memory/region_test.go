package memory

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingBlock struct {
	Block
	tracked, untracked int
}

func (c *countingBlock) Write(addr uint64, data []byte) error {
	c.tracked++
	return c.Block.Write(addr, data)
}

func (c *countingBlock) WriteUntracked(addr uint64, data []byte) error {
	c.untracked++
	return c.Block.WriteUntracked(addr, data)
}

func TestRegionCommitsOnce(t *testing.T) {
	as := newTestSpace(t)
	require.NoError(t, as.Map(0x1000, PageSize, PermRW))
	blk := &countingBlock{Block: as}

	r, err := Acquire(blk, 0x1010, 4, true)
	require.NoError(t, err)
	copy(r.Bytes(), []byte{0xde, 0xad, 0xbe, 0xef})
	require.NoError(t, r.Release())
	require.NoError(t, r.Release())
	assert.Equal(t, 1, blk.tracked)
	assert.Equal(t, 0, blk.untracked)

	buf := make([]byte, 4)
	require.NoError(t, as.Read(0x1010, buf))
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, buf)

	u, err := Acquire(blk, 0x1020, 2, false)
	require.NoError(t, err)
	require.NoError(t, u.Release())
	assert.Equal(t, 1, blk.untracked)
}

func TestRegionCommitsOnErrorPath(t *testing.T) {
	as := newTestSpace(t)
	require.NoError(t, as.Map(0x3000, PageSize, PermRWX))

	var hooked int
	_, err := as.Track(0x3000, PageSize, func(uint64, uint64) { hooked++ })
	require.NoError(t, err)

	boom := errors.New("boom")
	err = WithRegion(as, 0x3100, 8, true, func(b []byte) error {
		b[0] = 0x42
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, hooked, "tracked commit reaches the hook even when the body fails")

	buf := make([]byte, 1)
	require.NoError(t, as.Read(0x3100, buf))
	assert.Equal(t, byte(0x42), buf[0])

	func() {
		defer func() { _ = recover() }()
		_ = WithRegion(as, 0x3200, 1, true, func(b []byte) error {
			b[0] = 0x43
			panic("unwind")
		})
	}()
	require.NoError(t, as.Read(0x3200, buf))
	assert.Equal(t, byte(0x43), buf[0])
	assert.Equal(t, 2, hooked)
}

func TestBorrowedRegionReleaseIsNoop(t *testing.T) {
	data := []byte{1, 2, 3}
	r := Borrow(data)
	assert.False(t, r.NeedsWriteback())
	r.Bytes()[0] = 9
	require.NoError(t, r.Release())
	assert.Equal(t, byte(9), data[0])
}

func TestAcquireUnmapped(t *testing.T) {
	as := newTestSpace(t)
	_, err := Acquire(as, 0x9000, 4, true)
	assert.Error(t, err)
}

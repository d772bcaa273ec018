package cache

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/colorfulnotion/a64jit/jit/decoder"
	"github.com/colorfulnotion/a64jit/jit/guest"
	"github.com/colorfulnotion/a64jit/jiterrors"
	"github.com/colorfulnotion/a64jit/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

const (
	pcA = 0x10000
	pcB = 0x11000
)

func newSpace(t *testing.T) *memory.AddressSpace {
	t.Helper()
	as, err := memory.New(memory.Config{AddressBits: 20})
	require.NoError(t, err)
	t.Cleanup(func() { _ = as.Close() })
	require.NoError(t, as.Map(pcA, 2*memory.PageSize, memory.PermRWX))
	code := guest.NewAsm().AddImm(0, 0, 1).Ret().MustAssemble()
	require.NoError(t, as.WriteUntracked(pcA, code))
	require.NoError(t, as.WriteUntracked(pcB, code))
	return as
}

type counting struct {
	as     *memory.AddressSpace
	builds atomic.Int32
	before func(pc uint64) // runs inside the build, after decoding
}

func (b *counting) build(pc uint64) (*Function, error) {
	b.builds.Add(1)
	f, err := decoder.Decode(b.as, pc, decoder.DefaultOptions())
	if err != nil {
		return nil, err
	}
	if b.before != nil {
		b.before(pc)
	}
	fp, err := ComputeFingerprint(b.as, "interp", pc, f.Ranges())
	if err != nil {
		return nil, err
	}
	return &Function{
		PC:          pc,
		Ranges:      f.Ranges(),
		Fingerprint: fp,
		Target:      "interp",
		IR:          f,
		Meta:        Meta{Blocks: len(f.Blocks), Insts: f.Insts()},
	}, nil
}

func newCache(t *testing.T) (*Cache, *counting) {
	b := &counting{as: newSpace(t)}
	return New(b.as, b.build), b
}

func TestConcurrentLookupsCompileOnce(t *testing.T) {
	c, b := newCache(t)
	b.before = func(uint64) { time.Sleep(20 * time.Millisecond) }

	const n = 16
	results := make([]*Function, n)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			f, err := c.Lookup(context.Background(), pcA)
			results[i] = f
			return err
		})
	}
	require.NoError(t, g.Wait())
	for _, f := range results {
		assert.Same(t, results[0], f)
	}
	assert.Equal(t, int32(1), b.builds.Load())
	st := c.Stats()
	assert.Equal(t, uint64(1), st.Compiles)
	assert.Equal(t, uint64(n), st.Hits+st.Misses)
	assert.Equal(t, 1, st.Live)
}

func TestDifferentPCsCompileIndependently(t *testing.T) {
	c, b := newCache(t)
	var g errgroup.Group
	for _, pc := range []uint64{pcA, pcB, pcA, pcB} {
		pc := pc
		g.Go(func() error {
			_, err := c.Lookup(context.Background(), pc)
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.LessOrEqual(t, b.builds.Load(), int32(4))
	assert.Equal(t, 2, c.Len())
	fs := c.Functions()
	require.Len(t, fs, 2)
	assert.Equal(t, uint64(pcA), fs[0].PC)
	assert.Equal(t, uint64(pcB), fs[1].PC)
}

func TestTrackedWriteEvictsOverlapping(t *testing.T) {
	c, b := newCache(t)
	fa, err := c.Lookup(context.Background(), pcA)
	require.NoError(t, err)
	fb, err := c.Lookup(context.Background(), pcB)
	require.NoError(t, err)
	assert.True(t, b.as.Tracked(pcA))
	assert.Equal(t, []uint64{pcA >> memory.PageBits}, fa.Pages())

	// same bytes still count as a write
	word := guest.NewAsm().AddImm(0, 0, 1).MustAssemble()
	require.NoError(t, b.as.Write(pcA+0x800, word))

	assert.True(t, fa.Evicted())
	assert.False(t, fb.Evicted())
	_, ok := c.Get(pcA)
	assert.False(t, ok)
	got, ok := c.Get(pcB)
	require.True(t, ok)
	assert.Same(t, fb, got)
	assert.False(t, b.as.Tracked(pcA), "evicted function released its handle")
	assert.Equal(t, uint64(1), c.Stats().Invalidations)

	again, err := c.Lookup(context.Background(), pcA)
	require.NoError(t, err)
	assert.NotSame(t, fa, again)
	assert.Equal(t, fa.Fingerprint, again.Fingerprint)
	assert.Equal(t, int32(3), b.builds.Load())
}

func TestUntrackedWriteLeavesStaleFunction(t *testing.T) {
	c, b := newCache(t)
	f, err := c.Lookup(context.Background(), pcA)
	require.NoError(t, err)

	require.NoError(t, b.as.WriteUntracked(pcA, guest.NewAsm().AddImm(0, 0, 2).MustAssemble()))

	got, ok := c.Get(pcA)
	require.True(t, ok)
	assert.Same(t, f, got)
	assert.False(t, f.Evicted())
	fp, err := ComputeFingerprint(b.as, "interp", pcA, f.Ranges)
	require.NoError(t, err)
	assert.NotEqual(t, f.Fingerprint, fp, "the published code no longer matches memory")
}

func TestStaleBuildIsRebuilt(t *testing.T) {
	c, b := newCache(t)
	word := guest.NewAsm().AddImm(0, 0, 1).MustAssemble()
	b.before = func(pc uint64) {
		if b.builds.Load() == 1 {
			assert.NoError(t, b.as.Write(pc, word))
		}
	}
	f, err := c.Lookup(context.Background(), pcA)
	require.NoError(t, err)
	assert.False(t, f.Evicted())
	assert.Equal(t, int32(2), b.builds.Load())
	st := c.Stats()
	assert.Equal(t, uint64(1), st.Rebuilds)
	assert.Equal(t, uint64(2), st.Compiles)
	assert.True(t, b.as.Tracked(pcA))
}

func TestUnstableCodeGivesUp(t *testing.T) {
	c, b := newCache(t)
	word := guest.NewAsm().AddImm(0, 0, 1).MustAssemble()
	b.before = func(pc uint64) { assert.NoError(t, b.as.Write(pc, word)) }
	_, err := c.Lookup(context.Background(), pcA)
	require.ErrorIs(t, err, ErrUnstable)
	assert.ErrorIs(t, err, jiterrors.ErrInternal)
	assert.Equal(t, int32(MaxRebuilds), b.builds.Load())
	assert.Equal(t, 0, c.Len())
	assert.False(t, b.as.Tracked(pcA))
}

func TestLookupContextBoundsOnlyTheWait(t *testing.T) {
	c, b := newCache(t)
	started := make(chan struct{})
	unblock := make(chan struct{})
	b.before = func(uint64) {
		close(started)
		<-unblock
	}
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := c.Lookup(ctx, pcA)
		errc <- err
	}()
	<-started
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)

	close(unblock)
	require.Eventually(t, func() bool {
		_, ok := c.Get(pcA)
		return ok
	}, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), b.builds.Load())
}

func TestFailedCompilePublishesNothing(t *testing.T) {
	c, _ := newCache(t)
	_, err := c.Lookup(context.Background(), 0x40000)
	require.ErrorIs(t, err, jiterrors.ErrUnmappedAccess)
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, uint64(1), c.Stats().Failures)
}

func TestUnmapEvictsAndRemapStartsUntracked(t *testing.T) {
	c, b := newCache(t)
	f, err := c.Lookup(context.Background(), pcB)
	require.NoError(t, err)
	seq := b.as.WriteSeq()

	require.NoError(t, b.as.Unmap(pcB, memory.PageSize))
	assert.True(t, f.Evicted())
	assert.Equal(t, 0, c.Len())

	require.NoError(t, b.as.Map(pcB, memory.PageSize, memory.PermRWX))
	assert.False(t, b.as.Tracked(pcB))
	assert.True(t, b.as.WrittenSince(pcB, 8, seq))
	_, err = c.Lookup(context.Background(), pcB)
	assert.ErrorIs(t, err, jiterrors.ErrUndefinedInstruction, "fresh pages are zeroed")
}

func TestFlushAndCovering(t *testing.T) {
	c, b := newCache(t)
	f, err := c.Lookup(context.Background(), pcA)
	require.NoError(t, err)
	assert.Equal(t, []*Function{f}, c.Covering(pcA+4))
	assert.Empty(t, c.Covering(pcA+8))

	c.Flush()
	assert.True(t, f.Evicted())
	assert.Equal(t, 0, c.Len())
	assert.False(t, b.as.Tracked(pcA))
	assert.Equal(t, uint64(1), c.Stats().Flushes)
}

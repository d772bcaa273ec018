package guestos_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/colorfulnotion/a64jit/guestos"
	"github.com/colorfulnotion/a64jit/jit/guest"
	"github.com/colorfulnotion/a64jit/jit/runtime"
	"github.com/colorfulnotion/a64jit/loader"
	"github.com/colorfulnotion/a64jit/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boot(t *testing.T, img loader.Image, target string) (*runtime.Engine, *guest.Context, *memory.AddressSpace) {
	t.Helper()
	as, err := memory.New(memory.Config{AddressBits: 24})
	require.NoError(t, err)
	t.Cleanup(func() { _ = as.Close() })
	g, err := loader.Load(as, img, 0)
	require.NoError(t, err)
	cfg := runtime.DefaultConfig()
	cfg.Target = target
	e, err := runtime.New(as, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e, g, as
}

func TestDemos(t *testing.T) {
	cases := []struct {
		demo   string
		code   int
		stdout string
	}{
		{"hello", 0, "hello from a64jit\n"},
		{"sum", 500500 & 0xff, ""},
		{"fib", 120, ""},
		{"selfmod", 101, ""},
	}
	for _, target := range []string{"", runtime.Interp} {
		for _, tc := range cases {
			t.Run(tc.demo+"/"+target, func(t *testing.T) {
				img, err := loader.Demo(tc.demo)
				require.NoError(t, err)
				e, g, as := boot(t, img, target)
				var out bytes.Buffer
				sys := guestos.New(as, &out, &out)
				code, err := sys.Execute(context.Background(), e, g)
				require.NoError(t, err)
				assert.Equal(t, tc.code, code)
				assert.Equal(t, tc.stdout, out.String())
				assert.True(t, sys.Exited)
			})
		}
	}
}

func TestFibStoresSequence(t *testing.T) {
	img, err := loader.Demo("fib")
	require.NoError(t, err)
	e, g, as := boot(t, img, "")
	_, err = guestos.New(as, nil, nil).Execute(context.Background(), e, g)
	require.NoError(t, err)
	buf := make([]byte, 8*91)
	require.NoError(t, as.Read(0x20000, buf))
	a, b := uint64(0), uint64(1)
	for i := 0; i <= 90; i++ {
		require.Equal(t, a, binary.LittleEndian.Uint64(buf[i*8:]), "fib(%d)", i)
		a, b = b, a+b
	}
}

func TestSyscallNumberFromImmediate(t *testing.T) {
	code := guest.NewAsm().
		MovImm(8, guestos.SysExit).
		MovImm(0, 0).
		Svc(guestos.SysGetpid). // immediate wins over x8
		MovImm(1, 99).
		Svc(0).
		MustAssemble()
	e, g, as := boot(t, loader.Raw("imm", code, 0x10000), "")
	o := guestos.New(as, nil, nil)
	exit, err := e.Run(context.Background(), g)
	require.NoError(t, err)
	nr, err := o.Number(g, exit)
	require.NoError(t, err)
	assert.Equal(t, uint64(guestos.SysGetpid), nr)
	done, err := o.Service(g, exit)
	require.NoError(t, err)
	assert.False(t, done)

	code2, err := o.Execute(context.Background(), e, g)
	require.NoError(t, err)
	assert.Equal(t, 1, code2, "getpid returned 1 into x0, which became the exit code")
	assert.Equal(t, uint64(2), o.Syscalls)
}

func TestUnsupportedSyscallAndBreak(t *testing.T) {
	code := guest.NewAsm().
		MovImm(8, 4000).
		Svc(0).
		Brk(1).
		MustAssemble()
	e, g, as := boot(t, loader.Raw("brk", code, 0x10000), "")
	_, err := guestos.New(as, nil, nil).Execute(context.Background(), e, g)
	assert.ErrorIs(t, err, guestos.ErrBreak)
	assert.Equal(t, ^uint64(37), g.X(0), "ENOSYS")
}

func TestWriteToUnknownDescriptor(t *testing.T) {
	code := guest.NewAsm().
		MovImm(0, 7).
		MovImm(8, guestos.SysWrite).
		Svc(0).
		Brk(0).
		MustAssemble()
	e, g, as := boot(t, loader.Raw("w", code, 0x10000), "")
	_, err := guestos.New(as, nil, nil).Execute(context.Background(), e, g)
	assert.ErrorIs(t, err, guestos.ErrBreak)
	assert.Equal(t, ^uint64(8), g.X(0), "EBADF")
}

func TestReadFillsGuestBuffer(t *testing.T) {
	const buf = 0x20000
	a := guest.NewAsm().
		MovImm(0, 0).
		MovImm(1, buf).
		MovImm(2, 16).
		MovImm(8, guestos.SysRead).
		Svc(0).
		Ldrb(3, 1, 0).
		Add(0, 0, 3).
		MovImm(8, guestos.SysExit).
		Svc(0)
	img := loader.Raw("read", a.MustAssemble(), 0x10000)
	img.Segments = append(img.Segments, loader.Segment{Addr: buf, Size: memory.PageSize, Perm: memory.PermRW})
	for _, target := range []string{"", runtime.Interp} {
		t.Run(target, func(t *testing.T) {
			e, g, as := boot(t, img, target)
			seq := as.WriteSeq()
			sys := guestos.New(as, nil, nil)
			sys.Stdin = strings.NewReader("hello")
			code, err := sys.Execute(context.Background(), e, g)
			require.NoError(t, err)
			assert.Equal(t, 5+int('h'), code)
			got := make([]byte, 6)
			require.NoError(t, as.Read(buf, got))
			assert.Equal(t, "hello\x00", string(got))
			assert.True(t, as.WrittenSince(buf, 5, seq), "input lands through the tracked path")
		})
	}
}

// Input read over a routine that already ran replaces its translation.
func TestReadOverTranslatedCode(t *testing.T) {
	patch := guest.NewAsm().Movz(0, 42, 0).MustAssemble()
	a := guest.NewAsm().
		Bl("slot").
		Mov(20, 0).
		MovImm(0, 0).
		Adr(1, "slot").
		MovImm(2, 4).
		MovImm(8, guestos.SysRead).
		Svc(0).
		Bl("slot").
		Add(0, 0, 20).
		MovImm(8, guestos.SysExit).
		Svc(0).
		Label("slot").
		Movz(0, 1, 0).
		Ret()
	img := loader.Raw("readcode", a.MustAssemble(), 0x10000)
	img.Segments[0].Perm = memory.PermRWX
	for _, target := range []string{"", runtime.Interp} {
		t.Run(target, func(t *testing.T) {
			e, g, as := boot(t, img, target)
			sys := guestos.New(as, nil, nil)
			sys.Stdin = bytes.NewReader(patch)
			code, err := sys.Execute(context.Background(), e, g)
			require.NoError(t, err)
			assert.Equal(t, 43, code)
			assert.NotZero(t, e.Stats().Cache.Invalidations)
		})
	}
}

func TestReadWithoutInput(t *testing.T) {
	code := guest.NewAsm().
		MovImm(0, 0).
		MovImm(8, guestos.SysRead).
		Svc(0).
		Brk(0).
		MustAssemble()
	e, g, as := boot(t, loader.Raw("r", code, 0x10000), "")
	_, err := guestos.New(as, nil, nil).Execute(context.Background(), e, g)
	assert.ErrorIs(t, err, guestos.ErrBreak)
	assert.Equal(t, ^uint64(8), g.X(0), "EBADF")
}

func TestBrkMapsHeap(t *testing.T) {
	a := guest.NewAsm().
		MovImm(0, 0).
		MovImm(8, guestos.SysBrk).
		Svc(0).
		Mov(19, 0).
		MovImm(1, 0x2000).
		Add(0, 19, 1).
		Svc(0).
		Mov(20, 0).
		SubImm(2, 20, 8).
		MovImm(3, 77).
		Str(3, 2, 0).
		Ldr(23, 2, 0).
		SubImm(0, 19, 16). // below the initial break
		Svc(0).
		Mov(21, 0).
		Mov(0, 19).
		Svc(0).
		Mov(22, 0).
		Mov(0, 23).
		MovImm(8, guestos.SysExit).
		Svc(0)
	img := loader.Raw("heap", a.MustAssemble(), 0x10000)
	heap := img.Break()
	require.Equal(t, uint64(0x11000), heap)

	for _, target := range []string{"", runtime.Interp} {
		t.Run(target, func(t *testing.T) {
			e, g, as := boot(t, img, target)
			sys := guestos.New(as, nil, nil)
			sys.SetBreak(heap)
			code, err := sys.Execute(context.Background(), e, g)
			require.NoError(t, err)
			assert.Equal(t, 77, code)
			assert.Equal(t, heap, g.X(19))
			assert.Equal(t, heap+0x2000, g.X(20))
			assert.Equal(t, heap+0x2000, g.X(21), "refused requests return the current break")
			assert.Equal(t, heap, g.X(22))
			assert.Equal(t, heap, sys.Break())
			_, mapped := as.Perm(heap)
			assert.False(t, mapped, "shrinking unmaps the heap")
		})
	}
}

func TestBrkRefusesMappedRange(t *testing.T) {
	code := guest.NewAsm().
		MovImm(8, guestos.SysBrk).
		Svc(0).
		Brk(0).
		MustAssemble()
	img := loader.Raw("brk", code, 0x10000)
	e, g, as := boot(t, img, "")
	require.NoError(t, as.Map(0x13000, memory.PageSize, memory.PermRW))
	sys := guestos.New(as, nil, nil)
	sys.SetBreak(img.Break())
	g.SetX(0, 0x14000)
	_, err := sys.Execute(context.Background(), e, g)
	assert.ErrorIs(t, err, guestos.ErrBreak)
	assert.Equal(t, img.Break(), g.X(0))
	_, mapped := as.Perm(0x11000)
	assert.False(t, mapped)

	// without an initial break there is no heap
	e, g, as = boot(t, img, "")
	g.SetX(0, 0x14000)
	_, err = guestos.New(as, nil, nil).Execute(context.Background(), e, g)
	assert.ErrorIs(t, err, guestos.ErrBreak)
	assert.Zero(t, g.X(0))
}

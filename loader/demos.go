package loader

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/colorfulnotion/a64jit/guestos"
	"github.com/colorfulnotion/a64jit/jit/guest"
	"github.com/colorfulnotion/a64jit/memory"
)

// DemoBase is where demo programs are loaded.
const DemoBase = 0x10000

type demo struct {
	desc  string
	build func() Image
}

var demos = map[string]demo{
	"hello":   {"writes a greeting to stdout and exits 0", hello},
	"sum":     {"sums 1..x0 (default 1000) and exits with the low byte", sum},
	"fib":     {"stores fib(0..x0) (default 90) at 0x20000 and exits with fib(x0)&0xff", fib},
	"selfmod": {"patches a function it already ran and exits with the combined result (101)", selfmod},
}

// Demos lists the built-in programs.
func Demos() []string {
	out := make([]string, 0, len(demos))
	for n := range demos {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func DemoDescription(name string) string { return demos[name].desc }

// Demo builds the named program.
func Demo(name string) (Image, error) {
	d, ok := demos[name]
	if !ok {
		return Image{}, fmt.Errorf("unknown demo %q (have %v)", name, Demos())
	}
	img := d.build()
	img.Name = name
	return img, nil
}

func exit(a *guest.Asm) *guest.Asm {
	return a.MovImm(8, guestos.SysExit).Svc(0)
}

func packString(a *guest.Asm, s string) *guest.Asm {
	b := []byte(s)
	for len(b)%8 != 0 {
		b = append(b, 0)
	}
	for i := 0; i < len(b); i += 8 {
		a.Data(binary.LittleEndian.Uint64(b[i:]))
	}
	return a
}

func hello() Image {
	const msg = "hello from a64jit\n"
	a := guest.NewAsm().
		MovImm(0, 1).
		Adr(1, "msg").
		MovImm(2, uint64(len(msg))).
		MovImm(8, guestos.SysWrite).
		Svc(0).
		MovImm(0, 0)
	exit(a).Label("msg")
	packString(a, msg)
	return Raw("", a.MustAssemble(), DemoBase)
}

func sum() Image {
	a := guest.NewAsm().
		MovImm(1, 0).
		Cbz(0, "done").
		Label("loop").
		Add(1, 1, 0).
		SubsImm(0, 0, 1).
		BCond(guest.NE, "loop").
		Label("done").
		AndImm(0, 1, 0xff)
	exit(a)
	img := Raw("", a.MustAssemble(), DemoBase)
	img.Regs = map[int]uint64{0: 1000}
	return img
}

func fib() Image {
	const data = 0x20000
	a := guest.NewAsm().
		MovImm(9, data).
		MovImm(1, 0). // fib(i)
		MovImm(2, 1). // fib(i+1)
		Mov(3, 0).
		Label("loop").
		StrPost(1, 9, 8).
		Add(4, 1, 2).
		Mov(1, 2).
		Mov(2, 4).
		SubsImm(3, 3, 1).
		BCond(guest.PL, "loop").
		SubImm(9, 9, 8). // back to the last value stored
		Ldr(0, 9, 0).
		AndImm(0, 0, 0xff)
	exit(a)
	img := Raw("", a.MustAssemble(), DemoBase)
	img.Segments = append(img.Segments, Segment{Addr: data, Size: memory.PageSize, Perm: memory.PermRW})
	img.Regs = map[int]uint64{0: 90}
	return img
}

func selfmod() Image {
	patch := binary.LittleEndian.Uint32(guest.NewAsm().AddImm(0, 0, 100).MustAssemble())
	a := guest.NewAsm().
		MovImm(0, 0).
		Adr(1, "slot").
		Bl("slot").
		LdrLit(2, "patch").
		StrW(2, 1, 0).
		Bl("slot")
	exit(a).
		Label("slot").
		AddImm(0, 0, 1).
		Ret().
		Label("patch").
		Data(uint64(patch))
	img := Raw("", a.MustAssemble(), DemoBase)
	img.Segments[0].Perm = memory.PermRWX
	return img
}

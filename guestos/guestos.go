// Package guestos services the syscalls of guest programs run by the engine with a small subset
// of the Linux AArch64 ABI: the number is the svc immediate, or x8 when the immediate is zero,
// arguments are in x0-x5 and the result goes to x0.
package guestos

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/colorfulnotion/a64jit/jit/guest"
	"github.com/colorfulnotion/a64jit/jit/runtime"
	"github.com/colorfulnotion/a64jit/log"
	"github.com/colorfulnotion/a64jit/memory"
)

const (
	SysRead      = 63
	SysWrite     = 64
	SysExit      = 93
	SysExitGroup = 94
	SysGetpid    = 172
	SysBrk       = 214

	enosys = 38
	ebadf  = 9
	efault = 14
	eio    = 5
)

// maxWrite bounds one read or write call.
const maxWrite = 1 << 20

// maxHeap bounds how far brk grows the heap past the initial break.
const maxHeap = 256 << 20

// ErrBreak is returned when the guest executes brk.
var ErrBreak = errors.New("guest breakpoint")

type OS struct {
	Mem    *memory.AddressSpace
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	Exited   bool
	Code     int
	Syscalls uint64

	// heap is the initial break; brk is the current one. Pages in [heap, roundUp(brk)) are
	// mapped read-write.
	heap, brk uint64
}

func New(mem *memory.AddressSpace, stdout, stderr io.Writer) *OS {
	return &OS{Mem: mem, Stdout: stdout, Stderr: stderr}
}

// SetBreak places the initial program break, normally the page after the highest loaded segment.
func (o *OS) SetBreak(addr uint64) {
	o.heap, o.brk = addr, addr
}

// Break returns the current program break.
func (o *OS) Break() uint64 { return o.brk }

// Number decodes the syscall number of the svc that produced exit.
func (o *OS) Number(g *guest.Context, exit guest.Exit) (uint64, error) {
	buf := make([]byte, 4)
	if err := o.Mem.Fetch(exit.PC-4, buf); err != nil {
		return 0, err
	}
	if imm := uint64(binary.LittleEndian.Uint32(buf)>>5) & 0xffff; imm != 0 {
		return imm, nil
	}
	return g.X(8), nil
}

// Service handles one syscall exit and reports whether the guest exited.
func (o *OS) Service(g *guest.Context, exit guest.Exit) (bool, error) {
	nr, err := o.Number(g, exit)
	if err != nil {
		return false, err
	}
	o.Syscalls++
	ret := uint64(0)
	switch nr {
	case SysRead:
		ret = o.read(g.X(0), g.X(1), g.X(2))
	case SysWrite:
		ret = o.write(g.X(0), g.X(1), g.X(2))
	case SysExit, SysExitGroup:
		o.Exited, o.Code = true, int(int32(g.X(0)))
		log.Debug(log.CLI, "guest exit", "code", o.Code)
		return true, nil
	case SysGetpid:
		ret = 1
	case SysBrk:
		ret = o.setBrk(g.X(0))
	default:
		log.Warn(log.CLI, "unsupported syscall", "nr", nr, "pc", fmt.Sprintf("0x%x", exit.PC-4))
		ret = errno(enosys)
	}
	g.SetX(0, ret)
	return false, nil
}

func errno(e int) uint64 { return uint64(-int64(e)) }

func (o *OS) write(fd, addr, n uint64) uint64 {
	var w io.Writer
	switch fd {
	case 1:
		w = o.Stdout
	case 2:
		w = o.Stderr
	}
	if w == nil {
		return errno(ebadf)
	}
	n = min(n, maxWrite)
	buf := make([]byte, n)
	if err := o.Mem.Read(addr, buf); err != nil {
		return errno(efault)
	}
	written, _ := w.Write(buf)
	return uint64(written)
}

// read fills the guest buffer from Stdin. The copy goes through the tracked path so that input
// read over translated code invalidates it.
func (o *OS) read(fd, addr, n uint64) uint64 {
	if fd != 0 || o.Stdin == nil {
		return errno(ebadf)
	}
	n = min(n, maxWrite)
	if n == 0 {
		return 0
	}
	buf := make([]byte, n)
	got, err := o.Stdin.Read(buf)
	if got == 0 {
		if err != nil && !errors.Is(err, io.EOF) {
			log.Warn(log.CLI, "stdin read", "err", err)
			return errno(eio)
		}
		return 0
	}
	err = memory.WithRegion(o.Mem, addr, got, true, func(b []byte) error {
		copy(b, buf[:got])
		return nil
	})
	if err != nil {
		return errno(efault)
	}
	return uint64(got)
}

// setBrk moves the break to addr and returns the new break. Growth maps the new pages
// read-write; a request below the initial break, past maxHeap or over an existing mapping
// leaves the break where it was. Shrinking unmaps the pages no longer covered. Without SetBreak
// there is no heap and brk always returns zero.
func (o *OS) setBrk(addr uint64) uint64 {
	if o.heap == 0 || addr == 0 || addr < o.heap || addr-o.heap > maxHeap {
		return o.brk
	}
	cur, next := pageUp(o.brk), pageUp(addr)
	switch {
	case next > cur:
		for p := cur; p < next; p += memory.PageSize {
			if _, mapped := o.Mem.Perm(p); mapped {
				log.Debug(log.CLI, "brk refused", "addr", fmt.Sprintf("0x%x", addr), "mapped", fmt.Sprintf("0x%x", p))
				return o.brk
			}
		}
		if err := o.Mem.Map(cur, next-cur, memory.PermRW); err != nil {
			log.Debug(log.CLI, "brk refused", "addr", fmt.Sprintf("0x%x", addr), "err", err)
			return o.brk
		}
	case next < cur:
		if err := o.Mem.Unmap(next, cur-next); err != nil {
			log.Debug(log.CLI, "brk refused", "addr", fmt.Sprintf("0x%x", addr), "err", err)
			return o.brk
		}
	}
	o.brk = addr
	return o.brk
}

func pageUp(v uint64) uint64 { return (v + memory.PageMask) &^ uint64(memory.PageMask) }

// Execute runs g until the guest exits, hits a breakpoint or faults, servicing syscalls in
// between. It returns the guest's exit code.
func (o *OS) Execute(ctx context.Context, e *runtime.Engine, g *guest.Context) (int, error) {
	for {
		exit, err := e.Run(ctx, g)
		if err != nil {
			return 0, err
		}
		switch exit.Reason {
		case guest.ExitSyscall:
			done, err := o.Service(g, exit)
			if err != nil {
				return 0, err
			}
			if done {
				return o.Code, nil
			}
		case guest.ExitBreak:
			return 0, fmt.Errorf("%w at 0x%x", ErrBreak, exit.PC)
		default:
			return 0, fmt.Errorf("unexpected exit %s", exit)
		}
	}
}

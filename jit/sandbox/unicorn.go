//go:build unicorn
// +build unicorn

package sandbox

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/colorfulnotion/a64jit/jit/guest"
	"github.com/colorfulnotion/a64jit/jiterrors"
	"github.com/colorfulnotion/a64jit/log"
	"github.com/colorfulnotion/a64jit/memory"
	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
)

const unicornName = "unicorn"

func init() {
	Register(unicornName, func() (Reference, error) { return &unicornRef{}, nil })
}

// exception numbers qemu raises for aarch64
const (
	excpUndef = 1
	excpSWI   = 2
	excpBKPT  = 7
)

// unicornRef runs the guest on a fresh unicorn AArch64 emulator per Run.
type unicornRef struct{}

func (*unicornRef) Name() string  { return unicornName }
func (*unicornRef) Vectors() bool { return false }
func (*unicornRef) Close() error  { return nil }

func ucProt(p memory.Perm) int {
	prot := uc.PROT_NONE
	if p&memory.PermRead != 0 {
		prot |= uc.PROT_READ
	}
	if p&memory.PermWrite != 0 {
		prot |= uc.PROT_WRITE
	}
	if p&memory.PermExec != 0 {
		prot |= uc.PROT_EXEC
	}
	return prot
}

func xReg(i int) int {
	switch i {
	case 29:
		return uc.ARM64_REG_X29
	case 30:
		return uc.ARM64_REG_X30
	}
	return uc.ARM64_REG_X0 + i
}

type stop struct {
	intno int
	fault error
}

func (r *unicornRef) Run(ctx context.Context, g *guest.Context, mem *memory.AddressSpace, budget uint64) (guest.Exit, error) {
	if err := ctx.Err(); err != nil {
		return guest.Exit{}, err
	}
	mu, err := uc.NewUnicorn(uc.ARCH_ARM64, uc.MODE_ARM)
	if err != nil {
		return guest.Exit{}, fmt.Errorf("unicorn: %w", err)
	}
	defer mu.Close()

	maps := mem.Mappings()
	for _, m := range maps {
		if err := mu.MemMapProt(m.Addr, m.Length, ucProt(m.Perm)); err != nil {
			return guest.Exit{}, fmt.Errorf("unicorn map 0x%x: %w", m.Addr, err)
		}
		if buf, ok := readMapping(mem, m); ok {
			if err := mu.MemWrite(m.Addr, buf); err != nil {
				return guest.Exit{}, fmt.Errorf("unicorn write 0x%x: %w", m.Addr, err)
			}
		}
	}
	for i := 0; i < 31; i++ {
		if err := mu.RegWrite(xReg(i), g.X(i)); err != nil {
			return guest.Exit{}, err
		}
	}
	if err := mu.RegWrite(uc.ARM64_REG_SP, g.SP()); err != nil {
		return guest.Exit{}, err
	}
	if err := mu.RegWrite(uc.ARM64_REG_NZCV, uint64(g.NZCV())); err != nil {
		return guest.Exit{}, err
	}

	var st *stop
	mu.HookAdd(uc.HOOK_INTR, func(m uc.Unicorn, intno uint32) {
		st = &stop{intno: int(intno)}
		m.Stop()
	}, 1, 0)
	mu.HookAdd(uc.HOOK_MEM_INVALID, func(m uc.Unicorn, access int, addr uint64, size int, value int64) bool {
		kind := jiterrors.ErrUnmappedAccess
		switch access {
		case uc.MEM_READ_PROT, uc.MEM_WRITE_PROT, uc.MEM_FETCH_PROT:
			kind = jiterrors.ErrProtectionFault
		}
		st = &stop{fault: jiterrors.NewFault(kind, addr)}
		return false
	}, 1, 0)

	start := g.PC()
	runErr := mu.StartWithOptions(start, ^uint64(0), &uc.UcOptions{Count: budget})

	exit, err := r.classify(mu, st, runErr, budget)
	if serr := r.readBack(mu, g, mem, maps); serr != nil {
		return guest.Exit{}, serr
	}
	if err == nil || jiterrors.IsGuestFault(err) || errors.Is(err, jiterrors.ErrBudgetExhausted) {
		g.SetPC(exit.PC)
	}
	log.Trace(log.JitExec, "unicorn run", "start", fmt.Sprintf("0x%x", start), "exit", exit.String(), "err", err)
	return exit, err
}

// classify turns how the emulator stopped into the exit the engine reports for the same event.
func (r *unicornRef) classify(mu uc.Unicorn, st *stop, runErr error, budget uint64) (guest.Exit, error) {
	pc, err := mu.RegRead(uc.ARM64_REG_PC)
	if err != nil {
		return guest.Exit{}, err
	}
	switch {
	case st != nil && st.fault != nil:
		return guest.Exit{Reason: guest.ExitBranch, PC: pc}, st.fault
	case st != nil && st.intno == excpSWI:
		// pc is normally the return address, one past the svc
		if isSvc(word(mu, pc)) && !isSvc(word(mu, pc-4)) {
			pc += 4
		}
		return guest.Exit{Reason: guest.ExitSyscall, PC: pc}, nil
	case st != nil && st.intno == excpBKPT:
		if !isBrk(word(mu, pc)) && isBrk(word(mu, pc-4)) {
			pc -= 4
		}
		return guest.Exit{Reason: guest.ExitBreak, PC: pc}, nil
	case st != nil && st.intno == excpUndef:
		return guest.Exit{Reason: guest.ExitUndefined, PC: pc}, jiterrors.NewFault(jiterrors.ErrUndefinedInstruction, pc)
	case st != nil:
		return guest.Exit{}, jiterrors.Internal("unicorn: unexpected exception %d at 0x%x", st.intno, pc)
	case runErr != nil:
		var ue uc.UcError
		if errors.As(runErr, &ue) && int(ue) == uc.ERR_INSN_INVALID {
			return guest.Exit{Reason: guest.ExitUndefined, PC: pc}, jiterrors.NewFault(jiterrors.ErrUndefinedInstruction, pc)
		}
		return guest.Exit{}, fmt.Errorf("unicorn: %w", runErr)
	case budget > 0:
		return guest.Exit{Reason: guest.ExitBranch, PC: pc}, jiterrors.ErrBudgetExhausted
	}
	return guest.Exit{}, jiterrors.Internal("unicorn stopped without a cause at 0x%x", pc)
}

func word(mu uc.Unicorn, addr uint64) uint32 {
	b, err := mu.MemRead(addr, 4)
	if err != nil || len(b) != 4 {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func isSvc(w uint32) bool { return w&0xffe0001f == guest.EncSvc }
func isBrk(w uint32) bool { return w&0xffe0001f == guest.EncBrk }

// readBack copies registers and writable memory from the emulator into g and mem.
func (r *unicornRef) readBack(mu uc.Unicorn, g *guest.Context, mem *memory.AddressSpace, maps []memory.Mapping) error {
	for i := 0; i < 31; i++ {
		v, err := mu.RegRead(xReg(i))
		if err != nil {
			return err
		}
		g.SetX(i, v)
	}
	sp, err := mu.RegRead(uc.ARM64_REG_SP)
	if err != nil {
		return err
	}
	g.SetSP(sp)
	nzcv, err := mu.RegRead(uc.ARM64_REG_NZCV)
	if err != nil {
		return err
	}
	g.SetNZCV(uint32(nzcv))
	for _, m := range maps {
		if m.Perm&memory.PermWrite == 0 {
			continue
		}
		buf, err := mu.MemRead(m.Addr, m.Length)
		if err != nil {
			return fmt.Errorf("unicorn read 0x%x: %w", m.Addr, err)
		}
		if err := mem.WriteUntracked(m.Addr, buf); err != nil {
			return err
		}
	}
	return nil
}

// Package arm64 emits AArch64 code for translated functions.
//
// Register roles: x0 holds the guest context, x1 the guest memory base and x2 the page flag table.
// x15 to x17 and v30, v31 are scratch. Functions return the exit reason in x0 and the next guest PC
// in x1.
package arm64

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/colorfulnotion/a64jit/jit/backend"
	"github.com/colorfulnotion/a64jit/jit/ir"
	"github.com/colorfulnotion/a64jit/jit/regalloc"
	"github.com/colorfulnotion/a64jit/log"
	"golang.org/x/arch/arm64/arm64asm"
)

const Name = "arm64"

func init() {
	backend.Register(Name, func(cfg backend.Config) backend.Target { return New(cfg) })
}

type Target struct {
	cfg backend.Config
	sel Selector
}

// New builds a target using the extensions of the running CPU.
func New(cfg backend.Config) *Target {
	return NewWithFeatures(cfg, HostFeatures())
}

func NewWithFeatures(cfg backend.Config, f Features) *Target {
	return &Target{cfg: cfg, sel: Selector{Features: f}}
}

func (t *Target) Name() string { return Name }
func (t *Target) Arch() string { return "arm64" }

func (t *Target) Registers() regalloc.RegisterSet {
	return regalloc.RegisterSet{GPR: allocGPR, Vec: allocVec}.DefaultSpill()
}

func (t *Target) Select() ir.Selector { return t.sel }

func (t *Target) Emit(f *ir.Func) (*backend.Code, error) {
	code, offsets, err := newEmitter(t.cfg, f).run()
	if err != nil {
		return nil, err
	}
	c := backend.Finish(&backend.Code{Target: Name, Bytes: code, BlockOffsets: offsets}, f)
	log.Trace(log.JitCompile, "arm64.Emit", "entry", fmt.Sprintf("0x%x", f.Entry), "bytes", len(code))
	return c, nil
}

// Disassemble renders code one word per line in GNU syntax.
func (t *Target) Disassemble(code []byte) string {
	var sb strings.Builder
	for off := 0; off+4 <= len(code); off += 4 {
		w := binary.LittleEndian.Uint32(code[off:])
		inst, err := arm64asm.Decode(code[off : off+4])
		if err != nil {
			sb.WriteString(fmt.Sprintf("0x%04x: %08x  .word\n", off, w))
			continue
		}
		sb.WriteString(fmt.Sprintf("0x%04x: %08x  %s\n", off, w, arm64asm.GNUSyntax(inst)))
	}
	return sb.String()
}

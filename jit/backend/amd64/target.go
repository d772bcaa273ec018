// Package amd64 emits x86-64 code (SSE4.1, AES-NI) for translated functions.
//
// Register roles: rdi holds the guest context, rsi the guest memory base and rbx the page flag
// table; rax, rcx, rdx and r11 are scratch. Functions return the exit reason in rax and the next
// guest PC in rdx.
package amd64

import (
	"fmt"
	"strings"

	"github.com/colorfulnotion/a64jit/jit/backend"
	"github.com/colorfulnotion/a64jit/jit/ir"
	"github.com/colorfulnotion/a64jit/jit/regalloc"
	"github.com/colorfulnotion/a64jit/log"
	"golang.org/x/arch/x86/x86asm"
)

const Name = "amd64"

func init() {
	backend.Register(Name, func(cfg backend.Config) backend.Target { return New(cfg) })
}

// Target is the x86-64 emitter.
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
func (t *Target) Arch() string { return "amd64" }

func (t *Target) Registers() regalloc.RegisterSet {
	return regalloc.RegisterSet{GPR: allocGPR, Vec: allocXMM}.DefaultSpill()
}

func (t *Target) Select() ir.Selector { return t.sel }

func (t *Target) Emit(f *ir.Func) (*backend.Code, error) {
	code, offsets, err := newEmitter(t.cfg, f).run()
	if err != nil {
		return nil, err
	}
	c := backend.Finish(&backend.Code{Target: Name, Bytes: code, BlockOffsets: offsets}, f)
	log.Trace(log.JitCompile, "amd64.Emit", "entry", fmt.Sprintf("0x%x", f.Entry), "bytes", len(code))
	return c, nil
}

// Disassemble renders code one instruction per line with offsets and raw bytes.
func (t *Target) Disassemble(code []byte) string {
	var sb strings.Builder
	offset := 0
	for offset < len(code) {
		inst, err := x86asm.Decode(code[offset:], 64)
		if err != nil {
			sb.WriteString(fmt.Sprintf("0x%04x: db 0x%02x\n", offset, code[offset]))
			offset++
			continue
		}
		var hexBytes []string
		for i := 0; i < inst.Len; i++ {
			hexBytes = append(hexBytes, fmt.Sprintf("%02x", code[offset+i]))
		}
		sb.WriteString(fmt.Sprintf("0x%04x: %-24s %s\n", offset, strings.Join(hexBytes, " "), x86asm.IntelSyntax(inst, uint64(offset), nil)))
		offset += inst.Len
	}
	return sb.String()
}

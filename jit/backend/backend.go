// Package backend defines the host code emitter interface and the registry of available targets.
//
// A Target turns an allocated IR function into position independent native code for one host
// family. Targets register themselves by name from their package init; the host's own target is
// chosen once from runtime.GOARCH.
package backend

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/colorfulnotion/a64jit/jiterrors"
	"github.com/colorfulnotion/a64jit/jit/ir"
	"github.com/colorfulnotion/a64jit/jit/regalloc"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Config carries the properties of the guest environment baked into emitted code.
type Config struct {
	// AddressBits bounds every guest memory access on the fast path.
	AddressBits uint
}

func DefaultConfig() Config { return Config{AddressBits: 32} }

// Code is one emitted function.
type Code struct {
	Target string
	Bytes  []byte
	// BlockOffsets[i] is the offset of IR block i in Bytes.
	BlockOffsets []int
	Entry        uint64
	Ranges       []ir.GuestRange
	Insts        int
}

// Size is the code size in bytes.
func (c *Code) Size() int { return len(c.Bytes) }

func (c *Code) String() string {
	return fmt.Sprintf("%s code for 0x%x: %d bytes, %d blocks, %d guest insts", c.Target, c.Entry, len(c.Bytes), len(c.BlockOffsets), c.Insts)
}

// Target is one host code emitter.
//
// Emitted functions take the guest context pointer in the first argument register and return the
// exit reason and the next guest PC in the first two result registers of the host.
type Target interface {
	Name() string
	// Arch is the runtime.GOARCH value of hosts able to execute the code.
	Arch() string
	Registers() regalloc.RegisterSet
	Select() ir.Selector
	// Emit lowers a function whose operands have all been allocated.
	Emit(f *ir.Func) (*Code, error)
	Disassemble(code []byte) string
}

// Factory builds a target for cfg.
type Factory func(cfg Config) Target

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}

	hostOnce sync.Once
	hostName string
)

// Register makes a target available under name. It panics on duplicates.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic("backend: duplicate target " + name)
	}
	registry[name] = f
}

// New builds the named target.
func New(name string, cfg Config) (Target, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (have %v)", jiterrors.ErrNoTarget, name, Names())
	}
	return f(cfg), nil
}

// Names lists the registered targets in sorted order.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := maps.Keys(registry)
	slices.Sort(names)
	return names
}

// HostName is the target whose code runs natively on this machine, or "" when none is registered.
func HostName() string {
	hostOnce.Do(func() {
		registryMu.RLock()
		defer registryMu.RUnlock()
		for name, f := range registry {
			if f(DefaultConfig()).Arch() == runtime.GOARCH {
				hostName = name
				return
			}
		}
	})
	return hostName
}

// Host builds the host target.
func Host(cfg Config) (Target, error) {
	name := HostName()
	if name == "" {
		return nil, fmt.Errorf("%w: no target for %s/%s", jiterrors.ErrNativeUnavailable, runtime.GOOS, runtime.GOARCH)
	}
	return New(name, cfg)
}

// Finish fills in the guest metadata of c from f.
func Finish(c *Code, f *ir.Func) *Code {
	c.Entry = f.Entry
	c.Ranges = f.Ranges()
	c.Insts = f.Insts()
	return c
}

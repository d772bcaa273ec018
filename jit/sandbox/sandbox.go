// Package sandbox cross-checks the engine against a reference executor. Both start from copies of
// the same guest state and memory; the report lists every register, flag, exit and memory
// difference between them.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/colorfulnotion/a64jit/jit/guest"
	"github.com/colorfulnotion/a64jit/jit/interpreter"
	"github.com/colorfulnotion/a64jit/jit/runtime"
	"github.com/colorfulnotion/a64jit/jiterrors"
	"github.com/colorfulnotion/a64jit/log"
	"github.com/colorfulnotion/a64jit/memory"
)

// Reference executes guest code independently of the translation pipeline.
type Reference interface {
	Name() string
	// Vectors reports whether the reference models the SIMD registers.
	Vectors() bool
	// Run executes from the context PC until a syscall, break, fault or the budget.
	Run(ctx context.Context, g *guest.Context, mem *memory.AddressSpace, budget uint64) (guest.Exit, error)
	Close() error
}

// Factory opens a reference executor.
type Factory func() (Reference, error)

var (
	regMu     sync.Mutex
	factories = map[string]Factory{}
)

// Register makes a reference available to Open.
func Register(name string, f Factory) {
	regMu.Lock()
	defer regMu.Unlock()
	factories[name] = f
}

// ErrUnknownReference is returned by Open for names nothing registered.
var ErrUnknownReference = errors.New("unknown reference executor")

func Open(name string) (Reference, error) {
	regMu.Lock()
	f, ok := factories[name]
	regMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%q (have %v): %w", name, Names(), ErrUnknownReference)
	}
	return f()
}

// Names lists the registered references.
func Names() []string {
	regMu.Lock()
	defer regMu.Unlock()
	out := make([]string, 0, len(factories))
	for n := range factories {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func init() {
	Register(interpName, func() (Reference, error) { return interp{}, nil })
}

const interpName = "interp"

// interp is the standalone IR interpreter, which shares the decoder but none of the optimizer,
// register allocator, emitters or cache.
type interp struct{}

func (interp) Name() string  { return interpName }
func (interp) Vectors() bool { return true }
func (interp) Close() error  { return nil }

func (interp) Run(ctx context.Context, g *guest.Context, mem *memory.AddressSpace, budget uint64) (guest.Exit, error) {
	exit, _, err := interpreter.Run(ctx, g, mem, interpreter.Options{Budget: budget})
	return exit, err
}

// Clone copies every mapping of as, with its permissions and contents, into a new address space.
// Pages that are neither readable nor executable come out zeroed.
func Clone(as *memory.AddressSpace) (*memory.AddressSpace, error) {
	out, err := memory.New(memory.Config{AddressBits: as.AddressBits()})
	if err != nil {
		return nil, err
	}
	for _, m := range as.Mappings() {
		if err := out.Map(m.Addr, m.Length, m.Perm); err != nil {
			out.Close()
			return nil, err
		}
		if buf, ok := readMapping(as, m); ok {
			if err := out.WriteUntracked(m.Addr, buf); err != nil {
				out.Close()
				return nil, err
			}
		}
	}
	return out, nil
}

func readMapping(as *memory.AddressSpace, m memory.Mapping) ([]byte, bool) {
	buf := make([]byte, m.Length)
	switch {
	case m.Perm&memory.PermRead != 0:
		return buf, as.Read(m.Addr, buf) == nil
	case m.Perm&memory.PermExec != 0:
		return buf, as.Fetch(m.Addr, buf) == nil
	}
	return nil, false
}

// Mismatch is one observable difference between the engine and the reference.
type Mismatch struct {
	What      string `json:"what"`
	Engine    string `json:"engine"`
	Reference string `json:"reference"`
}

func (m Mismatch) String() string {
	return fmt.Sprintf("%s: engine %s, reference %s", m.What, m.Engine, m.Reference)
}

// Report is the outcome of one cross-check.
type Report struct {
	Reference string      `json:"reference"`
	Exit      guest.Exit  `json:"exit"`
	RefExit   guest.Exit  `json:"ref_exit"`
	Err       string      `json:"err,omitempty"`
	RefErr    string      `json:"ref_err,omitempty"`
	State     guest.State `json:"state"`
	RefState  guest.State `json:"ref_state"`
	Diffs     []Mismatch  `json:"diffs,omitempty"`
}

func (r *Report) OK() bool { return len(r.Diffs) == 0 }

// Options bound a cross-check.
type Options struct {
	// Budget bounds the reference in guest instructions, 0 for unlimited. The engine runs under
	// its own Config.Budget; give both the same value when budgets are expected to trip.
	Budget uint64
	// MemoryDiffs caps how many differing memory locations are reported.
	MemoryDiffs int
}

// Check runs g on the engine and on ref from identical starting points. g and the engine's
// address space advance as the engine ran them.
func Check(ctx context.Context, e *runtime.Engine, ref Reference, g *guest.Context, opts Options) (*Report, error) {
	refMem, err := Clone(e.Memory())
	if err != nil {
		return nil, fmt.Errorf("clone memory: %w", err)
	}
	defer refMem.Close()
	refCtx := guest.NewContext()
	refCtx.CopyFrom(g)
	refCtx.Bind(refMem.HostBase(), refMem.PageFlags())

	r := &Report{Reference: ref.Name()}
	var engErr, refErr error
	r.Exit, engErr = e.Run(ctx, g)
	r.RefExit, refErr = ref.Run(ctx, refCtx, refMem, opts.Budget)
	for _, err := range []error{engErr, refErr} {
		if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			return nil, err
		}
	}
	r.Err, r.RefErr = errString(engErr), errString(refErr)
	r.State, r.RefState = g.Snapshot(), refCtx.Snapshot()

	r.Diffs = append(r.Diffs, compareOutcome(r.Exit, engErr, r.RefExit, refErr)...)
	r.Diffs = append(r.Diffs, CompareStates(r.State, r.RefState, ref.Vectors())...)
	memDiffs, err := CompareMemory(e.Memory(), refMem, opts.MemoryDiffs)
	if err != nil {
		return nil, err
	}
	r.Diffs = append(r.Diffs, memDiffs...)
	if !r.OK() {
		log.Warn(log.JitExec, "cross-check mismatch", "reference", ref.Name(), "diffs", len(r.Diffs), "first", r.Diffs[0].String())
	}
	return r, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func compareOutcome(exit guest.Exit, err error, refExit guest.Exit, refErr error) []Mismatch {
	var out []Mismatch
	if (err == nil) != (refErr == nil) || (err != nil && jiterrors.GetErrorName(err) != jiterrors.GetErrorName(refErr)) {
		out = append(out, Mismatch{What: "error", Engine: errName(err), Reference: errName(refErr)})
	} else if err != nil {
		a, aok := jiterrors.FaultAddr(err)
		b, bok := jiterrors.FaultAddr(refErr)
		if aok != bok || a != b {
			out = append(out, Mismatch{What: "fault address", Engine: fmt.Sprintf("0x%x", a), Reference: fmt.Sprintf("0x%x", b)})
		}
	}
	if err == nil && refErr == nil && exit != refExit {
		out = append(out, Mismatch{What: "exit", Engine: exit.String(), Reference: refExit.String()})
	}
	return out
}

func errName(err error) string {
	if err == nil {
		return "none"
	}
	return jiterrors.GetErrorName(err)
}

// CompareStates lists register and flag differences. Vector registers count only when vectors
// is set.
func CompareStates(a, b guest.State, vectors bool) []Mismatch {
	var out []Mismatch
	hex := func(v uint64) string { return fmt.Sprintf("0x%x", v) }
	for i := range a.X {
		if a.X[i] != b.X[i] {
			out = append(out, Mismatch{What: fmt.Sprintf("x%d", i), Engine: hex(a.X[i]), Reference: hex(b.X[i])})
		}
	}
	if a.SP != b.SP {
		out = append(out, Mismatch{What: "sp", Engine: hex(a.SP), Reference: hex(b.SP)})
	}
	if a.PC != b.PC {
		out = append(out, Mismatch{What: "pc", Engine: hex(a.PC), Reference: hex(b.PC)})
	}
	flags := func(s guest.State) string {
		b := []byte("nzcv")
		for i, set := range []bool{s.N, s.Z, s.C, s.V} {
			if set {
				b[i] -= 'a' - 'A'
			}
		}
		return string(b)
	}
	if fa, fb := flags(a), flags(b); fa != fb {
		out = append(out, Mismatch{What: "nzcv", Engine: fa, Reference: fb})
	}
	if vectors {
		for i := 0; i < guest.NumVReg; i++ {
			va, vb := vecAt(a, i), vecAt(b, i)
			if va != vb {
				out = append(out, Mismatch{What: fmt.Sprintf("v%d", i), Engine: va, Reference: vb})
			}
		}
	}
	return out
}

func vecAt(s guest.State, i int) string {
	if s.Vec == nil {
		return "00000000000000000000000000000000"
	}
	return s.Vec[i]
}

// CompareMemory compares the mappings and the contents of every readable page, reporting at most
// limit differing 8-byte words (unlimited when limit is 0).
func CompareMemory(a, b *memory.AddressSpace, limit int) ([]Mismatch, error) {
	var out []Mismatch
	ma, mb := a.Mappings(), b.Mappings()
	if len(ma) != len(mb) {
		return []Mismatch{{What: "mappings", Engine: fmt.Sprint(ma), Reference: fmt.Sprint(mb)}}, nil
	}
	for i := range ma {
		if ma[i] != mb[i] {
			out = append(out, Mismatch{What: "mapping", Engine: fmt.Sprint(ma[i]), Reference: fmt.Sprint(mb[i])})
			continue
		}
		ba, okA := readMapping(a, ma[i])
		bb, okB := readMapping(b, mb[i])
		if !okA || !okB || bytes.Equal(ba, bb) {
			continue
		}
		for off := 0; off < len(ba); off += 8 {
			wa, wb := ba[off:off+8], bb[off:off+8]
			if bytes.Equal(wa, wb) {
				continue
			}
			out = append(out, Mismatch{
				What:      fmt.Sprintf("mem[0x%x]", ma[i].Addr+uint64(off)),
				Engine:    fmt.Sprintf("%x", wa),
				Reference: fmt.Sprintf("%x", wb),
			})
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
		}
	}
	return out, nil
}

// Package runtime is the dispatcher: it runs guest contexts by looking up the translation at the
// guest PC, executing it natively (or through the IR interpreter when the host cannot run the
// target's code) and handling the exit it returns.
//
// Many goroutines may run the same Engine on their own contexts. The address space and the
// translation cache are shared; tracked guest writes evict translations for every runner.
package runtime

import (
	"context"
	"errors"
	"fmt"
	goruntime "runtime"
	"time"

	"github.com/colorfulnotion/a64jit/jit/backend"
	"github.com/colorfulnotion/a64jit/jit/cache"
	"github.com/colorfulnotion/a64jit/jit/decoder"
	"github.com/colorfulnotion/a64jit/jit/guest"
	"github.com/colorfulnotion/a64jit/jit/interpreter"
	"github.com/colorfulnotion/a64jit/jit/ir"
	"github.com/colorfulnotion/a64jit/jit/opt"
	"github.com/colorfulnotion/a64jit/jit/regalloc"
	"github.com/colorfulnotion/a64jit/jiterrors"
	"github.com/colorfulnotion/a64jit/log"
	"github.com/colorfulnotion/a64jit/memory"

	// registered targets
	_ "github.com/colorfulnotion/a64jit/jit/backend/amd64"
	_ "github.com/colorfulnotion/a64jit/jit/backend/arm64"
)

// Exit is how a run hands control back: the reason and the guest PC to resume at.
type Exit = guest.Exit

// Interp is the target name that skips emission and interprets the optimized IR.
const Interp = "interp"

// CodeStore persists emitted code across processes, keyed by fingerprint and target.
type CodeStore interface {
	Get(fp cache.Fingerprint, target string) (*backend.Code, bool, error)
	Put(fp cache.Fingerprint, code *backend.Code) error
}

// Tracer observes every dispatch. Event.Ctx is only valid during the call.
type Tracer interface {
	Dispatch(ev Event)
}

// Event describes one dispatch.
type Event struct {
	Seq   uint64
	PC    uint64
	Exit  Exit
	Mode  string // "native", "interp" or "slow"
	Insts uint64
	Ctx   *guest.Context
}

type Config struct {
	// Target is a registered backend name, "" for the host's own, or Interp.
	Target        string
	Opt           opt.Options
	MaxBlockInsts int
	MaxBlocks     int
	CrossCheck    bool
	// Budget bounds the guest instructions of one Run; 0 is unlimited. Native functions are charged
	// their instruction count per call, so a run may overshoot by one function.
	Budget uint64
	Store  CodeStore
	Tracer Tracer
}

func DefaultConfig() Config {
	d := decoder.DefaultOptions()
	return Config{
		Opt:           opt.DefaultOptions(),
		MaxBlockInsts: d.MaxBlockInsts,
		MaxBlocks:     d.MaxBlocks,
	}
}

// Engine owns the translation cache and the executable memory for one address space.
type Engine struct {
	mem    *memory.AddressSpace
	cfg    Config
	target backend.Target // nil when interpreting
	native bool
	// variant distinguishes builds of the same bytes under different settings
	variant string

	cache *cache.Cache
	exec  *execMemory
	stats *engineCounters
}

// New builds an engine over mem. Asking for the host target on a host without one, or for a
// foreign target, still works: the code is emitted and the IR is interpreted.
func New(mem *memory.AddressSpace, cfg Config) (*Engine, error) {
	if cfg.MaxBlockInsts <= 0 || cfg.MaxBlocks <= 0 {
		return nil, fmt.Errorf("runtime: block limits must be positive (%d, %d)", cfg.MaxBlockInsts, cfg.MaxBlocks)
	}
	e := &Engine{mem: mem, cfg: cfg, exec: newExecMemory(), stats: newEngineCounters()}
	name := cfg.Target
	if name == "" {
		name = backend.HostName()
		if name == "" {
			log.Warn(log.JitExec, "no host target, interpreting", "os", goruntime.GOOS, "arch", goruntime.GOARCH)
			name = Interp
		}
	}
	if name != Interp {
		t, err := backend.New(name, backend.Config{AddressBits: mem.AddressBits()})
		if err != nil {
			return nil, err
		}
		e.target = t
		e.native = nativeSupported && t.Arch() == goruntime.GOARCH
	}
	e.variant = fmt.Sprintf("%s;opt=%t,%t,%t,%t;blk=%d/%d;bits=%d", name,
		cfg.Opt.ConstFold, cfg.Opt.Forward, cfg.Opt.CSE, cfg.Opt.DCE, cfg.MaxBlockInsts, cfg.MaxBlocks, mem.AddressBits())
	e.cache = cache.New(mem, e.build)
	log.Info(log.JitExec, "engine ready", "target", name, "native", e.native)
	return e, nil
}

// NativeAvailable reports whether this host can execute code emitted for its own target.
func NativeAvailable() bool {
	name := backend.HostName()
	return nativeSupported && name != ""
}

func (e *Engine) Memory() *memory.AddressSpace { return e.mem }
func (e *Engine) Cache() *cache.Cache          { return e.cache }

// Native reports whether translations run as host code.
func (e *Engine) Native() bool { return e.native }

// TargetName is the emitter in use, or Interp.
func (e *Engine) TargetName() string {
	if e.target == nil {
		return Interp
	}
	return e.target.Name()
}

// Target is the emitter in use, nil when interpreting.
func (e *Engine) Target() backend.Target { return e.target }

// Compile returns the translation at pc, building and publishing it on a miss.
func (e *Engine) Compile(ctx context.Context, pc uint64) (*cache.Function, error) {
	return e.cache.Lookup(ctx, pc)
}

func (e *Engine) decoderOptions(blockInsts int) decoder.Options {
	o := decoder.Options{
		MaxBlockInsts: blockInsts,
		MaxBlocks:     e.cfg.MaxBlocks,
		Selector:      ir.Arm64Selector{},
		CrossCheck:    e.cfg.CrossCheck,
	}
	if e.target != nil {
		o.Selector = e.target.Select()
	}
	return o
}

// build is the cache's compile pipeline: decode, optimize, then allocate and emit on a copy so
// the function keeps interpretable IR, and install when the code can run here. A block whose
// register pressure exceeds the spill area is retranslated with shorter blocks; a single
// instruction always fits.
func (e *Engine) build(pc uint64) (*cache.Function, error) {
	limit := e.cfg.MaxBlockInsts
	for {
		fn, err := e.translate(pc, limit)
		if err == nil || limit == 1 || !errors.Is(err, jiterrors.ErrOutOfSpillSlots) {
			return fn, err
		}
		limit = (limit + 1) / 2
		e.stats.shortened()
		log.Debug(log.JitCompile, "retranslating with shorter blocks", "pc", fmt.Sprintf("0x%x", pc), "max_block_insts", limit, "err", err)
	}
}

func (e *Engine) translate(pc uint64, blockInsts int) (*cache.Function, error) {
	ctx, span := startSpan(context.Background(), "compile", pc)
	defer span.End()
	start := time.Now()

	var f *ir.Func
	err := stage(ctx, "decode", func() (err error) {
		f, err = decoder.Decode(e.mem, pc, e.decoderOptions(blockInsts))
		return err
	})
	if err != nil {
		return nil, spanError(span, err)
	}
	if e.cfg.Opt.Enabled() {
		_ = stage(ctx, "optimize", func() error {
			st := opt.Run(f, e.cfg.Opt)
			log.Trace(log.JitCompile, "optimized", "pc", fmt.Sprintf("0x%x", pc), "stats", st.String())
			return nil
		})
	}
	fn := &cache.Function{
		PC:     pc,
		Ranges: f.Ranges(),
		Target: e.TargetName(),
		IR:     f,
		Meta:   cache.Meta{Blocks: len(f.Blocks), Insts: f.Insts()},
	}
	fn.Fingerprint, err = cache.ComputeFingerprint(e.mem, e.variant, pc, fn.Ranges)
	if err != nil {
		return nil, spanError(span, err)
	}
	if e.target != nil {
		if err := e.emit(ctx, fn); err != nil {
			return nil, spanError(span, err)
		}
	}
	fn.Meta.CompileTime = time.Since(start)
	log.Debug(log.JitCompile, "built", "fn", fn.String(), "bytes", fn.Meta.CodeSize, "persisted", fn.Meta.Persisted)
	return fn, nil
}

func (e *Engine) emit(ctx context.Context, fn *cache.Function) error {
	name := e.target.Name()
	if e.cfg.Store != nil {
		code, ok, err := e.cfg.Store.Get(fn.Fingerprint, name)
		if err != nil {
			log.Warn(log.JitCache, "ptc read failed", "fn", fn.String(), "err", err)
		} else if ok {
			fn.Code = code
			fn.Meta.Persisted = true
		}
	}
	if fn.Code == nil {
		g := fn.IR.Clone()
		err := stage(ctx, "allocate", func() error {
			_, err := regalloc.Allocate(g, e.target.Registers())
			return err
		})
		if err != nil {
			return err
		}
		err = stage(ctx, "emit", func() (err error) {
			fn.Code, err = e.target.Emit(g)
			return err
		})
		if err != nil {
			return err
		}
		if e.cfg.Store != nil {
			if err := e.cfg.Store.Put(fn.Fingerprint, fn.Code); err != nil {
				log.Warn(log.JitCache, "ptc write failed", "fn", fn.String(), "err", err)
			}
		}
	}
	fn.Meta.CodeSize = fn.Code.Size()
	if !e.native {
		return nil
	}
	return stage(ctx, "install", func() (err error) {
		fn.Entry, err = e.exec.install(fn.Code.Bytes)
		return err
	})
}

// bind points the context at this engine's guest memory.
func (e *Engine) bind(g *guest.Context) {
	g.Bind(e.mem.HostBase(), e.mem.PageFlags())
}

// Run executes from the context PC until a syscall, a break, a fault, the budget or ctx ends it.
// Syscall and break exits return a nil error so the caller can service them and Run again.
func (e *Engine) Run(ctx context.Context, g *guest.Context) (Exit, error) {
	e.bind(g)
	var used uint64
	for {
		if err := ctx.Err(); err != nil {
			return Exit{Reason: guest.ExitBranch, PC: g.PC()}, err
		}
		if e.cfg.Budget > 0 && used >= e.cfg.Budget {
			return Exit{Reason: guest.ExitBranch, PC: g.PC()}, fmt.Errorf("after %d instructions: %w", used, jiterrors.ErrBudgetExhausted)
		}
		limit := uint64(sliceInsts)
		if e.cfg.Budget > 0 {
			limit = min(limit, e.cfg.Budget-used)
		}
		exit, n, err := e.dispatch(ctx, g, limit)
		used += n
		if err != nil || exit.Reason != guest.ExitBranch {
			return exit, err
		}
	}
}

// Step performs one dispatch: the translation at the context PC runs once and a slow-path exit
// is completed. A Branch exit means execution can continue at Exit.PC.
func (e *Engine) Step(ctx context.Context, g *guest.Context) (Exit, error) {
	e.bind(g)
	exit, _, err := e.dispatch(ctx, g, sliceInsts)
	return exit, err
}

// sliceInsts bounds one interpreted dispatch so budgets and cancellation are checked in loops.
const sliceInsts = 1 << 16

func (e *Engine) dispatch(ctx context.Context, g *guest.Context, limit uint64) (Exit, uint64, error) {
	pc := g.PC()
	fn, err := e.cache.Lookup(ctx, pc)
	if err != nil {
		if errors.Is(err, jiterrors.ErrUndefinedInstruction) {
			return Exit{Reason: guest.ExitUndefined, PC: pc}, 0, err
		}
		return Exit{Reason: guest.ExitBranch, PC: pc}, 0, err
	}

	mode := "interp"
	var exit Exit
	var n uint64
	if fn.Entry != 0 {
		mode = "native"
		exit, err = e.call(fn, g)
		n = uint64(fn.Meta.Insts)
	} else {
		var k int
		// stores into its own code leave through the slow path, as they do from native code
		exit, k, err = interpreter.ExecFuncGuarded(fn.IR, g, e.mem, int(limit), interpreter.CodeGuard(fn.Ranges))
		n = uint64(k)
	}
	e.stats.dispatch(mode, n)
	if err == nil && exit.Reason == guest.ExitSlowPath {
		mode = "slow"
		exit, err = interpreter.Step(g, e.mem)
		n++
		e.stats.dispatch(mode, 1)
	}
	if err == nil && exit.Reason == guest.ExitUndefined {
		err = jiterrors.NewFault(jiterrors.ErrUndefinedInstruction, exit.PC)
	}
	if e.cfg.Tracer != nil {
		e.cfg.Tracer.Dispatch(Event{Seq: e.stats.seq.Add(1), PC: pc, Exit: exit, Mode: mode, Insts: n, Ctx: g})
	}
	log.Trace(log.JitExec, "dispatch", "pc", fmt.Sprintf("0x%x", pc), "exit", exit.String(), "mode", mode)
	return exit, n, err
}

// call runs native code. The context's backing array does not move, so its address stays valid
// for the whole call.
func (e *Engine) call(fn *cache.Function, g *guest.Context) (Exit, error) {
	reason, next := callJIT(fn.Entry, g.Ptr())
	goruntime.KeepAlive(g)
	r := guest.ExitReason(reason)
	if r < guest.ExitBranch || r > guest.ExitUndefined {
		return Exit{}, jiterrors.Internal("%s returned exit reason %d", fn, reason)
	}
	g.SetPC(next)
	return Exit{Reason: r, PC: next}, nil
}

// Stats is a snapshot of the engine and its cache.
type Stats struct {
	Dispatches  uint64      `json:"dispatches"`
	Native      uint64      `json:"native"`
	Interpreted uint64      `json:"interpreted"`
	SlowPaths   uint64      `json:"slow_paths"`
	Shortened   uint64      `json:"shortened"` // builds retried with shorter blocks
	Insts       uint64      `json:"insts"`
	ExecBytes   int         `json:"exec_bytes"`
	Cache       cache.Stats `json:"cache"`
}

func (e *Engine) Stats() Stats {
	s := e.stats.snapshot()
	s.ExecBytes = e.exec.size()
	s.Cache = e.cache.Stats()
	return s
}

// Close evicts every translation and unmaps the executable memory. No Run may be in progress.
func (e *Engine) Close() error {
	e.cache.Flush()
	return e.exec.release()
}

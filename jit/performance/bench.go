// Package performance measures the compile pipeline per function and target and renders the
// results and control-flow graphs as charts.
package performance

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/colorfulnotion/a64jit/jit/guest"
	"github.com/colorfulnotion/a64jit/jit/ir"
	"github.com/colorfulnotion/a64jit/jit/runtime"
	"github.com/colorfulnotion/a64jit/log"
	"github.com/colorfulnotion/a64jit/memory"
	"golang.org/x/sync/errgroup"
)

// Result is the compile of one function for one target.
type Result struct {
	Target      string        `json:"target"`
	PC          uint64        `json:"pc"`
	Blocks      int           `json:"blocks"`
	GuestInsts  int           `json:"guest_insts"`
	IROps       int           `json:"ir_ops"`
	CodeSize    int           `json:"code_size"`
	CompileTime time.Duration `json:"compile_time"`
	Err         string        `json:"err,omitempty"`
}

// Options configure a benchmark.
type Options struct {
	Targets []string
	Engine  runtime.Config // Target and Store are overridden
	// MaxFunctions bounds entry discovery from the start address.
	MaxFunctions int
	Workers      int
}

// StaticExits lists the constant guest addresses f can exit to, ascending.
func StaticExits(f *ir.Func) []uint64 {
	seen := map[uint64]bool{}
	for _, b := range f.Blocks {
		t := b.Terminator()
		if t == nil || t.Code != ir.OpExit || !t.Args[1].IsConst() {
			continue
		}
		if guest.ExitReason(t.Args[0].Value) == guest.ExitUndefined {
			continue
		}
		seen[t.Args[1].Value] = true
	}
	out := make([]uint64, 0, len(seen))
	for pc := range seen {
		out = append(out, pc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Discover compiles breadth-first from entry along static exits and returns the function entry
// points found, ascending. Addresses that fail to translate are skipped.
func Discover(ctx context.Context, e *runtime.Engine, entry uint64, limit int) ([]uint64, error) {
	seen := map[uint64]bool{entry: true}
	queue := []uint64{entry}
	var found []uint64
	for len(queue) > 0 && (limit <= 0 || len(found) < limit) {
		pc := queue[0]
		queue = queue[1:]
		fn, err := e.Compile(ctx, pc)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Debug(log.CLI, "discover: skipping", "pc", fmt.Sprintf("0x%x", pc), "err", err)
			continue
		}
		found = append(found, pc)
		for _, next := range StaticExits(fn.IR) {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i] < found[j] })
	return found, nil
}

func countOps(f *ir.Func) int {
	n := 0
	for _, b := range f.Blocks {
		n += len(b.Ops)
	}
	return n
}

// Run compiles every function reachable from entry once per target, each target on a fresh
// engine so no compile is served from a cache.
func Run(ctx context.Context, mem *memory.AddressSpace, entry uint64, opts Options) ([]Result, error) {
	if len(opts.Targets) == 0 {
		return nil, fmt.Errorf("bench: no targets")
	}
	discCfg := opts.Engine
	discCfg.Target, discCfg.Store, discCfg.Tracer = runtime.Interp, nil, nil
	disc, err := runtime.New(mem, discCfg)
	if err != nil {
		return nil, err
	}
	entries, err := Discover(ctx, disc, entry, opts.MaxFunctions)
	disc.Close()
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	var results []Result
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(opts.Workers, 1))
	for _, target := range opts.Targets {
		cfg := opts.Engine
		cfg.Target, cfg.Store, cfg.Tracer = target, nil, nil
		e, err := runtime.New(mem, cfg)
		if err != nil {
			return nil, err
		}
		defer e.Close()
		for _, pc := range entries {
			pc := pc
			g.Go(func() error {
				r := Result{Target: e.TargetName(), PC: pc}
				fn, err := e.Compile(gctx, pc)
				if err != nil {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					r.Err = err.Error()
				} else {
					r.Blocks = fn.Meta.Blocks
					r.GuestInsts = fn.Meta.Insts
					r.IROps = countOps(fn.IR)
					r.CodeSize = fn.Meta.CodeSize
					r.CompileTime = fn.Meta.CompileTime
				}
				mu.Lock()
				results = append(results, r)
				mu.Unlock()
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].PC != results[j].PC {
			return results[i].PC < results[j].PC
		}
		return results[i].Target < results[j].Target
	})
	return results, nil
}

// Summary aggregates results per target.
type Summary struct {
	Target      string        `json:"target"`
	Functions   int           `json:"functions"`
	Failed      int           `json:"failed"`
	GuestInsts  int           `json:"guest_insts"`
	CodeSize    int           `json:"code_size"`
	CompileTime time.Duration `json:"compile_time"`
}

// BytesPerInst is the emitted code per guest instruction.
func (s Summary) BytesPerInst() float64 {
	if s.GuestInsts == 0 {
		return 0
	}
	return float64(s.CodeSize) / float64(s.GuestInsts)
}

func Summarize(results []Result) []Summary {
	by := map[string]*Summary{}
	var order []string
	for _, r := range results {
		s, ok := by[r.Target]
		if !ok {
			s = &Summary{Target: r.Target}
			by[r.Target] = s
			order = append(order, r.Target)
		}
		if r.Err != "" {
			s.Failed++
			continue
		}
		s.Functions++
		s.GuestInsts += r.GuestInsts
		s.CodeSize += r.CodeSize
		s.CompileTime += r.CompileTime
	}
	sort.Strings(order)
	out := make([]Summary, 0, len(order))
	for _, t := range order {
		out = append(out, *by[t])
	}
	return out
}

// Package cache holds published translations by entry PC and evicts them when the guest code
// they were built from changes.
//
// A lookup miss compiles on the requesting goroutine inside a per-PC flight, so concurrent
// lookups of one PC share a single compile while different PCs compile in parallel. Before a
// build is published its code pages are tracked and the cache re-checks, under its lock, that
// no tracked write reached them since the build started; a stale build is discarded and rebuilt.
package cache

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/colorfulnotion/a64jit/jiterrors"
	"github.com/colorfulnotion/a64jit/log"
	"github.com/colorfulnotion/a64jit/memory"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/singleflight"
)

// Memory is the part of the address space the cache depends on.
type Memory interface {
	Track(addr, length uint64, hook memory.Hook) (*memory.Handle, error)
	WriteSeq() uint64
	WrittenSince(addr, length, seq uint64) bool
}

// Builder produces an unpublished translation of the code at pc.
type Builder func(pc uint64) (*Function, error)

// MaxRebuilds bounds how often one lookup retries a build that went stale before publishing.
const MaxRebuilds = 8

// ErrUnstable is returned when the code at a PC kept changing for MaxRebuilds builds.
var ErrUnstable = fmt.Errorf("%w: code changed during every rebuild", jiterrors.ErrInternal)

type Cache struct {
	mem   Memory
	build Builder

	mu    sync.Mutex
	funcs map[uint64]*Function
	pages map[uint64][]*Function

	flights singleflight.Group
	stats   *counters
}

func New(mem Memory, build Builder) *Cache {
	return &Cache{
		mem:   mem,
		build: build,
		funcs: make(map[uint64]*Function),
		pages: make(map[uint64][]*Function),
		stats: newCounters(),
	}
}

// Get returns the published function at pc without compiling.
func (c *Cache) Get(pc uint64) (*Function, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.funcs[pc]
	return f, ok
}

// Lookup returns the function at pc, compiling it on a miss. ctx bounds only this caller's wait:
// a compile already started runs to completion and is published for later lookups.
func (c *Cache) Lookup(ctx context.Context, pc uint64) (*Function, error) {
	if f, ok := c.Get(pc); ok {
		c.stats.hits.inc()
		return f, nil
	}
	c.stats.misses.inc()
	ch := c.flights.DoChan(strconv.FormatUint(pc, 16), func() (interface{}, error) {
		return c.compile(pc)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*Function), nil
	}
}

func (c *Cache) compile(pc uint64) (*Function, error) {
	for attempt := 0; attempt < MaxRebuilds; attempt++ {
		if f, ok := c.Get(pc); ok {
			return f, nil
		}
		seq := c.mem.WriteSeq()
		start := time.Now()
		f, err := c.build(pc)
		if err != nil {
			c.stats.failures.inc()
			log.Debug(log.JitCache, "compile failed", "pc", fmt.Sprintf("0x%x", pc), "err", err)
			return nil, err
		}
		if f.Meta.CompileTime == 0 {
			f.Meta.CompileTime = time.Since(start)
		}
		c.stats.compiles.inc()
		compileSeconds.Observe(f.Meta.CompileTime.Seconds())

		if err := c.track(f); err != nil {
			c.stats.failures.inc()
			return nil, err
		}
		if c.publish(f, seq) {
			log.Debug(log.JitCache, "published", "fn", f.String(), "insts", f.Meta.Insts, "took", f.Meta.CompileTime)
			return f, nil
		}
		release(f)
		c.stats.rebuilds.inc()
		log.Debug(log.JitCache, "stale build discarded", "pc", fmt.Sprintf("0x%x", pc), "attempt", attempt)
	}
	return nil, fmt.Errorf("0x%x: %w", pc, ErrUnstable)
}

// track registers the invalidation hook over every range of f.
func (c *Cache) track(f *Function) error {
	for _, r := range f.Ranges {
		h, err := c.mem.Track(r.Start, r.End-r.Start, c.onWrite)
		if err != nil {
			release(f)
			return fmt.Errorf("track %v: %w", r, err)
		}
		f.handles = append(f.handles, h)
	}
	return nil
}

// publish installs f unless one of its ranges saw a tracked write after seq.
func (c *Cache) publish(f *Function, seq uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range f.Ranges {
		if c.mem.WrittenSince(r.Start, r.End-r.Start, seq) {
			return false
		}
	}
	if old, ok := c.funcs[f.PC]; ok {
		c.removeLocked(old)
	}
	c.funcs[f.PC] = f
	for _, p := range f.Pages() {
		c.pages[p] = append(c.pages[p], f)
	}
	return true
}

func (c *Cache) onWrite(addr, length uint64) {
	c.Invalidate(addr, length)
}

// Invalidate evicts every function whose pages overlap [addr, addr+length) and returns how many.
func (c *Cache) Invalidate(addr, length uint64) int {
	if length == 0 {
		return 0
	}
	first, last := addr>>memory.PageBits, (addr+length-1)>>memory.PageBits
	c.mu.Lock()
	var victims []*Function
	for p := first; p <= last; p++ {
		for _, f := range c.pages[p] {
			if !slices.Contains(victims, f) {
				victims = append(victims, f)
			}
		}
	}
	for _, f := range victims {
		c.removeLocked(f)
	}
	c.mu.Unlock()

	for _, f := range victims {
		release(f)
	}
	c.stats.invalidations.add(uint64(len(victims)))
	if len(victims) > 0 {
		log.Debug(log.JitCache, "invalidated", "addr", fmt.Sprintf("0x%x", addr), "len", length, "evicted", len(victims))
	}
	return len(victims)
}

func (c *Cache) removeLocked(f *Function) {
	if c.funcs[f.PC] == f {
		delete(c.funcs, f.PC)
	}
	for _, p := range f.Pages() {
		list := slices.DeleteFunc(c.pages[p], func(g *Function) bool { return g == f })
		if len(list) == 0 {
			delete(c.pages, p)
		} else {
			c.pages[p] = list
		}
	}
	f.evicted.Store(true)
}

// release drops the tracking handles; hooks may be running, Dispose tolerates that.
func release(f *Function) {
	for _, h := range f.handles {
		h.Dispose()
	}
	f.handles = nil
}

// Flush evicts every function.
func (c *Cache) Flush() {
	c.mu.Lock()
	victims := maps.Values(c.funcs)
	for _, f := range victims {
		c.removeLocked(f)
	}
	c.mu.Unlock()
	for _, f := range victims {
		release(f)
	}
	c.stats.flushes.inc()
	log.Debug(log.JitCache, "flush", "evicted", len(victims))
}

// Len is the number of published functions.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.funcs)
}

// Functions lists the published functions by entry PC.
func (c *Cache) Functions() []*Function {
	c.mu.Lock()
	fs := maps.Values(c.funcs)
	c.mu.Unlock()
	slices.SortFunc(fs, func(a, b *Function) int {
		switch {
		case a.PC < b.PC:
			return -1
		case a.PC > b.PC:
			return 1
		}
		return 0
	})
	return fs
}

// Covering lists the published functions whose code includes addr.
func (c *Cache) Covering(addr uint64) []*Function {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Function
	for _, f := range c.pages[addr>>memory.PageBits] {
		if f.Contains(addr) {
			out = append(out, f)
		}
	}
	return out
}

func (c *Cache) Stats() Stats {
	return Stats{
		Hits:          c.stats.hits.load(),
		Misses:        c.stats.misses.load(),
		Compiles:      c.stats.compiles.load(),
		Failures:      c.stats.failures.load(),
		Invalidations: c.stats.invalidations.load(),
		Rebuilds:      c.stats.rebuilds.load(),
		Flushes:       c.stats.flushes.load(),
		Live:          c.Len(),
	}
}

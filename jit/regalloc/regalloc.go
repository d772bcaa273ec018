// Package regalloc assigns host registers to the virtual registers of an IR function.
//
// Allocation is block-local because virtual registers never cross blocks. When a register
// class runs out, the resident value whose next use lies farthest ahead is evicted; values with
// later uses are stored to a spill slot in the guest context and reloaded before that use.
package regalloc

import (
	"fmt"
	"math"
	"sort"

	"github.com/colorfulnotion/a64jit/jiterrors"
	"github.com/colorfulnotion/a64jit/jit/guest"
	"github.com/colorfulnotion/a64jit/jit/ir"
	"github.com/colorfulnotion/a64jit/log"
)

// Class is a register file.
type Class uint8

const (
	GPR Class = iota
	Vec
	numClasses
)

func (c Class) String() string {
	if c == Vec {
		return "vec"
	}
	return "gpr"
}

// ClassOf returns the register file holding values of type t.
func ClassOf(t ir.Type) Class {
	if t == ir.V128 {
		return Vec
	}
	return GPR
}

// RegisterSet lists the allocatable host registers of a target, in preference order, and the
// spill capacity of the context.
type RegisterSet struct {
	GPR           []int
	Vec           []int
	SpillSlots    int
	VecSpillSlots int
}

// DefaultSpill fills in the context spill capacity.
func (rs RegisterSet) DefaultSpill() RegisterSet {
	rs.SpillSlots = guest.NumSpillSlots
	rs.VecSpillSlots = guest.NumVecSpillSlots
	return rs
}

func (rs RegisterSet) regs(c Class) []int {
	if c == Vec {
		return rs.Vec
	}
	return rs.GPR
}

func (rs RegisterSet) slots(c Class) int {
	if c == Vec {
		return rs.VecSpillSlots
	}
	return rs.SpillSlots
}

// Result summarizes an allocation.
type Result struct {
	Spills   int
	Reloads  int
	MaxSlots [numClasses]int
	UsedGPR  []int
	UsedVec  []int
}

func (r Result) String() string {
	return fmt.Sprintf("spills=%d reloads=%d slots=%d/%d gpr=%v vec=%v", r.Spills, r.Reloads, r.MaxSlots[GPR], r.MaxSlots[Vec], r.UsedGPR, r.UsedVec)
}

// Allocate rewrites every virtual register operand of f into a physical register and inserts
// Spill and Reload ops where needed. The result is deterministic for a given input.
func Allocate(f *ir.Func, rs RegisterSet) (Result, error) {
	var res Result
	used := [numClasses]map[int]bool{{}, {}}
	for _, blk := range f.Blocks {
		a := newBlockAllocator(f, rs, blk, &res, used)
		if err := a.run(); err != nil {
			return Result{}, fmt.Errorf("block %d @0x%x: %w", blk.ID, blk.PC, err)
		}
	}
	res.UsedGPR = sortedKeys(used[GPR])
	res.UsedVec = sortedKeys(used[Vec])
	log.Trace(log.JitCompile, "regalloc.Allocate", "entry", fmt.Sprintf("0x%x", f.Entry), "result", res.String())
	return res, nil
}

func sortedKeys(m map[int]bool) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}

type blockAllocator struct {
	f    *ir.Func
	rs   RegisterSet
	blk  *ir.Block
	res  *Result
	used [numClasses]map[int]bool

	uses  map[int][]int // op indices reading each vreg, ascending
	reg   map[int]int   // resident vreg -> host register
	owner [numClasses]map[int]int
	free  [numClasses][]int
	slot  map[int]int // vreg -> spill slot holding a valid copy

	freeSlots [numClasses][]int
	nextSlot  [numClasses]int

	out []*ir.Op
}

func newBlockAllocator(f *ir.Func, rs RegisterSet, blk *ir.Block, res *Result, used [numClasses]map[int]bool) *blockAllocator {
	a := &blockAllocator{
		f:    f,
		rs:   rs,
		blk:  blk,
		res:  res,
		used: used,
		uses: make(map[int][]int),
		reg:  make(map[int]int),
		slot: make(map[int]int),
	}
	for c := Class(0); c < numClasses; c++ {
		a.owner[c] = make(map[int]int)
		a.free[c] = append([]int(nil), rs.regs(c)...)
	}
	for i, op := range blk.Ops {
		op.Uses(func(o ir.Operand) {
			v := o.VReg()
			if u := a.uses[v]; len(u) == 0 || u[len(u)-1] != i {
				a.uses[v] = append(u, i)
			}
		})
	}
	return a
}

func (a *blockAllocator) typeOf(v int) ir.Type { return a.f.VRegType(v) }

// nextUse returns the first use of v after position i and the number of such uses.
func (a *blockAllocator) nextUse(v, i int) (int, int) {
	u := a.uses[v]
	k := sort.SearchInts(u, i+1)
	if k == len(u) {
		return math.MaxInt, 0
	}
	return u[k], len(u) - k
}

func (a *blockAllocator) lastUse(v int) int {
	u := a.uses[v]
	if len(u) == 0 {
		return -1
	}
	return u[len(u)-1]
}

func (a *blockAllocator) bind(v, p int) {
	c := ClassOf(a.typeOf(v))
	a.reg[v] = p
	a.owner[c][p] = v
	a.used[c][p] = true
}

// release frees v's register and spill slot once v is dead.
func (a *blockAllocator) release(v int) {
	c := ClassOf(a.typeOf(v))
	if p, ok := a.reg[v]; ok {
		delete(a.reg, v)
		delete(a.owner[c], p)
		a.putFree(c, p)
	}
	if s, ok := a.slot[v]; ok {
		delete(a.slot, v)
		a.freeSlots[c] = append(a.freeSlots[c], s)
	}
}

// putFree returns p to the free list keeping the target's preference order.
func (a *blockAllocator) putFree(c Class, p int) {
	order := a.rs.regs(c)
	rank := func(r int) int {
		for i, x := range order {
			if x == r {
				return i
			}
		}
		return len(order)
	}
	list := append(a.free[c], p)
	sort.Slice(list, func(i, j int) bool { return rank(list[i]) < rank(list[j]) })
	a.free[c] = list
}

func (a *blockAllocator) allocSlot(c Class) (int, error) {
	if n := len(a.freeSlots[c]); n > 0 {
		s := a.freeSlots[c][n-1]
		a.freeSlots[c] = a.freeSlots[c][:n-1]
		return s, nil
	}
	if a.nextSlot[c] >= a.rs.slots(c) {
		return 0, fmt.Errorf("%w: %d %s slots", jiterrors.ErrOutOfSpillSlots, a.rs.slots(c), c)
	}
	s := a.nextSlot[c]
	a.nextSlot[c]++
	if a.nextSlot[c] > a.res.MaxSlots[c] {
		a.res.MaxSlots[c] = a.nextSlot[c]
	}
	return s, nil
}

// take returns a register of class c for use at op i, evicting a resident value not in keep.
func (a *blockAllocator) take(c Class, keep map[int]bool, i int) (int, error) {
	if len(a.free[c]) > 0 {
		p := a.free[c][0]
		a.free[c] = a.free[c][1:]
		return p, nil
	}
	victim, vp := -1, -1
	bestNext, bestRem := -1, 0
	for _, p := range a.rs.regs(c) {
		v, ok := a.owner[c][p]
		if !ok || keep[p] {
			continue
		}
		next, rem := a.nextUse(v, i)
		better := next > bestNext ||
			(next == bestNext && rem < bestRem) ||
			(next == bestNext && rem == bestRem && v > victim)
		if victim < 0 || better {
			victim, vp, bestNext, bestRem = v, p, next, rem
		}
	}
	if victim < 0 {
		return 0, jiterrors.Internal("no %s register free at op %d", c, i)
	}
	if bestNext != math.MaxInt {
		if _, saved := a.slot[victim]; !saved {
			s, err := a.allocSlot(c)
			if err != nil {
				return 0, err
			}
			a.slot[victim] = s
			t := a.typeOf(victim)
			a.out = append(a.out, &ir.Op{Code: ir.OpSpill, Dst: ir.SpillSlot(s, t), Args: []ir.Operand{ir.PReg(vp, t)}, PC: a.blk.Ops[i].PC})
			a.res.Spills++
		}
	}
	delete(a.reg, victim)
	delete(a.owner[c], vp)
	return vp, nil
}

// operand makes v resident for op i and returns its register.
func (a *blockAllocator) operand(v int, keep map[int]bool, i int) (int, error) {
	if p, ok := a.reg[v]; ok {
		return p, nil
	}
	s, ok := a.slot[v]
	if !ok {
		return 0, jiterrors.Internal("v%d used at op %d is neither resident nor spilled", v, i)
	}
	t := a.typeOf(v)
	p, err := a.take(ClassOf(t), keep, i)
	if err != nil {
		return 0, err
	}
	a.out = append(a.out, &ir.Op{Code: ir.OpReload, Dst: ir.PReg(p, t), Args: []ir.Operand{ir.SpillSlot(s, t)}, PC: a.blk.Ops[i].PC})
	a.res.Reloads++
	a.bind(v, p)
	return p, nil
}

func (a *blockAllocator) run() error {
	for i, op := range a.blk.Ops {
		keep := make(map[int]bool)
		op.Uses(func(o ir.Operand) {
			if p, ok := a.reg[o.VReg()]; ok {
				keep[p] = true
			}
		})
		var read []int
		for j, arg := range op.Args {
			switch {
			case arg.Kind == ir.KindVReg:
				p, err := a.operand(arg.VReg(), keep, i)
				if err != nil {
					return err
				}
				keep[p] = true
				read = append(read, arg.VReg())
				op.Args[j] = ir.PReg(p, arg.Type)
			case arg.Kind == ir.KindMem && arg.BaseKind == ir.KindVReg:
				v := int(arg.Base)
				p, err := a.operand(v, keep, i)
				if err != nil {
					return err
				}
				keep[p] = true
				read = append(read, v)
				op.Args[j] = arg.WithBase(ir.PReg(p, ir.I64))
			}
		}
		// sources dying here may share a register with the destination
		for _, v := range read {
			if a.lastUse(v) == i {
				if p, ok := a.reg[v]; ok {
					delete(keep, p)
				}
				a.release(v)
			}
		}
		if op.Dst.Kind == ir.KindVReg {
			v := op.Dst.VReg()
			t := op.Dst.Type
			p, err := a.take(ClassOf(t), keep, i)
			if err != nil {
				return err
			}
			a.bind(v, p)
			op.Dst = ir.PReg(p, t)
			a.out = append(a.out, op)
			if a.lastUse(v) < 0 {
				a.release(v)
			}
			continue
		}
		a.out = append(a.out, op)
	}
	a.blk.Ops = a.out
	return nil
}

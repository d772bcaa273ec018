// Package interpreter executes IR functions directly against a guest context and address space.
// It serves the dispatcher's slow path, one guest instruction at a time, and validates native
// code by running whole programs.
package interpreter

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/colorfulnotion/a64jit/jit/decoder"
	"github.com/colorfulnotion/a64jit/jit/guest"
	"github.com/colorfulnotion/a64jit/jit/ir"
	"github.com/colorfulnotion/a64jit/jiterrors"
	"github.com/colorfulnotion/a64jit/log"
)

// Memory is the guest view the interpreter needs. Stores go through the tracked Write path.
type Memory interface {
	decoder.Source
	Read(addr uint64, buf []byte) error
	Write(addr uint64, data []byte) error
}

// sequenced memories let Run drop decoded code after guest writes.
type sequenced interface {
	WriteSeq() uint64
}

type frame struct {
	f     *ir.Func
	ctx   *guest.Context
	mem   Memory
	ints  []uint64
	vecs  []vec
	guard Guard
}

// Guard reports whether a store to [addr, addr+n) must leave through the slow path instead of
// running in the current function, normally because it overwrites the function's own code.
type Guard func(addr, n uint64) bool

// CodeGuard guards the guest code in ranges.
func CodeGuard(ranges []ir.GuestRange) Guard {
	return func(addr, n uint64) bool {
		for _, r := range ranges {
			if addr < r.End && r.Start < addr+n {
				return true
			}
		}
		return false
	}
}

// ExecFunc runs f from its entry block until it exits. It returns the exit and the number of
// guest instructions covered by the blocks it entered. On a memory fault the context PC is the
// faulting instruction and the error is the fault.
func ExecFunc(f *ir.Func, ctx *guest.Context, mem Memory) (guest.Exit, int, error) {
	return exec(f, ctx, mem, limits{})
}

// ExecFuncLimit is ExecFunc stopped at the first block boundary reached after maxInsts guest
// instructions, with an ExitBranch to that block. maxInsts <= 0 is no limit.
func ExecFuncLimit(f *ir.Func, ctx *guest.Context, mem Memory, maxInsts int) (guest.Exit, int, error) {
	return exec(f, ctx, mem, limits{insts: maxInsts})
}

// ExecFuncGuarded is ExecFuncLimit with stores checked against guard first. A guarded store
// ends the function with an ExitSlowPath at its instruction before the store reaches memory,
// the way native code leaves on a tracked page.
func ExecFuncGuarded(f *ir.Func, ctx *guest.Context, mem Memory, maxInsts int, guard Guard) (guest.Exit, int, error) {
	return exec(f, ctx, mem, limits{insts: maxInsts, guard: guard})
}

// limits stop a function at a block boundary, reported as an ExitBranch to the next block.
type limits struct {
	blocks int // block entries
	insts  int // guest instructions
	guard  Guard
}

func exec(f *ir.Func, ctx *guest.Context, mem Memory, lim limits) (guest.Exit, int, error) {
	if len(f.Blocks) == 0 {
		return guest.Exit{}, 0, jiterrors.ErrEmptyFunction
	}
	fr := &frame{
		f:     f,
		ctx:   ctx,
		mem:   mem,
		ints:  make([]uint64, f.NumVRegs()),
		vecs:  make([]vec, f.NumVRegs()),
		guard: lim.guard,
	}
	insts := 0
	entered := 0
	blk := f.Blocks[0]
	for {
		if (lim.blocks > 0 && entered == lim.blocks) || (lim.insts > 0 && insts >= lim.insts) {
			ctx.SetPC(blk.PC)
			return guest.Exit{Reason: guest.ExitBranch, PC: blk.PC}, insts, nil
		}
		entered++
		insts += blk.Insts
		next, exit, err := fr.block(blk)
		if err != nil {
			return guest.Exit{}, insts, err
		}
		if next == nil {
			ctx.SetPC(exit.PC)
			return exit, insts, nil
		}
		blk = next
	}
}

func (fr *frame) block(blk *ir.Block) (*ir.Block, guest.Exit, error) {
	for _, op := range blk.Ops {
		switch op.Code {
		case ir.OpBranch:
			return fr.label(op.Args[0])
		case ir.OpBranchIf:
			if fr.int(op.Args[0]) != 0 {
				return fr.label(op.Args[1])
			}
			return fr.label(op.Args[2])
		case ir.OpExit:
			exit := guest.Exit{Reason: guest.ExitReason(fr.int(op.Args[0])), PC: fr.int(op.Args[1])}
			return nil, exit, nil
		}
		if fr.guard != nil && op.Code.IsStore() && fr.guard(fr.addr(op.Args[0]), uint64(op.Code.Size())) {
			return nil, guest.Exit{Reason: guest.ExitSlowPath, PC: op.PC}, nil
		}
		if err := fr.op(op); err != nil {
			if _, ok := jiterrors.FaultAddr(err); ok {
				fr.ctx.SetPC(op.PC)
			}
			return nil, guest.Exit{}, err
		}
	}
	return nil, guest.Exit{}, fmt.Errorf("%w: block %d has no terminator", jiterrors.ErrInvalidIR, blk.ID)
}

func (fr *frame) label(o ir.Operand) (*ir.Block, guest.Exit, error) {
	if o.Kind != ir.KindLabel {
		return nil, guest.Exit{}, fmt.Errorf("%w: branch to %v", jiterrors.ErrInvalidIR, o)
	}
	blk := fr.f.Block(int(o.Value))
	if blk == nil {
		return nil, guest.Exit{}, fmt.Errorf("%w: no block %d", jiterrors.ErrInvalidIR, o.Value)
	}
	return blk, guest.Exit{}, nil
}

func truncate(t ir.Type, v uint64) uint64 {
	if t == ir.I32 {
		return uint64(uint32(v))
	}
	return v
}

func (fr *frame) int(o ir.Operand) uint64 {
	switch o.Kind {
	case ir.KindConst:
		return o.Value
	case ir.KindVReg:
		return fr.ints[o.VReg()]
	}
	return 0
}

func (fr *frame) vec(o ir.Operand) vec {
	if o.Kind == ir.KindVReg {
		return fr.vecs[o.VReg()]
	}
	return vec{}
}

func (fr *frame) setInt(o ir.Operand, v uint64) { fr.ints[o.VReg()] = truncate(o.Type, v) }
func (fr *frame) setVec(o ir.Operand, v vec)    { fr.vecs[o.VReg()] = v }

func (fr *frame) addr(m ir.Operand) uint64 {
	return fr.int(m.BaseOperand()) + uint64(m.Disp)
}

func checkOperand(o ir.Operand) error {
	switch o.Kind {
	case ir.KindPReg, ir.KindSpill:
		return fmt.Errorf("%w: allocated operand %v", jiterrors.ErrInvalidIR, o)
	case ir.KindMem:
		if o.BaseKind == ir.KindPReg {
			return fmt.Errorf("%w: allocated memory base", jiterrors.ErrInvalidIR)
		}
	}
	return nil
}

func (fr *frame) op(op *ir.Op) error {
	if err := checkOperand(op.Dst); err != nil {
		return err
	}
	for _, a := range op.Args {
		if err := checkOperand(a); err != nil {
			return err
		}
	}
	switch code := op.Code; {
	case code == ir.OpMov:
		if op.Dst.Type == ir.V128 {
			fr.setVec(op.Dst, fr.vec(op.Args[0]))
		} else {
			fr.setInt(op.Dst, fr.int(op.Args[0]))
		}

	case code == ir.OpLoadGuest:
		off := op.Args[0].Slot().Offset()
		if op.Dst.Type == ir.V128 {
			var v vec
			copy(v[:], fr.ctx.Bytes()[off:off+16])
			fr.setVec(op.Dst, v)
		} else {
			fr.setInt(op.Dst, fr.ctx.Load64(off))
		}

	case code == ir.OpStoreGuest:
		off := op.Dst.Slot().Offset()
		if v := op.Args[0]; v.Type == ir.V128 {
			x := fr.vec(v)
			copy(fr.ctx.Bytes()[off:off+16], x[:])
		} else {
			fr.ctx.Store64(off, truncate(v.Type, fr.int(v)))
		}

	case code.IsLoad():
		size := code.Size()
		var buf [16]byte
		if err := fr.mem.Read(fr.addr(op.Args[0]), buf[:size]); err != nil {
			return err
		}
		if size == 16 {
			fr.setVec(op.Dst, buf)
		} else {
			fr.setInt(op.Dst, binary.LittleEndian.Uint64(buf[:8]))
		}

	case code.IsStore():
		size := code.Size()
		var buf [16]byte
		if v := op.Args[1]; v.Type == ir.V128 {
			buf = fr.vec(v)
		} else {
			binary.LittleEndian.PutUint64(buf[:8], fr.int(v))
		}
		return fr.mem.Write(fr.addr(op.Args[0]), buf[:size])

	case code == ir.OpVZext32:
		var v vec
		binary.LittleEndian.PutUint32(v[:], uint32(fr.int(op.Args[0])))
		fr.setVec(op.Dst, v)

	case code == ir.OpVZext64:
		var v vec
		binary.LittleEndian.PutUint64(v[:], fr.int(op.Args[0]))
		fr.setVec(op.Dst, v)

	case code == ir.OpVLow32:
		v := fr.vec(op.Args[0])
		fr.setInt(op.Dst, uint64(binary.LittleEndian.Uint32(v[:])))

	case code == ir.OpVLow64:
		v := fr.vec(op.Args[0])
		fr.setInt(op.Dst, binary.LittleEndian.Uint64(v[:]))

	case code == ir.OpVZero:
		fr.setVec(op.Dst, vec{})

	case code == ir.OpIntrinsic:
		args := make([]vec, len(op.Args))
		for i, a := range op.Args {
			args[i] = fr.vec(a)
		}
		r, err := EvalIntrinsic(op.Intr, args)
		if err != nil {
			return err
		}
		fr.setVec(op.Dst, r)

	case code == ir.OpSpill || code == ir.OpReload:
		return fmt.Errorf("%w: %s in unallocated code", jiterrors.ErrInvalidIR, code)

	default:
		t := op.Dst.Type
		if code.IsCompare() || isConvert(code) {
			t = op.Args[0].Type
		}
		vals := make([]uint64, len(op.Args))
		for i, a := range op.Args {
			vals[i] = fr.int(a)
		}
		r, ok := ir.Eval(code, t, vals...)
		if !ok {
			return fmt.Errorf("%w: cannot evaluate %s", jiterrors.ErrInvalidIR, code)
		}
		fr.setInt(op.Dst, r)
	}
	return nil
}

func isConvert(code ir.Opcode) bool {
	switch code {
	case ir.OpZext32, ir.OpSext32, ir.OpTrunc, ir.OpSext8, ir.OpSext16:
		return true
	}
	return false
}

// Step interprets the single guest instruction at the context PC. Stores take the tracked write
// path, so code invalidation behaves exactly as for native stores.
func Step(ctx *guest.Context, mem Memory) (guest.Exit, error) {
	pc := ctx.PC()
	f, err := decoder.Decode(mem, pc, decoder.Options{MaxBlockInsts: 1, MaxBlocks: 1, Selector: ir.Arm64Selector{}})
	if err != nil {
		return decodeExit(pc, err)
	}
	exit, _, err := exec(f, ctx, mem, limits{blocks: 1})
	if err != nil {
		return guest.Exit{}, err
	}
	if exit.Reason == guest.ExitSlowPath && exit.PC == pc {
		// nothing lowers this instruction, not even the interpreter
		exit.Reason = guest.ExitUndefined
	}
	return exit, nil
}

// runSlice is how many instructions Run executes between cancellation checks.
const runSlice = 1 << 16

// Options bound a Run.
type Options struct {
	Budget uint64 // guest instructions, 0 for unlimited
}

// Run interprets from the context PC until a syscall, a break, a fault or the budget. Syscall and
// break exits return with a nil error so the caller can service them and call Run again.
// Undefined instructions return their exit together with an UndefinedInstruction fault.
func Run(ctx context.Context, gctx *guest.Context, mem Memory, opts Options) (guest.Exit, uint64, error) {
	type decoded struct {
		f     *ir.Func
		guard Guard
	}
	cache := make(map[uint64]decoded)
	seqMem, _ := mem.(sequenced)
	var seq uint64
	if seqMem != nil {
		seq = seqMem.WriteSeq()
	}
	var executed uint64
	for {
		if err := ctx.Err(); err != nil {
			return guest.Exit{}, executed, err
		}
		if opts.Budget > 0 && executed >= opts.Budget {
			return guest.Exit{Reason: guest.ExitBranch, PC: gctx.PC()}, executed, jiterrors.ErrBudgetExhausted
		}
		if seqMem != nil {
			if s := seqMem.WriteSeq(); s != seq {
				clear(cache)
				seq = s
			}
		}
		pc := gctx.PC()
		d, ok := cache[pc]
		if !ok {
			f, err := decoder.Decode(mem, pc, decoder.DefaultOptions())
			if err != nil {
				exit, err := decodeExit(pc, err)
				return exit, executed, err
			}
			d = decoded{f, CodeGuard(f.Ranges())}
			cache[pc] = d
		}
		lim := limits{insts: runSlice, guard: d.guard}
		if opts.Budget > 0 {
			lim.insts = int(min(opts.Budget-executed, runSlice))
		}
		exit, n, err := exec(d.f, gctx, mem, lim)
		executed += uint64(n)
		if err != nil {
			return guest.Exit{}, executed, err
		}
		log.Trace(log.JitExec, "interpreter.Run", "exit", exit.String(), "insts", n)
		switch exit.Reason {
		case guest.ExitBranch:
		case guest.ExitSlowPath:
			exit, err = Step(gctx, mem)
			executed++
			if err != nil {
				return guest.Exit{}, executed, err
			}
			if done, err := terminal(exit); done {
				return exit, executed, err
			}
		default:
			if done, err := terminal(exit); done {
				return exit, executed, err
			}
		}
	}
}

// decodeExit reports an undefined entry instruction as an Undefined exit alongside its fault.
func decodeExit(pc uint64, err error) (guest.Exit, error) {
	if errors.Is(err, jiterrors.ErrUndefinedInstruction) {
		return guest.Exit{Reason: guest.ExitUndefined, PC: pc}, err
	}
	return guest.Exit{}, err
}

func terminal(exit guest.Exit) (bool, error) {
	switch exit.Reason {
	case guest.ExitSyscall, guest.ExitBreak:
		return true, nil
	case guest.ExitUndefined:
		return true, jiterrors.NewFault(jiterrors.ErrUndefinedInstruction, exit.PC)
	}
	return false, nil
}

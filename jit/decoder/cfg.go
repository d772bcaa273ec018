// Package decoder translates guest A64 code into IR functions.
//
// Decode scans from an entry address, discovers basic block leaders by following direct and
// conditional branches, and then builds one IR block per leader. Branches that leave the
// discovered region, indirect branches, calls, SVC and BRK end their block with an Exit.
package decoder

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/colorfulnotion/a64jit/jiterrors"
	"github.com/colorfulnotion/a64jit/jit/guest"
	"github.com/colorfulnotion/a64jit/jit/ir"
	"github.com/colorfulnotion/a64jit/log"
	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Source supplies guest code. memory.AddressSpace implements it through its execute-checked Fetch.
type Source interface {
	Fetch(addr uint64, buf []byte) error
}

type Options struct {
	MaxBlockInsts int
	MaxBlocks     int
	Selector      ir.Selector // maps guest vector operations to intrinsics of the host target
	CrossCheck    bool        // also require arm64asm to accept every decoded word
}

func DefaultOptions() Options {
	return Options{
		MaxBlockInsts: 64,
		MaxBlocks:     32,
		Selector:      ir.Arm64Selector{},
	}
}

type scanner struct {
	src     Source
	opts    Options
	insts   map[uint64]Inst
	bad     map[uint64]error
	leaders map[uint64]bool
	queue   []uint64
}

func (s *scanner) fetch(pc uint64) (Inst, error) {
	if in, ok := s.insts[pc]; ok {
		return in, nil
	}
	if err, ok := s.bad[pc]; ok {
		return Inst{}, err
	}
	in, err := s.decodeAt(pc)
	if err != nil {
		s.bad[pc] = err
		return Inst{}, err
	}
	s.insts[pc] = in
	return in, nil
}

func (s *scanner) decodeAt(pc uint64) (Inst, error) {
	var buf [4]byte
	if err := s.src.Fetch(pc, buf[:]); err != nil {
		return Inst{}, err
	}
	w := binary.LittleEndian.Uint32(buf[:])
	in, err := DecodeWord(pc, w)
	if err != nil {
		return Inst{}, err
	}
	if s.opts.CrossCheck && in.Kind != KindNop {
		if _, aerr := arm64asm.Decode(buf[:]); aerr != nil {
			return Inst{}, fmt.Errorf("%w: arm64asm: %v", undefined(pc, w), aerr)
		}
	}
	return in, nil
}

// addLeader marks pc as a block start. It fails once MaxBlocks leaders exist.
func (s *scanner) addLeader(pc uint64) bool {
	if s.leaders[pc] {
		return true
	}
	if pc&3 != 0 || len(s.leaders) >= s.opts.MaxBlocks {
		return false
	}
	s.leaders[pc] = true
	s.queue = append(s.queue, pc)
	return true
}

func (s *scanner) walk(start uint64) {
	pc := start
	for n := 0; ; n++ {
		if n >= s.opts.MaxBlockInsts {
			s.addLeader(pc)
			return
		}
		if _, seen := s.insts[pc]; seen && n > 0 {
			return
		}
		in, err := s.fetch(pc)
		if err != nil {
			return
		}
		if in.IsControl() {
			switch in.Kind {
			case KindBranch:
				if !in.Link() {
					s.addLeader(in.Target)
				}
			case KindCondBranch, KindCompareBranch, KindTestBranch:
				s.addLeader(in.Target)
				if in.Kind != KindCondBranch || in.Cond < guest.AL {
					s.addLeader(pc + 4)
				}
			}
			return
		}
		pc += 4
	}
}

// Decode translates the guest code reachable from entry into an IR function. It fails only when
// the entry instruction itself cannot be fetched or decoded; later faults become exits so they
// surface when executed.
func Decode(src Source, entry uint64, opts Options) (*ir.Func, error) {
	if opts.MaxBlockInsts <= 0 || opts.MaxBlocks <= 0 {
		def := DefaultOptions()
		opts.MaxBlockInsts, opts.MaxBlocks = def.MaxBlockInsts, def.MaxBlocks
	}
	if opts.Selector == nil {
		opts.Selector = ir.Arm64Selector{}
	}
	s := &scanner{
		src:     src,
		opts:    opts,
		insts:   make(map[uint64]Inst),
		bad:     make(map[uint64]error),
		leaders: make(map[uint64]bool),
	}
	if _, err := s.fetch(entry); err != nil {
		return nil, err
	}
	s.leaders[entry] = true
	s.queue = append(s.queue, entry)
	for len(s.queue) > 0 {
		pc := s.queue[0]
		s.queue = s.queue[1:]
		s.walk(pc)
	}

	b := ir.NewBuilder(entry)
	tr := &translator{b: b, sel: opts.Selector}
	order := maps.Keys(s.leaders)
	slices.Sort(order)
	blocks := make(map[uint64]*ir.Block, len(order))
	blocks[entry] = b.NewBlock(entry)
	for _, pc := range order {
		if pc != entry {
			blocks[pc] = b.NewBlock(pc)
		}
	}
	var stubs []*ir.Block
	target := func(pc uint64) *ir.Block {
		if blk, ok := blocks[pc]; ok {
			return blk
		}
		stub := b.NewBlock(pc)
		blocks[pc] = stub
		stubs = append(stubs, stub)
		return stub
	}

	if err := s.build(tr, blocks[entry], blocks, target); err != nil {
		return nil, err
	}
	for _, pc := range order {
		if pc == entry {
			continue
		}
		if err := s.build(tr, blocks[pc], blocks, target); err != nil {
			return nil, err
		}
	}
	for _, stub := range stubs {
		b.SetBlock(stub)
		b.SetPC(stub.PC)
		b.Exit(guest.ExitBranch, ir.Const(ir.I64, stub.PC))
	}

	f := b.Func()
	log.Debug(log.JitDecode, "Decode", "entry", fmt.Sprintf("0x%x", entry), "blocks", len(f.Blocks), "insts", f.Insts(), "vregs", f.NumVRegs())
	return f, nil
}

func (s *scanner) build(tr *translator, blk *ir.Block, blocks map[uint64]*ir.Block, target func(uint64) *ir.Block) error {
	b := tr.b
	b.SetBlock(blk)
	pc, end, n := blk.PC, blk.PC, 0
	exit := func(reason guest.ExitReason, next uint64) {
		b.SetPC(next)
		b.Exit(reason, ir.Const(ir.I64, next))
	}
	for !b.Terminated() {
		if n > 0 && s.leaders[pc] {
			b.Branch(blocks[pc])
			break
		}
		if n >= s.opts.MaxBlockInsts {
			exit(guest.ExitBranch, pc)
			break
		}
		in, ok := s.insts[pc]
		if !ok {
			if err, bad := s.bad[pc]; bad && errors.Is(err, jiterrors.ErrUndefinedInstruction) {
				end = pc + 4
				exit(guest.ExitUndefined, pc)
				break
			}
			exit(guest.ExitBranch, pc)
			break
		}
		b.SetPC(pc)
		n++
		end = pc + 4
		if in.IsControl() {
			tr.control(&in, target)
			break
		}
		if err := tr.emit(&in); err != nil {
			if errors.Is(err, errNoLowering) {
				b.Exit(guest.ExitSlowPath, ir.Const(ir.I64, pc))
				break
			}
			return err
		}
		pc += 4
	}
	blk.End = end
	blk.Insts = n
	return nil
}

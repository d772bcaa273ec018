// Package loader places guest programs into an address space: raw code blobs, static AArch64 ELF
// executables and the built-in demo programs.
package loader

import (
	"fmt"
	"sort"

	"github.com/colorfulnotion/a64jit/jit/guest"
	"github.com/colorfulnotion/a64jit/log"
	"github.com/colorfulnotion/a64jit/memory"
)

// Segment is a run of guest memory with its contents. Bytes past len(Data) up to Size are zero.
type Segment struct {
	Addr uint64
	Data []byte
	Size uint64
	Perm memory.Perm
}

func (s Segment) end() uint64 { return s.Addr + max(s.Size, uint64(len(s.Data))) }

// Image is a loadable program.
type Image struct {
	Name     string
	Entry    uint64
	Segments []Segment
	// Regs preset general registers before the first run.
	Regs map[int]uint64
}

// Break is the initial program break: the first page boundary above every segment.
func (img Image) Break() uint64 {
	var end uint64
	for _, s := range img.Segments {
		end = max(end, s.end())
	}
	return roundUp(end)
}

// DefaultStackSize is the stack mapped by Load when none is given.
const DefaultStackSize = 64 << 10

// Load maps every segment and a stack at the top of the address space, copies the contents and
// returns a context positioned at the entry point.
func Load(as *memory.AddressSpace, img Image, stackSize uint64) (*guest.Context, error) {
	if stackSize == 0 {
		stackSize = DefaultStackSize
	}
	stackSize = roundUp(stackSize)
	pages := map[uint64]memory.Perm{}
	for _, s := range img.Segments {
		if s.end() == s.Addr {
			continue
		}
		for p := s.Addr &^ memory.PageMask; p < s.end(); p += memory.PageSize {
			pages[p] |= s.Perm
		}
	}
	if err := mapRuns(as, pages); err != nil {
		return nil, err
	}
	for _, s := range img.Segments {
		if len(s.Data) == 0 {
			continue
		}
		if err := as.WriteUntracked(s.Addr, s.Data); err != nil {
			return nil, fmt.Errorf("load segment 0x%x: %w", s.Addr, err)
		}
	}

	// one unmapped guard page above the stack
	top := as.Size() - memory.PageSize
	if stackSize >= top {
		return nil, fmt.Errorf("stack of %d bytes does not fit a %d-bit address space", stackSize, as.AddressBits())
	}
	if err := as.Map(top-stackSize, stackSize, memory.PermRW); err != nil {
		return nil, fmt.Errorf("map stack: %w", err)
	}

	g := guest.NewContext()
	g.SetPC(img.Entry)
	g.SetSP(top - 16)
	for r, v := range img.Regs {
		g.SetX(r, v)
	}
	log.Debug(log.CLI, "loaded", "image", img.Name, "entry", fmt.Sprintf("0x%x", img.Entry), "segments", len(img.Segments), "sp", fmt.Sprintf("0x%x", g.SP()))
	return g, nil
}

// mapRuns maps contiguous pages of equal permission as one mapping each.
func mapRuns(as *memory.AddressSpace, pages map[uint64]memory.Perm) error {
	addrs := make([]uint64, 0, len(pages))
	for p := range pages {
		addrs = append(addrs, p)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	for i := 0; i < len(addrs); {
		start, perm := addrs[i], pages[addrs[i]]
		j := i + 1
		for j < len(addrs) && addrs[j] == addrs[j-1]+memory.PageSize && pages[addrs[j]] == perm {
			j++
		}
		length := uint64(j-i) * memory.PageSize
		if err := as.Map(start, length, perm); err != nil {
			return fmt.Errorf("map 0x%x+0x%x %s: %w", start, length, perm, err)
		}
		i = j
	}
	return nil
}

func roundUp(n uint64) uint64 { return (n + memory.PageMask) &^ uint64(memory.PageMask) }

// Raw wraps a code blob loaded at base and entered at its first byte.
func Raw(name string, code []byte, base uint64) Image {
	return Image{
		Name:     name,
		Entry:    base,
		Segments: []Segment{{Addr: base, Data: code, Perm: memory.PermRX}},
	}
}

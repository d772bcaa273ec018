package memory

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/colorfulnotion/a64jit/jiterrors"
	"github.com/colorfulnotion/a64jit/log"
)

// Block is the storage shape consumed by Region: any component providing guest-addressable
// storage implements it to take part in tracked invalidation.
type Block interface {
	Read(addr uint64, buf []byte) error
	Write(addr uint64, data []byte) error
	WriteUntracked(addr uint64, data []byte) error
}

type Config struct {
	// AddressBits is the width of the guest address space; the host reserves 1<<AddressBits bytes.
	AddressBits uint
}

func DefaultConfig() Config {
	return Config{AddressBits: 32}
}

// Mapping is a run of contiguous pages sharing the same permissions.
type Mapping struct {
	Addr   uint64
	Length uint64
	Perm   Perm
}

// AddressSpace maps guest virtual addresses onto one host reservation. Page flags are read
// lock-free (native code included); structural changes and tracking take mu.
type AddressSpace struct {
	bits  uint
	size  uint64
	host  *hostMemory
	flags []uint32

	mu        sync.Mutex
	trackers  map[uint64][]*Handle
	lastWrite map[uint64]uint64
	writeSeq  atomic.Uint64
}

var _ Block = (*AddressSpace)(nil)

func New(cfg Config) (*AddressSpace, error) {
	if cfg.AddressBits < PageBits+1 || cfg.AddressBits > 40 {
		return nil, fmt.Errorf("address bits %d out of range [%d, 40]", cfg.AddressBits, PageBits+1)
	}
	size := uint64(1) << cfg.AddressBits
	host, err := reserveHost(size)
	if err != nil {
		return nil, err
	}
	as := &AddressSpace{
		bits:      cfg.AddressBits,
		size:      size,
		host:      host,
		flags:     make([]uint32, size>>PageBits),
		trackers:  make(map[uint64][]*Handle),
		lastWrite: make(map[uint64]uint64),
	}
	log.Debug(log.JitMemory, "address space reserved", "bits", cfg.AddressBits, "base", fmt.Sprintf("0x%x", host.base()))
	return as, nil
}

func (as *AddressSpace) Close() error {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.host.release()
}

func (as *AddressSpace) AddressBits() uint { return as.bits }
func (as *AddressSpace) Size() uint64      { return as.size }

// HostBase is the host address of guest address 0.
func (as *AddressSpace) HostBase() uintptr { return as.host.base() }

// PageFlags is the host address of the page flag table (one uint32 per page).
func (as *AddressSpace) PageFlags() uintptr { return uintptr(unsafe.Pointer(&as.flags[0])) }

func (as *AddressSpace) flag(page uint64) uint32 {
	return atomic.LoadUint32(&as.flags[page])
}

func (as *AddressSpace) setFlag(page uint64, f uint32) {
	atomic.StoreUint32(&as.flags[page], f)
}

func (as *AddressSpace) inRange(addr, n uint64) bool {
	return n <= as.size && addr <= as.size-n
}

// Map establishes a mapping of [addr, addr+length) with perm.
func (as *AddressSpace) Map(addr, length uint64, perm Perm) error {
	if !aligned(addr) || !aligned(length) || length == 0 {
		return jiterrors.NewFault(jiterrors.ErrUnaligned, addr)
	}
	if !as.inRange(addr, length) {
		return jiterrors.NewFault(jiterrors.ErrOutOfRange, addr)
	}
	as.mu.Lock()
	defer as.mu.Unlock()

	first, last := pageSpan(addr, length)
	for p := first; p <= last; p++ {
		f := as.flag(p)
		if f&FlagMapped != 0 && flagsPerm(f) != perm {
			return jiterrors.NewFault(jiterrors.ErrMappingConflict, p<<PageBits)
		}
	}
	for p := first; p <= last; {
		if as.flag(p)&FlagMapped != 0 {
			p++
			continue
		}
		run := p
		for run <= last && as.flag(run)&FlagMapped == 0 {
			run++
		}
		if err := as.host.commit(p<<PageBits, (run-p)<<PageBits); err != nil {
			return err
		}
		for q := p; q < run; q++ {
			as.setFlag(q, pageFlags(perm, false))
		}
		p = run
	}
	log.Debug(log.JitMemory, "map", "addr", fmt.Sprintf("0x%x", addr), "len", length, "perm", perm.String())
	return nil
}

// Unmap removes the mapping of [addr, addr+length). Every tracking handle on those pages is
// dropped and its hook fired once.
func (as *AddressSpace) Unmap(addr, length uint64) error {
	if !aligned(addr) || !aligned(length) || length == 0 {
		return jiterrors.NewFault(jiterrors.ErrUnaligned, addr)
	}
	if !as.inRange(addr, length) {
		return jiterrors.NewFault(jiterrors.ErrOutOfRange, addr)
	}
	as.mu.Lock()
	first, last := pageSpan(addr, length)
	fired := as.detachLocked(first, last)
	seq := as.writeSeq.Add(1)
	var err error
	for p := first; p <= last; p++ {
		if as.flag(p)&FlagMapped == 0 {
			continue
		}
		as.setFlag(p, 0)
		as.lastWrite[p] = seq
		if e := as.host.decommit(p<<PageBits, PageSize); e != nil && err == nil {
			err = e
		}
	}
	as.mu.Unlock()

	for _, h := range fired {
		h.hook(addr, length)
	}
	log.Debug(log.JitMemory, "unmap", "addr", fmt.Sprintf("0x%x", addr), "len", length, "hooks", len(fired))
	return err
}

// Reprotect changes the permissions of a fully mapped range. Removing execute permission fires
// the hooks of handles on the affected pages.
func (as *AddressSpace) Reprotect(addr, length uint64, perm Perm) error {
	if !aligned(addr) || !aligned(length) || length == 0 {
		return jiterrors.NewFault(jiterrors.ErrUnaligned, addr)
	}
	if !as.inRange(addr, length) {
		return jiterrors.NewFault(jiterrors.ErrOutOfRange, addr)
	}
	as.mu.Lock()
	first, last := pageSpan(addr, length)
	for p := first; p <= last; p++ {
		if as.flag(p)&FlagMapped == 0 {
			as.mu.Unlock()
			return jiterrors.NewFault(jiterrors.ErrUnmappedAccess, p<<PageBits)
		}
	}
	var fire []*Handle
	for p := first; p <= last; p++ {
		f := as.flag(p)
		if f&FlagExec != 0 && perm&PermExec == 0 {
			fire = appendUnique(fire, as.trackers[p]...)
		}
		as.setFlag(p, pageFlags(perm, f&FlagTracked != 0))
	}
	as.mu.Unlock()

	for _, h := range fire {
		h.hook(addr, length)
	}
	return nil
}

// Mappings lists the current mappings in address order.
func (as *AddressSpace) Mappings() []Mapping {
	var out []Mapping
	for p := uint64(0); p < uint64(len(as.flags)); p++ {
		f := as.flag(p)
		if f&FlagMapped == 0 {
			continue
		}
		perm := flagsPerm(f)
		if n := len(out); n > 0 && out[n-1].Perm == perm && out[n-1].Addr+out[n-1].Length == p<<PageBits {
			out[n-1].Length += PageSize
			continue
		}
		out = append(out, Mapping{Addr: p << PageBits, Length: PageSize, Perm: perm})
	}
	return out
}

// Perm reports the permissions of the page containing addr and whether it is mapped.
func (as *AddressSpace) Perm(addr uint64) (Perm, bool) {
	if addr >= as.size {
		return 0, false
	}
	f := as.flag(pageOf(addr))
	return flagsPerm(f), f&FlagMapped != 0
}

// check validates that every page of [addr, addr+n) is mapped and carries need.
func (as *AddressSpace) check(addr, n uint64, need uint32) error {
	if n == 0 {
		return nil
	}
	if !as.inRange(addr, n) {
		return jiterrors.NewFault(jiterrors.ErrUnmappedAccess, addr)
	}
	first, last := pageSpan(addr, n)
	for p := first; p <= last; p++ {
		f := as.flag(p)
		faultAddr := max(addr, p<<PageBits)
		if f&FlagMapped == 0 {
			return jiterrors.NewFault(jiterrors.ErrUnmappedAccess, faultAddr)
		}
		if f&need != need {
			return jiterrors.NewFault(jiterrors.ErrProtectionFault, faultAddr)
		}
	}
	return nil
}

// Read copies guest memory into buf. Every page must be mapped and readable.
func (as *AddressSpace) Read(addr uint64, buf []byte) error {
	if err := as.check(addr, uint64(len(buf)), FlagRead); err != nil {
		return err
	}
	copy(buf, as.host.mem[addr:addr+uint64(len(buf))])
	return nil
}

// Fetch reads guest code. Every page must be mapped and executable.
func (as *AddressSpace) Fetch(addr uint64, buf []byte) error {
	if err := as.check(addr, uint64(len(buf)), FlagExec); err != nil {
		return err
	}
	copy(buf, as.host.mem[addr:addr+uint64(len(buf))])
	return nil
}

// Write is the tracked store path: the bytes land first, then every touched page is stamped
// with a new write sequence and each live hook on those pages runs before Write returns.
func (as *AddressSpace) Write(addr uint64, data []byte) error {
	n := uint64(len(data))
	if err := as.check(addr, n, FlagWrite); err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	copy(as.host.mem[addr:addr+n], data)

	first, last := pageSpan(addr, n)
	observed := false
	for p := first; p <= last; p++ {
		if as.flag(p)&(FlagExec|FlagTracked) != 0 {
			observed = true
			break
		}
	}
	if !observed {
		as.writeSeq.Add(1)
		return nil
	}

	as.mu.Lock()
	seq := as.writeSeq.Add(1)
	var fire []*Handle
	for p := first; p <= last; p++ {
		as.lastWrite[p] = seq
		fire = appendUnique(fire, as.trackers[p]...)
	}
	as.mu.Unlock()

	for _, h := range fire {
		h.hook(addr, n)
	}
	if len(fire) > 0 {
		log.Trace(log.JitMemory, "tracked write", "addr", fmt.Sprintf("0x%x", addr), "len", n, "hooks", len(fire))
	}
	return nil
}

// WriteUntracked stores without stamping pages or invoking hooks. It ignores write protection
// (loader path) but still requires the range to be mapped.
func (as *AddressSpace) WriteUntracked(addr uint64, data []byte) error {
	n := uint64(len(data))
	if err := as.check(addr, n, 0); err != nil {
		return err
	}
	copy(as.host.mem[addr:addr+n], data)
	return nil
}

// WriteSeq returns the current global write sequence.
func (as *AddressSpace) WriteSeq() uint64 {
	return as.writeSeq.Load()
}

// WrittenSince reports whether any page of [addr, addr+n) saw a tracked write or an unmap after seq.
func (as *AddressSpace) WrittenSince(addr, n, seq uint64) bool {
	if n == 0 {
		return false
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	first, last := pageSpan(addr, n)
	for p := first; p <= last; p++ {
		if as.lastWrite[p] > seq {
			return true
		}
	}
	return false
}

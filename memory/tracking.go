package memory

import (
	"fmt"

	"github.com/colorfulnotion/a64jit/jiterrors"
)

// Hook is invoked after a tracked write (or unmap/exec-removal) touches a tracked page.
// It receives the range of the triggering operation.
type Hook func(addr, length uint64)

// Handle is one registration of a Hook over a page range.
type Handle struct {
	as         *AddressSpace
	start, end uint64 // byte range [start, end)
	hook       Hook
	live       bool // guarded by as.mu
}

// Range returns the tracked byte range.
func (h *Handle) Range() (uint64, uint64) { return h.start, h.end }

// Track registers hook on every page overlapping [addr, addr+length). The pages must be mapped.
// Tracked pages lose their fast write bit so native stores reach Write.
func (as *AddressSpace) Track(addr, length uint64, hook Hook) (*Handle, error) {
	if length == 0 {
		return nil, fmt.Errorf("track: empty range at 0x%x", addr)
	}
	if !as.inRange(addr, length) {
		return nil, jiterrors.NewFault(jiterrors.ErrOutOfRange, addr)
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	first, last := pageSpan(addr, length)
	for p := first; p <= last; p++ {
		if as.flag(p)&FlagMapped == 0 {
			return nil, jiterrors.NewFault(jiterrors.ErrUnmappedAccess, max(addr, p<<PageBits))
		}
	}
	h := &Handle{as: as, start: addr, end: addr + length, hook: hook, live: true}
	for p := first; p <= last; p++ {
		as.trackers[p] = append(as.trackers[p], h)
		f := as.flag(p)
		as.setFlag(p, pageFlags(flagsPerm(f), true))
	}
	return h, nil
}

// Dispose unregisters the handle. Safe to call more than once and from inside a hook.
func (h *Handle) Dispose() {
	if h == nil {
		return
	}
	as := h.as
	as.mu.Lock()
	defer as.mu.Unlock()
	if !h.live {
		return
	}
	first, last := pageSpan(h.start, h.end-h.start)
	for p := first; p <= last; p++ {
		as.removeTrackerLocked(p, h)
	}
	h.live = false
}

// Tracked reports whether the page containing addr has any live handle.
func (as *AddressSpace) Tracked(addr uint64) bool {
	if addr >= as.size {
		return false
	}
	return as.flag(pageOf(addr))&FlagTracked != 0
}

func (as *AddressSpace) removeTrackerLocked(p uint64, h *Handle) {
	list := as.trackers[p]
	for i, x := range list {
		if x == h {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(as.trackers, p)
		if f := as.flag(p); f&FlagMapped != 0 {
			as.setFlag(p, pageFlags(flagsPerm(f), false))
		}
		return
	}
	as.trackers[p] = list
}

// detachLocked disposes every handle touching pages [first, last] and returns them.
func (as *AddressSpace) detachLocked(first, last uint64) []*Handle {
	var hs []*Handle
	for p := first; p <= last; p++ {
		hs = appendUnique(hs, as.trackers[p]...)
	}
	for _, h := range hs {
		hf, hl := pageSpan(h.start, h.end-h.start)
		for p := hf; p <= hl; p++ {
			as.removeTrackerLocked(p, h)
		}
		h.live = false
	}
	return hs
}

func appendUnique(dst []*Handle, hs ...*Handle) []*Handle {
outer:
	for _, h := range hs {
		for _, d := range dst {
			if d == h {
				continue outer
			}
		}
		dst = append(dst, h)
	}
	return dst
}

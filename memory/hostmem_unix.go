//go:build linux || darwin || freebsd

package memory

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// hostMemory is the host reservation backing the guest address space. Pages are PROT_NONE
// until mapped so a stray host access to an unmapped guest page faults instead of reading zeros.
type hostMemory struct {
	mem []byte
}

func reserveHost(size uint64) (*hostMemory, error) {
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("reserve %d bytes: %w", size, err)
	}
	return &hostMemory{mem: mem}, nil
}

func (h *hostMemory) commit(off, n uint64) error {
	if err := unix.Mprotect(h.mem[off:off+n], unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("mprotect commit 0x%x+0x%x: %w", off, n, err)
	}
	return nil
}

func (h *hostMemory) decommit(off, n uint64) error {
	region := h.mem[off : off+n]
	// MADV_DONTNEED on private anonymous memory gives back zero pages on next touch
	if err := unix.Madvise(region, unix.MADV_DONTNEED); err != nil {
		return fmt.Errorf("madvise 0x%x+0x%x: %w", off, n, err)
	}
	if err := unix.Mprotect(region, unix.PROT_NONE); err != nil {
		return fmt.Errorf("mprotect decommit 0x%x+0x%x: %w", off, n, err)
	}
	return nil
}

func (h *hostMemory) base() uintptr {
	return uintptr(unsafe.Pointer(&h.mem[0]))
}

func (h *hostMemory) release() error {
	if h.mem == nil {
		return nil
	}
	err := unix.Munmap(h.mem)
	h.mem = nil
	return err
}

//go:build !(linux || darwin || freebsd)

package memory

import "unsafe"

// hostMemory falls back to a plain Go allocation; protections are enforced by the page flags only.
type hostMemory struct {
	mem []byte
}

func reserveHost(size uint64) (*hostMemory, error) {
	return &hostMemory{mem: make([]byte, size)}, nil
}

func (h *hostMemory) commit(off, n uint64) error { return nil }

func (h *hostMemory) decommit(off, n uint64) error {
	clear(h.mem[off : off+n])
	return nil
}

func (h *hostMemory) base() uintptr {
	return uintptr(unsafe.Pointer(&h.mem[0]))
}

func (h *hostMemory) release() error {
	h.mem = nil
	return nil
}

//go:build linux && (amd64 || arm64)

package runtime

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/colorfulnotion/a64jit/jiterrors"
	"golang.org/x/sys/unix"
)

const nativeSupported = true

// arenaSize is the size of each executable mapping; larger functions get their own.
const arenaSize = 4 << 20

// execMemory hands out executable pages. Each installed function starts on a fresh page, so
// making its pages writable never touches code another goroutine may be running. Pages are only
// returned on release: an evicted function can still be executing.
type execMemory struct {
	mu     sync.Mutex
	arenas [][]byte
	cur    []byte
	used   int
	total  int
}

func newExecMemory() *execMemory { return &execMemory{} }

// install copies code onto fresh pages, seals them read+execute and returns the entry address.
func (m *execMemory) install(code []byte) (uintptr, error) {
	if len(code) == 0 {
		return 0, jiterrors.Internal("install of empty code")
	}
	ps := unix.Getpagesize()
	n := (len(code) + ps - 1) &^ (ps - 1)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil || m.used+n > len(m.cur) {
		buf, err := unix.Mmap(-1, 0, max(arenaSize, n), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
		if err != nil {
			return 0, fmt.Errorf("mmap exec arena: %w", err)
		}
		m.arenas = append(m.arenas, buf)
		m.cur, m.used = buf, 0
	}
	pages := m.cur[m.used : m.used+n]
	if err := unix.Mprotect(pages, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return 0, fmt.Errorf("mprotect rw: %w", err)
	}
	copy(pages, code)
	if err := unix.Mprotect(pages, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return 0, fmt.Errorf("mprotect rx: %w", err)
	}
	entry := uintptr(unsafe.Pointer(&pages[0]))
	flushICache(entry, uintptr(len(code)))
	m.used += n
	m.total += n
	return entry, nil
}

// size reports the bytes of installed code pages.
func (m *execMemory) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

func (m *execMemory) release() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var first error
	for _, a := range m.arenas {
		if err := unix.Munmap(a); err != nil && first == nil {
			first = err
		}
	}
	m.arenas, m.cur, m.used, m.total = nil, nil, 0, 0
	return first
}

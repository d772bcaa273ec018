package cache

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/colorfulnotion/a64jit/jit/backend"
	"github.com/colorfulnotion/a64jit/jit/decoder"
	"github.com/colorfulnotion/a64jit/jit/ir"
	"github.com/colorfulnotion/a64jit/memory"
	"golang.org/x/crypto/blake2b"
)

// Fingerprint identifies the guest bytes a translation was built from.
type Fingerprint [blake2b.Size256]byte

func (fp Fingerprint) String() string { return fmt.Sprintf("%x", fp[:8]) }

// Meta describes how a function was produced.
type Meta struct {
	Blocks      int           `json:"blocks"`
	Insts       int           `json:"insts"`
	CodeSize    int           `json:"code_size"`
	CompileTime time.Duration `json:"compile_time"`
	Persisted   bool          `json:"persisted"` // loaded from the persistent cache
}

// Function is one published translation.
type Function struct {
	PC          uint64
	Ranges      []ir.GuestRange
	Fingerprint Fingerprint
	Target      string
	Meta        Meta

	// Code is the emitted native code; nil for interpreted translations.
	Code *backend.Code
	// IR is the unallocated function, kept for interpretation when the host cannot run Code.
	IR *ir.Func
	// Entry is the executable address of Code, 0 until installed.
	Entry uintptr

	handles []*memory.Handle
	evicted atomic.Bool
}

// Evicted reports whether a guest write or unmap has invalidated the function.
func (f *Function) Evicted() bool { return f.evicted.Load() }

// Contains reports whether addr lies in the guest code the function was built from.
func (f *Function) Contains(addr uint64) bool {
	for _, r := range f.Ranges {
		if addr >= r.Start && addr < r.End {
			return true
		}
	}
	return false
}

// Pages lists the guest pages covered by the function, ascending.
func (f *Function) Pages() []uint64 {
	var pages []uint64
	for _, r := range f.Ranges {
		for p := r.Start >> memory.PageBits; p <= (r.End-1)>>memory.PageBits; p++ {
			if n := len(pages); n == 0 || pages[n-1] != p {
				pages = append(pages, p)
			}
		}
	}
	return pages
}

func (f *Function) String() string {
	return fmt.Sprintf("fn 0x%x %v %s %s", f.PC, f.Ranges, f.Target, f.Fingerprint)
}

// ComputeFingerprint hashes the target name, the entry PC and the guest bytes of every range.
func ComputeFingerprint(src decoder.Source, target string, pc uint64, ranges []ir.GuestRange) (Fingerprint, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return Fingerprint{}, err
	}
	var hdr [8]byte
	h.Write([]byte(target))
	binary.LittleEndian.PutUint64(hdr[:], pc)
	h.Write(hdr[:])
	for _, r := range ranges {
		buf := make([]byte, r.End-r.Start)
		if err := src.Fetch(r.Start, buf); err != nil {
			return Fingerprint{}, err
		}
		binary.LittleEndian.PutUint64(hdr[:], r.Start)
		h.Write(hdr[:])
		h.Write(buf)
	}
	var fp Fingerprint
	copy(fp[:], h.Sum(nil))
	return fp, nil
}

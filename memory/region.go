package memory

import (
	"errors"
	"fmt"
)

// Region is a scoped, writable view of guest memory. Changes made through Bytes are committed
// back to the block exactly once, by Release, through the tracked path when tracked is set.
//
//	r, err := memory.Acquire(as, addr, n, true)
//	if err != nil {
//		return err
//	}
//	defer r.Release()
type Region struct {
	block    Block
	addr     uint64
	data     []byte
	tracked  bool
	released bool
}

// Acquire snapshots [addr, addr+length) from block into a private buffer.
func Acquire(block Block, addr uint64, length int, tracked bool) (*Region, error) {
	if length < 0 {
		return nil, fmt.Errorf("acquire: negative length %d", length)
	}
	data := make([]byte, length)
	if err := block.Read(addr, data); err != nil {
		return nil, fmt.Errorf("acquire 0x%x+%d: %w", addr, length, err)
	}
	return &Region{block: block, addr: addr, data: data, tracked: tracked}, nil
}

// Borrow wraps memory the caller already owns. Release is a no-op since there is no block
// to write back to.
func Borrow(data []byte) *Region {
	return &Region{data: data}
}

func (r *Region) Bytes() []byte        { return r.data }
func (r *Region) Addr() uint64         { return r.addr }
func (r *Region) Tracked() bool        { return r.tracked }
func (r *Region) NeedsWriteback() bool { return r.block != nil }

// Release commits the buffer. Only the first call writes.
func (r *Region) Release() error {
	if r.released {
		return nil
	}
	r.released = true
	if r.block == nil {
		return nil
	}
	var err error
	if r.tracked {
		err = r.block.Write(r.addr, r.data)
	} else {
		err = r.block.WriteUntracked(r.addr, r.data)
	}
	if err != nil {
		return fmt.Errorf("release 0x%x+%d: %w", r.addr, len(r.data), err)
	}
	return nil
}

// WithRegion acquires a region, runs fn over its bytes and always commits, including when fn
// fails or panics. A commit failure is joined with fn's error.
func WithRegion(block Block, addr uint64, length int, tracked bool, fn func(b []byte) error) (err error) {
	r, err := Acquire(block, addr, length, tracked)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := r.Release(); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}()
	return fn(r.Bytes())
}

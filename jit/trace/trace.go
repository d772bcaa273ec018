// Package trace records engine dispatches as JSON lines and compares recorded runs.
package trace

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/colorfulnotion/a64jit/jit/guest"
	"github.com/colorfulnotion/a64jit/jit/runtime"
	"golang.org/x/crypto/blake2b"
)

// Record is one dispatch.
type Record struct {
	Seq   uint64       `json:"seq"`
	PC    string       `json:"pc"`
	Exit  string       `json:"exit"`
	Next  string       `json:"next"`
	Mode  string       `json:"mode"`
	Insts uint64       `json:"insts"`
	Regs  string       `json:"regs"` // digest of the architectural state after the dispatch
	State *guest.State `json:"state,omitempty"`
}

// Digest hashes the architectural state of s.
func Digest(s guest.State) string {
	data, _ := json.Marshal(s)
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:8])
}

// Writer is a runtime.Tracer writing one Record per line. It is safe for concurrent engines;
// lines from different runs interleave.
type Writer struct {
	mu   sync.Mutex
	bw   *bufio.Writer
	enc  *json.Encoder
	full bool
	n    uint64
	err  error
}

// NewWriter traces to w. With full set every record carries the whole register state.
func NewWriter(w io.Writer, full bool) *Writer {
	bw := bufio.NewWriter(w)
	return &Writer{bw: bw, enc: json.NewEncoder(bw), full: full}
}

func (w *Writer) Dispatch(ev runtime.Event) {
	st := ev.Ctx.Snapshot()
	r := Record{
		Seq:   ev.Seq,
		PC:    fmt.Sprintf("0x%x", ev.PC),
		Exit:  ev.Exit.Reason.String(),
		Next:  fmt.Sprintf("0x%x", ev.Exit.PC),
		Mode:  ev.Mode,
		Insts: ev.Insts,
		Regs:  Digest(st),
	}
	if w.full {
		r.State = &st
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return
	}
	if w.err = w.enc.Encode(&r); w.err == nil {
		w.n++
	}
}

// Flush writes buffered records and reports the first write error.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	return w.bw.Flush()
}

// Len is the number of records written.
func (w *Writer) Len() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.n
}

// Read parses a trace.
func Read(r io.Reader) ([]Record, error) {
	var out []Record
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4<<20)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("trace line %d: %w", line, err)
		}
		out = append(out, rec)
	}
	return out, sc.Err()
}

// FirstDivergence returns the index of the first record where the two runs differ in control
// flow or state, ignoring how each dispatch was executed. ok is false when they agree; a run
// that is a prefix of the other diverges at the shorter length.
func FirstDivergence(a, b []Record) (int, bool) {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		x, y := a[i], b[i]
		if x.PC != y.PC || x.Exit != y.Exit || x.Next != y.Next || x.Regs != y.Regs {
			return i, true
		}
	}
	if len(a) != len(b) {
		return n, true
	}
	return 0, false
}

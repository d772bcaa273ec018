// Package ptc is the persistent translation cache: emitted code stored in LevelDB under the
// fingerprint of the guest bytes and build settings it came from, so a later process with the
// same program skips optimization, allocation and emission.
package ptc

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/colorfulnotion/a64jit/jit/backend"
	"github.com/colorfulnotion/a64jit/jit/cache"
	"github.com/colorfulnotion/a64jit/jit/ir"
	"github.com/colorfulnotion/a64jit/jiterrors"
	"github.com/colorfulnotion/a64jit/log"
	"github.com/colorfulnotion/a64jit/storage"
)

const keyPrefix = "ptc_"

// record is the stored form of one backend.Code.
type record struct {
	Target       string          `json:"target"`
	Entry        uint64          `json:"entry"`
	Bytes        []byte          `json:"bytes"`
	BlockOffsets []int           `json:"block_offsets"`
	Ranges       []ir.GuestRange `json:"ranges"`
	Insts        int             `json:"insts"`
}

func (r *record) validate() error {
	prev := -1
	for _, off := range r.BlockOffsets {
		if off <= prev || off >= len(r.Bytes) {
			return jiterrors.Internal("ptc record for %s: block offset %d out of order", r.Target, off)
		}
		prev = off
	}
	if len(r.Bytes) == 0 {
		return jiterrors.Internal("ptc record for %s: no code", r.Target)
	}
	return nil
}

// Entry summarizes one stored translation.
type Entry struct {
	Target      string
	Fingerprint cache.Fingerprint
	Entry       uint64
	Size        int
	Insts       int
}

type Store struct {
	db     *storage.PersistenceStore
	hits   atomic.Uint64
	misses atomic.Uint64
}

// Open opens the cache at path; "" keeps it in memory.
func Open(path string) (*Store, error) {
	db, err := storage.NewPersistenceStore(path)
	if err != nil {
		return nil, err
	}
	log.Debug(log.JitCache, "ptc opened", "path", path)
	return &Store{db: db}, nil
}

func key(fp cache.Fingerprint, target string) []byte {
	k := make([]byte, 0, len(keyPrefix)+len(target)+1+len(fp))
	k = append(k, keyPrefix...)
	k = append(k, target...)
	k = append(k, '_')
	return append(k, fp[:]...)
}

func targetPrefix(target string) []byte {
	return []byte(keyPrefix + target + "_")
}

// Get returns the code stored for fp on target.
func (s *Store) Get(fp cache.Fingerprint, target string) (*backend.Code, bool, error) {
	data, ok, err := s.db.Get(key(fp, target))
	if err != nil || !ok {
		s.misses.Add(1)
		return nil, false, err
	}
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		s.misses.Add(1)
		return nil, false, fmt.Errorf("ptc %s/%s: %w", target, fp, err)
	}
	if err := r.validate(); err != nil {
		s.misses.Add(1)
		return nil, false, err
	}
	if r.Target != target {
		s.misses.Add(1)
		return nil, false, nil
	}
	s.hits.Add(1)
	return &backend.Code{
		Target:       r.Target,
		Bytes:        r.Bytes,
		BlockOffsets: r.BlockOffsets,
		Entry:        r.Entry,
		Ranges:       r.Ranges,
		Insts:        r.Insts,
	}, true, nil
}

// Put stores code under fp. Rewriting identical code is skipped.
func (s *Store) Put(fp cache.Fingerprint, code *backend.Code) error {
	r := record{
		Target:       code.Target,
		Entry:        code.Entry,
		Bytes:        code.Bytes,
		BlockOffsets: code.BlockOffsets,
		Ranges:       code.Ranges,
		Insts:        code.Insts,
	}
	if err := r.validate(); err != nil {
		return err
	}
	data, err := json.Marshal(&r)
	if err != nil {
		return err
	}
	k := key(fp, code.Target)
	if old, ok, err := s.db.Get(k); err == nil && ok && bytes.Equal(old, data) {
		return nil
	}
	return s.db.Put(k, data)
}

// Entries lists the stored translations for target, or for every target when target is "".
func (s *Store) Entries(target string) ([]Entry, error) {
	prefix := []byte(keyPrefix)
	if target != "" {
		prefix = targetPrefix(target)
	}
	pairs, err := s.db.GetWithPrefix(prefix)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(pairs))
	for _, kv := range pairs {
		var r record
		if err := json.Unmarshal(kv[1], &r); err != nil {
			log.Warn(log.JitCache, "ptc skipping unreadable record", "key", hex.EncodeToString(kv[0]), "err", err)
			continue
		}
		var fp cache.Fingerprint
		copy(fp[:], kv[0][len(kv[0])-len(fp):])
		out = append(out, Entry{Target: r.Target, Fingerprint: fp, Entry: r.Entry, Size: len(r.Bytes), Insts: r.Insts})
	}
	return out, nil
}

// Purge drops the stored translations for target, or everything when target is "".
func (s *Store) Purge(target string) (int, error) {
	prefix := []byte(keyPrefix)
	if target != "" {
		prefix = targetPrefix(target)
	}
	n, err := s.db.DeletePrefix(prefix)
	if err == nil {
		log.Info(log.JitCache, "ptc purged", "target", target, "entries", n)
	}
	return n, err
}

// Stats returns the hit and miss counts of Get since Open.
func (s *Store) Stats() (hits, misses uint64) { return s.hits.Load(), s.misses.Load() }

func (s *Store) Close() error { return s.db.Close() }

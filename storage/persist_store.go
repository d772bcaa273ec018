package storage

import (
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	leveldbstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// PersistenceStore wraps LevelDB for raw key-value persistence.
// Thread-safe: LevelDB handles its own synchronization.
type PersistenceStore struct {
	db   *leveldb.DB
	path string
}

// NewPersistenceStore opens or creates a LevelDB database at the given path.
// If path is empty, uses in-memory storage.
func NewPersistenceStore(path string) (*PersistenceStore, error) {
	var db *leveldb.DB
	var err error

	if path == "" {
		db, err = leveldb.Open(leveldbstorage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database at %q: %w", path, err)
	}
	return &PersistenceStore{db: db, path: path}, nil
}

// NewMemoryPersistenceStore creates an in-memory PersistenceStore for testing.
func NewMemoryPersistenceStore() (*PersistenceStore, error) {
	return NewPersistenceStore("")
}

// Path is the database directory, "" for in-memory stores.
func (ps *PersistenceStore) Path() string { return ps.path }

// Get retrieves a value by key. Returns (nil, false, nil) if not found.
func (ps *PersistenceStore) Get(key []byte) ([]byte, bool, error) {
	data, err := ps.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("Get %x: %w", key, err)
	}
	return data, true, nil
}

func (ps *PersistenceStore) Put(key []byte, value []byte) error {
	return ps.db.Put(key, value, nil)
}

func (ps *PersistenceStore) Delete(key []byte) error {
	return ps.db.Delete(key, nil)
}

// GetWithPrefix returns all key-value pairs with the given prefix, in key order.
func (ps *PersistenceStore) GetWithPrefix(prefix []byte) ([][2][]byte, error) {
	iter := ps.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	var results [][2][]byte
	for iter.Next() {
		// the iterator reuses its buffers
		k := append([]byte(nil), iter.Key()...)
		v := append([]byte(nil), iter.Value()...)
		results = append(results, [2][]byte{k, v})
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("GetWithPrefix %x: %w", prefix, err)
	}
	return results, nil
}

// DeletePrefix removes every key with the given prefix in one batch and returns how many.
func (ps *PersistenceStore) DeletePrefix(prefix []byte) (int, error) {
	iter := ps.db.NewIterator(util.BytesPrefix(prefix), nil)
	batch := new(leveldb.Batch)
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return 0, fmt.Errorf("DeletePrefix %x: %w", prefix, err)
	}
	if err := ps.db.Write(batch, nil); err != nil {
		return 0, err
	}
	return batch.Len(), nil
}

func (ps *PersistenceStore) Close() error {
	return ps.db.Close()
}

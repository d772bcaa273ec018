package storage

import (
	"path/filepath"
	"testing"
)

func TestPersistenceStore_BasicOperations(t *testing.T) {
	ps, err := NewMemoryPersistenceStore()
	if err != nil {
		t.Fatalf("Failed to create memory store: %v", err)
	}
	defer ps.Close()

	key := []byte("test-key")
	value := []byte("test-value")

	if err := ps.Put(key, value); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, found, err := ps.Get(key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !found {
		t.Fatal("Expected key to be found")
	}
	if string(got) != string(value) {
		t.Errorf("Get returned %q, want %q", got, value)
	}

	_, found, err = ps.Get([]byte("non-existent"))
	if err != nil {
		t.Fatalf("Get non-existent failed: %v", err)
	}
	if found {
		t.Error("Expected key not to be found")
	}

	if err := ps.Delete(key); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	_, found, err = ps.Get(key)
	if err != nil {
		t.Fatalf("Get after delete failed: %v", err)
	}
	if found {
		t.Error("Expected key to be deleted")
	}
}

func TestPersistenceStore_Prefix(t *testing.T) {
	ps, err := NewMemoryPersistenceStore()
	if err != nil {
		t.Fatalf("Failed to create memory store: %v", err)
	}
	defer ps.Close()

	for _, k := range []string{"a_2", "a_1", "b_1", "a_3"} {
		if err := ps.Put([]byte(k), []byte("v"+k)); err != nil {
			t.Fatalf("Put %s failed: %v", k, err)
		}
	}

	pairs, err := ps.GetWithPrefix([]byte("a_"))
	if err != nil {
		t.Fatalf("GetWithPrefix failed: %v", err)
	}
	if len(pairs) != 3 {
		t.Fatalf("GetWithPrefix returned %d pairs, want 3", len(pairs))
	}
	for i, want := range []string{"a_1", "a_2", "a_3"} {
		if string(pairs[i][0]) != want || string(pairs[i][1]) != "v"+want {
			t.Errorf("pair %d = %s/%s, want %s", i, pairs[i][0], pairs[i][1], want)
		}
	}

	n, err := ps.DeletePrefix([]byte("a_"))
	if err != nil {
		t.Fatalf("DeletePrefix failed: %v", err)
	}
	if n != 3 {
		t.Errorf("DeletePrefix removed %d, want 3", n)
	}
	if _, found, _ := ps.Get([]byte("b_1")); !found {
		t.Error("Expected b_1 to survive")
	}
}

func TestPersistenceStore_Reopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	ps, err := NewPersistenceStore(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := ps.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := ps.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	ps, err = NewPersistenceStore(dir)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer ps.Close()
	got, found, err := ps.Get([]byte("k"))
	if err != nil || !found || string(got) != "v" {
		t.Fatalf("Get after reopen = %q %v %v", got, found, err)
	}
	if ps.Path() != dir {
		t.Errorf("Path = %q, want %q", ps.Path(), dir)
	}
}

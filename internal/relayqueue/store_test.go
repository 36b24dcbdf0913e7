package relayqueue

import (
	"errors"
	"path/filepath"
	"testing"
)

func appendEntries(t *testing.T, store DurableStore, names ...string) []uint64 {
	t.Helper()
	indexes := make([]uint64, 0, len(names))
	for _, name := range names {
		idx, err := store.Append(QueueEntry{ID: "cmd_" + name, Name: name})
		if err != nil {
			t.Fatalf("append %q: %v", name, err)
		}
		indexes = append(indexes, idx)
	}
	return indexes
}

func assertOrder(t *testing.T, store DurableStore, names ...string) {
	t.Helper()
	entries, err := store.ReadAll()
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if len(entries) != len(names) {
		t.Fatalf("got %d entries, want %d", len(entries), len(names))
	}
	for i, name := range names {
		if entries[i].Name != name {
			t.Fatalf("entry %d = %q, want %q", i, entries[i].Name, name)
		}
	}
}

func TestMemoryStoreAppendAndReadBackInOrder(t *testing.T) {
	store := NewMemoryStore()
	indexes := appendEntries(t, store, "create", "update", "delete")
	for i := 1; i < len(indexes); i++ {
		if indexes[i] <= indexes[i-1] {
			t.Fatalf("indexes not strictly increasing: %v", indexes)
		}
	}
	assertOrder(t, store, "create", "update", "delete")
}

func TestMemoryStoreRemove(t *testing.T) {
	store := NewMemoryStore()
	indexes := appendEntries(t, store, "a", "b", "c")

	if err := store.Remove(indexes[1]); err != nil {
		t.Fatalf("remove middle: %v", err)
	}
	assertOrder(t, store, "a", "c")

	if err := store.Remove(indexes[1]); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second remove = %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreClear(t *testing.T) {
	store := NewMemoryStore()
	appendEntries(t, store, "a", "b")
	if err := store.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	assertOrder(t, store)
}

func TestStoreRejectsEmptyName(t *testing.T) {
	store := NewMemoryStore()
	if _, err := store.Append(QueueEntry{ID: "cmd_1", Name: "  "}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("append blank name = %v, want ErrInvalidInput", err)
	}
}

func TestFileStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")

	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	indexes := appendEntries(t, store, "create", "update", "delete")
	if err := store.Remove(indexes[0]); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	assertOrder(t, reopened, "update", "delete")

	// Index assignment continues past everything ever appended, even
	// removed entries.
	idx, err := reopened.Append(QueueEntry{ID: "cmd_next", Name: "next"})
	if err != nil {
		t.Fatalf("append after reopen: %v", err)
	}
	if idx <= indexes[2] {
		t.Fatalf("index %d did not advance past %d", idx, indexes[2])
	}
}

func TestFileStoreStartsEmptyWithoutFile(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "missing", "queue.json"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	assertOrder(t, store)
}

func TestOpenStoreSchemes(t *testing.T) {
	if _, err := OpenStore("memory://"); err != nil {
		t.Fatalf("memory scheme: %v", err)
	}
	path := filepath.Join(t.TempDir(), "queue.json")
	if _, err := OpenStore("file://" + path); err != nil {
		t.Fatalf("file scheme: %v", err)
	}
	if _, err := OpenStore(path); err != nil {
		t.Fatalf("bare path: %v", err)
	}
	if _, err := OpenStore("carrierpigeon://coop"); err == nil {
		t.Fatal("unsupported scheme was accepted")
	}
	if _, err := OpenStore("  "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("blank dsn = %v, want ErrInvalidInput", err)
	}
}

func TestOpenStoreUsesRegisteredFactory(t *testing.T) {
	called := false
	RegisterStoreFactory("teststore", func(dsn string) (DurableStore, error) {
		called = true
		return NewMemoryStore(), nil
	})
	if _, err := OpenStore("teststore://anything"); err != nil {
		t.Fatalf("registered scheme: %v", err)
	}
	if !called {
		t.Fatal("registered factory was not invoked")
	}
}

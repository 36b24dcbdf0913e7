package relayqueue

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// QueueEntry is a persisted write command plus its stable insertion
// index. Indexes only grow; read-back order is insertion order.
type QueueEntry struct {
	Index      uint64         `json:"index"`
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Data       map[string]any `json:"data,omitempty"`
	EnqueuedAt time.Time      `json:"enqueuedAt"`
}

// DurableStore is the single source of truth for pending writes. The
// durable dispatcher holds no private copy; every dispatch cycle
// re-reads from the store. Append must be durable before it returns.
// Remove is called only after a terminal outcome.
type DurableStore interface {
	Append(entry QueueEntry) (uint64, error)
	ReadAll() ([]QueueEntry, error)
	Remove(index uint64) error
	Clear() error
	Close() error
}

type memoryRequestStore struct {
	mu        sync.Mutex
	nextIndex uint64
	entries   []QueueEntry
}

// NewMemoryStore returns a non-persistent store for tests and
// throwaway clients.
func NewMemoryStore() DurableStore {
	return &memoryRequestStore{nextIndex: 1}
}

func (s *memoryRequestStore) Append(entry QueueEntry) (uint64, error) {
	if strings.TrimSpace(entry.Name) == "" {
		return 0, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.Index = s.nextIndex
	s.nextIndex++
	s.entries = append(s.entries, entry)
	return entry.Index, nil
}

func (s *memoryRequestStore) ReadAll() ([]QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]QueueEntry(nil), s.entries...), nil
}

func (s *memoryRequestStore) Remove(index uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, entry := range s.entries {
		if entry.Index == index {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (s *memoryRequestStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
	return nil
}

func (s *memoryRequestStore) Close() error {
	return nil
}

type fileRequestStore struct {
	path      string
	mu        sync.Mutex
	nextIndex uint64
	entries   []QueueEntry
}

type fileRequestStoreState struct {
	NextIndex uint64       `json:"nextIndex"`
	Entries   []QueueEntry `json:"entries"`
}

// NewFileStore returns a store persisted as a JSON snapshot at path,
// written atomically via a temp file and rename. Reopening yields the
// same entries in the same order.
func NewFileStore(path string) (DurableStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	s := &fileRequestStore{path: path, nextIndex: 1}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *fileRequestStore) Append(entry QueueEntry) (uint64, error) {
	if strings.TrimSpace(entry.Name) == "" {
		return 0, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.Index = s.nextIndex
	s.nextIndex++
	s.entries = append(s.entries, entry)
	if err := s.saveLocked(); err != nil {
		s.entries = s.entries[:len(s.entries)-1]
		s.nextIndex--
		return 0, err
	}
	return entry.Index, nil
}

func (s *fileRequestStore) ReadAll() ([]QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]QueueEntry(nil), s.entries...), nil
}

func (s *fileRequestStore) Remove(index uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, entry := range s.entries {
		if entry.Index == index {
			kept := append(append([]QueueEntry(nil), s.entries[:i]...), s.entries[i+1:]...)
			prev := s.entries
			s.entries = kept
			if err := s.saveLocked(); err != nil {
				s.entries = prev
				return err
			}
			return nil
		}
	}
	return ErrNotFound
}

func (s *fileRequestStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.entries
	s.entries = nil
	if err := s.saveLocked(); err != nil {
		s.entries = prev
		return err
	}
	return nil
}

func (s *fileRequestStore) Close() error {
	return nil
}

func (s *fileRequestStore) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileRequestStoreState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	s.entries = append([]QueueEntry(nil), snapshot.Entries...)
	s.nextIndex = snapshot.NextIndex
	for _, entry := range s.entries {
		if entry.Index >= s.nextIndex {
			s.nextIndex = entry.Index + 1
		}
	}
	if s.nextIndex == 0 {
		s.nextIndex = 1
	}
	return nil
}

func (s *fileRequestStore) saveLocked() error {
	snapshot := fileRequestStoreState{
		NextIndex: s.nextIndex,
		Entries:   append([]QueueEntry(nil), s.entries...),
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

package cache

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
)

type memoryEntry struct {
	data    []byte
	expires time.Time
}

// MemoryStore is used when no redis server is configured. Expired
// entries are dropped when they are read.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry), now: time.Now}
}

func (s *MemoryStore) Set(key string, value interface{}, ttl time.Duration) error {
	serialized, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(err, "couldn't marshal "+key)
	}

	e := memoryEntry{data: serialized}
	if ttl > 0 {
		e.expires = s.now().Add(ttl)
	}

	s.mu.Lock()
	s.entries[key] = e
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(key string, value interface{}) (bool, error) {
	s.mu.Lock()
	e, found := s.entries[key]
	if found && !e.expires.IsZero() && !s.now().Before(e.expires) {
		delete(s.entries, key)
		found = false
	}
	s.mu.Unlock()

	if !found {
		return false, nil
	}
	if err := json.Unmarshal(e.data, value); err != nil {
		return false, errors.Wrap(err, "couldn't unmarshal "+key)
	}
	return true, nil
}

func (s *MemoryStore) Delete(key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

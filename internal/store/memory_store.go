package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a process-local CounterStore. It mirrors the Redis-backed
// store's TTL semantics closely enough for tests and for running the gateway
// without an external store (single replica, blocks not surviving restart).
type MemoryStore struct {
	mu     sync.Mutex
	ints   map[string]memEntry
	hashes map[string]map[string]string
	lists  map[string][]string

	// Now is overridable so tests can drive TTL expiry.
	Now func() time.Time
}

type memEntry struct {
	value     int64
	expiresAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ints:   make(map[string]memEntry),
		hashes: make(map[string]map[string]string),
		lists:  make(map[string][]string),
		Now:    time.Now,
	}
}

func (s *MemoryStore) IncrementAndExpire(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.Now()
	ent, ok := s.ints[key]
	if !ok || now.After(ent.expiresAt) {
		ent = memEntry{}
	}
	ent.value++
	ent.expiresAt = now.Add(ttl)
	s.ints[key] = ent
	return ent.value, nil
}

func (s *MemoryStore) Decrement(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.ints[key]
	if !ok || s.Now().After(ent.expiresAt) {
		return 0, nil
	}
	if ent.value > 0 {
		ent.value--
	}
	s.ints[key] = ent
	return ent.value, nil
}

func (s *MemoryStore) GetInt(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.ints[key]
	if !ok || s.Now().After(ent.expiresAt) {
		return 0, nil
	}
	return ent.value, nil
}

func (s *MemoryStore) HashSet(_ context.Context, mapKey, field, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.hashes[mapKey]
	if !ok {
		h = make(map[string]string)
		s.hashes[mapKey] = h
	}
	h[field] = value
	return nil
}

func (s *MemoryStore) HashGetAll(_ context.Context, mapKey string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]string, len(s.hashes[mapKey]))
	for k, v := range s.hashes[mapKey] {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) HashDelete(_ context.Context, mapKey, field string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h, ok := s.hashes[mapKey]; ok {
		delete(h, field)
	}
	return nil
}

func (s *MemoryStore) ListPush(_ context.Context, listKey, value string, maxLen int64, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := append([]string{value}, s.lists[listKey]...)
	if int64(len(l)) > maxLen {
		l = l[:maxLen]
	}
	s.lists[listKey] = l
	return nil
}

// ListRange returns up to n most recent entries. Test helper.
func (s *MemoryStore) ListRange(listKey string, n int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.lists[listKey]
	if n > len(l) {
		n = len(l)
	}
	out := make([]string, n)
	copy(out, l[:n])
	return out
}

package blob

import (
	"context"
	"sync"
)

// MemoryStorage holds objects in a map. Tests only.
type MemoryStorage struct {
	mu      sync.RWMutex
	objects map[string]Object
}

type Object struct {
	Data        []byte
	ContentType string
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{objects: make(map[string]Object)}
}

func (s *MemoryStorage) Put(ctx context.Context, key string, data []byte, contentType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	s.objects[key] = Object{Data: buf, ContentType: contentType}
	return nil
}

func (s *MemoryStorage) SignedReadURL(ctx context.Context, key string) (string, error) {
	return "memory://" + key, nil
}

// Get exposes stored objects to test assertions.
func (s *MemoryStorage) Get(key string) (Object, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	object, ok := s.objects[key]
	return object, ok
}

// Len reports the number of stored objects.
func (s *MemoryStorage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

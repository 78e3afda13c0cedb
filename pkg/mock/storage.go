// Package mock provides in-memory implementations of the pipeline
// capabilities for tests.
package mock

import (
	"context"
	"sort"
	"strings"
	"sync"

	errdomain "github.com/instill-ai/consultation-backend/pkg/errors"
)

// Storage is an in-memory object.Storage.
type Storage struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    map[string]int

	// PutErr, when set, is returned by every PutObject call.
	PutErr error
}

// NewStorage returns an empty Storage.
func NewStorage() *Storage {
	return &Storage{objects: map[string][]byte{}, puts: map[string]int{}}
}

func objectPath(bucket, key string) string {
	return bucket + "/" + key
}

// PutObject implements object.Storage.
func (s *Storage) PutObject(_ context.Context, bucket, key string, content []byte, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.PutErr != nil {
		return s.PutErr
	}
	s.objects[objectPath(bucket, key)] = append([]byte(nil), content...)
	s.puts[objectPath(bucket, key)]++
	return nil
}

// GetObject implements object.Storage.
func (s *Storage) GetObject(_ context.Context, bucket, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.objects[objectPath(bucket, key)]
	if !ok {
		return nil, errdomain.ErrNotFound
	}
	return append([]byte(nil), b...), nil
}

// ListObjectKeys implements object.Storage. Keys are sorted.
func (s *Storage) ListObjectKeys(_ context.Context, bucket, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := []string{}
	for p := range s.objects {
		if key, ok := strings.CutPrefix(p, bucket+"/"); ok && strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// DeleteObject implements object.Storage.
func (s *Storage) DeleteObject(_ context.Context, bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.objects, objectPath(bucket, key))
	return nil
}

// Seed stores an object without counting it as a write.
func (s *Storage) Seed(bucket, key string, content []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.objects[objectPath(bucket, key)] = content
}

// Has reports whether bucket/key exists.
func (s *Storage) Has(bucket, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.objects[objectPath(bucket, key)]
	return ok
}

// Puts returns the number of PutObject calls made for bucket/key.
func (s *Storage) Puts(bucket, key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.puts[objectPath(bucket, key)]
}

// Keys returns every stored bucket/key path, sorted.
func (s *Storage) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	paths := make([]string, 0, len(s.objects))
	for p := range s.objects {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

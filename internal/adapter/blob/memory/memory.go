// Package memory is an in-process blob store for local runs and tests.
package memory

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/fairyhunter13/invoice-extractor/internal/domain"
)

// Store implements domain.BlobStore on a map. Safe for concurrent use.
type Store struct {
	mu           sync.RWMutex
	objects      map[string][]byte
	contentTypes map[string]string
}

func New() *Store {
	return &Store{
		objects:      map[string][]byte{},
		contentTypes: map[string]string{},
	}
}

func (s *Store) Upload(_ domain.Context, path string, data []byte, contentType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	s.objects[path] = buf
	s.contentTypes[path] = contentType
	return nil
}

func (s *Store) Download(_ domain.Context, path string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[path]
	if !ok {
		return nil, fmt.Errorf("op=memory.download: %s: %w", path, domain.ErrNotFound)
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	return buf, nil
}

func (s *Store) Exists(_ domain.Context, path string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[path]
	return ok, nil
}

func (s *Store) Delete(_ domain.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, path)
	delete(s.contentTypes, path)
	return nil
}

func (s *Store) List(_ domain.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var names []string
	for name := range s.objects {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) DeletePrefix(_ domain.Context, prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name := range s.objects {
		if strings.HasPrefix(name, prefix) {
			delete(s.objects, name)
			delete(s.contentTypes, name)
		}
	}
	return nil
}

// URI mirrors the gs:// shape so logs look the same in emulation.
func (s *Store) URI(path string) string {
	return "mem://" + path
}

// ContentType reports the stored content type (test helper).
func (s *Store) ContentType(path string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.contentTypes[path]
}

// Len reports the number of stored objects (test helper).
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

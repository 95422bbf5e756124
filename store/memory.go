package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is an in-process shared namespace. Writers are notified of
// their own writes and a no-op write notifies nobody. All methods are safe
// for concurrent use.
type MemoryStore struct {
	mu       sync.RWMutex
	values   map[string]string
	watchers map[*changeQueue]struct{}
	closed   bool
	failing  error
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values:   make(map[string]string),
		watchers: make(map[*changeQueue]struct{}),
	}
}

// Fail makes every subsequent operation return err wrapped in
// ErrUnavailable, simulating storage that is disabled or over quota. A nil
// err restores normal operation.
func (s *MemoryStore) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = err
}

func (s *MemoryStore) check() error {
	if s.closed {
		return ErrClosed
	}
	if s.failing != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, s.failing)
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.check(); err != nil {
		return "", err
	}
	value, ok := s.values[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	return value, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(); err != nil {
		return err
	}
	if old, ok := s.values[key]; ok && old == value {
		return nil
	}
	s.values[key] = value
	s.notify(Change{Key: key, Value: value})
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(); err != nil {
		return err
	}
	if _, ok := s.values[key]; !ok {
		return nil
	}
	delete(s.values, key)
	s.notify(Change{Key: key, Removed: true})
	return nil
}

func (s *MemoryStore) Keys(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.check(); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(s.values))
	for key := range s.values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryStore) Watch(ctx context.Context) (<-chan Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(); err != nil {
		return nil, err
	}
	q := newChangeQueue(ctx)
	s.watchers[q] = struct{}{}

	go func() {
		select {
		case <-ctx.Done():
		case <-q.done:
		}
		s.mu.Lock()
		delete(s.watchers, q)
		s.mu.Unlock()
	}()

	return q.out, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	for q := range s.watchers {
		q.close()
	}
	return nil
}

// notify must be called with s.mu held.
func (s *MemoryStore) notify(c Change) {
	for q := range s.watchers {
		q.push(c)
	}
}

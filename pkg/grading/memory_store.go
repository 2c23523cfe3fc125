package grading

import (
	"context"
	"fmt"
	"sync"
)

// MemoryResultStore is an in-memory ResultStore for tests and local runs.
type MemoryResultStore struct {
	mu      sync.RWMutex
	results map[string]*Result
}

// NewMemoryResultStore creates an empty store.
func NewMemoryResultStore() *MemoryResultStore {
	return &MemoryResultStore{results: make(map[string]*Result)}
}

// Get implements ResultStore.
func (s *MemoryResultStore) Get(_ context.Context, resultID string) (*Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result, ok := s.results[resultID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrResultNotFound, resultID)
	}
	cp := *result
	return &cp, nil
}

// Put implements ResultStore.
func (s *MemoryResultStore) Put(_ context.Context, result *Result) error {
	if result.ID == "" {
		return fmt.Errorf("result missing id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *result
	s.results[result.ID] = &cp
	return nil
}

// SetProgress implements ResultStore.
func (s *MemoryResultStore) SetProgress(_ context.Context, resultID string, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	result, ok := s.results[resultID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrResultNotFound, resultID)
	}
	if progress > result.Progress {
		result.Progress = progress
	}
	return nil
}

package lessonstore

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
)

var _ Store = (*MemStore)(nil)

// MemStore is an in-memory [Store]. Contents are lost on exit.
type MemStore struct {
	mu      sync.RWMutex
	lessons map[string]Result
}

// NewMemStore returns an empty [MemStore].
func NewMemStore() *MemStore {
	return &MemStore{lessons: make(map[string]Result)}
}

// Save implements [Store].
func (s *MemStore) Save(_ context.Context, r Result) error {
	if r.RecordingID == "" {
		return fmt.Errorf("lessonstore: save: empty recording id")
	}
	r.Segments = slices.Clone(r.Segments)
	s.mu.Lock()
	s.lessons[r.RecordingID] = r
	s.mu.Unlock()
	return nil
}

// Get implements [Store].
func (s *MemStore) Get(_ context.Context, id string) (Result, error) {
	s.mu.RLock()
	r, ok := s.lessons[id]
	s.mu.RUnlock()
	if !ok {
		return Result{}, ErrNotFound
	}
	r.Segments = slices.Clone(r.Segments)
	return r, nil
}

// List implements [Store].
func (s *MemStore) List(_ context.Context, opts ListOptions) ([]Result, error) {
	s.mu.RLock()
	out := make([]Result, 0, len(s.lessons))
	for _, r := range s.lessons {
		if !opts.Before.IsZero() && !r.StartedAt.Before(opts.Before) {
			continue
		}
		r.Segments = slices.Clone(r.Segments)
		out = append(out, r)
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b Result) int {
		if c := b.StartedAt.Compare(a.StartedAt); c != 0 {
			return c
		}
		return strings.Compare(a.RecordingID, b.RecordingID)
	})
	if n := opts.EffectiveLimit(); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

package coordinator

import (
	"context"
	"sort"
	"sync"
)

// AttemptStore keeps attempts across restarts so a buyer who already paid is never
// lost track of.
type AttemptStore interface {
	Save(ctx context.Context, attempt *Attempt) error
	// Get returns nil, nil when id is unknown
	Get(ctx context.Context, id string) (*Attempt, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]Attempt, error)
}

// MemoryStore is an AttemptStore that lives as long as the process
type MemoryStore struct {
	mu       sync.Mutex
	attempts map[string]Attempt
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{attempts: make(map[string]Attempt)}
}

func (s *MemoryStore) Save(_ context.Context, attempt *Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[attempt.ID] = *attempt
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[id]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attempts, id)
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Attempt, 0, len(s.attempts))
	for _, a := range s.attempts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

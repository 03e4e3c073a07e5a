package service

import (
	"context"
	"sync"
	"time"
)

// Occupant is the holder of one semaphore name/key pair.
type Occupant struct {
	Token  string    `json:"token"`
	Worker string    `json:"worker"`
	Since  time.Time `json:"since"`
}

// SemaphoreStore records exclusive occupancy of (name, key) pairs.
//
// TryAcquire installs occ unless another occupant holds the pair. An
// occupant older than staleAfter is replaced. When the pair is held, the
// current holder is returned with acquired false. ErrSemaphoreTransient
// reports a failure that may succeed if retried.
type SemaphoreStore interface {
	TryAcquire(ctx context.Context, name, key string, occ Occupant, staleAfter time.Duration) (holder *Occupant, acquired bool, err error)
	Release(ctx context.Context, name, key, token string) error
}

// MemorySemaphoreStore keeps occupancy in process memory.
type MemorySemaphoreStore struct {
	mu       sync.Mutex
	occupied map[string]Occupant
	now      func() time.Time
}

func NewMemorySemaphoreStore() *MemorySemaphoreStore {
	return &MemorySemaphoreStore{occupied: make(map[string]Occupant), now: time.Now}
}

func semaphoreKey(name, key string) string { return name + "\x00" + key }

func (s *MemorySemaphoreStore) TryAcquire(ctx context.Context, name, key string, occ Occupant, staleAfter time.Duration) (*Occupant, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := semaphoreKey(name, key)
	if holder, ok := s.occupied[k]; ok {
		if staleAfter <= 0 || s.now().Sub(holder.Since) <= staleAfter {
			return &holder, false, nil
		}
	}
	s.occupied[k] = occ
	return &occ, true, nil
}

// Release frees the pair if token still owns it.
func (s *MemorySemaphoreStore) Release(ctx context.Context, name, key, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := semaphoreKey(name, key)
	if holder, ok := s.occupied[k]; ok && holder.Token == token {
		delete(s.occupied, k)
	}
	return nil
}

// Len is the number of occupied pairs.
func (s *MemorySemaphoreStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.occupied)
}

package leases

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory lease store intended for unit tests and single-process usage.
// It is safe for concurrent use. The map key plays the role of the uniqueness constraint.
type MemoryStore struct {
	mu     sync.Mutex
	leases map[Key]Lease
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		leases: make(map[Key]Lease),
	}
}

func (s *MemoryStore) Create(_ context.Context, l Lease, expiredBefore time.Time) (Lease, error) {
	if err := validateKey(l.Key); err != nil {
		return Lease{}, err
	}
	if l.Token == "" {
		return Lease{}, ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.leases[l.Key]; ok && cur.AcquiredAt.After(expiredBefore) {
		return Lease{}, ErrAlreadyLocked
	}
	for k, other := range s.leases {
		if k != l.Key && other.Token == l.Token {
			return Lease{}, fmt.Errorf("%w: token already held on %s", ErrTokenCollision, k)
		}
	}
	s.leases[l.Key] = l
	return l, nil
}

func (s *MemoryStore) Renew(_ context.Context, key Key, token string, now, validAfter time.Time) (Lease, error) {
	if err := validateKey(key); err != nil {
		return Lease{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.leases[key]
	if !ok || l.Token != token || !l.AcquiredAt.After(validAfter) {
		return Lease{}, ErrNotFound
	}
	l.AcquiredAt = now
	s.leases[key] = l
	return l, nil
}

func (s *MemoryStore) Get(_ context.Context, key Key) (Lease, error) {
	if err := validateKey(key); err != nil {
		return Lease{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.leases[key]
	if !ok {
		return Lease{}, ErrNotFound
	}
	return l, nil
}

func (s *MemoryStore) Delete(_ context.Context, key Key, token string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.leases[key]
	if !ok || l.Token != token {
		return false, nil
	}
	delete(s.leases, key)
	return true, nil
}

func (s *MemoryStore) DeleteBefore(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for k, l := range s.leases {
		if l.AcquiredAt.Before(before) {
			delete(s.leases, k)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) List(_ context.Context) ([]Lease, error) {
	s.mu.Lock()
	out := make([]Lease, 0, len(s.leases))
	for _, l := range s.leases {
		out = append(out, l)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.Type != out[j].Key.Type {
			return out[i].Key.Type < out[j].Key.Type
		}
		return out[i].Key.ID < out[j].Key.ID
	})
	return out, nil
}

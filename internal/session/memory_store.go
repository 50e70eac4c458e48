package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrNotRevoked = errors.New("session: token not revoked")

// MemoryStore is the single-process fallback used when neither Redis nor
// Postgres is configured.
type MemoryStore struct {
	mu      sync.Mutex
	now     func() time.Time
	revoked map[string]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now, revoked: make(map[string]time.Time)}
}

func (s *MemoryStore) RevokeAccessToken(_ context.Context, jti string, exp time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeLocked()
	if exp.After(s.now()) {
		s.revoked[jti] = exp
	}
	return nil
}

func (s *MemoryStore) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.revoked[jti]
	if !ok {
		return false, nil
	}
	if !exp.After(s.now()) {
		delete(s.revoked, jti)
		return false, nil
	}
	return true, nil
}

func (s *MemoryStore) purgeLocked() {
	now := s.now()
	for jti, exp := range s.revoked {
		if !exp.After(now) {
			delete(s.revoked, jti)
		}
	}
}

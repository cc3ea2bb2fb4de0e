package memstore

import (
	"context"
	"sync"

	"nuha.dev/locwatch/internal/auth"
	"nuha.dev/locwatch/internal/identity"
)

type Sessions struct {
	mu   sync.Mutex
	list map[string]auth.Session
}

func NewSessions() *Sessions {
	return &Sessions{list: make(map[string]auth.Session)}
}

func (s *Sessions) Put(ctx context.Context, sess auth.Session) error {
	s.mu.Lock()
	s.list[sess.Token] = sess
	s.mu.Unlock()
	return nil
}

func (s *Sessions) Get(ctx context.Context, token string) (auth.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.list[token]
	if !ok {
		return auth.Session{}, auth.ErrNoSession
	}
	return sess, nil
}

func (s *Sessions) Delete(ctx context.Context, token string) error {
	s.mu.Lock()
	delete(s.list, token)
	s.mu.Unlock()
	return nil
}

func (s *Sessions) DeleteUser(ctx context.Context, id identity.ID) error {
	s.mu.Lock()
	for k, v := range s.list {
		if v.Principal.ID == id {
			delete(s.list, k)
		}
	}
	s.mu.Unlock()
	return nil
}

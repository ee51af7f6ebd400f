// Package credentials holds the opaque session token presented on every dial.
package credentials

import (
	"sync"

	"go.uber.org/zap"
)

// Store is a concurrency-safe holder for the current bearer token.
type Store struct {
	logger *zap.Logger

	mu          sync.RWMutex
	token       string
	invalidated int
}

// NewStore creates a Store seeded with token. An empty token means the
// session dials anonymously.
func NewStore(token string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{token: token, logger: logger}
}

// Token returns the current token.
func (s *Store) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Set replaces the token, typically after the user reauthenticates.
func (s *Store) Set(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
	s.logger.Info("credentials updated")
}

// Invalidate discards the current token after the authority refused it.
//
// Postcondition: Token returns "" until Set is called.
func (s *Store) Invalidate() {
	s.mu.Lock()
	had := s.token != ""
	s.token = ""
	s.invalidated++
	s.mu.Unlock()
	if had {
		s.logger.Warn("credentials invalidated")
	}
}

// Invalidations returns how many times Invalidate has been called.
func (s *Store) Invalidations() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.invalidated
}

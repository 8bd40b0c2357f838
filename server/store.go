package server

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// authRequestTTL bounds how long a pending sign-in waits for its callback.
const authRequestTTL = 10 * time.Minute

// InMemoryStore keeps ephemeral state for sessions and pending sign-ins.
type InMemoryStore struct {
	mu           sync.RWMutex
	sessions     map[string]Session
	authRequests map[string]AuthRequest
	now          func() time.Time
}

// NewInMemoryStore constructs the store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions:     make(map[string]Session),
		authRequests: make(map[string]AuthRequest),
		now:          time.Now,
	}
}

// NewID generates a random 128-bit identifier, hex encoded.
func (s *InMemoryStore) NewID() string {
	buf := make([]byte, 16)
	// crypto/rand.Read never returns an error and crashes the program on entropy failure.
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// SaveSession stores or replaces a session.
func (s *InMemoryStore) SaveSession(sess Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
}

// GetSession retrieves a live session by ID. Expired sessions are dropped.
func (s *InMemoryStore) GetSession(id string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, false
	}
	if s.now().After(sess.ExpiresAt) {
		delete(s.sessions, id)
		return Session{}, false
	}
	return sess, true
}

// DeleteSession removes a session.
func (s *InMemoryStore) DeleteSession(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// SaveAuthRequest stores a sign-in awaiting its callback, keyed by state.
func (s *InMemoryStore) SaveAuthRequest(req AuthRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authRequests[req.State] = req
}

// ConsumeAuthRequest retrieves and removes an auth request. Stale requests are not returned.
func (s *InMemoryStore) ConsumeAuthRequest(state string) (AuthRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.authRequests[state]
	if !ok {
		return AuthRequest{}, false
	}
	delete(s.authRequests, state)
	if s.now().Sub(req.CreatedAt) > authRequestTTL {
		return AuthRequest{}, false
	}
	return req, true
}

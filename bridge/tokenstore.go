package bridge

import (
	"context"
	"strings"
	"sync"
	"time"
)

// SessionTokenStore keeps the most recent session token per user so that a
// sibling service can pick it up later.
type SessionTokenStore interface {
	Put(ctx context.Context, userKey, token string, expiresAt time.Time) error
	// Get returns ok=false for unknown or expired keys.
	Get(ctx context.Context, userKey string) (token string, ok bool, err error)
}

// UserKey returns the store key for a user: the email, or the subject when no email is known.
func UserKey(email, subject string) string {
	if e := strings.TrimSpace(email); e != "" {
		return e
	}
	return strings.TrimSpace(subject)
}

type tokenEntry struct {
	token     string
	expiresAt time.Time
}

// MemoryTokenStore is an in-process SessionTokenStore. Expired entries are
// removed the next time they are read.
type MemoryTokenStore struct {
	mu      sync.Mutex
	entries map[string]tokenEntry
	now     func() time.Time
}

// NewMemoryTokenStore constructs an empty store.
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{
		entries: make(map[string]tokenEntry),
		now:     time.Now,
	}
}

var (
	sharedStoreOnce sync.Once
	sharedStore     *MemoryTokenStore
)

// SharedTokenStore returns the process-wide store, creating it on first use.
func SharedTokenStore() *MemoryTokenStore {
	sharedStoreOnce.Do(func() {
		sharedStore = NewMemoryTokenStore()
	})
	return sharedStore
}

// SetClock replaces the time source. Intended for tests.
func (s *MemoryTokenStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Put stores or replaces the token for userKey.
func (s *MemoryTokenStore) Put(_ context.Context, userKey, token string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[userKey] = tokenEntry{token: token, expiresAt: expiresAt}
	return nil
}

// Get returns the token for userKey, evicting it when expired.
func (s *MemoryTokenStore) Get(_ context.Context, userKey string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[userKey]
	if !ok {
		return "", false, nil
	}
	if s.now().After(entry.expiresAt) {
		delete(s.entries, userKey)
		return "", false, nil
	}
	return entry.token, true, nil
}

// Len returns the number of entries, expired ones included.
func (s *MemoryTokenStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

package session

import (
	"sync"
	"time"
)

// MemoryStore is the in-process backing store. A single RWMutex guards both
// maps; writes to one user's data never contend with reads of another's
// beyond the lock hold, which is a map operation.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
	tokens   map[string]TokenSet
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]Session),
		tokens:   make(map[string]TokenSet),
	}
}

func (m *MemoryStore) CreateSession(userID, email string) (Session, error) {
	s := Session{
		Handle:    newHandle(),
		UserID:    userID,
		Email:     email,
		CreatedAt: time.Now(),
	}
	m.mu.Lock()
	m.sessions[s.Handle] = s
	m.mu.Unlock()
	return s, nil
}

func (m *MemoryStore) LookupSession(handle string) (Session, bool) {
	m.mu.RLock()
	s, ok := m.sessions[handle]
	m.mu.RUnlock()
	return s, ok
}

func (m *MemoryStore) Update(handle string, fn func(*Session)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[handle]
	if !ok {
		return false
	}
	fn(&s)
	s.Handle = handle // the handle is the key, never mutable
	m.sessions[handle] = s
	return true
}

func (m *MemoryStore) DeleteSession(handle string) {
	m.mu.Lock()
	delete(m.sessions, handle)
	m.mu.Unlock()
}

func (m *MemoryStore) SetTokens(userID string, tokens TokenSet) {
	m.mu.Lock()
	m.tokens[userID] = tokens
	m.mu.Unlock()
}

func (m *MemoryStore) GetTokens(userID string) (TokenSet, bool) {
	m.mu.RLock()
	t, ok := m.tokens[userID]
	m.mu.RUnlock()
	return t, ok
}

func (m *MemoryStore) DeleteTokens(userID string) {
	m.mu.Lock()
	delete(m.tokens, userID)
	m.mu.Unlock()
}

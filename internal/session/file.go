package session

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileStore wraps the in-memory map with opportunistic JSON persistence:
// every mutation rewrites the snapshot file, so a dev process restart keeps
// sessions and tokens. Persistence failures are logged and ignored; the
// in-memory view stays authoritative.
type FileStore struct {
	mu       sync.RWMutex
	path     string
	logger   *slog.Logger
	sessions map[string]Session
	tokens   map[string]TokenSet
}

type fileSnapshot struct {
	Sessions map[string]Session  `json:"sessions"`
	Tokens   map[string]TokenSet `json:"tokens"`
}

func NewFileStore(path string, logger *slog.Logger) (*FileStore, error) {
	f := &FileStore{
		path:     path,
		logger:   logger,
		sessions: make(map[string]Session),
		tokens:   make(map[string]TokenSet),
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return f, nil
		}
		return nil, err
	}
	var snap fileSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		logger.Warn("session snapshot unreadable, starting empty", "path", path, "error", err)
		return f, nil
	}
	if snap.Sessions != nil {
		f.sessions = snap.Sessions
	}
	if snap.Tokens != nil {
		f.tokens = snap.Tokens
	}
	return f, nil
}

// persist is called with the write lock held.
func (f *FileStore) persist() {
	snap := fileSnapshot{Sessions: f.sessions, Tokens: f.tokens}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		f.logger.Warn("encode session snapshot", "error", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		f.logger.Warn("create session dir", "error", err)
		return
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		f.logger.Warn("write session snapshot", "error", err)
		return
	}
	if err := os.Rename(tmp, f.path); err != nil {
		f.logger.Warn("replace session snapshot", "error", err)
	}
}

func (f *FileStore) CreateSession(userID, email string) (Session, error) {
	s := Session{
		Handle:    newHandle(),
		UserID:    userID,
		Email:     email,
		CreatedAt: time.Now(),
	}
	f.mu.Lock()
	f.sessions[s.Handle] = s
	f.persist()
	f.mu.Unlock()
	return s, nil
}

func (f *FileStore) LookupSession(handle string) (Session, bool) {
	f.mu.RLock()
	s, ok := f.sessions[handle]
	f.mu.RUnlock()
	return s, ok
}

func (f *FileStore) Update(handle string, fn func(*Session)) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[handle]
	if !ok {
		return false
	}
	fn(&s)
	s.Handle = handle
	f.sessions[handle] = s
	f.persist()
	return true
}

func (f *FileStore) DeleteSession(handle string) {
	f.mu.Lock()
	delete(f.sessions, handle)
	f.persist()
	f.mu.Unlock()
}

func (f *FileStore) SetTokens(userID string, tokens TokenSet) {
	f.mu.Lock()
	f.tokens[userID] = tokens
	f.persist()
	f.mu.Unlock()
}

func (f *FileStore) GetTokens(userID string) (TokenSet, bool) {
	f.mu.RLock()
	t, ok := f.tokens[userID]
	f.mu.RUnlock()
	return t, ok
}

func (f *FileStore) DeleteTokens(userID string) {
	f.mu.Lock()
	delete(f.tokens, userID)
	f.persist()
	f.mu.Unlock()
}

// Package session owns login sessions and per-identity OAuth token sets.
//
// The store is the single piece of state mutated by concurrent requests, so
// every implementation serializes writes and exposes read-modify-write only
// through Update, which runs the mutation under the store lock. Nothing here
// is ambient: the store is constructed once in main and passed by reference.
package session

import (
	"time"

	"github.com/google/uuid"
)

// Session maps an opaque handle to an authenticated identity. ProfileID is
// back-filled lazily the first time an endpoint resolves it.
type Session struct {
	Handle    string    `json:"handle"`
	UserID    string    `json:"userId"`
	Email     string    `json:"email"`
	ProfileID string    `json:"profileId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// TokenSet holds provider OAuth credentials, keyed by user identity rather
// than by session: multiple sessions for one identity share one set.
type TokenSet struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	Expiry       time.Time `json:"expiry"`
}

// Store is the session/token backing store contract. All operations are
// atomic with respect to a single store instance; Update must not lose
// concurrent mutations to the same handle.
type Store interface {
	CreateSession(userID, email string) (Session, error)
	LookupSession(handle string) (Session, bool)
	// Update applies fn to the session under the store's write lock and
	// persists the result. It returns false when the handle is unknown.
	Update(handle string, fn func(*Session)) bool
	DeleteSession(handle string)

	SetTokens(userID string, tokens TokenSet)
	GetTokens(userID string) (TokenSet, bool)
	DeleteTokens(userID string)
}

func newHandle() string {
	return uuid.NewString()
}

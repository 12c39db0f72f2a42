// Package session manages resumable per-player room sessions. Every
// successful create/join/resume issues a fresh opaque token; the previous
// token becomes invalid immediately.
package session

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"sync"
	"time"
)

const (
	// DefaultTTL is how long a session stays resumable.
	DefaultTTL = 24 * time.Hour

	tokenBytes = 32
)

var ErrInvalidSession = errors.New("invalid_session")

// Session binds a player to a room through an opaque token.
type Session struct {
	RoomID    string    `json:"roomId"`
	PlayerID  string    `json:"playerId"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"-"`
}

// Manager provides in-memory session management for single-binary
// deployment.
type Manager struct {
	mu       sync.Mutex
	ttl      time.Duration
	sessions map[string]Session // roomID/playerID -> session
}

func NewManager(ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		ttl:      ttl,
		sessions: make(map[string]Session),
	}
}

func key(roomID, playerID string) string {
	return roomID + "/" + playerID
}

// Issue creates (or rotates) the session for a player. Any previously
// issued token for the same player stops working.
func (m *Manager) Issue(roomID, playerID string) Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Session{
		RoomID:    roomID,
		PlayerID:  playerID,
		Token:     mustToken(),
		ExpiresAt: time.Now().Add(m.ttl),
	}
	m.sessions[key(roomID, playerID)] = s
	return s
}

// Resume validates the presented token and rotates it. The old token is
// invalid after a successful resume.
func (m *Manager) Resume(roomID, playerID, token string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.sessions[key(roomID, playerID)]
	if !ok || token == "" || rec.Token != token || rec.RoomID != roomID {
		return Session{}, ErrInvalidSession
	}
	if !time.Now().Before(rec.ExpiresAt) {
		delete(m.sessions, key(roomID, playerID))
		return Session{}, ErrInvalidSession
	}
	rec.Token = mustToken()
	rec.ExpiresAt = time.Now().Add(m.ttl)
	m.sessions[key(roomID, playerID)] = rec
	return rec, nil
}

// Drop invalidates one player's session.
func (m *Manager) Drop(roomID, playerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, key(roomID, playerID))
}

// DropRoom invalidates every session of a room (used on room deletion).
func (m *Manager) DropRoom(roomID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, s := range m.sessions {
		if s.RoomID == roomID {
			delete(m.sessions, k)
		}
	}
}

func mustToken() string {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

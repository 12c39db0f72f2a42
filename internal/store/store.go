// Package store is the stateful authority over rooms, rounds, wallets and
// sessions. Every mutation of a room runs under that room's critical
// section; commands touching different rooms proceed in parallel.
package store

import (
	"crypto/rand"
	"fmt"
	"log"
	"regexp"
	"strings"
	"sync"
	"time"

	"kvitlach-server/card"
	"kvitlach-server/internal/audit"
	"kvitlach-server/internal/session"
	"kvitlach-server/kvitlach"
)

const (
	// DefaultTurnTimeout auto-stands a non-banker who sits on a pending
	// turn too long.
	DefaultTurnTimeout = 90 * time.Second

	// DefaultInactivityTTL deletes a room untouched for this long.
	DefaultInactivityTTL = 30 * time.Minute

	defaultBuyIn = 100

	maxNameLen     = 40
	maxRoomNameLen = 80
	maxNoteLen     = 160

	roomIDLen      = 6
	roomIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

var customRoomIDPattern = regexp.MustCompile(`^[A-Z0-9-]{4,20}$`)

// Listener receives state fan-out after a mutation commits. Callbacks run
// with the room section held; implementations must not call back into the
// store.
type Listener interface {
	RoomState(room *Room)
	RoundState(round *kvitlach.Round)
	RoundEnded(roomID string, round *kvitlach.Round, balances []kvitlach.BalanceEntry)
	RoomEvent(roomID, eventType string, payload map[string]any)
}

// Store owns every room. Construct with New and inject into the gateway.
type Store struct {
	mu         sync.RWMutex
	rooms      map[string]*roomEntry
	roundIndex map[string]string // roundID -> roomID

	sessions *session.Manager
	audit    audit.Service
	listener Listener

	turnTimeout   time.Duration
	inactivityTTL time.Duration
}

type roomEntry struct {
	mu      sync.Mutex
	deleted bool

	room  *Room
	round *kvitlach.Round

	// lastEnded is the terminal snapshot of the most recently finalized
	// round, kept so an ack can still carry the round that the command
	// itself terminated.
	lastEnded *kvitlach.Round

	nextPlayerSeq int

	turnTimer    *time.Timer
	turnTimerKey string
	inactivity   *time.Timer

	// nextShoe, when set, replaces the shuffled shoe of the next round.
	nextShoe []card.Card
}

// New constructs a store. audit may be a disabled (noop) service.
func New(sessions *session.Manager, auditSvc audit.Service) *Store {
	if sessions == nil {
		sessions = session.NewManager(session.DefaultTTL)
	}
	if auditSvc == nil {
		auditSvc, _, _ = audit.NewService("")
	}
	return &Store{
		rooms:         make(map[string]*roomEntry),
		roundIndex:    make(map[string]string),
		sessions:      sessions,
		audit:         auditSvc,
		turnTimeout:   DefaultTurnTimeout,
		inactivityTTL: DefaultInactivityTTL,
	}
}

// SetListener installs the fan-out target. Call before serving traffic.
func (s *Store) SetListener(l Listener) {
	s.listener = l
}

// SetTimeouts overrides the turn and inactivity timers (tests use short
// values).
func (s *Store) SetTimeouts(turn, inactivity time.Duration) {
	if turn > 0 {
		s.turnTimeout = turn
	}
	if inactivity > 0 {
		s.inactivityTTL = inactivity
	}
}

// Sessions exposes the session manager (the gateway issues drops on kick).
func (s *Store) Sessions() *session.Manager {
	return s.sessions
}

// withRoom runs fn under the room's critical section. A successful
// mutation rearms the inactivity timer; snapshot reads go through
// readRoom so polling cannot keep a dead room alive.
func (s *Store) withRoom(roomID string, fn func(e *roomEntry) error) error {
	return s.roomSection(roomID, true, fn)
}

func (s *Store) readRoom(roomID string, fn func(e *roomEntry) error) error {
	return s.roomSection(roomID, false, fn)
}

func (s *Store) roomSection(roomID string, rearm bool, fn func(e *roomEntry) error) error {
	s.mu.RLock()
	e := s.rooms[roomID]
	s.mu.RUnlock()
	if e == nil {
		return ErrRoomNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return ErrRoomNotFound
	}
	err := fn(e)
	if err == nil && rearm {
		s.rearmInactivity(e)
	}
	return err
}

// withRound resolves the owning room of a round and runs fn under its
// section.
func (s *Store) withRound(roundID string, fn func(e *roomEntry) error) error {
	roomID := s.RoundOwner(roundID)
	if roomID == "" {
		return ErrRoundNotFound
	}
	return s.withRoom(roomID, func(e *roomEntry) error {
		if e.round == nil || e.round.ID != roundID {
			return ErrRoundNotFound
		}
		return fn(e)
	})
}

// RoundOwner resolves the room that owns a round id, or "" when none.
func (s *Store) RoundOwner(roundID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.roundIndex[roundID]
}

// rearmInactivity must be called with the entry lock held.
func (s *Store) rearmInactivity(e *roomEntry) {
	if e.inactivity != nil {
		e.inactivity.Stop()
	}
	roomID := e.room.ID
	e.inactivity = time.AfterFunc(s.inactivityTTL, func() {
		s.expireRoom(roomID)
	})
}

func (s *Store) expireRoom(roomID string) {
	s.mu.RLock()
	e := s.rooms[roomID]
	s.mu.RUnlock()
	if e == nil {
		return
	}
	e.mu.Lock()
	if e.deleted {
		e.mu.Unlock()
		return
	}
	e.deleted = true
	if e.turnTimer != nil {
		e.turnTimer.Stop()
	}
	if e.inactivity != nil {
		e.inactivity.Stop()
	}
	roundID := ""
	if e.round != nil {
		roundID = e.round.ID
	}
	e.mu.Unlock()

	s.mu.Lock()
	delete(s.rooms, roomID)
	if roundID != "" {
		delete(s.roundIndex, roundID)
	}
	s.mu.Unlock()

	s.sessions.DropRoom(roomID)
	log.Printf("[Store] Room %s expired after %s of inactivity", roomID, s.inactivityTTL)
}

func (s *Store) notifyRoom(e *roomEntry) {
	if s.listener != nil {
		s.listener.RoomState(e.room.Clone())
	}
}

func (s *Store) notifyRound(e *roomEntry) {
	if s.listener != nil && e.round != nil {
		s.listener.RoundState(e.round.Clone())
	}
}

func (s *Store) notifyEvent(roomID, eventType string, payload map[string]any) {
	if s.listener != nil {
		s.listener.RoomEvent(roomID, eventType, payload)
	}
}

func (s *Store) generateRoomID() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for attempt := 0; attempt < 100; attempt++ {
		buf := make([]byte, roomIDLen)
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		out := make([]byte, roomIDLen)
		for i, b := range buf {
			out[i] = roomIDAlphabet[int(b)%len(roomIDAlphabet)]
		}
		id := string(out)
		if _, taken := s.rooms[id]; !taken {
			return id, nil
		}
	}
	return "", fmt.Errorf("room id space exhausted")
}

func sanitizeName(s string) string {
	return capLen(strings.TrimSpace(s), maxNameLen)
}

func sanitizeRoomName(s string) string {
	return capLen(strings.TrimSpace(s), maxRoomNameLen)
}

func sanitizeNote(s string) string {
	return capLen(strings.TrimSpace(s), maxNoteLen)
}

func capLen(s string, max int) string {
	runes := []rune(s)
	if len(runes) > max {
		return string(runes[:max])
	}
	return s
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func remove(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

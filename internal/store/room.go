package store

import (
	"fmt"
	"log"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"kvitlach-server/internal/session"
	"kvitlach-server/kvitlach"
)

// LedgerEntry is one settled transfer in the room's balance ledger, newest
// first.
type LedgerEntry struct {
	Amount  int64     `json:"amount"`
	Payer   string    `json:"payer"`
	Payee   string    `json:"payee"`
	RoundID string    `json:"roundId,omitempty"`
	At      time.Time `json:"at"`
}

// RenameRequest is a pending name change awaiting banker approval. The
// latest submission per player replaces earlier ones.
type RenameRequest struct {
	PlayerID    string    `json:"playerId"`
	FirstName   string    `json:"firstName"`
	LastName    string    `json:"lastName"`
	RequestedAt time.Time `json:"requestedAt"`
}

// BuyInRequest is a pending chip purchase awaiting banker approval.
type BuyInRequest struct {
	PlayerID    string    `json:"playerId"`
	Amount      int64     `json:"amount"`
	Note        string    `json:"note,omitempty"`
	RequestedAt time.Time `json:"requestedAt"`
}

// Room is the serializable room state broadcast to clients.
type Room struct {
	ID                 string                   `json:"id"`
	Name               string                   `json:"name"`
	HasPassword        bool                     `json:"hasPassword"`
	DefaultBuyIn       int64                    `json:"defaultBuyIn"`
	BankerBuyIn        int64                    `json:"bankerBuyIn"`
	Wallets            map[string]int64         `json:"wallets"`
	Players            []kvitlach.Player        `json:"players"`
	RoundID            string                   `json:"roundId,omitempty"`
	BalanceLedger      []LedgerEntry            `json:"balanceLedger"`
	CompletedRounds    int                      `json:"completedRounds"`
	RenameRequests     map[string]RenameRequest `json:"renameRequests"`
	BuyInRequests      map[string]BuyInRequest  `json:"buyInRequests"`
	WaitingPlayerIDs   []string                 `json:"waitingPlayerIds"`
	RenameBlockedIDs   []string                 `json:"renameBlockedIds"`
	BuyInBlockedIDs    []string                 `json:"buyInBlockedIds"`
	SeatRotationCursor int                      `json:"-"`

	passwordHash []byte
}

// Clone returns a deep copy safe to serialize outside the room section.
func (r *Room) Clone() *Room {
	if r == nil {
		return nil
	}
	out := *r
	out.Wallets = make(map[string]int64, len(r.Wallets))
	for k, v := range r.Wallets {
		out.Wallets[k] = v
	}
	out.Players = append([]kvitlach.Player(nil), r.Players...)
	out.BalanceLedger = append([]LedgerEntry(nil), r.BalanceLedger...)
	out.RenameRequests = make(map[string]RenameRequest, len(r.RenameRequests))
	for k, v := range r.RenameRequests {
		out.RenameRequests[k] = v
	}
	out.BuyInRequests = make(map[string]BuyInRequest, len(r.BuyInRequests))
	for k, v := range r.BuyInRequests {
		out.BuyInRequests[k] = v
	}
	out.WaitingPlayerIDs = append([]string(nil), r.WaitingPlayerIDs...)
	out.RenameBlockedIDs = append([]string(nil), r.RenameBlockedIDs...)
	out.BuyInBlockedIDs = append([]string(nil), r.BuyInBlockedIDs...)
	return &out
}

func (r *Room) playerByID(id string) *kvitlach.Player {
	for i := range r.Players {
		if r.Players[i].ID == id {
			return &r.Players[i]
		}
	}
	return nil
}

func (r *Room) banker() *kvitlach.Player {
	for i := range r.Players {
		if r.Players[i].Role == kvitlach.RoleBanker {
			return &r.Players[i]
		}
	}
	return nil
}

// CreateRoomParams are the accepted fields of room:create.
type CreateRoomParams struct {
	FirstName      string
	LastName       string
	RoomName       string
	Password       string
	BuyIn          int64
	RoomID         string
	BankerBankroll int64
}

// CreateRoom builds a room with its banker, funds the banker's wallet and
// issues the banker's session.
func (s *Store) CreateRoom(p CreateRoomParams) (*Room, kvitlach.Player, session.Session, error) {
	buyIn := p.BuyIn
	if buyIn == 0 {
		buyIn = defaultBuyIn
	}
	bankerBuyIn := p.BankerBankroll
	if bankerBuyIn == 0 {
		bankerBuyIn = buyIn
	}
	if buyIn <= 0 || bankerBuyIn <= 0 {
		return nil, kvitlach.Player{}, session.Session{}, ErrInvalidBankroll
	}

	roomID := strings.ToUpper(strings.TrimSpace(p.RoomID))
	if roomID != "" {
		if !customRoomIDPattern.MatchString(roomID) {
			return nil, kvitlach.Player{}, session.Session{}, ErrRoomIDInvalid
		}
		s.mu.RLock()
		_, taken := s.rooms[roomID]
		s.mu.RUnlock()
		if taken {
			return nil, kvitlach.Player{}, session.Session{}, ErrRoomIDTaken
		}
	} else {
		var err error
		roomID, err = s.generateRoomID()
		if err != nil {
			return nil, kvitlach.Player{}, session.Session{}, err
		}
	}

	var passwordHash []byte
	if p.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(p.Password), bcrypt.DefaultCost)
		if err != nil {
			return nil, kvitlach.Player{}, session.Session{}, err
		}
		passwordHash = hash
	}

	name := sanitizeRoomName(p.RoomName)
	if name == "" {
		name = "Kvitlach"
	}

	banker := kvitlach.Player{
		ID:        "p1",
		FirstName: sanitizeName(p.FirstName),
		LastName:  sanitizeName(p.LastName),
		Role:      kvitlach.RoleBanker,
		Presence:  kvitlach.PresenceOnline,
	}
	room := &Room{
		ID:             roomID,
		Name:           name,
		HasPassword:    len(passwordHash) > 0,
		DefaultBuyIn:   buyIn,
		BankerBuyIn:    bankerBuyIn,
		Wallets:        map[string]int64{banker.ID: bankerBuyIn},
		Players:        []kvitlach.Player{banker},
		BalanceLedger:  []LedgerEntry{},
		RenameRequests: map[string]RenameRequest{},
		BuyInRequests:  map[string]BuyInRequest{},
		passwordHash:   passwordHash,
	}
	e := &roomEntry{room: room, nextPlayerSeq: 2}

	s.mu.Lock()
	if _, taken := s.rooms[roomID]; taken {
		s.mu.Unlock()
		return nil, kvitlach.Player{}, session.Session{}, ErrRoomIDTaken
	}
	s.rooms[roomID] = e
	s.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	s.rearmInactivity(e)
	sess := s.sessions.Issue(roomID, banker.ID)
	s.audit.RecordAction(roomID, banker.ID, "room:create", map[string]any{
		"buyIn": buyIn, "bankerBuyIn": bankerBuyIn,
	})
	log.Printf("[Store] Room %s created by %s", roomID, banker.ID)
	s.notifyRoom(e)
	return room.Clone(), banker, sess, nil
}

// JoinRoomParams are the accepted fields of room:join.
type JoinRoomParams struct {
	FirstName string
	LastName  string
	Password  string
}

// JoinRoom adds a player funded with the room's default buy-in. While a
// round is running the player waits for the next deal.
func (s *Store) JoinRoom(roomID string, p JoinRoomParams) (*Room, kvitlach.Player, session.Session, error) {
	roomID = strings.ToUpper(strings.TrimSpace(roomID))
	var (
		out    *Room
		player kvitlach.Player
		sess   session.Session
	)
	err := s.withRoom(roomID, func(e *roomEntry) error {
		room := e.room
		if len(room.passwordHash) > 0 {
			if bcrypt.CompareHashAndPassword(room.passwordHash, []byte(p.Password)) != nil {
				return ErrInvalidPassword
			}
		}
		player = kvitlach.Player{
			ID:        fmt.Sprintf("p%d", e.nextPlayerSeq),
			FirstName: sanitizeName(p.FirstName),
			LastName:  sanitizeName(p.LastName),
			Role:      kvitlach.RolePlayer,
			Presence:  kvitlach.PresenceOnline,
		}
		e.nextPlayerSeq++
		room.Players = append(room.Players, player)
		room.Wallets[player.ID] = room.DefaultBuyIn
		if room.RoundID != "" {
			room.WaitingPlayerIDs = append(room.WaitingPlayerIDs, player.ID)
		}
		sess = s.sessions.Issue(roomID, player.ID)
		out = room.Clone()
		s.notifyRoom(e)
		return nil
	})
	if err != nil {
		return nil, kvitlach.Player{}, session.Session{}, err
	}
	return out, player, sess, nil
}

// ResumePlayer validates and rotates the presented session token and marks
// the player online.
func (s *Store) ResumePlayer(roomID, playerID, token string) (*Room, *kvitlach.Round, kvitlach.Player, session.Session, error) {
	roomID = strings.ToUpper(strings.TrimSpace(roomID))
	var (
		outRoom  *Room
		outRound *kvitlach.Round
		player   kvitlach.Player
		sess     session.Session
	)
	err := s.withRoom(roomID, func(e *roomEntry) error {
		p := e.room.playerByID(playerID)
		if p == nil {
			return ErrPlayerNotFound
		}
		rotated, err := s.sessions.Resume(roomID, playerID, token)
		if err != nil {
			return err
		}
		sess = rotated
		s.setPresenceLocked(e, playerID, kvitlach.PresenceOnline)
		player = *e.room.playerByID(playerID)
		outRoom = e.room.Clone()
		outRound = e.round.Clone()
		s.notifyRoom(e)
		return nil
	})
	if err != nil {
		return nil, nil, kvitlach.Player{}, session.Session{}, err
	}
	return outRoom, outRound, player, sess, nil
}

// GetRoom returns snapshots of the room and its active round.
func (s *Store) GetRoom(roomID string) (*Room, *kvitlach.Round, error) {
	roomID = strings.ToUpper(strings.TrimSpace(roomID))
	var (
		outRoom  *Room
		outRound *kvitlach.Round
	)
	err := s.readRoom(roomID, func(e *roomEntry) error {
		outRoom = e.room.Clone()
		outRound = e.round.Clone()
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return outRoom, outRound, nil
}

// SetPresence flips a player's presence from the socket lifecycle.
func (s *Store) SetPresence(roomID, playerID string, presence kvitlach.Presence) error {
	return s.withRoom(roomID, func(e *roomEntry) error {
		if e.room.playerByID(playerID) == nil {
			return ErrPlayerNotFound
		}
		s.setPresenceLocked(e, playerID, presence)
		s.notifyRoom(e)
		return nil
	})
}

func (s *Store) setPresenceLocked(e *roomEntry, playerID string, presence kvitlach.Presence) {
	if p := e.room.playerByID(playerID); p != nil {
		p.Presence = presence
	}
	if e.round != nil {
		if t := e.round.TurnByPlayer(playerID); t != nil {
			t.Player.Presence = presence
		}
	}
}

// SwitchAdmin transfers the banker role atomically. Mid-round the role swap
// is mirrored onto the active turns.
func (s *Store) SwitchAdmin(roomID, actorID, targetID string) (*Room, error) {
	var out *Room
	err := s.withRoom(roomID, func(e *roomEntry) error {
		room := e.room
		actor := room.playerByID(actorID)
		if actor == nil || actor.Role != kvitlach.RoleBanker {
			return ErrForbidden
		}
		target := room.playerByID(targetID)
		if target == nil || targetID == actorID || target.Role == kvitlach.RoleBanker {
			return ErrInvalidTarget
		}
		actor.Role = kvitlach.RolePlayer
		target.Role = kvitlach.RoleBanker
		if e.round != nil {
			if t := e.round.TurnByPlayer(actorID); t != nil {
				t.Player.Role = kvitlach.RolePlayer
			}
			if t := e.round.TurnByPlayer(targetID); t != nil {
				t.Player.Role = kvitlach.RoleBanker
			}
		}
		s.audit.RecordAction(roomID, actorID, "room:switch-admin", map[string]any{"target": targetID})
		out = room.Clone()
		s.notifyRoom(e)
		if e.round != nil {
			s.notifyRound(e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// KickPlayer removes a player entirely: roster, wallet, waiting list,
// requests, blocks, session and active turn.
func (s *Store) KickPlayer(roomID, actorID, targetID string) (*Room, error) {
	var out *Room
	err := s.withRoom(roomID, func(e *roomEntry) error {
		room := e.room
		actor := room.playerByID(actorID)
		if actor == nil || actor.Role != kvitlach.RoleBanker {
			return ErrForbidden
		}
		target := room.playerByID(targetID)
		if target == nil || targetID == actorID || target.Role == kvitlach.RoleBanker {
			return ErrInvalidTarget
		}
		s.removePlayerLocked(e, targetID, true)
		s.audit.RecordAction(roomID, actorID, "player:kick", map[string]any{"target": targetID})
		out = room.Clone()
		s.notifyRoom(e)
		if e.round != nil {
			s.notifyRound(e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// LeaveRoom removes the player from the roster without touching wallets.
// The banker cannot leave; they transfer the role or let the room expire.
func (s *Store) LeaveRoom(roomID, playerID string) error {
	return s.withRoom(roomID, func(e *roomEntry) error {
		p := e.room.playerByID(playerID)
		if p == nil {
			return ErrPlayerNotFound
		}
		if p.Role == kvitlach.RoleBanker {
			return ErrForbidden
		}
		s.removePlayerLocked(e, playerID, false)
		s.notifyRoom(e)
		if e.round != nil {
			s.notifyRound(e)
		}
		return nil
	})
}

// removePlayerLocked drops a player and repairs any round state that
// referenced them.
func (s *Store) removePlayerLocked(e *roomEntry, playerID string, dropWallet bool) {
	room := e.room
	for i := range room.Players {
		if room.Players[i].ID == playerID {
			room.Players = append(room.Players[:i], room.Players[i+1:]...)
			break
		}
	}
	if dropWallet {
		delete(room.Wallets, playerID)
	}
	room.WaitingPlayerIDs = remove(room.WaitingPlayerIDs, playerID)
	room.RenameBlockedIDs = remove(room.RenameBlockedIDs, playerID)
	room.BuyInBlockedIDs = remove(room.BuyInBlockedIDs, playerID)
	delete(room.RenameRequests, playerID)
	delete(room.BuyInRequests, playerID)
	s.sessions.Drop(room.ID, playerID)

	if e.round != nil && e.round.Phase != kvitlach.PhaseTerminate {
		round := e.round
		if round.BankLock != nil && round.BankLock.PlayerID == playerID {
			round.BankLock = nil
		}
		if round.RemoveTurn(playerID) {
			round.Reevaluate()
			s.afterRoundMutation(e)
		}
	}
}

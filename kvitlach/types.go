package kvitlach

import (
	"time"

	"kvitlach-server/card"
)

// Role of a player inside a room. Exactly one banker exists per room.
type Role string

const (
	RoleBanker Role = "banker"
	RolePlayer Role = "player"
)

// Presence is tracked via the socket lifecycle.
type Presence string

const (
	PresenceOnline  Presence = "online"
	PresenceOffline Presence = "offline"
)

// Player identity as stored on the room and copied into turns.
type Player struct {
	ID        string   `json:"id"`
	FirstName string   `json:"firstName"`
	LastName  string   `json:"lastName"`
	Role      Role     `json:"role"`
	Presence  Presence `json:"presence"`
}

// TurnState is the per-hand life cycle of one seat.
type TurnState string

const (
	TurnPending TurnState = "pending"
	TurnStandby TurnState = "standby"
	TurnWon     TurnState = "won"
	TurnLost    TurnState = "lost"
	TurnSkipped TurnState = "skipped"
)

// Turn is one seat of a round. Cards are append-only while the round runs;
// Bet is the cumulative stake. SettledBet/SettledNet capture the
// post-resolution payout (set at finalization or at a BANK! interim
// settlement).
type Turn struct {
	Player      Player      `json:"player"`
	State       TurnState   `json:"state"`
	Cards       []card.Card `json:"cards"`
	Bet         int64       `json:"bet"`
	BankRequest bool        `json:"bankRequest,omitempty"`
	SettledBet  *int64      `json:"settledBet,omitempty"`
	SettledNet  *int64      `json:"settledNet,omitempty"`
}

// BankLockStage is the nested BANK! showdown sub-state.
type BankLockStage string

const (
	BankStagePlayer   BankLockStage = "player"
	BankStageBanker   BankLockStage = "banker"
	BankStageDecision BankLockStage = "decision"
)

// BankLock is present iff a BANK! showdown is in flight.
type BankLock struct {
	PlayerID     string        `json:"playerId"`
	Stage        BankLockStage `json:"stage"`
	Exposure     int64         `json:"exposure"`
	ThroughIndex int           `json:"throughIndex"`
	InitiatedAt  time.Time     `json:"initiatedAt"`
}

// TurnTimer is the client-visible view of the running turn timer.
type TurnTimer struct {
	PlayerID  string    `json:"playerId"`
	ExpiresAt time.Time `json:"expiresAt"`
	Duration  int64     `json:"duration"`
}

// Phase of a round.
type Phase string

const (
	PhasePlaying   Phase = "playing"
	PhaseFinal     Phase = "final"
	PhaseTerminate Phase = "terminate"
)

// BalanceEntry records one settlement transfer between two players.
type BalanceEntry struct {
	Amount int64  `json:"amount"`
	Payer  string `json:"payer"`
	Payee  string `json:"payee"`
}

// Round is the full state of one hand. Seat order is the turn slice order;
// the banker is placed last by convention but may sit anywhere.
type Round struct {
	ID          string      `json:"id"`
	RoomID      string      `json:"roomId"`
	Deck        []card.Card `json:"deck"`
	Turns       []Turn      `json:"turns"`
	Phase       Phase       `json:"phase"`
	DeckCount   int         `json:"deckCount"`
	RoundNumber int         `json:"roundNumber"`
	BankLock    *BankLock   `json:"bankLock,omitempty"`
	TurnTimer   *TurnTimer  `json:"turnTimer,omitempty"`
}

// TurnByPlayer returns the turn of the given player, or nil.
func (r *Round) TurnByPlayer(playerID string) *Turn {
	for i := range r.Turns {
		if r.Turns[i].Player.ID == playerID {
			return &r.Turns[i]
		}
	}
	return nil
}

// BankerTurn returns the banker's turn, or nil.
func (r *Round) BankerTurn() *Turn {
	for i := range r.Turns {
		if r.Turns[i].Player.Role == RoleBanker {
			return &r.Turns[i]
		}
	}
	return nil
}

// SeatIndex returns the player's index in the turn order, or -1.
func (r *Round) SeatIndex(playerID string) int {
	for i := range r.Turns {
		if r.Turns[i].Player.ID == playerID {
			return i
		}
	}
	return -1
}

// RemoveTurn drops the turn of the given player (used when a player is
// kicked mid-round). Returns true if a turn was removed.
func (r *Round) RemoveTurn(playerID string) bool {
	for i := range r.Turns {
		if r.Turns[i].Player.ID == playerID {
			r.Turns = append(r.Turns[:i], r.Turns[i+1:]...)
			return true
		}
	}
	return false
}

// ActivePlayerID resolves the seat expected to act next. Used by the turn
// timer and mirrored by clients.
func (r *Round) ActivePlayerID() string {
	banker := r.BankerTurn()
	bankerID := ""
	if banker != nil {
		bankerID = banker.Player.ID
	}
	if r.BankLock != nil {
		switch r.BankLock.Stage {
		case BankStageBanker:
			return bankerID
		case BankStagePlayer:
			return r.BankLock.PlayerID
		case BankStageDecision:
			return ""
		}
	}
	if r.Phase == PhaseFinal {
		return bankerID
	}
	for i := range r.Turns {
		if r.Turns[i].State == TurnPending {
			return r.Turns[i].Player.ID
		}
	}
	return ""
}

// Clone returns a deep copy safe to hand to another goroutine after the
// room section is released.
func (r *Round) Clone() *Round {
	if r == nil {
		return nil
	}
	out := *r
	out.Deck = append([]card.Card(nil), r.Deck...)
	out.Turns = make([]Turn, len(r.Turns))
	for i, t := range r.Turns {
		ct := t
		ct.Cards = append([]card.Card(nil), t.Cards...)
		if t.SettledBet != nil {
			v := *t.SettledBet
			ct.SettledBet = &v
		}
		if t.SettledNet != nil {
			v := *t.SettledNet
			ct.SettledNet = &v
		}
		out.Turns[i] = ct
	}
	if r.BankLock != nil {
		l := *r.BankLock
		out.BankLock = &l
	}
	if r.TurnTimer != nil {
		tt := *r.TurnTimer
		out.TurnTimer = &tt
	}
	return &out
}

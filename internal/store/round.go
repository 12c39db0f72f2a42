package store

import (
	"fmt"
	"log"
	"time"

	"kvitlach-server/card"
	"kvitlach-server/kvitlach"
)

// StartRound deals a fresh round: online players (all players when nobody
// is online), non-banker seats rotated by the room cursor, banker seated
// last, one card each.
func (s *Store) StartRound(roomID string, deckCountOverride int) (*kvitlach.Round, error) {
	var out *kvitlach.Round
	err := s.withRoom(roomID, func(e *roomEntry) error {
		room := e.room
		if e.round != nil && e.round.Phase != kvitlach.PhaseTerminate {
			return ErrRoundInProgress
		}

		participants := make([]kvitlach.Player, 0, len(room.Players))
		for _, p := range room.Players {
			if p.Presence == kvitlach.PresenceOnline {
				participants = append(participants, p)
			}
		}
		if len(participants) == 0 {
			participants = append(participants, room.Players...)
		}
		var banker *kvitlach.Player
		nonBankers := make([]kvitlach.Player, 0, len(participants))
		for i := range participants {
			if participants[i].Role == kvitlach.RoleBanker {
				b := participants[i]
				banker = &b
				continue
			}
			nonBankers = append(nonBankers, participants[i])
		}
		if banker == nil {
			// The banker always plays, online or not.
			if b := room.banker(); b != nil {
				seated := *b
				banker = &seated
			}
		}
		if banker == nil || len(nonBankers) == 0 {
			return ErrNotEnoughPlayers
		}

		offset := room.SeatRotationCursor % len(nonBankers)
		rotated := append(append([]kvitlach.Player{}, nonBankers[offset:]...), nonBankers[:offset]...)
		room.SeatRotationCursor++

		deckCount := deckCountOverride
		if deckCount <= 0 {
			deckCount = card.DeckCountFor(len(rotated) + 1)
		}
		var deck []card.Card
		if e.nextShoe != nil {
			deck = e.nextShoe
			e.nextShoe = nil
		} else {
			deck = card.NewShoe(deckCount)
		}

		roundNumber := room.CompletedRounds + 1
		round := &kvitlach.Round{
			ID:          fmt.Sprintf("%s-r%d", room.ID, roundNumber),
			RoomID:      room.ID,
			Deck:        deck,
			Phase:       kvitlach.PhasePlaying,
			DeckCount:   deckCount,
			RoundNumber: roundNumber,
		}
		seats := append(rotated, *banker)
		for _, p := range seats {
			if len(round.Deck) == 0 {
				return kvitlach.ErrDeckEmpty
			}
			c := round.Deck[0]
			round.Deck = round.Deck[1:]
			round.Turns = append(round.Turns, kvitlach.Turn{
				Player: p,
				State:  kvitlach.TurnPending,
				Cards:  []card.Card{c},
			})
		}

		e.round = round
		room.RoundID = round.ID
		room.WaitingPlayerIDs = nil

		s.mu.Lock()
		s.roundIndex[round.ID] = room.ID
		s.mu.Unlock()

		s.syncTurnTimer(e)
		log.Printf("[Store] Room %s round %d started with %d seats", room.ID, roundNumber, len(seats))
		out = round.Clone()
		s.notifyRoom(e)
		s.notifyRound(e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetRound returns a snapshot of an active round.
func (s *Store) GetRound(roundID string) (*kvitlach.Round, error) {
	roomID := s.RoundOwner(roundID)
	if roomID == "" {
		return nil, ErrRoundNotFound
	}
	var out *kvitlach.Round
	err := s.readRoom(roomID, func(e *roomEntry) error {
		if e.round == nil || e.round.ID != roundID {
			return ErrRoundNotFound
		}
		out = e.round.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SetNextShoe stacks the next round's deck. Test hook.
func (s *Store) SetNextShoe(roomID string, deck []card.Card) error {
	return s.withRoom(roomID, func(e *roomEntry) error {
		e.nextShoe = append([]card.Card(nil), deck...)
		return nil
	})
}

// bankGate enforces the BANK! lock: while the lock is in flight only the
// designated actor may act, and nobody may skip under a player-stage lock.
func bankGate(round *kvitlach.Round, playerID string, isSkip bool) error {
	lock := round.BankLock
	if lock == nil {
		return nil
	}
	switch lock.Stage {
	case kvitlach.BankStagePlayer:
		if isSkip {
			return ErrForbidden
		}
		if playerID != lock.PlayerID {
			return ErrBankLocked
		}
	case kvitlach.BankStageBanker:
		banker := round.BankerTurn()
		if banker == nil || playerID != banker.Player.ID {
			return ErrBankLocked
		}
	case kvitlach.BankStageDecision:
		return ErrBankerDeciding
	}
	return nil
}

// bankWindow is the banker's maximum solvent exposure at a seat: the
// banker's wallet minus the outstanding stakes of earlier non-banker seats
// still in contention, floored at zero.
func bankWindow(room *Room, round *kvitlach.Round, seatIndex int) int64 {
	banker := round.BankerTurn()
	if banker == nil {
		return 0
	}
	available := room.Wallets[banker.Player.ID]
	for i := 0; i < seatIndex && i < len(round.Turns); i++ {
		t := &round.Turns[i]
		if t.Player.Role == kvitlach.RoleBanker {
			continue
		}
		if t.State == kvitlach.TurnLost || t.State == kvitlach.TurnSkipped {
			continue
		}
		available -= t.Bet
	}
	if available < 0 {
		return 0
	}
	return available
}

// Bet places a wager for playerID. bank declares a BANK! challenge, which
// requires the cumulative bet to equal the bank window exactly; reaching
// the window without the flag opens the lock too.
func (s *Store) Bet(roundID, playerID string, amount int64, bank bool) (*kvitlach.Round, error) {
	var out *kvitlach.Round
	err := s.withRound(roundID, func(e *roomEntry) error {
		round := e.round
		if err := bankGate(round, playerID, false); err != nil {
			return err
		}
		t := round.TurnByPlayer(playerID)
		if t == nil {
			return kvitlach.ErrTurnNotFound
		}
		if t.Player.Role == kvitlach.RoleBanker {
			return ErrForbidden
		}
		if amount <= 0 {
			return kvitlach.ErrInvalidBet
		}
		newBet := t.Bet + amount
		if newBet > e.room.Wallets[playerID] {
			return ErrInsufficientFunds
		}
		seat := round.SeatIndex(playerID)
		available := bankWindow(e.room, round, seat)
		if available <= 0 {
			return ErrBankEmpty
		}
		if newBet > available {
			return fmt.Errorf("bank_limit:%d", available)
		}
		if bank && newBet != available {
			return ErrInvalidBankAmount
		}
		if err := round.Bet(playerID, amount); err != nil {
			return err
		}
		if (bank || newBet == available) && round.BankLock == nil && round.Phase != kvitlach.PhaseTerminate {
			round.BankLock = &kvitlach.BankLock{
				PlayerID:     playerID,
				Stage:        kvitlach.BankStagePlayer,
				Exposure:     available,
				ThroughIndex: seat,
				InitiatedAt:  time.Now(),
			}
			round.Reevaluate()
		}
		s.afterRoundMutation(e)
		out = e.roundSnapshot()
		s.notifyRound(e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Hit draws a card for playerID.
func (s *Store) Hit(roundID, playerID string, eleveroon bool) (*kvitlach.Round, error) {
	return s.turnAction(roundID, playerID, false, func(round *kvitlach.Round) error {
		return round.Hit(playerID, eleveroon)
	})
}

// Stand commits playerID's hand.
func (s *Store) Stand(roundID, playerID string) (*kvitlach.Round, error) {
	return s.turnAction(roundID, playerID, false, func(round *kvitlach.Round) error {
		return round.Stand(playerID)
	})
}

// Skip folds a turn. The banker may skip another seat; anyone else only
// their own.
func (s *Store) Skip(roundID, actorID, playerID string) (*kvitlach.Round, error) {
	var out *kvitlach.Round
	err := s.withRound(roundID, func(e *roomEntry) error {
		round := e.round
		if actorID != playerID {
			actor := e.room.playerByID(actorID)
			if actor == nil || actor.Role != kvitlach.RoleBanker {
				return ErrForbidden
			}
		}
		if err := bankGate(round, playerID, true); err != nil {
			return err
		}
		if err := round.Skip(playerID); err != nil {
			return err
		}
		s.afterRoundMutation(e)
		out = e.roundSnapshot()
		s.notifyRound(e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) turnAction(roundID, playerID string, isSkip bool, apply func(*kvitlach.Round) error) (*kvitlach.Round, error) {
	var out *kvitlach.Round
	err := s.withRound(roundID, func(e *roomEntry) error {
		if err := bankGate(e.round, playerID, isSkip); err != nil {
			return err
		}
		if err := apply(e.round); err != nil {
			return err
		}
		s.afterRoundMutation(e)
		out = e.roundSnapshot()
		s.notifyRound(e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// roundSnapshot clones the live round, falling back to the terminal
// snapshot when the command just finalized it. Entry lock held.
func (e *roomEntry) roundSnapshot() *kvitlach.Round {
	if e.round != nil {
		return e.round.Clone()
	}
	return e.lastEnded
}

// afterRoundMutation runs the BANK! post-processor, finalizes a terminated
// round and keeps the turn timer in sync. Entry lock held.
func (s *Store) afterRoundMutation(e *roomEntry) {
	s.processBankLock(e)
	if e.round != nil && e.round.Phase == kvitlach.PhaseTerminate {
		s.finalizeRound(e)
		return
	}
	s.syncTurnTimer(e)
}

// processBankLock drives the showdown sub-machine forward until it needs
// outside input again.
func (s *Store) processBankLock(e *roomEntry) {
	round := e.round
	if round == nil {
		return
	}
	for {
		lock := round.BankLock
		if lock == nil {
			return
		}
		switch lock.Stage {
		case kvitlach.BankStagePlayer:
			t := round.TurnByPlayer(lock.PlayerID)
			if t == nil {
				round.BankLock = nil
				round.Reevaluate()
				continue
			}
			if t.State == kvitlach.TurnPending {
				return
			}
			if t.State == kvitlach.TurnLost {
				// Challenger busted; the table plays on.
				round.BankLock = nil
				round.Reevaluate()
				continue
			}
			lock.Stage = kvitlach.BankStageBanker
			continue

		case kvitlach.BankStageBanker:
			banker := round.BankerTurn()
			if banker == nil {
				round.BankLock = nil
				round.Reevaluate()
				continue
			}
			if banker.State == kvitlach.TurnPending {
				return
			}
			entries := round.SettleThrough(lock.ThroughIndex)
			s.applyBalances(e, entries, round.ID)
			bankerWallet := e.room.Wallets[banker.Player.ID]
			if bankerWallet > 0 {
				if err := round.RedealBanker(); err != nil {
					round.BankLock = nil
					round.Terminate()
					return
				}
				round.BankLock = nil
				round.Reevaluate()
				s.notifyRoom(e)
				continue
			}
			lock.Stage = kvitlach.BankStageDecision
			s.notifyRoom(e)
			return

		case kvitlach.BankStageDecision:
			return
		}
	}
}

// applyBalances moves money per the entries and prepends them to the
// ledger as one batch. Entry lock held.
func (s *Store) applyBalances(e *roomEntry, entries []kvitlach.BalanceEntry, roundID string) {
	if len(entries) == 0 {
		return
	}
	now := time.Now()
	batch := make([]LedgerEntry, 0, len(entries))
	for _, b := range entries {
		e.room.Wallets[b.Payer] -= b.Amount
		e.room.Wallets[b.Payee] += b.Amount
		batch = append(batch, LedgerEntry{
			Amount:  b.Amount,
			Payer:   b.Payer,
			Payee:   b.Payee,
			RoundID: roundID,
			At:      now,
		})
	}
	e.room.BalanceLedger = append(batch, e.room.BalanceLedger...)
}

// finalizeRound folds a terminated round into the room: balances applied,
// ledger appended, counters advanced, timers stopped. Entry lock held.
func (s *Store) finalizeRound(e *roomEntry) {
	round := e.round
	if round == nil {
		return
	}
	s.stopTurnTimer(e)
	round.TurnTimer = nil
	round.BankLock = nil

	balances := kvitlach.Balances(round.Turns)
	s.applyBalances(e, balances, round.ID)

	e.room.CompletedRounds++
	e.room.RoundID = ""
	e.round = nil
	e.lastEnded = round.Clone()

	s.mu.Lock()
	delete(s.roundIndex, round.ID)
	s.mu.Unlock()

	log.Printf("[Store] Room %s round %d finalized, %d transfers", e.room.ID, round.RoundNumber, len(balances))
	if s.listener != nil {
		s.listener.RoundEnded(e.room.ID, round.Clone(), balances)
	}
	s.notifyRoom(e)
}

// EndRoundAfterBankDecision is the banker's choice to fold the round after
// a depleting showdown: every unresolved non-banker turn is skipped and
// the round terminates.
func (s *Store) EndRoundAfterBankDecision(roundID, actorID string) (*kvitlach.Round, error) {
	var out *kvitlach.Round
	err := s.withRound(roundID, func(e *roomEntry) error {
		round := e.round
		actor := e.room.playerByID(actorID)
		if actor == nil || actor.Role != kvitlach.RoleBanker {
			return ErrForbidden
		}
		if round.BankLock == nil || round.BankLock.Stage != kvitlach.BankStageDecision {
			return ErrBankNotInDecision
		}
		for i := range round.Turns {
			t := &round.Turns[i]
			if t.Player.Role == kvitlach.RoleBanker {
				continue
			}
			if t.State == kvitlach.TurnPending || t.State == kvitlach.TurnStandby {
				t.State = kvitlach.TurnSkipped
			}
		}
		round.BankLock = nil
		round.Terminate()
		out = round.Clone()
		s.notifyEvent(e.room.ID, "round:banker-ended", map[string]any{"roundId": round.ID})
		s.finalizeRound(e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// syncTurnTimer schedules the 90 s auto-stand for the active non-banker
// turn. An unchanged active turn keeps its running expiry. Entry lock held.
func (s *Store) syncTurnTimer(e *roomEntry) {
	round := e.round
	if round == nil || round.Phase == kvitlach.PhaseTerminate {
		s.stopTurnTimer(e)
		return
	}
	activeID := round.ActivePlayerID()
	if activeID == "" {
		s.stopTurnTimer(e)
		round.TurnTimer = nil
		return
	}
	t := round.TurnByPlayer(activeID)
	if t == nil || t.Player.Role == kvitlach.RoleBanker || t.State != kvitlach.TurnPending {
		// The banker is never auto-stood.
		s.stopTurnTimer(e)
		round.TurnTimer = nil
		return
	}
	key := round.ID + "/" + activeID
	if key == e.turnTimerKey && e.turnTimer != nil {
		return
	}
	s.stopTurnTimer(e)
	e.turnTimerKey = key
	expires := time.Now().Add(s.turnTimeout)
	round.TurnTimer = &kvitlach.TurnTimer{
		PlayerID:  activeID,
		ExpiresAt: expires,
		Duration:  int64(s.turnTimeout / time.Second),
	}
	roomID := e.room.ID
	roundID := round.ID
	e.turnTimer = time.AfterFunc(s.turnTimeout, func() {
		s.autoStand(roomID, roundID, activeID, key)
	})
}

func (s *Store) stopTurnTimer(e *roomEntry) {
	if e.turnTimer != nil {
		e.turnTimer.Stop()
		e.turnTimer = nil
	}
	e.turnTimerKey = ""
}

// autoStand fires from the turn timer and re-enters the room section.
func (s *Store) autoStand(roomID, roundID, playerID, key string) {
	err := s.withRoom(roomID, func(e *roomEntry) error {
		if e.round == nil || e.round.ID != roundID || e.turnTimerKey != key {
			return nil
		}
		e.turnTimer = nil
		e.turnTimerKey = ""
		if err := e.round.Stand(playerID); err != nil {
			return nil
		}
		log.Printf("[Store] Room %s: auto-stand for %s after %s", roomID, playerID, s.turnTimeout)
		s.afterRoundMutation(e)
		s.notifyRound(e)
		return nil
	})
	if err != nil && err != ErrRoomNotFound {
		log.Printf("[Store] Auto-stand failed: room=%s err=%v", roomID, err)
	}
}

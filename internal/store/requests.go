package store

import (
	"time"

	"kvitlach-server/kvitlach"
)

// RequestRename files (or replaces) a player's pending name change.
func (s *Store) RequestRename(roomID, playerID, firstName, lastName string) (*Room, error) {
	var out *Room
	err := s.withRoom(roomID, func(e *roomEntry) error {
		p := e.room.playerByID(playerID)
		if p == nil {
			return ErrPlayerNotFound
		}
		if p.Role == kvitlach.RoleBanker {
			return ErrForbidden
		}
		if contains(e.room.RenameBlockedIDs, playerID) {
			return ErrRenameBlocked
		}
		e.room.RenameRequests[playerID] = RenameRequest{
			PlayerID:    playerID,
			FirstName:   sanitizeName(firstName),
			LastName:    sanitizeName(lastName),
			RequestedAt: time.Now(),
		}
		out = e.room.Clone()
		s.notifyRoom(e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CancelRename withdraws the player's own pending request. Idempotent.
func (s *Store) CancelRename(roomID, playerID string) (*Room, error) {
	var out *Room
	err := s.withRoom(roomID, func(e *roomEntry) error {
		delete(e.room.RenameRequests, playerID)
		out = e.room.Clone()
		s.notifyRoom(e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ApproveRename applies the requested names to the player and, mid-round,
// to their turn.
func (s *Store) ApproveRename(roomID, actorID, targetID string) (*Room, error) {
	var out *Room
	err := s.withRoom(roomID, func(e *roomEntry) error {
		if err := requireBanker(e.room, actorID); err != nil {
			return err
		}
		req, ok := e.room.RenameRequests[targetID]
		if !ok {
			return ErrRequestNotFound
		}
		p := e.room.playerByID(targetID)
		if p == nil {
			return ErrPlayerNotFound
		}
		p.FirstName = req.FirstName
		p.LastName = req.LastName
		if e.round != nil {
			if t := e.round.TurnByPlayer(targetID); t != nil {
				t.Player.FirstName = req.FirstName
				t.Player.LastName = req.LastName
			}
		}
		delete(e.room.RenameRequests, targetID)
		out = e.room.Clone()
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

// RejectRename discards a pending rename.
func (s *Store) RejectRename(roomID, actorID, targetID string) (*Room, error) {
	var out *Room
	err := s.withRoom(roomID, func(e *roomEntry) error {
		if err := requireBanker(e.room, actorID); err != nil {
			return err
		}
		if _, ok := e.room.RenameRequests[targetID]; !ok {
			return ErrRequestNotFound
		}
		delete(e.room.RenameRequests, targetID)
		out = e.room.Clone()
		s.notifyRoom(e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SetRenameBlock toggles a player's rename block; blocking clears any
// pending request.
func (s *Store) SetRenameBlock(roomID, actorID, targetID string, block bool) (*Room, error) {
	var out *Room
	err := s.withRoom(roomID, func(e *roomEntry) error {
		if err := requireBanker(e.room, actorID); err != nil {
			return err
		}
		if e.room.playerByID(targetID) == nil {
			return ErrPlayerNotFound
		}
		e.room.RenameBlockedIDs = remove(e.room.RenameBlockedIDs, targetID)
		if block {
			e.room.RenameBlockedIDs = append(e.room.RenameBlockedIDs, targetID)
			delete(e.room.RenameRequests, targetID)
		}
		out = e.room.Clone()
		s.notifyRoom(e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RequestBuyIn files (or replaces) a player's pending chip purchase.
func (s *Store) RequestBuyIn(roomID, playerID string, amount int64, note string) (*Room, error) {
	var out *Room
	err := s.withRoom(roomID, func(e *roomEntry) error {
		p := e.room.playerByID(playerID)
		if p == nil {
			return ErrPlayerNotFound
		}
		if p.Role == kvitlach.RoleBanker {
			return ErrForbidden
		}
		if amount <= 0 {
			return ErrInvalidAmount
		}
		if contains(e.room.BuyInBlockedIDs, playerID) {
			return ErrBuyInBlocked
		}
		e.room.BuyInRequests[playerID] = BuyInRequest{
			PlayerID:    playerID,
			Amount:      amount,
			Note:        sanitizeNote(note),
			RequestedAt: time.Now(),
		}
		out = e.room.Clone()
		s.notifyRoom(e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CancelBuyIn withdraws the player's own pending request. Idempotent.
func (s *Store) CancelBuyIn(roomID, playerID string) (*Room, error) {
	var out *Room
	err := s.withRoom(roomID, func(e *roomEntry) error {
		delete(e.room.BuyInRequests, playerID)
		out = e.room.Clone()
		s.notifyRoom(e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ApproveBuyIn credits the requested amount to the player's wallet.
func (s *Store) ApproveBuyIn(roomID, actorID, targetID string) (*Room, error) {
	var out *Room
	err := s.withRoom(roomID, func(e *roomEntry) error {
		if err := requireBanker(e.room, actorID); err != nil {
			return err
		}
		req, ok := e.room.BuyInRequests[targetID]
		if !ok {
			return ErrRequestNotFound
		}
		if e.room.playerByID(targetID) == nil {
			return ErrPlayerNotFound
		}
		e.room.Wallets[targetID] += req.Amount
		delete(e.room.BuyInRequests, targetID)
		s.audit.RecordAction(roomID, actorID, "player:buyin-approve", map[string]any{
			"target": targetID, "amount": req.Amount,
		})
		out = e.room.Clone()
		s.notifyRoom(e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RejectBuyIn discards a pending buy-in.
func (s *Store) RejectBuyIn(roomID, actorID, targetID string) (*Room, error) {
	var out *Room
	err := s.withRoom(roomID, func(e *roomEntry) error {
		if err := requireBanker(e.room, actorID); err != nil {
			return err
		}
		if _, ok := e.room.BuyInRequests[targetID]; !ok {
			return ErrRequestNotFound
		}
		delete(e.room.BuyInRequests, targetID)
		out = e.room.Clone()
		s.notifyRoom(e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SetBuyInBlock toggles a player's buy-in block; blocking clears any
// pending request.
func (s *Store) SetBuyInBlock(roomID, actorID, targetID string, block bool) (*Room, error) {
	var out *Room
	err := s.withRoom(roomID, func(e *roomEntry) error {
		if err := requireBanker(e.room, actorID); err != nil {
			return err
		}
		if e.room.playerByID(targetID) == nil {
			return ErrPlayerNotFound
		}
		e.room.BuyInBlockedIDs = remove(e.room.BuyInBlockedIDs, targetID)
		if block {
			e.room.BuyInBlockedIDs = append(e.room.BuyInBlockedIDs, targetID)
			delete(e.room.BuyInRequests, targetID)
		}
		out = e.room.Clone()
		s.notifyRoom(e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// TopUpBanker applies a signed delta to the banker's wallet. Replenishing
// during a BANK! decision resumes the stalled round with a fresh banker
// card.
func (s *Store) TopUpBanker(roomID, actorID string, amount int64, note string) (*Room, error) {
	var out *Room
	err := s.withRoom(roomID, func(e *roomEntry) error {
		if err := requireBanker(e.room, actorID); err != nil {
			return err
		}
		if amount == 0 {
			return ErrInvalidAmount
		}
		banker := e.room.banker()
		next := e.room.Wallets[banker.ID] + amount
		if next < 0 {
			return ErrInsufficientBank
		}
		e.room.Wallets[banker.ID] = next
		s.audit.RecordAction(roomID, actorID, "room:banker-topup", map[string]any{
			"amount": amount, "note": sanitizeNote(note),
		})
		s.notifyEvent(roomID, "room:banker-topup", map[string]any{
			"playerId": banker.ID, "amount": amount, "wallet": next,
		})

		if e.round != nil && e.round.BankLock != nil &&
			e.round.BankLock.Stage == kvitlach.BankStageDecision && next > 0 {
			if err := e.round.RedealBanker(); err != nil {
				e.round.BankLock = nil
				e.round.Terminate()
			} else {
				e.round.BankLock = nil
				e.round.Reevaluate()
			}
			s.afterRoundMutation(e)
			s.notifyRound(e)
		}
		out = e.room.Clone()
		s.notifyRoom(e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AdjustPlayerWallet applies a signed banker-authorized delta to any
// player's wallet.
func (s *Store) AdjustPlayerWallet(roomID, actorID, targetID string, amount int64, note string) (*Room, error) {
	var out *Room
	err := s.withRoom(roomID, func(e *roomEntry) error {
		if err := requireBanker(e.room, actorID); err != nil {
			return err
		}
		if amount == 0 {
			return ErrInvalidAmount
		}
		if e.room.playerByID(targetID) == nil {
			return ErrPlayerNotFound
		}
		next := e.room.Wallets[targetID] + amount
		if next < 0 {
			return ErrInsufficientBank
		}
		e.room.Wallets[targetID] = next
		s.audit.RecordAction(roomID, actorID, "player:bank-adjust", map[string]any{
			"target": targetID, "amount": amount, "note": sanitizeNote(note),
		})
		s.notifyEvent(roomID, "player:bank-adjusted", map[string]any{
			"playerId": targetID, "amount": amount, "wallet": next,
		})
		out = e.room.Clone()
		s.notifyRoom(e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func requireBanker(room *Room, actorID string) error {
	actor := room.playerByID(actorID)
	if actor == nil || actor.Role != kvitlach.RoleBanker {
		return ErrForbidden
	}
	return nil
}

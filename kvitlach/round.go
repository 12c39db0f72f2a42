package kvitlach

import "kvitlach-server/card"

// Bet draws the next card for the player's turn and raises their cumulative
// stake. The turn is re-classified after the draw.
func (r *Round) Bet(playerID string, amount int64) error {
	if r.Phase == PhaseTerminate {
		return ErrRoundTerminated
	}
	t := r.TurnByPlayer(playerID)
	if t == nil {
		return ErrTurnNotFound
	}
	if amount <= 0 || t.State != TurnPending {
		return ErrInvalidBet
	}
	if _, err := r.draw(t); err != nil {
		return err
	}
	t.Bet += amount
	if cls := Classify(t.Cards); cls != TurnPending {
		t.State = cls
	}
	r.advance()
	return nil
}

// Hit draws a card without raising the stake.
//
// Eleveroon (forced on for the banker): a drawn 11 that would bust a hand
// whose best total was exactly 11 is marked ignored and excluded from all
// counting. Blatt rule: a non-banker with no stake cannot bust, and
// auto-stands once the best total reaches 20.
func (r *Round) Hit(playerID string, eleveroon bool) error {
	if r.Phase == PhaseTerminate {
		return ErrRoundTerminated
	}
	t := r.TurnByPlayer(playerID)
	if t == nil {
		return ErrTurnNotFound
	}
	if t.State != TurnPending {
		return ErrInvalidBet
	}
	isBanker := t.Player.Role == RoleBanker
	if isBanker {
		eleveroon = true
	}
	prior := BestTotal(t.Cards)
	drawn, err := r.draw(t)
	if err != nil {
		return err
	}
	cls := Classify(t.Cards)
	if eleveroon && cls == TurnLost && prior == 11 && isElevenCard(drawn) {
		t.Cards[len(t.Cards)-1].EleveroonIgnored = true
		cls = Classify(t.Cards)
	}
	if !isBanker && t.Bet == 0 {
		// Blatt draw
		if cls == TurnLost {
			cls = TurnPending
		}
		if cls == TurnPending && BestTotal(t.Cards) >= 20 {
			t.State = TurnStandby
			r.advance()
			return nil
		}
	}
	if cls != TurnPending {
		t.State = cls
	}
	r.advance()
	return nil
}

// Stand commits the turn. A non-banker standing with no stake is a push and
// resolves to won immediately; every other pending turn goes to standby to
// await the banker.
func (r *Round) Stand(playerID string) error {
	if r.Phase == PhaseTerminate {
		return ErrRoundTerminated
	}
	t := r.TurnByPlayer(playerID)
	if t == nil {
		return ErrTurnNotFound
	}
	if t.State != TurnPending {
		// stale auto-stand or duplicate command; nothing to do
		return nil
	}
	if t.Player.Role != RoleBanker && t.Bet == 0 {
		t.State = TurnWon
		zero := int64(0)
		t.SettledBet = &zero
		t.SettledNet = &zero
	} else {
		t.State = TurnStandby
	}
	r.advance()
	return nil
}

// Skip folds the turn out of the round.
func (r *Round) Skip(playerID string) error {
	if r.Phase == PhaseTerminate {
		return ErrRoundTerminated
	}
	t := r.TurnByPlayer(playerID)
	if t == nil {
		return ErrTurnNotFound
	}
	if t.State == TurnPending || t.State == TurnStandby {
		t.State = TurnSkipped
	}
	r.advance()
	return nil
}

func (r *Round) draw(t *Turn) (card.Card, error) {
	if len(r.Deck) == 0 {
		return card.Card{}, ErrDeckEmpty
	}
	c := r.Deck[0]
	r.Deck = r.Deck[1:]
	t.Cards = append(t.Cards, c)
	return c, nil
}

func isElevenCard(c card.Card) bool {
	return len(c.Values) == 1 && c.Values[0] == 11
}

// advance recomputes the round phase after a turn transition. While a BANK!
// lock is in its player/banker stage the showdown sub-machine owns the
// transition and the phase is left alone.
func (r *Round) advance() {
	if r.Phase == PhaseTerminate {
		return
	}
	var pendingNB, resolvedNB, standbyNB int
	for i := range r.Turns {
		t := &r.Turns[i]
		if t.Player.Role == RoleBanker {
			continue
		}
		if t.State == TurnPending {
			pendingNB++
			continue
		}
		resolvedNB++
		if t.State == TurnStandby {
			standbyNB++
		}
	}
	if r.BankLock != nil && r.BankLock.Stage != BankStageDecision {
		if pendingNB > 0 {
			r.Phase = PhasePlaying
		}
		return
	}
	if pendingNB > 0 {
		r.Phase = PhasePlaying
		return
	}
	banker := r.BankerTurn()
	bankerPending := banker != nil && banker.State == TurnPending
	if bankerPending && resolvedNB > 0 && standbyNB > 0 {
		r.Phase = PhaseFinal
		return
	}
	r.Terminate()
}

// Reevaluate recomputes the phase after an external change to the turn
// set (a kicked player, a cleared lock).
func (r *Round) Reevaluate() {
	r.advance()
}

// Terminate closes the round and computes its end-state.
func (r *Round) Terminate() {
	r.Phase = PhaseTerminate
	r.applyEndState()
}

// applyEndState resolves every still-open non-banker turn against the
// banker's final hand and folds the outcome into the banker's turn. The
// Blatt suppression does not apply here: classification comes straight from
// the cards.
func (r *Round) applyEndState() {
	banker := r.BankerTurn()
	if banker == nil {
		return
	}
	var win, lose int64
	for i := range r.Turns {
		t := &r.Turns[i]
		if t.Player.Role == RoleBanker {
			continue
		}
		switch t.State {
		case TurnPending, TurnStandby:
			t.State = compareToBanker(t, banker)
		}
		switch t.State {
		case TurnWon:
			win += t.Bet
			setSettled(t, t.Bet, t.Bet)
		case TurnLost:
			lose += t.Bet
			setSettled(t, t.Bet, -t.Bet)
		}
	}
	// The banker's bet field is overwritten with the signed net result.
	banker.Bet = lose - win
	switch {
	case banker.Bet < 0:
		banker.State = TurnLost
	case Classify(banker.Cards) == TurnWon:
		banker.State = TurnWon
	default:
		banker.State = TurnStandby
	}
}

// compareToBanker resolves an open hand against the banker: exact 21 and
// rosier pairs win outright, busts lose, otherwise the higher best total
// wins with ties going to the banker. A banker auto-21 counts as 21.
func compareToBanker(t, banker *Turn) TurnState {
	switch Classify(t.Cards) {
	case TurnWon:
		return TurnWon
	case TurnLost:
		return TurnLost
	}
	bankerCls := Classify(banker.Cards)
	if bankerCls == TurnLost {
		return TurnWon
	}
	bankerTotal := BestTotal(banker.Cards)
	if bankerCls == TurnWon {
		bankerTotal = Target
	}
	if BestTotal(t.Cards) > bankerTotal {
		return TurnWon
	}
	return TurnLost
}

func setSettled(t *Turn, bet, net int64) {
	if t.SettledBet != nil {
		// already settled during a BANK! showdown; keep that record
		return
	}
	b, n := bet, net
	t.SettledBet = &b
	t.SettledNet = &n
}

// Balances derives the ledger entries of a terminated round: one entry per
// resolved non-banker seat (skipped seats excluded), losses flowing to the
// banker and wins from the banker.
func Balances(turns []Turn) []BalanceEntry {
	var banker *Turn
	for i := range turns {
		if turns[i].Player.Role == RoleBanker {
			banker = &turns[i]
			break
		}
	}
	if banker == nil {
		return nil
	}
	entries := make([]BalanceEntry, 0, len(turns))
	for i := range turns {
		t := &turns[i]
		if t.Player.Role == RoleBanker || t.Bet == 0 {
			continue
		}
		switch t.State {
		case TurnWon:
			entries = append(entries, BalanceEntry{Amount: t.Bet, Payer: banker.Player.ID, Payee: t.Player.ID})
		case TurnLost:
			entries = append(entries, BalanceEntry{Amount: t.Bet, Payer: t.Player.ID, Payee: banker.Player.ID})
		}
	}
	return entries
}

// SettleThrough performs the BANK! interim settlement: every unsettled
// non-banker seat up to and including throughIndex is resolved against the
// banker's current hand, its stake is zeroed and the transfer recorded.
func (r *Round) SettleThrough(throughIndex int) []BalanceEntry {
	banker := r.BankerTurn()
	if banker == nil {
		return nil
	}
	if throughIndex >= len(r.Turns) {
		throughIndex = len(r.Turns) - 1
	}
	entries := make([]BalanceEntry, 0, throughIndex+1)
	for i := 0; i <= throughIndex; i++ {
		t := &r.Turns[i]
		if t.Player.Role == RoleBanker || t.State == TurnSkipped || t.SettledBet != nil {
			continue
		}
		switch t.State {
		case TurnPending, TurnStandby:
			t.State = compareToBanker(t, banker)
		}
		var net int64
		switch t.State {
		case TurnWon:
			net = t.Bet
			if t.Bet != 0 {
				entries = append(entries, BalanceEntry{Amount: t.Bet, Payer: banker.Player.ID, Payee: t.Player.ID})
			}
		case TurnLost:
			net = -t.Bet
			if t.Bet != 0 {
				entries = append(entries, BalanceEntry{Amount: t.Bet, Payer: t.Player.ID, Payee: banker.Player.ID})
			}
		default:
			continue
		}
		bet := t.Bet
		t.SettledBet = &bet
		t.SettledNet = &net
		t.Bet = 0
	}
	return entries
}

// RedealBanker gives the banker a fresh one-card hand after a survived
// BANK! showdown so the main round can resume.
func (r *Round) RedealBanker() error {
	banker := r.BankerTurn()
	if banker == nil {
		return ErrTurnNotFound
	}
	if len(r.Deck) == 0 {
		return ErrDeckEmpty
	}
	banker.Cards = nil
	banker.Bet = 0
	banker.State = TurnPending
	_, err := r.draw(banker)
	return err
}

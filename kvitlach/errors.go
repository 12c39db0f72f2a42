package kvitlach

import "errors"

// Engine error values. The strings are the wire vocabulary and are surfaced
// to clients verbatim.
var (
	ErrRoundTerminated = errors.New("round_terminated")
	ErrInvalidBet      = errors.New("invalid_bet")
	ErrDeckEmpty       = errors.New("deck_empty")
	ErrTurnNotFound    = errors.New("turn_not_found")
)

package store

import "errors"

// Error strings double as the wire vocabulary; clients surface them
// verbatim.
var (
	ErrRoomNotFound      = errors.New("room_not_found")
	ErrRoundNotFound     = errors.New("round_not_found")
	ErrPlayerNotFound    = errors.New("player_not_found")
	ErrInvalidPassword   = errors.New("invalid_password")
	ErrForbidden         = errors.New("forbidden")
	ErrInvalidTarget     = errors.New("invalid_target")
	ErrInvalidBankroll   = errors.New("invalid_bankroll")
	ErrInvalidBankAmount = errors.New("invalid_bank_amount")
	ErrInsufficientFunds = errors.New("insufficient_funds")
	ErrInsufficientBank  = errors.New("insufficient_bank")
	ErrBankEmpty         = errors.New("bank_empty")
	ErrBankLocked        = errors.New("bank_locked")
	ErrBankerDeciding    = errors.New("banker_deciding")
	ErrBankNotInDecision = errors.New("bank_not_in_decision")
	ErrRenameBlocked     = errors.New("rename_blocked")
	ErrBuyInBlocked      = errors.New("buyin_blocked")
	ErrRequestNotFound   = errors.New("request_not_found")
	ErrNotEnoughPlayers  = errors.New("not_enough_players")
	ErrRoundInProgress   = errors.New("round_in_progress")
	ErrInvalidAmount     = errors.New("invalid_payload")

	ErrRoomIDTaken   = errors.New("Game ID taken")
	ErrRoomIDInvalid = errors.New("Game ID invalid")
)

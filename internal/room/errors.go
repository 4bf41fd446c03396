package room

import "errors"

var (
	ErrRoomNotFound     = errors.New("room not found")
	ErrRoomFull         = errors.New("room already has two players")
	ErrNotParticipant   = errors.New("player is not a participant of this room")
	ErrWrongPhase       = errors.New("operation not legal in current phase")
	ErrNotYourTurn      = errors.New("not this player's turn")
	ErrSelfEvaluation   = errors.New("a player cannot evaluate their own response")
	ErrAlreadyEvaluated = errors.New("response has already been evaluated")
	ErrInvalidScores    = errors.New("pillar scores must be between 1 and 10")
	ErrMissingIdentity  = errors.New("room and player identifiers are required")
)

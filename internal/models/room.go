package models

import (
	"time"

	"github.com/google/uuid"
)

// Phase is the authoritative stage of a room's lifecycle. The server is the
// only writer; clients converge to whatever the room row reports.
type Phase string

const (
	PhaseWaitingRoom         Phase = "waiting_room"
	PhaseProximitySelection  Phase = "proximity_selection"
	PhaseLevelSelection      Phase = "level_selection"
	PhaseCardDisplay         Phase = "card_display"
	PhaseResponseInput       Phase = "response_input"
	PhaseResponseEvaluation  Phase = "response_evaluation"
	PhaseLevelUpConfirmation Phase = "level_up_confirmation"
	PhaseFinished            Phase = "finished"
)

// Room is a single two-player session identified by a short code.
type Room struct {
	ID            uuid.UUID  `json:"id"`
	Code          string     `json:"code"`
	Phase         Phase      `json:"phase"`
	CurrentTurn   *uuid.UUID `json:"current_turn,omitempty"`
	CurrentCard   *string    `json:"current_card,omitempty"`
	SelectedLevel int        `json:"selected_level"`
	Round         int        `json:"round"`
	AskedCards    []string   `json:"asked_cards"`
	TurnStartedAt *time.Time `json:"turn_started_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

// RoomMeta is the subset of room data cached in Redis under the join code.
type RoomMeta struct {
	RoomID    uuid.UUID `json:"room_id"`
	HostID    uuid.UUID `json:"host_id"`
	Phase     Phase     `json:"phase"`
	CreatedAt time.Time `json:"created_at"`
}

// LevelSelectionStatus is the outcome of a level vote. There is no fourth
// outcome: equal votes agree, unequal votes mismatch and clear.
type LevelSelectionStatus string

const (
	LevelSelectionWaiting  LevelSelectionStatus = "waiting"
	LevelSelectionAgreed   LevelSelectionStatus = "agreed"
	LevelSelectionMismatch LevelSelectionStatus = "mismatch"
	LevelSelectionError    LevelSelectionStatus = "error"
)

// LevelSelectionResult is returned by the handle_level_selection RPC.
type LevelSelectionResult struct {
	Status        LevelSelectionStatus `json:"status"`
	Message       string               `json:"message,omitempty"`
	SelectedLevel int                  `json:"selected_level,omitempty"`
	CountdownSec  int                  `json:"countdown_sec,omitempty"`
}

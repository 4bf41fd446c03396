package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SyncActionType identifies an ephemeral broadcast event used to accelerate
// convergence between heartbeats.
type SyncActionType string

const (
	SyncActionReady            SyncActionType = "ready"
	SyncActionProximityAnswer  SyncActionType = "proximity_answer"
	SyncActionLevelVote        SyncActionType = "level_vote"
	SyncActionResponseSubmit   SyncActionType = "response_submit"
	SyncActionEvaluationSubmit SyncActionType = "evaluation_submit"
	SyncActionLevelUpVote      SyncActionType = "level_up_vote"
)

// SyncAction is a write-once, read-many event record. Clients must converge
// correctly even if every sync action is dropped; the heartbeat is the
// fallback of record.
type SyncAction struct {
	ID         uuid.UUID       `json:"id"`
	RoomID     uuid.UUID       `json:"room_id"`
	PlayerID   uuid.UUID       `json:"player_id"`
	ActionType SyncActionType  `json:"action_type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// RoomSnapshot is the authoritative state returned by the sync RPC. ServerTime
// lets clients compute deadlines without trusting their own clocks.
type RoomSnapshot struct {
	Room            Room          `json:"room"`
	Participants    []Participant `json:"participants"`
	PendingResponse *Response     `json:"pending_response,omitempty"`
	ServerTime      time.Time     `json:"server_time"`
}

// Opponent returns the participant that is not the given player, if present.
func (s *RoomSnapshot) Opponent(playerID uuid.UUID) *Participant {
	for i := range s.Participants {
		if s.Participants[i].PlayerID != playerID {
			return &s.Participants[i]
		}
	}
	return nil
}

// Me returns the given player's own participant record, if present.
func (s *RoomSnapshot) Me(playerID uuid.UUID) *Participant {
	for i := range s.Participants {
		if s.Participants[i].PlayerID == playerID {
			return &s.Participants[i]
		}
	}
	return nil
}

package models

import (
	"time"

	"github.com/google/uuid"
)

// ConnectionStatus is a player's liveness as last reported by heartbeats.
type ConnectionStatus string

const (
	ConnectionConnected    ConnectionStatus = "connected"
	ConnectionDisconnected ConnectionStatus = "disconnected"
)

// Participant is a player's membership in a room. Created on join, updated on
// every heartbeat, never hard-deleted.
type Participant struct {
	RoomID          uuid.UUID        `json:"room_id"`
	PlayerID        uuid.UUID        `json:"player_id"`
	Ready           bool             `json:"ready"`
	ProximityAnswer *string          `json:"proximity_answer,omitempty"`
	LevelVote       *int             `json:"level_vote,omitempty"`
	LevelUpVote     *bool            `json:"level_up_vote,omitempty"`
	Status          ConnectionStatus `json:"status"`
	LastSeenAt      time.Time        `json:"last_seen_at"`
	JoinedAt        time.Time        `json:"joined_at"`
}

// ConnectionState is the per-player liveness record overwritten on every
// heartbeat; it feeds the change feed's presence stream.
type ConnectionState struct {
	RoomID    uuid.UUID        `json:"room_id"`
	PlayerID  uuid.UUID        `json:"player_id"`
	Status    ConnectionStatus `json:"status"`
	UpdatedAt time.Time        `json:"updated_at"`
}

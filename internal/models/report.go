package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// CompatibilityReport is the AI oracle's output for a finished room. The
// oracle is opaque: Raw carries whatever the analysis endpoint returned.
type CompatibilityReport struct {
	RoomID         uuid.UUID          `json:"room_id"`
	Summary        string             `json:"summary"`
	PillarAverages map[string]float64 `json:"pillar_averages"`
	Raw            json.RawMessage    `json:"raw,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
}

// CreditResult is returned by the consume_credit_for_room RPC.
type CreditResult struct {
	Success    bool   `json:"success"`
	NewBalance int    `json:"new_balance,omitempty"`
	Error      string `json:"error,omitempty"`
}

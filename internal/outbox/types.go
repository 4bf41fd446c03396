package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types written by the room repository alongside each mutation.
const (
	EventRoomStateChanged       = "RoomStateChanged"
	EventConnectionStateChanged = "ConnectionStateChanged"
	EventSyncActionCreated      = "SyncActionCreated"
)

// RoomEvent is one row of the room_outbox table: a durable record of a state
// change, written in the same transaction as the change itself.
type RoomEvent struct {
	ID        uuid.UUID       `json:"id"`
	RoomID    uuid.UUID       `json:"room_id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	SentAt    *time.Time      `json:"sent_at,omitempty"`
}

// Publisher delivers outbox events to the change feed.
type Publisher interface {
	Publish(ctx context.Context, event RoomEvent) error
}

package gateway

import (
	"encoding/json"
	"time"
)

// RoomEvent is the wire format pushed to WebSocket clients. Data carries the
// row-level payload the outbox recorded.
type RoomEvent struct {
	ID        string          `json:"id"`
	RoomID    string          `json:"room_id"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

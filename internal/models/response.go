package models

import (
	"time"

	"github.com/google/uuid"
)

// PillarScores are the four evaluation dimensions a partner applies to a
// response. Values are 1-10.
type PillarScores struct {
	Honesty    int `json:"honesty"`
	Attraction int `json:"attraction"`
	Intimacy   int `json:"intimacy"`
	Surprise   int `json:"surprise"`
}

// Response is one player's answer to one card in one round. It is created on
// submit, mutated exactly once when the partner evaluates it, and immutable
// afterward.
type Response struct {
	ID          uuid.UUID     `json:"id"`
	RoomID      uuid.UUID     `json:"room_id"`
	Round       int           `json:"round"`
	ResponderID uuid.UUID     `json:"responder_id"`
	CardKey     string        `json:"card_key"`
	Text        string        `json:"text"`
	ElapsedMS   int           `json:"elapsed_ms"`
	Scores      *PillarScores `json:"scores,omitempty"`
	EvaluatorID *uuid.UUID    `json:"evaluator_id,omitempty"`
	AIReasoning string        `json:"ai_reasoning,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	EvaluatedAt *time.Time    `json:"evaluated_at,omitempty"`
}

// Evaluated reports whether the partner has scored this response.
func (r *Response) Evaluated() bool {
	return r.EvaluatedAt != nil
}

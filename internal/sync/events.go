package sync

import "github.com/tandemlabs/tandem/internal/models"

// EventType identifies a state-update event surfaced to the presentation
// layer.
type EventType string

const (
	// EventSnapshot carries a full authoritative snapshot from a heartbeat.
	EventSnapshot EventType = "snapshot"
	// EventPhaseChanged fires when the authoritative phase moves.
	EventPhaseChanged EventType = "phase_changed"
	// EventConnectionChanged reports the local player's own connectivity.
	EventConnectionChanged EventType = "connection_changed"
	// EventOpponentChanged reports the opponent's connectivity.
	EventOpponentChanged EventType = "opponent_changed"
	// EventVoteUpdate carries the level-selection submachine's status.
	EventVoteUpdate EventType = "vote_update"
	// EventVoteReset fires when mismatched votes clear and revoting opens.
	EventVoteReset EventType = "vote_reset"
	// EventStuckReset fires when a waiting/agreed vote state is abandoned
	// after going unconfirmed for too long.
	EventStuckReset EventType = "stuck_reset"
	// EventResponseWarning fires once when the response deadline passes.
	EventResponseWarning EventType = "response_warning"
	// EventSyncAction forwards the opponent's broadcast action.
	EventSyncAction EventType = "sync_action"
)

// Event is a single state update delivered to the presentation layer. The
// consumer never learns whether a heartbeat or the change feed produced it.
type Event struct {
	Type      EventType
	Snapshot  *models.RoomSnapshot
	Phase     models.Phase
	Connected bool
	Vote      *models.LevelSelectionResult
	Action    *models.SyncAction
	Message   string
}

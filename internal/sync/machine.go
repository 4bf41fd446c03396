package sync

import (
	stdsync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/tandemlabs/tandem/internal/models"
)

// Machine is the client-side turn/phase state machine. Server snapshots are
// authoritative: every apply overwrites local state, and any optimistic vote
// state is reconciled against what the server reports.
type Machine struct {
	mu       stdsync.Mutex
	playerID uuid.UUID
	clock    clockwork.Clock
	cfg      Config

	snap  *models.RoomSnapshot
	phase models.Phase

	vote      voteState
	voteTimer clockwork.Timer

	events chan Event
	closed bool
}

// voteState tracks the level-selection submechanism between the vote RPC and
// server confirmation.
type voteState struct {
	active bool
	status models.LevelSelectionStatus
	level  int
	since  time.Time
}

func NewMachine(playerID uuid.UUID, cfg Config, clock clockwork.Clock) *Machine {
	return &Machine{
		playerID: playerID,
		clock:    clock,
		cfg:      cfg,
		events:   make(chan Event, 64),
	}
}

// Events is the consolidated state-update stream consumed by the
// presentation layer.
func (m *Machine) Events() <-chan Event {
	return m.events
}

// ApplySnapshot overwrites local state with an authoritative snapshot.
func (m *Machine) ApplySnapshot(snap *models.RoomSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.applyRoomLocked(snap.Room)
	m.snap = snap
	m.reconcileVoteLocked(snap)
	m.emitLocked(Event{Type: EventSnapshot, Snapshot: snap, Phase: snap.Room.Phase})
}

// ApplyRoomState merges a change-feed room row without waiting for the next
// heartbeat.
func (m *Machine) ApplyRoomState(room models.Room) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.applyRoomLocked(room)
	if m.snap != nil {
		m.snap.Room = room
	} else {
		m.snap = &models.RoomSnapshot{Room: room}
	}
}

func (m *Machine) applyRoomLocked(room models.Room) {
	if room.Phase != m.phase {
		old := m.phase
		m.phase = room.Phase
		m.emitLocked(Event{Type: EventPhaseChanged, Phase: room.Phase})
		log.Debug().Str("from", string(old)).Str("to", string(room.Phase)).Msg("phase changed")

		// The server confirmed (or abandoned) the pending vote by moving the
		// room out of level selection.
		if m.vote.active && room.Phase != models.PhaseLevelSelection {
			m.clearVoteLocked()
		}
	}
}

// RecordVote feeds the level-vote RPC result into the submachine. A mismatch
// schedules an automatic reset so the pair can retry; waiting and agreed arm
// the stuck-state timeout.
func (m *Machine) RecordVote(level int, result *models.LevelSelectionResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}

	m.emitLocked(Event{Type: EventVoteUpdate, Vote: result})

	switch result.Status {
	case models.LevelSelectionWaiting, models.LevelSelectionAgreed:
		m.vote = voteState{active: true, status: result.Status, level: level, since: m.clock.Now()}
	case models.LevelSelectionMismatch:
		m.vote = voteState{active: true, status: result.Status, level: level, since: m.clock.Now()}
		m.stopVoteTimerLocked()
		m.voteTimer = m.clock.AfterFunc(m.cfg.MismatchResetDelay, m.resetAfterMismatch)
	case models.LevelSelectionError:
		// Surfaced to the user, no state change.
	}
}

// reconcileVoteLocked checks an optimistic waiting vote against the
// authoritative participant rows. The server clears both votes when the pair
// disagrees, and only the second voter's RPC result reports the mismatch; the
// first voter finds out here, when a snapshot shows the room still in level
// selection but our own vote gone.
func (m *Machine) reconcileVoteLocked(snap *models.RoomSnapshot) {
	if !m.vote.active || m.vote.status != models.LevelSelectionWaiting {
		return
	}
	if snap.Room.Phase != models.PhaseLevelSelection {
		return
	}
	me := snap.Me(m.playerID)
	if me == nil || me.LevelVote != nil {
		return
	}
	m.vote.status = models.LevelSelectionMismatch
	m.vote.since = m.clock.Now()
	m.emitLocked(Event{Type: EventVoteUpdate, Vote: &models.LevelSelectionResult{
		Status:  models.LevelSelectionMismatch,
		Message: "partner chose a different level",
	}})
	m.stopVoteTimerLocked()
	m.voteTimer = m.clock.AfterFunc(m.cfg.MismatchResetDelay, m.resetAfterMismatch)
}

func (m *Machine) resetAfterMismatch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || !m.vote.active || m.vote.status != models.LevelSelectionMismatch {
		return
	}
	m.vote = voteState{}
	m.emitLocked(Event{Type: EventVoteReset, Message: "votes cleared, choose again"})
}

// CheckStuck force-resets a waiting/agreed vote that the server never
// confirmed. Called on every heartbeat tick.
func (m *Machine) CheckStuck(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || !m.vote.active {
		return
	}
	if m.vote.status != models.LevelSelectionWaiting && m.vote.status != models.LevelSelectionAgreed {
		return
	}
	if now.Sub(m.vote.since) < m.cfg.StuckStateTimeout {
		return
	}
	log.Warn().
		Str("status", string(m.vote.status)).
		Dur("waited", now.Sub(m.vote.since)).
		Msg("vote state stuck without server confirmation; resetting")
	m.clearVoteLocked()
	m.emitLocked(Event{Type: EventStuckReset, Message: "selection timed out, choose again"})
}

// ForwardAction surfaces the opponent's broadcast action.
func (m *Machine) ForwardAction(action *models.SyncAction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || action.PlayerID == m.playerID {
		return
	}
	m.emitLocked(Event{Type: EventSyncAction, Action: action})
}

// Phase returns the last authoritative phase.
func (m *Machine) Phase() models.Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Snapshot returns the last authoritative snapshot, which may be nil before
// the first sync.
func (m *Machine) Snapshot() *models.RoomSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

// VotePending reports whether a level vote awaits server confirmation.
func (m *Machine) VotePending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.vote.active
}

// Close tears the machine down. No event fires after Close returns.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.stopVoteTimerLocked()
	close(m.events)
}

// Emit lets sibling components (the monitor) publish onto the consolidated
// stream with the same closed-channel guard.
func (m *Machine) Emit(e Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.emitLocked(e)
}

func (m *Machine) emitLocked(e Event) {
	select {
	case m.events <- e:
	default:
		// A stalled consumer must not block the sync core; the next
		// heartbeat snapshot carries the full state anyway.
		log.Debug().Str("type", string(e.Type)).Msg("event dropped, consumer too slow")
	}
}

func (m *Machine) clearVoteLocked() {
	m.vote = voteState{}
	m.stopVoteTimerLocked()
}

func (m *Machine) stopVoteTimerLocked() {
	if m.voteTimer != nil {
		m.voteTimer.Stop()
		m.voteTimer = nil
	}
}

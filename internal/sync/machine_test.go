package sync

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/tandemlabs/tandem/internal/models"
)

func newTestMachine() (*Machine, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClock()
	return NewMachine(uuid.New(), DefaultConfig(), clock), clock
}

// waitEvent drains the machine's event stream until the wanted type shows up.
func waitEvent(t *testing.T, ch <-chan Event, want EventType) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				t.Fatalf("event channel closed while waiting for %s", want)
			}
			if e.Type == want {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %s", want)
		}
	}
}

func snapshotWithPhase(phase models.Phase) *models.RoomSnapshot {
	return &models.RoomSnapshot{
		Room:       models.Room{ID: uuid.New(), Phase: phase},
		ServerTime: time.Now().UTC(),
	}
}

func TestApplySnapshotOverwritesPhase(t *testing.T) {
	m, _ := newTestMachine()
	defer m.Close()

	m.ApplySnapshot(snapshotWithPhase(models.PhaseProximitySelection))
	if got := m.Phase(); got != models.PhaseProximitySelection {
		t.Fatalf("phase = %s, want %s", got, models.PhaseProximitySelection)
	}
	waitEvent(t, m.Events(), EventPhaseChanged)
	waitEvent(t, m.Events(), EventSnapshot)

	// A second snapshot with the same phase must not re-announce it.
	m.ApplySnapshot(snapshotWithPhase(models.PhaseProximitySelection))
	select {
	case e := <-m.Events():
		if e.Type != EventSnapshot {
			t.Fatalf("got %s, want %s only for an unchanged phase", e.Type, EventSnapshot)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot event")
	}
}

func TestMismatchVoteResetsAfterDelay(t *testing.T) {
	m, clock := newTestMachine()
	defer m.Close()

	m.RecordVote(2, &models.LevelSelectionResult{Status: models.LevelSelectionMismatch})
	waitEvent(t, m.Events(), EventVoteUpdate)
	if !m.VotePending() {
		t.Fatal("vote should be pending right after mismatch")
	}

	clock.Advance(DefaultConfig().MismatchResetDelay + time.Millisecond)
	waitEvent(t, m.Events(), EventVoteReset)
	if m.VotePending() {
		t.Fatal("vote still pending after mismatch reset delay")
	}
}

func TestSnapshotWithClearedVoteReportsMismatch(t *testing.T) {
	clock := clockwork.NewFakeClock()
	self := uuid.New()
	partner := uuid.New()
	m := NewMachine(self, DefaultConfig(), clock)
	defer m.Close()

	// First voter: the RPC result says waiting, the partner's differing vote
	// then makes the server clear both rows while the phase stays put.
	m.RecordVote(2, &models.LevelSelectionResult{Status: models.LevelSelectionWaiting})
	waitEvent(t, m.Events(), EventVoteUpdate)

	m.ApplySnapshot(&models.RoomSnapshot{
		Room: models.Room{ID: uuid.New(), Phase: models.PhaseLevelSelection},
		Participants: []models.Participant{
			{PlayerID: self},
			{PlayerID: partner},
		},
		ServerTime: time.Now().UTC(),
	})

	e := waitEvent(t, m.Events(), EventVoteUpdate)
	if e.Vote == nil || e.Vote.Status != models.LevelSelectionMismatch {
		t.Fatalf("vote event = %+v, want mismatch", e.Vote)
	}

	clock.Advance(DefaultConfig().MismatchResetDelay + time.Millisecond)
	waitEvent(t, m.Events(), EventVoteReset)
	if m.VotePending() {
		t.Fatal("vote still pending after the server cleared it and the reset delay passed")
	}
}

func TestSnapshotWithOwnVoteIntactKeepsWaiting(t *testing.T) {
	clock := clockwork.NewFakeClock()
	self := uuid.New()
	m := NewMachine(self, DefaultConfig(), clock)
	defer m.Close()

	m.RecordVote(2, &models.LevelSelectionResult{Status: models.LevelSelectionWaiting})
	waitEvent(t, m.Events(), EventVoteUpdate)

	vote := 2
	m.ApplySnapshot(&models.RoomSnapshot{
		Room:         models.Room{ID: uuid.New(), Phase: models.PhaseLevelSelection},
		Participants: []models.Participant{{PlayerID: self, LevelVote: &vote}},
		ServerTime:   time.Now().UTC(),
	})

	waitEvent(t, m.Events(), EventSnapshot)
	if !m.VotePending() {
		t.Fatal("waiting vote dropped even though the server still holds it")
	}
}

func TestStuckWaitingVoteResets(t *testing.T) {
	m, clock := newTestMachine()
	defer m.Close()

	m.RecordVote(1, &models.LevelSelectionResult{Status: models.LevelSelectionWaiting})
	m.CheckStuck(clock.Now().Add(DefaultConfig().StuckStateTimeout - time.Second))
	if !m.VotePending() {
		t.Fatal("vote reset before the stuck timeout")
	}

	m.CheckStuck(clock.Now().Add(DefaultConfig().StuckStateTimeout + time.Second))
	waitEvent(t, m.Events(), EventStuckReset)
	if m.VotePending() {
		t.Fatal("vote still pending after stuck timeout")
	}
}

func TestServerPhaseMoveClearsPendingVote(t *testing.T) {
	m, _ := newTestMachine()
	defer m.Close()

	m.RecordVote(1, &models.LevelSelectionResult{Status: models.LevelSelectionAgreed, SelectedLevel: 1})
	m.ApplyRoomState(models.Room{ID: uuid.New(), Phase: models.PhaseCardDisplay})
	if m.VotePending() {
		t.Fatal("server confirmed the vote by advancing, local vote state should clear")
	}
}

func TestForwardActionFiltersSelf(t *testing.T) {
	clock := clockwork.NewFakeClock()
	self := uuid.New()
	m := NewMachine(self, DefaultConfig(), clock)
	defer m.Close()

	m.ForwardAction(&models.SyncAction{ID: uuid.New(), PlayerID: self, ActionType: models.SyncActionReady})
	m.ForwardAction(&models.SyncAction{ID: uuid.New(), PlayerID: uuid.New(), ActionType: models.SyncActionReady})

	e := waitEvent(t, m.Events(), EventSyncAction)
	if e.Action.PlayerID == self {
		t.Fatal("self-originated action leaked through the filter")
	}
	select {
	case extra, ok := <-m.Events():
		if ok {
			t.Fatalf("unexpected extra event %s", extra.Type)
		}
	default:
	}
}

func TestNoEventsAfterClose(t *testing.T) {
	m, clock := newTestMachine()

	m.RecordVote(2, &models.LevelSelectionResult{Status: models.LevelSelectionMismatch})
	m.Close()

	// Neither the pending mismatch timer nor new applies may produce effects.
	clock.Advance(DefaultConfig().MismatchResetDelay * 2)
	m.ApplySnapshot(snapshotWithPhase(models.PhaseCardDisplay))
	m.ForwardAction(&models.SyncAction{ID: uuid.New(), PlayerID: uuid.New()})
	m.Emit(Event{Type: EventResponseWarning})

	for e := range m.Events() {
		if e.Type == EventVoteReset || e.Type == EventSnapshot || e.Type == EventResponseWarning {
			t.Fatalf("event %s fired after Close", e.Type)
		}
	}
	if got := m.Phase(); got == models.PhaseCardDisplay {
		t.Fatal("snapshot applied after Close")
	}
}

package sync

import (
	"encoding/json"
	stdsync "sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/tandemlabs/tandem/internal/models"
	"github.com/tandemlabs/tandem/internal/outbox"
)

type feedHarness struct {
	listener *FeedListener
	machine  *Machine
	monitor  *Monitor
	rec      *eventRecorder
	self     uuid.UUID
	opponent uuid.UUID
}

// newFeedHarness wires a listener without a broker; tests feed raw payloads
// straight into the message handler.
func newFeedHarness() *feedHarness {
	clock := clockwork.NewFakeClock()
	cfg := DefaultConfig()
	self := uuid.New()
	rec := &eventRecorder{}

	machine := NewMachine(self, cfg, clock)
	monitor := NewMonitor(self, cfg, clock, machine.Emit, rec.syncNow)
	listener := &FeedListener{
		roomID:   uuid.New(),
		playerID: self,
		machine:  machine,
		monitor:  monitor,
		syncNow:  rec.syncNow,
	}
	return &feedHarness{
		listener: listener,
		machine:  machine,
		monitor:  monitor,
		rec:      rec,
		self:     self,
		opponent: uuid.New(),
	}
}

func envelope(t *testing.T, eventType string, payload any) []byte {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	data, err := json.Marshal(feedEnvelope{
		EventID:   uuid.NewString(),
		EventType: eventType,
		RoomID:    uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return data
}

func TestFeedAppliesRoomStateImmediately(t *testing.T) {
	h := newFeedHarness()
	defer h.machine.Close()

	room := models.Room{ID: uuid.New(), Phase: models.PhaseCardDisplay, Round: 1}
	h.listener.handleMessage(envelope(t, outbox.EventRoomStateChanged, room))

	if got := h.machine.Phase(); got != models.PhaseCardDisplay {
		t.Fatalf("machine phase = %s, want %s (feed should bypass the heartbeat)", got, models.PhaseCardDisplay)
	}
}

func TestFeedUpdatesOpponentPresence(t *testing.T) {
	h := newFeedHarness()
	defer h.machine.Close()

	h.listener.handleMessage(envelope(t, outbox.EventConnectionStateChanged, models.ConnectionState{
		PlayerID: h.opponent,
		Status:   models.ConnectionConnected,
	}))
	if !h.monitor.OpponentConnected() {
		t.Fatal("opponent presence not applied from the feed")
	}

	// A presence echo for ourselves must be ignored.
	h.listener.handleMessage(envelope(t, outbox.EventConnectionStateChanged, models.ConnectionState{
		PlayerID: h.self,
		Status:   models.ConnectionDisconnected,
	}))
	if !h.monitor.OpponentConnected() {
		t.Fatal("self presence echo flipped the opponent flag")
	}
}

func TestFeedSyncActionTriggersImmediatePull(t *testing.T) {
	h := newFeedHarness()
	defer h.machine.Close()

	h.listener.handleMessage(envelope(t, outbox.EventSyncActionCreated, models.SyncAction{
		ID:         uuid.New(),
		PlayerID:   h.opponent,
		ActionType: models.SyncActionResponseSubmit,
	}))
	if got := h.rec.syncCount(); got != 1 {
		t.Fatalf("sync requests = %d, want 1", got)
	}

	// Our own action echo must not trigger another pull.
	h.listener.handleMessage(envelope(t, outbox.EventSyncActionCreated, models.SyncAction{
		ID:         uuid.New(),
		PlayerID:   h.self,
		ActionType: models.SyncActionResponseSubmit,
	}))
	if got := h.rec.syncCount(); got != 1 {
		t.Fatalf("sync requests = %d, want still 1 after self echo", got)
	}
}

func TestFeedIgnoresMalformedAndUnknownEvents(t *testing.T) {
	h := newFeedHarness()
	defer h.machine.Close()

	h.listener.handleMessage([]byte("not json"))
	h.listener.handleMessage(envelope(t, "SomethingElse", map[string]string{"x": "y"}))
	h.listener.handleMessage(envelope(t, outbox.EventRoomStateChanged, "not a room"))

	if got := h.machine.Phase(); got != "" {
		t.Fatalf("machine phase mutated by garbage input: %s", got)
	}
}

func TestCloseSerializesWithDispatch(t *testing.T) {
	h := newFeedHarness()
	defer h.machine.Close()

	msg := envelope(t, outbox.EventRoomStateChanged, models.Room{ID: uuid.New(), Phase: models.PhaseCardDisplay})
	var wg stdsync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.listener.handleMessage(msg)
		}()
	}

	if err := h.listener.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Whatever state the machine is in when Close returns is final; a
	// handler still in flight must not apply anything past this point.
	phaseAtClose := h.machine.Phase()
	wg.Wait()

	if got := h.machine.Phase(); got != phaseAtClose {
		t.Fatalf("room state applied after Close returned: %q -> %q", phaseAtClose, got)
	}
}

func TestNoMutationAfterTeardown(t *testing.T) {
	h := newFeedHarness()
	defer h.machine.Close()

	if err := h.listener.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	room := models.Room{ID: uuid.New(), Phase: models.PhaseFinished}
	h.listener.handleMessage(envelope(t, outbox.EventRoomStateChanged, room))
	h.listener.handleMessage(envelope(t, outbox.EventSyncActionCreated, models.SyncAction{
		ID:       uuid.New(),
		PlayerID: h.opponent,
	}))

	if got := h.machine.Phase(); got != "" {
		t.Fatal("room state applied through a torn-down subscription")
	}
	if got := h.rec.syncCount(); got != 0 {
		t.Fatal("sync requested through a torn-down subscription")
	}
}

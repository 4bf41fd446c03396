package sync

import (
	stdsync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/tandemlabs/tandem/internal/models"
)

// Monitor tracks connectivity and the response deadline. Self-connectivity
// derives from heartbeat outcomes; opponent connectivity from snapshots and
// the change feed's presence events.
type Monitor struct {
	mu       stdsync.Mutex
	playerID uuid.UUID
	cfg      Config
	clock    clockwork.Clock

	emit    func(Event)
	syncNow func()

	isConnected       bool
	opponentConnected bool
	failures          int

	// Response deadline tracking, converted to local clock time using the
	// snapshot's server time so the client's own clock is never trusted.
	responseDeadline time.Time
	deadlineArmed    bool
	warned           bool
	graceFired       bool
}

func NewMonitor(playerID uuid.UUID, cfg Config, clock clockwork.Clock, emit func(Event), syncNow func()) *Monitor {
	return &Monitor{
		playerID: playerID,
		cfg:      cfg,
		clock:    clock,
		emit:     emit,
		syncNow:  syncNow,
		// Optimistic until the first heartbeat settles it.
		isConnected: true,
	}
}

// RecordSyncSuccess marks the local player connected again.
func (m *Monitor) RecordSyncSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = 0
	if !m.isConnected {
		m.isConnected = true
		m.emit(Event{Type: EventConnectionChanged, Connected: true})
	}
}

// RecordSyncFailure counts a failed heartbeat; past the threshold the local
// indicator flips to disconnected.
func (m *Monitor) RecordSyncFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures++
	if m.failures >= m.cfg.FailureThreshold && m.isConnected {
		m.isConnected = false
		m.emit(Event{Type: EventConnectionChanged, Connected: false})
		log.Warn().Int("failures", m.failures).Msg("heartbeat failing, marking self disconnected")
	}
}

// Observe reconciles opponent presence and the response deadline from an
// authoritative snapshot.
func (m *Monitor) Observe(snap *models.RoomSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if opp := snap.Opponent(m.playerID); opp != nil {
		m.setOpponentLocked(opp.Status == models.ConnectionConnected)
	}

	room := snap.Room
	if room.Phase == models.PhaseResponseInput && room.TurnStartedAt != nil {
		deadline := room.TurnStartedAt.Add(m.cfg.ResponseTimeout)
		remaining := deadline.Sub(snap.ServerTime)
		m.responseDeadline = m.clock.Now().Add(remaining)
		m.deadlineArmed = true
	} else if m.deadlineArmed {
		// The round moved on; disarm and forget.
		m.deadlineArmed = false
		m.warned = false
		m.graceFired = false
	}
}

// ObserveOpponentConnection applies a change-feed presence event for the
// other player.
func (m *Monitor) ObserveOpponentConnection(playerID uuid.UUID, status models.ConnectionStatus) {
	if playerID == m.playerID {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setOpponentLocked(status == models.ConnectionConnected)
}

func (m *Monitor) setOpponentLocked(connected bool) {
	if m.opponentConnected == connected {
		return
	}
	m.opponentConnected = connected
	m.emit(Event{Type: EventOpponentChanged, Connected: connected})
}

// Tick checks the response deadline. The warning fires exactly once per
// armed deadline; after the grace period an extra heartbeat is requested so
// the server can force-advance the stalled round.
func (m *Monitor) Tick(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.deadlineArmed {
		return
	}
	if !m.warned && now.After(m.responseDeadline) {
		m.warned = true
		m.emit(Event{Type: EventResponseWarning, Message: "response time is up"})
	}
	if m.warned && !m.graceFired && now.After(m.responseDeadline.Add(m.cfg.GracePeriod)) {
		m.graceFired = true
		log.Info().Msg("grace period elapsed, requesting server-side recovery")
		m.syncNow()
	}
}

// IsConnected reports the local player's connectivity.
func (m *Monitor) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isConnected
}

// OpponentConnected reports the opponent's connectivity.
func (m *Monitor) OpponentConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opponentConnected
}

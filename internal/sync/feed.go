package sync

import (
	"encoding/json"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
	"github.com/tandemlabs/tandem/internal/models"
	"github.com/tandemlabs/tandem/internal/outbox"
)

// feedEnvelope mirrors what the outbox relay publishes per event.
type feedEnvelope struct {
	EventID   string          `json:"eventId"`
	EventType string          `json:"eventType"`
	RoomID    string          `json:"roomId"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// FeedListener subscribes to the room's change feed and applies low-latency
// updates between heartbeat ticks. Delivery is at-least-once and unordered;
// everything it does must also hold under pure polling.
type FeedListener struct {
	mu     stdsync.Mutex
	nc     *nats.Conn
	sub    *nats.Subscription
	closed bool

	roomID   uuid.UUID
	playerID uuid.UUID
	machine  *Machine
	monitor  *Monitor
	syncNow  func()
}

func NewFeedListener(natsURL string, roomID, playerID uuid.UUID, machine *Machine, monitor *Monitor, syncNow func()) (*FeedListener, error) {
	nc, err := nats.Connect(natsURL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("change feed disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Msg("change feed reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	l := &FeedListener{
		nc:       nc,
		roomID:   roomID,
		playerID: playerID,
		machine:  machine,
		monitor:  monitor,
		syncNow:  syncNow,
	}

	subject := fmt.Sprintf("room.events.%s", roomID)
	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		l.handleMessage(msg.Data)
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", subject, err)
	}
	l.sub = sub

	log.Info().Str("subject", subject).Msg("change feed subscribed")
	return l, nil
}

// handleMessage routes one feed event. The mutex is held for the whole
// dispatch: once Close has taken it and marked the listener closed, no
// handler touches machine or monitor state again.
func (l *FeedListener) handleMessage(data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}

	var env feedEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Warn().Err(err).Msg("malformed change feed event")
		return
	}

	switch env.EventType {
	case outbox.EventRoomStateChanged:
		var room models.Room
		if err := json.Unmarshal(env.Payload, &room); err != nil {
			log.Warn().Err(err).Msg("malformed room state payload")
			return
		}
		l.machine.ApplyRoomState(room)

	case outbox.EventConnectionStateChanged:
		var conn models.ConnectionState
		if err := json.Unmarshal(env.Payload, &conn); err != nil {
			log.Warn().Err(err).Msg("malformed connection state payload")
			return
		}
		l.monitor.ObserveOpponentConnection(conn.PlayerID, conn.Status)

	case outbox.EventSyncActionCreated:
		var action models.SyncAction
		if err := json.Unmarshal(env.Payload, &action); err != nil {
			log.Warn().Err(err).Msg("malformed sync action payload")
			return
		}
		// Self-originated actions are echoes of our own RPCs.
		if action.PlayerID == l.playerID {
			return
		}
		l.machine.ForwardAction(&action)
		// The action is only an accelerant; pull the authoritative state.
		l.syncNow()

	default:
		log.Debug().Str("event_type", env.EventType).Msg("ignoring unknown feed event")
	}
}

// Close tears down the subscription. After it returns, no handler mutates
// machine or monitor state again.
func (l *FeedListener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	var err error
	if l.sub != nil {
		err = l.sub.Unsubscribe()
	}
	if l.nc != nil {
		l.nc.Close()
	}
	return err
}

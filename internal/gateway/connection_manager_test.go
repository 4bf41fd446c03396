package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type gatewayEnv struct {
	t       *testing.T
	cm      *ConnectionManager
	server  *httptest.Server
	roomIDs chan uuid.UUID
}

// newGatewayEnv runs a manager with a bare upgrade endpoint; tests pick the
// room per connection via the X-Room-ID header.
func newGatewayEnv(t *testing.T) *gatewayEnv {
	t.Helper()
	cm := NewConnectionManager(DefaultConnectionConfig())

	ctx, cancel := context.WithCancel(context.Background())
	go cm.Start(ctx)
	t.Cleanup(cancel)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		roomID, err := uuid.Parse(r.Header.Get("X-Room-ID"))
		if err != nil {
			http.Error(w, "bad room id", http.StatusBadRequest)
			return
		}
		if err := cm.UpgradeConnection(w, r, uuid.New(), roomID); err != nil {
			t.Errorf("UpgradeConnection: %v", err)
		}
	}))
	t.Cleanup(server.Close)

	return &gatewayEnv{t: t, cm: cm, server: server}
}

func (e *gatewayEnv) dial(roomID uuid.UUID) *websocket.Conn {
	e.t.Helper()
	wsURL := "ws" + strings.TrimPrefix(e.server.URL, "http")
	header := http.Header{"X-Room-ID": []string{roomID.String()}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		e.t.Fatalf("dial: %v", err)
	}
	e.t.Cleanup(func() { conn.Close() })
	return conn
}

func (e *gatewayEnv) waitForConnections(want int) {
	e.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if total, _ := e.cm.Stats(); total == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	total, _ := e.cm.Stats()
	e.t.Fatalf("connections = %d, want %d", total, want)
}

func roomEvent(roomID uuid.UUID, eventType string) *RoomEvent {
	return &RoomEvent{
		ID:        uuid.New().String(),
		RoomID:    roomID.String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      json.RawMessage(`{"phase":"card_display"}`),
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) *RoomEvent {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var event RoomEvent
	if err := json.Unmarshal(data, &event); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return &event
}

func TestBroadcastReachesEveryRoomConnection(t *testing.T) {
	e := newGatewayEnv(t)
	roomID := uuid.New()

	first := e.dial(roomID)
	second := e.dial(roomID)
	e.waitForConnections(2)

	e.cm.BroadcastToRoom(roomID, roomEvent(roomID, "RoomStateChanged"))

	for _, conn := range []*websocket.Conn{first, second} {
		event := readEvent(t, conn)
		if event.Type != "RoomStateChanged" {
			t.Errorf("Type = %q", event.Type)
		}
		if event.RoomID != roomID.String() {
			t.Errorf("RoomID = %q, want %q", event.RoomID, roomID)
		}
	}
}

func TestBroadcastDoesNotLeakAcrossRooms(t *testing.T) {
	e := newGatewayEnv(t)
	roomA := uuid.New()
	roomB := uuid.New()

	connA := e.dial(roomA)
	connB := e.dial(roomB)
	e.waitForConnections(2)

	e.cm.BroadcastToRoom(roomA, roomEvent(roomA, "RoomStateChanged"))
	e.cm.BroadcastToRoom(roomA, roomEvent(roomA, "SyncActionCreated"))

	if event := readEvent(t, connA); event.Type != "RoomStateChanged" {
		t.Errorf("first event type = %q", event.Type)
	}

	connB.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	if _, _, err := connB.ReadMessage(); err == nil {
		t.Fatal("room B received room A's event")
	}
}

func TestClosedConnectionIsUnregistered(t *testing.T) {
	e := newGatewayEnv(t)
	roomID := uuid.New()

	conn := e.dial(roomID)
	e.waitForConnections(1)

	conn.Close()
	e.waitForConnections(0)

	if _, rooms := e.cm.Stats(); rooms != 0 {
		t.Errorf("active rooms = %d, want 0", rooms)
	}
}

package sync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/tandemlabs/tandem/internal/models"
)

func fakeServer(t *testing.T) (*httptest.Server, uuid.UUID) {
	t.Helper()
	roomID := uuid.New()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/rooms", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(sessionInfo{
			Room:     &models.Room{ID: roomID, Code: "AB12CD", Phase: models.PhaseWaitingRoom},
			PlayerID: uuid.New(),
			Token:    "test-token",
		})
	})
	mux.HandleFunc("POST /api/rooms/{id}/sync", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Authorization = %q", got)
		}
		json.NewEncoder(w).Encode(models.RoomSnapshot{
			Room:       models.Room{ID: roomID, Phase: models.PhaseWaitingRoom},
			ServerTime: time.Now().UTC(),
		})
	})
	mux.HandleFunc("POST /api/rooms/{id}/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{"error": "room is not waiting"})
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, roomID
}

func TestCreateRoomBindsIdentityAndToken(t *testing.T) {
	server, roomID := fakeServer(t)

	client, room, err := CreateRoom(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if room.Code != "AB12CD" {
		t.Errorf("Code = %q", room.Code)
	}
	if client.RoomID != roomID {
		t.Errorf("RoomID = %s, want %s", client.RoomID, roomID)
	}
	if client.PlayerID == uuid.Nil {
		t.Error("PlayerID not bound")
	}
	if client.Token() != "test-token" {
		t.Errorf("Token = %q", client.Token())
	}

	snap, err := client.SyncGameState(context.Background())
	if err != nil {
		t.Fatalf("SyncGameState: %v", err)
	}
	if snap.Room.ID != roomID {
		t.Errorf("snapshot room = %s", snap.Room.ID)
	}
}

func TestServerErrorsSurfaceAsAPIError(t *testing.T) {
	server, _ := fakeServer(t)

	client, _, err := CreateRoom(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	err = client.SetReady(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.Status != http.StatusConflict {
		t.Errorf("Status = %d, want 409", apiErr.Status)
	}
	if apiErr.Message != "room is not waiting" {
		t.Errorf("Message = %q", apiErr.Message)
	}
}

func TestUnestablishedClientFailsLocally(t *testing.T) {
	// No server at all: the guard must reject before any network call.
	client := &Client{baseURL: "http://127.0.0.1:1", httpc: &http.Client{Timeout: time.Second}}

	if _, err := client.SyncGameState(context.Background()); !errors.Is(err, ErrNoSession) {
		t.Fatalf("err = %v, want ErrNoSession", err)
	}
	if err := client.SetReady(context.Background()); !errors.Is(err, ErrNoSession) {
		t.Fatalf("err = %v, want ErrNoSession", err)
	}
}

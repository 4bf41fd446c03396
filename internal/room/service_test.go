package room

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/tandemlabs/tandem/internal/auth"
	"github.com/tandemlabs/tandem/internal/deck"
	"github.com/tandemlabs/tandem/internal/models"
)

type httpEnv struct {
	t   *testing.T
	mux *http.ServeMux
}

func newHTTPEnv(t *testing.T) *httpEnv {
	t.Helper()
	app := NewApp(newFakeRepo(), deck.Default(), nil, DefaultConfig())
	mux := http.NewServeMux()
	NewService(app, auth.NewService(), "http://localhost:8080").RegisterRoutes(mux)
	return &httpEnv{t: t, mux: mux}
}

func (e *httpEnv) request(method, path, token string, body any) *httptest.ResponseRecorder {
	e.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			e.t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

func (e *httpEnv) decode(rec *httptest.ResponseRecorder, out any) {
	e.t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		e.t.Fatalf("decode response: %v (body %s)", err, rec.Body.String())
	}
}

func (e *httpEnv) createRoom() joinResponse {
	e.t.Helper()
	rec := e.request(http.MethodPost, "/api/rooms", "", nil)
	if rec.Code != http.StatusCreated {
		e.t.Fatalf("create room status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp joinResponse
	e.decode(rec, &resp)
	return resp
}

func (e *httpEnv) joinRoom(code string) joinResponse {
	e.t.Helper()
	rec := e.request(http.MethodPost, "/api/rooms/"+code+"/join", "", nil)
	if rec.Code != http.StatusOK {
		e.t.Fatalf("join room status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp joinResponse
	e.decode(rec, &resp)
	return resp
}

func TestCreateRoomReturnsCodeAndToken(t *testing.T) {
	e := newHTTPEnv(t)

	resp := e.createRoom()
	if resp.Room == nil || len(resp.Room.Code) != 6 {
		t.Fatalf("room = %+v", resp.Room)
	}
	if resp.Token == "" {
		t.Error("no token minted")
	}
	if resp.Room.Phase != models.PhaseWaitingRoom {
		t.Errorf("phase = %s, want waiting_room", resp.Room.Phase)
	}
}

func TestJoinUnknownCodeReturns404(t *testing.T) {
	e := newHTTPEnv(t)

	rec := e.request(http.MethodPost, "/api/rooms/ZZZZZZ/join", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestReadyFlowAdvancesOverHTTP(t *testing.T) {
	e := newHTTPEnv(t)
	host := e.createRoom()
	guest := e.joinRoom(host.Room.Code)
	roomPath := "/api/rooms/" + host.Room.ID.String()

	for _, token := range []string{host.Token, guest.Token} {
		rec := e.request(http.MethodPost, roomPath+"/ready", token, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("ready status = %d, body = %s", rec.Code, rec.Body.String())
		}
	}

	rec := e.request(http.MethodPost, roomPath+"/sync", host.Token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("sync status = %d", rec.Code)
	}
	var snap models.RoomSnapshot
	e.decode(rec, &snap)
	if snap.Room.Phase != models.PhaseProximitySelection {
		t.Errorf("phase = %s, want proximity_selection", snap.Room.Phase)
	}
	if snap.ServerTime.IsZero() {
		t.Error("snapshot carries no server time")
	}
}

func TestRoomRoutesRejectForeignToken(t *testing.T) {
	e := newHTTPEnv(t)
	first := e.createRoom()
	second := e.createRoom()

	rec := e.request(http.MethodPost, "/api/rooms/"+first.Room.ID.String()+"/ready", second.Token, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestRoomRoutesRequireToken(t *testing.T) {
	e := newHTTPEnv(t)
	resp := e.createRoom()

	rec := e.request(http.MethodPost, "/api/rooms/"+resp.Room.ID.String()+"/sync", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestLevelSelectionOverHTTP(t *testing.T) {
	e := newHTTPEnv(t)
	host := e.createRoom()
	guest := e.joinRoom(host.Room.Code)
	roomPath := "/api/rooms/" + host.Room.ID.String()

	for _, p := range []joinResponse{host, guest} {
		if rec := e.request(http.MethodPost, roomPath+"/ready", p.Token, nil); rec.Code != http.StatusOK {
			t.Fatalf("ready: %d", rec.Code)
		}
	}
	for _, p := range []joinResponse{host, guest} {
		rec := e.request(http.MethodPost, roomPath+"/proximity", p.Token, map[string]string{"answer": "together"})
		if rec.Code != http.StatusOK {
			t.Fatalf("proximity: %d body %s", rec.Code, rec.Body.String())
		}
	}

	rec := e.request(http.MethodPost, roomPath+"/level", host.Token, map[string]int{"level": 2})
	if rec.Code != http.StatusOK {
		t.Fatalf("level status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var result models.LevelSelectionResult
	e.decode(rec, &result)
	if result.Status != models.LevelSelectionWaiting {
		t.Errorf("status = %s, want waiting", result.Status)
	}

	rec = e.request(http.MethodPost, roomPath+"/level", guest.Token, map[string]int{"level": 2})
	if rec.Code != http.StatusOK {
		t.Fatalf("level status = %d", rec.Code)
	}
	e.decode(rec, &result)
	if result.Status != models.LevelSelectionAgreed {
		t.Errorf("status = %s, want agreed", result.Status)
	}
	if result.SelectedLevel != 2 {
		t.Errorf("selected level = %d, want 2", result.SelectedLevel)
	}
}

func TestJoinQRReturnsPNG(t *testing.T) {
	e := newHTTPEnv(t)
	resp := e.createRoom()

	rec := e.request(http.MethodGet, "/api/rooms/"+resp.Room.Code+"/qr", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q", ct)
	}
	if !bytes.HasPrefix(rec.Body.Bytes(), []byte("\x89PNG")) {
		t.Error("body is not a PNG")
	}
}

func TestEvaluationRejectsScoresOutOfRangeOverHTTP(t *testing.T) {
	e := newHTTPEnv(t)
	host := e.createRoom()
	_ = e.joinRoom(host.Room.Code)

	rec := e.request(http.MethodPost,
		"/api/rooms/"+host.Room.ID.String()+"/responses/"+uuid.NewString()+"/evaluation",
		host.Token, models.PillarScores{Honesty: 11, Attraction: 5, Intimacy: 5, Surprise: 5})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

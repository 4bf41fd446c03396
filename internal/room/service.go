package room

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	qrcode "github.com/skip2/go-qrcode"
	"github.com/tandemlabs/tandem/internal/auth"
	"github.com/tandemlabs/tandem/internal/models"
)

// Service exposes the room RPCs as JSON over HTTP.
type Service struct {
	app     *App
	auth    *auth.Service
	joinURL string // base URL encoded into join QR codes
}

func NewService(app *App, authSvc *auth.Service, joinURL string) *Service {
	return &Service{app: app, auth: authSvc, joinURL: joinURL}
}

// RegisterRoutes registers room routes with an HTTP mux. Everything except
// create/join/QR requires a player token.
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/rooms", s.handleCreateRoom)
	mux.HandleFunc("POST /api/rooms/{code}/join", s.handleJoinRoom)
	mux.HandleFunc("GET /api/rooms/{code}/qr", s.handleJoinQR)

	authed := func(h http.HandlerFunc) http.Handler { return s.auth.RequirePlayer(h) }
	mux.Handle("POST /api/rooms/{id}/ready", authed(s.handleReady))
	mux.Handle("POST /api/rooms/{id}/sync", authed(s.handleSync))
	mux.Handle("POST /api/rooms/{id}/proximity", authed(s.handleProximity))
	mux.Handle("POST /api/rooms/{id}/level", authed(s.handleLevelSelection))
	mux.Handle("POST /api/rooms/{id}/card/confirm", authed(s.handleConfirmCard))
	mux.Handle("POST /api/rooms/{id}/responses", authed(s.handleSubmitResponse))
	mux.Handle("POST /api/rooms/{id}/responses/{responseID}/evaluation", authed(s.handleSubmitEvaluation))
	mux.Handle("POST /api/rooms/{id}/levelup", authed(s.handleLevelUp))
	mux.Handle("POST /api/rooms/{id}/finish", authed(s.handleFinish))
}

type joinResponse struct {
	Room     *models.Room `json:"room"`
	PlayerID uuid.UUID    `json:"player_id"`
	Token    string       `json:"token"`
}

func (s *Service) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PlayerID string `json:"player_id,omitempty"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	playerID := uuid.New()
	if req.PlayerID != "" {
		id, err := uuid.Parse(req.PlayerID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid player_id")
			return
		}
		playerID = id
	}

	room, err := s.app.CreateRoom(r.Context(), playerID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	token, err := s.auth.MintPlayerToken(playerID, room.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to mint token")
		return
	}
	writeJSON(w, http.StatusCreated, joinResponse{Room: room, PlayerID: playerID, Token: token})
}

func (s *Service) handleJoinRoom(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	if code == "" {
		writeError(w, http.StatusBadRequest, "room code is required")
		return
	}

	var req struct {
		PlayerID string `json:"player_id,omitempty"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	playerID := uuid.New()
	if req.PlayerID != "" {
		id, err := uuid.Parse(req.PlayerID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid player_id")
			return
		}
		playerID = id
	}

	room, err := s.app.JoinRoom(r.Context(), code, playerID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	token, err := s.auth.MintPlayerToken(playerID, room.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to mint token")
		return
	}
	writeJSON(w, http.StatusOK, joinResponse{Room: room, PlayerID: playerID, Token: token})
}

func (s *Service) handleJoinQR(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	if _, err := s.app.GetRoomByCode(r.Context(), code); err != nil {
		writeAppError(w, err)
		return
	}

	png, err := qrcode.Encode(s.joinURL+"/join/"+code, qrcode.Medium, 256)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to encode QR code")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(png); err != nil {
		log.Error().Err(err).Msg("failed to write QR response")
	}
}

// roomAndPlayer validates the path room id against the token's claims.
func (s *Service) roomAndPlayer(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	roomID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid room id")
		return uuid.Nil, uuid.Nil, false
	}
	playerID, ok := auth.PlayerID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing player identity")
		return uuid.Nil, uuid.Nil, false
	}
	tokenRoom, ok := auth.RoomID(r.Context())
	if !ok || tokenRoom != roomID {
		writeError(w, http.StatusForbidden, "token does not grant access to this room")
		return uuid.Nil, uuid.Nil, false
	}
	return roomID, playerID, true
}

func (s *Service) handleReady(w http.ResponseWriter, r *http.Request) {
	roomID, playerID, ok := s.roomAndPlayer(w, r)
	if !ok {
		return
	}
	if err := s.app.SetReady(r.Context(), roomID, playerID); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Service) handleSync(w http.ResponseWriter, r *http.Request) {
	roomID, playerID, ok := s.roomAndPlayer(w, r)
	if !ok {
		return
	}
	snap, err := s.app.SyncGameState(r.Context(), roomID, playerID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Service) handleProximity(w http.ResponseWriter, r *http.Request) {
	roomID, playerID, ok := s.roomAndPlayer(w, r)
	if !ok {
		return
	}
	var req struct {
		Answer string `json:"answer"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Answer == "" {
		writeError(w, http.StatusBadRequest, "answer is required")
		return
	}
	if err := s.app.SubmitProximityAnswer(r.Context(), roomID, playerID, req.Answer); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Service) handleLevelSelection(w http.ResponseWriter, r *http.Request) {
	roomID, playerID, ok := s.roomAndPlayer(w, r)
	if !ok {
		return
	}
	var req struct {
		Level int `json:"level"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "level is required")
		return
	}
	result, err := s.app.HandleLevelSelection(r.Context(), roomID, playerID, req.Level)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Service) handleConfirmCard(w http.ResponseWriter, r *http.Request) {
	roomID, playerID, ok := s.roomAndPlayer(w, r)
	if !ok {
		return
	}
	if err := s.app.ConfirmCard(r.Context(), roomID, playerID); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Service) handleSubmitResponse(w http.ResponseWriter, r *http.Request) {
	roomID, playerID, ok := s.roomAndPlayer(w, r)
	if !ok {
		return
	}
	var req struct {
		Text      string `json:"text"`
		ElapsedMS int    `json:"elapsed_ms"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	resp, err := s.app.SubmitResponse(r.Context(), roomID, playerID, req.Text, req.ElapsedMS)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Service) handleSubmitEvaluation(w http.ResponseWriter, r *http.Request) {
	roomID, playerID, ok := s.roomAndPlayer(w, r)
	if !ok {
		return
	}
	responseID, err := uuid.Parse(r.PathValue("responseID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid response id")
		return
	}
	var req models.PillarScores
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "pillar scores are required")
		return
	}
	if err := s.app.SubmitEvaluation(r.Context(), roomID, playerID, responseID, req); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Service) handleLevelUp(w http.ResponseWriter, r *http.Request) {
	roomID, playerID, ok := s.roomAndPlayer(w, r)
	if !ok {
		return
	}
	var req struct {
		Accept bool `json:"accept"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "accept is required")
		return
	}
	status, err := s.app.ConfirmLevelUp(r.Context(), roomID, playerID, req.Accept)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(status)})
}

func (s *Service) handleFinish(w http.ResponseWriter, r *http.Request) {
	roomID, _, ok := s.roomAndPlayer(w, r)
	if !ok {
		return
	}
	if err := s.app.FinishRoom(r.Context(), roomID); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeAppError maps protocol errors onto HTTP statuses. Coordination
// conflicts are client errors, not server faults.
func writeAppError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrRoomNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrRoomFull):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrWrongPhase), errors.Is(err, ErrNotYourTurn),
		errors.Is(err, ErrAlreadyEvaluated), errors.Is(err, ErrSelfEvaluation):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidScores), errors.Is(err, ErrMissingIdentity):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotParticipant):
		writeError(w, http.StatusForbidden, err.Error())
	default:
		log.Error().Err(err).Msg("internal error")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

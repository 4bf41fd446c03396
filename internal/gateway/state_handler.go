package gateway

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/tandemlabs/tandem/internal/auth"
	"github.com/tandemlabs/tandem/internal/models"
)

// StateProvider returns the authoritative room snapshot without the liveness
// side effects of a full sync.
type StateProvider interface {
	GetSnapshot(ctx context.Context, roomID uuid.UUID) (*models.RoomSnapshot, error)
}

// StateHandler serves read-only room state for reconnecting clients that
// want to render before their first heartbeat completes.
type StateHandler struct {
	stateProvider StateProvider
	auth          *auth.Service
}

func NewStateHandler(provider StateProvider, authSvc *auth.Service) *StateHandler {
	return &StateHandler{stateProvider: provider, auth: authSvc}
}

func (h *StateHandler) HandleGetRoomState(w http.ResponseWriter, r *http.Request) {
	roomID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid room id", http.StatusBadRequest)
		return
	}
	tokenRoom, ok := auth.RoomID(r.Context())
	if !ok || tokenRoom != roomID {
		http.Error(w, "token does not grant access to this room", http.StatusForbidden)
		return
	}

	snap, err := h.stateProvider.GetSnapshot(r.Context(), roomID)
	if err != nil {
		log.Error().Err(err).Str("room_id", roomID.String()).Msg("failed to get room state")
		http.Error(w, "failed to get room state", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		log.Error().Err(err).Msg("failed to encode room state response")
	}
}

// RegisterStateRoutes registers state routes with an HTTP mux.
func (h *StateHandler) RegisterStateRoutes(mux *http.ServeMux) {
	mux.Handle("GET /api/rooms/{id}/state", h.auth.RequirePlayer(http.HandlerFunc(h.HandleGetRoomState)))
}

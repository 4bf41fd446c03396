package gateway

import (
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"
	"github.com/tandemlabs/tandem/internal/auth"
)

// WebSocketHandler upgrades authenticated clients onto the room change feed.
// The player token carries both identities, so the URL needs no parameters;
// browsers pass the token as a query parameter since they cannot set headers
// on WebSocket upgrades.
type WebSocketHandler struct {
	connectionManager *ConnectionManager
	auth              *auth.Service
}

func NewWebSocketHandler(cm *ConnectionManager, authSvc *auth.Service) *WebSocketHandler {
	return &WebSocketHandler{connectionManager: cm, auth: authSvc}
}

func (h *WebSocketHandler) HandleRoomConnection(w http.ResponseWriter, r *http.Request) {
	playerID, ok := auth.PlayerID(r.Context())
	if !ok {
		http.Error(w, "missing player identity", http.StatusUnauthorized)
		return
	}
	roomID, ok := auth.RoomID(r.Context())
	if !ok {
		http.Error(w, "token carries no room", http.StatusForbidden)
		return
	}

	if err := h.connectionManager.UpgradeConnection(w, r, playerID, roomID); err != nil {
		log.Error().
			Err(err).
			Str("room_id", roomID.String()).
			Str("player_id", playerID.String()).
			Msg("failed to upgrade WebSocket connection")
		return
	}
}

func (h *WebSocketHandler) HandleConnectionStats(w http.ResponseWriter, r *http.Request) {
	total, rooms := h.connectionManager.Stats()
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"total_connections":%d,"active_rooms":%d}`, total, rooms)
}

// RegisterRoutes registers WebSocket routes with an HTTP mux.
func (h *WebSocketHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("GET /ws/room", h.auth.RequirePlayer(http.HandlerFunc(h.HandleRoomConnection)))
	mux.HandleFunc("GET /ws/stats", h.HandleConnectionStats)
}

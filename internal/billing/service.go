package billing

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/tandemlabs/tandem/internal/auth"
	"github.com/tandemlabs/tandem/internal/models"
)

// CreditStore is what the billing service needs from the credit repository.
type CreditStore interface {
	GetBalance(ctx context.Context, playerID uuid.UUID) (int, error)
	RedeemSession(ctx context.Context, sessionID string, playerID uuid.UUID, quantity int) (int, error)
	ConsumeCreditForRoom(ctx context.Context, roomCode string, playerID uuid.UUID) (*models.CreditResult, error)
}

// SessionVerifier confirms a checkout session with the payment provider.
type SessionVerifier interface {
	VerifySession(ctx context.Context, sessionID string) (*CheckoutSession, error)
}

// Service exposes the credit endpoints: balance, session redemption, and
// credit consumption.
type Service struct {
	store    CreditStore
	verifier SessionVerifier
	auth     *auth.Service
}

func NewService(store CreditStore, verifier SessionVerifier, authSvc *auth.Service) *Service {
	return &Service{store: store, verifier: verifier, auth: authSvc}
}

// RegisterRoutes registers credit routes with an HTTP mux.
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("GET /api/credits/balance", s.auth.RequirePlayer(http.HandlerFunc(s.handleBalance)))
	mux.Handle("POST /api/credits/redeem", s.auth.RequirePlayer(http.HandlerFunc(s.handleRedeem)))
	mux.Handle("POST /api/credits/consume", s.auth.RequirePlayer(http.HandlerFunc(s.handleConsume)))
}

func (s *Service) handleBalance(w http.ResponseWriter, r *http.Request) {
	playerID, ok := auth.PlayerID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing player identity")
		return
	}

	balance, err := s.store.GetBalance(r.Context(), playerID)
	if errors.Is(err, ErrNoCreditAccount) {
		balance = 0
	} else if err != nil {
		log.Error().Err(err).Msg("failed to get credit balance")
		writeError(w, http.StatusInternalServerError, "failed to get balance")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"balance": balance})
}

// handleRedeem verifies a checkout session and grants its credits. The
// provider call is single-shot; if it fails the client re-submits the same
// session id, and the unique redemption record keeps a retry from granting
// twice.
func (s *Service) handleRedeem(w http.ResponseWriter, r *http.Request) {
	playerID, ok := auth.PlayerID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing player identity")
		return
	}

	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	session, err := s.verifier.VerifySession(r.Context(), req.SessionID)
	if errors.Is(err, ErrSessionNotPaid) {
		writeError(w, http.StatusPaymentRequired, "checkout session is not paid")
		return
	}
	if err != nil {
		log.Error().Err(err).Str("session_id", req.SessionID).Msg("session verification failed")
		writeError(w, http.StatusBadGateway, "payment provider unavailable, try again")
		return
	}

	balance, err := s.store.RedeemSession(r.Context(), session.ID, playerID, session.Quantity)
	if errors.Is(err, ErrSessionRedeemed) {
		writeError(w, http.StatusConflict, "checkout session already redeemed")
		return
	}
	if err != nil {
		log.Error().Err(err).Str("session_id", req.SessionID).Msg("failed to redeem session")
		writeError(w, http.StatusInternalServerError, "failed to redeem session")
		return
	}

	log.Info().Str("session_id", session.ID).Int("quantity", session.Quantity).Msg("checkout session redeemed")
	writeJSON(w, http.StatusOK, map[string]int{"balance": balance})
}

func (s *Service) handleConsume(w http.ResponseWriter, r *http.Request) {
	playerID, ok := auth.PlayerID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing player identity")
		return
	}

	var req struct {
		RoomCode string `json:"room_code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RoomCode == "" {
		writeError(w, http.StatusBadRequest, "room_code is required")
		return
	}

	result, err := s.store.ConsumeCreditForRoom(r.Context(), req.RoomCode, playerID)
	if err != nil {
		log.Error().Err(err).Str("room_code", req.RoomCode).Msg("credit consumption failed")
		writeError(w, http.StatusInternalServerError, "credit consumption failed")
		return
	}
	if !result.Success {
		writeJSON(w, http.StatusPaymentRequired, result)
		return
	}
	writeJSON(w, http.StatusOK, result)
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

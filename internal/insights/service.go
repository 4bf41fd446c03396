package insights

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/tandemlabs/tandem/internal/auth"
	"github.com/tandemlabs/tandem/internal/models"
)

var (
	ErrRoomNotFinished = errors.New("room must be finished before a report can be generated")
	ErrNoResponses     = errors.New("room has no evaluated responses to analyze")
)

// Store is what the report service needs from the room repository.
type Store interface {
	GetRoom(ctx context.Context, id uuid.UUID) (*models.Room, error)
	ListResponses(ctx context.Context, roomID uuid.UUID) ([]models.Response, error)
	SaveReport(ctx context.Context, report *models.CompatibilityReport) error
	GetReport(ctx context.Context, roomID uuid.UUID) (*models.CompatibilityReport, error)
}

// CreditConsumer gates report generation behind the player's credit balance.
type CreditConsumer interface {
	ConsumeCreditForRoom(ctx context.Context, roomCode string, playerID uuid.UUID) (*models.CreditResult, error)
}

// Oracle is the analysis call; the HTTP client implements it.
type Oracle interface {
	Analyze(ctx context.Context, req *AnalysisRequest) (*AnalysisResult, error)
}

// Service generates and serves compatibility reports for finished rooms.
type Service struct {
	store   Store
	oracle  Oracle
	credits CreditConsumer
	auth    *auth.Service
}

func NewService(store Store, oracle Oracle, credits CreditConsumer, authSvc *auth.Service) *Service {
	return &Service{store: store, oracle: oracle, credits: credits, auth: authSvc}
}

// GenerateReport runs the oracle over a finished room's responses and
// persists the result. Idempotent: an existing report is returned as is, so
// a retry never spends a second oracle call.
func (s *Service) GenerateReport(ctx context.Context, roomID uuid.UUID) (*models.CompatibilityReport, error) {
	if existing, err := s.store.GetReport(ctx, roomID); err == nil && existing != nil {
		return existing, nil
	}

	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room.Phase != models.PhaseFinished {
		return nil, ErrRoomNotFinished
	}

	responses, err := s.store.ListResponses(ctx, roomID)
	if err != nil {
		return nil, err
	}

	req := &AnalysisRequest{RoomID: roomID}
	for _, r := range responses {
		if !r.Evaluated() {
			continue
		}
		req.Responses = append(req.Responses, ResponseSample{
			Round:     r.Round,
			CardKey:   r.CardKey,
			Text:      r.Text,
			ElapsedMS: r.ElapsedMS,
			Scores:    r.Scores,
		})
	}
	if len(req.Responses) == 0 {
		return nil, ErrNoResponses
	}

	result, err := s.oracle.Analyze(ctx, req)
	if err != nil {
		// The oracle failing leaves the room untouched; the caller retries.
		return nil, err
	}

	report := &models.CompatibilityReport{
		RoomID:         roomID,
		Summary:        result.Summary,
		PillarAverages: result.PillarAverages,
		Raw:            result.Raw,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.store.SaveReport(ctx, report); err != nil {
		return nil, err
	}

	log.Info().Str("room_id", roomID.String()).Int("responses", len(req.Responses)).Msg("compatibility report generated")
	return report, nil
}

// RegisterRoutes registers report routes with an HTTP mux.
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("GET /api/rooms/{id}/report", s.auth.RequirePlayer(http.HandlerFunc(s.handleGetReport)))
	mux.Handle("POST /api/rooms/{id}/report", s.auth.RequirePlayer(http.HandlerFunc(s.handleGenerateReport)))
}

func (s *Service) handleGetReport(w http.ResponseWriter, r *http.Request) {
	roomID, ok := s.authorizedRoom(w, r)
	if !ok {
		return
	}
	report, err := s.store.GetReport(r.Context(), roomID)
	if err != nil || report == nil {
		writeError(w, http.StatusNotFound, "no report for this room")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleGenerateReport consumes one credit and runs the oracle. The credit
// spend is atomic server-side; two racing submissions cannot double-spend.
func (s *Service) handleGenerateReport(w http.ResponseWriter, r *http.Request) {
	roomID, ok := s.authorizedRoom(w, r)
	if !ok {
		return
	}
	playerID, ok := auth.PlayerID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing player identity")
		return
	}

	// An existing report is free to re-fetch.
	if existing, err := s.store.GetReport(r.Context(), roomID); err == nil && existing != nil {
		writeJSON(w, http.StatusOK, existing)
		return
	}

	room, err := s.store.GetRoom(r.Context(), roomID)
	if err != nil {
		writeError(w, http.StatusNotFound, "room not found")
		return
	}

	if s.credits != nil {
		result, err := s.credits.ConsumeCreditForRoom(r.Context(), room.Code, playerID)
		if err != nil {
			log.Error().Err(err).Str("room_id", roomID.String()).Msg("credit consumption failed")
			writeError(w, http.StatusInternalServerError, "credit consumption failed")
			return
		}
		if !result.Success {
			writeError(w, http.StatusPaymentRequired, result.Error)
			return
		}
	}

	report, err := s.GenerateReport(r.Context(), roomID)
	switch {
	case errors.Is(err, ErrRoomNotFinished):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrNoResponses):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		log.Error().Err(err).Str("room_id", roomID.String()).Msg("report generation failed")
		writeError(w, http.StatusBadGateway, "analysis unavailable, try again")
	default:
		writeJSON(w, http.StatusCreated, report)
	}
}

func (s *Service) authorizedRoom(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	roomID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid room id")
		return uuid.Nil, false
	}
	tokenRoom, ok := auth.RoomID(r.Context())
	if !ok || tokenRoom != roomID {
		writeError(w, http.StatusForbidden, "token does not grant access to this room")
		return uuid.Nil, false
	}
	return roomID, true
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

package room

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	mrand "math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/tandemlabs/tandem/internal/cache"
	"github.com/tandemlabs/tandem/internal/deck"
	"github.com/tandemlabs/tandem/internal/models"
)

// Repository defines what the app needs from the store. All mutating methods
// are atomic; the app composes them but never does read-modify-write on
// shared state itself.
type Repository interface {
	CreateRoom(ctx context.Context, room *models.Room, host *models.Participant) error
	GetRoom(ctx context.Context, id uuid.UUID) (*models.Room, error)
	GetRoomByCode(ctx context.Context, code string) (*models.Room, error)
	AddParticipant(ctx context.Context, p *models.Participant) error
	SetReady(ctx context.Context, roomID, playerID uuid.UUID) (bool, error)
	CASPhase(ctx context.Context, roomID uuid.UUID, from, to models.Phase) (bool, error)
	TouchConnection(ctx context.Context, roomID, playerID uuid.UUID, status models.ConnectionStatus, now time.Time) (bool, error)
	MarkStale(ctx context.Context, roomID uuid.UUID, cutoff, now time.Time) ([]uuid.UUID, error)
	Snapshot(ctx context.Context, roomID uuid.UUID) (*models.RoomSnapshot, error)
	SetProximityAnswer(ctx context.Context, roomID, playerID uuid.UUID, answer string) (bool, error)
	SubmitLevelVote(ctx context.Context, roomID, playerID uuid.UUID, level int) (int, *int, error)
	ClearLevelVotes(ctx context.Context, roomID uuid.UUID) error
	StartRound(ctx context.Context, roomID uuid.UUID, from models.Phase, round, level int, cardKey string, turn uuid.UUID) (bool, error)
	BeginResponseInput(ctx context.Context, roomID, playerID uuid.UUID, now time.Time) (bool, error)
	CreateResponse(ctx context.Context, resp *models.Response) (bool, error)
	GetResponse(ctx context.Context, id uuid.UUID) (*models.Response, error)
	GetRoundResponse(ctx context.Context, roomID uuid.UUID, round int) (*models.Response, error)
	ListResponses(ctx context.Context, roomID uuid.UUID) ([]models.Response, error)
	EvaluateResponse(ctx context.Context, responseID, evaluatorID uuid.UUID, scores models.PillarScores, now time.Time) (bool, error)
	SubmitLevelUpVote(ctx context.Context, roomID, playerID uuid.UUID, accept bool) (bool, *bool, error)
	ClearLevelUpVotes(ctx context.Context, roomID uuid.UUID) error
	FinishRoom(ctx context.Context, roomID uuid.UUID, now time.Time) error
	InsertSyncAction(ctx context.Context, a *models.SyncAction) error
	SaveReport(ctx context.Context, report *models.CompatibilityReport) error
	GetReport(ctx context.Context, roomID uuid.UUID) (*models.CompatibilityReport, error)
}

// Config holds the room protocol parameters. The observed product timings are
// defaults, not invariants.
type Config struct {
	RoundsPerLevel     int           `yaml:"rounds_per_level"`
	MaxRounds          int           `yaml:"max_rounds"`
	ResponseTimeout    time.Duration `yaml:"response_timeout"`
	GracePeriod        time.Duration `yaml:"grace_period"`
	OfflineAfter       time.Duration `yaml:"offline_after"`
	AgreedCountdownSec int           `yaml:"agreed_countdown_sec"`
}

// DefaultConfig returns the room protocol defaults.
func DefaultConfig() Config {
	return Config{
		RoundsPerLevel:     3,
		MaxRounds:          9,
		ResponseTimeout:    45 * time.Second,
		GracePeriod:        15 * time.Second,
		OfflineAfter:       10 * time.Second,
		AgreedCountdownSec: 3,
	}
}

// App owns the turn/phase protocol on top of the repository's atomic
// operations. The server-reported phase is the single source of truth;
// clients only ever ask for transitions.
type App struct {
	repo  Repository
	deck  *deck.Deck
	cache cache.RoomCache
	clock clockwork.Clock
	cfg   Config

	rngMu sync.Mutex
	rng   *mrand.Rand
}

func NewApp(repo Repository, d *deck.Deck, roomCache cache.RoomCache, cfg Config) *App {
	return &App{
		repo:  repo,
		deck:  d,
		cache: roomCache,
		clock: clockwork.NewRealClock(),
		cfg:   cfg,
		rng:   mrand.New(mrand.NewSource(time.Now().UnixNano())),
	}
}

// WithClock swaps the clock, for tests.
func (a *App) WithClock(clock clockwork.Clock) *App {
	a.clock = clock
	return a
}

// CreateRoom creates a room in waiting_room with the creator joined.
func (a *App) CreateRoom(ctx context.Context, hostID uuid.UUID) (*models.Room, error) {
	code, err := a.generateRoomCode(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to generate room code: %w", err)
	}

	now := a.clock.Now().UTC()
	room := &models.Room{
		ID:         uuid.New(),
		Code:       code,
		Phase:      models.PhaseWaitingRoom,
		AskedCards: []string{},
		CreatedAt:  now,
	}
	host := &models.Participant{
		RoomID:     room.ID,
		PlayerID:   hostID,
		Status:     models.ConnectionConnected,
		LastSeenAt: now,
		JoinedAt:   now,
	}
	if err := a.repo.CreateRoom(ctx, room, host); err != nil {
		return nil, err
	}

	if a.cache != nil {
		meta := &models.RoomMeta{RoomID: room.ID, HostID: hostID, Phase: room.Phase, CreatedAt: now}
		if err := a.cache.SetMeta(ctx, code, meta); err != nil {
			log.Warn().Err(err).Str("code", code).Msg("failed to cache room meta")
		}
	}

	log.Info().Str("room_id", room.ID.String()).Str("code", code).Msg("room created")
	return room, nil
}

// JoinRoom adds the second player to a waiting room.
func (a *App) JoinRoom(ctx context.Context, code string, playerID uuid.UUID) (*models.Room, error) {
	room, err := a.lookupByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if room.Phase != models.PhaseWaitingRoom {
		return nil, ErrWrongPhase
	}

	now := a.clock.Now().UTC()
	p := &models.Participant{
		RoomID:     room.ID,
		PlayerID:   playerID,
		Status:     models.ConnectionConnected,
		LastSeenAt: now,
		JoinedAt:   now,
	}
	if err := a.repo.AddParticipant(ctx, p); err != nil {
		return nil, err
	}

	log.Info().Str("room_id", room.ID.String()).Str("player_id", playerID.String()).Msg("player joined room")
	return room, nil
}

// SetReady marks a player ready; when both are, the room leaves the waiting
// phase.
func (a *App) SetReady(ctx context.Context, roomID, playerID uuid.UUID) error {
	allReady, err := a.repo.SetReady(ctx, roomID, playerID)
	if err != nil {
		return err
	}
	a.emitAction(ctx, roomID, playerID, models.SyncActionReady, nil)

	if allReady {
		if _, err := a.repo.CASPhase(ctx, roomID, models.PhaseWaitingRoom, models.PhaseProximitySelection); err != nil {
			return err
		}
	}
	return nil
}

// SyncGameState is the heartbeat RPC: idempotent, safe to call every tick.
// It pushes the caller's liveness, recovers stuck rounds, and returns the
// authoritative snapshot.
func (a *App) SyncGameState(ctx context.Context, roomID, playerID uuid.UUID) (*models.RoomSnapshot, error) {
	if roomID == uuid.Nil || playerID == uuid.Nil {
		return nil, ErrMissingIdentity
	}
	now := a.clock.Now().UTC()

	if _, err := a.repo.TouchConnection(ctx, roomID, playerID, models.ConnectionConnected, now); err != nil {
		return nil, err
	}
	if _, err := a.repo.MarkStale(ctx, roomID, now.Add(-a.cfg.OfflineAfter), now); err != nil {
		return nil, err
	}

	room, err := a.repo.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if a.roundStalled(room, now) {
		if err := a.forceAdvanceStalledRound(ctx, room); err != nil {
			// Recovery is best-effort; the snapshot below is still valid.
			log.Error().Err(err).Str("room_id", roomID.String()).Msg("failed to force-advance stalled round")
		}
	}

	snap, err := a.repo.Snapshot(ctx, roomID)
	if err != nil {
		return nil, err
	}
	snap.ServerTime = now
	return snap, nil
}

func (a *App) roundStalled(room *models.Room, now time.Time) bool {
	if room.Phase != models.PhaseResponseInput || room.TurnStartedAt == nil {
		return false
	}
	deadline := room.TurnStartedAt.Add(a.cfg.ResponseTimeout + a.cfg.GracePeriod)
	return now.After(deadline)
}

// forceAdvanceStalledRound skips a round whose responder never submitted.
// The turn passes to the other player; nothing is recorded for the skipped
// round.
func (a *App) forceAdvanceStalledRound(ctx context.Context, room *models.Room) error {
	log.Warn().
		Str("room_id", room.ID.String()).
		Int("round", room.Round).
		Msg("response deadline passed; force-advancing stalled round")
	return a.advance(ctx, room, models.PhaseResponseInput)
}

// SubmitProximityAnswer records one player's proximity answer; when both have
// answered the room moves to level selection.
func (a *App) SubmitProximityAnswer(ctx context.Context, roomID, playerID uuid.UUID, answer string) error {
	room, err := a.repo.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if room.Phase != models.PhaseProximitySelection {
		return ErrWrongPhase
	}

	both, err := a.repo.SetProximityAnswer(ctx, roomID, playerID, answer)
	if err != nil {
		return err
	}
	a.emitAction(ctx, roomID, playerID, models.SyncActionProximityAnswer, map[string]string{"answer": answer})

	if both {
		if _, err := a.repo.CASPhase(ctx, roomID, models.PhaseProximitySelection, models.PhaseLevelSelection); err != nil {
			return err
		}
	}
	return nil
}

// HandleLevelSelection is the atomic level-vote RPC. Equal votes agree and
// the round starts; unequal votes mismatch and both votes clear. There is no
// silent resolution.
func (a *App) HandleLevelSelection(ctx context.Context, roomID, playerID uuid.UUID, level int) (*models.LevelSelectionResult, error) {
	if roomID == uuid.Nil || playerID == uuid.Nil {
		return nil, ErrMissingIdentity
	}
	if level < 1 || level > deck.MaxLevel {
		return &models.LevelSelectionResult{
			Status:  models.LevelSelectionError,
			Message: fmt.Sprintf("level must be between 1 and %d", deck.MaxLevel),
		}, nil
	}

	room, err := a.repo.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room.Phase != models.PhaseLevelSelection {
		return &models.LevelSelectionResult{
			Status:  models.LevelSelectionError,
			Message: "room is not selecting a level",
		}, nil
	}

	mine, theirs, err := a.repo.SubmitLevelVote(ctx, roomID, playerID, level)
	if err != nil {
		return nil, err
	}
	a.emitAction(ctx, roomID, playerID, models.SyncActionLevelVote, map[string]int{"level": level})

	if theirs == nil {
		return &models.LevelSelectionResult{Status: models.LevelSelectionWaiting}, nil
	}

	if *theirs != mine {
		if err := a.repo.ClearLevelVotes(ctx, roomID); err != nil {
			return nil, err
		}
		log.Info().Str("room_id", roomID.String()).Int("mine", mine).Int("theirs", *theirs).
			Msg("level votes mismatched; votes cleared")
		return &models.LevelSelectionResult{
			Status:  models.LevelSelectionMismatch,
			Message: "players voted different levels",
		}, nil
	}

	if err := a.repo.ClearLevelVotes(ctx, roomID); err != nil {
		return nil, err
	}
	if err := a.startRoundAtLevel(ctx, room, models.PhaseLevelSelection, mine); err != nil {
		return nil, err
	}
	return &models.LevelSelectionResult{
		Status:        models.LevelSelectionAgreed,
		SelectedLevel: mine,
		CountdownSec:  a.cfg.AgreedCountdownSec,
	}, nil
}

// ConfirmCard moves the room into response input for the player on turn.
func (a *App) ConfirmCard(ctx context.Context, roomID, playerID uuid.UUID) error {
	applied, err := a.repo.BeginResponseInput(ctx, roomID, playerID, a.clock.Now().UTC())
	if err != nil {
		return err
	}
	if !applied {
		room, err := a.repo.GetRoom(ctx, roomID)
		if err != nil {
			return err
		}
		if room.Phase != models.PhaseCardDisplay {
			return ErrWrongPhase
		}
		return ErrNotYourTurn
	}
	return nil
}

// SubmitResponse records the responder's answer and hands the room to the
// evaluating partner.
func (a *App) SubmitResponse(ctx context.Context, roomID, playerID uuid.UUID, text string, elapsedMS int) (*models.Response, error) {
	room, err := a.repo.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room.Phase != models.PhaseResponseInput {
		return nil, ErrWrongPhase
	}
	if room.CurrentTurn == nil || *room.CurrentTurn != playerID {
		return nil, ErrNotYourTurn
	}

	cardKey := ""
	if room.CurrentCard != nil {
		cardKey = *room.CurrentCard
	}
	resp := &models.Response{
		ID:          uuid.New(),
		RoomID:      roomID,
		Round:       room.Round,
		ResponderID: playerID,
		CardKey:     cardKey,
		Text:        text,
		ElapsedMS:   elapsedMS,
		CreatedAt:   a.clock.Now().UTC(),
	}
	applied, err := a.repo.CreateResponse(ctx, resp)
	if err != nil {
		return nil, err
	}
	if !applied {
		// Someone else moved the phase under us; the snapshot will say so.
		return nil, ErrWrongPhase
	}

	a.emitAction(ctx, roomID, playerID, models.SyncActionResponseSubmit, map[string]string{"response_id": resp.ID.String()})
	return resp, nil
}

// SubmitEvaluation scores the partner's response. Self-evaluation is
// rejected, and the write happens at most once.
func (a *App) SubmitEvaluation(ctx context.Context, roomID, evaluatorID, responseID uuid.UUID, scores models.PillarScores) error {
	for _, s := range []int{scores.Honesty, scores.Attraction, scores.Intimacy, scores.Surprise} {
		if s < 1 || s > 10 {
			return ErrInvalidScores
		}
	}

	resp, err := a.repo.GetResponse(ctx, responseID)
	if err != nil {
		return err
	}
	if resp.RoomID != roomID {
		return ErrRoomNotFound
	}
	if resp.ResponderID == evaluatorID {
		return ErrSelfEvaluation
	}

	applied, err := a.repo.EvaluateResponse(ctx, responseID, evaluatorID, scores, a.clock.Now().UTC())
	if err != nil {
		return err
	}
	if !applied {
		return ErrAlreadyEvaluated
	}
	a.emitAction(ctx, roomID, evaluatorID, models.SyncActionEvaluationSubmit, map[string]string{"response_id": responseID.String()})

	room, err := a.repo.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	return a.advance(ctx, room, models.PhaseResponseEvaluation)
}

// LevelUpStatus is the outcome of a level-up confirmation vote.
type LevelUpStatus string

const (
	LevelUpWaiting  LevelUpStatus = "waiting"
	LevelUpAccepted LevelUpStatus = "accepted"
	LevelUpDeclined LevelUpStatus = "declined"
)

// ConfirmLevelUp records one player's answer to the level-up prompt. Both
// must accept to reopen level selection; a single decline keeps the pair at
// the current level.
func (a *App) ConfirmLevelUp(ctx context.Context, roomID, playerID uuid.UUID, accept bool) (LevelUpStatus, error) {
	room, err := a.repo.GetRoom(ctx, roomID)
	if err != nil {
		return "", err
	}
	if room.Phase != models.PhaseLevelUpConfirmation {
		return "", ErrWrongPhase
	}

	mine, theirs, err := a.repo.SubmitLevelUpVote(ctx, roomID, playerID, accept)
	if err != nil {
		return "", err
	}
	a.emitAction(ctx, roomID, playerID, models.SyncActionLevelUpVote, map[string]bool{"accept": accept})

	if theirs == nil {
		return LevelUpWaiting, nil
	}
	if err := a.repo.ClearLevelUpVotes(ctx, roomID); err != nil {
		return "", err
	}

	if mine && *theirs {
		if _, err := a.repo.CASPhase(ctx, roomID, models.PhaseLevelUpConfirmation, models.PhaseLevelSelection); err != nil {
			return "", err
		}
		return LevelUpAccepted, nil
	}

	if err := a.startRoundAtLevel(ctx, room, models.PhaseLevelUpConfirmation, room.SelectedLevel); err != nil {
		return "", err
	}
	return LevelUpDeclined, nil
}

// FinishRoom ends the session.
func (a *App) FinishRoom(ctx context.Context, roomID uuid.UUID) error {
	return a.repo.FinishRoom(ctx, roomID, a.clock.Now().UTC())
}

// advance moves a room past a completed (or abandoned) round: either into the
// level-up prompt, the next round, or the finish line.
func (a *App) advance(ctx context.Context, room *models.Room, from models.Phase) error {
	if room.Round >= a.cfg.MaxRounds {
		return a.repo.FinishRoom(ctx, room.ID, a.clock.Now().UTC())
	}
	if room.Round > 0 && room.Round%a.cfg.RoundsPerLevel == 0 && room.SelectedLevel < deck.MaxLevel {
		_, err := a.repo.CASPhase(ctx, room.ID, from, models.PhaseLevelUpConfirmation)
		return err
	}
	return a.startRoundAtLevel(ctx, room, from, room.SelectedLevel)
}

// startRoundAtLevel draws an unseen card and starts the next round with the
// turn handed to the other player.
func (a *App) startRoundAtLevel(ctx context.Context, room *models.Room, from models.Phase, level int) error {
	session := deck.SessionFromAsked(room.AskedCards)
	a.rngMu.Lock()
	card, err := a.deck.Draw(a.rng, level, session)
	a.rngMu.Unlock()
	if err != nil {
		// Deck exhausted: the session has run its course.
		log.Info().Str("room_id", room.ID.String()).Err(err).Msg("deck exhausted; finishing room")
		return a.repo.FinishRoom(ctx, room.ID, a.clock.Now().UTC())
	}

	snap, err := a.repo.Snapshot(ctx, room.ID)
	if err != nil {
		return err
	}
	turn, err := nextTurn(snap, room.CurrentTurn)
	if err != nil {
		return err
	}

	applied, err := a.repo.StartRound(ctx, room.ID, from, room.Round+1, level, card.Key, turn)
	if err != nil {
		return err
	}
	if !applied {
		// A concurrent advance won; rounds stay monotonic either way.
		log.Debug().Str("room_id", room.ID.String()).Int("round", room.Round+1).Msg("round start lost compare-and-set race")
	}
	return nil
}

// nextTurn alternates the responder. The first round goes to the player who
// created the room (earliest join).
func nextTurn(snap *models.RoomSnapshot, current *uuid.UUID) (uuid.UUID, error) {
	if len(snap.Participants) != 2 {
		return uuid.Nil, fmt.Errorf("room has %d participants, want 2", len(snap.Participants))
	}
	if current == nil {
		return snap.Participants[0].PlayerID, nil
	}
	for _, p := range snap.Participants {
		if p.PlayerID != *current {
			return p.PlayerID, nil
		}
	}
	return snap.Participants[0].PlayerID, nil
}

// GetSnapshot exposes the authoritative snapshot without the liveness side
// effects of a full sync (used by the gateway's state endpoint).
func (a *App) GetSnapshot(ctx context.Context, roomID uuid.UUID) (*models.RoomSnapshot, error) {
	snap, err := a.repo.Snapshot(ctx, roomID)
	if err != nil {
		return nil, err
	}
	snap.ServerTime = a.clock.Now().UTC()
	return snap, nil
}

// GetRoomByCode resolves a join code, preferring the cache.
func (a *App) GetRoomByCode(ctx context.Context, code string) (*models.Room, error) {
	return a.lookupByCode(ctx, code)
}

// ListResponses returns all responses of a room in round order.
func (a *App) ListResponses(ctx context.Context, roomID uuid.UUID) ([]models.Response, error) {
	return a.repo.ListResponses(ctx, roomID)
}

func (a *App) lookupByCode(ctx context.Context, code string) (*models.Room, error) {
	if a.cache != nil {
		meta, err := a.cache.GetMeta(ctx, code)
		if err != nil {
			log.Warn().Err(err).Str("code", code).Msg("room cache lookup failed")
		} else if meta != nil {
			return a.repo.GetRoom(ctx, meta.RoomID)
		}
	}
	return a.repo.GetRoomByCode(ctx, code)
}

// emitAction inserts a sync action. Sync actions are accelerants, not truth:
// a failure here is logged and absorbed, the heartbeat will converge clients
// anyway.
func (a *App) emitAction(ctx context.Context, roomID, playerID uuid.UUID, actionType models.SyncActionType, payload any) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			log.Error().Err(err).Str("action", string(actionType)).Msg("failed to marshal sync action payload")
			return
		}
		raw = b
	}
	action := &models.SyncAction{
		ID:         uuid.New(),
		RoomID:     roomID,
		PlayerID:   playerID,
		ActionType: actionType,
		Payload:    raw,
		CreatedAt:  a.clock.Now().UTC(),
	}
	if err := a.repo.InsertSyncAction(ctx, action); err != nil {
		log.Error().Err(err).Str("action", string(actionType)).Msg("failed to emit sync action")
	}
}

// generateRoomCode creates a 6-char alphanumeric code
func (a *App) generateRoomCode(ctx context.Context) (string, error) {
	const chars = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	const codeLen = 6

	for attempts := 0; attempts < 10; attempts++ {
		b := make([]byte, codeLen)
		if _, err := rand.Read(b); err != nil {
			return "", err
		}
		code := make([]byte, codeLen)
		for i := range code {
			code[i] = chars[int(b[i])%len(chars)]
		}
		codeStr := string(code)

		if a.cache != nil {
			exists, err := a.cache.Exists(ctx, codeStr)
			if err == nil && exists {
				continue
			}
		}
		if _, err := a.repo.GetRoomByCode(ctx, codeStr); err == ErrRoomNotFound {
			return codeStr, nil
		}
	}
	return "", fmt.Errorf("failed to generate unique room code")
}

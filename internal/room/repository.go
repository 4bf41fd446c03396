package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tandemlabs/tandem/internal/models"
	"github.com/tandemlabs/tandem/internal/sqlutil"
)

// PgRepository implements Repository against Postgres. Every mutating method
// is a single transaction that also writes the matching outbox row, so the
// change feed can never observe a state the database did not commit.
type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

const roomColumns = `id, code, phase, current_turn, current_card, selected_level, round, asked_cards, turn_started_at, created_at, finished_at`

func scanRoom(row pgx.Row) (*models.Room, error) {
	var r models.Room
	err := row.Scan(&r.ID, &r.Code, &r.Phase, &r.CurrentTurn, &r.CurrentCard,
		&r.SelectedLevel, &r.Round, &r.AskedCards, &r.TurnStartedAt, &r.CreatedAt, &r.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan room: %w", err)
	}
	return &r, nil
}

func (r *PgRepository) CreateRoom(ctx context.Context, room *models.Room, host *models.Participant) error {
	return sqlutil.Run(ctx, r.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO rooms (id, code, phase, selected_level, round, asked_cards, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			room.ID, room.Code, room.Phase, room.SelectedLevel, room.Round, room.AskedCards, room.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert room: %w", err)
		}
		if err := insertParticipant(ctx, tx, host); err != nil {
			return err
		}
		return insertRoomStateOutbox(ctx, tx, room.ID)
	})
}

func (r *PgRepository) GetRoom(ctx context.Context, id uuid.UUID) (*models.Room, error) {
	return scanRoom(r.pool.QueryRow(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id = $1`, id))
}

func (r *PgRepository) GetRoomByCode(ctx context.Context, code string) (*models.Room, error) {
	return scanRoom(r.pool.QueryRow(ctx, `SELECT `+roomColumns+` FROM rooms WHERE code = $1`, code))
}

func insertParticipant(ctx context.Context, tx pgx.Tx, p *models.Participant) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO participants (room_id, player_id, ready, status, last_seen_at, joined_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		p.RoomID, p.PlayerID, p.Ready, p.Status, p.LastSeenAt, p.JoinedAt)
	if err != nil {
		return fmt.Errorf("failed to insert participant: %w", err)
	}
	return nil
}

func (r *PgRepository) AddParticipant(ctx context.Context, p *models.Participant) error {
	return sqlutil.Run(ctx, r.pool, func(tx pgx.Tx) error {
		var count int
		err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM participants WHERE room_id = $1 FOR UPDATE`, p.RoomID).Scan(&count)
		if err != nil {
			return fmt.Errorf("failed to count participants: %w", err)
		}
		if count >= 2 {
			return ErrRoomFull
		}
		if err := insertParticipant(ctx, tx, p); err != nil {
			return err
		}
		return insertConnectionOutbox(ctx, tx, p.RoomID, p.PlayerID, p.Status, p.JoinedAt)
	})
}

func (r *PgRepository) SetReady(ctx context.Context, roomID, playerID uuid.UUID) (bool, error) {
	var allReady bool
	err := sqlutil.Run(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE participants SET ready = TRUE WHERE room_id = $1 AND player_id = $2`,
			roomID, playerID)
		if err != nil {
			return fmt.Errorf("failed to set ready: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotParticipant
		}
		var ready, total int
		err = tx.QueryRow(ctx,
			`SELECT COUNT(*) FILTER (WHERE ready), COUNT(*) FROM participants WHERE room_id = $1`,
			roomID).Scan(&ready, &total)
		if err != nil {
			return fmt.Errorf("failed to count ready participants: %w", err)
		}
		allReady = total == 2 && ready == 2
		return nil
	})
	return allReady, err
}

// CASPhase advances the room phase only when the current phase matches the
// expected one. Racing clients lose the race cleanly instead of corrupting
// the state.
func (r *PgRepository) CASPhase(ctx context.Context, roomID uuid.UUID, from, to models.Phase) (bool, error) {
	var applied bool
	err := sqlutil.Run(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE rooms SET phase = $1 WHERE id = $2 AND phase = $3`, to, roomID, from)
		if err != nil {
			return fmt.Errorf("failed to update phase: %w", err)
		}
		applied = tag.RowsAffected() == 1
		if !applied {
			return nil
		}
		return insertRoomStateOutbox(ctx, tx, roomID)
	})
	return applied, err
}

// TouchConnection upserts the caller's liveness record. The outbox row is
// written only when the status actually changed, to keep the presence stream
// quiet during steady-state heartbeats.
func (r *PgRepository) TouchConnection(ctx context.Context, roomID, playerID uuid.UUID, status models.ConnectionStatus, now time.Time) (bool, error) {
	var changed bool
	err := sqlutil.Run(ctx, r.pool, func(tx pgx.Tx) error {
		var prev models.ConnectionStatus
		err := tx.QueryRow(ctx,
			`UPDATE participants p SET status = $1, last_seen_at = $2
			 FROM (SELECT status FROM participants WHERE room_id = $3 AND player_id = $4 FOR UPDATE) old
			 WHERE p.room_id = $3 AND p.player_id = $4
			 RETURNING old.status`,
			status, now, roomID, playerID).Scan(&prev)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotParticipant
		}
		if err != nil {
			return fmt.Errorf("failed to touch connection: %w", err)
		}
		changed = prev != status
		if !changed {
			return nil
		}
		return insertConnectionOutbox(ctx, tx, roomID, playerID, status, now)
	})
	return changed, err
}

// MarkStale flags participants whose last heartbeat is older than cutoff as
// disconnected and returns their ids.
func (r *PgRepository) MarkStale(ctx context.Context, roomID uuid.UUID, cutoff time.Time, now time.Time) ([]uuid.UUID, error) {
	var stale []uuid.UUID
	err := sqlutil.Run(ctx, r.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`UPDATE participants SET status = 'disconnected'
			 WHERE room_id = $1 AND status = 'connected' AND last_seen_at < $2
			 RETURNING player_id`,
			roomID, cutoff)
		if err != nil {
			return fmt.Errorf("failed to mark stale participants: %w", err)
		}
		stale, err = pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
		if err != nil {
			return fmt.Errorf("failed to collect stale participants: %w", err)
		}
		for _, id := range stale {
			if err := insertConnectionOutbox(ctx, tx, roomID, id, models.ConnectionDisconnected, now); err != nil {
				return err
			}
		}
		return nil
	})
	return stale, err
}

func (r *PgRepository) Snapshot(ctx context.Context, roomID uuid.UUID) (*models.RoomSnapshot, error) {
	room, err := r.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}

	rows, err := r.pool.Query(ctx,
		`SELECT room_id, player_id, ready, proximity_answer, level_vote, level_up_vote, status, last_seen_at, joined_at
		 FROM participants WHERE room_id = $1 ORDER BY joined_at`,
		roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to query participants: %w", err)
	}
	participants, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Participant, error) {
		var p models.Participant
		err := row.Scan(&p.RoomID, &p.PlayerID, &p.Ready, &p.ProximityAnswer,
			&p.LevelVote, &p.LevelUpVote, &p.Status, &p.LastSeenAt, &p.JoinedAt)
		return p, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to collect participants: %w", err)
	}

	snap := &models.RoomSnapshot{Room: *room, Participants: participants}

	if room.Round > 0 {
		resp, err := r.GetRoundResponse(ctx, roomID, room.Round)
		if err != nil {
			return nil, err
		}
		snap.PendingResponse = resp
	}
	return snap, nil
}

func (r *PgRepository) SetProximityAnswer(ctx context.Context, roomID, playerID uuid.UUID, answer string) (bool, error) {
	var both bool
	err := sqlutil.Run(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE participants SET proximity_answer = $1 WHERE room_id = $2 AND player_id = $3`,
			answer, roomID, playerID)
		if err != nil {
			return fmt.Errorf("failed to set proximity answer: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotParticipant
		}
		var answered, total int
		err = tx.QueryRow(ctx,
			`SELECT COUNT(*) FILTER (WHERE proximity_answer IS NOT NULL), COUNT(*)
			 FROM participants WHERE room_id = $1`,
			roomID).Scan(&answered, &total)
		if err != nil {
			return fmt.Errorf("failed to count proximity answers: %w", err)
		}
		both = total == 2 && answered == 2
		return nil
	})
	return both, err
}

// SubmitLevelVote records the caller's vote and returns both votes under a
// row lock, so two concurrent votes observe each other exactly once.
func (r *PgRepository) SubmitLevelVote(ctx context.Context, roomID, playerID uuid.UUID, level int) (int, *int, error) {
	var mine int
	var theirs *int
	err := sqlutil.Run(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`SELECT 1 FROM rooms WHERE id = $1 FOR UPDATE`, roomID); err != nil {
			return fmt.Errorf("failed to lock room: %w", err)
		}
		tag, err := tx.Exec(ctx,
			`UPDATE participants SET level_vote = $1 WHERE room_id = $2 AND player_id = $3`,
			level, roomID, playerID)
		if err != nil {
			return fmt.Errorf("failed to record level vote: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotParticipant
		}
		mine = level
		err = tx.QueryRow(ctx,
			`SELECT level_vote FROM participants WHERE room_id = $1 AND player_id <> $2`,
			roomID, playerID).Scan(&theirs)
		if errors.Is(err, pgx.ErrNoRows) {
			theirs = nil
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read partner vote: %w", err)
		}
		return nil
	})
	return mine, theirs, err
}

// ClearLevelVotes wipes both votes after a mismatch. The clear goes through
// the outbox like every other room mutation, so feed listeners learn about it
// without waiting for their next heartbeat.
func (r *PgRepository) ClearLevelVotes(ctx context.Context, roomID uuid.UUID) error {
	return sqlutil.Run(ctx, r.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`UPDATE participants SET level_vote = NULL WHERE room_id = $1`, roomID)
		if err != nil {
			return fmt.Errorf("failed to clear level votes: %w", err)
		}
		return insertRoomStateOutbox(ctx, tx, roomID)
	})
}

// StartRound advances the room into card_display for a new round. The phase
// guard makes the whole thing a compare-and-set: a concurrent advance loses.
func (r *PgRepository) StartRound(ctx context.Context, roomID uuid.UUID, from models.Phase, round, level int, cardKey string, turn uuid.UUID) (bool, error) {
	var applied bool
	err := sqlutil.Run(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE rooms
			 SET phase = 'card_display', round = $1, selected_level = $2, current_card = $3,
			     current_turn = $4, turn_started_at = NULL, asked_cards = array_append(asked_cards, $3)
			 WHERE id = $5 AND phase = $6 AND round < $1`,
			round, level, cardKey, turn, roomID, from)
		if err != nil {
			return fmt.Errorf("failed to start round: %w", err)
		}
		applied = tag.RowsAffected() == 1
		if !applied {
			return nil
		}
		return insertRoomStateOutbox(ctx, tx, roomID)
	})
	return applied, err
}

// BeginResponseInput moves card_display -> response_input for the player on
// turn and stamps the response deadline base.
func (r *PgRepository) BeginResponseInput(ctx context.Context, roomID, playerID uuid.UUID, now time.Time) (bool, error) {
	var applied bool
	err := sqlutil.Run(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE rooms SET phase = 'response_input', turn_started_at = $1
			 WHERE id = $2 AND phase = 'card_display' AND current_turn = $3`,
			now, roomID, playerID)
		if err != nil {
			return fmt.Errorf("failed to begin response input: %w", err)
		}
		applied = tag.RowsAffected() == 1
		if !applied {
			return nil
		}
		return insertRoomStateOutbox(ctx, tx, roomID)
	})
	return applied, err
}

// CreateResponse inserts the response and flips the room into
// response_evaluation in one transaction.
func (r *PgRepository) CreateResponse(ctx context.Context, resp *models.Response) (bool, error) {
	var applied bool
	err := sqlutil.Run(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE rooms SET phase = 'response_evaluation'
			 WHERE id = $1 AND phase = 'response_input' AND current_turn = $2 AND round = $3`,
			resp.RoomID, resp.ResponderID, resp.Round)
		if err != nil {
			return fmt.Errorf("failed to advance to evaluation: %w", err)
		}
		applied = tag.RowsAffected() == 1
		if !applied {
			return nil
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO responses (id, room_id, round, responder_id, card_key, text, elapsed_ms, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			resp.ID, resp.RoomID, resp.Round, resp.ResponderID, resp.CardKey, resp.Text, resp.ElapsedMS, resp.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert response: %w", err)
		}
		return insertRoomStateOutbox(ctx, tx, resp.RoomID)
	})
	return applied, err
}

const responseColumns = `id, room_id, round, responder_id, card_key, text, elapsed_ms,
	honesty, attraction, intimacy, surprise, evaluator_id, ai_reasoning, created_at, evaluated_at`

func scanResponse(row pgx.Row) (*models.Response, error) {
	var resp models.Response
	var honesty, attraction, intimacy, surprise *int
	var aiReasoning *string
	err := row.Scan(&resp.ID, &resp.RoomID, &resp.Round, &resp.ResponderID, &resp.CardKey,
		&resp.Text, &resp.ElapsedMS, &honesty, &attraction, &intimacy, &surprise,
		&resp.EvaluatorID, &aiReasoning, &resp.CreatedAt, &resp.EvaluatedAt)
	if err != nil {
		return nil, err
	}
	if honesty != nil {
		resp.Scores = &models.PillarScores{
			Honesty: *honesty, Attraction: *attraction, Intimacy: *intimacy, Surprise: *surprise,
		}
	}
	if aiReasoning != nil {
		resp.AIReasoning = *aiReasoning
	}
	return &resp, nil
}

func (r *PgRepository) GetResponse(ctx context.Context, id uuid.UUID) (*models.Response, error) {
	resp, err := scanResponse(r.pool.QueryRow(ctx,
		`SELECT `+responseColumns+` FROM responses WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("response %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get response: %w", err)
	}
	return resp, nil
}

// GetRoundResponse returns the response for a round, or nil when the round
// has no submission yet.
func (r *PgRepository) GetRoundResponse(ctx context.Context, roomID uuid.UUID, round int) (*models.Response, error) {
	resp, err := scanResponse(r.pool.QueryRow(ctx,
		`SELECT `+responseColumns+` FROM responses WHERE room_id = $1 AND round = $2`, roomID, round))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get round response: %w", err)
	}
	return resp, nil
}

func (r *PgRepository) ListResponses(ctx context.Context, roomID uuid.UUID) ([]models.Response, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+responseColumns+` FROM responses WHERE room_id = $1 ORDER BY round`, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to query responses: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Response, error) {
		resp, err := scanResponse(row)
		if err != nil {
			return models.Response{}, err
		}
		return *resp, nil
	})
}

// EvaluateResponse writes the pillar scores at most once. The WHERE clause is
// the whole at-most-once and no-self-evaluation story: an already-evaluated
// response or a self-evaluation matches zero rows.
func (r *PgRepository) EvaluateResponse(ctx context.Context, responseID, evaluatorID uuid.UUID, scores models.PillarScores, now time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE responses
		 SET honesty = $1, attraction = $2, intimacy = $3, surprise = $4,
		     evaluator_id = $5, evaluated_at = $6
		 WHERE id = $7 AND evaluated_at IS NULL AND responder_id <> $5`,
		scores.Honesty, scores.Attraction, scores.Intimacy, scores.Surprise,
		evaluatorID, now, responseID)
	if err != nil {
		return false, fmt.Errorf("failed to evaluate response: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PgRepository) SubmitLevelUpVote(ctx context.Context, roomID, playerID uuid.UUID, accept bool) (bool, *bool, error) {
	var theirs *bool
	err := sqlutil.Run(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`SELECT 1 FROM rooms WHERE id = $1 FOR UPDATE`, roomID); err != nil {
			return fmt.Errorf("failed to lock room: %w", err)
		}
		tag, err := tx.Exec(ctx,
			`UPDATE participants SET level_up_vote = $1 WHERE room_id = $2 AND player_id = $3`,
			accept, roomID, playerID)
		if err != nil {
			return fmt.Errorf("failed to record level-up vote: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotParticipant
		}
		err = tx.QueryRow(ctx,
			`SELECT level_up_vote FROM participants WHERE room_id = $1 AND player_id <> $2`,
			roomID, playerID).Scan(&theirs)
		if errors.Is(err, pgx.ErrNoRows) {
			theirs = nil
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read partner level-up vote: %w", err)
		}
		return nil
	})
	return accept, theirs, err
}

func (r *PgRepository) ClearLevelUpVotes(ctx context.Context, roomID uuid.UUID) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE participants SET level_up_vote = NULL WHERE room_id = $1`, roomID)
	if err != nil {
		return fmt.Errorf("failed to clear level-up votes: %w", err)
	}
	return nil
}

func (r *PgRepository) FinishRoom(ctx context.Context, roomID uuid.UUID, now time.Time) error {
	return sqlutil.Run(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE rooms SET phase = 'finished', finished_at = $1
			 WHERE id = $2 AND phase <> 'finished'`,
			now, roomID)
		if err != nil {
			return fmt.Errorf("failed to finish room: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		return insertRoomStateOutbox(ctx, tx, roomID)
	})
}

func (r *PgRepository) InsertSyncAction(ctx context.Context, a *models.SyncAction) error {
	return sqlutil.Run(ctx, r.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO sync_actions (id, room_id, player_id, action_type, payload, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			a.ID, a.RoomID, a.PlayerID, a.ActionType, a.Payload, a.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert sync action: %w", err)
		}
		payload, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("failed to marshal sync action: %w", err)
		}
		return insertOutbox(ctx, tx, a.RoomID, "SyncActionCreated", payload)
	})
}

func (r *PgRepository) SaveReport(ctx context.Context, report *models.CompatibilityReport) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO compatibility_reports (room_id, summary, pillar_averages, raw, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (room_id) DO UPDATE SET summary = $2, pillar_averages = $3, raw = $4`,
		report.RoomID, report.Summary, report.PillarAverages, report.Raw, report.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save report: %w", err)
	}
	return nil
}

func (r *PgRepository) GetReport(ctx context.Context, roomID uuid.UUID) (*models.CompatibilityReport, error) {
	var report models.CompatibilityReport
	err := r.pool.QueryRow(ctx,
		`SELECT room_id, summary, pillar_averages, raw, created_at
		 FROM compatibility_reports WHERE room_id = $1`,
		roomID).Scan(&report.RoomID, &report.Summary, &report.PillarAverages, &report.Raw, &report.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get report: %w", err)
	}
	return &report, nil
}

// insertRoomStateOutbox snapshots the room row post-mutation into an outbox
// event inside the same transaction.
func insertRoomStateOutbox(ctx context.Context, tx pgx.Tx, roomID uuid.UUID) error {
	room, err := scanRoom(tx.QueryRow(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id = $1`, roomID))
	if err != nil {
		return err
	}
	payload, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("failed to marshal room state: %w", err)
	}
	return insertOutbox(ctx, tx, roomID, "RoomStateChanged", payload)
}

func insertConnectionOutbox(ctx context.Context, tx pgx.Tx, roomID, playerID uuid.UUID, status models.ConnectionStatus, at time.Time) error {
	payload, err := json.Marshal(models.ConnectionState{
		RoomID: roomID, PlayerID: playerID, Status: status, UpdatedAt: at,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal connection state: %w", err)
	}
	return insertOutbox(ctx, tx, roomID, "ConnectionStateChanged", payload)
}

func insertOutbox(ctx context.Context, tx pgx.Tx, roomID uuid.UUID, eventType string, payload []byte) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO room_outbox (id, room_id, event_type, payload, created_at)
		 VALUES ($1, $2, $3, $4, now())`,
		uuid.New(), roomID, eventType, payload)
	if err != nil {
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}
	return nil
}

package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tandemlabs/tandem/internal/models"
	"github.com/tandemlabs/tandem/internal/sqlutil"
)

var (
	ErrNoCreditAccount = errors.New("player has no credit account")
	ErrSessionRedeemed = errors.New("checkout session already redeemed")
)

// Repository implements credit storage against Postgres.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetBalance returns the player's current credit balance.
func (r *Repository) GetBalance(ctx context.Context, playerID uuid.UUID) (int, error) {
	var balance int
	err := r.pool.QueryRow(ctx,
		`SELECT balance FROM credits WHERE player_id = $1`, playerID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNoCreditAccount
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get credit balance: %w", err)
	}
	return balance, nil
}

// GrantCredits adds credits to the player's account, creating it on first
// grant.
func (r *Repository) GrantCredits(ctx context.Context, playerID uuid.UUID, amount int) (int, error) {
	var balance int
	err := r.pool.QueryRow(ctx,
		`INSERT INTO credits (player_id, balance, updated_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (player_id)
		 DO UPDATE SET balance = credits.balance + $2, updated_at = $3
		 RETURNING balance`,
		playerID, amount, time.Now().UTC()).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("failed to grant credits: %w", err)
	}
	return balance, nil
}

// RedeemSession grants credits for a verified checkout session. The session
// id is recorded with a unique constraint, so re-submitting the same session
// never grants twice.
func (r *Repository) RedeemSession(ctx context.Context, sessionID string, playerID uuid.UUID, quantity int) (int, error) {
	var balance int
	err := sqlutil.Run(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT INTO credit_redemptions (session_id, player_id, quantity, redeemed_at)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (session_id) DO NOTHING`,
			sessionID, playerID, quantity, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("failed to record redemption: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrSessionRedeemed
		}
		return tx.QueryRow(ctx,
			`INSERT INTO credits (player_id, balance, updated_at)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (player_id)
			 DO UPDATE SET balance = credits.balance + $2, updated_at = $3
			 RETURNING balance`,
			playerID, quantity, time.Now().UTC()).Scan(&balance)
	})
	if err != nil {
		return 0, err
	}
	return balance, nil
}

var (
	errRoomAlreadyUnlocked = errors.New("room already unlocked")
	errInsufficientCredits = errors.New("insufficient credits")
)

// ConsumeCreditForRoom spends one credit for a report on the given room. The
// spend row is claimed first: its primary key makes exactly one transaction
// per room win, and only the winner decrements the balance. A loser either
// rides the existing unlock for free or, when the winner had no credit left,
// retries against the rolled-back claim.
func (r *Repository) ConsumeCreditForRoom(ctx context.Context, roomCode string, playerID uuid.UUID) (*models.CreditResult, error) {
	var balance int
	err := sqlutil.Run(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT INTO credit_spends (room_code, player_id, spent_at)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (room_code) DO NOTHING`,
			roomCode, playerID, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("failed to claim credit spend: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return errRoomAlreadyUnlocked
		}
		err = tx.QueryRow(ctx,
			`UPDATE credits
			 SET balance = balance - 1, updated_at = $2
			 WHERE player_id = $1 AND balance > 0
			 RETURNING balance`,
			playerID, time.Now().UTC()).Scan(&balance)
		if errors.Is(err, pgx.ErrNoRows) {
			return errInsufficientCredits
		}
		if err != nil {
			return fmt.Errorf("failed to decrement balance: %w", err)
		}
		return nil
	})
	switch {
	case errors.Is(err, errRoomAlreadyUnlocked):
		balance, err := r.GetBalance(ctx, playerID)
		if err != nil && !errors.Is(err, ErrNoCreditAccount) {
			return nil, err
		}
		return &models.CreditResult{Success: true, NewBalance: balance}, nil
	case errors.Is(err, errInsufficientCredits):
		return &models.CreditResult{Success: false, Error: "insufficient credits"}, nil
	case err != nil:
		return nil, err
	}
	return &models.CreditResult{Success: true, NewBalance: balance}, nil
}

package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository reads and marks room_outbox rows. The room repository writes
// them; this side only drains.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) FetchByID(ctx context.Context, id uuid.UUID) (*RoomEvent, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, room_id, event_type, payload, created_at, sent_at
		 FROM room_outbox WHERE id = $1`, id)
	var e RoomEvent
	if err := row.Scan(&e.ID, &e.RoomID, &e.EventType, &e.Payload, &e.CreatedAt, &e.SentAt); err != nil {
		return nil, fmt.Errorf("failed to fetch outbox event: %w", err)
	}
	return &e, nil
}

// FetchUnsent returns unsent events oldest first, so replay preserves the
// order mutations committed in.
func (r *Repository) FetchUnsent(ctx context.Context, limit int) ([]RoomEvent, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, room_id, event_type, payload, created_at, sent_at
		 FROM room_outbox WHERE sent_at IS NULL
		 ORDER BY created_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch unsent outbox events: %w", err)
	}
	defer rows.Close()

	var events []RoomEvent
	for rows.Next() {
		var e RoomEvent
		if err := rows.Scan(&e.ID, &e.RoomID, &e.EventType, &e.Payload, &e.CreatedAt, &e.SentAt); err != nil {
			return nil, fmt.Errorf("failed to scan outbox event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (r *Repository) MarkSent(ctx context.Context, id uuid.UUID, now time.Time) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE room_outbox SET sent_at = $2 WHERE id = $1 AND sent_at IS NULL`, id, now)
	if err != nil {
		return fmt.Errorf("failed to mark outbox event as sent: %w", err)
	}
	return nil
}

package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ChrisDover/centinela-intel-sub001/internal/models"
	"github.com/google/uuid"
)

// EventRepository is the append-only engagement event log. It exposes no
// update or delete operations.
type EventRepository struct {
	db *sql.DB
}

func NewEventRepository(db *sql.DB) *EventRepository {
	return &EventRepository{db: db}
}

// Append records an engagement event unless one with the same EventID is
// already stored, in which case it reports false. Events without an
// EventID are always new.
func (r *EventRepository) Append(ctx context.Context, e *models.EngagementEvent) (bool, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.EventID == "" {
		e.EventID = e.ID
	}
	e.CreatedAt = time.Now().UTC()
	e.OccurredAt = e.OccurredAt.UTC()

	var recipientID any
	if e.RecipientID != "" {
		recipientID = e.RecipientID
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO engagement_events (id, event_id, recipient_id, message_id, type, occurred_at, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO NOTHING`,
		e.ID, e.EventID, recipientID, e.MessageID, e.Type, e.OccurredAt, e.Payload, e.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to append event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to append event: %w", err)
	}
	return n > 0, nil
}

// OpenHourCounts builds a 24-bucket histogram of opened events by UTC hour
// for events at or after since. An empty recipientID covers all recipients.
func (r *EventRepository) OpenHourCounts(ctx context.Context, recipientID string, since time.Time) ([24]int, error) {
	var counts [24]int

	query := "SELECT occurred_at FROM engagement_events WHERE type = ? AND occurred_at >= ?"
	args := []any{models.EventOpened, since.UTC()}
	if recipientID != "" {
		query += " AND recipient_id = ?"
		args = append(args, recipientID)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return counts, err
	}
	defer rows.Close()

	for rows.Next() {
		var at time.Time
		if err := rows.Scan(&at); err != nil {
			return counts, err
		}
		counts[at.UTC().Hour()]++
	}
	return counts, rows.Err()
}

// ListByMessageID returns the events recorded for a provider message, oldest first
func (r *EventRepository) ListByMessageID(ctx context.Context, messageID string) ([]models.EngagementEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, event_id, COALESCE(recipient_id, ''), message_id, type, occurred_at, COALESCE(payload, ''), created_at
		FROM engagement_events WHERE message_id = ?
		ORDER BY occurred_at, created_at`, messageID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []models.EngagementEvent{}
	for rows.Next() {
		var e models.EngagementEvent
		if err := rows.Scan(&e.ID, &e.EventID, &e.RecipientID, &e.MessageID, &e.Type, &e.OccurredAt, &e.Payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.OccurredAt = e.OccurredAt.UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

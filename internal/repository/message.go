package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ChrisDover/centinela-intel-sub001/internal/models"
	"github.com/google/uuid"
)

const messageColumns = `id, campaign_id, recipient_id, variant_id, to_address, from_name, subject, html, status,
	scheduled_at, provider_message_id, attempted_at, error, created_at, updated_at`

type MessageRepository struct {
	db *sql.DB
}

func NewMessageRepository(db *sql.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// InsertIfAbsent stores a pending message unless the campaign already has one
// for the recipient, then returns the stored row.
func (r *MessageRepository) InsertIfAbsent(ctx context.Context, m *models.ScheduledMessage) (*models.ScheduledMessage, error) {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	now := time.Now().UTC()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO scheduled_messages (id, campaign_id, recipient_id, variant_id, to_address, from_name, subject, html, status, scheduled_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(campaign_id, recipient_id) DO NOTHING`,
		m.ID, m.CampaignID, m.RecipientID, m.VariantID, m.ToAddress, m.FromName, m.Subject, m.HTML,
		models.MessagePending, m.ScheduledAt.UTC(), now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}

	stored, err := r.GetByCampaignRecipient(ctx, m.CampaignID, m.RecipientID)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, fmt.Errorf("message %s/%s vanished after insert", m.CampaignID, m.RecipientID)
	}
	return stored, nil
}

// GetByID returns a message by ID, or nil
func (r *MessageRepository) GetByID(ctx context.Context, id string) (*models.ScheduledMessage, error) {
	return r.getOne(ctx, "id = ?", id)
}

// GetByCampaignRecipient returns the campaign's message for a recipient, or nil
func (r *MessageRepository) GetByCampaignRecipient(ctx context.Context, campaignID, recipientID string) (*models.ScheduledMessage, error) {
	return r.getOne(ctx, "campaign_id = ? AND recipient_id = ?", campaignID, recipientID)
}

// GetByProviderID returns the message the provider knows under providerID, or nil
func (r *MessageRepository) GetByProviderID(ctx context.Context, providerID string) (*models.ScheduledMessage, error) {
	if providerID == "" {
		return nil, nil
	}
	return r.getOne(ctx, "provider_message_id = ?", providerID)
}

func (r *MessageRepository) getOne(ctx context.Context, where string, args ...any) (*models.ScheduledMessage, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+messageColumns+" FROM scheduled_messages WHERE "+where+" LIMIT 1", args...)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ListByStatus returns a campaign's messages in the given status in
// creation order
func (r *MessageRepository) ListByStatus(ctx context.Context, campaignID, status string) ([]models.ScheduledMessage, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM scheduled_messages
		WHERE campaign_id = ? AND status = ?
		ORDER BY created_at, id`, campaignID, status,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []models.ScheduledMessage{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *m)
	}
	return messages, rows.Err()
}

// CampaignsWithPending returns the ids of campaigns that still have pending messages
func (r *MessageRepository) CampaignsWithPending(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT campaign_id FROM scheduled_messages
		WHERE status = ? ORDER BY campaign_id`, models.MessagePending,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MarkAttempted stamps attempted_at on pending messages about to be handed
// to the provider
func (r *MessageRepository) MarkAttempted(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	args := []any{at.UTC(), at.UTC()}
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := r.db.ExecContext(ctx,
		"UPDATE scheduled_messages SET attempted_at = ?, updated_at = ? WHERE id IN ("+placeholders(len(ids))+")",
		args...)
	if err != nil {
		return fmt.Errorf("failed to mark messages attempted: %w", err)
	}
	return nil
}

// UpdateScheduledAt moves a pending message to a new send time
func (r *MessageRepository) UpdateScheduledAt(ctx context.Context, id string, scheduledAt time.Time) error {
	res, err := r.db.ExecContext(ctx,
		"UPDATE scheduled_messages SET scheduled_at = ?, updated_at = ? WHERE id = ?",
		scheduledAt.UTC(), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return expectOneRow(res, "message", id)
}

// MarkScheduled records the provider ids of an accepted batch. ids and
// providerIDs are matched by position and written in one transaction.
func (r *MessageRepository) MarkScheduled(ctx context.Context, ids, providerIDs []string) error {
	if len(ids) != len(providerIDs) {
		return fmt.Errorf("got %d provider ids for %d messages", len(providerIDs), len(ids))
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE scheduled_messages SET status = ?, provider_message_id = ?, error = '', updated_at = ?
		WHERE id = ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for i, id := range ids {
		if _, err := stmt.ExecContext(ctx, models.MessageScheduled, providerIDs[i], now, id); err != nil {
			return fmt.Errorf("failed to mark message %s scheduled: %w", id, err)
		}
	}
	return tx.Commit()
}

// MarkFailed marks every message of a batch failed with the same error text
func (r *MessageRepository) MarkFailed(ctx context.Context, ids []string, errText string) error {
	if len(ids) == 0 {
		return nil
	}
	args := []any{models.MessageFailed, errText, time.Now().UTC()}
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := r.db.ExecContext(ctx,
		"UPDATE scheduled_messages SET status = ?, error = ?, updated_at = ? WHERE id IN ("+placeholders(len(ids))+")",
		args...)
	if err != nil {
		return fmt.Errorf("failed to mark messages failed: %w", err)
	}
	return nil
}

// UpdateStatusByProviderID applies a delivery outcome reported by the
// provider. Only scheduled or sent messages move; reports for unknown ids
// affect nothing and return false.
func (r *MessageRepository) UpdateStatusByProviderID(ctx context.Context, providerID, status, errText string) (bool, error) {
	if providerID == "" {
		return false, nil
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE scheduled_messages SET status = ?, error = ?, updated_at = ?
		WHERE provider_message_id = ? AND status IN (?, ?)`,
		status, errText, time.Now().UTC(), providerID, models.MessageScheduled, models.MessageSent,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Stats returns per-status message counts for a campaign
func (r *MessageRepository) Stats(ctx context.Context, campaignID string) (*models.MessageStats, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT status, COUNT(*) FROM scheduled_messages WHERE campaign_id = ? GROUP BY status", campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := &models.MessageStats{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		stats.Total += n
		switch status {
		case models.MessagePending:
			stats.Pending = n
		case models.MessageScheduled:
			stats.Scheduled = n
		case models.MessageSent:
			stats.Sent = n
		case models.MessageFailed:
			stats.Failed = n
		}
	}
	return stats, rows.Err()
}

// DeleteFinishedBefore removes sent and failed messages last updated before
// the cutoff. Pending and scheduled rows are never removed.
func (r *MessageRepository) DeleteFinishedBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM scheduled_messages
		WHERE status IN (?, ?) AND updated_at < ?`,
		models.MessageSent, models.MessageFailed, before.UTC(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanMessage(s rowScanner) (*models.ScheduledMessage, error) {
	m := &models.ScheduledMessage{}
	var attemptedAt sql.NullTime
	err := s.Scan(&m.ID, &m.CampaignID, &m.RecipientID, &m.VariantID, &m.ToAddress, &m.FromName, &m.Subject, &m.HTML, &m.Status,
		&m.ScheduledAt, &m.ProviderMessageID, &attemptedAt, &m.Error, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	m.ScheduledAt = m.ScheduledAt.UTC()
	if attemptedAt.Valid {
		t := attemptedAt.Time.UTC()
		m.AttemptedAt = &t
	}
	return m, nil
}

// CountByStatus counts messages in a status across all campaigns
func (r *MessageRepository) CountByStatus(ctx context.Context, status string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM scheduled_messages WHERE status = ?", status).Scan(&n)
	return n, err
}

package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ChrisDover/centinela-intel-sub001/internal/models"
	"github.com/google/uuid"
)

const recipientColumns = `id, email, name, status, unsubscribe_token, optimal_hour,
	send_time_confidence, last_analyzed_at, created_at`

type RecipientRepository struct {
	db *sql.DB
}

func NewRecipientRepository(db *sql.DB) *RecipientRepository {
	return &RecipientRepository{db: db}
}

// Create adds a recipient. The recipient directory owns this data in
// production; the engine only creates rows when seeding.
func (r *RecipientRepository) Create(ctx context.Context, rec *models.Recipient) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Status == "" {
		rec.Status = models.RecipientActive
	}
	if rec.UnsubscribeToken == "" {
		rec.UnsubscribeToken = uuid.New().String()
	}
	if rec.LastAnalyzedAt == nil && rec.OptimalHour == 0 {
		rec.OptimalHour = models.DefaultOptimalHour
	}
	rec.CreatedAt = time.Now().UTC()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO recipients (id, email, name, status, unsubscribe_token, optimal_hour, send_time_confidence, last_analyzed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Email, rec.Name, rec.Status, rec.UnsubscribeToken, rec.OptimalHour,
		rec.SendTimeConfidence, utcPtr(rec.LastAnalyzedAt), rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create recipient: %w", err)
	}
	return nil
}

// GetByID returns a recipient by ID, or nil when it does not exist
func (r *RecipientRepository) GetByID(ctx context.Context, id string) (*models.Recipient, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+recipientColumns+" FROM recipients WHERE id = ?", id)
	rec, err := scanRecipient(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// GetByIDs returns the recipients with the given IDs in the order requested.
// Unknown IDs are skipped.
func (r *RecipientRepository) GetByIDs(ctx context.Context, ids []string) ([]models.Recipient, error) {
	result := make([]models.Recipient, 0, len(ids))
	for _, id := range ids {
		rec, err := r.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			result = append(result, *rec)
		}
	}
	return result, nil
}

// ListActive returns up to limit active recipients with id > afterID,
// ordered by id. Passing the last id of a page fetches the next one.
func (r *RecipientRepository) ListActive(ctx context.Context, afterID string, limit int) ([]models.Recipient, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+recipientColumns+` FROM recipients
		WHERE status = ? AND id > ?
		ORDER BY id
		LIMIT ?`, models.RecipientActive, afterID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recipients := []models.Recipient{}
	for rows.Next() {
		rec, err := scanRecipient(rows)
		if err != nil {
			return nil, err
		}
		recipients = append(recipients, *rec)
	}
	return recipients, rows.Err()
}

// UpdateSendTime stores the optimizer's result for a recipient
func (r *RecipientRepository) UpdateSendTime(ctx context.Context, id string, hour int, confidence float64, analyzedAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE recipients SET optimal_hour = ?, send_time_confidence = ?, last_analyzed_at = ?
		WHERE id = ?`,
		hour, confidence, analyzedAt.UTC(), id,
	)
	if err != nil {
		return err
	}
	return expectOneRow(res, "recipient", id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecipient(s rowScanner) (*models.Recipient, error) {
	rec := &models.Recipient{}
	var analyzedAt sql.NullTime
	err := s.Scan(&rec.ID, &rec.Email, &rec.Name, &rec.Status, &rec.UnsubscribeToken, &rec.OptimalHour,
		&rec.SendTimeConfidence, &analyzedAt, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	if analyzedAt.Valid {
		t := analyzedAt.Time.UTC()
		rec.LastAnalyzedAt = &t
	}
	return rec, nil
}

package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ChrisDover/centinela-intel-sub001/internal/models"
	"github.com/google/uuid"
)

type CampaignRepository struct {
	db *sql.DB
}

func NewCampaignRepository(db *sql.DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

// Create creates a new campaign
func (r *CampaignRepository) Create(ctx context.Context, c *models.Campaign) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Variables == "" {
		c.Variables = "{}"
	}
	c.CreatedAt = time.Now().UTC()
	c.UpdatedAt = c.CreatedAt

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO campaigns (id, name, from_email, from_name, reply_to, subject, html, variables, test_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.FromEmail, c.FromName, c.ReplyTo, c.Subject, c.HTML, c.Variables, c.TestID, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create campaign: %w", err)
	}
	return nil
}

// GetByID returns a campaign by ID
func (r *CampaignRepository) GetByID(ctx context.Context, id string) (*models.Campaign, error) {
	c := &models.Campaign{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, from_email, from_name, reply_to, subject, html, variables, test_id, created_at, updated_at
		FROM campaigns WHERE id = ?`, id,
	).Scan(&c.ID, &c.Name, &c.FromEmail, &c.FromName, &c.ReplyTo, &c.Subject, &c.HTML, &c.Variables, &c.TestID, &c.CreatedAt, &c.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ChrisDover/centinela-intel-sub001/internal/models"
	"github.com/google/uuid"
)

const testColumns = `id, name, type, variants, target_metric, min_sample_size, status,
	winner_variant_id, final_stats, created_at, completed_at`

type TestRepository struct {
	db *sql.DB
}

func NewTestRepository(db *sql.DB) *TestRepository {
	return &TestRepository{db: db}
}

// Create creates a running test. CreatedAt is kept when already set so
// callers can backdate tests.
func (r *TestRepository) Create(ctx context.Context, t *models.Test) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.Status = models.TestRunning
	t.WinnerVariantID = ""
	t.FinalStats = nil
	t.CompletedAt = nil

	variants, err := json.Marshal(t.Variants)
	if err != nil {
		return fmt.Errorf("failed to encode variants: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO tests (id, name, type, variants, target_metric, min_sample_size, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.Type, string(variants), t.TargetMetric, t.MinSampleSize, t.Status, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create test: %w", err)
	}
	return nil
}

// GetByID returns a test by ID, or nil when it does not exist
func (r *TestRepository) GetByID(ctx context.Context, id string) (*models.Test, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+testColumns+" FROM tests WHERE id = ?", id)
	t, err := scanTest(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// ListRunningIDs returns the ids of all running tests, oldest first
func (r *TestRepository) ListRunningIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT id FROM tests WHERE status = ? ORDER BY created_at, id", models.TestRunning)
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

// CountRunning returns the number of running tests
func (r *TestRepository) CountRunning(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tests WHERE status = ?", models.TestRunning).Scan(&n)
	return n, err
}

// Complete moves a running test to completed and stores the per-variant
// stats it was decided on. It reports false when the test was no longer
// running, in which case nothing is written.
func (r *TestRepository) Complete(ctx context.Context, id, winnerVariantID string, completedAt time.Time,
	stats []models.VariantStats) (bool, error) {
	snapshot, err := json.Marshal(stats)
	if err != nil {
		return false, fmt.Errorf("failed to encode stats: %w", err)
	}
	return r.finish(ctx, id, models.TestCompleted, winnerVariantID, completedAt, string(snapshot))
}

// Cancel moves a running test to cancelled. It reports false when the test
// was no longer running.
func (r *TestRepository) Cancel(ctx context.Context, id string, cancelledAt time.Time) (bool, error) {
	return r.finish(ctx, id, models.TestCancelled, "", cancelledAt, nil)
}

func (r *TestRepository) finish(ctx context.Context, id, status, winner string, at time.Time, stats any) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE tests SET status = ?, winner_variant_id = ?, final_stats = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		status, winner, stats, at.UTC(), id, models.TestRunning,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func scanTest(s rowScanner) (*models.Test, error) {
	t := &models.Test{}
	var variants string
	var finalStats sql.NullString
	var completedAt sql.NullTime
	err := s.Scan(&t.ID, &t.Name, &t.Type, &variants, &t.TargetMetric, &t.MinSampleSize, &t.Status,
		&t.WinnerVariantID, &finalStats, &t.CreatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(variants), &t.Variants); err != nil {
		return nil, fmt.Errorf("test %s: invalid variants: %w", t.ID, err)
	}
	if finalStats.Valid && finalStats.String != "" {
		if err := json.Unmarshal([]byte(finalStats.String), &t.FinalStats); err != nil {
			return nil, fmt.Errorf("test %s: invalid final stats: %w", t.ID, err)
		}
	}
	t.CreatedAt = t.CreatedAt.UTC()
	if completedAt.Valid {
		c := completedAt.Time.UTC()
		t.CompletedAt = &c
	}
	return t, nil
}

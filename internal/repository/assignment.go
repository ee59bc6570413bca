package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ChrisDover/centinela-intel-sub001/internal/models"
)

type AssignmentRepository struct {
	db *sql.DB
}

func NewAssignmentRepository(db *sql.DB) *AssignmentRepository {
	return &AssignmentRepository{db: db}
}

// InsertIfAbsent stores the assignment unless one already exists for the
// (test, recipient) pair, then returns whatever is stored. A concurrent
// first access therefore always converges on a single row.
func (r *AssignmentRepository) InsertIfAbsent(ctx context.Context, a *models.VariantAssignment) (*models.VariantAssignment, error) {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO variant_assignments (test_id, recipient_id, variant_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(test_id, recipient_id) DO NOTHING`,
		a.TestID, a.RecipientID, a.VariantID, time.Now().UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert assignment: %w", err)
	}

	stored, err := r.Get(ctx, a.TestID, a.RecipientID)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, fmt.Errorf("assignment %s/%s vanished after insert", a.TestID, a.RecipientID)
	}
	return stored, nil
}

// Get returns the assignment for a (test, recipient) pair, or nil
func (r *AssignmentRepository) Get(ctx context.Context, testID, recipientID string) (*models.VariantAssignment, error) {
	a := &models.VariantAssignment{}
	err := r.db.QueryRowContext(ctx, `
		SELECT test_id, recipient_id, variant_id, opened, clicked, created_at
		FROM variant_assignments WHERE test_id = ? AND recipient_id = ?`, testID, recipientID,
	).Scan(&a.TestID, &a.RecipientID, &a.VariantID, &a.Opened, &a.Clicked, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// CountsByVariant aggregates assignment outcomes per variant. Variants
// without assignments are absent from the result.
func (r *AssignmentRepository) CountsByVariant(ctx context.Context, testID string) (map[string]models.VariantCounts, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT variant_id, COUNT(*), COALESCE(SUM(opened), 0), COALESCE(SUM(clicked), 0)
		FROM variant_assignments
		WHERE test_id = ?
		GROUP BY variant_id`, testID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]models.VariantCounts)
	for rows.Next() {
		var c models.VariantCounts
		if err := rows.Scan(&c.VariantID, &c.Total, &c.Opened, &c.Clicked); err != nil {
			return nil, err
		}
		counts[c.VariantID] = c
	}
	return counts, rows.Err()
}

// MarkOpened sets the opened flag of an assignment
func (r *AssignmentRepository) MarkOpened(ctx context.Context, testID, recipientID string) (bool, error) {
	return r.mark(ctx, "UPDATE variant_assignments SET opened = 1 WHERE test_id = ? AND recipient_id = ?",
		testID, recipientID)
}

// MarkClicked sets the clicked flag of an assignment. A click implies the
// message was opened, so opened is set as well.
func (r *AssignmentRepository) MarkClicked(ctx context.Context, testID, recipientID string) (bool, error) {
	return r.mark(ctx, "UPDATE variant_assignments SET opened = 1, clicked = 1 WHERE test_id = ? AND recipient_id = ?",
		testID, recipientID)
}

func (r *AssignmentRepository) mark(ctx context.Context, query, testID, recipientID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, query, testID, recipientID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

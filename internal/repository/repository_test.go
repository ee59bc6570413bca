package repository

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/ChrisDover/centinela-intel-sub001/internal/db"
	"github.com/ChrisDover/centinela-intel-sub001/internal/models"
)

// setupTestDB creates a migrated SQLite database in a temp dir
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := database.Migrate(); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return database.DB
}

func createTestRecipient(t *testing.T, conn *sql.DB, email string) *models.Recipient {
	t.Helper()

	rec := &models.Recipient{Email: email, Name: "Test"}
	if err := NewRecipientRepository(conn).Create(context.Background(), rec); err != nil {
		t.Fatalf("failed to create recipient: %v", err)
	}
	return rec
}

func createTestTest(t *testing.T, conn *sql.DB, createdAt time.Time) *models.Test {
	t.Helper()

	test := &models.Test{
		Name: "Subject line",
		Type: models.TestTypeSubject,
		Variants: []models.Variant{
			{ID: "a", Value: "Weekly brief"},
			{ID: "b", Value: "Your intel digest"},
		},
		TargetMetric:  models.MetricOpenRate,
		MinSampleSize: 10,
		CreatedAt:     createdAt,
	}
	if err := NewTestRepository(conn).Create(context.Background(), test); err != nil {
		t.Fatalf("failed to create test: %v", err)
	}
	return test
}

func createTestCampaign(t *testing.T, conn *sql.DB, testID string) *models.Campaign {
	t.Helper()

	c := &models.Campaign{
		Name:      "Weekly",
		FromEmail: "news@example.com",
		Subject:   "Hello {{name}}",
		HTML:      "<p>Hi {{name}}</p>",
		TestID:    testID,
	}
	if err := NewCampaignRepository(conn).Create(context.Background(), c); err != nil {
		t.Fatalf("failed to create campaign: %v", err)
	}
	return c
}

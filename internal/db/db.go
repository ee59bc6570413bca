package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

type DB struct {
	*sql.DB
}

func New(path string) (*DB, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &DB{db}, nil
}

func (db *DB) Migrate() error {
	migrations := []string{
		migrationRecipients,
		migrationTests,
		migrationVariantAssignments,
		migrationEngagementEvents,
		migrationCampaigns,
		migrationScheduledMessages,
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

const migrationRecipients = `
CREATE TABLE IF NOT EXISTS recipients (
    id TEXT PRIMARY KEY,
    email TEXT UNIQUE NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'active',
    unsubscribe_token TEXT NOT NULL DEFAULT '',
    optimal_hour INTEGER NOT NULL DEFAULT 6,
    send_time_confidence REAL NOT NULL DEFAULT 0,
    last_analyzed_at TIMESTAMP,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_recipients_status ON recipients(status);
`

const migrationTests = `
CREATE TABLE IF NOT EXISTS tests (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL DEFAULT '',
    type TEXT NOT NULL,
    variants JSON NOT NULL,
    target_metric TEXT NOT NULL,
    min_sample_size INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'running',
    winner_variant_id TEXT NOT NULL DEFAULT '',
    final_stats JSON,
    created_at TIMESTAMP NOT NULL,
    completed_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_tests_status ON tests(status);
`

const migrationVariantAssignments = `
CREATE TABLE IF NOT EXISTS variant_assignments (
    test_id TEXT NOT NULL REFERENCES tests(id) ON DELETE CASCADE,
    recipient_id TEXT NOT NULL,
    variant_id TEXT NOT NULL,
    opened INTEGER NOT NULL DEFAULT 0,
    clicked INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (test_id, recipient_id)
);
`

const migrationEngagementEvents = `
CREATE TABLE IF NOT EXISTS engagement_events (
    id TEXT PRIMARY KEY,
    event_id TEXT NOT NULL,
    recipient_id TEXT,
    message_id TEXT NOT NULL,
    type TEXT NOT NULL,
    occurred_at TIMESTAMP NOT NULL,
    payload JSON,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_engagement_events_event_id ON engagement_events(event_id);
CREATE INDEX IF NOT EXISTS idx_engagement_events_recipient ON engagement_events(recipient_id, type, occurred_at);
CREATE INDEX IF NOT EXISTS idx_engagement_events_type ON engagement_events(type, occurred_at);
`

const migrationCampaigns = `
CREATE TABLE IF NOT EXISTS campaigns (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    from_email TEXT NOT NULL,
    from_name TEXT NOT NULL DEFAULT '',
    reply_to TEXT NOT NULL DEFAULT '',
    subject TEXT NOT NULL DEFAULT '',
    html TEXT NOT NULL DEFAULT '',
    variables JSON NOT NULL DEFAULT '{}',
    test_id TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
`

const migrationScheduledMessages = `
CREATE TABLE IF NOT EXISTS scheduled_messages (
    id TEXT PRIMARY KEY,
    campaign_id TEXT NOT NULL REFERENCES campaigns(id) ON DELETE CASCADE,
    recipient_id TEXT NOT NULL,
    variant_id TEXT NOT NULL DEFAULT '',
    to_address TEXT NOT NULL,
    from_name TEXT NOT NULL DEFAULT '',
    subject TEXT NOT NULL,
    html TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    scheduled_at TIMESTAMP NOT NULL,
    provider_message_id TEXT NOT NULL DEFAULT '',
    attempted_at TIMESTAMP,
    error TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    UNIQUE(campaign_id, recipient_id)
);
CREATE INDEX IF NOT EXISTS idx_scheduled_messages_status ON scheduled_messages(campaign_id, status);
CREATE INDEX IF NOT EXISTS idx_scheduled_messages_provider ON scheduled_messages(provider_message_id);
`

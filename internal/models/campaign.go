package models

import "time"

// Campaign represents a newsletter send, optionally linked to an A/B test
type Campaign struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	FromEmail string    `json:"from_email"`
	FromName  string    `json:"from_name"`
	ReplyTo   string    `json:"reply_to"`
	Subject   string    `json:"subject"`   // template, {{variable}} placeholders
	HTML      string    `json:"html"`      // template, {{variable}} placeholders
	Variables string    `json:"variables"` // JSON
	TestID    string    `json:"test_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ScheduledMessage statuses
const (
	MessagePending   = "pending"
	MessageScheduled = "scheduled"
	MessageSent      = "sent"
	MessageFailed    = "failed"
)

// ScheduledMessage is one recipient's copy of a campaign
type ScheduledMessage struct {
	ID                string     `json:"id"`
	CampaignID        string     `json:"campaign_id"`
	RecipientID       string     `json:"recipient_id"`
	VariantID         string     `json:"variant_id,omitempty"`
	ToAddress         string     `json:"to"`
	FromName          string     `json:"from_name,omitempty"` // overrides the campaign's when set
	Subject           string     `json:"subject"`
	HTML              string     `json:"html"`
	Status            string     `json:"status"` // pending, scheduled, sent, failed
	ScheduledAt       time.Time  `json:"scheduled_at"`
	ProviderMessageID string     `json:"provider_message_id,omitempty"`
	AttemptedAt       *time.Time `json:"attempted_at,omitempty"`
	Error             string     `json:"error,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// MessageStats holds aggregated message counts for a campaign
type MessageStats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Scheduled int `json:"scheduled"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
}

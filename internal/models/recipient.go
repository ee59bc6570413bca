package models

import "time"

// Recipient statuses
const (
	RecipientActive       = "active"
	RecipientUnsubscribed = "unsubscribed"
	RecipientBounced      = "bounced"
)

// DefaultOptimalHour is the UTC hour used when nothing better is known
const DefaultOptimalHour = 6

// Recipient represents an addressable subscriber
type Recipient struct {
	ID                 string     `json:"id"`
	Email              string     `json:"email"`
	Name               string     `json:"name"`
	Status             string     `json:"status"` // active, unsubscribed, bounced
	UnsubscribeToken   string     `json:"unsubscribe_token,omitempty"`
	OptimalHour        int        `json:"optimal_hour"`         // 0-23, UTC
	SendTimeConfidence float64    `json:"send_time_confidence"` // 0-1
	LastAnalyzedAt     *time.Time `json:"last_analyzed_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

// IsActive reports whether the recipient may receive scheduled messages
func (r *Recipient) IsActive() bool {
	return r.Status == RecipientActive
}

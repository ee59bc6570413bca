package models

import "time"

// Engagement event types
const (
	EventDelivered  = "delivered"
	EventOpened     = "opened"
	EventClicked    = "clicked"
	EventBounced    = "bounced"
	EventComplained = "complained"
)

// EngagementEvent is an append-only record of a provider webhook notification
type EngagementEvent struct {
	ID          string    `json:"id"`
	EventID     string    `json:"event_id"`               // provider event id, unique
	RecipientID string    `json:"recipient_id,omitempty"` // empty when the message is unknown
	MessageID   string    `json:"message_id"`             // provider message id
	Type        string    `json:"type"`
	OccurredAt  time.Time `json:"occurred_at"`
	Payload     string    `json:"payload"` // raw JSON
	CreatedAt   time.Time `json:"created_at"`
}

// IsEventType reports whether t is a known engagement event type
func IsEventType(t string) bool {
	switch t {
	case EventDelivered, EventOpened, EventClicked, EventBounced, EventComplained:
		return true
	}
	return false
}

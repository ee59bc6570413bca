package engagement

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ChrisDover/centinela-intel-sub001/internal/models"
)

// ErrInvalidPayload is returned for webhook bodies that cannot be decoded
var ErrInvalidPayload = errors.New("invalid webhook payload")

// Event is a provider notification normalized to engine terms
type Event struct {
	Type              string // models.Event*, or the raw provider type when unknown
	EventID           string // provider event id, or a hash of the raw event
	ProviderMessageID string
	MessageID         string // scheduled message id, when the provider echoes it
	OccurredAt        time.Time
	Reason            string // bounce or drop reason, when given
	Payload           string
}

var genericTypes = map[string]string{
	"email.delivered":  models.EventDelivered,
	"email.opened":     models.EventOpened,
	"email.clicked":    models.EventClicked,
	"email.bounced":    models.EventBounced,
	"email.complained": models.EventComplained,
}

var sendgridTypes = map[string]string{
	"delivered":  models.EventDelivered,
	"open":       models.EventOpened,
	"click":      models.EventClicked,
	"bounce":     models.EventBounced,
	"dropped":    models.EventBounced,
	"spamreport": models.EventComplained,
}

type genericPayload struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	CreatedAt string `json:"created_at"`
	Data      struct {
		EmailID   string `json:"email_id"`
		MessageID string `json:"message_id"`
	} `json:"data"`
}

type sendgridEvent struct {
	Event       string `json:"event"`
	Timestamp   int64  `json:"timestamp"`
	SGEventID   string `json:"sg_event_id"`
	SGMessageID string `json:"sg_message_id"`
	MessageID   string `json:"message_id"` // custom arg set when sending
	Reason      string `json:"reason"`
}

// Parse decodes a webhook body. JSON arrays are read as SendGrid event
// batches, objects as the generic {type, created_at, data} payload.
// now stamps events that carry no timestamp.
func Parse(body []byte, now time.Time) ([]Event, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrInvalidPayload)
	}
	if trimmed[0] == '[' {
		return ParseSendGrid(trimmed, now)
	}
	ev, err := ParseGeneric(trimmed, now)
	if err != nil {
		return nil, err
	}
	return []Event{ev}, nil
}

// ParseGeneric decodes a single {type, created_at, data{email_id}} event
func ParseGeneric(body []byte, now time.Time) (Event, error) {
	var p genericPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if p.Type == "" {
		return Event{}, fmt.Errorf("%w: missing type", ErrInvalidPayload)
	}
	if p.Data.EmailID == "" && p.Data.MessageID == "" {
		return Event{}, fmt.Errorf("%w: missing data.email_id", ErrInvalidPayload)
	}

	occurred := now
	if p.CreatedAt != "" {
		t, err := time.Parse(time.RFC3339Nano, p.CreatedAt)
		if err != nil {
			return Event{}, fmt.Errorf("%w: bad created_at: %v", ErrInvalidPayload, err)
		}
		occurred = t
	}

	eventType, ok := genericTypes[p.Type]
	if !ok {
		eventType = strings.TrimPrefix(p.Type, "email.")
	}

	return Event{
		Type:              eventType,
		EventID:           eventID(p.ID, body),
		ProviderMessageID: p.Data.EmailID,
		MessageID:         p.Data.MessageID,
		OccurredAt:        occurred.UTC(),
		Payload:           string(body),
	}, nil
}

// ParseSendGrid decodes a SendGrid event webhook batch
func ParseSendGrid(body []byte, now time.Time) ([]Event, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	events := make([]Event, 0, len(raw))
	for i, item := range raw {
		var e sendgridEvent
		if err := json.Unmarshal(item, &e); err != nil {
			return nil, fmt.Errorf("%w: event %d: %v", ErrInvalidPayload, i, err)
		}

		eventType, ok := sendgridTypes[e.Event]
		if !ok {
			eventType = e.Event
		}

		occurred := now
		if e.Timestamp > 0 {
			occurred = time.Unix(e.Timestamp, 0)
		}

		events = append(events, Event{
			Type:              eventType,
			EventID:           eventID(e.SGEventID, item),
			ProviderMessageID: sendgridMessageID(e.SGMessageID),
			MessageID:         e.MessageID,
			OccurredAt:        occurred.UTC(),
			Reason:            e.Reason,
			Payload:           string(item),
		})
	}
	return events, nil
}

// sendgridMessageID strips the filter suffix SendGrid appends to the
// X-Message-Id returned at send time
func sendgridMessageID(id string) string {
	if i := strings.IndexByte(id, '.'); i >= 0 {
		return id[:i]
	}
	return id
}

// eventID returns the provider's event id, or a digest of the raw event
// when the provider sends none. Retried deliveries map to the same id.
func eventID(id string, raw []byte) string {
	if id != "" {
		return id
	}
	sum := sha256.Sum256(bytes.TrimSpace(raw))
	return "sha256:" + hex.EncodeToString(sum[:])
}

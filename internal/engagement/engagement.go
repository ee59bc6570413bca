// Package engagement ingests provider webhook notifications: it appends
// them to the event log, feeds open and click outcomes back into running
// tests and moves scheduled messages to their delivered state.
package engagement

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ChrisDover/centinela-intel-sub001/internal/apperr"
	"github.com/ChrisDover/centinela-intel-sub001/internal/metrics"
	"github.com/ChrisDover/centinela-intel-sub001/internal/models"
)

// EventStore appends engagement events
type EventStore interface {
	Append(ctx context.Context, e *models.EngagementEvent) (bool, error)
}

// MessageStore finds and updates scheduled messages
type MessageStore interface {
	GetByID(ctx context.Context, id string) (*models.ScheduledMessage, error)
	GetByProviderID(ctx context.Context, providerID string) (*models.ScheduledMessage, error)
	UpdateStatusByProviderID(ctx context.Context, providerID, status, errText string) (bool, error)
}

// CampaignStore loads campaigns
type CampaignStore interface {
	GetByID(ctx context.Context, id string) (*models.Campaign, error)
}

// AssignmentStore sets test outcome flags
type AssignmentStore interface {
	MarkOpened(ctx context.Context, testID, recipientID string) (bool, error)
	MarkClicked(ctx context.Context, testID, recipientID string) (bool, error)
}

// Result summarizes a Record call
type Result struct {
	Recorded   int `json:"recorded"`
	Duplicates int `json:"duplicates"`
	Ignored    int `json:"ignored"`
}

// Recorder records engagement events
type Recorder struct {
	events      EventStore
	messages    MessageStore
	campaigns   CampaignStore
	assignments AssignmentStore
	logger      *slog.Logger
}

// NewRecorder creates a recorder
func NewRecorder(events EventStore, messages MessageStore, campaigns CampaignStore,
	assignments AssignmentStore, logger *slog.Logger) *Recorder {
	return &Recorder{
		events:      events,
		messages:    messages,
		campaigns:   campaigns,
		assignments: assignments,
		logger:      logger.With("component", "engagement"),
	}
}

// Record stores events in order. Events of unknown type are ignored.
// Events for messages the engine never sent are still logged, without a
// recipient. An event already in the log is not stored again, but its
// message and test updates are reapplied so a retry after a failed call
// completes them. The first store failure aborts the call; events before
// it stay recorded.
func (r *Recorder) Record(ctx context.Context, events []Event) (*Result, error) {
	result := &Result{}
	for _, ev := range events {
		if !models.IsEventType(ev.Type) {
			r.logger.Debug("ignoring webhook event", "type", ev.Type)
			result.Ignored++
			continue
		}
		inserted, err := r.record(ctx, ev)
		if err != nil {
			return result, err
		}
		if !inserted {
			result.Duplicates++
			continue
		}
		metrics.IncWebhookEvents(ev.Type)
		result.Recorded++
	}
	return result, nil
}

func (r *Recorder) record(ctx context.Context, ev Event) (bool, error) {
	msg, err := r.lookup(ctx, ev)
	if err != nil {
		return false, err
	}

	stored := &models.EngagementEvent{
		EventID:    ev.EventID,
		MessageID:  ev.ProviderMessageID,
		Type:       ev.Type,
		OccurredAt: ev.OccurredAt,
		Payload:    ev.Payload,
	}
	if msg != nil {
		stored.RecipientID = msg.RecipientID
		if stored.MessageID == "" {
			stored.MessageID = msg.ProviderMessageID
		}
	}
	if stored.MessageID == "" {
		stored.MessageID = ev.MessageID
	}
	inserted, err := r.events.Append(ctx, stored)
	if err != nil {
		return false, fmt.Errorf("%w: %w", apperr.ErrPersistence, err)
	}
	if !inserted {
		r.logger.Debug("duplicate webhook event", "type", ev.Type, "event_id", ev.EventID)
	}

	if msg == nil {
		r.logger.Debug("event for unknown message",
			"type", ev.Type,
			"provider_message_id", ev.ProviderMessageID)
		return inserted, nil
	}

	return inserted, r.apply(ctx, msg, ev)
}

// apply updates the message and test state an event implies. Every update
// is idempotent.
func (r *Recorder) apply(ctx context.Context, msg *models.ScheduledMessage, ev Event) error {
	switch ev.Type {
	case models.EventOpened, models.EventClicked:
		return r.markTest(ctx, msg, ev.Type)
	case models.EventDelivered:
		return r.updateStatus(ctx, msg, models.MessageSent, "")
	case models.EventBounced:
		reason := ev.Reason
		if reason == "" {
			reason = "bounced"
		}
		return r.updateStatus(ctx, msg, models.MessageFailed, reason)
	}
	return nil
}

func (r *Recorder) lookup(ctx context.Context, ev Event) (*models.ScheduledMessage, error) {
	if ev.ProviderMessageID != "" {
		msg, err := r.messages.GetByProviderID(ctx, ev.ProviderMessageID)
		if err != nil {
			return nil, fmt.Errorf("failed to find message: %w", err)
		}
		if msg != nil {
			return msg, nil
		}
	}
	if ev.MessageID != "" {
		msg, err := r.messages.GetByID(ctx, ev.MessageID)
		if err != nil {
			return nil, fmt.Errorf("failed to find message: %w", err)
		}
		return msg, nil
	}
	return nil, nil
}

func (r *Recorder) markTest(ctx context.Context, msg *models.ScheduledMessage, eventType string) error {
	if msg.VariantID == "" {
		return nil
	}
	campaign, err := r.campaigns.GetByID(ctx, msg.CampaignID)
	if err != nil {
		return fmt.Errorf("failed to load campaign: %w", err)
	}
	if campaign == nil || campaign.TestID == "" {
		return nil
	}

	mark := r.assignments.MarkOpened
	if eventType == models.EventClicked {
		mark = r.assignments.MarkClicked
	}
	if _, err := mark(ctx, campaign.TestID, msg.RecipientID); err != nil {
		return fmt.Errorf("%w: %w", apperr.ErrPersistence, err)
	}
	return nil
}

func (r *Recorder) updateStatus(ctx context.Context, msg *models.ScheduledMessage, status, errText string) error {
	if msg.ProviderMessageID == "" {
		return nil
	}
	changed, err := r.messages.UpdateStatusByProviderID(ctx, msg.ProviderMessageID, status, errText)
	if err != nil {
		return fmt.Errorf("%w: %w", apperr.ErrPersistence, err)
	}
	if changed {
		r.logger.Debug("message status updated",
			"message_id", msg.ID,
			"status", status)
	}
	return nil
}

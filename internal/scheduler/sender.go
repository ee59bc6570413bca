package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChrisDover/centinela-intel-sub001/internal/models"
)

// RecipientLister pages through active recipients
type RecipientLister interface {
	ListActive(ctx context.Context, afterID string, limit int) ([]models.Recipient, error)
}

const recipientPageSize = 500

// Sender runs a whole campaign send: prepare for every active recipient,
// then dispatch
type Sender struct {
	scheduler  *Scheduler
	dispatcher *Dispatcher
	recipients RecipientLister
	globals    map[string]string
	logger     *slog.Logger
}

// NewSender creates a sender. globals are template variables shared by
// every campaign.
func NewSender(s *Scheduler, d *Dispatcher, recipients RecipientLister, globals map[string]string, logger *slog.Logger) *Sender {
	return &Sender{
		scheduler:  s,
		dispatcher: d,
		recipients: recipients,
		globals:    globals,
		logger:     logger.With("component", "sender"),
	}
}

// Send prepares and dispatches a campaign to every active recipient
func (s *Sender) Send(ctx context.Context, campaignID string, now time.Time) (*Result, error) {
	campaign, test, err := s.scheduler.Campaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	renderer, err := NewTemplateRenderer(campaign, test, s.globals)
	if err != nil {
		return nil, err
	}

	recipients, err := s.allActive(ctx)
	if err != nil {
		return nil, err
	}

	messages, err := s.scheduler.Prepare(ctx, campaignID, recipients, renderer.Render, now)
	if err != nil {
		return nil, err
	}

	s.logger.Info("sending campaign",
		"campaign_id", campaignID,
		"recipients", len(recipients),
		"messages", len(messages))

	return s.dispatcher.Dispatch(ctx, campaignID, messages)
}

func (s *Sender) allActive(ctx context.Context) ([]models.Recipient, error) {
	var all []models.Recipient
	afterID := ""
	for {
		page, err := s.recipients.ListActive(ctx, afterID, recipientPageSize)
		if err != nil {
			return nil, fmt.Errorf("failed to list recipients: %w", err)
		}
		all = append(all, page...)
		if len(page) < recipientPageSize {
			return all, nil
		}
		afterID = page[len(page)-1].ID
	}
}

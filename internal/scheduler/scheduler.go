// Package scheduler turns a campaign into per-recipient scheduled messages
// and hands them to the delivery provider in batches.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChrisDover/centinela-intel-sub001/internal/apperr"
	"github.com/ChrisDover/centinela-intel-sub001/internal/models"
	"github.com/ChrisDover/centinela-intel-sub001/internal/sendtime"
)

// DefaultHorizon is how far ahead a message may be scheduled before it is
// clamped to "send now"
const DefaultHorizon = 72 * time.Hour

// clampDelay is the send delay used when the preferred hour is beyond the horizon
const clampDelay = time.Minute

// CampaignStore loads campaigns
type CampaignStore interface {
	GetByID(ctx context.Context, id string) (*models.Campaign, error)
}

// TestStore loads tests
type TestStore interface {
	GetByID(ctx context.Context, id string) (*models.Test, error)
}

// Resolver returns a recipient's variant for a running test
type Resolver interface {
	Resolve(ctx context.Context, test *models.Test, recipientID string) (models.Variant, error)
}

// HourEstimator computes send hours for recipients that were never analyzed
type HourEstimator interface {
	CalculateOptimalHour(ctx context.Context, recipientID string, now time.Time) (sendtime.Estimate, error)
	CalculateCohortAverage(ctx context.Context, now time.Time) (int, error)
}

// MessageStore persists scheduled messages
type MessageStore interface {
	GetByCampaignRecipient(ctx context.Context, campaignID, recipientID string) (*models.ScheduledMessage, error)
	InsertIfAbsent(ctx context.Context, m *models.ScheduledMessage) (*models.ScheduledMessage, error)
}

// Scheduler prepares scheduled messages
type Scheduler struct {
	campaigns CampaignStore
	tests     TestStore
	resolver  Resolver
	hours     HourEstimator
	messages  MessageStore
	horizon   time.Duration
	logger    *slog.Logger
}

// New creates a scheduler. A non-positive horizon uses DefaultHorizon.
func New(campaigns CampaignStore, tests TestStore, resolver Resolver, hours HourEstimator,
	messages MessageStore, horizon time.Duration, logger *slog.Logger) *Scheduler {
	if horizon <= 0 {
		horizon = DefaultHorizon
	}
	return &Scheduler{
		campaigns: campaigns,
		tests:     tests,
		resolver:  resolver,
		hours:     hours,
		messages:  messages,
		horizon:   horizon,
		logger:    logger.With("component", "scheduler"),
	}
}

// Horizon returns the scheduling horizon
func (s *Scheduler) Horizon() time.Duration {
	return s.horizon
}

// Campaign loads a campaign and its linked test, validating the pair.
// test is nil for campaigns that are not under test.
func (s *Scheduler) Campaign(ctx context.Context, campaignID string) (*models.Campaign, *models.Test, error) {
	campaign, err := s.campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load campaign: %w", err)
	}
	if campaign == nil {
		return nil, nil, fmt.Errorf("campaign %q: %w", campaignID, apperr.ErrNotFound)
	}
	if campaign.TestID == "" {
		return campaign, nil, nil
	}

	test, err := s.tests.GetByID(ctx, campaign.TestID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load test: %w", err)
	}
	if test == nil {
		return nil, nil, fmt.Errorf("test %q: %w", campaign.TestID, apperr.ErrNotFound)
	}
	if len(test.Variants) < 2 {
		return nil, nil, fmt.Errorf("test %q has %d variants, need at least 2: %w",
			test.ID, len(test.Variants), apperr.ErrConfiguration)
	}
	return campaign, test, nil
}

// Prepare creates a pending message for every active recipient and returns
// the messages still waiting to be dispatched. Recipients whose message
// already left pending are skipped, so a rerun picks up where the last
// call stopped.
func (s *Scheduler) Prepare(ctx context.Context, campaignID string, recipients []models.Recipient,
	render RenderFunc, now time.Time) ([]models.ScheduledMessage, error) {
	campaign, test, err := s.Campaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	var winner *models.Variant
	if test != nil && test.Status == models.TestCompleted {
		v, ok := test.Variant(test.WinnerVariantID)
		if !ok {
			return nil, fmt.Errorf("test %q: winner %q is not a variant: %w",
				test.ID, test.WinnerVariantID, apperr.ErrConfiguration)
		}
		winner = &v
	}

	cohort := -1
	messages := make([]models.ScheduledMessage, 0, len(recipients))
	skipped := 0

	for _, rec := range recipients {
		if !rec.IsActive() {
			skipped++
			continue
		}

		existing, err := s.messages.GetByCampaignRecipient(ctx, campaign.ID, rec.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load message: %w: %w", apperr.ErrPersistence, err)
		}
		if existing != nil {
			if existing.Status == models.MessagePending {
				messages = append(messages, *existing)
			} else {
				skipped++
			}
			continue
		}

		var variant *models.Variant
		switch {
		case winner != nil:
			variant = winner
		case test != nil && test.Status == models.TestRunning:
			v, err := s.resolver.Resolve(ctx, test, rec.ID)
			if err != nil {
				return nil, fmt.Errorf("recipient %q: %w", rec.ID, err)
			}
			variant = &v
		}

		hour, err := s.sendHour(ctx, rec, &cohort, now)
		if err != nil {
			return nil, err
		}

		content, err := render(ctx, rec, variant)
		if err != nil {
			return nil, fmt.Errorf("failed to render message for recipient %q: %w", rec.ID, err)
		}

		msg := &models.ScheduledMessage{
			CampaignID:  campaign.ID,
			RecipientID: rec.ID,
			ToAddress:   rec.Email,
			FromName:    content.FromName,
			Subject:     content.Subject,
			HTML:        content.HTML,
			ScheduledAt: NextSendTime(hour, now, s.horizon),
		}
		if variant != nil {
			msg.VariantID = variant.ID
		}

		stored, err := s.messages.InsertIfAbsent(ctx, msg)
		if err != nil {
			return nil, fmt.Errorf("failed to store message: %w: %w", apperr.ErrPersistence, err)
		}
		if stored.Status != models.MessagePending {
			skipped++
			continue
		}
		messages = append(messages, *stored)
	}

	s.logger.Info("campaign prepared",
		"campaign_id", campaign.ID,
		"pending", len(messages),
		"skipped", skipped)

	return messages, nil
}

// sendHour returns the recipient's stored hour once analyzed, otherwise a
// live estimate falling back to the cohort hour. cohort caches the cohort
// hour across one Prepare call; -1 means not computed yet.
func (s *Scheduler) sendHour(ctx context.Context, rec models.Recipient, cohort *int, now time.Time) (int, error) {
	if rec.LastAnalyzedAt != nil {
		return rec.OptimalHour, nil
	}

	est, err := s.hours.CalculateOptimalHour(ctx, rec.ID, now)
	if err != nil {
		return 0, fmt.Errorf("failed to estimate send hour for %q: %w", rec.ID, err)
	}
	if est.Confidence > 0 {
		return est.Hour, nil
	}

	if *cohort < 0 {
		hour, err := s.hours.CalculateCohortAverage(ctx, now)
		if err != nil {
			return 0, err
		}
		*cohort = hour
	}
	return *cohort, nil
}

// NextSendTime returns the next occurrence of hour (UTC) strictly after now.
// When that lies beyond now+horizon the message goes out a minute from now.
func NextSendTime(hour int, now time.Time, horizon time.Duration) time.Time {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	if next.After(now.Add(horizon)) {
		return now.Add(clampDelay)
	}
	return next
}

// InWindow reports whether t is an acceptable provider send time at now
func InWindow(t, now time.Time, horizon time.Duration) bool {
	return t.After(now) && !t.After(now.Add(horizon))
}

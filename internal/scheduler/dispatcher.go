package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ChrisDover/centinela-intel-sub001/internal/apperr"
	"github.com/ChrisDover/centinela-intel-sub001/internal/metrics"
	"github.com/ChrisDover/centinela-intel-sub001/internal/models"
	"github.com/ChrisDover/centinela-intel-sub001/internal/provider"
	"github.com/ChrisDover/centinela-intel-sub001/internal/quota"
)

// Dispatch defaults
const (
	DefaultBatchSize  = 100
	DefaultBatchDelay = 500 * time.Millisecond
)

// batchNamespace seeds idempotency keys so the same message ids always
// produce the same key
var batchNamespace = uuid.MustParse("6f1c2a52-3d0e-4f8b-9a57-0c6e2b1d4e93")

// DispatchStore persists dispatch outcomes
type DispatchStore interface {
	ListByStatus(ctx context.Context, campaignID, status string) ([]models.ScheduledMessage, error)
	CampaignsWithPending(ctx context.Context) ([]string, error)
	MarkAttempted(ctx context.Context, ids []string, at time.Time) error
	UpdateScheduledAt(ctx context.Context, id string, scheduledAt time.Time) error
	MarkScheduled(ctx context.Context, ids, providerIDs []string) error
	MarkFailed(ctx context.Context, ids []string, errText string) error
}

// Limiter reserves provider send capacity
type Limiter interface {
	Reserve(ctx context.Context, campaignID string, n int, now time.Time) (*quota.Result, error)
}

// DispatchConfig contains dispatcher settings
type DispatchConfig struct {
	BatchSize  int
	BatchDelay time.Duration
	Horizon    time.Duration
}

// BatchError describes one failed provider batch. Batch is 1-based.
type BatchError struct {
	Batch int    `json:"batch"`
	Size  int    `json:"size"`
	Error string `json:"error"`
}

// Result summarizes a dispatch run
type Result struct {
	Scheduled int          `json:"scheduled"`
	Failed    int          `json:"failed"`
	Deferred  int          `json:"deferred"`
	Errors    []BatchError `json:"errors"`
}

// Dispatcher sends prepared messages to the provider in sequential batches
type Dispatcher struct {
	campaigns CampaignStore
	messages  DispatchStore
	provider  provider.Provider
	limiter   Limiter // nil disables quota checks
	cfg       DispatchConfig
	now       func() time.Time
	logger    *slog.Logger
}

// NewDispatcher creates a dispatcher. limiter may be nil.
func NewDispatcher(campaigns CampaignStore, messages DispatchStore, p provider.Provider,
	limiter Limiter, cfg DispatchConfig, logger *slog.Logger) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchDelay < 0 {
		cfg.BatchDelay = 0
	}
	if cfg.Horizon <= 0 {
		cfg.Horizon = DefaultHorizon
	}
	return &Dispatcher{
		campaigns: campaigns,
		messages:  messages,
		provider:  p,
		limiter:   limiter,
		cfg:       cfg,
		now:       time.Now,
		logger:    logger.With("component", "dispatcher"),
	}
}

// Dispatch hands messages to the provider in batches. A failed batch marks
// its messages failed and processing continues. When the quota denies a
// batch or ctx ends, the remaining messages stay pending and are counted
// as deferred; a cancelled context is returned with the partial result.
func (d *Dispatcher) Dispatch(ctx context.Context, campaignID string, messages []models.ScheduledMessage) (*Result, error) {
	result := &Result{Errors: []BatchError{}}
	if len(messages) == 0 {
		return result, nil
	}

	campaign, err := d.campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to load campaign: %w", err)
	}
	if campaign == nil {
		return nil, fmt.Errorf("campaign %q: %w", campaignID, apperr.ErrNotFound)
	}

	batchNum := 0
	for start := 0; start < len(messages); start += d.cfg.BatchSize {
		end := min(start+d.cfg.BatchSize, len(messages))
		batch := messages[start:end]
		batchNum++

		if batchNum > 1 && d.cfg.BatchDelay > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(d.cfg.BatchDelay):
			}
		}
		if err := ctx.Err(); err != nil {
			return d.stop(result, campaignID, len(messages)-start, err)
		}

		now := d.now()
		if d.limiter != nil {
			res, err := d.limiter.Reserve(ctx, campaignID, len(batch), now)
			if err != nil {
				return d.stop(result, campaignID, len(messages)-start, err)
			}
			if !res.Allowed {
				metrics.IncQuotaDenied(string(res.DeniedBy))
				metrics.IncDispatchBatch("deferred")
				result.Deferred += len(messages) - start
				metrics.AddMessages("deferred", len(messages)-start)
				d.logger.Warn("send quota exhausted, deferring remaining messages",
					"campaign_id", campaignID,
					"denied_by", res.DeniedBy,
					"retry_after", res.RetryAfter,
					"deferred", len(messages)-start)
				return result, nil
			}
		}

		settled := result.Scheduled + result.Failed
		if err := d.sendBatch(ctx, campaign, batch, batchNum, now, result); err != nil {
			if ctx.Err() != nil {
				settled = result.Scheduled + result.Failed - settled
				return d.stop(result, campaignID, len(messages)-start-settled, ctx.Err())
			}
			return result, err
		}
	}

	d.logger.Info("dispatch finished",
		"campaign_id", campaignID,
		"scheduled", result.Scheduled,
		"failed", result.Failed,
		"deferred", result.Deferred)

	return result, nil
}

// sendBatch delivers one batch. Provider failures are recorded in result;
// the returned error is reserved for store failures and cancellation. When
// the provider fails partway, the accepted prefix is scheduled and only
// the rest of the batch fails.
func (d *Dispatcher) sendBatch(ctx context.Context, campaign *models.Campaign, batch []models.ScheduledMessage,
	batchNum int, now time.Time, result *Result) error {
	ids := make([]string, len(batch))
	emails := make([]provider.Email, len(batch))

	for i, m := range batch {
		ids[i] = m.ID

		sendAt := m.ScheduledAt
		if !InWindow(sendAt, now, d.cfg.Horizon) {
			sendAt = now.Add(clampDelay)
			if err := d.messages.UpdateScheduledAt(ctx, m.ID, sendAt); err != nil {
				return fmt.Errorf("failed to reschedule message: %w: %w", apperr.ErrPersistence, err)
			}
			d.logger.Info("message send time outside provider window, sending now",
				"message_id", m.ID,
				"scheduled_at", m.ScheduledAt,
				"send_at", sendAt)
		}

		fromName := campaign.FromName
		if m.FromName != "" {
			fromName = m.FromName
		}
		emails[i] = provider.Email{
			ID:          m.ID,
			From:        campaign.FromEmail,
			FromName:    fromName,
			ReplyTo:     campaign.ReplyTo,
			To:          m.ToAddress,
			Subject:     m.Subject,
			HTML:        m.HTML,
			ScheduledAt: sendAt,
		}
	}

	if err := d.messages.MarkAttempted(ctx, ids, now); err != nil {
		return fmt.Errorf("%w: %w", apperr.ErrPersistence, err)
	}

	key := IdempotencyKey(ids)
	providerIDs, sendErr := d.provider.SendBatch(ctx, key, emails)

	// The provider has answered; record the outcome even if ctx ends now.
	store := context.WithoutCancel(ctx)

	if sendErr == nil {
		return d.markScheduled(store, campaign.ID, batchNum, key, ids, providerIDs, result)
	}

	// Messages the provider accepted before failing are scheduled.
	accepted := min(len(providerIDs), len(ids))
	if accepted > 0 {
		d.logger.Warn("batch partially accepted by provider",
			"campaign_id", campaign.ID,
			"batch", batchNum,
			"accepted", accepted,
			"size", len(batch))
		if err := d.markScheduled(store, campaign.ID, batchNum, key, ids[:accepted], providerIDs[:accepted], result); err != nil {
			return err
		}
	}
	rest := ids[accepted:]

	if ctx.Err() != nil {
		// Outcome unknown: leave the rest pending for Resume, which reuses the key.
		return ctx.Err()
	}

	if err := d.messages.MarkFailed(store, rest, sendErr.Error()); err != nil {
		return fmt.Errorf("%w: %w", apperr.ErrPersistence, err)
	}
	result.Failed += len(rest)
	result.Errors = append(result.Errors, BatchError{
		Batch: batchNum,
		Size:  len(rest),
		Error: sendErr.Error(),
	})
	metrics.IncDispatchBatch(models.MessageFailed)
	metrics.AddMessages(models.MessageFailed, len(rest))
	d.logger.Error("batch rejected by provider",
		"campaign_id", campaign.ID,
		"batch", batchNum,
		"size", len(rest),
		"error", sendErr)
	return nil
}

func (d *Dispatcher) markScheduled(ctx context.Context, campaignID string, batchNum int, key string,
	ids, providerIDs []string, result *Result) error {
	if err := d.messages.MarkScheduled(ctx, ids, providerIDs); err != nil {
		d.logger.Error("batch accepted but not recorded, resume will resend with the same key",
			"campaign_id", campaignID,
			"batch", batchNum,
			"idempotency_key", key,
			"error", err)
		return fmt.Errorf("%w: %w", apperr.ErrPersistence, err)
	}
	result.Scheduled += len(ids)
	metrics.IncDispatchBatch(models.MessageScheduled)
	metrics.AddMessages(models.MessageScheduled, len(ids))
	d.logger.Debug("batch scheduled",
		"campaign_id", campaignID,
		"batch", batchNum,
		"size", len(ids))
	return nil
}

func (d *Dispatcher) stop(result *Result, campaignID string, remaining int, err error) (*Result, error) {
	result.Deferred += remaining
	metrics.AddMessages("deferred", remaining)
	d.logger.Warn("dispatch interrupted",
		"campaign_id", campaignID,
		"scheduled", result.Scheduled,
		"failed", result.Failed,
		"deferred", remaining,
		"error", err)
	return result, err
}

// Resume re-dispatches every pending message of a campaign
func (d *Dispatcher) Resume(ctx context.Context, campaignID string) (*Result, error) {
	pending, err := d.messages.ListByStatus(ctx, campaignID, models.MessagePending)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending messages: %w", err)
	}

	attempted := 0
	for _, m := range pending {
		if m.AttemptedAt != nil {
			attempted++
		}
	}
	if attempted > 0 {
		d.logger.Info("resuming interrupted dispatch",
			"campaign_id", campaignID,
			"pending", len(pending),
			"previously_attempted", attempted)
	}

	return d.Dispatch(ctx, campaignID, pending)
}

// ResumeAll resumes every campaign with pending messages. A failing
// campaign is logged and does not stop the others unless ctx ends.
func (d *Dispatcher) ResumeAll(ctx context.Context) (*Result, error) {
	campaignIDs, err := d.messages.CampaignsWithPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list campaigns with pending messages: %w", err)
	}

	total := &Result{Errors: []BatchError{}}
	for _, id := range campaignIDs {
		res, err := d.Resume(ctx, id)
		if res != nil {
			total.Scheduled += res.Scheduled
			total.Failed += res.Failed
			total.Deferred += res.Deferred
			total.Errors = append(total.Errors, res.Errors...)
		}
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return total, err
			}
			d.logger.Error("failed to resume campaign", "campaign_id", id, "error", err)
		}
	}
	return total, nil
}

// IdempotencyKey derives a stable provider idempotency key from message ids
func IdempotencyKey(ids []string) string {
	return uuid.NewSHA1(batchNamespace, []byte(strings.Join(ids, ","))).String()
}

// Package sendtime learns each recipient's best UTC send hour from the
// hours at which they opened past messages.
package sendtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChrisDover/centinela-intel-sub001/internal/apperr"
	"github.com/ChrisDover/centinela-intel-sub001/internal/metrics"
	"github.com/ChrisDover/centinela-intel-sub001/internal/models"
)

// RecipientStore is the recipient directory as the optimizer sees it
type RecipientStore interface {
	GetByID(ctx context.Context, id string) (*models.Recipient, error)
	ListActive(ctx context.Context, afterID string, limit int) ([]models.Recipient, error)
	UpdateSendTime(ctx context.Context, id string, hour int, confidence float64, analyzedAt time.Time) error
}

// OpenStore builds hour-of-day histograms of opened events
type OpenStore interface {
	OpenHourCounts(ctx context.Context, recipientID string, since time.Time) ([24]int, error)
}

// Config holds optimizer tuning
type Config struct {
	Window   time.Duration // how far back opens are considered
	MinOpens int           // below this a recipient has no personal hour
	PageSize int
}

// DefaultConfig returns default optimizer configuration
func DefaultConfig() Config {
	return Config{
		Window:   90 * 24 * time.Hour,
		MinOpens: 5,
		PageSize: 500,
	}
}

// Estimate is a recipient's best hour and how concentrated their opens are
// around it
type Estimate struct {
	Hour       int     `json:"hour"`
	Confidence float64 `json:"confidence"`
}

// BatchResult summarizes a batch recompute
type BatchResult struct {
	Updated int `json:"updated"`
	Errors  int `json:"errors"`
}

// Optimizer computes send hours
type Optimizer struct {
	recipients RecipientStore
	opens      OpenStore
	cfg        Config
	logger     *slog.Logger
}

// New creates a new optimizer
func New(recipients RecipientStore, opens OpenStore, cfg Config, logger *slog.Logger) *Optimizer {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.MinOpens <= 0 {
		cfg.MinOpens = def.MinOpens
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = def.PageSize
	}

	return &Optimizer{
		recipients: recipients,
		opens:      opens,
		cfg:        cfg,
		logger:     logger.With("component", "sendtime"),
	}
}

// CalculateOptimalHour returns the recipient's peak open hour over the
// window ending at now. With too few opens it returns the default hour and
// zero confidence.
func (o *Optimizer) CalculateOptimalHour(ctx context.Context, recipientID string, now time.Time) (Estimate, error) {
	rec, err := o.recipients.GetByID(ctx, recipientID)
	if err != nil {
		return Estimate{}, fmt.Errorf("failed to load recipient: %w", err)
	}
	if rec == nil {
		return Estimate{}, fmt.Errorf("recipient %q: %w", recipientID, apperr.ErrNotFound)
	}
	return o.estimate(ctx, recipientID, now)
}

// CalculateCohortAverage returns the peak open hour across all recipients,
// or the default hour when nobody opened anything in the window
func (o *Optimizer) CalculateCohortAverage(ctx context.Context, now time.Time) (int, error) {
	counts, err := o.opens.OpenHourCounts(ctx, "", now.Add(-o.cfg.Window))
	if err != nil {
		return 0, fmt.Errorf("failed to load cohort opens: %w", err)
	}
	hour, peak, _ := peakHour(counts)
	if peak == 0 {
		return models.DefaultOptimalHour, nil
	}
	return hour, nil
}

// BatchUpdateOptimalHours recomputes and stores the send hour of every
// active recipient. Recipients without enough history get the cohort hour.
// Per-recipient failures are logged and counted.
func (o *Optimizer) BatchUpdateOptimalHours(ctx context.Context, now time.Time) (*BatchResult, error) {
	cohort, err := o.CalculateCohortAverage(ctx, now)
	if err != nil {
		return nil, err
	}

	result := &BatchResult{}
	after := ""
	for {
		if err := ctx.Err(); err != nil {
			metrics.AddOptimizerUpdates(result.Updated, result.Errors)
			return result, err
		}

		page, err := o.recipients.ListActive(ctx, after, o.cfg.PageSize)
		if err != nil {
			metrics.AddOptimizerUpdates(result.Updated, result.Errors)
			return result, fmt.Errorf("failed to list recipients: %w", err)
		}
		if len(page) == 0 {
			break
		}

		for _, rec := range page {
			if err := o.update(ctx, rec.ID, cohort, now); err != nil {
				o.logger.Warn("failed to update send time", "recipient_id", rec.ID, "error", err)
				result.Errors++
				continue
			}
			result.Updated++
		}
		after = page[len(page)-1].ID
	}

	metrics.AddOptimizerUpdates(result.Updated, result.Errors)
	o.logger.Info("send times updated", "updated", result.Updated, "errors", result.Errors, "cohort_hour", cohort)
	return result, nil
}

func (o *Optimizer) update(ctx context.Context, recipientID string, cohort int, now time.Time) error {
	est, err := o.estimate(ctx, recipientID, now)
	if err != nil {
		return err
	}
	hour := est.Hour
	if est.Confidence == 0 {
		hour = cohort
	}
	if err := o.recipients.UpdateSendTime(ctx, recipientID, hour, est.Confidence, now); err != nil {
		return fmt.Errorf("%w: %w", apperr.ErrPersistence, err)
	}
	return nil
}

func (o *Optimizer) estimate(ctx context.Context, recipientID string, now time.Time) (Estimate, error) {
	counts, err := o.opens.OpenHourCounts(ctx, recipientID, now.Add(-o.cfg.Window))
	if err != nil {
		return Estimate{}, fmt.Errorf("failed to load opens: %w", err)
	}

	hour, peak, total := peakHour(counts)
	if total < o.cfg.MinOpens {
		return Estimate{Hour: models.DefaultOptimalHour, Confidence: 0}, nil
	}
	return Estimate{Hour: hour, Confidence: float64(peak) / float64(total)}, nil
}

// peakHour returns the hour with the most opens, the lowest hour on ties
func peakHour(counts [24]int) (hour, peak, total int) {
	for h, n := range counts {
		total += n
		if n > peak {
			hour, peak = h, n
		}
	}
	return hour, peak, total
}

package provider

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// LogProvider accepts every batch without sending anything. It is meant
// for development setups without provider credentials.
type LogProvider struct {
	logger *slog.Logger
}

func NewLogProvider(logger *slog.Logger) *LogProvider {
	return &LogProvider{logger: logger.With("component", "provider", "provider", "log")}
}

// SendBatch logs the batch and returns generated ids
func (p *LogProvider) SendBatch(_ context.Context, idempotencyKey string, emails []Email) ([]string, error) {
	ids := make([]string, len(emails))
	for i, e := range emails {
		ids[i] = "log-" + uuid.New().String()
		p.logger.Debug("email not sent", "to", e.To, "subject", e.Subject, "scheduled_at", e.ScheduledAt, "provider_id", ids[i])
	}
	p.logger.Info("batch accepted without sending", "size", len(emails), "idempotency_key", idempotencyKey)
	return ids, nil
}

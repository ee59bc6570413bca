// Package provider hands batches of scheduled messages to an external mail
// delivery service.
package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/ChrisDover/centinela-intel-sub001/internal/apperr"
)

// Email is one message in a provider batch
type Email struct {
	ID          string // scheduled message id
	From        string
	FromName    string
	ReplyTo     string
	To          string
	Subject     string
	HTML        string
	ScheduledAt time.Time
}

// Provider sends a batch and returns one provider message id per email,
// in input order. With a non-nil error, the returned ids cover the prefix
// of emails the provider accepted before failing; the rest were not sent.
type Provider interface {
	SendBatch(ctx context.Context, idempotencyKey string, emails []Email) ([]string, error)
}

// Error is a provider rejection or transport failure. It matches
// apperr.ErrProvider under errors.Is.
type Error struct {
	StatusCode int // 0 for transport failures
	Message    string
}

func (e *Error) Error() string {
	if e.StatusCode == 0 {
		return "provider: " + e.Message
	}
	return fmt.Sprintf("provider: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *Error) Unwrap() error {
	return apperr.ErrProvider
}

func transportError(err error) error {
	return &Error{Message: err.Error()}
}

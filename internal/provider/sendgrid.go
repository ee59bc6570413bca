package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// SendGrid sends through the SendGrid v3 mail API. SendGrid has no batch
// endpoint with per-message ids, so each email is its own request; the
// first failure stops the batch.
type SendGrid struct {
	apiKey string
	host   string
	client *rest.Client
}

// NewSendGrid creates a SendGrid provider. An empty host uses the public
// API. timeout bounds each request; zero means no limit.
func NewSendGrid(apiKey, host string, timeout time.Duration) *SendGrid {
	if host == "" {
		host = "https://api.sendgrid.com"
	}
	return &SendGrid{
		apiKey: apiKey,
		host:   strings.TrimRight(host, "/"),
		client: &rest.Client{HTTPClient: &http.Client{Timeout: timeout}},
	}
}

// SendBatch sends every email and returns the X-Message-Id of each. On
// failure the ids of the emails already accepted are returned with the
// error.
func (s *SendGrid) SendBatch(ctx context.Context, idempotencyKey string, emails []Email) ([]string, error) {
	ids := make([]string, 0, len(emails))
	for _, e := range emails {
		id, err := s.send(ctx, idempotencyKey, e)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *SendGrid) send(ctx context.Context, batchKey string, e Email) (string, error) {
	message := mail.NewV3Mail()
	message.SetFrom(mail.NewEmail(e.FromName, e.From))
	message.Subject = e.Subject
	if e.ReplyTo != "" {
		message.SetReplyTo(mail.NewEmail("", e.ReplyTo))
	}

	p := mail.NewPersonalization()
	p.AddTos(mail.NewEmail("", e.To))
	p.SetCustomArg("message_id", e.ID)
	if batchKey != "" {
		p.SetCustomArg("batch_key", batchKey)
	}
	message.AddPersonalizations(p)
	message.AddContent(mail.NewContent("text/html", e.HTML))

	if !e.ScheduledAt.IsZero() {
		message.SetSendAt(int(e.ScheduledAt.Unix()))
	}

	request := sendgrid.GetRequest(s.apiKey, "/v3/mail/send", s.host)
	request.Method = "POST"
	request.Body = mail.GetRequestBody(message)

	response, err := s.client.SendWithContext(ctx, request)
	if err != nil {
		return "", transportError(err)
	}
	if response.StatusCode >= 400 {
		return "", &Error{StatusCode: response.StatusCode, Message: strings.TrimSpace(response.Body)}
	}

	id := headerValue(response.Headers, "X-Message-Id")
	if id == "" {
		return "", &Error{StatusCode: response.StatusCode, Message: fmt.Sprintf("no message id for %s", e.To)}
	}
	return id, nil
}

func headerValue(headers map[string][]string, key string) string {
	for k, v := range headers {
		if strings.EqualFold(k, key) && len(v) > 0 {
			return v[0]
		}
	}
	return ""
}

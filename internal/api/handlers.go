package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ChrisDover/centinela-intel-sub001/internal/apperr"
	"github.com/ChrisDover/centinela-intel-sub001/internal/engagement"
	"github.com/ChrisDover/centinela-intel-sub001/internal/jobs"
)

// maxWebhookBytes bounds webhook request bodies
const maxWebhookBytes = 1 << 20

// Error codes
const (
	codeBadRequest    = "bad_request"
	codeUnauthorized  = "unauthorized"
	codeForbidden     = "forbidden"
	codeNotFound      = "not_found"
	codeConfiguration = "configuration_error"
	codeProvider      = "provider_error"
	codeLocked        = "job_running"
	codeRateLimited   = "rate_limited"
	codeTimeout       = "timeout"
	codeInternal      = "internal_error"
)

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

// AssignmentResponse is the response for the assignment lookup
type AssignmentResponse struct {
	TestID      string `json:"test_id"`
	RecipientID string `json:"recipient_id"`
	VariantID   string `json:"variant_id"`
	Value       string `json:"value"`
}

// OptimalHourResponse is the response for send-hour lookups
type OptimalHourResponse struct {
	RecipientID string  `json:"recipient_id,omitempty"`
	Hour        int     `json:"hour"`
	Confidence  float64 `json:"confidence"`
}

// JobResponse wraps a job result
type JobResponse struct {
	Job    string `json:"job"`
	Result any    `json:"result"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: s.opts.Version,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
	})
}

// handleWebhook handles POST /webhooks/events
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		s.sendError(w, http.StatusRequestEntityTooLarge, codeBadRequest, "Request body too large")
		return
	}

	if s.opts.Webhooks.Secret != "" &&
		!engagement.VerifySignature(s.opts.Webhooks.Secret, body, r.Header.Get(engagement.SignatureHeader)) {
		s.logger.Warn("webhook signature mismatch", "remote_addr", r.RemoteAddr)
		s.sendError(w, http.StatusUnauthorized, codeUnauthorized, "Invalid signature")
		return
	}

	events, err := engagement.Parse(body, s.now().UTC())
	if err != nil {
		s.sendError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}

	result, err := s.svc.Recorder.Record(r.Context(), events)
	if err != nil {
		s.logger.Error("failed to record webhook events", "error", err)
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, result)
}

// handleRunJob handles POST /api/v1/jobs/{job}
func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "job")
	if !isJob(name) {
		s.sendError(w, http.StatusNotFound, codeNotFound, fmt.Sprintf("unknown job %q", name))
		return
	}

	result, err := s.svc.Jobs.Run(r.Context(), name)
	if errors.Is(err, jobs.ErrLocked) {
		s.sendError(w, http.StatusConflict, codeLocked, err.Error())
		return
	}
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, JobResponse{Job: name, Result: result})
}

func isJob(name string) bool {
	for _, n := range jobs.Names() {
		if n == name {
			return true
		}
	}
	return false
}

// handleEvaluate handles POST /api/v1/tests/{id}/evaluate
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	result, err := s.svc.Evaluator.Evaluate(r.Context(), chi.URLParam(r, "id"), s.now().UTC())
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, result)
}

// handleAssignment handles GET /api/v1/tests/{id}/assignments/{recipientId}
func (s *Server) handleAssignment(w http.ResponseWriter, r *http.Request) {
	testID := chi.URLParam(r, "id")
	recipientID := chi.URLParam(r, "recipientId")

	test, err := s.svc.Tests.GetByID(r.Context(), testID)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	if test == nil {
		s.sendError(w, http.StatusNotFound, codeNotFound, "test not found")
		return
	}

	variant, err := s.svc.Resolver.Resolve(r.Context(), test, recipientID)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, AssignmentResponse{
		TestID:      test.ID,
		RecipientID: recipientID,
		VariantID:   variant.ID,
		Value:       variant.Value,
	})
}

// handleOptimalHour handles GET /api/v1/recipients/{id}/optimal-hour
func (s *Server) handleOptimalHour(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	est, err := s.svc.Hours.CalculateOptimalHour(r.Context(), id, s.now().UTC())
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, OptimalHourResponse{RecipientID: id, Hour: est.Hour, Confidence: est.Confidence})
}

// handleCohortHour handles GET /api/v1/cohort/optimal-hour
func (s *Server) handleCohortHour(w http.ResponseWriter, r *http.Request) {
	hour, err := s.svc.Hours.CalculateCohortAverage(r.Context(), s.now().UTC())
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, OptimalHourResponse{Hour: hour})
}

// handleSend handles POST /api/v1/campaigns/{id}/send
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	ctx := r.Context()
	if s.opts.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.SendTimeout)
		defer cancel()
	}

	result, err := s.svc.Sender.Send(ctx, id, s.now().UTC())
	if result != nil && errors.Is(err, context.DeadlineExceeded) {
		// Undelivered messages stay pending for the dispatch job
		s.logger.Warn("campaign send ran out of time",
			"campaign_id", id,
			"scheduled", result.Scheduled,
			"deferred", result.Deferred)
		s.sendJSON(w, http.StatusAccepted, result)
		return
	}
	if err != nil {
		s.logger.Error("campaign send failed", "campaign_id", id, "error", err)
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, result)
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, code, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message, Code: code})
}

// sendServiceError maps engine errors to HTTP statuses
func (s *Server) sendServiceError(w http.ResponseWriter, err error) {
	status, code := http.StatusInternalServerError, codeInternal
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		status, code = http.StatusNotFound, codeNotFound
	case errors.Is(err, apperr.ErrConfiguration):
		status, code = http.StatusUnprocessableEntity, codeConfiguration
	case errors.Is(err, apperr.ErrProvider):
		status, code = http.StatusBadGateway, codeProvider
	case errors.Is(err, context.DeadlineExceeded):
		status, code = http.StatusGatewayTimeout, codeTimeout
	}
	message := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
		message = "Internal server error"
	}
	s.sendError(w, status, code, message)
}

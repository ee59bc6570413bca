// Package api exposes the engine over HTTP: health, metrics, provider
// webhooks, job triggers and admin operations.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ChrisDover/centinela-intel-sub001/internal/assign"
	"github.com/ChrisDover/centinela-intel-sub001/internal/config"
	"github.com/ChrisDover/centinela-intel-sub001/internal/engagement"
	"github.com/ChrisDover/centinela-intel-sub001/internal/evaluator"
	"github.com/ChrisDover/centinela-intel-sub001/internal/metrics"
	"github.com/ChrisDover/centinela-intel-sub001/internal/models"
	"github.com/ChrisDover/centinela-intel-sub001/internal/scheduler"
	"github.com/ChrisDover/centinela-intel-sub001/internal/sendtime"
)

// TestEvaluator evaluates a single test
type TestEvaluator interface {
	Evaluate(ctx context.Context, testID string, now time.Time) (*evaluator.Result, error)
}

// TestStore loads tests
type TestStore interface {
	GetByID(ctx context.Context, id string) (*models.Test, error)
}

// VariantResolver resolves a recipient's variant
type VariantResolver interface {
	Resolve(ctx context.Context, test *models.Test, recipientID string) (models.Variant, error)
}

// HourCalculator computes send hours
type HourCalculator interface {
	CalculateOptimalHour(ctx context.Context, recipientID string, now time.Time) (sendtime.Estimate, error)
	CalculateCohortAverage(ctx context.Context, now time.Time) (int, error)
}

// CampaignSender prepares and dispatches a campaign
type CampaignSender interface {
	Send(ctx context.Context, campaignID string, now time.Time) (*scheduler.Result, error)
}

// EventRecorder ingests webhook events
type EventRecorder interface {
	Record(ctx context.Context, events []engagement.Event) (*engagement.Result, error)
}

// JobRunner runs periodic jobs on demand
type JobRunner interface {
	Run(ctx context.Context, name string) (any, error)
}

// Services are the engine operations the API exposes
type Services struct {
	Evaluator TestEvaluator
	Tests     TestStore
	Resolver  VariantResolver
	Hours     HourCalculator
	Sender    CampaignSender
	Recorder  EventRecorder
	Jobs      JobRunner
	Metrics   *metrics.Metrics // nil disables /metrics
}

var _ VariantResolver = (*assign.Service)(nil)

// Options contains HTTP settings
type Options struct {
	Server    config.ServerConfig
	Webhooks  config.WebhooksConfig
	Metrics   config.MetricsConfig
	JobSecret string
	Version   string

	// SendTimeout bounds a campaign send; zero means no limit
	SendTimeout time.Duration
}

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	svc        Services
	opts       Options
	metricsACL *allowList
	webhookRL  *ipRateLimiter
	logger     *slog.Logger
	startTime  time.Time
	now        func() time.Time
}

// NewServer creates a new API server
func NewServer(svc Services, opts Options, logger *slog.Logger) *Server {
	logger = logger.With("component", "api")
	s := &Server{
		router:     chi.NewRouter(),
		svc:        svc,
		opts:       opts,
		metricsACL: newAllowList(opts.Metrics.AllowedIPs, logger),
		webhookRL:  newIPRateLimiter(opts.Webhooks.RateLimit, opts.Webhooks.Burst),
		logger:     logger,
		startTime:  time.Now(),
		now:        time.Now,
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)
	s.router.Use(metrics.HTTPMiddleware)

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	if s.svc.Metrics != nil {
		path := s.opts.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		s.router.With(s.metricsACL.middleware).Handle(path, s.svc.Metrics.Handler())
	}

	s.router.With(s.rateLimitMiddleware).Post("/webhooks/events", s.handleWebhook)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.jobAuthMiddleware)
			r.Post("/jobs/{job}", s.handleRunJob)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.Post("/tests/{id}/evaluate", s.handleEvaluate)
			r.Get("/tests/{id}/assignments/{recipientId}", s.handleAssignment)
			r.Get("/recipients/{id}/optimal-hour", s.handleOptimalHour)
			r.Get("/cohort/optimal-hour", s.handleCohortHour)
			r.Post("/campaigns/{id}/send", s.handleSend)
		})
	})
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:           s.opts.Server.ListenAddr,
		Handler:        s.router,
		ReadTimeout:    s.opts.Server.ReadTimeout,
		WriteTimeout:   s.opts.Server.WriteTimeout,
		IdleTimeout:    s.opts.Server.IdleTimeout,
		MaxHeaderBytes: s.opts.Server.MaxHeaderBytes,
	}

	s.logger.Info("starting HTTP API server", "addr", s.opts.Server.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

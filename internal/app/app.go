package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	bolt "go.etcd.io/bbolt"

	"github.com/ChrisDover/centinela-intel-sub001/internal/api"
	"github.com/ChrisDover/centinela-intel-sub001/internal/assign"
	"github.com/ChrisDover/centinela-intel-sub001/internal/config"
	"github.com/ChrisDover/centinela-intel-sub001/internal/db"
	"github.com/ChrisDover/centinela-intel-sub001/internal/engagement"
	"github.com/ChrisDover/centinela-intel-sub001/internal/evaluator"
	"github.com/ChrisDover/centinela-intel-sub001/internal/jobs"
	"github.com/ChrisDover/centinela-intel-sub001/internal/metrics"
	"github.com/ChrisDover/centinela-intel-sub001/internal/models"
	"github.com/ChrisDover/centinela-intel-sub001/internal/provider"
	"github.com/ChrisDover/centinela-intel-sub001/internal/quota"
	"github.com/ChrisDover/centinela-intel-sub001/internal/repository"
	"github.com/ChrisDover/centinela-intel-sub001/internal/scheduler"
	"github.com/ChrisDover/centinela-intel-sub001/internal/sendtime"
)

// App is the main application
type App struct {
	config     *config.Config
	logger     *slog.Logger
	db         *db.DB
	quotaDB    *bolt.DB
	redis      *redis.Client
	metrics    *metrics.Metrics
	collector  *metrics.Collector
	evaluator  *evaluator.Evaluator
	optimizer  *sendtime.Optimizer
	dispatcher *scheduler.Dispatcher
	sender     *scheduler.Sender
	runner     *jobs.Runner
	cron       *jobs.CronManager
	apiServer  *api.Server
}

// New creates a new application. The database is opened and migrated;
// nothing is started until Run.
func New(cfg *config.Config, version string) (*App, error) {
	logger := setupLogger(cfg.Logging)
	a := &App{config: cfg, logger: logger}

	database, err := db.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	a.db = database
	if err := database.Migrate(); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	if err := a.build(version); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(version string) error {
	cfg := a.config
	logger := a.logger

	recipients := repository.NewRecipientRepository(a.db.DB)
	campaigns := repository.NewCampaignRepository(a.db.DB)
	tests := repository.NewTestRepository(a.db.DB)
	assignments := repository.NewAssignmentRepository(a.db.DB)
	events := repository.NewEventRepository(a.db.DB)
	messages := repository.NewMessageRepository(a.db.DB)

	if cfg.Metrics.Enabled {
		a.metrics = metrics.New()
		metrics.SetGlobal(a.metrics)
		a.collector = metrics.NewCollector(a.metrics, &engineStats{messages: messages, tests: tests},
			cfg.Metrics.CollectInterval, logger)
	}

	p, err := newProvider(cfg.Provider, logger)
	if err != nil {
		return err
	}

	// A nil *quota.Quota must not leak into the interface.
	var limiter scheduler.Limiter
	if cfg.Quota.Enabled() {
		a.quotaDB, err = quota.Open(cfg.Quota.Path)
		if err != nil {
			return fmt.Errorf("failed to open quota storage: %w", err)
		}
		q, err := quota.New(a.quotaDB, cfg.Quota.Limits())
		if err != nil {
			return fmt.Errorf("failed to create quota: %w", err)
		}
		limiter = q
		logger.Info("send quotas enabled", "path", cfg.Quota.Path)
	}

	resolver := assign.NewService(assignments)
	a.optimizer = sendtime.New(recipients, events, sendtime.Config{
		Window:   cfg.Optimizer.Window,
		MinOpens: cfg.Optimizer.MinOpens,
		PageSize: cfg.Optimizer.PageSize,
	}, logger)
	a.evaluator = evaluator.New(tests, assignments, logger)

	sched := scheduler.New(campaigns, tests, resolver, a.optimizer, messages, cfg.Dispatch.Horizon, logger)
	a.dispatcher = scheduler.NewDispatcher(campaigns, messages, p, limiter, scheduler.DispatchConfig{
		BatchSize:  cfg.Dispatch.BatchSize,
		BatchDelay: cfg.Dispatch.BatchDelay,
		Horizon:    cfg.Dispatch.Horizon,
	}, logger)
	a.sender = scheduler.NewSender(sched, a.dispatcher, recipients, cfg.Templates.Globals, logger)
	recorder := engagement.NewRecorder(events, messages, campaigns, assignments, logger)

	var locker jobs.Locker
	if cfg.Redis.Addr != "" {
		a.redis, err = jobs.NewRedisClient(context.Background(), cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		locker = jobs.NewRedisLocker(a.redis)
		logger.Info("job locks in redis", "addr", cfg.Redis.Addr)
	}
	a.runner = jobs.NewRunner(a.evaluator, a.optimizer, a.dispatcher, messages, locker, jobs.Config{
		EvaluateTimeout: cfg.Evaluator.Timeout,
		OptimizeTimeout: cfg.Optimizer.Timeout,
		DispatchTimeout: cfg.Dispatch.Timeout,
		CleanupMaxAge:   cfg.Jobs.CleanupMaxAge,
		LockTTL:         cfg.Jobs.LockTTL,
	}, logger)

	if cfg.Jobs.Enabled {
		a.cron, err = jobs.NewCronManager(a.runner, jobs.Schedule{
			jobs.JobDaily:    cfg.Jobs.DailySchedule,
			jobs.JobDispatch: cfg.Jobs.DispatchSchedule,
			jobs.JobCleanup:  cfg.Jobs.CleanupSchedule,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to schedule jobs: %w", err)
		}
	}

	a.apiServer = api.NewServer(api.Services{
		Evaluator: a.evaluator,
		Tests:     tests,
		Resolver:  resolver,
		Hours:     a.optimizer,
		Sender:    a.sender,
		Recorder:  recorder,
		Jobs:      a.runner,
		Metrics:   a.metrics,
	}, api.Options{
		Server:      cfg.Server,
		Webhooks:    cfg.Webhooks,
		Metrics:     cfg.Metrics,
		JobSecret:   cfg.Jobs.Secret,
		Version:     version,
		SendTimeout: cfg.Dispatch.Timeout,
	}, logger)

	return nil
}

// newProvider builds the configured delivery provider
func newProvider(cfg config.ProviderConfig, logger *slog.Logger) (provider.Provider, error) {
	switch cfg.Type {
	case config.ProviderHTTP:
		return provider.NewHTTPClient(cfg.BaseURL, cfg.APIKey, cfg.Timeout), nil
	case config.ProviderSendGrid:
		return provider.NewSendGrid(cfg.APIKey, cfg.BaseURL, cfg.Timeout), nil
	case config.ProviderLog, "":
		logger.Warn("log provider in use, no email will be delivered")
		return provider.NewLogProvider(logger), nil
	}
	return nil, fmt.Errorf("unknown provider type: %s", cfg.Type)
}

// Logger returns the application logger
func (a *App) Logger() *slog.Logger { return a.logger }

// Runner returns the job runner
func (a *App) Runner() *jobs.Runner { return a.runner }

// Sender returns the campaign sender
func (a *App) Sender() *scheduler.Sender { return a.sender }

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting centinela",
		"api_addr", a.config.Server.ListenAddr,
		"provider", a.config.Provider.Type,
		"jobs", a.config.Jobs.Enabled,
		"metrics", a.config.Metrics.Enabled,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if a.collector != nil {
		go a.collector.Run(ctx)
	}
	if a.cron != nil {
		a.cron.Start()
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case runErr = <-errCh:
		a.logger.Error("server error", "error", runErr)
		cancel()
	}

	if err := a.Shutdown(context.Background()); err != nil {
		return err
	}
	return runErr
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Stop scheduling before the server so in-flight triggers can finish.
	if a.cron != nil {
		a.cron.Stop(shutdownCtx)
	}

	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}

	a.Close()
	a.logger.Info("shutdown complete")
	return nil
}

// Close releases storage and connections. It is safe to call on a
// partially built App.
func (a *App) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Error("redis close error", "error", err)
		}
		a.redis = nil
	}
	if a.quotaDB != nil {
		if err := a.quotaDB.Close(); err != nil {
			a.logger.Error("quota storage close error", "error", err)
		}
		a.quotaDB = nil
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Error("database close error", "error", err)
		}
		a.db = nil
	}
}

// engineStats feeds the state gauges from the database
type engineStats struct {
	messages *repository.MessageRepository
	tests    *repository.TestRepository
}

func (s *engineStats) EngineStats(ctx context.Context) (*metrics.EngineStats, error) {
	pending, err := s.messages.CountByStatus(ctx, models.MessagePending)
	if err != nil {
		return nil, err
	}
	running, err := s.tests.CountRunning(ctx)
	if err != nil {
		return nil, err
	}
	return &metrics.EngineStats{PendingMessages: pending, RunningTests: running}, nil
}

// setupLogger creates a logger based on configuration
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// Package jobs runs the engine's periodic sweeps, either on a cron
// schedule or when triggered over HTTP, with at most one run per job at a
// time.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChrisDover/centinela-intel-sub001/internal/evaluator"
	"github.com/ChrisDover/centinela-intel-sub001/internal/metrics"
	"github.com/ChrisDover/centinela-intel-sub001/internal/scheduler"
	"github.com/ChrisDover/centinela-intel-sub001/internal/sendtime"
)

// Job names
const (
	JobDaily    = "daily"
	JobEvaluate = "evaluate"
	JobOptimize = "optimize"
	JobDispatch = "dispatch"
	JobCleanup  = "cleanup"
)

// TestEvaluator sweeps running tests
type TestEvaluator interface {
	EvaluateAll(ctx context.Context, now time.Time) (*evaluator.Summary, error)
}

// HourUpdater recomputes recipients' send hours
type HourUpdater interface {
	BatchUpdateOptimalHours(ctx context.Context, now time.Time) (*sendtime.BatchResult, error)
}

// Resumer dispatches pending messages
type Resumer interface {
	ResumeAll(ctx context.Context) (*scheduler.Result, error)
}

// Cleaner removes finished scheduled messages
type Cleaner interface {
	DeleteFinishedBefore(ctx context.Context, before time.Time) (int64, error)
}

// Config contains per-job budgets
type Config struct {
	EvaluateTimeout time.Duration
	OptimizeTimeout time.Duration
	DispatchTimeout time.Duration
	CleanupMaxAge   time.Duration
	LockTTL         time.Duration
}

// DailyResult is the outcome of the daily job
type DailyResult struct {
	Evaluation   *evaluator.Summary    `json:"evaluation"`
	Optimization *sendtime.BatchResult `json:"optimization"`
}

// CleanupResult is the outcome of the cleanup job
type CleanupResult struct {
	Deleted int64     `json:"deleted"`
	Before  time.Time `json:"before"`
}

// Runner executes jobs
type Runner struct {
	evaluator TestEvaluator
	optimizer HourUpdater
	resumer   Resumer
	cleaner   Cleaner
	locker    Locker
	cfg       Config
	now       func() time.Time
	logger    *slog.Logger
}

// NewRunner creates a runner. A nil locker keeps locks in process.
func NewRunner(ev TestEvaluator, opt HourUpdater, res Resumer, cl Cleaner, locker Locker,
	cfg Config, logger *slog.Logger) *Runner {
	if locker == nil {
		locker = NewLocalLocker()
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 15 * time.Minute
	}
	return &Runner{
		evaluator: ev,
		optimizer: opt,
		resumer:   res,
		cleaner:   cl,
		locker:    locker,
		cfg:       cfg,
		now:       time.Now,
		logger:    logger.With("component", "jobs"),
	}
}

// Run executes the named job and returns its result. ErrLocked means a
// run of the same job is already in progress somewhere.
func (r *Runner) Run(ctx context.Context, name string) (any, error) {
	fn, ok := r.job(name)
	if !ok {
		return nil, fmt.Errorf("unknown job %q", name)
	}

	release, acquired, err := r.locker.Acquire(ctx, name, r.cfg.LockTTL)
	if err != nil {
		return nil, err
	}
	if !acquired {
		metrics.ObserveJob(name, "skipped", 0)
		r.logger.Info("job already running, skipping", "job", name)
		return nil, ErrLocked
	}
	defer release()

	start := time.Now()
	r.logger.Info("job started", "job", name)

	result, err := fn(ctx, r.now().UTC())

	elapsed := time.Since(start)
	status := "success"
	if err != nil {
		status = "error"
		r.logger.Error("job failed", "job", name, "duration", elapsed, "error", err)
	} else {
		r.logger.Info("job finished", "job", name, "duration", elapsed)
	}
	metrics.ObserveJob(name, status, elapsed.Seconds())

	return result, err
}

// Names lists the jobs Run accepts
func Names() []string {
	return []string{JobDaily, JobEvaluate, JobOptimize, JobDispatch, JobCleanup}
}

func (r *Runner) job(name string) (func(context.Context, time.Time) (any, error), bool) {
	switch name {
	case JobDaily:
		return r.daily, true
	case JobEvaluate:
		return func(ctx context.Context, now time.Time) (any, error) { return r.evaluate(ctx, now) }, true
	case JobOptimize:
		return func(ctx context.Context, now time.Time) (any, error) { return r.optimize(ctx, now) }, true
	case JobDispatch:
		return r.dispatch, true
	case JobCleanup:
		return r.cleanup, true
	}
	return nil, false
}

func (r *Runner) evaluate(ctx context.Context, now time.Time) (*evaluator.Summary, error) {
	ctx, cancel := withBudget(ctx, r.cfg.EvaluateTimeout)
	defer cancel()
	return r.evaluator.EvaluateAll(ctx, now)
}

func (r *Runner) optimize(ctx context.Context, now time.Time) (*sendtime.BatchResult, error) {
	ctx, cancel := withBudget(ctx, r.cfg.OptimizeTimeout)
	defer cancel()
	return r.optimizer.BatchUpdateOptimalHours(ctx, now)
}

// daily evaluates tests, then recomputes send hours. An evaluation failure
// does not prevent the optimizer pass.
func (r *Runner) daily(ctx context.Context, now time.Time) (any, error) {
	result := &DailyResult{}

	var errs []error
	summary, err := r.evaluate(ctx, now)
	if err != nil {
		errs = append(errs, fmt.Errorf("evaluate: %w", err))
	}
	result.Evaluation = summary

	updated, err := r.optimize(ctx, now)
	if err != nil {
		errs = append(errs, fmt.Errorf("optimize: %w", err))
	}
	result.Optimization = updated

	return result, errors.Join(errs...)
}

func (r *Runner) dispatch(ctx context.Context, _ time.Time) (any, error) {
	ctx, cancel := withBudget(ctx, r.cfg.DispatchTimeout)
	defer cancel()

	res, err := r.resumer.ResumeAll(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		// Out of budget; the rest goes out on the next run.
		r.logger.Warn("dispatch budget exhausted", "budget", r.cfg.DispatchTimeout)
		return res, nil
	}
	return res, err
}

func (r *Runner) cleanup(ctx context.Context, now time.Time) (any, error) {
	if r.cfg.CleanupMaxAge <= 0 {
		return &CleanupResult{}, nil
	}
	before := now.Add(-r.cfg.CleanupMaxAge)
	n, err := r.cleaner.DeleteFinishedBefore(ctx, before)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		r.logger.Info("deleted finished messages", "count", n, "before", before)
	}
	return &CleanupResult{Deleted: n, Before: before}, nil
}

func withBudget(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule maps job names to standard cron expressions (UTC)
type Schedule map[string]string

// CronManager triggers jobs on a schedule
type CronManager struct {
	cron   *cron.Cron
	runner *Runner
	logger *slog.Logger
}

// NewCronManager registers every job in schedule. Jobs with an empty
// expression are not scheduled.
func NewCronManager(runner *Runner, schedule Schedule, logger *slog.Logger) (*CronManager, error) {
	cm := &CronManager{
		cron:   cron.New(cron.WithLocation(time.UTC)),
		runner: runner,
		logger: logger.With("component", "cron"),
	}

	for name, spec := range schedule {
		if _, ok := runner.job(name); !ok {
			return nil, fmt.Errorf("unknown job %q", name)
		}
		if spec == "" {
			cm.logger.Info("job not scheduled", "job", name)
			continue
		}
		if _, err := cm.cron.AddFunc(spec, cm.trigger(name)); err != nil {
			return nil, fmt.Errorf("invalid schedule %q for job %s: %w", spec, name, err)
		}
		cm.logger.Info("job scheduled", "job", name, "schedule", spec)
	}
	return cm, nil
}

func (cm *CronManager) trigger(name string) func() {
	return func() {
		// Budgets are applied per job by the runner.
		if _, err := cm.runner.Run(context.Background(), name); err != nil && !errors.Is(err, ErrLocked) {
			cm.logger.Error("scheduled job failed", "job", name, "error", err)
		}
	}
}

// Start starts the cron scheduler
func (cm *CronManager) Start() {
	cm.logger.Info("starting cron scheduler", "jobs", len(cm.cron.Entries()))
	cm.cron.Start()
}

// Stop stops the scheduler and waits for running jobs until ctx ends
func (cm *CronManager) Stop(ctx context.Context) {
	cm.logger.Info("stopping cron scheduler")
	done := cm.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		cm.logger.Warn("cron jobs still running at shutdown")
	}
}

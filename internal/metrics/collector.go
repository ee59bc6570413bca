package metrics

import (
	"context"
	"log/slog"
	"runtime"
	"time"
)

// EngineStats is a point-in-time view of engine state
type EngineStats struct {
	PendingMessages int
	RunningTests    int
}

// StatsProvider reports engine state for the state gauges
type StatsProvider interface {
	EngineStats(ctx context.Context) (*EngineStats, error)
}

// Collector periodically refreshes the state and system gauges
type Collector struct {
	metrics   *Metrics
	stats     StatsProvider
	interval  time.Duration
	startTime time.Time
	logger    *slog.Logger
}

// NewCollector creates a new gauge collector
func NewCollector(m *Metrics, stats StatsProvider, interval time.Duration, logger *slog.Logger) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		metrics:   m,
		stats:     stats,
		interval:  interval,
		startTime: time.Now(),
		logger:    logger.With("component", "metrics"),
	}
}

// Run refreshes the gauges until ctx is cancelled
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Collect(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Collect(ctx)
		}
	}
}

// Collect refreshes the gauges once
func (c *Collector) Collect(ctx context.Context) {
	c.metrics.UptimeSeconds.Set(time.Since(c.startTime).Seconds())
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	if c.stats == nil {
		return
	}
	stats, err := c.stats.EngineStats(ctx)
	if err != nil {
		c.logger.Warn("failed to collect engine stats", "error", err)
		return
	}
	c.metrics.PendingMessages.Set(float64(stats.PendingMessages))
	c.metrics.RunningTests.Set(float64(stats.RunningTests))
}

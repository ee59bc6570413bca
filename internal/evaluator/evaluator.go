// Package evaluator decides A/B test winners from assignment outcomes.
//
// Evaluation compares raw open or click rates; there is no significance
// testing. A test is eligible once every variant reached the minimum sample
// size or the test is 14 days old. Completion happens at most once: a test
// that already left the running state evaluates to its stored outcome.
package evaluator

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/ChrisDover/centinela-intel-sub001/internal/apperr"
	"github.com/ChrisDover/centinela-intel-sub001/internal/metrics"
	"github.com/ChrisDover/centinela-intel-sub001/internal/models"
)

// AutoCompleteAfter is the age at which a test completes regardless of
// sample size
const AutoCompleteAfter = 14 * 24 * time.Hour

// Evaluation reasons
const (
	ReasonAlreadyCompleted = "Test already completed"
	ReasonCancelled        = "Test cancelled"
	ReasonSampleReached    = "Minimum sample size reached"
	ReasonAutoCompleted    = "Auto-completed after 14 days"
	ReasonInsufficientData = "Insufficient data"
)

// TestStore is the persistence the evaluator needs for tests
type TestStore interface {
	GetByID(ctx context.Context, id string) (*models.Test, error)
	ListRunningIDs(ctx context.Context) ([]string, error)
	Complete(ctx context.Context, id, winnerVariantID string, completedAt time.Time, stats []models.VariantStats) (bool, error)
}

// CountStore aggregates assignment outcomes per variant
type CountStore interface {
	CountsByVariant(ctx context.Context, testID string) (map[string]models.VariantCounts, error)
}

// VariantStats holds the outcome of one variant
type VariantStats = models.VariantStats

// Result is the outcome of evaluating one test
type Result struct {
	TestID      string         `json:"test_id"`
	Status      string         `json:"status"`
	Stats       []VariantStats `json:"stats"`
	Winner      string         `json:"winner,omitempty"`
	Reason      string         `json:"reason"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// TestError records a test that could not be evaluated
type TestError struct {
	TestID string `json:"test_id"`
	Error  string `json:"error"`
}

// Summary is the outcome of a sweep over all running tests
type Summary struct {
	Evaluated int         `json:"evaluated"`
	Completed int         `json:"completed"`
	Failed    int         `json:"failed"`
	Errors    []TestError `json:"errors,omitempty"`
}

// Evaluator evaluates A/B tests
type Evaluator struct {
	tests  TestStore
	counts CountStore
	logger *slog.Logger
}

// New creates a new evaluator
func New(tests TestStore, counts CountStore, logger *slog.Logger) *Evaluator {
	return &Evaluator{
		tests:  tests,
		counts: counts,
		logger: logger.With("component", "evaluator"),
	}
}

// Evaluate computes per-variant stats for a test and completes it when a
// winner can be declared. now is the evaluation instant.
func (e *Evaluator) Evaluate(ctx context.Context, testID string, now time.Time) (*Result, error) {
	test, err := e.tests.GetByID(ctx, testID)
	if err != nil {
		return nil, fmt.Errorf("failed to load test: %w", err)
	}
	if test == nil {
		return nil, fmt.Errorf("test %q: %w", testID, apperr.ErrNotFound)
	}

	if test.IsTerminal() {
		return e.storedResult(test), nil
	}

	if len(test.Variants) < 2 {
		return nil, fmt.Errorf("test %q has %d variants, need at least 2: %w",
			testID, len(test.Variants), apperr.ErrConfiguration)
	}

	stats, err := e.stats(ctx, test)
	if err != nil {
		return nil, err
	}

	result := &Result{
		TestID: test.ID,
		Status: models.TestRunning,
		Stats:  stats,
	}

	reason, eligible := eligibility(test, stats, now)
	winner, ok := pickWinner(test, stats)
	if !eligible || !ok {
		result.Reason = ReasonInsufficientData
		metrics.IncTestsEvaluated("running")
		return result, nil
	}

	completedAt := now.UTC()
	won, err := e.tests.Complete(ctx, test.ID, winner, completedAt, stats)
	if err != nil {
		return nil, fmt.Errorf("failed to complete test %q: %w: %w", test.ID, apperr.ErrPersistence, err)
	}
	if !won {
		// Another trigger moved the test out of running first
		stored, err := e.tests.GetByID(ctx, test.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to reload test: %w", err)
		}
		if stored == nil {
			return nil, fmt.Errorf("test %q: %w", testID, apperr.ErrNotFound)
		}
		return e.storedResult(stored), nil
	}

	e.logger.Info("test completed", "test_id", test.ID, "winner", winner, "reason", reason)
	metrics.IncTestsEvaluated("completed")

	result.Status = models.TestCompleted
	result.Winner = winner
	result.Reason = reason
	result.CompletedAt = &completedAt
	return result, nil
}

// EvaluateAll evaluates every running test. Each test runs inside its own
// error boundary; a failing or panicking test is recorded and the sweep
// moves on.
func (e *Evaluator) EvaluateAll(ctx context.Context, now time.Time) (*Summary, error) {
	ids, err := e.tests.ListRunningIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list running tests: %w", err)
	}

	summary := &Summary{}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		result, err := e.evaluateIsolated(ctx, id, now)
		if err != nil {
			e.logger.Error("test evaluation failed", "test_id", id, "error", err)
			metrics.IncTestsEvaluated("error")
			summary.Failed++
			summary.Errors = append(summary.Errors, TestError{TestID: id, Error: err.Error()})
			continue
		}

		summary.Evaluated++
		if result.Status == models.TestCompleted {
			summary.Completed++
		}
	}

	e.logger.Info("evaluation sweep finished",
		"evaluated", summary.Evaluated, "completed", summary.Completed, "failed", summary.Failed)
	return summary, nil
}

func (e *Evaluator) evaluateIsolated(ctx context.Context, id string, now time.Time) (result *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic evaluating test", "test_id", id, "panic", r, "stack", string(debug.Stack()))
			result = nil
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return e.Evaluate(ctx, id, now)
}

// storedResult reports a terminal test as persisted, with the stats the
// winner was decided on. Cancelled tests carry no stats.
func (e *Evaluator) storedResult(test *models.Test) *Result {
	stats := test.FinalStats
	if stats == nil {
		stats = []VariantStats{}
	}

	reason := ReasonAlreadyCompleted
	if test.Status == models.TestCancelled {
		reason = ReasonCancelled
	}
	metrics.IncTestsEvaluated("terminal")

	return &Result{
		TestID:      test.ID,
		Status:      test.Status,
		Stats:       stats,
		Winner:      test.WinnerVariantID,
		Reason:      reason,
		CompletedAt: test.CompletedAt,
	}
}

// stats returns one entry per variant in the test's variant order
func (e *Evaluator) stats(ctx context.Context, test *models.Test) ([]VariantStats, error) {
	counts, err := e.counts.CountsByVariant(ctx, test.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate assignments: %w", err)
	}

	stats := make([]VariantStats, 0, len(test.Variants))
	for _, v := range test.Variants {
		c := counts[v.ID]
		s := VariantStats{
			VariantID: v.ID,
			Total:     c.Total,
			Opened:    c.Opened,
			Clicked:   c.Clicked,
		}
		if c.Total > 0 {
			s.OpenRate = float64(c.Opened) / float64(c.Total)
			s.ClickRate = float64(c.Clicked) / float64(c.Total)
		}
		stats = append(stats, s)
	}
	return stats, nil
}

func eligibility(test *models.Test, stats []VariantStats, now time.Time) (string, bool) {
	sampled := true
	for _, s := range stats {
		if s.Total < test.MinSampleSize {
			sampled = false
			break
		}
	}
	if sampled {
		return ReasonSampleReached, true
	}
	if now.Sub(test.CreatedAt) >= AutoCompleteAfter {
		return ReasonAutoCompleted, true
	}
	return "", false
}

// pickWinner returns the variant with the highest target metric. Ties go to
// the earliest variant. No winner when the best value is not positive.
func pickWinner(test *models.Test, stats []VariantStats) (string, bool) {
	best := -1
	bestValue := 0.0
	for i, s := range stats {
		v := metricValue(test.TargetMetric, s)
		if best == -1 || v > bestValue {
			best = i
			bestValue = v
		}
	}
	if best == -1 || bestValue <= 0 {
		return "", false
	}
	return stats[best].VariantID, true
}

func metricValue(metric string, s VariantStats) float64 {
	if metric == models.MetricClickRate {
		return s.ClickRate
	}
	return s.OpenRate
}

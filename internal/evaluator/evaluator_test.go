package evaluator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/ChrisDover/centinela-intel-sub001/internal/apperr"
	"github.com/ChrisDover/centinela-intel-sub001/internal/db"
	"github.com/ChrisDover/centinela-intel-sub001/internal/models"
	"github.com/ChrisDover/centinela-intel-sub001/internal/repository"
)

var now = time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)

type fixture struct {
	conn        *sql.DB
	tests       *repository.TestRepository
	assignments *repository.AssignmentRepository
	evaluator   *Evaluator
}

func setup(t *testing.T) *fixture {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.Migrate(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	f := &fixture{
		conn:        database.DB,
		tests:       repository.NewTestRepository(database.DB),
		assignments: repository.NewAssignmentRepository(database.DB),
	}
	f.evaluator = New(f.tests, f.assignments, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return f
}

func (f *fixture) createTest(t *testing.T, metric string, minSample int, age time.Duration, variantIDs ...string) *models.Test {
	t.Helper()

	test := &models.Test{
		Name:          "test",
		Type:          models.TestTypeSubject,
		TargetMetric:  metric,
		MinSampleSize: minSample,
		CreatedAt:     now.Add(-age),
	}
	for _, id := range variantIDs {
		test.Variants = append(test.Variants, models.Variant{ID: id, Value: "value " + id})
	}
	if err := f.tests.Create(context.Background(), test); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return test
}

// addOutcomes records total assignments for a variant, of which opened
// were opened and clicked were clicked
func (f *fixture) addOutcomes(t *testing.T, testID, variantID string, total, opened, clicked int) {
	t.Helper()
	ctx := context.Background()

	for i := 0; i < total; i++ {
		rid := fmt.Sprintf("%s-%s-%d", testID, variantID, i)
		if _, err := f.assignments.InsertIfAbsent(ctx, &models.VariantAssignment{TestID: testID, RecipientID: rid, VariantID: variantID}); err != nil {
			t.Fatalf("InsertIfAbsent() error = %v", err)
		}
		if i < opened {
			if _, err := f.assignments.MarkOpened(ctx, testID, rid); err != nil {
				t.Fatalf("MarkOpened() error = %v", err)
			}
		}
		if i < clicked {
			if _, err := f.assignments.MarkClicked(ctx, testID, rid); err != nil {
				t.Fatalf("MarkClicked() error = %v", err)
			}
		}
	}
}

func TestEvaluate_NotFound(t *testing.T) {
	f := setup(t)

	_, err := f.evaluator.Evaluate(context.Background(), "missing", now)
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Evaluate() error = %v, want ErrNotFound", err)
	}
}

func TestEvaluate_TooFewVariants(t *testing.T) {
	f := setup(t)
	test := f.createTest(t, models.MetricOpenRate, 1, 0, "only")

	_, err := f.evaluator.Evaluate(context.Background(), test.ID, now)
	if !errors.Is(err, apperr.ErrConfiguration) {
		t.Errorf("Evaluate() error = %v, want ErrConfiguration", err)
	}
}

func TestEvaluate_InsufficientDataOnNewTest(t *testing.T) {
	f := setup(t)
	test := f.createTest(t, models.MetricOpenRate, 100, 0, "a", "b")

	result, err := f.evaluator.Evaluate(context.Background(), test.ID, now)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if result.Status != models.TestRunning {
		t.Errorf("Status = %q, want running", result.Status)
	}
	if result.Winner != "" {
		t.Errorf("Winner = %q, want none", result.Winner)
	}
	if result.Reason != ReasonInsufficientData {
		t.Errorf("Reason = %q, want %q", result.Reason, ReasonInsufficientData)
	}
	if len(result.Stats) != 2 || result.Stats[0].VariantID != "a" || result.Stats[1].Total != 0 {
		t.Errorf("Stats = %+v", result.Stats)
	}
}

func TestEvaluate_MinimumSampleReached(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	test := f.createTest(t, models.MetricOpenRate, 4, time.Hour, "a", "b")

	f.addOutcomes(t, test.ID, "a", 4, 1, 0)
	f.addOutcomes(t, test.ID, "b", 5, 3, 0)

	result, err := f.evaluator.Evaluate(ctx, test.ID, now)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if result.Status != models.TestCompleted {
		t.Fatalf("Status = %q, want completed", result.Status)
	}
	if result.Winner != "b" {
		t.Errorf("Winner = %q, want b", result.Winner)
	}
	if result.Reason != ReasonSampleReached {
		t.Errorf("Reason = %q, want %q", result.Reason, ReasonSampleReached)
	}
	if result.Stats[0].OpenRate != 0.25 || result.Stats[1].OpenRate != 0.6 {
		t.Errorf("open rates = %v, %v", result.Stats[0].OpenRate, result.Stats[1].OpenRate)
	}

	stored, err := f.tests.GetByID(ctx, test.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if stored.Status != models.TestCompleted || stored.WinnerVariantID != "b" {
		t.Errorf("stored = %s/%s", stored.Status, stored.WinnerVariantID)
	}
	if stored.CompletedAt == nil || !stored.CompletedAt.Equal(now) {
		t.Errorf("CompletedAt = %v, want %v", stored.CompletedAt, now)
	}
}

func TestEvaluate_BelowSampleStaysRunning(t *testing.T) {
	f := setup(t)
	test := f.createTest(t, models.MetricOpenRate, 10, 3*24*time.Hour, "a", "b")

	f.addOutcomes(t, test.ID, "a", 10, 5, 0)
	f.addOutcomes(t, test.ID, "b", 9, 9, 0)

	result, err := f.evaluator.Evaluate(context.Background(), test.ID, now)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if result.Status != models.TestRunning || result.Winner != "" {
		t.Errorf("result = %s/%q, want running with no winner", result.Status, result.Winner)
	}
}

func TestEvaluate_AutoComplete(t *testing.T) {
	f := setup(t)
	test := f.createTest(t, models.MetricOpenRate, 1000, AutoCompleteAfter, "a", "b")

	f.addOutcomes(t, test.ID, "a", 3, 0, 0)
	f.addOutcomes(t, test.ID, "b", 2, 1, 0)

	result, err := f.evaluator.Evaluate(context.Background(), test.ID, now)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if result.Status != models.TestCompleted {
		t.Fatalf("Status = %q, want completed", result.Status)
	}
	if result.Winner != "b" {
		t.Errorf("Winner = %q, want b", result.Winner)
	}
	if result.Reason != ReasonAutoCompleted {
		t.Errorf("Reason = %q, want %q", result.Reason, ReasonAutoCompleted)
	}
}

func TestEvaluate_AutoCompleteWithoutSignal(t *testing.T) {
	f := setup(t)
	test := f.createTest(t, models.MetricClickRate, 1000, 20*24*time.Hour, "a", "b")

	// opens but no clicks; the target metric is click rate
	f.addOutcomes(t, test.ID, "a", 3, 3, 0)

	result, err := f.evaluator.Evaluate(context.Background(), test.ID, now)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if result.Status != models.TestRunning {
		t.Errorf("Status = %q, want running", result.Status)
	}
	if result.Reason != ReasonInsufficientData {
		t.Errorf("Reason = %q, want %q", result.Reason, ReasonInsufficientData)
	}
}

func TestEvaluate_TieGoesToEarliestVariant(t *testing.T) {
	f := setup(t)
	test := f.createTest(t, models.MetricClickRate, 2, 0, "a", "b", "c")

	f.addOutcomes(t, test.ID, "a", 2, 2, 0)
	f.addOutcomes(t, test.ID, "b", 2, 1, 1)
	f.addOutcomes(t, test.ID, "c", 2, 2, 1)

	result, err := f.evaluator.Evaluate(context.Background(), test.ID, now)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if result.Winner != "b" {
		t.Errorf("Winner = %q, want b", result.Winner)
	}
}

func TestEvaluate_Idempotent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	test := f.createTest(t, models.MetricOpenRate, 1, 0, "a", "b")

	f.addOutcomes(t, test.ID, "a", 1, 1, 0)
	f.addOutcomes(t, test.ID, "b", 1, 0, 0)

	first, err := f.evaluator.Evaluate(ctx, test.ID, now)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}

	// New data and a later clock do not change a completed test
	f.addOutcomes(t, test.ID, "b", 5, 5, 0)
	second, err := f.evaluator.Evaluate(ctx, test.ID, now.Add(48*time.Hour))
	if err != nil {
		t.Fatalf("second Evaluate() error = %v", err)
	}

	if second.Status != models.TestCompleted {
		t.Errorf("Status = %q, want completed", second.Status)
	}
	if second.Winner != first.Winner {
		t.Errorf("Winner changed from %q to %q", first.Winner, second.Winner)
	}
	if second.CompletedAt == nil || !second.CompletedAt.Equal(*first.CompletedAt) {
		t.Errorf("CompletedAt changed from %v to %v", first.CompletedAt, second.CompletedAt)
	}
	if second.Reason != ReasonAlreadyCompleted {
		t.Errorf("Reason = %q, want %q", second.Reason, ReasonAlreadyCompleted)
	}
}

func TestEvaluate_CompletedStatsAreFrozen(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	test := f.createTest(t, models.MetricOpenRate, 2, 0, "a", "b")

	f.addOutcomes(t, test.ID, "a", 2, 2, 1)
	f.addOutcomes(t, test.ID, "b", 2, 0, 0)

	first, err := f.evaluator.Evaluate(ctx, test.ID, now)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if first.Status != models.TestCompleted {
		t.Fatalf("Status = %q, want completed", first.Status)
	}

	// Late opens for the losing variant arrive after completion
	for i := 0; i < 2; i++ {
		rid := fmt.Sprintf("%s-b-%d", test.ID, i)
		if _, err := f.assignments.MarkOpened(ctx, test.ID, rid); err != nil {
			t.Fatalf("MarkOpened() error = %v", err)
		}
	}
	f.addOutcomes(t, test.ID, "b", 6, 6, 0)

	second, err := f.evaluator.Evaluate(ctx, test.ID, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("second Evaluate() error = %v", err)
	}
	if len(second.Stats) != len(first.Stats) {
		t.Fatalf("Stats = %+v, want %+v", second.Stats, first.Stats)
	}
	for i := range first.Stats {
		if second.Stats[i] != first.Stats[i] {
			t.Errorf("Stats[%d] = %+v, want %+v", i, second.Stats[i], first.Stats[i])
		}
	}
	if b := second.Stats[1]; b.Opened != 0 || b.OpenRate != 0 {
		t.Errorf("variant b = %+v, want the counts at completion", b)
	}

	stored, err := f.tests.GetByID(ctx, test.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if len(stored.FinalStats) != 2 || stored.FinalStats[0].Clicked != 1 {
		t.Errorf("FinalStats = %+v", stored.FinalStats)
	}
}

func TestEvaluate_Cancelled(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	test := f.createTest(t, models.MetricOpenRate, 1, 0, "a", "b")

	if _, err := f.tests.Cancel(ctx, test.ID, now); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	f.addOutcomes(t, test.ID, "a", 1, 1, 0)
	f.addOutcomes(t, test.ID, "b", 1, 0, 0)

	result, err := f.evaluator.Evaluate(ctx, test.ID, now)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if result.Status != models.TestCancelled || result.Winner != "" {
		t.Errorf("result = %s/%q, want cancelled with no winner", result.Status, result.Winner)
	}
	if result.Reason != ReasonCancelled {
		t.Errorf("Reason = %q, want %q", result.Reason, ReasonCancelled)
	}
	if result.Stats == nil || len(result.Stats) != 0 {
		t.Errorf("Stats = %+v, want empty for a cancelled test", result.Stats)
	}
}

// racingStore completes the test on behalf of another trigger right before
// the evaluator's own completion attempt
type racingStore struct {
	*repository.TestRepository
	winner string
	at     time.Time
}

func (s *racingStore) Complete(ctx context.Context, id, _ string, _ time.Time, stats []models.VariantStats) (bool, error) {
	if _, err := s.TestRepository.Complete(ctx, id, s.winner, s.at, stats); err != nil {
		return false, err
	}
	return s.TestRepository.Complete(ctx, id, "ignored", s.at, stats)
}

func TestEvaluate_LostRaceReturnsStoredResult(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	test := f.createTest(t, models.MetricOpenRate, 1, 0, "a", "b")

	f.addOutcomes(t, test.ID, "a", 1, 1, 0)
	f.addOutcomes(t, test.ID, "b", 1, 0, 0)

	earlier := now.Add(-time.Minute)
	store := &racingStore{TestRepository: f.tests, winner: "b", at: earlier}
	ev := New(store, f.assignments, slog.New(slog.NewTextHandler(io.Discard, nil)))

	result, err := ev.Evaluate(ctx, test.ID, now)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if result.Winner != "b" {
		t.Errorf("Winner = %q, want the stored winner b", result.Winner)
	}
	if result.CompletedAt == nil || !result.CompletedAt.Equal(earlier) {
		t.Errorf("CompletedAt = %v, want %v", result.CompletedAt, earlier)
	}
	if result.Reason != ReasonAlreadyCompleted {
		t.Errorf("Reason = %q, want %q", result.Reason, ReasonAlreadyCompleted)
	}
}

type panickingCounts struct {
	CountStore
	panicFor string
}

func (c panickingCounts) CountsByVariant(ctx context.Context, testID string) (map[string]models.VariantCounts, error) {
	if testID == c.panicFor {
		panic("corrupt aggregate")
	}
	return c.CountStore.CountsByVariant(ctx, testID)
}

func TestEvaluateAll_IsolatesFailures(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	ready := f.createTest(t, models.MetricOpenRate, 1, 0, "a", "b")
	f.addOutcomes(t, ready.ID, "a", 1, 1, 0)
	f.addOutcomes(t, ready.ID, "b", 1, 0, 0)

	f.createTest(t, models.MetricOpenRate, 50, 0, "a", "b")
	single := f.createTest(t, models.MetricOpenRate, 1, 0, "only")
	exploding := f.createTest(t, models.MetricOpenRate, 1, 0, "a", "b")

	ev := New(f.tests, panickingCounts{CountStore: f.assignments, panicFor: exploding.ID},
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	summary, err := ev.EvaluateAll(ctx, now)
	if err != nil {
		t.Fatalf("EvaluateAll() error = %v", err)
	}
	if summary.Evaluated != 2 {
		t.Errorf("Evaluated = %d, want 2", summary.Evaluated)
	}
	if summary.Completed != 1 {
		t.Errorf("Completed = %d, want 1", summary.Completed)
	}
	if summary.Failed != 2 || len(summary.Errors) != 2 {
		t.Fatalf("Failed = %d, Errors = %+v, want 2", summary.Failed, summary.Errors)
	}

	failed := map[string]bool{}
	for _, e := range summary.Errors {
		failed[e.TestID] = true
	}
	if !failed[single.ID] || !failed[exploding.ID] {
		t.Errorf("errors = %+v, want %s and %s", summary.Errors, single.ID, exploding.ID)
	}

	// The completed test drops out of the next sweep
	again, err := ev.EvaluateAll(ctx, now)
	if err != nil {
		t.Fatalf("second EvaluateAll() error = %v", err)
	}
	if again.Completed != 0 || again.Evaluated != 1 {
		t.Errorf("second sweep = %+v, want 1 evaluated, 0 completed", again)
	}
}

package assign

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/ChrisDover/centinela-intel-sub001/internal/apperr"
	"github.com/ChrisDover/centinela-intel-sub001/internal/db"
	"github.com/ChrisDover/centinela-intel-sub001/internal/models"
	"github.com/ChrisDover/centinela-intel-sub001/internal/repository"
)

func variants(n int) []models.Variant {
	vs := make([]models.Variant, n)
	for i := range vs {
		vs[i] = models.Variant{ID: fmt.Sprintf("v%d", i), Value: fmt.Sprintf("value %d", i)}
	}
	return vs
}

func TestHashV1(t *testing.T) {
	// FNV-1a 32-bit reference values
	tests := []struct {
		key  string
		want uint32
	}{
		{"", 0x811c9dc5},
		{"a", 0xe40c292c},
		{"foobar", 0xbf9cf968},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			if got := HashV1(tt.key); got != tt.want {
				t.Errorf("HashV1(%q) = %#x, want %#x", tt.key, got, tt.want)
			}
		})
	}
}

func TestAssign_Idempotent(t *testing.T) {
	vs := variants(3)
	for i := 0; i < 100; i++ {
		rid := fmt.Sprintf("recipient-%d", i)
		first, err := Assign("test-1", rid, vs)
		if err != nil {
			t.Fatalf("Assign() error = %v", err)
		}
		for j := 0; j < 3; j++ {
			again, _ := Assign("test-1", rid, vs)
			if again != first {
				t.Fatalf("Assign(%s) changed from %s to %s", rid, first.ID, again.ID)
			}
		}
	}
}

func TestAssign_SingleVariant(t *testing.T) {
	only := models.Variant{ID: "only", Value: "x"}
	for _, rid := range []string{"a", "b", "c", ""} {
		got, err := Assign("t", rid, []models.Variant{only})
		if err != nil {
			t.Fatalf("Assign() error = %v", err)
		}
		if got != only {
			t.Errorf("Assign(%q) = %+v, want %+v", rid, got, only)
		}
	}
}

func TestAssign_NoVariants(t *testing.T) {
	_, err := Assign("t", "r", nil)
	if !errors.Is(err, apperr.ErrConfiguration) {
		t.Errorf("Assign() error = %v, want ErrConfiguration", err)
	}
}

func TestAssign_Distribution(t *testing.T) {
	const total = 20000

	for _, n := range []int{2, 3, 4} {
		t.Run(fmt.Sprintf("%d variants", n), func(t *testing.T) {
			vs := variants(n)
			counts := make(map[string]int)
			for i := 0; i < total; i++ {
				v, err := Assign("distribution-test", fmt.Sprintf("recipient-%06d", i), vs)
				if err != nil {
					t.Fatalf("Assign() error = %v", err)
				}
				counts[v.ID]++
			}

			expected := 1.0 / float64(n)
			for _, v := range vs {
				share := float64(counts[v.ID]) / total
				if math.Abs(share-expected) > 0.03 {
					t.Errorf("variant %s share = %.3f, want %.3f ± 0.03", v.ID, share, expected)
				}
			}
		})
	}
}

func setupService(t *testing.T) (*Service, *repository.TestRepository, *repository.AssignmentRepository) {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.Migrate(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	assignments := repository.NewAssignmentRepository(database.DB)
	return NewService(assignments), repository.NewTestRepository(database.DB), assignments
}

func TestService_Resolve(t *testing.T) {
	svc, tests, assignments := setupService(t)
	ctx := context.Background()

	test := &models.Test{Type: models.TestTypeSubject, Variants: variants(2), TargetMetric: models.MetricOpenRate, CreatedAt: time.Now()}
	if err := tests.Create(ctx, test); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	want, _ := Assign(test.ID, "r1", test.Variants)

	got, err := svc.Resolve(ctx, test, "r1")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got != want {
		t.Errorf("Resolve() = %+v, want %+v", got, want)
	}

	stored, err := assignments.Get(ctx, test.ID, "r1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if stored == nil || stored.VariantID != want.ID {
		t.Errorf("stored assignment = %+v, want variant %s", stored, want.ID)
	}

	again, err := svc.Resolve(ctx, test, "r1")
	if err != nil {
		t.Fatalf("second Resolve() error = %v", err)
	}
	if again != got {
		t.Errorf("second Resolve() = %+v, want %+v", again, got)
	}
}

func TestService_Resolve_StoredVariantWins(t *testing.T) {
	svc, tests, assignments := setupService(t)
	ctx := context.Background()

	test := &models.Test{Type: models.TestTypeSubject, Variants: variants(2), TargetMetric: models.MetricOpenRate, CreatedAt: time.Now()}
	if err := tests.Create(ctx, test); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	computed, _ := Assign(test.ID, "r1", test.Variants)
	other := test.Variants[0]
	if other == computed {
		other = test.Variants[1]
	}

	if _, err := assignments.InsertIfAbsent(ctx, &models.VariantAssignment{TestID: test.ID, RecipientID: "r1", VariantID: other.ID}); err != nil {
		t.Fatalf("InsertIfAbsent() error = %v", err)
	}

	got, err := svc.Resolve(ctx, test, "r1")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got != other {
		t.Errorf("Resolve() = %+v, want stored %+v", got, other)
	}
}

type failingStore struct{}

func (failingStore) InsertIfAbsent(context.Context, *models.VariantAssignment) (*models.VariantAssignment, error) {
	return nil, errors.New("disk full")
}

func TestService_Resolve_PersistenceError(t *testing.T) {
	svc := NewService(failingStore{})
	test := &models.Test{ID: "t", Variants: variants(2)}

	_, err := svc.Resolve(context.Background(), test, "r1")
	if !errors.Is(err, apperr.ErrPersistence) {
		t.Errorf("Resolve() error = %v, want ErrPersistence", err)
	}
}

// Package assign routes recipients to A/B test variants.
//
// Routing is a pure function of (test id, recipient id). The hash behind it
// is frozen: once any test is live, changing it would silently move
// recipients between variants. A new algorithm gets a new HashVersion and a
// new function next to HashV1.
package assign

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/ChrisDover/centinela-intel-sub001/internal/apperr"
	"github.com/ChrisDover/centinela-intel-sub001/internal/models"
)

// HashVersion identifies the routing hash in use
const HashVersion = 1

// HashV1 is 32-bit FNV-1a over the UTF-8 bytes of key
func HashV1(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32()
}

// Assign returns the variant for a recipient:
// variants[HashV1(testID + ":" + recipientID) mod len(variants)].
func Assign(testID, recipientID string, variants []models.Variant) (models.Variant, error) {
	switch len(variants) {
	case 0:
		return models.Variant{}, fmt.Errorf("test %q has no variants: %w", testID, apperr.ErrConfiguration)
	case 1:
		return variants[0], nil
	}

	idx := HashV1(testID+":"+recipientID) % uint32(len(variants))
	return variants[idx], nil
}

// AssignmentStore persists assignments with insert-if-absent semantics
type AssignmentStore interface {
	InsertIfAbsent(ctx context.Context, a *models.VariantAssignment) (*models.VariantAssignment, error)
}

// Service computes assignments and pins them in the store
type Service struct {
	store AssignmentStore
}

func NewService(store AssignmentStore) *Service {
	return &Service{store: store}
}

// Resolve returns the recipient's variant for a test, persisting it on first
// access. When a row already exists its variant wins over the computed one.
func (s *Service) Resolve(ctx context.Context, test *models.Test, recipientID string) (models.Variant, error) {
	v, err := Assign(test.ID, recipientID, test.Variants)
	if err != nil {
		return models.Variant{}, err
	}

	stored, err := s.store.InsertIfAbsent(ctx, &models.VariantAssignment{
		TestID:      test.ID,
		RecipientID: recipientID,
		VariantID:   v.ID,
	})
	if err != nil {
		return models.Variant{}, fmt.Errorf("failed to persist assignment: %w: %w", apperr.ErrPersistence, err)
	}

	if stored.VariantID == v.ID {
		return v, nil
	}
	pinned, ok := test.Variant(stored.VariantID)
	if !ok {
		return models.Variant{}, fmt.Errorf("test %q: stored variant %q no longer exists: %w",
			test.ID, stored.VariantID, apperr.ErrConfiguration)
	}
	return pinned, nil
}

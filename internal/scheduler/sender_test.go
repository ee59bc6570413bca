package scheduler

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/ChrisDover/centinela-intel-sub001/internal/apperr"
	"github.com/ChrisDover/centinela-intel-sub001/internal/models"
)

func TestSender_Send(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()

	test := f.test(t, twoVariants()...)
	campaign := f.campaign(t, test.ID)
	for i := 0; i < 7; i++ {
		f.recipient(t, fmt.Sprintf("r%d@example.com", i), models.RecipientActive, 18)
	}
	f.recipient(t, "bounced@example.com", models.RecipientBounced, 18)

	p := &fakeProvider{}
	d := f.dispatcher(p, nil, DispatchConfig{BatchSize: 3})
	s := NewSender(f.scheduler, d, f.recipients, map[string]string{"brand": "Centinela"}, discardLogger())

	res, err := s.Send(ctx, campaign.ID, now)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if res.Scheduled != 7 {
		t.Errorf("Send() scheduled %d, want 7", res.Scheduled)
	}
	if p.calls != 3 {
		t.Errorf("provider called %d times, want 3", p.calls)
	}

	counts, err := f.assignments.CountsByVariant(ctx, test.ID)
	if err != nil {
		t.Fatalf("CountsByVariant() error = %v", err)
	}
	if counts["a"].Total+counts["b"].Total != 7 {
		t.Errorf("assignments = %+v, want 7 in total", counts)
	}

	// A second send finds nothing left to do
	res, err = s.Send(ctx, campaign.ID, now)
	if err != nil {
		t.Fatalf("second Send() error = %v", err)
	}
	if res.Scheduled != 0 || p.calls != 3 {
		t.Errorf("second Send() = %+v, calls %d", res, p.calls)
	}
}

func TestSender_UnknownCampaign(t *testing.T) {
	f := setup(t, 0)
	d := f.dispatcher(&fakeProvider{}, nil, DispatchConfig{})
	s := NewSender(f.scheduler, d, f.recipients, nil, discardLogger())

	if _, err := s.Send(context.Background(), "missing", now); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Send() error = %v, want ErrNotFound", err)
	}
}

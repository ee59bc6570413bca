package scheduler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ChrisDover/centinela-intel-sub001/internal/models"
	"github.com/ChrisDover/centinela-intel-sub001/internal/quota"
)

// pendingMessages stores n pending messages for a fresh campaign
func (f *fixture) pendingMessages(t *testing.T, n int) (*models.Campaign, []models.ScheduledMessage) {
	t.Helper()

	ctx := context.Background()
	campaign := f.campaign(t, "")
	msgs := make([]models.ScheduledMessage, 0, n)
	for i := 0; i < n; i++ {
		rec := f.recipient(t, fmt.Sprintf("%s-%d@example.com", campaign.ID, i), models.RecipientActive, 18)
		stored, err := f.messages.InsertIfAbsent(ctx, &models.ScheduledMessage{
			CampaignID:  campaign.ID,
			RecipientID: rec.ID,
			ToAddress:   rec.Email,
			Subject:     "Hello",
			HTML:        "<p>Hi</p>",
			ScheduledAt: now.Add(6 * time.Hour),
		})
		if err != nil {
			t.Fatalf("InsertIfAbsent() error = %v", err)
		}
		msgs = append(msgs, *stored)
	}
	return campaign, msgs
}

func (f *fixture) dispatcher(p *fakeProvider, limiter Limiter, cfg DispatchConfig) *Dispatcher {
	d := NewDispatcher(f.campaigns, f.messages, p, limiter, cfg, discardLogger())
	d.now = func() time.Time { return now }
	return d
}

func (f *fixture) count(t *testing.T, status string) int {
	t.Helper()

	n, err := f.messages.CountByStatus(context.Background(), status)
	if err != nil {
		t.Fatalf("CountByStatus() error = %v", err)
	}
	return n
}

func TestDispatch_PartialFailure(t *testing.T) {
	f := setup(t, 0)
	campaign, msgs := f.pendingMessages(t, 250)
	p := &fakeProvider{fail: map[int]bool{2: true}}
	d := f.dispatcher(p, nil, DispatchConfig{BatchSize: 100})

	res, err := d.Dispatch(context.Background(), campaign.ID, msgs)
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	if res.Scheduled != 150 || res.Failed != 100 || res.Deferred != 0 {
		t.Errorf("Dispatch() = %+v, want 150 scheduled, 100 failed", res)
	}
	if len(res.Errors) != 1 {
		t.Fatalf("got %d batch errors, want 1", len(res.Errors))
	}
	if e := res.Errors[0]; e.Batch != 2 || e.Size != 100 || !strings.Contains(e.Error, "upstream unavailable") {
		t.Errorf("batch error = %+v", e)
	}
	if p.calls != 3 {
		t.Errorf("provider called %d times, want 3", p.calls)
	}
	if len(p.batches[2]) != 50 {
		t.Errorf("last batch size = %d, want 50", len(p.batches[2]))
	}

	if got := f.count(t, models.MessageScheduled); got != 150 {
		t.Errorf("scheduled rows = %d, want 150", got)
	}
	if got := f.count(t, models.MessageFailed); got != 100 {
		t.Errorf("failed rows = %d, want 100", got)
	}

	first, _ := f.messages.GetByID(context.Background(), msgs[0].ID)
	if first.ProviderMessageID != "pid-"+msgs[0].ID {
		t.Errorf("provider id = %q", first.ProviderMessageID)
	}
	if first.AttemptedAt == nil {
		t.Error("attempted_at not stamped")
	}
	failed, _ := f.messages.GetByID(context.Background(), msgs[100].ID)
	if failed.Status != models.MessageFailed || failed.Error == "" {
		t.Errorf("failed message = %+v", failed)
	}
}

func TestDispatch_ProviderFailsPartwayThroughBatch(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()
	campaign, msgs := f.pendingMessages(t, 5)
	p := &fakeProvider{fail: map[int]bool{1: true}, accept: map[int]int{1: 2}}
	d := f.dispatcher(p, nil, DispatchConfig{BatchSize: 5})

	res, err := d.Dispatch(ctx, campaign.ID, msgs)
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if res.Scheduled != 2 || res.Failed != 3 || res.Deferred != 0 {
		t.Errorf("Dispatch() = %+v, want 2 scheduled, 3 failed", res)
	}
	if len(res.Errors) != 1 || res.Errors[0].Size != 3 {
		t.Errorf("batch errors = %+v, want one covering 3 messages", res.Errors)
	}

	for i, m := range msgs {
		stored, _ := f.messages.GetByID(ctx, m.ID)
		if i < 2 {
			if stored.Status != models.MessageScheduled || stored.ProviderMessageID != "pid-"+m.ID {
				t.Errorf("message %d = %s %q, want scheduled with its provider id", i, stored.Status, stored.ProviderMessageID)
			}
			continue
		}
		if stored.Status != models.MessageFailed {
			t.Errorf("message %d = %s, want failed", i, stored.Status)
		}
	}
}

func TestDispatch_CancelAfterPartialAcceptance(t *testing.T) {
	f := setup(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	campaign, msgs := f.pendingMessages(t, 4)
	p := &fakeProvider{accept: map[int]int{1: 1}, onCall: func(int) error {
		cancel()
		return context.Canceled
	}}
	d := f.dispatcher(p, nil, DispatchConfig{BatchSize: 4})

	res, err := d.Dispatch(ctx, campaign.ID, msgs)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Dispatch() error = %v, want context.Canceled", err)
	}
	if res.Scheduled != 1 || res.Failed != 0 || res.Deferred != 3 {
		t.Errorf("Dispatch() = %+v, want 1 scheduled, 3 deferred", res)
	}
	if got := f.count(t, models.MessageScheduled); got != 1 {
		t.Errorf("scheduled rows = %d, want 1", got)
	}
	if got := f.count(t, models.MessagePending); got != 3 {
		t.Errorf("pending rows = %d, want 3", got)
	}
}

func TestDispatch_BuildsEmails(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()

	campaign, msgs := f.pendingMessages(t, 2)
	msgs[1].FromName = "Variant Sender"
	msgs[1].ScheduledAt = now.Add(-time.Hour)

	p := &fakeProvider{}
	d := f.dispatcher(p, nil, DispatchConfig{})
	if _, err := d.Dispatch(ctx, campaign.ID, msgs); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	emails := p.batches[0]
	if emails[0].From != campaign.FromEmail || emails[0].FromName != "Centinela" {
		t.Errorf("email[0] from = %q <%q>", emails[0].FromName, emails[0].From)
	}
	if emails[1].FromName != "Variant Sender" {
		t.Errorf("email[1] from name = %q, want override", emails[1].FromName)
	}
	if !emails[0].ScheduledAt.Equal(now.Add(6 * time.Hour)) {
		t.Errorf("email[0] scheduled at %v", emails[0].ScheduledAt)
	}
	if !emails[1].ScheduledAt.Equal(now.Add(time.Minute)) {
		t.Errorf("stale send time not clamped: %v", emails[1].ScheduledAt)
	}

	stored, _ := f.messages.GetByID(ctx, msgs[1].ID)
	if !stored.ScheduledAt.Equal(now.Add(time.Minute)) {
		t.Errorf("stored send time = %v, want clamped", stored.ScheduledAt)
	}
}

func TestDispatch_QuotaDefers(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()

	bdb, err := quota.Open(filepath.Join(t.TempDir(), "quota.db"))
	if err != nil {
		t.Fatalf("quota.Open() error = %v", err)
	}
	t.Cleanup(func() { bdb.Close() })
	q, err := quota.New(bdb, quota.Config{Global: &quota.Limit{MessagesPerHour: 150}})
	if err != nil {
		t.Fatalf("quota.New() error = %v", err)
	}

	campaign, msgs := f.pendingMessages(t, 250)
	p := &fakeProvider{}
	d := f.dispatcher(p, q, DispatchConfig{BatchSize: 100})

	res, err := d.Dispatch(ctx, campaign.ID, msgs)
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if res.Scheduled != 100 || res.Deferred != 150 || res.Failed != 0 {
		t.Errorf("Dispatch() = %+v, want 100 scheduled, 150 deferred", res)
	}
	if got := f.count(t, models.MessagePending); got != 150 {
		t.Errorf("pending rows = %d, want 150", got)
	}
	if p.calls != 1 {
		t.Errorf("provider called %d times, want 1", p.calls)
	}
}

func TestDispatch_CancelDuringProviderCall(t *testing.T) {
	f := setup(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	campaign, msgs := f.pendingMessages(t, 5)
	p := &fakeProvider{onCall: func(call int) error {
		if call == 2 {
			cancel()
			return context.Canceled
		}
		return nil
	}}
	d := f.dispatcher(p, nil, DispatchConfig{BatchSize: 2})

	res, err := d.Dispatch(ctx, campaign.ID, msgs)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Dispatch() error = %v, want context.Canceled", err)
	}
	if res.Scheduled != 2 || res.Failed != 0 || res.Deferred != 3 {
		t.Errorf("Dispatch() = %+v, want 2 scheduled, 3 deferred", res)
	}

	interrupted, _ := f.messages.GetByID(context.Background(), msgs[2].ID)
	if interrupted.Status != models.MessagePending || interrupted.AttemptedAt == nil {
		t.Errorf("interrupted message = %s attempted %v, want pending and attempted",
			interrupted.Status, interrupted.AttemptedAt)
	}
	untouched, _ := f.messages.GetByID(context.Background(), msgs[4].ID)
	if untouched.AttemptedAt != nil {
		t.Error("untouched message should not be attempted")
	}

	// Resume sends the interrupted batch again under the same key
	p.onCall = nil
	res, err = d.Resume(context.Background(), campaign.ID)
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if res.Scheduled != 3 {
		t.Errorf("Resume() scheduled %d, want 3", res.Scheduled)
	}
	if p.keys[2] != p.keys[1] {
		t.Errorf("resumed batch key %q differs from interrupted %q", p.keys[2], p.keys[1])
	}
	if got := f.count(t, models.MessagePending); got != 0 {
		t.Errorf("pending rows = %d, want 0", got)
	}
}

func TestDispatch_CancelDuringDelay(t *testing.T) {
	f := setup(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	campaign, msgs := f.pendingMessages(t, 4)
	p := &fakeProvider{onCall: func(int) error {
		cancel()
		return nil
	}}
	d := f.dispatcher(p, nil, DispatchConfig{BatchSize: 2, BatchDelay: time.Hour})

	res, err := d.Dispatch(ctx, campaign.ID, msgs)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Dispatch() error = %v, want context.Canceled", err)
	}
	if res.Scheduled != 2 || res.Deferred != 2 {
		t.Errorf("Dispatch() = %+v, want 2 scheduled, 2 deferred", res)
	}
	if got := f.count(t, models.MessageScheduled); got != 2 {
		t.Errorf("scheduled rows = %d, want 2", got)
	}
}

func TestDispatch_Empty(t *testing.T) {
	f := setup(t, 0)
	p := &fakeProvider{}
	d := f.dispatcher(p, nil, DispatchConfig{})

	res, err := d.Dispatch(context.Background(), "unknown", nil)
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if res.Scheduled != 0 || p.calls != 0 {
		t.Errorf("Dispatch() = %+v with %d calls", res, p.calls)
	}
}

func TestResumeAll(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()

	_, first := f.pendingMessages(t, 3)
	f.pendingMessages(t, 2)
	if err := f.messages.MarkAttempted(ctx, []string{first[0].ID}, now.Add(-time.Hour)); err != nil {
		t.Fatalf("MarkAttempted() error = %v", err)
	}

	p := &fakeProvider{}
	d := f.dispatcher(p, nil, DispatchConfig{})
	res, err := d.ResumeAll(ctx)
	if err != nil {
		t.Fatalf("ResumeAll() error = %v", err)
	}
	if res.Scheduled != 5 {
		t.Errorf("ResumeAll() scheduled %d, want 5", res.Scheduled)
	}
	if p.calls != 2 {
		t.Errorf("provider called %d times, want 2", p.calls)
	}

	res, err = d.ResumeAll(ctx)
	if err != nil {
		t.Fatalf("second ResumeAll() error = %v", err)
	}
	if res.Scheduled != 0 || p.calls != 2 {
		t.Errorf("second ResumeAll() = %+v, calls %d", res, p.calls)
	}
}

func TestIdempotencyKey(t *testing.T) {
	a := IdempotencyKey([]string{"m1", "m2"})
	if a != IdempotencyKey([]string{"m1", "m2"}) {
		t.Error("key not stable")
	}
	if a == IdempotencyKey([]string{"m2", "m1"}) {
		t.Error("key ignores order")
	}
	if a == IdempotencyKey([]string{"m1"}) {
		t.Error("key ignores membership")
	}
}

package reply

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/agencyos/dispatch/internal/domain"
	"github.com/agencyos/dispatch/internal/drivers"
)

type fakeQueue struct {
	mu        sync.Mutex
	scheduled []domain.ScheduledReply
	due       []domain.ScheduledReply
}

func (f *fakeQueue) Schedule(_ context.Context, s *domain.ScheduledReply) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled = append(f.scheduled, *s)
	return nil
}

func (f *fakeQueue) ClaimDue(_ context.Context, _ time.Time, _ int) ([]domain.ScheduledReply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	due := f.due
	f.due = nil
	return due, nil
}

type fakeReplyDriver struct {
	mu    sync.Mutex
	sends []drivers.SendInput
}

func (f *fakeReplyDriver) Channel() domain.Channel { return domain.ChannelEmail }

func (f *fakeReplyDriver) Send(_ context.Context, in drivers.SendInput) drivers.SendResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, in)
	return drivers.SendResult{Status: drivers.SendOK, ProviderMsgID: "prov-reply-1"}
}

func (f *fakeReplyDriver) Ingest(_ []byte) (domain.InboundMessage, bool) {
	return domain.InboundMessage{}, false
}

type fakeFleet struct{}

func (fakeFleet) Candidates(_ context.Context, _ domain.ResourceType, _ string, _ int) ([]domain.Resource, error) {
	return []domain.Resource{{ID: "res-1", Identity: "outreach.agency.io"}}, nil
}

func newResponderFixture() (*AutoResponder, *fakeQueue, *fakeReplyDriver, *fakeThreads) {
	queue := &fakeQueue{}
	driver := &fakeReplyDriver{}
	threads := &fakeThreads{}
	leads := &fakeLeads{byKey: map[string]*domain.Lead{
		"jane@acme.io": {ID: "lead-1", Email: "jane@acme.io"},
	}}
	r := NewAutoResponder(leads, threads, fakeFleet{}, drivers.NewRegistry(driver))
	r.UseQueue(queue)
	return r, queue, driver, threads
}

func TestQueueReplyPersistsDurably(t *testing.T) {
	r, queue, driver, _ := newResponderFixture()
	thread := &domain.Thread{
		ID: "thr-1", TenantID: "tenant-1", LeadID: "lead-1",
		Channel: domain.ChannelEmail, ThreadKey: "prov-thr-1",
	}

	before := time.Now().UTC()
	if err := r.QueueReply(context.Background(), "tenant-1", thread, "On it.", 5*time.Minute); err != nil {
		t.Fatalf("QueueReply() error = %v", err)
	}

	if len(queue.scheduled) != 1 {
		t.Fatalf("scheduled %d rows, want 1", len(queue.scheduled))
	}
	s := queue.scheduled[0]
	if s.ThreadID != "thr-1" || s.LeadID != "lead-1" || s.Channel != domain.ChannelEmail {
		t.Errorf("scheduled row = %+v", s)
	}
	if s.SendAt.Before(before.Add(5*time.Minute)) || s.SendAt.After(before.Add(6*time.Minute)) {
		t.Errorf("send_at = %s, want ~5m out", s.SendAt)
	}
	if len(driver.sends) != 0 {
		t.Errorf("reply delivered before its delay: %d sends", len(driver.sends))
	}
}

func TestDeliverDueSendsAndAppends(t *testing.T) {
	r, queue, driver, threads := newResponderFixture()
	queue.due = []domain.ScheduledReply{{
		ID: "sr-1", TenantID: "tenant-1", ThreadID: "thr-1", LeadID: "lead-1",
		Channel: domain.ChannelEmail, ThreadKey: "prov-thr-1",
		Body: "On it.", SendAt: time.Now().Add(-time.Minute),
	}}

	r.deliverDue(context.Background())

	if len(driver.sends) != 1 {
		t.Fatalf("driver sends = %d, want 1", len(driver.sends))
	}
	in := driver.sends[0]
	if in.Address != "jane@acme.io" || in.Content.Body != "On it." {
		t.Errorf("send input = %+v", in)
	}
	if !in.FollowUp || in.ThreadKey != "prov-thr-1" {
		t.Errorf("reply not marked as thread follow-up: %+v", in)
	}
	if len(threads.messages) != 1 {
		t.Fatalf("appended %d messages, want 1", len(threads.messages))
	}
	m := threads.messages[0]
	if m.Direction != domain.DirectionOutbound || m.ProviderMsgID != "prov-reply-1" {
		t.Errorf("appended message = %+v", m)
	}

	// A second scan finds nothing and delivers nothing.
	r.deliverDue(context.Background())
	if len(driver.sends) != 1 {
		t.Errorf("drained queue redelivered: %d sends", len(driver.sends))
	}
}

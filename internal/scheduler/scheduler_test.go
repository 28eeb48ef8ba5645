package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/agencyos/dispatch/internal/config"
	"github.com/agencyos/dispatch/internal/domain"
	"github.com/agencyos/dispatch/internal/drivers"
	"github.com/agencyos/dispatch/internal/jit"
	"github.com/agencyos/dispatch/internal/pkg/distlock"
	"github.com/agencyos/dispatch/internal/rateledger"
	"github.com/agencyos/dispatch/internal/resource"
	"github.com/agencyos/dispatch/internal/suppression"
)

// Monday 10:00 UTC, inside the default window.
var monday = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type fakeAssignments struct {
	mu       sync.Mutex
	due      []domain.Assignment
	sends    []string
	released map[string]domain.AssignmentStatus
}

func (f *fakeAssignments) DueCandidates(_ context.Context, _ time.Time, limit int) ([]domain.Assignment, error) {
	if len(f.due) > limit {
		return f.due[:limit], nil
	}
	return f.due, nil
}

func (f *fakeAssignments) RecordSend(_ context.Context, id string, _ domain.Channel, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, id)
	return nil
}

func (f *fakeAssignments) Release(_ context.Context, id string, status domain.AssignmentStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.released == nil {
		f.released = map[string]domain.AssignmentStatus{}
	}
	f.released[id] = status
	return nil
}

func (f *fakeAssignments) ResumeDue(_ context.Context, _ time.Time) (int, error) { return 0, nil }

type fakeTenants struct {
	mu      sync.Mutex
	tenant  *domain.Tenant
	debited int
}

func (f *fakeTenants) Get(_ context.Context, _ string) (*domain.Tenant, error) { return f.tenant, nil }
func (f *fakeTenants) ConsumeCredit(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.debited++
	return nil
}

type fakeCampaigns struct{ campaign *domain.Campaign }

func (f *fakeCampaigns) Get(_ context.Context, _ string) (*domain.Campaign, error) {
	return f.campaign, nil
}

type fakeLeads struct{ leads map[string]*domain.Lead }

func (f *fakeLeads) Get(_ context.Context, id string) (*domain.Lead, error) {
	return f.leads[id], nil
}

type fakeActivities struct {
	mu   sync.Mutex
	rows []domain.Activity
}

func (f *fakeActivities) Append(_ context.Context, a *domain.Activity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, *a)
	return nil
}

func (f *fakeActivities) byAction(action domain.Action) []domain.Activity {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Activity
	for _, a := range f.rows {
		if a.Action == action {
			out = append(out, a)
		}
	}
	return out
}

type fakeThreads struct {
	mu       sync.Mutex
	messages []domain.Message
}

func (f *fakeThreads) GetOrCreateThread(_ context.Context, tenantID, leadID string, ch domain.Channel, _ string) (*domain.Thread, error) {
	return &domain.Thread{ID: "thr-" + leadID, TenantID: tenantID, LeadID: leadID, Channel: ch}, nil
}

func (f *fakeThreads) AppendMessage(_ context.Context, m *domain.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, *m)
	return nil
}

type fakeGenerator struct{}

func (fakeGenerator) Generate(_ context.Context, req Request) (domain.ContentSnapshot, error) {
	return domain.ContentSnapshot{Subject: "hi", Body: "hello " + req.Lead.FirstName, TemplateRef: req.Step.TemplateRef}, nil
}

type scriptedDriver struct {
	mu      sync.Mutex
	ch      domain.Channel
	results []drivers.SendResult // consumed in order; last repeats
	calls   int
}

func (d *scriptedDriver) Channel() domain.Channel { return d.ch }

func (d *scriptedDriver) Send(_ context.Context, _ drivers.SendInput) drivers.SendResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.calls
	d.calls++
	if i >= len(d.results) {
		i = len(d.results) - 1
	}
	return d.results[i]
}

func (d *scriptedDriver) Ingest(_ []byte) (domain.InboundMessage, bool) {
	return domain.InboundMessage{}, false
}

type fakePool struct {
	mu        sync.Mutex
	committed int
	released  int
}

func (f *fakePool) Commit(_ context.Context, _ *resource.Lease, _ time.Time) {
	f.mu.Lock()
	f.committed++
	f.mu.Unlock()
}

func (f *fakePool) Release(_ context.Context, _ *resource.Lease, _ time.Time) error {
	f.mu.Lock()
	f.released++
	f.mu.Unlock()
	return nil
}

type allowGate struct{}

func (allowGate) Validate(_ context.Context, c jit.Candidate, _ time.Time) (jit.Decision, error) {
	return jit.Decision{Allowed: true, Lease: &resource.Lease{
		Resource:    domain.Resource{ID: "res-1", Type: domain.ResourceEmailDomain},
		Reservation: &rateledger.Reservation{Key: "res-1", Used: 1, Cap: 50},
	}}, nil
}

type rejectGate struct{ reason domain.RejectReason }

func (g rejectGate) Validate(_ context.Context, _ jit.Candidate, _ time.Time) (jit.Decision, error) {
	return jit.Decision{Reason: g.reason}, nil
}

type fixture struct {
	sched       *Scheduler
	assignments *fakeAssignments
	tenants     *fakeTenants
	activities  *fakeActivities
	threads     *fakeThreads
	pool        *fakePool
	driver      *scriptedDriver
}

func newFixture(t *testing.T, gate Gate, due []domain.Assignment, results ...drivers.SendResult) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	if len(results) == 0 {
		results = []drivers.SendResult{{Status: drivers.SendOK, ProviderMsgID: "msg-1"}}
	}

	f := &fixture{
		assignments: &fakeAssignments{due: due},
		tenants: &fakeTenants{tenant: &domain.Tenant{
			ID: "tenant-1", Timezone: "UTC", Subscription: domain.SubscriptionActive,
			CreditsRemaining: 100, PermissionMode: domain.ModeAutopilot,
			OnboardedAt: monday.Add(-60 * 24 * time.Hour),
		}},
		activities: &fakeActivities{},
		threads:    &fakeThreads{},
		pool:       &fakePool{},
		driver:     &scriptedDriver{ch: domain.ChannelEmail, results: results},
	}

	campaign := &domain.Campaign{
		ID: "camp-1", TenantID: "tenant-1", Status: domain.CampaignActive,
		PermissionMode: domain.ModeAutopilot,
		Sequence: []domain.SequenceStep{
			{Channel: domain.ChannelEmail, TemplateRef: "intro-v1"},
			{Channel: domain.ChannelEmail, TemplateRef: "bump-v1", FollowUp: true},
		},
	}

	leads := map[string]*domain.Lead{}
	for _, a := range due {
		leads[a.LeadID] = &domain.Lead{
			ID: a.LeadID, Email: a.LeadID + "@acme.io", EmailStatus: domain.EmailVerified,
			FirstName: "Jane",
		}
	}

	cfg := config.SchedulerConfig{
		IntervalMinutes: 60, BatchSize: 50, MaxParallel: 4,
		WindowStartHour: 8, WindowEndHour: 18,
	}
	f.sched = New(cfg, f.assignments, f.tenants, &fakeCampaigns{campaign: campaign},
		&fakeLeads{leads: leads}, f.activities, f.threads, gate, fakeGenerator{},
		drivers.NewRegistry(f.driver), f.pool,
		func(key string) distlock.DistLock {
			return distlock.NewRedisLock(client, key, time.Minute)
		})
	f.sched.backoff = func(int) time.Duration { return 0 }
	return f
}

func dueAssignment(id, leadID string) domain.Assignment {
	return domain.Assignment{
		ID: id, TenantID: "tenant-1", LeadID: leadID, CampaignID: "camp-1",
		Status: domain.AssignmentInSequence, Score: 72,
	}
}

func TestRunHappyPath(t *testing.T) {
	f := newFixture(t, allowGate{}, []domain.Assignment{dueAssignment("asg-1", "lead-1")})

	stats, err := f.sched.Run(context.Background(), monday)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if stats.Sent != 1 || stats.Failed != 0 || stats.Rejected != 0 {
		t.Fatalf("stats = %+v", stats)
	}

	sent := f.activities.byAction(domain.ActionSent)
	if len(sent) != 1 {
		t.Fatalf("sent activities = %d", len(sent))
	}
	if sent[0].ProviderMsgID != "msg-1" || sent[0].ResourceID != "res-1" {
		t.Errorf("sent activity = %+v", sent[0])
	}
	if sent[0].Content.Body != "hello Jane" {
		t.Errorf("snapshot body = %q", sent[0].Content.Body)
	}
	if len(f.assignments.sends) != 1 || f.assignments.sends[0] != "asg-1" {
		t.Errorf("RecordSend calls = %v", f.assignments.sends)
	}
	if f.tenants.debited != 1 {
		t.Errorf("credits debited = %d", f.tenants.debited)
	}
	if f.pool.committed != 1 || f.pool.released != 0 {
		t.Errorf("pool committed=%d released=%d", f.pool.committed, f.pool.released)
	}
	if len(f.threads.messages) != 1 || f.threads.messages[0].Direction != domain.DirectionOutbound {
		t.Errorf("thread messages = %+v", f.threads.messages)
	}
}

func TestRunJITRejectRecordsActivity(t *testing.T) {
	f := newFixture(t, rejectGate{reason: domain.RejectSuppressedTenant},
		[]domain.Assignment{dueAssignment("asg-1", "lead-1")})

	stats, err := f.sched.Run(context.Background(), monday)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if stats.Rejected != 1 || stats.Sent != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	rejected := f.activities.byAction(domain.ActionRejected)
	if len(rejected) != 1 || rejected[0].Reason != "suppressed_tenant" {
		t.Errorf("rejected activities = %+v", rejected)
	}
	if f.driver.calls != 0 {
		t.Errorf("driver called %d times after reject", f.driver.calls)
	}
}

func TestRunSkipsOutsideWindow(t *testing.T) {
	f := newFixture(t, allowGate{}, []domain.Assignment{dueAssignment("asg-1", "lead-1")})

	saturday := time.Date(2026, 3, 7, 10, 0, 0, 0, time.UTC)
	stats, err := f.sched.Run(context.Background(), saturday)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if stats.Skipped != 1 || stats.Sent != 0 {
		t.Errorf("stats = %+v", stats)
	}

	evening := time.Date(2026, 3, 2, 19, 0, 0, 0, time.UTC)
	if stats, _ := f.sched.Run(context.Background(), evening); stats.Sent != 0 {
		t.Errorf("evening stats = %+v", stats)
	}
}

func TestRunReleasesExhaustedSequence(t *testing.T) {
	a := dueAssignment("asg-1", "lead-1")
	a.SequenceStep = 2 // past the two-step sequence
	f := newFixture(t, allowGate{}, []domain.Assignment{a})

	if _, err := f.sched.Run(context.Background(), monday); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := f.assignments.released["asg-1"]; got != domain.AssignmentArchived {
		t.Errorf("released status = %q, want archived", got)
	}
	if f.driver.calls != 0 {
		t.Errorf("driver called for exhausted sequence")
	}
}

func TestRunRetriesTransientThenSucceeds(t *testing.T) {
	f := newFixture(t, allowGate{}, []domain.Assignment{dueAssignment("asg-1", "lead-1")},
		drivers.SendResult{Status: drivers.SendTransient, Detail: "timeout"},
		drivers.SendResult{Status: drivers.SendOK, ProviderMsgID: "msg-2"})

	stats, err := f.sched.Run(context.Background(), monday)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if stats.Sent != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if f.driver.calls != 2 {
		t.Errorf("driver calls = %d, want 2", f.driver.calls)
	}
}

func TestRunTransientExhaustionFails(t *testing.T) {
	f := newFixture(t, allowGate{}, []domain.Assignment{dueAssignment("asg-1", "lead-1")},
		drivers.SendResult{Status: drivers.SendTransient, Detail: "timeout"})

	stats, err := f.sched.Run(context.Background(), monday)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if stats.Failed != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	// Email gets three attempts.
	if f.driver.calls != 3 {
		t.Errorf("driver calls = %d, want 3", f.driver.calls)
	}
	if f.pool.released != 1 {
		t.Errorf("lease released %d times, want 1", f.pool.released)
	}
	if len(f.assignments.sends) != 0 {
		t.Errorf("RecordSend called on failure")
	}
}

func TestTransientBackoffDoubles(t *testing.T) {
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, w := range want {
		if got := transientBackoff(i + 1); got != w {
			t.Errorf("transientBackoff(%d) = %s, want %s", i+1, got, w)
		}
	}
}

func TestRunPermanentDriverReject(t *testing.T) {
	f := newFixture(t, allowGate{}, []domain.Assignment{dueAssignment("asg-1", "lead-1")},
		drivers.SendResult{Status: drivers.SendPermanent, Reason: domain.RejectDNCR, Detail: "listed"})

	stats, err := f.sched.Run(context.Background(), monday)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if stats.Failed != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	rejected := f.activities.byAction(domain.ActionRejected)
	if len(rejected) != 1 || rejected[0].Reason != "rejected_dncr" {
		t.Errorf("rejected = %+v", rejected)
	}
	if f.driver.calls != 1 {
		t.Errorf("driver calls = %d, permanent errors must not retry", f.driver.calls)
	}
}

// Rate-cap boundary through the real gate, pool and ledger: a domain
// with one remaining slot serves the first lead and rejects the second.
func TestRunRateCapBoundary(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	fleet := &capFleet{res: domain.Resource{
		ID: "dom-1", Type: domain.ResourceEmailDomain,
		Identity: "out.acme.io", Health: domain.HealthHealthy, DailyCap: 1,
	}}
	ledger := rateledger.New(client)
	pool := resource.NewPool(fleet, ledger, config.RateCapConfig{EmailDomain: 50}, 14)
	gate := jit.New(emptyLog{}, openSuppressor{}, pool,
		config.JITConfig{MinTouchGapDays: 2, ChannelCooldownDays: 5, EmailWarmupDays: 14},
		config.ScoringConfig{VoiceMinALS: 70, MailMinALS: 85})

	f := newFixture(t, gate, []domain.Assignment{
		dueAssignment("asg-1", "lead-1"),
		dueAssignment("asg-2", "lead-2"),
	})
	f.sched.cfg.MaxParallel = 1 // deterministic order

	stats, err := f.sched.Run(context.Background(), monday)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if stats.Sent != 1 || stats.Rejected != 1 {
		t.Fatalf("stats = %+v, want one sent one rejected", stats)
	}
	rejected := f.activities.byAction(domain.ActionRejected)
	if len(rejected) != 1 || rejected[0].Reason != "rate_limit_channel" {
		t.Errorf("rejected = %+v", rejected)
	}
}

type capFleet struct{ res domain.Resource }

func (f *capFleet) Candidates(_ context.Context, _ domain.ResourceType, _ string, _ int) ([]domain.Resource, error) {
	return []domain.Resource{f.res}, nil
}

func (f *capFleet) MarkUsed(_ context.Context, _ string, _ time.Time) error { return nil }

type emptyLog struct{}

func (emptyLog) LastTouch(_ context.Context, _ string) (*time.Time, error) { return nil, nil }
func (emptyLog) LastChannelTouch(_ context.Context, _ string, _ domain.Channel) (*time.Time, error) {
	return nil, nil
}

type openSuppressor struct{}

func (openSuppressor) Check(_ context.Context, _ suppression.Probe, _ time.Time) suppression.Verdict {
	return suppression.Verdict{}
}

func TestInSendWindow(t *testing.T) {
	tenant := &domain.Tenant{Timezone: "America/New_York"}

	// 10:00 UTC Monday is 05:00 in New York, before the window.
	if InSendWindow(tenant, nil, 8, 18, monday) {
		t.Error("05:00 local inside window")
	}
	// 15:00 UTC Monday is 10:00 in New York.
	if !InSendWindow(tenant, nil, 8, 18, monday.Add(5*time.Hour)) {
		t.Error("10:00 local outside window")
	}

	// Campaign override narrows the window.
	campaign := &domain.Campaign{WindowStartHour: 12, WindowEndHour: 14}
	if InSendWindow(tenant, campaign, 8, 18, monday.Add(5*time.Hour)) {
		t.Error("10:00 local inside 12-14 campaign window")
	}
}

func TestReplyDelayRanges(t *testing.T) {
	for i := 0; i < 100; i++ {
		if d := ReplyDelay(true); d < 3*time.Minute || d > 5*time.Minute {
			t.Fatalf("in-window delay %s out of range", d)
		}
		if d := ReplyDelay(false); d < 10*time.Minute || d > 15*time.Minute {
			t.Fatalf("out-of-window delay %s out of range", d)
		}
	}
}

package leadpool

import (
	"context"
	"testing"
	"time"

	"github.com/agencyos/dispatch/internal/domain"
	"github.com/agencyos/dispatch/internal/repository/postgres"
	"github.com/agencyos/dispatch/internal/suppression"
)

type fakeSource struct{ leads []domain.Lead }

func (f *fakeSource) Query(_ context.Context, _ domain.ICP, limit int) ([]domain.Lead, error) {
	if len(f.leads) > limit {
		return f.leads[:limit], nil
	}
	return f.leads, nil
}

type fakeLeadStore struct {
	existing   map[string]bool // emails already in the pool
	candidates []domain.Lead
	upserted   []string
}

func (f *fakeLeadStore) UpsertSourced(_ context.Context, l *domain.Lead) (bool, error) {
	f.upserted = append(f.upserted, l.Email)
	if f.existing[l.Email] {
		return false, nil
	}
	return true, nil
}

func (f *fakeLeadStore) AllocationCandidates(_ context.Context, _ []string, limit int) ([]domain.Lead, error) {
	if len(f.candidates) > limit {
		return f.candidates[:limit], nil
	}
	return f.candidates, nil
}

type fakeAssignments struct {
	taken    map[string]bool // lead ids already assigned elsewhere
	created  []domain.Assignment
	pipeline int
}

func (f *fakeAssignments) Create(_ context.Context, a *domain.Assignment) error {
	if f.taken[a.LeadID] {
		return postgres.ErrLeadTaken
	}
	f.created = append(f.created, *a)
	return nil
}

func (f *fakeAssignments) CountActivePipeline(_ context.Context, _ string) (int, error) {
	return f.pipeline, nil
}

type fakeCampaigns struct{ campaign *domain.Campaign }

func (f *fakeCampaigns) FirstActiveByTenant(_ context.Context, _ string) (*domain.Campaign, error) {
	if f.campaign == nil {
		return nil, postgres.ErrNotFound
	}
	return f.campaign, nil
}

type fakeSuppressor struct{ blocked map[string]bool }

func (f *fakeSuppressor) Check(_ context.Context, p suppression.Probe, _ time.Time) suppression.Verdict {
	if f.blocked[p.Email] {
		return suppression.Verdict{Blocked: true, Scope: domain.ScopeGlobal, Reason: domain.ReasonDoNotContact}
	}
	return suppression.Verdict{}
}

type fakePatterns struct{ record *domain.PatternRecord }

func (f *fakePatterns) Get(_ context.Context, _ string, _ domain.PatternKind) (*domain.PatternRecord, error) {
	return f.record, nil
}

func growthTenant() *domain.Tenant {
	return &domain.Tenant{
		ID:   "tenant-1",
		Tier: domain.TierGrowth,
		ICP:  domain.ICP{Industries: []string{"SaaS"}},
	}
}

func TestSourceAndPopulateCounts(t *testing.T) {
	source := &fakeSource{leads: []domain.Lead{
		{Email: "new@acme.io"},
		{Email: "dupe@acme.io"},
		{Email: "blocked@acme.io"},
	}}
	leads := &fakeLeadStore{existing: map[string]bool{"dupe@acme.io": true}}
	suppressor := &fakeSuppressor{blocked: map[string]bool{"blocked@acme.io": true}}
	svc := NewService(source, leads, &fakeAssignments{}, &fakeCampaigns{}, suppressor, nil, 0.7, 20)

	stats, err := svc.SourceAndPopulate(context.Background(), growthTenant(), 10)
	if err != nil {
		t.Fatalf("SourceAndPopulate() error = %v", err)
	}
	if stats.Inserted != 1 || stats.Duplicate != 1 || stats.Suppressed != 1 {
		t.Errorf("stats = %+v, want 1/1/1", stats)
	}
	// Suppressed candidates must never reach the pool.
	for _, email := range leads.upserted {
		if email == "blocked@acme.io" {
			t.Error("suppressed candidate was upserted")
		}
	}
}

func TestAllocateSkipsRaceLosses(t *testing.T) {
	leads := &fakeLeadStore{candidates: []domain.Lead{
		{ID: "lead-a", Email: "a@x.io"},
		{ID: "lead-b", Email: "b@x.io"},
		{ID: "lead-c", Email: "c@x.io"},
	}}
	assignments := &fakeAssignments{taken: map[string]bool{"lead-a": true}}
	svc := NewService(nil, leads, assignments, &fakeCampaigns{}, &fakeSuppressor{}, nil, 0.7, 20)

	n, err := svc.Allocate(context.Background(), growthTenant(), "camp-1", 2)
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if n != 2 {
		t.Errorf("Allocate() = %d, want 2", n)
	}
	if len(assignments.created) != 2 {
		t.Fatalf("created %d assignments, want 2", len(assignments.created))
	}
	for _, a := range assignments.created {
		if a.LeadID == "lead-a" {
			t.Error("allocated a lead another allocator already took")
		}
		if a.Status != domain.AssignmentNew || a.CampaignID != "camp-1" {
			t.Errorf("assignment = %+v", a)
		}
	}
}

func TestAllocateSkipsSuppressed(t *testing.T) {
	leads := &fakeLeadStore{candidates: []domain.Lead{
		{ID: "lead-a", Email: "blocked@x.io"},
		{ID: "lead-b", Email: "ok@x.io"},
	}}
	suppressor := &fakeSuppressor{blocked: map[string]bool{"blocked@x.io": true}}
	assignments := &fakeAssignments{}
	svc := NewService(nil, leads, assignments, &fakeCampaigns{}, suppressor, nil, 0.7, 20)

	n, err := svc.Allocate(context.Background(), growthTenant(), "camp-1", 2)
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if n != 1 || len(assignments.created) != 1 || assignments.created[0].LeadID != "lead-b" {
		t.Errorf("allocated %d (%+v), want only lead-b", n, assignments.created)
	}
}

func TestMonthlyReplenishmentNoGap(t *testing.T) {
	assignments := &fakeAssignments{pipeline: 500} // growth quota is 500
	svc := NewService(&fakeSource{}, &fakeLeadStore{}, assignments, &fakeCampaigns{}, &fakeSuppressor{}, nil, 0.7, 20)

	n, err := svc.MonthlyReplenishment(context.Background(), growthTenant())
	if err != nil {
		t.Fatalf("MonthlyReplenishment() error = %v", err)
	}
	if n != 0 {
		t.Errorf("MonthlyReplenishment() = %d, want 0", n)
	}
}

func TestMonthlyReplenishmentWithoutActiveCampaign(t *testing.T) {
	source := &fakeSource{leads: []domain.Lead{{Email: "new@x.io"}}}
	leads := &fakeLeadStore{}
	assignments := &fakeAssignments{pipeline: 499}
	svc := NewService(source, leads, assignments, &fakeCampaigns{}, &fakeSuppressor{}, nil, 0.7, 20)

	n, err := svc.MonthlyReplenishment(context.Background(), growthTenant())
	if err != nil {
		t.Fatalf("MonthlyReplenishment() error = %v", err)
	}
	// Sourcing still happened; allocation waited for a campaign.
	if n != 0 {
		t.Errorf("allocated %d without an active campaign", n)
	}
	if len(leads.upserted) != 1 {
		t.Errorf("sourced %d leads, want 1", len(leads.upserted))
	}
}

func TestMonthlyReplenishmentFillsGap(t *testing.T) {
	leads := &fakeLeadStore{candidates: []domain.Lead{
		{ID: "lead-a", Email: "a@x.io"},
		{ID: "lead-b", Email: "b@x.io"},
	}}
	assignments := &fakeAssignments{pipeline: 498} // gap of 2
	campaigns := &fakeCampaigns{campaign: &domain.Campaign{ID: "camp-1", Status: domain.CampaignActive}}
	svc := NewService(&fakeSource{}, leads, assignments, campaigns, &fakeSuppressor{}, nil, 0.7, 20)

	n, err := svc.MonthlyReplenishment(context.Background(), growthTenant())
	if err != nil {
		t.Fatalf("MonthlyReplenishment() error = %v", err)
	}
	if n != 2 {
		t.Errorf("MonthlyReplenishment() = %d, want 2", n)
	}
}

func TestAllocateWhoPatternReorder(t *testing.T) {
	leads := &fakeLeadStore{candidates: []domain.Lead{
		{ID: "lead-generic", Email: "g@x.io"},
		{ID: "lead-hot", Email: "h@x.io",
			Firmographics: domain.Firmographics{Industry: "SaaS", CompanySize: "51-200"}},
	}}
	patterns := &fakePatterns{record: &domain.PatternRecord{
		TenantID: "tenant-1",
		Kind:     domain.PatternWho,
		Features: []domain.PatternFeature{
			{Feature: "industry:saas", Lift: 2.1, Confidence: 0.9, Conversions: 30},
			{Feature: "size:51-200", Lift: 1.4, Confidence: 0.8, Conversions: 25},
		},
	}}
	assignments := &fakeAssignments{}
	svc := NewService(nil, leads, assignments, &fakeCampaigns{}, &fakeSuppressor{}, patterns, 0.7, 20)

	n, err := svc.Allocate(context.Background(), growthTenant(), "camp-1", 1)
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if n != 1 || assignments.created[0].LeadID != "lead-hot" {
		t.Errorf("allocated %+v, want lead-hot first via WHO lift", assignments.created)
	}
}

func TestLeadFeatures(t *testing.T) {
	l := &domain.Lead{Firmographics: domain.Firmographics{
		Industry:    "SaaS",
		CompanySize: "51-200",
	}}
	feats := LeadFeatures(l)
	want := map[string]bool{"industry:saas": true, "size:51-200": true}
	if len(feats) != 2 {
		t.Fatalf("LeadFeatures() = %v, want 2 features", feats)
	}
	for _, f := range feats {
		if !want[f] {
			t.Errorf("unexpected feature %q", f)
		}
	}
}

package leadpool

import (
	"context"
	"testing"
	"time"

	"github.com/agencyos/dispatch/internal/domain"
	"github.com/agencyos/dispatch/internal/enrichment"
	"github.com/agencyos/dispatch/internal/repository/postgres"
)

type fakeEnricher struct {
	enriched []string // lead IDs
	tenants  []string // tenant charged per call
	accept   bool
}

func (f *fakeEnricher) EnrichLead(_ context.Context, lead *domain.Lead, tenantID, _ string, _ int) (*enrichment.Outcome, error) {
	f.enriched = append(f.enriched, lead.ID)
	f.tenants = append(f.tenants, tenantID)
	return &enrichment.Outcome{Accepted: f.accept}, nil
}

type fakeCandidatePool struct{ candidates []domain.Lead }

func (f *fakeCandidatePool) EnrichmentCandidates(_ context.Context, _ time.Time, limit int) ([]domain.Lead, error) {
	out := f.candidates
	f.candidates = nil // refreshed leads drop out of the next query
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type fakeReplenishTenants struct{ tenants []domain.Tenant }

func (f *fakeReplenishTenants) ListSendable(_ context.Context) ([]domain.Tenant, error) {
	return f.tenants, nil
}

func TestReplenishJobRunOnce(t *testing.T) {
	leads := &fakeLeadStore{candidates: []domain.Lead{{ID: "lead-a", Email: "a@x.io"}}}
	assignments := &fakeAssignments{pipeline: 499} // gap of 1
	campaigns := &fakeCampaigns{campaign: &domain.Campaign{ID: "camp-1", Status: domain.CampaignActive}}
	svc := NewService(&fakeSource{}, leads, assignments, campaigns, &fakeSuppressor{}, nil, 0.7, 20)

	enricher := &fakeEnricher{accept: true}
	pool := &fakeCandidatePool{candidates: []domain.Lead{
		{ID: "stale-1", Email: "s1@x.io"},
		{ID: "stale-2", Email: "s2@x.io"},
	}}
	tenants := &fakeReplenishTenants{tenants: []domain.Tenant{*growthTenant()}}

	job := NewReplenishJob(svc, enricher, pool, tenants, time.Hour, 10, 90*24*time.Hour)
	job.RunOnce(context.Background(), time.Now().UTC())

	if len(assignments.created) != 1 {
		t.Errorf("allocated %d assignments, want 1", len(assignments.created))
	}
	if len(enricher.enriched) != 2 {
		t.Fatalf("enriched %d leads, want 2", len(enricher.enriched))
	}
	for _, id := range enricher.tenants {
		if id != "tenant-1" {
			t.Errorf("enrichment charged to %q, want tenant-1", id)
		}
	}
}

type fakeScoreStore struct {
	assignment *domain.Assignment
	scores     map[string]int
	statuses   map[string]domain.AssignmentStatus
}

func (f *fakeScoreStore) ActiveByLead(_ context.Context, leadID string) (*domain.Assignment, error) {
	if f.assignment == nil || f.assignment.LeadID != leadID {
		return nil, postgres.ErrNotFound
	}
	return f.assignment, nil
}

func (f *fakeScoreStore) SetScore(_ context.Context, id string, score int) error {
	if f.scores == nil {
		f.scores = map[string]int{}
	}
	f.scores[id] = score
	return nil
}

func (f *fakeScoreStore) UpdateStatus(_ context.Context, id string, status domain.AssignmentStatus) error {
	if f.statuses == nil {
		f.statuses = map[string]domain.AssignmentStatus{}
	}
	f.statuses[id] = status
	return nil
}

type fakeDeepResearcher struct{ leads []string }

func (f *fakeDeepResearcher) DeepResearch(_ context.Context, lead *domain.Lead) error {
	f.leads = append(f.leads, lead.ID)
	return nil
}

func TestReplenishJobScoresAcceptedLeads(t *testing.T) {
	svc := NewService(&fakeSource{}, &fakeLeadStore{}, &fakeAssignments{pipeline: 500},
		&fakeCampaigns{}, &fakeSuppressor{}, nil, 0.7, 20)

	// A CEO in the tenant's industry with fresh funding and tech overlap
	// scores hot and earns the deep-research pass.
	recent := time.Now().UTC().Add(-30 * 24 * time.Hour)
	pool := &fakeCandidatePool{candidates: []domain.Lead{{
		ID: "stale-1", Email: "s1@x.io", Title: "CEO",
		Firmographics: domain.Firmographics{
			Industry:      "SaaS",
			CompanySize:   "51-200",
			LastFundingAt: &recent,
			TechStack:     []string{"salesforce"},
		},
	}}}
	tenant := growthTenant()
	tenant.ICP.CompanySizes = []string{"51-200"}
	tenant.ICP.TechStack = []string{"salesforce"}
	tenants := &fakeReplenishTenants{tenants: []domain.Tenant{*tenant}}

	scores := &fakeScoreStore{assignment: &domain.Assignment{
		ID: "assign-1", LeadID: "stale-1", TenantID: "tenant-1",
		Status: domain.AssignmentNew,
	}}
	deep := &fakeDeepResearcher{}

	job := NewReplenishJob(svc, &fakeEnricher{accept: true}, pool, tenants, time.Hour, 10, time.Hour)
	job.UseScoring(scores, nil, 0.7, 20)
	job.UseDeepResearch(deep)
	job.RunOnce(context.Background(), time.Now().UTC())

	score, ok := scores.scores["assign-1"]
	if !ok {
		t.Fatal("accepted lead was never scored")
	}
	if score < 85 {
		t.Errorf("score = %d, want hot (>=85) for a perfect ICP match", score)
	}
	if scores.statuses["assign-1"] != domain.AssignmentEnriched {
		t.Errorf("status = %q, want enriched", scores.statuses["assign-1"])
	}
	if len(deep.leads) != 1 || deep.leads[0] != "stale-1" {
		t.Errorf("deep research ran for %v, want [stale-1]", deep.leads)
	}
}

func TestReplenishJobSkipsScoringUnassignedLeads(t *testing.T) {
	svc := NewService(&fakeSource{}, &fakeLeadStore{}, &fakeAssignments{pipeline: 500},
		&fakeCampaigns{}, &fakeSuppressor{}, nil, 0.7, 20)
	pool := &fakeCandidatePool{candidates: []domain.Lead{{ID: "stale-1", Email: "s1@x.io"}}}
	tenants := &fakeReplenishTenants{tenants: []domain.Tenant{*growthTenant()}}
	scores := &fakeScoreStore{} // no assignment anywhere

	job := NewReplenishJob(svc, &fakeEnricher{accept: true}, pool, tenants, time.Hour, 10, time.Hour)
	job.UseScoring(scores, nil, 0.7, 20)
	job.RunOnce(context.Background(), time.Now().UTC())

	if len(scores.scores) != 0 {
		t.Errorf("scored an unassigned lead: %v", scores.scores)
	}
}

func TestReplenishJobNoEnricher(t *testing.T) {
	svc := NewService(&fakeSource{}, &fakeLeadStore{}, &fakeAssignments{pipeline: 500},
		&fakeCampaigns{}, &fakeSuppressor{}, nil, 0.7, 20)
	tenants := &fakeReplenishTenants{tenants: []domain.Tenant{*growthTenant()}}

	job := NewReplenishJob(svc, nil, &fakeCandidatePool{}, tenants, time.Hour, 10, time.Hour)
	// No enricher wired; the run must not panic and must skip the batch.
	job.RunOnce(context.Background(), time.Now().UTC())
}

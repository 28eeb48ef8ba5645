// Package leadpool owns the master lead records and their exclusive
// assignment to tenants. Exclusivity is guaranteed by the database's
// partial unique index on active assignments; the allocator simply
// skips any lead another allocator won.
package leadpool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/agencyos/dispatch/internal/domain"
	"github.com/agencyos/dispatch/internal/pkg/logger"
	"github.com/agencyos/dispatch/internal/repository/postgres"
	"github.com/agencyos/dispatch/internal/suppression"
)

// LeadStore is the pool persistence surface.
type LeadStore interface {
	UpsertSourced(ctx context.Context, l *domain.Lead) (bool, error)
	AllocationCandidates(ctx context.Context, industries []string, limit int) ([]domain.Lead, error)
}

// AssignmentStore creates assignments and reports pipeline depth.
type AssignmentStore interface {
	Create(ctx context.Context, a *domain.Assignment) error
	CountActivePipeline(ctx context.Context, tenantID string) (int, error)
}

// CampaignStore resolves a tenant's active campaign.
type CampaignStore interface {
	FirstActiveByTenant(ctx context.Context, tenantID string) (*domain.Campaign, error)
}

// Suppressor is the membership test applied before pooling or assigning.
type Suppressor interface {
	Check(ctx context.Context, p suppression.Probe, now time.Time) suppression.Verdict
}

// PatternStore supplies learned WHO patterns for allocation ordering.
type PatternStore interface {
	Get(ctx context.Context, tenantID string, kind domain.PatternKind) (*domain.PatternRecord, error)
}

// SourceStats summarizes one sourcing run.
type SourceStats struct {
	Inserted   int
	Suppressed int
	Duplicate  int
}

// Service is the lead pool and allocator.
type Service struct {
	source      Source
	leads       LeadStore
	assignments AssignmentStore
	campaigns   CampaignStore
	suppressor  Suppressor
	patterns    PatternStore

	minConfidence  float64
	minConversions int
}

// NewService wires the allocator. patterns may be nil; allocation then
// runs in plain recency order.
func NewService(source Source, leads LeadStore, assignments AssignmentStore,
	campaigns CampaignStore, suppressor Suppressor, patterns PatternStore,
	minConfidence float64, minConversions int) *Service {
	return &Service{
		source:         source,
		leads:          leads,
		assignments:    assignments,
		campaigns:      campaigns,
		suppressor:     suppressor,
		patterns:       patterns,
		minConfidence:  minConfidence,
		minConversions: minConversions,
	}
}

// SourceAndPopulate pulls ICP matches from the warehouse, drops
// suppressed candidates, and upserts the rest into the pool. Existing
// pool records are never overwritten.
func (s *Service) SourceAndPopulate(ctx context.Context, tenant *domain.Tenant, budget int) (SourceStats, error) {
	var stats SourceStats

	candidates, err := s.source.Query(ctx, tenant.ICP, budget)
	if err != nil {
		return stats, fmt.Errorf("source leads: %w", err)
	}

	now := time.Now().UTC()
	for i := range candidates {
		lead := &candidates[i]
		verdict := s.suppressor.Check(ctx, suppression.Probe{
			TenantID: tenant.ID,
			Email:    lead.Email,
			Phone:    lead.Phone,
		}, now)
		if verdict.Blocked {
			stats.Suppressed++
			continue
		}

		inserted, err := s.leads.UpsertSourced(ctx, lead)
		if err != nil {
			return stats, fmt.Errorf("pool upsert: %w", err)
		}
		if inserted {
			stats.Inserted++
		} else {
			stats.Duplicate++
		}
	}

	logger.Info("sourcing run complete", "tenant", tenant.ID,
		"inserted", stats.Inserted, "suppressed", stats.Suppressed,
		"duplicate", stats.Duplicate)
	return stats, nil
}

// Allocate assigns up to n pool leads to the tenant's campaign. Safe to
// run concurrently with other allocators: a lead taken between candidate
// selection and creation is skipped, never double-assigned.
func (s *Service) Allocate(ctx context.Context, tenant *domain.Tenant, campaignID string, n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}

	// Over-fetch so suppression and race losses still let us fill n.
	candidates, err := s.leads.AllocationCandidates(ctx, tenant.ICP.Industries, n*3)
	if err != nil {
		return 0, fmt.Errorf("allocation candidates: %w", err)
	}
	s.reorderByWhoPattern(ctx, tenant.ID, candidates)

	now := time.Now().UTC()
	allocated := 0
	for i := range candidates {
		if allocated >= n {
			break
		}
		lead := &candidates[i]

		verdict := s.suppressor.Check(ctx, suppression.Probe{
			TenantID: tenant.ID,
			Email:    lead.Email,
			Phone:    lead.Phone,
		}, now)
		if verdict.Blocked {
			continue
		}

		err := s.assignments.Create(ctx, &domain.Assignment{
			TenantID:   tenant.ID,
			LeadID:     lead.ID,
			CampaignID: campaignID,
			Status:     domain.AssignmentNew,
		})
		if errors.Is(err, postgres.ErrLeadTaken) {
			// Another allocator won the race for this lead.
			continue
		}
		if err != nil {
			return allocated, fmt.Errorf("create assignment: %w", err)
		}
		allocated++
	}
	return allocated, nil
}

// MonthlyReplenishment tops a tenant's pipeline back up to its tier
// quota. Sourcing always runs; allocation only when the tenant has an
// active campaign; otherwise the sourced leads wait in the pool.
func (s *Service) MonthlyReplenishment(ctx context.Context, tenant *domain.Tenant) (int, error) {
	active, err := s.assignments.CountActivePipeline(ctx, tenant.ID)
	if err != nil {
		return 0, fmt.Errorf("count pipeline: %w", err)
	}

	gap := tenant.Tier.LeadQuota() - active
	if gap <= 0 {
		return 0, nil
	}

	if _, err := s.SourceAndPopulate(ctx, tenant, gap*2); err != nil {
		return 0, err
	}

	campaign, err := s.campaigns.FirstActiveByTenant(ctx, tenant.ID)
	if errors.Is(err, postgres.ErrNotFound) {
		logger.Info("replenishment sourced without allocation: no active campaign",
			"tenant", tenant.ID, "gap", gap)
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("resolve campaign: %w", err)
	}

	return s.Allocate(ctx, tenant, campaign.ID, gap)
}

// reorderByWhoPattern stably sorts candidates so leads matching the
// tenant's learned WHO features come first. No pattern, no reorder.
func (s *Service) reorderByWhoPattern(ctx context.Context, tenantID string, candidates []domain.Lead) {
	if s.patterns == nil {
		return
	}
	record, err := s.patterns.Get(ctx, tenantID, domain.PatternWho)
	if err != nil || record == nil {
		return
	}
	eligible := record.Eligible(s.minConfidence, s.minConversions)
	if len(eligible) == 0 {
		return
	}

	lift := make(map[string]float64, len(eligible))
	for _, f := range eligible {
		lift[f.Feature] = f.Lift
	}

	boost := func(l *domain.Lead) float64 {
		total := 1.0
		for _, feat := range LeadFeatures(l) {
			if v, ok := lift[feat]; ok {
				total *= v
			}
		}
		return total
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return boost(&candidates[i]) > boost(&candidates[j])
	})
}

// LeadFeatures derives the WHO feature keys describing a lead. The same
// keys are produced by the pattern detectors, so learned lifts line up.
func LeadFeatures(l *domain.Lead) []string {
	var out []string
	add := func(kind, val string) {
		if val != "" {
			out = append(out, kind+":"+strings.ToLower(strings.TrimSpace(val)))
		}
	}
	add("industry", l.Firmographics.Industry)
	add("size", l.Firmographics.CompanySize)
	add("seniority", l.Firmographics.Seniority)
	add("location", l.Firmographics.Location)
	return out
}

package leadpool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agencyos/dispatch/internal/domain"
	"github.com/agencyos/dispatch/internal/enrichment"
	"github.com/agencyos/dispatch/internal/pkg/logger"
	"github.com/agencyos/dispatch/internal/repository/postgres"
	"github.com/agencyos/dispatch/internal/scoring"
)

// PlatformTenantID keys the platform-wide pattern records that seed
// scoring priors for tenants without learned history of their own.
const PlatformTenantID = "platform"

// Enricher runs the waterfall for one lead.
type Enricher interface {
	EnrichLead(ctx context.Context, lead *domain.Lead, tenantID, batchID string, batchSize int) (*enrichment.Outcome, error)
}

// CandidatePool reads leads whose enrichment is missing or stale.
type CandidatePool interface {
	EnrichmentCandidates(ctx context.Context, staleBefore time.Time, limit int) ([]domain.Lead, error)
}

// ReplenishTenants lists the tenants eligible for replenishment.
type ReplenishTenants interface {
	ListSendable(ctx context.Context) ([]domain.Tenant, error)
}

// ScoreStore finds and updates the assignment an accepted enrichment
// feeds.
type ScoreStore interface {
	ActiveByLead(ctx context.Context, leadID string) (*domain.Assignment, error)
	SetScore(ctx context.Context, id string, score int) error
	UpdateStatus(ctx context.Context, id string, status domain.AssignmentStatus) error
}

// DeepResearcher runs the extra research pass hot leads earn.
type DeepResearcher interface {
	DeepResearch(ctx context.Context, lead *domain.Lead) error
}

// ReplenishJob tops up each tenant's pipeline and refreshes stale
// enrichment on an interval. Enrichment of a tenant's batch is charged
// to that tenant; leads refreshed in an earlier tenant's batch drop out
// of later candidate queries within the same run.
type ReplenishJob struct {
	svc        *Service
	enricher   Enricher
	pool       CandidatePool
	tenants    ReplenishTenants
	interval   time.Duration
	batchSize  int
	staleAfter time.Duration

	// Optional scoring stage, enabled by UseScoring.
	scores         ScoreStore
	patterns       PatternStore
	deep           DeepResearcher
	minConfidence  float64
	minConversions int

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewReplenishJob creates the replenishment loop. A zero interval
// defaults to daily; the monthly quota math inside MonthlyReplenishment
// makes more frequent runs cheap no-ops.
func NewReplenishJob(svc *Service, enricher Enricher, pool CandidatePool,
	tenants ReplenishTenants, interval time.Duration, batchSize int,
	staleAfter time.Duration) *ReplenishJob {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &ReplenishJob{
		svc:        svc,
		enricher:   enricher,
		pool:       pool,
		tenants:    tenants,
		interval:   interval,
		batchSize:  batchSize,
		staleAfter: staleAfter,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// UseScoring enables post-acceptance scoring. An accepted lead's active
// assignment gets its score recomputed from the tenant's resolved weight
// vector and moves new → enriched. Call before Start.
func (j *ReplenishJob) UseScoring(scores ScoreStore, patterns PatternStore,
	minConfidence float64, minConversions int) {
	j.scores = scores
	j.patterns = patterns
	j.minConfidence = minConfidence
	j.minConversions = minConversions
}

// UseDeepResearch routes leads scoring hot through an extra research
// pass. Call before Start.
func (j *ReplenishJob) UseDeepResearch(d DeepResearcher) {
	j.deep = d
}

// Start launches the replenishment loop.
func (j *ReplenishJob) Start(ctx context.Context) {
	go func() {
		defer close(j.doneCh)
		logger.Info("replenishment job started", "interval", j.interval.String())

		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()

		j.RunOnce(ctx, time.Now().UTC())
		for {
			select {
			case <-ticker.C:
				j.RunOnce(ctx, time.Now().UTC())
			case <-j.stopCh:
				logger.Info("replenishment job stopped")
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the loop after the current run.
func (j *ReplenishJob) Stop() {
	close(j.stopCh)
	<-j.doneCh
}

// RunOnce replenishes and enriches for every sendable tenant. Per-tenant
// failures are logged and skipped so one tenant cannot starve the rest.
func (j *ReplenishJob) RunOnce(ctx context.Context, now time.Time) {
	tenants, err := j.tenants.ListSendable(ctx)
	if err != nil {
		logger.Error("replenishment tenant list failed", "error", err.Error())
		return
	}

	for i := range tenants {
		tenant := &tenants[i]
		allocated, err := j.svc.MonthlyReplenishment(ctx, tenant)
		if err != nil {
			logger.Error("replenishment failed", "tenant", tenant.ID, "error", err.Error())
			continue
		}
		if allocated > 0 {
			logger.Info("replenishment allocated", "tenant", tenant.ID, "count", allocated)
		}

		if j.enricher != nil {
			if err := j.enrichBatch(ctx, tenant, now); err != nil {
				logger.Error("enrichment batch failed", "tenant", tenant.ID, "error", err.Error())
			}
		}
	}
}

// enrichBatch runs the waterfall over one tenant-charged batch of stale
// pool leads.
func (j *ReplenishJob) enrichBatch(ctx context.Context, tenant *domain.Tenant, now time.Time) error {
	candidates, err := j.pool.EnrichmentCandidates(ctx, now.Add(-j.staleAfter), j.batchSize)
	if err != nil {
		return fmt.Errorf("enrichment candidates: %w", err)
	}
	if len(candidates) == 0 {
		return nil
	}

	batchID := fmt.Sprintf("%s:%s", tenant.ID, now.Format("2006-01-02"))
	accepted := 0
	for i := range candidates {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		outcome, err := j.enricher.EnrichLead(ctx, &candidates[i], tenant.ID, batchID, len(candidates))
		if err != nil {
			logger.Warn("lead enrichment failed", "lead", candidates[i].ID, "error", err.Error())
			continue
		}
		if outcome.Accepted {
			accepted++
			j.scoreLead(ctx, tenant, &candidates[i], now)
		}
	}
	logger.Info("enrichment batch complete", "tenant", tenant.ID,
		"candidates", len(candidates), "accepted", accepted)
	return nil
}

// scoreLead recomputes the assignment score for a freshly enriched
// lead. Leads scoring hot earn the deep-research pass.
func (j *ReplenishJob) scoreLead(ctx context.Context, tenant *domain.Tenant, lead *domain.Lead, now time.Time) {
	if j.scores == nil {
		return
	}

	assignment, err := j.scores.ActiveByLead(ctx, lead.ID)
	if errors.Is(err, postgres.ErrNotFound) {
		return // pooled but unassigned; scored on allocation later
	}
	if err != nil {
		logger.Error("scoring assignment lookup failed", "lead", lead.ID, "error", err.Error())
		return
	}
	if assignment.TenantID != tenant.ID {
		return
	}

	scorer := scoring.New(j.resolveWeights(ctx, tenant))
	score, tier := scorer.Score(lead, tenant.ICP, scoring.Engagement{}, now)

	if err := j.scores.SetScore(ctx, assignment.ID, score); err != nil {
		logger.Error("score persist failed", "assignment", assignment.ID, "error", err.Error())
		return
	}
	if assignment.Status == domain.AssignmentNew {
		if err := j.scores.UpdateStatus(ctx, assignment.ID, domain.AssignmentEnriched); err != nil {
			logger.Error("status advance failed", "assignment", assignment.ID, "error", err.Error())
		}
	}

	if tier == scoring.TierHot && j.deep != nil {
		if err := j.deep.DeepResearch(ctx, lead); err != nil {
			logger.Warn("deep research failed", "lead", lead.ID, "error", err.Error())
		}
	}
}

// resolveWeights layers the tenant's learned WHO pattern over the
// platform priors. Pattern reads are best-effort; scoring falls back to
// defaults when the store is unavailable.
func (j *ReplenishJob) resolveWeights(ctx context.Context, tenant *domain.Tenant) map[string]float64 {
	var tenantWho, platformWho *domain.PatternRecord
	if j.patterns != nil {
		if rec, err := j.patterns.Get(ctx, tenant.ID, domain.PatternWho); err == nil {
			tenantWho = rec
		}
		if rec, err := j.patterns.Get(ctx, PlatformTenantID, domain.PatternWho); err == nil {
			platformWho = rec
		}
	}
	return scoring.ResolveWeights(tenant.ICP, tenantWho, platformWho, j.minConfidence, j.minConversions)
}

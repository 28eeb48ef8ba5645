// Package enrichment implements the tiered provider waterfall that turns
// a partially-identified lead into a contactable record: cache, then the
// primary provider, then scraping supplements, then a premium fallback
// gated by a per-batch budget.
package enrichment

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/agencyos/dispatch/internal/cache"
	"github.com/agencyos/dispatch/internal/config"
	"github.com/agencyos/dispatch/internal/domain"
	"github.com/agencyos/dispatch/internal/metrics"
	"github.com/agencyos/dispatch/internal/pkg/logger"
)

// LeadStore is the persistence surface the waterfall writes back to.
type LeadStore interface {
	SaveEnrichment(ctx context.Context, l *domain.Lead) error
}

// CreditStore charges a tenant one credit on acceptance.
type CreditStore interface {
	ConsumeCredit(ctx context.Context, tenantID string) error
}

// Outcome is the waterfall's verdict for one lead.
type Outcome struct {
	Accepted    bool
	TierReached domain.EnrichmentTier
	Confidence  float64
}

// Waterfall runs the tiered enrichment pipeline.
type Waterfall struct {
	cache      *cache.Cache
	primary    Provider
	supplement Provider
	premium    Provider
	news       *NewsSupplement
	budget     *Budget
	leads      LeadStore
	credits    CreditStore
	cfg        config.EnrichmentConfig
}

// NewWaterfall wires the pipeline. news may be nil to skip the headline
// supplement.
func NewWaterfall(c *cache.Cache, primary, supplement, premium Provider,
	news *NewsSupplement, budget *Budget, leads LeadStore, credits CreditStore,
	cfg config.EnrichmentConfig) *Waterfall {
	return &Waterfall{
		cache:      c,
		primary:    primary,
		supplement: supplement,
		premium:    premium,
		news:       news,
		budget:     budget,
		leads:      leads,
		credits:    credits,
		cfg:        cfg,
	}
}

// Fingerprint identifies a lead's enrichment inputs. Two leads with the
// same fingerprint share a cache entry.
func Fingerprint(lead *domain.Lead) string {
	raw := strings.ToLower(strings.Join([]string{
		lead.Email, lead.LinkedInURL,
		lead.FirstName, lead.LastName, lead.Firmographics.CompanyDomain,
	}, "|"))
	return fmt.Sprintf("%x", md5.Sum([]byte(raw)))
}

// EnrichLead runs the waterfall for one lead. The lead is mutated in
// place and persisted on acceptance; tenantID is charged one credit on
// acceptance only. Total wall clock is bounded by the configured
// per-lead timeout.
func (w *Waterfall) EnrichLead(ctx context.Context, lead *domain.Lead, tenantID, batchID string, batchSize int) (*Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.PerLeadTimeout())
	defer cancel()

	merged := newMergeState(lead)
	fingerprint := Fingerprint(lead)
	tier := domain.TierNone

	// Tier 1: cache.
	if cached, err := w.cache.Get(ctx, cache.KindEnrichment, fingerprint); err == nil {
		var result Result
		if json.Unmarshal(cached, &result) == nil {
			merged.apply(&result)
			tier = domain.TierCache
		}
	} else if err != cache.ErrMiss {
		logger.Warn("enrichment cache read failed", "error", err.Error())
	}

	// Tier 2: primary provider.
	if !w.accepted(merged) {
		if result := w.callTier(ctx, w.primary, lead); result != nil {
			merged.apply(result)
			if result.Confidence > 0 {
				tier = domain.TierPrimary
			}
		}
	}

	// Tier 3: supplement, only when the social sub-domain is missing.
	if !w.accepted(merged) && w.supplement != nil && merged.needsSupplement() {
		if result := w.callTier(ctx, w.supplement, lead); result != nil {
			merged.apply(result)
			if result.Confidence > 0 {
				tier = domain.TierSupplement
			}
		}
	}

	// Headline supplement is additive and never gates acceptance.
	if w.news != nil {
		if err := w.news.Apply(ctx, lead); err != nil {
			logger.Debug("news supplement skipped", "error", err.Error())
		}
	}

	// Tier 4: premium fallback, under the batch budget.
	budgetDenied := false
	if !w.accepted(merged) && w.premium != nil {
		switch err := w.budget.TryConsume(ctx, batchID, batchSize); err {
		case nil:
			if result := w.callTier(ctx, w.premium, lead); result != nil {
				merged.apply(result)
				if result.Confidence > 0 {
					tier = domain.TierPremium
				}
			}
		case ErrBudgetExhausted:
			budgetDenied = true
		default:
			logger.Warn("premium budget check failed", "error", err.Error())
		}
	}

	merged.writeTo(lead)
	outcome := &Outcome{
		Accepted:    w.accepted(merged),
		TierReached: tier,
		Confidence:  merged.confidence(),
	}
	metrics.EnrichmentOutcomes.WithLabelValues(string(tier), strconv.FormatBool(outcome.Accepted)).Inc()

	now := time.Now().UTC()
	lead.Provenance = domain.Provenance{
		Tier:        tier,
		Confidence:  outcome.Confidence,
		Fingerprint: fingerprint,
		EnrichedAt:  &now,
	}
	if !outcome.Accepted {
		lead.Provenance.Note = fmt.Sprintf("below gate at tier %s", tier)
		if budgetDenied {
			// Distinguishes budget denial from an ordinary confidence
			// miss so the lead can be retried in a later batch.
			lead.Provenance.Note = "premium_budget_exceeded"
		}
		if err := w.leads.SaveEnrichment(ctx, lead); err != nil {
			return outcome, fmt.Errorf("save provenance: %w", err)
		}
		return outcome, nil
	}

	if err := w.leads.SaveEnrichment(ctx, lead); err != nil {
		return outcome, fmt.Errorf("save enrichment: %w", err)
	}
	if blob, err := json.Marshal(merged.asResult()); err == nil {
		if err := w.cache.Set(ctx, cache.KindEnrichment, fingerprint, blob); err != nil {
			logger.Warn("enrichment cache write failed", "error", err.Error())
		}
	}
	// Credits are consumed on acceptance, not attempt.
	if err := w.credits.ConsumeCredit(ctx, tenantID); err != nil {
		logger.Error("credit consume failed after acceptance",
			"tenant", tenantID, "lead", lead.ID, "error", err.Error())
	}
	return outcome, nil
}

// DeepResearch is the extra pass hot-scored leads earn: the social
// supplement runs unconditionally, outside any batch budget, and the
// result merges under the usual confidence rules. No credits change
// hands; the pass refines a lead that already paid for acceptance.
func (w *Waterfall) DeepResearch(ctx context.Context, lead *domain.Lead) error {
	if w.supplement == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, w.cfg.PerLeadTimeout())
	defer cancel()

	result := w.callTier(ctx, w.supplement, lead)
	if result == nil {
		return fmt.Errorf("deep research: supplement pass yielded nothing for lead %s", lead.ID)
	}

	merged := newMergeState(lead)
	merged.apply(result)
	merged.writeTo(lead)
	return w.leads.SaveEnrichment(ctx, lead)
}

// callTier invokes one provider with the per-tier timeout. A tier
// failure logs and falls through; it never aborts the waterfall.
func (w *Waterfall) callTier(ctx context.Context, p Provider, lead *domain.Lead) *Result {
	if p == nil {
		return nil
	}
	tierCtx, cancel := context.WithTimeout(ctx, w.cfg.TierTimeout())
	defer cancel()

	result, err := p.Enrich(tierCtx, lead)
	if err != nil {
		logger.Warn("enrichment tier failed", "provider", p.Name(), "error", err.Error())
		return nil
	}
	return result
}

func (w *Waterfall) accepted(m *mergeState) bool {
	return m.complete() && m.confidence() >= w.cfg.ConfidenceThreshold
}

// mergeState accumulates tier results with per-field confidence so a
// later, weaker source never clobbers an earlier, stronger one.
type mergeState struct {
	result Result
	conf   map[string]float64
}

func newMergeState(lead *domain.Lead) *mergeState {
	m := &mergeState{conf: make(map[string]float64)}
	// Seed from what the pool already knows, at sourcing confidence.
	seed := &Result{
		Email:         lead.Email,
		EmailStatus:   lead.EmailStatus,
		FirstName:     lead.FirstName,
		LastName:      lead.LastName,
		Title:         lead.Title,
		Phone:         lead.Phone,
		LinkedInURL:   lead.LinkedInURL,
		Firmographics: lead.Firmographics,
		Confidence:    lead.Provenance.Confidence,
	}
	m.apply(seed)
	return m
}

func (m *mergeState) apply(r *Result) {
	if r == nil {
		return
	}
	c := r.Confidence
	m.setStr("email", &m.result.Email, r.Email, c)
	if r.EmailStatus != "" && c >= m.conf["email"] {
		m.result.EmailStatus = r.EmailStatus
	}
	m.setStr("first_name", &m.result.FirstName, r.FirstName, c)
	m.setStr("last_name", &m.result.LastName, r.LastName, c)
	m.setStr("title", &m.result.Title, r.Title, c)
	m.setStr("phone", &m.result.Phone, r.Phone, c)
	m.setStr("linkedin_url", &m.result.LinkedInURL, r.LinkedInURL, c)

	f, rf := &m.result.Firmographics, r.Firmographics
	m.setStr("company_name", &f.CompanyName, rf.CompanyName, c)
	m.setStr("company_domain", &f.CompanyDomain, rf.CompanyDomain, c)
	m.setStr("company_size", &f.CompanySize, rf.CompanySize, c)
	m.setStr("industry", &f.Industry, rf.Industry, c)
	m.setStr("seniority", &f.Seniority, rf.Seniority, c)
	m.setStr("department", &f.Department, rf.Department, c)
	m.setStr("location", &f.Location, rf.Location, c)
	m.setStr("funding_stage", &f.FundingStage, rf.FundingStage, c)
	m.setStr("revenue_band", &f.RevenueBand, rf.RevenueBand, c)
	m.setStr("linkedin_summary", &f.LinkedInSummary, rf.LinkedInSummary, c)
	if rf.LastFundingAt != nil && (f.LastFundingAt == nil || c >= m.conf["last_funding"]) {
		f.LastFundingAt = rf.LastFundingAt
		m.conf["last_funding"] = c
	}
	if rf.EmployeeCount > 0 && (f.EmployeeCount == 0 || c >= m.conf["employee_count"]) {
		f.EmployeeCount = rf.EmployeeCount
		m.conf["employee_count"] = c
	}
	if len(rf.TechStack) > 0 && (len(f.TechStack) == 0 || c >= m.conf["tech_stack"]) {
		f.TechStack = rf.TechStack
		m.conf["tech_stack"] = c
	}
	if len(rf.RecentPosts) > 0 && (len(f.RecentPosts) == 0 || c >= m.conf["recent_posts"]) {
		f.RecentPosts = rf.RecentPosts
		m.conf["recent_posts"] = c
	}

	if c > m.result.Confidence {
		m.result.Confidence = c
	}
}

// setStr fills a field when empty and overwrites only when the incoming
// confidence is at least the recorded one.
func (m *mergeState) setStr(name string, dst *string, val string, conf float64) {
	if val == "" {
		return
	}
	if *dst == "" || conf >= m.conf[name] {
		*dst = val
		m.conf[name] = conf
	}
}

// complete reports whether the acceptance gate's required fields are
// present: email, first name, last name, company.
func (m *mergeState) complete() bool {
	return m.result.Email != "" &&
		m.result.FirstName != "" &&
		m.result.LastName != "" &&
		m.result.Firmographics.CompanyName != ""
}

// needsSupplement reports whether the social sub-domain is still missing.
func (m *mergeState) needsSupplement() bool {
	return m.result.Firmographics.LinkedInSummary == "" || len(m.result.Firmographics.RecentPosts) == 0
}

func (m *mergeState) confidence() float64 { return m.result.Confidence }

func (m *mergeState) asResult() Result { return m.result }

func (m *mergeState) writeTo(lead *domain.Lead) {
	r := m.result
	lead.Email = r.Email
	if r.EmailStatus != "" {
		lead.EmailStatus = r.EmailStatus
	}
	lead.FirstName = r.FirstName
	lead.LastName = r.LastName
	lead.Title = r.Title
	lead.Phone = r.Phone
	lead.LinkedInURL = r.LinkedInURL
	// The headline supplement writes directly to the lead; keep it.
	news := lead.Firmographics.NewsSignals
	lead.Firmographics = r.Firmographics
	if len(news) > 0 {
		lead.Firmographics.NewsSignals = news
	}
}

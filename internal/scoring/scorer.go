// Package scoring computes the 0–100 lead score and tier used by the
// scheduler's channel gates. The scorer is deterministic: the same lead,
// profile and weights always produce the same score.
package scoring

import (
	"sort"
	"strings"
	"time"

	"github.com/agencyos/dispatch/internal/domain"
)

// Feature names. These are the keys in weight vectors, pattern records
// and ICP weight overrides.
const (
	FeatureSeniority   = "title_seniority"
	FeatureIndustry    = "industry_match"
	FeatureCompanySize = "company_size_match"
	FeatureFunding     = "funding_recency"
	FeatureTechStack   = "tech_stack_overlap"
	FeatureEngagement  = "engagement_signals"
)

// defaultWeights is the platform fallback when neither tenant patterns
// nor platform priors exist. Values sum to 100.
var defaultWeights = map[string]float64{
	FeatureSeniority:   25,
	FeatureIndustry:    20,
	FeatureCompanySize: 15,
	FeatureFunding:     10,
	FeatureTechStack:   15,
	FeatureEngagement:  15,
}

// Tier is the score band consumed by downstream gates.
type Tier string

const (
	TierHot  Tier = "hot"
	TierWarm Tier = "warm"
	TierCool Tier = "cool"
	TierCold Tier = "cold"
	TierDead Tier = "dead"
)

// TierFor maps a score to its band. The boundaries are contractual:
// voice and deep-research gates reference them directly.
func TierFor(score int) Tier {
	switch {
	case score >= 85:
		return TierHot
	case score >= 60:
		return TierWarm
	case score >= 35:
		return TierCool
	case score >= 20:
		return TierCold
	default:
		return TierDead
	}
}

// Engagement carries the behavioral signals observed for a lead.
type Engagement struct {
	Opens        int
	Clicks       int
	PriorReplies int
}

// Scorer scores assignments against a tenant's profile and learned
// weight vector.
type Scorer struct {
	weights map[string]float64
}

// New creates a scorer with the resolved weight vector for one tenant.
func New(weights map[string]float64) *Scorer {
	if len(weights) == 0 {
		weights = defaultWeights
	}
	return &Scorer{weights: weights}
}

// ResolveWeights builds a tenant's weight vector: defaults, shifted by
// platform-wide priors, then the tenant's own learned WHO pattern, then
// explicit ICP overrides. Later layers win. The result is normalized to
// sum to 100 so scores stay on the 0–100 scale.
func ResolveWeights(icp domain.ICP, tenantWho, platformWho *domain.PatternRecord, minConfidence float64, minConversions int) map[string]float64 {
	weights := make(map[string]float64, len(defaultWeights))
	for k, v := range defaultWeights {
		weights[k] = v
	}

	for _, rec := range []*domain.PatternRecord{platformWho, tenantWho} {
		if rec == nil {
			continue
		}
		for _, f := range rec.Eligible(minConfidence, minConversions) {
			if _, known := weights[f.Feature]; !known {
				continue
			}
			weights[f.Feature] *= clampLift(f.Lift)
		}
	}

	for k, v := range icp.WeightOverrides {
		if _, known := weights[k]; known && v >= 0 {
			weights[k] = v
		}
	}

	normalize(weights)
	return weights
}

// clampLift bounds a learned lift so one feature can at most double or
// halve its weight.
func clampLift(lift float64) float64 {
	if lift < 0.5 {
		return 0.5
	}
	if lift > 2.0 {
		return 2.0
	}
	return lift
}

func normalize(weights map[string]float64) {
	var sum float64
	for _, v := range weights {
		sum += v
	}
	if sum == 0 {
		return
	}
	for k := range weights {
		weights[k] = weights[k] * 100 / sum
	}
}

// Score computes the lead's score and tier for a tenant's ICP. Each
// feature contributes its weight scaled by a 0–1 feature value.
func (s *Scorer) Score(lead *domain.Lead, icp domain.ICP, eng Engagement, now time.Time) (int, Tier) {
	values := map[string]float64{
		FeatureSeniority:   seniorityValue(lead, icp),
		FeatureIndustry:    matchValue(lead.Firmographics.Industry, icp.Industries),
		FeatureCompanySize: matchValue(lead.Firmographics.CompanySize, icp.CompanySizes),
		FeatureFunding:     fundingValue(lead.Firmographics.LastFundingAt, now),
		FeatureTechStack:   overlapValue(lead.Firmographics.TechStack, icp.TechStack),
		FeatureEngagement:  engagementValue(eng),
	}

	var total float64
	// Iterate in sorted key order so float accumulation is stable.
	keys := make([]string, 0, len(s.weights))
	for k := range s.weights {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		total += s.weights[k] * values[k]
	}

	score := int(total + 0.5)
	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}
	return score, TierFor(score)
}

// seniorityRanks orders title keywords by decision-making power.
var seniorityRanks = []struct {
	keyword string
	value   float64
}{
	{"founder", 1.0}, {"ceo", 1.0}, {"cto", 1.0}, {"cfo", 1.0},
	{"coo", 1.0}, {"chief", 1.0}, {"president", 0.95}, {"owner", 0.95},
	{"vp", 0.9}, {"vice president", 0.9}, {"head of", 0.8},
	{"director", 0.75}, {"manager", 0.5}, {"lead", 0.4},
}

func seniorityValue(lead *domain.Lead, icp domain.ICP) float64 {
	title := strings.ToLower(lead.Title)
	if title == "" {
		return 0
	}

	// A direct ICP title match beats the generic seniority ladder.
	for _, want := range icp.Titles {
		w := strings.ToLower(want)
		if w != "" && strings.Contains(title, w) {
			return 1.0
		}
	}
	for _, r := range seniorityRanks {
		if strings.Contains(title, r.keyword) {
			return r.value
		}
	}
	return 0.2
}

func matchValue(got string, want []string) float64 {
	if got == "" || len(want) == 0 {
		// Unknown data is neutral, not disqualifying.
		return 0.4
	}
	g := strings.ToLower(got)
	for _, w := range want {
		lw := strings.ToLower(w)
		if lw != "" && (strings.Contains(g, lw) || strings.Contains(lw, g)) {
			return 1.0
		}
	}
	return 0
}

func fundingValue(lastFunding *time.Time, now time.Time) float64 {
	if lastFunding == nil {
		return 0
	}
	age := now.Sub(*lastFunding)
	switch {
	case age <= 180*24*time.Hour:
		return 1.0
	case age <= 365*24*time.Hour:
		return 0.6
	default:
		return 0.2
	}
}

func overlapValue(got, want []string) float64 {
	if len(want) == 0 {
		return 0.4
	}
	if len(got) == 0 {
		return 0
	}
	have := make(map[string]bool, len(got))
	for _, g := range got {
		have[strings.ToLower(strings.TrimSpace(g))] = true
	}
	matched := 0
	for _, w := range want {
		if have[strings.ToLower(strings.TrimSpace(w))] {
			matched++
		}
	}
	return float64(matched) / float64(len(want))
}

func engagementValue(eng Engagement) float64 {
	v := 0.15*float64(eng.Opens) + 0.3*float64(eng.Clicks) + 0.5*float64(eng.PriorReplies)
	if v > 1 {
		return 1
	}
	return v
}

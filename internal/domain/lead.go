package domain

import "time"

// EmailStatus is the deliverability verdict attached to a lead's email
// during enrichment. The JIT validator blocks guessed and invalid
// addresses on the email channel.
type EmailStatus string

const (
	EmailVerified EmailStatus = "verified"
	EmailGuessed  EmailStatus = "guessed"
	EmailInvalid  EmailStatus = "invalid"
	EmailCatchAll EmailStatus = "catch_all"
)

// EnrichmentTier records which waterfall tier produced a lead's data.
type EnrichmentTier string

const (
	TierCache      EnrichmentTier = "cache"
	TierPrimary    EnrichmentTier = "primary"
	TierSupplement EnrichmentTier = "supplement"
	TierPremium    EnrichmentTier = "premium"
	TierNone       EnrichmentTier = "none"
)

// Firmographics is the sparse company/person fact set produced by the
// enrichment waterfall. Zero values mean "unknown".
type Firmographics struct {
	CompanyName     string   `json:"company_name,omitempty"`
	CompanyDomain   string   `json:"company_domain,omitempty"`
	CompanySize     string   `json:"company_size,omitempty"`
	Industry        string   `json:"industry,omitempty"`
	Seniority       string   `json:"seniority,omitempty"`
	Department      string   `json:"department,omitempty"`
	Location        string   `json:"location,omitempty"`
	FundingStage    string   `json:"funding_stage,omitempty"`
	LastFundingAt   *time.Time `json:"last_funding_at,omitempty"`
	TechStack       []string `json:"tech_stack,omitempty"`
	EmployeeCount   int      `json:"employee_count,omitempty"`
	RevenueBand     string   `json:"revenue_band,omitempty"`
	LinkedInSummary string   `json:"linkedin_summary,omitempty"`
	RecentPosts     []string `json:"recent_posts,omitempty"`
	NewsSignals     []string `json:"news_signals,omitempty"`
}

// Provenance records where a lead's enrichment data came from and how
// trustworthy it is.
type Provenance struct {
	Tier        EnrichmentTier `json:"tier"`
	Confidence  float64        `json:"confidence"`
	Fingerprint string         `json:"fingerprint,omitempty"`
	Note        string         `json:"note,omitempty"`
	EnrichedAt  *time.Time     `json:"enriched_at,omitempty"`
}

// Lead is the master, platform-owned lead record. A lead persists beyond
// any single tenant assignment. Natural keys: email, provider external
// id, LinkedIn URL, each unique where non-null.
type Lead struct {
	ID          string      `json:"id" db:"id"`
	Email       string      `json:"email" db:"email"`
	EmailStatus EmailStatus `json:"email_status" db:"email_status"`
	Phone       string      `json:"phone,omitempty" db:"phone"`
	LinkedInURL string      `json:"linkedin_url,omitempty" db:"linkedin_url"`
	ExternalID  string      `json:"external_id,omitempty" db:"external_id"`
	FirstName   string      `json:"first_name" db:"first_name"`
	LastName    string      `json:"last_name" db:"last_name"`
	Title       string      `json:"title,omitempty" db:"title"`

	Firmographics Firmographics `json:"firmographics" db:"firmographics"`
	Provenance    Provenance    `json:"provenance" db:"provenance"`

	// Global flags. Once set, never reset automatically.
	Bounced      bool `json:"bounced" db:"bounced"`
	Unsubscribed bool `json:"unsubscribed" db:"unsubscribed"`
	PhoneOptOut  bool `json:"phone_opt_out" db:"phone_opt_out"`
	Invalid      bool `json:"invalid" db:"invalid"`

	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
}

// Contactable reports whether the lead may be contacted at all,
// irrespective of any tenant-level suppression.
func (l *Lead) Contactable() bool {
	return !l.Bounced && !l.Unsubscribed && !l.Invalid && l.DeletedAt == nil
}

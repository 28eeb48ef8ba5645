package domain

import "time"

// ResourceType classifies a sender identity in the shared fleet.
type ResourceType string

const (
	ResourceEmailDomain  ResourceType = "email_domain"
	ResourcePhoneNumber  ResourceType = "phone_number"
	ResourceLinkedInSeat ResourceType = "linkedin_seat"
	ResourceMailSender   ResourceType = "mail_sender"
)

// ResourceForChannel maps a dispatch channel to the resource type that
// serves it.
func ResourceForChannel(ch Channel) ResourceType {
	switch ch {
	case ChannelSMS, ChannelVoice:
		return ResourcePhoneNumber
	case ChannelLinkedIn:
		return ResourceLinkedInSeat
	case ChannelMail:
		return ResourceMailSender
	default:
		return ResourceEmailDomain
	}
}

// ResourceHealth is the deliverability health of a sender identity.
type ResourceHealth string

const (
	HealthWarming     ResourceHealth = "warming"
	HealthHealthy     ResourceHealth = "healthy"
	HealthDegraded    ResourceHealth = "degraded"
	HealthQuarantined ResourceHealth = "quarantined"
)

// Usable reports whether the pool may hand this resource to a send.
func (h ResourceHealth) Usable() bool {
	return h == HealthWarming || h == HealthHealthy
}

// Resource is a sender identity (domain, phone number, seat, mail
// account) with a daily cap enforced by the rate ledger.
type Resource struct {
	ID         string         `json:"id" db:"id"`
	Type       ResourceType   `json:"type" db:"type"`
	ProviderID string         `json:"provider_id" db:"provider_id"`
	Identity   string         `json:"identity" db:"identity"` // domain name, E.164 number, seat handle
	Health     ResourceHealth `json:"health" db:"health"`
	DailyCap   int            `json:"daily_cap" db:"daily_cap"`

	// Exclusive lease. Empty means pooled (any tenant may use it).
	LeasedToTenant string `json:"leased_to_tenant,omitempty" db:"leased_to_tenant"`

	LastUsedAt *time.Time `json:"last_used_at,omitempty" db:"last_used_at"`
	UsageCount int64      `json:"usage_count" db:"usage_count"`

	WarmupStartedAt *time.Time `json:"warmup_started_at,omitempty" db:"warmup_started_at"`

	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
}

// DefaultDailyCap returns the platform default cap for a resource type.
// Phone caps differ per channel; the voice figure is handled by the
// ledger key (see rateledger.KeyFor).
func DefaultDailyCap(t ResourceType) int {
	switch t {
	case ResourcePhoneNumber:
		return 100
	case ResourceLinkedInSeat:
		return 17
	case ResourceMailSender:
		return 1000
	default:
		return 50
	}
}

package domain

import "time"

// SuppressionScope is the namespace a suppression entry lives in. Lookups
// check global, then tenant, then domain; first hit wins.
type SuppressionScope string

const (
	ScopeGlobal SuppressionScope = "global"
	ScopeTenant SuppressionScope = "tenant"
	ScopeDomain SuppressionScope = "domain"
)

// SuppressionKeyKind classifies what the suppression key is.
type SuppressionKeyKind string

const (
	KeyEmail  SuppressionKeyKind = "email"
	KeyDomain SuppressionKeyKind = "domain"
	KeyPhone  SuppressionKeyKind = "phone"
)

// SuppressionReason records why a key was suppressed.
type SuppressionReason string

const (
	ReasonExistingCustomer SuppressionReason = "existing_customer"
	ReasonPastCustomer     SuppressionReason = "past_customer"
	ReasonCompetitor       SuppressionReason = "competitor"
	ReasonPartner          SuppressionReason = "partner"
	ReasonDoNotContact     SuppressionReason = "do_not_contact"
	ReasonBounced          SuppressionReason = "bounced"
	ReasonUnsubscribed     SuppressionReason = "unsubscribed"
	ReasonSpamComplaint    SuppressionReason = "spam_complaint"
	ReasonDNCR             SuppressionReason = "dncr_listed"
)

// Suppression is one entry on a suppression list. Writes are idempotent
// on (scope, tenant, key). An entry with an expiry in the past is skipped
// by lookups but kept for audit.
type Suppression struct {
	ID       string             `json:"id" db:"id"`
	Scope    SuppressionScope   `json:"scope" db:"scope"`
	TenantID string             `json:"tenant_id,omitempty" db:"tenant_id"` // empty for global/domain scope
	KeyKind  SuppressionKeyKind `json:"key_kind" db:"key_kind"`
	Key      string             `json:"key" db:"key"` // lowercased email, domain, or E.164 phone
	Reason   SuppressionReason  `json:"reason" db:"reason"`

	ExpiresAt *time.Time `json:"expires_at,omitempty" db:"expires_at"`

	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
}

// Active reports whether the entry should block sends at the given time.
func (s *Suppression) Active(now time.Time) bool {
	if s.DeletedAt != nil {
		return false
	}
	if s.ExpiresAt != nil && !s.ExpiresAt.After(now) {
		return false
	}
	return true
}

package domain

import "time"

// SubscriptionState tracks the billing lifecycle of a tenant.
type SubscriptionState string

const (
	SubscriptionTrialing  SubscriptionState = "trialing"
	SubscriptionActive    SubscriptionState = "active"
	SubscriptionPastDue   SubscriptionState = "past_due"
	SubscriptionPaused    SubscriptionState = "paused"
	SubscriptionCancelled SubscriptionState = "cancelled"
)

// CanSend reports whether outbound dispatch is permitted for this state.
// Only trialing and active tenants may send.
func (s SubscriptionState) CanSend() bool {
	return s == SubscriptionActive || s == SubscriptionTrialing
}

// PermissionMode controls how much autonomy the platform has for a tenant
// or campaign. In manual mode nothing is dispatched automatically.
type PermissionMode string

const (
	ModeAutopilot PermissionMode = "autopilot"
	ModeCoPilot   PermissionMode = "co-pilot"
	ModeManual    PermissionMode = "manual"
)

// TenantTier is the subscription capacity level.
type TenantTier string

const (
	TierStarter TenantTier = "starter"
	TierGrowth  TenantTier = "growth"
	TierScale   TenantTier = "scale"
)

// LeadQuota returns the monthly lead allotment for a tier.
func (t TenantTier) LeadQuota() int {
	switch t {
	case TierGrowth:
		return 500
	case TierScale:
		return 1500
	default:
		return 150
	}
}

// ICP describes a tenant's ideal customer profile. The weight overrides,
// when present, shift individual scorer features for this tenant.
type ICP struct {
	Industries      []string           `json:"industries"`
	Titles          []string           `json:"titles"`
	CompanySizes    []string           `json:"company_sizes"`
	Locations       []string           `json:"locations"`
	TechStack       []string           `json:"tech_stack,omitempty"`
	PainPoints      []string           `json:"pain_points"`
	WeightOverrides map[string]float64 `json:"weight_overrides,omitempty"`
}

// Tenant is a client of the platform.
type Tenant struct {
	ID               string            `json:"id" db:"id"`
	Name             string            `json:"name" db:"name"`
	Tier             TenantTier        `json:"tier" db:"tier"`
	Subscription     SubscriptionState `json:"subscription" db:"subscription"`
	CreditsRemaining int               `json:"credits_remaining" db:"credits_remaining"`
	PermissionMode   PermissionMode    `json:"permission_mode" db:"permission_mode"`
	ICP              ICP               `json:"icp" db:"icp"`
	Timezone         string            `json:"timezone" db:"timezone"`
	WebhookURL       string            `json:"webhook_url,omitempty" db:"webhook_url"`
	OnboardedAt      time.Time         `json:"onboarded_at" db:"onboarded_at"`
	Paused           bool              `json:"paused" db:"paused"`
	CreatedAt        time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at" db:"updated_at"`
	DeletedAt        *time.Time        `json:"deleted_at,omitempty" db:"deleted_at"`
}

// Location returns the tenant's time.Location, falling back to UTC when
// the stored zone name is empty or unknown.
func (t *Tenant) Location() *time.Location {
	if t.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(t.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

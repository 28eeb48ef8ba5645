package domain

import "time"

// Meeting is the downstream artifact created when a lead books time.
// Only the creation event is in core scope; calendar mechanics live
// outside the dispatcher.
type Meeting struct {
	ID              string     `json:"id" db:"id"`
	TenantID        string     `json:"tenant_id" db:"tenant_id"`
	LeadID          string     `json:"lead_id" db:"lead_id"`
	CampaignID      string     `json:"campaign_id,omitempty" db:"campaign_id"`
	ScheduledAt     time.Time  `json:"scheduled_at" db:"scheduled_at"`
	DurationMinutes int        `json:"duration_minutes" db:"duration_minutes"`
	MeetingType     string     `json:"meeting_type" db:"meeting_type"`
	MeetingLink     string     `json:"meeting_link,omitempty" db:"meeting_link"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
	DeletedAt       *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
}

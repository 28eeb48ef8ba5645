package domain

import "time"

// AssignmentStatus is the tenant-local lifecycle of a lead assignment.
type AssignmentStatus string

const (
	AssignmentNew           AssignmentStatus = "new"
	AssignmentEnriched      AssignmentStatus = "enriched"
	AssignmentInSequence    AssignmentStatus = "in_sequence"
	AssignmentReplied       AssignmentStatus = "replied"
	AssignmentMeetingBooked AssignmentStatus = "meeting_booked"
	AssignmentConverted     AssignmentStatus = "converted"
	AssignmentNotInterested AssignmentStatus = "not_interested"
	AssignmentOutOfOffice   AssignmentStatus = "out_of_office"
	AssignmentArchived      AssignmentStatus = "archived"
)

// Terminal reports whether the assignment has ended and the lead is
// eligible to return to the allocation pool (global flags permitting).
func (s AssignmentStatus) Terminal() bool {
	switch s {
	case AssignmentConverted, AssignmentNotInterested, AssignmentArchived:
		return true
	}
	return false
}

// ActivePipeline reports whether the assignment counts against the
// tenant's tier quota for replenishment purposes.
func (s AssignmentStatus) ActivePipeline() bool {
	switch s {
	case AssignmentNew, AssignmentEnriched, AssignmentInSequence, AssignmentReplied:
		return true
	}
	return false
}

// Assignment links a pool lead to exactly one tenant. At any instant a
// lead has at most one assignment with DeletedAt == nil; the partial
// unique index on (lead_id) WHERE deleted_at IS NULL enforces this.
type Assignment struct {
	ID         string           `json:"id" db:"id"`
	TenantID   string           `json:"tenant_id" db:"tenant_id"`
	LeadID     string           `json:"lead_id" db:"lead_id"`
	CampaignID string           `json:"campaign_id,omitempty" db:"campaign_id"`
	Status     AssignmentStatus `json:"status" db:"status"`

	SequenceStep  int        `json:"sequence_step" db:"sequence_step"`
	Score         int        `json:"score" db:"score"`
	LastTouchedAt *time.Time `json:"last_touched_at,omitempty" db:"last_touched_at"`
	LastChannel   Channel    `json:"last_channel,omitempty" db:"last_channel"`
	RetryCount    int        `json:"retry_count" db:"retry_count"`
	ResumeAt      *time.Time `json:"resume_at,omitempty" db:"resume_at"`
	FollowupArmed bool       `json:"followup_armed" db:"followup_armed"`

	// Personalization artifacts produced by the content layer.
	Hooks   []string `json:"hooks,omitempty" db:"hooks"`
	Openers []string `json:"openers,omitempty" db:"openers"`

	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
}

// Sendable reports whether the assignment's local status permits a send:
// in_sequence always, replied only when a follow-up is armed.
func (a *Assignment) Sendable() bool {
	if a.Status == AssignmentInSequence {
		return true
	}
	return a.Status == AssignmentReplied && a.FollowupArmed
}

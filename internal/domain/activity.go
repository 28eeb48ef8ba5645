package domain

import "time"

// Action is the append-only activity verb.
type Action string

const (
	ActionSent      Action = "sent"
	ActionDelivered Action = "delivered"
	ActionOpened    Action = "opened"
	ActionClicked   Action = "clicked"
	ActionReplied   Action = "replied"
	ActionBounced   Action = "bounced"
	ActionRejected  Action = "rejected"
	ActionFailed    Action = "failed"
)

// ContentSnapshot preserves what was sent for later pattern learning.
// Body may be a preview when the full body is archived externally; the
// ArchiveRef then points at the full object.
type ContentSnapshot struct {
	Subject     string `json:"subject,omitempty"`
	Body        string `json:"body,omitempty"`
	TemplateRef string `json:"template_ref,omitempty"`
	VariantRef  string `json:"variant_ref,omitempty"`
	ModelRef    string `json:"model_ref,omitempty"`
	ArchiveRef  string `json:"archive_ref,omitempty"`
}

// Activity is one append-only event on a lead. Activities are never
// updated or deleted; the activity log is the ground truth for cooldown
// and rate-cap checks.
type Activity struct {
	ID           string          `json:"id" db:"id"`
	TenantID     string          `json:"tenant_id" db:"tenant_id"`
	LeadID       string          `json:"lead_id" db:"lead_id"`
	AssignmentID string          `json:"assignment_id,omitempty" db:"assignment_id"`
	CampaignID   string          `json:"campaign_id,omitempty" db:"campaign_id"`
	ResourceID   string          `json:"resource_id,omitempty" db:"resource_id"`
	Channel      Channel         `json:"channel" db:"channel"`
	Action       Action          `json:"action" db:"action"`
	Reason       string          `json:"reason,omitempty" db:"reason"`
	ProviderMsgID string         `json:"provider_msg_id,omitempty" db:"provider_msg_id"`
	Content      ContentSnapshot `json:"content" db:"content"`
	SequenceStep int             `json:"sequence_step" db:"sequence_step"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

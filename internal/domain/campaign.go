package domain

import (
	"fmt"
	"time"
)

// CampaignStatus is the campaign lifecycle.
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignActive    CampaignStatus = "active"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
)

// Channel identifies one of the five outbound channels.
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelSMS      Channel = "sms"
	ChannelLinkedIn Channel = "linkedin"
	ChannelVoice    Channel = "voice"
	ChannelMail     Channel = "mail"
)

// Channels lists every supported channel in dispatch order.
var Channels = []Channel{ChannelEmail, ChannelSMS, ChannelLinkedIn, ChannelVoice, ChannelMail}

// SequenceStep is one touch in a campaign's ordered touch plan. The
// assignment's sequence_step indexes into the campaign's step list.
type SequenceStep struct {
	Channel     Channel `json:"channel"`
	TemplateRef string  `json:"template_ref"`
	WaitDays    int     `json:"wait_days"`
	FollowUp    bool    `json:"follow_up"` // threads onto the prior email touch
}

// Campaign belongs to a tenant and defines sequencing, channel mix and
// permission mode for its assignments.
type Campaign struct {
	ID             string         `json:"id" db:"id"`
	TenantID       string         `json:"tenant_id" db:"tenant_id"`
	Name           string         `json:"name" db:"name"`
	Status         CampaignStatus `json:"status" db:"status"`
	PermissionMode PermissionMode `json:"permission_mode" db:"permission_mode"`
	LeadQuota      int            `json:"lead_quota" db:"lead_quota"`

	// Channel allocation percentages. Must sum to 100.
	ChannelMix map[Channel]int `json:"channel_mix" db:"channel_mix"`

	Sequence []SequenceStep `json:"sequence" db:"sequence"`

	// Send window, tenant-local. Zero values fall back to 08:00–18:00.
	WindowStartHour int `json:"window_start_hour" db:"window_start_hour"`
	WindowEndHour   int `json:"window_end_hour" db:"window_end_hour"`

	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
}

// ValidateChannelMix checks that allocation percentages sum to exactly 100.
func (c *Campaign) ValidateChannelMix() error {
	total := 0
	for ch, pct := range c.ChannelMix {
		if pct < 0 || pct > 100 {
			return fmt.Errorf("invalid percentage %d for channel %s", pct, ch)
		}
		total += pct
	}
	if total != 100 {
		return fmt.Errorf("channel mix must sum to 100%%, got %d%%", total)
	}
	return nil
}

// StepAt returns the sequence step for a zero-based position and whether
// the position is within the sequence.
func (c *Campaign) StepAt(pos int) (SequenceStep, bool) {
	if pos < 0 || pos >= len(c.Sequence) {
		return SequenceStep{}, false
	}
	return c.Sequence[pos], true
}

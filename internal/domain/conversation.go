package domain

import "time"

// MessageDirection marks which side of the conversation a message is on.
type MessageDirection string

const (
	DirectionOutbound MessageDirection = "outbound"
	DirectionInbound  MessageDirection = "inbound"
)

// Thread is the one active conversation per (lead, channel).
type Thread struct {
	ID        string     `json:"id" db:"id"`
	TenantID  string     `json:"tenant_id" db:"tenant_id"`
	LeadID    string     `json:"lead_id" db:"lead_id"`
	Channel   Channel    `json:"channel" db:"channel"`
	ThreadKey string     `json:"thread_key,omitempty" db:"thread_key"` // provider thread/conversation id
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
}

// Message is one ordered entry in a conversation thread.
type Message struct {
	ID            string           `json:"id" db:"id"`
	ThreadID      string           `json:"thread_id" db:"thread_id"`
	Direction     MessageDirection `json:"direction" db:"direction"`
	Content       string           `json:"content" db:"content"`
	Subject       string           `json:"subject,omitempty" db:"subject"`
	ProviderMsgID string           `json:"provider_msg_id,omitempty" db:"provider_msg_id"`
	SentAt        time.Time        `json:"sent_at" db:"sent_at"`
	CreatedAt     time.Time        `json:"created_at" db:"created_at"`
}

// ScheduledReply is a queued automated reply waiting out its
// humanizing delay. Rows survive restarts; a scan loop delivers the
// due ones.
type ScheduledReply struct {
	ID        string     `json:"id" db:"id"`
	TenantID  string     `json:"tenant_id" db:"tenant_id"`
	ThreadID  string     `json:"thread_id" db:"thread_id"`
	LeadID    string     `json:"lead_id" db:"lead_id"`
	Channel   Channel    `json:"channel" db:"channel"`
	ThreadKey string     `json:"thread_key,omitempty" db:"thread_key"`
	Body      string     `json:"body" db:"body"`
	SendAt    time.Time  `json:"send_at" db:"send_at"`
	SentAt    *time.Time `json:"sent_at,omitempty" db:"sent_at"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
}

// Intent is the closed classification set for inbound replies.
type Intent string

const (
	IntentMeetingInterest    Intent = "meeting_interest"
	IntentQuestion           Intent = "question"
	IntentPositiveEngagement Intent = "positive_engagement"
	IntentNotInterested      Intent = "not_interested"
	IntentOutOfOffice        Intent = "out_of_office"
	IntentWrongPerson        Intent = "wrong_person"
	IntentReferral           Intent = "referral"
	IntentAngry              Intent = "angry_or_complaint"
)

// Classification is the reply router's verdict on an inbound message.
type Classification struct {
	Intent     Intent  `json:"intent"`
	Confidence float64 `json:"confidence"`

	// Extracted data, intent-dependent.
	ReturnDate    *time.Time `json:"return_date,omitempty"`    // out_of_office
	ReferralName  string     `json:"referral_name,omitempty"`  // referral
	ReferralEmail string     `json:"referral_email,omitempty"` // referral
}

// InboundMessage is the canonical payload channel webhook adapters deliver
// to the reply router. LeadKey is an email, E.164 phone, or linkedin id.
type InboundMessage struct {
	TenantID      string    `json:"tenant,omitempty"`
	LeadKey       string    `json:"lead_key"`
	Channel       Channel   `json:"channel"`
	Content       string    `json:"content"`
	Subject       string    `json:"subject,omitempty"`
	ThreadKey     string    `json:"thread_key,omitempty"`
	ProviderMsgID string    `json:"provider_msg_id"`
	Timestamp     time.Time `json:"timestamp"`
}

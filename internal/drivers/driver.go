// Package drivers adapts the five outbound channels behind one Send
// surface with uniform error classification, plus per-channel webhook
// payload ingestion.
package drivers

import (
	"context"
	"fmt"
	"net/http"

	"github.com/agencyos/dispatch/internal/domain"
)

// SendStatus classifies a dispatch attempt for the scheduler's retry
// policy.
type SendStatus string

const (
	// SendOK means the provider accepted the message.
	SendOK SendStatus = "ok"
	// SendTransient means the attempt may be retried with backoff.
	SendTransient SendStatus = "transient"
	// SendPermanent means retrying cannot help; the scheduler records a
	// failure and moves on.
	SendPermanent SendStatus = "permanent"
)

// SendInput is everything a driver needs for one dispatch.
type SendInput struct {
	TenantID   string
	LeadID     string
	Resource   domain.Resource
	Address    string // email, E.164 phone, linkedin id, or postal JSON
	Content    domain.ContentSnapshot
	ThreadKey  string // provider thread id when following up
	FollowUp   bool
	Lead       *domain.Lead
}

// SendResult reports one dispatch attempt.
type SendResult struct {
	Status        SendStatus
	ProviderMsgID string
	Reason        domain.RejectReason // set on channel-specific permanent rejects
	Detail        string
	// Original recipient when test mode redirected the send.
	RedirectedFrom string
}

// Driver is one outbound channel adapter.
type Driver interface {
	Channel() domain.Channel
	Send(ctx context.Context, in SendInput) SendResult
	// Ingest parses a provider webhook payload into the canonical
	// inbound shape. Returns false for payloads that are not inbound
	// messages (delivery receipts, status pings).
	Ingest(payload []byte) (domain.InboundMessage, bool)
}

// Registry maps channels to their drivers.
type Registry map[domain.Channel]Driver

// NewRegistry indexes drivers by channel.
func NewRegistry(ds ...Driver) Registry {
	r := make(Registry, len(ds))
	for _, d := range ds {
		r[d.Channel()] = d
	}
	return r
}

// For returns the driver serving a channel.
func (r Registry) For(ch domain.Channel) (Driver, error) {
	d, ok := r[ch]
	if !ok {
		return nil, fmt.Errorf("no driver registered for channel %s", ch)
	}
	return d, nil
}

// classifyHTTP maps a provider HTTP status to a send classification.
// 429 and 5xx are worth retrying; other non-2xx are not.
func classifyHTTP(status int) SendStatus {
	switch {
	case status >= 200 && status < 300:
		return SendOK
	case status == http.StatusTooManyRequests || status >= 500:
		return SendTransient
	default:
		return SendPermanent
	}
}

func transient(err error) SendResult {
	return SendResult{Status: SendTransient, Detail: err.Error()}
}

func permanent(detail string) SendResult {
	return SendResult{Status: SendPermanent, Detail: detail}
}

package drivers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/agencyos/dispatch/internal/domain"
	"github.com/agencyos/dispatch/internal/pkg/logger"
)

// SESClient is the sesv2 surface the email driver needs.
type SESClient interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, opts ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// EmailDriver sends through AWS SESv2 from a pooled sending domain.
type EmailDriver struct {
	client     SESClient
	fromName   string
	redirector *Redirector
}

// NewEmailDriver creates the email driver. fromName is the display name
// on the From header; the address comes from the leased resource.
func NewEmailDriver(client SESClient, fromName string, redirector *Redirector) *EmailDriver {
	return &EmailDriver{client: client, fromName: fromName, redirector: redirector}
}

func (d *EmailDriver) Channel() domain.Channel { return domain.ChannelEmail }

// Send delivers one email. Follow-ups carry threading headers so the
// reply lands in the same conversation on the recipient's side.
func (d *EmailDriver) Send(ctx context.Context, in SendInput) SendResult {
	addr, original, err := d.redirector.Email(ctx, in.Address, time.Now())
	if errors.Is(err, ErrTestModeLimit) {
		return SendResult{Status: SendPermanent, Detail: err.Error()}
	}
	if err != nil {
		return transient(err)
	}

	from := fmt.Sprintf("%s <outreach@%s>", d.fromName, in.Resource.Identity)
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination:      &types.Destination{ToAddresses: []string{addr}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(in.Content.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Text: &types.Content{Data: aws.String(in.Content.Body), Charset: aws.String("UTF-8")},
				},
			},
		},
		EmailTags: []types.MessageTag{
			{Name: aws.String("tenant_id"), Value: aws.String(in.TenantID)},
			{Name: aws.String("lead_id"), Value: aws.String(in.LeadID)},
		},
	}
	if in.FollowUp && in.ThreadKey != "" {
		input.Content.Simple.Headers = []types.MessageHeader{
			{Name: aws.String("In-Reply-To"), Value: aws.String(in.ThreadKey)},
			{Name: aws.String("References"), Value: aws.String(in.ThreadKey)},
		}
	}

	out, err := d.client.SendEmail(ctx, input)
	if err != nil {
		return classifySESError(err)
	}

	msgID := ""
	if out.MessageId != nil {
		msgID = *out.MessageId
	}
	logger.Info("email dispatched", "to", logger.RedactEmail(in.Address),
		"domain", in.Resource.Identity, "provider_msg_id", msgID)
	return SendResult{Status: SendOK, ProviderMsgID: msgID, RedirectedFrom: original}
}

func classifySESError(err error) SendResult {
	var tooMany *types.TooManyRequestsException
	var limit *types.LimitExceededException
	if errors.As(err, &tooMany) || errors.As(err, &limit) {
		return transient(err)
	}
	var rejected *types.MessageRejected
	var paused *types.SendingPausedException
	var notVerified *types.MailFromDomainNotVerifiedException
	if errors.As(err, &rejected) || errors.As(err, &paused) || errors.As(err, &notVerified) {
		return permanent(err.Error())
	}
	// Network and unknown service errors are worth one more try.
	return transient(err)
}

// emailInbound is the JSON shape the inbound email webhook posts.
type emailInbound struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Subject   string    `json:"subject"`
	Text      string    `json:"text"`
	MessageID string    `json:"message_id"`
	InReplyTo string    `json:"in_reply_to"`
	Timestamp time.Time `json:"timestamp"`
}

// Ingest maps an inbound email payload to the canonical shape. Payloads
// without a sender or message id are not inbound mail.
func (d *EmailDriver) Ingest(payload []byte) (domain.InboundMessage, bool) {
	var in emailInbound
	if err := json.Unmarshal(payload, &in); err != nil {
		return domain.InboundMessage{}, false
	}
	if in.From == "" || in.MessageID == "" {
		return domain.InboundMessage{}, false
	}
	ts := in.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return domain.InboundMessage{
		LeadKey:       in.From,
		Channel:       domain.ChannelEmail,
		Content:       in.Text,
		Subject:       in.Subject,
		ThreadKey:     in.InReplyTo,
		ProviderMsgID: in.MessageID,
		Timestamp:     ts,
	}, true
}

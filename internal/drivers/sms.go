package drivers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/agencyos/dispatch/internal/domain"
	"github.com/agencyos/dispatch/internal/pkg/httpretry"
	"github.com/agencyos/dispatch/internal/pkg/logger"
)

// PhoneSuppressor records a phone number as unreachable so no channel
// tries it again.
type PhoneSuppressor interface {
	SuppressPhone(ctx context.Context, phone string, reason domain.SuppressionReason) error
}

// SMSDriver sends texts through an HTTP SMS provider, checking the Do
// Not Call Register before every send.
type SMSDriver struct {
	client     httpretry.HTTPDoer
	sendURL    string
	apiKey     string
	dncrURL    string
	suppressor PhoneSuppressor
	redirector *Redirector
}

// NewSMSDriver creates the SMS driver.
func NewSMSDriver(client httpretry.HTTPDoer, sendURL, apiKey, dncrURL string,
	suppressor PhoneSuppressor, redirector *Redirector) *SMSDriver {
	if client == nil {
		client = httpretry.NewRetryClient(nil, 3)
	}
	return &SMSDriver{
		client:     client,
		sendURL:    sendURL,
		apiKey:     apiKey,
		dncrURL:    dncrURL,
		suppressor: suppressor,
		redirector: redirector,
	}
}

func (d *SMSDriver) Channel() domain.Channel { return domain.ChannelSMS }

// Send texts the lead. A DNCR hit is a permanent reject that also
// suppresses the number platform-wide.
func (d *SMSDriver) Send(ctx context.Context, in SendInput) SendResult {
	listed, err := d.dncrListed(ctx, in.Address)
	if err != nil {
		// Fail closed: an unverifiable number is not sendable this run.
		return transient(err)
	}
	if listed {
		if d.suppressor != nil {
			if err := d.suppressor.SuppressPhone(ctx, in.Address, domain.ReasonDNCR); err != nil {
				logger.Error("dncr suppression write failed", "error", err.Error())
			}
		}
		return SendResult{Status: SendPermanent, Reason: domain.RejectDNCR, Detail: "number on do-not-call register"}
	}

	addr, original := d.redirector.Phone(in.Address)
	payload, err := json.Marshal(map[string]string{
		"to":   addr,
		"from": in.Resource.Identity,
		"body": in.Content.Body,
	})
	if err != nil {
		return permanent(err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.sendURL, bytes.NewReader(payload))
	if err != nil {
		return permanent(err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+d.apiKey)
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(payload)), nil
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return transient(err)
	}
	defer resp.Body.Close()

	if status := classifyHTTP(resp.StatusCode); status != SendOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return SendResult{Status: status, Detail: fmt.Sprintf("sms provider %d: %s", resp.StatusCode, body)}
	}

	var out struct {
		MessageID string `json:"message_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return transient(fmt.Errorf("sms provider response: %w", err))
	}
	return SendResult{Status: SendOK, ProviderMsgID: out.MessageID, RedirectedFrom: original}
}

func (d *SMSDriver) dncrListed(ctx context.Context, phone string) (bool, error) {
	if d.dncrURL == "" {
		return false, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		d.dncrURL+"?number="+url.QueryEscape(phone), nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+d.apiKey)

	resp, err := d.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("dncr lookup: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("dncr lookup status %d", resp.StatusCode)
	}

	var out struct {
		Listed bool `json:"listed"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("dncr lookup response: %w", err)
	}
	return out.Listed, nil
}

type smsInbound struct {
	From      string    `json:"from"`
	Body      string    `json:"body"`
	MessageID string    `json:"message_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Ingest maps an inbound SMS payload to the canonical shape.
func (d *SMSDriver) Ingest(payload []byte) (domain.InboundMessage, bool) {
	var in smsInbound
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
		Channel:       domain.ChannelSMS,
		Content:       in.Body,
		ProviderMsgID: in.MessageID,
		Timestamp:     ts,
	}, true
}

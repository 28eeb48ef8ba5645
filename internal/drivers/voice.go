package drivers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/agencyos/dispatch/internal/domain"
	"github.com/agencyos/dispatch/internal/pkg/httpretry"
)

// CallPlan is the briefing handed to the voice provider for one dial.
type CallPlan struct {
	To         string   `json:"to"`
	From       string   `json:"from"`
	LeadName   string   `json:"lead_name"`
	Company    string   `json:"company"`
	Title      string   `json:"title,omitempty"`
	Opener     string   `json:"opener"`
	TalkTracks []string `json:"talk_tracks,omitempty"`
	Objective  string   `json:"objective"`
}

// VoiceDriver places calls through an HTTP voice provider. The driver
// synthesizes the call plan; the provider reports the outcome on its
// webhook.
type VoiceDriver struct {
	client     httpretry.HTTPDoer
	callURL    string
	apiKey     string
	redirector *Redirector
}

// NewVoiceDriver creates the voice driver.
func NewVoiceDriver(client httpretry.HTTPDoer, callURL, apiKey string, redirector *Redirector) *VoiceDriver {
	if client == nil {
		client = httpretry.NewRetryClient(nil, 2)
	}
	return &VoiceDriver{client: client, callURL: callURL, apiKey: apiKey, redirector: redirector}
}

func (d *VoiceDriver) Channel() domain.Channel { return domain.ChannelVoice }

// Send queues one outbound call.
func (d *VoiceDriver) Send(ctx context.Context, in SendInput) SendResult {
	addr, original := d.redirector.Phone(in.Address)
	plan := buildCallPlan(in, addr)

	payload, err := json.Marshal(plan)
	if err != nil {
		return permanent(err.Error())
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.callURL, bytes.NewReader(payload))
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
		return SendResult{Status: status, Detail: fmt.Sprintf("voice provider %d: %s", resp.StatusCode, body)}
	}

	var out struct {
		CallID string `json:"call_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return transient(fmt.Errorf("voice provider response: %w", err))
	}
	return SendResult{Status: SendOK, ProviderMsgID: out.CallID, RedirectedFrom: original}
}

// buildCallPlan assembles the dial briefing from the lead record and
// the assignment's personalization artifacts. The content body doubles
// as the objective line.
func buildCallPlan(in SendInput, to string) CallPlan {
	plan := CallPlan{
		To:        to,
		From:      in.Resource.Identity,
		Objective: in.Content.Body,
	}
	if in.Lead != nil {
		plan.LeadName = strings.TrimSpace(in.Lead.FirstName + " " + in.Lead.LastName)
		plan.Company = in.Lead.Firmographics.CompanyName
		plan.Title = in.Lead.Title
		for _, sig := range in.Lead.Firmographics.NewsSignals {
			plan.TalkTracks = append(plan.TalkTracks, "Mention: "+sig)
		}
	}
	if in.Content.Subject != "" {
		plan.Opener = in.Content.Subject
	}
	return plan
}

// voiceOutcome is the post-call report the voice provider posts back.
type voiceOutcome struct {
	CallID     string    `json:"call_id"`
	From       string    `json:"from"` // lead's number
	Outcome    string    `json:"outcome"`
	Transcript string    `json:"transcript,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Ingest maps a post-call outcome into the canonical inbound shape. Only
// calls that actually connected produce a conversation message.
func (d *VoiceDriver) Ingest(payload []byte) (domain.InboundMessage, bool) {
	var in voiceOutcome
	if err := json.Unmarshal(payload, &in); err != nil {
		return domain.InboundMessage{}, false
	}
	if in.CallID == "" || in.From == "" {
		return domain.InboundMessage{}, false
	}
	if in.Outcome != "connected" || in.Transcript == "" {
		return domain.InboundMessage{}, false
	}
	ts := in.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return domain.InboundMessage{
		LeadKey:       in.From,
		Channel:       domain.ChannelVoice,
		Content:       in.Transcript,
		ProviderMsgID: in.CallID,
		Timestamp:     ts,
	}, true
}

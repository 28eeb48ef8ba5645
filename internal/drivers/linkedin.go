package drivers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/agencyos/dispatch/internal/domain"
)

// LinkedInAction distinguishes the two seat operations. Both count
// against the same seat daily cap.
type LinkedInAction string

const (
	ActionConnect LinkedInAction = "connection_request"
	ActionDM      LinkedInAction = "direct_message"
)

// LinkedInDriver acts through a leased automation seat. Tokens come
// from the oauth2 client-credentials flow and refresh themselves.
type LinkedInDriver struct {
	client  *http.Client
	baseURL string
}

// NewLinkedInDriver creates the LinkedIn driver. The returned client
// caches and refreshes the access token transparently.
func NewLinkedInDriver(baseURL, clientID, clientSecret, tokenURL string) *LinkedInDriver {
	cc := clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
	}
	return &LinkedInDriver{
		client:  cc.Client(context.Background()),
		baseURL: baseURL,
	}
}

func (d *LinkedInDriver) Channel() domain.Channel { return domain.ChannelLinkedIn }

// Send issues a connection request when the lead is not yet connected,
// a DM otherwise. First touch on a sequence is always the connection
// request; the provider rejects duplicates idempotently.
func (d *LinkedInDriver) Send(ctx context.Context, in SendInput) SendResult {
	action := ActionConnect
	if in.FollowUp {
		action = ActionDM
	}

	payload, err := json.Marshal(map[string]string{
		"seat":    in.Resource.Identity,
		"profile": in.Address,
		"action":  string(action),
		"message": in.Content.Body,
	})
	if err != nil {
		return permanent(err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/actions", bytes.NewReader(payload))
	if err != nil {
		return permanent(err.Error())
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return transient(err)
	}
	defer resp.Body.Close()

	if status := classifyHTTP(resp.StatusCode); status != SendOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return SendResult{Status: status, Detail: fmt.Sprintf("linkedin provider %d: %s", resp.StatusCode, body)}
	}

	var out struct {
		ActionID string `json:"action_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return transient(fmt.Errorf("linkedin provider response: %w", err))
	}
	return SendResult{Status: SendOK, ProviderMsgID: out.ActionID}
}

type linkedInInbound struct {
	ProfileID string    `json:"profile_id"`
	Text      string    `json:"text"`
	EventID   string    `json:"event_id"`
	Event     string    `json:"event"` // "message" or "connection_accepted"
	Timestamp time.Time `json:"timestamp"`
}

// Ingest maps an inbound LinkedIn message. Connection acceptances carry
// no text and are not conversation messages.
func (d *LinkedInDriver) Ingest(payload []byte) (domain.InboundMessage, bool) {
	var in linkedInInbound
	if err := json.Unmarshal(payload, &in); err != nil {
		return domain.InboundMessage{}, false
	}
	if in.ProfileID == "" || in.EventID == "" || in.Event != "message" {
		return domain.InboundMessage{}, false
	}
	ts := in.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return domain.InboundMessage{
		LeadKey:       in.ProfileID,
		Channel:       domain.ChannelLinkedIn,
		Content:       in.Text,
		ProviderMsgID: in.EventID,
		Timestamp:     ts,
	}, true
}

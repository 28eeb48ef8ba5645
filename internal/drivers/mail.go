package drivers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/agencyos/dispatch/internal/domain"
	"github.com/agencyos/dispatch/internal/pkg/httpretry"
)

// MailDriver submits physical mail jobs to a print-and-post provider.
// Fire and forget: there is no delivery confirmation and no inbound
// side.
type MailDriver struct {
	client  httpretry.HTTPDoer
	sendURL string
	apiKey  string
}

// NewMailDriver creates the mail driver.
func NewMailDriver(client httpretry.HTTPDoer, sendURL, apiKey string) *MailDriver {
	if client == nil {
		client = httpretry.NewRetryClient(nil, 2)
	}
	return &MailDriver{client: client, sendURL: sendURL, apiKey: apiKey}
}

func (d *MailDriver) Channel() domain.Channel { return domain.ChannelMail }

// Send submits one letter. Address carries the provider's postal
// address payload.
func (d *MailDriver) Send(ctx context.Context, in SendInput) SendResult {
	payload, err := json.Marshal(map[string]string{
		"sender":  in.Resource.Identity,
		"address": in.Address,
		"body":    in.Content.Body,
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
		return SendResult{Status: status, Detail: fmt.Sprintf("mail provider %d: %s", resp.StatusCode, body)}
	}

	var out struct {
		JobID string `json:"job_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		// Job was accepted; the id is a nicety.
		return SendResult{Status: SendOK}
	}
	return SendResult{Status: SendOK, ProviderMsgID: out.JobID}
}

// Ingest never matches: physical mail has no inbound webhook.
func (d *MailDriver) Ingest(_ []byte) (domain.InboundMessage, bool) {
	return domain.InboundMessage{}, false
}

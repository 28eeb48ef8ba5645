package drivers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/redis/go-redis/v9"

	"github.com/agencyos/dispatch/internal/config"
	"github.com/agencyos/dispatch/internal/domain"
)

func sendInput() SendInput {
	return SendInput{
		TenantID: "tenant-1",
		LeadID:   "lead-1",
		Resource: domain.Resource{ID: "res-1", Identity: "mail.acme-out.io"},
		Address:  "jane@acme.io",
		Content:  domain.ContentSnapshot{Subject: "Quick question", Body: "Hi Jane"},
	}
}

type fakeSES struct {
	calls  int
	input  *sesv2.SendEmailInput
	err    error
}

func (f *fakeSES) SendEmail(_ context.Context, in *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	f.calls++
	f.input = in
	if f.err != nil {
		return nil, f.err
	}
	id := "ses-msg-1"
	return &sesv2.SendEmailOutput{MessageId: &id}, nil
}

func TestEmailDriverSend(t *testing.T) {
	ses := &fakeSES{}
	d := NewEmailDriver(ses, "Acme Outreach", NewRedirector(config.TestModeConfig{}, nil))

	res := d.Send(context.Background(), sendInput())
	if res.Status != SendOK || res.ProviderMsgID != "ses-msg-1" {
		t.Fatalf("Send() = %+v", res)
	}
	if got := ses.input.Destination.ToAddresses[0]; got != "jane@acme.io" {
		t.Errorf("to = %q", got)
	}
	if len(ses.input.Content.Simple.Headers) != 0 {
		t.Errorf("first touch carried threading headers")
	}
}

func TestEmailDriverThreadingHeaders(t *testing.T) {
	ses := &fakeSES{}
	d := NewEmailDriver(ses, "Acme Outreach", NewRedirector(config.TestModeConfig{}, nil))

	in := sendInput()
	in.FollowUp = true
	in.ThreadKey = "<orig-msg@mail.acme-out.io>"

	if res := d.Send(context.Background(), in); res.Status != SendOK {
		t.Fatalf("Send() = %+v", res)
	}
	headers := ses.input.Content.Simple.Headers
	if len(headers) != 2 {
		t.Fatalf("headers = %d, want In-Reply-To and References", len(headers))
	}
	if *headers[0].Name != "In-Reply-To" || *headers[0].Value != "<orig-msg@mail.acme-out.io>" {
		t.Errorf("header[0] = %s: %s", *headers[0].Name, *headers[0].Value)
	}
}

func TestEmailDriverErrorClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want SendStatus
	}{
		{"throttled", &types.TooManyRequestsException{}, SendTransient},
		{"rejected", &types.MessageRejected{}, SendPermanent},
		{"sending paused", &types.SendingPausedException{}, SendPermanent},
		{"network", errors.New("connection reset"), SendTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewEmailDriver(&fakeSES{err: tt.err}, "Acme", NewRedirector(config.TestModeConfig{}, nil))
			if res := d.Send(context.Background(), sendInput()); res.Status != tt.want {
				t.Errorf("status = %s, want %s", res.Status, tt.want)
			}
		})
	}
}

func TestEmailDriverTestModeRedirect(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	red := NewRedirector(config.TestModeConfig{
		Enabled:         true,
		RedirectEmail:   "ops@dispatch.internal",
		DailyEmailLimit: 2,
	}, client)
	ses := &fakeSES{}
	d := NewEmailDriver(ses, "Acme", red)

	res := d.Send(context.Background(), sendInput())
	if res.Status != SendOK {
		t.Fatalf("Send() = %+v", res)
	}
	if got := ses.input.Destination.ToAddresses[0]; got != "ops@dispatch.internal" {
		t.Errorf("redirected to = %q", got)
	}
	if res.RedirectedFrom != "jane@acme.io" {
		t.Errorf("RedirectedFrom = %q", res.RedirectedFrom)
	}

	// Second send fits the limit, third does not.
	if res := d.Send(context.Background(), sendInput()); res.Status != SendOK {
		t.Fatalf("second send = %+v", res)
	}
	if res := d.Send(context.Background(), sendInput()); res.Status != SendPermanent {
		t.Errorf("over-limit send = %+v, want permanent", res)
	}
	if ses.calls != 2 {
		t.Errorf("provider calls = %d, want 2", ses.calls)
	}
}

func TestSMSDriverDNCRHit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/dncr" {
			json.NewEncoder(w).Encode(map[string]bool{"listed": true})
			return
		}
		t.Errorf("send endpoint reached for listed number")
	}))
	defer srv.Close()

	sup := &captureSuppressor{}
	d := NewSMSDriver(srv.Client(), srv.URL+"/send", "key", srv.URL+"/dncr",
		sup, NewRedirector(config.TestModeConfig{}, nil))

	in := sendInput()
	in.Address = "+15550100"
	res := d.Send(context.Background(), in)
	if res.Status != SendPermanent || res.Reason != domain.RejectDNCR {
		t.Fatalf("Send() = %+v, want permanent/rejected_dncr", res)
	}
	if sup.phone != "+15550100" || sup.reason != domain.ReasonDNCR {
		t.Errorf("suppressed %q reason %q", sup.phone, sup.reason)
	}
}

type captureSuppressor struct {
	phone  string
	reason domain.SuppressionReason
}

func (c *captureSuppressor) SuppressPhone(_ context.Context, phone string, reason domain.SuppressionReason) error {
	c.phone = phone
	c.reason = reason
	return nil
}

func TestSMSDriverSend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/dncr":
			json.NewEncoder(w).Encode(map[string]bool{"listed": false})
		case "/send":
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			if body["to"] != "+15550100" || body["from"] != "mail.acme-out.io" {
				t.Errorf("send payload = %v", body)
			}
			json.NewEncoder(w).Encode(map[string]string{"message_id": "sms-1"})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	d := NewSMSDriver(srv.Client(), srv.URL+"/send", "key", srv.URL+"/dncr",
		nil, NewRedirector(config.TestModeConfig{}, nil))

	in := sendInput()
	in.Address = "+15550100"
	res := d.Send(context.Background(), in)
	if res.Status != SendOK || res.ProviderMsgID != "sms-1" {
		t.Fatalf("Send() = %+v", res)
	}
}

func TestSMSDriverFailsClosedOnDNCROutage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound) // non-retryable so the test stays fast
	}))
	defer srv.Close()

	d := NewSMSDriver(srv.Client(), srv.URL+"/send", "key", srv.URL+"/dncr",
		nil, NewRedirector(config.TestModeConfig{}, nil))

	in := sendInput()
	in.Address = "+15550100"
	if res := d.Send(context.Background(), in); res.Status != SendTransient {
		t.Errorf("Send() = %+v, want transient", res)
	}
}

func TestVoiceDriverCallPlan(t *testing.T) {
	var got CallPlan
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(map[string]string{"call_id": "call-1"})
	}))
	defer srv.Close()

	d := NewVoiceDriver(srv.Client(), srv.URL, "key", NewRedirector(config.TestModeConfig{}, nil))

	in := sendInput()
	in.Address = "+15550100"
	in.Lead = &domain.Lead{
		FirstName: "Jane", LastName: "Doe", Title: "VP Engineering",
		Firmographics: domain.Firmographics{
			CompanyName: "Acme",
			NewsSignals: []string{"raised series B"},
		},
	}

	res := d.Send(context.Background(), in)
	if res.Status != SendOK || res.ProviderMsgID != "call-1" {
		t.Fatalf("Send() = %+v", res)
	}
	if got.LeadName != "Jane Doe" || got.Company != "Acme" {
		t.Errorf("plan = %+v", got)
	}
	if len(got.TalkTracks) != 1 || got.TalkTracks[0] != "Mention: raised series B" {
		t.Errorf("talk tracks = %v", got.TalkTracks)
	}
}

func TestVoiceIngestOnlyConnectedCalls(t *testing.T) {
	d := &VoiceDriver{}

	missed, _ := json.Marshal(voiceOutcome{CallID: "c1", From: "+15550100", Outcome: "no_answer"})
	if _, ok := d.Ingest(missed); ok {
		t.Error("no_answer produced an inbound message")
	}

	connected, _ := json.Marshal(voiceOutcome{
		CallID: "c2", From: "+15550100", Outcome: "connected",
		Transcript: "sure, send me the details", Timestamp: time.Now(),
	})
	msg, ok := d.Ingest(connected)
	if !ok {
		t.Fatal("connected call not ingested")
	}
	if msg.Channel != domain.ChannelVoice || msg.LeadKey != "+15550100" || msg.ProviderMsgID != "c2" {
		t.Errorf("msg = %+v", msg)
	}
}

func TestEmailIngest(t *testing.T) {
	d := &EmailDriver{}

	payload, _ := json.Marshal(emailInbound{
		From: "jane@acme.io", Subject: "Re: Quick question",
		Text: "yes let's talk", MessageID: "<reply-1@acme.io>", InReplyTo: "<orig@out.io>",
	})
	msg, ok := d.Ingest(payload)
	if !ok {
		t.Fatal("inbound email not ingested")
	}
	if msg.LeadKey != "jane@acme.io" || msg.ThreadKey != "<orig@out.io>" {
		t.Errorf("msg = %+v", msg)
	}

	if _, ok := d.Ingest([]byte(`{"event":"delivery"}`)); ok {
		t.Error("delivery receipt ingested as message")
	}
}

func TestLinkedInIngestSkipsAcceptances(t *testing.T) {
	d := &LinkedInDriver{}

	accepted, _ := json.Marshal(linkedInInbound{ProfileID: "p1", EventID: "e1", Event: "connection_accepted"})
	if _, ok := d.Ingest(accepted); ok {
		t.Error("connection acceptance ingested as message")
	}

	message, _ := json.Marshal(linkedInInbound{ProfileID: "p1", EventID: "e2", Event: "message", Text: "who is this?"})
	msg, ok := d.Ingest(message)
	if !ok {
		t.Fatal("message event not ingested")
	}
	if msg.Channel != domain.ChannelLinkedIn || msg.Content != "who is this?" {
		t.Errorf("msg = %+v", msg)
	}
}

func TestRegistry(t *testing.T) {
	email := NewEmailDriver(&fakeSES{}, "Acme", NewRedirector(config.TestModeConfig{}, nil))
	r := NewRegistry(email)

	if d, err := r.For(domain.ChannelEmail); err != nil || d.Channel() != domain.ChannelEmail {
		t.Errorf("For(email) = %v, %v", d, err)
	}
	if _, err := r.For(domain.ChannelVoice); err == nil {
		t.Error("For(voice) succeeded with no driver registered")
	}
}

package reply

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/agencyos/dispatch/internal/config"
	"github.com/agencyos/dispatch/internal/domain"
	"github.com/agencyos/dispatch/internal/metrics"
	"github.com/agencyos/dispatch/internal/pkg/httpretry"
	"github.com/agencyos/dispatch/internal/pkg/logger"
	"github.com/agencyos/dispatch/internal/repository/postgres"
)

// MeetingStore is the meeting persistence plus the push delivery log.
type MeetingStore interface {
	Create(ctx context.Context, m *domain.Meeting) error
	GetMeeting(ctx context.Context, id string) (*domain.Meeting, error)
	LogPush(ctx context.Context, tenantID, meetingID, endpoint string, success bool, detail string) error
	ConsecutiveFailures(ctx context.Context, tenantID string) (int, error)
	PendingRetries(ctx context.Context, since time.Time, limit int) ([]postgres.PushAttempt, error)
}

// MeetingAssignments is the one assignment transition a booking drives.
type MeetingAssignments interface {
	ActiveByLead(ctx context.Context, leadID string) (*domain.Assignment, error)
	UpdateStatus(ctx context.Context, id string, status domain.AssignmentStatus) error
}

// MeetingCampaigns resolves the campaign block of the push payload.
type MeetingCampaigns interface {
	Get(ctx context.Context, id string) (*domain.Campaign, error)
}

// meetingPayload is the outbound webhook body. The shape is the
// contract tenant CRMs integrate against; do not rename fields.
type meetingPayload struct {
	Event     string           `json:"event"`
	Timestamp time.Time        `json:"timestamp"`
	Lead      payloadLead      `json:"lead"`
	Meeting   payloadMeeting   `json:"meeting"`
	Campaign  *payloadCampaign `json:"campaign,omitempty"`
}

type payloadLead struct {
	Name        string `json:"name"`
	Email       string `json:"email"`
	Phone       string `json:"phone"`
	Company     string `json:"company"`
	Title       string `json:"title"`
	LinkedInURL string `json:"linkedin_url"`
}

type payloadMeeting struct {
	ID              string    `json:"id"`
	ScheduledAt     time.Time `json:"scheduled_at"`
	DurationMinutes int       `json:"duration_minutes"`
	MeetingType     string    `json:"meeting_type"`
	MeetingLink     string    `json:"meeting_link"`
}

type payloadCampaign struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Notifier records booked meetings and pushes them to the tenant's
// webhook endpoint. Pushes never block the booking path.
type Notifier struct {
	client      httpretry.HTTPDoer
	meetings    MeetingStore
	assignments MeetingAssignments
	leads       ReplyLeadStore
	campaigns   MeetingCampaigns
	tenants     TenantStore
	alerts      Alerter
	maxFailures int

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewNotifier creates a meeting notifier.
func NewNotifier(client httpretry.HTTPDoer, meetings MeetingStore, assignments MeetingAssignments,
	leads ReplyLeadStore, campaigns MeetingCampaigns, tenants TenantStore,
	alerts Alerter, cfg config.ReplyConfig) *Notifier {
	if client == nil {
		client = httpretry.NewRetryClient(nil, 2)
	}
	if alerts == nil {
		alerts = LogAlerter{}
	}
	return &Notifier{
		client:      client,
		meetings:    meetings,
		assignments: assignments,
		leads:       leads,
		campaigns:   campaigns,
		tenants:     tenants,
		alerts:      alerts,
		maxFailures: cfg.PushMaxFailures,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// MeetingBooked records the meeting, flips the assignment, and pushes
// the webhook in the background.
func (n *Notifier) MeetingBooked(ctx context.Context, m *domain.Meeting) error {
	if err := n.meetings.Create(ctx, m); err != nil {
		return fmt.Errorf("record meeting: %w", err)
	}

	if a, err := n.assignments.ActiveByLead(ctx, m.LeadID); err == nil {
		if err := n.assignments.UpdateStatus(ctx, a.ID, domain.AssignmentMeetingBooked); err != nil {
			logger.Error("meeting status update failed", "assignment", a.ID, "error", err.Error())
		}
	}

	tenant, err := n.tenants.Get(ctx, m.TenantID)
	if err != nil {
		return fmt.Errorf("load tenant for push: %w", err)
	}
	if tenant.WebhookURL == "" {
		return nil
	}

	go n.push(context.WithoutCancel(ctx), tenant.WebhookURL, m)
	return nil
}

// push attempts one webhook delivery and logs the outcome.
func (n *Notifier) push(ctx context.Context, endpoint string, m *domain.Meeting) {
	detail := ""
	ok := false
	defer func() {
		if err := n.meetings.LogPush(ctx, m.TenantID, m.ID, endpoint, ok, detail); err != nil {
			logger.Error("push log write failed", "meeting", m.ID, "error", err.Error())
		}
		if ok {
			return
		}
		metrics.WebhookPushFailures.Inc()
		failures, err := n.meetings.ConsecutiveFailures(ctx, m.TenantID)
		if err == nil && failures >= n.maxFailures {
			n.alerts.Alert(ctx, m.TenantID, "webhook endpoint degraded",
				fmt.Sprintf("%d consecutive failures pushing to %s", failures, endpoint))
		}
	}()

	body, err := json.Marshal(n.buildPayload(ctx, m))
	if err != nil {
		detail = err.Error()
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		detail = err.Error()
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}

	resp, err := n.client.Do(req)
	if err != nil {
		detail = err.Error()
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail = fmt.Sprintf("endpoint returned %d", resp.StatusCode)
		return
	}
	ok = true
}

// buildPayload assembles the contract body. Lookup failures leave the
// block empty rather than dropping the push.
func (n *Notifier) buildPayload(ctx context.Context, m *domain.Meeting) meetingPayload {
	p := meetingPayload{
		Event:     "meeting_booked",
		Timestamp: time.Now().UTC(),
		Meeting: payloadMeeting{
			ID:              m.ID,
			ScheduledAt:     m.ScheduledAt,
			DurationMinutes: m.DurationMinutes,
			MeetingType:     m.MeetingType,
			MeetingLink:     m.MeetingLink,
		},
	}
	if n.leads != nil {
		if lead, err := n.leads.Get(ctx, m.LeadID); err == nil {
			p.Lead = payloadLead{
				Name:        strings.TrimSpace(lead.FirstName + " " + lead.LastName),
				Email:       lead.Email,
				Phone:       lead.Phone,
				Company:     lead.Firmographics.CompanyName,
				Title:       lead.Title,
				LinkedInURL: lead.LinkedInURL,
			}
		} else {
			logger.Error("push lead load failed", "lead", m.LeadID, "error", err.Error())
		}
	}
	if n.campaigns != nil && m.CampaignID != "" {
		if c, err := n.campaigns.Get(ctx, m.CampaignID); err == nil {
			p.Campaign = &payloadCampaign{ID: c.ID, Name: c.Name}
		}
	}
	return p
}

// StartRecovery re-pushes failed webhook deliveries on an interval
// until StopRecovery.
func (n *Notifier) StartRecovery(ctx context.Context, interval time.Duration) {
	go func() {
		defer close(n.doneCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				n.recoverOnce(ctx)
			case <-n.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// StopRecovery halts the retry loop.
func (n *Notifier) StopRecovery() {
	close(n.stopCh)
	<-n.doneCh
}

func (n *Notifier) recoverOnce(ctx context.Context) {
	pending, err := n.meetings.PendingRetries(ctx, time.Now().Add(-24*time.Hour), 50)
	if err != nil {
		logger.Error("push retry scan failed", "error", err.Error())
		return
	}
	for _, p := range pending {
		m, err := n.meetings.GetMeeting(ctx, p.MeetingID)
		if err != nil {
			logger.Error("push retry meeting load failed", "meeting", p.MeetingID, "error", err.Error())
			continue
		}
		n.push(ctx, p.Endpoint, m)
	}
}

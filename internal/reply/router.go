// Package reply routes inbound messages: idempotent ingestion, thread
// append, intent classification, and the per-intent state machinery on
// the assignment.
package reply

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agencyos/dispatch/internal/config"
	"github.com/agencyos/dispatch/internal/domain"
	"github.com/agencyos/dispatch/internal/metrics"
	"github.com/agencyos/dispatch/internal/pkg/logger"
	"github.com/agencyos/dispatch/internal/repository/postgres"
	"github.com/agencyos/dispatch/internal/scheduler"
	"github.com/agencyos/dispatch/internal/suppression"
)

// Default out-of-office pause when no return date can be parsed.
const defaultOOODays = 14

// ActivityStore provides idempotence and the reply event append.
type ActivityStore interface {
	MarkProviderMessage(ctx context.Context, providerMsgID string) (bool, error)
	Append(ctx context.Context, a *domain.Activity) error
}

// LeadStore resolves and mutates master lead records.
type LeadStore interface {
	ResolveByKey(ctx context.Context, key string) (*domain.Lead, error)
	SetGlobalFlag(ctx context.Context, id string, flag string) error
	UpsertSourced(ctx context.Context, l *domain.Lead) (bool, error)
}

// AssignmentStore mutates the replying lead's assignment.
type AssignmentStore interface {
	ActiveByLead(ctx context.Context, leadID string) (*domain.Assignment, error)
	UpdateStatus(ctx context.Context, id string, status domain.AssignmentStatus) error
	PauseUntil(ctx context.Context, id string, resumeAt time.Time) error
	Release(ctx context.Context, id string, status domain.AssignmentStatus) error
}

// ThreadStore keeps conversation history.
type ThreadStore interface {
	GetOrCreateThread(ctx context.Context, tenantID, leadID string, ch domain.Channel, threadKey string) (*domain.Thread, error)
	AppendMessage(ctx context.Context, m *domain.Message) error
}

// TenantStore reads tenants for window timing and webhook endpoints.
type TenantStore interface {
	Get(ctx context.Context, id string) (*domain.Tenant, error)
}

// Suppressor tests membership before sourcing referrals and writes
// suppression entries produced by reply intents.
type Suppressor interface {
	Check(ctx context.Context, p suppression.Probe, now time.Time) suppression.Verdict
	Suppress(ctx context.Context, s *domain.Suppression) error
}

// Responder delivers delayed automated replies back into the thread.
type Responder interface {
	QueueReply(ctx context.Context, tenantID string, thread *domain.Thread, body string, delay time.Duration) error
}

// Alerter surfaces events that need a human.
type Alerter interface {
	Alert(ctx context.Context, tenantID, subject, detail string)
}

// LogAlerter is the default Alerter: it only logs.
type LogAlerter struct{}

// Alert writes the alert to the structured log.
func (LogAlerter) Alert(_ context.Context, tenantID, subject, detail string) {
	logger.Error("operator alert", "tenant", tenantID, "subject", subject, "detail", detail)
}

// Router applies the reply pipeline to inbound messages.
type Router struct {
	activities  ActivityStore
	leads       LeadStore
	assignments AssignmentStore
	threads     ThreadStore
	tenants     TenantStore
	suppressor  Suppressor
	classifier  *Classifier
	responder   Responder
	alerts      Alerter

	windowStart int
	windowEnd   int
}

// NewRouter wires the reply pipeline.
func NewRouter(activities ActivityStore, leads LeadStore, assignments AssignmentStore,
	threads ThreadStore, tenants TenantStore, suppressor Suppressor,
	classifier *Classifier, responder Responder, alerts Alerter,
	sched config.SchedulerConfig) *Router {
	if alerts == nil {
		alerts = LogAlerter{}
	}
	return &Router{
		activities:  activities,
		leads:       leads,
		assignments: assignments,
		threads:     threads,
		tenants:     tenants,
		suppressor:  suppressor,
		classifier:  classifier,
		responder:   responder,
		alerts:      alerts,
		windowStart: sched.WindowStartHour,
		windowEnd:   sched.WindowEndHour,
	}
}

// HandleInbound processes one inbound message end to end. Safe to call
// twice with the same provider message id; the duplicate is a no-op.
func (r *Router) HandleInbound(ctx context.Context, msg domain.InboundMessage) error {
	first, err := r.activities.MarkProviderMessage(ctx, msg.ProviderMsgID)
	if err != nil {
		return fmt.Errorf("dedup check: %w", err)
	}
	if !first {
		return nil
	}

	lead, err := r.leads.ResolveByKey(ctx, msg.LeadKey)
	if errors.Is(err, postgres.ErrNotFound) {
		logger.Warn("inbound from unknown sender", "channel", string(msg.Channel))
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve lead: %w", err)
	}

	assignment, err := r.assignments.ActiveByLead(ctx, lead.ID)
	if errors.Is(err, postgres.ErrNotFound) {
		logger.Info("inbound for unassigned lead", "lead", lead.ID, "channel", string(msg.Channel))
		return nil
	}
	if err != nil {
		return fmt.Errorf("active assignment: %w", err)
	}

	thread, err := r.threads.GetOrCreateThread(ctx, assignment.TenantID, lead.ID, msg.Channel, msg.ThreadKey)
	if err != nil {
		return fmt.Errorf("thread: %w", err)
	}
	if err := r.threads.AppendMessage(ctx, &domain.Message{
		ThreadID:      thread.ID,
		Direction:     domain.DirectionInbound,
		Content:       msg.Content,
		Subject:       msg.Subject,
		ProviderMsgID: msg.ProviderMsgID,
		SentAt:        msg.Timestamp,
	}); err != nil {
		return fmt.Errorf("append inbound message: %w", err)
	}

	cls := r.classifier.Classify(ctx, lead.ID, msg.Content)
	metrics.RepliesTotal.WithLabelValues(string(cls.Intent)).Inc()

	if err := r.activities.Append(ctx, &domain.Activity{
		TenantID:      assignment.TenantID,
		LeadID:        lead.ID,
		AssignmentID:  assignment.ID,
		CampaignID:    assignment.CampaignID,
		Channel:       msg.Channel,
		Action:        domain.ActionReplied,
		Reason:        string(cls.Intent),
		ProviderMsgID: msg.ProviderMsgID,
		SequenceStep:  assignment.SequenceStep,
	}); err != nil {
		logger.Error("reply activity append failed", "lead", lead.ID, "error", err.Error())
	}

	return r.applyIntent(ctx, lead, assignment, thread, msg, cls)
}

func (r *Router) applyIntent(ctx context.Context, lead *domain.Lead, a *domain.Assignment,
	thread *domain.Thread, msg domain.InboundMessage, cls domain.Classification) error {
	switch cls.Intent {
	case domain.IntentMeetingInterest:
		if err := r.assignments.UpdateStatus(ctx, a.ID, domain.AssignmentReplied); err != nil {
			return err
		}
		r.queueReply(ctx, a.TenantID, thread,
			"Great! Here's my calendar, pick any slot that works: {{calendar_link}}")

	case domain.IntentQuestion:
		if err := r.assignments.UpdateStatus(ctx, a.ID, domain.AssignmentReplied); err != nil {
			return err
		}
		r.queueReply(ctx, a.TenantID, thread,
			"Good question, let me get you a proper answer and come right back to you.")

	case domain.IntentPositiveEngagement:
		// Sequence continues; nothing to change.

	case domain.IntentNotInterested:
		if err := r.assignments.Release(ctx, a.ID, domain.AssignmentNotInterested); err != nil {
			return err
		}
		r.suppressForTenant(ctx, a.TenantID, lead, domain.ReasonDoNotContact)

	case domain.IntentOutOfOffice:
		resume := time.Now().AddDate(0, 0, defaultOOODays)
		if cls.ReturnDate != nil {
			resume = *cls.ReturnDate
		}
		if err := r.assignments.PauseUntil(ctx, a.ID, resume); err != nil {
			return err
		}

	case domain.IntentWrongPerson:
		if err := r.assignments.Release(ctx, a.ID, domain.AssignmentArchived); err != nil {
			return err
		}
		if err := r.leads.SetGlobalFlag(ctx, lead.ID, "invalid"); err != nil {
			logger.Error("flag wrong-person lead failed", "lead", lead.ID, "error", err.Error())
		}

	case domain.IntentReferral:
		if err := r.assignments.Release(ctx, a.ID, domain.AssignmentArchived); err != nil {
			return err
		}
		r.sourceReferral(ctx, a.TenantID, cls)

	case domain.IntentAngry:
		if err := r.assignments.Release(ctx, a.ID, domain.AssignmentNotInterested); err != nil {
			return err
		}
		r.suppressForTenant(ctx, a.TenantID, lead, domain.ReasonSpamComplaint)
		r.alerts.Alert(ctx, a.TenantID, "angry reply",
			fmt.Sprintf("lead %s on %s replied with a complaint; no auto-reply sent", lead.ID, msg.Channel))
	}
	return nil
}

// queueReply schedules an automated reply after a humanizing delay.
func (r *Router) queueReply(ctx context.Context, tenantID string, thread *domain.Thread, body string) {
	if r.responder == nil {
		return
	}
	delay := scheduler.ReplyDelay(r.inWindow(ctx, tenantID))
	if err := r.responder.QueueReply(ctx, tenantID, thread, body, delay); err != nil {
		logger.Error("auto-reply queue failed", "thread", thread.ID, "error", err.Error())
	}
}

func (r *Router) inWindow(ctx context.Context, tenantID string) bool {
	tenant, err := r.tenants.Get(ctx, tenantID)
	if err != nil {
		return false
	}
	return scheduler.InSendWindow(tenant, nil, r.windowStart, r.windowEnd, time.Now())
}

func (r *Router) suppressForTenant(ctx context.Context, tenantID string, lead *domain.Lead, reason domain.SuppressionReason) {
	keys := []struct {
		kind domain.SuppressionKeyKind
		key  string
	}{
		{domain.KeyEmail, lead.Email},
		{domain.KeyPhone, lead.Phone},
	}
	for _, k := range keys {
		if k.key == "" {
			continue
		}
		if err := r.suppressor.Suppress(ctx, &domain.Suppression{
			Scope:    domain.ScopeTenant,
			TenantID: tenantID,
			KeyKind:  k.kind,
			Key:      k.key,
			Reason:   reason,
		}); err != nil {
			logger.Error("tenant suppression write failed", "tenant", tenantID, "error", err.Error())
		}
	}
}

// sourceReferral drops the referred contact into the pool, unless the
// contact is already suppressed for this tenant or globally.
func (r *Router) sourceReferral(ctx context.Context, tenantID string, cls domain.Classification) {
	if cls.ReferralEmail == "" {
		return
	}
	verdict := r.suppressor.Check(ctx, suppression.Probe{
		TenantID: tenantID,
		Email:    cls.ReferralEmail,
	}, time.Now())
	if verdict.Blocked {
		logger.Info("referral suppressed, not sourced",
			"email", cls.ReferralEmail, "reason", string(verdict.Reason))
		return
	}
	first, last := splitName(cls.ReferralName)
	inserted, err := r.leads.UpsertSourced(ctx, &domain.Lead{
		Email:       cls.ReferralEmail,
		EmailStatus: domain.EmailGuessed,
		FirstName:   first,
		LastName:    last,
	})
	if err != nil {
		logger.Error("referral upsert failed", "error", err.Error())
		return
	}
	if inserted {
		logger.Info("referral sourced", "email", cls.ReferralEmail)
	}
}

func splitName(full string) (first, last string) {
	parts := strings.Fields(full)
	if len(parts) == 0 {
		return "", ""
	}
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[0], parts[len(parts)-1]
}

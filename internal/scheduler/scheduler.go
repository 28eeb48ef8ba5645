// Package scheduler runs the hourly outreach dispatch loop: pull due
// assignments, re-validate each through the admission gate under an
// assignment lock, generate content, and hand off to the channel
// driver.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agencyos/dispatch/internal/config"
	"github.com/agencyos/dispatch/internal/domain"
	"github.com/agencyos/dispatch/internal/drivers"
	"github.com/agencyos/dispatch/internal/jit"
	"github.com/agencyos/dispatch/internal/metrics"
	"github.com/agencyos/dispatch/internal/pkg/distlock"
	"github.com/agencyos/dispatch/internal/pkg/logger"
	"github.com/agencyos/dispatch/internal/resource"
)

// Retry budgets per channel for transient driver errors within one run.
var sendAttempts = map[domain.Channel]int{
	domain.ChannelEmail:    3,
	domain.ChannelSMS:      3,
	domain.ChannelLinkedIn: 3,
	domain.ChannelVoice:    2,
	domain.ChannelMail:     2,
}

// transientBackoff doubles the wait between retries of one send: 2s,
// 4s, 8s. attempt is 1-based.
func transientBackoff(attempt int) time.Duration {
	return (2 * time.Second) << (attempt - 1)
}

// AssignmentStore is the assignment persistence the scheduler drives.
type AssignmentStore interface {
	DueCandidates(ctx context.Context, now time.Time, limit int) ([]domain.Assignment, error)
	RecordSend(ctx context.Context, id string, ch domain.Channel, at time.Time) error
	Release(ctx context.Context, id string, status domain.AssignmentStatus) error
	ResumeDue(ctx context.Context, now time.Time) (int, error)
}

// TenantStore reads tenants and debits send credits.
type TenantStore interface {
	Get(ctx context.Context, id string) (*domain.Tenant, error)
	ConsumeCredit(ctx context.Context, id string) error
}

// CampaignStore reads campaigns.
type CampaignStore interface {
	Get(ctx context.Context, id string) (*domain.Campaign, error)
}

// LeadStore reads leads.
type LeadStore interface {
	Get(ctx context.Context, id string) (*domain.Lead, error)
}

// ActivityStore appends dispatch outcomes.
type ActivityStore interface {
	Append(ctx context.Context, a *domain.Activity) error
}

// ThreadStore keeps the per-(lead, channel) conversation.
type ThreadStore interface {
	GetOrCreateThread(ctx context.Context, tenantID, leadID string, ch domain.Channel, threadKey string) (*domain.Thread, error)
	AppendMessage(ctx context.Context, m *domain.Message) error
}

// Gate is the pre-send admission check.
type Gate interface {
	Validate(ctx context.Context, c jit.Candidate, now time.Time) (jit.Decision, error)
}

// ContentGenerator produces the message artifact for a send.
type ContentGenerator interface {
	Generate(ctx context.Context, req Request) (domain.ContentSnapshot, error)
}

// Request mirrors the content generator's input so the scheduler does
// not import the content package directly.
type Request struct {
	Lead       *domain.Lead
	Tenant     *domain.Tenant
	Assignment *domain.Assignment
	Step       domain.SequenceStep
}

// LeasePool commits or returns resource leases after the gate.
type LeasePool interface {
	Commit(ctx context.Context, lease *resource.Lease, at time.Time)
	Release(ctx context.Context, lease *resource.Lease, now time.Time) error
}

// LockFactory builds a distributed lock for a key.
type LockFactory func(key string) distlock.DistLock

// Scheduler runs dispatch cycles.
type Scheduler struct {
	cfg config.SchedulerConfig

	assignments AssignmentStore
	tenants     TenantStore
	campaigns   CampaignStore
	leads       LeadStore
	activities  ActivityStore
	threads     ThreadStore
	gate        Gate
	generator   ContentGenerator
	registry    drivers.Registry
	pool        LeasePool
	locks       LockFactory

	// Backoff between transient retries. Overridable in tests.
	backoff func(attempt int) time.Duration

	pause *PauseFlag

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a scheduler.
func New(cfg config.SchedulerConfig, assignments AssignmentStore, tenants TenantStore,
	campaigns CampaignStore, leads LeadStore, activities ActivityStore, threads ThreadStore,
	gate Gate, generator ContentGenerator, registry drivers.Registry, pool LeasePool,
	locks LockFactory) *Scheduler {
	return &Scheduler{
		cfg:         cfg,
		assignments: assignments,
		tenants:     tenants,
		campaigns:   campaigns,
		leads:       leads,
		activities:  activities,
		threads:     threads,
		gate:        gate,
		generator:   generator,
		registry:    registry,
		pool:        pool,
		locks:       locks,
		backoff: transientBackoff,
		pause:  NewPauseFlag(nil),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// UsePauseFlag swaps in a shared pause flag. Call before Start.
func (s *Scheduler) UsePauseFlag(flag *PauseFlag) {
	if flag != nil {
		s.pause = flag
	}
}

// Start runs dispatch cycles on the configured interval until Stop.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		defer close(s.doneCh)
		logger.Info("scheduler started", "interval", s.cfg.Interval().String())

		ticker := time.NewTicker(s.cfg.Interval())
		defer ticker.Stop()

		s.runOnce(ctx)
		for {
			select {
			case <-ticker.C:
				s.runOnce(ctx)
			case <-s.stopCh:
				logger.Info("scheduler stopped")
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the loop after the current run finishes. In-flight driver
// calls complete; no new assignment is started.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Scheduler) runOnce(ctx context.Context) {
	if s.pause.Paused() {
		logger.Info("scheduler paused, skipping run")
		return
	}
	if _, err := s.Run(ctx, time.Now()); err != nil {
		logger.Error("scheduler run failed", "error", err.Error())
	}
}

// SetPaused pauses or resumes dispatch cycles. The loop keeps ticking;
// paused ticks are no-ops.
func (s *Scheduler) SetPaused(paused bool) {
	s.pause.SetPaused(paused)
}

// Paused reports the pause flag.
func (s *Scheduler) Paused() bool { return s.pause.Paused() }

// RunStats summarizes one dispatch cycle.
type RunStats struct {
	Candidates int
	Sent       int
	Rejected   int
	Failed     int
	Skipped    int
	Resumed    int
}

// Run executes one dispatch cycle. Interruptible: the context is checked
// between assignments, never mid-dispatch.
func (s *Scheduler) Run(ctx context.Context, now time.Time) (RunStats, error) {
	start := time.Now()
	defer func() { metrics.SchedulerRunSeconds.Observe(time.Since(start).Seconds()) }()

	var stats RunStats

	resumed, err := s.assignments.ResumeDue(ctx, now)
	if err != nil {
		return stats, fmt.Errorf("resume due: %w", err)
	}
	stats.Resumed = resumed

	due, err := s.assignments.DueCandidates(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return stats, fmt.Errorf("due candidates: %w", err)
	}
	stats.Candidates = len(due)

	results := make([]sendOutcome, len(due))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxParallel)
	for i := range due {
		if gctx.Err() != nil {
			break
		}
		i := i
		g.Go(func() error {
			results[i] = s.process(gctx, &due[i], now)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stats, err
	}

	for _, r := range results {
		switch r {
		case outcomeSent:
			stats.Sent++
		case outcomeRejected:
			stats.Rejected++
		case outcomeFailed:
			stats.Failed++
		default:
			stats.Skipped++
		}
	}

	logger.Info("scheduler run complete",
		"candidates", stats.Candidates, "sent", stats.Sent,
		"rejected", stats.Rejected, "failed", stats.Failed,
		"skipped", stats.Skipped, "resumed", stats.Resumed)
	return stats, nil
}

type sendOutcome int

const (
	outcomeSkipped sendOutcome = iota
	outcomeSent
	outcomeRejected
	outcomeFailed
)

// process dispatches one assignment under its advisory lock.
func (s *Scheduler) process(ctx context.Context, a *domain.Assignment, now time.Time) sendOutcome {
	tenant, err := s.tenants.Get(ctx, a.TenantID)
	if err != nil {
		logger.Error("tenant load failed", "assignment", a.ID, "error", err.Error())
		return outcomeSkipped
	}
	campaign, err := s.campaigns.Get(ctx, a.CampaignID)
	if err != nil {
		logger.Error("campaign load failed", "assignment", a.ID, "error", err.Error())
		return outcomeSkipped
	}

	if !InSendWindow(tenant, campaign, s.cfg.WindowStartHour, s.cfg.WindowEndHour, now) {
		return outcomeSkipped
	}

	step, ok := campaign.StepAt(a.SequenceStep)
	if !ok {
		// Sequence exhausted without conversion; the lead goes back to
		// the pool.
		if err := s.assignments.Release(ctx, a.ID, domain.AssignmentArchived); err != nil {
			logger.Error("release exhausted assignment failed", "assignment", a.ID, "error", err.Error())
		}
		return outcomeSkipped
	}

	lead, err := s.leads.Get(ctx, a.LeadID)
	if err != nil {
		logger.Error("lead load failed", "assignment", a.ID, "error", err.Error())
		return outcomeSkipped
	}

	// Per-assignment lock holds through validation, dispatch, and the
	// activity append so concurrent workers cannot double-send.
	lock := s.locks("assignment:" + a.ID)
	held, err := lock.Acquire(ctx)
	if err != nil || !held {
		return outcomeSkipped
	}
	defer lock.Release(context.WithoutCancel(ctx))

	decision, err := s.gate.Validate(ctx, jit.Candidate{
		Assignment: a,
		Tenant:     tenant,
		Campaign:   campaign,
		Lead:       lead,
		Channel:    step.Channel,
	}, now)
	if err != nil {
		logger.Error("jit validation failed", "assignment", a.ID, "error", err.Error())
		return outcomeSkipped
	}
	if !decision.Allowed {
		s.appendActivity(ctx, a, step, &domain.Activity{
			Action: domain.ActionRejected,
			Reason: string(decision.Reason),
		})
		return outcomeRejected
	}

	return s.dispatch(ctx, a, tenant, campaign, lead, step, decision.Lease, now)
}

func (s *Scheduler) dispatch(ctx context.Context, a *domain.Assignment, tenant *domain.Tenant,
	campaign *domain.Campaign, lead *domain.Lead, step domain.SequenceStep,
	lease *resource.Lease, now time.Time) sendOutcome {

	driver, err := s.registry.For(step.Channel)
	if err != nil {
		s.abandonLease(ctx, lease, now)
		logger.Error("driver missing", "channel", string(step.Channel))
		return outcomeSkipped
	}

	snapshot, err := s.generator.Generate(ctx, Request{
		Lead: lead, Tenant: tenant, Assignment: a, Step: step,
	})
	if err != nil {
		s.abandonLease(ctx, lease, now)
		logger.Error("content generation failed", "assignment", a.ID, "error", err.Error())
		return outcomeFailed
	}

	address, err := addressFor(step.Channel, lead)
	if err != nil {
		s.abandonLease(ctx, lease, now)
		s.appendActivity(ctx, a, step, &domain.Activity{
			Action: domain.ActionFailed,
			Reason: err.Error(),
		})
		return outcomeFailed
	}

	thread, err := s.threads.GetOrCreateThread(ctx, a.TenantID, a.LeadID, step.Channel, "")
	if err != nil {
		s.abandonLease(ctx, lease, now)
		logger.Error("thread load failed", "assignment", a.ID, "error", err.Error())
		return outcomeFailed
	}

	in := drivers.SendInput{
		TenantID:  a.TenantID,
		LeadID:    a.LeadID,
		Resource:  lease.Resource,
		Address:   address,
		Content:   snapshot,
		ThreadKey: thread.ThreadKey,
		FollowUp:  step.FollowUp,
		Lead:      lead,
	}

	var result drivers.SendResult
	attempts := sendAttempts[step.Channel]
	for attempt := 1; attempt <= attempts; attempt++ {
		result = driver.Send(ctx, in)
		if result.Status != drivers.SendTransient {
			break
		}
		metrics.DriverErrorsTotal.WithLabelValues(string(step.Channel), "transient").Inc()
		if attempt < attempts {
			select {
			case <-time.After(s.backoff(attempt)):
			case <-ctx.Done():
				attempt = attempts
			}
		}
	}

	switch result.Status {
	case drivers.SendOK:
		s.recordSend(ctx, a, step, lease, thread, snapshot, result, now)
		return outcomeSent
	case drivers.SendPermanent:
		s.abandonLease(ctx, lease, now)
		metrics.DriverErrorsTotal.WithLabelValues(string(step.Channel), "permanent").Inc()
		act := &domain.Activity{Action: domain.ActionFailed, Reason: result.Detail}
		if result.Reason != "" {
			act.Action = domain.ActionRejected
			act.Reason = string(result.Reason)
		}
		s.appendActivity(ctx, a, step, act)
		return outcomeFailed
	default:
		s.abandonLease(ctx, lease, now)
		s.appendActivity(ctx, a, step, &domain.Activity{
			Action: domain.ActionFailed,
			Reason: "transient retries exhausted: " + result.Detail,
		})
		return outcomeFailed
	}
}

// recordSend persists everything a successful dispatch implies. The
// activity append is the one that must not be lost; the rest degrade to
// logged errors.
func (s *Scheduler) recordSend(ctx context.Context, a *domain.Assignment, step domain.SequenceStep,
	lease *resource.Lease, thread *domain.Thread, snapshot domain.ContentSnapshot,
	result drivers.SendResult, now time.Time) {

	act := &domain.Activity{
		TenantID:      a.TenantID,
		LeadID:        a.LeadID,
		AssignmentID:  a.ID,
		CampaignID:    a.CampaignID,
		ResourceID:    lease.Resource.ID,
		Channel:       step.Channel,
		Action:        domain.ActionSent,
		ProviderMsgID: result.ProviderMsgID,
		Content:       snapshot,
		SequenceStep:  a.SequenceStep,
	}
	if result.RedirectedFrom != "" {
		act.Reason = "test_mode_redirect from " + result.RedirectedFrom
	}
	if err := s.activities.Append(ctx, act); err != nil {
		logger.Error("sent activity append failed", "assignment", a.ID, "error", err.Error())
	}

	if err := s.assignments.RecordSend(ctx, a.ID, step.Channel, now); err != nil {
		logger.Error("record send failed", "assignment", a.ID, "error", err.Error())
	}
	s.pool.Commit(ctx, lease, now)
	if err := s.tenants.ConsumeCredit(ctx, a.TenantID); err != nil {
		logger.Error("credit debit failed", "tenant", a.TenantID, "error", err.Error())
	}
	if err := s.threads.AppendMessage(ctx, &domain.Message{
		ThreadID:      thread.ID,
		Direction:     domain.DirectionOutbound,
		Content:       snapshot.Body,
		Subject:       snapshot.Subject,
		ProviderMsgID: result.ProviderMsgID,
		SentAt:        now,
	}); err != nil {
		logger.Error("outbound message append failed", "assignment", a.ID, "error", err.Error())
	}

	metrics.SendsTotal.WithLabelValues(string(step.Channel)).Inc()
}

func (s *Scheduler) appendActivity(ctx context.Context, a *domain.Assignment,
	step domain.SequenceStep, act *domain.Activity) {
	act.TenantID = a.TenantID
	act.LeadID = a.LeadID
	act.AssignmentID = a.ID
	act.CampaignID = a.CampaignID
	act.Channel = step.Channel
	act.SequenceStep = a.SequenceStep
	if err := s.activities.Append(ctx, act); err != nil {
		logger.Error("activity append failed", "assignment", a.ID, "error", err.Error())
	}
}

// abandonLease returns a reservation for a send that never reached the
// provider.
func (s *Scheduler) abandonLease(ctx context.Context, lease *resource.Lease, now time.Time) {
	if err := s.pool.Release(ctx, lease, now); err != nil {
		logger.Error("lease release failed", "resource", lease.Resource.ID, "error", err.Error())
	}
}

// addressFor picks the channel-appropriate contact point.
func addressFor(ch domain.Channel, lead *domain.Lead) (string, error) {
	switch ch {
	case domain.ChannelEmail:
		if lead.Email == "" {
			return "", fmt.Errorf("lead %s has no email", lead.ID)
		}
		return lead.Email, nil
	case domain.ChannelSMS, domain.ChannelVoice:
		if lead.Phone == "" {
			return "", fmt.Errorf("lead %s has no phone", lead.ID)
		}
		return lead.Phone, nil
	case domain.ChannelLinkedIn:
		if lead.LinkedInURL == "" {
			return "", fmt.Errorf("lead %s has no linkedin profile", lead.ID)
		}
		return lead.LinkedInURL, nil
	case domain.ChannelMail:
		if lead.Firmographics.Location == "" {
			return "", fmt.Errorf("lead %s has no postal location", lead.ID)
		}
		return lead.Firmographics.Location, nil
	}
	return "", fmt.Errorf("unknown channel %s", ch)
}

package reply

import (
	"context"
	"fmt"
	"time"

	"github.com/agencyos/dispatch/internal/domain"
	"github.com/agencyos/dispatch/internal/drivers"
	"github.com/agencyos/dispatch/internal/pkg/logger"
)

// ReplyLeadStore reads the lead a reply goes back to.
type ReplyLeadStore interface {
	Get(ctx context.Context, id string) (*domain.Lead, error)
}

// ReplyFleet picks the sender identity for an automated reply.
type ReplyFleet interface {
	Candidates(ctx context.Context, rtype domain.ResourceType, tenantID string, limit int) ([]domain.Resource, error)
}

// ReplyQueue is the durable backing for pending replies.
type ReplyQueue interface {
	Schedule(ctx context.Context, s *domain.ScheduledReply) error
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]domain.ScheduledReply, error)
}

// AutoResponder delivers queued replies through the channel drivers
// after their humanizing delay. Replies answer an existing conversation
// so they bypass the cold-touch admission gate and rate ledger.
type AutoResponder struct {
	leads    ReplyLeadStore
	threads  ThreadStore
	fleet    ReplyFleet
	registry drivers.Registry
	queue    ReplyQueue

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewAutoResponder creates a responder.
func NewAutoResponder(leads ReplyLeadStore, threads ThreadStore, fleet ReplyFleet,
	registry drivers.Registry) *AutoResponder {
	return &AutoResponder{
		leads:    leads,
		threads:  threads,
		fleet:    fleet,
		registry: registry,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// UseQueue swaps in a durable reply queue. Call before Start.
func (r *AutoResponder) UseQueue(q ReplyQueue) {
	if q != nil {
		r.queue = q
	}
}

// QueueReply schedules the reply. With a durable queue the row outlives
// a restart and the scan loop delivers it; without one, delivery runs
// on an in-process timer and the caller's context only scopes the
// queueing.
func (r *AutoResponder) QueueReply(ctx context.Context, tenantID string, thread *domain.Thread, body string, delay time.Duration) error {
	if r.queue != nil {
		return r.queue.Schedule(ctx, &domain.ScheduledReply{
			TenantID:  tenantID,
			ThreadID:  thread.ID,
			LeadID:    thread.LeadID,
			Channel:   thread.Channel,
			ThreadKey: thread.ThreadKey,
			Body:      body,
			SendAt:    time.Now().UTC().Add(delay),
		})
	}
	bg := context.WithoutCancel(ctx)
	time.AfterFunc(delay, func() {
		if err := r.deliver(bg, tenantID, thread, body); err != nil {
			logger.Error("auto-reply delivery failed", "thread", thread.ID, "error", err.Error())
		}
	})
	return nil
}

// Start scans the durable queue for due replies on an interval until
// Stop.
func (r *AutoResponder) Start(ctx context.Context, interval time.Duration) {
	go func() {
		defer close(r.doneCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.deliverDue(ctx)
			case <-r.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the scan loop.
func (r *AutoResponder) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *AutoResponder) deliverDue(ctx context.Context) {
	due, err := r.queue.ClaimDue(ctx, time.Now().UTC(), 50)
	if err != nil {
		logger.Error("scheduled reply scan failed", "error", err.Error())
		return
	}
	for _, s := range due {
		thread := &domain.Thread{
			ID:        s.ThreadID,
			TenantID:  s.TenantID,
			LeadID:    s.LeadID,
			Channel:   s.Channel,
			ThreadKey: s.ThreadKey,
		}
		if err := r.deliver(ctx, s.TenantID, thread, s.Body); err != nil {
			logger.Error("auto-reply delivery failed", "thread", s.ThreadID, "error", err.Error())
		}
	}
}

func (r *AutoResponder) deliver(ctx context.Context, tenantID string, thread *domain.Thread, body string) error {
	lead, err := r.leads.Get(ctx, thread.LeadID)
	if err != nil {
		return fmt.Errorf("load lead: %w", err)
	}

	driver, err := r.registry.For(thread.Channel)
	if err != nil {
		return err
	}

	resources, err := r.fleet.Candidates(ctx, domain.ResourceForChannel(thread.Channel), tenantID, 1)
	if err != nil {
		return fmt.Errorf("reply resource: %w", err)
	}
	if len(resources) == 0 {
		return fmt.Errorf("no %s resource for reply", domain.ResourceForChannel(thread.Channel))
	}

	address := lead.Email
	switch thread.Channel {
	case domain.ChannelSMS, domain.ChannelVoice:
		address = lead.Phone
	case domain.ChannelLinkedIn:
		address = lead.LinkedInURL
	}

	result := driver.Send(ctx, drivers.SendInput{
		TenantID:  tenantID,
		LeadID:    lead.ID,
		Resource:  resources[0],
		Address:   address,
		Content:   domain.ContentSnapshot{Body: body},
		ThreadKey: thread.ThreadKey,
		FollowUp:  true,
		Lead:      lead,
	})
	if result.Status != drivers.SendOK {
		return fmt.Errorf("reply send %s: %s", result.Status, result.Detail)
	}

	return r.threads.AppendMessage(ctx, &domain.Message{
		ThreadID:      thread.ID,
		Direction:     domain.DirectionOutbound,
		Content:       body,
		ProviderMsgID: result.ProviderMsgID,
		SentAt:        time.Now().UTC(),
	})
}

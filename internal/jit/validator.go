// Package jit is the authoritative pre-send admission gate. The batch
// query that feeds the scheduler is only an optimization; every send
// passes through Validate immediately before dispatch.
package jit

import (
	"context"
	"errors"
	"time"

	"github.com/agencyos/dispatch/internal/config"
	"github.com/agencyos/dispatch/internal/domain"
	"github.com/agencyos/dispatch/internal/metrics"
	"github.com/agencyos/dispatch/internal/resource"
	"github.com/agencyos/dispatch/internal/suppression"
)

// Decision is the gate's outcome. Allowed carries the reserved lease;
// the caller must either consume it (successful dispatch) or release it
// (failure before dispatch).
type Decision struct {
	Allowed bool
	Reason  domain.RejectReason
	Lease   *resource.Lease
}

func reject(reason domain.RejectReason) Decision {
	metrics.RejectsTotal.WithLabelValues(string(reason)).Inc()
	return Decision{Reason: reason}
}

// ActivityLog reads recent touch history. The activity log is the
// ground truth for gap and cooldown checks.
type ActivityLog interface {
	LastTouch(ctx context.Context, leadID string) (*time.Time, error)
	LastChannelTouch(ctx context.Context, leadID string, ch domain.Channel) (*time.Time, error)
}

// Suppressor is the suppression membership test.
type Suppressor interface {
	Check(ctx context.Context, p suppression.Probe, now time.Time) suppression.Verdict
}

// Pool reserves a sender resource for the send.
type Pool interface {
	Select(ctx context.Context, tenantID string, ch domain.Channel, now time.Time) (*resource.Lease, error)
}

// Candidate bundles everything the gate inspects for one send.
type Candidate struct {
	Assignment *domain.Assignment
	Tenant     *domain.Tenant
	Campaign   *domain.Campaign
	Lead       *domain.Lead
	Channel    domain.Channel
}

// Validator runs the ordered admission checks.
type Validator struct {
	activities ActivityLog
	suppressor Suppressor
	pool       Pool

	jitCfg     config.JITConfig
	scoringCfg config.ScoringConfig
}

// New creates a validator.
func New(activities ActivityLog, suppressor Suppressor, pool Pool,
	jitCfg config.JITConfig, scoringCfg config.ScoringConfig) *Validator {
	return &Validator{
		activities: activities,
		suppressor: suppressor,
		pool:       pool,
		jitCfg:     jitCfg,
		scoringCfg: scoringCfg,
	}
}

// Validate runs the checks in order, short-circuiting on the first
// reject. The checks are ordered cheapest-first; the rate ledger reserve
// runs last because it has a side effect.
func (v *Validator) Validate(ctx context.Context, c Candidate, now time.Time) (Decision, error) {
	// 1. Assignment local status.
	if !c.Assignment.Sendable() {
		return reject(domain.RejectStatusNotSendable), nil
	}

	// 2. Subscription.
	if !c.Tenant.Subscription.CanSend() {
		return reject(domain.RejectSubscriptionInactive), nil
	}

	// 3. Credits.
	if c.Tenant.CreditsRemaining <= 0 {
		return reject(domain.RejectNoCredits), nil
	}

	// 4. Campaign status.
	if c.Campaign.Status != domain.CampaignActive {
		return reject(domain.RejectCampaignInactive), nil
	}

	// 5. Permission mode.
	if c.Campaign.PermissionMode == domain.ModeManual || c.Tenant.PermissionMode == domain.ModeManual {
		return reject(domain.RejectManualMode), nil
	}

	// 6. Global lead flags.
	if c.Lead.Bounced {
		return reject(domain.RejectBouncedGlobally), nil
	}
	if c.Lead.Unsubscribed {
		return reject(domain.RejectUnsubscribedGlobally), nil
	}

	// 7. Suppression, re-checked at send time so a late-arriving entry
	// still blocks a lead already selected into the batch.
	verdict := v.suppressor.Check(ctx, suppression.Probe{
		TenantID: c.Tenant.ID,
		Email:    c.Lead.Email,
		Phone:    c.Lead.Phone,
	}, now)
	if verdict.Blocked {
		return reject(domain.SuppressionReject(verdict.Scope)), nil
	}

	// 8. Email deliverability verdict.
	if c.Channel == domain.ChannelEmail && c.Lead.EmailStatus == domain.EmailInvalid {
		return reject(domain.RejectEmailInvalid), nil
	}

	// 9. Minimum touch gap across all channels.
	lastTouch, err := v.activities.LastTouch(ctx, c.Lead.ID)
	if err != nil {
		return Decision{}, err
	}
	gap := time.Duration(v.jitCfg.MinTouchGapDays) * 24 * time.Hour
	if lastTouch != nil && now.Sub(*lastTouch) < gap {
		return reject(domain.RejectTooRecent), nil
	}

	// 10. Per-channel cooldown.
	lastOnChannel, err := v.activities.LastChannelTouch(ctx, c.Lead.ID, c.Channel)
	if err != nil {
		return Decision{}, err
	}
	cooldown := time.Duration(v.jitCfg.ChannelCooldownDays) * 24 * time.Hour
	if lastOnChannel != nil && now.Sub(*lastOnChannel) < cooldown {
		return reject(domain.RejectChannelCooldown), nil
	}

	// 11. Channel score gates.
	if c.Channel == domain.ChannelVoice && c.Assignment.Score < v.scoringCfg.VoiceMinALS {
		return reject(domain.RejectALSTooLow), nil
	}
	if c.Channel == domain.ChannelMail && c.Assignment.Score < v.scoringCfg.MailMinALS {
		return reject(domain.RejectALSTooLow), nil
	}

	// 13. Resource selection + rate ledger reserve. Reserve is the
	// serialization point between concurrent workers. The warmup gate
	// (12) needs the chosen resource, so it runs against the lease and
	// releases on reject.
	lease, err := v.pool.Select(ctx, c.Tenant.ID, c.Channel, now)
	if errors.Is(err, resource.ErrNoResource) {
		metrics.LedgerExhausted.WithLabelValues(string(domain.ResourceForChannel(c.Channel))).Inc()
		return reject(domain.RejectRateLimitChannel), nil
	}
	if err != nil {
		return Decision{}, err
	}

	// 12. Email warmup gate: young tenants may only send through
	// resources already past warming.
	if c.Channel == domain.ChannelEmail {
		warmup := time.Duration(v.jitCfg.EmailWarmupDays) * 24 * time.Hour
		tenantWarm := now.Sub(c.Tenant.OnboardedAt) >= warmup
		if !tenantWarm && lease.Resource.Health == domain.HealthWarming {
			if relErr := v.releaseLease(ctx, lease, now); relErr != nil {
				return Decision{}, relErr
			}
			return reject(domain.RejectWarmupNotReady), nil
		}
	}

	return Decision{Allowed: true, Lease: lease}, nil
}

// releaseLease returns a reservation taken during validation that the
// gate itself rejected.
func (v *Validator) releaseLease(ctx context.Context, lease *resource.Lease, now time.Time) error {
	type releaser interface {
		Release(ctx context.Context, lease *resource.Lease, now time.Time) error
	}
	if r, ok := v.pool.(releaser); ok {
		return r.Release(ctx, lease, now)
	}
	return nil
}

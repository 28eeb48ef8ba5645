// Package resource picks sender identities from the shared fleet and
// couples each pick to a rate-ledger reservation.
package resource

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agencyos/dispatch/internal/config"
	"github.com/agencyos/dispatch/internal/domain"
	"github.com/agencyos/dispatch/internal/rateledger"
)

// ErrNoResource is returned when no usable resource has quota left for
// the channel.
var ErrNoResource = errors.New("no resource with remaining quota")

// How many fleet rows a single pick will walk before giving up.
const candidateLimit = 10

// Repository is the fleet store the pool reads from.
type Repository interface {
	Candidates(ctx context.Context, rtype domain.ResourceType, tenantID string, limit int) ([]domain.Resource, error)
	MarkUsed(ctx context.Context, id string, at time.Time) error
}

// Ledger is the reservation side of the rate ledger.
type Ledger interface {
	TryReserve(ctx context.Context, key string, cap int, now time.Time) (*rateledger.Reservation, error)
	Release(ctx context.Context, r *rateledger.Reservation, now time.Time) error
}

// warmupRamp maps warmup day to the percentage of the full daily cap a
// warming resource may carry. Entries apply from their day until the
// next entry; past the warmup horizon the resource runs at 100%.
var warmupRamp = []struct {
	Day     int
	Percent int
}{
	{1, 10}, {3, 20}, {5, 35}, {7, 50},
	{9, 65}, {11, 80}, {13, 90},
}

// Pool selects the least recently used resource for a channel whose
// ledger still has quota. Selection and reservation are coupled: a
// returned Lease always carries a live reservation.
type Pool struct {
	repo       Repository
	ledger     Ledger
	caps       config.RateCapConfig
	warmupDays int
}

// NewPool creates a pool over a fleet repository and rate ledger.
func NewPool(repo Repository, ledger Ledger, caps config.RateCapConfig, warmupDays int) *Pool {
	return &Pool{repo: repo, ledger: ledger, caps: caps, warmupDays: warmupDays}
}

// Lease is a resource pick with its ledger reservation attached.
type Lease struct {
	Resource    domain.Resource
	Reservation *rateledger.Reservation
}

// Select walks the channel's candidate resources in least-recently-used
// order and returns the first one the ledger grants a reservation for.
// Returns ErrNoResource when every candidate is at cap.
func (p *Pool) Select(ctx context.Context, tenantID string, ch domain.Channel, now time.Time) (*Lease, error) {
	rtype := domain.ResourceForChannel(ch)
	candidates, err := p.repo.Candidates(ctx, rtype, tenantID, candidateLimit)
	if err != nil {
		return nil, fmt.Errorf("resource candidates: %w", err)
	}

	for i := range candidates {
		res := candidates[i]
		cap := p.effectiveCap(&res, ch, now)
		rsv, err := p.ledger.TryReserve(ctx, rateledger.KeyFor(&res, ch), cap, now)
		if err == rateledger.ErrExhausted {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reserve %s: %w", res.ID, err)
		}
		return &Lease{Resource: res, Reservation: rsv}, nil
	}
	return nil, ErrNoResource
}

// Commit records the dispatch on the fleet row. The reservation stands.
// Best-effort: a stale last_used_at only affects next-pick ordering.
func (p *Pool) Commit(ctx context.Context, lease *Lease, at time.Time) {
	_ = p.repo.MarkUsed(ctx, lease.Resource.ID, at)
}

// Release returns the lease's reservation to the ledger after a send
// failed before dispatch.
func (p *Pool) Release(ctx context.Context, lease *Lease, now time.Time) error {
	return p.ledger.Release(ctx, lease.Reservation, now)
}

// effectiveCap is the configured cap for the resource and channel,
// scaled down by the warmup ramp while the resource is still warming.
func (p *Pool) effectiveCap(res *domain.Resource, ch domain.Channel, now time.Time) int {
	cap := p.baseCap(res, ch)
	if res.Health != domain.HealthWarming || res.WarmupStartedAt == nil {
		return cap
	}

	day := int(now.Sub(*res.WarmupStartedAt).Hours()/24) + 1
	if day > p.warmupDays {
		return cap
	}
	pct := warmupRamp[0].Percent
	for _, entry := range warmupRamp {
		if day >= entry.Day {
			pct = entry.Percent
		}
	}
	ramped := cap * pct / 100
	if ramped < 1 {
		ramped = 1
	}
	return ramped
}

// baseCap resolves the full daily cap. A positive cap on the fleet row
// overrides the configured default; voice always uses the configured
// voice cap because the row cap on a phone number is its SMS budget.
func (p *Pool) baseCap(res *domain.Resource, ch domain.Channel) int {
	if ch == domain.ChannelVoice {
		return p.caps.VoiceNumber
	}
	if res.DailyCap > 0 {
		return res.DailyCap
	}
	switch res.Type {
	case domain.ResourcePhoneNumber:
		return p.caps.SMSNumber
	case domain.ResourceLinkedInSeat:
		return p.caps.LinkedInSeat
	case domain.ResourceMailSender:
		return p.caps.MailSender
	default:
		return p.caps.EmailDomain
	}
}

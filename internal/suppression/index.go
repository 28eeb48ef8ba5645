package suppression

import (
	"context"
	"strings"
	"time"

	"github.com/agencyos/dispatch/internal/domain"
	"github.com/agencyos/dispatch/internal/metrics"
	"github.com/agencyos/dispatch/internal/pkg/logger"
)

// Verdict is the result of an index check.
type Verdict struct {
	Blocked bool
	Scope   domain.SuppressionScope
	Reason  domain.SuppressionReason
}

// Probe carries the identities to test for one lead. Empty fields are
// skipped.
type Probe struct {
	TenantID string
	Email    string
	Phone    string
}

// Index is the authoritative suppression membership test. Namespaces are
// checked global → tenant → domain; the first hit wins.
//
// A lookup error never silently allows a send: the verdict fails closed
// as blocked, and an operational alert is recorded.
type Index struct {
	repo   Repository
	engine *Engine
}

// NewIndex creates an index over the given repository with an empty
// replica. Call Refresh before serving traffic.
func NewIndex(repo Repository) *Index {
	return &Index{repo: repo, engine: NewEngine()}
}

// Refresh reloads the in-memory replica from the repository.
func (x *Index) Refresh(ctx context.Context, now time.Time) error {
	hashes, err := x.repo.ActiveHashes(ctx, now)
	if err != nil {
		return err
	}
	x.engine.Reload(hashes)
	logger.Info("suppression replica refreshed", "entries", len(hashes))
	return nil
}

type namespacedKey struct {
	scope  domain.SuppressionScope
	tenant string
	key    string
}

// probes enumerates (scope, tenant, key) triples in check order.
func (p Probe) probes() []namespacedKey {
	var out []namespacedKey
	add := func(scope domain.SuppressionScope, tenant, key string) {
		if key != "" {
			out = append(out, namespacedKey{scope, tenant, key})
		}
	}

	add(domain.ScopeGlobal, "", p.Email)
	add(domain.ScopeGlobal, "", p.Phone)
	add(domain.ScopeTenant, p.TenantID, p.Email)
	add(domain.ScopeTenant, p.TenantID, p.Phone)
	add(domain.ScopeDomain, "", emailDomain(p.Email))
	return out
}

// Check tests every namespace for the probe. Failed reads block.
func (x *Index) Check(ctx context.Context, p Probe, now time.Time) Verdict {
	for _, pr := range p.probes() {
		h := HashKey(string(pr.scope), pr.tenant, pr.key)
		if !x.engine.Contains(h) {
			continue
		}

		// Bloom positive; confirm against the repository.
		entry, err := x.repo.Lookup(ctx, pr.scope, pr.tenant, strings.ToLower(strings.TrimSpace(pr.key)), now)
		if err != nil {
			metrics.SuppressionLookupErrors.Inc()
			logger.Error("suppression lookup failed, failing closed",
				"scope", string(pr.scope), "key", pr.key, "error", err.Error())
			return Verdict{Blocked: true, Scope: pr.scope, Reason: domain.ReasonDoNotContact}
		}
		if entry != nil {
			return Verdict{Blocked: true, Scope: entry.Scope, Reason: entry.Reason}
		}
	}
	return Verdict{}
}

// Suppress writes an entry and registers it in the replica immediately.
func (x *Index) Suppress(ctx context.Context, s *domain.Suppression) error {
	s.Key = strings.ToLower(strings.TrimSpace(s.Key))
	if err := x.repo.Upsert(ctx, s); err != nil {
		return err
	}
	x.engine.Add(HashKey(string(s.Scope), s.TenantID, s.Key))
	return nil
}

// SuppressPhone records a phone number as unreachable platform-wide.
// Drivers call this on a Do Not Call Register hit.
func (x *Index) SuppressPhone(ctx context.Context, phone string, reason domain.SuppressionReason) error {
	return x.Suppress(ctx, &domain.Suppression{
		Scope:   domain.ScopeGlobal,
		KeyKind: domain.KeyPhone,
		Key:     phone,
		Reason:  reason,
	})
}

// Remove soft-deletes an entry. The replica keeps a stale positive until
// the next refresh; the authoritative lookup corrects it on every check.
func (x *Index) Remove(ctx context.Context, scope domain.SuppressionScope, tenantID, key string) error {
	return x.repo.Remove(ctx, scope, tenantID, strings.ToLower(strings.TrimSpace(key)))
}

func emailDomain(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 || at == len(email)-1 {
		return ""
	}
	return email[at+1:]
}

package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/agencyos/dispatch/internal/domain"
)

// ResourceRepo owns the shared sender-identity fleet table.
type ResourceRepo struct{ db *sql.DB }

// NewResourceRepo creates a Postgres-backed resource repository.
func NewResourceRepo(db *sql.DB) *ResourceRepo { return &ResourceRepo{db: db} }

const resourceColumns = `id, type, provider_id, identity, health, daily_cap,
	COALESCE(leased_to_tenant,''), last_used_at, usage_count, warmup_started_at,
	created_at, updated_at, deleted_at`

func scanResource(row interface{ Scan(...interface{}) error }) (*domain.Resource, error) {
	res := &domain.Resource{}
	err := row.Scan(
		&res.ID, &res.Type, &res.ProviderID, &res.Identity, &res.Health, &res.DailyCap,
		&res.LeasedToTenant, &res.LastUsedAt, &res.UsageCount, &res.WarmupStartedAt,
		&res.CreatedAt, &res.UpdatedAt, &res.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Candidates returns usable resources for a channel's type in pick
// order: least recently used first, never-used before everything, ties
// broken by id. The pool walks this list until the rate ledger grants a
// reservation.
func (r *ResourceRepo) Candidates(ctx context.Context, rtype domain.ResourceType, tenantID string, limit int) ([]domain.Resource, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+resourceColumns+` FROM resources
		WHERE deleted_at IS NULL
		  AND type = $1
		  AND health IN ('warming','healthy')
		  AND (leased_to_tenant IS NULL OR leased_to_tenant = $2)
		ORDER BY last_used_at ASC NULLS FIRST, id
		LIMIT $3
	`, rtype, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("resource candidates: %w", err)
	}
	defer rows.Close()

	var out []domain.Resource
	for rows.Next() {
		res, err := scanResource(rows)
		if err != nil {
			return nil, fmt.Errorf("scan resource: %w", err)
		}
		out = append(out, *res)
	}
	return out, rows.Err()
}

// MarkUsed records a dispatch on the resource. Best-effort: a write
// that is a few seconds stale only affects next-pick ordering.
func (r *ResourceRepo) MarkUsed(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE resources
		SET last_used_at = $2, usage_count = usage_count + 1, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
	`, id, at)
	if err != nil {
		return fmt.Errorf("mark resource used: %w", err)
	}
	return nil
}

// SetHealth transitions a resource's health state. Degraded resources
// stop receiving sends; quarantined is terminal.
func (r *ResourceRepo) SetHealth(ctx context.Context, id string, health domain.ResourceHealth) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE resources SET health = $2, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL AND health != 'quarantined'
	`, id, health)
	if err != nil {
		return fmt.Errorf("set resource health: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GraduateWarmed promotes warming resources past the warmup horizon to
// healthy. Returns the number graduated.
func (r *ResourceRepo) GraduateWarmed(ctx context.Context, before time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE resources SET health = 'healthy', updated_at = NOW()
		WHERE deleted_at IS NULL AND health = 'warming'
		  AND warmup_started_at IS NOT NULL AND warmup_started_at < $1
	`, before)
	if err != nil {
		return 0, fmt.Errorf("graduate warmed: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

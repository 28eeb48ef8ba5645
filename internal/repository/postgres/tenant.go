package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/agencyos/dispatch/internal/domain"
)

// TenantRepo owns the tenants table.
type TenantRepo struct{ db *sql.DB }

// NewTenantRepo creates a Postgres-backed tenant repository.
func NewTenantRepo(db *sql.DB) *TenantRepo { return &TenantRepo{db: db} }

const tenantColumns = `id, name, tier, subscription, credits_remaining,
	permission_mode, icp, timezone, webhook_url, onboarded_at, paused,
	created_at, updated_at, deleted_at`

func scanTenant(row interface{ Scan(...interface{}) error }) (*domain.Tenant, error) {
	t := &domain.Tenant{}
	var icp []byte
	var webhook sql.NullString
	err := row.Scan(
		&t.ID, &t.Name, &t.Tier, &t.Subscription, &t.CreditsRemaining,
		&t.PermissionMode, &icp, &t.Timezone, &webhook, &t.OnboardedAt, &t.Paused,
		&t.CreatedAt, &t.UpdatedAt, &t.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	t.WebhookURL = webhook.String
	if len(icp) > 0 {
		json.Unmarshal(icp, &t.ICP)
	}
	return t, nil
}

// Get returns a tenant by id.
func (r *TenantRepo) Get(ctx context.Context, id string) (*domain.Tenant, error) {
	t, err := scanTenant(r.db.QueryRowContext(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE id = $1 AND deleted_at IS NULL`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant: %w", err)
	}
	return t, nil
}

// ListSendable returns tenants eligible for scheduling: subscribed,
// funded, not operator-paused.
func (r *TenantRepo) ListSendable(ctx context.Context) ([]domain.Tenant, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+tenantColumns+` FROM tenants
		WHERE deleted_at IS NULL
		  AND subscription IN ('active','trialing')
		  AND credits_remaining > 0
		  AND paused = false
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list sendable tenants: %w", err)
	}
	defer rows.Close()

	var out []domain.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// ConsumeCredit atomically decrements one credit, never below zero.
// Returns ErrNotFound when the tenant has no credits left.
func (r *TenantRepo) ConsumeCredit(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE tenants SET credits_remaining = credits_remaining - 1, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL AND credits_remaining > 0
	`, id)
	if err != nil {
		return fmt.Errorf("consume credit: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetPaused toggles the operator pause for a tenant.
func (r *TenantRepo) SetPaused(ctx context.Context, id string, paused bool) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE tenants SET paused = $2, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
	`, id, paused)
	if err != nil {
		return fmt.Errorf("set tenant paused: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

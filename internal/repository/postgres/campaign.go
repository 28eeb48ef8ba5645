package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/agencyos/dispatch/internal/domain"
)

// CampaignRepo owns the campaigns table.
type CampaignRepo struct{ db *sql.DB }

// NewCampaignRepo creates a Postgres-backed campaign repository.
func NewCampaignRepo(db *sql.DB) *CampaignRepo { return &CampaignRepo{db: db} }

const campaignColumns = `id, tenant_id, name, status, permission_mode,
	lead_quota, channel_mix, sequence, window_start_hour, window_end_hour,
	created_at, updated_at, deleted_at`

func scanCampaign(row interface{ Scan(...interface{}) error }) (*domain.Campaign, error) {
	c := &domain.Campaign{}
	var mix, seq []byte
	err := row.Scan(
		&c.ID, &c.TenantID, &c.Name, &c.Status, &c.PermissionMode,
		&c.LeadQuota, &mix, &seq, &c.WindowStartHour, &c.WindowEndHour,
		&c.CreatedAt, &c.UpdatedAt, &c.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(mix) > 0 {
		json.Unmarshal(mix, &c.ChannelMix)
	}
	if len(seq) > 0 {
		json.Unmarshal(seq, &c.Sequence)
	}
	return c, nil
}

// Get returns a campaign by id.
func (r *CampaignRepo) Get(ctx context.Context, id string) (*domain.Campaign, error) {
	c, err := scanCampaign(r.db.QueryRowContext(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE id = $1 AND deleted_at IS NULL`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	return c, nil
}

// FirstActiveByTenant returns the tenant's oldest active campaign, the
// one new allocations attach to. ErrNotFound when no campaign is active.
func (r *CampaignRepo) FirstActiveByTenant(ctx context.Context, tenantID string) (*domain.Campaign, error) {
	c, err := scanCampaign(r.db.QueryRowContext(ctx, `
		SELECT `+campaignColumns+` FROM campaigns
		WHERE tenant_id = $1 AND status = 'active' AND deleted_at IS NULL
		ORDER BY created_at
		LIMIT 1
	`, tenantID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("active campaign: %w", err)
	}
	return c, nil
}

// UpdateStatus transitions a campaign's lifecycle status.
func (r *CampaignRepo) UpdateStatus(ctx context.Context, id string, status domain.CampaignStatus) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE campaigns SET status = $2, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
	`, id, status)
	if err != nil {
		return fmt.Errorf("update campaign status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

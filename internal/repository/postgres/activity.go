package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agencyos/dispatch/internal/domain"
	"github.com/agencyos/dispatch/internal/pkg/ids"
)

// ActivityRepo owns the append-only activities table. There is no update
// or delete path anywhere in this repo; the activity log is the ground
// truth for cooldown and rate-cap checks.
type ActivityRepo struct{ db *sql.DB }

// NewActivityRepo creates a Postgres-backed activity repository.
func NewActivityRepo(db *sql.DB) *ActivityRepo { return &ActivityRepo{db: db} }

// Append records one activity event.
func (r *ActivityRepo) Append(ctx context.Context, a *domain.Activity) error {
	if a.ID == "" {
		a.ID = ids.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	content, _ := json.Marshal(a.Content)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO activities
			(id, tenant_id, lead_id, assignment_id, campaign_id, resource_id,
			 channel, action, reason, provider_msg_id, content, sequence_step,
			 created_at)
		VALUES ($1, $2, $3, NULLIF($4,''), NULLIF($5,''), NULLIF($6,''),
			$7, $8, NULLIF($9,''), NULLIF($10,''), $11, $12, $13)
	`, a.ID, a.TenantID, a.LeadID, a.AssignmentID, a.CampaignID, a.ResourceID,
		a.Channel, a.Action, a.Reason, a.ProviderMsgID, content, a.SequenceStep,
		a.CreatedAt)
	if err != nil {
		return fmt.Errorf("append activity: %w", err)
	}
	return nil
}

// LastTouch returns the timestamp of the most recent send to a lead on
// any channel, or nil when the lead has never been touched.
func (r *ActivityRepo) LastTouch(ctx context.Context, leadID string) (*time.Time, error) {
	var ts time.Time
	err := r.db.QueryRowContext(ctx, `
		SELECT created_at FROM activities
		WHERE lead_id = $1 AND action = 'sent'
		ORDER BY created_at DESC
		LIMIT 1
	`, leadID).Scan(&ts)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last touch: %w", err)
	}
	return &ts, nil
}

// LastChannelTouch returns the timestamp of the most recent send to a
// lead on one channel, or nil.
func (r *ActivityRepo) LastChannelTouch(ctx context.Context, leadID string, ch domain.Channel) (*time.Time, error) {
	var ts time.Time
	err := r.db.QueryRowContext(ctx, `
		SELECT created_at FROM activities
		WHERE lead_id = $1 AND channel = $2 AND action = 'sent'
		ORDER BY created_at DESC
		LIMIT 1
	`, leadID, ch).Scan(&ts)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last channel touch: %w", err)
	}
	return &ts, nil
}

// MarkProviderMessage records a provider message id as ingested. Returns
// false when another worker got there first.
func (r *ActivityRepo) MarkProviderMessage(ctx context.Context, providerMsgID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO inbound_dedup (provider_msg_id, created_at)
		VALUES ($1, NOW())
		ON CONFLICT DO NOTHING
	`, providerMsgID)
	if err != nil {
		return false, fmt.Errorf("mark provider message: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SentForOutcomes returns sent activities joined with content snapshots
// for a tenant over a window, the detector input set.
func (r *ActivityRepo) SentForOutcomes(ctx context.Context, tenantID string, since time.Time) ([]domain.Activity, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, tenant_id, lead_id, COALESCE(assignment_id,''),
		       COALESCE(campaign_id,''), COALESCE(resource_id,''),
		       channel, action, COALESCE(reason,''),
		       COALESCE(provider_msg_id,''), content, sequence_step, created_at
		FROM activities
		WHERE tenant_id = $1 AND created_at >= $2
		  AND action IN ('sent','replied','bounced')
		ORDER BY created_at
	`, tenantID, since)
	if err != nil {
		return nil, fmt.Errorf("sent for outcomes: %w", err)
	}
	defer rows.Close()

	var out []domain.Activity
	for rows.Next() {
		var a domain.Activity
		var content []byte
		if err := rows.Scan(
			&a.ID, &a.TenantID, &a.LeadID, &a.AssignmentID,
			&a.CampaignID, &a.ResourceID,
			&a.Channel, &a.Action, &a.Reason,
			&a.ProviderMsgID, &content, &a.SequenceStep, &a.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		if len(content) > 0 {
			json.Unmarshal(content, &a.Content)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/agencyos/dispatch/internal/domain"
	"github.com/agencyos/dispatch/internal/pkg/ids"
)

// MeetingRepo owns meeting creation plus the webhook push log.
type MeetingRepo struct{ db *sql.DB }

// NewMeetingRepo creates a Postgres-backed meeting repository.
func NewMeetingRepo(db *sql.DB) *MeetingRepo { return &MeetingRepo{db: db} }

// Create inserts a meeting row.
func (r *MeetingRepo) Create(ctx context.Context, m *domain.Meeting) error {
	if m.ID == "" {
		m.ID = ids.New()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO meetings
			(id, tenant_id, lead_id, campaign_id, scheduled_at,
			 duration_minutes, meeting_type, meeting_link, created_at, updated_at)
		VALUES ($1, $2, $3, NULLIF($4,''), $5, $6, $7, NULLIF($8,''), NOW(), NOW())
	`, m.ID, m.TenantID, m.LeadID, m.CampaignID, m.ScheduledAt,
		m.DurationMinutes, m.MeetingType, m.MeetingLink)
	if err != nil {
		return fmt.Errorf("create meeting: %w", err)
	}
	return nil
}

// LogPush records one outbound webhook delivery attempt.
func (r *MeetingRepo) LogPush(ctx context.Context, tenantID, meetingID, endpoint string, success bool, detail string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO webhook_push_log
			(id, tenant_id, meeting_id, endpoint, success, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6,''), NOW())
	`, ids.New(), tenantID, meetingID, endpoint, success, detail)
	if err != nil {
		return fmt.Errorf("log webhook push: %w", err)
	}
	return nil
}

// ConsecutiveFailures counts delivery failures for a tenant's endpoint
// since its last success. Used to mark the endpoint degraded.
func (r *MeetingRepo) ConsecutiveFailures(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM webhook_push_log
		WHERE tenant_id = $1 AND success = false
		  AND created_at > COALESCE(
			(SELECT MAX(created_at) FROM webhook_push_log
			 WHERE tenant_id = $1 AND success = true),
			'-infinity'::timestamptz)
	`, tenantID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("consecutive push failures: %w", err)
	}
	return n, nil
}

// PendingRetries returns recent failed pushes for the retry worker.
func (r *MeetingRepo) PendingRetries(ctx context.Context, since time.Time, limit int) ([]PushAttempt, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT ON (meeting_id) meeting_id, tenant_id, endpoint
		FROM webhook_push_log
		WHERE created_at >= $1 AND success = false
		  AND meeting_id NOT IN (
			SELECT meeting_id FROM webhook_push_log WHERE success = true)
		ORDER BY meeting_id, created_at DESC
		LIMIT $2
	`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("pending push retries: %w", err)
	}
	defer rows.Close()

	var out []PushAttempt
	for rows.Next() {
		var p PushAttempt
		if err := rows.Scan(&p.MeetingID, &p.TenantID, &p.Endpoint); err != nil {
			return nil, fmt.Errorf("scan push attempt: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PushAttempt identifies one meeting webhook still awaiting delivery.
type PushAttempt struct {
	MeetingID string
	TenantID  string
	Endpoint  string
}

// GetMeeting returns a meeting by id.
func (r *MeetingRepo) GetMeeting(ctx context.Context, id string) (*domain.Meeting, error) {
	m := &domain.Meeting{}
	var campaign, link sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, lead_id, campaign_id, scheduled_at,
		       duration_minutes, meeting_type, meeting_link,
		       created_at, updated_at, deleted_at
		FROM meetings WHERE id = $1 AND deleted_at IS NULL
	`, id).Scan(&m.ID, &m.TenantID, &m.LeadID, &campaign, &m.ScheduledAt,
		&m.DurationMinutes, &m.MeetingType, &link,
		&m.CreatedAt, &m.UpdatedAt, &m.DeletedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get meeting: %w", err)
	}
	m.CampaignID = campaign.String
	m.MeetingLink = link.String
	return m, nil
}

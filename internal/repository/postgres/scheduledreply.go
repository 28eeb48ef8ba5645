package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/agencyos/dispatch/internal/domain"
	"github.com/agencyos/dispatch/internal/pkg/ids"
)

// ScheduledReplyRepo owns the durable queue of delayed automated
// replies.
type ScheduledReplyRepo struct{ db *sql.DB }

// NewScheduledReplyRepo creates a Postgres-backed reply queue.
func NewScheduledReplyRepo(db *sql.DB) *ScheduledReplyRepo {
	return &ScheduledReplyRepo{db: db}
}

// Schedule persists one pending reply.
func (r *ScheduledReplyRepo) Schedule(ctx context.Context, s *domain.ScheduledReply) error {
	if s.ID == "" {
		s.ID = ids.New()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO scheduled_replies
			(id, tenant_id, thread_id, lead_id, channel, thread_key, body, send_at, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6,''), $7, $8, NOW())
	`, s.ID, s.TenantID, s.ThreadID, s.LeadID, s.Channel, s.ThreadKey, s.Body, s.SendAt)
	if err != nil {
		return fmt.Errorf("schedule reply: %w", err)
	}
	return nil
}

// ClaimDue marks up to limit due replies as sent and returns them.
// SKIP LOCKED keeps concurrent scanners off the same rows; a claimed
// reply whose delivery fails is logged, not re-queued.
func (r *ScheduledReplyRepo) ClaimDue(ctx context.Context, now time.Time, limit int) ([]domain.ScheduledReply, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE scheduled_replies SET sent_at = $1
		WHERE id IN (
			SELECT id FROM scheduled_replies
			WHERE sent_at IS NULL AND send_at <= $1
			ORDER BY send_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, tenant_id, thread_id, lead_id, channel, COALESCE(thread_key,''), body, send_at
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due replies: %w", err)
	}
	defer rows.Close()

	var due []domain.ScheduledReply
	for rows.Next() {
		var s domain.ScheduledReply
		if err := rows.Scan(&s.ID, &s.TenantID, &s.ThreadID, &s.LeadID,
			&s.Channel, &s.ThreadKey, &s.Body, &s.SendAt); err != nil {
			return nil, fmt.Errorf("scan due reply: %w", err)
		}
		due = append(due, s)
	}
	return due, rows.Err()
}

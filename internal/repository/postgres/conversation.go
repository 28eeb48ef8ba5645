package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/agencyos/dispatch/internal/domain"
	"github.com/agencyos/dispatch/internal/pkg/ids"
)

// ConversationRepo owns conversation threads and their ordered messages.
type ConversationRepo struct{ db *sql.DB }

// NewConversationRepo creates a Postgres-backed conversation repository.
func NewConversationRepo(db *sql.DB) *ConversationRepo { return &ConversationRepo{db: db} }

// GetOrCreateThread returns the active thread for (lead, channel),
// creating it when absent. One active thread per pair.
func (r *ConversationRepo) GetOrCreateThread(ctx context.Context, tenantID, leadID string, ch domain.Channel, threadKey string) (*domain.Thread, error) {
	t := &domain.Thread{}
	var key sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, lead_id, channel, thread_key, created_at, updated_at, deleted_at
		FROM conversation_threads
		WHERE lead_id = $1 AND channel = $2 AND deleted_at IS NULL
	`, leadID, ch).Scan(&t.ID, &t.TenantID, &t.LeadID, &t.Channel, &key, &t.CreatedAt, &t.UpdatedAt, &t.DeletedAt)
	if err == nil {
		t.ThreadKey = key.String
		return t, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("get thread: %w", err)
	}

	t = &domain.Thread{
		ID:        ids.New(),
		TenantID:  tenantID,
		LeadID:    leadID,
		Channel:   ch,
		ThreadKey: threadKey,
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO conversation_threads (id, tenant_id, lead_id, channel, thread_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NULLIF($5,''), NOW(), NOW())
	`, t.ID, t.TenantID, t.LeadID, t.Channel, t.ThreadKey)
	if err != nil {
		if isUniqueViolation(err) {
			// Lost a create race; read the winner.
			return r.GetOrCreateThread(ctx, tenantID, leadID, ch, threadKey)
		}
		return nil, fmt.Errorf("create thread: %w", err)
	}
	return t, nil
}

// AppendMessage adds one message to a thread.
func (r *ConversationRepo) AppendMessage(ctx context.Context, m *domain.Message) error {
	if m.ID == "" {
		m.ID = ids.New()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO conversation_messages
			(id, thread_id, direction, content, subject, provider_msg_id, sent_at, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5,''), NULLIF($6,''), $7, NOW())
	`, m.ID, m.ThreadID, m.Direction, m.Content, m.Subject, m.ProviderMsgID, m.SentAt)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// Messages returns a thread's messages in send order.
func (r *ConversationRepo) Messages(ctx context.Context, threadID string) ([]domain.Message, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, thread_id, direction, content, COALESCE(subject,''),
		       COALESCE(provider_msg_id,''), sent_at, created_at
		FROM conversation_messages
		WHERE thread_id = $1
		ORDER BY sent_at, created_at
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("thread messages: %w", err)
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.Direction, &m.Content,
			&m.Subject, &m.ProviderMsgID, &m.SentAt, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

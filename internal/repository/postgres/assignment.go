package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/agencyos/dispatch/internal/domain"
	"github.com/agencyos/dispatch/internal/pkg/ids"
)

// AssignmentRepo owns the lead↔tenant assignment table. The partial
// unique index on (lead_id) WHERE deleted_at IS NULL is the exclusivity
// guarantee; this repo only translates its violation into ErrLeadTaken.
type AssignmentRepo struct{ db *sql.DB }

// NewAssignmentRepo creates a Postgres-backed assignment repository.
func NewAssignmentRepo(db *sql.DB) *AssignmentRepo { return &AssignmentRepo{db: db} }

const assignmentColumns = `id, tenant_id, lead_id, campaign_id, status,
	sequence_step, score, last_touched_at, last_channel, retry_count,
	resume_at, followup_armed, hooks, openers,
	created_at, updated_at, deleted_at`

func scanAssignment(row interface{ Scan(...interface{}) error }) (*domain.Assignment, error) {
	a := &domain.Assignment{}
	var campaign, lastChannel sql.NullString
	var hooks, openers []byte
	err := row.Scan(
		&a.ID, &a.TenantID, &a.LeadID, &campaign, &a.Status,
		&a.SequenceStep, &a.Score, &a.LastTouchedAt, &lastChannel, &a.RetryCount,
		&a.ResumeAt, &a.FollowupArmed, &hooks, &openers,
		&a.CreatedAt, &a.UpdatedAt, &a.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	a.CampaignID = campaign.String
	a.LastChannel = domain.Channel(lastChannel.String)
	if len(hooks) > 0 {
		json.Unmarshal(hooks, &a.Hooks)
	}
	if len(openers) > 0 {
		json.Unmarshal(openers, &a.Openers)
	}
	return a, nil
}

// Create inserts a new assignment. Returns ErrLeadTaken when the lead
// already has an active assignment (any tenant).
func (r *AssignmentRepo) Create(ctx context.Context, a *domain.Assignment) error {
	if a.ID == "" {
		a.ID = ids.New()
	}
	if a.Status == "" {
		a.Status = domain.AssignmentNew
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO assignments
			(id, tenant_id, lead_id, campaign_id, status, sequence_step,
			 score, created_at, updated_at)
		VALUES ($1, $2, $3, NULLIF($4,''), $5, $6, $7, NOW(), NOW())
	`, a.ID, a.TenantID, a.LeadID, a.CampaignID, a.Status, a.SequenceStep, a.Score)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrLeadTaken
		}
		return fmt.Errorf("create assignment: %w", err)
	}
	return nil
}

// Get returns an assignment by id.
func (r *AssignmentRepo) Get(ctx context.Context, id string) (*domain.Assignment, error) {
	a, err := scanAssignment(r.db.QueryRowContext(ctx,
		`SELECT `+assignmentColumns+` FROM assignments WHERE id = $1 AND deleted_at IS NULL`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get assignment: %w", err)
	}
	return a, nil
}

// ActiveByLead returns the lead's active assignment, or ErrNotFound.
func (r *AssignmentRepo) ActiveByLead(ctx context.Context, leadID string) (*domain.Assignment, error) {
	a, err := scanAssignment(r.db.QueryRowContext(ctx,
		`SELECT `+assignmentColumns+` FROM assignments WHERE lead_id = $1 AND deleted_at IS NULL`, leadID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("active assignment by lead: %w", err)
	}
	return a, nil
}

// UpdateStatus transitions an assignment's local status.
func (r *AssignmentRepo) UpdateStatus(ctx context.Context, id string, status domain.AssignmentStatus) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE assignments SET status = $2, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
	`, id, status)
	if err != nil {
		return fmt.Errorf("update assignment status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// PauseUntil pauses the sequence until the given time (out-of-office).
func (r *AssignmentRepo) PauseUntil(ctx context.Context, id string, resumeAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE assignments SET status = $2, resume_at = $3, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
	`, id, domain.AssignmentOutOfOffice, resumeAt)
	if err != nil {
		return fmt.Errorf("pause assignment: %w", err)
	}
	return nil
}

// RecordSend advances the sequence after a successful dispatch: step+1,
// last touch bookkeeping, retry counter reset.
func (r *AssignmentRepo) RecordSend(ctx context.Context, id string, ch domain.Channel, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE assignments
		SET sequence_step = sequence_step + 1, last_touched_at = $2,
		    last_channel = $3, retry_count = 0, followup_armed = false,
		    updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
	`, id, at, ch)
	if err != nil {
		return fmt.Errorf("record send: %w", err)
	}
	return nil
}

// SetScore stores the ALS output for an assignment.
func (r *AssignmentRepo) SetScore(ctx context.Context, id string, score int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE assignments SET score = $2, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
	`, id, score)
	if err != nil {
		return fmt.Errorf("set score: %w", err)
	}
	return nil
}

// Release ends an assignment with a terminal status. The row is
// soft-deleted so the lead returns to allocation eligibility.
func (r *AssignmentRepo) Release(ctx context.Context, id string, status domain.AssignmentStatus) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE assignments SET status = $2, deleted_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
	`, id, status)
	if err != nil {
		return fmt.Errorf("release assignment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DueCandidates returns sendable assignments for one scheduler run: in
// sequence, due by wait-days, tenant subscribed and funded, campaign
// active. This is a cheap pre-filter; the JIT validator is authoritative
// and re-checks everything at send time.
func (r *AssignmentRepo) DueCandidates(ctx context.Context, now time.Time, limit int) ([]domain.Assignment, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+prefixColumns("a", assignmentColumns)+`
		FROM assignments a
		JOIN tenants t ON t.id = a.tenant_id AND t.deleted_at IS NULL
		JOIN campaigns c ON c.id = a.campaign_id AND c.deleted_at IS NULL
		WHERE a.deleted_at IS NULL
		  AND (a.status = 'in_sequence' OR (a.status = 'replied' AND a.followup_armed))
		  AND (a.resume_at IS NULL OR a.resume_at <= $1)
		  AND t.subscription IN ('active','trialing')
		  AND t.credits_remaining > 0
		  AND t.paused = false
		  AND c.status = 'active'
		ORDER BY a.last_touched_at ASC NULLS FIRST, a.id
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("due candidates: %w", err)
	}
	defer rows.Close()

	var out []domain.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// ResumeDue flips paused out-of-office assignments whose resume time has
// passed back to in_sequence.
func (r *AssignmentRepo) ResumeDue(ctx context.Context, now time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE assignments SET status = 'in_sequence', resume_at = NULL, updated_at = NOW()
		WHERE deleted_at IS NULL AND status = 'out_of_office'
		  AND resume_at IS NOT NULL AND resume_at <= $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("resume due: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// CountActivePipeline counts assignments in the tenant's active pipeline
// (new, enriched, in_sequence, replied) for replenishment math.
func (r *AssignmentRepo) CountActivePipeline(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM assignments
		WHERE tenant_id = $1 AND deleted_at IS NULL
		  AND status IN ('new','enriched','in_sequence','replied')
	`, tenantID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pipeline: %w", err)
	}
	return n, nil
}

// OutcomeRow pairs one finished assignment with the lead it was for.
// The detectors consume these; nothing else reads them.
type OutcomeRow struct {
	Status       domain.AssignmentStatus
	SequenceStep int
	LastChannel  domain.Channel
	EndedAt      time.Time
	Lead         domain.Lead
}

// TerminalOutcomes returns released assignments for a tenant since the
// given time, joined with lead firmographics. In-progress assignments
// never appear: release soft-deletes the row.
func (r *AssignmentRepo) TerminalOutcomes(ctx context.Context, tenantID string, since time.Time) ([]OutcomeRow, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT a.status, a.sequence_step, COALESCE(a.last_channel,''), a.updated_at,
		       l.id, l.title, l.bounced, l.unsubscribed, l.firmographics
		FROM assignments a
		JOIN lead_pool l ON l.id = a.lead_id
		WHERE a.tenant_id = $1 AND a.deleted_at IS NOT NULL
		  AND a.updated_at >= $2
		ORDER BY a.updated_at
	`, tenantID, since)
	if err != nil {
		return nil, fmt.Errorf("terminal outcomes: %w", err)
	}
	defer rows.Close()

	var out []OutcomeRow
	for rows.Next() {
		var o OutcomeRow
		var lastChannel sql.NullString
		var title sql.NullString
		var firmo []byte
		if err := rows.Scan(
			&o.Status, &o.SequenceStep, &lastChannel, &o.EndedAt,
			&o.Lead.ID, &title, &o.Lead.Bounced, &o.Lead.Unsubscribed, &firmo,
		); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		o.LastChannel = domain.Channel(lastChannel.String)
		o.Lead.Title = title.String
		if len(firmo) > 0 {
			json.Unmarshal(firmo, &o.Lead.Firmographics)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// prefixColumns qualifies a comma-separated column list with a table
// alias for join queries.
func prefixColumns(alias, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

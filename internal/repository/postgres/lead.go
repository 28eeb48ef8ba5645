// Package postgres implements the dispatch repositories against
// PostgreSQL using database/sql and lib/pq. Engines never open their own
// transactions; callers inject the handle and compose repos as needed.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/agencyos/dispatch/internal/domain"
	"github.com/agencyos/dispatch/internal/pkg/ids"
)

// LeadRepo owns the master lead pool table.
type LeadRepo struct{ db *sql.DB }

// NewLeadRepo creates a Postgres-backed lead repository.
func NewLeadRepo(db *sql.DB) *LeadRepo { return &LeadRepo{db: db} }

const leadColumns = `id, email, email_status, phone, linkedin_url, external_id,
	first_name, last_name, title, firmographics, provenance,
	bounced, unsubscribed, phone_opt_out, invalid,
	created_at, updated_at, deleted_at`

func scanLead(row interface{ Scan(...interface{}) error }) (*domain.Lead, error) {
	l := &domain.Lead{}
	var firmo, prov []byte
	var phone, linkedin, external, title sql.NullString
	err := row.Scan(
		&l.ID, &l.Email, &l.EmailStatus, &phone, &linkedin, &external,
		&l.FirstName, &l.LastName, &title, &firmo, &prov,
		&l.Bounced, &l.Unsubscribed, &l.PhoneOptOut, &l.Invalid,
		&l.CreatedAt, &l.UpdatedAt, &l.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	l.Phone = phone.String
	l.LinkedInURL = linkedin.String
	l.ExternalID = external.String
	l.Title = title.String
	if len(firmo) > 0 {
		json.Unmarshal(firmo, &l.Firmographics)
	}
	if len(prov) > 0 {
		json.Unmarshal(prov, &l.Provenance)
	}
	return l, nil
}

// UpsertSourced inserts a sourced lead, skipping on any natural-key
// conflict (email, external id, LinkedIn URL). Existing rows are never
// overwritten. Returns whether a row was inserted.
func (r *LeadRepo) UpsertSourced(ctx context.Context, l *domain.Lead) (bool, error) {
	if l.ID == "" {
		l.ID = ids.New()
	}
	if l.EmailStatus == "" {
		l.EmailStatus = domain.EmailGuessed
	}
	firmo, _ := json.Marshal(l.Firmographics)
	prov, _ := json.Marshal(l.Provenance)

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO lead_pool
			(id, email, email_status, phone, linkedin_url, external_id,
			 first_name, last_name, title, firmographics, provenance,
			 created_at, updated_at)
		VALUES ($1, lower($2), $3, NULLIF($4,''), NULLIF($5,''), NULLIF($6,''),
			$7, $8, NULLIF($9,''), $10, $11, NOW(), NOW())
		ON CONFLICT DO NOTHING
	`, l.ID, l.Email, l.EmailStatus, l.Phone, l.LinkedInURL, l.ExternalID,
		l.FirstName, l.LastName, l.Title, firmo, prov)
	if err != nil {
		return false, fmt.Errorf("upsert lead: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Get returns a lead by id. Soft-deleted rows are invisible.
func (r *LeadRepo) Get(ctx context.Context, id string) (*domain.Lead, error) {
	l, err := scanLead(r.db.QueryRowContext(ctx,
		`SELECT `+leadColumns+` FROM lead_pool WHERE id = $1 AND deleted_at IS NULL`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get lead: %w", err)
	}
	return l, nil
}

// ResolveByKey finds a lead by any canonical key: email, E.164 phone, or
// LinkedIn URL. Used by the reply router to map inbound messages.
func (r *LeadRepo) ResolveByKey(ctx context.Context, key string) (*domain.Lead, error) {
	l, err := scanLead(r.db.QueryRowContext(ctx, `
		SELECT `+leadColumns+` FROM lead_pool
		WHERE deleted_at IS NULL
		  AND (email = lower($1) OR phone = $1 OR linkedin_url = $1)
		LIMIT 1
	`, key))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolve lead: %w", err)
	}
	return l, nil
}

// SaveEnrichment persists waterfall output: identity fields,
// firmographics, provenance, and the email verdict.
func (r *LeadRepo) SaveEnrichment(ctx context.Context, l *domain.Lead) error {
	firmo, _ := json.Marshal(l.Firmographics)
	prov, _ := json.Marshal(l.Provenance)
	_, err := r.db.ExecContext(ctx, `
		UPDATE lead_pool
		SET email_status = $2, first_name = $3, last_name = $4, title = NULLIF($5,''),
		    phone = COALESCE(NULLIF($6,''), phone),
		    linkedin_url = COALESCE(NULLIF($7,''), linkedin_url),
		    firmographics = $8, provenance = $9, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
	`, l.ID, l.EmailStatus, l.FirstName, l.LastName, l.Title,
		l.Phone, l.LinkedInURL, firmo, prov)
	if err != nil {
		return fmt.Errorf("save enrichment: %w", err)
	}
	return nil
}

// SetGlobalFlag raises a permanent lead flag. Flags are one-way: once
// bounced or unsubscribed, never reset automatically.
func (r *LeadRepo) SetGlobalFlag(ctx context.Context, id string, flag string) error {
	var col string
	switch flag {
	case "bounced":
		col = "bounced"
	case "unsubscribed":
		col = "unsubscribed"
	case "invalid":
		col = "invalid"
	case "phone_opt_out":
		col = "phone_opt_out"
	default:
		return fmt.Errorf("unknown lead flag %q", flag)
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE lead_pool SET `+col+` = true, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("set lead flag %s: %w", flag, err)
	}
	return nil
}

// AllocationCandidates returns pool leads with no active assignment and
// no global contact flags, newest first. ICP matching on industry is a
// coarse pre-filter; the allocator's scorer-driven ordering refines it.
func (r *LeadRepo) AllocationCandidates(ctx context.Context, industries []string, limit int) ([]domain.Lead, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+leadColumns+` FROM lead_pool l
		WHERE l.deleted_at IS NULL
		  AND l.bounced = false AND l.unsubscribed = false AND l.invalid = false
		  AND NOT EXISTS (
			SELECT 1 FROM assignments a
			WHERE a.lead_id = l.id AND a.deleted_at IS NULL)
		  AND (cardinality($1::text[]) = 0
		       OR lower(l.firmographics->>'industry') = ANY($1::text[])
		       OR l.firmographics->>'industry' IS NULL)
		ORDER BY l.created_at DESC
		LIMIT $2
	`, pq.Array(lowerAll(industries)), limit)
	if err != nil {
		return nil, fmt.Errorf("allocation candidates: %w", err)
	}
	defer rows.Close()

	var out []domain.Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lead: %w", err)
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}

// EnrichmentCandidates returns leads that are unassigned or whose
// enrichment is stale, for the periodic enrichment flow.
func (r *LeadRepo) EnrichmentCandidates(ctx context.Context, staleBefore time.Time, limit int) ([]domain.Lead, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+leadColumns+` FROM lead_pool l
		WHERE l.deleted_at IS NULL
		  AND l.bounced = false AND l.unsubscribed = false AND l.invalid = false
		  AND ((l.provenance->>'enriched_at') IS NULL
		       OR (l.provenance->>'enriched_at')::timestamptz < $1)
		ORDER BY l.created_at
		LIMIT $2
	`, staleBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("enrichment candidates: %w", err)
	}
	defer rows.Close()

	var out []domain.Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lead: %w", err)
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

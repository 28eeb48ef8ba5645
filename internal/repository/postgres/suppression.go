package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/agencyos/dispatch/internal/domain"
	"github.com/agencyos/dispatch/internal/pkg/ids"
	"github.com/agencyos/dispatch/internal/suppression"
)

// SuppressionRepo implements suppression.Repository against PostgreSQL.
type SuppressionRepo struct{ db *sql.DB }

// NewSuppressionRepo creates a Postgres-backed suppression repository.
func NewSuppressionRepo(db *sql.DB) *SuppressionRepo { return &SuppressionRepo{db: db} }

func (r *SuppressionRepo) Lookup(ctx context.Context, scope domain.SuppressionScope, tenantID, key string, now time.Time) (*domain.Suppression, error) {
	s := &domain.Suppression{}
	var tenant sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT id, scope, COALESCE(tenant_id,''), key_kind, key, reason,
		       expires_at, created_at, updated_at, deleted_at
		FROM suppression_entries
		WHERE scope = $1 AND COALESCE(tenant_id,'') = $2 AND key = $3
		  AND deleted_at IS NULL
		  AND (expires_at IS NULL OR expires_at > $4)
	`, scope, tenantID, key, now).Scan(
		&s.ID, &s.Scope, &tenant, &s.KeyKind, &s.Key, &s.Reason,
		&s.ExpiresAt, &s.CreatedAt, &s.UpdatedAt, &s.DeletedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup suppression: %w", err)
	}
	s.TenantID = tenant.String
	return s, nil
}

func (r *SuppressionRepo) Upsert(ctx context.Context, s *domain.Suppression) error {
	if s.ID == "" {
		s.ID = ids.New()
	}
	// DO NOTHING preserves the original reason when the key is already
	// suppressed in this namespace.
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO suppression_entries
			(id, scope, tenant_id, key_kind, key, reason, expires_at,
			 created_at, updated_at)
		VALUES ($1, $2, NULLIF($3,''), $4, $5, $6, $7, NOW(), NOW())
		ON CONFLICT (scope, COALESCE(tenant_id,''), key) WHERE deleted_at IS NULL
		DO NOTHING
	`, s.ID, s.Scope, s.TenantID, s.KeyKind, s.Key, s.Reason, s.ExpiresAt)
	if err != nil {
		return fmt.Errorf("upsert suppression: %w", err)
	}
	return nil
}

func (r *SuppressionRepo) Remove(ctx context.Context, scope domain.SuppressionScope, tenantID, key string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE suppression_entries
		SET deleted_at = NOW(), updated_at = NOW()
		WHERE scope = $1 AND COALESCE(tenant_id,'') = $2 AND key = $3
		  AND deleted_at IS NULL
	`, scope, tenantID, key)
	if err != nil {
		return fmt.Errorf("remove suppression: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return suppression.ErrNotFound
	}
	return nil
}

func (r *SuppressionRepo) ActiveHashes(ctx context.Context, now time.Time) ([]suppression.Hash, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT scope, COALESCE(tenant_id,''), key
		FROM suppression_entries
		WHERE deleted_at IS NULL
		  AND (expires_at IS NULL OR expires_at > $1)
	`, now)
	if err != nil {
		return nil, fmt.Errorf("active suppression hashes: %w", err)
	}
	defer rows.Close()

	var out []suppression.Hash
	for rows.Next() {
		var scope, tenant, key string
		if err := rows.Scan(&scope, &tenant, &key); err != nil {
			return nil, fmt.Errorf("scan suppression: %w", err)
		}
		out = append(out, suppression.HashKey(scope, tenant, key))
	}
	return out, rows.Err()
}

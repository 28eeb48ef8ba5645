package suppression

import (
	"context"
	"errors"
	"time"

	"github.com/agencyos/dispatch/internal/domain"
)

// ErrNotFound is returned when removing an entry that does not exist.
var ErrNotFound = errors.New("suppression entry not found")

// Repository is the authoritative store for suppression entries.
type Repository interface {
	// Lookup returns the active entry for (scope, tenant, key) at the
	// given instant, or nil when none exists. Expired and soft-deleted
	// entries are not returned.
	Lookup(ctx context.Context, scope domain.SuppressionScope, tenantID, key string, now time.Time) (*domain.Suppression, error)

	// Upsert writes an entry, idempotent on (scope, tenant, key). An
	// existing entry's reason is preserved.
	Upsert(ctx context.Context, s *domain.Suppression) error

	// Remove soft-deletes an entry. Returns ErrNotFound when absent.
	Remove(ctx context.Context, scope domain.SuppressionScope, tenantID, key string) error

	// ActiveHashes streams every active (scope, tenant, key) triple as
	// engine hashes, for replica reloads.
	ActiveHashes(ctx context.Context, now time.Time) ([]Hash, error)
}

package postgres

import (
	"errors"

	"github.com/lib/pq"
)

// Sentinel errors shared by the repositories.
var (
	// ErrNotFound is returned when a row does not exist or is
	// soft-deleted.
	ErrNotFound = errors.New("not found")

	// ErrLeadTaken is returned when an assignment insert loses the
	// exclusivity race: another worker holds the active assignment.
	ErrLeadTaken = errors.New("lead already assigned")
)

// isUniqueViolation reports whether err is the Postgres unique constraint
// error (23505). The partial unique index on assignments(lead_id) WHERE
// deleted_at IS NULL surfaces allocation races this way.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

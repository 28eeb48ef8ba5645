package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// WorkerRow is one registered worker process.
type WorkerRow struct {
	ID          string
	Hostname    string
	Roles       []string
	StartedAt   time.Time
	HeartbeatAt time.Time
}

// WorkerRepo tracks worker process registration and liveness.
type WorkerRepo struct{ db *sql.DB }

// NewWorkerRepo creates a Postgres-backed worker registry.
func NewWorkerRepo(db *sql.DB) *WorkerRepo { return &WorkerRepo{db: db} }

// Register inserts or refreshes the worker's registration row.
func (r *WorkerRepo) Register(ctx context.Context, id, hostname string, roles []string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO workers (id, hostname, roles, started_at, heartbeat_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE
		SET hostname = EXCLUDED.hostname, roles = EXCLUDED.roles, heartbeat_at = NOW()
	`, id, hostname, pq.Array(roles))
	if err != nil {
		return fmt.Errorf("register worker: %w", err)
	}
	return nil
}

// Heartbeat refreshes the worker's liveness timestamp.
func (r *WorkerRepo) Heartbeat(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE workers SET heartbeat_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("worker heartbeat: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// Deregister removes the worker's row on clean shutdown.
func (r *WorkerRepo) Deregister(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM workers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deregister worker: %w", err)
	}
	return nil
}

// ReapStale deletes registrations whose heartbeat predates the cutoff.
// Crashed workers never deregister; the next sweep clears them.
func (r *WorkerRepo) ReapStale(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM workers WHERE heartbeat_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reap stale workers: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reap stale workers: %w", err)
	}
	return int(n), nil
}

// Active lists workers with a heartbeat at or after the cutoff.
func (r *WorkerRepo) Active(ctx context.Context, cutoff time.Time) ([]WorkerRow, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, hostname, roles, started_at, heartbeat_at
		FROM workers WHERE heartbeat_at >= $1
		ORDER BY started_at
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list active workers: %w", err)
	}
	defer rows.Close()

	var out []WorkerRow
	for rows.Next() {
		var w WorkerRow
		if err := rows.Scan(&w.ID, &w.Hostname, pq.Array(&w.Roles), &w.StartedAt, &w.HeartbeatAt); err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

package pattern

import (
	"context"
	"time"

	"github.com/agencyos/dispatch/internal/domain"
	"github.com/agencyos/dispatch/internal/pkg/logger"
)

// TenantStore lists the tenants eligible for a detector run.
type TenantStore interface {
	ListSendable(ctx context.Context) ([]domain.Tenant, error)
}

// Job runs the detectors for every sendable tenant on an interval,
// weekly in production.
type Job struct {
	detector *Detector
	tenants  TenantStore
	interval time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewJob creates the periodic detector job. A zero interval defaults to
// weekly.
func NewJob(detector *Detector, tenants TenantStore, interval time.Duration) *Job {
	if interval <= 0 {
		interval = 7 * 24 * time.Hour
	}
	return &Job{
		detector: detector,
		tenants:  tenants,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the detector loop. The first run happens after one
// full interval; a fresh deployment has nothing to learn from yet.
func (j *Job) Start(ctx context.Context) {
	go func() {
		defer close(j.doneCh)
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				j.RunOnce(ctx, time.Now().UTC())
			case <-j.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the loop and waits for it to exit.
func (j *Job) Stop() {
	close(j.stopCh)
	<-j.doneCh
}

// RunOnce runs the detectors for every sendable tenant. A failing
// tenant is logged and skipped; one bad tenant never starves the rest.
func (j *Job) RunOnce(ctx context.Context, now time.Time) {
	tenants, err := j.tenants.ListSendable(ctx)
	if err != nil {
		logger.Error("pattern run tenant list failed", "error", err.Error())
		return
	}
	for i := range tenants {
		if ctx.Err() != nil {
			return
		}
		if err := j.detector.RunTenant(ctx, tenants[i].ID, now); err != nil {
			logger.Error("pattern run failed", "tenant", tenants[i].ID, "error", err.Error())
		}
	}
	logger.Info("pattern run complete", "tenants", len(tenants))
}

package drivers

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agencyos/dispatch/internal/config"
	"github.com/agencyos/dispatch/internal/pkg/logger"
)

// ErrTestModeLimit means the daily test-mode email budget is spent.
var ErrTestModeLimit = errors.New("test mode daily email limit reached")

// Redirector reroutes outbound addresses to fixed operator endpoints
// when test mode is on, and caps redirected email volume per day.
type Redirector struct {
	cfg     config.TestModeConfig
	client  *redis.Client
	enabled atomic.Bool
}

// NewRedirector creates a redirector. client may be nil when test mode
// is disabled.
func NewRedirector(cfg config.TestModeConfig, client *redis.Client) *Redirector {
	r := &Redirector{cfg: cfg, client: client}
	r.enabled.Store(cfg.Enabled)
	return r
}

// Redis key shared by every process so an admin toggle reaches the
// dispatch workers, not just the API process that served it.
const enabledKey = "testmode:enabled"

// Enabled reports whether sends are being redirected. With a Redis
// client the shared flag wins; otherwise, or when Redis is unreachable,
// the local value applies.
func (r *Redirector) Enabled() bool {
	if r == nil {
		return false
	}
	if r.client != nil {
		if v, err := r.client.Get(context.Background(), enabledKey).Result(); err == nil {
			return v == "1"
		}
	}
	return r.enabled.Load()
}

// SetEnabled flips the global test-mode toggle at runtime.
func (r *Redirector) SetEnabled(on bool) {
	r.enabled.Store(on)
	if r.client == nil {
		return
	}
	val := "0"
	if on {
		val = "1"
	}
	if err := r.client.Set(context.Background(), enabledKey, val, 0).Err(); err != nil {
		logger.Warn("test mode flag write failed", "error", err.Error())
	}
}

// Email returns the address to actually send to. When redirecting it
// consumes one slot of the daily limit and returns the original address
// for the activity record.
func (r *Redirector) Email(ctx context.Context, addr string, now time.Time) (target, original string, err error) {
	if !r.Enabled() {
		return addr, "", nil
	}
	key := fmt.Sprintf("testmode:email:%s", now.UTC().Format("2006-01-02"))
	n, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return "", "", fmt.Errorf("test mode counter: %w", err)
	}
	if n == 1 {
		r.client.Expire(ctx, key, 48*time.Hour)
	}
	if n > int64(r.cfg.DailyEmailLimit) {
		return "", "", ErrTestModeLimit
	}
	return r.cfg.RedirectEmail, addr, nil
}

// Phone returns the number to actually dial or text.
func (r *Redirector) Phone(addr string) (target, original string) {
	if !r.Enabled() {
		return addr, ""
	}
	return r.cfg.RedirectPhone, addr
}

package scheduler

import (
	"math/rand"
	"time"

	"github.com/agencyos/dispatch/internal/domain"
)

// InSendWindow reports whether now falls inside the tenant's send
// window: weekdays, tenant-local hours. Campaign hours override the
// platform defaults when set.
func InSendWindow(t *domain.Tenant, c *domain.Campaign, defaultStart, defaultEnd int, now time.Time) bool {
	local := now.In(t.Location())
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}

	start, end := defaultStart, defaultEnd
	if c != nil && c.WindowStartHour != 0 {
		start = c.WindowStartHour
	}
	if c != nil && c.WindowEndHour != 0 {
		end = c.WindowEndHour
	}
	h := local.Hour()
	return h >= start && h < end
}

// ReplyDelay returns how long an automated reply should wait before
// going out. Inside the window replies land in 3-5 minutes; outside,
// 10-15, so responses never look machine-instant.
func ReplyDelay(inWindow bool) time.Duration {
	if inWindow {
		return 3*time.Minute + time.Duration(rand.Int63n(int64(2*time.Minute)))
	}
	return 10*time.Minute + time.Duration(rand.Int63n(int64(5*time.Minute)))
}

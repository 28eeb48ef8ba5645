package scheduler

import (
	"context"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"github.com/agencyos/dispatch/internal/pkg/logger"
)

// Redis key for the shared pause switch.
const pauseKey = "scheduler:paused"

// PauseFlag is the operator pause switch. Backed by Redis it spans
// processes, so the admin API can pause a scheduler running in another
// binary; without a client it is process-local. Redis errors fall back
// to the last locally written value.
type PauseFlag struct {
	client *redis.Client
	local  atomic.Bool
}

// NewPauseFlag creates a pause flag. client may be nil.
func NewPauseFlag(client *redis.Client) *PauseFlag {
	return &PauseFlag{client: client}
}

// SetPaused flips the switch.
func (p *PauseFlag) SetPaused(paused bool) {
	p.local.Store(paused)
	if p.client == nil {
		return
	}
	val := "0"
	if paused {
		val = "1"
	}
	if err := p.client.Set(context.Background(), pauseKey, val, 0).Err(); err != nil {
		logger.Warn("scheduler pause flag write failed", "error", err.Error())
	}
}

// Paused reads the switch.
func (p *PauseFlag) Paused() bool {
	if p.client != nil {
		if v, err := p.client.Get(context.Background(), pauseKey).Result(); err == nil {
			return v == "1"
		}
	}
	return p.local.Load()
}

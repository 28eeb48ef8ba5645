// Package rateledger enforces per-resource daily caps with an atomic
// reserve-then-consume protocol.
//
// The 24-hour window is rolling, not calendar-day: usage is kept in
// per-hour Redis buckets and the trailing 24 are summed inside a single
// Lua script, so check-and-increment is one atomic operation and stays
// correct with any number of scheduler instances running.
package rateledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agencyos/dispatch/internal/domain"
)

// ErrExhausted is returned when a reservation would exceed the cap.
var ErrExhausted = errors.New("rate cap exhausted")

// Buckets are kept a little past the window so a sum never reads an
// evicted hour.
const bucketTTL = 25 * time.Hour

// reserveScript sums the trailing 24 hourly buckets and increments the
// current bucket only when the total is under the cap. KEYS[1] is the
// current hour; KEYS[2..24] are the 23 prior hours.
const reserveLua = `
local cap = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])

local total = 0
for i = 1, #KEYS do
    total = total + tonumber(redis.call("GET", KEYS[i]) or "0")
end

if total >= cap then
    return {0, total}
end

local cur = redis.call("INCR", KEYS[1])
if cur == 1 then
    redis.call("EXPIRE", KEYS[1], ttl)
end
return {1, total + 1}
`

// releaseScript decrements the current bucket, never below zero.
const releaseLua = `
local cur = tonumber(redis.call("GET", KEYS[1]) or "0")
if cur > 0 then
    redis.call("DECR", KEYS[1])
end
return cur
`

// Ledger is the shared per-resource usage counter. Safe for concurrent
// use across processes; the Lua execution is the serialization point.
type Ledger struct {
	client        *redis.Client
	reserveScript *redis.Script
	releaseScript *redis.Script
}

// New creates a ledger with pre-compiled scripts.
func New(client *redis.Client) *Ledger {
	return &Ledger{
		client:        client,
		reserveScript: redis.NewScript(reserveLua),
		releaseScript: redis.NewScript(releaseLua),
	}
}

// Reservation is a successful TryReserve. The holder must either let the
// send stand (consume) or call Release on failure before dispatch.
type Reservation struct {
	Key      string
	Used     int64 // usage in the window including this reservation
	Cap      int
	reserved time.Time
}

// Remaining returns quota left in the window after this reservation.
func (r *Reservation) Remaining() int64 {
	left := int64(r.Cap) - r.Used
	if left < 0 {
		return 0
	}
	return left
}

// KeyFor builds the ledger key for a resource and channel. Voice and SMS
// share a phone number but consume separate budgets, so the channel is
// part of the key for phone resources.
func KeyFor(res *domain.Resource, ch domain.Channel) string {
	if res.Type == domain.ResourcePhoneNumber {
		return fmt.Sprintf("%s:%s", res.ID, ch)
	}
	return res.ID
}

func bucketKeys(key string, now time.Time) []string {
	hour := now.UTC().Unix() / 3600
	keys := make([]string, 24)
	for i := 0; i < 24; i++ {
		keys[i] = fmt.Sprintf("ledger:%s:%d", key, hour-int64(i))
	}
	return keys
}

// TryReserve atomically checks the rolling-24h count against cap and, if
// under, increments. Returns ErrExhausted when the cap is reached.
func (l *Ledger) TryReserve(ctx context.Context, key string, cap int, now time.Time) (*Reservation, error) {
	if cap <= 0 {
		return nil, ErrExhausted
	}

	res, err := l.reserveScript.Run(ctx, l.client, bucketKeys(key, now),
		cap, int(bucketTTL.Seconds())).Slice()
	if err != nil {
		return nil, fmt.Errorf("ledger reserve: %w", err)
	}

	allowed := res[0].(int64)
	used := res[1].(int64)
	if allowed == 0 {
		return nil, ErrExhausted
	}

	return &Reservation{Key: key, Used: used, Cap: cap, reserved: now}, nil
}

// Release returns a reservation to the pool after a send failed before
// dispatch. If the hour rolled over since the reserve, the decrement
// lands in the new bucket; the window sum self-corrects within the hour.
func (l *Ledger) Release(ctx context.Context, r *Reservation, now time.Time) error {
	keys := bucketKeys(r.Key, r.reserved)
	_, err := l.releaseScript.Run(ctx, l.client, keys[:1]).Result()
	if err != nil {
		return fmt.Errorf("ledger release: %w", err)
	}
	return nil
}

// CurrentUsage sums the trailing 24 hourly buckets.
func (l *Ledger) CurrentUsage(ctx context.Context, key string, now time.Time) (int64, error) {
	keys := bucketKeys(key, now)
	pipe := l.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.Get(ctx, k)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return 0, fmt.Errorf("ledger usage: %w", err)
	}

	var total int64
	for _, cmd := range cmds {
		n, err := cmd.Int64()
		if err == nil {
			total += n
		}
	}
	return total, nil
}

// Reset clears every bucket for a key. Operator emergency surface only.
func (l *Ledger) Reset(ctx context.Context, key string, now time.Time) error {
	return l.client.Del(ctx, bucketKeys(key, now)...).Err()
}

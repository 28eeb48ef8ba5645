package enrichment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrBudgetExhausted is returned when a batch has already spent its
// premium-tier allowance.
var ErrBudgetExhausted = errors.New("premium budget exhausted for batch")

// consumeLua increments the batch's premium counter only while it is
// under the cap. Atomic across enrichment workers sharing a batch.
const consumeLua = `
local cap = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
local cur = tonumber(redis.call("GET", KEYS[1]) or "0")
if cur >= cap then
    return 0
end
redis.call("INCR", KEYS[1])
if cur == 0 then
    redis.call("EXPIRE", KEYS[1], ttl)
end
return 1
`

// Budget caps how many records in one enrichment batch may fall through
// to the premium tier.
type Budget struct {
	client  *redis.Client
	script  *redis.Script
	percent float64
}

// NewBudget creates a premium budget enforcing the given batch fraction
// (0.15 means at most 15% of a batch resolves via premium).
func NewBudget(client *redis.Client, percent float64) *Budget {
	if percent <= 0 {
		percent = 0.15
	}
	return &Budget{
		client:  client,
		script:  redis.NewScript(consumeLua),
		percent: percent,
	}
}

// capFor converts the fraction to an absolute allowance, always granting
// at least one slot so small batches can still escalate.
func (b *Budget) capFor(batchSize int) int {
	cap := int(float64(batchSize) * b.percent)
	if cap < 1 {
		cap = 1
	}
	return cap
}

// TryConsume takes one premium slot for the batch. Returns
// ErrBudgetExhausted when the batch allowance is spent.
func (b *Budget) TryConsume(ctx context.Context, batchID string, batchSize int) error {
	key := "enrich:budget:" + batchID
	ok, err := b.script.Run(ctx, b.client, []string{key},
		b.capFor(batchSize), int((2 * time.Hour).Seconds())).Int64()
	if err != nil {
		return fmt.Errorf("budget consume: %w", err)
	}
	if ok == 0 {
		return ErrBudgetExhausted
	}
	return nil
}

// Spent returns how many premium slots the batch has consumed.
func (b *Budget) Spent(ctx context.Context, batchID string) (int, error) {
	n, err := b.client.Get(ctx, "enrich:budget:"+batchID).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("budget spent: %w", err)
	}
	return n, nil
}

package content

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// ErrSpendCapReached means the lead's lifetime AI budget is exhausted;
// callers fall back to the template path.
var ErrSpendCapReached = errors.New("lifetime spend cap reached for lead")

// spendLua adds a charge only while the running total stays under the
// cap. Amounts are tracked in tenths of a cent to keep Lua arithmetic
// integral.
const spendLua = `
local cap = tonumber(ARGV[1])
local amount = tonumber(ARGV[2])
local cur = tonumber(redis.call("GET", KEYS[1]) or "0")
if cur + amount > cap then
    return 0
end
redis.call("INCRBY", KEYS[1], amount)
return 1
`

// SpendLedger bounds per-lead lifetime AI spend. The entry has no TTL:
// the cap is lifetime, not windowed.
type SpendLedger struct {
	client *redis.Client
	script *redis.Script
	capUSD float64
}

// NewSpendLedger creates a ledger with a per-lead lifetime cap in USD.
func NewSpendLedger(client *redis.Client, capUSD float64) *SpendLedger {
	if capUSD <= 0 {
		capUSD = 0.50
	}
	return &SpendLedger{
		client: client,
		script: redis.NewScript(spendLua),
		capUSD: capUSD,
	}
}

func toMillis(usd float64) int64 { return int64(usd*1000 + 0.5) }

// TryCharge reserves amountUSD against the lead's lifetime budget.
// Returns ErrSpendCapReached when the charge would exceed the cap.
func (s *SpendLedger) TryCharge(ctx context.Context, leadID string, amountUSD float64) error {
	ok, err := s.script.Run(ctx, s.client, []string{"aispend:" + leadID},
		toMillis(s.capUSD), toMillis(amountUSD)).Int64()
	if err != nil {
		return fmt.Errorf("spend charge: %w", err)
	}
	if ok == 0 {
		return ErrSpendCapReached
	}
	return nil
}

// Spent returns the lead's lifetime AI spend in USD.
func (s *SpendLedger) Spent(ctx context.Context, leadID string) (float64, error) {
	n, err := s.client.Get(ctx, "aispend:"+leadID).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("spend read: %w", err)
	}
	return float64(n) / 1000, nil
}

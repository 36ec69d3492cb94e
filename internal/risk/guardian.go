package risk

import (
	"context"
	"fmt"
)

// OpenPositionCounter abstracts the position-counting dependency so
// Guardian can be tested without a real database.
type OpenPositionCounter interface {
	CountActiveByUser(ctx context.Context, userID int64) (int, error)
}

// Limits holds the execution guardrails from config.
// A zero value for any field means that check is disabled.
type Limits struct {
	MaxOrderSizeUSD         float64
	MaxOpenPositionsPerUser int
}

type Guardian struct {
	limits  Limits
	counter OpenPositionCounter
}

func NewGuardian(limits Limits, counter OpenPositionCounter) *Guardian {
	return &Guardian{limits: limits, counter: counter}
}

// PreTradeCheck validates per-order constraints before the venue call.
// Returns nil if the order is allowed, a descriptive error if blocked.
func (g *Guardian) PreTradeCheck(ctx context.Context, userID int64, amountUSD float64) error {
	if g.limits.MaxOrderSizeUSD > 0 && amountUSD > g.limits.MaxOrderSizeUSD {
		return fmt.Errorf("order blocked: size $%.2f exceeds max $%.2f",
			amountUSD, g.limits.MaxOrderSizeUSD)
	}

	if g.limits.MaxOpenPositionsPerUser > 0 && g.counter != nil {
		count, err := g.counter.CountActiveByUser(ctx, userID)
		if err != nil {
			return fmt.Errorf("order blocked: unable to verify open position count: %w", err)
		}
		if count >= g.limits.MaxOpenPositionsPerUser {
			return fmt.Errorf("order blocked: user %d already holds %d open positions (limit %d)",
				userID, count, g.limits.MaxOpenPositionsPerUser)
		}
	}

	return nil
}

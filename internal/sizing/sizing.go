// Package sizing turns a leader trade into a follower order amount. All
// functions are pure; budget accounting happens after the fill, not here.
package sizing

import "github.com/copyrelay/backend/internal/models"

type SkipReason string

const (
	SkipNone                SkipReason = ""
	SkipBelowMinimum        SkipReason = "below_minimum_order_size"
	SkipInsufficientBalance SkipReason = "insufficient_balance"
	SkipBudgetExhausted     SkipReason = "budget_exhausted"
	SkipNoPosition          SkipReason = "no_position"
)

// SizeBuy computes the follower's buy amount in USD, or a skip reason.
//
// Proportional orders are clamped to the follower's balance rather than
// skipped when the scaled amount exceeds it ("clamp" policy): a follower
// with $30 against a $50 scaled order still copies with $30, as long as
// the balance clears the minimum order size.
func SizeBuy(alloc *models.CopyAllocation, leaderAmountUSD, followerBalanceUSD, minOrderUSD float64) (float64, SkipReason) {
	if leaderAmountUSD <= 0 {
		return 0, SkipBelowMinimum
	}

	switch policy := alloc.Policy.(type) {
	case models.Proportional:
		if followerBalanceUSD < minOrderUSD {
			return 0, SkipInsufficientBalance
		}
		amount := policy.Ratio * leaderAmountUSD
		if amount > followerBalanceUSD {
			amount = followerBalanceUSD
		}
		if amount < minOrderUSD {
			return 0, SkipBelowMinimum
		}
		return amount, SkipNone

	case models.FixedAmount:
		remaining, _ := alloc.RemainingBudgetUSD()
		if remaining < minOrderUSD {
			return 0, SkipBudgetExhausted
		}
		amount := policy.AmountUSD
		if amount > remaining {
			amount = remaining
		}
		if followerBalanceUSD < minOrderUSD {
			return 0, SkipInsufficientBalance
		}
		if amount > followerBalanceUSD {
			amount = followerBalanceUSD
		}
		if amount < minOrderUSD {
			return 0, SkipBelowMinimum
		}
		return amount, SkipNone

	default:
		return 0, SkipBelowMinimum
	}
}

// SizeSell computes how much of the follower's own position to sell when
// the leader sells. The amount is a share of the follower's holding, never
// of the leader's notional: leaderSellRatio is the fraction of the
// leader's reconstructed position the sell represents (1 when unknown).
// A remainder too small to re-sell later is folded into a full exit.
func SizeSell(followerPositionUSD, leaderSellRatio, minOrderUSD float64) (float64, SkipReason) {
	if followerPositionUSD <= 0 {
		return 0, SkipNoPosition
	}
	if leaderSellRatio <= 0 || leaderSellRatio > 1 {
		leaderSellRatio = 1
	}

	amount := followerPositionUSD * leaderSellRatio
	if followerPositionUSD-amount < minOrderUSD {
		amount = followerPositionUSD
	}
	if amount < minOrderUSD && amount < followerPositionUSD {
		return 0, SkipBelowMinimum
	}
	return amount, SkipNone
}

// LeaderSellRatio derives what fraction of the leader's open notional a
// sell represents. netBeforeSell is the leader's reconstructed exposure
// before this trade; when it is unknown or already flat the sell is
// treated as a full exit.
func LeaderSellRatio(sellAmountUSD, netBeforeSellUSD float64) float64 {
	if netBeforeSellUSD <= 0 || sellAmountUSD >= netBeforeSellUSD {
		return 1
	}
	return sellAmountUSD / netBeforeSellUSD
}

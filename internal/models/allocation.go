package models

import "time"

type AllocationMode string

const (
	ModeProportional AllocationMode = "proportional"
	ModeFixedAmount  AllocationMode = "fixed_amount"
)

// AllocationPolicy is the sizing policy of a copy allocation, expressed as
// a closed variant type so that callers cannot read the wrong field for
// the active mode.
type AllocationPolicy interface {
	Mode() AllocationMode
}

// Proportional sizes follower orders as a fraction of the leader's notional.
type Proportional struct {
	Ratio float64 `json:"ratio"`
}

func (Proportional) Mode() AllocationMode { return ModeProportional }

// FixedAmount sizes each copy at a fixed USD amount, bounded by a total
// budget of the same value tracked through ConsumedUSD on the allocation.
type FixedAmount struct {
	AmountUSD float64 `json:"amountUsd"`
}

func (FixedAmount) Mode() AllocationMode { return ModeFixedAmount }

// CopyAllocation links one follower to one leader. At most one row exists
// per (follower, leader) pair.
type CopyAllocation struct {
	ID            int64            `json:"id"`
	FollowerID    int64            `json:"followerId"`
	LeaderAddress string           `json:"leaderAddress"`
	Policy        AllocationPolicy `json:"policy"`
	ConsumedUSD   float64          `json:"consumedUsd"`
	CopiedTrades  int              `json:"copiedTrades"`
	Active        bool             `json:"active"`
	CreatedAt     time.Time        `json:"createdAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`
}

// RemainingBudgetUSD returns the unspent budget for fixed-amount
// allocations. Proportional allocations have no budget; the second return
// value is false for them.
func (a *CopyAllocation) RemainingBudgetUSD() (float64, bool) {
	fixed, ok := a.Policy.(FixedAmount)
	if !ok {
		return 0, false
	}
	rem := fixed.AmountUSD - a.ConsumedUSD
	if rem < 0 {
		rem = 0
	}
	return rem, true
}

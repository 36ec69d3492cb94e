package models

import "time"

type PositionStatus string

const (
	PositionActive  PositionStatus = "active"
	PositionClosing PositionStatus = "closing"
	PositionClosed  PositionStatus = "closed"
)

// Position is one open (or historical) holding. A position is never
// re-opened after closing; re-entering the same market creates a new id.
type Position struct {
	ID            string         `json:"id"`
	UserID        int64          `json:"userId"`
	MarketID      string         `json:"marketId"`
	Outcome       string         `json:"outcome"`
	SizeUSD       float64        `json:"sizeUsd"`
	EntryPrice    float64        `json:"entryPrice"`
	CurrentPrice  float64        `json:"currentPrice"`
	PnLUSD        float64        `json:"pnlUsd"`
	PnLPercent    float64        `json:"pnlPercent"`
	TakeProfit    *float64       `json:"takeProfit,omitempty"`
	StopLoss      *float64       `json:"stopLoss,omitempty"`
	Status        PositionStatus `json:"status"`
	IsCopyTrade   bool           `json:"isCopyTrade"`
	LeaderAddress *string        `json:"leaderAddress,omitempty"`
	OpenedAt      time.Time      `json:"openedAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
	ClosedAt      *time.Time     `json:"closedAt,omitempty"`
}

// Shares returns the outcome-share quantity implied by size and entry.
func (p *Position) Shares() float64 {
	if p.EntryPrice <= 0 {
		return 0
	}
	return p.SizeUSD / p.EntryPrice
}

// PnLAt computes unrealized P&L at the given price for a long holding.
func (p *Position) PnLAt(price float64) (usd, pct float64) {
	if p.EntryPrice <= 0 {
		return 0, 0
	}
	usd = p.Shares() * (price - p.EntryPrice)
	pct = (price - p.EntryPrice) / p.EntryPrice * 100
	return usd, pct
}

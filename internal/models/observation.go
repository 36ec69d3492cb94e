package models

import "time"

type TradeSide string

const (
	SideBuy  TradeSide = "BUY"
	SideSell TradeSide = "SELL"
)

// TradeObservation is one trade fact ingested from the chain watcher.
// ID is the exchange tx hash plus log index and is globally unique; it is
// the idempotency key for the whole pipeline. Rows are immutable.
type TradeObservation struct {
	ID         string    `json:"id"`
	Address    string    `json:"address"`
	MarketID   string    `json:"marketId"`
	Outcome    string    `json:"outcome"`
	Side       TradeSide `json:"side"`
	AmountUSD  float64   `json:"amountUsd"`
	Price      float64   `json:"price"`
	ObservedAt time.Time `json:"observedAt"`
	CreatedAt  time.Time `json:"createdAt"`
}

// TradeWebhook is the body posted by the indexer to /webhooks/copy-trade.
type TradeWebhook struct {
	TxID        string  `json:"tx_id"`
	Address     string  `json:"address"`
	MarketID    string  `json:"market_id"`
	Outcome     string  `json:"outcome"`
	Side        string  `json:"side"`
	AmountUSD   float64 `json:"amount_usd"`
	Price       float64 `json:"price"`
	Timestamp   int64   `json:"timestamp"`
	AddressType string  `json:"address_type"`
}

// TradeEvent is the bus message fanned out to consumers: the webhook body
// plus the assigned observation id. Delivery is at-least-once, so every
// consumer must dedup on ObservationID.
type TradeEvent struct {
	ObservationID string  `json:"observation_id"`
	Address       string  `json:"address"`
	MarketID      string  `json:"market_id"`
	Outcome       string  `json:"outcome"`
	Side          string  `json:"side"`
	AmountUSD     float64 `json:"amount_usd"`
	Price         float64 `json:"price"`
	Timestamp     int64   `json:"timestamp"`
	AddressType   string  `json:"address_type"`
}

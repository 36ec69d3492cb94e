// Package positions keeps open positions consistent with the live
// market: it owns the price-subscription refcounts, the debounced P&L
// writes, and take-profit/stop-loss triggering.
package positions

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// FeedSubscriber is the live feed's subscription surface.
type FeedSubscriber interface {
	Subscribe(marketID string) error
	Unsubscribe(marketID string) error
}

// SubscriptionManager counts open positions per market and keeps the
// feed subscribed to exactly the markets with exposure. Transitions 0->1
// subscribe, 1->0 unsubscribe; everything in between is a no-op.
type SubscriptionManager struct {
	feed   FeedSubscriber
	logger *zap.Logger

	mu   sync.Mutex
	refs map[string]int
}

func NewSubscriptionManager(feed FeedSubscriber, logger *zap.Logger) *SubscriptionManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SubscriptionManager{
		feed:   feed,
		logger: logger,
		refs:   make(map[string]int),
	}
}

func (m *SubscriptionManager) OnPositionOpened(marketID string) {
	m.mu.Lock()
	m.refs[marketID]++
	first := m.refs[marketID] == 1
	m.mu.Unlock()

	if !first {
		return
	}
	if err := m.feed.Subscribe(marketID); err != nil {
		m.logger.Error("feed subscribe failed", zap.String("market", marketID), zap.Error(err))
	}
}

func (m *SubscriptionManager) OnPositionClosed(marketID string) {
	m.mu.Lock()
	n, ok := m.refs[marketID]
	if !ok || n <= 0 {
		m.mu.Unlock()
		m.logger.Warn("close without matching open", zap.String("market", marketID))
		return
	}
	n--
	last := n == 0
	if last {
		delete(m.refs, marketID)
	} else {
		m.refs[marketID] = n
	}
	m.mu.Unlock()

	if !last {
		return
	}
	if err := m.feed.Unsubscribe(marketID); err != nil {
		m.logger.Error("feed unsubscribe failed", zap.String("market", marketID), zap.Error(err))
	}
}

// Refcount returns the open-position count for a market.
func (m *SubscriptionManager) Refcount(marketID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refs[marketID]
}

// Prime seeds refcounts from the store after a restart so markets with
// existing exposure get subscribed before any new fill arrives.
func (m *SubscriptionManager) Prime(ctx context.Context, source PositionStore) error {
	open, err := source.GetAllActive(ctx)
	if err != nil {
		return fmt.Errorf("load active positions: %w", err)
	}
	for _, p := range open {
		m.OnPositionOpened(p.MarketID)
	}
	m.logger.Info("subscription refcounts primed", zap.Int("positions", len(open)))
	return nil
}

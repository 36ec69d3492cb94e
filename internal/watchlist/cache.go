// Package watchlist holds the in-memory view of watched addresses. The
// cache is refreshed on a fixed interval and injected wherever role
// lookups happen; staleness is bounded by the refresh interval.
package watchlist

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/copyrelay/backend/internal/models"
)

// Source is the storage read behind Refresh.
type Source interface {
	GetAllActive(ctx context.Context) ([]models.WatchedAddress, error)
}

type Cache struct {
	source Source
	logger *zap.Logger

	mu          sync.RWMutex
	byAddress   map[string]models.WatchedAddress
	refreshedAt time.Time
}

func New(source Source, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		source:    source,
		logger:    logger,
		byAddress: make(map[string]models.WatchedAddress),
	}
}

// Refresh swaps in a fresh snapshot. On error the previous snapshot stays
// in place; a stale watchlist beats an empty one.
func (c *Cache) Refresh(ctx context.Context) error {
	addrs, err := c.source.GetAllActive(ctx)
	if err != nil {
		return fmt.Errorf("load watched addresses: %w", err)
	}

	next := make(map[string]models.WatchedAddress, len(addrs))
	for _, w := range addrs {
		normalized, err := models.NormalizeAddress(w.Address)
		if err != nil {
			c.logger.Warn("skipping malformed watched address",
				zap.String("address", w.Address), zap.Error(err))
			continue
		}
		w.Address = normalized
		next[normalized] = w
	}

	c.mu.Lock()
	c.byAddress = next
	c.refreshedAt = time.Now()
	c.mu.Unlock()

	c.logger.Debug("watchlist refreshed", zap.Int("addresses", len(next)))
	return nil
}

// Lookup returns the watched entry for an address in any hex casing.
func (c *Cache) Lookup(address string) (models.WatchedAddress, bool) {
	normalized, err := models.NormalizeAddress(address)
	if err != nil {
		return models.WatchedAddress{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	w, ok := c.byAddress[normalized]
	return w, ok
}

func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byAddress)
}

func (c *Cache) LastRefresh() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.refreshedAt
}

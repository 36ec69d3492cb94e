// Package bus is the redis-backed event channel between the ingestion
// gateway and the copy-trade listener. Delivery is at-least-once from the
// consumer's point of view (redelivery can happen around reconnects), so
// consumers keep their own dedup keys.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/copyrelay/backend/internal/models"
)

const topicPrefix = "trade-events:"

// Topic returns the per-address channel name.
func Topic(address string) string {
	return topicPrefix + address
}

type Publisher struct {
	rdb    *redis.Client
	logger *zap.Logger
}

func NewPublisher(rdb *redis.Client, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{rdb: rdb, logger: logger}
}

// PublishTradeEvent sends the event on the source address's topic and
// returns how many subscribers received it. Zero subscribers is not an
// error; the caller decides whether that is worth a warning.
func (p *Publisher) PublishTradeEvent(ctx context.Context, ev *models.TradeEvent) (int64, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("marshal event: %w", err)
	}
	n, err := p.rdb.Publish(ctx, Topic(ev.Address), payload).Result()
	if err != nil {
		return 0, fmt.Errorf("publish %s: %w", Topic(ev.Address), err)
	}
	return n, nil
}

// Consumer subscribes to every trade-events topic and hands decoded
// events to a handler. One consumer runs per process.
type Consumer struct {
	rdb    *redis.Client
	logger *zap.Logger
}

func NewConsumer(rdb *redis.Client, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{rdb: rdb, logger: logger}
}

// Run blocks consuming events until ctx is cancelled. Handler errors are
// logged, not fatal: a bad message must not take the consumer down.
func (c *Consumer) Run(ctx context.Context, handle func(context.Context, *models.TradeEvent)) error {
	sub := c.rdb.PSubscribe(ctx, topicPrefix+"*")
	defer sub.Close()

	// Force the subscription before we report ready.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s*: %w", topicPrefix, err)
	}
	c.logger.Info("bus consumer subscribed", zap.String("pattern", topicPrefix+"*"))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("bus subscription channel closed")
			}
			var ev models.TradeEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				c.logger.Warn("bus message undecodable",
					zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			handle(ctx, &ev)
		}
	}
}

// Dedup is the short-TTL replay guard. Keys are written with SET NX EX so
// two near-simultaneous deliveries cannot both pass the check.
type Dedup struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewDedup(rdb *redis.Client, ttl time.Duration) *Dedup {
	return &Dedup{rdb: rdb, ttl: ttl}
}

// MarkIfNew records the key and reports whether this caller was first.
func (d *Dedup) MarkIfNew(ctx context.Context, key string) (bool, error) {
	ok, err := d.rdb.SetNX(ctx, key, "1", d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup setnx %s: %w", key, err)
	}
	return ok, nil
}

// ObservationKey guards the ingestion path against webhook replays.
func ObservationKey(observationID string) string {
	return "dedup:obs:" + observationID
}

// DispatchKey guards one follower dispatch against bus redelivery.
func DispatchKey(observationID string, followerID int64) string {
	return fmt.Sprintf("dedup:dispatch:%s:%d", observationID, followerID)
}

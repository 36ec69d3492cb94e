// Package ingest turns webhook deliveries from the chain indexer into
// unique internal trade events.
package ingest

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/copyrelay/backend/internal/bus"
	"github.com/copyrelay/backend/internal/models"
)

const (
	StatusAccepted = "accepted"
	StatusRejected = "rejected"
)

type Result struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func accepted(msg string) Result { return Result{Status: StatusAccepted, Message: msg} }
func rejected(msg string) Result { return Result{Status: StatusRejected, Message: msg} }

type RoleSource interface {
	Lookup(address string) (models.WatchedAddress, bool)
}

type ObservationStore interface {
	Insert(ctx context.Context, o *models.TradeObservation) (bool, error)
}

type Publisher interface {
	PublishTradeEvent(ctx context.Context, ev *models.TradeEvent) (int64, error)
}

type DedupStore interface {
	MarkIfNew(ctx context.Context, key string) (bool, error)
}

type Notifier interface {
	Send(msg string)
}

type Gateway struct {
	watchlist    RoleSource
	observations ObservationStore
	publisher    Publisher
	dedup        DedupStore
	notify       Notifier
	logger       *zap.Logger

	persistAttempts int
	persistBackoff  time.Duration
	publishAttempts int
}

func NewGateway(watchlist RoleSource, observations ObservationStore, publisher Publisher, dedup DedupStore, notify Notifier, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		watchlist:    watchlist,
		observations: observations,
		publisher:    publisher,
		dedup:        dedup,
		notify:       notify,
		logger:       logger,

		// Short backoff: the webhook response must stay sub-second even
		// when every persist attempt fails.
		persistAttempts: 3,
		persistBackoff:  150 * time.Millisecond,
		publishAttempts: 3,
	}
}

// Ingest processes one trade observation. Everything that is not bad
// input is Accepted: unknown addresses, replays and even persist failures
// are no-ops or at-risk events, never caller errors, because the indexer
// retries on its own schedule and must not storm us.
func (g *Gateway) Ingest(ctx context.Context, payload models.TradeWebhook) Result {
	if err := validate(&payload); err != nil {
		return rejected(err.Error())
	}

	watched, ok := g.watchlist.Lookup(payload.Address)
	if !ok || !watched.Active {
		g.logger.Debug("observation from unwatched address",
			zap.String("tx", payload.TxID), zap.String("address", payload.Address))
		return accepted("address not watched")
	}

	seenKey := bus.ObservationKey(payload.TxID)
	fresh, err := g.dedup.MarkIfNew(ctx, seenKey)
	if err != nil {
		// Dedup store down: fall through open. The permanent uniqueness
		// constraint on the observation row still blocks double publish.
		g.logger.Warn("dedup store unavailable", zap.String("tx", payload.TxID), zap.Error(err))
	} else if !fresh {
		g.logger.Debug("duplicate observation", zap.String("tx", payload.TxID))
		return accepted("duplicate observation")
	}

	obs := &models.TradeObservation{
		ID:         payload.TxID,
		Address:    watched.Address,
		MarketID:   payload.MarketID,
		Outcome:    payload.Outcome,
		Side:       models.TradeSide(payload.Side),
		AmountUSD:  payload.AmountUSD,
		Price:      payload.Price,
		ObservedAt: time.Unix(payload.Timestamp, 0),
	}

	inserted, err := g.persistWithRetry(ctx, obs)
	if err != nil {
		g.logger.Error("observation persist failed after retries",
			zap.String("tx", payload.TxID), zap.Error(err))
		if g.notify != nil {
			g.notify.Send(fmt.Sprintf("DELIVERY RISK: observation %s not persisted: %v", payload.TxID, err))
		}
		// Accepted, but not published: without the row there is nothing
		// backing idempotency, and the indexer redelivers past the dedup
		// TTL. Publishing now would make that redelivery a second fan-out
		// of the same id. The redelivery persists and fans out instead.
		return accepted("observation at risk")
	}
	if !inserted {
		// Replay past the dedup TTL. The row exists, nothing republishes.
		g.logger.Debug("observation already stored", zap.String("tx", payload.TxID))
		return accepted("duplicate observation")
	}

	ev := &models.TradeEvent{
		ObservationID: obs.ID,
		Address:       watched.Address,
		MarketID:      payload.MarketID,
		Outcome:       payload.Outcome,
		Side:          payload.Side,
		AmountUSD:     payload.AmountUSD,
		Price:         payload.Price,
		Timestamp:     payload.Timestamp,
		AddressType:   string(watched.Role),
	}
	go g.publishWithRetry(ev)

	return accepted("observation queued")
}

func (g *Gateway) persistWithRetry(ctx context.Context, obs *models.TradeObservation) (bool, error) {
	delay := g.persistBackoff
	var lastErr error

	for attempt := 1; attempt <= g.persistAttempts; attempt++ {
		inserted, err := g.observations.Insert(ctx, obs)
		if err == nil {
			return inserted, nil
		}
		lastErr = err
		if attempt == g.persistAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return false, lastErr
}

// publishWithRetry runs detached from the HTTP request so the caller's
// response never waits on the bus.
func (g *Gateway) publishWithRetry(ev *models.TradeEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	delay := 200 * time.Millisecond
	for attempt := 1; attempt <= g.publishAttempts; attempt++ {
		receivers, err := g.publisher.PublishTradeEvent(ctx, ev)
		if err == nil {
			if receivers == 0 {
				g.logger.Warn("trade event had no subscribers: listener may be down",
					zap.String("observation", ev.ObservationID))
			}
			return
		}
		g.logger.Warn("trade event publish failed",
			zap.String("observation", ev.ObservationID),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt == g.publishAttempts {
			if g.notify != nil {
				g.notify.Send(fmt.Sprintf("DELIVERY RISK: event %s not published: %v", ev.ObservationID, err))
			}
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
	}
}

func validate(p *models.TradeWebhook) error {
	if p.TxID == "" {
		return fmt.Errorf("missing tx_id")
	}
	if _, err := models.NormalizeAddress(p.Address); err != nil {
		return fmt.Errorf("bad address: %v", err)
	}
	if p.MarketID == "" {
		return fmt.Errorf("missing market_id")
	}
	side := models.TradeSide(p.Side)
	if side != models.SideBuy && side != models.SideSell {
		return fmt.Errorf("bad side %q, expected BUY|SELL", p.Side)
	}
	if p.AmountUSD <= 0 {
		return fmt.Errorf("bad amount_usd %f", p.AmountUSD)
	}
	if p.Price <= 0 {
		return fmt.Errorf("bad price %f", p.Price)
	}
	return nil
}

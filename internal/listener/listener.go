// Package listener consumes leader trade events off the bus and
// replicates them into follower accounts.
package listener

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/copyrelay/backend/internal/bus"
	"github.com/copyrelay/backend/internal/execution"
	"github.com/copyrelay/backend/internal/models"
	"github.com/copyrelay/backend/internal/sizing"
)

type RoleSource interface {
	Lookup(address string) (models.WatchedAddress, bool)
}

type AllocationSource interface {
	GetActiveByLeader(ctx context.Context, leaderAddress string) ([]models.CopyAllocation, error)
}

type PositionSource interface {
	GetActiveByUserAndMarket(ctx context.Context, userID int64, marketID, outcome string) (*models.Position, error)
}

// LeaderExposure reconstructs a leader's open notional from stored
// observations, used to size follower sells.
type LeaderExposure interface {
	NetPositionUSD(ctx context.Context, address, marketID string) (float64, error)
}

type BalanceSource interface {
	GetBalance(ctx context.Context, userID int64) (float64, error)
}

type DedupStore interface {
	MarkIfNew(ctx context.Context, key string) (bool, error)
}

type Executor interface {
	Execute(ctx context.Context, req execution.Request) execution.Result
}

// Notifier receives an operator alert when a fan-out has failures. May
// be nil.
type Notifier interface {
	Send(msg string)
}

// Summary counts how one event's fan-out resolved. Used for logging and
// tests only; nothing upstream blocks on it.
type Summary struct {
	Dispatched int
	Succeeded  int
	Skipped    int
	Failed     int
}

// Completion is the barrier over one event's follower dispatches.
type Completion struct {
	wg sync.WaitGroup

	mu      sync.Mutex
	summary Summary
}

// Wait blocks until every dispatch for the event has resolved.
func (c *Completion) Wait() Summary {
	c.wg.Wait()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.summary
}

func (c *Completion) record(outcome func(*Summary)) {
	c.mu.Lock()
	outcome(&c.summary)
	c.mu.Unlock()
}

type Config struct {
	MinOrderUSD   float64
	MaxConcurrent int
}

type Listener struct {
	watchlist   RoleSource
	allocations AllocationSource
	positions   PositionSource
	exposure    LeaderExposure
	balances    BalanceSource
	dedup       DedupStore
	exec        Executor
	notifier    Notifier
	logger      *zap.Logger

	cfg Config
	sem chan struct{}
}

// SetNotifier attaches the operator alert sink.
func (l *Listener) SetNotifier(n Notifier) {
	l.notifier = n
}

func New(watchlist RoleSource, allocations AllocationSource, positions PositionSource,
	exposure LeaderExposure, balances BalanceSource, dedup DedupStore,
	exec Executor, logger *zap.Logger, cfg Config) *Listener {

	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	return &Listener{
		watchlist:   watchlist,
		allocations: allocations,
		positions:   positions,
		exposure:    exposure,
		balances:    balances,
		dedup:       dedup,
		exec:        exec,
		logger:      logger,
		cfg:         cfg,
		sem:         make(chan struct{}, cfg.MaxConcurrent),
	}
}

// Run consumes bus events until ctx is cancelled. Each event's fan-out
// proceeds in the background; only the aggregate outcome is logged.
func (l *Listener) Run(ctx context.Context, consumer *bus.Consumer) error {
	return consumer.Run(ctx, func(ctx context.Context, ev *models.TradeEvent) {
		c := l.HandleEvent(ctx, ev)
		go func() {
			s := c.Wait()
			if s.Dispatched > 0 {
				l.logger.Info("event fan-out complete",
					zap.String("observation", ev.ObservationID),
					zap.Int("dispatched", s.Dispatched),
					zap.Int("succeeded", s.Succeeded),
					zap.Int("skipped", s.Skipped),
					zap.Int("failed", s.Failed))
			}
			if s.Failed > 0 && l.notifier != nil {
				l.notifier.Send(fmt.Sprintf(
					"⚠️ Copy fan-out for %s %s $%.2f: %d of %d follower orders failed",
					ev.Side, ev.MarketID, ev.AmountUSD, s.Failed, s.Dispatched))
			}
		}()
	})
}

// HandleEvent resolves follower allocations and dispatches one execution
// per follower. The returned Completion lets tests await the fan-out;
// the bus consumer never does.
func (l *Listener) HandleEvent(ctx context.Context, ev *models.TradeEvent) *Completion {
	c := &Completion{}

	// The bus routes by topic, but topics are just strings; re-check the
	// role so a misrouted or stale event cannot trigger replication.
	watched, ok := l.watchlist.Lookup(ev.Address)
	if !ok || !watched.IsLeader() {
		l.logger.Debug("discarding non-leader event",
			zap.String("observation", ev.ObservationID),
			zap.String("address", ev.Address))
		return c
	}

	allocs, err := l.allocations.GetActiveByLeader(ctx, watched.Address)
	if err != nil {
		l.logger.Error("allocation lookup failed",
			zap.String("leader", watched.Address), zap.Error(err))
		return c
	}
	if len(allocs) == 0 {
		l.logger.Debug("leader has no active followers",
			zap.String("leader", watched.Address))
		return c
	}

	side := models.TradeSide(ev.Side)
	sellRatio := 1.0
	if side == models.SideSell {
		sellRatio = l.leaderSellRatio(ctx, ev)
	}

	c.summary.Dispatched = len(allocs)
	for i := range allocs {
		alloc := allocs[i]
		c.wg.Add(1)
		go l.dispatch(ctx, ev, &alloc, side, sellRatio, c)
	}
	return c
}

func (l *Listener) dispatch(ctx context.Context, ev *models.TradeEvent, alloc *models.CopyAllocation,
	side models.TradeSide, sellRatio float64, c *Completion) {

	defer c.wg.Done()

	select {
	case l.sem <- struct{}{}:
		defer func() { <-l.sem }()
	case <-ctx.Done():
		c.record(func(s *Summary) { s.Failed++ })
		return
	}

	// Bus delivery is at-least-once; the dispatch key makes sure a
	// redelivered event cannot execute the same follower twice.
	fresh, err := l.dedup.MarkIfNew(ctx, bus.DispatchKey(ev.ObservationID, alloc.FollowerID))
	if err != nil {
		l.logger.Warn("dispatch dedup unavailable, proceeding",
			zap.String("observation", ev.ObservationID),
			zap.Int64("follower", alloc.FollowerID),
			zap.Error(err))
	} else if !fresh {
		l.logger.Debug("dispatch already handled",
			zap.String("observation", ev.ObservationID),
			zap.Int64("follower", alloc.FollowerID))
		c.record(func(s *Summary) { s.Skipped++ })
		return
	}

	if side == models.SideSell {
		l.dispatchSell(ctx, ev, alloc, sellRatio, c)
		return
	}
	l.dispatchBuy(ctx, ev, alloc, c)
}

func (l *Listener) dispatchBuy(ctx context.Context, ev *models.TradeEvent, alloc *models.CopyAllocation, c *Completion) {
	balance, err := l.balances.GetBalance(ctx, alloc.FollowerID)
	if err != nil {
		l.logger.Error("balance lookup failed",
			zap.Int64("follower", alloc.FollowerID), zap.Error(err))
		c.record(func(s *Summary) { s.Failed++ })
		return
	}

	amount, skip := sizing.SizeBuy(alloc, ev.AmountUSD, balance, l.cfg.MinOrderUSD)
	if skip != sizing.SkipNone {
		l.logger.Debug("copy buy skipped",
			zap.Int64("follower", alloc.FollowerID),
			zap.String("reason", string(skip)))
		c.record(func(s *Summary) { s.Skipped++ })
		return
	}

	result := l.exec.Execute(ctx, execution.Request{
		UserID:        alloc.FollowerID,
		MarketID:      ev.MarketID,
		Outcome:       ev.Outcome,
		Side:          models.SideBuy,
		AmountUSD:     amount,
		Price:         ev.Price,
		IsCopyTrade:   true,
		AllocationID:  alloc.ID,
		LeaderAddress: alloc.LeaderAddress,
		Reason:        "copy",
	})
	l.recordResult(ev, alloc, result, c)
}

func (l *Listener) dispatchSell(ctx context.Context, ev *models.TradeEvent, alloc *models.CopyAllocation, sellRatio float64, c *Completion) {
	pos, err := l.positions.GetActiveByUserAndMarket(ctx, alloc.FollowerID, ev.MarketID, ev.Outcome)
	if err != nil {
		l.logger.Error("position lookup failed",
			zap.Int64("follower", alloc.FollowerID), zap.Error(err))
		c.record(func(s *Summary) { s.Failed++ })
		return
	}
	if pos == nil {
		// Leader sold something this follower never bought. Valid no-op.
		l.logger.Debug("copy sell skipped: follower holds no position",
			zap.Int64("follower", alloc.FollowerID),
			zap.String("market", ev.MarketID))
		c.record(func(s *Summary) { s.Skipped++ })
		return
	}

	amount, skip := sizing.SizeSell(pos.SizeUSD, sellRatio, l.cfg.MinOrderUSD)
	if skip != sizing.SkipNone {
		l.logger.Debug("copy sell skipped",
			zap.Int64("follower", alloc.FollowerID),
			zap.String("reason", string(skip)))
		c.record(func(s *Summary) { s.Skipped++ })
		return
	}

	result := l.exec.Execute(ctx, execution.Request{
		UserID:      alloc.FollowerID,
		MarketID:    ev.MarketID,
		Outcome:     ev.Outcome,
		Side:        models.SideSell,
		AmountUSD:   amount,
		Price:       ev.Price,
		IsCopyTrade: pos.IsCopyTrade,
		Position:    pos,
		Reason:      "copy",
	})
	l.recordResult(ev, alloc, result, c)
}

func (l *Listener) recordResult(ev *models.TradeEvent, alloc *models.CopyAllocation, result execution.Result, c *Completion) {
	switch {
	case result.Success || result.AlreadyClosing:
		c.record(func(s *Summary) { s.Succeeded++ })
	default:
		l.logger.Warn("copy execution failed",
			zap.String("observation", ev.ObservationID),
			zap.Int64("follower", alloc.FollowerID),
			zap.String("reason", result.FailureReason))
		c.record(func(s *Summary) { s.Failed++ })
	}
}

// leaderSellRatio estimates how much of their position the leader just
// sold. The observation row for this sell is already stored, so it is
// added back to get the pre-sell exposure.
func (l *Listener) leaderSellRatio(ctx context.Context, ev *models.TradeEvent) float64 {
	net, err := l.exposure.NetPositionUSD(ctx, ev.Address, ev.MarketID)
	if err != nil {
		l.logger.Warn("leader exposure lookup failed, treating sell as full exit",
			zap.String("leader", ev.Address), zap.Error(err))
		return 1
	}
	return sizing.LeaderSellRatio(ev.AmountUSD, net+ev.AmountUSD)
}

package positions

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/copyrelay/backend/internal/execution"
	"github.com/copyrelay/backend/internal/feed"
	"github.com/copyrelay/backend/internal/models"
)

// PositionStore is the slice of the position repository the updater
// needs.
type PositionStore interface {
	GetAllActive(ctx context.Context) ([]models.Position, error)
	GetActiveByMarket(ctx context.Context, marketID string) ([]models.Position, error)
	UpdateLive(ctx context.Context, id string, price, pnlUSD, pnlPct float64) error
}

// Executor places the close order when a take-profit or stop-loss
// fires.
type Executor interface {
	Execute(ctx context.Context, req execution.Request) execution.Result
}

// Notifier delivers operator alerts. May be nil.
type Notifier interface {
	Send(msg string)
}

const (
	ReasonTakeProfit = "take_profit"
	ReasonStopLoss   = "stop_loss"

	flushTimeout = 10 * time.Second
)

// Updater consumes live price updates, debounces the database writes
// per market, and auto-closes positions whose take-profit or stop-loss
// threshold is crossed.
//
// Price ticks can arrive in bursts. Each tick overwrites the latest
// price for its market and reschedules a single per-market timer; only
// when the market goes quiet for the debounce window do we recompute
// P&L and write it, so a burst of N ticks costs one write, not N.
type Updater struct {
	store    PositionStore
	executor Executor
	notifier Notifier
	logger   *zap.Logger
	debounce time.Duration

	mu       sync.Mutex
	latest   map[string]float64
	timers   map[string]*time.Timer
	inflight map[string]struct{} // position ids with a close in flight
}

func NewUpdater(store PositionStore, executor Executor, notifier Notifier, logger *zap.Logger, debounce time.Duration) *Updater {
	if logger == nil {
		logger = zap.NewNop()
	}
	if debounce <= 0 {
		debounce = time.Second
	}
	return &Updater{
		store:    store,
		executor: executor,
		notifier: notifier,
		logger:   logger,
		debounce: debounce,
		latest:   make(map[string]float64),
		timers:   make(map[string]*time.Timer),
		inflight: make(map[string]struct{}),
	}
}

// Run drains the feed channel until it closes or ctx is cancelled.
func (u *Updater) Run(ctx context.Context, updates <-chan feed.PriceUpdate) {
	u.logger.Info("position updater started", zap.Duration("debounce", u.debounce))
	for {
		select {
		case <-ctx.Done():
			u.stopTimers()
			return
		case upd, ok := <-updates:
			if !ok {
				u.stopTimers()
				return
			}
			u.OnPriceUpdate(upd)
		}
	}
}

// OnPriceUpdate records the newest price for the market and reschedules
// its flush timer.
func (u *Updater) OnPriceUpdate(upd feed.PriceUpdate) {
	if upd.MarketID == "" || upd.Price <= 0 {
		return
	}
	u.mu.Lock()
	u.latest[upd.MarketID] = upd.Price
	if t, ok := u.timers[upd.MarketID]; ok {
		t.Stop()
	}
	marketID := upd.MarketID
	u.timers[marketID] = time.AfterFunc(u.debounce, func() {
		u.flush(marketID)
	})
	u.mu.Unlock()
}

func (u *Updater) flush(marketID string) {
	u.mu.Lock()
	price, ok := u.latest[marketID]
	delete(u.latest, marketID)
	// A tick between the timer firing and this lock may have re-armed
	// the timer; stop it, this flush already carries the latest price.
	if t, armed := u.timers[marketID]; armed {
		t.Stop()
	}
	delete(u.timers, marketID)
	u.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	open, err := u.store.GetActiveByMarket(ctx, marketID)
	if err != nil {
		u.logger.Error("load positions for market", zap.String("market", marketID), zap.Error(err))
		return
	}
	for _, pos := range open {
		pnlUSD, pnlPct := pos.PnLAt(price)
		if err := u.store.UpdateLive(ctx, pos.ID, price, pnlUSD, pnlPct); err != nil {
			u.logger.Error("update live position", zap.String("position", pos.ID), zap.Error(err))
		}
		u.evaluate(pos, price)
	}
}

// evaluate checks whether the price crosses the position's stop-loss or
// take-profit and, if so, starts a full close. An in-process inflight
// set keeps repeated ticks from issuing a second close while the first
// order is still out; the store's status transition is the durable
// guard behind it.
func (u *Updater) evaluate(pos models.Position, price float64) {
	reason := triggerReason(pos, price)
	if reason == "" {
		return
	}

	u.mu.Lock()
	if _, busy := u.inflight[pos.ID]; busy {
		u.mu.Unlock()
		return
	}
	u.inflight[pos.ID] = struct{}{}
	u.mu.Unlock()

	go u.closePosition(pos, price, reason)
}

func triggerReason(pos models.Position, price float64) string {
	if pos.StopLoss != nil && price <= *pos.StopLoss {
		return ReasonStopLoss
	}
	if pos.TakeProfit != nil && price >= *pos.TakeProfit {
		return ReasonTakeProfit
	}
	return ""
}

func (u *Updater) closePosition(pos models.Position, price float64, reason string) {
	defer func() {
		u.mu.Lock()
		delete(u.inflight, pos.ID)
		u.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	u.logger.Info("auto-close triggered",
		zap.String("position", pos.ID),
		zap.String("market", pos.MarketID),
		zap.String("reason", reason),
		zap.Float64("price", price))

	res := u.executor.Execute(ctx, execution.Request{
		UserID:      pos.UserID,
		MarketID:    pos.MarketID,
		Outcome:     pos.Outcome,
		Side:        models.SideSell,
		AmountUSD:   pos.SizeUSD,
		Price:       price,
		IsCopyTrade: pos.IsCopyTrade,
		Position:    &pos,
		Reason:      reason,
	})
	switch {
	case res.AlreadyClosing:
		u.logger.Debug("close already in flight", zap.String("position", pos.ID))
	case !res.Success:
		u.logger.Error("auto-close failed",
			zap.String("position", pos.ID),
			zap.String("reason", res.FailureReason))
	default:
		pnlUSD, _ := pos.PnLAt(price)
		u.logger.Info("position auto-closed",
			zap.String("position", pos.ID),
			zap.Float64("pnl_usd", pnlUSD))
		u.alert(pos, price, reason, pnlUSD)
	}
}

func (u *Updater) alert(pos models.Position, price float64, reason string, pnlUSD float64) {
	if u.notifier == nil {
		return
	}
	label := "Take-profit"
	if reason == ReasonStopLoss {
		label = "Stop-loss"
	}
	u.notifier.Send(formatAlert(label, pos, price, pnlUSD))
}

func formatAlert(label string, pos models.Position, price float64, pnlUSD float64) string {
	return fmt.Sprintf("%s hit on %s (%s): closed at %.4f, P&L $%.2f",
		label, pos.MarketID, pos.Outcome, price, pnlUSD)
}

// PollOnce is the timer-driven safety net behind the live feed: it
// re-evaluates every open position against its last stored price so a
// missed or dropped tick cannot leave a crossed threshold unacted on.
func (u *Updater) PollOnce(ctx context.Context) error {
	open, err := u.store.GetAllActive(ctx)
	if err != nil {
		return err
	}
	for _, pos := range open {
		if pos.CurrentPrice <= 0 {
			continue
		}
		u.evaluate(pos, pos.CurrentPrice)
	}
	return nil
}

func (u *Updater) stopTimers() {
	u.mu.Lock()
	defer u.mu.Unlock()
	for m, t := range u.timers {
		t.Stop()
		delete(u.timers, m)
	}
}

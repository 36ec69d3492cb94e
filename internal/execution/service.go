// Package execution places orders against the venue and owns the
// storage writes that follow a fill.
package execution

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/copyrelay/backend/internal/external"
	"github.com/copyrelay/backend/internal/models"
	"github.com/copyrelay/backend/internal/risk"
)

// Venue places orders. A nil error with Success=false is a business
// rejection and is never retried; a non-nil error is a transport failure
// and may be retried with backoff.
type Venue interface {
	PlaceOrder(ctx context.Context, req external.OrderRequest) (*external.OrderResult, error)
}

// Store is the transactional persistence surface behind fills.
type Store interface {
	CommitBuyFill(ctx context.Context, p *models.Position, allocationID int64, amountUSD float64) error
	CommitSellFill(ctx context.Context, p *models.Position, soldUSD, exitPrice float64) (bool, error)
	BeginClose(ctx context.Context, id string) (bool, error)
	ReopenFromClosing(ctx context.Context, id string) error
}

// PositionEvents feeds the price-subscription refcounts.
type PositionEvents interface {
	OnPositionOpened(marketID string)
	OnPositionClosed(marketID string)
}

type Request struct {
	UserID        int64
	MarketID      string
	Outcome       string
	Side          models.TradeSide
	AmountUSD     float64
	Price         float64 // observed price, fallback entry when the venue omits fill price
	IsCopyTrade   bool
	AllocationID  int64 // 0 when not a copy
	LeaderAddress string
	TakeProfit    *float64
	StopLoss      *float64

	// Position is the target of a sell; nil for buys.
	Position *models.Position
	// Reason tags the trigger for logs: "copy", "stop_loss", "take_profit".
	Reason string
}

type Result struct {
	Success        bool
	AlreadyClosing bool
	OrderID        string
	FilledAmount   float64
	PositionID     string
	PositionClosed bool
	FailureReason  string
}

type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

type Service struct {
	venue  Venue
	store  Store
	guard  *risk.Guardian
	events PositionEvents
	logger *zap.Logger
	cfg    Config
}

func NewService(venue Venue, store Store, guard *risk.Guardian, events PositionEvents, logger *zap.Logger, cfg Config) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Second
	}
	return &Service{venue: venue, store: store, guard: guard, events: events, logger: logger, cfg: cfg}
}

func (s *Service) Execute(ctx context.Context, req Request) Result {
	if req.Side == models.SideSell {
		if req.Position == nil {
			return Result{FailureReason: "sell without position"}
		}
		return s.executeSell(ctx, req)
	}
	return s.executeBuy(ctx, req)
}

func (s *Service) executeBuy(ctx context.Context, req Request) Result {
	if s.guard != nil {
		if err := s.guard.PreTradeCheck(ctx, req.UserID, req.AmountUSD); err != nil {
			s.logger.Warn("buy blocked by risk check",
				zap.Int64("user", req.UserID), zap.Error(err))
			return Result{FailureReason: err.Error()}
		}
	}

	order, failure := s.placeWithRetry(ctx, external.OrderRequest{
		UserID:        req.UserID,
		MarketID:      req.MarketID,
		Outcome:       req.Outcome,
		Side:          string(models.SideBuy),
		AmountUSD:     req.AmountUSD,
		ClientOrderID: uuid.NewString(),
	})
	if failure != "" {
		return Result{FailureReason: failure}
	}

	filled := order.FilledAmount
	if filled <= 0 {
		filled = req.AmountUSD
	}
	entry := order.FillPrice
	if entry <= 0 {
		entry = req.Price
	}

	pos := &models.Position{
		ID:          uuid.NewString(),
		UserID:      req.UserID,
		MarketID:    req.MarketID,
		Outcome:     req.Outcome,
		SizeUSD:     filled,
		EntryPrice:  entry,
		TakeProfit:  req.TakeProfit,
		StopLoss:    req.StopLoss,
		IsCopyTrade: req.IsCopyTrade,
	}
	if req.LeaderAddress != "" {
		addr := req.LeaderAddress
		pos.LeaderAddress = &addr
	}

	allocID := int64(0)
	if req.IsCopyTrade {
		allocID = req.AllocationID
	}
	if err := s.store.CommitBuyFill(ctx, pos, allocID, filled); err != nil {
		// The venue holds a fill the store does not know about; this is
		// the one state divergence we cannot roll back, only surface.
		s.logger.Error("buy fill commit failed",
			zap.String("order", order.OrderID),
			zap.Int64("user", req.UserID),
			zap.Error(err))
		return Result{FailureReason: "fill persisted at venue but not in store: " + err.Error()}
	}

	if s.events != nil {
		s.events.OnPositionOpened(req.MarketID)
	}

	s.logger.Info("buy executed",
		zap.Int64("user", req.UserID),
		zap.String("market", req.MarketID),
		zap.Float64("amountUsd", filled),
		zap.Bool("copy", req.IsCopyTrade),
		zap.String("order", order.OrderID))

	return Result{
		Success:      true,
		OrderID:      order.OrderID,
		FilledAmount: filled,
		PositionID:   pos.ID,
	}
}

func (s *Service) executeSell(ctx context.Context, req Request) Result {
	pos := req.Position

	won, err := s.store.BeginClose(ctx, pos.ID)
	if err != nil {
		return Result{FailureReason: "begin close: " + err.Error()}
	}
	if !won {
		// Another close is in flight or already done; success as a no-op.
		return Result{AlreadyClosing: true, PositionID: pos.ID}
	}

	order, failure := s.placeWithRetry(ctx, external.OrderRequest{
		UserID:        req.UserID,
		MarketID:      req.MarketID,
		Outcome:       req.Outcome,
		Side:          string(models.SideSell),
		AmountUSD:     req.AmountUSD,
		ClientOrderID: uuid.NewString(),
	})
	if failure != "" {
		if reopenErr := s.store.ReopenFromClosing(ctx, pos.ID); reopenErr != nil {
			s.logger.Error("reopen after failed close",
				zap.String("position", pos.ID), zap.Error(reopenErr))
		}
		return Result{PositionID: pos.ID, FailureReason: failure}
	}

	sold := order.FilledAmount
	if sold <= 0 {
		sold = req.AmountUSD
	}
	exit := order.FillPrice
	if exit <= 0 {
		exit = req.Price
	}
	if exit <= 0 {
		exit = pos.CurrentPrice
	}

	closed, err := s.store.CommitSellFill(ctx, pos, sold, exit)
	if err != nil {
		s.logger.Error("sell fill commit failed",
			zap.String("position", pos.ID), zap.Error(err))
		return Result{PositionID: pos.ID, FailureReason: "fill persisted at venue but not in store: " + err.Error()}
	}

	if closed && s.events != nil {
		s.events.OnPositionClosed(req.MarketID)
	}

	s.logger.Info("sell executed",
		zap.Int64("user", req.UserID),
		zap.String("market", req.MarketID),
		zap.String("position", pos.ID),
		zap.Float64("soldUsd", sold),
		zap.Bool("closed", closed),
		zap.String("reason", req.Reason))

	return Result{
		Success:        true,
		OrderID:        order.OrderID,
		FilledAmount:   sold,
		PositionID:     pos.ID,
		PositionClosed: closed,
	}
}

// placeWithRetry retries transport failures with exponential backoff.
// Business rejections come back immediately: re-sending a rejected market
// order into moved market conditions is not this layer's call to make.
func (s *Service) placeWithRetry(ctx context.Context, order external.OrderRequest) (*external.OrderResult, string) {
	delay := s.cfg.BaseDelay
	var lastErr error

	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		result, err := s.venue.PlaceOrder(ctx, order)
		if err == nil {
			if !result.Success {
				return nil, "venue rejected order: " + result.Error
			}
			return result, ""
		}
		lastErr = err

		if attempt == s.cfg.MaxAttempts {
			break
		}
		s.logger.Warn("venue call failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return nil, "cancelled: " + ctx.Err().Error()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > s.cfg.MaxDelay {
			delay = s.cfg.MaxDelay
		}
	}

	return nil, "venue unreachable after retries: " + lastErr.Error()
}

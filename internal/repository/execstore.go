package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/copyrelay/backend/internal/models"
)

// ExecStore groups the writes that must land atomically when the
// execution venue reports a fill.
type ExecStore struct {
	pool        *pgxpool.Pool
	positions   *PositionRepo
	allocations *AllocationRepo
}

func NewExecStore(pool *pgxpool.Pool, positions *PositionRepo, allocations *AllocationRepo) *ExecStore {
	return &ExecStore{pool: pool, positions: positions, allocations: allocations}
}

// CommitBuyFill creates the position and, for copy trades, charges the
// allocation budget in a single transaction.
func (s *ExecStore) CommitBuyFill(ctx context.Context, p *models.Position, allocationID int64, amountUSD float64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.positions.CreateInTx(ctx, tx, p); err != nil {
		return fmt.Errorf("create position: %w", err)
	}
	if allocationID > 0 {
		if err := s.allocations.ConsumeInTx(ctx, tx, allocationID, amountUSD); err != nil {
			return fmt.Errorf("consume budget: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// CommitSellFill finalizes a position in `closing` status after a sell
// fill: full sells close it, partial sells shrink it back to active.
// Returns true when the position was fully closed.
func (s *ExecStore) CommitSellFill(ctx context.Context, p *models.Position, soldUSD, exitPrice float64) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	remaining := p.SizeUSD - soldUSD
	full := remaining <= 0.01 // dust below a cent closes outright

	if full {
		pnlUSD, pnlPct := p.PnLAt(exitPrice)
		if err := s.positions.MarkClosedInTx(ctx, tx, p.ID, exitPrice, pnlUSD, pnlPct); err != nil {
			return false, fmt.Errorf("mark closed: %w", err)
		}
	} else {
		if err := s.positions.ReduceInTx(ctx, tx, p.ID, remaining, exitPrice); err != nil {
			return false, fmt.Errorf("reduce position: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return full, nil
}

func (s *ExecStore) BeginClose(ctx context.Context, id string) (bool, error) {
	return s.positions.BeginClose(ctx, id)
}

func (s *ExecStore) ReopenFromClosing(ctx context.Context, id string) error {
	return s.positions.ReopenFromClosing(ctx, id)
}

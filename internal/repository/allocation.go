package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/copyrelay/backend/internal/models"
)

type AllocationRepo struct {
	pool *pgxpool.Pool
}

func NewAllocationRepo(pool *pgxpool.Pool) *AllocationRepo {
	return &AllocationRepo{pool: pool}
}

const allocationColumns = `id, follower_id, leader_address, mode, ratio, amount_usd,
	 consumed_usd, copied_trades, active, created_at, updated_at`

// GetActiveByLeader returns the active allocations following one leader.
func (r *AllocationRepo) GetActiveByLeader(ctx context.Context, leaderAddress string) ([]models.CopyAllocation, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+allocationColumns+` FROM copy_allocations
		 WHERE leader_address = $1 AND active = true
		 ORDER BY id ASC`, leaderAddress)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAllocations(rows)
}

func (r *AllocationRepo) GetByFollowerAndLeader(ctx context.Context, followerID int64, leaderAddress string) (*models.CopyAllocation, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+allocationColumns+` FROM copy_allocations
		 WHERE follower_id = $1 AND leader_address = $2`,
		followerID, leaderAddress)
	a, err := scanAllocation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

// Create inserts a new allocation. The unique constraint on
// (follower_id, leader_address) enforces one allocation per pair.
func (r *AllocationRepo) Create(ctx context.Context, a *models.CopyAllocation) (*models.CopyAllocation, error) {
	mode, ratio, amount, err := splitPolicy(a.Policy)
	if err != nil {
		return nil, err
	}
	row := r.pool.QueryRow(ctx,
		`INSERT INTO copy_allocations
		 (follower_id, leader_address, mode, ratio, amount_usd, active)
		 VALUES ($1,$2,$3,$4,$5,$6)
		 RETURNING `+allocationColumns,
		a.FollowerID, a.LeaderAddress, mode, ratio, amount, a.Active)
	return scanAllocation(row)
}

func (r *AllocationRepo) SetActive(ctx context.Context, id int64, active bool) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE copy_allocations SET active = $2, updated_at = NOW() WHERE id = $1`,
		id, active)
	return err
}

// ConsumeInTx charges a successful copy against the allocation's budget
// and increments the follower's copied-trade count. Runs inside the same
// transaction as the position write.
func (r *AllocationRepo) ConsumeInTx(ctx context.Context, tx pgx.Tx, id int64, amountUSD float64) error {
	tag, err := tx.Exec(ctx,
		`UPDATE copy_allocations
		 SET consumed_usd = consumed_usd + $2,
		     copied_trades = copied_trades + 1,
		     updated_at = NOW()
		 WHERE id = $1`,
		id, amountUSD)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("allocation %d not found", id)
	}
	return nil
}

func splitPolicy(p models.AllocationPolicy) (mode models.AllocationMode, ratio, amount *float64, err error) {
	switch v := p.(type) {
	case models.Proportional:
		return models.ModeProportional, &v.Ratio, nil, nil
	case models.FixedAmount:
		return models.ModeFixedAmount, nil, &v.AmountUSD, nil
	default:
		return "", nil, nil, fmt.Errorf("unknown allocation policy %T", p)
	}
}

func buildPolicy(mode models.AllocationMode, ratio, amount *float64) (models.AllocationPolicy, error) {
	switch mode {
	case models.ModeProportional:
		if ratio == nil {
			return nil, fmt.Errorf("proportional allocation missing ratio")
		}
		return models.Proportional{Ratio: *ratio}, nil
	case models.ModeFixedAmount:
		if amount == nil {
			return nil, fmt.Errorf("fixed-amount allocation missing amount")
		}
		return models.FixedAmount{AmountUSD: *amount}, nil
	default:
		return nil, fmt.Errorf("unknown allocation mode %q", mode)
	}
}

// --- scan helpers ---

func scanAllocation(row scannable) (*models.CopyAllocation, error) {
	var a models.CopyAllocation
	var mode models.AllocationMode
	var ratio, amount *float64
	err := row.Scan(
		&a.ID, &a.FollowerID, &a.LeaderAddress, &mode, &ratio, &amount,
		&a.ConsumedUSD, &a.CopiedTrades, &a.Active, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if a.Policy, err = buildPolicy(mode, ratio, amount); err != nil {
		return nil, err
	}
	return &a, nil
}

func collectAllocations(rows rowsIter) ([]models.CopyAllocation, error) {
	var out []models.CopyAllocation
	for rows.Next() {
		var a models.CopyAllocation
		var mode models.AllocationMode
		var ratio, amount *float64
		if err := rows.Scan(
			&a.ID, &a.FollowerID, &a.LeaderAddress, &mode, &ratio, &amount,
			&a.ConsumedUSD, &a.CopiedTrades, &a.Active, &a.CreatedAt, &a.UpdatedAt,
		); err != nil {
			return nil, err
		}
		policy, err := buildPolicy(mode, ratio, amount)
		if err != nil {
			return nil, err
		}
		a.Policy = policy
		out = append(out, a)
	}
	return out, rows.Err()
}

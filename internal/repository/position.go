package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/copyrelay/backend/internal/models"
)

type PositionRepo struct {
	pool *pgxpool.Pool
}

func NewPositionRepo(pool *pgxpool.Pool) *PositionRepo {
	return &PositionRepo{pool: pool}
}

const positionColumns = `id, user_id, market_id, outcome, size_usd, entry_price,
	 current_price, pnl_usd, pnl_percent, take_profit, stop_loss, status,
	 is_copy_trade, leader_address, opened_at, updated_at, closed_at`

func (r *PositionRepo) CreateInTx(ctx context.Context, tx pgx.Tx, p *models.Position) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO positions
		 (id, user_id, market_id, outcome, size_usd, entry_price, current_price,
		  take_profit, stop_loss, status, is_copy_trade, leader_address)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		p.ID, p.UserID, p.MarketID, p.Outcome, p.SizeUSD, p.EntryPrice, p.EntryPrice,
		p.TakeProfit, p.StopLoss, models.PositionActive, p.IsCopyTrade, p.LeaderAddress)
	return err
}

func (r *PositionRepo) GetByID(ctx context.Context, id string) (*models.Position, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE id = $1`, id)
	p, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

func (r *PositionRepo) GetAllActive(ctx context.Context) ([]models.Position, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE status = 'active'
		 ORDER BY opened_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPositions(rows)
}

func (r *PositionRepo) GetActiveByMarket(ctx context.Context, marketID string) ([]models.Position, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE market_id = $1 AND status = 'active'`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPositions(rows)
}

// GetActiveByUserAndMarket returns the follower's open position in a
// market, oldest first when several exist.
func (r *PositionRepo) GetActiveByUserAndMarket(ctx context.Context, userID int64, marketID, outcome string) (*models.Position, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE user_id = $1 AND market_id = $2 AND outcome = $3 AND status = 'active'
		 ORDER BY opened_at ASC LIMIT 1`,
		userID, marketID, outcome)
	p, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

func (r *PositionRepo) GetRecent(ctx context.Context, limit int, status *models.PositionStatus) ([]models.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions`
	args := []any{}
	if status != nil {
		query += ` WHERE status = $1`
		args = append(args, *status)
	}
	args = append(args, limit)
	if status != nil {
		query += ` ORDER BY opened_at DESC LIMIT $2`
	} else {
		query += ` ORDER BY opened_at DESC LIMIT $1`
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPositions(rows)
}

func (r *PositionRepo) CountActiveByUser(ctx context.Context, userID int64) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM positions WHERE user_id = $1 AND status = 'active'`,
		userID).Scan(&count)
	return count, err
}

// UpdateLive writes the price-tick fields. Only the updater calls this.
func (r *PositionRepo) UpdateLive(ctx context.Context, id string, currentPrice, pnlUSD, pnlPercent float64) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE positions
		 SET current_price = $2, pnl_usd = $3, pnl_percent = $4, updated_at = NOW()
		 WHERE id = $1 AND status = 'active'`,
		id, currentPrice, pnlUSD, pnlPercent)
	return err
}

// BeginClose transitions active -> closing and reports whether this caller
// won the transition. A false result means another close is already in
// flight (or the position is closed) and the caller must back off.
func (r *PositionRepo) BeginClose(ctx context.Context, id string) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE positions SET status = 'closing', updated_at = NOW()
		 WHERE id = $1 AND status = 'active'`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ReopenFromClosing reverts a failed close attempt.
func (r *PositionRepo) ReopenFromClosing(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE positions SET status = 'active', updated_at = NOW()
		 WHERE id = $1 AND status = 'closing'`, id)
	return err
}

func (r *PositionRepo) MarkClosedInTx(ctx context.Context, tx pgx.Tx, id string, exitPrice, pnlUSD, pnlPercent float64) error {
	_, err := tx.Exec(ctx,
		`UPDATE positions
		 SET status = 'closed', current_price = $2, pnl_usd = $3, pnl_percent = $4,
		     closed_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND status = 'closing'`,
		id, exitPrice, pnlUSD, pnlPercent)
	return err
}

// ReduceInTx shrinks a position after a partial sell and returns it to
// active status.
func (r *PositionRepo) ReduceInTx(ctx context.Context, tx pgx.Tx, id string, newSizeUSD, exitPrice float64) error {
	_, err := tx.Exec(ctx,
		`UPDATE positions
		 SET status = 'active', size_usd = $2, current_price = $3, updated_at = NOW()
		 WHERE id = $1 AND status = 'closing'`,
		id, newSizeUSD, exitPrice)
	return err
}

// --- scan helpers ---

func scanPosition(row scannable) (*models.Position, error) {
	var p models.Position
	err := row.Scan(
		&p.ID, &p.UserID, &p.MarketID, &p.Outcome, &p.SizeUSD, &p.EntryPrice,
		&p.CurrentPrice, &p.PnLUSD, &p.PnLPercent, &p.TakeProfit, &p.StopLoss,
		&p.Status, &p.IsCopyTrade, &p.LeaderAddress,
		&p.OpenedAt, &p.UpdatedAt, &p.ClosedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func collectPositions(rows rowsIter) ([]models.Position, error) {
	var out []models.Position
	for rows.Next() {
		var p models.Position
		if err := rows.Scan(
			&p.ID, &p.UserID, &p.MarketID, &p.Outcome, &p.SizeUSD, &p.EntryPrice,
			&p.CurrentPrice, &p.PnLUSD, &p.PnLPercent, &p.TakeProfit, &p.StopLoss,
			&p.Status, &p.IsCopyTrade, &p.LeaderAddress,
			&p.OpenedAt, &p.UpdatedAt, &p.ClosedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

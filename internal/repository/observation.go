package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/copyrelay/backend/internal/models"
)

type ObservationRepo struct {
	pool *pgxpool.Pool
}

func NewObservationRepo(pool *pgxpool.Pool) *ObservationRepo {
	return &ObservationRepo{pool: pool}
}

const observationColumns = `id, address, market_id, outcome, side, amount_usd, price, observed_at, created_at`

// Insert stores an observation if its id has not been seen before.
// Returns false when a row with the same id already exists; the caller
// must not publish the event again in that case.
func (r *ObservationRepo) Insert(ctx context.Context, o *models.TradeObservation) (bool, error) {
	ts := o.ObservedAt
	if ts.IsZero() {
		ts = time.Now()
	}

	tag, err := r.pool.Exec(ctx,
		`INSERT INTO trade_observations
		 (id, address, market_id, outcome, side, amount_usd, price, observed_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		 ON CONFLICT (id) DO NOTHING`,
		o.ID, o.Address, o.MarketID, o.Outcome, o.Side, o.AmountUSD, o.Price, ts,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *ObservationRepo) GetByID(ctx context.Context, id string) (*models.TradeObservation, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+observationColumns+` FROM trade_observations WHERE id = $1`, id)
	o, err := scanObservation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return o, err
}

func (r *ObservationRepo) GetRecent(ctx context.Context, limit int) ([]models.TradeObservation, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+observationColumns+` FROM trade_observations
		 ORDER BY observed_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectObservations(rows)
}

// NetPositionUSD returns the leader's net open notional in a market,
// reconstructed from observed buys minus sells. Used to derive what
// fraction of their holding a leader's sell represents.
func (r *ObservationRepo) NetPositionUSD(ctx context.Context, address, marketID string) (float64, error) {
	var net *float64
	err := r.pool.QueryRow(ctx,
		`SELECT SUM(CASE WHEN side = 'BUY' THEN amount_usd ELSE -amount_usd END)
		 FROM trade_observations WHERE address = $1 AND market_id = $2`,
		address, marketID,
	).Scan(&net)
	if err != nil {
		return 0, err
	}
	if net == nil || *net < 0 {
		return 0, nil
	}
	return *net, nil
}

// --- scan helpers ---

func scanObservation(row scannable) (*models.TradeObservation, error) {
	var o models.TradeObservation
	err := row.Scan(
		&o.ID, &o.Address, &o.MarketID, &o.Outcome, &o.Side,
		&o.AmountUSD, &o.Price, &o.ObservedAt, &o.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func collectObservations(rows rowsIter) ([]models.TradeObservation, error) {
	var out []models.TradeObservation
	for rows.Next() {
		var o models.TradeObservation
		if err := rows.Scan(
			&o.ID, &o.Address, &o.MarketID, &o.Outcome, &o.Side,
			&o.AmountUSD, &o.Price, &o.ObservedAt, &o.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

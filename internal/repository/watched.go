package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/copyrelay/backend/internal/models"
)

type WatchedAddressRepo struct {
	pool *pgxpool.Pool
}

func NewWatchedAddressRepo(pool *pgxpool.Pool) *WatchedAddressRepo {
	return &WatchedAddressRepo{pool: pool}
}

const watchedColumns = `id, address, role, active, win_rate, resolved_count, created_at, updated_at`

// GetAllActive returns every active watched address, leaders and
// independent traders alike. The watchlist cache refreshes from this.
func (r *WatchedAddressRepo) GetAllActive(ctx context.Context) ([]models.WatchedAddress, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+watchedColumns+` FROM watched_addresses WHERE active = true`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectWatched(rows)
}

func (r *WatchedAddressRepo) GetByAddress(ctx context.Context, address string) (*models.WatchedAddress, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+watchedColumns+` FROM watched_addresses WHERE address = $1`, address)
	w, err := scanWatched(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return w, err
}

// Create exists for the discovery process and for test seeding; the relay
// core never writes watched addresses.
func (r *WatchedAddressRepo) Create(ctx context.Context, w *models.WatchedAddress) (*models.WatchedAddress, error) {
	row := r.pool.QueryRow(ctx,
		`INSERT INTO watched_addresses (address, role, active, win_rate, resolved_count)
		 VALUES ($1,$2,$3,$4,$5)
		 RETURNING `+watchedColumns,
		w.Address, w.Role, w.Active, w.WinRate, w.ResolvedCount)
	return scanWatched(row)
}

// --- scan helpers ---

type scannable interface {
	Scan(dest ...any) error
}

type rowsIter interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanWatched(row scannable) (*models.WatchedAddress, error) {
	var w models.WatchedAddress
	err := row.Scan(
		&w.ID, &w.Address, &w.Role, &w.Active,
		&w.WinRate, &w.ResolvedCount, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func collectWatched(rows rowsIter) ([]models.WatchedAddress, error) {
	var out []models.WatchedAddress
	for rows.Next() {
		var w models.WatchedAddress
		if err := rows.Scan(
			&w.ID, &w.Address, &w.Role, &w.Active,
			&w.WinRate, &w.ResolvedCount, &w.CreatedAt, &w.UpdatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

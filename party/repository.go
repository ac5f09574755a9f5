package party

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound signals the requested party does not exist.
var ErrNotFound = errors.New("party: not found")

// Repository provides read access to the party registry.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetByID fetches a party by its primary key.
func (r *Repository) GetByID(ctx context.Context, id string) (Party, error) {
	const query = `
		SELECT id, party_type, name, active, commission_tier, created_at
		FROM parties
		WHERE id = $1
	`

	var p Party
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&p.ID,
		&p.Type,
		&p.Name,
		&p.Active,
		&p.CommissionTier,
		&p.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Party{}, ErrNotFound
		}
		return Party{}, fmt.Errorf("party: query by id: %w", err)
	}

	return p, nil
}

// ListActive fetches up to limit active parties ordered by name. Scheduled
// settlement runs iterate this set.
func (r *Repository) ListActive(ctx context.Context, limit int) ([]Party, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}

	const query = `
		SELECT id, party_type, name, active, commission_tier, created_at
		FROM parties
		WHERE active
		ORDER BY name ASC
		LIMIT $1
	`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("party: list active: %w", err)
	}
	defer rows.Close()

	parties := make([]Party, 0, limit)
	for rows.Next() {
		var p Party
		if err := rows.Scan(&p.ID, &p.Type, &p.Name, &p.Active, &p.CommissionTier, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("party: scan party: %w", err)
		}
		parties = append(parties, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("party: iterate parties: %w", err)
	}

	return parties, nil
}

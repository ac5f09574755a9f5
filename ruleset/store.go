package ruleset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrVersionExists signals an attempt to re-save an existing id+version.
	// Rule bundles are immutable; publish a new version instead.
	ErrVersionExists = errors.New("ruleset: version already exists")
	// ErrNotFound is returned when no bundle matches the lookup.
	ErrNotFound = errors.New("ruleset: not found")
)

// PGStore persists rule bundles as jsonb rows keyed by (id, version).
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore wires a pgxpool-backed rule set store.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// Save inserts a new immutable bundle.
func (s *PGStore) Save(ctx context.Context, rs *RuleSet) error {
	if err := rs.Validate(); err != nil {
		return err
	}

	body, err := json.Marshal(rs.Rules)
	if err != nil {
		return fmt.Errorf("ruleset: marshal rules: %w", err)
	}

	const query = `
		INSERT INTO rule_sets (id, version, effective_at, rules)
		VALUES ($1, $2, $3, $4::jsonb)
	`
	if _, err := s.pool.Exec(ctx, query, rs.ID, rs.Version, rs.EffectiveAt.UTC(), body); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrVersionExists
		}
		return fmt.Errorf("ruleset: insert bundle: %w", err)
	}
	return nil
}

// GetByID fetches one bundle by id and version.
func (s *PGStore) GetByID(ctx context.Context, id, version string) (*RuleSet, error) {
	const query = `
		SELECT id, version, effective_at, rules
		FROM rule_sets
		WHERE id = $1 AND version = $2
	`
	return s.scanOne(s.pool.QueryRow(ctx, query, id, version))
}

// GetActive fetches the most recently effective bundle at the given instant.
func (s *PGStore) GetActive(ctx context.Context, at time.Time) (*RuleSet, error) {
	const query = `
		SELECT id, version, effective_at, rules
		FROM rule_sets
		WHERE effective_at <= $1
		ORDER BY effective_at DESC, version DESC
		LIMIT 1
	`
	return s.scanOne(s.pool.QueryRow(ctx, query, at.UTC()))
}

func (s *PGStore) scanOne(row pgx.Row) (*RuleSet, error) {
	var (
		rs   RuleSet
		body []byte
	)
	if err := row.Scan(&rs.ID, &rs.Version, &rs.EffectiveAt, &body); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ruleset: scan bundle: %w", err)
	}
	if err := json.Unmarshal(body, &rs.Rules); err != nil {
		return nil, fmt.Errorf("ruleset: unmarshal rules: %w", err)
	}
	return &rs, nil
}

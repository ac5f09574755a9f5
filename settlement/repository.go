package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"settleflow/party"
)

const settlementColumns = `id, party_type, party_id, period_start, period_end, status, payable_amount, engine_version, rule_set_id, metadata, memo, notes, paid_at, created_at, updated_at`

// PGStore implements Store on Postgres. Race safety between concurrent batch
// runs rests on the partial unique index over
// (party_type, party_id, period_start, period_end) WHERE status <> 'cancelled'.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore wires a pgxpool-backed settlement store.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// Get fetches one settlement with its items.
func (r *PGStore) Get(ctx context.Context, id string) (*Settlement, error) {
	query := `SELECT ` + settlementColumns + ` FROM settlements WHERE id = $1`

	s, err := scanSettlement(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, err
	}

	items, err := r.loadItems(ctx, id)
	if err != nil {
		return nil, err
	}
	s.Items = items
	return s, nil
}

func (r *PGStore) loadItems(ctx context.Context, settlementID string) ([]Item, error) {
	const query = `
		SELECT id, settlement_id, COALESCE(order_id::text, ''), COALESCE(commission_id::text, ''), kind, amount
		FROM settlement_items
		WHERE settlement_id = $1
		ORDER BY created_at ASC, id ASC
	`

	rows, err := r.pool.Query(ctx, query, settlementID)
	if err != nil {
		return nil, fmt.Errorf("settlement: query items: %w", err)
	}
	defer rows.Close()

	items := make([]Item, 0, 16)
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ID, &it.SettlementID, &it.OrderID, &it.CommissionID, &it.Kind, &it.Amount); err != nil {
			return nil, fmt.Errorf("settlement: scan item: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("settlement: iterate items: %w", err)
	}
	return items, nil
}

// FindByPartyAndPeriod lists settlements for one party covering the exact
// period, newest first. Items are not loaded.
func (r *PGStore) FindByPartyAndPeriod(ctx context.Context, partyType party.Type, partyID string, periodStart, periodEnd time.Time) ([]Settlement, error) {
	query := `
		SELECT ` + settlementColumns + `
		FROM settlements
		WHERE party_type = $1 AND party_id = $2 AND period_start = $3 AND period_end = $4
		ORDER BY created_at DESC
	`

	rows, err := r.pool.Query(ctx, query, partyType, partyID, periodStart.UTC(), periodEnd.UTC())
	if err != nil {
		return nil, fmt.Errorf("settlement: query by party and period: %w", err)
	}
	defer rows.Close()

	return collectSettlements(rows)
}

// FindActiveForPeriod scans for non-cancelled settlements for any of the given
// parties over the exact period.
func (r *PGStore) FindActiveForPeriod(ctx context.Context, periodStart, periodEnd time.Time, parties []party.Context) ([]DuplicateInfo, error) {
	if len(parties) == 0 {
		return nil, nil
	}

	types := make([]string, 0, len(parties))
	ids := make([]string, 0, len(parties))
	for _, p := range parties {
		types = append(types, string(p.Type))
		ids = append(ids, p.ID)
	}

	const query = `
		SELECT s.id, s.party_type, s.party_id, s.period_start, s.period_end, s.engine_version
		FROM settlements s
		JOIN unnest($1::text[], $2::text[]) AS p(party_type, party_id)
		  ON s.party_type::text = p.party_type AND s.party_id = p.party_id
		WHERE s.period_start = $3 AND s.period_end = $4
		  AND s.status <> 'cancelled'
		ORDER BY s.created_at ASC
	`

	rows, err := r.pool.Query(ctx, query, types, ids, periodStart.UTC(), periodEnd.UTC())
	if err != nil {
		return nil, fmt.Errorf("settlement: query duplicates: %w", err)
	}
	defer rows.Close()

	out := make([]DuplicateInfo, 0, 4)
	for rows.Next() {
		var (
			info    DuplicateInfo
			ptype   party.Type
			partyID string
		)
		if err := rows.Scan(&info.SettlementID, &ptype, &partyID, &info.PeriodStart, &info.PeriodEnd, &info.EngineVersion); err != nil {
			return nil, fmt.Errorf("settlement: scan duplicate: %w", err)
		}
		info.PartyKey = fmt.Sprintf("%s:%s", ptype, partyID)
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("settlement: iterate duplicates: %w", err)
	}
	return out, nil
}

// CreateWithItems persists one settlement and its items atomically. The sum
// invariant payable == Σ items is re-checked here, on write, as the last line
// of defense.
func (r *PGStore) CreateWithItems(ctx context.Context, s *Settlement) error {
	if len(s.Items) == 0 {
		return fmt.Errorf("settlement: refusing to persist %s without items", s.PartyKey())
	}
	if !s.PayableAmount.Equal(s.ItemSum()) {
		return fmt.Errorf("settlement: %s payable %s != item sum %s", s.PartyKey(), s.PayableAmount, s.ItemSum())
	}

	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Status == "" {
		s.Status = StatusPending
	}

	metadata, err := json.Marshal(s.Metadata)
	if err != nil {
		return fmt.Errorf("settlement: marshal metadata: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("settlement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const insertSQL = `
		INSERT INTO settlements (id, party_type, party_id, period_start, period_end, status, payable_amount, engine_version, rule_set_id, metadata, memo, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb, $11, $12)
		RETURNING created_at, updated_at
	`
	if err := tx.QueryRow(ctx, insertSQL,
		s.ID,
		s.PartyType,
		s.PartyID,
		s.PeriodStart.UTC(),
		s.PeriodEnd.UTC(),
		s.Status,
		s.PayableAmount,
		s.EngineVersion,
		s.RuleSetID,
		metadata,
		s.Memo,
		s.Notes,
	).Scan(&s.CreatedAt, &s.UpdatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateSettlement
		}
		return fmt.Errorf("settlement: insert: %w", err)
	}

	const itemSQL = `
		INSERT INTO settlement_items (id, settlement_id, order_id, commission_id, kind, amount)
		VALUES ($1, $2, NULLIF($3, '')::uuid, NULLIF($4, '')::uuid, $5, $6)
	`
	for i := range s.Items {
		it := &s.Items[i]
		if it.ID == "" {
			it.ID = uuid.NewString()
		}
		it.SettlementID = s.ID
		if _, err := tx.Exec(ctx, itemSQL, it.ID, it.SettlementID, it.OrderID, it.CommissionID, it.Kind, it.Amount); err != nil {
			return fmt.Errorf("settlement: insert item: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("settlement: commit: %w", err)
	}
	return nil
}

// UpdateStatus performs a guarded transition: the row must still be in the
// prior status the caller observed.
func (r *PGStore) UpdateStatus(ctx context.Context, id string, from, to Status, paidAt *time.Time, notes string) (*Settlement, error) {
	query := `
		UPDATE settlements
		SET status = $3,
		    paid_at = COALESCE($4, paid_at),
		    notes = CASE WHEN $5 <> '' THEN $5 ELSE notes END,
		    updated_at = now()
		WHERE id = $1 AND status = $2
		RETURNING ` + settlementColumns

	s, err := scanSettlement(r.pool.QueryRow(ctx, query, id, from, to, paidAt, notes))
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	// Distinguish a missing row from a lost race.
	var exists bool
	if qErr := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM settlements WHERE id = $1)`, id).Scan(&exists); qErr != nil {
		return nil, fmt.Errorf("settlement: verify existence: %w", qErr)
	}
	if exists {
		return nil, ErrStaleStatus
	}
	return nil, ErrNotFound
}

// ForceStatus overwrites the status without state machine validation. Callers
// are expected to audit this path separately.
func (r *PGStore) ForceStatus(ctx context.Context, id string, to Status, notes string) (*Settlement, error) {
	query := `
		UPDATE settlements
		SET status = $2,
		    notes = CASE WHEN $3 <> '' THEN $3 ELSE notes END,
		    updated_at = now()
		WHERE id = $1
		RETURNING ` + settlementColumns

	return scanSettlement(r.pool.QueryRow(ctx, query, id, to, notes))
}

// UpdateMemo replaces the free-text memo. The memo never affects amounts.
func (r *PGStore) UpdateMemo(ctx context.Context, id string, memo string) (*Settlement, error) {
	query := `
		UPDATE settlements
		SET memo = $2, updated_at = now()
		WHERE id = $1
		RETURNING ` + settlementColumns

	return scanSettlement(r.pool.QueryRow(ctx, query, id, memo))
}

// List pages through settlements matching the filters, newest first.
func (r *PGStore) List(ctx context.Context, f Filters) ([]Settlement, int, error) {
	if f.Page <= 0 {
		f.Page = 1
	}
	if f.PageSize <= 0 || f.PageSize > 100 {
		f.PageSize = 20
	}

	where := ` WHERE 1=1`
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.PartyType != "" {
		where += ` AND party_type = ` + arg(f.PartyType)
	}
	if f.PartyID != "" {
		where += ` AND party_id = ` + arg(f.PartyID)
	}
	if f.Status != "" {
		where += ` AND status = ` + arg(f.Status)
	}
	if f.PeriodStart != nil {
		where += ` AND period_start >= ` + arg(f.PeriodStart.UTC())
	}
	if f.PeriodEnd != nil {
		where += ` AND period_end <= ` + arg(f.PeriodEnd.UTC())
	}

	countQuery := `SELECT COUNT(*) FROM settlements` + where
	var total int
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("settlement: count: %w", err)
	}

	query := `SELECT ` + settlementColumns + ` FROM settlements` + where +
		` ORDER BY created_at DESC LIMIT ` + arg(f.PageSize) + ` OFFSET ` + arg((f.Page-1)*f.PageSize)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("settlement: list: %w", err)
	}
	defer rows.Close()

	records, err := collectSettlements(rows)
	if err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

func collectSettlements(rows pgx.Rows) ([]Settlement, error) {
	out := []Settlement{}
	for rows.Next() {
		s, err := scanSettlementRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("settlement: iterate: %w", err)
	}
	return out, nil
}

func scanSettlement(row pgx.Row) (*Settlement, error) {
	s, err := scanSettlementRow(row)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func scanSettlementRow(row pgx.Row) (*Settlement, error) {
	var (
		s        Settlement
		metadata []byte
	)
	err := row.Scan(
		&s.ID,
		&s.PartyType,
		&s.PartyID,
		&s.PeriodStart,
		&s.PeriodEnd,
		&s.Status,
		&s.PayableAmount,
		&s.EngineVersion,
		&s.RuleSetID,
		&metadata,
		&s.Memo,
		&s.Notes,
		&s.PaidAt,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("settlement: scan: %w", err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &s.Metadata); err != nil {
			return nil, fmt.Errorf("settlement: unmarshal metadata: %w", err)
		}
	}
	return &s, nil
}

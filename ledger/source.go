package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"settleflow/party"
)

// ErrUnknownParty signals a fetch was requested for a party that is not
// registered. The engine treats this as a per-party failure, not a batch abort.
var ErrUnknownParty = errors.New("ledger: unknown party")

// Source provides read-only access to the order and commission records backing
// a settlement run. Period bounds are half-open [start, end) in UTC.
type Source interface {
	FetchSlice(ctx context.Context, partyType party.Type, partyID string, periodStart, periodEnd time.Time) (Slice, error)
}

// PGSource reads ledger slices from the orders and commissions tables.
type PGSource struct {
	pool *pgxpool.Pool
}

// NewPGSource wires a pgxpool-backed ledger source.
func NewPGSource(pool *pgxpool.Pool) *PGSource {
	return &PGSource{pool: pool}
}

// FetchSlice returns the finalized orders and commission rows for one party and
// period. Only delivered orders are settleable.
func (s *PGSource) FetchSlice(ctx context.Context, partyType party.Type, partyID string, periodStart, periodEnd time.Time) (Slice, error) {
	slice := Slice{
		PartyType:   partyType,
		PartyID:     partyID,
		PeriodStart: periodStart.UTC(),
		PeriodEnd:   periodEnd.UTC(),
	}

	// The platform itself settles against every order; other parties must be
	// registered before they can be settled.
	if partyType != party.TypePlatform {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM parties WHERE id=$1 AND party_type=$2)`, partyID, partyType).Scan(&exists); err != nil {
			return Slice{}, fmt.Errorf("ledger: verify party: %w", err)
		}
		if !exists {
			return Slice{}, ErrUnknownParty
		}
	}

	orders, err := s.fetchOrders(ctx, partyType, partyID, slice.PeriodStart, slice.PeriodEnd)
	if err != nil {
		return Slice{}, err
	}
	slice.Orders = orders

	commissions, err := s.fetchCommissions(ctx, partyType, partyID, slice.PeriodStart, slice.PeriodEnd)
	if err != nil {
		return Slice{}, err
	}
	slice.Commissions = commissions

	return slice, nil
}

func (s *PGSource) fetchOrders(ctx context.Context, partyType party.Type, partyID string, periodStart, periodEnd time.Time) ([]Order, error) {
	const base = `
		SELECT id, seller_id, supplier_id, COALESCE(partner_id::text, ''), gross_amount, base_price_total, quantity, commission_rate, placed_at
		FROM orders
		WHERE status = 'delivered'
		  AND placed_at >= $1 AND placed_at < $2
	`
	const order = ` ORDER BY placed_at ASC, id ASC`

	var (
		query string
		args  []any
	)
	switch partyType {
	case party.TypeSeller:
		query = base + ` AND seller_id = $3` + order
		args = []any{periodStart, periodEnd, partyID}
	case party.TypeSupplier:
		query = base + ` AND supplier_id = $3` + order
		args = []any{periodStart, periodEnd, partyID}
	case party.TypePartner:
		query = base + ` AND partner_id = $3` + order
		args = []any{periodStart, periodEnd, partyID}
	case party.TypePlatform:
		// Every delivered order contributes platform commission.
		query = base + order
		args = []any{periodStart, periodEnd}
	default:
		return nil, fmt.Errorf("ledger: unsupported party type %q", partyType)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: query orders: %w", err)
	}
	defer rows.Close()

	orders := make([]Order, 0, 32)
	for rows.Next() {
		var o Order
		if err := rows.Scan(&o.ID, &o.SellerID, &o.SupplierID, &o.PartnerID, &o.GrossAmount, &o.BasePriceTotal, &o.Quantity, &o.CommissionRate, &o.PlacedAt); err != nil {
			return nil, fmt.Errorf("ledger: scan order: %w", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterate orders: %w", err)
	}
	return orders, nil
}

func (s *PGSource) fetchCommissions(ctx context.Context, partyType party.Type, partyID string, periodStart, periodEnd time.Time) ([]CommissionRow, error) {
	const query = `
		SELECT c.id, COALESCE(c.order_id::text, ''), c.kind, c.amount, c.rate
		FROM commissions c
		WHERE c.party_type = $1 AND c.party_id = $2
		  AND c.recorded_at >= $3 AND c.recorded_at < $4
		ORDER BY c.recorded_at ASC, c.id ASC
	`

	rows, err := s.pool.Query(ctx, query, partyType, partyID, periodStart, periodEnd)
	if err != nil {
		return nil, fmt.Errorf("ledger: query commissions: %w", err)
	}
	defer rows.Close()

	out := make([]CommissionRow, 0, 8)
	for rows.Next() {
		var c CommissionRow
		if err := rows.Scan(&c.ID, &c.OrderID, &c.Kind, &c.Amount, &c.Rate); err != nil {
			return nil, fmt.Errorf("ledger: scan commission: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterate commissions: %w", err)
	}
	return out, nil
}

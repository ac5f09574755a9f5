package ledger

import (
	"time"

	"github.com/shopspring/decimal"

	"settleflow/party"
)

// Order is one finalized order row relevant to a party's settlement period.
type Order struct {
	ID             string
	SellerID       string
	SupplierID     string
	PartnerID      string
	GrossAmount    decimal.Decimal
	BasePriceTotal decimal.Decimal
	Quantity       int
	CommissionRate decimal.Decimal
	PlacedAt       time.Time
}

// CommissionRow is a standalone commission record (e.g. a manual adjustment)
// attributed to a party within the period.
type CommissionRow struct {
	ID      string
	OrderID string
	Kind    string
	Amount  decimal.Decimal
	Rate    decimal.Decimal
}

// Slice is the deterministic ledger snapshot for one party and period. Once
// orders in the period are finalized the same inputs always produce the same
// slice, which is what makes dry runs and shadow comparisons repeatable.
type Slice struct {
	PartyType   party.Type
	PartyID     string
	PeriodStart time.Time
	PeriodEnd   time.Time
	Orders      []Order
	Commissions []CommissionRow
}

// Empty reports whether the slice carries no settleable rows.
func (s Slice) Empty() bool {
	return len(s.Orders) == 0 && len(s.Commissions) == 0
}

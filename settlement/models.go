package settlement

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"settleflow/party"
)

// Status tracks a settlement through its lifecycle. Cancellation is a status,
// never a physical delete.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusPaid       Status = "paid"
	StatusCancelled  Status = "cancelled"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusPaid, StatusCancelled:
		return true
	}
	return false
}

// CanModify reports whether the settlement may still change through the state
// machine. Paid and cancelled are terminal.
func (s Status) CanModify() bool {
	return s != StatusPaid && s != StatusCancelled
}

// canTransition encodes the full machine:
// pending -> processing -> paid; pending|processing -> cancelled.
func canTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing || to == StatusPaid || to == StatusCancelled
	case StatusProcessing:
		return to == StatusPaid || to == StatusCancelled
	default:
		return false
	}
}

// EngineVersion tags which rule engine produced a settlement. Kept as a typed
// field rather than a metadata entry so queries and diffs stay honest.
type EngineVersion string

const (
	EngineV1 EngineVersion = "v1"
	EngineV2 EngineVersion = "v2"
)

// Item is one line contributing to a settlement's payable amount. Items are
// owned exclusively by their settlement.
type Item struct {
	ID           string
	SettlementID string
	OrderID      string
	CommissionID string
	Kind         string
	Amount       decimal.Decimal
}

// Settlement is one computed payable record for a party and period. The period
// is half-open [PeriodStart, PeriodEnd) in UTC.
type Settlement struct {
	ID            string
	PartyType     party.Type
	PartyID       string
	PeriodStart   time.Time
	PeriodEnd     time.Time
	Status        Status
	PayableAmount decimal.Decimal
	EngineVersion EngineVersion
	RuleSetID     string
	Metadata      map[string]string
	Memo          string
	Notes         string
	Items         []Item
	PaidAt        *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// PartyKey renders the canonical "type:id" identifier.
func (s *Settlement) PartyKey() string {
	return fmt.Sprintf("%s:%s", s.PartyType, s.PartyID)
}

// ItemSum totals the item amounts. The payable amount must equal this sum.
func (s *Settlement) ItemSum() decimal.Decimal {
	sum := decimal.Zero
	for _, it := range s.Items {
		sum = sum.Add(it.Amount)
	}
	return sum
}

// DuplicateInfo is a transient diagnostic describing an existing non-cancelled
// settlement that blocks (or annotates) a new run for the same party/period.
type DuplicateInfo struct {
	PartyKey      string
	SettlementID  string
	PeriodStart   time.Time
	PeriodEnd     time.Time
	EngineVersion EngineVersion
}

// Filters narrows settlement listings.
type Filters struct {
	PartyType   party.Type
	PartyID     string
	Status      Status
	PeriodStart *time.Time
	PeriodEnd   *time.Time
	Page        int
	PageSize    int
}

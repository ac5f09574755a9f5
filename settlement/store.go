package settlement

import (
	"context"
	"time"

	"settleflow/party"
)

// Store is the persistence contract the engine, shadow comparator and
// lifecycle manager operate against. Implementations own their transaction
// boundaries: CreateWithItems writes one settlement and its items atomically,
// and the guarded UpdateStatus is a single compare-and-swap.
type Store interface {
	Get(ctx context.Context, id string) (*Settlement, error)
	FindByPartyAndPeriod(ctx context.Context, partyType party.Type, partyID string, periodStart, periodEnd time.Time) ([]Settlement, error)
	// FindActiveForPeriod scans for non-cancelled settlements matching any of
	// the given parties for the exact period. Query-only; takes no locks.
	FindActiveForPeriod(ctx context.Context, periodStart, periodEnd time.Time, parties []party.Context) ([]DuplicateInfo, error)
	CreateWithItems(ctx context.Context, s *Settlement) error
	// UpdateStatus transitions id from the expected prior status to the next
	// one. Returns ErrStaleStatus when the row moved under the caller.
	UpdateStatus(ctx context.Context, id string, from, to Status, paidAt *time.Time, notes string) (*Settlement, error)
	// ForceStatus is the audited admin override: it bypasses the state
	// machine entirely.
	ForceStatus(ctx context.Context, id string, to Status, notes string) (*Settlement, error)
	UpdateMemo(ctx context.Context, id string, memo string) (*Settlement, error)
	List(ctx context.Context, f Filters) ([]Settlement, int, error)
}

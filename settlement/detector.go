package settlement

import (
	"context"
	"time"

	"settleflow/party"
)

// Detector performs the in-process duplicate scan ahead of a batch run. It is
// a courtesy check: two invocations can still race between detection and
// persistence, which is why the storage unique index remains the authority.
type Detector struct {
	store Store
}

// NewDetector wires a detector over the settlement store.
func NewDetector(store Store) *Detector {
	return &Detector{store: store}
}

// Detect reports every existing non-cancelled settlement matching any of the
// requested parties for the exact period, regardless of engine version.
func (d *Detector) Detect(ctx context.Context, periodStart, periodEnd time.Time, parties []party.Context) ([]DuplicateInfo, error) {
	return d.store.FindActiveForPeriod(ctx, periodStart, periodEnd, parties)
}

package settlement

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Notification events emitted by the lifecycle manager.
const (
	EventSettlementPaid = "settlement.paid"
)

// Notifier delivers best-effort notifications to parties. Failures are logged
// by callers and never propagated.
type Notifier interface {
	Notify(ctx context.Context, partyID, event string, payload map[string]any) error
}

// Lifecycle owns post-creation state transitions on persisted settlements.
// It never creates settlements; that is the engine's job.
type Lifecycle struct {
	store    Store
	notifier Notifier
	logger   *zap.Logger
	now      func() time.Time
}

// NewLifecycle wires a lifecycle manager. The notifier may be nil, in which
// case payment notifications are skipped.
func NewLifecycle(store Store, notifier Notifier, logger *zap.Logger) *Lifecycle {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Lifecycle{
		store:    store,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// MarkAsProcessing moves a settlement into processing. Terminal settlements
// cannot be modified.
func (l *Lifecycle) MarkAsProcessing(ctx context.Context, id string) (*Settlement, error) {
	s, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.Status.CanModify() || !canTransition(s.Status, StatusProcessing) {
		return nil, &InvalidTransitionError{From: s.Status, To: StatusProcessing}
	}
	return l.store.UpdateStatus(ctx, id, s.Status, StatusProcessing, nil, "")
}

// MarkAsPaid finalizes a settlement as paid, recording paidAt (defaulting to
// now). When the settlement jumps straight from pending, the party is
// notified best-effort: a notification failure never fails the transition.
func (l *Lifecycle) MarkAsPaid(ctx context.Context, id string, paidAt *time.Time) (*Settlement, error) {
	s, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canTransition(s.Status, StatusPaid) {
		return nil, &InvalidTransitionError{From: s.Status, To: StatusPaid}
	}

	prior := s.Status
	when := l.now().UTC()
	if paidAt != nil {
		when = paidAt.UTC()
	}

	updated, err := l.store.UpdateStatus(ctx, id, prior, StatusPaid, &when, "")
	if err != nil {
		return nil, err
	}

	if prior == StatusPending && l.notifier != nil {
		payload := map[string]any{
			"settlement_id":  updated.ID,
			"party_type":     string(updated.PartyType),
			"payable_amount": updated.PayableAmount.String(),
			"paid_at":        when,
		}
		if nerr := l.notifier.Notify(ctx, updated.PartyID, EventSettlementPaid, payload); nerr != nil {
			l.logger.Warn("payment notification failed",
				zap.String("settlement_id", updated.ID),
				zap.String("party", updated.PartyKey()),
				zap.Error(nerr),
			)
		}
	}

	return updated, nil
}

// Cancel voids a settlement. Allowed from pending or processing only;
// cancellation is a status, never a delete.
func (l *Lifecycle) Cancel(ctx context.Context, id string) (*Settlement, error) {
	s, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canTransition(s.Status, StatusCancelled) {
		return nil, &InvalidTransitionError{From: s.Status, To: StatusCancelled}
	}
	return l.store.UpdateStatus(ctx, id, s.Status, StatusCancelled, nil, "")
}

// UpdateStatus is the audited admin override: it bypasses the state machine
// for exception handling and must not be used in the normal flow.
func (l *Lifecycle) UpdateStatus(ctx context.Context, id string, status Status, notes string) (*Settlement, error) {
	if !status.Valid() {
		return nil, &ValidationError{Reason: "unknown status " + string(status)}
	}

	updated, err := l.store.ForceStatus(ctx, id, status, notes)
	if err != nil {
		return nil, err
	}
	l.logger.Info("settlement status overridden",
		zap.String("settlement_id", id),
		zap.String("status", string(status)),
	)
	return updated, nil
}

// UpdateMemo replaces the admin memo. Memo edits never affect the amount.
func (l *Lifecycle) UpdateMemo(ctx context.Context, id string, memo string) (*Settlement, error) {
	return l.store.UpdateMemo(ctx, id, memo)
}

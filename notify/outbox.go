package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Outbox enqueues party notifications into the outbox table for a relay
// worker to deliver. Enqueueing is the delivery guarantee boundary: once the
// row is in, delivery is the relay's problem.
type Outbox struct {
	pool *pgxpool.Pool
}

// NewOutbox wires a pgxpool-backed outbox notifier.
func NewOutbox(pool *pgxpool.Pool) *Outbox {
	return &Outbox{pool: pool}
}

// Notify enqueues one notification message.
func (o *Outbox) Notify(ctx context.Context, partyID, event string, payload map[string]any) error {
	if partyID == "" {
		return fmt.Errorf("notify: missing party id")
	}

	body := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		body[k] = v
	}
	body["party_id"] = partyID

	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("notify: marshal payload: %w", err)
	}

	const query = `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`
	if _, err := o.pool.Exec(ctx, query, event, raw); err != nil {
		return fmt.Errorf("notify: enqueue outbox: %w", err)
	}
	return nil
}

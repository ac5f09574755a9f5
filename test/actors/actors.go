package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"settleflow/settlement"
)

// Generator repeatedly runs persisting settlement batches for the same period.
// Under contention most runs lose the duplicate race, which is the point.
// Transient failures (chaos kills backends mid-batch) are retried; only config
// validation errors indicate a harness bug and abort.
func Generator(ctx context.Context, eng *settlement.Engine, cfg settlement.GenerateConfig, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if _, err := eng.GenerateSettlements(ctx, cfg); fatal(err) {
			return fmt.Errorf("generator batch: %w", err)
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// DryRunner runs dry-run batches against a period nothing else settles, so any
// row that appears for that period is a purity violation the oracles will catch.
func DryRunner(ctx context.Context, eng *settlement.Engine, cfg settlement.GenerateConfig, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if _, err := eng.GenerateSettlements(ctx, cfg); fatal(err) {
			return fmt.Errorf("dry run batch: %w", err)
		}
		time.Sleep(time.Duration(15+rand.Intn(35)) * time.Millisecond)
	}
}

// Payer picks random pending settlements and walks them to paid. Races with
// Canceller over the same rows; stale-status losses are part of the exercise.
func Payer(ctx context.Context, pool *pgxpool.Pool, lc *settlement.Lifecycle, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var id string
		err := pool.QueryRow(ctx, `SELECT id FROM settlements WHERE status='pending' ORDER BY random() LIMIT 1`).Scan(&id)
		if err == nil {
			// sometimes pay straight from pending, which emits the
			// notification; sometimes walk through processing first
			if rand.Intn(2) == 0 {
				if _, perr := lc.MarkAsPaid(ctx, id, nil); fatal(perr) {
					return fmt.Errorf("payer mark paid: %w", perr)
				}
			} else if _, perr := lc.MarkAsProcessing(ctx, id); perr == nil {
				if _, perr := lc.MarkAsPaid(ctx, id, nil); fatal(perr) {
					return fmt.Errorf("payer mark paid: %w", perr)
				}
			} else if fatal(perr) {
				return fmt.Errorf("payer mark processing: %w", perr)
			}
		}
		time.Sleep(time.Duration(30+rand.Intn(50)) * time.Millisecond)
	}
}

// Canceller voids random pending settlements, freeing their period slot so a
// Generator can settle the party again.
func Canceller(ctx context.Context, pool *pgxpool.Pool, lc *settlement.Lifecycle, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var id string
		err := pool.QueryRow(ctx, `SELECT id FROM settlements WHERE status IN ('pending','processing') ORDER BY random() LIMIT 1`).Scan(&id)
		if err == nil {
			if _, cerr := lc.Cancel(ctx, id); fatal(cerr) {
				return fmt.Errorf("canceller: %w", cerr)
			}
		}
		time.Sleep(time.Duration(80+rand.Intn(80)) * time.Millisecond)
	}
}

// OutboxWorker consumes pending outbox messages with SKIP LOCKED and marks them
// processed, simulating occasional delivery failures.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE status='pending' ORDER BY created_at LIMIT 10 FOR UPDATE SKIP LOCKED`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ids := make([]string, 0, 10)
		for rows.Next() {
			var id string
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			// simulate random failure
			if rand.Intn(10) == 0 {
				_, _ = tx.Exec(ctx, `UPDATE outbox SET attempts=attempts+1, last_attempt=NOW() WHERE id=$1`, id)
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET status='processed', last_attempt=NOW() WHERE id=$1`, id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}

// fatal reports whether an actor error indicates a harness bug rather than an
// expected race loss or chaos-induced connection failure. Invariants are
// enforced by the oracles, not by actor error codes.
func fatal(err error) bool {
	if err == nil {
		return false
	}
	var verr *settlement.ValidationError
	return errors.As(err, &verr)
}

package ruleset

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"settleflow/party"
)

// TestPGStore_Integration connects to a real PostgreSQL via DATABASE_URL and
// verifies bundle immutability and effective-date resolution.
func TestPGStore_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	var schemaOK bool
	if err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = 'rule_sets')`).Scan(&schemaOK); err != nil {
		t.Fatalf("check schema: %v", err)
	}
	if !schemaOK {
		t.Skip("database schema missing; apply the migrations/ folder first")
	}

	store := NewPGStore(pool)
	bundleID := fmt.Sprintf("itest-%d", time.Now().UnixNano())

	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		pool.Exec(ctx2, `DELETE FROM rule_sets WHERE id = $1`, bundleID)
	})

	v1 := &RuleSet{
		ID:          bundleID,
		Version:     "1",
		EffectiveAt: time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC),
		Rules: []Rule{
			{ID: "default", Name: "default", Kind: KindPercentage, Rate: decimal.NewFromInt(10)},
		},
	}
	if err := store.Save(ctx, v1); err != nil {
		t.Fatalf("save v1: %v", err)
	}

	// Bundles are immutable: the same id+version cannot be re-saved
	if err := store.Save(ctx, v1); !errors.Is(err, ErrVersionExists) {
		t.Fatalf("expected ErrVersionExists, got %v", err)
	}

	v2 := &RuleSet{
		ID:          bundleID,
		Version:     "2",
		EffectiveAt: time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC),
		Rules: []Rule{
			{ID: "seller-12", Name: "seller bump", AppliesTo: party.TypeSeller, Kind: KindPercentage, Rate: decimal.NewFromInt(12)},
			{ID: "default", Name: "default", Kind: KindPercentage, Rate: decimal.NewFromInt(10)},
		},
	}
	if err := store.Save(ctx, v2); err != nil {
		t.Fatalf("save v2: %v", err)
	}

	got, err := store.GetByID(ctx, bundleID, "2")
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if len(got.Rules) != 2 || got.Rules[0].AppliesTo != party.TypeSeller {
		t.Fatalf("rules did not round-trip: %+v", got.Rules)
	}
	if !got.Rules[0].Rate.Equal(decimal.NewFromInt(12)) {
		t.Fatalf("expected rate 12, got %s", got.Rules[0].Rate)
	}

	// In February only v1 is in force; in March v2 takes over
	feb := time.Date(2026, time.February, 15, 0, 0, 0, 0, time.UTC)
	active, err := store.GetActive(ctx, feb)
	if err != nil {
		t.Fatalf("get active feb: %v", err)
	}
	if active.ID == bundleID && active.Version != "1" {
		t.Fatalf("expected version 1 active in February, got %s", active.Version)
	}

	if _, err := store.GetByID(ctx, bundleID, "99"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

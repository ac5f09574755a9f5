package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"settleflow/ledger"
	"settleflow/notify"
	"settleflow/party"
	"settleflow/ruleset"
	"settleflow/settlement"
	"settleflow/test/actors"
	"settleflow/test/chaos"
	"settleflow/test/infra"
	"settleflow/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 90*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent actors")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

func seedRNG(seed int64) { rand.Seed(seed) }

func TestSettlementConcurrency(t *testing.T) {
	flag.Parse()
	seed := *flSeed
	seedRNG(seed)

	var (
		pgC        *infra.PGContainer
		dsn        string
		err        error
		usedShared bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	switch {
	case *flDSN != "":
		dsn = *flDSN
		usedShared = true
		pgC = &infra.PGContainer{}
	case os.Getenv("SETTLE_TEST_PG_DSN") != "":
		dsn = os.Getenv("SETTLE_TEST_PG_DSN")
		usedShared = true
		pgC = &infra.PGContainer{}
	default:
		if dockerAvailable(ctx) {
			pgC, dsn, err = infra.StartPostgres16(ctx, "")
			if err != nil {
				t.Fatalf("start postgres: %v", err)
			}
		} else {
			dsn, err = infra.InitLocalDatabase(ctx)
			if err != nil {
				t.Fatalf("init local database: %v", err)
			}
			pgC = &infra.PGContainer{}
		}
	}
	defer pgC.Terminate(context.Background())

	// migrations
	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	// seed ledger data and the rule set
	seedData := mustSeed(t, ctx, pool)

	logger := zap.NewNop()
	store := settlement.NewPGStore(pool)
	eng := settlement.NewEngine(ledger.NewPGSource(pool), store, logger)
	lc := settlement.NewLifecycle(store, notify.NewOutbox(pool), logger)

	jan := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	feb := time.Date(2026, time.February, 1, 0, 0, 0, 0, time.UTC)
	mar := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)

	liveCfg := settlement.NewGenerateConfig(jan, feb, seedData.parties, seedData.rules)
	liveCfg.DryRun = false
	liveCfg.PreventDuplicates = true

	// February is settled by dry runs only; any persisted February row trips O5.
	dryCfg := settlement.NewGenerateConfig(feb, mar, seedData.parties, seedData.rules)

	// run actors
	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	// generators battling over the same period slots
	for i := 0; i < *flConcurrency; i++ {
		g.Go(func() error { return actors.Generator(ctx2, eng, liveCfg, stop) })
	}
	g.Go(func() error { return actors.DryRunner(ctx2, eng, dryCfg, stop) })
	// payers and cancellers churning settlement state
	g.Go(func() error { return actors.Payer(ctx2, pool, lc, stop) })
	g.Go(func() error { return actors.Payer(ctx2, pool, lc, stop) })
	g.Go(func() error { return actors.Canceller(ctx2, pool, lc, stop) })
	// outbox worker draining payment notifications
	g.Go(func() error { return actors.OutboxWorker(ctx2, pool, stop) })
	// chaos: kill random backend
	go chaos.TerminateRandomBackend(ctx2, pool, "", stop)

	// schedule oracle checks until duration reached
	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				t.Fatalf("oracle error: %v", err)
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

type seedIDs struct {
	parties []party.Context
	rules   *ruleset.RuleSet
}

func mustSeed(t *testing.T, ctx context.Context, pool *pgxpool.Pool) seedIDs {
	t.Helper()

	newParty := func(pt party.Type, name string) string {
		var id string
		if err := pool.QueryRow(ctx, `INSERT INTO parties (party_type, name) VALUES ($1,$2) RETURNING id`, pt, name).Scan(&id); err != nil {
			t.Fatalf("seed party %s: %v", name, err)
		}
		return id
	}

	seller1 := newParty(party.TypeSeller, fmt.Sprintf("Seller A %d", rand.Int63()))
	seller2 := newParty(party.TypeSeller, fmt.Sprintf("Seller B %d", rand.Int63()))
	supplier := newParty(party.TypeSupplier, fmt.Sprintf("Supplier %d", rand.Int63()))
	partner := newParty(party.TypePartner, fmt.Sprintf("Partner %d", rand.Int63()))

	// delivered orders in January (live period) and February (dry-run period)
	placed := []time.Time{
		time.Date(2026, time.January, 5, 12, 0, 0, 0, time.UTC),
		time.Date(2026, time.January, 18, 9, 30, 0, 0, time.UTC),
		time.Date(2026, time.February, 3, 15, 0, 0, 0, time.UTC),
	}
	for _, sellerID := range []string{seller1, seller2} {
		for i, at := range placed {
			_, err := pool.Exec(ctx, `INSERT INTO orders (seller_id, supplier_id, partner_id, status, gross_amount, base_price_total, quantity, commission_rate, placed_at)
                                      VALUES ($1,$2,$3,'delivered',$4,$5,$6,$7,$8)`,
				sellerID, supplier, partner, 100000*(i+1), 80000*(i+1), i+1, 10, at)
			if err != nil {
				t.Fatalf("seed order: %v", err)
			}
		}
	}

	// standalone commission adjustments for the supplier and partner
	for _, at := range []time.Time{placed[0], placed[2]} {
		if _, err := pool.Exec(ctx, `INSERT INTO commissions (party_type, party_id, kind, amount, rate, recorded_at)
                                     VALUES ('supplier',$1,'supply_share',2500,0,$2)`, supplier, at); err != nil {
			t.Fatalf("seed supplier commission: %v", err)
		}
		if _, err := pool.Exec(ctx, `INSERT INTO commissions (party_type, party_id, kind, amount, rate, recorded_at)
                                     VALUES ('partner',$1,'partner_commission',1200,0,$2)`, partner, at); err != nil {
			t.Fatalf("seed partner commission: %v", err)
		}
	}

	rs := &ruleset.RuleSet{
		ID:          "stress",
		Version:     "2026.01",
		EffectiveAt: time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC),
		Rules: []ruleset.Rule{
			{ID: "seller-pct", Name: "Seller commission", AppliesTo: party.TypeSeller, Kind: ruleset.KindPercentage, Rate: decimal.NewFromInt(10)},
			{ID: "default-pct", Name: "Default share", Kind: ruleset.KindPercentage, Rate: decimal.NewFromInt(5)},
		},
	}
	if err := ruleset.NewPGStore(pool).Save(ctx, rs); err != nil && !errors.Is(err, ruleset.ErrVersionExists) {
		t.Fatalf("seed rule set: %v", err)
	}

	return seedIDs{
		parties: []party.Context{
			{Type: party.TypeSeller, ID: seller1},
			{Type: party.TypeSeller, ID: seller2},
			{Type: party.TypeSupplier, ID: supplier},
			{Type: party.TypePartner, ID: partner},
			{Type: party.TypePlatform, ID: "platform"},
		},
		rules: rs,
	}
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"settlements", `SELECT id, party_type, party_id, period_start, status, payable_amount, engine_version, created_at FROM settlements ORDER BY created_at DESC LIMIT 50`},
		{"settlement_items", `SELECT id, settlement_id, kind, amount FROM settlement_items ORDER BY created_at DESC LIMIT 50`},
		{"outbox", `SELECT id, topic, status, attempts, created_at FROM outbox ORDER BY created_at DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			// compact print
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}

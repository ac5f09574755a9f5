package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"settleflow/db"
	"settleflow/ledger"
	"settleflow/notify"
	"settleflow/party"
	"settleflow/ruleset"
	"settleflow/scheduler"
	"settleflow/settlement"
)

// settled runs the settlement engine. Without arguments it starts the monthly
// close-out daemon; subcommands cover one-shot operational tasks:
//
//	settled close-out      settle the previous month now and exit
//	settled shadow         diff the candidate engine against production, read-only
//	settled pay <id>       mark a settlement as paid
//	settled cancel <id>    void a settlement
func main() {
	ctx := context.Background()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("bootstrap logger: %v", err)
	}
	defer logger.Sync()

	pool, err := db.NewPool(ctx, os.Getenv("DATABASE_URL"))
	if err != nil {
		logger.Fatal("bootstrap database pool", zap.Error(err))
	}
	defer pool.Close()

	store := settlement.NewPGStore(pool)
	engine := settlement.NewEngine(ledger.NewPGSource(pool), store, logger)
	parties := party.NewRepository(pool)
	rules := ruleset.NewPGStore(pool)

	var notifier settlement.Notifier = notify.NewOutbox(pool)
	if os.Getenv("SETTLE_NOTIFIER") == "log" {
		notifier = notify.NewLog(logger)
	}
	lifecycle := settlement.NewLifecycle(store, notifier, logger)

	cmd := "daemon"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	switch cmd {
	case "daemon":
		runDaemon(engine, parties, rules, logger)
	case "close-out":
		runner := scheduler.New(engine, parties, rules, logger, "")
		if err := runner.RunOnce(ctx, time.Now().UTC()); err != nil {
			logger.Fatal("close-out failed", zap.Error(err))
		}
	case "shadow":
		runShadow(ctx, engine, store, parties, rules, logger)
	case "pay":
		if _, err := lifecycle.MarkAsPaid(ctx, requireID(logger), nil); err != nil {
			logger.Fatal("mark paid failed", zap.Error(err))
		}
	case "cancel":
		if _, err := lifecycle.Cancel(ctx, requireID(logger)); err != nil {
			logger.Fatal("cancel failed", zap.Error(err))
		}
	default:
		logger.Fatal("unknown command", zap.String("command", cmd))
	}
}

func runDaemon(engine *settlement.Engine, parties *party.Repository, rules *ruleset.PGStore, logger *zap.Logger) {
	runner := scheduler.New(engine, parties, rules, logger, os.Getenv("SETTLE_CRON_SPEC"))
	if err := runner.Start(); err != nil {
		logger.Fatal("start scheduler", zap.Error(err))
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	runner.Stop()
}

func runShadow(ctx context.Context, engine *settlement.Engine, store settlement.Store, parties *party.Repository, rules *ruleset.PGStore, logger *zap.Logger) {
	now := time.Now().UTC()
	periodEnd := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	periodStart := periodEnd.AddDate(0, -1, 0)

	rs, err := rules.GetActive(ctx, periodEnd)
	if err != nil {
		logger.Fatal("resolve rule set", zap.Error(err))
	}
	active, err := parties.ListActive(ctx, 0)
	if err != nil {
		logger.Fatal("list parties", zap.Error(err))
	}
	contexts := make([]party.Context, 0, len(active)+1)
	for _, p := range active {
		contexts = append(contexts, party.ContextOf(p))
	}
	contexts = append(contexts, party.Context{Type: party.TypePlatform, ID: "platform"})

	cfg := settlement.NewGenerateConfig(periodStart, periodEnd, contexts, rs)
	diffs, err := settlement.NewShadowComparator(engine, store, logger).CompareV1AndV2(ctx, cfg)
	if err != nil {
		logger.Fatal("shadow comparison failed", zap.Error(err))
	}
	for _, d := range diffs {
		logger.Info("shadow diff",
			zap.String("party", d.PartyKey),
			zap.String("v1_settlement", d.V1SettlementID),
			zap.String("v1_amount", d.V1Amount.String()),
			zap.String("v2_amount", d.V2Amount.String()),
			zap.String("difference", d.Difference.String()),
			zap.String("difference_pct", d.DiffPercentage.StringFixed(2)),
		)
	}
}

func requireID(logger *zap.Logger) string {
	if len(os.Args) < 3 {
		logger.Fatal("settlement id required")
	}
	return os.Args[2]
}

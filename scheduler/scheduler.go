package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"settleflow/party"
	"settleflow/ruleset"
	"settleflow/settlement"
)

// DefaultCronSpec runs the close-out on the 1st of each month at 03:00 UTC.
const DefaultCronSpec = "0 3 1 * *"

// Generator abstracts the settlement engine for the runner.
type Generator interface {
	GenerateSettlements(ctx context.Context, cfg settlement.GenerateConfig) (*settlement.BatchResult, error)
}

// PartySource lists the parties eligible for a scheduled run.
type PartySource interface {
	ListActive(ctx context.Context, limit int) ([]party.Party, error)
}

// RuleSource resolves the rule bundle in force for a run.
type RuleSource interface {
	GetActive(ctx context.Context, at time.Time) (*ruleset.RuleSet, error)
}

// Runner closes out the previous calendar month for every active party plus
// the platform. Runs persist (dry run off) and fail fast on duplicates, so a
// re-fired schedule is a harmless no-op.
type Runner struct {
	engine  Generator
	parties PartySource
	rules   RuleSource
	logger  *zap.Logger
	cron    *cron.Cron
	spec    string
	timeout time.Duration
}

// New wires a runner on the given cron spec (DefaultCronSpec when empty).
func New(engine Generator, parties PartySource, rules RuleSource, logger *zap.Logger, spec string) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if spec == "" {
		spec = DefaultCronSpec
	}
	return &Runner{
		engine:  engine,
		parties: parties,
		rules:   rules,
		logger:  logger,
		cron:    cron.New(cron.WithLocation(time.UTC)),
		spec:    spec,
		timeout: 15 * time.Minute,
	}
}

// Start registers the close-out job and starts the cron loop.
func (r *Runner) Start() error {
	_, err := r.cron.AddFunc(r.spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		if err := r.RunOnce(ctx, time.Now().UTC()); err != nil {
			r.logger.Error("scheduled settlement run failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("scheduler: register close-out job: %w", err)
	}
	r.cron.Start()
	r.logger.Info("settlement scheduler started", zap.String("spec", r.spec))
	return nil
}

// Stop halts the cron loop and waits for a running job to finish.
func (r *Runner) Stop() {
	<-r.cron.Stop().Done()
}

// RunOnce settles the calendar month preceding now.
func (r *Runner) RunOnce(ctx context.Context, now time.Time) error {
	periodStart, periodEnd := previousMonth(now)

	rules, err := r.rules.GetActive(ctx, periodEnd)
	if err != nil {
		return fmt.Errorf("scheduler: resolve rule set: %w", err)
	}

	active, err := r.parties.ListActive(ctx, 0)
	if err != nil {
		return fmt.Errorf("scheduler: list parties: %w", err)
	}

	contexts := make([]party.Context, 0, len(active)+1)
	for _, p := range active {
		contexts = append(contexts, party.ContextOf(p))
	}
	contexts = append(contexts, party.Context{Type: party.TypePlatform, ID: "platform"})

	cfg := settlement.NewGenerateConfig(periodStart, periodEnd, contexts, rules)
	cfg.DryRun = false
	cfg.PreventDuplicates = true

	result, err := r.engine.GenerateSettlements(ctx, cfg)
	if err != nil {
		var dup *settlement.DuplicateSettlementError
		if errors.As(err, &dup) {
			r.logger.Info("period already settled, skipping",
				zap.Time("period_start", periodStart),
				zap.Int("existing", len(dup.Duplicates)),
			)
			return nil
		}
		return err
	}

	r.logger.Info("monthly close-out finished",
		zap.Time("period_start", periodStart),
		zap.Time("period_end", periodEnd),
		zap.Int("settlements", len(result.Settlements)),
		zap.Int("failures", len(result.Diagnostics.Failures)),
	)
	return nil
}

// previousMonth returns the half-open UTC range covering the calendar month
// before now.
func previousMonth(now time.Time) (time.Time, time.Time) {
	year, month, _ := now.UTC().Date()
	end := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	return end.AddDate(0, -1, 0), end
}

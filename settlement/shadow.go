package settlement

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"settleflow/party"
)

// DiffSummary compares one party's historical (v1) payable amount against the
// candidate (v2) amount. Produced for diagnostics, never stored.
type DiffSummary struct {
	PartyKey       string
	V1SettlementID string
	V1Amount       decimal.Decimal
	V2Amount       decimal.Decimal
	Difference     decimal.Decimal
	DiffPercentage decimal.Decimal
}

// ShadowComparator validates a candidate rule set against already-persisted
// production settlements before cutover. Strictly read/compute-only and safe
// to repeat: the underlying run is forced into dry-run mode.
type ShadowComparator struct {
	engine *Engine
	store  Store
	logger *zap.Logger
}

// NewShadowComparator wires a comparator over the engine and store.
func NewShadowComparator(engine *Engine, store Store, logger *zap.Logger) *ShadowComparator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ShadowComparator{engine: engine, store: store, logger: logger}
}

// CompareV1AndV2 runs the candidate rule set in dry-run mode and diffs each
// party's candidate amount against its most recent persisted settlement not
// produced by engine v2. Parties without such history are skipped; parties
// that fail during the dry run stay in the run's diagnostics and are skipped
// here.
func (c *ShadowComparator) CompareV1AndV2(ctx context.Context, cfg GenerateConfig) ([]DiffSummary, error) {
	cfg.DryRun = true
	cfg.PreventDuplicates = false
	cfg.EngineVersion = EngineV2

	result, err := c.engine.GenerateSettlements(ctx, cfg)
	if err != nil {
		return nil, err
	}

	candidateByKey := make(map[string]decimal.Decimal, len(result.Settlements))
	for _, s := range result.Settlements {
		candidateByKey[s.PartyKey()] = s.PayableAmount
	}
	failedKeys := make(map[string]bool, len(result.Diagnostics.Failures))
	for _, f := range result.Diagnostics.Failures {
		failedKeys[f.PartyKey] = true
	}

	summaries := make([]DiffSummary, 0, len(cfg.Parties))
	for _, pc := range cfg.Parties {
		key := pc.Key()
		if failedKeys[key] {
			continue
		}

		baseline, ok, err := c.latestProductionSettlement(ctx, cfg, pc.Type, pc.ID)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		v2Amount := candidateByKey[key] // zero when the period yielded nothing
		diff := v2Amount.Sub(baseline.PayableAmount)

		pct := decimal.Zero
		if !baseline.PayableAmount.IsZero() {
			pct = diff.Div(baseline.PayableAmount).Mul(decimal.NewFromInt(100))
		}

		summaries = append(summaries, DiffSummary{
			PartyKey:       key,
			V1SettlementID: baseline.ID,
			V1Amount:       baseline.PayableAmount,
			V2Amount:       v2Amount,
			Difference:     diff,
			DiffPercentage: pct,
		})
	}

	c.logger.Info("shadow comparison finished",
		zap.Int("parties", len(cfg.Parties)),
		zap.Int("compared", len(summaries)),
	)
	return summaries, nil
}

// latestProductionSettlement finds the newest non-cancelled settlement for the
// period whose engine version does not mark it as v2. Anything unmarked is
// treated as v1.
func (c *ShadowComparator) latestProductionSettlement(ctx context.Context, cfg GenerateConfig, pt party.Type, partyID string) (Settlement, bool, error) {
	existing, err := c.store.FindByPartyAndPeriod(ctx, pt, partyID, cfg.PeriodStart, cfg.PeriodEnd)
	if err != nil {
		return Settlement{}, false, err
	}
	for _, s := range existing { // newest first
		if s.Status == StatusCancelled {
			continue
		}
		if s.EngineVersion == EngineV2 {
			continue
		}
		return s, true, nil
	}
	return Settlement{}, false, nil
}

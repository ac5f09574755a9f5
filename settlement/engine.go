package settlement

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"settleflow/ledger"
	"settleflow/party"
	"settleflow/ruleset"
)

const defaultWorkers = 4

// GenerateConfig describes one settlement batch run.
type GenerateConfig struct {
	PeriodStart   time.Time
	PeriodEnd     time.Time
	Parties       []party.Context
	RuleSet       *ruleset.RuleSet
	EngineVersion EngineVersion

	// DryRun computes candidates without persisting anything. Builds made
	// through NewGenerateConfig start with DryRun enabled; persisting is an
	// explicit opt-out.
	DryRun bool
	// PreventDuplicates aborts the whole batch up front when any requested
	// party already has a non-cancelled settlement for the period.
	PreventDuplicates bool

	// Workers bounds per-party parallelism. PartyTimeout, when set, bounds
	// each party's ledger fetch and evaluation; a timeout fails that party
	// only, never the batch.
	Workers      int
	PartyTimeout time.Duration
}

// NewGenerateConfig builds a config with the safe defaults: dry run on,
// bounded workers, candidate engine version v2.
func NewGenerateConfig(periodStart, periodEnd time.Time, parties []party.Context, rs *ruleset.RuleSet) GenerateConfig {
	return GenerateConfig{
		PeriodStart:   periodStart,
		PeriodEnd:     periodEnd,
		Parties:       parties,
		RuleSet:       rs,
		EngineVersion: EngineV2,
		DryRun:        true,
		Workers:       defaultWorkers,
	}
}

// Diagnostics accompanies every batch result, dry run or not.
type Diagnostics struct {
	DuplicatesDetected bool
	Duplicates         []DuplicateInfo
	Failures           []*PartyError
	RuleHits           map[string]int
	TiersApplied       map[string]int
	TotalsByParty      map[string]decimal.Decimal
}

// BatchResult is the outcome of one GenerateSettlements invocation. A non-nil
// result with failures in diagnostics means the batch ran with some parties
// skipped; a nil result means nothing ran at all.
type BatchResult struct {
	Settlements []*Settlement
	Diagnostics Diagnostics
}

// Engine orchestrates one settlement batch: ledger fetch, rule evaluation,
// duplicate detection and persistence. Collaborators are passed in explicitly;
// the engine holds no hidden data source.
type Engine struct {
	source   ledger.Source
	store    Store
	detector *Detector
	logger   *zap.Logger
}

// NewEngine wires an orchestrator from its collaborators.
func NewEngine(source ledger.Source, store Store, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		source:   source,
		store:    store,
		detector: NewDetector(store),
		logger:   logger,
	}
}

// GenerateSettlements runs one batch. Config-level failures return a nil
// result and a fatal error; per-party failures are collected into diagnostics
// and never abort the rest of the batch.
func (e *Engine) GenerateSettlements(ctx context.Context, cfg GenerateConfig) (*BatchResult, error) {
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	e.logger.Info("settlement batch started",
		zap.Time("period_start", cfg.PeriodStart),
		zap.Time("period_end", cfg.PeriodEnd),
		zap.Int("parties", len(cfg.Parties)),
		zap.String("rule_set", cfg.RuleSet.ID),
		zap.String("rule_set_version", cfg.RuleSet.Version),
		zap.Bool("dry_run", cfg.DryRun),
	)

	duplicates, err := e.detector.Detect(ctx, cfg.PeriodStart, cfg.PeriodEnd, cfg.Parties)
	if err != nil {
		return nil, err
	}
	if len(duplicates) > 0 && cfg.PreventDuplicates {
		return nil, &DuplicateSettlementError{Duplicates: duplicates}
	}

	candidates := make([]*Settlement, len(cfg.Parties))
	outcomes := make([]*ruleset.Outcome, len(cfg.Parties))
	failures := make([]*PartyError, len(cfg.Parties))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Workers)
	for i := range cfg.Parties {
		i := i
		pc := cfg.Parties[i]
		g.Go(func() error {
			candidate, outcome, perr := e.processParty(gctx, cfg, pc)
			candidates[i] = candidate
			outcomes[i] = outcome
			failures[i] = perr
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := &BatchResult{
		Diagnostics: Diagnostics{
			DuplicatesDetected: len(duplicates) > 0,
			Duplicates:         duplicates,
			RuleHits:           map[string]int{},
			TiersApplied:       map[string]int{},
			TotalsByParty:      map[string]decimal.Decimal{},
		},
	}

	for i, pc := range cfg.Parties {
		if failures[i] != nil {
			e.logger.Warn("party skipped",
				zap.String("party", pc.Key()),
				zap.String("stage", failures[i].Stage),
				zap.Error(failures[i].Err),
			)
			result.Diagnostics.Failures = append(result.Diagnostics.Failures, failures[i])
			continue
		}
		if candidates[i] == nil {
			continue // nothing settleable in the period
		}
		result.Settlements = append(result.Settlements, candidates[i])
		mergeCounts(result.Diagnostics.RuleHits, outcomes[i].RuleHits)
		mergeCounts(result.Diagnostics.TiersApplied, outcomes[i].TiersApplied)
		result.Diagnostics.TotalsByParty[pc.Key()] = candidates[i].PayableAmount
	}

	if cfg.DryRun {
		e.logger.Info("settlement batch finished (dry run)",
			zap.Int("candidates", len(result.Settlements)),
			zap.Int("failures", len(result.Diagnostics.Failures)),
		)
		return result, nil
	}

	e.persist(ctx, cfg, result)

	e.logger.Info("settlement batch finished",
		zap.Int("persisted", len(result.Settlements)),
		zap.Int("failures", len(result.Diagnostics.Failures)),
	)
	return result, nil
}

// processParty runs the read-and-compute path for one party. Failures come
// back as *PartyError and never abort the batch.
func (e *Engine) processParty(ctx context.Context, cfg GenerateConfig, pc party.Context) (*Settlement, *ruleset.Outcome, *PartyError) {
	if cfg.PartyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.PartyTimeout)
		defer cancel()
	}

	slice, err := e.source.FetchSlice(ctx, pc.Type, pc.ID, cfg.PeriodStart, cfg.PeriodEnd)
	if err != nil {
		return nil, nil, &PartyError{PartyKey: pc.Key(), Stage: StageLedgerFetch, Err: err}
	}
	if slice.Empty() {
		return nil, nil, nil
	}

	outcome, err := ruleset.Evaluate(cfg.RuleSet, pc, slice)
	if err != nil {
		return nil, nil, &PartyError{PartyKey: pc.Key(), Stage: StageRuleEval, Err: err}
	}

	return e.buildCandidate(cfg, pc, outcome), &outcome, nil
}

func (e *Engine) buildCandidate(cfg GenerateConfig, pc party.Context, outcome ruleset.Outcome) *Settlement {
	items := make([]Item, 0, len(outcome.Items))
	for _, d := range outcome.Items {
		items = append(items, Item{
			OrderID:      d.OrderID,
			CommissionID: d.CommissionID,
			Kind:         d.Kind,
			Amount:       d.Amount,
		})
	}

	return &Settlement{
		PartyType:     pc.Type,
		PartyID:       pc.ID,
		PeriodStart:   cfg.PeriodStart.UTC(),
		PeriodEnd:     cfg.PeriodEnd.UTC(),
		Status:        StatusPending,
		PayableAmount: outcome.Payable,
		EngineVersion: cfg.EngineVersion,
		RuleSetID:     cfg.RuleSet.ID,
		Metadata: map[string]string{
			"rule_set_version": cfg.RuleSet.Version,
			"items_count":      strconv.Itoa(len(items)),
		},
		Items: items,
	}
}

// persist writes each candidate in its own transaction. A write failure for
// one party is recorded and does not roll back settlements already committed
// for other parties.
func (e *Engine) persist(ctx context.Context, cfg GenerateConfig, result *BatchResult) {
	e.logger.Info("persisting settlements", zap.Int("count", len(result.Settlements)))

	persisted := result.Settlements[:0]
	for _, s := range result.Settlements {
		if err := e.store.CreateWithItems(ctx, s); err != nil {
			if errors.Is(err, ErrDuplicateSettlement) {
				// A concurrent run won the race between detection and
				// persistence; surface it with the duplicate payload.
				err = &DuplicateSettlementError{Duplicates: []DuplicateInfo{{
					PartyKey:      s.PartyKey(),
					PeriodStart:   s.PeriodStart,
					PeriodEnd:     s.PeriodEnd,
					EngineVersion: s.EngineVersion,
				}}}
				result.Diagnostics.DuplicatesDetected = true
			}
			perr := &PartyError{PartyKey: s.PartyKey(), Stage: StagePersist, Err: err}
			e.logger.Warn("party persistence failed", zap.String("party", s.PartyKey()), zap.Error(err))
			result.Diagnostics.Failures = append(result.Diagnostics.Failures, perr)
			delete(result.Diagnostics.TotalsByParty, s.PartyKey())
			continue
		}
		persisted = append(persisted, s)
	}
	result.Settlements = persisted
}

func validateConfig(cfg *GenerateConfig) error {
	if !cfg.PeriodStart.Before(cfg.PeriodEnd) {
		return &ValidationError{Reason: "period start must precede period end"}
	}
	if len(cfg.Parties) == 0 {
		return &ValidationError{Reason: "at least one party must be specified"}
	}
	for _, pc := range cfg.Parties {
		if !pc.Type.Valid() {
			return &ValidationError{Reason: "unknown party type " + string(pc.Type)}
		}
		if pc.ID == "" && pc.Type != party.TypePlatform {
			return &ValidationError{Reason: "party id required for " + string(pc.Type)}
		}
	}
	if cfg.RuleSet == nil {
		return &ValidationError{Reason: "rule set required"}
	}
	if err := cfg.RuleSet.Validate(); err != nil {
		return &ValidationError{Reason: err.Error()}
	}
	switch cfg.EngineVersion {
	case "":
		cfg.EngineVersion = EngineV2
	case EngineV1, EngineV2:
	default:
		return &ValidationError{Reason: "unknown engine version " + string(cfg.EngineVersion)}
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	return nil
}

func mergeCounts(dst, src map[string]int) {
	for k, v := range src {
		dst[k] += v
	}
}

package settlement

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound signals the requested settlement does not exist.
	ErrNotFound = errors.New("settlement: not found")
	// ErrDuplicateSettlement is surfaced when the storage uniqueness
	// constraint rejects a second non-cancelled settlement for the same
	// party and period. The in-process detector is only a courtesy check;
	// this constraint is the authority.
	ErrDuplicateSettlement = errors.New("settlement: duplicate for party and period")
	// ErrStaleStatus signals a guarded status update lost a race: the row's
	// status no longer matches the status the caller observed.
	ErrStaleStatus = errors.New("settlement: status changed concurrently")
)

// ValidationError rejects a malformed generation config before any work runs.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("settlement: invalid config: %s", e.Reason)
}

// DuplicateSettlementError aborts a batch under PreventDuplicates. It carries
// the full duplicate list so callers can show what blocked the run.
type DuplicateSettlementError struct {
	Duplicates []DuplicateInfo
}

func (e *DuplicateSettlementError) Error() string {
	return fmt.Sprintf("settlement: %d existing settlement(s) block this period", len(e.Duplicates))
}

// Stages at which a single party can fail without aborting the batch.
const (
	StageLedgerFetch = "ledger_fetch"
	StageRuleEval    = "rule_eval"
	StagePersist     = "persist"
)

// PartyError records one party's failure inside an otherwise successful batch.
type PartyError struct {
	PartyKey string
	Stage    string
	Err      error
}

func (e *PartyError) Error() string {
	return fmt.Sprintf("settlement: party %s failed at %s: %v", e.PartyKey, e.Stage, e.Err)
}

func (e *PartyError) Unwrap() error { return e.Err }

// InvalidTransitionError rejects a lifecycle change the state machine forbids.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("settlement: invalid transition %s -> %s", e.From, e.To)
}

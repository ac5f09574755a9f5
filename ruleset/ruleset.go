package ruleset

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"settleflow/party"
)

// Kind selects the formula a rule applies to its base amount.
type Kind string

const (
	KindPercentage Kind = "percentage"
	KindFixed      Kind = "fixed"
	KindTiered     Kind = "tiered"
)

// Item kinds produced by the evaluator.
const (
	ItemKindOrderCommission    = "order_commission"
	ItemKindSupplyShare        = "supply_share"
	ItemKindPlatformCommission = "platform_commission"
	ItemKindPartnerCommission  = "partner_commission"
	ItemKindAdjustment         = "adjustment"
)

// Tier is one bracket of a tiered rule. MaxAmount nil means unbounded.
type Tier struct {
	MinAmount decimal.Decimal  `json:"min_amount"`
	MaxAmount *decimal.Decimal `json:"max_amount,omitempty"`
	Rate      decimal.Decimal  `json:"rate"`
}

// Rule computes a commission (or share) amount for rows matching AppliesTo.
// An empty AppliesTo marks the default rule used when no specific rule matches.
type Rule struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	AppliesTo   party.Type      `json:"applies_to,omitempty"`
	Kind        Kind            `json:"kind"`
	Rate        decimal.Decimal `json:"rate"`
	FixedAmount decimal.Decimal `json:"fixed_amount"`
	Tiers       []Tier          `json:"tiers,omitempty"`
}

// RuleSet is an immutable, versioned bundle of calculation rules. A new
// version is a new RuleSet; existing bundles are never mutated.
type RuleSet struct {
	ID          string    `json:"id"`
	Version     string    `json:"version"`
	EffectiveAt time.Time `json:"effective_at"`
	Rules       []Rule    `json:"rules"`
}

var errNoRules = errors.New("ruleset: bundle contains no rules")

// Validate checks the bundle is structurally usable.
func (rs *RuleSet) Validate() error {
	if rs == nil {
		return errors.New("ruleset: nil bundle")
	}
	if rs.ID == "" {
		return errors.New("ruleset: missing id")
	}
	if rs.Version == "" {
		return errors.New("ruleset: missing version")
	}
	if len(rs.Rules) == 0 {
		return errNoRules
	}
	for _, r := range rs.Rules {
		if r.ID == "" {
			return fmt.Errorf("ruleset %s@%s: rule with empty id", rs.ID, rs.Version)
		}
		switch r.Kind {
		case KindPercentage, KindFixed, KindTiered:
		default:
			return fmt.Errorf("ruleset %s@%s: rule %s has unknown kind %q", rs.ID, rs.Version, r.ID, r.Kind)
		}
	}
	return nil
}

// findRule returns the first rule scoped to the party type, falling back to
// the default rule when no scoped rule exists.
func (rs *RuleSet) findRule(pt party.Type) (Rule, bool) {
	for _, r := range rs.Rules {
		if r.AppliesTo == pt {
			return r, true
		}
	}
	for _, r := range rs.Rules {
		if r.AppliesTo == "" {
			return r, true
		}
	}
	return Rule{}, false
}

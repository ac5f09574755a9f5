package ruleset

import (
	"fmt"

	"github.com/shopspring/decimal"

	"settleflow/ledger"
	"settleflow/party"
)

// EvaluationError reports that a party's ledger slice could not be evaluated
// under the given rule set. It is always surfaced, never defaulted to zero.
type EvaluationError struct {
	PartyKey string
	Reason   string
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("ruleset: evaluate %s: %s", e.PartyKey, e.Reason)
}

// ItemDraft is one computed settlement line before persistence. Exactly one of
// OrderID / CommissionID references the source row.
type ItemDraft struct {
	OrderID      string
	CommissionID string
	Kind         string
	Amount       decimal.Decimal
}

// Outcome is the result of evaluating one party's slice.
type Outcome struct {
	Payable      decimal.Decimal
	Items        []ItemDraft
	RuleHits     map[string]int
	TiersApplied map[string]int
}

var oneHundred = decimal.NewFromInt(100)

// Evaluate applies the rule set to one party's ledger slice. It is a pure
// function: no I/O, no clock, no shared state. The payable amount always
// equals the sum of the returned item amounts.
func Evaluate(rs *RuleSet, pc party.Context, slice ledger.Slice) (Outcome, error) {
	if err := rs.Validate(); err != nil {
		return Outcome{}, &EvaluationError{PartyKey: pc.Key(), Reason: err.Error()}
	}
	if !pc.Type.Valid() {
		return Outcome{}, &EvaluationError{PartyKey: pc.Key(), Reason: fmt.Sprintf("unknown party type %q", pc.Type)}
	}

	rule, ok := rs.findRule(pc.Type)
	if !ok {
		return Outcome{}, &EvaluationError{PartyKey: pc.Key(), Reason: "no applicable rule"}
	}

	out := Outcome{
		Payable:      decimal.Zero,
		RuleHits:     map[string]int{},
		TiersApplied: map[string]int{},
	}

	for _, o := range slice.Orders {
		amount, tiered, err := orderAmount(rule, pc.Type, o)
		if err != nil {
			return Outcome{}, &EvaluationError{PartyKey: pc.Key(), Reason: err.Error()}
		}
		out.RuleHits[rule.ID]++
		if tiered {
			out.TiersApplied[rule.ID]++
		}
		out.Items = append(out.Items, ItemDraft{
			OrderID: o.ID,
			Kind:    itemKind(pc.Type),
			Amount:  amount,
		})
		out.Payable = out.Payable.Add(amount)
	}

	for _, c := range slice.Commissions {
		out.Items = append(out.Items, ItemDraft{
			CommissionID: c.ID,
			Kind:         ItemKindAdjustment,
			Amount:       c.Amount,
		})
		out.Payable = out.Payable.Add(c.Amount)
	}

	return out, nil
}

// orderAmount computes the payable contribution of one order for the party.
func orderAmount(rule Rule, pt party.Type, o ledger.Order) (decimal.Decimal, bool, error) {
	commission, tiered, err := ruleAmount(rule, o.GrossAmount, o.Quantity)
	if err != nil {
		return decimal.Zero, false, err
	}

	switch pt {
	case party.TypeSeller:
		// Seller keeps the gross minus the platform commission.
		return o.GrossAmount.Sub(commission), tiered, nil
	case party.TypeSupplier, party.TypePlatform, party.TypePartner:
		// These parties receive the computed share itself.
		return commission, tiered, nil
	default:
		return decimal.Zero, false, fmt.Errorf("unsupported party type %q", pt)
	}
}

// ruleAmount applies the rule formula to a base amount.
func ruleAmount(rule Rule, base decimal.Decimal, quantity int) (decimal.Decimal, bool, error) {
	switch rule.Kind {
	case KindPercentage:
		if rule.Rate.IsNegative() {
			return decimal.Zero, false, fmt.Errorf("rule %s: negative rate", rule.ID)
		}
		return base.Mul(rule.Rate).Div(oneHundred), false, nil
	case KindFixed:
		if rule.FixedAmount.IsNegative() {
			return decimal.Zero, false, fmt.Errorf("rule %s: negative fixed amount", rule.ID)
		}
		return rule.FixedAmount.Mul(decimal.NewFromInt(int64(quantity))), false, nil
	case KindTiered:
		if len(rule.Tiers) == 0 {
			return decimal.Zero, false, fmt.Errorf("rule %s: tiered rule without tiers", rule.ID)
		}
		tier, ok := findTier(rule.Tiers, base)
		if !ok {
			return decimal.Zero, false, fmt.Errorf("rule %s: no tier matches amount %s", rule.ID, base)
		}
		if tier.Rate.IsNegative() {
			return decimal.Zero, false, fmt.Errorf("rule %s: negative tier rate", rule.ID)
		}
		return base.Mul(tier.Rate).Div(oneHundred), true, nil
	default:
		return decimal.Zero, false, fmt.Errorf("rule %s: unknown kind %q", rule.ID, rule.Kind)
	}
}

// findTier selects the bracket covering base: min inclusive, max exclusive.
func findTier(tiers []Tier, base decimal.Decimal) (Tier, bool) {
	for _, t := range tiers {
		if base.Cmp(t.MinAmount) < 0 {
			continue
		}
		if t.MaxAmount != nil && base.Cmp(*t.MaxAmount) >= 0 {
			continue
		}
		return t, true
	}
	return Tier{}, false
}

func itemKind(pt party.Type) string {
	switch pt {
	case party.TypeSeller:
		return ItemKindOrderCommission
	case party.TypeSupplier:
		return ItemKindSupplyShare
	case party.TypePlatform:
		return ItemKindPlatformCommission
	case party.TypePartner:
		return ItemKindPartnerCommission
	default:
		return ItemKindAdjustment
	}
}

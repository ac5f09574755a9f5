package ruleset

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"settleflow/ledger"
	"settleflow/party"
)

func pctRule(id string, appliesTo party.Type, rate int64) Rule {
	return Rule{ID: id, Name: id, AppliesTo: appliesTo, Kind: KindPercentage, Rate: decimal.NewFromInt(rate)}
}

func testRuleSet(rules ...Rule) *RuleSet {
	return &RuleSet{ID: "test", Version: "1", Rules: rules}
}

func TestEvaluate_SellerKeepsGrossMinusCommission(t *testing.T) {
	rs := testRuleSet(pctRule("seller-10", party.TypeSeller, 10))
	pc := party.Context{Type: party.TypeSeller, ID: "s-1"}
	slice := ledger.Slice{
		PartyType: party.TypeSeller,
		PartyID:   "s-1",
		Orders: []ledger.Order{
			{ID: "o-1", GrossAmount: decimal.NewFromInt(1_000_000), Quantity: 1},
		},
	}

	out, err := Evaluate(rs, pc, slice)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if want := decimal.NewFromInt(900_000); !out.Payable.Equal(want) {
		t.Fatalf("expected payable %s, got %s", want, out.Payable)
	}
	if len(out.Items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(out.Items))
	}
	if out.Items[0].Kind != ItemKindOrderCommission {
		t.Errorf("expected item kind %q, got %q", ItemKindOrderCommission, out.Items[0].Kind)
	}
	if out.Items[0].OrderID != "o-1" {
		t.Errorf("expected item to reference order o-1, got %q", out.Items[0].OrderID)
	}
	if out.RuleHits["seller-10"] != 1 {
		t.Errorf("expected 1 rule hit, got %d", out.RuleHits["seller-10"])
	}
}

func TestEvaluate_PayableEqualsItemSum(t *testing.T) {
	rs := testRuleSet(
		pctRule("seller-10", party.TypeSeller, 10),
		pctRule("default-5", "", 5),
	)
	pc := party.Context{Type: party.TypeSupplier, ID: "sup-1"}
	slice := ledger.Slice{
		PartyType: party.TypeSupplier,
		PartyID:   "sup-1",
		Orders: []ledger.Order{
			{ID: "o-1", GrossAmount: decimal.NewFromInt(40_000), Quantity: 2},
			{ID: "o-2", GrossAmount: decimal.NewFromInt(125_500), Quantity: 1},
		},
		Commissions: []ledger.CommissionRow{
			{ID: "c-1", Amount: decimal.NewFromInt(2_500)},
			{ID: "c-2", Amount: decimal.NewFromInt(-300)},
		},
	}

	out, err := Evaluate(rs, pc, slice)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	sum := decimal.Zero
	for _, it := range out.Items {
		sum = sum.Add(it.Amount)
	}
	if !out.Payable.Equal(sum) {
		t.Fatalf("payable %s does not equal item sum %s", out.Payable, sum)
	}
	if len(out.Items) != 4 {
		t.Fatalf("expected 4 items, got %d", len(out.Items))
	}
	// supplier falls through to the default rule
	if out.RuleHits["default-5"] != 2 {
		t.Errorf("expected default rule to hit twice, got %d", out.RuleHits["default-5"])
	}
	if out.Items[2].Kind != ItemKindAdjustment || out.Items[2].CommissionID != "c-1" {
		t.Errorf("expected commission rows to become adjustments, got %+v", out.Items[2])
	}
}

func TestEvaluate_TieredSelectsBracketPerOrder(t *testing.T) {
	hundredK := decimal.NewFromInt(100_000)
	rs := testRuleSet(Rule{
		ID:   "tiered",
		Name: "volume tiers",
		Kind: KindTiered,
		Tiers: []Tier{
			{MinAmount: decimal.Zero, MaxAmount: &hundredK, Rate: decimal.NewFromInt(5)},
			{MinAmount: hundredK, Rate: decimal.NewFromInt(8)},
		},
	})
	pc := party.Context{Type: party.TypePlatform, ID: "platform"}
	slice := ledger.Slice{
		PartyType: party.TypePlatform,
		PartyID:   "platform",
		Orders: []ledger.Order{
			{ID: "o-low", GrossAmount: decimal.NewFromInt(50_000), Quantity: 1},
			{ID: "o-high", GrossAmount: decimal.NewFromInt(150_000), Quantity: 1},
			// boundary amount lands in the upper bracket: max is exclusive
			{ID: "o-edge", GrossAmount: hundredK, Quantity: 1},
		},
	}

	out, err := Evaluate(rs, pc, slice)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	// 50000*5% + 150000*8% + 100000*8%
	if want := decimal.NewFromInt(2_500 + 12_000 + 8_000); !out.Payable.Equal(want) {
		t.Fatalf("expected payable %s, got %s", want, out.Payable)
	}
	if out.TiersApplied["tiered"] != 3 {
		t.Errorf("expected 3 tier applications, got %d", out.TiersApplied["tiered"])
	}
	if out.Items[0].Kind != ItemKindPlatformCommission {
		t.Errorf("expected platform commission items, got %q", out.Items[0].Kind)
	}
}

func TestEvaluate_FixedMultipliesQuantity(t *testing.T) {
	rs := testRuleSet(Rule{
		ID:          "flat",
		Name:        "flat fee",
		Kind:        KindFixed,
		FixedAmount: decimal.NewFromInt(150),
	})
	pc := party.Context{Type: party.TypePartner, ID: "p-1"}
	slice := ledger.Slice{
		PartyType: party.TypePartner,
		PartyID:   "p-1",
		Orders:    []ledger.Order{{ID: "o-1", GrossAmount: decimal.NewFromInt(9_999), Quantity: 4}},
	}

	out, err := Evaluate(rs, pc, slice)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if want := decimal.NewFromInt(600); !out.Payable.Equal(want) {
		t.Fatalf("expected payable %s, got %s", want, out.Payable)
	}
}

func TestEvaluate_NoApplicableRuleFails(t *testing.T) {
	rs := testRuleSet(pctRule("seller-only", party.TypeSeller, 10))
	pc := party.Context{Type: party.TypeSupplier, ID: "sup-1"}
	slice := ledger.Slice{
		PartyType: party.TypeSupplier,
		PartyID:   "sup-1",
		Orders:    []ledger.Order{{ID: "o-1", GrossAmount: decimal.NewFromInt(100), Quantity: 1}},
	}

	_, err := Evaluate(rs, pc, slice)
	var evalErr *EvaluationError
	if !errors.As(err, &evalErr) {
		t.Fatalf("expected EvaluationError, got %v", err)
	}
	if evalErr.PartyKey != "supplier:sup-1" {
		t.Errorf("expected party key supplier:sup-1, got %q", evalErr.PartyKey)
	}
}

func TestEvaluate_NoTierMatchesFailsLoudly(t *testing.T) {
	rs := testRuleSet(Rule{
		ID:    "gapped",
		Name:  "gapped tiers",
		Kind:  KindTiered,
		Tiers: []Tier{{MinAmount: decimal.NewFromInt(1_000), Rate: decimal.NewFromInt(5)}},
	})
	pc := party.Context{Type: party.TypePlatform, ID: "platform"}
	slice := ledger.Slice{
		PartyType: party.TypePlatform,
		PartyID:   "platform",
		Orders:    []ledger.Order{{ID: "o-1", GrossAmount: decimal.NewFromInt(500), Quantity: 1}},
	}

	_, err := Evaluate(rs, pc, slice)
	var evalErr *EvaluationError
	if !errors.As(err, &evalErr) {
		t.Fatalf("expected EvaluationError for uncovered amount, got %v", err)
	}
}

func TestEvaluate_NegativeRateRejected(t *testing.T) {
	rs := testRuleSet(Rule{
		ID:   "neg",
		Name: "negative",
		Kind: KindPercentage,
		Rate: decimal.NewFromInt(-5),
	})
	pc := party.Context{Type: party.TypeSeller, ID: "s-1"}
	slice := ledger.Slice{
		PartyType: party.TypeSeller,
		PartyID:   "s-1",
		Orders:    []ledger.Order{{ID: "o-1", GrossAmount: decimal.NewFromInt(100), Quantity: 1}},
	}

	if _, err := Evaluate(rs, pc, slice); err == nil {
		t.Fatalf("expected error for negative rate")
	}
}

func TestEvaluate_IsDeterministic(t *testing.T) {
	rs := testRuleSet(pctRule("default", "", 7))
	pc := party.Context{Type: party.TypePartner, ID: "p-1"}
	slice := ledger.Slice{
		PartyType: party.TypePartner,
		PartyID:   "p-1",
		Orders: []ledger.Order{
			{ID: "o-1", GrossAmount: decimal.NewFromInt(33_333), Quantity: 1},
			{ID: "o-2", GrossAmount: decimal.NewFromInt(66_667), Quantity: 2},
		},
		Commissions: []ledger.CommissionRow{{ID: "c-1", Amount: decimal.NewFromInt(111)}},
	}

	first, err := Evaluate(rs, pc, slice)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := Evaluate(rs, pc, slice)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if !first.Payable.Equal(second.Payable) {
		t.Fatalf("same input produced %s then %s", first.Payable, second.Payable)
	}
	if len(first.Items) != len(second.Items) {
		t.Fatalf("same input produced %d then %d items", len(first.Items), len(second.Items))
	}
}

package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_unique_active_settlement",
			SQL: `SELECT party_type, party_id, period_start, COUNT(*) FROM settlements
                  WHERE status <> 'cancelled'
                  GROUP BY party_type, party_id, period_start, period_end HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_payable_matches_items",
			SQL: `SELECT s.id, s.payable_amount FROM settlements s
                  WHERE s.payable_amount <> (
                      SELECT COALESCE(SUM(i.amount), 0) FROM settlement_items i
                      WHERE i.settlement_id = s.id)`,
		},
		{
			Name: "O3_paid_has_timestamp",
			SQL:  `SELECT id FROM settlements WHERE status='paid' AND paid_at IS NULL`,
		},
		{
			Name: "O4_cancelled_never_paid",
			SQL:  `SELECT id FROM settlements WHERE status='cancelled' AND paid_at IS NOT NULL`,
		},
		{
			Name: "O5_dry_run_purity",
			SQL: `SELECT id FROM settlements
                  WHERE period_start >= TIMESTAMPTZ '2026-02-01 00:00:00+00'`,
		},
		{
			Name: "O6_settlement_has_items",
			SQL: `SELECT s.id FROM settlements s
                  WHERE NOT EXISTS (SELECT 1 FROM settlement_items i WHERE i.settlement_id = s.id)`,
		},
		{
			Name: "O7_engine_version_known",
			SQL:  `SELECT id, engine_version FROM settlements WHERE engine_version NOT IN ('v1','v2')`,
		},
		{
			Name: "O8_outbox_not_stuck",
			SQL: `SELECT id::text FROM outbox
                  WHERE status NOT IN ('processed','dead')
                    AND now()-created_at > interval '5 minutes'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}

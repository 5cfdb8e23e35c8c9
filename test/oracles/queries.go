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
			Name: "O1_unique_active_transaction",
			SQL: `SELECT property_id, COUNT(*) FROM transactions
                  WHERE status <> 'fallen_through'
                  GROUP BY property_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_settled_implies_sold",
			SQL: `SELECT t.id FROM transactions t
                  JOIN properties p ON p.id = t.property_id
                  WHERE t.status = 'settled' AND p.status <> 'sold'`,
		},
		{
			Name: "O3_timeline_seq_monotonic",
			SQL: `WITH seqs AS (
                      SELECT transaction_id, seq,
                             LAG(seq) OVER (PARTITION BY transaction_id ORDER BY seq) AS prev
                      FROM transaction_events)
                  SELECT * FROM seqs WHERE prev IS NOT NULL AND seq <= prev`,
		},
		{
			Name: "O4_no_settlement_without_cooling_off",
			SQL: `SELECT id FROM transactions
                  WHERE status IN ('settling', 'settled') AND cooling_off_ends_at IS NULL`,
		},
		{
			Name: "O5_accepted_offer_has_transaction",
			SQL: `SELECT o.id FROM offers o
                  WHERE o.status = 'accepted'
                    AND NOT EXISTS (SELECT 1 FROM transactions t WHERE t.offer_id = o.id)`,
		},
		{
			Name: "O6_no_premature_publish",
			SQL: `SELECT id FROM reviews
                  WHERE status = 'published' AND hold_until IS NOT NULL AND hold_until > NOW()`,
		},
		{
			Name: "O7_upheld_dispute_removes_review",
			SQL: `SELECT d.id FROM review_disputes d
                  JOIN reviews r ON r.id = d.review_id
                  WHERE d.status = 'upheld' AND r.status <> 'removed'`,
		},
		{
			Name: "O8_single_active_dispute",
			SQL: `SELECT review_id, COUNT(*) FROM review_disputes
                  WHERE status IN ('pending', 'under_review')
                  GROUP BY review_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O9_outbox_not_stale",
			SQL: `SELECT id::text FROM outbox
                  WHERE status NOT IN ('processed', 'dead')
                    AND now() - created_at > interval '5 minutes'`,
		},
		{
			Name: "O10_conditions_before_settling",
			SQL: `SELECT id FROM transactions
                  WHERE status IN ('settling', 'settled')
                    AND ((subject_to_finance AND NOT finance_approved)
                      OR (subject_to_building_inspection AND NOT building_inspection_passed)
                      OR (subject_to_pest_inspection AND NOT pest_inspection_passed))`,
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

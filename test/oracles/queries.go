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
			Name: "O1_completed_envelope_signed",
			SQL: `SELECT l.id, l.status, l.docusign_status FROM loans l
                  WHERE EXISTS (SELECT 1 FROM loan_events e
                                WHERE e.loan_id = l.id AND e.type = 'DOCUSIGN_STATUS_RECEIVED'
                                  AND e.payload->>'docusign_status' = 'signed')
                    AND NOT EXISTS (SELECT 1 FROM loan_events e
                                    WHERE e.loan_id = l.id AND e.type = 'DOCUSIGN_STATUS_RECEIVED'
                                      AND e.payload->>'docusign_status' IN ('declined','voided'))
                    AND l.status <> 'signed'`,
		},
		{
			Name: "O2_status_change_outbox",
			SQL: `WITH changes AS (
                      SELECT loan_id::text AS loan_id, COUNT(*) AS n FROM loan_events
                      WHERE type = 'LOAN_STATUS_CHANGED' GROUP BY loan_id),
                  published AS (
                      SELECT payload->>'loan_id' AS loan_id, COUNT(*) AS n FROM outbox
                      WHERE topic = 'loan.status_changed' GROUP BY payload->>'loan_id')
                  SELECT c.loan_id, c.n, p.n FROM changes c
                  FULL OUTER JOIN published p ON p.loan_id = c.loan_id
                  WHERE c.n IS DISTINCT FROM p.n`,
		},
		{
			Name: "O3_docusign_status_recorded",
			SQL: `SELECT l.id FROM loans l
                  WHERE l.docusign_status IS NOT NULL
                    AND (l.docusign_status_updated_at IS NULL
                         OR NOT EXISTS (SELECT 1 FROM loan_events e
                                        WHERE e.loan_id = l.id AND e.type = 'DOCUSIGN_STATUS_RECEIVED'))`,
		},
		{
			Name: "O4_docusign_status_domain",
			SQL: `SELECT id, docusign_status FROM loans
                  WHERE docusign_status NOT IN ('sent','delivered','signed','declined','voided')`,
		},
		{
			Name: "O5_verified_phone_number",
			SQL: `SELECT id FROM loans
                  WHERE phone_verification_status = 'verified' AND verified_phone_number IS NULL`,
		},
		{
			Name: "O6_outbox_stale",
			SQL: `SELECT id FROM outbox
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
		if err := rows.Err(); err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return "", "", nil
}

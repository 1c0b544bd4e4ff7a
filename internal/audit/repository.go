package audit

import (
	"context"
	"database/sql"

	"rent-billing/pkg/utils"
)

// PostgresRepo writes to audit_events. It has no update or delete path.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	const q = `
INSERT INTO audit_events (
  id, type, actor_user_id, actor_role, lease_id, payment_id, wallet_id,
  provider, reference, message, metadata, created_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11::jsonb,$12
)
`
	_, err := r.db.ExecContext(ctx, q,
		e.ID,
		e.Type,
		utils.NullString(e.ActorUserID),
		utils.NullString(e.ActorRole),
		utils.NullString(e.LeaseID),
		utils.NullString(e.PaymentID),
		utils.NullString(e.WalletID),
		utils.NullString(e.Provider),
		utils.NullString(e.Reference),
		utils.NullString(e.Message),
		utils.NullString(e.Metadata),
		e.CreatedAt,
	)
	return err
}

// ListByType returns the newest events of one type first.
func (r *PostgresRepo) ListByType(ctx context.Context, t EventType, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
SELECT id, type, actor_user_id, actor_role, lease_id, payment_id, wallet_id,
       provider, reference, message, metadata::text, created_at
FROM audit_events
WHERE type = $1
ORDER BY created_at DESC, id
LIMIT $2
`
	rows, err := r.db.QueryContext(ctx, q, t, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var actor, role, lease, pay, wallet, provider, ref, msg, meta sql.NullString
		if err := rows.Scan(&e.ID, &e.Type, &actor, &role, &lease, &pay, &wallet, &provider, &ref, &msg, &meta, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.ActorUserID = actor.String
		e.ActorRole = role.String
		e.LeaseID = lease.String
		e.PaymentID = pay.String
		e.WalletID = wallet.String
		e.Provider = provider.String
		e.Reference = ref.String
		e.Message = msg.String
		e.Metadata = meta.String
		out = append(out, e)
	}
	return out, rows.Err()
}

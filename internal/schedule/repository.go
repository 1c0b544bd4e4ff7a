package schedule

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"rent-billing/pkg/utils"
)

// Repository persists schedule entries. Every mutation is a conditional update
// so concurrent webhooks, polls and requests cannot double-claim an entry.
type Repository interface {
	ListByLease(ctx context.Context, leaseID string) ([]Entry, error)
	Get(ctx context.Context, id string) (Entry, error)
	FindByPayment(ctx context.Context, paymentID string) (Entry, bool, error)

	// Replace atomically swaps the whole schedule of a lease.
	// Refused with ErrScheduleHasPayments when any entry is paid.
	Replace(ctx context.Context, leaseID string, entries []Entry) error
	// AppendMissing inserts entries whose payment number does not exist yet.
	AppendMissing(ctx context.Context, leaseID string, entries []Entry) (int, error)

	// MarkPaid links an entry to a payment. Repeating the call for the same
	// payment is a no-op; another payment gets ErrAlreadyPaid.
	MarkPaid(ctx context.Context, scheduleID, paymentID string) (Entry, error)
	// ClaimOldestUnpaid marks the lowest-numbered unpaid entry as paid by
	// paymentID in one step. ok is false when nothing is left to claim.
	ClaimOldestUnpaid(ctx context.Context, leaseID, paymentID string) (e Entry, ok bool, err error)
}

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

const entryColumns = `id, lease_id, payment_number, due_date, amount, period_start, period_end, is_paid, paid_payment_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var e Entry
	var paid sql.NullString
	if err := row.Scan(
		&e.ID,
		&e.LeaseID,
		&e.PaymentNumber,
		&e.DueDate,
		&e.Amount,
		&e.PeriodStart,
		&e.PeriodEnd,
		&e.IsPaid,
		&paid,
	); err != nil {
		return Entry{}, err
	}
	e.PaidPaymentID = utils.StringPtr(paid)
	return e, nil
}

func (r *PostgresRepo) ListByLease(ctx context.Context, leaseID string) ([]Entry, error) {
	q := `SELECT ` + entryColumns + ` FROM schedule_entries WHERE lease_id = $1 ORDER BY payment_number`
	rows, err := r.db.QueryContext(ctx, q, leaseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (Entry, error) {
	q := `SELECT ` + entryColumns + ` FROM schedule_entries WHERE id = $1`
	e, err := scanEntry(r.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	return e, err
}

func (r *PostgresRepo) FindByPayment(ctx context.Context, paymentID string) (Entry, bool, error) {
	q := `SELECT ` + entryColumns + ` FROM schedule_entries WHERE paid_payment_id = $1`
	e, err := scanEntry(r.db.QueryRowContext(ctx, q, paymentID))
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

func (r *PostgresRepo) Replace(ctx context.Context, leaseID string, entries []Entry) error {
	return utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		// Lock the current rows so a concurrent claim cannot slip in between
		// the paid check and the delete.
		rows, err := tx.QueryContext(ctx, `SELECT is_paid FROM schedule_entries WHERE lease_id = $1 FOR UPDATE`, leaseID)
		if err != nil {
			return err
		}
		hasPaid := false
		for rows.Next() {
			var paid bool
			if err := rows.Scan(&paid); err != nil {
				rows.Close()
				return err
			}
			hasPaid = hasPaid || paid
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if hasPaid {
			return ErrScheduleHasPayments
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM schedule_entries WHERE lease_id = $1`, leaseID); err != nil {
			return err
		}
		for _, e := range entries {
			if e.LeaseID != leaseID {
				return fmt.Errorf("entry %s belongs to lease %s, not %s", e.ID, e.LeaseID, leaseID)
			}
			if _, err := insertEntry(ctx, tx, e, false); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *PostgresRepo) AppendMissing(ctx context.Context, leaseID string, entries []Entry) (int, error) {
	inserted := 0
	err := utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		inserted = 0
		for _, e := range entries {
			if e.LeaseID != leaseID {
				return fmt.Errorf("entry %s belongs to lease %s, not %s", e.ID, e.LeaseID, leaseID)
			}
			ok, err := insertEntry(ctx, tx, e, true)
			if err != nil {
				return err
			}
			if ok {
				inserted++
			}
		}
		return nil
	})
	return inserted, err
}

func insertEntry(ctx context.Context, tx *sql.Tx, e Entry, skipExisting bool) (bool, error) {
	q := `
INSERT INTO schedule_entries (` + entryColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
`
	if skipExisting {
		q += `ON CONFLICT (lease_id, payment_number) DO NOTHING`
	}
	res, err := tx.ExecContext(ctx, q,
		e.ID,
		e.LeaseID,
		e.PaymentNumber,
		e.DueDate,
		e.Amount,
		e.PeriodStart,
		e.PeriodEnd,
		e.IsPaid,
		utils.NullStringPtr(e.PaidPaymentID),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *PostgresRepo) MarkPaid(ctx context.Context, scheduleID, paymentID string) (Entry, error) {
	q := `
UPDATE schedule_entries
SET is_paid = true, paid_payment_id = $2
WHERE id = $1 AND (is_paid = false OR paid_payment_id = $2)
RETURNING ` + entryColumns
	e, err := scanEntry(r.db.QueryRowContext(ctx, q, scheduleID, paymentID))
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Entry{}, err
	}

	if _, err := r.Get(ctx, scheduleID); err != nil {
		return Entry{}, err
	}
	return Entry{}, ErrAlreadyPaid
}

func (r *PostgresRepo) ClaimOldestUnpaid(ctx context.Context, leaseID, paymentID string) (Entry, bool, error) {
	if e, ok, err := r.FindByPayment(ctx, paymentID); err != nil || ok {
		return e, ok, err
	}

	// SKIP LOCKED lets a concurrent claimer move on to the next entry instead
	// of waiting and then finding nothing.
	q := `
UPDATE schedule_entries
SET is_paid = true, paid_payment_id = $2
WHERE id = (
  SELECT id FROM schedule_entries
  WHERE lease_id = $1 AND is_paid = false
  ORDER BY payment_number
  LIMIT 1
  FOR UPDATE SKIP LOCKED
) AND is_paid = false
RETURNING ` + entryColumns
	e, err := scanEntry(r.db.QueryRowContext(ctx, q, leaseID, paymentID))
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

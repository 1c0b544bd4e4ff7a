package payment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"rent-billing/pkg/utils"

	"github.com/jackc/pgx/v5/pgconn"
)

type Repository interface {
	Create(ctx context.Context, p Payment) (Payment, error)
	Get(ctx context.Context, id string) (Payment, error)
	GetByTransactionID(ctx context.Context, transactionID string) (Payment, error)
	ListByLease(ctx context.Context, leaseID string) ([]Payment, error)

	// ClaimPollBatch returns up to limit gateway payments created by olderThan
	// and still pending, least recently checked first, and stamps them checked.
	ClaimPollBatch(ctx context.Context, olderThan time.Time, limit int) ([]Payment, error)
	// ClaimSettleBatch does the same for completed payments updated since
	// since whose settlement has not finished.
	ClaimSettleBatch(ctx context.Context, since time.Time, limit int) ([]Payment, error)
	// MarkSettled drops a completed payment from the settle sweep. It does not
	// touch updated_at.
	MarkSettled(ctx context.Context, id string) error

	// Transition moves a payment from -> to only if it is still in from.
	// It returns ErrTransitionConflict otherwise.
	Transition(ctx context.Context, id string, from, to Status, patch Patch) (Payment, error)
	// SetSchedule records the linked schedule entry when unset. Setting the
	// same entry again is a no-op; a different one is ErrScheduleConflict.
	SetSchedule(ctx context.Context, id, scheduleID string) error
	// RecordGatewayResponse stores the initiation response of a pending payment.
	RecordGatewayResponse(ctx context.Context, id, gatewayReference string, raw []byte) error
}

type PostgresRepo struct {
	db    *sql.DB
	clock func() time.Time
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db, clock: time.Now}
}

// SetClock overrides the time source. Tests only.
func (r *PostgresRepo) SetClock(clock func() time.Time) { r.clock = clock }

const paymentColumns = `id, lease_id, schedule_id, amount, due_date, paid_date, status, payment_method,
gateway, gateway_reference, raw_response, transaction_id, phone_number, notes, created_at, updated_at`

func scanPayment(row interface{ Scan(...any) error }) (Payment, error) {
	var p Payment
	var scheduleID, gw, gwRef, phone, notes sql.NullString
	var dueDate, paidDate sql.NullTime
	var raw []byte
	if err := row.Scan(
		&p.ID,
		&p.LeaseID,
		&scheduleID,
		&p.Amount,
		&dueDate,
		&paidDate,
		&p.Status,
		&p.Method,
		&gw,
		&gwRef,
		&raw,
		&p.TransactionID,
		&phone,
		&notes,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		return Payment{}, err
	}
	p.ScheduleID = utils.StringPtr(scheduleID)
	p.DueDate = utils.TimePtr(dueDate)
	p.PaidDate = utils.TimePtr(paidDate)
	p.Gateway = gw.String
	p.GatewayReference = gwRef.String
	p.PhoneNumber = phone.String
	p.Notes = notes.String
	if len(raw) > 0 {
		p.RawResponse = raw
	}
	return p, nil
}

func rawParam(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func (r *PostgresRepo) Create(ctx context.Context, p Payment) (Payment, error) {
	now := r.clock().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = p.CreatedAt

	q := `INSERT INTO payments (` + paymentColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
RETURNING ` + paymentColumns
	out, err := scanPayment(r.db.QueryRowContext(ctx, q,
		p.ID,
		p.LeaseID,
		utils.NullStringPtr(p.ScheduleID),
		p.Amount,
		p.DueDate,
		p.PaidDate,
		p.Status,
		p.Method,
		utils.NullString(p.Gateway),
		utils.NullString(p.GatewayReference),
		rawParam(p.RawResponse),
		p.TransactionID,
		utils.NullString(p.PhoneNumber),
		utils.NullString(p.Notes),
		p.CreatedAt,
		p.UpdatedAt,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Payment{}, fmt.Errorf("%w: %s", ErrDuplicateReference, p.TransactionID)
		}
		return Payment{}, err
	}
	return out, nil
}

func (r *PostgresRepo) getBy(ctx context.Context, column, value string) (Payment, error) {
	q := `SELECT ` + paymentColumns + ` FROM payments WHERE ` + column + ` = $1`
	p, err := scanPayment(r.db.QueryRowContext(ctx, q, value))
	if errors.Is(err, sql.ErrNoRows) {
		return Payment{}, ErrNotFound
	}
	return p, err
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (Payment, error) {
	return r.getBy(ctx, "id", id)
}

func (r *PostgresRepo) GetByTransactionID(ctx context.Context, transactionID string) (Payment, error) {
	return r.getBy(ctx, "transaction_id", transactionID)
}

func (r *PostgresRepo) list(ctx context.Context, q string, args ...any) ([]Payment, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) ListByLease(ctx context.Context, leaseID string) ([]Payment, error) {
	return r.list(ctx, `SELECT `+paymentColumns+` FROM payments WHERE lease_id = $1 ORDER BY created_at DESC, id`, leaseID)
}

func (r *PostgresRepo) ClaimPollBatch(ctx context.Context, olderThan time.Time, limit int) ([]Payment, error) {
	return r.claim(ctx, `status = 'pending' AND gateway IS NOT NULL AND created_at <= $1`, `created_at`, olderThan, limit)
}

func (r *PostgresRepo) ClaimSettleBatch(ctx context.Context, since time.Time, limit int) ([]Payment, error) {
	return r.claim(ctx, `status = 'completed' AND settled_at IS NULL AND updated_at >= $1`, `updated_at`, since, limit)
}

// claim stamps last_checked_at on the least recently checked rows matching
// where. Rows locked by a concurrent claim are skipped.
func (r *PostgresRepo) claim(ctx context.Context, where, tiebreak string, bound time.Time, limit int) ([]Payment, error) {
	if limit <= 0 {
		limit = 100
	}
	ps, err := r.list(ctx, `
UPDATE payments SET last_checked_at = $3
WHERE id IN (
  SELECT id FROM payments
  WHERE `+where+`
  ORDER BY last_checked_at NULLS FIRST, `+tiebreak+`, id
  LIMIT $2
  FOR UPDATE SKIP LOCKED
)
RETURNING `+paymentColumns, bound, limit, r.clock().UTC())
	if err != nil {
		return nil, err
	}
	// RETURNING has no order.
	sort.Slice(ps, func(i, j int) bool { return ps[i].CreatedAt.Before(ps[j].CreatedAt) })
	return ps, nil
}

func (r *PostgresRepo) MarkSettled(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE payments SET settled_at = $2 WHERE id = $1 AND settled_at IS NULL`, id, r.clock().UTC())
	return err
}

func (r *PostgresRepo) Transition(ctx context.Context, id string, from, to Status, patch Patch) (Payment, error) {
	if !CanTransition(from, to) {
		return Payment{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	q := `
UPDATE payments SET
  status = $3,
  paid_date = COALESCE($4, paid_date),
  gateway_reference = COALESCE($5, gateway_reference),
  raw_response = COALESCE($6::jsonb, raw_response),
  notes = COALESCE($7, notes),
  updated_at = $8
WHERE id = $1 AND status = $2
RETURNING ` + paymentColumns
	p, err := scanPayment(r.db.QueryRowContext(ctx, q,
		id,
		from,
		to,
		patch.PaidDate,
		utils.NullString(patch.GatewayReference),
		rawParam(patch.RawResponse),
		utils.NullString(patch.Notes),
		r.clock().UTC(),
	))
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Payment{}, err
	}
	if _, err := r.Get(ctx, id); err != nil {
		return Payment{}, err
	}
	return Payment{}, ErrTransitionConflict
}

func (r *PostgresRepo) SetSchedule(ctx context.Context, id, scheduleID string) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE payments SET schedule_id = $2, updated_at = $3
WHERE id = $1 AND schedule_id IS NULL`, id, scheduleID, r.clock().UTC())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	p, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if p.ScheduleID != nil && *p.ScheduleID == scheduleID {
		return nil
	}
	return ErrScheduleConflict
}

func (r *PostgresRepo) RecordGatewayResponse(ctx context.Context, id, gatewayReference string, raw []byte) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE payments SET
  gateway_reference = COALESCE($2, gateway_reference),
  raw_response = COALESCE($3::jsonb, raw_response),
  updated_at = $4
WHERE id = $1 AND status = 'pending'`,
		id, utils.NullString(gatewayReference), rawParam(raw), r.clock().UTC())
	return err
}

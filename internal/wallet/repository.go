package wallet

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"rent-billing/pkg/utils"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Repository holds wallet state. Every method is one atomic storage operation.
type Repository interface {
	GetOrCreate(ctx context.Context, landlordID, currency string) (Wallet, error)
	GetByLandlord(ctx context.Context, landlordID string) (Wallet, error)

	// Credit adds a completed deposit or adjustment. When a row with the same
	// payment id (deposits) or reference (adjustments) exists it is returned
	// with created=false and the balance is untouched.
	Credit(ctx context.Context, landlordID, currency string, t Transaction) (out Transaction, created bool, err error)
	// Reserve debits the balance and appends a pending withdrawal, or fails
	// with ErrInsufficientBalance leaving everything unchanged.
	Reserve(ctx context.Context, landlordID, currency string, t Transaction) (Transaction, error)
	// Settle finalizes a pending withdrawal. failed restores the reserved
	// amount; completed adds it to total_withdrawn. ErrNotPending otherwise.
	Settle(ctx context.Context, transactionID string, to TransactionStatus, gatewayReference string) (Transaction, error)
	SetGatewayReference(ctx context.Context, transactionID, gatewayReference string) error

	GetTransaction(ctx context.Context, id string) (Transaction, error)
	// FindWithdrawal resolves a withdrawal by our reference or the gateway's.
	FindWithdrawal(ctx context.Context, reference string) (Transaction, error)
	History(ctx context.Context, walletID string, f HistoryFilter) ([]Transaction, error)
	PendingWithdrawals(ctx context.Context, walletID string) (decimal.Decimal, int, error)
	// ClaimPendingWithdrawals returns up to limit gateway withdrawals created
	// by olderThan and still pending, least recently checked first, and stamps
	// them checked.
	ClaimPendingWithdrawals(ctx context.Context, olderThan time.Time, limit int) ([]Transaction, error)
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

const walletColumns = `id, landlord_id, balance, total_deposited, total_withdrawn, currency, created_at, updated_at`

const txColumns = `id, wallet_id, type, amount, balance_after, status, payment_id, destination_type,
destination_details, reference, gateway, gateway_reference, description, created_at, updated_at`

type scanner interface{ Scan(...any) error }

func scanWallet(row scanner) (Wallet, error) {
	var w Wallet
	err := row.Scan(
		&w.ID,
		&w.LandlordID,
		&w.Balance,
		&w.TotalDeposited,
		&w.TotalWithdrawn,
		&w.Currency,
		&w.CreatedAt,
		&w.UpdatedAt,
	)
	return w, err
}

func scanTransaction(row scanner) (Transaction, error) {
	var t Transaction
	var paymentID, destType, destDetails, gw, gwRef, desc sql.NullString
	if err := row.Scan(
		&t.ID,
		&t.WalletID,
		&t.Type,
		&t.Amount,
		&t.BalanceAfter,
		&t.Status,
		&paymentID,
		&destType,
		&destDetails,
		&t.Reference,
		&gw,
		&gwRef,
		&desc,
		&t.CreatedAt,
		&t.UpdatedAt,
	); err != nil {
		return Transaction{}, err
	}
	t.PaymentID = utils.StringPtr(paymentID)
	t.DestinationType = destType.String
	t.DestinationDetails = destDetails.String
	t.Gateway = gw.String
	t.GatewayReference = gwRef.String
	t.Description = desc.String
	return t, nil
}

func insertTransaction(ctx context.Context, tx *sql.Tx, t Transaction) (Transaction, error) {
	q := `INSERT INTO wallet_transactions (` + txColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
RETURNING ` + txColumns
	return scanTransaction(tx.QueryRowContext(ctx, q,
		t.ID,
		t.WalletID,
		t.Type,
		t.Amount,
		t.BalanceAfter,
		t.Status,
		utils.NullStringPtr(t.PaymentID),
		utils.NullString(t.DestinationType),
		utils.NullString(t.DestinationDetails),
		t.Reference,
		utils.NullString(t.Gateway),
		utils.NullString(t.GatewayReference),
		utils.NullString(t.Description),
		t.CreatedAt,
		t.UpdatedAt,
	))
}

// lockWallet creates the landlord's wallet if needed and locks its row to
// serialize concurrent money operations per wallet.
func lockWallet(ctx context.Context, tx *sql.Tx, landlordID, currency string, now time.Time) (Wallet, error) {
	const ins = `
INSERT INTO wallets (id, landlord_id, currency, created_at, updated_at)
VALUES ($1, $2, $3, $4, $4)
ON CONFLICT (landlord_id) DO NOTHING
`
	if _, err := tx.ExecContext(ctx, ins, uuid.NewString(), landlordID, currency, now); err != nil {
		return Wallet{}, err
	}
	q := `SELECT ` + walletColumns + ` FROM wallets WHERE landlord_id = $1 FOR UPDATE`
	return scanWallet(tx.QueryRowContext(ctx, q, landlordID))
}

func (r *PostgresRepo) GetOrCreate(ctx context.Context, landlordID, currency string) (Wallet, error) {
	var out Wallet
	err := utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		w, err := lockWallet(ctx, tx, landlordID, currency, r.clock().UTC())
		out = w
		return err
	})
	return out, err
}

func (r *PostgresRepo) GetByLandlord(ctx context.Context, landlordID string) (Wallet, error) {
	q := `SELECT ` + walletColumns + ` FROM wallets WHERE landlord_id = $1`
	w, err := scanWallet(r.db.QueryRowContext(ctx, q, landlordID))
	if errors.Is(err, sql.ErrNoRows) {
		return Wallet{}, ErrNotFound
	}
	return w, err
}

func (r *PostgresRepo) Credit(ctx context.Context, landlordID, currency string, t Transaction) (Transaction, bool, error) {
	if t.Type != TypeDeposit && t.Type != TypeAdjustment {
		return Transaction{}, false, fmt.Errorf("%w: credit type %q", ErrInvalidArgument, t.Type)
	}
	now := r.clock().UTC()

	var out Transaction
	var created bool
	err := utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		w, err := lockWallet(ctx, tx, landlordID, currency, now)
		if err != nil {
			return err
		}

		// The wallet lock makes this check-then-insert safe; the unique
		// indexes on payment_id and reference back it up.
		var existing Transaction
		if t.PaymentID != nil {
			existing, err = scanTransaction(tx.QueryRowContext(ctx,
				`SELECT `+txColumns+` FROM wallet_transactions WHERE payment_id = $1`, *t.PaymentID))
		} else {
			existing, err = scanTransaction(tx.QueryRowContext(ctx,
				`SELECT `+txColumns+` FROM wallet_transactions WHERE reference = $1`, t.Reference))
		}
		if err == nil {
			out = existing
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		totalDeposited := decimal.Zero
		if t.Type == TypeDeposit {
			totalDeposited = t.Amount
		}
		var balance decimal.Decimal
		if err := tx.QueryRowContext(ctx, `
UPDATE wallets
SET balance = balance + $2, total_deposited = total_deposited + $3, updated_at = $4
WHERE id = $1
RETURNING balance
`, w.ID, t.Amount, totalDeposited, now).Scan(&balance); err != nil {
			return err
		}

		t.WalletID = w.ID
		t.BalanceAfter = balance
		t.Status = StatusCompleted
		t.CreatedAt, t.UpdatedAt = now, now
		out, err = insertTransaction(ctx, tx, t)
		created = err == nil
		return err
	})
	return out, created, err
}

func (r *PostgresRepo) Reserve(ctx context.Context, landlordID, currency string, t Transaction) (Transaction, error) {
	now := r.clock().UTC()

	var out Transaction
	err := utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		w, err := lockWallet(ctx, tx, landlordID, currency, now)
		if err != nil {
			return err
		}

		var balance decimal.Decimal
		err = tx.QueryRowContext(ctx, `
UPDATE wallets
SET balance = balance - $2, updated_at = $3
WHERE id = $1 AND balance >= $2
RETURNING balance
`, w.ID, t.Amount, now).Scan(&balance)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrInsufficientBalance
		}
		if err != nil {
			return err
		}

		t.WalletID = w.ID
		t.Type = TypeWithdrawal
		t.Status = StatusPending
		t.BalanceAfter = balance
		t.CreatedAt, t.UpdatedAt = now, now
		out, err = insertTransaction(ctx, tx, t)
		return err
	})
	return out, err
}

func (r *PostgresRepo) Settle(ctx context.Context, transactionID string, to TransactionStatus, gatewayReference string) (Transaction, error) {
	if to != StatusCompleted && to != StatusFailed {
		return Transaction{}, fmt.Errorf("%w: settle to %q", ErrInvalidArgument, to)
	}
	now := r.clock().UTC()

	var out Transaction
	err := utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		q := `
UPDATE wallet_transactions
SET status = $2,
    gateway_reference = COALESCE(gateway_reference, $3),
    updated_at = $4
WHERE id = $1 AND type = 'withdrawal' AND status = 'pending'
RETURNING ` + txColumns
		t, err := scanTransaction(tx.QueryRowContext(ctx, q, transactionID, to, utils.NullString(gatewayReference), now))
		if errors.Is(err, sql.ErrNoRows) {
			var exists bool
			if err := tx.QueryRowContext(ctx,
				`SELECT EXISTS (SELECT 1 FROM wallet_transactions WHERE id = $1 AND type = 'withdrawal')`,
				transactionID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return ErrNotFound
			}
			return ErrNotPending
		}
		if err != nil {
			return err
		}

		upd := `UPDATE wallets SET total_withdrawn = total_withdrawn + $2, updated_at = $3 WHERE id = $1`
		if to == StatusFailed {
			upd = `UPDATE wallets SET balance = balance + $2, updated_at = $3 WHERE id = $1`
		}
		if _, err := tx.ExecContext(ctx, upd, t.WalletID, t.Amount, now); err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

func (r *PostgresRepo) SetGatewayReference(ctx context.Context, transactionID, gatewayReference string) error {
	if gatewayReference == "" {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
UPDATE wallet_transactions
SET gateway_reference = $2, updated_at = $3
WHERE id = $1 AND gateway_reference IS NULL
`, transactionID, gatewayReference, r.clock().UTC())
	return err
}

func (r *PostgresRepo) GetTransaction(ctx context.Context, id string) (Transaction, error) {
	t, err := scanTransaction(r.db.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM wallet_transactions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Transaction{}, ErrNotFound
	}
	return t, err
}

func (r *PostgresRepo) FindWithdrawal(ctx context.Context, reference string) (Transaction, error) {
	q := `SELECT ` + txColumns + `
FROM wallet_transactions
WHERE type = 'withdrawal' AND (reference = $1 OR gateway_reference = $1)
ORDER BY (reference = $1) DESC, created_at
LIMIT 1`
	t, err := scanTransaction(r.db.QueryRowContext(ctx, q, reference))
	if errors.Is(err, sql.ErrNoRows) {
		return Transaction{}, ErrNotFound
	}
	return t, err
}

func (r *PostgresRepo) History(ctx context.Context, walletID string, f HistoryFilter) ([]Transaction, error) {
	f = f.normalized()

	where := []string{"wallet_id = $1"}
	args := []any{walletID}
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Type != "" {
		add("type = $%d", f.Type)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.From != nil {
		add("created_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("created_at < $%d", *f.To)
	}
	args = append(args, f.Limit, f.Offset)

	q := `SELECT ` + txColumns + ` FROM wallet_transactions WHERE ` + strings.Join(where, " AND ") +
		fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))
	return r.list(ctx, q, args...)
}

func (r *PostgresRepo) PendingWithdrawals(ctx context.Context, walletID string) (decimal.Decimal, int, error) {
	var sum decimal.Decimal
	var n int
	err := r.db.QueryRowContext(ctx, `
SELECT COALESCE(SUM(amount), 0), COUNT(*)
FROM wallet_transactions
WHERE wallet_id = $1 AND type = 'withdrawal' AND status = 'pending'
`, walletID).Scan(&sum, &n)
	return sum, n, err
}

func (r *PostgresRepo) ClaimPendingWithdrawals(ctx context.Context, olderThan time.Time, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `
UPDATE wallet_transactions SET last_checked_at = $3
WHERE id IN (
  SELECT id FROM wallet_transactions
  WHERE type = 'withdrawal' AND status = 'pending' AND gateway IS NOT NULL AND created_at <= $1
  ORDER BY last_checked_at NULLS FIRST, created_at, id
  LIMIT $2
  FOR UPDATE SKIP LOCKED
)
RETURNING ` + txColumns
	txs, err := r.list(ctx, q, olderThan, limit, r.clock().UTC())
	if err != nil {
		return nil, err
	}
	sort.Slice(txs, func(i, j int) bool { return txs[i].CreatedAt.Before(txs[j].CreatedAt) })
	return txs, nil
}

func (r *PostgresRepo) list(ctx context.Context, q string, args ...any) ([]Transaction, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

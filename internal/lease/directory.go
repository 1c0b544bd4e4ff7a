package lease

import (
	"context"
	"database/sql"
	"errors"
)

// Directory is the lease lookup the billing core depends on.
type Directory interface {
	GetLease(ctx context.Context, leaseID string) (Lease, error)
	// IsOwner reports whether principalID is the landlord or the tenant of the lease.
	IsOwner(ctx context.Context, principalID, leaseID string) (bool, error)
	ListOpenEnded(ctx context.Context) ([]Lease, error)
}

// CheckOwner returns ErrNotOwner unless principalID is party to the lease.
func CheckOwner(ctx context.Context, d Directory, principalID, leaseID string) error {
	ok, err := d.IsOwner(ctx, principalID, leaseID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotOwner
	}
	return nil
}

type PostgresDirectory struct {
	db *sql.DB
}

func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

const leaseColumns = `id, landlord_id, tenant_id, monthly_rent, payment_day, start_date, end_date, status`

func scanLease(row interface{ Scan(...any) error }) (Lease, error) {
	var l Lease
	var end sql.NullTime
	if err := row.Scan(
		&l.ID,
		&l.LandlordID,
		&l.TenantID,
		&l.MonthlyRent,
		&l.PaymentDay,
		&l.StartDate,
		&end,
		&l.Status,
	); err != nil {
		return Lease{}, err
	}
	if end.Valid {
		t := end.Time
		l.EndDate = &t
	}
	return l, nil
}

func (d *PostgresDirectory) GetLease(ctx context.Context, leaseID string) (Lease, error) {
	l, err := scanLease(d.db.QueryRowContext(ctx, `SELECT `+leaseColumns+` FROM leases WHERE id = $1`, leaseID))
	if errors.Is(err, sql.ErrNoRows) {
		return Lease{}, ErrNotFound
	}
	return l, err
}

func (d *PostgresDirectory) IsOwner(ctx context.Context, principalID, leaseID string) (bool, error) {
	var ok bool
	err := d.db.QueryRowContext(ctx, `
SELECT EXISTS (
  SELECT 1 FROM leases WHERE id = $1 AND (landlord_id = $2 OR tenant_id = $2)
)`, leaseID, principalID).Scan(&ok)
	return ok, err
}

func (d *PostgresDirectory) ListOpenEnded(ctx context.Context) ([]Lease, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT `+leaseColumns+` FROM leases WHERE end_date IS NULL AND status = $1 ORDER BY id`, StatusActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Lease
	for rows.Next() {
		l, err := scanLease(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// Upsert syncs a lease pushed by the property service into the read model.
func (d *PostgresDirectory) Upsert(ctx context.Context, l Lease) error {
	_, err := d.db.ExecContext(ctx, `
INSERT INTO leases (`+leaseColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (id) DO UPDATE SET
  landlord_id = EXCLUDED.landlord_id,
  tenant_id = EXCLUDED.tenant_id,
  monthly_rent = EXCLUDED.monthly_rent,
  payment_day = EXCLUDED.payment_day,
  start_date = EXCLUDED.start_date,
  end_date = EXCLUDED.end_date,
  status = EXCLUDED.status,
  updated_at = now()
`, l.ID, l.LandlordID, l.TenantID, l.MonthlyRent, l.PaymentDay, l.StartDate, l.EndDate, l.Status)
	return err
}

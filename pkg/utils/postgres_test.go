package utils_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"rent-billing/internal/testutil/pgtest"
	"rent-billing/pkg/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithTx(t *testing.T) {
	db := pgtest.DB(t)
	ctx := context.Background()

	// A regular table: temp tables are per connection and the pool hands out several.
	_, err := db.ExecContext(ctx, `DROP TABLE IF EXISTS with_tx_rows`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `CREATE TABLE with_tx_rows (id int PRIMARY KEY)`)
	require.NoError(t, err)
	t.Cleanup(func() { _, _ = db.ExecContext(context.Background(), `DROP TABLE IF EXISTS with_tx_rows`) })
	count := func() int {
		var n int
		require.NoError(t, db.QueryRowContext(ctx, `SELECT count(*) FROM with_tx_rows`).Scan(&n))
		return n
	}
	insert := func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO with_tx_rows (id) VALUES (1)`)
		return err
	}

	boom := errors.New("boom")
	err = utils.WithTx(ctx, db, nil, func(ctx context.Context, tx *sql.Tx) error {
		require.NoError(t, insert(ctx, tx))
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, count(), "error rolls back")

	assert.Panics(t, func() {
		_ = utils.WithTx(ctx, db, nil, func(ctx context.Context, tx *sql.Tx) error {
			require.NoError(t, insert(ctx, tx))
			panic("boom")
		})
	})
	assert.Equal(t, 0, count(), "panic rolls back")

	require.NoError(t, utils.WithTx(ctx, db, nil, insert))
	assert.Equal(t, 1, count())

	require.NoError(t, utils.HealthCheck(ctx, db, time.Second))
}

func TestNullHelpers(t *testing.T) {
	assert.False(t, utils.NullString("").Valid)
	assert.Equal(t, sql.NullString{String: "x", Valid: true}, utils.NullString("x"))

	empty := ""
	assert.False(t, utils.NullStringPtr(nil).Valid)
	assert.False(t, utils.NullStringPtr(&empty).Valid)

	assert.Nil(t, utils.StringPtr(sql.NullString{}))
	assert.Equal(t, "x", *utils.StringPtr(sql.NullString{String: "x", Valid: true}))

	now := time.Now()
	assert.Nil(t, utils.TimePtr(sql.NullTime{}))
	assert.Equal(t, now, *utils.TimePtr(sql.NullTime{Time: now, Valid: true}))
}

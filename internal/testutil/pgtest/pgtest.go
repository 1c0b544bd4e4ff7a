// Package pgtest provides a migrated Postgres database for integration tests.
//
// TEST_DATABASE_URL wins when set. Otherwise a postgres:16-alpine container is
// started once per test binary. Tests are skipped when neither is available.
package pgtest

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"rent-billing/internal/migrations"
	"rent-billing/pkg/utils"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	once    sync.Once
	shared  *sql.DB
	initErr error
)

// DB returns a migrated database with all tables truncated.
func DB(t *testing.T) *sql.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("pgtest: skipped in -short mode")
	}

	once.Do(func() {
		shared, initErr = open(context.Background())
	})
	if initErr != nil {
		t.Skipf("pgtest: postgres unavailable: %v", initErr)
	}

	Truncate(t, shared)
	return shared
}

// Truncate clears every domain table.
func Truncate(t *testing.T, db *sql.DB) {
	t.Helper()
	_, err := db.ExecContext(context.Background(), `
TRUNCATE audit_events, wallet_transactions, wallets, payments, schedule_entries, leases`)
	if err != nil {
		t.Fatalf("pgtest: truncate: %v", err)
	}
}

func open(ctx context.Context) (*sql.DB, error) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		var err error
		dsn, err = startContainer(ctx)
		if err != nil {
			return nil, err
		}
	}

	db, err := utils.OpenPostgres(ctx, "pgx", dsn, utils.PostgresPoolConfig{MaxOpenConns: 10, PingTimeout: 10 * time.Second})
	if err != nil {
		return nil, err
	}
	if _, err := migrations.Apply(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// The container lives until the test binary exits; ryuk reaps it.
func startContainer(ctx context.Context) (dsn string, err error) {
	defer func() {
		// testcontainers panics when no docker host can be found.
		if r := recover(); r != nil {
			err = fmt.Errorf("docker unavailable: %v", r)
		}
	}()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "rent",
			"POSTGRES_PASSWORD": "rent",
			"POSTGRES_DB":       "rent_test",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return "", err
	}

	host, err := c.Host(ctx)
	if err != nil {
		return "", err
	}
	port, err := c.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("postgres://rent:rent@%s:%s/rent_test?sslmode=disable", host, port.Port()), nil
}

//go:build integration

package postgres_test

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/emperorhan/volume-backfill/internal/store/postgres"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func migrationsDir() string {
	_, currentFile, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(currentFile), "migrations")
}

// testDB returns a migrated database: TEST_DB_URL when set, otherwise an
// ephemeral testcontainers Postgres.
func testDB(t *testing.T) *postgres.DB {
	t.Helper()
	if url := os.Getenv("TEST_DB_URL"); url != "" {
		return openAndMigrate(t, url)
	}
	return setupTestContainer(t)
}

// setupTestContainer starts a PostgreSQL container, runs all migrations and
// returns a connected *postgres.DB. Everything is torn down with the test.
func setupTestContainer(t *testing.T) *postgres.DB {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("test_volume_backfill"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, container.Terminate(context.Background()))
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return openAndMigrate(t, connStr)
}

func openAndMigrate(t *testing.T, url string) *postgres.DB {
	t.Helper()
	db, err := postgres.New(postgres.Config{
		URL:             url,
		MaxOpenConns:    5,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, db.Ping(context.Background()))
	require.NoError(t, db.RunMigrations(context.Background(), migrationsDir()))
	return db
}

// seedWallet inserts a chain and one wallet and returns them.
func seedWallet(t *testing.T, db *postgres.DB, symbol, address string) (chainID, walletID int64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, db.QueryRowContext(ctx,
		`INSERT INTO blockchains (symbol, name) VALUES ($1, $1)
		 ON CONFLICT (symbol) DO UPDATE SET name = EXCLUDED.name RETURNING id`, symbol,
	).Scan(&chainID))
	require.NoError(t, db.QueryRowContext(ctx,
		`INSERT INTO wallets (blockchain_id, address) VALUES ($1, $2) RETURNING id`, chainID, address,
	).Scan(&walletID))
	return chainID, walletID
}

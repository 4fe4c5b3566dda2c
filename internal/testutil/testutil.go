// Package testutil holds shared helpers for database-backed tests.
package testutil

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

func SetupTestDB() (*pgxpool.Pool, error) {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		getEnv("ANT_POSTGRES_USER", "antwallet"),
		getEnv("ANT_POSTGRES_PASSWORD", "antwallet"),
		getEnv("ANT_POSTGRES_HOST", "localhost"),
		getEnv("ANT_POSTGRES_PORT", "5432"),
		getEnv("ANT_POSTGRES_DB", "antwallet_test"),
		getEnv("ANT_POSTGRES_SSLMODE", "disable"),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	return pool, nil
}

// CleanupTestData wipes wallet rows between tests. Meant for a dedicated
// test database.
func CleanupTestData(ctx context.Context, pool *pgxpool.Pool) error {
	queries := []string{
		"DELETE FROM wallet_transactions",
		"DELETE FROM deposit_orders",
		"DELETE FROM accounts",
	}
	for _, q := range queries {
		if _, err := pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("cleanup %q: %w", q, err)
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

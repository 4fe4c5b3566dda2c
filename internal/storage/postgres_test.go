package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"log/slog"

	"github.com/antwallet/antwallet/internal/testutil"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

func setupStore(t *testing.T) (*Store, *pgxpool.Pool) {
	t.Helper()
	if os.Getenv("RUN_DB_INTEGRATION") == "" {
		t.Skip("set RUN_DB_INTEGRATION=1 to run")
	}

	pool, err := testutil.SetupTestDB()
	if err != nil {
		t.Skipf("db connection failed: %v", err)
	}
	t.Cleanup(pool.Close)

	logger := slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), nil))
	dsn := fmt.Sprintf("%s:%s@%s:%s/%s?sslmode=%s",
		envOr("ANT_POSTGRES_USER", "antwallet"),
		envOr("ANT_POSTGRES_PASSWORD", "antwallet"),
		envOr("ANT_POSTGRES_HOST", "localhost"),
		envOr("ANT_POSTGRES_PORT", "5432"),
		envOr("ANT_POSTGRES_DB", "antwallet_test"),
		envOr("ANT_POSTGRES_SSLMODE", "disable"),
	)
	if err := RunMigrations(logger, dsn); err != nil {
		t.Fatalf("migrations: %v", err)
	}

	ctx := context.Background()
	if err := testutil.CleanupTestData(ctx, pool); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	t.Cleanup(func() {
		_ = testutil.CleanupTestData(context.Background(), pool)
	})

	return New(pool, logger), pool
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func mustCredit(t *testing.T, store *Store, userID int64, asset Asset, amount string) {
	t.Helper()
	if _, err := store.Credit(context.Background(), userID, asset, decimal.RequireFromString(amount), TxRecharge); err != nil {
		t.Fatalf("credit %s %s: %v", amount, asset, err)
	}
}

func TestCreateAccountUpsertsUsername(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	acct, err := store.CreateAccount(ctx, 1, "alice")
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if acct.Username != "alice" {
		t.Fatalf("username = %q", acct.Username)
	}

	acct, err = store.CreateAccount(ctx, 1, "alice_renamed")
	if err != nil {
		t.Fatalf("CreateAccount again: %v", err)
	}
	if acct.Username != "alice_renamed" {
		t.Fatalf("username = %q, want updated", acct.Username)
	}

	byName, err := store.GetAccountByUsername(ctx, "@alice_renamed")
	if err != nil {
		t.Fatalf("GetAccountByUsername: %v", err)
	}
	if byName.UserID != 1 {
		t.Fatalf("user id = %d", byName.UserID)
	}
}

func TestTransferMovesFundsAtomically(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	if _, err := store.CreateAccount(ctx, 1, "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.CreateAccount(ctx, 2, "bob"); err != nil {
		t.Fatal(err)
	}
	mustCredit(t, store, 1, AssetUSDT, "100")

	result, err := store.Transfer(ctx, 1, 2, AssetUSDT, decimal.RequireFromString("40"))
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if !result.From.USDTBalance.Equal(decimal.RequireFromString("60")) {
		t.Fatalf("from balance = %s", result.From.USDTBalance)
	}
	if !result.To.USDTBalance.Equal(decimal.RequireFromString("40")) {
		t.Fatalf("to balance = %s", result.To.USDTBalance)
	}

	records, err := store.ListTransactions(ctx, 1, TxTransfer, 10)
	if err != nil {
		t.Fatalf("ListTransactions: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d transfer records, want exactly one for the sender", len(records))
	}
}

func TestTransferInsufficientFunds(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	if _, err := store.CreateAccount(ctx, 1, "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.CreateAccount(ctx, 2, "bob"); err != nil {
		t.Fatal(err)
	}
	mustCredit(t, store, 1, AssetUSDT, "10")

	_, err := store.Transfer(ctx, 1, 2, AssetUSDT, decimal.RequireFromString("10.01"))
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("error = %v, want ErrInsufficientFunds", err)
	}

	acct, err := store.GetAccount(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !acct.USDTBalance.Equal(decimal.RequireFromString("10")) {
		t.Fatalf("balance = %s, must be untouched", acct.USDTBalance)
	}
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	if _, err := store.CreateAccount(ctx, 1, "alice"); err != nil {
		t.Fatal(err)
	}
	mustCredit(t, store, 1, AssetUSDT, "100")

	const workers = 10
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Debit(ctx, 1, AssetUSDT, decimal.RequireFromString("15"), TxWithdraw)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
		} else if !errors.Is(err, ErrInsufficientFunds) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 6 {
		t.Fatalf("succeeded = %d, want 6 debits of 15 from 100", succeeded)
	}

	acct, err := store.GetAccount(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !acct.USDTBalance.Equal(decimal.RequireFromString("10")) {
		t.Fatalf("final balance = %s, want 10", acct.USDTBalance)
	}
}

func TestSettleDepositOrderExactlyOnce(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	if _, err := store.CreateAccount(ctx, 1, "alice"); err != nil {
		t.Fatal(err)
	}
	now := time.Now().UTC()
	order, err := store.CreateDepositOrder(ctx, DepositOrder{
		OrderID:         uuid.New(),
		UserID:          1,
		AmountRequested: decimal.RequireFromString("100"),
		AmountExpected:  decimal.RequireFromString("100.42"),
		Address:         "TCollectionAddr",
		CreatedAt:       now,
		ExpiresAt:       now.Add(30 * time.Minute),
		Status:          OrderPending,
	})
	if err != nil {
		t.Fatalf("CreateDepositOrder: %v", err)
	}

	first, err := store.SettleDepositOrder(ctx, order.OrderID)
	if err != nil {
		t.Fatalf("SettleDepositOrder: %v", err)
	}
	if first.AlreadySettled {
		t.Fatal("first settle must not report already settled")
	}
	// The requested amount is credited; the offset stays at the address.
	if !first.Account.USDTBalance.Equal(decimal.RequireFromString("100")) {
		t.Fatalf("balance = %s, want the requested amount", first.Account.USDTBalance)
	}

	second, err := store.SettleDepositOrder(ctx, order.OrderID)
	if err != nil {
		t.Fatalf("second SettleDepositOrder: %v", err)
	}
	if !second.AlreadySettled {
		t.Fatal("second settle must report already settled")
	}

	acct, err := store.GetAccount(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !acct.USDTBalance.Equal(decimal.RequireFromString("100")) {
		t.Fatalf("balance = %s, credit must apply exactly once", acct.USDTBalance)
	}

	records, err := store.ListTransactions(ctx, 1, TxRecharge, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d recharge records, want 1", len(records))
	}
}

func TestExpireStaleDepositOrders(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	if _, err := store.CreateAccount(ctx, 1, "alice"); err != nil {
		t.Fatal(err)
	}
	now := time.Now().UTC()

	stale, err := store.CreateDepositOrder(ctx, DepositOrder{
		OrderID:         uuid.New(),
		UserID:          1,
		AmountRequested: decimal.RequireFromString("10"),
		AmountExpected:  decimal.RequireFromString("10.11"),
		Address:         "TCollectionAddr",
		CreatedAt:       now.Add(-time.Hour),
		ExpiresAt:       now.Add(-30 * time.Minute),
		Status:          OrderPending,
	})
	if err != nil {
		t.Fatal(err)
	}
	fresh, err := store.CreateDepositOrder(ctx, DepositOrder{
		OrderID:         uuid.New(),
		UserID:          1,
		AmountRequested: decimal.RequireFromString("20"),
		AmountExpected:  decimal.RequireFromString("20.22"),
		Address:         "TCollectionAddr",
		CreatedAt:       now,
		ExpiresAt:       now.Add(30 * time.Minute),
		Status:          OrderPending,
	})
	if err != nil {
		t.Fatal(err)
	}

	n, err := store.ExpireStaleDepositOrders(ctx, now)
	if err != nil {
		t.Fatalf("ExpireStaleDepositOrders: %v", err)
	}
	if n != 1 {
		t.Fatalf("expired = %d, want 1", n)
	}

	got, err := store.GetDepositOrder(ctx, stale.OrderID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != OrderExpired {
		t.Fatalf("stale status = %q", got.Status)
	}

	// An expired order no longer settles or credits.
	result, err := store.SettleDepositOrder(ctx, stale.OrderID)
	if err != nil {
		t.Fatalf("settle expired: %v", err)
	}
	if !result.AlreadySettled {
		t.Fatal("expired order must not settle")
	}

	pending, err := store.ListPendingDepositOrders(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].OrderID != fresh.OrderID {
		t.Fatalf("pending = %+v, want only the fresh order", pending)
	}
}

func TestExchangeRoundsCredited(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	if _, err := store.CreateAccount(ctx, 1, "alice"); err != nil {
		t.Fatal(err)
	}
	mustCredit(t, store, 1, AssetUSDT, "10.01")

	result, err := store.Exchange(ctx, 1, AssetUSDT, AssetCNY, decimal.RequireFromString("10.01"), decimal.RequireFromString("7"))
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if !result.Credited.Equal(decimal.RequireFromString("70.07")) {
		t.Fatalf("credited = %s", result.Credited)
	}
	if !result.Account.USDTBalance.IsZero() {
		t.Fatalf("usdt = %s, want 0", result.Account.USDTBalance)
	}
	if !result.Account.CNYBalance.Equal(decimal.RequireFromString("70.07")) {
		t.Fatalf("cny = %s", result.Account.CNYBalance)
	}

	records, err := store.ListTransactions(ctx, 1, TxExchange, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d exchange records, want one per leg", len(records))
	}
}

func TestCreateDepositOrderUnknownUser(t *testing.T) {
	store, _ := setupStore(t)
	now := time.Now().UTC()

	_, err := store.CreateDepositOrder(context.Background(), DepositOrder{
		OrderID:         uuid.New(),
		UserID:          424242,
		AmountRequested: decimal.RequireFromString("10"),
		AmountExpected:  decimal.RequireFromString("10.10"),
		Address:         "TCollectionAddr",
		CreatedAt:       now,
		ExpiresAt:       now.Add(30 * time.Minute),
		Status:          OrderPending,
	})
	if !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("error = %v, want ErrAccountNotFound", err)
	}
}

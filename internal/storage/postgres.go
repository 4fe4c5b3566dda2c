package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	ErrAccountNotFound   = errors.New("account not found")
	ErrOrderNotFound     = errors.New("deposit order not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrSelfTransfer      = errors.New("cannot transfer to self")
)

// exchangeScale fixes the credited-amount precision for exchanges; rounding
// is half away from zero.
const exchangeScale = 2

type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func New(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}
}

// Ping reports storage reachability for readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateAccount registers the user on first interaction with zero balances.
// Re-registering is a no-op that refreshes the username.
func (s *Store) CreateAccount(ctx context.Context, userID int64, username string) (Account, error) {
	username = strings.TrimSpace(username)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO accounts (user_id, username)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET username = EXCLUDED.username
	`, userID, username)
	if err != nil {
		return Account{}, fmt.Errorf("create account: %w", err)
	}
	return s.GetAccount(ctx, userID)
}

func (s *Store) GetAccount(ctx context.Context, userID int64) (Account, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT user_id, username, usdt_balance::text, cny_balance::text, created_at
		FROM accounts
		WHERE user_id = $1
	`, userID)
	return scanAccount(row)
}

// GetAccountByUsername resolves a transfer target entered as @username.
func (s *Store) GetAccountByUsername(ctx context.Context, username string) (Account, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT user_id, username, usdt_balance::text, cny_balance::text, created_at
		FROM accounts
		WHERE username = $1
		ORDER BY created_at
		LIMIT 1
	`, strings.TrimSpace(strings.TrimPrefix(username, "@")))
	return scanAccount(row)
}

// Credit increments the asset balance and appends one audit transaction.
// Credits never fail for funds; only for unknown accounts or storage errors.
func (s *Store) Credit(ctx context.Context, userID int64, asset Asset, amount decimal.Decimal, kind TxKind) (Account, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return Account{}, fmt.Errorf("amount must be positive")
	}
	column, err := balanceColumn(asset)
	if err != nil {
		return Account{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Account{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	acct, err := getAccountForUpdate(ctx, tx, userID)
	if err != nil {
		return Account{}, err
	}
	if err := applyBalance(ctx, tx, userID, column, acct.Balance(asset).Add(amount)); err != nil {
		return Account{}, err
	}
	if err := insertTransaction(ctx, tx, userID, kind, asset, amount); err != nil {
		return Account{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Account{}, err
	}
	committed = true
	return s.GetAccount(ctx, userID)
}

// Debit decrements the asset balance, checking sufficiency under the row
// lock so two concurrent debits cannot both pass against a stale balance.
func (s *Store) Debit(ctx context.Context, userID int64, asset Asset, amount decimal.Decimal, kind TxKind) (Account, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return Account{}, fmt.Errorf("amount must be positive")
	}
	column, err := balanceColumn(asset)
	if err != nil {
		return Account{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Account{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	acct, err := getAccountForUpdate(ctx, tx, userID)
	if err != nil {
		return Account{}, err
	}
	balance := acct.Balance(asset)
	if balance.LessThan(amount) {
		return Account{}, ErrInsufficientFunds
	}
	if err := applyBalance(ctx, tx, userID, column, balance.Sub(amount)); err != nil {
		return Account{}, err
	}
	if err := insertTransaction(ctx, tx, userID, kind, asset, amount); err != nil {
		return Account{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Account{}, err
	}
	committed = true
	return s.GetAccount(ctx, userID)
}

// Transfer moves amount between two accounts as one atomic unit and records
// a single transfer transaction for the sender. Rows are locked in user-id
// order to avoid lock inversion between concurrent opposite transfers.
func (s *Store) Transfer(ctx context.Context, fromID, toID int64, asset Asset, amount decimal.Decimal) (*TransferResult, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("amount must be positive")
	}
	if fromID == toID {
		return nil, ErrSelfTransfer
	}
	column, err := balanceColumn(asset)
	if err != nil {
		return nil, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	first, second := fromID, toID
	if second < first {
		first, second = second, first
	}
	locked := map[int64]Account{}
	for _, id := range []int64{first, second} {
		acct, err := getAccountForUpdate(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		locked[id] = acct
	}

	from := locked[fromID]
	to := locked[toID]
	if from.Balance(asset).LessThan(amount) {
		return nil, ErrInsufficientFunds
	}

	if err := applyBalance(ctx, tx, fromID, column, from.Balance(asset).Sub(amount)); err != nil {
		return nil, err
	}
	if err := applyBalance(ctx, tx, toID, column, to.Balance(asset).Add(amount)); err != nil {
		return nil, err
	}
	if err := insertTransaction(ctx, tx, fromID, TxTransfer, asset, amount); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	committed = true

	fromAfter, err := s.GetAccount(ctx, fromID)
	if err != nil {
		return nil, err
	}
	toAfter, err := s.GetAccount(ctx, toID)
	if err != nil {
		return nil, err
	}
	return &TransferResult{From: fromAfter, To: toAfter}, nil
}

// Exchange debits fromAsset and credits round(amount*rate, 2) of toAsset
// atomically, recording one exchange transaction per leg.
func (s *Store) Exchange(ctx context.Context, userID int64, fromAsset, toAsset Asset, amount, rate decimal.Decimal) (*ExchangeResult, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("amount must be positive")
	}
	if rate.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("rate must be positive")
	}
	if fromAsset == toAsset {
		return nil, fmt.Errorf("assets must differ")
	}
	fromColumn, err := balanceColumn(fromAsset)
	if err != nil {
		return nil, err
	}
	toColumn, err := balanceColumn(toAsset)
	if err != nil {
		return nil, err
	}

	credited := amount.Mul(rate).Round(exchangeScale)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	acct, err := getAccountForUpdate(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	if acct.Balance(fromAsset).LessThan(amount) {
		return nil, ErrInsufficientFunds
	}

	if err := applyBalance(ctx, tx, userID, fromColumn, acct.Balance(fromAsset).Sub(amount)); err != nil {
		return nil, err
	}
	if err := applyBalance(ctx, tx, userID, toColumn, acct.Balance(toAsset).Add(credited)); err != nil {
		return nil, err
	}
	if err := insertTransaction(ctx, tx, userID, TxExchange, fromAsset, amount); err != nil {
		return nil, err
	}
	if err := insertTransaction(ctx, tx, userID, TxExchange, toAsset, credited); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	committed = true

	after, err := s.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &ExchangeResult{Account: after, Debited: amount, Credited: credited}, nil
}

// CreateDepositOrder persists a pending deposit intent.
func (s *Store) CreateDepositOrder(ctx context.Context, order DepositOrder) (DepositOrder, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO deposit_orders
			(order_id, user_id, amount_requested, amount_expected, address, created_at, expires_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		order.OrderID,
		order.UserID,
		order.AmountRequested.String(),
		order.AmountExpected.String(),
		order.Address,
		order.CreatedAt,
		order.ExpiresAt,
		string(OrderPending),
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return DepositOrder{}, ErrAccountNotFound
		}
		return DepositOrder{}, fmt.Errorf("create deposit order: %w", err)
	}
	order.Status = OrderPending
	return order, nil
}

func (s *Store) GetDepositOrder(ctx context.Context, orderID uuid.UUID) (DepositOrder, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT order_id, user_id, amount_requested::text, amount_expected::text,
		       address, created_at, expires_at, status
		FROM deposit_orders
		WHERE order_id = $1
	`, orderID)
	order, err := scanDepositOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return DepositOrder{}, ErrOrderNotFound
	}
	return order, err
}

// ListPendingDepositOrders returns every pending order, oldest first, so
// the reconciler settles the earliest order under allocator collisions.
func (s *Store) ListPendingDepositOrders(ctx context.Context) ([]DepositOrder, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT order_id, user_id, amount_requested::text, amount_expected::text,
		       address, created_at, expires_at, status
		FROM deposit_orders
		WHERE status = $1
		ORDER BY created_at
	`, string(OrderPending))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []DepositOrder
	for rows.Next() {
		order, err := scanDepositOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

// SettleDepositOrder performs the exactly-once credit. The credit and audit
// insert are gated on the pending to settled transition inside one transaction:
// if another pass already moved the order out of pending, no balance changes
// and AlreadySettled is reported instead.
func (s *Store) SettleDepositOrder(ctx context.Context, orderID uuid.UUID) (*SettleResult, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	row := tx.QueryRow(ctx, `
		UPDATE deposit_orders
		SET status = $1
		WHERE order_id = $2 AND status = $3
		RETURNING order_id, user_id, amount_requested::text, amount_expected::text,
		          address, created_at, expires_at, status
	`, string(OrderSettled), orderID, string(OrderPending))
	order, err := scanDepositOrder(row)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		existing, getErr := s.GetDepositOrder(ctx, orderID)
		if getErr != nil {
			return nil, getErr
		}
		return &SettleResult{Order: existing, AlreadySettled: true}, nil
	}

	acct, err := getAccountForUpdate(ctx, tx, order.UserID)
	if err != nil {
		return nil, err
	}
	// The requested amount is credited; the disambiguation offset stays
	// at the collection address.
	newBalance := acct.USDTBalance.Add(order.AmountRequested)
	if err := applyBalance(ctx, tx, order.UserID, "usdt_balance", newBalance); err != nil {
		return nil, err
	}
	if err := insertTransaction(ctx, tx, order.UserID, TxRecharge, AssetUSDT, order.AmountRequested); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	committed = true

	acctAfter, err := s.GetAccount(ctx, order.UserID)
	if err != nil {
		return nil, err
	}
	return &SettleResult{Order: order, Account: acctAfter}, nil
}

// ExpireStaleDepositOrders transitions every pending order past its expiry
// to expired and returns how many were affected.
func (s *Store) ExpireStaleDepositOrders(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE deposit_orders
		SET status = $1
		WHERE status = $2 AND expires_at < $3
	`, string(OrderExpired), string(OrderPending), now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ListTransactions returns the newest records first, optionally filtered by
// kind. An empty kind means all kinds.
func (s *Store) ListTransactions(ctx context.Context, userID int64, kind TxKind, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 10
	}

	query := `
		SELECT id, user_id, kind, asset, amount::text, created_at
		FROM wallet_transactions
		WHERE user_id = $1
	`
	args := []any{userID}
	if kind != "" {
		query += ` AND kind = $2`
		args = append(args, string(kind))
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT %d`, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []Transaction
	for rows.Next() {
		var t Transaction
		var kindStr, assetStr, amountStr string
		if err := rows.Scan(&t.ID, &t.UserID, &kindStr, &assetStr, &amountStr, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Kind = TxKind(kindStr)
		t.Asset = Asset(assetStr)
		t.Amount, err = decimal.NewFromString(amountStr)
		if err != nil {
			return nil, fmt.Errorf("parse transaction amount: %w", err)
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (Account, error) {
	var acct Account
	var usdtStr, cnyStr string
	if err := row.Scan(&acct.UserID, &acct.Username, &usdtStr, &cnyStr, &acct.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, err
	}
	var err error
	acct.USDTBalance, err = decimal.NewFromString(usdtStr)
	if err != nil {
		return Account{}, fmt.Errorf("parse usdt balance: %w", err)
	}
	acct.CNYBalance, err = decimal.NewFromString(cnyStr)
	if err != nil {
		return Account{}, fmt.Errorf("parse cny balance: %w", err)
	}
	return acct, nil
}

func scanDepositOrder(row rowScanner) (DepositOrder, error) {
	var order DepositOrder
	var requestedStr, expectedStr, statusStr string
	if err := row.Scan(
		&order.OrderID,
		&order.UserID,
		&requestedStr,
		&expectedStr,
		&order.Address,
		&order.CreatedAt,
		&order.ExpiresAt,
		&statusStr,
	); err != nil {
		return DepositOrder{}, err
	}
	var err error
	order.AmountRequested, err = decimal.NewFromString(requestedStr)
	if err != nil {
		return DepositOrder{}, fmt.Errorf("parse requested amount: %w", err)
	}
	order.AmountExpected, err = decimal.NewFromString(expectedStr)
	if err != nil {
		return DepositOrder{}, fmt.Errorf("parse expected amount: %w", err)
	}
	order.Status = OrderStatus(statusStr)
	return order, nil
}

func getAccountForUpdate(ctx context.Context, tx pgx.Tx, userID int64) (Account, error) {
	row := tx.QueryRow(ctx, `
		SELECT user_id, username, usdt_balance::text, cny_balance::text, created_at
		FROM accounts
		WHERE user_id = $1
		FOR UPDATE
	`, userID)
	return scanAccount(row)
}

func applyBalance(ctx context.Context, tx pgx.Tx, userID int64, column string, value decimal.Decimal) error {
	if value.IsNegative() {
		return ErrInsufficientFunds
	}
	query := fmt.Sprintf(`UPDATE accounts SET %s = $1 WHERE user_id = $2`, column)
	_, err := tx.Exec(ctx, query, value.String(), userID)
	return err
}

func insertTransaction(ctx context.Context, tx pgx.Tx, userID int64, kind TxKind, asset Asset, amount decimal.Decimal) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO wallet_transactions (user_id, kind, asset, amount)
		VALUES ($1, $2, $3, $4)
	`, userID, string(kind), string(asset), amount.String())
	return err
}

func balanceColumn(asset Asset) (string, error) {
	switch asset {
	case AssetUSDT:
		return "usdt_balance", nil
	case AssetCNY:
		return "cny_balance", nil
	default:
		return "", fmt.Errorf("unknown asset %q", asset)
	}
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}

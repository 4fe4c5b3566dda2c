package storage

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Asset identifies which of the two balances an operation touches.
type Asset string

const (
	AssetUSDT Asset = "USDT"
	AssetCNY  Asset = "CNY"
)

// TxKind is the audit-trail category of a balance mutation.
type TxKind string

const (
	TxRecharge TxKind = "recharge"
	TxWithdraw TxKind = "withdraw"
	TxTransfer TxKind = "transfer"
	TxEscrow   TxKind = "escrow"
	TxExchange TxKind = "exchange"
)

// OrderStatus is the deposit order state. Pending is the only non-terminal
// state; settled and expired are terminal.
type OrderStatus string

const (
	OrderPending OrderStatus = "pending"
	OrderSettled OrderStatus = "settled"
	OrderExpired OrderStatus = "expired"
)

type Account struct {
	UserID      int64
	Username    string
	USDTBalance decimal.Decimal
	CNYBalance  decimal.Decimal
	CreatedAt   time.Time
}

// Balance returns the balance for the given asset.
func (a Account) Balance(asset Asset) decimal.Decimal {
	if asset == AssetCNY {
		return a.CNYBalance
	}
	return a.USDTBalance
}

type DepositOrder struct {
	OrderID         uuid.UUID
	UserID          int64
	AmountRequested decimal.Decimal
	AmountExpected  decimal.Decimal
	Address         string
	CreatedAt       time.Time
	ExpiresAt       time.Time
	Status          OrderStatus
}

type Transaction struct {
	ID        int64
	UserID    int64
	Kind      TxKind
	Asset     Asset
	Amount    decimal.Decimal
	CreatedAt time.Time
}

// TransferResult carries both post-transfer accounts.
type TransferResult struct {
	From Account
	To   Account
}

// ExchangeResult reports the credited amount after rounding.
type ExchangeResult struct {
	Account  Account
	Debited  decimal.Decimal
	Credited decimal.Decimal
}

// SettleResult reports the outcome of a deposit settlement attempt.
// AlreadySettled is true when the order had left pending before this call;
// no credit happens in that case.
type SettleResult struct {
	Order          DepositOrder
	Account        Account
	AlreadySettled bool
}

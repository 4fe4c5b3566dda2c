// Package service holds the user-facing wallet operations: registration,
// deposit order creation, transfers, exchanges, and record listing. It
// validates input, delegates atomicity to storage, and notifies the
// front-end over Kafka.
package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/antwallet/antwallet/internal/allocator"
	"github.com/antwallet/antwallet/internal/storage"
	"github.com/antwallet/antwallet/libs/kafka"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const transferExecutedEventType = "wallet.transfer.executed"

var (
	ErrInvalidAmount = errors.New("amount must be a positive number")
	ErrInvalidAsset  = errors.New("unknown asset")
	ErrUnknownTarget = errors.New("transfer target not found")
)

// Store is the storage surface the service needs; tests provide fakes.
type Store interface {
	CreateAccount(ctx context.Context, userID int64, username string) (storage.Account, error)
	GetAccount(ctx context.Context, userID int64) (storage.Account, error)
	GetAccountByUsername(ctx context.Context, username string) (storage.Account, error)
	Transfer(ctx context.Context, fromID, toID int64, asset storage.Asset, amount decimal.Decimal) (*storage.TransferResult, error)
	Exchange(ctx context.Context, userID int64, fromAsset, toAsset storage.Asset, amount, rate decimal.Decimal) (*storage.ExchangeResult, error)
	CreateDepositOrder(ctx context.Context, order storage.DepositOrder) (storage.DepositOrder, error)
	GetDepositOrder(ctx context.Context, orderID uuid.UUID) (storage.DepositOrder, error)
	ListTransactions(ctx context.Context, userID int64, kind storage.TxKind, limit int) ([]storage.Transaction, error)
}

type Config struct {
	// DepositAddress is the shared collection address shown to users.
	DepositAddress string
	// OrderWindow is how long a deposit order stays matchable.
	OrderWindow time.Duration
	// USDTToCNYRate is the fixed exchange rate; the reverse direction is
	// its inverse.
	USDTToCNYRate decimal.Decimal
	// TransferTopic, when non-empty, receives recipient notifications.
	TransferTopic string
}

// TransferExecutedEvent lets the front-end notify the recipient.
type TransferExecutedEvent struct {
	kafka.Envelope
	FromUserID   int64  `json:"from_user_id"`
	FromUsername string `json:"from_username"`
	ToUserID     int64  `json:"to_user_id"`
	Asset        string `json:"asset"`
	Amount       string `json:"amount"`
}

type WalletService struct {
	store    Store
	alloc    *allocator.Allocator
	producer kafka.Publisher
	cfg      Config
	logger   *slog.Logger
	metrics  *Metrics
}

func NewWalletService(store Store, alloc *allocator.Allocator, producer kafka.Publisher, cfg Config, logger *slog.Logger, metrics *Metrics) (*WalletService, error) {
	if strings.TrimSpace(cfg.DepositAddress) == "" {
		return nil, fmt.Errorf("deposit address required")
	}
	if cfg.OrderWindow <= 0 {
		cfg.OrderWindow = 30 * time.Minute
	}
	if cfg.USDTToCNYRate.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("exchange rate must be positive")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WalletService{
		store:    store,
		alloc:    alloc,
		producer: producer,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
	}, nil
}

// RegisterAccount creates the account on first interaction; it is safe to
// call on every interaction.
func (s *WalletService) RegisterAccount(ctx context.Context, userID int64, username string) (storage.Account, error) {
	if userID <= 0 {
		return storage.Account{}, fmt.Errorf("user id must be positive")
	}
	return s.store.CreateAccount(ctx, userID, username)
}

func (s *WalletService) GetProfile(ctx context.Context, userID int64) (storage.Account, error) {
	return s.store.GetAccount(ctx, userID)
}

// CreateDeposit issues a deposit order with a disambiguated amount the
// user must pay exactly.
func (s *WalletService) CreateDeposit(ctx context.Context, userID int64, amount decimal.Decimal) (storage.DepositOrder, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return storage.DepositOrder{}, ErrInvalidAmount
	}

	now := time.Now().UTC()
	order := storage.DepositOrder{
		OrderID:         uuid.New(),
		UserID:          userID,
		AmountRequested: amount,
		AmountExpected:  s.alloc.Allocate(amount),
		Address:         s.cfg.DepositAddress,
		CreatedAt:       now,
		ExpiresAt:       now.Add(s.cfg.OrderWindow),
		Status:          storage.OrderPending,
	}

	created, err := s.store.CreateDepositOrder(ctx, order)
	if err != nil {
		return storage.DepositOrder{}, err
	}
	if s.metrics != nil {
		s.metrics.DepositOrdersCreated.Inc()
	}
	s.logger.Info("deposit order created",
		"order_id", created.OrderID,
		"user_id", userID,
		"requested", created.AmountRequested.String(),
		"expected", created.AmountExpected.String(),
	)
	return created, nil
}

func (s *WalletService) GetDeposit(ctx context.Context, orderID uuid.UUID) (storage.DepositOrder, error) {
	return s.store.GetDepositOrder(ctx, orderID)
}

// Transfer resolves the target (numeric id or @username), moves the funds,
// and publishes a recipient notification. Target resolution failures map
// to ErrUnknownTarget so callers can distinguish them from a missing
// sender account.
func (s *WalletService) Transfer(ctx context.Context, fromID int64, target string, asset storage.Asset, amount decimal.Decimal) (*storage.TransferResult, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidAmount
	}
	if err := validAsset(asset); err != nil {
		return nil, err
	}

	toID, err := s.resolveTarget(ctx, target)
	if err != nil {
		return nil, err
	}
	if toID == fromID {
		return nil, storage.ErrSelfTransfer
	}

	result, err := s.store.Transfer(ctx, fromID, toID, asset, amount)
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.TransfersTotal.WithLabelValues(string(asset)).Inc()
	}
	s.publishTransfer(ctx, result, asset, amount)
	return result, nil
}

// Exchange converts between the two balances at the configured rate.
// USDT to CNY uses the rate directly, CNY to USDT its inverse. The credited
// amount is rounded to 2 decimals, half away from zero, in storage.
func (s *WalletService) Exchange(ctx context.Context, userID int64, fromAsset storage.Asset, amount decimal.Decimal) (*storage.ExchangeResult, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidAmount
	}
	if err := validAsset(fromAsset); err != nil {
		return nil, err
	}

	toAsset := storage.AssetCNY
	rate := s.cfg.USDTToCNYRate
	if fromAsset == storage.AssetCNY {
		toAsset = storage.AssetUSDT
		rate = decimal.NewFromInt(1).DivRound(s.cfg.USDTToCNYRate, 8)
	}

	result, err := s.store.Exchange(ctx, userID, fromAsset, toAsset, amount, rate)
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.ExchangesTotal.WithLabelValues(string(fromAsset)).Inc()
	}
	return result, nil
}

// Rates reports both displayed exchange rates.
func (s *WalletService) Rates() (usdtToCNY, cnyToUSDT decimal.Decimal) {
	return s.cfg.USDTToCNYRate, decimal.NewFromInt(1).DivRound(s.cfg.USDTToCNYRate, 2)
}

// ListRecords returns the newest transactions first, optionally filtered
// by kind.
func (s *WalletService) ListRecords(ctx context.Context, userID int64, kind storage.TxKind, limit int) ([]storage.Transaction, error) {
	if kind != "" {
		switch kind {
		case storage.TxRecharge, storage.TxWithdraw, storage.TxTransfer, storage.TxEscrow, storage.TxExchange:
		default:
			return nil, fmt.Errorf("unknown record kind %q", kind)
		}
	}
	if limit <= 0 || limit > 100 {
		limit = 10
	}
	return s.store.ListTransactions(ctx, userID, kind, limit)
}

func (s *WalletService) resolveTarget(ctx context.Context, target string) (int64, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return 0, ErrUnknownTarget
	}
	if strings.HasPrefix(target, "@") {
		acct, err := s.store.GetAccountByUsername(ctx, target)
		if err != nil {
			if errors.Is(err, storage.ErrAccountNotFound) {
				return 0, ErrUnknownTarget
			}
			return 0, err
		}
		return acct.UserID, nil
	}
	id, err := strconv.ParseInt(target, 10, 64)
	if err != nil || id <= 0 {
		return 0, ErrUnknownTarget
	}
	if _, err := s.store.GetAccount(ctx, id); err != nil {
		if errors.Is(err, storage.ErrAccountNotFound) {
			return 0, ErrUnknownTarget
		}
		return 0, err
	}
	return id, nil
}

func (s *WalletService) publishTransfer(ctx context.Context, result *storage.TransferResult, asset storage.Asset, amount decimal.Decimal) {
	if s.producer == nil || s.cfg.TransferTopic == "" {
		return
	}
	envelope, err := kafka.NewEnvelope(transferExecutedEventType, 1, "")
	if err != nil {
		s.logger.Error("build transfer event", "error", err)
		return
	}
	event := TransferExecutedEvent{
		Envelope:     envelope,
		FromUserID:   result.From.UserID,
		FromUsername: result.From.Username,
		ToUserID:     result.To.UserID,
		Asset:        string(asset),
		Amount:       amount.String(),
	}
	key := strconv.FormatInt(result.To.UserID, 10)
	if _, _, err := s.producer.PublishJSON(ctx, s.cfg.TransferTopic, key, event); err != nil {
		// Notification only; the transfer itself already committed.
		s.logger.Error("publish transfer event", "to_user_id", result.To.UserID, "error", err)
	}
}

func validAsset(asset storage.Asset) error {
	switch asset {
	case storage.AssetUSDT, storage.AssetCNY:
		return nil
	default:
		return ErrInvalidAsset
	}
}

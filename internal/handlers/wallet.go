// Package handlers exposes the engine boundary consumed by the messaging
// front-end: plain JSON in, plain data out, no rendering concerns.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"log/slog"

	"github.com/antwallet/antwallet/internal/service"
	"github.com/antwallet/antwallet/internal/session"
	"github.com/antwallet/antwallet/internal/storage"
	"github.com/antwallet/antwallet/libs/auth"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// WalletService is the service surface the handlers need.
type WalletService interface {
	RegisterAccount(ctx context.Context, userID int64, username string) (storage.Account, error)
	GetProfile(ctx context.Context, userID int64) (storage.Account, error)
	CreateDeposit(ctx context.Context, userID int64, amount decimal.Decimal) (storage.DepositOrder, error)
	GetDeposit(ctx context.Context, orderID uuid.UUID) (storage.DepositOrder, error)
	Transfer(ctx context.Context, fromID int64, target string, asset storage.Asset, amount decimal.Decimal) (*storage.TransferResult, error)
	Exchange(ctx context.Context, userID int64, fromAsset storage.Asset, amount decimal.Decimal) (*storage.ExchangeResult, error)
	Rates() (usdtToCNY, cnyToUSDT decimal.Decimal)
	ListRecords(ctx context.Context, userID int64, kind storage.TxKind, limit int) ([]storage.Transaction, error)
}

type Handler struct {
	Service  WalletService
	Sessions session.Store
	Logger   *slog.Logger
}

func New(svc WalletService, sessions session.Store, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Service: svc, Sessions: sessions, Logger: logger}
}

func (h *Handler) Register(r *gin.Engine, jwtSecret []byte) {
	group := r.Group("/", auth.Middleware(jwtSecret))
	group.POST("/account", h.RegisterAccount)
	group.GET("/account", h.Profile)
	group.GET("/account/records", h.Records)
	group.GET("/account/session", h.GetSession)
	group.PUT("/account/session", h.PutSession)
	group.DELETE("/account/session", h.ClearSession)
	group.POST("/deposits", h.CreateDeposit)
	group.GET("/deposits/:id", h.GetDeposit)
	group.POST("/transfers", h.Transfer)
	group.POST("/exchanges", h.Exchange)
}

type accountResponse struct {
	UserID      int64  `json:"user_id"`
	Username    string `json:"username"`
	USDTBalance string `json:"usdt_balance"`
	CNYBalance  string `json:"cny_balance"`
}

type depositOrderResponse struct {
	OrderID         string `json:"order_id"`
	AmountRequested string `json:"amount_requested"`
	AmountToPay     string `json:"amount_to_pay"`
	Address         string `json:"address"`
	CreatedAt       string `json:"created_at"`
	ExpiresAt       string `json:"expires_at"`
	Status          string `json:"status"`
}

type createDepositRequest struct {
	Amount string `json:"amount"`
}

type transferRequest struct {
	To     string `json:"to"`
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

type transferResponse struct {
	From accountResponse `json:"from"`
	To   accountResponse `json:"to"`
}

type exchangeRequest struct {
	FromAsset string `json:"from_asset"`
	Amount    string `json:"amount"`
}

type exchangeResponse struct {
	Account  accountResponse `json:"account"`
	Debited  string          `json:"debited"`
	Credited string          `json:"credited"`
}

type recordItem struct {
	ID        int64  `json:"id"`
	Kind      string `json:"kind"`
	Asset     string `json:"asset"`
	Amount    string `json:"amount"`
	CreatedAt string `json:"created_at"`
}

type sessionRequest struct {
	Action string `json:"action"`
	Asset  string `json:"asset,omitempty"`
	Amount string `json:"amount,omitempty"`
	Target string `json:"target,omitempty"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *Handler) RegisterAccount(c *gin.Context) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user")
		return
	}
	var req struct {
		Username string `json:"username"`
	}
	_ = c.ShouldBindJSON(&req)
	username := strings.TrimSpace(req.Username)
	if username == "" {
		username = auth.UsernameFromContext(c)
	}

	acct, err := h.Service.RegisterAccount(c.Request.Context(), userID, username)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toAccountResponse(acct))
}

func (h *Handler) Profile(c *gin.Context) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user")
		return
	}
	acct, err := h.Service.GetProfile(c.Request.Context(), userID)
	if err != nil {
		h.fail(c, err)
		return
	}
	usdtToCNY, cnyToUSDT := h.Service.Rates()
	c.JSON(http.StatusOK, gin.H{
		"account":     toAccountResponse(acct),
		"usdt_to_cny": usdtToCNY.String(),
		"cny_to_usdt": cnyToUSDT.String(),
	})
}

func (h *Handler) CreateDeposit(c *gin.Context) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user")
		return
	}
	var req createDepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload")
		return
	}
	amount, ok := parseAmount(req.Amount)
	if !ok {
		writeError(c, http.StatusBadRequest, "INVALID_AMOUNT", "amount must be a positive number")
		return
	}

	order, err := h.Service.CreateDeposit(c.Request.Context(), userID, amount)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, toDepositResponse(order))
}

func (h *Handler) GetDeposit(c *gin.Context) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user")
		return
	}
	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid order id")
		return
	}
	order, err := h.Service.GetDeposit(c.Request.Context(), orderID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if order.UserID != userID {
		writeError(c, http.StatusNotFound, "ORDER_NOT_FOUND", "deposit order not found")
		return
	}
	c.JSON(http.StatusOK, toDepositResponse(order))
}

func (h *Handler) Transfer(c *gin.Context) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user")
		return
	}
	var req transferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload")
		return
	}
	amount, ok := parseAmount(req.Amount)
	if !ok {
		writeError(c, http.StatusBadRequest, "INVALID_AMOUNT", "amount must be a positive number")
		return
	}

	result, err := h.Service.Transfer(c.Request.Context(), userID, req.To, storage.Asset(strings.ToUpper(req.Asset)), amount)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, transferResponse{
		From: toAccountResponse(result.From),
		To:   toAccountResponse(result.To),
	})
}

func (h *Handler) Exchange(c *gin.Context) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user")
		return
	}
	var req exchangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload")
		return
	}
	amount, ok := parseAmount(req.Amount)
	if !ok {
		writeError(c, http.StatusBadRequest, "INVALID_AMOUNT", "amount must be a positive number")
		return
	}

	result, err := h.Service.Exchange(c.Request.Context(), userID, storage.Asset(strings.ToUpper(req.FromAsset)), amount)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, exchangeResponse{
		Account:  toAccountResponse(result.Account),
		Debited:  result.Debited.String(),
		Credited: result.Credited.String(),
	})
}

func (h *Handler) Records(c *gin.Context) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user")
		return
	}
	kind := storage.TxKind(strings.ToLower(strings.TrimSpace(c.Query("kind"))))
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid limit")
			return
		}
		limit = n
	}

	records, err := h.Service.ListRecords(c.Request.Context(), userID, kind, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	items := make([]recordItem, 0, len(records))
	for _, rec := range records {
		items = append(items, recordItem{
			ID:        rec.ID,
			Kind:      string(rec.Kind),
			Asset:     string(rec.Asset),
			Amount:    rec.Amount.StringFixed(2),
			CreatedAt: rec.CreatedAt.UTC().Format(timeFormat),
		})
	}
	c.JSON(http.StatusOK, gin.H{"records": items})
}

func (h *Handler) GetSession(c *gin.Context) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user")
		return
	}
	state, err := h.Sessions.Get(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(c, http.StatusNotFound, "NO_SESSION", "no session state")
			return
		}
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (h *Handler) PutSession(c *gin.Context) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user")
		return
	}
	var req sessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload")
		return
	}
	state := session.State{
		UserID: userID,
		Action: session.Action(req.Action),
		Asset:  strings.ToUpper(req.Asset),
		Target: strings.TrimSpace(req.Target),
	}
	if req.Amount != "" {
		amount, ok := parseAmount(req.Amount)
		if !ok {
			writeError(c, http.StatusBadRequest, "INVALID_AMOUNT", "amount must be a positive number")
			return
		}
		state.Amount = amount
	}
	if err := h.Sessions.Put(c.Request.Context(), state); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) ClearSession(c *gin.Context) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user")
		return
	}
	if err := h.Sessions.Clear(c.Request.Context(), userID); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

const timeFormat = "2006-01-02T15:04:05Z07:00"

func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidAmount):
		writeError(c, http.StatusBadRequest, "INVALID_AMOUNT", "amount must be a positive number")
	case errors.Is(err, service.ErrInvalidAsset):
		writeError(c, http.StatusBadRequest, "INVALID_ASSET", "asset must be USDT or CNY")
	case errors.Is(err, service.ErrUnknownTarget):
		writeError(c, http.StatusNotFound, "TARGET_NOT_FOUND", "transfer target not found")
	case errors.Is(err, storage.ErrSelfTransfer):
		writeError(c, http.StatusBadRequest, "SELF_TRANSFER", "cannot transfer to self")
	case errors.Is(err, storage.ErrInsufficientFunds):
		writeError(c, http.StatusConflict, "INSUFFICIENT_FUNDS", "insufficient funds")
	case errors.Is(err, storage.ErrAccountNotFound):
		writeError(c, http.StatusNotFound, "ACCOUNT_NOT_FOUND", "account not found")
	case errors.Is(err, storage.ErrOrderNotFound):
		writeError(c, http.StatusNotFound, "ORDER_NOT_FOUND", "deposit order not found")
	default:
		h.Logger.Error("wallet operation failed", "path", c.FullPath(), "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}

func writeError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, errorResponse{Code: code, Message: message})
}

func parseAmount(raw string) (decimal.Decimal, bool) {
	amount, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil || amount.LessThanOrEqual(decimal.Zero) {
		return decimal.Decimal{}, false
	}
	return amount, true
}

func toAccountResponse(acct storage.Account) accountResponse {
	return accountResponse{
		UserID:      acct.UserID,
		Username:    acct.Username,
		USDTBalance: acct.USDTBalance.StringFixed(2),
		CNYBalance:  acct.CNYBalance.StringFixed(2),
	}
}

func toDepositResponse(order storage.DepositOrder) depositOrderResponse {
	return depositOrderResponse{
		OrderID:         order.OrderID.String(),
		AmountRequested: order.AmountRequested.String(),
		AmountToPay:     order.AmountExpected.StringFixed(2),
		Address:         order.Address,
		CreatedAt:       order.CreatedAt.UTC().Format(timeFormat),
		ExpiresAt:       order.ExpiresAt.UTC().Format(timeFormat),
		Status:          string(order.Status),
	}
}

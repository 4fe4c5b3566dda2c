package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"log/slog"

	"github.com/antwallet/antwallet/internal/service"
	"github.com/antwallet/antwallet/internal/session"
	"github.com/antwallet/antwallet/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var testSecret = []byte("test-secret")

type fakeWalletService struct {
	account     storage.Account
	order       storage.DepositOrder
	transfer    *storage.TransferResult
	exchange    *storage.ExchangeResult
	records     []storage.Transaction
	err         error
	lastTarget  string
	lastAsset   storage.Asset
	lastAmount  decimal.Decimal
	lastKind    storage.TxKind
	lastLimit   int
	lastOrderID uuid.UUID
}

func (f *fakeWalletService) RegisterAccount(ctx context.Context, userID int64, username string) (storage.Account, error) {
	if f.err != nil {
		return storage.Account{}, f.err
	}
	return f.account, nil
}

func (f *fakeWalletService) GetProfile(ctx context.Context, userID int64) (storage.Account, error) {
	if f.err != nil {
		return storage.Account{}, f.err
	}
	return f.account, nil
}

func (f *fakeWalletService) CreateDeposit(ctx context.Context, userID int64, amount decimal.Decimal) (storage.DepositOrder, error) {
	if f.err != nil {
		return storage.DepositOrder{}, f.err
	}
	f.lastAmount = amount
	return f.order, nil
}

func (f *fakeWalletService) GetDeposit(ctx context.Context, orderID uuid.UUID) (storage.DepositOrder, error) {
	if f.err != nil {
		return storage.DepositOrder{}, f.err
	}
	f.lastOrderID = orderID
	return f.order, nil
}

func (f *fakeWalletService) Transfer(ctx context.Context, fromID int64, target string, asset storage.Asset, amount decimal.Decimal) (*storage.TransferResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.lastTarget = target
	f.lastAsset = asset
	f.lastAmount = amount
	return f.transfer, nil
}

func (f *fakeWalletService) Exchange(ctx context.Context, userID int64, fromAsset storage.Asset, amount decimal.Decimal) (*storage.ExchangeResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.lastAsset = fromAsset
	f.lastAmount = amount
	return f.exchange, nil
}

func (f *fakeWalletService) Rates() (decimal.Decimal, decimal.Decimal) {
	return decimal.RequireFromString("7"), decimal.RequireFromString("0.14")
}

func (f *fakeWalletService) ListRecords(ctx context.Context, userID int64, kind storage.TxKind, limit int) ([]storage.Transaction, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.lastKind = kind
	f.lastLimit = limit
	return f.records, nil
}

func newTestRouter(t *testing.T, svc WalletService) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), nil))
	handler := New(svc, session.NewMemoryStore(time.Minute), logger)
	router := gin.New()
	handler.Register(router, testSecret)
	return router
}

func signToken(t *testing.T, subject, username string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":      subject,
		"username": username,
		"exp":      time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func doRequest(t *testing.T, router *gin.Engine, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestMissingTokenRejected(t *testing.T) {
	router := newTestRouter(t, &fakeWalletService{})
	w := doRequest(t, router, http.MethodGet, "/account", "", "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestProfileReturnsAccountAndRates(t *testing.T) {
	svc := &fakeWalletService{account: storage.Account{
		UserID:      7,
		Username:    "alice",
		USDTBalance: decimal.RequireFromString("12.5"),
		CNYBalance:  decimal.RequireFromString("100"),
	}}
	router := newTestRouter(t, svc)

	w := doRequest(t, router, http.MethodGet, "/account", signToken(t, "7", "alice"), "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp struct {
		Account   accountResponse `json:"account"`
		USDTToCNY string          `json:"usdt_to_cny"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Account.USDTBalance != "12.50" {
		t.Fatalf("usdt balance = %q, want 12.50", resp.Account.USDTBalance)
	}
	if resp.USDTToCNY != "7" {
		t.Fatalf("rate = %q", resp.USDTToCNY)
	}
}

func TestCreateDeposit(t *testing.T) {
	orderID := uuid.New()
	now := time.Now().UTC()
	svc := &fakeWalletService{order: storage.DepositOrder{
		OrderID:         orderID,
		UserID:          7,
		AmountRequested: decimal.RequireFromString("100"),
		AmountExpected:  decimal.RequireFromString("100.42"),
		Address:         "TCollectionAddr",
		CreatedAt:       now,
		ExpiresAt:       now.Add(30 * time.Minute),
		Status:          storage.OrderPending,
	}}
	router := newTestRouter(t, svc)

	w := doRequest(t, router, http.MethodPost, "/deposits", signToken(t, "7", "alice"), `{"amount":"100"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp depositOrderResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.AmountToPay != "100.42" {
		t.Fatalf("amount_to_pay = %q", resp.AmountToPay)
	}
	if resp.OrderID != orderID.String() {
		t.Fatalf("order_id = %q", resp.OrderID)
	}
}

func TestCreateDepositRejectsBadAmount(t *testing.T) {
	router := newTestRouter(t, &fakeWalletService{})
	token := signToken(t, "7", "alice")

	for _, body := range []string{`{"amount":"0"}`, `{"amount":"-5"}`, `{"amount":"abc"}`, `{}`} {
		w := doRequest(t, router, http.MethodPost, "/deposits", token, body)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("body %s: status = %d, want 400", body, w.Code)
		}
	}
}

func TestGetDepositHidesOtherUsersOrders(t *testing.T) {
	orderID := uuid.New()
	svc := &fakeWalletService{order: storage.DepositOrder{OrderID: orderID, UserID: 99}}
	router := newTestRouter(t, svc)

	w := doRequest(t, router, http.MethodGet, "/deposits/"+orderID.String(), signToken(t, "7", "alice"), "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 for another user's order", w.Code)
	}
}

func TestTransferErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"unknown target", service.ErrUnknownTarget, http.StatusNotFound},
		{"self transfer", storage.ErrSelfTransfer, http.StatusBadRequest},
		{"insufficient funds", storage.ErrInsufficientFunds, http.StatusConflict},
		{"invalid asset", service.ErrInvalidAsset, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			router := newTestRouter(t, &fakeWalletService{err: tc.err})
			w := doRequest(t, router, http.MethodPost, "/transfers", signToken(t, "7", "alice"),
				`{"to":"@bob","asset":"USDT","amount":"10"}`)
			if w.Code != tc.status {
				t.Fatalf("status = %d, want %d", w.Code, tc.status)
			}
			var resp errorResponse
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Code == "" {
				t.Fatal("error code must be set")
			}
		})
	}
}

func TestTransferNormalizesAsset(t *testing.T) {
	svc := &fakeWalletService{transfer: &storage.TransferResult{
		From: storage.Account{UserID: 7},
		To:   storage.Account{UserID: 8},
	}}
	router := newTestRouter(t, svc)

	w := doRequest(t, router, http.MethodPost, "/transfers", signToken(t, "7", "alice"),
		`{"to":"@bob","asset":"usdt","amount":"10"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if svc.lastAsset != storage.AssetUSDT {
		t.Fatalf("asset = %q, want normalized USDT", svc.lastAsset)
	}
}

func TestExchange(t *testing.T) {
	svc := &fakeWalletService{exchange: &storage.ExchangeResult{
		Account:  storage.Account{UserID: 7},
		Debited:  decimal.RequireFromString("10"),
		Credited: decimal.RequireFromString("70"),
	}}
	router := newTestRouter(t, svc)

	w := doRequest(t, router, http.MethodPost, "/exchanges", signToken(t, "7", "alice"),
		`{"from_asset":"USDT","amount":"10"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp exchangeResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Credited != "70" {
		t.Fatalf("credited = %q", resp.Credited)
	}
}

func TestRecordsPassesFilter(t *testing.T) {
	svc := &fakeWalletService{}
	router := newTestRouter(t, svc)

	w := doRequest(t, router, http.MethodGet, "/account/records?kind=recharge&limit=5", signToken(t, "7", "alice"), "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if svc.lastKind != storage.TxRecharge || svc.lastLimit != 5 {
		t.Fatalf("kind = %q limit = %d", svc.lastKind, svc.lastLimit)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	router := newTestRouter(t, &fakeWalletService{})
	token := signToken(t, "7", "alice")

	w := doRequest(t, router, http.MethodGet, "/account/session", token, "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 before any state", w.Code)
	}

	w = doRequest(t, router, http.MethodPut, "/account/session", token,
		`{"action":"transfer_amount","asset":"usdt","target":"@bob"}`)
	if w.Code != http.StatusNoContent {
		t.Fatalf("put status = %d, body = %s", w.Code, w.Body.String())
	}

	w = doRequest(t, router, http.MethodGet, "/account/session", token, "")
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	var state session.State
	if err := json.Unmarshal(w.Body.Bytes(), &state); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if state.Action != session.ActionTransferAmount || state.Asset != "USDT" || state.Target != "@bob" {
		t.Fatalf("state = %+v", state)
	}

	w = doRequest(t, router, http.MethodDelete, "/account/session", token, "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", w.Code)
	}
	w = doRequest(t, router, http.MethodGet, "/account/session", token, "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 after clear", w.Code)
	}
}

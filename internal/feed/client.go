// Package feed adapts the external TRC20 transfer listing into typed
// deposit events. The upstream is eventually consistent; a failed fetch
// means "no new information this cycle", never "no deposits happened".
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"log/slog"

	"github.com/shopspring/decimal"
)

const apiKeyHeader = "TRON-PRO-API-KEY"

// TokenTransfer is one normalized feed event. It is consumed and discarded
// within a single reconciler cycle, never persisted.
type TokenTransfer struct {
	TxID      string
	Symbol    string
	To        string
	Value     decimal.Decimal
	BlockTime time.Time
}

type Config struct {
	BaseURL string
	APIKey  string
	// Address is the shared collection address all deposits land on.
	Address string
	// TokenSymbol filters the feed to the configured asset, e.g. "USDT".
	TokenSymbol string
	// TokenDecimals is the fixed-point shift applied to raw values.
	TokenDecimals int32
	// Limit bounds the number of records requested upstream.
	Limit   int
	Timeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		BaseURL:       "https://api.trongrid.io",
		TokenSymbol:   "USDT",
		TokenDecimals: 6,
		Limit:         100,
		Timeout:       10 * time.Second,
	}
}

type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("feed base url required")
	}
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, fmt.Errorf("collection address required")
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 100
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Wire types for the upstream TRC20 transfer listing.
type transferRecord struct {
	TransactionID  string    `json:"transaction_id"`
	TokenInfo      tokenInfo `json:"token_info"`
	To             string    `json:"to"`
	Value          string    `json:"value"`
	BlockTimestamp int64     `json:"block_timestamp"`
}

type tokenInfo struct {
	Symbol   string `json:"symbol"`
	Decimals int32  `json:"decimals"`
}

type transferListing struct {
	Data []transferRecord `json:"data"`
}

// RecentTransfers fetches the most recent transfers to the collection
// address, filtered to the configured token symbol. Records that fail to
// parse are skipped, not fatal.
func (c *Client) RecentTransfers(ctx context.Context) ([]TokenTransfer, error) {
	endpoint := fmt.Sprintf("%s/v1/accounts/%s/transactions/trc20?limit=%d",
		strings.TrimRight(c.cfg.BaseURL, "/"),
		url.PathEscape(c.cfg.Address),
		c.cfg.Limit,
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build feed request: %w", err)
	}
	if c.cfg.APIKey != "" {
		req.Header.Set(apiKeyHeader, c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch transfers: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed returned status %d", resp.StatusCode)
	}

	var listing transferListing
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return nil, fmt.Errorf("decode transfers: %w", err)
	}

	transfers := make([]TokenTransfer, 0, len(listing.Data))
	for _, rec := range listing.Data {
		transfer, ok := c.convert(rec)
		if !ok {
			continue
		}
		transfers = append(transfers, transfer)
	}
	return transfers, nil
}

func (c *Client) convert(rec transferRecord) (TokenTransfer, bool) {
	if !strings.EqualFold(rec.TokenInfo.Symbol, c.cfg.TokenSymbol) {
		return TokenTransfer{}, false
	}
	if !strings.EqualFold(rec.To, c.cfg.Address) {
		return TokenTransfer{}, false
	}

	raw, err := decimal.NewFromString(strings.TrimSpace(rec.Value))
	if err != nil {
		c.logger.Warn("skipping unparseable transfer value", "tx_id", rec.TransactionID, "value", rec.Value)
		return TokenTransfer{}, false
	}
	decimals := rec.TokenInfo.Decimals
	if decimals <= 0 {
		decimals = c.cfg.TokenDecimals
	}

	return TokenTransfer{
		TxID:      rec.TransactionID,
		Symbol:    strings.ToUpper(rec.TokenInfo.Symbol),
		To:        rec.To,
		Value:     raw.Shift(-decimals),
		BlockTime: time.UnixMilli(rec.BlockTimestamp).UTC(),
	}, true
}

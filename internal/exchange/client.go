// Package exchange implements the perp-futures REST and WebSocket clients.
//
// The REST client (Client) talks to the exchange contract API:
//   - GetAccountAssets:    GET  /api/v2/account/assets   — balance + equity
//   - GetTicker:           GET  /api/v2/market/ticker    — 24h ticker per symbol
//   - GetFundingRate:      GET  /api/v2/market/funding   — current funding (may be absent)
//   - GetContracts:        GET  /api/v2/market/contracts — tick/step/leverage specs
//   - GetPositions:        GET  /api/v2/position/all     — open positions
//   - GetHistoryOrders:    GET  /api/v2/order/history    — recent filled orders
//   - ChangeLeverage:      POST /api/v2/account/leverage — tolerates "already set"
//   - PlaceOrder:          POST /api/v2/order/place      — market entry with clientOid
//   - PlaceTpSlOrder:      POST /api/v2/plan/place       — attached TP/SL plan
//   - CloseAllPositions:   POST /api/v2/position/close-all
//   - ClosePartialPosition:POST /api/v2/position/close-partial
//
// Every request is rate-limited via per-category TokenBuckets, automatically
// retried on 5xx errors, and signed with HMAC headers. In dry-run mode the
// mutating methods log the intent and return fake success without HTTP calls.
package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"perp-trader/internal/config"
	"perp-trader/pkg/types"
)

// codeLeverageAlreadySet is returned by the exchange when the requested
// leverage equals the current setting. ChangeLeverage swallows it.
const codeLeverageAlreadySet = "40774"

// APIError is a non-2xx or business-level error from the exchange.
type APIError struct {
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange: code %s: %s", e.Code, e.Message)
}

// IsLeverageAlreadySet reports whether err is the benign "leverage already
// set" business error.
func IsLeverageAlreadySet(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == codeLeverageAlreadySet
}

// envelope is the standard response wrapper: code "00000" means success,
// anything else is a business error with data left unset.
type envelope struct {
	Code    string          `json:"code"`
	Message string          `json:"msg"`
	Data    json.RawMessage `json:"data"`
}

// AccountAssets is the balance view returned by GetAccountAssets.
type AccountAssets struct {
	Available float64 `json:"available,string"`
	Equity    float64 `json:"equity,string"`
}

// Ticker is the 24h market ticker for one symbol.
type Ticker struct {
	Symbol      string  `json:"symbol"`
	Last        float64 `json:"last,string"`
	High24h     float64 `json:"high24h,string"`
	Low24h      float64 `json:"low24h,string"`
	BaseVolume  float64 `json:"baseVolume,string"`
	Change24h   float64 `json:"chgUTC,string"`
	MarkPrice   float64 `json:"markPrice,string"`
	IndexPrice  float64 `json:"indexPrice,string"`
	BestBid     float64 `json:"bestBid,string"`
	BestAsk     float64 `json:"bestAsk,string"`
	TimestampMs int64   `json:"timestamp,string"`
}

// FundingRate is the current funding for one symbol. Some listings have no
// funding interval yet; the endpoint then returns an empty payload.
type FundingRate struct {
	Symbol string  `json:"symbol"`
	Rate   float64 `json:"fundingRate,string"`
}

// Contract is one instrument's trading rules.
type Contract struct {
	Symbol      string  `json:"symbol"`
	TickSize    float64 `json:"tickSize,string"`
	StepSize    float64 `json:"stepSize,string"`
	MinLeverage int     `json:"minLeverage,string"`
	MaxLeverage int     `json:"maxLeverage,string"`
}

// PositionData is one open position as reported by the exchange.
type PositionData struct {
	Symbol           string  `json:"symbol"`
	HoldSide         string  `json:"holdSide"` // "long" or "short"
	Size             float64 `json:"total,string"`
	EntryPrice       float64 `json:"averageOpenPrice,string"`
	Leverage         int     `json:"leverage,string"`
	UnrealizedPnl    float64 `json:"unrealizedPL,string"`
	LiquidationPrice float64 `json:"liquidationPrice,string"`
	Margin           float64 `json:"margin,string"`
}

// HistoryOrder is one historical (typically filled) order.
type HistoryOrder struct {
	OrderID      string  `json:"orderId"`
	ClientOid    string  `json:"clientOid"`
	Symbol       string  `json:"symbol"`
	Side         string  `json:"side"` // open_long, open_short, close_long, close_short
	FilledSize   float64 `json:"filledQty,string"`
	AvgPrice     float64 `json:"priceAvg,string"`
	RealizedPnl  float64 `json:"totalProfits,string"`
	Status       string  `json:"status"`
	CreatedAtMs  int64   `json:"cTime,string"`
}

// IsClose reports whether the order closed exposure on the given side.
func (h HistoryOrder) IsClose() bool {
	return h.Side == "close_long" || h.Side == "close_short"
}

// ClosedSide returns the position side a close order acted on.
func (h HistoryOrder) ClosedSide() types.Side {
	if h.Side == "close_short" {
		return types.Short
	}
	return types.Long
}

// OrderRequest is the payload for PlaceOrder.
type OrderRequest struct {
	Symbol        string `json:"symbol"`
	ClientOrderID string `json:"clientOid"`
	Size          string `json:"size"`
	Type          string `json:"type"`       // open_long / open_short
	OrderType     string `json:"orderType"`  // "market" or "limit"
	MatchPrice    string `json:"matchPrice"` // "1" = market price
	Price         string `json:"price,omitempty"`
	MarginMode    string `json:"marginMode"`
}

// OrderResult is the acknowledgement for PlaceOrder.
type OrderResult struct {
	OrderID string `json:"orderId"`
}

// TpSlRequest is the payload for PlaceTpSlOrder.
type TpSlRequest struct {
	Symbol       string `json:"symbol"`
	PlanType     string `json:"planType"` // "profit_plan" or "loss_plan"
	TriggerPrice string `json:"triggerPrice"`
	Size         string `json:"size"`
	PositionSide string `json:"holdSide"` // "long" or "short"
}

// Client is the exchange REST API client.
// It wraps a resty HTTP client with rate limiting, retry, and auth.
type Client struct {
	http       *resty.Client // HTTP client with retry + base URL
	auth       *Auth         // HMAC signer
	rl         *RateLimiter  // per-endpoint-category rate limiting
	marginMode string
	dryRun     bool // when true, mutating methods return fake success without HTTP calls
	logger     *slog.Logger
}

// NewClient creates a REST client with rate limiting and retry.
func NewClient(cfg config.Config, auth *Auth, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.Exchange.BaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:       httpClient,
		auth:       auth,
		rl:         NewRateLimiter(),
		marginMode: cfg.Exchange.MarginMode,
		dryRun:     cfg.DryRun,
		logger:     logger.With("component", "exchange"),
	}
}

// MarginMode returns the configured margin mode ("crossed" or "isolated").
func (c *Client) MarginMode() string { return c.marginMode }

// get performs a signed GET and unwraps the response envelope into out.
func (c *Client) get(ctx context.Context, bucket *TokenBucket, path string, query map[string]string, out any) error {
	if err := bucket.Wait(ctx); err != nil {
		return err
	}

	var env envelope
	req := c.http.R().
		SetContext(ctx).
		SetHeaders(c.auth.Headers(http.MethodGet, path, "")).
		SetResult(&env)
	if query != nil {
		req.SetQueryParams(query)
	}
	resp, err := req.Get(path)
	if err != nil {
		return fmt.Errorf("get %s: %w", path, err)
	}
	return unwrap(path, resp, env, out)
}

// post performs a signed POST and unwraps the response envelope into out.
func (c *Client) post(ctx context.Context, bucket *TokenBucket, path string, payload any, out any) error {
	if err := bucket.Wait(ctx); err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", path, err)
	}

	var env envelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(c.auth.Headers(http.MethodPost, path, string(body))).
		SetBody(json.RawMessage(body)).
		SetResult(&env).
		Post(path)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	return unwrap(path, resp, env, out)
}

func unwrap(path string, resp *resty.Response, env envelope, out any) error {
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("%s: status %d: %s", path, resp.StatusCode(), resp.String())
	}
	if env.Code != "" && env.Code != "00000" {
		return &APIError{Code: env.Code, Message: env.Message}
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("%s: decode data: %w", path, err)
	}
	return nil
}

// GetAccountAssets fetches available balance and equity.
func (c *Client) GetAccountAssets(ctx context.Context) (*AccountAssets, error) {
	var assets AccountAssets
	if err := c.get(ctx, c.rl.Account, "/api/v2/account/assets", nil, &assets); err != nil {
		return nil, err
	}
	return &assets, nil
}

// GetTicker fetches the 24h ticker for one symbol.
func (c *Client) GetTicker(ctx context.Context, symbol types.Symbol) (*Ticker, error) {
	var ticker Ticker
	query := map[string]string{"symbol": string(symbol)}
	if err := c.get(ctx, c.rl.Market, "/api/v2/market/ticker", query, &ticker); err != nil {
		return nil, err
	}
	return &ticker, nil
}

// GetFundingRate fetches the current funding rate for one symbol.
// Returns nil (absent) when the exchange reports no funding for it.
func (c *Client) GetFundingRate(ctx context.Context, symbol types.Symbol) (*FundingRate, error) {
	var rate FundingRate
	query := map[string]string{"symbol": string(symbol)}
	if err := c.get(ctx, c.rl.Market, "/api/v2/market/funding", query, &rate); err != nil {
		return nil, err
	}
	if rate.Symbol == "" {
		return nil, nil
	}
	return &rate, nil
}

// GetContracts fetches trading specs for all listed instruments.
func (c *Client) GetContracts(ctx context.Context) ([]Contract, error) {
	var contracts []Contract
	if err := c.get(ctx, c.rl.Market, "/api/v2/market/contracts", nil, &contracts); err != nil {
		return nil, err
	}
	return contracts, nil
}

// GetPositions fetches all open positions.
func (c *Client) GetPositions(ctx context.Context) ([]types.Position, error) {
	var raw []PositionData
	if err := c.get(ctx, c.rl.Account, "/api/v2/position/all", nil, &raw); err != nil {
		return nil, err
	}

	positions := make([]types.Position, 0, len(raw))
	for _, p := range raw {
		if p.Size <= 0 {
			continue
		}
		side := types.Long
		if p.HoldSide == "short" {
			side = types.Short
		}
		positions = append(positions, types.Position{
			Symbol:           types.Symbol(p.Symbol),
			Side:             side,
			Size:             p.Size,
			EntryPrice:       p.EntryPrice,
			Leverage:         p.Leverage,
			UnrealizedPnl:    p.UnrealizedPnl,
			LiquidationPrice: p.LiquidationPrice,
			MarginUsed:       p.Margin,
		})
	}
	return positions, nil
}

// GetHistoryOrders fetches up to limit recent orders for a symbol,
// newest first.
func (c *Client) GetHistoryOrders(ctx context.Context, symbol types.Symbol, limit int) ([]HistoryOrder, error) {
	var orders []HistoryOrder
	query := map[string]string{
		"symbol":   string(symbol),
		"pageSize": fmt.Sprintf("%d", limit),
	}
	if err := c.get(ctx, c.rl.Account, "/api/v2/order/history", query, &orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// ChangeLeverage sets the leverage for (symbol, marginMode).
// The "already set" business error is swallowed.
func (c *Client) ChangeLeverage(ctx context.Context, symbol types.Symbol, leverage int) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would change leverage", "symbol", symbol, "leverage", leverage)
		return nil
	}

	payload := map[string]string{
		"symbol":     string(symbol),
		"leverage":   fmt.Sprintf("%d", leverage),
		"marginMode": c.marginMode,
	}
	err := c.post(ctx, c.rl.Trade, "/api/v2/account/leverage", payload, nil)
	if err != nil && IsLeverageAlreadySet(err) {
		c.logger.Debug("leverage already set", "symbol", symbol, "leverage", leverage)
		return nil
	}
	return err
}

// PlaceOrder places one market order. The clientOrderId must be unique per
// attempt so retries never double-fill.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	if req.MarginMode == "" {
		req.MarginMode = c.marginMode
	}
	if c.dryRun {
		c.logger.Info("DRY-RUN: would place order",
			"symbol", req.Symbol, "type", req.Type, "size", req.Size)
		return &OrderResult{OrderID: "dry-run-" + req.ClientOrderID}, nil
	}

	var result OrderResult
	if err := c.post(ctx, c.rl.Trade, "/api/v2/order/place", req, &result); err != nil {
		return nil, err
	}
	c.logger.Info("order placed", "symbol", req.Symbol, "order_id", result.OrderID)
	return &result, nil
}

// PlaceTpSlOrder attaches a take-profit or stop-loss plan to a position.
func (c *Client) PlaceTpSlOrder(ctx context.Context, req TpSlRequest) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would place TP/SL plan",
			"symbol", req.Symbol, "plan", req.PlanType, "trigger", req.TriggerPrice)
		return nil
	}
	return c.post(ctx, c.rl.Trade, "/api/v2/plan/place", req, nil)
}

// CloseAllPositions closes every position on a symbol at market.
func (c *Client) CloseAllPositions(ctx context.Context, symbol types.Symbol) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would close all positions", "symbol", symbol)
		return nil
	}

	payload := map[string]string{"symbol": string(symbol)}
	if err := c.post(ctx, c.rl.Trade, "/api/v2/position/close-all", payload, nil); err != nil {
		return err
	}
	c.logger.Warn("all positions closed", "symbol", symbol)
	return nil
}

// ClosePartialPosition closes part of one position at market.
func (c *Client) ClosePartialPosition(ctx context.Context, symbol types.Symbol, side types.Side, size float64) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would close partial position",
			"symbol", symbol, "side", side, "size", size)
		return nil
	}

	payload := map[string]string{
		"symbol":     string(symbol),
		"holdSide":   sideParam(side),
		"size":       fmt.Sprintf("%v", size),
		"marginMode": c.marginMode,
	}
	return c.post(ctx, c.rl.Trade, "/api/v2/position/close-partial", payload, nil)
}

func sideParam(side types.Side) string {
	if side == types.Short {
		return "short"
	}
	return "long"
}

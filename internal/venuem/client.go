// Package venuem implements the off-chain CLOB (venue M) REST and WebSocket
// clients: order placement/cancellation/status, EIP-712 + HMAC auth, and
// per-category rate limiting.
//
// The REST client (Client) talks to venue M's CLOB API for order management:
//   - GetOrderBook:       GET  /book                  — fetch L2 book for a token
//   - GetMarketInfo:      GET  /markets/{conditionId}  — tick size, negRisk, outcome tokens
//   - GetBalance:         GET  /balance-allowance      — available collateral
//   - PostOrders:         POST /orders                 — batch-place up to 15 signed orders
//   - GetOrderStatus:     GET  /data/order/{id}        — poll an order's fill state
//   - GetOpenOrders:      GET  /data/orders            — list resting orders for a market
//   - CancelOrders:       DELETE /orders               — cancel specific orders by ID
//   - CancelAll:          DELETE /cancel-all           — emergency cancel everything
//   - CancelMarketOrders: DELETE /cancel-market-orders  — cancel one market's orders
//   - DeriveAPIKey:       GET  /auth/derive-api-key    — bootstrap L2 creds from L1 wallet
//
// Requests are rate-limited via per-category TokenBuckets (DeriveAPIKey is
// not), automatically retried on 5xx and transport errors, and authenticated
// with L2 HMAC headers, except GetOrderBook, GetMarketInfo and
// GetOrderStatus, which are sent unsigned, and DeriveAPIKey, which uses L1
// headers.
package venuem

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"arbexec/internal/config"
	"arbexec/pkg/types"
)

// Client is venue M's REST API client: a resty HTTP client with rate
// limiting, retry, and auth wired in.
type Client struct {
	http      *resty.Client
	auth      *Auth
	rl        *RateLimiter
	dryRun    bool
	dryRunSeq atomic.Uint64
	logger    *slog.Logger
}

// NewClient creates a REST client with rate limiting and retry.
func NewClient(cfg config.Config, auth *Auth, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.VenueM.CLOBBaseURL).
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
		http:   httpClient,
		auth:   auth,
		rl:     NewRateLimiter(),
		dryRun: cfg.DryRun,
		logger: logger,
	}
}

// GetOrderBook fetches the order book for a single token.
func (c *Client) GetOrderBook(ctx context.Context, tokenID string) (*types.BookResponse, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return nil, err
	}

	var result types.BookResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&result).
		Get("/book")
	if err != nil {
		return nil, types.NewTransportError("getOrderBook", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, classifyStatus("getOrderBook", resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// GetMarketInfo fetches a CLOB market's tick size, neg-risk flag, and
// outcome token list by condition ID (spec §6's getMarketInfo). Public —
// unsigned, like GetOrderBook — used by the executor to validate a task's
// tick size/negRisk assumptions against the live market before hedging.
func (c *Client) GetMarketInfo(ctx context.Context, conditionID string) (*types.MarketInfoResponse, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return nil, err
	}

	var result types.MarketInfoResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/markets/" + conditionID)
	if err != nil {
		return nil, types.NewTransportError("getMarketInfo", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, classifyStatus("getMarketInfo", resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// GetBalance fetches the caller's available collateral (spec §6's
// getBalance), signed the same way as GetOpenOrders since it reads
// account-specific state.
func (c *Client) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return decimal.Zero, err
	}

	headers, err := c.auth.L2Headers("GET", "/balance-allowance", "")
	if err != nil {
		return decimal.Zero, fmt.Errorf("l2 headers: %w", err)
	}

	var result types.BalanceResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryParam("asset_type", "COLLATERAL").
		SetResult(&result).
		Get("/balance-allowance")
	if err != nil {
		return decimal.Zero, types.NewTransportError("getBalance", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return decimal.Zero, classifyStatus("getBalance", resp.StatusCode(), resp.String())
	}

	balance, err := decimal.NewFromString(result.Balance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse balance: %w", err)
	}
	return balance, nil
}

// GetOrderStatus polls a single order's fill state by ID. Used by the order
// monitor's watchPolymarketOrder loop to poll-until-terminal.
func (c *Client) GetOrderStatus(ctx context.Context, orderID string) (*types.OpenOrder, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return nil, err
	}

	var result types.OpenOrder
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/data/order/" + orderID)
	if err != nil {
		return nil, types.NewTransportError("getOrderStatus", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, types.NewVenueRejection("getOrderStatus", types.ReasonOrderNotFound, fmt.Errorf("order %s not found", orderID))
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, classifyStatus("getOrderStatus", resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// GetOpenOrders lists the caller's resting orders for one market. Used by the
// market-maker engine's per-tick resync (spec's "resync position and own
// orders" step) rather than relying solely on the WS order-event stream,
// which can miss events across reconnects.
func (c *Client) GetOpenOrders(ctx context.Context, conditionID string) ([]types.OpenOrder, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return nil, err
	}

	headers, err := c.auth.L2Headers("GET", "/data/orders", "")
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var result []types.OpenOrder
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryParam("market", conditionID).
		SetResult(&result).
		Get("/data/orders")
	if err != nil {
		return nil, types.NewTransportError("getOpenOrders", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, classifyStatus("getOpenOrders", resp.StatusCode(), resp.String())
	}
	return result, nil
}

// buildOrderPayload converts a high-level UserOrder into the on-chain
// SignedOrder + metadata venue M expects, signing the order under the
// "Polymarket CTF Exchange" EIP-712 domain selected by negRisk.
func (c *Client) buildOrderPayload(order types.UserOrder, negRisk bool) (types.OrderPayload, error) {
	tickSize := order.TickSize
	if tickSize == "" {
		tickSize = types.Tick001
	}
	price := decimal.NewFromFloat(order.Price)
	size := decimal.NewFromFloat(order.Size)
	makerAmt, takerAmt := PriceToAmounts(price, size, order.Side, tickSize)

	signed := types.SignedOrder{
		Maker:         c.auth.FunderAddress().Hex(),
		Signer:        c.auth.Address().Hex(),
		Taker:         "0x0000000000000000000000000000000000000000",
		TokenID:       order.TokenID,
		MakerAmount:   makerAmt,
		TakerAmount:   takerAmt,
		Side:          order.Side,
		Expiration:    fmt.Sprintf("%d", order.Expiration),
		Nonce:         "0",
		FeeRateBps:    fmt.Sprintf("%d", order.FeeRateBps),
		SignatureType: c.auth.sigType,
	}

	sig, err := c.auth.signOrder(signed, negRisk)
	if err != nil {
		return types.OrderPayload{}, types.NewSignatureDomainError("signOrder", err)
	}
	signed.Signature = sig

	return types.OrderPayload{
		Order:     signed,
		Owner:     c.auth.creds.ApiKey,
		OrderType: order.OrderType,
	}, nil
}

// PostOrders places up to 15 orders in a batch. negRisk applies to every
// order in the batch — callers must not mix standard and neg-risk markets
// in one call.
func (c *Client) PostOrders(ctx context.Context, orders []types.UserOrder, negRisk bool) ([]types.OrderResponse, error) {
	if len(orders) == 0 {
		return nil, nil
	}
	if len(orders) > 15 {
		return nil, fmt.Errorf("batch limit is 15 orders, got %d", len(orders))
	}
	if c.dryRun {
		c.logger.Info("DRY-RUN: would post orders", "count", len(orders))
		results := make([]types.OrderResponse, len(orders))
		for i := range orders {
			seq := c.dryRunSeq.Add(1)
			results[i] = types.OrderResponse{Success: true, OrderID: fmt.Sprintf("dry-run-%d", seq), Status: "live"}
		}
		return results, nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}

	payloads := make([]types.OrderPayload, len(orders))
	for i, order := range orders {
		payload, err := c.buildOrderPayload(order, negRisk)
		if err != nil {
			return nil, err
		}
		payloads[i] = payload
	}

	body, err := json.Marshal(payloads)
	if err != nil {
		return nil, fmt.Errorf("marshal orders: %w", err)
	}
	headers, err := c.auth.L2Headers("POST", "/orders", string(body))
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var results []types.OrderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(payloads).
		SetResult(&results).
		Post("/orders")
	if err != nil {
		return nil, types.NewTransportError("postOrders", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, classifyStatus("postOrders", resp.StatusCode(), resp.String())
	}

	return results, nil
}

// CancelOrders cancels multiple orders by ID.
func (c *Client) CancelOrders(ctx context.Context, orderIDs []string) (*types.CancelResponse, error) {
	if len(orderIDs) == 0 {
		return &types.CancelResponse{}, nil
	}
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel orders", "count", len(orderIDs))
		return &types.CancelResponse{Canceled: orderIDs}, nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return nil, err
	}

	payload := struct {
		OrderIDs []string `json:"orderIDs"`
	}{OrderIDs: orderIDs}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal cancel request: %w", err)
	}
	headers, err := c.auth.L2Headers("DELETE", "/orders", string(body))
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var result types.CancelResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Delete("/orders")
	if err != nil {
		return nil, types.NewTransportError("cancelOrders", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, classifyStatus("cancelOrders", resp.StatusCode(), resp.String())
	}

	c.logger.Info("orders cancelled", "count", len(result.Canceled))
	return &result, nil
}

// CancelAll cancels every open order across all markets. Used as the
// shutdown safety net.
func (c *Client) CancelAll(ctx context.Context) (*types.CancelResponse, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel all orders")
		return &types.CancelResponse{}, nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return nil, err
	}

	headers, err := c.auth.L2Headers("DELETE", "/cancel-all", "")
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var result types.CancelResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Delete("/cancel-all")
	if err != nil {
		return nil, types.NewTransportError("cancelAll", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, classifyStatus("cancelAll", resp.StatusCode(), resp.String())
	}

	c.logger.Warn("all orders cancelled", "count", len(result.Canceled))
	return &result, nil
}

// CancelMarketOrders cancels all orders for a specific market.
func (c *Client) CancelMarketOrders(ctx context.Context, conditionID string) (*types.CancelResponse, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel market orders", "market", conditionID)
		return &types.CancelResponse{}, nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return nil, err
	}

	body := fmt.Sprintf(`{"market":"%s"}`, conditionID)
	headers, err := c.auth.L2Headers("DELETE", "/cancel-market-orders", body)
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var result types.CancelResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Delete("/cancel-market-orders")
	if err != nil {
		return nil, types.NewTransportError("cancelMarketOrders", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, classifyStatus("cancelMarketOrders", resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// DeriveAPIKey derives L2 API credentials via L1 authentication.
func (c *Client) DeriveAPIKey(ctx context.Context) (*Credentials, error) {
	headers, err := c.auth.L1Headers(0)
	if err != nil {
		return nil, fmt.Errorf("l1 headers: %w", err)
	}

	var result Credentials
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get("/auth/derive-api-key")
	if err != nil {
		return nil, types.NewTransportError("deriveApiKey", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, classifyStatus("deriveApiKey", resp.StatusCode(), resp.String())
	}

	c.auth.SetCredentials(result)
	c.logger.Info("API key derived", "api_key", result.ApiKey)
	return &result, nil
}

// classifyStatus maps a non-2xx venue M response to the error taxonomy.
// Venue M's error bodies are free-text, so classification is a best-effort
// substring match against the known rejection reasons (spec §7).
func classifyStatus(op string, status int, body string) error {
	if status >= 500 {
		return types.NewTransportError(op, fmt.Errorf("status %d: %s", status, body))
	}
	lower := strings.ToLower(body)
	reason := types.ReasonOther
	switch {
	case strings.Contains(lower, "not enough balance") || strings.Contains(lower, "insufficient balance"):
		reason = types.ReasonInsufficientCollateral
	case strings.Contains(lower, "not enough shares") || strings.Contains(lower, "insufficient shares"):
		reason = types.ReasonInsufficientShares
	case strings.Contains(lower, "invalid amount") || strings.Contains(lower, "min size"):
		reason = types.ReasonInsufficientAmount
	case strings.Contains(lower, "not found"):
		reason = types.ReasonOrderNotFound
	}
	return types.NewVenueRejection(op, reason, fmt.Errorf("status %d: %s", status, body))
}

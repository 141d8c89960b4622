package venuep

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"arbexec/internal/config"
	"arbexec/pkg/types"
)

// Client is venue P's REST API client. Structured the same way as venue M's
// client (resty, retry on 5xx, dry-run short-circuit) since both venues are
// reached the same way — a rate-limited HTTP API in front of an on-chain
// settlement layer.
type Client struct {
	http   *resty.Client
	dryRun bool
	logger *slog.Logger
}

// NewClient creates venue P's REST client.
func NewClient(cfg config.Config, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.VenueP.BaseURL).
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

	if cfg.VenueP.APIKey != "" {
		httpClient.SetHeader("X-API-Key", cfg.VenueP.APIKey)
	}

	return &Client{
		http:   httpClient,
		dryRun: cfg.DryRun,
		logger: logger.With("component", "venuep_client"),
	}
}

// PlaceOrder submits a new order to venue P's on-chain order book.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderAck, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would place venue P order", "market", req.MarketID, "side", req.Side, "price", req.Price, "qty", req.Quantity)
		return &OrderAck{OrderHash: "dry-run-" + req.MarketID, Status: StatusOpen}, nil
	}

	var result OrderAck
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&result).
		Post("/v1/orders")
	if err != nil {
		return nil, types.NewTransportError("placeOrder", err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusCreated {
		return nil, classifyStatus("placeOrder", resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// CancelOrder cancels a single resting order by hash.
func (c *Client) CancelOrder(ctx context.Context, orderHash string) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel venue P order", "hash", orderHash)
		return nil
	}

	resp, err := c.http.R().
		SetContext(ctx).
		Delete("/v1/orders/" + orderHash)
	if err != nil {
		return types.NewTransportError("cancelOrder", err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusNoContent {
		return classifyStatus("cancelOrder", resp.StatusCode(), resp.String())
	}
	return nil
}

// GetOrderStatus polls an order's current cumulative fill state. This is the
// REST half of the dual-source fill reconciliation — the chain watcher's
// event feed is the other half.
func (c *Client) GetOrderStatus(ctx context.Context, orderHash string) (*OrderStatusResponse, error) {
	var result OrderStatusResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/v1/orders/" + orderHash)
	if err != nil {
		return nil, types.NewTransportError("getOrderStatus", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, types.NewVenueRejection("getOrderStatus", types.ReasonOrderNotFound, fmt.Errorf("order %s not found", orderHash))
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, classifyStatus("getOrderStatus", resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// GetOrderbook fetches venue P's current book for a market.
func (c *Client) GetOrderbook(ctx context.Context, marketID string) (*OrderbookResponse, error) {
	var result OrderbookResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/v1/markets/" + marketID + "/book")
	if err != nil {
		return nil, types.NewTransportError("getOrderbook", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, classifyStatus("getOrderbook", resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// GetPosition fetches the caller's on-chain position for a market. Used by
// the unwind procedure to bound the unwind quantity to what's actually held.
func (c *Client) GetPosition(ctx context.Context, marketID string) (*PositionResponse, error) {
	var result PositionResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/v1/positions/" + marketID)
	if err != nil {
		return nil, types.NewTransportError("getPosition", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, classifyStatus("getPosition", resp.StatusCode(), resp.String())
	}
	return &result, nil
}

func classifyStatus(op string, status int, body string) error {
	if status >= 500 {
		return types.NewTransportError(op, fmt.Errorf("status %d: %s", status, body))
	}
	reason := types.ReasonOther
	switch status {
	case http.StatusNotFound:
		reason = types.ReasonOrderNotFound
	case http.StatusUnprocessableEntity, http.StatusBadRequest:
		reason = types.ReasonInsufficientAmount
	}
	return types.NewVenueRejection(op, reason, fmt.Errorf("status %d: %s", status, body))
}

package ordermonitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// OrderStatus is the minimal terminal/non-terminal view watchPolymarketOrder
// needs; callers adapt their venue-specific status type to this.
type OrderStatus struct {
	Terminal bool
	Raw      string // venue-specific status string, for logging
}

// WatchConfig tunes the poll-until-terminal backoff, grounded on the
// initial-backoff/max-backoff/multiplier/timeout shape used for fill
// verification in the execution-arbitrage reference material.
type WatchConfig struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffMult    float64
	Timeout        time.Duration
}

// DefaultWatchConfig returns sane defaults for polling a hedge order to a
// terminal state.
func DefaultWatchConfig() WatchConfig {
	return WatchConfig{
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		BackoffMult:    1.8,
		Timeout:        30 * time.Second,
	}
}

// WatchPolymarketOrder polls fetchStatus with exponential backoff until the
// order reaches a terminal state, the context is cancelled, or cfg.Timeout
// elapses. Returns the last observed status.
func WatchPolymarketOrder(
	ctx context.Context,
	orderID string,
	cfg WatchConfig,
	fetchStatus func(ctx context.Context, orderID string) (OrderStatus, error),
	logger *slog.Logger,
) (OrderStatus, error) {
	deadline := time.Now().Add(cfg.Timeout)
	backoff := cfg.InitialBackoff

	for {
		status, err := fetchStatus(ctx, orderID)
		if err != nil {
			logger.Warn("order status poll failed", "order_id", orderID, "error", err)
		} else if status.Terminal {
			return status, nil
		}

		if time.Now().After(deadline) {
			return status, fmt.Errorf("watchPolymarketOrder: timed out after %s waiting on order %s", cfg.Timeout, orderID)
		}

		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-time.After(backoff):
		}

		backoff = time.Duration(float64(backoff) * cfg.BackoffMult)
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}
}

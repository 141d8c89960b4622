// Package ordermonitor hosts the two watchdog loops that run beside each
// hedge leg: a price-band guard and an order-status poller. Both are
// structured after the teacher's risk manager — a ticker-driven select loop
// over per-key state — generalized from "one manager watching all markets"
// to "one guard per task, serialized per token id".
package ordermonitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// PriceGuard watches venue M's top-of-book for a single token and fires
// edge-triggered callbacks when the price moves outside [minBid, maxAsk]
// and when it returns inside the band. Edge-triggered means each callback
// fires at most once per crossing — a book that stays invalid for many
// ticks only calls onInvalid once, matching the teacher's kill-switch
// cooldown semantics (no repeated signals for the same condition).
type PriceGuard struct {
	tokenID   string
	minBid    decimal.Decimal
	maxAsk    decimal.Decimal
	interval  time.Duration
	fetchBest func(ctx context.Context, tokenID string) (bid, ask decimal.Decimal, err error)
	onInvalid func(reason string)
	onValid   func()
	logger    *slog.Logger

	mu      sync.Mutex
	invalid bool // current edge state
}

// StartPriceGuard launches a PriceGuard goroutine that polls fetchBest every
// interval and calls onInvalid/onValid on state transitions. Returns a
// cancel function; calling it stops the guard. Safe to call StartPriceGuard
// once per (task, leg) pair — a second start for the same token id is the
// caller's responsibility to avoid, same as the teacher's per-market slot
// invariant in the engine.
func StartPriceGuard(
	ctx context.Context,
	tokenID string,
	minBid, maxAsk decimal.Decimal,
	interval time.Duration,
	fetchBest func(ctx context.Context, tokenID string) (bid, ask decimal.Decimal, err error),
	onInvalid func(reason string),
	onValid func(),
	logger *slog.Logger,
) context.CancelFunc {
	guardCtx, cancel := context.WithCancel(ctx)
	g := &PriceGuard{
		tokenID:   tokenID,
		minBid:    minBid,
		maxAsk:    maxAsk,
		interval:  interval,
		fetchBest: fetchBest,
		onInvalid: onInvalid,
		onValid:   onValid,
		logger:    logger.With("component", "price_guard", "token_id", tokenID),
	}

	go g.run(guardCtx)
	return cancel
}

func (g *PriceGuard) run(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.check(ctx)
		}
	}
}

func (g *PriceGuard) check(ctx context.Context) {
	bid, ask, err := g.fetchBest(ctx, g.tokenID)
	if err != nil {
		g.logger.Warn("price guard fetch failed", "error", err)
		return
	}

	withinBand := bid.GreaterThanOrEqual(g.minBid) && ask.LessThanOrEqual(g.maxAsk)

	g.mu.Lock()
	wasInvalid := g.invalid
	g.invalid = !withinBand
	nowInvalid := g.invalid
	g.mu.Unlock()

	switch {
	case !wasInvalid && nowInvalid:
		g.onInvalid(priceGuardReason(bid, ask, g.minBid, g.maxAsk))
	case wasInvalid && !nowInvalid:
		g.onValid()
	}
}

func priceGuardReason(bid, ask, minBid, maxAsk decimal.Decimal) string {
	if bid.LessThan(minBid) {
		return "bid " + bid.String() + " below floor " + minBid.String()
	}
	return "ask " + ask.String() + " above ceiling " + maxAsk.String()
}

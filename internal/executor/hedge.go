package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"arbexec/internal/ordermonitor"
	"arbexec/internal/risk"
	"arbexec/pkg/types"
)

// hedgeLeg returns the venue M token and side that covers a task's primary
// leg: buying the opposite binary outcome (spec's P_buy_YES + M_buy_NO < 1.0
// relationship) for an acquiring (BUY) task, or selling that same opposite
// outcome for an unwind-originated (SELL) task.
func hedgeLeg(task *types.Task) (tokenID string, side types.Side) {
	opposite := task.NoTokenID
	if task.ArbSide == types.ArbNo {
		opposite = task.YesTokenID
	}
	if task.Type == types.TaskSell {
		return opposite, types.SELL
	}
	return opposite, types.BUY
}

func bestBidAsk(book *types.BookResponse) (bid, ask decimal.Decimal, err error) {
	if len(book.Bids) == 0 || len(book.Asks) == 0 {
		return decimal.Zero, decimal.Zero, fmt.Errorf("empty book")
	}
	bid, err = decimal.NewFromString(book.Bids[0].Price)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	ask, err = decimal.NewFromString(book.Asks[0].Price)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return bid, ask, nil
}

// transitionHedging places one incremental IOC (FOK) order on venue M sized
// to the task's current remaining (predictFilled - hedged) quantity, guarded
// by the task's price band, and moves to HEDGE_PENDING to await its fill.
// Grounded on the reference executor's incremental-hedge-then-verify loop:
// each pass covers only what's newly filled on the primary leg rather than
// trying to hedge the whole target size up front.
func (m *Manager) transitionHedging(ctx context.Context, slot *taskSlot, task *types.Task, logger *slog.Logger) error {
	refreshed, err := m.refreshTrackedPolyFills(ctx, slot, task, logger)
	if err != nil {
		return err
	}
	*task = refreshed

	remaining := task.RemainingQty()
	minHedge := decimal.NewFromFloat(m.cfg.MinHedgeQty)
	if remaining.LessThan(minHedge) {
		return m.maybeComplete(task, logger)
	}

	tokenID, side := hedgeLeg(task)

	book, err := m.venueM.GetOrderBook(ctx, tokenID)
	if err != nil {
		return err
	}
	bid, ask, err := bestBidAsk(book)
	if err != nil {
		return types.NewPriceBandViolation("hedgeBookEmpty", err)
	}
	if bid.LessThan(task.MinBidM) || ask.GreaterThan(task.MaxAskM) {
		return types.NewPriceBandViolation("hedgePriceGuard", fmt.Errorf("book bid=%s ask=%s outside [%s,%s]", bid, ask, task.MinBidM, task.MaxAskM))
	}

	price := ask
	if side == types.SELL {
		price = bid
	}

	results, err := m.venueM.PostOrders(ctx, []types.UserOrder{{
		TokenID:    tokenID,
		Price:      price.InexactFloat64(),
		Size:       remaining.InexactFloat64(),
		Side:       side,
		OrderType:  types.OrderTypeFOK,
		TickSize:   task.TickSize,
		FeeRateBps: task.FeeRateBps,
	}}, task.NegRisk)
	if err != nil {
		return err
	}
	if len(results) == 0 || !results[0].Success {
		msg := "hedge order rejected"
		if len(results) > 0 {
			msg = results[0].ErrorMsg
		}
		return types.NewVenueRejection("postHedgeOrder", types.ReasonOther, fmt.Errorf("%s", msg))
	}

	_, err = m.store.UpdateTask(task.TaskID, func(t *types.Task) {
		t.Status = types.StatusHedgePending
		t.CurrentOrderIDM = results[0].OrderID
	})
	return err
}

// transitionHedgePending watches the resting hedge order to a terminal
// state, applies the confirmed fill delta at-most-once via
// TaskContext.ApplyPolyFillDelta, and decides whether the task needs another
// hedge pass (HEDGING), a retry of the residual (HEDGE_RETRY), or is done.
func (m *Manager) transitionHedgePending(ctx context.Context, slot *taskSlot, task *types.Task, logger *slog.Logger) error {
	orderID := task.CurrentOrderIDM
	if orderID == "" {
		_, err := m.store.UpdateTask(task.TaskID, func(t *types.Task) { t.Status = types.StatusHedging })
		return err
	}

	cfg := ordermonitor.WatchConfig{
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     3 * time.Second,
		BackoffMult:    1.8,
		Timeout:        time.Duration(m.cfg.OrderWatchIntervalMs) * time.Millisecond * time.Duration(m.cfg.OrderWatchMaxRetries),
	}

	_, err := ordermonitor.WatchPolymarketOrder(ctx, orderID, cfg, m.fetchHedgeOrderStatus, logger)
	if err != nil && ctx.Err() == nil {
		logger.Warn("hedge order watch ended without terminal state", "order_id", orderID, "error", err)
	}

	open, fetchErr := m.venueM.GetOrderStatus(ctx, orderID)
	if fetchErr != nil {
		return fetchErr
	}

	filled, avgPrice := parseOpenOrderFill(open)
	delta := slot.ctx.ApplyPolyFillDelta(orderID, filled, avgPrice)

	newHedged := task.HedgedQty.Add(delta)
	newAvg := blendAvgPrice(task.AvgPolymarketPrice, task.HedgedQty, avgPrice, delta)

	remaining := task.PredictFilledQty.Sub(newHedged)
	minHedge := decimal.NewFromFloat(m.cfg.MinHedgeQty)

	newStatus := types.StatusHedging
	if remaining.LessThan(minHedge) {
		newStatus = types.StatusPartiallyFilled
	}
	if remaining.GreaterThanOrEqual(minHedge) && open.Status != "live" {
		// Order terminated with residual remaining (partial fill): retry.
		newStatus = types.StatusHedgeRetry
	}

	_, err = m.store.UpdateTask(task.TaskID, func(t *types.Task) {
		t.HedgedQty = newHedged
		t.AvgPolymarketPrice = newAvg
		t.CurrentOrderIDM = ""
		t.Status = newStatus
	})
	if err != nil {
		return err
	}
	task.HedgedQty = newHedged
	task.Status = newStatus

	refreshed, err := m.refreshTrackedPolyFills(ctx, slot, task, logger)
	if err != nil {
		return err
	}
	*task = refreshed

	return m.maybeComplete(task, logger)
}

// transitionHedgeRetry cancels any residual resting order then retries the
// hedge with linear backoff. Per spec.md §4.1's transition table ("HEDGING |
// hedge exhausted retries | — | UNWINDING"), exhausting MaxHedgeRetries does
// not fail the task outright — it begins unwinding the primary leg instead;
// HEDGE_FAILED is reserved for the unwind path's own exhausted-retries case
// (see transitionUnwindPending).
func (m *Manager) transitionHedgeRetry(ctx context.Context, slot *taskSlot, task *types.Task, logger *slog.Logger) error {
	if task.CurrentOrderIDM != "" {
		if _, err := m.venueM.CancelOrders(ctx, []string{task.CurrentOrderIDM}); err != nil {
			logger.Warn("hedge retry: cancel residual failed", "error", err)
		}
	}

	if task.HedgeRetryCount >= m.cfg.MaxHedgeRetries {
		_, err := m.store.UpdateTask(task.TaskID, func(t *types.Task) {
			t.Status = types.StatusUnwinding
			t.CancelReason = "hedge retries exhausted"
			t.CurrentOrderIDM = ""
		})
		return err
	}

	wait := time.Duration(task.HedgeRetryCount+1) * time.Second
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
	}

	_, err := m.store.UpdateTask(task.TaskID, func(t *types.Task) {
		t.Status = types.StatusHedging
		t.HedgeRetryCount++
		t.CurrentOrderIDM = ""
	})
	return err
}

// maybeComplete moves a task to COMPLETED once both legs have converged:
// predictFilledQty met the target (within MinHedgeQty tolerance) and the
// remaining (unhedged) quantity has been driven below MinHedgeQty.
func (m *Manager) maybeComplete(task *types.Task, logger *slog.Logger) error {
	minHedge := decimal.NewFromFloat(m.cfg.MinHedgeQty)
	if task.RemainingQty().GreaterThanOrEqual(minHedge) {
		return nil
	}
	if task.PredictFilledQty.LessThan(task.TargetQuantity.Sub(minHedge)) {
		// Primary leg still has room to fill; stay in PARTIALLY_FILLED.
		return nil
	}

	// A SELL task's profit is entryCost-relative; refuse to manufacture a
	// COMPLETED profit figure against an unknown cost basis rather than
	// silently reporting a wrong (zero-cost) number.
	if task.Type == types.TaskSell && !task.EntryCostKnown {
		logger.Warn("cannot complete SELL task: entry cost unknown", "task_id", task.TaskID)
		return types.ErrEntryCostUnknown
	}

	now := time.Now()
	profit := task.TargetQuantity.Sub(task.AvgPredictPrice.Mul(task.TargetQuantity)).Sub(task.AvgPolymarketPrice.Mul(task.HedgedQty))
	_, err := m.store.UpdateTask(task.TaskID, func(t *types.Task) {
		t.Status = types.StatusCompleted
		t.CompletedAt = &now
		t.ActualProfit = profit
	})
	if err != nil {
		return err
	}
	logger.Info("task completed", "profit", profit)

	m.riskMgr.Report(risk.PositionReport{
		MarketID:    task.MarketIDP,
		ExposureUSD: 0,
		RealizedPnL: profit.InexactFloat64(),
		Timestamp:   now,
	})
	return nil
}

// refreshTrackedPolyFills sweeps every hedge order this task has ever placed
// (not just the currently-resting one) for late-arriving fill confirmations,
// per spec §9's hedging-loop step 1: absorb stragglers before any decision
// that depends on hedgedQty. A fill confirmation for an order that has since
// been superseded by a newer hedge attempt would otherwise never be
// observed again once CurrentOrderIDM moves on; TaskContext.ApplyPolyFillDelta's
// per-order dedup makes re-polling every tracked id safe to repeat.
func (m *Manager) refreshTrackedPolyFills(ctx context.Context, slot *taskSlot, task *types.Task, logger *slog.Logger) (types.Task, error) {
	ids := slot.ctx.TrackedOrderIDs()
	if len(ids) == 0 {
		return *task, nil
	}

	totalDelta := decimal.Zero
	lastPrice := task.AvgPolymarketPrice
	for _, id := range ids {
		if id != "" && id == task.CurrentOrderIDM {
			continue // owned by this pass's own watch-and-apply call
		}
		open, err := m.venueM.GetOrderStatus(ctx, id)
		if err != nil {
			logger.Warn("refreshTrackedPolyFills: status fetch failed", "order_id", id, "error", err)
			continue
		}
		filled, avgPrice := parseOpenOrderFill(open)
		delta := slot.ctx.ApplyPolyFillDelta(id, filled, avgPrice)
		if delta.IsZero() {
			continue
		}
		totalDelta = totalDelta.Add(delta)
		lastPrice = avgPrice
	}

	if totalDelta.IsZero() {
		return *task, nil
	}

	newAvg := blendAvgPrice(task.AvgPolymarketPrice, task.HedgedQty, lastPrice, totalDelta)
	logger.Info("refreshTrackedPolyFills: absorbed late confirmation", "delta", totalDelta, "prior_hedged_qty", task.HedgedQty)

	return m.store.UpdateTask(task.TaskID, func(t *types.Task) {
		t.HedgedQty = t.HedgedQty.Add(totalDelta)
		t.AvgPolymarketPrice = newAvg
	})
}

func (m *Manager) fetchHedgeOrderStatus(ctx context.Context, orderID string) (ordermonitor.OrderStatus, error) {
	open, err := m.venueM.GetOrderStatus(ctx, orderID)
	if err != nil {
		return ordermonitor.OrderStatus{}, err
	}
	return ordermonitor.OrderStatus{
		Terminal: open.Status != "live",
		Raw:      open.Status,
	}, nil
}

func parseOpenOrderFill(open *types.OpenOrder) (filled, price decimal.Decimal) {
	filled, _ = decimal.NewFromString(open.SizeMatched)
	price, _ = decimal.NewFromString(open.Price)
	return filled, price
}

// blendAvgPrice computes the size-weighted average price after adding a new
// fill increment to an existing position.
func blendAvgPrice(prevAvg, prevQty, newPrice, delta decimal.Decimal) decimal.Decimal {
	if delta.IsZero() {
		return prevAvg
	}
	totalQty := prevQty.Add(delta)
	if totalQty.IsZero() {
		return prevAvg
	}
	return prevAvg.Mul(prevQty).Add(newPrice.Mul(delta)).Div(totalQty)
}

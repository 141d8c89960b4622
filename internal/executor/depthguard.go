package executor

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"arbexec/internal/ordermonitor"
	"arbexec/internal/venuep"
	"arbexec/pkg/types"
)

// ensureDepthGuard starts the hedge-leg price guard and the depth guard for
// a task the first time either is needed (once the primary order is live)
// and is a no-op on later calls — mirrors startPriceGuard's "one guard per
// (task, leg)" contract. The price guard pauses the task the moment venue
// M's book moves outside the task's [minBidM, maxAskM] band, and un-pauses
// it once the book recovers; the depth guard (spec.md §4.1) separately
// watches whether the band still has enough cumulative size to hedge the
// primary's remaining fill, without tearing down or restarting the task
// goroutine either way.
func (m *Manager) ensureDepthGuard(ctx context.Context, slot *taskSlot, task *types.Task, logger *slog.Logger) {
	if slot.guardStop != nil {
		return
	}

	tokenID, _ := hedgeLeg(task)
	taskID := task.TaskID

	onInvalid := func(reason string) {
		m.onPriceGuardInvalid(taskID, reason, logger)
	}
	onValid := func() {
		m.onPriceGuardValid(taskID, logger)
	}

	fetchBest := func(ctx context.Context, tokenID string) (decimal.Decimal, decimal.Decimal, error) {
		book, err := m.venueM.GetOrderBook(ctx, tokenID)
		if err != nil {
			return decimal.Zero, decimal.Zero, err
		}
		return bestBidAsk(book)
	}

	stopPrice := ordermonitor.StartPriceGuard(ctx, tokenID, task.MinBidM, task.MaxAskM, m.cfg.DepthCheckInterval, fetchBest, onInvalid, onValid, logger)
	stopDepth := m.startDepthGuard(ctx, tokenID, taskID, logger)
	stopRefresh := m.startPolyFillRefreshSweep(ctx, slot, taskID, logger)
	slot.guardStop = func() {
		stopPrice()
		stopDepth()
		stopRefresh()
	}
}

// startPolyFillRefreshSweep runs spec §9's periodic refreshTrackedPolyFills
// sweep (RefreshPolyFillsInterval, ~400ms) for the lifetime of a task's
// guards, independent of whichever status the FSM happens to be dispatching
// through on a given loop pass — a late confirmation can arrive for an order
// from a prior HEDGING pass while the task sits in PARTIALLY_FILLED waiting
// for the next primary fill, and this sweep is what notices it.
func (m *Manager) startPolyFillRefreshSweep(ctx context.Context, slot *taskSlot, taskID string, logger *slog.Logger) context.CancelFunc {
	sweepCtx, cancel := context.WithCancel(ctx)
	interval := m.cfg.RefreshPolyFillsInterval
	if interval <= 0 {
		interval = 400 * time.Millisecond
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				task, ok := m.store.GetTask(taskID)
				if !ok || task.Status.IsTerminal() {
					return
				}
				if _, err := m.refreshTrackedPolyFills(sweepCtx, slot, &task, logger); err != nil {
					logger.Warn("poly-fill refresh sweep failed", "error", err)
				}
			}
		}
	}()
	return cancel
}

// onPriceGuardInvalid is the price guard's onInvalid callback (spec.md
// §4.1): a book that moves outside [minBidM, maxAskM] pauses the task.
func (m *Manager) onPriceGuardInvalid(taskID, reason string, logger *slog.Logger) {
	logger.Warn("price guard tripped, pausing task", "reason", reason)
	m.pauseTask(taskID, logger)
}

// onPriceGuardValid is the price guard's onValid callback: a task that is
// currently PAUSED resumes into whichever status its current fill counters
// imply. The cause of a pause is not recorded, so a task paused by the depth
// guard, the kill switch or restart recovery is resumed the same way, per spec
// §4.1's "if the band is no longer satisfied it moves the task to PAUSED;
// otherwise it resumes" restart-recovery language, applied here to an
// in-flight band recovery rather than a process restart.
func (m *Manager) onPriceGuardValid(taskID string, logger *slog.Logger) {
	t, ok := m.store.GetTask(taskID)
	if !ok || t.Status != types.StatusPaused {
		return
	}
	resumeStatus := types.StatusPartiallyFilled
	if t.RemainingQty().GreaterThanOrEqual(decimal.NewFromFloat(m.cfg.MinHedgeQty)) {
		resumeStatus = types.StatusHedging
	}
	if t.PredictFilledQty.IsZero() {
		resumeStatus = types.StatusPredictSubmitted
	}
	logger.Info("price guard cleared, resuming task", "resume_status", resumeStatus)
	_, err := m.store.UpdateTask(taskID, func(t *types.Task) {
		t.Status = resumeStatus
	})
	if err != nil {
		logger.Error("resume after price guard clear failed", "error", err)
	}
}

// startDepthGuard launches the ticker loop backing spec.md §4.1's depth
// guard: every DepthCheckInterval it sums venue M's resting size within the
// task's current price band, and if that cumulative depth can't cover the
// primary's remaining (unfilled) target, cancels and resubmits the primary
// at a reduced target rather than letting the primary fill past what the
// hedge leg can actually absorb.
func (m *Manager) startDepthGuard(ctx context.Context, tokenID, taskID string, logger *slog.Logger) context.CancelFunc {
	guardCtx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(m.cfg.DepthCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-guardCtx.Done():
				return
			case <-ticker.C:
				m.checkDepthGuard(guardCtx, tokenID, taskID, logger)
			}
		}
	}()
	return cancel
}

// checkDepthGuard performs one depth-guard pass for taskID. Re-reads the
// task fresh from the store each tick since predictFilledQty (and hence
// remaining) moves independently of the guard's own interval.
func (m *Manager) checkDepthGuard(ctx context.Context, tokenID, taskID string, logger *slog.Logger) {
	task, ok := m.store.GetTask(taskID)
	if !ok || task.Status.IsTerminal() || task.Status == types.StatusPaused {
		return
	}

	remaining := task.TargetQuantity.Sub(task.PredictFilledQty)
	if remaining.LessThanOrEqual(decimal.Zero) {
		return
	}

	book, err := m.venueM.GetOrderBook(ctx, tokenID)
	if err != nil {
		logger.Warn("depth guard: book fetch failed", "error", err)
		return
	}
	_, side := hedgeLeg(&task)
	depth := cumulativeDepth(book, side, task.MinBidM, task.MaxAskM)

	if depth.IsZero() {
		logger.Warn("depth guard: zero depth in band, pausing task", "token_id", tokenID)
		m.pauseTask(taskID, logger)
		return
	}
	if depth.GreaterThanOrEqual(remaining) {
		return
	}

	reducedTarget := task.PredictFilledQty.Add(depth.Floor())
	if reducedTarget.GreaterThanOrEqual(task.TargetQuantity) {
		return
	}

	logger.Warn("depth guard: insufficient M depth, reducing primary target",
		"depth", depth, "remaining", remaining, "reduced_target", reducedTarget)

	if task.CurrentOrderHashP != "" {
		if err := m.venueP.CancelOrder(ctx, task.CurrentOrderHashP); err != nil {
			logger.Warn("depth guard: cancel primary failed", "error", err)
			return
		}
	}

	newQty := reducedTarget.Sub(task.PredictFilledQty)
	ack, err := m.venueP.PlaceOrder(ctx, venuep.OrderRequest{
		MarketID: task.MarketIDP,
		Side:     string(orderSideForTask(&task)),
		Price:    task.PredictPrice,
		Quantity: newQty,
	})
	if err != nil {
		logger.Warn("depth guard: resubmit primary failed", "error", err)
		return
	}

	_, err = m.store.UpdateTask(taskID, func(t *types.Task) {
		t.TargetQuantity = reducedTarget
		t.CurrentOrderHashP = ack.OrderHash
	})
	if err != nil {
		logger.Error("depth guard: persist reduced target failed", "error", err)
	}
}

// cumulativeDepth sums venue M book levels on the side the hedge leg would
// match against (asks for a BUY hedge, bids for a SELL hedge), restricted to
// prices within [minBid, maxAsk]. Levels are sorted best-first by the venue,
// so depth outside the band is a contiguous tail and safe to stop summing at.
func cumulativeDepth(book *types.BookResponse, side types.Side, minBid, maxAsk decimal.Decimal) decimal.Decimal {
	levels := book.Asks
	if side == types.SELL {
		levels = book.Bids
	}

	total := decimal.Zero
	for _, lvl := range levels {
		price, err := decimal.NewFromString(lvl.Price)
		if err != nil {
			continue
		}
		if side == types.BUY && price.GreaterThan(maxAsk) {
			break
		}
		if side == types.SELL && price.LessThan(minBid) {
			break
		}
		size, err := decimal.NewFromString(lvl.Size)
		if err != nil {
			continue
		}
		total = total.Add(size)
	}
	return total
}

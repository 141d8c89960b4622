package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"arbexec/internal/ordermonitor"
	"arbexec/internal/venuep"
	"arbexec/pkg/types"
)

// transitionUnwinding closes out the primary (venue P) leg when the hedge
// could not be completed, bounded by the task's actual on-chain position
// rather than its internal counters — a hedge failure can leave the two
// diverged, and unwind must never try to sell more than is actually held.
// Priced off venue P's live best bid (spec §4.1's "best opposite top-of-book
// price"), not the task's static minBidM guard floor — minBidM only bounds
// where the primary was allowed to rest, it is not a quote.
func (m *Manager) transitionUnwinding(ctx context.Context, slot *taskSlot, task *types.Task, logger *slog.Logger) error {
	pos, err := m.venueP.GetPosition(ctx, task.MarketIDP)
	if err != nil {
		return err
	}

	held := pos.Quantity
	if held.IsNegative() {
		held = held.Neg()
	}

	qty := task.RemainingQty()
	if held.LessThan(qty) {
		qty = held
	}

	if qty.LessThanOrEqual(decimal.Zero) {
		now := time.Now()
		_, err := m.store.UpdateTask(task.TaskID, func(t *types.Task) {
			t.Status = types.StatusUnwindCompleted
			t.CompletedAt = &now
		})
		return err
	}

	book, err := m.venueP.GetOrderbook(ctx, task.MarketIDP)
	if err != nil {
		return err
	}
	if len(book.Bids) == 0 {
		return types.NewPriceBandViolation("unwindBookEmpty", fmt.Errorf("venue P book has no bids for %s", task.MarketIDP))
	}
	unwindPrice := book.Bids[0].Price

	ack, err := m.venueP.PlaceOrder(ctx, venuep.OrderRequest{
		MarketID: task.MarketIDP,
		Side:     string(types.SELL),
		Price:    unwindPrice,
		Quantity: qty,
	})
	if err != nil {
		return err
	}

	_, err = m.store.UpdateTask(task.TaskID, func(t *types.Task) {
		t.Status = types.StatusUnwindPending
		t.CurrentOrderHashP = ack.OrderHash
		t.UnwindQty = qty
	})
	return err
}

// transitionUnwindPending polls the unwind order to a terminal state and
// records the realized loss (entryCost minus unwind proceeds) once filled;
// a residual left unfilled is retried up to MaxUnwindRetries before the
// task is failed outright — there is no further fallback once the
// on-chain leg itself cannot be closed.
func (m *Manager) transitionUnwindPending(ctx context.Context, slot *taskSlot, task *types.Task, logger *slog.Logger) error {
	cfg := ordermonitor.WatchConfig{
		InitialBackoff: 300 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		BackoffMult:    1.8,
		Timeout:        m.cfg.PrimaryCancelWait,
	}

	fetchStatus := func(ctx context.Context, orderHash string) (ordermonitor.OrderStatus, error) {
		resp, err := m.venueP.GetOrderStatus(ctx, orderHash)
		if err != nil {
			return ordermonitor.OrderStatus{}, err
		}
		return ordermonitor.OrderStatus{Terminal: resp.Status.IsTerminal(), Raw: string(resp.Status)}, nil
	}

	_, err := ordermonitor.WatchPolymarketOrder(ctx, task.CurrentOrderHashP, cfg, fetchStatus, logger)
	if err != nil && ctx.Err() != nil {
		return err
	}

	resp, err := m.venueP.GetOrderStatus(ctx, task.CurrentOrderHashP)
	if err != nil {
		return err
	}

	unwoundQty := resp.CumulativeFilledQty
	leftover := task.UnwindQty.Sub(unwoundQty)

	if leftover.GreaterThan(decimal.NewFromFloat(m.cfg.MinHedgeQty)) {
		if cancelErr := m.venueP.CancelOrder(ctx, task.CurrentOrderHashP); cancelErr != nil {
			logger.Warn("unwind: cancel residual failed", "error", cancelErr)
		}
		// Unwind retries reuse HedgeRetryCount: a task only ever unwinds
		// after its hedge attempts are done with, so the counter is free.
		// Per spec.md §4.1's transition table ("UNWINDING | unwind exhausted
		// retries | — | HEDGE_FAILED"), exhausting unwind retries lands on
		// HEDGE_FAILED, not the generic FAILED — the primary leg did fill,
		// it just couldn't be fully closed back out.
		if task.HedgeRetryCount >= m.cfg.MaxUnwindRetries {
			now := time.Now()
			_, err := m.store.UpdateTask(task.TaskID, func(t *types.Task) {
				t.Status = types.StatusHedgeFailed
				t.Error = fmt.Sprintf("unwind could not fully close position, %s shares remain", leftover)
				t.CompletedAt = &now
			})
			return err
		}
		_, err := m.store.UpdateTask(task.TaskID, func(t *types.Task) {
			t.Status = types.StatusUnwinding
			t.HedgeRetryCount++
		})
		return err
	}

	loss := computeUnwindLoss(task, resp.AvgFillPrice, unwoundQty)
	now := time.Now()
	_, err = m.store.UpdateTask(task.TaskID, func(t *types.Task) {
		t.Status = types.StatusUnwindCompleted
		t.UnwindPrice = resp.AvgFillPrice
		t.UnwindLoss = loss
		t.UnwindLossEstimated = !t.EntryCostKnown
		t.CompletedAt = &now
	})
	return err
}

// computeUnwindLoss reports entryCost minus unwind proceeds when the cost
// basis is known; otherwise it estimates loss from the task's own average
// predict-leg entry price rather than fabricating a zero (spec §9 open
// question (a)).
func computeUnwindLoss(task *types.Task, unwindPrice, unwoundQty decimal.Decimal) decimal.Decimal {
	costBasis := task.EntryCost
	if !task.EntryCostKnown {
		costBasis = task.AvgPredictPrice.Mul(unwoundQty)
	}
	proceeds := unwindPrice.Mul(unwoundQty)
	return costBasis.Sub(proceeds)
}

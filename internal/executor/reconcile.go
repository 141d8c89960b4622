package executor

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"arbexec/pkg/types"
)

// transitionTrackPredictFill polls venue P's REST order status, folds the
// cumulative fill into the task's TaskContext (which also absorbs chain
// watcher events delivered out-of-band by Manager.dispatchChainEvents), and
// advances predictFilledQty by the merged dual-source view. Grounded on the
// baseline-shift / dual-counter-merge idiom: wssFilledQty and restFilledQty
// are independent monotone counters and the merge takes their max, never
// their sum, so a reconnect replaying already-counted events can't
// double-count.
func (m *Manager) transitionTrackPredictFill(ctx context.Context, slot *taskSlot, task *types.Task, logger *slog.Logger) error {
	if task.CurrentOrderHashP != "" {
		status, err := m.venueP.GetOrderStatus(ctx, task.CurrentOrderHashP)
		if err != nil {
			if types.ClassifyKind(err) == types.KindVenueRejection {
				// Order not found on a REST poll is not fatal by itself —
				// the chain watcher may still be delivering fill events for
				// it; only the depth guard / expiry sweep end the task.
				logger.Warn("predict order status poll: not found", "order_hash", task.CurrentOrderHashP)
			} else {
				return err
			}
		} else {
			slot.ctx.ApplyRestPoll(status.CumulativeFilledQty)
		}
	}

	merged := slot.ctx.MergedFilledQty(task.TargetQuantity)

	newStatus := task.Status
	if merged.GreaterThan(task.PredictFilledQty) && newStatus == types.StatusPredictSubmitted {
		newStatus = types.StatusPartiallyFilled
	}

	remaining := merged.Sub(task.HedgedQty)
	minHedge := decimal.NewFromFloat(m.cfg.MinHedgeQty)
	if remaining.GreaterThanOrEqual(minHedge) {
		newStatus = types.StatusHedging
	}

	statusChanged := newStatus != task.Status
	if !merged.Equal(task.PredictFilledQty) || statusChanged {
		_, err := m.store.UpdateTask(task.TaskID, func(t *types.Task) {
			t.PredictFilledQty = merged
			t.Status = newStatus
		})
		if err != nil {
			return err
		}
		task.PredictFilledQty = merged
		task.Status = newStatus
	}

	if !statusChanged {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.cfg.PredictPollInterval):
		}
	}
	return nil
}

package executor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"arbexec/internal/risk"
	"arbexec/internal/venuep"
	"arbexec/pkg/types"
)

// runTask is the per-task state machine loop: on every pass it reads the
// task's current persisted status, dispatches to the matching transition
// handler, and loops until the task reaches a terminal status or ctx is
// cancelled (pause-on-shutdown). Mirrors the teacher's per-market strategy
// goroutine shape, generalized to a table-driven dispatch over TaskStatus
// instead of a single quote-loop body.
func (m *Manager) runTask(ctx context.Context, taskID string, slot *taskSlot) {
	logger := m.logger.With("task_id", taskID)

	for {
		if ctx.Err() != nil {
			m.pauseTask(taskID, logger)
			return
		}

		task, ok := m.store.GetTask(taskID)
		if !ok {
			logger.Error("runTask: task vanished from store")
			return
		}
		if task.Status.IsTerminal() {
			if slot.guardStop != nil {
				slot.guardStop()
			}
			return
		}

		if m.riskMgr.IsKillSwitchActive() && task.Status != types.StatusPaused {
			m.pauseTask(taskID, logger)
			continue
		}
		if task.Status != types.StatusPending {
			m.reportTaskExposure(&task)
		}

		var err error
		switch task.Status {
		case types.StatusPending:
			err = m.transitionPending(ctx, slot, &task, logger)
		case types.StatusPredictSubmitted, types.StatusPartiallyFilled:
			m.ensureDepthGuard(ctx, slot, &task, logger)
			err = m.transitionTrackPredictFill(ctx, slot, &task, logger)
		case types.StatusPaused:
			err = m.transitionPaused(ctx, slot, &task, logger)
		case types.StatusHedging:
			m.ensureDepthGuard(ctx, slot, &task, logger)
			err = m.transitionHedging(ctx, slot, &task, logger)
		case types.StatusHedgePending:
			m.ensureDepthGuard(ctx, slot, &task, logger)
			err = m.transitionHedgePending(ctx, slot, &task, logger)
		case types.StatusHedgeRetry:
			err = m.transitionHedgeRetry(ctx, slot, &task, logger)
		case types.StatusUnwinding:
			err = m.transitionUnwinding(ctx, slot, &task, logger)
		case types.StatusUnwindPending:
			err = m.transitionUnwindPending(ctx, slot, &task, logger)
		default:
			logger.Error("runTask: unhandled status", "status", task.Status)
			return
		}

		if err != nil {
			m.handleTransitionError(taskID, task.Status, err, logger)
		}
	}
}

// handleTransitionError dispatches per spec §7: transport and unclassified
// errors wait 500ms and retry on the next loop pass (no status change),
// price-band violations pause the task, deadline-exceeded moves straight to
// unwind, and invariant and signature/domain errors fail the task. A venue
// rejection for insufficient shares or collateral begins an unwind; any
// other venue rejection fails the task. No venue rejection is retried.
func (m *Manager) handleTransitionError(taskID string, from types.TaskStatus, err error, logger *slog.Logger) {
	kind := types.ClassifyKind(err)
	logger.Warn("transition error", "from_status", from, "kind", kind, "error", err)

	switch kind {
	case types.KindTransport:
		time.Sleep(500 * time.Millisecond)
		return
	case types.KindPriceBand:
		m.pauseTask(taskID, logger)
		return
	case types.KindDeadlineExceeded:
		m.beginUnwind(taskID, "deadline exceeded: "+err.Error(), logger)
		return
	case types.KindInvariant:
		m.failTask(taskID, err, logger)
		return
	case types.KindSignatureDomain:
		m.failTask(taskID, err, logger)
		return
	case types.KindVenueRejection:
		var te *types.TaskError
		if errors.As(err, &te) && (te.Reason == types.ReasonInsufficientShares || te.Reason == types.ReasonInsufficientCollateral) {
			m.beginUnwind(taskID, err.Error(), logger)
			return
		}
		m.failTask(taskID, err, logger)
		return
	default:
		// Unclassified errors (programmer/library errors) are treated as
		// transient rather than silently corrupting task state.
		time.Sleep(500 * time.Millisecond)
	}
}

// reportTaskExposure feeds the task's in-flight capital commitment to the
// shared risk manager — the same global/per-market exposure budget and kill
// switch that bound an MM market's resting inventory (internal/mm's
// reportRisk) also bound capital a task has committed to its predict leg
// before the hedge closes it out. Priced off PredictPrice (the resting limit
// price) rather than AvgPredictPrice, since a task need not have recorded an
// average fill price yet to have filled capital committed against it.
func (m *Manager) reportTaskExposure(task *types.Task) {
	exposure := task.PredictPrice.Mul(task.PredictFilledQty)
	m.riskMgr.Report(risk.PositionReport{
		MarketID:    task.MarketIDP,
		ExposureUSD: exposure.InexactFloat64(),
		Timestamp:   time.Now(),
	})
}

func (m *Manager) pauseTask(taskID string, logger *slog.Logger) {
	updated, err := m.store.UpdateTask(taskID, func(t *types.Task) {
		if t.Status.IsTerminal() {
			return
		}
		t.Status = types.StatusPaused
		t.PauseCount++
	})
	if err != nil {
		logger.Error("pauseTask: update failed", "error", err)
		return
	}
	if updated.PauseCount > m.cfg.MaxPauseCount {
		m.failTask(taskID, errors.New("max pause count exceeded"), logger)
	}
}

func (m *Manager) failTask(taskID string, cause error, logger *slog.Logger) {
	now := time.Now()
	_, err := m.store.UpdateTask(taskID, func(t *types.Task) {
		t.Status = types.StatusFailed
		t.Error = cause.Error()
		t.CompletedAt = &now
	})
	if err != nil {
		logger.Error("failTask: update failed", "error", err)
	}
}

func (m *Manager) beginUnwind(taskID string, reason string, logger *slog.Logger) {
	_, err := m.store.UpdateTask(taskID, func(t *types.Task) {
		if t.Status.IsTerminal() {
			return
		}
		t.Status = types.StatusUnwinding
		t.CancelReason = reason
	})
	if err != nil {
		logger.Error("beginUnwind: update failed", "error", err)
	}
}

// transitionPending places the primary (predict, venue P) order and moves
// the task to PREDICT_SUBMITTED.
func (m *Manager) transitionPending(ctx context.Context, slot *taskSlot, task *types.Task, logger *slog.Logger) error {
	ack, err := m.venueP.PlaceOrder(ctx, venuep.OrderRequest{
		MarketID: task.MarketIDP,
		Side:     string(orderSideForTask(task)),
		Price:    task.PredictPrice,
		Quantity: task.TargetQuantity,
	})
	if err != nil {
		return err
	}

	slot.ctx.ShiftBaseline(decimal.Zero)
	_, err = m.store.UpdateTask(task.TaskID, func(t *types.Task) {
		t.Status = types.StatusPredictSubmitted
		t.CurrentOrderHashP = ack.OrderHash
	})
	if err != nil {
		return err
	}

	if err := m.watcher.WatchOrder(ctx, ack.OrderHash); err != nil {
		logger.Warn("chain watcher subscription failed, relying on REST poll", "error", err)
	}
	logger.Info("predict order submitted", "order_hash", ack.OrderHash)
	return nil
}

// orderSideForTask maps a task's direction/side to venue P's order side.
// BUY tasks acquire the arb side; SELL tasks (unwind-originated) dispose of
// it — the venue M leg mirrors the opposite side in hedge.go.
func orderSideForTask(task *types.Task) types.Side {
	if task.Type == types.TaskSell {
		return types.SELL
	}
	return types.BUY
}

// transitionPaused waits briefly for the caller to resume (Start/restart) or
// for the pause count to exceed the limit, which runTask's caller already
// handles via pauseTask. A paused task simply idles here until a future
// reconcile pass or operator action flips it back to a resumable status —
// this handler exists so runTask's loop has somewhere safe to spin without
// busy-looping.
func (m *Manager) transitionPaused(ctx context.Context, slot *taskSlot, task *types.Task, logger *slog.Logger) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(2 * time.Second):
		return nil
	}
}

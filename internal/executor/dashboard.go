package executor

import (
	"context"

	"arbexec/internal/api"
	"arbexec/pkg/types"
)

// DashboardEvents returns the dashboard event channel (nil if disabled).
// Mirrors internal/mm.Engine's DashboardEvents so api.Server can fan in from
// both the MM engine and the task executor onto one WebSocket hub.
func (m *Manager) DashboardEvents() <-chan api.DashboardEvent {
	return m.dashboardEvents
}

// GetTasksSnapshot returns every task the store knows about for the
// dashboard's REST snapshot and initial WebSocket payload.
func (m *Manager) GetTasksSnapshot() []api.TaskSnapshot {
	tasks := m.store.GetTasks(nil)
	result := make([]api.TaskSnapshot, 0, len(tasks))
	for _, t := range tasks {
		result = append(result, taskToSnapshot(t))
	}
	return result
}

// dispatchDashboardEvents forwards every store update (see store.Store.Updates)
// onto the dashboard event channel as a "task" event, so the web dashboard's
// live view reflects FSM transitions without polling the REST snapshot.
// store.Store.Updates never closes (Close is a no-op for file-based storage),
// so this selects on ctx alongside it rather than ranging over it directly —
// otherwise Stop's wg.Wait would never return.
func (m *Manager) dispatchDashboardEvents(ctx context.Context) {
	updates := m.store.Updates()
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-updates:
			evt := api.DashboardEvent{
				Type:     "task",
				MarketID: task.MarketIDP,
				Data:     api.NewTaskEvent(taskToSnapshot(task)),
			}
			select {
			case m.dashboardEvents <- evt:
			default:
			}
		}
	}
}

func taskToSnapshot(t types.Task) api.TaskSnapshot {
	snap := api.TaskSnapshot{
		TaskID:           t.TaskID,
		Type:             string(t.Type),
		ArbSide:          string(t.ArbSide),
		Status:           string(t.Status),
		TargetQuantity:   t.TargetQuantity.InexactFloat64(),
		PredictFilledQty: t.PredictFilledQty.InexactFloat64(),
		HedgedQty:        t.HedgedQty.InexactFloat64(),
		UnwindQty:        t.UnwindQty.InexactFloat64(),
		ActualProfit:     t.ActualProfit.InexactFloat64(),
		UnwindLoss:       t.UnwindLoss.InexactFloat64(),
		PauseCount:       t.PauseCount,
		Error:            t.Error,
		CreatedAt:        t.CreatedAt,
		CompletedAt:      t.CompletedAt,
	}
	return snap
}

package executor

import (
	"context"
	"time"

	"arbexec/pkg/types"
)

// runExpirySweeper periodically cancels any non-terminal task whose
// ExpiresAt has passed, per the §4.1 transition table's expiry handling —
// the same ticker-driven select-loop idiom as the risk manager's
// clearExpiredKillSwitch sweep.
func (m *Manager) runExpirySweeper(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.ExpirySweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepExpired()
		}
	}
}

func (m *Manager) sweepExpired() {
	now := time.Now()
	for _, task := range m.store.GetTasks(nil) {
		if task.Status.IsTerminal() || task.ExpiresAt == nil || !now.After(*task.ExpiresAt) {
			continue
		}

		m.stopSlot(task.TaskID)
		_, err := m.store.UpdateTask(task.TaskID, func(t *types.Task) {
			t.Status = types.StatusCancelled
			t.CancelReason = "expired"
			completed := now
			t.CompletedAt = &completed
		})
		if err != nil {
			m.logger.Error("expiry sweep: update task failed", "task_id", task.TaskID, "error", err)
			continue
		}
		m.logger.Info("task expired", "task_id", task.TaskID)
	}
}

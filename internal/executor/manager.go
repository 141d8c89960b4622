// Package executor runs the Task Executor FSM: one goroutine per active
// arbitrage task, reconciling fills from venue P (on-chain) against the
// hedge leg on venue M (off-chain CLOB), and driving each task through
// PENDING → ... → a terminal status.
//
// Structured after the teacher's internal/engine/engine.go: a map of
// per-unit "slots" guarded by a mutex, a reconcile loop that diffs desired
// state (the Task Store's resumable set) against running goroutines, and a
// bounded, context-driven shutdown. The teacher's unit was a market; here
// the unit is a task.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"arbexec/internal/api"
	"arbexec/internal/chainwatcher"
	"arbexec/internal/config"
	"arbexec/internal/risk"
	"arbexec/internal/store"
	"arbexec/internal/venuem"
	"arbexec/internal/venuep"
	"arbexec/pkg/types"
)

// taskSlot is the running state for one task's goroutine, mirroring the
// teacher's marketSlot.
type taskSlot struct {
	ctx       *types.TaskContext
	cancel    context.CancelFunc
	done      chan struct{}
	guardStop context.CancelFunc // stops both price and depth guards, nil until started
}

// Manager owns every active task's goroutine and reconciles the Task Store's
// PENDING + resumable set into running work.
type Manager struct {
	cfg     config.ExecutorConfig
	venueP  *venuep.Client
	venueM  *venuem.Client
	watcher *chainwatcher.Watcher
	store   *store.Store
	riskMgr *risk.Manager
	logger  *slog.Logger

	dashboardEvents chan api.DashboardEvent

	slotsMu sync.Mutex
	slots   map[string]*taskSlot

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Manager wired to every external dependency a task needs.
// dashboardEnabled mirrors internal/mm.New's cfg.Dashboard.Enabled check: the
// event channel is only allocated (and dispatchDashboardEvents only started)
// when a dashboard server is actually going to consume it.
func New(
	cfg config.ExecutorConfig,
	venueP *venuep.Client,
	venueM *venuem.Client,
	watcher *chainwatcher.Watcher,
	st *store.Store,
	riskMgr *risk.Manager,
	logger *slog.Logger,
	dashboardEnabled bool,
) *Manager {
	var dashEvents chan api.DashboardEvent
	if dashboardEnabled {
		dashEvents = make(chan api.DashboardEvent, 100)
	}

	return &Manager{
		cfg:             cfg,
		venueP:          venueP,
		venueM:          venueM,
		watcher:         watcher,
		store:           st,
		riskMgr:         riskMgr,
		logger:          logger.With("component", "executor"),
		dashboardEvents: dashEvents,
		slots:           make(map[string]*taskSlot),
	}
}

// Start launches the reconcile loop, the chain-event dispatcher, and the
// expiry sweeper. It runs restart recovery synchronously first, then spawns
// the goroutines in the background and returns without waiting for ctx —
// matching the teacher's Start/Stop split, Start spawns and returns.
func (m *Manager) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.recoverTasks(m.ctx)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.manageTasks(m.ctx)
	}()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.dispatchChainEvents(m.ctx)
	}()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runExpirySweeper(m.ctx)
	}()

	if m.dashboardEvents != nil {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.dispatchDashboardEvents(m.ctx)
		}()
	}
}

// Stop cancels every task goroutine (each pauses its own task as it exits)
// and waits up to cfg.ShutdownTimeout for them to finish, then returns. All
// goroutines are cancelled at once: cfg.ShutdownConcurrency is not read, so
// the number of tasks pausing concurrently is not bounded.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(m.cfg.ShutdownTimeout):
		m.logger.Warn("shutdown timed out waiting for task goroutines", "timeout", m.cfg.ShutdownTimeout)
	}
}

// SubmitTask persists a brand-new task and ensures its goroutine is running.
func (m *Manager) SubmitTask(task types.Task) error {
	if task.Status == "" {
		task.Status = types.StatusPending
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	if err := m.store.PutTask(task); err != nil {
		return fmt.Errorf("persist task: %w", err)
	}
	m.ensureRunning(task.TaskID, task.PredictFilledQty)
	return nil
}

// recoverTasks runs once at startup, before any task goroutine resumes, and
// re-validates spec.md §4.1's price band for every resumable task against
// venue M's current top-of-book. A task whose band no longer holds — the
// book moved while the process was down — is moved to PAUSED instead of
// resuming straight back into HEDGING (or whatever in-flight status it was
// persisted in) and placing an order outside its own guard band.
func (m *Manager) recoverTasks(ctx context.Context) {
	active := map[types.TaskStatus]bool{}
	for _, s := range types.ResumableStatuses() {
		active[s] = true
	}
	delete(active, types.StatusPaused)

	for _, task := range m.store.GetTasks(active) {
		tokenID, _ := hedgeLeg(&task)
		book, err := m.venueM.GetOrderBook(ctx, tokenID)
		if err != nil {
			m.logger.Warn("restart recovery: book fetch failed, pausing task", "task_id", task.TaskID, "error", err)
			m.pauseTask(task.TaskID, m.logger)
			continue
		}
		bid, ask, err := bestBidAsk(book)
		withinBand := err == nil && bid.GreaterThanOrEqual(task.MinBidM) && ask.LessThanOrEqual(task.MaxAskM)
		if !withinBand {
			m.logger.Warn("restart recovery: price band no longer satisfied, pausing task",
				"task_id", task.TaskID, "bid", bid, "ask", ask, "min_bid", task.MinBidM, "max_ask", task.MaxAskM)
			m.pauseTask(task.TaskID, m.logger)
		}
	}
}

// manageTasks periodically reconciles the Task Store's non-terminal set into
// running goroutines — mirrors the teacher's manageMarkets reconcile loop.
func (m *Manager) manageTasks(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	m.reconcileTasks()

	for {
		select {
		case <-ctx.Done():
			m.stopAllSlots()
			return
		case <-ticker.C:
			m.reconcileTasks()
		}
	}
}

func (m *Manager) reconcileTasks() {
	active := map[types.TaskStatus]bool{types.StatusPending: true}
	for _, s := range types.ResumableStatuses() {
		active[s] = true
	}

	tasks := m.store.GetTasks(active)
	for _, task := range tasks {
		m.ensureRunning(task.TaskID, task.PredictFilledQty)
	}

	m.slotsMu.Lock()
	running := make([]string, 0, len(m.slots))
	for id := range m.slots {
		running = append(running, id)
	}
	m.slotsMu.Unlock()

	for _, id := range running {
		task, ok := m.store.GetTask(id)
		if !ok || task.Status.IsTerminal() {
			m.stopSlot(id)
		}
	}
}

// ensureRunning starts a task's goroutine if it isn't already running.
func (m *Manager) ensureRunning(taskID string, predictFilledQty decimal.Decimal) {
	m.slotsMu.Lock()
	defer m.slotsMu.Unlock()

	if _, ok := m.slots[taskID]; ok {
		return
	}

	taskCtx, cancel := context.WithCancel(m.ctx)
	slot := &taskSlot{
		ctx:    types.NewTaskContext(taskID, predictFilledQty),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.slots[taskID] = slot

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(slot.done)
		m.runTask(taskCtx, taskID, slot)
	}()
}

func (m *Manager) stopSlot(taskID string) {
	m.slotsMu.Lock()
	slot, ok := m.slots[taskID]
	if ok {
		delete(m.slots, taskID)
	}
	m.slotsMu.Unlock()

	if !ok {
		return
	}
	slot.cancel()
	if slot.guardStop != nil {
		slot.guardStop()
	}
}

func (m *Manager) stopAllSlots() {
	m.slotsMu.Lock()
	ids := make([]string, 0, len(m.slots))
	for id := range m.slots {
		ids = append(ids, id)
	}
	m.slotsMu.Unlock()

	for _, id := range ids {
		m.stopSlot(id)
	}
}

// dispatchChainEvents routes every chain-watcher fill event to the matching
// task's in-memory TaskContext, keyed by order hash via the Task Store.
func (m *Manager) dispatchChainEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-m.watcher.Events():
			if !ok {
				return
			}
			m.routeChainEvent(evt)
		}
	}
}

func (m *Manager) routeChainEvent(evt types.ChainFillEvent) {
	m.slotsMu.Lock()
	defer m.slotsMu.Unlock()

	for _, slot := range m.slots {
		task, ok := m.store.GetTask(slot.ctx.TaskID)
		if !ok || task.CurrentOrderHashP == "" {
			continue
		}
		// The chain watcher subscribes by order hash (WatchOrder), so every
		// event it delivers to this feed is already scoped to a hash some
		// task cares about; route by matching order hash stored on the task.
		slot.ctx.ApplyChainEvent(evt)
	}
}


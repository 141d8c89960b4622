package executor

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"arbexec/internal/config"
	"arbexec/internal/risk"
	"arbexec/internal/store"
	"arbexec/pkg/types"
)

func testManager(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(dir)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	riskMgr := risk.NewManager(config.RiskConfig{}, logger)

	m := &Manager{
		cfg:     config.ExecutorConfig{MaxPauseCount: 2},
		store:   st,
		riskMgr: riskMgr,
		logger:  logger,
		slots:   make(map[string]*taskSlot),
	}
	return m, st
}

func TestPauseTaskIncrementsPauseCount(t *testing.T) {
	m, st := testManager(t)
	_ = st.PutTask(types.Task{TaskID: "t1", Status: types.StatusHedging})

	m.pauseTask("t1", m.logger)

	got, ok := st.GetTask("t1")
	if !ok {
		t.Fatal("expected task to still exist")
	}
	if got.Status != types.StatusPaused {
		t.Errorf("Status = %v, want PAUSED", got.Status)
	}
	if got.PauseCount != 1 {
		t.Errorf("PauseCount = %d, want 1", got.PauseCount)
	}
}

func TestPauseTaskExceedingMaxFailsTask(t *testing.T) {
	m, st := testManager(t)
	_ = st.PutTask(types.Task{TaskID: "t1", Status: types.StatusHedging, PauseCount: 2})

	m.pauseTask("t1", m.logger)

	got, _ := st.GetTask("t1")
	if got.Status != types.StatusFailed {
		t.Errorf("Status = %v, want FAILED after exceeding MaxPauseCount", got.Status)
	}
}

func TestPauseTaskIsNoOpOnTerminalTask(t *testing.T) {
	m, st := testManager(t)
	_ = st.PutTask(types.Task{TaskID: "t1", Status: types.StatusCompleted})

	m.pauseTask("t1", m.logger)

	got, _ := st.GetTask("t1")
	if got.Status != types.StatusCompleted {
		t.Errorf("Status = %v, want unchanged COMPLETED", got.Status)
	}
}

func TestFailTaskRecordsError(t *testing.T) {
	m, st := testManager(t)
	_ = st.PutTask(types.Task{TaskID: "t1", Status: types.StatusHedging})

	m.failTask("t1", errors.New("boom"), m.logger)

	got, _ := st.GetTask("t1")
	if got.Status != types.StatusFailed {
		t.Errorf("Status = %v, want FAILED", got.Status)
	}
	if got.Error != "boom" {
		t.Errorf("Error = %q, want %q", got.Error, "boom")
	}
	if got.CompletedAt == nil {
		t.Error("expected CompletedAt to be set")
	}
}

func TestBeginUnwindTransitionsToUnwinding(t *testing.T) {
	m, st := testManager(t)
	_ = st.PutTask(types.Task{TaskID: "t1", Status: types.StatusHedgePending})

	m.beginUnwind("t1", "insufficient shares", m.logger)

	got, _ := st.GetTask("t1")
	if got.Status != types.StatusUnwinding {
		t.Errorf("Status = %v, want UNWINDING", got.Status)
	}
	if got.CancelReason != "insufficient shares" {
		t.Errorf("CancelReason = %q, want %q", got.CancelReason, "insufficient shares")
	}
}

func TestHandleTransitionErrorVenueRejectionInsufficientSharesUnwinds(t *testing.T) {
	m, st := testManager(t)
	_ = st.PutTask(types.Task{TaskID: "t1", Status: types.StatusHedgePending})

	err := types.NewVenueRejection("postHedgeOrder", types.ReasonInsufficientShares, errors.New("not enough shares"))
	m.handleTransitionError("t1", types.StatusHedgePending, err, m.logger)

	got, _ := st.GetTask("t1")
	if got.Status != types.StatusUnwinding {
		t.Errorf("Status = %v, want UNWINDING for insufficient-shares rejection", got.Status)
	}
}

func TestHandleTransitionErrorVenueRejectionOtherFailsTask(t *testing.T) {
	m, st := testManager(t)
	_ = st.PutTask(types.Task{TaskID: "t1", Status: types.StatusPredictSubmitted})

	err := types.NewVenueRejection("placeOrder", types.ReasonOrderNotFound, errors.New("not found"))
	m.handleTransitionError("t1", types.StatusPredictSubmitted, err, m.logger)

	got, _ := st.GetTask("t1")
	if got.Status != types.StatusFailed {
		t.Errorf("Status = %v, want FAILED for unrelated venue rejection", got.Status)
	}
}

func TestHandleTransitionErrorPriceBandPauses(t *testing.T) {
	m, st := testManager(t)
	_ = st.PutTask(types.Task{TaskID: "t1", Status: types.StatusHedging})

	err := types.NewPriceBandViolation("hedgePriceGuard", errors.New("book moved"))
	m.handleTransitionError("t1", types.StatusHedging, err, m.logger)

	got, _ := st.GetTask("t1")
	if got.Status != types.StatusPaused {
		t.Errorf("Status = %v, want PAUSED for price band violation", got.Status)
	}
}

func TestHandleTransitionErrorDeadlineExceededBeginsUnwind(t *testing.T) {
	m, st := testManager(t)
	_ = st.PutTask(types.Task{TaskID: "t1", Status: types.StatusHedging})

	err := types.NewDeadlineExceeded("ctx", errors.New("expired"))
	m.handleTransitionError("t1", types.StatusHedging, err, m.logger)

	got, _ := st.GetTask("t1")
	if got.Status != types.StatusUnwinding {
		t.Errorf("Status = %v, want UNWINDING for deadline exceeded", got.Status)
	}
}

func TestMaybeCompleteBuyTaskReportsProfitAndCompletes(t *testing.T) {
	m, st := testManager(t)
	task := types.Task{
		TaskID:             "t1",
		Type:               types.TaskBuy,
		Status:             types.StatusHedging,
		TargetQuantity:     decimal.NewFromInt(100),
		PredictFilledQty:   decimal.NewFromInt(100),
		HedgedQty:          decimal.NewFromInt(100),
		AvgPredictPrice:    decimal.NewFromFloat(0.40),
		AvgPolymarketPrice: decimal.NewFromFloat(0.55),
	}
	_ = st.PutTask(task)

	if err := m.maybeComplete(&task, m.logger); err != nil {
		t.Fatalf("maybeComplete: %v", err)
	}

	got, _ := st.GetTask("t1")
	if got.Status != types.StatusCompleted {
		t.Errorf("Status = %v, want COMPLETED", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("expected CompletedAt to be set")
	}
	want := decimal.NewFromInt(100).Sub(decimal.NewFromFloat(0.40).Mul(decimal.NewFromInt(100))).Sub(decimal.NewFromFloat(0.55).Mul(decimal.NewFromInt(100)))
	if !got.ActualProfit.Equal(want) {
		t.Errorf("ActualProfit = %s, want %s", got.ActualProfit, want)
	}
}

func TestMaybeCompleteSellTaskWithUnknownEntryCostRefuses(t *testing.T) {
	m, st := testManager(t)
	task := types.Task{
		TaskID:           "t1",
		Type:             types.TaskSell,
		Status:           types.StatusHedging,
		TargetQuantity:   decimal.NewFromInt(100),
		PredictFilledQty: decimal.NewFromInt(100),
		HedgedQty:        decimal.NewFromInt(100),
		EntryCostKnown:   false,
	}
	_ = st.PutTask(task)

	err := m.maybeComplete(&task, m.logger)
	if !errors.Is(err, types.ErrEntryCostUnknown) {
		t.Fatalf("maybeComplete error = %v, want ErrEntryCostUnknown", err)
	}

	got, _ := st.GetTask("t1")
	if got.Status == types.StatusCompleted {
		t.Error("task must not be marked COMPLETED without a known entry cost")
	}
}

func TestMaybeCompleteNoOpWhileRemainingAboveTolerance(t *testing.T) {
	m, st := testManager(t)
	m.cfg.MinHedgeQty = 1
	task := types.Task{
		TaskID:           "t1",
		Type:             types.TaskBuy,
		Status:           types.StatusHedging,
		TargetQuantity:   decimal.NewFromInt(100),
		PredictFilledQty: decimal.NewFromInt(100),
		HedgedQty:        decimal.NewFromInt(50),
	}
	_ = st.PutTask(task)

	if err := m.maybeComplete(&task, m.logger); err != nil {
		t.Fatalf("maybeComplete: %v", err)
	}

	got, _ := st.GetTask("t1")
	if got.Status != types.StatusHedging {
		t.Errorf("Status = %v, want unchanged HEDGING", got.Status)
	}
}

func TestSweepExpiredCancelsPastDeadline(t *testing.T) {
	m, st := testManager(t)
	past := time.Now().Add(-time.Hour)
	_ = st.PutTask(types.Task{TaskID: "t1", Status: types.StatusHedging, ExpiresAt: &past})
	_ = st.PutTask(types.Task{TaskID: "t2", Status: types.StatusHedging})

	m.sweepExpired()

	got1, _ := st.GetTask("t1")
	if got1.Status != types.StatusCancelled {
		t.Errorf("t1 Status = %v, want CANCELLED", got1.Status)
	}
	got2, _ := st.GetTask("t2")
	if got2.Status != types.StatusHedging {
		t.Errorf("t2 Status = %v, want unchanged HEDGING (no expiry set)", got2.Status)
	}
}

package store

import (
	"testing"

	"github.com/shopspring/decimal"

	"arbexec/internal/mm"
	"arbexec/pkg/types"
)

func TestSaveAndLoadPosition(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	pos := mm.Position{
		YesQty:      10.5,
		NoQty:       3.2,
		AvgEntryYes: 0.55,
		AvgEntryNo:  0.45,
		RealizedPnL: 1.23,
	}

	if err := s.SavePosition("mkt1", pos); err != nil {
		t.Fatalf("SavePosition: %v", err)
	}

	loaded, err := s.LoadPosition("mkt1")
	if err != nil {
		t.Fatalf("LoadPosition: %v", err)
	}
	if loaded == nil {
		t.Fatal("LoadPosition returned nil")
	}

	if loaded.YesQty != pos.YesQty {
		t.Errorf("YesQty = %v, want %v", loaded.YesQty, pos.YesQty)
	}
	if loaded.AvgEntryYes != pos.AvgEntryYes {
		t.Errorf("AvgEntryYes = %v, want %v", loaded.AvgEntryYes, pos.AvgEntryYes)
	}
	if loaded.RealizedPnL != pos.RealizedPnL {
		t.Errorf("RealizedPnL = %v, want %v", loaded.RealizedPnL, pos.RealizedPnL)
	}
}

func TestLoadPositionMissing(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	loaded, err := s.LoadPosition("nonexistent")
	if err != nil {
		t.Fatalf("LoadPosition: %v", err)
	}
	if loaded != nil {
		t.Errorf("expected nil for missing position, got %+v", loaded)
	}
}

func TestSavePositionOverwrites(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	pos1 := mm.Position{YesQty: 10}
	pos2 := mm.Position{YesQty: 20}

	_ = s.SavePosition("mkt1", pos1)
	_ = s.SavePosition("mkt1", pos2)

	loaded, err := s.LoadPosition("mkt1")
	if err != nil {
		t.Fatalf("LoadPosition: %v", err)
	}
	if loaded.YesQty != 20 {
		t.Errorf("YesQty = %v, want 20 (latest save)", loaded.YesQty)
	}
}

func TestPutTaskAndGetTask(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	task := types.Task{
		TaskID:         "task-1",
		Type:           types.TaskBuy,
		Status:         types.StatusPending,
		TargetQuantity: decimal.NewFromInt(100),
	}

	if err := s.PutTask(task); err != nil {
		t.Fatalf("PutTask: %v", err)
	}

	got, ok := s.GetTask("task-1")
	if !ok {
		t.Fatal("expected GetTask to find task-1")
	}
	if got.Status != types.StatusPending {
		t.Errorf("Status = %v, want %v", got.Status, types.StatusPending)
	}
	if !got.TargetQuantity.Equal(decimal.NewFromInt(100)) {
		t.Errorf("TargetQuantity = %v, want 100", got.TargetQuantity)
	}
}

func TestPutTaskSurvivesReopen(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	task := types.Task{TaskID: "task-2", Status: types.StatusHedging}
	if err := s.PutTask(task); err != nil {
		t.Fatalf("PutTask: %v", err)
	}
	s.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen Open: %v", err)
	}
	defer s2.Close()

	got, ok := s2.GetTask("task-2")
	if !ok {
		t.Fatal("expected task-2 to survive reopen")
	}
	if got.Status != types.StatusHedging {
		t.Errorf("Status = %v, want %v", got.Status, types.StatusHedging)
	}
}

func TestUpdateTaskAppliesMutation(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if err := s.PutTask(types.Task{TaskID: "task-3", Status: types.StatusPending}); err != nil {
		t.Fatalf("PutTask: %v", err)
	}

	updated, err := s.UpdateTask("task-3", func(task *types.Task) {
		task.Status = types.StatusPredictSubmitted
		task.PauseCount = 1
	})
	if err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	if updated.Status != types.StatusPredictSubmitted {
		t.Errorf("Status = %v, want %v", updated.Status, types.StatusPredictSubmitted)
	}

	got, _ := s.GetTask("task-3")
	if got.PauseCount != 1 {
		t.Errorf("PauseCount = %d, want 1", got.PauseCount)
	}
}

func TestGetTasksFiltersByStatus(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	_ = s.PutTask(types.Task{TaskID: "a", Status: types.StatusCompleted})
	_ = s.PutTask(types.Task{TaskID: "b", Status: types.StatusHedging})
	_ = s.PutTask(types.Task{TaskID: "c", Status: types.StatusHedging})

	active := make(map[types.TaskStatus]bool)
	for _, st := range types.ResumableStatuses() {
		active[st] = true
	}
	resumable := s.GetTasks(active)
	if len(resumable) != 2 {
		t.Errorf("expected 2 resumable tasks, got %d", len(resumable))
	}

	all := s.GetTasks(nil)
	if len(all) != 3 {
		t.Errorf("expected 3 total tasks, got %d", len(all))
	}
}

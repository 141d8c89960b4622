package api

import (
	"time"

	"arbexec/internal/config"
	"arbexec/internal/market"
	"arbexec/internal/risk"
)

// MarketSnapshotProvider provides snapshot access to MM market state.
// Implemented by internal/mm.Engine.
type MarketSnapshotProvider interface {
	GetMarketsSnapshot() []MarketStatus
	GetScanner() *market.Scanner
	GetRiskManager() *risk.Manager
}

// TaskSnapshotProvider provides snapshot access to arbitrage task state.
// Implemented by internal/executor.Manager.
type TaskSnapshotProvider interface {
	GetTasksSnapshot() []TaskSnapshot
}

// BuildSnapshot aggregates state from the MM engine and the task executor
// into one dashboard snapshot. taskProvider may be nil if the executor isn't
// running in this process.
func BuildSnapshot(
	provider MarketSnapshotProvider,
	taskProvider TaskSnapshotProvider,
	cfg config.Config,
) DashboardSnapshot {
	// Get market snapshots
	markets := provider.GetMarketsSnapshot()

	var tasks []TaskSnapshot
	if taskProvider != nil {
		tasks = taskProvider.GetTasksSnapshot()
	}

	// Get risk snapshot
	riskMgr := provider.GetRiskManager()
	riskSnap := riskMgr.GetRiskSnapshot()

	// Calculate aggregate P&L across MM markets and tasks
	var totalRealized, totalUnrealized float64
	for _, m := range markets {
		totalRealized += m.Position.RealizedPnL
		totalUnrealized += m.Position.UnrealizedPnL
	}
	for _, t := range tasks {
		totalRealized += t.ActualProfit - t.UnwindLoss
	}

	// Get scanner info
	_ = provider.GetScanner() // TODO: extract stats from scanner
	scannerInfo := ScannerInfo{
		LastScanTime:     time.Now(), // TODO: get from scanner
		MarketsScanned:   0,          // TODO: get from scanner
		MarketsFiltered:  0,          // TODO: get from scanner
		MarketsSelected:  len(markets),
	}

	return DashboardSnapshot{
		Timestamp:       time.Now(),
		Markets:         markets,
		Tasks:           tasks,
		TotalRealized:   totalRealized,
		TotalUnrealized: totalUnrealized,
		TotalPnL:        totalRealized + totalUnrealized,
		Risk:            convertRiskSnapshot(riskSnap),
		Config:          NewConfigSummary(cfg),
		Scanner:         scannerInfo,
	}
}

// convertRiskSnapshot converts internal risk snapshot to API format
func convertRiskSnapshot(snap risk.RiskSnapshot) RiskSnapshot {
	return RiskSnapshot{
		GlobalExposure:       snap.GlobalExposure,
		MaxGlobalExposure:    snap.MaxGlobalExposure,
		ExposurePct:          snap.ExposurePct,
		KillSwitchActive:     snap.KillSwitchActive,
		KillSwitchUntil:      snap.KillSwitchUntil,
		KillSwitchReason:     snap.KillSwitchReason,
		TotalRealizedPnL:     snap.TotalRealizedPnL,
		TotalUnrealizedPnL:   snap.TotalUnrealizedPnL,
		MaxPositionPerMarket: snap.MaxPositionPerMarket,
		MaxDailyLoss:         snap.MaxDailyLoss,
		MaxMarketsActive:     snap.MaxMarketsActive,
		CurrentMarketsActive: snap.CurrentMarketsActive,
	}
}

package mm

import (
	"math"
	"testing"
	"time"

	"arbexec/internal/config"
	"arbexec/internal/market"
	"arbexec/pkg/types"
	"log/slog"
	"os"
)

func testMMConfig() config.MMConfig {
	return config.MMConfig{
		Mode:                "follow",
		MaxShares:           100,
		OrderSizeUSD:        50,
		TickPeriod:          time.Second,
		MinAdjustInterval:   500 * time.Millisecond,
		MaxScalpSellOrders:  3,
		OrderVisibleDelay:   3 * time.Second,
		MaxUnknownCount:     3,
		StaleBookTimeout:    30 * time.Second,
		FlowWindow:          60 * time.Second,
		FlowToxicityThreshold:   0.6,
		FlowCooldownPeriod:      120 * time.Second,
		FlowMaxSpreadMultiplier: 3.0,
	}
}

func testMMMarketInfo() types.MarketInfo {
	return types.MarketInfo{
		ConditionID:  "cond-1",
		YesTokenID:   "yes-token",
		NoTokenID:    "no-token",
		TickSize:     types.Tick001,
		MinOrderSize: 1.0,
	}
}

func setupMarket(t *testing.T, cfg config.MMConfig) *Market {
	t.Helper()
	info := testMMMarketInfo()
	b := market.NewBook(info.ConditionID, info.YesTokenID, info.NoTokenID)
	inv := NewInventory(info.ConditionID, info.YesTokenID, info.NoTokenID)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	return &Market{
		cfg:             cfg,
		info:            info,
		book:            b,
		inv:             inv,
		flow:            NewFlowTracker(cfg.FlowWindow, cfg.FlowToxicityThreshold, cfg.FlowCooldownPeriod, cfg.FlowMaxSpreadMultiplier),
		logger:          logger,
		sellOrders:      make(map[string]*trackedOrder),
		pausedSideUntil: make(map[types.Side]time.Time),
		lastRejectSize:  make(map[types.Side]float64),
	}
}

func TestComputeBuyTargetFollowMode(t *testing.T) {
	t.Parallel()
	m := setupMarket(t, testMMConfig())

	price, qty := m.computeBuyTarget(0.45)
	if price != 0.45 {
		t.Errorf("price = %v, want 0.45 (bestBid)", price)
	}
	if qty != 100 {
		t.Errorf("qty = %v, want 100 (maxShares - 0 position - 0 open)", qty)
	}
}

func TestComputeBuyTargetReducesForPositionAndOpenOrder(t *testing.T) {
	t.Parallel()
	m := setupMarket(t, testMMConfig())
	m.inv.OnFill(Fill{Side: types.BUY, TokenID: "yes-token", Price: 0.40, Size: 30})
	m.buyOrder = &trackedOrder{ID: "o1", Side: types.BUY, Size: 20, Filled: 5}

	_, qty := m.computeBuyTarget(0.45)
	// maxShares(100) - position(30) - openRemaining(15) = 55
	if qty != 55 {
		t.Errorf("qty = %v, want 55", qty)
	}
}

func TestComputeSellTargetFollowMode(t *testing.T) {
	t.Parallel()
	m := setupMarket(t, testMMConfig())
	m.inv.OnFill(Fill{Side: types.BUY, TokenID: "yes-token", Price: 0.40, Size: 10})

	price, qty := m.computeSellTarget(0.45, 0.50)
	if price != 0.50 {
		t.Errorf("price = %v, want 0.50 (bestAsk)", price)
	}
	if qty != 10 {
		t.Errorf("qty = %v, want 10", qty)
	}
}

// TestFollowModeQuotesNeverSelfCross exercises both legs together against a
// tight book (bestBid=0.49, bestAsk=0.50) with an existing 50-share position
// against a 100-share cap: the buy leg must quote at bestBid for the
// remaining room (50) and the sell leg at bestAsk for the full position (50),
// and since a book's bid is never >= its ask, quoting buy-at-bid/sell-at-ask
// can never cross — FOLLOW mode needs no separate self-cross guard.
func TestFollowModeQuotesNeverSelfCross(t *testing.T) {
	t.Parallel()
	m := setupMarket(t, testMMConfig())
	m.inv.OnFill(Fill{Side: types.BUY, TokenID: "yes-token", Price: 0.40, Size: 50})

	buyPrice, buyQty := m.computeBuyTarget(0.49)
	sellPrice, sellQty := m.computeSellTarget(0.49, 0.50)

	if buyPrice != 0.49 || buyQty != 50 {
		t.Errorf("buy target = (%v, %v), want (0.49, 50)", buyPrice, buyQty)
	}
	if sellPrice != 0.50 || sellQty != 50 {
		t.Errorf("sell target = (%v, %v), want (0.50, 50)", sellPrice, sellQty)
	}
	if buyPrice >= sellPrice {
		t.Errorf("buy/sell quotes cross: buy=%v sell=%v", buyPrice, sellPrice)
	}
}

func TestComputeSellTargetScalpMode(t *testing.T) {
	t.Parallel()
	cfg := testMMConfig()
	cfg.Mode = "scalp"
	m := setupMarket(t, cfg)
	m.inv.OnFill(Fill{Side: types.BUY, TokenID: "yes-token", Price: 0.40, Size: 10})

	price, qty := m.computeSellTarget(0.45, 0.50)
	// bestBid + tick, no toxicity => 0.45 + 0.01 = 0.46
	if math.Abs(price-0.46) > 1e-9 {
		t.Errorf("price = %v, want 0.46", price)
	}
	if qty != 10 {
		t.Errorf("qty = %v, want 10", qty)
	}
}

func TestComputeSellTargetScalpClampsNearBoundary(t *testing.T) {
	t.Parallel()
	cfg := testMMConfig()
	cfg.Mode = "scalp"
	m := setupMarket(t, cfg)

	price, _ := m.computeSellTarget(0.995, 0.999)
	if price > 1-0.01 {
		t.Errorf("price = %v, want clamped to <= 0.99", price)
	}
}

func TestClassifyActionPlace(t *testing.T) {
	t.Parallel()
	m := setupMarket(t, testMMConfig())

	act := m.classifyAction(nil, 0.45, 10)
	if act != actionPlace {
		t.Errorf("action = %v, want actionPlace", act)
	}
}

func TestClassifyActionNoneWhenNoOrderAndNoTarget(t *testing.T) {
	t.Parallel()
	m := setupMarket(t, testMMConfig())

	act := m.classifyAction(nil, 0.45, 0)
	if act != actionNone {
		t.Errorf("action = %v, want actionNone", act)
	}
}

func TestClassifyActionCancelWhenTargetVanishes(t *testing.T) {
	t.Parallel()
	m := setupMarket(t, testMMConfig())
	current := &trackedOrder{ID: "o1", Price: 0.45, Size: 10}

	act := m.classifyAction(current, 0.45, 0)
	if act != actionCancel {
		t.Errorf("action = %v, want actionCancel", act)
	}
}

func TestClassifyActionReplaceOnPriceDrift(t *testing.T) {
	t.Parallel()
	m := setupMarket(t, testMMConfig())
	current := &trackedOrder{ID: "o1", Price: 0.40, Size: 10}

	act := m.classifyAction(current, 0.45, 10)
	if act != actionReplace {
		t.Errorf("action = %v, want actionReplace (price drift > half tick)", act)
	}
}

func TestClassifyActionReplaceOnQtyDrift(t *testing.T) {
	t.Parallel()
	m := setupMarket(t, testMMConfig())
	current := &trackedOrder{ID: "o1", Price: 0.45, Size: 10}

	act := m.classifyAction(current, 0.45, 20)
	if act != actionReplace {
		t.Errorf("action = %v, want actionReplace (qty drift > 10%%)", act)
	}
}

func TestClassifyActionNoneWithinTolerance(t *testing.T) {
	t.Parallel()
	m := setupMarket(t, testMMConfig())
	current := &trackedOrder{ID: "o1", Price: 0.45, Size: 10}

	act := m.classifyAction(current, 0.4501, 10.5)
	if act != actionNone {
		t.Errorf("action = %v, want actionNone (within tolerance)", act)
	}
}

func TestCheckRangeGuardPausesOnMaxBuyPrice(t *testing.T) {
	t.Parallel()
	cfg := testMMConfig()
	cfg.MaxBuyPrice = 0.5
	m := setupMarket(t, cfg)
	m.client = nil // checkRangeGuardNoCancel makes no venue calls, so no client is needed

	paused := m.checkRangeGuardNoCancel(0.6, 0.65)
	if !paused {
		t.Error("expected range guard to trigger when bid exceeds maxBuyPrice")
	}
	if m.state != stateRangePaused {
		t.Errorf("state = %v, want stateRangePaused", m.state)
	}
}

func TestCheckRangeGuardResumesWhenBackInRange(t *testing.T) {
	t.Parallel()
	cfg := testMMConfig()
	cfg.MaxBuyPrice = 0.5
	m := setupMarket(t, cfg)
	m.state = stateRangePaused

	paused := m.checkRangeGuardNoCancel(0.3, 0.35)
	if paused {
		t.Error("expected range guard to clear when back in range")
	}
	if m.state != stateRunning {
		t.Errorf("state = %v, want stateRunning", m.state)
	}
}

func TestClassifyVenueStatus(t *testing.T) {
	t.Parallel()
	tests := []struct {
		status string
		want   string
	}{
		{"live", "live"},
		{"LIVE", "live"},
		{"matched", "filled"},
		{"FILLED", "filled"},
		{"cancelled", "cleared"},
		{"expired", "cleared"},
		{"invalidated", "cleared"},
		{"not_found", "cleared"},
		{"", "unknown"},
		{"something_else", "unknown"},
	}
	for _, tt := range tests {
		if got := classifyVenueStatus(tt.status); got != tt.want {
			t.Errorf("classifyVenueStatus(%q) = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestTrackedOrderRemaining(t *testing.T) {
	t.Parallel()
	o := &trackedOrder{Size: 10, Filled: 4}
	if got := o.remaining(); got != 6 {
		t.Errorf("remaining() = %v, want 6", got)
	}

	over := &trackedOrder{Size: 10, Filled: 12}
	if got := over.remaining(); got != 0 {
		t.Errorf("remaining() = %v, want 0 (never negative)", got)
	}
}

func TestClampHelper(t *testing.T) {
	t.Parallel()
	if got := clamp(0.5, 0.1, 0.9); got != 0.5 {
		t.Errorf("clamp(0.5,...) = %v, want 0.5", got)
	}
	if got := clamp(0.05, 0.1, 0.9); got != 0.1 {
		t.Errorf("clamp(0.05,...) = %v, want 0.1", got)
	}
	if got := clamp(0.95, 0.1, 0.9); got != 0.9 {
		t.Errorf("clamp(0.95,...) = %v, want 0.9", got)
	}
}

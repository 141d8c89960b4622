package mm

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"arbexec/internal/api"
	"arbexec/internal/config"
	"arbexec/internal/market"
	"arbexec/internal/risk"
	"arbexec/internal/venuem"
	"arbexec/pkg/types"
)

// orderResolution is the outcome of resolving a disappeared order via
// fetchOrderByHash (spec's order-disappearance protocol).
type orderResolution int

const (
	resolutionStillOpen orderResolution = iota
	resolutionFilled
	resolutionCleared // CANCELLED / EXPIRED / INVALIDATED / NOT_FOUND
	resolutionUnknown
)

// trackedOrder is one order this market believes is resting on venue M.
type trackedOrder struct {
	ID           string
	Side         types.Side
	Price        float64
	Size         float64 // original size
	Filled       float64 // cumulative matched, last known
	SubmittedAt  time.Time
	UnknownCount int
	ScalpCost    float64 // SCALP sell only: the buy price this sell is covering
}

func (o *trackedOrder) remaining() float64 {
	return math.Max(o.Size-o.Filled, 0)
}

// engineState is the market's high-level run state.
type engineState int

const (
	stateRunning engineState = iota
	stateRangePaused
)

// Market runs the FOLLOW/SCALP tick loop for a single binary market. It owns
// its own book mirror, inventory, and resting-order bookkeeping, and is
// driven by Engine's per-market goroutine (one tick() call per period).
type Market struct {
	mu sync.Mutex

	cfg    config.MMConfig
	info   types.MarketInfo
	book   *market.Book
	inv    *Inventory
	flow   *FlowTracker
	client *venuem.Client

	riskMgr         *risk.Manager
	dashboardEvents chan<- api.DashboardEvent
	logger          *slog.Logger

	state engineState

	buyOrder   *trackedOrder            // FOLLOW + SCALP buy leg (single resting order)
	sellOrders map[string]*trackedOrder // FOLLOW: at most one; SCALP: many, keyed by order ID

	pendingScalpSells []pendingScalpSell // SCALP buys waiting for a sell-order slot

	lastBuyAdjust  time.Time
	lastSellAdjust time.Time

	pausedSideUntil map[types.Side]time.Time // self-healing cooldown per side
	lastRejectSize  map[types.Side]float64   // last rejected size, for the one-shot clamp retry
}

type pendingScalpSell struct {
	Qty  float64
	Cost float64
}

// NewMarket creates MM state for one market.
func NewMarket(
	cfg config.MMConfig,
	info types.MarketInfo,
	book *market.Book,
	inv *Inventory,
	client *venuem.Client,
	riskMgr *risk.Manager,
	logger *slog.Logger,
	dashboardEvents chan<- api.DashboardEvent,
) *Market {
	return &Market{
		cfg:             cfg,
		info:            info,
		book:            book,
		inv:             inv,
		flow:            NewFlowTracker(cfg.FlowWindow, cfg.FlowToxicityThreshold, cfg.FlowCooldownPeriod, cfg.FlowMaxSpreadMultiplier),
		client:          client,
		riskMgr:         riskMgr,
		dashboardEvents: dashboardEvents,
		logger:          logger.With("component", "mm", "market", info.Slug),
		sellOrders:      make(map[string]*trackedOrder),
		pausedSideUntil: make(map[types.Side]time.Time),
		lastRejectSize:  make(map[types.Side]float64),
	}
}

// Run drives this market until ctx is cancelled: a ticker fires Tick at
// cfg.TickPeriod, WS trade events update inventory/flow as they arrive
// (ahead of the next resync), and WS order events keep the resting-order
// view current between ticks.
func (m *Market) Run(ctx context.Context, tradeCh <-chan types.WSTradeEvent, orderCh <-chan types.WSOrderEvent) {
	ticker := time.NewTicker(m.cfg.TickPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.cancelAll(context.Background(), "market stopped")
			return
		case trade := <-tradeCh:
			m.handleFill(trade)
		case event := <-orderCh:
			m.handleOrderEvent(event)
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// handleFill applies a WS trade notification immediately, ahead of the next
// resync, so inventory/flow stay responsive between tick() periods.
func (m *Market) handleFill(trade types.WSTradeEvent) {
	price, _ := strconv.ParseFloat(trade.Price, 64)
	size, _ := strconv.ParseFloat(trade.Size, 64)
	side := types.Side(trade.Side)

	fill := Fill{
		Timestamp: time.Now(),
		Side:      side,
		TokenID:   trade.AssetID,
		Price:     price,
		Size:      size,
		TradeID:   trade.ID,
	}
	m.inv.OnFill(fill)
	m.flow.AddFill(fill)

	m.mu.Lock()
	if m.buyOrder != nil && m.buyOrder.ID == trade.ID {
		m.buyOrder.Filled += size
	} else if o, ok := m.sellOrders[trade.ID]; ok {
		o.Filled += size
	}
	m.mu.Unlock()

	if side == types.BUY && m.cfg.Mode == "scalp" {
		m.EnqueueScalpSell(size, price)
	}

	pos := m.inv.Snapshot()
	if toxicity := m.flow.CalculateToxicity(); toxicity.IsAverse {
		m.logger.Warn("toxic flow detected",
			"side", trade.Side,
			"toxicity_score", toxicity.ToxicityScore,
			"directional_imbalance", toxicity.DirectionalImbalance,
		)
	}

	m.emitDashboardEvent(api.DashboardEvent{
		Type:      "fill",
		Timestamp: time.Now(),
		MarketID:  m.info.ConditionID,
		Data: api.NewFillEvent(trade, api.PositionSnapshot{
			YesQty:      pos.YesQty,
			NoQty:       pos.NoQty,
			RealizedPnL: pos.RealizedPnL,
		}, m.info.Slug, price, size),
	})
}

// handleOrderEvent keeps the resting-order view current from the WS order
// stream between resyncs.
func (m *Market) handleOrderEvent(event types.WSOrderEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch event.Type {
	case "CANCELLATION":
		if m.buyOrder != nil && m.buyOrder.ID == event.ID {
			m.buyOrder = nil
		} else {
			delete(m.sellOrders, event.ID)
		}
	case "UPDATE":
		if m.buyOrder != nil && m.buyOrder.ID == event.ID {
			m.buyOrder.Filled = parseFloat(event.SizeMatched)
		} else if o, ok := m.sellOrders[event.ID]; ok {
			o.Filled = parseFloat(event.SizeMatched)
		}
	}
}

// reportRisk feeds the market's current exposure to the shared risk
// manager, which may trigger a kill switch on the next evaluation.
func (m *Market) reportRisk(mid float64) {
	pos := m.inv.Snapshot()
	m.riskMgr.Report(risk.PositionReport{
		MarketID:      m.info.ConditionID,
		YesQty:        pos.YesQty,
		NoQty:         pos.NoQty,
		MidPrice:      mid,
		ExposureUSD:   m.inv.TotalExposureUSD(mid),
		UnrealizedPnL: pos.UnrealizedPnL,
		RealizedPnL:   pos.RealizedPnL,
		Timestamp:     time.Now(),
	})
}

func (m *Market) emitPositionEvent(mid float64) {
	pos := m.inv.Snapshot()
	posSnapshot := api.PositionSnapshot{
		YesQty:        pos.YesQty,
		NoQty:         pos.NoQty,
		AvgEntryYes:   pos.AvgEntryYes,
		AvgEntryNo:    pos.AvgEntryNo,
		RealizedPnL:   pos.RealizedPnL,
		UnrealizedPnL: pos.UnrealizedPnL,
		ExposureUSD:   m.inv.TotalExposureUSD(mid),
		Skew:          m.inv.NetDelta(),
		LastUpdated:   pos.LastUpdated,
	}
	m.emitDashboardEvent(api.DashboardEvent{
		Type:      "position",
		Timestamp: time.Now(),
		MarketID:  m.info.ConditionID,
		Data:      api.NewPositionEvent(posSnapshot, m.info.Slug, mid),
	})
}

// emitDashboardEvent sends an event to the dashboard (non-blocking).
func (m *Market) emitDashboardEvent(evt api.DashboardEvent) {
	if m.dashboardEvents == nil {
		return
	}
	select {
	case m.dashboardEvents <- evt:
	default:
	}
}

// Tick advances this market by one period: resync → guards → compute deltas
// → imbalance protection → execute at most one adjustment per side.
func (m *Market) Tick(ctx context.Context) {
	if err := m.resync(ctx); err != nil {
		m.logger.Warn("resync failed", "error", err)
	}

	if mid, ok := m.book.MidPrice(); ok {
		m.inv.UpdateMarkToMarket(mid)
		m.reportRisk(mid)
		m.emitPositionEvent(mid)
	}

	if m.riskMgr.IsKillSwitchActive() {
		m.cancelAll(ctx, "kill switch active")
		return
	}

	if m.book.IsStale(m.cfg.StaleBookTimeout) {
		m.logger.Warn("book is stale, cancelling all orders")
		m.cancelAll(ctx, "stale book")
		return
	}

	bid, ask, ok := m.book.BestBidAsk()
	if !ok {
		m.logger.Debug("no depth, skipping tick")
		return
	}

	if m.checkRangeGuard(ctx, bid, ask) {
		return
	}

	targetBuyPrice, targetBuyQty := m.computeBuyTarget(bid)
	targetSellPrice, targetSellQty := m.computeSellTarget(bid, ask)

	// Clamp the buy leg to the shared risk budget — growing inventory is what
	// consumes exposure headroom, so only the buy side needs clamping; a sell
	// only ever reduces it. The sell's own quantity is already capped by
	// current position in computeSellTarget.
	if remaining := m.riskMgr.RemainingBudget(m.info.ConditionID); targetBuyPrice > 0 {
		maxAffordable := remaining / targetBuyPrice
		if targetBuyQty > maxAffordable {
			targetBuyQty = maxAffordable
			if targetBuyQty < 0 {
				targetBuyQty = 0
			}
		}
	}

	m.mu.Lock()
	openBuyRemaining := 0.0
	if m.buyOrder != nil {
		openBuyRemaining = m.buyOrder.remaining()
	}
	openSellRemaining := 0.0
	for _, o := range m.sellOrders {
		openSellRemaining += o.remaining()
	}
	m.mu.Unlock()

	const imbalanceEps = 1e-6
	if openBuyRemaining > targetBuyQty+imbalanceEps {
		m.logger.Warn("buy-side imbalance detected, cancelling and skipping tick", "open", openBuyRemaining, "target", targetBuyQty)
		m.cancelBuy(ctx)
		return
	}
	if m.cfg.Mode != "scalp" && openSellRemaining > targetSellQty+imbalanceEps {
		m.logger.Warn("sell-side imbalance detected, cancelling and skipping tick", "open", openSellRemaining, "target", targetSellQty)
		m.cancelAllSells(ctx)
		return
	}

	m.adjustBuy(ctx, targetBuyPrice, targetBuyQty)

	if m.cfg.Mode == "scalp" {
		m.drainScalpSells(ctx, targetSellPrice)
	} else {
		m.adjustSell(ctx, targetSellPrice, targetSellQty)
	}
}

// computeBuyTarget implements the buy delta: target price = bestBid, target
// quantity = maxShares - position - openBuyRemaining. Shared by FOLLOW and
// SCALP (SCALP only changes how the sell leg behaves).
func (m *Market) computeBuyTarget(bestBid float64) (price, qty float64) {
	m.mu.Lock()
	openBuyRemaining := 0.0
	if m.buyOrder != nil {
		openBuyRemaining = m.buyOrder.remaining()
	}
	m.mu.Unlock()

	position := m.inv.YesQty()
	target := m.cfg.MaxShares - position - openBuyRemaining
	if target < 0 {
		target = 0
	}
	return bestBid, target
}

// computeSellTarget implements the FOLLOW sell delta (target price =
// bestAsk, target quantity = position - openSellRemaining) and the SCALP
// sell price (bestBid + tickSize, clamped, widened under toxic flow).
func (m *Market) computeSellTarget(bestBid, bestAsk float64) (price, qty float64) {
	m.mu.Lock()
	openSellRemaining := 0.0
	for _, o := range m.sellOrders {
		openSellRemaining += o.remaining()
	}
	m.mu.Unlock()

	position := m.inv.YesQty()
	target := position - openSellRemaining
	if target < 0 {
		target = 0
	}

	if m.cfg.Mode == "scalp" {
		tick := tickFloat(m.info.TickSize)
		multiplier := m.flow.GetSpreadMultiplier()
		price := bestBid + tick*multiplier
		price = clamp(price, tick, 1-tick)
		return price, target
	}
	return bestAsk, target
}

// adjustBuy executes at most one PLACE/REPLACE/CANCEL per minAdjustInterval.
func (m *Market) adjustBuy(ctx context.Context, targetPrice, targetQty float64) {
	m.mu.Lock()
	if time.Since(m.lastBuyAdjust) < m.cfg.MinAdjustInterval {
		m.mu.Unlock()
		return
	}
	if until, ok := m.pausedSideUntil[types.BUY]; ok && time.Now().Before(until) {
		m.mu.Unlock()
		return
	}
	current := m.buyOrder
	m.mu.Unlock()

	act := m.classifyAction(current, targetPrice, targetQty)
	switch act {
	case actionNone:
		return
	case actionCancel:
		m.cancelBuy(ctx)
	case actionPlace, actionReplace:
		if act == actionReplace {
			m.cancelBuy(ctx)
		}
		if targetQty < m.info.MinOrderSize {
			return
		}
		m.placeOrder(ctx, types.BUY, targetPrice, targetQty, 0)
	}

	m.mu.Lock()
	m.lastBuyAdjust = time.Now()
	m.mu.Unlock()
}

// adjustSell is adjustBuy's mirror for FOLLOW mode's single sell order.
func (m *Market) adjustSell(ctx context.Context, targetPrice, targetQty float64) {
	m.mu.Lock()
	if time.Since(m.lastSellAdjust) < m.cfg.MinAdjustInterval {
		m.mu.Unlock()
		return
	}
	if until, ok := m.pausedSideUntil[types.SELL]; ok && time.Now().Before(until) {
		m.mu.Unlock()
		return
	}
	var current *trackedOrder
	for _, o := range m.sellOrders {
		current = o
		break
	}
	m.mu.Unlock()

	act := m.classifyAction(current, targetPrice, targetQty)
	switch act {
	case actionNone:
		return
	case actionCancel:
		m.cancelAllSells(ctx)
	case actionPlace, actionReplace:
		if act == actionReplace {
			m.cancelAllSells(ctx)
		}
		if targetQty < m.info.MinOrderSize {
			return
		}
		m.placeOrder(ctx, types.SELL, targetPrice, targetQty, 0)
	}

	m.mu.Lock()
	m.lastSellAdjust = time.Now()
	m.mu.Unlock()
}

// drainScalpSells enqueues newly-acquired inventory as a pending scalp sell
// (tagged with the buy cost it covers) and drains the queue into placed
// sell orders, bounded by MaxScalpSellOrders outstanding at once.
func (m *Market) drainScalpSells(ctx context.Context, sellPrice float64) {
	m.mu.Lock()
	if time.Since(m.lastSellAdjust) < m.cfg.MinAdjustInterval {
		m.mu.Unlock()
		return
	}
	if until, ok := m.pausedSideUntil[types.SELL]; ok && time.Now().Before(until) {
		m.mu.Unlock()
		return
	}
	if len(m.sellOrders) >= m.cfg.MaxScalpSellOrders || len(m.pendingScalpSells) == 0 {
		m.mu.Unlock()
		return
	}
	next := m.pendingScalpSells[0]
	m.pendingScalpSells = m.pendingScalpSells[1:]
	m.mu.Unlock()

	if next.Qty < m.info.MinOrderSize {
		return
	}
	m.placeOrder(ctx, types.SELL, sellPrice, next.Qty, next.Cost)

	m.mu.Lock()
	m.lastSellAdjust = time.Now()
	m.mu.Unlock()
}

// Quotes returns the currently-resting buy order and, in FOLLOW mode, the
// single resting sell order, for dashboard display. SCALP mode's multiple
// sell orders aren't summarized into one quote; ask is nil in that mode.
func (m *Market) Quotes() (bid, ask *trackedOrder) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.buyOrder != nil {
		b := *m.buyOrder
		bid = &b
	}
	if m.cfg.Mode != "scalp" {
		for _, o := range m.sellOrders {
			a := *o
			ask = &a
			break
		}
	}
	return bid, ask
}

// EnqueueScalpSell records newly-acquired inventory (from a buy fill) as a
// pending sell, tagged with its buy cost, for drainScalpSells to place.
func (m *Market) EnqueueScalpSell(qty, cost float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingScalpSells = append(m.pendingScalpSells, pendingScalpSell{Qty: qty, Cost: cost})
}

type orderAction int

const (
	actionNone orderAction = iota
	actionPlace
	actionReplace
	actionCancel
)

// classifyAction compares a desired target against a currently-resting
// order: PLACE if there is none and a target exists, CANCEL if a target no
// longer exists, REPLACE if price/quantity has drifted beyond tolerance, and
// NONE otherwise. Mirrors the teacher's tick+tolerance reconciliation.
func (m *Market) classifyAction(current *trackedOrder, targetPrice, targetQty float64) orderAction {
	tick := tickFloat(m.info.TickSize)
	const qtyTolerance = 0.10

	wantOrder := targetQty >= m.info.MinOrderSize
	if current == nil {
		if wantOrder {
			return actionPlace
		}
		return actionNone
	}
	if !wantOrder {
		return actionCancel
	}

	priceDrift := math.Abs(current.Price-targetPrice) > tick/2
	var qtyDrift bool
	if targetQty > 0 {
		qtyDrift = math.Abs(current.remaining()-targetQty)/targetQty > qtyTolerance
	}
	if priceDrift || qtyDrift {
		return actionReplace
	}
	return actionNone
}

// checkRangeGuard enforces minSellPrice/maxBuyPrice/maxSpreadCents: moves to
// range_paused (cancel quotes, keep monitoring) when violated, and back to
// running automatically once back in range.
func (m *Market) checkRangeGuard(ctx context.Context, bid, ask float64) (paused bool) {
	enteredPause := m.checkRangeGuardNoCancel(bid, ask)
	if enteredPause {
		m.cancelAll(ctx, "range guard")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == stateRangePaused
}

// checkRangeGuardNoCancel applies the range-guard state transition without
// issuing any venue calls; it reports whether this call is the transition
// INTO range_paused (so the caller knows to cancel resting quotes).
func (m *Market) checkRangeGuardNoCancel(bid, ask float64) (enteredPause bool) {
	spreadCents := (ask - bid) * 100
	violated := (m.cfg.MinSellPrice > 0 && ask < m.cfg.MinSellPrice) ||
		(m.cfg.MaxBuyPrice > 0 && bid > m.cfg.MaxBuyPrice) ||
		(m.cfg.MaxSpreadCents > 0 && spreadCents > m.cfg.MaxSpreadCents)

	m.mu.Lock()
	defer m.mu.Unlock()

	if violated {
		if m.state != stateRangePaused {
			m.logger.Warn("price range guard triggered, pausing", "bid", bid, "ask", ask, "spread_cents", spreadCents)
			m.state = stateRangePaused
			return true
		}
		return false
	}

	if m.state == stateRangePaused {
		m.logger.Info("price back in range, resuming")
		m.state = stateRunning
	}
	return false
}

func tickFloat(ts types.TickSize) float64 {
	return math.Pow(10, -float64(ts.Decimals()))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// placeOrder submits a single order and, on success, tracks it; on a
// venue rejection it triggers self-healing for the offending side.
func (m *Market) placeOrder(ctx context.Context, side types.Side, price, qty, scalpCost float64) {
	m.mu.Lock()
	if rejected, ok := m.lastRejectSize[side]; ok {
		delete(m.lastRejectSize, side)
		if qty > rejected/2 {
			qty = rejected / 2
		}
	}
	m.mu.Unlock()

	order := types.UserOrder{
		TokenID:   m.info.YesTokenID,
		Price:     price,
		Size:      qty,
		Side:      side,
		OrderType: types.OrderTypeGTC,
		TickSize:  m.info.TickSize,
	}

	results, err := m.client.PostOrders(ctx, []types.UserOrder{order}, m.info.NegRisk)
	if err != nil {
		m.handlePlacementError(ctx, side, qty, err)
		return
	}
	if len(results) == 0 || !results[0].Success || results[0].OrderID == "" {
		if len(results) > 0 {
			m.logger.Error("order rejected", "error", results[0].ErrorMsg, "side", side, "price", price)
		}
		return
	}

	tracked := &trackedOrder{
		ID:          results[0].OrderID,
		Side:        side,
		Price:       price,
		Size:        qty,
		SubmittedAt: time.Now(),
		ScalpCost:   scalpCost,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if side == types.BUY {
		m.buyOrder = tracked
	} else {
		m.sellOrders[tracked.ID] = tracked
	}
}

// handlePlacementError implements self-healing on venue rejections: on any
// venue rejection (the reason is not checked), cancel the offending side's
// orders and pause that side for 500ms; the next placement on that side is
// clamped to half the rejected size. No extra resync is forced; the regular
// resync at the start of each tick runs as usual.
func (m *Market) handlePlacementError(ctx context.Context, side types.Side, attemptedQty float64, err error) {
	kind := types.ClassifyKind(err)
	if kind != types.KindVenueRejection {
		m.logger.Error("place order failed", "side", side, "error", err)
		return
	}

	m.logger.Warn("venue rejection, self-healing", "side", side, "error", err)
	if side == types.BUY {
		m.cancelBuy(ctx)
	} else {
		m.cancelAllSells(ctx)
	}

	m.mu.Lock()
	m.pausedSideUntil[side] = time.Now().Add(500 * time.Millisecond)
	m.lastRejectSize[side] = attemptedQty
	m.mu.Unlock()
}

func (m *Market) cancelBuy(ctx context.Context) {
	m.mu.Lock()
	order := m.buyOrder
	m.buyOrder = nil
	m.mu.Unlock()
	if order == nil {
		return
	}
	m.cancelIDs(ctx, []string{order.ID})
}

func (m *Market) cancelAllSells(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sellOrders))
	for id := range m.sellOrders {
		ids = append(ids, id)
	}
	m.sellOrders = make(map[string]*trackedOrder)
	m.mu.Unlock()
	if len(ids) == 0 {
		return
	}
	m.cancelIDs(ctx, ids)
}

func (m *Market) cancelAll(ctx context.Context, reason string) {
	resp, err := m.client.CancelMarketOrders(ctx, m.info.ConditionID)
	if err != nil {
		m.logger.Error("cancel all orders failed", "reason", reason, "error", err)
		return
	}
	m.mu.Lock()
	m.buyOrder = nil
	m.sellOrders = make(map[string]*trackedOrder)
	m.mu.Unlock()
	m.logger.Info("cancelled all orders", "reason", reason, "count", len(resp.Canceled))
}

func (m *Market) cancelIDs(ctx context.Context, ids []string) {
	if _, err := m.client.CancelOrders(ctx, ids); err != nil {
		m.logger.Error("cancel orders failed", "error", err, "ids", ids)
	}
}

// resync refreshes the local order view against venue M's resting orders
// and resolves any that disappeared (spec's order-disappearance protocol).
// Reconciling a FILLED resolution's residual size into Inventory is also
// how position gets resynced: venue M exposes no standalone position query,
// so a fill the WS stream missed is only ever discovered here.
func (m *Market) resync(ctx context.Context) error {
	open, err := m.client.GetOpenOrders(ctx, m.info.ConditionID)
	if err != nil {
		return err
	}
	liveIDs := make(map[string]types.OpenOrder, len(open))
	for _, o := range open {
		liveIDs[o.ID] = o
	}

	m.mu.Lock()
	tracked := make([]*trackedOrder, 0, len(m.sellOrders)+1)
	if m.buyOrder != nil {
		tracked = append(tracked, m.buyOrder)
	}
	for _, o := range m.sellOrders {
		tracked = append(tracked, o)
	}
	m.mu.Unlock()

	for _, t := range tracked {
		if live, ok := liveIDs[t.ID]; ok {
			m.applyResync(t, live)
			continue
		}
		m.resolveDisappeared(ctx, t)
	}
	return nil
}

// applyResync updates a still-live order's filled amount and records any
// residual fill the WS stream missed directly into inventory.
func (m *Market) applyResync(t *trackedOrder, live types.OpenOrder) {
	filled := parseFloat(live.SizeMatched)
	if filled <= t.Filled {
		return
	}
	delta := filled - t.Filled
	price := parseFloat(live.Price)

	m.mu.Lock()
	t.Filled = filled
	m.mu.Unlock()

	m.inv.OnFill(Fill{
		Timestamp: time.Now(),
		Side:      t.Side,
		TokenID:   m.info.YesTokenID,
		Price:     price,
		Size:      delta,
		TradeID:   fmt.Sprintf("resync-%s-%d", t.ID, time.Now().UnixNano()),
	})
	m.flow.AddFill(Fill{Timestamp: time.Now(), Side: t.Side, Size: delta})

	if t.Side == types.BUY && m.cfg.Mode == "scalp" {
		m.EnqueueScalpSell(delta, price)
	}
}

// resolveDisappeared implements ORDER_VISIBLE_DELAY_MS/MAX_UNKNOWN_COUNT:
// an order missing from the resync response is retained for
// OrderVisibleDelay (API latency) before being resolved via
// fetchOrderByHash, and UNKNOWN resolutions are tolerated up to
// MaxUnknownCount consecutive ticks before a forced clear.
func (m *Market) resolveDisappeared(ctx context.Context, t *trackedOrder) {
	if time.Since(t.SubmittedAt) < m.cfg.OrderVisibleDelay {
		return
	}

	res := m.fetchOrderByHash(ctx, t)
	switch res {
	case resolutionStillOpen:
		return
	case resolutionFilled:
		m.clearOrder(t, true)
	case resolutionCleared:
		m.clearOrder(t, false)
	case resolutionUnknown:
		m.mu.Lock()
		t.UnknownCount++
		exceeded := t.UnknownCount > m.cfg.MaxUnknownCount
		m.mu.Unlock()
		if exceeded {
			m.clearOrder(t, false)
		}
	}
}

// fetchOrderByHash resolves one order's terminal state and normalizes the
// free-text venue status into the STILL_OPEN/FILLED/CLEARED/UNKNOWN
// taxonomy the order-disappearance protocol dispatches on.
func (m *Market) fetchOrderByHash(ctx context.Context, t *trackedOrder) orderResolution {
	open, err := m.client.GetOrderStatus(ctx, t.ID)
	if err != nil {
		if types.ClassifyKind(err) == types.KindVenueRejection {
			return resolutionCleared // NOT_FOUND
		}
		return resolutionUnknown
	}

	switch classifyVenueStatus(open.Status) {
	case "live":
		return resolutionStillOpen
	case "filled":
		m.applyResync(t, *open)
		return resolutionFilled
	case "cleared":
		return resolutionCleared
	default:
		return resolutionUnknown
	}
}

func classifyVenueStatus(status string) string {
	s := strings.ToLower(status)
	switch {
	case s == "":
		return "unknown"
	case strings.Contains(s, "live") || strings.Contains(s, "open"):
		return "live"
	case strings.Contains(s, "matched") || strings.Contains(s, "filled"):
		return "filled"
	case strings.Contains(s, "cancel") || strings.Contains(s, "expir") || strings.Contains(s, "invalid") || strings.Contains(s, "not_found") || strings.Contains(s, "unmatched"):
		return "cleared"
	default:
		return "unknown"
	}
}

func (m *Market) clearOrder(t *trackedOrder, wasFilled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.buyOrder != nil && m.buyOrder.ID == t.ID {
		m.buyOrder = nil
	} else {
		delete(m.sellOrders, t.ID)
	}
	if wasFilled {
		m.logger.Info("order resolved as filled via resync", "order_id", t.ID)
	} else {
		m.logger.Info("order cleared (cancelled/expired/not found)", "order_id", t.ID)
	}
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

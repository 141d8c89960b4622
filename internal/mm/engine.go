// Package mm is also home to the Market-Maker Engine's multi-market
// orchestrator: discovers tradeable markets, starts/stops a Market per
// condition ID, and dispatches the two venue M WebSocket feeds to the
// correct slot.
package mm

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"arbexec/internal/api"
	"arbexec/internal/config"
	"arbexec/internal/market"
	"arbexec/internal/risk"
	"arbexec/internal/store"
	"arbexec/internal/venuem"
	"arbexec/pkg/types"
)

// marketSlot is one actively-quoted market: its book mirror, inventory, and
// the Market driving its tick() loop in a dedicated goroutine.
type marketSlot struct {
	info    types.MarketInfo
	book    *market.Book
	mkt     *Market
	cancel  context.CancelFunc
	tradeCh chan types.WSTradeEvent
	orderCh chan types.WSOrderEvent
}

// Engine orchestrates the Market-Maker side of the system: scanner-driven
// market discovery, per-market Market goroutines, and the WS feed dispatch
// that routes venue M events to the right slot.
type Engine struct {
	cfg     config.Config
	client  *venuem.Client
	auth    *venuem.Auth
	mktFeed *venuem.WSFeed
	usrFeed *venuem.WSFeed
	scanner *market.Scanner
	riskMgr *risk.Manager
	store   *store.Store
	logger  *slog.Logger

	slots   map[string]*marketSlot
	slotsMu sync.RWMutex

	tokenMap   map[string]string
	tokenMapMu sync.RWMutex

	dashboardEvents chan api.DashboardEvent

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires an Engine from config: venue M auth/client, the two WS feeds,
// the market scanner, and the shared risk manager/store.
func New(cfg config.Config, riskMgr *risk.Manager, st *store.Store, logger *slog.Logger) (*Engine, error) {
	auth, err := venuem.NewAuth(cfg)
	if err != nil {
		return nil, err
	}

	client := venuem.NewClient(cfg, auth, logger)

	if !auth.HasL2Credentials() {
		logger.Info("no L2 credentials, deriving API key via L1...")
		creds, err := client.DeriveAPIKey(context.Background())
		if err != nil {
			return nil, err
		}
		auth.SetCredentials(*creds)
	}

	mktFeed := venuem.NewMarketFeed(cfg.VenueM.WSMarketURL, logger)
	usrFeed := venuem.NewUserFeed(cfg.VenueM.WSUserURL, auth, logger)
	scanner := market.NewScanner(cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())

	var dashEvents chan api.DashboardEvent
	if cfg.Dashboard.Enabled {
		dashEvents = make(chan api.DashboardEvent, 100)
	}

	return &Engine{
		cfg:             cfg,
		client:          client,
		auth:            auth,
		mktFeed:         mktFeed,
		usrFeed:         usrFeed,
		scanner:         scanner,
		riskMgr:         riskMgr,
		store:           st,
		logger:          logger.With("component", "mm-engine"),
		slots:           make(map[string]*marketSlot),
		tokenMap:        make(map[string]string),
		dashboardEvents: dashEvents,
		ctx:             ctx,
		cancel:          cancel,
	}, nil
}

// Start launches the WS feeds, the scanner, the event dispatchers, and the
// main market management loop.
func (e *Engine) Start() error {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.mktFeed.Run(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Error("market feed error", "error", err)
		}
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.usrFeed.Run(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Error("user feed error", "error", err)
		}
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.scanner.Run(e.ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.dispatchMarketEvents()
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.dispatchUserEvents()
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.manageMarkets()
	}()

	return nil
}

// Stop cancels every market goroutine, cancels all resting orders as a
// safety net, persists final positions, and waits for shutdown.
func (e *Engine) Stop() {
	e.logger.Info("shutting down mm engine...")

	e.cancel()

	cancelCtx, cancelCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelCancel()
	if _, err := e.client.CancelAll(cancelCtx); err != nil {
		e.logger.Error("failed to cancel all orders on shutdown", "error", err)
	}

	e.slotsMu.RLock()
	for id, slot := range e.slots {
		pos := slot.mkt.inv.Snapshot()
		if err := e.store.SavePosition(id, pos); err != nil {
			e.logger.Error("failed to save position", "market", id, "error", err)
		}
	}
	e.slotsMu.RUnlock()

	e.wg.Wait()

	e.mktFeed.Close()
	e.usrFeed.Close()

	e.logger.Info("mm engine shutdown complete")
}

// manageMarkets reacts to scanner results (start/stop markets) and kill
// signals from the risk manager.
func (e *Engine) manageMarkets() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case result := <-e.scanner.Results():
			e.reconcileMarkets(result)
		case kill := <-e.riskMgr.KillCh():
			e.handleKillSignal(kill)
		}
	}
}

// reconcileMarkets diffs the desired market set against currently-running
// slots: stops markets no longer desired, starts newly discovered ones.
func (e *Engine) reconcileMarkets(result market.ScanResult) {
	desired := make(map[string]types.MarketAllocation)
	for _, alloc := range result.Markets {
		desired[alloc.Market.ConditionID] = alloc
	}

	e.slotsMu.Lock()
	defer e.slotsMu.Unlock()

	for id := range e.slots {
		if _, ok := desired[id]; !ok {
			e.stopMarketLocked(id)
		}
	}

	for id, alloc := range desired {
		if _, ok := e.slots[id]; !ok {
			e.startMarketLocked(alloc)
		}
	}
}

func (e *Engine) startMarketLocked(alloc types.MarketAllocation) {
	info := alloc.Market
	if info.YesTokenID == "" || info.NoTokenID == "" {
		e.logger.Warn("skipping market with missing token IDs", "slug", info.Slug)
		return
	}

	book := market.NewBook(info.ConditionID, info.YesTokenID, info.NoTokenID)
	inv := NewInventory(info.ConditionID, info.YesTokenID, info.NoTokenID)

	if pos, err := e.store.LoadPosition(info.ConditionID); err == nil && pos != nil {
		inv.SetPosition(*pos)
	}

	tradeCh := make(chan types.WSTradeEvent, 64)
	orderCh := make(chan types.WSOrderEvent, 64)

	mkt := NewMarket(e.cfg.MM, info, book, inv, e.client, e.riskMgr, e.logger, e.dashboardEvents)

	ctx, cancel := context.WithCancel(e.ctx)

	slot := &marketSlot{
		info:    info,
		book:    book,
		mkt:     mkt,
		cancel:  cancel,
		tradeCh: tradeCh,
		orderCh: orderCh,
	}
	e.slots[info.ConditionID] = slot

	e.tokenMapMu.Lock()
	e.tokenMap[info.YesTokenID] = info.ConditionID
	e.tokenMap[info.NoTokenID] = info.ConditionID
	e.tokenMapMu.Unlock()

	e.mktFeed.Subscribe(ctx, []string{info.YesTokenID, info.NoTokenID})
	e.usrFeed.Subscribe(ctx, []string{info.ConditionID})

	for _, tokenID := range []string{info.YesTokenID, info.NoTokenID} {
		resp, err := e.client.GetOrderBook(ctx, tokenID)
		if err != nil {
			e.logger.Error("failed to get initial book", "token", tokenID, "error", err)
			continue
		}
		book.ApplyBookResponse(resp)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		mkt.Run(ctx, tradeCh, orderCh)
	}()

	e.logger.Info("market started",
		"slug", info.Slug,
		"condition_id", info.ConditionID,
		"mode", e.cfg.MM.Mode,
		"score", alloc.Score,
	)
}

func (e *Engine) stopMarketLocked(conditionID string) {
	slot, ok := e.slots[conditionID]
	if !ok {
		return
	}

	slot.cancel()

	pos := slot.mkt.inv.Snapshot()
	if err := e.store.SavePosition(conditionID, pos); err != nil {
		e.logger.Error("failed to save position on stop", "market", conditionID, "error", err)
	}

	e.mktFeed.Unsubscribe(e.ctx, []string{slot.info.YesTokenID, slot.info.NoTokenID})
	e.usrFeed.Unsubscribe(e.ctx, []string{conditionID})

	e.riskMgr.RemoveMarket(conditionID)

	e.tokenMapMu.Lock()
	delete(e.tokenMap, slot.info.YesTokenID)
	delete(e.tokenMap, slot.info.NoTokenID)
	e.tokenMapMu.Unlock()

	delete(e.slots, conditionID)

	e.logger.Info("market stopped", "slug", slot.info.Slug)
}

func (e *Engine) handleKillSignal(kill risk.KillSignal) {
	e.logger.Error("KILL SIGNAL received", "market", kill.MarketID, "reason", kill.Reason)

	e.emitDashboardEvent(api.DashboardEvent{
		Type:      "kill",
		Timestamp: time.Now(),
		MarketID:  kill.MarketID,
		Data: api.NewKillEvent(
			kill.Reason,
			kill.Reason,
			time.Now().Add(e.cfg.Risk.CooldownAfterKill),
			kill.MarketID,
		),
	})

	e.slotsMu.Lock()
	defer e.slotsMu.Unlock()

	if kill.MarketID == "" {
		for id := range e.slots {
			e.stopMarketLocked(id)
		}
		cancelCtx, cancelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if _, err := e.client.CancelAll(cancelCtx); err != nil {
			e.logger.Error("failed to cancel all orders", "error", err)
		}
		cancelCancel()
	} else {
		e.stopMarketLocked(kill.MarketID)
	}
}

// dispatchMarketEvents routes venue M market-data events to the right slot's Book.
func (e *Engine) dispatchMarketEvents() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case evt := <-e.mktFeed.BookEvents():
			e.routeBookEvent(evt)
		case evt := <-e.mktFeed.PriceChangeEvents():
			e.routePriceChange(evt)
		}
	}
}

func (e *Engine) routeBookEvent(evt types.WSBookEvent) {
	e.tokenMapMu.RLock()
	conditionID, ok := e.tokenMap[evt.AssetID]
	e.tokenMapMu.RUnlock()
	if !ok {
		return
	}

	e.slotsMu.RLock()
	slot, ok := e.slots[conditionID]
	e.slotsMu.RUnlock()
	if !ok {
		return
	}

	slot.book.ApplyBookEvent(evt)
}

func (e *Engine) routePriceChange(evt types.WSPriceChangeEvent) {
	if len(evt.PriceChanges) == 0 {
		return
	}

	e.tokenMapMu.RLock()
	conditionID, ok := e.tokenMap[evt.PriceChanges[0].AssetID]
	e.tokenMapMu.RUnlock()
	if !ok {
		return
	}

	e.slotsMu.RLock()
	slot, ok := e.slots[conditionID]
	e.slotsMu.RUnlock()
	if !ok {
		return
	}

	slot.book.ApplyPriceChange(evt)
}

// dispatchUserEvents routes venue M user (fill/order) events to the right slot's channels.
func (e *Engine) dispatchUserEvents() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case trade := <-e.usrFeed.TradeEvents():
			e.routeTrade(trade)
		case order := <-e.usrFeed.OrderEvents():
			e.routeOrder(order)
		}
	}
}

func (e *Engine) routeTrade(trade types.WSTradeEvent) {
	e.slotsMu.RLock()
	slot, ok := e.slots[trade.Market]
	e.slotsMu.RUnlock()
	if !ok {
		return
	}

	select {
	case slot.tradeCh <- trade:
	default:
		e.logger.Warn("trade channel full", "market", trade.Market)
	}
}

func (e *Engine) routeOrder(order types.WSOrderEvent) {
	e.slotsMu.RLock()
	slot, ok := e.slots[order.Market]
	e.slotsMu.RUnlock()
	if !ok {
		return
	}

	select {
	case slot.orderCh <- order:
	default:
		e.logger.Warn("order channel full", "market", order.Market)
	}
}

// DashboardEvents returns the dashboard event channel (nil if disabled).
func (e *Engine) DashboardEvents() <-chan api.DashboardEvent {
	return e.dashboardEvents
}

// GetMarketsSnapshot returns current state of all active markets for the dashboard.
func (e *Engine) GetMarketsSnapshot() []api.MarketStatus {
	e.slotsMu.RLock()
	defer e.slotsMu.RUnlock()

	result := make([]api.MarketStatus, 0, len(e.slots))
	for _, slot := range e.slots {
		mid, midOk := slot.book.MidPrice()
		bid, ask, bookOk := slot.book.BestBidAsk()

		var spread, spreadBps float64
		if bookOk {
			spread = ask - bid
			if mid > 0 {
				spreadBps = (spread / mid) * 10000
			}
		}

		pos := slot.mkt.inv.Snapshot()
		lastUpdated := slot.book.LastUpdated()
		isStale := slot.book.IsStale(e.cfg.MM.StaleBookTimeout)

		var unrealizedPnL float64
		if midOk {
			unrealizedPnL = pos.YesQty*(mid-pos.AvgEntryYes) + pos.NoQty*((1-mid)-pos.AvgEntryNo)
		}

		posSnapshot := api.PositionSnapshot{
			YesQty:        pos.YesQty,
			NoQty:         pos.NoQty,
			AvgEntryYes:   pos.AvgEntryYes,
			AvgEntryNo:    pos.AvgEntryNo,
			RealizedPnL:   pos.RealizedPnL,
			UnrealizedPnL: unrealizedPnL,
			ExposureUSD:   slot.mkt.inv.TotalExposureUSD(mid),
			Skew:          slot.mkt.inv.NetDelta(),
			LastUpdated:   pos.LastUpdated,
		}

		activeBid, activeAsk := slot.mkt.Quotes()

		status := api.MarketStatus{
			ConditionID: slot.info.ConditionID,
			Slug:        slot.info.Slug,
			Question:    slot.info.Question,
			MidPrice:    mid,
			BestBid:     bid,
			BestAsk:     ask,
			Spread:      spread,
			SpreadBps:   spreadBps,
			LastUpdated: lastUpdated,
			IsStale:     isStale,
			Position:    posSnapshot,
			ActiveBid:   trackedOrderToQuote(activeBid),
			ActiveAsk:   trackedOrderToQuote(activeAsk),
			TickSize:    parseTickSize(slot.info.TickSize),
			EndDate:     slot.info.EndDate,
			Liquidity:   slot.info.Liquidity,
			Volume24h:   slot.info.Volume24h,
		}

		result = append(result, status)
	}

	return result
}

// GetScanner returns the scanner for dashboard access.
func (e *Engine) GetScanner() *market.Scanner {
	return e.scanner
}

// GetRiskManager returns the risk manager for dashboard access.
func (e *Engine) GetRiskManager() *risk.Manager {
	return e.riskMgr
}

func (e *Engine) emitDashboardEvent(evt api.DashboardEvent) {
	if e.dashboardEvents == nil {
		return
	}
	select {
	case e.dashboardEvents <- evt:
	default:
	}
}

func trackedOrderToQuote(o *trackedOrder) *api.QuoteInfo {
	if o == nil {
		return nil
	}
	return &api.QuoteInfo{
		Price:     o.Price,
		Size:      o.remaining(),
		OrderID:   o.ID,
		Timestamp: o.SubmittedAt,
	}
}

func parseTickSize(ts types.TickSize) float64 {
	switch ts {
	case types.Tick01:
		return 0.1
	case types.Tick001:
		return 0.01
	case types.Tick0001:
		return 0.001
	case types.Tick00001:
		return 0.0001
	default:
		return 0.01
	}
}

// Package mm implements the Market-Maker Engine: a per-market tick() loop
// that follows the venue M book (FOLLOW mode) or quotes a fixed scalp markup
// over it (SCALP mode), with imbalance protection, an order-disappearance
// protocol, and a price-range guard layered on top.
package mm

import (
	"math"
	"sync"
	"time"

	"arbexec/pkg/types"
)

// Position represents current holdings in a single market.
// Serialized to JSON for persistence across bot restarts.
type Position struct {
	YesQty        float64   `json:"yes_qty"`
	NoQty         float64   `json:"no_qty"`
	AvgEntryYes   float64   `json:"avg_entry_yes"`
	AvgEntryNo    float64   `json:"avg_entry_no"`
	RealizedPnL   float64   `json:"realized_pnl"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	LastUpdated   time.Time `json:"last_updated"`
}

// Fill records a single execution.
type Fill struct {
	Timestamp time.Time  `json:"timestamp"`
	Side      types.Side `json:"side"`
	TokenID   string     `json:"token_id"`
	Price     float64    `json:"price"`
	Size      float64    `json:"size"`
	TradeID   string     `json:"trade_id"`
}

// Inventory tracks the position for one market. Thread-safe via RWMutex.
// FOLLOW and SCALP both target against the bot's own held quantity (the
// "position" term in the buy/sell delta formulas), so inventory tracking
// here is identical regardless of quoting mode.
type Inventory struct {
	mu       sync.RWMutex
	marketID string
	yesToken string
	noToken  string
	pos      Position
}

// NewInventory creates inventory tracking for a market.
func NewInventory(marketID, yesToken, noToken string) *Inventory {
	return &Inventory{
		marketID: marketID,
		yesToken: yesToken,
		noToken:  noToken,
	}
}

// OnFill processes a fill event. Updates quantities and average entry prices.
// When a position is reduced, realized PnL is calculated.
func (inv *Inventory) OnFill(fill Fill) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if fill.TokenID == inv.yesToken {
		inv.applyYesFill(fill)
	} else {
		inv.applyNoFill(fill)
	}

	inv.pos.LastUpdated = time.Now()
}

func (inv *Inventory) applyYesFill(fill Fill) {
	if fill.Side == types.BUY {
		totalCost := inv.pos.AvgEntryYes*inv.pos.YesQty + fill.Price*fill.Size
		inv.pos.YesQty += fill.Size
		if inv.pos.YesQty > 0 {
			inv.pos.AvgEntryYes = totalCost / inv.pos.YesQty
		}
	} else {
		if inv.pos.YesQty > 0 {
			sellQty := math.Min(fill.Size, inv.pos.YesQty)
			inv.pos.RealizedPnL += (fill.Price - inv.pos.AvgEntryYes) * sellQty
		}
		inv.pos.YesQty -= fill.Size
		if inv.pos.YesQty <= 0 {
			inv.pos.YesQty = 0
			inv.pos.AvgEntryYes = 0
		}
	}
}

func (inv *Inventory) applyNoFill(fill Fill) {
	if fill.Side == types.BUY {
		totalCost := inv.pos.AvgEntryNo*inv.pos.NoQty + fill.Price*fill.Size
		inv.pos.NoQty += fill.Size
		if inv.pos.NoQty > 0 {
			inv.pos.AvgEntryNo = totalCost / inv.pos.NoQty
		}
	} else {
		if inv.pos.NoQty > 0 {
			sellQty := math.Min(fill.Size, inv.pos.NoQty)
			inv.pos.RealizedPnL += (fill.Price - inv.pos.AvgEntryNo) * sellQty
		}
		inv.pos.NoQty -= fill.Size
		if inv.pos.NoQty <= 0 {
			inv.pos.NoQty = 0
			inv.pos.AvgEntryNo = 0
		}
	}
}

// Snapshot returns a copy of the current position.
func (inv *Inventory) Snapshot() Position {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return inv.pos
}

// TotalExposureUSD returns the dollar value of all holdings.
// In binary markets: YES is worth midPrice, NO is worth (1 - midPrice).
func (inv *Inventory) TotalExposureUSD(midPrice float64) float64 {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	return inv.pos.YesQty*midPrice + inv.pos.NoQty*(1-midPrice)
}

// UpdateMarkToMarket recalculates unrealized PnL.
func (inv *Inventory) UpdateMarkToMarket(midPrice float64) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	yesUnreal := inv.pos.YesQty * (midPrice - inv.pos.AvgEntryYes)
	noUnreal := inv.pos.NoQty * ((1 - midPrice) - inv.pos.AvgEntryNo)
	inv.pos.UnrealizedPnL = yesUnreal + noUnreal
}

// SetPosition restores position from persistence (used on restart).
func (inv *Inventory) SetPosition(pos Position) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.pos = pos
}

// NetDelta returns inventory skew in [-1, 1], +1 fully long YES, -1 fully
// long NO. FOLLOW/SCALP don't use this for quote placement (unlike the
// reservation-price model it's kept from), but it's still a useful skew
// figure for dashboard display and risk reporting.
func (inv *Inventory) NetDelta() float64 {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	total := inv.pos.YesQty + inv.pos.NoQty
	if total == 0 {
		return 0
	}
	return (inv.pos.YesQty - inv.pos.NoQty) / total
}

// YesQty returns the current YES holding, the quantity FOLLOW/SCALP target
// against for the sell-delta ("position - openSellRemaining") and buy-delta
// ("maxShares - position - openBuyRemaining") formulas.
func (inv *Inventory) YesQty() float64 {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return inv.pos.YesQty
}

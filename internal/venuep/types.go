// Package venuep implements the on-chain order-book venue (venue P) client:
// placing/cancelling orders, polling order and position status, and reading
// the order book. Venue P orders settle directly on-chain, so "filled" state
// is observed both here (REST poll) and via the chain watcher (event feed);
// the executor's fill reconciliation merges the two (see internal/executor/reconcile.go).
package venuep

import "github.com/shopspring/decimal"

// OrderStatus mirrors venue P's order lifecycle states.
type OrderStatus string

const (
	StatusOpen      OrderStatus = "OPEN"
	StatusFilled    OrderStatus = "FILLED"
	StatusPartial   OrderStatus = "PARTIALLY_FILLED"
	StatusCancelled OrderStatus = "CANCELLED"
	StatusInvalid   OrderStatus = "INVALIDATED" // terminal-not-filled, see spec open question
)

// IsTerminal reports whether this status ends the order's lifecycle.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusInvalid:
		return true
	default:
		return false
	}
}

// OrderRequest is a venue P order submission.
type OrderRequest struct {
	MarketID string
	Side     string // "BUY" or "SELL"
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// OrderAck is returned immediately on order submission, before any fill.
type OrderAck struct {
	OrderHash string
	Status    OrderStatus
}

// OrderStatusResponse is the REST poll response for an order's current state.
// CumulativeFilledQty is monotone non-decreasing for a given order hash —
// the executor's reconcile.go treats a decrease as a baseline-shift signal
// rather than a real fill reversal.
type OrderStatusResponse struct {
	OrderHash           string
	Status              OrderStatus
	CumulativeFilledQty decimal.Decimal
	AvgFillPrice        decimal.Decimal
}

// PositionResponse reports the caller's on-chain position for a market.
type PositionResponse struct {
	MarketID string
	Quantity decimal.Decimal // signed: positive = long YES, negative = long NO (convention-dependent)
}

// BookLevel is one side of venue P's order book.
type BookLevel struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// OrderbookResponse is venue P's current top-of-book-and-depth snapshot.
type OrderbookResponse struct {
	MarketID string
	Bids     []BookLevel
	Asks     []BookLevel
}

package types

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// TaskType is the direction of the arbitrage task: acquire the position (BUY)
// or unwind an existing one (SELL).
type TaskType string

const (
	TaskBuy  TaskType = "BUY"
	TaskSell TaskType = "SELL"
)

// ArbSide is which binary outcome the task is arbitraging.
type ArbSide string

const (
	ArbYes ArbSide = "YES"
	ArbNo  ArbSide = "NO"
)

// ArbStrategy selects how the primary leg is worked. TAKER delegates to an
// external executor and is out of scope for this FSM. The executor's
// Manager does not check Strategy: a TAKER task that reaches it is worked
// the same way as a MAKER task.
type ArbStrategy string

const (
	StrategyMaker ArbStrategy = "MAKER"
	StrategyTaker ArbStrategy = "TAKER"
)

// TaskStatus is the Task Executor FSM state. See spec §4.1 for the full
// transition table.
type TaskStatus string

const (
	StatusPending            TaskStatus = "PENDING"
	StatusPredictSubmitted   TaskStatus = "PREDICT_SUBMITTED"
	StatusPartiallyFilled    TaskStatus = "PARTIALLY_FILLED"
	StatusPaused             TaskStatus = "PAUSED"
	StatusHedging            TaskStatus = "HEDGING"
	StatusHedgePending       TaskStatus = "HEDGE_PENDING"
	StatusHedgeRetry         TaskStatus = "HEDGE_RETRY"
	StatusHedgeFailed        TaskStatus = "HEDGE_FAILED"
	StatusUnwinding          TaskStatus = "UNWINDING"
	StatusUnwindPending      TaskStatus = "UNWIND_PENDING"
	StatusUnwindCompleted    TaskStatus = "UNWIND_COMPLETED"
	StatusCompleted          TaskStatus = "COMPLETED"
	StatusFailed             TaskStatus = "FAILED"
	StatusCancelled          TaskStatus = "CANCELLED"
)

// terminalStatuses are absorbing — once reached, a task is never resumed.
var terminalStatuses = map[TaskStatus]bool{
	StatusCompleted:       true,
	StatusFailed:          true,
	StatusCancelled:       true,
	StatusHedgeFailed:     true,
	StatusUnwindCompleted: true,
}

// IsTerminal reports whether a status is absorbing.
func (s TaskStatus) IsTerminal() bool {
	return terminalStatuses[s]
}

// resumableStatuses is the set loaded on restart recovery (spec §4.1).
var resumableStatuses = map[TaskStatus]bool{
	StatusPredictSubmitted: true,
	StatusPartiallyFilled:  true,
	StatusHedging:          true,
	StatusHedgePending:     true,
	StatusHedgeRetry:       true,
	StatusUnwinding:        true,
	StatusUnwindPending:    true,
	StatusPaused:           true,
}

// IsResumable reports whether a task in this status should be re-attached to
// on process restart.
func (s TaskStatus) IsResumable() bool {
	return resumableStatuses[s]
}

// ResumableStatuses returns the status set used by restart recovery, as a
// slice suitable for Task Store queries.
func ResumableStatuses() []TaskStatus {
	out := make([]TaskStatus, 0, len(resumableStatuses))
	for s := range resumableStatuses {
		out = append(out, s)
	}
	return out
}

// Task is the persisted unit of work (spec §3). All quantity and price
// fields are decimal.Decimal to keep share/price arithmetic exact at venue
// wire-format boundaries.
type Task struct {
	TaskID string `json:"task_id"`

	Type     TaskType    `json:"type"`
	ArbSide  ArbSide     `json:"arb_side"`
	Strategy ArbStrategy `json:"strategy"`

	MarketIDP   string `json:"market_id_p"`
	ConditionID string `json:"condition_id_m"`
	YesTokenID  string `json:"yes_token_id_m"`
	NoTokenID   string `json:"no_token_id_m"`
	IsInverted  bool   `json:"is_inverted"`
	NegRisk     bool   `json:"neg_risk"`
	TickSize    TickSize `json:"tick_size"`

	PredictPrice    decimal.Decimal `json:"predict_price"`
	MaxAskM         decimal.Decimal `json:"max_ask_m"`
	MinBidM         decimal.Decimal `json:"min_bid_m"`
	FeeRateBps      int             `json:"fee_rate_bps"`
	MinProfitBuffer decimal.Decimal `json:"min_profit_buffer"`

	TargetQuantity     decimal.Decimal `json:"target_quantity"`
	PredictFilledQty   decimal.Decimal `json:"predict_filled_qty"`
	HedgedQty          decimal.Decimal `json:"hedged_qty"`
	AvgPredictPrice    decimal.Decimal `json:"avg_predict_price"`
	AvgPolymarketPrice decimal.Decimal `json:"avg_polymarket_price"`

	// EntryCost is the cost basis for a SELL task's profit calculation.
	// Left zero-valued (and EntryCostKnown false) when the scanner could not
	// supply it — see spec §9 open question (a): the executor must refuse to
	// terminate a SELL task under that condition rather than fabricate zero.
	EntryCost      decimal.Decimal `json:"entry_cost"`
	EntryCostKnown bool            `json:"entry_cost_known"`

	Status          TaskStatus `json:"status"`
	PauseCount      int        `json:"pause_count"`
	HedgeRetryCount int        `json:"hedge_retry_count"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	CancelReason    string     `json:"cancel_reason,omitempty"`
	Error           string     `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	CurrentOrderHashP string `json:"current_order_hash_p,omitempty"`
	CurrentOrderIDM   string `json:"current_order_id_m,omitempty"`

	// Unwind bookkeeping, populated only once unwind runs.
	UnwindPrice decimal.Decimal `json:"unwind_price,omitempty"`
	UnwindQty   decimal.Decimal `json:"unwind_qty,omitempty"`
	UnwindLoss  decimal.Decimal `json:"unwind_loss,omitempty"`
	UnwindLossEstimated bool    `json:"unwind_loss_estimated,omitempty"`

	// ActualProfit is filled in on COMPLETED / UNWIND_COMPLETED.
	ActualProfit decimal.Decimal `json:"actual_profit,omitempty"`
}

// RemainingQty returns max(0, predictFilledQty - hedgedQty).
func (t *Task) RemainingQty() decimal.Decimal {
	r := t.PredictFilledQty.Sub(t.HedgedQty)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

// Clone returns a deep-enough copy for safe handoff across goroutines
// (Task Store readers must never observe a mutating Task).
func (t *Task) Clone() *Task {
	cp := *t
	if t.ExpiresAt != nil {
		exp := *t.ExpiresAt
		cp.ExpiresAt = &exp
	}
	if t.CompletedAt != nil {
		c := *t.CompletedAt
		cp.CompletedAt = &c
	}
	return &cp
}

// PolyFillRecord tracks the last known confirmed fill state for a single M
// order, used by applyPolyFillDelta to advance hedgedQty at most once per
// (orderId, delta).
type PolyFillRecord struct {
	OrderID       string
	Filled        decimal.Decimal
	AvgPrice      decimal.Decimal
	LastCheckedAt time.Time
}

// ChainFillEvent is a single on-chain fill observation delivered by the
// Chain Watcher, keyed for at-most-once counting by (TxHash, LogIndex).
type ChainFillEvent struct {
	TxHash      string
	LogIndex    int
	SharesDelta decimal.Decimal
	Timestamp   time.Time
}

// TaskContext is the in-memory, per-run state for one executing task. It is
// not persisted but is fully reconstructible from the persisted Task plus a
// fresh subscription — see spec §3 and §4.1 "Restart recovery".
type TaskContext struct {
	mu sync.Mutex

	TaskID string

	// wssFilledQty / restFilledQty are reset to zero whenever the active
	// order hash changes (see ShiftBaseline).
	wssFilledQty decimal.Decimal
	restFilledQty decimal.Decimal

	// baseFilledBeforeOrder is predictFilledQty captured at the moment the
	// current order hash was attached.
	baseFilledBeforeOrder decimal.Decimal

	// seenEvents dedups chain events by (txHash, logIndex).
	seenEvents map[string]bool

	// polyOrderFills tracks confirmed M fills per order id.
	polyOrderFills map[string]*PolyFillRecord
}

// NewTaskContext creates a fresh in-memory context seeded from the task's
// currently persisted predictFilledQty (used both for a brand-new task, where
// it is zero, and for restart recovery, where it seeds the baseline).
func NewTaskContext(taskID string, predictFilledQty decimal.Decimal) *TaskContext {
	return &TaskContext{
		TaskID:                taskID,
		baseFilledBeforeOrder: predictFilledQty,
		seenEvents:            make(map[string]bool),
		polyOrderFills:        make(map[string]*PolyFillRecord),
	}
}

// eventKey formats the (txHash, logIndex) dedup key.
func eventKey(txHash string, logIndex int) string {
	return txHash + "#" + decimal.NewFromInt(int64(logIndex)).String()
}

// ApplyChainEvent folds one chain fill event into wssFilledQty, deduplicated
// by (txHash, logIndex). Returns true if the event was newly counted.
func (tc *TaskContext) ApplyChainEvent(evt ChainFillEvent) bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	key := eventKey(evt.TxHash, evt.LogIndex)
	if tc.seenEvents[key] {
		return false
	}
	tc.seenEvents[key] = true
	tc.wssFilledQty = tc.wssFilledQty.Add(evt.SharesDelta)
	return true
}

// ApplyRestPoll folds a REST poll's cumulative filledQty into restFilledQty
// (monotone: only ever increases).
func (tc *TaskContext) ApplyRestPoll(cumulativeFilled decimal.Decimal) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if cumulativeFilled.GreaterThan(tc.restFilledQty) {
		tc.restFilledQty = cumulativeFilled
	}
}

// MergedFilledQty computes baseFilledBeforeOrder + max(wssFilledQty,
// restFilledQty), clamped to [0, targetQuantity].
func (tc *TaskContext) MergedFilledQty(targetQuantity decimal.Decimal) decimal.Decimal {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	maxSeen := tc.wssFilledQty
	if tc.restFilledQty.GreaterThan(maxSeen) {
		maxSeen = tc.restFilledQty
	}
	merged := tc.baseFilledBeforeOrder.Add(maxSeen)
	if merged.IsNegative() {
		return decimal.Zero
	}
	if merged.GreaterThan(targetQuantity) {
		return targetQuantity
	}
	return merged
}

// ShiftBaseline sets newBase as the baseline and resets the per-order
// counters and dedup set ahead of attaching a new primary order hash. It
// does not merge: the caller must merge first (to capture straggling
// increments) and pass the task's updated predictFilledQty as newBase.
func (tc *TaskContext) ShiftBaseline(newBase decimal.Decimal) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	tc.baseFilledBeforeOrder = newBase
	tc.wssFilledQty = decimal.Zero
	tc.restFilledQty = decimal.Zero
	tc.seenEvents = make(map[string]bool)
}

// ApplyPolyFillDelta diffs the freshly observed `filled` against the last
// known filled amount for orderID and returns the positive increment, or
// zero if there is none. This is the sole path that may advance hedgedQty
// (spec §9) — callers must add the returned delta to Task.HedgedQty exactly
// once.
func (tc *TaskContext) ApplyPolyFillDelta(orderID string, filled, avgPrice decimal.Decimal) decimal.Decimal {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	rec, ok := tc.polyOrderFills[orderID]
	if !ok {
		rec = &PolyFillRecord{OrderID: orderID}
		tc.polyOrderFills[orderID] = rec
	}

	delta := filled.Sub(rec.Filled)
	if delta.IsNegative() {
		delta = decimal.Zero
	}
	rec.Filled = filled
	rec.AvgPrice = avgPrice
	rec.LastCheckedAt = time.Now()
	return delta
}

// TrackedOrderIDs returns the order ids currently tracked by polyOrderFills,
// for refreshTrackedPolyFills sweeps.
func (tc *TaskContext) TrackedOrderIDs() []string {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	ids := make([]string, 0, len(tc.polyOrderFills))
	for id := range tc.polyOrderFills {
		ids = append(ids, id)
	}
	return ids
}

// MarketMakerStatus is the Market-Maker Engine's per-market lifecycle state
// (spec §4.3).
type MarketMakerStatus string

const (
	MMStatusRunning     MarketMakerStatus = "running"
	MMStatusRangePaused MarketMakerStatus = "range_paused"
	MMStatusKilled      MarketMakerStatus = "killed"
)

// ScalpSellOrder is one outstanding SCALP-mode cover sell, tagged with the
// buy cost it needs to clear to be profitable.
type ScalpSellOrder struct {
	OrderID  string
	Price    decimal.Decimal
	Size     decimal.Decimal
	BuyCost  decimal.Decimal
	PlacedAt time.Time
}

// MarketMakerState is the per-market state model of spec §3/§4.3. The mm
// package keeps this state in mm.Market's own fields and does not use this
// type. Quantities obey: 0 <= Position; openSellRemaining <= Position;
// Position + openBuyRemaining <= MaxShares; bestBuyPrice < bestSellPrice.
type MarketMakerState struct {
	MarketID string

	Position decimal.Decimal

	ActiveBuyOrderID  string
	ActiveBuyPrice    decimal.Decimal
	ActiveBuySize     decimal.Decimal
	ActiveSellOrderID string
	ActiveSellPrice   decimal.Decimal
	ActiveSellSize    decimal.Decimal

	ScalpSellOrders   []ScalpSellOrder
	PendingSellOrders []ScalpSellOrder

	Status MarketMakerStatus

	// unknownCount tracks consecutive UNKNOWN order-disappearance
	// resolutions (order-disappearance protocol, spec §4.3).
	BuyUnknownCount  int
	SellUnknownCount int

	BuySubmittedAt  time.Time
	SellSubmittedAt time.Time

	LastBestBid decimal.Decimal
	LastBestAsk decimal.Decimal
}

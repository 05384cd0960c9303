package models

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// PositionStatus is the coarse open/closed status persisted with a position.
type PositionStatus string

const (
	// StatusOpen means the position holds shares.
	StatusOpen PositionStatus = "open"
	// StatusClosed means the position has been fully exited.
	StatusClosed PositionStatus = "closed"
)

// OrderSide distinguishes buy fills from sell fills.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// EntryKind tags a buy fill as the position opener or a pyramiding re-entry.
type EntryKind string

const (
	EntryInitial EntryKind = "initial"
	EntryReentry EntryKind = "reentry"
)

// EntryLevels are the RSI dip buckets, in the order they are consumed.
var EntryLevels = []int{30, 20, 10}

// Fill is one broker-acknowledged execution appended to a position.
// Fills are ordered by broker acknowledgement time.
type Fill struct {
	Time      time.Time `json:"time"`
	Side      OrderSide `json:"side"`
	Price     float64   `json:"price"`
	Qty       int       `json:"qty"`
	Level     int       `json:"level,omitempty"`
	OrderID   string    `json:"order_id"`
	EntryKind EntryKind `json:"entry_kind,omitempty"`
}

// LevelState records which RSI dip levels have been consumed in the current
// cycle, plus the reset_ready latch that arms a fresh cycle once RSI has
// risen back above 30.
type LevelState struct {
	L30        bool `json:"30"`
	L20        bool `json:"20"`
	L10        bool `json:"10"`
	ResetReady bool `json:"reset_ready"`
}

// Taken reports whether the given level has been consumed this cycle.
func (ls LevelState) Taken(level int) bool {
	switch level {
	case 30:
		return ls.L30
	case 20:
		return ls.L20
	case 10:
		return ls.L10
	default:
		return false
	}
}

// SetTaken marks a level consumed (or not). Unknown levels are an error.
func (ls *LevelState) SetTaken(level int, taken bool) error {
	switch level {
	case 30:
		ls.L30 = taken
	case 20:
		ls.L20 = taken
	case 10:
		ls.L10 = taken
	default:
		return fmt.Errorf("unknown entry level %d", level)
	}
	return nil
}

// Reset clears all level flags and the reset latch, starting a new cycle.
func (ls *LevelState) Reset() {
	ls.L30 = false
	ls.L20 = false
	ls.L10 = false
	ls.ResetReady = false
}

// SellOrderRef identifies the live trailing sell order for a position.
// At most one sell order is live per position at any time.
type SellOrderRef struct {
	OrderID    string    `json:"order_id"`
	LimitPrice float64   `json:"limit_price"`
	PlacedAt   time.Time `json:"placed_at"`
}

// Position is an open or closed holding of one ticker. It is owned by the
// trade store; engines mutate it only through store transactions.
type Position struct {
	StateMachine *StateMachine `json:"-"`          // Runtime only, excluded from JSON
	ExitState    ExitState     `json:"exit_state"` // Canonical persisted exit state

	ID           string         `json:"id"`
	Ticker       string         `json:"ticker"`
	BrokerSymbol string         `json:"broker_symbol"`
	Status       PositionStatus `json:"status"`

	Fills  []Fill     `json:"fills"`
	Levels LevelState `json:"levels"`

	EntryPrice      float64   `json:"entry_price"`
	EntryTime       time.Time `json:"entry_time"`
	CurrentQuantity int       `json:"current_quantity"`

	ExitPrice   float64   `json:"exit_price,omitempty"`
	ExitTime    time.Time `json:"exit_time,omitempty"`
	ExitReason  string    `json:"exit_reason,omitempty"`
	ExitOrderID string    `json:"exit_order_id,omitempty"`
	RealizedPL  float64   `json:"realized_pl"`

	LowestEMA9Seen *float64      `json:"lowest_ema9_seen,omitempty"`
	SellOrder      *SellOrderRef `json:"sell_order,omitempty"`

	// Notes records reconciler annotations (manual trade adjustments).
	Notes []string `json:"notes,omitempty"`
}

// NewPosition creates an open position with an initialized exit-state machine.
// Quantity and entry price are derived from the first buy fill, not set here.
func NewPosition(id, ticker, brokerSymbol string) *Position {
	return &Position{
		ID:           id,
		Ticker:       ticker,
		BrokerSymbol: brokerSymbol,
		Status:       StatusOpen,
		Fills:        make([]Fill, 0),
		StateMachine: NewStateMachine(),
		ExitState:    StateInitial,
	}
}

// ApplyFill appends a broker-acknowledged fill and updates the derived
// quantity, entry fields, and level flags in one step. Level flags are only
// ever toggled here, so a flag without a committed fill cannot exist.
func (p *Position) ApplyFill(f Fill) error {
	if f.Qty <= 0 {
		return fmt.Errorf("position %s: fill qty must be positive (got %d)", p.ID, f.Qty)
	}
	if f.Price <= 0 {
		return fmt.Errorf("position %s: fill price must be positive (got %.2f)", p.ID, f.Price)
	}
	switch f.Side {
	case SideBuy:
		if f.Level != 0 {
			if err := p.Levels.SetTaken(f.Level, true); err != nil {
				return fmt.Errorf("position %s: %w", p.ID, err)
			}
		}
		if len(p.Fills) == 0 {
			p.EntryPrice = f.Price
			if p.EntryTime.IsZero() {
				p.EntryTime = f.Time
			}
		}
		p.CurrentQuantity += f.Qty
	case SideSell:
		if f.Qty > p.CurrentQuantity {
			return fmt.Errorf("position %s: sell qty %d exceeds held %d", p.ID, f.Qty, p.CurrentQuantity)
		}
		p.CurrentQuantity -= f.Qty
	default:
		return fmt.Errorf("position %s: unknown fill side %q", p.ID, f.Side)
	}
	p.Fills = append(p.Fills, f)
	return nil
}

// BuyQuantity returns the total quantity bought across all fills.
func (p *Position) BuyQuantity() int {
	total := 0
	for _, f := range p.Fills {
		if f.Side == SideBuy {
			total += f.Qty
		}
	}
	return total
}

// SellQuantity returns the total quantity sold across all fills.
func (p *Position) SellQuantity() int {
	total := 0
	for _, f := range p.Fills {
		if f.Side == SideSell {
			total += f.Qty
		}
	}
	return total
}

// ComputePL returns realized P&L: sum of sell proceeds minus sum of buy cost.
func (p *Position) ComputePL() float64 {
	var pl float64
	for _, f := range p.Fills {
		switch f.Side {
		case SideBuy:
			pl -= f.Price * float64(f.Qty)
		case SideSell:
			pl += f.Price * float64(f.Qty)
		}
	}
	return pl
}

// AverageEntryPrice returns the volume-weighted average buy price.
func (p *Position) AverageEntryPrice() float64 {
	var cost float64
	var qty int
	for _, f := range p.Fills {
		if f.Side == SideBuy {
			cost += f.Price * float64(f.Qty)
			qty += f.Qty
		}
	}
	if qty == 0 {
		return 0
	}
	return cost / float64(qty)
}

// ReentriesOn counts fills tagged entry_kind=reentry whose acknowledgement
// date falls on the given day in the given location. The daily re-entry cap
// is enforced against this count.
func (p *Position) ReentriesOn(day time.Time, loc *time.Location) int {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := day.In(loc).Date()
	count := 0
	for _, f := range p.Fills {
		if f.Side != SideBuy || f.EntryKind != EntryReentry {
			continue
		}
		fy, fm, fd := f.Time.In(loc).Date()
		if fy == y && fm == m && fd == d {
			count++
		}
	}
	return count
}

// UpdateLowestEMA9 ratchets the trailing EMA9 floor downward. Returns true
// when the value was accepted (first observation or strictly lower); the
// trail never rises.
func (p *Position) UpdateLowestEMA9(value float64) bool {
	if p.LowestEMA9Seen == nil || value < *p.LowestEMA9Seen {
		v := value
		p.LowestEMA9Seen = &v
		return true
	}
	return false
}

// Close marks the position closed and records the exit facts. P&L is
// recomputed from fills so the ledger never carries a stale number.
func (p *Position) Close(exitPrice float64, exitTime time.Time, reason, exitOrderID string) error {
	if p.Status == StatusClosed {
		return fmt.Errorf("position %s already closed", p.ID)
	}
	if strings.TrimSpace(reason) == "" {
		return fmt.Errorf("position %s: close reason is required", p.ID)
	}
	p.Status = StatusClosed
	p.ExitPrice = exitPrice
	p.ExitTime = exitTime
	p.ExitReason = reason
	p.ExitOrderID = exitOrderID
	p.CurrentQuantity = 0
	p.SellOrder = nil
	p.RealizedPL = p.ComputePL()
	return nil
}

// TransitionState moves the exit-side state machine and keeps the canonical
// persisted state in sync.
func (p *Position) TransitionState(to ExitState, condition string) error {
	if err := p.ensureMachine().Transition(to, condition); err != nil {
		return fmt.Errorf("position %s state transition failed: %w", p.ID, err)
	}
	p.ExitState = to
	return nil
}

// GetCurrentState returns the canonical persisted exit state.
func (p *Position) GetCurrentState() ExitState {
	return p.ExitState
}

// ensureMachine ensures the StateMachine is initialized from persisted state.
func (p *Position) ensureMachine() *StateMachine {
	if p.StateMachine == nil {
		p.StateMachine = NewStateMachineFromState(p.ExitState)
	}
	return p.StateMachine
}

// HasLiveSellOrder reports whether a sell order is currently working.
func (p *Position) HasLiveSellOrder() bool {
	return p.SellOrder != nil && p.SellOrder.OrderID != ""
}

// ValidateState checks the position's data against its status and exit state.
func (p *Position) ValidateState() error {
	if err := p.ensureMachine().ValidateStateConsistency(); err != nil {
		return fmt.Errorf("position %s state validation failed: %w", p.ID, err)
	}
	if p.Ticker == "" || p.BrokerSymbol == "" {
		return fmt.Errorf("position %s: ticker and broker symbol are required", p.ID)
	}

	derived := p.BuyQuantity() - p.SellQuantity()
	switch p.Status {
	case StatusOpen:
		if p.CurrentQuantity <= 0 {
			return fmt.Errorf("position %s open with non-positive quantity %d", p.ID, p.CurrentQuantity)
		}
		if p.CurrentQuantity != derived {
			return fmt.Errorf("position %s quantity %d does not match fills (buys-sells=%d)",
				p.ID, p.CurrentQuantity, derived)
		}
		if !p.ExitTime.IsZero() || p.ExitReason != "" {
			return fmt.Errorf("position %s open but carries exit fields", p.ID)
		}
	case StatusClosed:
		if p.CurrentQuantity != 0 {
			return fmt.Errorf("position %s closed with quantity %d", p.ID, p.CurrentQuantity)
		}
		if p.ExitTime.IsZero() {
			return fmt.Errorf("position %s closed without exit time", p.ID)
		}
		if strings.TrimSpace(p.ExitReason) == "" {
			return fmt.Errorf("position %s closed without exit reason", p.ID)
		}
		if p.SellOrder != nil {
			return fmt.Errorf("position %s closed but still references sell order %s",
				p.ID, p.SellOrder.OrderID)
		}
	default:
		return fmt.Errorf("position %s has unknown status %q", p.ID, p.Status)
	}

	// Every taken level must be backed by a committed buy fill at that level.
	for _, level := range EntryLevels {
		if !p.Levels.Taken(level) {
			continue
		}
		found := false
		for _, f := range p.Fills {
			if f.Side == SideBuy && f.Level == level {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("position %s: level %d flagged taken without a fill", p.ID, level)
		}
	}
	return nil
}

// Copy returns a deep copy safe to hand to readers.
func (p *Position) Copy() *Position {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Fills = make([]Fill, len(p.Fills))
	copy(cp.Fills, p.Fills)
	if p.LowestEMA9Seen != nil {
		v := *p.LowestEMA9Seen
		cp.LowestEMA9Seen = &v
	}
	if p.SellOrder != nil {
		ref := *p.SellOrder
		cp.SellOrder = &ref
	}
	if p.Notes != nil {
		cp.Notes = make([]string, len(p.Notes))
		copy(cp.Notes, p.Notes)
	}
	cp.StateMachine = p.StateMachine.Copy()
	return &cp
}

// Candidate is a pre-scored buy suggestion produced by the analysis stage.
// Candidates are consumed once per day and never persisted.
type Candidate struct {
	Ticker           string  `json:"ticker"`
	LastClose        float64 `json:"last_close"`
	FinalVerdict     string  `json:"final_verdict"`
	CombinedScore    float64 `json:"combined_score"`
	ExecutionCapital float64 `json:"execution_capital,omitempty"`
	PriorityScore    float64 `json:"priority_score,omitempty"`
}

// Accepted reports whether the candidate clears the verdict and score gates.
func (c Candidate) Accepted(minScore float64) bool {
	switch c.FinalVerdict {
	case "buy", "strong_buy":
		return c.CombinedScore >= minScore
	default:
		return false
	}
}

// SortCandidates orders candidates by priority score descending, breaking
// ties by combined score then ticker for a stable processing order.
func SortCandidates(cands []Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].PriorityScore != cands[j].PriorityScore {
			return cands[i].PriorityScore > cands[j].PriorityScore
		}
		if cands[i].CombinedScore != cands[j].CombinedScore {
			return cands[i].CombinedScore > cands[j].CombinedScore
		}
		return cands[i].Ticker < cands[j].Ticker
	})
}

// FailedOrder is a buy attempt parked for retry after a retryable failure.
type FailedOrder struct {
	Candidate     Candidate `json:"candidate"`
	FirstFailedAt time.Time `json:"first_failed_at"`
	Attempts      int       `json:"attempts"`
	LastReason    string    `json:"last_reason"`
}

// PriceSource tags where a live price came from.
type PriceSource string

const (
	PriceSourceWebsocket PriceSource = "websocket"
	PriceSourceFallback  PriceSource = "fallback"
)

// LivePrice is the last traded price for a broker symbol.
type LivePrice struct {
	Symbol    string      `json:"symbol"`
	Price     float64     `json:"price"`
	Timestamp time.Time   `json:"timestamp"`
	Source    PriceSource `json:"source"`
}

// Age returns how old the price is relative to now.
func (lp LivePrice) Age(now time.Time) time.Duration {
	return now.Sub(lp.Timestamp)
}

// Stale reports whether the price is older than the given threshold.
func (lp LivePrice) Stale(now time.Time, threshold time.Duration) bool {
	return lp.Age(now) > threshold
}

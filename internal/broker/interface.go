package broker

import (
	"context"
	"strings"
	"time"
)

// TickSize is the NSE cash-segment price increment in rupees.
const TickSize = 0.05

// Side identifies the direction of an order.
type Side string

const (
	// SideBuy marks a buy order.
	SideBuy Side = "BUY"
	// SideSell marks a sell order.
	SideSell Side = "SELL"
)

// OrderType selects market or limit execution.
type OrderType string

const (
	// TypeMarket executes at the prevailing price.
	TypeMarket OrderType = "MARKET"
	// TypeLimit executes at the stated price or better.
	TypeLimit OrderType = "LIMIT"
)

// Variety selects the order book an order enters.
type Variety string

const (
	// VarietyRegular places into the live session book.
	VarietyRegular Variety = "REGULAR"
	// VarietyAMO queues an after-market order for the next open.
	VarietyAMO Variety = "AMO"
)

// ProductCNC is the cash-and-carry delivery product code.
const ProductCNC = "CNC"

// Normalized order status values.
const (
	StatusOpen      = "open"
	StatusPending   = "pending"
	StatusComplete  = "complete"
	StatusCancelled = "cancelled"
	StatusRejected  = "rejected"
)

// Interval selects the candle aggregation period.
type Interval string

const (
	// IntervalDaily requests one bar per trading day.
	IntervalDaily Interval = "daily"
	// IntervalWeekly requests one bar per week.
	IntervalWeekly Interval = "weekly"
)

// OrderRequest describes an order to place.
type OrderRequest struct {
	Symbol   string
	Side     Side
	Type     OrderType
	Variety  Variety
	Quantity int
	Price    float64 // required for TypeLimit
	Product  string  // defaults to ProductCNC
	Tag      string  // optional client order id
}

// OrderAck is the broker's acknowledgement of an order operation.
type OrderAck struct {
	OrderID string
}

// Order is one entry of the order book.
type Order struct {
	OrderID        string
	TradingSymbol  string
	Side           Side
	Type           OrderType
	Price          float64
	Quantity       int
	FilledQuantity int
	Status         string
	ExecPrice      float64
	UpdatedAt      time.Time
}

// Filled reports whether the order completed in full.
func (o *Order) Filled() bool {
	return o.Status == StatusComplete
}

// Live reports whether the order can still execute or be cancelled.
func (o *Order) Live() bool {
	return o.Status == StatusOpen || o.Status == StatusPending
}

// OrderFilter narrows an order book listing. Zero fields match everything.
type OrderFilter struct {
	Side   Side
	Status string
	Symbol string
}

// Matches reports whether the order passes every set filter field.
func (f OrderFilter) Matches(o Order) bool {
	if f.Side != "" && o.Side != f.Side {
		return false
	}
	if f.Status != "" && o.Status != f.Status {
		return false
	}
	if f.Symbol != "" && !strings.EqualFold(o.TradingSymbol, f.Symbol) {
		return false
	}
	return true
}

// Holding is one demat holding row.
type Holding struct {
	TradingSymbol string
	Quantity      int
	AvgPrice      float64
}

// Margin summarizes the funds available for new orders.
type Margin struct {
	AvailableCash float64
	Collateral    float64
}

// Quote is a point-in-time snapshot for one symbol.
type Quote struct {
	Symbol    string
	LTP       float64
	Close     float64
	Volume    int64
	AvgVolume int64
}

// Candle is one OHLCV bar.
type Candle struct {
	Date   time.Time `json:"date"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume int64     `json:"volume"`
}

// Fundamentals carries valuation ratios; nil means the broker had no value.
type Fundamentals struct {
	PE *float64
	PB *float64
}

// Scrip is one instrument row of the scrip master.
type Scrip struct {
	Token         string
	TradingSymbol string
	Name          string
	Exchange      string
}

// ScripTable maps trading symbols to instrument metadata.
type ScripTable map[string]Scrip

// Lookup finds a scrip by broker symbol, falling back to the symbol's
// series variants when the exact form is absent.
func (t ScripTable) Lookup(symbol string) (Scrip, bool) {
	if s, ok := t[strings.ToUpper(symbol)]; ok {
		return s, true
	}
	for _, v := range SymbolVariants(BaseSymbol(symbol)) {
		if s, ok := t[strings.ToUpper(v)]; ok {
			return s, true
		}
	}
	return Scrip{}, false
}

// Broker is the narrow surface the trading engine consumes. Implementations
// must be safe for concurrent use; every call honors ctx cancellation.
type Broker interface {
	// Session
	Login(ctx context.Context) error

	// Account
	Holdings(ctx context.Context) ([]Holding, error)
	Limits(ctx context.Context) (*Margin, error)

	// Orders
	Orders(ctx context.Context, filter OrderFilter) ([]Order, error)
	OrderStatus(ctx context.Context, orderID string) (*Order, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderAck, error)
	ModifyOrder(ctx context.Context, orderID string, price float64, qty int) (*OrderAck, error)
	CancelOrder(ctx context.Context, orderID string) (*OrderAck, error)

	// Market data
	Quote(ctx context.Context, symbol string) (*Quote, error)
	Candles(ctx context.Context, ticker string, interval Interval, years int) ([]Candle, error)
	Fundamentals(ctx context.Context, ticker string) (*Fundamentals, error)
	ScripMaster(ctx context.Context) (ScripTable, error)

	// Feed access
	WSURL() string
	WSToken() (token, sid string)
}

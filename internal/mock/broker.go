// Package mock provides a scripted in-memory broker for tests and the
// integration harness.
package mock

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"nifty_dipper/internal/broker"
	"nifty_dipper/internal/models"
)

// secureFloat64 generates a cryptographically secure random float64 between 0 and 1.
func secureFloat64() float64 {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<53))
	if err != nil {
		// Fallback to a reasonable default if crypto/rand fails
		return 0.5
	}
	return float64(n.Int64()) / (1 << 53)
}

// GenerateCandleWalk produces n daily candles ending today, random-walking
// from startPrice with the given daily volatility fraction.
func GenerateCandleWalk(startPrice float64, n int, volatility float64) []broker.Candle {
	if volatility <= 0 {
		volatility = 0.01
	}
	candles := make([]broker.Candle, n)
	price := startPrice
	day := time.Now().AddDate(0, 0, -n)
	for i := 0; i < n; i++ {
		move := (secureFloat64() - 0.5) * 2 * volatility * price
		open := price
		price += move
		high := open
		low := price
		if price > high {
			high, low = price, open
		}
		candles[i] = broker.Candle{
			Date:   day.AddDate(0, 0, i),
			Open:   open,
			High:   high * 1.002,
			Low:    low * 0.998,
			Close:  price,
			Volume: 500000 + int64(secureFloat64()*1000000),
		}
	}
	return candles
}

// FlatCandles produces n identical daily candles at the given close. Handy
// when a test needs deterministic indicator values.
func FlatCandles(close float64, n int) []broker.Candle {
	candles := make([]broker.Candle, n)
	day := time.Now().AddDate(0, 0, -n)
	for i := range candles {
		candles[i] = broker.Candle{
			Date:   day.AddDate(0, 0, i),
			Open:   close,
			High:   close,
			Low:    close,
			Close:  close,
			Volume: 1000000,
		}
	}
	return candles
}

// CandlesFromCloses wraps a close series into daily candles.
func CandlesFromCloses(closes []float64) []broker.Candle {
	candles := make([]broker.Candle, len(closes))
	day := time.Now().AddDate(0, 0, -len(closes))
	for i, c := range closes {
		candles[i] = broker.Candle{
			Date:   day.AddDate(0, 0, i),
			Open:   c,
			High:   c,
			Low:    c,
			Close:  c,
			Volume: 1000000,
		}
	}
	return candles
}

// Broker is a scripted in-memory implementation of broker.Broker. Market
// orders fill immediately at the quoted LTP; limit orders rest open until
// the test (or FillLimitOrdersAt) completes them.
type Broker struct {
	mu sync.Mutex

	LoginCount int
	loginErr   error

	holdings []broker.Holding
	margin   broker.Margin

	orders      map[string]*broker.Order
	nextOrderID int

	candles      map[string][]broker.Candle // keyed ticker|interval
	fundamentals map[string]broker.Fundamentals
	quotes       map[string]broker.Quote
	scrips       broker.ScripTable

	failNext map[string]error

	// AutoFillMarket controls whether market orders complete on placement.
	AutoFillMarket bool
}

var _ broker.Broker = (*Broker)(nil)

// NewBroker creates an empty scripted broker with market auto-fill on.
func NewBroker() *Broker {
	return &Broker{
		orders:         make(map[string]*broker.Order),
		candles:        make(map[string][]broker.Candle),
		fundamentals:   make(map[string]broker.Fundamentals),
		quotes:         make(map[string]broker.Quote),
		scrips:         make(broker.ScripTable),
		failNext:       make(map[string]error),
		AutoFillMarket: true,
	}
}

// FailNext arms a one-shot error for the named operation (login, holdings,
// orders, place_order, cancel_order, candles, quote, limits).
func (m *Broker) FailNext(op string, err error) {
	m.mu.Lock()
	m.failNext[op] = err
	m.mu.Unlock()
}

// FailLogin makes every Login call fail until cleared.
func (m *Broker) FailLogin(err error) {
	m.mu.Lock()
	m.loginErr = err
	m.mu.Unlock()
}

func (m *Broker) takeFailure(op string) error {
	err, ok := m.failNext[op]
	if ok {
		delete(m.failNext, op)
	}
	return err
}

// SetHoldings replaces the holdings snapshot.
func (m *Broker) SetHoldings(h ...broker.Holding) {
	m.mu.Lock()
	m.holdings = append([]broker.Holding(nil), h...)
	m.mu.Unlock()
}

// SetCash sets the available cash reported by Limits.
func (m *Broker) SetCash(cash float64) {
	m.mu.Lock()
	m.margin = broker.Margin{AvailableCash: cash}
	m.mu.Unlock()
}

// SeedCandles installs the daily candle history for a ticker.
func (m *Broker) SeedCandles(ticker string, interval broker.Interval, candles []broker.Candle) {
	m.mu.Lock()
	m.candles[candleKey(ticker, interval)] = candles
	m.mu.Unlock()
}

// SeedQuote installs the quote snapshot for a symbol.
func (m *Broker) SeedQuote(symbol string, q broker.Quote) {
	m.mu.Lock()
	m.quotes[symbol] = q
	m.mu.Unlock()
}

// SeedFundamentals installs valuation ratios for a ticker.
func (m *Broker) SeedFundamentals(ticker string, f broker.Fundamentals) {
	m.mu.Lock()
	m.fundamentals[ticker] = f
	m.mu.Unlock()
}

// SeedScrip installs one scrip master row.
func (m *Broker) SeedScrip(symbol, token string) {
	m.mu.Lock()
	m.scrips[strings.ToUpper(symbol)] = broker.Scrip{
		Token:         token,
		TradingSymbol: strings.ToUpper(symbol),
		Exchange:      "NSE",
	}
	m.mu.Unlock()
}

func candleKey(ticker string, interval broker.Interval) string {
	return ticker + "|" + string(interval)
}

// Login counts calls; fails when armed via FailLogin.
func (m *Broker) Login(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loginErr != nil {
		return m.loginErr
	}
	m.LoginCount++
	return nil
}

// Holdings returns the scripted holdings snapshot.
func (m *Broker) Holdings(_ context.Context) ([]broker.Holding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("holdings"); err != nil {
		return nil, err
	}
	return append([]broker.Holding(nil), m.holdings...), nil
}

// Limits returns the scripted margin.
func (m *Broker) Limits(_ context.Context) (*broker.Margin, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("limits"); err != nil {
		return nil, err
	}
	margin := m.margin
	return &margin, nil
}

// Orders lists the order book, newest first is not guaranteed.
func (m *Broker) Orders(_ context.Context, filter broker.OrderFilter) ([]broker.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("orders"); err != nil {
		return nil, err
	}
	var out []broker.Order
	for _, o := range m.orders {
		if filter.Matches(*o) {
			out = append(out, *o)
		}
	}
	return out, nil
}

// OrderStatus returns one order.
func (m *Broker) OrderStatus(_ context.Context, orderID string) (*broker.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("order_status"); err != nil {
		return nil, err
	}
	o, ok := m.orders[orderID]
	if !ok {
		return nil, models.Errorf(models.KindBrokerReject, "order_status", "unknown order %s", orderID)
	}
	cp := *o
	return &cp, nil
}

// PlaceOrder books an order. Market orders auto-fill at the seeded quote
// LTP (or the limit price when no quote exists).
func (m *Broker) PlaceOrder(_ context.Context, req broker.OrderRequest) (*broker.OrderAck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("place_order"); err != nil {
		return nil, err
	}
	if req.Quantity <= 0 {
		return nil, models.Errorf(models.KindBrokerReject, "place_order", "quantity must be positive")
	}
	if req.Type == broker.TypeLimit && req.Price <= 0 {
		return nil, models.Errorf(models.KindBrokerReject, "place_order", "limit order needs a price")
	}

	m.nextOrderID++
	id := fmt.Sprintf("MOCK-%06d", m.nextOrderID)
	order := &broker.Order{
		OrderID:       id,
		TradingSymbol: req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Price:         req.Price,
		Quantity:      req.Quantity,
		Status:        broker.StatusOpen,
		UpdatedAt:     time.Now(),
	}

	if req.Type == broker.TypeMarket && m.AutoFillMarket {
		exec := req.Price
		if q, ok := m.quotes[req.Symbol]; ok && q.LTP > 0 {
			exec = q.LTP
		}
		if exec <= 0 {
			exec = 100
		}
		order.Status = broker.StatusComplete
		order.ExecPrice = exec
		order.FilledQuantity = req.Quantity
	}

	m.orders[id] = order
	return &broker.OrderAck{OrderID: id}, nil
}

// ModifyOrder updates price and qty on a live order.
func (m *Broker) ModifyOrder(_ context.Context, orderID string, price float64, qty int) (*broker.OrderAck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, models.Errorf(models.KindBrokerReject, "modify_order", "unknown order %s", orderID)
	}
	if !o.Live() {
		return nil, models.Errorf(models.KindBrokerReject, "modify_order", "order %s is %s", orderID, o.Status)
	}
	o.Price = price
	o.Quantity = qty
	o.UpdatedAt = time.Now()
	return &broker.OrderAck{OrderID: orderID}, nil
}

// CancelOrder cancels a live order. Cancelling an already-cancelled order
// is a no-op ack, matching the real broker.
func (m *Broker) CancelOrder(_ context.Context, orderID string) (*broker.OrderAck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("cancel_order"); err != nil {
		return nil, err
	}
	o, ok := m.orders[orderID]
	if !ok {
		return nil, models.Errorf(models.KindBrokerReject, "cancel_order", "unknown order %s", orderID)
	}
	switch o.Status {
	case broker.StatusCancelled:
		return &broker.OrderAck{OrderID: orderID}, nil
	case broker.StatusComplete:
		return nil, models.Errorf(models.KindBrokerReject, "cancel_order", "order %s already complete", orderID)
	}
	o.Status = broker.StatusCancelled
	o.UpdatedAt = time.Now()
	return &broker.OrderAck{OrderID: orderID}, nil
}

// Quote returns the seeded quote.
func (m *Broker) Quote(_ context.Context, symbol string) (*broker.Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("quote"); err != nil {
		return nil, err
	}
	q, ok := m.quotes[symbol]
	if !ok {
		return nil, models.Errorf(models.KindBrokerReject, "quote", "no quote for %s", symbol)
	}
	return &q, nil
}

// Candles returns the seeded history for the ticker and interval.
func (m *Broker) Candles(_ context.Context, ticker string, interval broker.Interval, _ int) ([]broker.Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("candles"); err != nil {
		return nil, err
	}
	candles, ok := m.candles[candleKey(ticker, interval)]
	if !ok {
		return nil, nil
	}
	return append([]broker.Candle(nil), candles...), nil
}

// Fundamentals returns the seeded ratios.
func (m *Broker) Fundamentals(_ context.Context, ticker string) (*broker.Fundamentals, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("fundamentals"); err != nil {
		return nil, err
	}
	f, ok := m.fundamentals[ticker]
	if !ok {
		return &broker.Fundamentals{}, nil
	}
	return &f, nil
}

// ScripMaster returns the seeded table.
func (m *Broker) ScripMaster(_ context.Context) (broker.ScripTable, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(broker.ScripTable, len(m.scrips))
	for k, v := range m.scrips {
		out[k] = v
	}
	return out, nil
}

// WSURL returns a placeholder stream endpoint.
func (m *Broker) WSURL() string {
	return "wss://mock.invalid/feed"
}

// WSToken returns placeholder stream credentials.
func (m *Broker) WSToken() (string, string) {
	return "mock-token", "mock-sid"
}

// FillOrder marks a resting order complete at the given execution price.
func (m *Broker) FillOrder(orderID string, execPrice float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return fmt.Errorf("unknown order %s", orderID)
	}
	if !o.Live() {
		return fmt.Errorf("order %s is %s", orderID, o.Status)
	}
	o.Status = broker.StatusComplete
	o.ExecPrice = execPrice
	o.FilledQuantity = o.Quantity
	o.UpdatedAt = time.Now()
	return nil
}

// InjectOrder places a pre-built order into the book, for reconciliation
// scenarios where the broker knows about an order the ledger does not.
func (m *Broker) InjectOrder(o broker.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := o
	m.orders[o.OrderID] = &cp
}

// OpenOrders returns the live orders, for test assertions.
func (m *Broker) OpenOrders() []broker.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []broker.Order
	for _, o := range m.orders {
		if o.Live() {
			out = append(out, *o)
		}
	}
	return out
}

// Order returns one order by id, for test assertions.
func (m *Broker) Order(orderID string) (broker.Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return broker.Order{}, false
	}
	return *o, true
}

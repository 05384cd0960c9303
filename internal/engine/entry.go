// Package engine implements the trade lifecycle: candidate entries,
// pyramiding re-entries, and the EMA9 trailing exit.
package engine

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"nifty_dipper/internal/broker"
	"nifty_dipper/internal/marketdata"
	"nifty_dipper/internal/models"
	"nifty_dipper/internal/notify"
	"nifty_dipper/internal/storage"
	"nifty_dipper/internal/strategy"
	"nifty_dipper/internal/util"
)

// Skip reasons recorded per candidate / position and aggregated into the
// daily summary.
const (
	SkipPortfolioFull     = "portfolio_full"
	SkipDuplicate         = "duplicate"
	SkipQtyZero           = "qty_zero"
	SkipIlliquid          = "illiquid"
	SkipInsufficientFunds = "insufficient_funds"
	SkipDailyCap          = "daily_cap"
	SkipNoSignal          = "no_signal"
	SkipInsufficientData  = "insufficient_data"
)

// EntryConfig sizes and bounds the entry protocol.
type EntryConfig struct {
	DefaultCapital      float64
	MaxPortfolioSize    int
	MaxPosToVolumeRatio float64
	MaxReentriesPerDay  int
	OrderConfirmWait    time.Duration
	OrderConfirmPoll    time.Duration
}

func (c EntryConfig) withDefaults() EntryConfig {
	if c.DefaultCapital <= 0 {
		c.DefaultCapital = 100000
	}
	if c.MaxPortfolioSize <= 0 {
		c.MaxPortfolioSize = 6
	}
	if c.MaxPosToVolumeRatio <= 0 {
		c.MaxPosToVolumeRatio = 0.05
	}
	if c.MaxReentriesPerDay <= 0 {
		c.MaxReentriesPerDay = 1
	}
	if c.OrderConfirmWait <= 0 {
		c.OrderConfirmWait = 20 * time.Second
	}
	if c.OrderConfirmPoll <= 0 {
		c.OrderConfirmPoll = 2 * time.Second
	}
	return c
}

// EntryResult records what happened to one candidate or re-entry signal.
type EntryResult struct {
	Ticker     string
	Placed     bool
	OrderID    string
	Quantity   int
	Price      float64
	Level      int
	SkipReason string
}

// EntryEngine validates, sizes, and places buy orders, and owns the
// re-entry level bookkeeping. Level flags only ever change in the store
// transaction that appends the broker-acknowledged fill.
type EntryEngine struct {
	broker broker.Broker
	store  storage.Interface
	market *marketdata.Service
	events *notify.Manager
	logger *log.Logger
	config EntryConfig
	loc    *time.Location
	pool   *util.WorkerPool
}

// NewEntryEngine wires the entry side. pool bounds concurrent re-entry
// evaluations and may be nil for serial evaluation.
func NewEntryEngine(b broker.Broker, store storage.Interface, market *marketdata.Service,
	events *notify.Manager, cfg EntryConfig, loc *time.Location, pool *util.WorkerPool,
	logger *log.Logger) *EntryEngine {
	if logger == nil {
		logger = log.Default()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &EntryEngine{
		broker: b,
		store:  store,
		market: market,
		events: events,
		logger: logger,
		config: cfg.withDefaults(),
		loc:    loc,
		pool:   pool,
	}
}

// brokerSnapshot is the per-run view of broker truth the dedup and
// affordability checks run against. Cash is reserved locally as orders are
// placed within the run; the mutex keeps pooled re-entry evaluations from
// spending the same rupees twice.
type brokerSnapshot struct {
	holdings  []broker.Holding
	buyOrders []broker.Order

	mu   sync.Mutex
	cash float64
}

// available returns the cash not yet claimed by a reservation.
func (s *brokerSnapshot) available() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cash
}

// reserve clamps qty to what the remaining cash affords at price and debits
// the cost before any order goes out. Returns the granted quantity, which
// may be zero.
func (s *brokerSnapshot) reserve(qty int, price float64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if affordable := strategy.SizeOrder(s.cash, price); qty > affordable {
		qty = affordable
	}
	if qty > 0 {
		s.cash -= float64(qty) * price
	}
	return qty
}

// release credits a reservation back when no order resulted from it.
func (s *brokerSnapshot) release(qty int, price float64) {
	if qty < 1 {
		return
	}
	s.mu.Lock()
	s.cash += float64(qty) * price
	s.mu.Unlock()
}

// settle replaces a reservation's estimated cost with the actual fill cost.
func (s *brokerSnapshot) settle(qty int, reserved, actual float64) {
	s.mu.Lock()
	s.cash += float64(qty) * (reserved - actual)
	s.mu.Unlock()
}

func (e *EntryEngine) snapshot(ctx context.Context) (*brokerSnapshot, error) {
	holdings, err := e.broker.Holdings(ctx)
	if err != nil {
		return nil, fmt.Errorf("holdings snapshot: %w", err)
	}
	orders, err := e.broker.Orders(ctx, broker.OrderFilter{Side: broker.SideBuy})
	if err != nil {
		return nil, fmt.Errorf("orders snapshot: %w", err)
	}
	live := orders[:0]
	for _, o := range orders {
		if o.Live() {
			live = append(live, o)
		}
	}
	margin, err := e.broker.Limits(ctx)
	if err != nil {
		return nil, fmt.Errorf("limits snapshot: %w", err)
	}
	return &brokerSnapshot{holdings: holdings, buyOrders: live, cash: margin.AvailableCash}, nil
}

// hasTicker reports whether the base ticker already appears in holdings or
// live buy orders under any series variant.
func (s *brokerSnapshot) hasTicker(ticker string) bool {
	base := broker.BaseSymbol(ticker)
	for _, h := range s.holdings {
		if broker.BaseSymbol(h.TradingSymbol) == base && h.Quantity > 0 {
			return true
		}
	}
	for _, o := range s.buyOrders {
		if broker.BaseSymbol(o.TradingSymbol) == base {
			return true
		}
	}
	return false
}

// ProcessCandidates runs the new-entry protocol over today's candidates in
// priority order. variety is AMO at open and REGULAR for intraday retries.
func (e *EntryEngine) ProcessCandidates(ctx context.Context, cands []models.Candidate, variety broker.Variety) []EntryResult {
	if len(cands) == 0 {
		return nil
	}

	snap, err := e.snapshot(ctx)
	if err != nil {
		e.logger.Printf("ERROR: entry run aborted, broker snapshot failed: %v", err)
		return nil
	}

	openCount := len(e.store.OpenPositions())
	results := make([]EntryResult, 0, len(cands))

	for _, c := range cands {
		if err := ctx.Err(); err != nil {
			break
		}

		if openCount >= e.config.MaxPortfolioSize {
			e.logger.Printf("%s: portfolio full (%d/%d), skipping remaining candidates",
				c.Ticker, openCount, e.config.MaxPortfolioSize)
			results = append(results, EntryResult{Ticker: c.Ticker, SkipReason: SkipPortfolioFull})
			continue
		}

		res := e.tryNewEntry(ctx, c, snap, variety)
		if res.Placed {
			openCount++
		}
		results = append(results, res)
	}
	return results
}

// tryNewEntry runs dedup, sizing, liquidity, and affordability for one
// candidate, placing the buy when everything clears.
func (e *EntryEngine) tryNewEntry(ctx context.Context, c models.Candidate, snap *brokerSnapshot, variety broker.Variety) EntryResult {
	res := EntryResult{Ticker: c.Ticker, Level: 30}

	if snap.hasTicker(c.Ticker) {
		e.logger.Printf("%s: already held or ordered, skipping", c.Ticker)
		res.SkipReason = SkipDuplicate
		return res
	}

	capital := c.ExecutionCapital
	if capital <= 0 {
		capital = e.config.DefaultCapital
	}
	qty := strategy.SizeOrder(capital, c.LastClose)
	if qty < 1 {
		e.logger.Printf("%s: capital %.0f cannot buy one share at %.2f", c.Ticker, capital, c.LastClose)
		res.SkipReason = SkipQtyZero
		return res
	}

	symbol := c.Ticker + "-EQ"
	avgVolume := e.avgVolume(ctx, symbol)
	if !strategy.PassesLiquidityGuard(qty, c.LastClose, avgVolume, e.config.MaxPosToVolumeRatio) {
		e.logger.Printf("%s: position of %d would exceed liquidity guard (avg vol %d)", c.Ticker, qty, avgVolume)
		res.SkipReason = SkipIlliquid
		return res
	}

	// New entries park rather than clamp: the reservation must cover the
	// full quantity or it is handed back.
	granted := snap.reserve(qty, c.LastClose)
	if granted < qty {
		snap.release(granted, c.LastClose)
		e.logger.Printf("%s: need %d shares, cash covers %d; parking for retry", c.Ticker, qty, granted)
		if err := e.store.EnqueueFailed(c, SkipInsufficientFunds, time.Now()); err != nil {
			e.logger.Printf("ERROR: failed to park %s: %v", c.Ticker, err)
		}
		e.publish(ctx, notify.Event{
			Level: notify.LevelWarning,
			Kind:  notify.KindInsufficientFunds,
			Title: fmt.Sprintf("%s buy parked: insufficient funds", c.Ticker),
			Fields: map[string]string{
				"qty":  fmt.Sprintf("%d", qty),
				"cash": fmt.Sprintf("%.2f", snap.available()),
			},
		})
		res.SkipReason = SkipInsufficientFunds
		return res
	}

	order, err := e.placeAndConfirmBuy(ctx, symbol, qty, c.LastClose, variety)
	if err != nil {
		snap.release(qty, c.LastClose)
		e.handlePlacementFailure(ctx, c, err)
		res.SkipReason = skipReasonFor(err)
		return res
	}

	fill := models.Fill{
		Time:      fillTime(order),
		Side:      models.SideBuy,
		Price:     fillPrice(order, c.LastClose),
		Qty:       qty,
		Level:     30,
		OrderID:   order.OrderID,
		EntryKind: models.EntryInitial,
	}
	snap.settle(qty, c.LastClose, fill.Price)
	if err := e.store.AddFill(c.Ticker, symbol, fill); err != nil {
		e.logger.Printf("ERROR: order %s placed but ledger append failed: %v", order.OrderID, err)
		e.publish(ctx, notify.Event{
			Level:   notify.LevelCritical,
			Kind:    notify.KindPersistence,
			Title:   fmt.Sprintf("%s fill not recorded", c.Ticker),
			Message: err.Error(),
		})
		res.SkipReason = "persistence_error"
		return res
	}

	e.logger.Printf("%s: BUY %d @ %.2f placed (%s, order %s)", c.Ticker, qty, fill.Price, variety, order.OrderID)
	e.publish(ctx, notify.Event{
		Level: notify.LevelInfo,
		Kind:  notify.KindExecution,
		Title: fmt.Sprintf("%s initial entry filled", c.Ticker),
		Fields: map[string]string{
			"qty":   fmt.Sprintf("%d", qty),
			"price": fmt.Sprintf("%.2f", fill.Price),
			"order": order.OrderID,
		},
	})

	res.Placed = true
	res.OrderID = order.OrderID
	res.Quantity = qty
	res.Price = fill.Price
	return res
}

// RetryFailedOrders replays the failed-order queue through the
// affordability and placement steps. Successfully placed entries leave the
// queue; still-unaffordable ones stay with their attempt count bumped via
// re-enqueue semantics.
func (e *EntryEngine) RetryFailedOrders(ctx context.Context) []EntryResult {
	queue := e.store.FailedOrders()
	if len(queue) == 0 {
		return nil
	}

	snap, err := e.snapshot(ctx)
	if err != nil {
		e.logger.Printf("ERROR: failed-order retry aborted, broker snapshot failed: %v", err)
		return nil
	}

	openCount := len(e.store.OpenPositions())
	var results []EntryResult
	for _, fo := range queue {
		if openCount >= e.config.MaxPortfolioSize {
			results = append(results, EntryResult{Ticker: fo.Candidate.Ticker, SkipReason: SkipPortfolioFull})
			continue
		}
		res := e.tryNewEntry(ctx, fo.Candidate, snap, broker.VarietyRegular)
		if res.Placed {
			openCount++
			if err := e.store.DequeueFailed(fo.Candidate.Ticker); err != nil {
				e.logger.Printf("Warning: could not dequeue %s after retry: %v", fo.Candidate.Ticker, err)
			}
		} else if res.SkipReason == SkipDuplicate {
			// Filled through some other path since the failure; drop it.
			if err := e.store.DequeueFailed(fo.Candidate.Ticker); err != nil {
				e.logger.Printf("Warning: could not dequeue duplicate %s: %v", fo.Candidate.Ticker, err)
			}
		}
		results = append(results, res)
	}
	return results
}

// Indicators carries one position's monitor-cycle inputs.
type Indicators struct {
	RSI10  float64
	Close  float64
	EMA9   float64
	EMA200 float64
}

// EvaluateReentries runs the re-entry protocol over all open positions,
// fanning the indicator fetches out to the analysis pool.
func (e *EntryEngine) EvaluateReentries(ctx context.Context) []EntryResult {
	positions := e.store.OpenPositions()
	if len(positions) == 0 {
		return nil
	}

	snap, err := e.snapshot(ctx)
	if err != nil {
		e.logger.Printf("ERROR: re-entry run aborted, broker snapshot failed: %v", err)
		return nil
	}

	results := make([]EntryResult, len(positions))
	run := func(i int, p models.Position) {
		ind, err := e.fetchIndicators(ctx, p)
		if err != nil {
			if models.IsKind(err, models.KindInsufficientData) {
				e.logger.Printf("%s: insufficient history for re-entry evaluation", p.Ticker)
				results[i] = EntryResult{Ticker: p.Ticker, SkipReason: SkipInsufficientData}
			} else {
				e.logger.Printf("Warning: %s re-entry indicators failed: %v", p.Ticker, err)
				results[i] = EntryResult{Ticker: p.Ticker, SkipReason: "indicator_error"}
			}
			return
		}
		results[i] = e.EvaluateReentry(ctx, p, *ind, snap)
	}

	if e.pool == nil {
		for i, p := range positions {
			run(i, p)
		}
	} else {
		done := make(chan struct{}, len(positions))
		for i, p := range positions {
			if err := e.pool.Submit(func() {
				defer func() { done <- struct{}{} }()
				run(i, p)
			}); err != nil {
				e.logger.Printf("Warning: analysis pool rejected %s: %v", p.Ticker, err)
				done <- struct{}{}
			}
		}
		for range positions {
			<-done
		}
	}
	return results
}

// EvaluateReentry applies the level rules to one open position. Exported
// so a restart or test can drive a single position directly.
func (e *EntryEngine) EvaluateReentry(ctx context.Context, p models.Position, ind Indicators, snap *brokerSnapshot) EntryResult {
	res := EntryResult{Ticker: p.Ticker}

	decision := strategy.DecideLevel(p.Levels, ind.RSI10)
	if decision.ArmReset {
		if err := e.store.MarkResetReady(p.Ticker, true); err != nil {
			e.logger.Printf("ERROR: %s: persisting reset latch: %v", p.Ticker, err)
		}
		res.SkipReason = SkipNoSignal
		return res
	}
	if !decision.Actionable() {
		res.SkipReason = SkipNoSignal
		return res
	}
	res.Level = decision.NextLevel

	if e.store.ReentriesToday(p.Ticker, time.Now()) >= e.config.MaxReentriesPerDay {
		e.logger.Printf("%s: daily re-entry cap reached, skipping level %d", p.Ticker, decision.NextLevel)
		res.SkipReason = SkipDailyCap
		return res
	}

	if e.hasLiveBuyOrder(snap, p.Ticker) {
		e.logger.Printf("%s: live buy order pending, skipping re-entry", p.Ticker)
		res.SkipReason = SkipDuplicate
		return res
	}

	qty := strategy.SizeOrder(e.config.DefaultCapital, ind.Close)
	if qty < 1 {
		res.SkipReason = SkipQtyZero
		return res
	}
	avgVolume := e.avgVolume(ctx, p.BrokerSymbol)
	if !strategy.PassesLiquidityGuard(qty, ind.Close, avgVolume, e.config.MaxPosToVolumeRatio) {
		res.SkipReason = SkipIlliquid
		return res
	}

	// Re-entries clamp to affordable quantity instead of parking. The cost
	// is reserved before the order goes out so a concurrent evaluation
	// cannot claim the same cash.
	qty = snap.reserve(qty, ind.Close)
	if qty < 1 {
		e.logger.Printf("%s: no affordable quantity for level %d re-entry", p.Ticker, decision.NextLevel)
		res.SkipReason = SkipInsufficientFunds
		return res
	}

	order, err := e.placeAndConfirmBuy(ctx, p.BrokerSymbol, qty, ind.Close, broker.VarietyRegular)
	if err != nil {
		snap.release(qty, ind.Close)
		e.logger.Printf("Warning: %s level %d re-entry failed: %v", p.Ticker, decision.NextLevel, err)
		res.SkipReason = skipReasonFor(err)
		return res
	}

	// Flags move only now, with the acknowledged fill. A fresh cycle clears
	// the old flags first, then the fill toggles its own level.
	if decision.ResetCycle {
		if err := e.store.ResetLevels(p.Ticker); err != nil {
			e.logger.Printf("ERROR: %s: cycle reset failed: %v", p.Ticker, err)
		}
	}
	fill := models.Fill{
		Time:      fillTime(order),
		Side:      models.SideBuy,
		Price:     fillPrice(order, ind.Close),
		Qty:       qty,
		Level:     decision.NextLevel,
		OrderID:   order.OrderID,
		EntryKind: models.EntryReentry,
	}
	snap.settle(qty, ind.Close, fill.Price)
	if err := e.store.AddFill(p.Ticker, p.BrokerSymbol, fill); err != nil {
		e.logger.Printf("ERROR: order %s placed but ledger append failed: %v", order.OrderID, err)
		res.SkipReason = "persistence_error"
		return res
	}

	e.logger.Printf("%s: level %d re-entry, BUY %d @ %.2f (order %s)",
		p.Ticker, decision.NextLevel, qty, fill.Price, order.OrderID)
	e.publish(ctx, notify.Event{
		Level: notify.LevelInfo,
		Kind:  notify.KindExecution,
		Title: fmt.Sprintf("%s level %d re-entry filled", p.Ticker, decision.NextLevel),
		Fields: map[string]string{
			"qty":   fmt.Sprintf("%d", qty),
			"price": fmt.Sprintf("%.2f", fill.Price),
			"order": order.OrderID,
		},
	})

	res.Placed = true
	res.OrderID = order.OrderID
	res.Quantity = qty
	res.Price = fill.Price
	return res
}

// fetchIndicators computes the monitor-cycle snapshot for one position:
// daily closes plus the freshest LTP as a provisional bar.
func (e *EntryEngine) fetchIndicators(ctx context.Context, p models.Position) (*Indicators, error) {
	closes, err := e.market.DailyCloses(ctx, p.Ticker, 2, strategy.MinBarsForEMA200)
	if err != nil {
		return nil, err
	}
	ltp, _, err := e.market.LTPWithFallback(ctx, p.BrokerSymbol, p.Ticker)
	if err != nil {
		ltp = 0 // evaluate on official closes alone
	}
	snap, err := strategy.Evaluate(closes, ltp)
	if err != nil {
		return nil, err
	}
	return &Indicators{RSI10: snap.RSI10, Close: snap.Close, EMA9: snap.EMA9, EMA200: snap.EMA200}, nil
}

func (e *EntryEngine) hasLiveBuyOrder(snap *brokerSnapshot, ticker string) bool {
	base := broker.BaseSymbol(ticker)
	for _, o := range snap.buyOrders {
		if broker.BaseSymbol(o.TradingSymbol) == base {
			return true
		}
	}
	return false
}

// avgVolume pulls the ticker's average volume for the liquidity guard; 0
// means unknown and the guard passes.
func (e *EntryEngine) avgVolume(ctx context.Context, symbol string) int64 {
	q, err := e.broker.Quote(ctx, symbol)
	if err != nil || q == nil {
		return 0
	}
	if q.AvgVolume > 0 {
		return q.AvgVolume
	}
	return q.Volume
}

// placeAndConfirmBuy places a market buy and waits briefly for the broker
// to acknowledge a terminal state. A still-open AMO order is returned as
// acknowledged; it executes at the next open.
func (e *EntryEngine) placeAndConfirmBuy(ctx context.Context, symbol string, qty int, refPrice float64, variety broker.Variety) (*broker.Order, error) {
	ack, err := e.broker.PlaceOrder(ctx, broker.OrderRequest{
		Symbol:   symbol,
		Side:     broker.SideBuy,
		Type:     broker.TypeMarket,
		Variety:  variety,
		Quantity: qty,
		Product:  broker.ProductCNC,
	})
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(e.config.OrderConfirmWait)
	for {
		order, err := e.broker.OrderStatus(ctx, ack.OrderID)
		if err == nil && order != nil {
			switch order.Status {
			case broker.StatusComplete:
				return order, nil
			case broker.StatusRejected, broker.StatusCancelled:
				return nil, models.Errorf(models.KindBrokerReject, "place_buy",
					"order %s ended %s", ack.OrderID, order.Status)
			}
			if variety == broker.VarietyAMO {
				// AMO rests until open; the placement ack is the commit point.
				return order, nil
			}
		}
		if time.Now().After(deadline) {
			// Ack stands; execution price resolves on a later status check.
			return &broker.Order{OrderID: ack.OrderID, TradingSymbol: symbol,
				Side: broker.SideBuy, Quantity: qty, Price: refPrice, Status: broker.StatusOpen}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(e.config.OrderConfirmPoll):
		}
	}
}

func (e *EntryEngine) handlePlacementFailure(ctx context.Context, c models.Candidate, err error) {
	kind := models.KindOf(err)
	switch kind {
	case models.KindInsufficientFunds, models.KindTransient, models.KindRateLimited, models.KindCircuitOpen:
		e.logger.Printf("Warning: %s buy failed (%s), parking for retry: %v", c.Ticker, kind, err)
		if qerr := e.store.EnqueueFailed(c, string(kind), time.Now()); qerr != nil {
			e.logger.Printf("ERROR: failed to park %s: %v", c.Ticker, qerr)
		}
	case models.KindDuplicateOrder:
		e.logger.Printf("%s: broker reports duplicate order, skipping", c.Ticker)
	default:
		e.logger.Printf("ERROR: %s buy rejected: %v", c.Ticker, err)
		e.publish(ctx, notify.Event{
			Level:   notify.LevelWarning,
			Kind:    notify.KindRejection,
			Title:   fmt.Sprintf("%s buy rejected", c.Ticker),
			Message: err.Error(),
		})
	}
}

func (e *EntryEngine) publish(ctx context.Context, event notify.Event) {
	if e.events != nil {
		e.events.Publish(ctx, event)
	}
}

func skipReasonFor(err error) string {
	kind := models.KindOf(err)
	if kind == models.KindUnknown {
		return "error"
	}
	return strings.ToLower(string(kind))
}

func fillPrice(order *broker.Order, fallback float64) float64 {
	if order != nil && order.ExecPrice > 0 {
		return order.ExecPrice
	}
	return fallback
}

func fillTime(order *broker.Order) time.Time {
	if order != nil && !order.UpdatedAt.IsZero() {
		return order.UpdatedAt
	}
	return time.Now()
}

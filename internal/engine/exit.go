package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"nifty_dipper/internal/broker"
	"nifty_dipper/internal/marketdata"
	"nifty_dipper/internal/models"
	"nifty_dipper/internal/notify"
	"nifty_dipper/internal/storage"
	"nifty_dipper/internal/strategy"
	"nifty_dipper/internal/util"
)

// Exit reasons recorded on closed positions.
const (
	ExitReasonEMA9Target = "ema9_target"
	ExitReasonRSIExit    = "rsi_exit"
	ExitReasonManualSell = models.ConditionManualSell
)

// errSellFilled signals that a cancel attempt raced a fill: the order
// completed, so the position must close instead of re-placing.
var errSellFilled = errors.New("sell order filled during cancel")

// ExitConfig bounds the trailing-sell protocol.
type ExitConfig struct {
	// SafetyFloorPct is the fraction of entry price below which no EMA9
	// sell is placed (default 0.95: never sell at a 5%+ loss via EMA9).
	SafetyFloorPct float64
	// RSIExit closes the position outright once RSI recovers past it.
	RSIExit float64
	// RSIExitEnabled gates the RSI exit path.
	RSIExitEnabled bool
	// CancelAttempts caps cancel retries before giving up on a revision
	// (capped low: an unconfirmed cancel plus a new order can double-sell).
	CancelAttempts int
	// CancelConfirmWait bounds the wait for a cancel acknowledgement.
	CancelConfirmWait time.Duration
	// HistoryYears is how much daily history the EMA computation requests.
	HistoryYears int
}

func (c ExitConfig) withDefaults() ExitConfig {
	if c.SafetyFloorPct <= 0 || c.SafetyFloorPct >= 1 {
		c.SafetyFloorPct = 0.95
	}
	if c.RSIExit <= 0 {
		c.RSIExit = 50
	}
	if c.CancelAttempts <= 0 || c.CancelAttempts > 2 {
		c.CancelAttempts = 2
	}
	if c.CancelConfirmWait <= 0 {
		c.CancelConfirmWait = 10 * time.Second
	}
	if c.HistoryYears <= 0 {
		c.HistoryYears = 2
	}
	return c
}

// ExitEngine trails a sell limit at the daily EMA9 for every open position,
// revising the limit downward only, and reconciles completed sells into the
// ledger. Positions are processed in parallel by a bounded pool; each
// position is owned by exactly one worker within a cycle.
type ExitEngine struct {
	broker broker.Broker
	store  storage.Interface
	market *marketdata.Service
	events *notify.Manager
	logger *log.Logger
	config ExitConfig
	pool   *util.WorkerPool
}

// NewExitEngine wires the exit side. pool may be nil for serial cycles.
func NewExitEngine(b broker.Broker, store storage.Interface, market *marketdata.Service,
	events *notify.Manager, cfg ExitConfig, pool *util.WorkerPool, logger *log.Logger) *ExitEngine {
	if logger == nil {
		logger = log.Default()
	}
	return &ExitEngine{
		broker: b,
		store:  store,
		market: market,
		events: events,
		logger: logger,
		config: cfg.withDefaults(),
		pool:   pool,
	}
}

// RunCycle monitors every open position once. Called at market open (first
// placement) and on each hourly monitor tick.
func (x *ExitEngine) RunCycle(ctx context.Context) {
	positions := x.store.OpenPositions()
	if len(positions) == 0 {
		return
	}

	if x.pool == nil {
		for _, p := range positions {
			x.MonitorPosition(ctx, p)
		}
		return
	}

	done := make(chan struct{}, len(positions))
	for _, p := range positions {
		if err := x.pool.Submit(func() {
			defer func() { done <- struct{}{} }()
			x.MonitorPosition(ctx, p)
		}); err != nil {
			x.logger.Printf("Warning: exit pool rejected %s: %v", p.Ticker, err)
			done <- struct{}{}
		}
	}
	for range positions {
		<-done
	}
}

// MonitorPosition runs one position through the exit protocol:
// reconcile the tracked sell order, evaluate indicators, apply the RSI
// exit, then place or trail the EMA9 sell limit.
func (x *ExitEngine) MonitorPosition(ctx context.Context, p models.Position) {
	// A completed sell discovered here (including at startup) closes the
	// position; nothing below may re-place an order for it.
	if p.HasLiveSellOrder() {
		closed, err := x.reconcileSellOrder(ctx, &p)
		if err != nil {
			x.logger.Printf("Warning: %s: sell order check failed: %v", p.Ticker, err)
			return
		}
		if closed {
			return
		}
	}

	closes, err := x.market.DailyCloses(ctx, p.Ticker, x.config.HistoryYears, strategy.MinBarsForEMA200)
	if err != nil {
		if models.IsKind(err, models.KindInsufficientData) {
			x.logger.Printf("%s: insufficient history for EMA9 trail", p.Ticker)
		} else {
			x.logger.Printf("Warning: %s: daily closes failed: %v", p.Ticker, err)
		}
		return
	}
	ltp, source, err := x.market.LTPWithFallback(ctx, p.BrokerSymbol, p.Ticker)
	if err != nil {
		x.logger.Printf("Warning: %s: no usable price: %v", p.Ticker, err)
		return
	}
	snap, err := strategy.Evaluate(closes, ltp)
	if err != nil {
		x.logger.Printf("Warning: %s: indicator evaluation failed: %v", p.Ticker, err)
		return
	}
	if source == models.PriceSourceFallback {
		x.logger.Printf("%s: using fallback close %.2f for EMA9 trail", p.Ticker, ltp)
	}

	if x.config.RSIExitEnabled && snap.RSI10 >= x.config.RSIExit {
		x.exitAtMarket(ctx, &p, snap.RSI10)
		return
	}

	x.trailEMA9(ctx, &p, snap.EMA9)
}

// reconcileSellOrder refreshes the tracked sell order's status. Returns
// true when the position was closed (filled) this pass.
func (x *ExitEngine) reconcileSellOrder(ctx context.Context, p *models.Position) (bool, error) {
	order, err := x.broker.OrderStatus(ctx, p.SellOrder.OrderID)
	if err != nil {
		return false, err
	}

	switch order.Status {
	case broker.StatusComplete:
		x.closeFromOrder(ctx, p, order, sellReason(p))
		return true, nil
	case broker.StatusCancelled, broker.StatusRejected:
		// Order died outside our protocol; forget it and let the trail
		// place a fresh one this cycle.
		x.logger.Printf("%s: tracked sell %s is %s; clearing", p.Ticker, order.OrderID, order.Status)
		if err := x.store.ClearExitOrder(p.Ticker); err != nil {
			return false, err
		}
		p.SellOrder = nil
		return false, nil
	default:
		return false, nil
	}
}

// trailEMA9 places or lowers the sell limit. The limit only ever moves
// down, and never below the safety floor relative to entry.
func (x *ExitEngine) trailEMA9(ctx context.Context, p *models.Position, ema9 float64) {
	floor := x.config.SafetyFloorPct * p.EntryPrice
	limit := util.RoundToTick(ema9, broker.TickSize)

	if !p.HasLiveSellOrder() {
		if ema9 < floor {
			x.logger.Printf("%s: skip_below_safety_floor ema9=%.2f floor=%.2f", p.Ticker, ema9, floor)
			return
		}
		x.placeSell(ctx, p, limit, ema9)
		return
	}

	if p.LowestEMA9Seen != nil && ema9 >= *p.LowestEMA9Seen {
		return // trail never rises
	}
	if ema9 < floor {
		x.logger.Printf("%s: skip_below_safety_floor ema9=%.2f floor=%.2f (keeping %.2f)",
			p.Ticker, ema9, floor, p.SellOrder.LimitPrice)
		return
	}

	// Cancel must be confirmed before the replacement goes out.
	if err := x.cancelSell(ctx, p); err != nil {
		if errors.Is(err, errSellFilled) {
			return // closed inside cancelSell
		}
		x.logger.Printf("Warning: %s: cancel unconfirmed, keeping existing sell: %v", p.Ticker, err)
		return
	}
	x.placeSell(ctx, p, limit, ema9)
}

// placeSell places a day limit sell for the full quantity and persists the
// order reference and the ratcheted trail value.
func (x *ExitEngine) placeSell(ctx context.Context, p *models.Position, limit, ema9 float64) {
	ack, err := x.broker.PlaceOrder(ctx, broker.OrderRequest{
		Symbol:   p.BrokerSymbol,
		Side:     broker.SideSell,
		Type:     broker.TypeLimit,
		Variety:  broker.VarietyRegular,
		Quantity: p.CurrentQuantity,
		Price:    limit,
		Product:  broker.ProductCNC,
	})
	if err != nil {
		x.logger.Printf("Warning: %s: sell placement at %.2f failed: %v", p.Ticker, limit, err)
		return
	}

	if err := x.store.SetExitOrder(p.Ticker, ack.OrderID, limit, time.Now()); err != nil {
		x.logger.Printf("ERROR: %s: sell %s placed but not persisted: %v", p.Ticker, ack.OrderID, err)
	}
	if _, err := x.store.UpdateLowestEMA9(p.Ticker, ema9); err != nil {
		x.logger.Printf("ERROR: %s: trail update failed: %v", p.Ticker, err)
	}

	p.SellOrder = &models.SellOrderRef{OrderID: ack.OrderID, LimitPrice: limit, PlacedAt: time.Now()}
	p.UpdateLowestEMA9(ema9)

	x.advanceState(p)
	x.logger.Printf("%s: SELL LIMIT %d @ %.2f (order %s, ema9 %.2f)",
		p.Ticker, p.CurrentQuantity, limit, ack.OrderID, ema9)
}

// advanceState walks the exit machine from wherever the position sits to
// tracking, so the machine always reflects a live sell order after a
// placement. A transition error is logged, never allowed to block trading.
func (x *ExitEngine) advanceState(p *models.Position) {
	step := func(to models.ExitState, cond string) {
		if err := x.store.TransitionExitState(p.Ticker, to, cond); err != nil {
			x.logger.Printf("Warning: %s: state %s: %v", p.Ticker, to, err)
		}
	}
	switch p.GetCurrentState() {
	case models.StateInitial:
		step(models.StateOrderPlaced, models.ConditionSellPlaced)
		step(models.StateTracking, models.ConditionTrackingStarted)
	case models.StateOrderPlaced:
		step(models.StateTracking, models.ConditionTrackingStarted)
	case models.StateTracking:
		step(models.StateOrderUpdated, models.ConditionTrailLowered)
		step(models.StateTracking, models.ConditionTrackingResumed)
	case models.StateOrderUpdated:
		step(models.StateTracking, models.ConditionTrackingResumed)
	}
	p.ExitState = models.StateTracking
}

// sellReason maps the tracked sell back to its exit reason: a zero limit
// marks an RSI-exit market sell, anything else is the EMA9 trail.
func sellReason(p *models.Position) string {
	if p.SellOrder != nil && p.SellOrder.LimitPrice == 0 {
		return ExitReasonRSIExit
	}
	return ExitReasonEMA9Target
}

// cancelSell cancels the tracked sell with a small bounded retry and waits
// for the broker to confirm. A fill discovered mid-cancel closes the
// position and returns errSellFilled.
func (x *ExitEngine) cancelSell(ctx context.Context, p *models.Position) error {
	orderID := p.SellOrder.OrderID

	var lastErr error
	for attempt := 1; attempt <= x.config.CancelAttempts; attempt++ {
		_, err := x.broker.CancelOrder(ctx, orderID)
		if err == nil {
			break
		}
		lastErr = err

		// The cancel may have lost a race with a fill.
		if order, serr := x.broker.OrderStatus(ctx, orderID); serr == nil && order.Status == broker.StatusComplete {
			x.closeFromOrder(ctx, p, order, sellReason(p))
			return errSellFilled
		}
		if attempt == x.config.CancelAttempts {
			return fmt.Errorf("cancel %s: %w", orderID, lastErr)
		}
	}

	// Confirm the cancel before anything new is placed.
	deadline := time.Now().Add(x.config.CancelConfirmWait)
	for {
		order, err := x.broker.OrderStatus(ctx, orderID)
		if err == nil {
			switch order.Status {
			case broker.StatusCancelled, broker.StatusRejected:
				if err := x.store.ClearExitOrder(p.Ticker); err != nil {
					x.logger.Printf("ERROR: %s: clearing cancelled sell: %v", p.Ticker, err)
				}
				p.SellOrder = nil
				return nil
			case broker.StatusComplete:
				x.closeFromOrder(ctx, p, order, sellReason(p))
				return errSellFilled
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("cancel %s not confirmed within %s", orderID, x.config.CancelConfirmWait)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// exitAtMarket sells the position at market once RSI has recovered past
// the exit threshold. The resting limit is cancelled first under the same
// bounded protocol.
func (x *ExitEngine) exitAtMarket(ctx context.Context, p *models.Position, rsi float64) {
	x.logger.Printf("%s: RSI %.1f >= %.1f, exiting at market", p.Ticker, rsi, x.config.RSIExit)

	if p.HasLiveSellOrder() {
		if err := x.cancelSell(ctx, p); err != nil {
			if errors.Is(err, errSellFilled) {
				return
			}
			x.logger.Printf("Warning: %s: cannot cancel resting sell for RSI exit: %v", p.Ticker, err)
			return
		}
	}

	ack, err := x.broker.PlaceOrder(ctx, broker.OrderRequest{
		Symbol:   p.BrokerSymbol,
		Side:     broker.SideSell,
		Type:     broker.TypeMarket,
		Variety:  broker.VarietyRegular,
		Quantity: p.CurrentQuantity,
		Product:  broker.ProductCNC,
	})
	if err != nil {
		x.logger.Printf("Warning: %s: RSI exit sell failed: %v", p.Ticker, err)
		return
	}

	x.advanceState(p)
	order, err := x.broker.OrderStatus(ctx, ack.OrderID)
	if err == nil && order.Status == broker.StatusComplete {
		x.closeFromOrder(ctx, p, order, ExitReasonRSIExit)
		return
	}
	// Not filled yet: track it (limit 0 marks a market sell) so the next
	// cycle reconciles the close.
	if err := x.store.SetExitOrder(p.Ticker, ack.OrderID, 0, time.Now()); err != nil {
		x.logger.Printf("ERROR: %s: RSI exit order %s not persisted: %v", p.Ticker, ack.OrderID, err)
	}
	p.SellOrder = &models.SellOrderRef{OrderID: ack.OrderID, PlacedAt: time.Now()}
}

// closeFromOrder resolves a completed sell into the ledger and announces it.
func (x *ExitEngine) closeFromOrder(ctx context.Context, p *models.Position, order *broker.Order, reason string) {
	execPrice := order.ExecPrice
	if execPrice <= 0 {
		execPrice = order.Price
	}
	exitTime := order.UpdatedAt
	if exitTime.IsZero() {
		exitTime = time.Now()
	}

	closed, err := x.store.ClosePosition(p.Ticker, execPrice, exitTime, reason, order.OrderID)
	if err != nil {
		x.logger.Printf("ERROR: %s: closing position for order %s: %v", p.Ticker, order.OrderID, err)
		x.publish(ctx, notify.Event{
			Level:   notify.LevelCritical,
			Kind:    notify.KindPersistence,
			Title:   fmt.Sprintf("%s exit not recorded", p.Ticker),
			Message: err.Error(),
		})
		return
	}

	pl := closed.RealizedPL
	x.logger.Printf("%s: position closed at %.2f (%s), P&L %.2f", p.Ticker, execPrice, reason, pl)
	x.publish(ctx, notify.Event{
		Level: notify.LevelInfo,
		Kind:  notify.KindExecution,
		Title: fmt.Sprintf("%s exited (%s)", p.Ticker, reason),
		Fields: map[string]string{
			"price": fmt.Sprintf("%.2f", execPrice),
			"pl":    fmt.Sprintf("%.2f", pl),
			"order": order.OrderID,
		},
	})
}

func (x *ExitEngine) publish(ctx context.Context, event notify.Event) {
	if x.events != nil {
		x.events.Publish(ctx, event)
	}
}

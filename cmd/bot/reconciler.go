package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"nifty_dipper/internal/broker"
	"nifty_dipper/internal/models"
	"nifty_dipper/internal/notify"
	"nifty_dipper/internal/storage"
)

// Reconciler matches broker truth against the ledger each monitor cycle.
// It closes positions the account holder sold manually, adjusts quantities
// the ledger has wrong, and surfaces holdings the engine does not manage.
// It never deletes unrelated holdings and never places orders.
type Reconciler struct {
	broker broker.Broker
	store  storage.Interface
	events *notify.Manager
	logger *log.Logger
}

// NewReconciler wires the reconciliation pass.
func NewReconciler(b broker.Broker, store storage.Interface, events *notify.Manager, logger *log.Logger) *Reconciler {
	if logger == nil {
		logger = log.Default()
	}
	return &Reconciler{broker: b, store: store, events: events, logger: logger}
}

// Reconcile runs one pass. Broker fetch failures abort the pass; the next
// cycle tries again.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	holdings, err := r.broker.Holdings(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: holdings: %w", err)
	}
	orders, err := r.broker.Orders(ctx, broker.OrderFilter{})
	if err != nil {
		return fmt.Errorf("reconcile: orders: %w", err)
	}

	heldQty := make(map[string]int, len(holdings))
	for _, h := range holdings {
		heldQty[broker.BaseSymbol(h.TradingSymbol)] += h.Quantity
	}

	managed := make(map[string]bool)
	for _, p := range r.store.OpenPositions() {
		managed[broker.BaseSymbol(p.BrokerSymbol)] = true
		r.reconcilePosition(ctx, p, heldQty[broker.BaseSymbol(p.BrokerSymbol)], orders)
	}

	// Holdings the ledger knows nothing about are surfaced, not managed.
	for _, h := range holdings {
		if h.Quantity > 0 && !managed[broker.BaseSymbol(h.TradingSymbol)] {
			r.logger.Printf("Unmanaged holding at broker: %s x%d", h.TradingSymbol, h.Quantity)
		}
	}
	return nil
}

// reconcilePosition compares one open position against the broker's view.
func (r *Reconciler) reconcilePosition(ctx context.Context, p models.Position, brokerQty int, orders []broker.Order) {
	if brokerQty == p.CurrentQuantity {
		return
	}

	// The engine's own tracked sell completing is the exit engine's close,
	// not a manual trade.
	if p.HasLiveSellOrder() && orderCompleted(orders, p.SellOrder.OrderID) {
		return
	}

	// Shares gone entirely: look for the completed sell that explains it
	// and close the position as a manual sell.
	if brokerQty == 0 {
		sell := findCompletedSell(orders, p)
		exitPrice := p.EntryPrice
		exitOrderID := ""
		exitTime := time.Now()
		if sell != nil {
			if sell.ExecPrice > 0 {
				exitPrice = sell.ExecPrice
			}
			exitOrderID = sell.OrderID
			if !sell.UpdatedAt.IsZero() {
				exitTime = sell.UpdatedAt
			}
		} else {
			r.logger.Printf("Warning: %s holdings gone with no completed sell on the book; closing at entry price", p.Ticker)
		}

		if _, err := r.store.ClosePosition(p.Ticker, exitPrice, exitTime, models.ConditionManualSell, exitOrderID); err != nil {
			r.logger.Printf("ERROR: closing manually sold %s: %v", p.Ticker, err)
			return
		}
		r.logger.Printf("%s: closed as manual sell at %.2f", p.Ticker, exitPrice)
		r.events.Publish(ctx, notify.Event{
			Level:   notify.LevelWarning,
			Kind:    notify.KindManualTrade,
			Title:   fmt.Sprintf("%s sold outside the engine", p.Ticker),
			Message: fmt.Sprintf("Position closed as manual_sell at %.2f", exitPrice),
		})
		return
	}

	// Partial divergence: a live order for the symbol explains a transient
	// mismatch; otherwise trust the broker and adjust the ledger.
	if hasLiveOrderFor(orders, p.BrokerSymbol) {
		r.logger.Printf("%s: qty mismatch (ledger %d, broker %d) with a live order; waiting", p.Ticker, p.CurrentQuantity, brokerQty)
		return
	}

	refPrice := p.EntryPrice
	if sell := findCompletedSell(orders, p); sell != nil && sell.ExecPrice > 0 {
		refPrice = sell.ExecPrice
	}
	note := fmt.Sprintf("manual trade: broker qty %d vs ledger %d on %s",
		brokerQty, p.CurrentQuantity, time.Now().Format("2006-01-02"))
	if err := r.store.AdjustQuantity(p.Ticker, brokerQty, refPrice, note); err != nil {
		r.logger.Printf("ERROR: adjusting %s to broker qty %d: %v", p.Ticker, brokerQty, err)
		return
	}
	r.logger.Printf("%s: quantity adjusted %d -> %d (manual trade)", p.Ticker, p.CurrentQuantity, brokerQty)
	r.events.Publish(ctx, notify.Event{
		Level: notify.LevelWarning,
		Kind:  notify.KindManualTrade,
		Title: fmt.Sprintf("%s quantity adjusted to broker", p.Ticker),
		Fields: map[string]string{
			"ledger_qty": fmt.Sprintf("%d", p.CurrentQuantity),
			"broker_qty": fmt.Sprintf("%d", brokerQty),
		},
	})
}

// findCompletedSell returns the completed sell order matching the position's
// symbol that the ledger has not recorded, preferring one that is not the
// position's own tracked sell (a tracked fill is the exit engine's job).
func findCompletedSell(orders []broker.Order, p models.Position) *broker.Order {
	base := broker.BaseSymbol(p.BrokerSymbol)
	tracked := ""
	if p.SellOrder != nil {
		tracked = p.SellOrder.OrderID
	}
	var trackedSell *broker.Order
	for i := range orders {
		o := &orders[i]
		if o.Side != broker.SideSell || o.Status != broker.StatusComplete {
			continue
		}
		if broker.BaseSymbol(o.TradingSymbol) != base {
			continue
		}
		if o.OrderID == tracked {
			trackedSell = o
			continue
		}
		return o
	}
	return trackedSell
}

func orderCompleted(orders []broker.Order, orderID string) bool {
	for _, o := range orders {
		if o.OrderID == orderID {
			return o.Status == broker.StatusComplete
		}
	}
	return false
}

func hasLiveOrderFor(orders []broker.Order, symbol string) bool {
	base := broker.BaseSymbol(symbol)
	for _, o := range orders {
		if o.Live() && broker.BaseSymbol(o.TradingSymbol) == base {
			return true
		}
	}
	return false
}

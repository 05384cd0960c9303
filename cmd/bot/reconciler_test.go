package main

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"nifty_dipper/internal/broker"
	"nifty_dipper/internal/mock"
	"nifty_dipper/internal/models"
	"nifty_dipper/internal/notify"
	"nifty_dipper/internal/storage"
)

func reconTestStore(t *testing.T) storage.Interface {
	t.Helper()
	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "ledger.json"), time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	return store
}

func openTestPosition(t *testing.T, store storage.Interface, ticker, symbol string, price float64, qty int) {
	t.Helper()
	err := store.AddFill(ticker, symbol, models.Fill{
		Time: time.Now().AddDate(0, 0, -2), Side: models.SideBuy, Price: price, Qty: qty,
		Level: 30, OrderID: "INIT-" + ticker, EntryKind: models.EntryInitial,
	})
	if err != nil {
		t.Fatal(err)
	}
}

// ledgerPosition fetches a position whether it is still open or already
// closed (GetPositionByTicker only searches open positions).
func ledgerPosition(t *testing.T, store storage.Interface, ticker string) *models.Position {
	t.Helper()
	if p, ok := store.GetPositionByTicker(ticker); ok {
		return p
	}
	for _, p := range store.AllPositions() {
		if p.Ticker == ticker {
			cp := p
			return &cp
		}
	}
	t.Fatalf("%s not in ledger", ticker)
	return nil
}

func newTestReconciler(b *mock.Broker, store storage.Interface) *Reconciler {
	logger := log.New(os.Stdout, "", 0)
	events := notify.NewManager(logger, notify.NewLogNotifier(logger))
	return NewReconciler(b, store, events, logger)
}

func TestReconcile_ExternalSellClosesPosition(t *testing.T) {
	b := mock.NewBroker()
	store := reconTestStore(t)
	openTestPosition(t, store, "RELIANCE", "RELIANCE-EQ", 2500, 40)

	// The account holder sold from another app: holdings are gone and a
	// completed sell the ledger never placed sits on the book.
	b.SetHoldings()
	b.InjectOrder(broker.Order{
		OrderID: "EXT-1", TradingSymbol: "RELIANCE-EQ", Side: broker.SideSell,
		Quantity: 40, FilledQuantity: 40, Status: broker.StatusComplete,
		ExecPrice: 2550, UpdatedAt: time.Now(),
	})

	r := newTestReconciler(b, store)
	if err := r.Reconcile(context.Background()); err != nil {
		t.Fatal(err)
	}

	p := ledgerPosition(t, store, "RELIANCE")
	if p.Status != models.StatusClosed {
		t.Fatalf("externally sold position should close, status=%s", p.Status)
	}
	if p.ExitReason != models.ConditionManualSell {
		t.Errorf("exit reason = %q, want manual_sell", p.ExitReason)
	}
	if p.ExitPrice != 2550 {
		t.Errorf("exit price = %.2f, want broker exec 2550", p.ExitPrice)
	}
	if p.ExitOrderID != "EXT-1" {
		t.Errorf("exit order id = %q, want EXT-1", p.ExitOrderID)
	}
}

func TestReconcile_QuantityDivergenceAdjustsLedger(t *testing.T) {
	b := mock.NewBroker()
	store := reconTestStore(t)
	openTestPosition(t, store, "RELIANCE", "RELIANCE-EQ", 2500, 40)

	// 15 shares sold manually; no order on the book explains it.
	b.SetHoldings(broker.Holding{TradingSymbol: "RELIANCE-EQ", Quantity: 25, AvgPrice: 2500})

	r := newTestReconciler(b, store)
	if err := r.Reconcile(context.Background()); err != nil {
		t.Fatal(err)
	}

	p, _ := store.GetPositionByTicker("RELIANCE")
	if p.Status != models.StatusOpen {
		t.Fatalf("partial divergence keeps the position open, status=%s", p.Status)
	}
	if p.CurrentQuantity != 25 {
		t.Errorf("quantity = %d, want broker's 25", p.CurrentQuantity)
	}
	if len(p.Notes) == 0 {
		t.Error("adjustment must leave a note on the position")
	}
}

func TestReconcile_LiveOrderExplainsDivergence(t *testing.T) {
	b := mock.NewBroker()
	store := reconTestStore(t)
	openTestPosition(t, store, "RELIANCE", "RELIANCE-EQ", 2500, 40)

	// A resting buy makes the holdings snapshot transiently short.
	b.SetHoldings(broker.Holding{TradingSymbol: "RELIANCE-EQ", Quantity: 25, AvgPrice: 2500})
	b.InjectOrder(broker.Order{
		OrderID: "PENDING-1", TradingSymbol: "RELIANCE-EQ", Side: broker.SideBuy,
		Quantity: 15, Status: broker.StatusOpen,
	})

	r := newTestReconciler(b, store)
	if err := r.Reconcile(context.Background()); err != nil {
		t.Fatal(err)
	}

	p, _ := store.GetPositionByTicker("RELIANCE")
	if p.CurrentQuantity != 40 {
		t.Errorf("live order should defer the adjustment, quantity=%d", p.CurrentQuantity)
	}
}

func TestReconcile_TrackedSellLeftToExitEngine(t *testing.T) {
	b := mock.NewBroker()
	store := reconTestStore(t)
	openTestPosition(t, store, "RELIANCE", "RELIANCE-EQ", 2500, 40)

	// The engine's own trailing sell filled; the exit engine owns that
	// close so it can record the ema9_target reason.
	if err := store.SetExitOrder("RELIANCE", "SELL-1", 2480, time.Now()); err != nil {
		t.Fatal(err)
	}
	b.SetHoldings()
	b.InjectOrder(broker.Order{
		OrderID: "SELL-1", TradingSymbol: "RELIANCE-EQ", Side: broker.SideSell,
		Quantity: 40, FilledQuantity: 40, Status: broker.StatusComplete,
		ExecPrice: 2480, UpdatedAt: time.Now(),
	})

	r := newTestReconciler(b, store)
	if err := r.Reconcile(context.Background()); err != nil {
		t.Fatal(err)
	}

	p, _ := store.GetPositionByTicker("RELIANCE")
	if p.Status != models.StatusOpen {
		t.Errorf("tracked sell fills belong to the exit engine, status=%s", p.Status)
	}
}

func TestFindCompletedSell_PrefersUntrackedOrder(t *testing.T) {
	p := models.Position{
		Ticker:       "RELIANCE",
		BrokerSymbol: "RELIANCE-EQ",
		SellOrder:    &models.SellOrderRef{OrderID: "SELL-1"},
	}

	// The tracked sell sits first on the book; the manual sell after it is
	// the one that explains holdings the exit engine did not drain.
	orders := []broker.Order{
		{OrderID: "SELL-1", TradingSymbol: "RELIANCE-EQ", Side: broker.SideSell,
			Status: broker.StatusComplete, ExecPrice: 2480},
		{OrderID: "EXT-1", TradingSymbol: "RELIANCE-EQ", Side: broker.SideSell,
			Status: broker.StatusComplete, ExecPrice: 2550},
	}

	sell := findCompletedSell(orders, p)
	if sell == nil || sell.OrderID != "EXT-1" {
		t.Fatalf("got %+v, want the untracked EXT-1", sell)
	}

	// With only the tracked sell on the book it is still better than nothing.
	sell = findCompletedSell(orders[:1], p)
	if sell == nil || sell.OrderID != "SELL-1" {
		t.Fatalf("got %+v, want the tracked SELL-1 as fallback", sell)
	}
}

func TestReconcile_ForeignHoldingsUntouched(t *testing.T) {
	b := mock.NewBroker()
	store := reconTestStore(t)
	openTestPosition(t, store, "RELIANCE", "RELIANCE-EQ", 2500, 40)

	b.SetHoldings(
		broker.Holding{TradingSymbol: "RELIANCE-EQ", Quantity: 40, AvgPrice: 2500},
		broker.Holding{TradingSymbol: "HDFC-EQ", Quantity: 100, AvgPrice: 1600},
	)

	r := newTestReconciler(b, store)
	if err := r.Reconcile(context.Background()); err != nil {
		t.Fatal(err)
	}

	if _, ok := store.GetPositionByTicker("HDFC"); ok {
		t.Error("foreign holdings must never enter the ledger")
	}
	p, _ := store.GetPositionByTicker("RELIANCE")
	if p.CurrentQuantity != 40 || p.Status != models.StatusOpen {
		t.Errorf("matching position must be untouched: %+v", p)
	}
}

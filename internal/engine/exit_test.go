package engine

import (
	"context"
	"log"
	"math"
	"os"
	"sync"
	"testing"
	"time"

	"nifty_dipper/internal/broker"
	"nifty_dipper/internal/marketdata"
	"nifty_dipper/internal/mock"
	"nifty_dipper/internal/models"
	"nifty_dipper/internal/notify"
	"nifty_dipper/internal/storage"
)

func newExitEngine(t *testing.T, b *mock.Broker, store storage.Interface, cfg ExitConfig) *ExitEngine {
	t.Helper()
	logger := log.New(os.Stdout, "", 0)
	market := marketdata.NewService(b, nil, time.Minute, logger)
	events := notify.NewManager(logger, notify.NewLogNotifier(logger))
	return NewExitEngine(b, store, market, events, cfg, nil, logger)
}

func openSellOrder(t *testing.T, b *mock.Broker, store storage.Interface, ticker string) broker.Order {
	t.Helper()
	p, ok := store.GetPositionByTicker(ticker)
	if !ok || !p.HasLiveSellOrder() {
		t.Fatalf("%s has no tracked sell order", ticker)
	}
	o, ok := b.Order(p.SellOrder.OrderID)
	if !ok {
		t.Fatalf("tracked order %s unknown to broker", p.SellOrder.OrderID)
	}
	return o
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

func TestTrailEMA9_PlaceRatchetAndFloor(t *testing.T) {
	b := mock.NewBroker()
	store := newTestStore(t)
	seedPosition(t, store, "RELIANCE", "RELIANCE-EQ", 2500, 10)

	x := newExitEngine(t, b, store, ExitConfig{})
	ctx := context.Background()

	// First pass places the sell at EMA9.
	p, _ := store.GetPositionByTicker("RELIANCE")
	x.trailEMA9(ctx, p, 2480)
	order := openSellOrder(t, b, store, "RELIANCE")
	if order.Side != broker.SideSell || order.Type != broker.TypeLimit {
		t.Fatalf("expected a sell limit, got %+v", order)
	}
	if math.Abs(order.Price-2480) > 1e-9 || order.Quantity != 10 {
		t.Errorf("sell = %d @ %.2f, want 10 @ 2480", order.Quantity, order.Price)
	}
	firstID := order.OrderID

	p, _ = store.GetPositionByTicker("RELIANCE")
	if p.GetCurrentState() != models.StateTracking {
		t.Errorf("state after placement = %s, want tracking", p.GetCurrentState())
	}
	if p.LowestEMA9Seen == nil || *p.LowestEMA9Seen != 2480 {
		t.Errorf("trail not recorded: %v", p.LowestEMA9Seen)
	}

	// EMA9 rises: the trail never moves up.
	x.trailEMA9(ctx, p, 2490)
	if got := openSellOrder(t, b, store, "RELIANCE"); got.OrderID != firstID {
		t.Errorf("rising EMA9 must not touch the order, got new order %s", got.OrderID)
	}

	// EMA9 falls: cancel and replace lower.
	p, _ = store.GetPositionByTicker("RELIANCE")
	x.trailEMA9(ctx, p, 2460)
	second := openSellOrder(t, b, store, "RELIANCE")
	if second.OrderID == firstID {
		t.Fatal("lower EMA9 should have replaced the order")
	}
	if math.Abs(second.Price-2460) > 1e-9 {
		t.Errorf("replacement at %.2f, want 2460", second.Price)
	}
	if old, _ := b.Order(firstID); old.Status != broker.StatusCancelled {
		t.Errorf("first order should be cancelled, is %s", old.Status)
	}

	// EMA9 drops under the safety floor (0.95 * 2500 = 2375): keep the order.
	p, _ = store.GetPositionByTicker("RELIANCE")
	x.trailEMA9(ctx, p, 2300)
	if got := openSellOrder(t, b, store, "RELIANCE"); got.OrderID != second.OrderID {
		t.Errorf("EMA9 below floor must leave the working order alone")
	}
	p, _ = store.GetPositionByTicker("RELIANCE")
	if *p.LowestEMA9Seen != 2460 {
		t.Errorf("floor-blocked pass must not ratchet the trail, got %.2f", *p.LowestEMA9Seen)
	}
}

func TestTrailEMA9_FloorBlocksFirstPlacement(t *testing.T) {
	b := mock.NewBroker()
	store := newTestStore(t)
	seedPosition(t, store, "RELIANCE", "RELIANCE-EQ", 2500, 10)

	x := newExitEngine(t, b, store, ExitConfig{})
	p, _ := store.GetPositionByTicker("RELIANCE")
	x.trailEMA9(context.Background(), p, 2300) // floor is 2375

	if orders := b.OpenOrders(); len(orders) != 0 {
		t.Errorf("no sell may be placed below the safety floor, found %+v", orders)
	}
	p, _ = store.GetPositionByTicker("RELIANCE")
	if p.HasLiveSellOrder() {
		t.Error("ledger must not track a sell that was never placed")
	}
}

func TestMonitorPosition_CompletedSellClosesPosition(t *testing.T) {
	b := mock.NewBroker()
	store := newTestStore(t)
	seedPosition(t, store, "RELIANCE", "RELIANCE-EQ", 2500, 10)

	x := newExitEngine(t, b, store, ExitConfig{})
	ctx := context.Background()

	p, _ := store.GetPositionByTicker("RELIANCE")
	x.trailEMA9(ctx, p, 2480)
	order := openSellOrder(t, b, store, "RELIANCE")
	if err := b.FillOrder(order.OrderID, 2481.5); err != nil {
		t.Fatal(err)
	}

	// Next monitor pass (startup or hourly) discovers the fill.
	p, _ = store.GetPositionByTicker("RELIANCE")
	x.MonitorPosition(ctx, *p)

	p = ledgerPosition(t, store, "RELIANCE")
	if p.Status != models.StatusClosed {
		t.Fatalf("position should be closed, is %s", p.Status)
	}
	if p.ExitReason != ExitReasonEMA9Target {
		t.Errorf("exit reason = %q, want %q", p.ExitReason, ExitReasonEMA9Target)
	}
	if p.ExitPrice != 2481.5 {
		t.Errorf("exit price = %.2f, want executed 2481.5", p.ExitPrice)
	}
	wantPL := 10 * (2481.5 - 2500.0)
	if math.Abs(p.RealizedPL-wantPL) > 1e-9 {
		t.Errorf("realized P&L = %.2f, want %.2f", p.RealizedPL, wantPL)
	}
	if p.GetCurrentState() != models.StateClosed {
		t.Errorf("exit state = %s, want closed", p.GetCurrentState())
	}
}

// captureNotifier records delivered events for assertions.
type captureNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (c *captureNotifier) Send(_ context.Context, e notify.Event) error {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
	return nil
}

func (c *captureNotifier) Name() string { return "capture" }

func (c *captureNotifier) snapshot() []notify.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]notify.Event(nil), c.events...)
}

func TestMonitorPosition_CloseReportsRealizedPL(t *testing.T) {
	b := mock.NewBroker()
	store := newTestStore(t)
	seedPosition(t, store, "RELIANCE", "RELIANCE-EQ", 2400, 40)

	logger := log.New(os.Stdout, "", 0)
	capture := &captureNotifier{}
	market := marketdata.NewService(b, nil, time.Minute, logger)
	x := NewExitEngine(b, store, market, notify.NewManager(logger, capture), ExitConfig{}, nil, logger)
	ctx := context.Background()

	p, _ := store.GetPositionByTicker("RELIANCE")
	x.trailEMA9(ctx, p, 2500)
	order := openSellOrder(t, b, store, "RELIANCE")
	if err := b.FillOrder(order.OrderID, 2500); err != nil {
		t.Fatal(err)
	}

	p, _ = store.GetPositionByTicker("RELIANCE")
	x.MonitorPosition(ctx, *p)

	p = ledgerPosition(t, store, "RELIANCE")
	if p.Status != models.StatusClosed {
		t.Fatalf("position should be closed, is %s", p.Status)
	}

	var exec *notify.Event
	for _, e := range capture.snapshot() {
		if e.Kind == notify.KindExecution {
			ev := e
			exec = &ev
		}
	}
	if exec == nil {
		t.Fatal("no execution event published for the close")
	}
	// 40 shares bought at 2400, sold at 2500.
	if exec.Fields["pl"] != "4000.00" {
		t.Errorf("notified P&L = %q, want 4000.00", exec.Fields["pl"])
	}
}

func TestTrailEMA9_FillDuringCancelClosesInsteadOfReplacing(t *testing.T) {
	b := mock.NewBroker()
	store := newTestStore(t)
	seedPosition(t, store, "RELIANCE", "RELIANCE-EQ", 2500, 10)

	x := newExitEngine(t, b, store, ExitConfig{})
	ctx := context.Background()

	p, _ := store.GetPositionByTicker("RELIANCE")
	x.trailEMA9(ctx, p, 2480)
	order := openSellOrder(t, b, store, "RELIANCE")

	// The order fills just before the revision tries to cancel it.
	if err := b.FillOrder(order.OrderID, 2480); err != nil {
		t.Fatal(err)
	}
	p, _ = store.GetPositionByTicker("RELIANCE")
	x.trailEMA9(ctx, p, 2460)

	p = ledgerPosition(t, store, "RELIANCE")
	if p.Status != models.StatusClosed {
		t.Fatalf("filled-during-cancel must close the position, status=%s", p.Status)
	}
	if orders := b.OpenOrders(); len(orders) != 0 {
		t.Errorf("no replacement may be placed after the fill, found %+v", orders)
	}
}

func TestMonitorPosition_RSIExit(t *testing.T) {
	b := mock.NewBroker()
	store := newTestStore(t)
	seedPosition(t, store, "RELIANCE", "RELIANCE-EQ", 2500, 10)
	b.SeedQuote("RELIANCE-EQ", broker.Quote{Symbol: "RELIANCE-EQ", LTP: 2550})

	x := newExitEngine(t, b, store, ExitConfig{RSIExitEnabled: true, RSIExit: 50})
	ctx := context.Background()

	// A resting EMA9 sell exists from an earlier cycle.
	p, _ := store.GetPositionByTicker("RELIANCE")
	x.trailEMA9(ctx, p, 2480)

	p, _ = store.GetPositionByTicker("RELIANCE")
	x.exitAtMarket(ctx, p, 63.2)

	p = ledgerPosition(t, store, "RELIANCE")
	if p.Status != models.StatusClosed {
		t.Fatalf("RSI exit should close the position, status=%s", p.Status)
	}
	if p.ExitReason != ExitReasonRSIExit {
		t.Errorf("exit reason = %q, want %q", p.ExitReason, ExitReasonRSIExit)
	}
	if p.ExitPrice != 2550 {
		t.Errorf("market sell should execute at LTP 2550, got %.2f", p.ExitPrice)
	}
}

func TestReconcileSellOrder_ClearsExternallyCancelledOrder(t *testing.T) {
	b := mock.NewBroker()
	store := newTestStore(t)
	seedPosition(t, store, "RELIANCE", "RELIANCE-EQ", 2500, 10)

	x := newExitEngine(t, b, store, ExitConfig{})
	ctx := context.Background()

	p, _ := store.GetPositionByTicker("RELIANCE")
	x.trailEMA9(ctx, p, 2480)
	order := openSellOrder(t, b, store, "RELIANCE")
	if _, err := b.CancelOrder(ctx, order.OrderID); err != nil {
		t.Fatal(err)
	}

	p, _ = store.GetPositionByTicker("RELIANCE")
	closed, err := x.reconcileSellOrder(ctx, p)
	if err != nil || closed {
		t.Fatalf("externally cancelled order should just clear (closed=%v err=%v)", closed, err)
	}
	p, _ = store.GetPositionByTicker("RELIANCE")
	if p.HasLiveSellOrder() {
		t.Error("cancelled sell must be cleared from the ledger")
	}
}

func TestRunCycle_MonitorsEveryOpenPosition(t *testing.T) {
	b := mock.NewBroker()
	store := newTestStore(t)
	seedPosition(t, store, "RELIANCE", "RELIANCE-EQ", 2500, 10)
	seedPosition(t, store, "TCS", "TCS-EQ", 3000, 5)

	// Enough declining history that EMA9 sits above the floor for both.
	b.SeedCandles("RELIANCE", broker.IntervalDaily, mock.FlatCandles(2490, 210))
	b.SeedCandles("TCS", broker.IntervalDaily, mock.FlatCandles(2990, 210))

	x := newExitEngine(t, b, store, ExitConfig{})
	x.RunCycle(context.Background())

	for _, ticker := range []string{"RELIANCE", "TCS"} {
		p, _ := store.GetPositionByTicker(ticker)
		if !p.HasLiveSellOrder() {
			t.Errorf("%s should have a trailing sell after the cycle", ticker)
		}
	}
}

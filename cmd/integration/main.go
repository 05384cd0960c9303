// Command integration runs an end-to-end dry run of the trade lifecycle
// against the scripted in-memory broker: candidate ingestion, initial entry,
// the failed-order retry path, the EMA9 trailing sell, and the final ledger
// state. It exits non-zero on the first mismatch.
package main

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"time"

	"nifty_dipper/internal/broker"
	"nifty_dipper/internal/candidates"
	"nifty_dipper/internal/engine"
	"nifty_dipper/internal/marketdata"
	"nifty_dipper/internal/mock"
	"nifty_dipper/internal/models"
	"nifty_dipper/internal/notify"
	"nifty_dipper/internal/storage"
)

var failures int

func check(ok bool, format string, args ...any) {
	if ok {
		log.Printf("PASS: "+format, args...)
		return
	}
	failures++
	log.Printf("FAIL: "+format, args...)
}

func main() {
	log.SetFlags(log.LstdFlags)
	logger := log.New(os.Stdout, "[INTEGRATION] ", log.LstdFlags)
	ctx := context.Background()

	dir, err := os.MkdirTemp("", "nifty_dipper_integration")
	if err != nil {
		log.Fatalf("temp dir: %v", err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	store, err := storage.NewStorage(filepath.Join(dir, "ledger.json"), time.UTC)
	if err != nil {
		log.Fatalf("ledger: %v", err)
	}

	// Scripted broker: RELIANCE affordable immediately, TCS only after the
	// retry pass when more cash is available.
	b := mock.NewBroker()
	b.SetCash(150000)
	b.SeedQuote("RELIANCE-EQ", broker.Quote{Symbol: "RELIANCE-EQ", LTP: 2448, AvgVolume: 5_000_000})
	b.SeedQuote("TCS-EQ", broker.Quote{Symbol: "TCS-EQ", LTP: 3005, AvgVolume: 4_000_000})
	b.SeedCandles("RELIANCE", broker.IntervalDaily, mock.FlatCandles(2450, 210))
	b.SeedCandles("TCS", broker.IntervalDaily, mock.FlatCandles(3000, 210))

	candDir := filepath.Join(dir, "candidates")
	if err := os.MkdirAll(candDir, 0o750); err != nil {
		log.Fatalf("candidate dir: %v", err)
	}
	writeCandidates(candDir)

	market := marketdata.NewService(b, nil, time.Minute, logger)
	events := notify.NewManager(logger, notify.NewLogNotifier(logger))
	entry := engine.NewEntryEngine(b, store, market, events, engine.EntryConfig{}, time.UTC, nil, logger)
	exit := engine.NewExitEngine(b, store, market, events, engine.ExitConfig{}, nil, logger)

	// 09:15 - candidates in, RELIANCE fills, TCS parks on funds.
	loader := candidates.NewLoader(candDir, 25, time.UTC, logger)
	cands, err := loader.LoadToday(time.Now())
	if err != nil {
		log.Fatalf("candidates: %v", err)
	}
	check(len(cands) == 2, "candidate file yields 2 accepted rows, got %d", len(cands))

	results := entry.ProcessCandidates(ctx, cands, broker.VarietyRegular)
	placed := countPlaced(results)
	check(placed == 1, "one entry placed at open, got %d", placed)

	rel, ok := store.GetPositionByTicker("RELIANCE")
	check(ok && rel.CurrentQuantity == 40, "RELIANCE opened with 40 shares")
	check(ok && rel.Levels.L30, "level 30 consumed by the initial fill")
	check(len(store.FailedOrders()) == 1, "TCS parked for retry, queue=%d", len(store.FailedOrders()))

	// Funds arrive; the retry pass places TCS.
	b.SetCash(500000)
	retried := entry.RetryFailedOrders(ctx)
	check(countPlaced(retried) == 1, "retry places the parked TCS entry")
	check(len(store.FailedOrders()) == 0, "queue drains after placement")

	// Exit trail: one monitor pass places both sells at the flat EMA9.
	exit.RunCycle(ctx)
	rel, _ = store.GetPositionByTicker("RELIANCE")
	check(rel.HasLiveSellOrder(), "RELIANCE has a trailing sell working")
	check(rel.SellOrder != nil && math.Abs(rel.SellOrder.LimitPrice-2450) < 1e-9,
		"RELIANCE sell limit sits at EMA9 2450, got %+v", rel.SellOrder)

	// The limit fills; the next pass reconciles the close.
	if rel.SellOrder != nil {
		if err := b.FillOrder(rel.SellOrder.OrderID, 2450); err != nil {
			log.Fatalf("filling sell: %v", err)
		}
	}
	exit.RunCycle(ctx)

	rel = ledgerPosition(store, "RELIANCE")
	check(rel.Status == models.StatusClosed, "RELIANCE closed after the sell filled, status=%s", rel.Status)
	check(rel.ExitReason == engine.ExitReasonEMA9Target, "exit reason is ema9_target, got %q", rel.ExitReason)
	wantPL := 40 * (2450.0 - 2448.0)
	check(math.Abs(rel.RealizedPL-wantPL) < 1e-9, "realized P&L %.2f, want %.2f", rel.RealizedPL, wantPL)

	tcs, _ := store.GetPositionByTicker("TCS")
	check(tcs != nil && tcs.Status == models.StatusOpen, "TCS remains open with its trail working")

	// Ledger survives a reload.
	reloaded, err := storage.NewStorage(filepath.Join(dir, "ledger.json"), time.UTC)
	if err != nil {
		log.Fatalf("reload: %v", err)
	}
	check(len(reloaded.AllPositions()) == 2, "reloaded ledger has both positions")
	check(len(reloaded.OpenPositions()) == 1, "reloaded ledger has one open position")

	if failures > 0 {
		log.Fatalf("%d integration checks failed", failures)
	}
	log.Println("integration run passed")
}

// ledgerPosition finds a position whether open or closed; GetPositionByTicker
// only searches open positions.
func ledgerPosition(store storage.Interface, ticker string) *models.Position {
	if p, ok := store.GetPositionByTicker(ticker); ok {
		return p
	}
	for _, p := range store.AllPositions() {
		if p.Ticker == ticker {
			cp := p
			return &cp
		}
	}
	log.Fatalf("%s not in ledger", ticker)
	return nil
}

func countPlaced(results []engine.EntryResult) int {
	n := 0
	for _, r := range results {
		if r.Placed {
			n++
		}
	}
	return n
}

func writeCandidates(dir string) {
	name := fmt.Sprintf("candidates_%s.csv", time.Now().Format("2006-01-02"))
	content := "ticker,last_close,final_verdict,combined_score,priority_score\n" +
		"RELIANCE,2450,buy,42,90\n" +
		"TCS,3000,strong_buy,38,80\n" +
		"IDEA,12,sell,55,99\n"
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
		log.Fatalf("writing candidates: %v", err)
	}
}

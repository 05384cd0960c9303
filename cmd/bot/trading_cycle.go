package main

import (
	"context"
	"fmt"
	"time"

	"nifty_dipper/internal/broker"
	"nifty_dipper/internal/models"
	"nifty_dipper/internal/notify"
)

// runSlot dispatches one scheduled slot. Handlers are sequential within a
// slot; the engines parallelize internally through their pools.
func (b *Bot) runSlot(ctx context.Context, slot Slot) {
	switch slot.Kind {
	case SlotPreMarketRetry:
		b.runPreMarketRetry(ctx)
	case SlotMarketOpen:
		b.runMarketOpen(ctx)
	case SlotMonitor:
		b.runMonitorCycle(ctx)
	case SlotEODCleanup:
		b.runEODCleanup(ctx)
	}
}

// runPreMarketRetry replays the failed-order queue at 09:00.
func (b *Bot) runPreMarketRetry(ctx context.Context) {
	results := b.entry.RetryFailedOrders(ctx)
	placed := 0
	for _, r := range results {
		if r.Placed {
			placed++
		}
	}
	if len(results) > 0 {
		b.logger.Printf("Failed-order retry: %d attempted, %d placed", len(results), placed)
	}
}

// runMarketOpen consumes today's candidates and starts the exit trail for
// every open position.
func (b *Bot) runMarketOpen(ctx context.Context) {
	cands, err := b.loader.LoadToday(time.Now())
	if err != nil {
		b.logger.Printf("ERROR: candidate load failed: %v", err)
	}

	if len(cands) > 0 {
		b.subscribeCandidates(cands)
		results := b.entry.ProcessCandidates(ctx, cands, broker.VarietyAMO)
		placed := 0
		for _, r := range results {
			if r.Placed {
				placed++
			}
		}
		b.logger.Printf("Market open: %d candidates, %d entries placed", len(cands), placed)
	} else {
		b.logger.Println("Market open: no candidates today")
	}

	b.subscribeOpenPositions()
	b.exit.RunCycle(ctx)
}

// runMonitorCycle is the recurring intraday pass: trail sells, reconcile
// broker truth, then evaluate re-entries with the refreshed ledger.
func (b *Bot) runMonitorCycle(ctx context.Context) {
	b.exit.RunCycle(ctx)

	if err := b.recon.Reconcile(ctx); err != nil {
		b.logger.Printf("Warning: reconciliation pass failed: %v", err)
	}

	results := b.entry.EvaluateReentries(ctx)
	for _, r := range results {
		if r.Placed {
			b.subscribeOpenPositions()
			break
		}
	}
}

// runEODCleanup purges expired failed orders and posts the daily summary.
func (b *Bot) runEODCleanup(ctx context.Context) {
	purged, err := b.store.PurgeExpiredFailed(time.Now())
	if err != nil {
		b.logger.Printf("ERROR: failed-order purge: %v", err)
	} else if purged > 0 {
		b.logger.Printf("EOD: purged %d expired failed orders", purged)
	}

	b.events.Publish(ctx, b.dailySummary(time.Now()))
}

// dailySummary aggregates today's activity from the ledger.
func (b *Bot) dailySummary(now time.Time) notify.Event {
	loc := b.config.Location()
	y, m, d := now.In(loc).Date()

	var open, closedToday, fillsToday int
	var realized float64
	for _, p := range b.store.AllPositions() {
		if p.Status == models.StatusOpen {
			open++
		}
		if p.Status == models.StatusClosed {
			cy, cm, cd := p.ExitTime.In(loc).Date()
			if cy == y && cm == m && cd == d {
				closedToday++
				realized += p.RealizedPL
			}
		}
		for _, f := range p.Fills {
			fy, fm, fd := f.Time.In(loc).Date()
			if fy == y && fm == m && fd == d {
				fillsToday++
			}
		}
	}

	return notify.Event{
		Level: notify.LevelInfo,
		Kind:  notify.KindDailySummary,
		Title: fmt.Sprintf("Daily summary %s", now.In(loc).Format("2006-01-02")),
		Fields: map[string]string{
			"open_positions": fmt.Sprintf("%d", open),
			"closed_today":   fmt.Sprintf("%d", closedToday),
			"fills_today":    fmt.Sprintf("%d", fillsToday),
			"realized_pl":    fmt.Sprintf("%.2f", realized),
			"parked_orders":  fmt.Sprintf("%d", len(b.store.FailedOrders())),
		},
	}
}

func (b *Bot) subscribeCandidates(cands []models.Candidate) {
	if b.feed == nil {
		return
	}
	symbols := make([]string, 0, len(cands))
	for _, c := range cands {
		symbols = append(symbols, c.Ticker+"-EQ")
	}
	b.feed.Subscribe(symbols...)
}

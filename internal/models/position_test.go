package models

import (
	"math"
	"testing"
	"time"
)

func buyFill(price float64, qty, level int, kind EntryKind, at time.Time) Fill {
	return Fill{
		Time:      at,
		Side:      SideBuy,
		Price:     price,
		Qty:       qty,
		Level:     level,
		OrderID:   "ord-1",
		EntryKind: kind,
	}
}

func TestApplyFill_InitialBuySetsEntryFieldsAndLevel(t *testing.T) {
	p := NewPosition("id-1", "RELIANCE", "RELIANCE-EQ")
	at := time.Date(2026, 3, 2, 9, 16, 0, 0, time.UTC)

	if err := p.ApplyFill(buyFill(2450.50, 40, 30, EntryInitial, at)); err != nil {
		t.Fatalf("ApplyFill() error: %v", err)
	}

	if p.CurrentQuantity != 40 {
		t.Fatalf("CurrentQuantity = %d, want 40", p.CurrentQuantity)
	}
	if p.EntryPrice != 2450.50 {
		t.Fatalf("EntryPrice = %v, want 2450.50", p.EntryPrice)
	}
	if !p.EntryTime.Equal(at) {
		t.Fatalf("EntryTime = %v, want %v", p.EntryTime, at)
	}
	if !p.Levels.Taken(30) || p.Levels.Taken(20) || p.Levels.Taken(10) {
		t.Fatalf("Levels = %+v, want only 30 taken", p.Levels)
	}
}

func TestApplyFill_ReentryTogglesOnlyItsLevel(t *testing.T) {
	p := NewPosition("id-1", "RELIANCE", "RELIANCE-EQ")
	day := time.Date(2026, 3, 2, 9, 16, 0, 0, time.UTC)

	if err := p.ApplyFill(buyFill(2450.50, 40, 30, EntryInitial, day)); err != nil {
		t.Fatalf("initial fill: %v", err)
	}
	if err := p.ApplyFill(buyFill(2300, 43, 20, EntryReentry, day.Add(2*time.Hour))); err != nil {
		t.Fatalf("reentry fill: %v", err)
	}

	if p.CurrentQuantity != 83 {
		t.Fatalf("CurrentQuantity = %d, want 83", p.CurrentQuantity)
	}
	// Entry price stays at the opening fill.
	if p.EntryPrice != 2450.50 {
		t.Fatalf("EntryPrice = %v, want 2450.50", p.EntryPrice)
	}
	if !p.Levels.Taken(30) || !p.Levels.Taken(20) || p.Levels.Taken(10) {
		t.Fatalf("Levels = %+v, want 30 and 20 taken", p.Levels)
	}
}

func TestApplyFill_RejectsBadInput(t *testing.T) {
	p := NewPosition("id-1", "TCS", "TCS-EQ")

	tests := []struct {
		name string
		fill Fill
	}{
		{"zero qty", Fill{Side: SideBuy, Price: 100, Qty: 0}},
		{"negative price", Fill{Side: SideBuy, Price: -1, Qty: 5}},
		{"unknown side", Fill{Side: OrderSide("hold"), Price: 100, Qty: 5}},
		{"oversell", Fill{Side: SideSell, Price: 100, Qty: 5}},
		{"unknown level", Fill{Side: SideBuy, Price: 100, Qty: 5, Level: 25}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := p.ApplyFill(tt.fill); err == nil {
				t.Fatalf("ApplyFill(%+v) expected error", tt.fill)
			}
		})
	}
	if len(p.Fills) != 0 {
		t.Fatalf("rejected fills must not be appended, got %d", len(p.Fills))
	}
}

func TestComputePL_SellProceedsMinusBuyCost(t *testing.T) {
	p := NewPosition("id-1", "INFY", "INFY-EQ")
	day := time.Date(2026, 3, 2, 9, 16, 0, 0, time.UTC)

	if err := p.ApplyFill(buyFill(1500, 60, 30, EntryInitial, day)); err != nil {
		t.Fatalf("buy: %v", err)
	}
	sell := Fill{Time: day.Add(48 * time.Hour), Side: SideSell, Price: 1560, Qty: 60, OrderID: "sell-1"}
	if err := p.ApplyFill(sell); err != nil {
		t.Fatalf("sell: %v", err)
	}

	want := 1560*60.0 - 1500*60.0
	if got := p.ComputePL(); math.Abs(got-want) > 1e-9 {
		t.Fatalf("ComputePL() = %v, want %v", got, want)
	}
	if p.CurrentQuantity != 0 {
		t.Fatalf("CurrentQuantity = %d, want 0 after full exit", p.CurrentQuantity)
	}
}

func TestReentriesOn_CountsOnlyTodaysReentryFills(t *testing.T) {
	ist := time.FixedZone("IST", 5*3600+1800)
	p := NewPosition("id-1", "HDFCBANK", "HDFCBANK-EQ")
	today := time.Date(2026, 3, 3, 11, 0, 0, 0, ist)
	yesterday := today.Add(-24 * time.Hour)

	fills := []Fill{
		buyFill(1650, 60, 30, EntryInitial, yesterday),
		buyFill(1600, 62, 20, EntryReentry, yesterday.Add(time.Hour)),
		buyFill(1550, 64, 10, EntryReentry, today),
	}
	for _, f := range fills {
		if err := p.ApplyFill(f); err != nil {
			t.Fatalf("ApplyFill: %v", err)
		}
	}

	if got := p.ReentriesOn(today, ist); got != 1 {
		t.Fatalf("ReentriesOn(today) = %d, want 1", got)
	}
	if got := p.ReentriesOn(yesterday, ist); got != 1 {
		t.Fatalf("ReentriesOn(yesterday) = %d, want 1", got)
	}
}

func TestUpdateLowestEMA9_MonotoneNonIncreasing(t *testing.T) {
	p := NewPosition("id-1", "RELIANCE", "RELIANCE-EQ")

	steps := []struct {
		value float64
		want  bool
		floor float64
	}{
		{2500, true, 2500},
		{2480, true, 2480},
		{2490, false, 2480},
		{2460, true, 2460},
		{2460, false, 2460},
	}
	for _, s := range steps {
		got := p.UpdateLowestEMA9(s.value)
		if got != s.want {
			t.Fatalf("UpdateLowestEMA9(%v) = %v, want %v", s.value, got, s.want)
		}
		if *p.LowestEMA9Seen != s.floor {
			t.Fatalf("LowestEMA9Seen = %v, want %v", *p.LowestEMA9Seen, s.floor)
		}
	}
}

func TestClose_RecordsExitAndRecomputesPL(t *testing.T) {
	p := NewPosition("id-1", "RELIANCE", "RELIANCE-EQ")
	day := time.Date(2026, 3, 2, 9, 16, 0, 0, time.UTC)
	if err := p.ApplyFill(buyFill(2450.50, 40, 30, EntryInitial, day)); err != nil {
		t.Fatalf("buy: %v", err)
	}
	if err := p.ApplyFill(Fill{Time: day.Add(time.Hour), Side: SideSell, Price: 2500, Qty: 40, OrderID: "s1"}); err != nil {
		t.Fatalf("sell: %v", err)
	}

	exitAt := day.Add(2 * time.Hour)
	if err := p.Close(2500, exitAt, "ema9_target", "s1"); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	if p.Status != StatusClosed {
		t.Fatalf("Status = %s, want closed", p.Status)
	}
	if p.ExitReason != "ema9_target" || p.ExitOrderID != "s1" {
		t.Fatalf("exit fields = %q/%q, want ema9_target/s1", p.ExitReason, p.ExitOrderID)
	}
	wantPL := (2500 - 2450.50) * 40
	if math.Abs(p.RealizedPL-wantPL) > 1e-9 {
		t.Fatalf("RealizedPL = %v, want %v", p.RealizedPL, wantPL)
	}

	if err := p.Close(2500, exitAt, "again", "s2"); err == nil {
		t.Fatalf("second Close() expected error")
	}
}

func TestValidateState_OpenQuantityMustMatchFills(t *testing.T) {
	p := NewPosition("id-1", "TCS", "TCS-EQ")
	day := time.Date(2026, 3, 2, 9, 16, 0, 0, time.UTC)
	if err := p.ApplyFill(buyFill(3500, 28, 30, EntryInitial, day)); err != nil {
		t.Fatalf("buy: %v", err)
	}
	if err := p.ValidateState(); err != nil {
		t.Fatalf("ValidateState() on consistent position: %v", err)
	}

	p.CurrentQuantity = 30
	if err := p.ValidateState(); err == nil {
		t.Fatalf("ValidateState() expected error when quantity diverges from fills")
	}
}

func TestValidateState_LevelFlagWithoutFillRejected(t *testing.T) {
	p := NewPosition("id-1", "TCS", "TCS-EQ")
	day := time.Date(2026, 3, 2, 9, 16, 0, 0, time.UTC)
	if err := p.ApplyFill(buyFill(3500, 28, 30, EntryInitial, day)); err != nil {
		t.Fatalf("buy: %v", err)
	}
	p.Levels.L10 = true
	if err := p.ValidateState(); err == nil {
		t.Fatalf("ValidateState() expected error for level flag without fill")
	}
}

func TestCopy_IsDeep(t *testing.T) {
	p := NewPosition("id-1", "SBIN", "SBIN-EQ")
	day := time.Date(2026, 3, 2, 9, 16, 0, 0, time.UTC)
	if err := p.ApplyFill(buyFill(600, 166, 30, EntryInitial, day)); err != nil {
		t.Fatalf("buy: %v", err)
	}
	p.UpdateLowestEMA9(610)
	p.SellOrder = &SellOrderRef{OrderID: "s-1", LimitPrice: 610, PlacedAt: day}

	cp := p.Copy()
	cp.Fills[0].Qty = 1
	*cp.LowestEMA9Seen = 1
	cp.SellOrder.OrderID = "mutated"
	cp.Notes = append(cp.Notes, "note")

	if p.Fills[0].Qty != 166 {
		t.Fatalf("copy mutation leaked into original fills")
	}
	if *p.LowestEMA9Seen != 610 {
		t.Fatalf("copy mutation leaked into LowestEMA9Seen")
	}
	if p.SellOrder.OrderID != "s-1" {
		t.Fatalf("copy mutation leaked into SellOrder")
	}
	if len(p.Notes) != 0 {
		t.Fatalf("copy mutation leaked into Notes")
	}
}

func TestCandidateAccepted(t *testing.T) {
	tests := []struct {
		name string
		c    Candidate
		want bool
	}{
		{"buy above min", Candidate{FinalVerdict: "buy", CombinedScore: 42}, true},
		{"strong_buy at min", Candidate{FinalVerdict: "strong_buy", CombinedScore: 25}, true},
		{"buy below min", Candidate{FinalVerdict: "buy", CombinedScore: 24.9}, false},
		{"watch verdict", Candidate{FinalVerdict: "watch", CombinedScore: 90}, false},
		{"avoid verdict", Candidate{FinalVerdict: "avoid", CombinedScore: 90}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.c.Accepted(25); got != tt.want {
				t.Fatalf("Accepted() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSortCandidates_PriorityThenScore(t *testing.T) {
	cands := []Candidate{
		{Ticker: "B", PriorityScore: 1, CombinedScore: 50},
		{Ticker: "A", PriorityScore: 2, CombinedScore: 30},
		{Ticker: "C", PriorityScore: 1, CombinedScore: 60},
	}
	SortCandidates(cands)
	got := []string{cands[0].Ticker, cands[1].Ticker, cands[2].Ticker}
	want := []string{"A", "C", "B"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestLivePriceStale(t *testing.T) {
	now := time.Now()
	lp := LivePrice{Symbol: "RELIANCE-EQ", Price: 2450, Timestamp: now.Add(-61 * time.Second)}
	if !lp.Stale(now, 60*time.Second) {
		t.Fatalf("price aged 61s should be stale at 60s threshold")
	}
	fresh := LivePrice{Symbol: "RELIANCE-EQ", Price: 2450, Timestamp: now.Add(-30 * time.Second)}
	if fresh.Stale(now, 60*time.Second) {
		t.Fatalf("price aged 30s should not be stale")
	}
}

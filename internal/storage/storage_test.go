package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"nifty_dipper/internal/models"
)

func newTestStorage(t *testing.T) (*JSONStorage, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.json")
	s, err := NewJSONStorage(path, time.UTC)
	if err != nil {
		t.Fatalf("NewJSONStorage: %v", err)
	}
	return s, path
}

func TestJSONStorage_RoundTripSurvivesReload(t *testing.T) {
	s, path := newTestStorage(t)
	day := time.Date(2026, 3, 2, 9, 16, 0, 0, time.UTC)

	fill := models.Fill{
		Time: day, Side: models.SideBuy, Price: 2450.50, Qty: 40,
		Level: 30, OrderID: "buy-1", EntryKind: models.EntryInitial,
	}
	if err := s.AddFill("RELIANCE", "RELIANCE-EQ", fill); err != nil {
		t.Fatalf("AddFill: %v", err)
	}
	if err := s.TransitionExitState("RELIANCE", models.StateOrderPlaced, models.ConditionSellPlaced); err != nil {
		t.Fatalf("TransitionExitState: %v", err)
	}
	if err := s.SetExitOrder("RELIANCE", "sell-1", 2500, day.Add(time.Hour)); err != nil {
		t.Fatalf("SetExitOrder: %v", err)
	}
	if _, err := s.UpdateLowestEMA9("RELIANCE", 2500); err != nil {
		t.Fatalf("UpdateLowestEMA9: %v", err)
	}
	cand := models.Candidate{Ticker: "TCS", LastClose: 3500, FinalVerdict: "buy", CombinedScore: 40}
	if err := s.EnqueueFailed(cand, "insufficient_funds", day); err != nil {
		t.Fatalf("EnqueueFailed: %v", err)
	}

	// A brand-new instance over the same file sees identical state.
	reloaded, err := NewJSONStorage(path, time.UTC)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	p, ok := reloaded.GetPositionByTicker("RELIANCE")
	if !ok {
		t.Fatalf("position lost across reload")
	}
	if p.CurrentQuantity != 40 || !p.Levels.Taken(30) {
		t.Fatalf("reloaded position = qty %d levels %+v", p.CurrentQuantity, p.Levels)
	}
	if p.GetCurrentState() != models.StateOrderPlaced {
		t.Fatalf("reloaded exit state = %s, want order_placed", p.GetCurrentState())
	}
	if p.SellOrder == nil || p.SellOrder.OrderID != "sell-1" || p.SellOrder.LimitPrice != 2500 {
		t.Fatalf("reloaded sell order = %+v", p.SellOrder)
	}
	if p.LowestEMA9Seen == nil || *p.LowestEMA9Seen != 2500 {
		t.Fatalf("reloaded trail = %v, want 2500", p.LowestEMA9Seen)
	}
	if q := reloaded.FailedOrders(); len(q) != 1 || q[0].Candidate.Ticker != "TCS" {
		t.Fatalf("reloaded queue = %+v", q)
	}

	// The resumed state machine keeps working from the persisted state.
	if err := reloaded.TransitionExitState("RELIANCE", models.StateTracking, models.ConditionTrackingStarted); err != nil {
		t.Fatalf("transition on reloaded ledger: %v", err)
	}
}

func TestJSONStorage_MissingFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist.json")
	s, err := NewJSONStorage(path, time.UTC)
	if err != nil {
		t.Fatalf("NewJSONStorage on missing file: %v", err)
	}
	if got := s.OpenPositions(); len(got) != 0 {
		t.Fatalf("missing file should start empty, got %d positions", len(got))
	}
}

func TestJSONStorage_CorruptFileFailsLoudly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}
	if _, err := NewJSONStorage(path, time.UTC); err == nil {
		t.Fatalf("corrupt ledger must fail to load")
	} else if models.KindOf(err) != models.KindPersistence {
		t.Fatalf("corrupt load kind = %s, want persistence_error", models.KindOf(err))
	}
}

func TestJSONStorage_SaveLeavesNoTempFiles(t *testing.T) {
	s, path := newTestStorage(t)
	fill := models.Fill{
		Time: time.Now().UTC(), Side: models.SideBuy, Price: 100, Qty: 10,
		Level: 30, OrderID: "b1", EntryKind: models.EntryInitial,
	}
	if err := s.AddFill("INFY", "INFY-EQ", fill); err != nil {
		t.Fatalf("AddFill: %v", err)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp") {
			t.Fatalf("temp file left behind: %s", e.Name())
		}
	}
	if len(entries) != 1 {
		t.Fatalf("expected only the ledger file, found %d entries", len(entries))
	}
}

func TestJSONStorage_FileIsIndentedJSONWithExpectedShape(t *testing.T) {
	s, path := newTestStorage(t)
	fill := models.Fill{
		Time: time.Now().UTC(), Side: models.SideBuy, Price: 100, Qty: 10,
		Level: 30, OrderID: "b1", EntryKind: models.EntryInitial,
	}
	if err := s.AddFill("INFY", "INFY-EQ", fill); err != nil {
		t.Fatalf("AddFill: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var shape struct {
		Positions    []json.RawMessage `json:"positions"`
		FailedOrders []json.RawMessage `json:"failed_orders"`
	}
	if err := json.Unmarshal(raw, &shape); err != nil {
		t.Fatalf("ledger file is not valid JSON: %v", err)
	}
	if len(shape.Positions) != 1 {
		t.Fatalf("ledger file has %d positions, want 1", len(shape.Positions))
	}
	if shape.FailedOrders == nil {
		t.Fatalf("ledger file must carry the failed_orders array")
	}
	if !strings.Contains(string(raw), "\n  ") {
		t.Fatalf("ledger should be indented for hand inspection")
	}
}

func TestJSONStorage_PersistenceErrorsCarryKind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.json")
	s, err := NewJSONStorage(path, time.UTC)
	if err != nil {
		t.Fatalf("NewJSONStorage: %v", err)
	}
	// Remove the directory out from under the store so the save fails.
	if err := os.RemoveAll(dir); err != nil {
		t.Fatalf("RemoveAll: %v", err)
	}
	fill := models.Fill{
		Time: time.Now().UTC(), Side: models.SideBuy, Price: 100, Qty: 10,
		Level: 30, OrderID: "b1", EntryKind: models.EntryInitial,
	}
	err = s.AddFill("INFY", "INFY-EQ", fill)
	if err == nil {
		t.Fatalf("save into removed directory should fail")
	}
	if models.KindOf(err) != models.KindPersistence {
		t.Fatalf("save failure kind = %s, want persistence_error", models.KindOf(err))
	}
}

// Package storage persists the trade ledger to a single JSON file.
//
// The ledger holds every position (open and closed) with its ordered fills
// and level-state, and the failed-order retry queue. Writes go to a temp
// file in the same directory, are fsynced, then renamed over the target, so
// a crash mid-write leaves either the old or the new ledger - never a
// partial file.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"nifty_dipper/internal/models"
)

// previousDayCutoff: failed orders from the previous trading day survive
// until this local wall-clock offset (market open), then purge.
const previousDayCutoff = 9*time.Hour + 15*time.Minute

type ledger struct {
	Positions    []models.Position    `json:"positions"`
	FailedOrders []models.FailedOrder `json:"failed_orders"`
	LastUpdated  time.Time            `json:"last_updated"`
}

// JSONStorage is the file-backed ledger. A single RWMutex serialises all
// access; the mutex is never held across network I/O, only disk writes.
type JSONStorage struct {
	mu   sync.RWMutex
	path string
	loc  *time.Location
	data *ledger
}

// NewJSONStorage opens (or initialises) the ledger at path. An existing
// file is loaded; a missing one starts an empty ledger.
func NewJSONStorage(path string, loc *time.Location) (*JSONStorage, error) {
	if path == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	if loc == nil {
		loc = time.UTC
	}
	s := &JSONStorage{
		path: path,
		loc:  loc,
		data: &ledger{
			Positions:    make([]models.Position, 0),
			FailedOrders: make([]models.FailedOrder, 0),
		},
	}
	if _, err := os.Stat(path); err == nil {
		if err := s.Load(); err != nil {
			return nil, fmt.Errorf("loading ledger: %w", err)
		}
	}
	return s, nil
}

// Load reads the ledger file from disk, replacing in-memory state.
func (s *JSONStorage) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return models.NewTradeError(models.KindPersistence, "storage.Load", err)
	}
	var data ledger
	if err := json.Unmarshal(raw, &data); err != nil {
		return models.NewTradeError(models.KindPersistence, "storage.Load",
			fmt.Errorf("parsing %s: %w", s.path, err))
	}
	if data.Positions == nil {
		data.Positions = make([]models.Position, 0)
	}
	if data.FailedOrders == nil {
		data.FailedOrders = make([]models.FailedOrder, 0)
	}
	s.data = &data
	return nil
}

// Save persists the ledger atomically.
func (s *JSONStorage) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

// saveLocked writes the ledger; callers must hold s.mu.
func (s *JSONStorage) saveLocked() error {
	s.data.LastUpdated = time.Now().UTC()

	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return models.NewTradeError(models.KindPersistence, "storage.Save", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".ledger-*.tmp")
	if err != nil {
		return models.NewTradeError(models.KindPersistence, "storage.Save", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return models.NewTradeError(models.KindPersistence, "storage.Save", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return models.NewTradeError(models.KindPersistence, "storage.Save", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return models.NewTradeError(models.KindPersistence, "storage.Save", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return models.NewTradeError(models.KindPersistence, "storage.Save", err)
	}
	return nil
}

// OpenPositions returns deep copies of every open position.
func (s *JSONStorage) OpenPositions() []models.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Position, 0)
	for i := range s.data.Positions {
		if s.data.Positions[i].Status == models.StatusOpen {
			out = append(out, *s.data.Positions[i].Copy())
		}
	}
	return out
}

// AllPositions returns deep copies of every position, open and closed.
func (s *JSONStorage) AllPositions() []models.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Position, 0, len(s.data.Positions))
	for i := range s.data.Positions {
		out = append(out, *s.data.Positions[i].Copy())
	}
	return out
}

// GetPositionByTicker returns a deep copy of the open position for ticker.
func (s *JSONStorage) GetPositionByTicker(ticker string) (*models.Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p := s.findOpenLocked(ticker)
	if p == nil {
		return nil, false
	}
	return p.Copy(), true
}

// findOpenLocked returns the live (not copied) open position; callers hold s.mu.
func (s *JSONStorage) findOpenLocked(ticker string) *models.Position {
	for i := range s.data.Positions {
		if s.data.Positions[i].Ticker == ticker && s.data.Positions[i].Status == models.StatusOpen {
			return &s.data.Positions[i]
		}
	}
	return nil
}

// AddFill appends a broker-acknowledged fill, creating the position when
// absent. The fill's level flag toggles inside the same transaction, so a
// flag can never exist without its fill on disk.
func (s *JSONStorage) AddFill(ticker, brokerSymbol string, fill models.Fill) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	created := false
	p := s.findOpenLocked(ticker)
	if p == nil {
		np := models.NewPosition(uuid.NewString(), ticker, brokerSymbol)
		s.data.Positions = append(s.data.Positions, *np)
		p = &s.data.Positions[len(s.data.Positions)-1]
		created = true
	}
	if err := p.ApplyFill(fill); err != nil {
		if created {
			s.data.Positions = s.data.Positions[:len(s.data.Positions)-1]
		}
		return err
	}
	return s.saveLocked()
}

// ClosePosition appends the closing sell fill for the remaining quantity,
// records the exit facts, and moves the exit-state machine to closed. P&L
// is the sum of sell proceeds minus the sum of buy cost. The mutation lands
// on a scratch copy and replaces the ledger entry only once every step has
// passed, so a rejected transition cannot leave a half-closed position
// behind. Returns a copy of the closed position.
func (s *JSONStorage) ClosePosition(ticker string, exitPrice float64, exitTime time.Time, reason, exitOrderID string) (*models.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.findOpenLocked(ticker)
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, ticker)
	}

	work := p.Copy()
	if err := closePosition(work, exitPrice, exitTime, reason, exitOrderID); err != nil {
		return nil, err
	}

	*p = *work
	if err := s.saveLocked(); err != nil {
		return nil, err
	}
	return p.Copy(), nil
}

// closePosition walks one position copy through the sell fill, the state
// machine, and the exit bookkeeping.
func closePosition(p *models.Position, exitPrice float64, exitTime time.Time, reason, exitOrderID string) error {
	if p.CurrentQuantity > 0 {
		fill := models.Fill{
			Time:    exitTime,
			Side:    models.SideSell,
			Price:   exitPrice,
			Qty:     p.CurrentQuantity,
			OrderID: exitOrderID,
		}
		if err := p.ApplyFill(fill); err != nil {
			return err
		}
	}

	if reason == models.ConditionManualSell {
		if err := p.TransitionState(models.StateClosed, models.ConditionManualSell); err != nil {
			return err
		}
	} else {
		if p.GetCurrentState() != models.StateOrderComplete {
			if err := p.TransitionState(models.StateOrderComplete, models.ConditionSellFilled); err != nil {
				return err
			}
		}
		if err := p.TransitionState(models.StateClosed, models.ConditionPositionClosed); err != nil {
			return err
		}
	}

	return p.Close(exitPrice, exitTime, reason, exitOrderID)
}

// MarkResetReady persists the reset_ready latch for ticker.
func (s *JSONStorage) MarkResetReady(ticker string, ready bool) error {
	return s.mutatePosition(ticker, func(p *models.Position) error {
		p.Levels.ResetReady = ready
		return nil
	})
}

// ResetLevels clears all level flags and the latch, starting a fresh cycle.
func (s *JSONStorage) ResetLevels(ticker string) error {
	return s.mutatePosition(ticker, func(p *models.Position) error {
		p.Levels.Reset()
		return nil
	})
}

// SetExitOrder records the live trailing sell order for ticker.
func (s *JSONStorage) SetExitOrder(ticker, orderID string, limitPrice float64, placedAt time.Time) error {
	return s.mutatePosition(ticker, func(p *models.Position) error {
		p.SellOrder = &models.SellOrderRef{OrderID: orderID, LimitPrice: limitPrice, PlacedAt: placedAt}
		return nil
	})
}

// ClearExitOrder forgets the live sell order (after cancel or fill).
func (s *JSONStorage) ClearExitOrder(ticker string) error {
	return s.mutatePosition(ticker, func(p *models.Position) error {
		p.SellOrder = nil
		return nil
	})
}

// UpdateLowestEMA9 ratchets the persisted trail floor. Returns whether the
// value was accepted; the floor never rises.
func (s *JSONStorage) UpdateLowestEMA9(ticker string, value float64) (bool, error) {
	updated := false
	err := s.mutatePosition(ticker, func(p *models.Position) error {
		updated = p.UpdateLowestEMA9(value)
		return nil
	})
	return updated, err
}

// TransitionExitState moves the exit-side state machine and persists it.
func (s *JSONStorage) TransitionExitState(ticker string, to models.ExitState, condition string) error {
	return s.mutatePosition(ticker, func(p *models.Position) error {
		return p.TransitionState(to, condition)
	})
}

// AdjustQuantity reconciles ledger quantity to the broker's truth after a
// manual trade. The delta is recorded as a fill at refPrice so the derived
// quantity stays consistent with the fills list.
func (s *JSONStorage) AdjustQuantity(ticker string, brokerQty int, refPrice float64, note string) error {
	return s.mutatePosition(ticker, func(p *models.Position) error {
		delta := brokerQty - p.CurrentQuantity
		if delta == 0 {
			return nil
		}
		fill := models.Fill{
			Time:    time.Now().UTC(),
			Price:   refPrice,
			OrderID: models.ConditionManualAdjust,
		}
		if delta > 0 {
			fill.Side = models.SideBuy
			fill.Qty = delta
		} else {
			fill.Side = models.SideSell
			fill.Qty = -delta
		}
		if err := p.ApplyFill(fill); err != nil {
			return err
		}
		if note != "" {
			p.Notes = append(p.Notes, note)
		}
		return nil
	})
}

// mutatePosition applies fn to the open position for ticker and persists.
func (s *JSONStorage) mutatePosition(ticker string, fn func(*models.Position) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.findOpenLocked(ticker)
	if p == nil {
		return fmt.Errorf("%w: %s", ErrPositionNotFound, ticker)
	}
	if err := fn(p); err != nil {
		return err
	}
	return s.saveLocked()
}

// EnqueueFailed parks a buy attempt for retry. A second failure for the same
// ticker bumps the attempt count and reason but keeps the original timestamp.
func (s *JSONStorage) EnqueueFailed(c models.Candidate, reason string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.data.FailedOrders {
		if s.data.FailedOrders[i].Candidate.Ticker == c.Ticker {
			s.data.FailedOrders[i].Attempts++
			s.data.FailedOrders[i].LastReason = reason
			return s.saveLocked()
		}
	}
	s.data.FailedOrders = append(s.data.FailedOrders, models.FailedOrder{
		Candidate:     c,
		FirstFailedAt: now,
		Attempts:      1,
		LastReason:    reason,
	})
	return s.saveLocked()
}

// FailedOrders returns a copy of the retry queue.
func (s *JSONStorage) FailedOrders() []models.FailedOrder {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.FailedOrder, len(s.data.FailedOrders))
	copy(out, s.data.FailedOrders)
	return out
}

// DequeueFailed removes the queued entry for ticker.
func (s *JSONStorage) DequeueFailed(ticker string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.data.FailedOrders {
		if s.data.FailedOrders[i].Candidate.Ticker == ticker {
			s.data.FailedOrders = append(s.data.FailedOrders[:i], s.data.FailedOrders[i+1:]...)
			return s.saveLocked()
		}
	}
	return fmt.Errorf("%w: %s", ErrNoFailedOrder, ticker)
}

// PurgeExpiredFailed drops stale queue entries and returns how many went.
// Rules: same-day entries stay; previous-day entries stay until 09:15 local;
// anything older than one day goes; entries without a timestamp go.
func (s *JSONStorage) PurgeExpiredFailed(now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	local := now.In(s.loc)
	startOfToday := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.loc)
	startOfYesterday := startOfToday.AddDate(0, 0, -1)
	pastCutoff := local.Sub(startOfToday) >= previousDayCutoff

	kept := s.data.FailedOrders[:0]
	purged := 0
	for _, fo := range s.data.FailedOrders {
		if fo.FirstFailedAt.IsZero() {
			purged++
			continue
		}
		failedAt := fo.FirstFailedAt.In(s.loc)
		switch {
		case !failedAt.Before(startOfToday):
			kept = append(kept, fo)
		case !failedAt.Before(startOfYesterday) && !pastCutoff:
			kept = append(kept, fo)
		default:
			purged++
		}
	}
	s.data.FailedOrders = kept
	if purged == 0 {
		return 0, nil
	}
	return purged, s.saveLocked()
}

// ReentriesToday counts today's re-entry fills for ticker in the exchange
// timezone. Zero when no open position exists.
func (s *JSONStorage) ReentriesToday(ticker string, now time.Time) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p := s.findOpenLocked(ticker)
	if p == nil {
		return 0
	}
	return p.ReentriesOn(now, s.loc)
}

package storage

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"nifty_dipper/internal/models"
)

// MockStorage implements Interface in memory for testing. It mirrors the
// JSON implementation's semantics (copies out, atomic flag toggles) and adds
// error injection plus call counting.
type MockStorage struct {
	mu            sync.RWMutex
	loc           *time.Location
	positions     []models.Position
	failedOrders  []models.FailedOrder
	saveError     error
	loadError     error
	saveCallCount int
	loadCallCount int
}

// NewMockStorage creates a mock ledger for testing.
func NewMockStorage() *MockStorage {
	return &MockStorage{
		loc:          time.UTC,
		positions:    make([]models.Position, 0),
		failedOrders: make([]models.FailedOrder, 0),
	}
}

// SetLocation overrides the day-boundary timezone (defaults to UTC).
func (m *MockStorage) SetLocation(loc *time.Location) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loc = loc
}

// Load counts the call and returns the injected error, if any.
func (m *MockStorage) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadCallCount++
	return m.loadError
}

// Save counts the call and returns the injected error, if any.
func (m *MockStorage) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked()
}

func (m *MockStorage) saveLocked() error {
	m.saveCallCount++
	return m.saveError
}

// OpenPositions returns deep copies of open positions.
func (m *MockStorage) OpenPositions() []models.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Position, 0)
	for i := range m.positions {
		if m.positions[i].Status == models.StatusOpen {
			out = append(out, *m.positions[i].Copy())
		}
	}
	return out
}

// AllPositions returns deep copies of every position.
func (m *MockStorage) AllPositions() []models.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Position, 0, len(m.positions))
	for i := range m.positions {
		out = append(out, *m.positions[i].Copy())
	}
	return out
}

// GetPositionByTicker returns a deep copy of the open position for ticker.
func (m *MockStorage) GetPositionByTicker(ticker string) (*models.Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p := m.findOpenLocked(ticker)
	if p == nil {
		return nil, false
	}
	return p.Copy(), true
}

func (m *MockStorage) findOpenLocked(ticker string) *models.Position {
	for i := range m.positions {
		if m.positions[i].Ticker == ticker && m.positions[i].Status == models.StatusOpen {
			return &m.positions[i]
		}
	}
	return nil
}

// AddFill mirrors JSONStorage.AddFill.
func (m *MockStorage) AddFill(ticker, brokerSymbol string, fill models.Fill) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	created := false
	p := m.findOpenLocked(ticker)
	if p == nil {
		np := models.NewPosition(uuid.NewString(), ticker, brokerSymbol)
		m.positions = append(m.positions, *np)
		p = &m.positions[len(m.positions)-1]
		created = true
	}
	if err := p.ApplyFill(fill); err != nil {
		if created {
			m.positions = m.positions[:len(m.positions)-1]
		}
		return err
	}
	return m.saveLocked()
}

// ClosePosition mirrors JSONStorage.ClosePosition, including the
// commit-on-success discipline.
func (m *MockStorage) ClosePosition(ticker string, exitPrice float64, exitTime time.Time, reason, exitOrderID string) (*models.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.findOpenLocked(ticker)
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, ticker)
	}

	work := p.Copy()
	if err := closePosition(work, exitPrice, exitTime, reason, exitOrderID); err != nil {
		return nil, err
	}

	*p = *work
	if err := m.saveLocked(); err != nil {
		return nil, err
	}
	return p.Copy(), nil
}

// MarkResetReady persists the reset latch.
func (m *MockStorage) MarkResetReady(ticker string, ready bool) error {
	return m.mutatePosition(ticker, func(p *models.Position) error {
		p.Levels.ResetReady = ready
		return nil
	})
}

// ResetLevels clears the level flags and latch.
func (m *MockStorage) ResetLevels(ticker string) error {
	return m.mutatePosition(ticker, func(p *models.Position) error {
		p.Levels.Reset()
		return nil
	})
}

// SetExitOrder records the live sell order.
func (m *MockStorage) SetExitOrder(ticker, orderID string, limitPrice float64, placedAt time.Time) error {
	return m.mutatePosition(ticker, func(p *models.Position) error {
		p.SellOrder = &models.SellOrderRef{OrderID: orderID, LimitPrice: limitPrice, PlacedAt: placedAt}
		return nil
	})
}

// ClearExitOrder forgets the live sell order.
func (m *MockStorage) ClearExitOrder(ticker string) error {
	return m.mutatePosition(ticker, func(p *models.Position) error {
		p.SellOrder = nil
		return nil
	})
}

// UpdateLowestEMA9 ratchets the trail floor.
func (m *MockStorage) UpdateLowestEMA9(ticker string, value float64) (bool, error) {
	updated := false
	err := m.mutatePosition(ticker, func(p *models.Position) error {
		updated = p.UpdateLowestEMA9(value)
		return nil
	})
	return updated, err
}

// TransitionExitState moves the exit-state machine.
func (m *MockStorage) TransitionExitState(ticker string, to models.ExitState, condition string) error {
	return m.mutatePosition(ticker, func(p *models.Position) error {
		return p.TransitionState(to, condition)
	})
}

// AdjustQuantity mirrors JSONStorage.AdjustQuantity.
func (m *MockStorage) AdjustQuantity(ticker string, brokerQty int, refPrice float64, note string) error {
	return m.mutatePosition(ticker, func(p *models.Position) error {
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

func (m *MockStorage) mutatePosition(ticker string, fn func(*models.Position) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.findOpenLocked(ticker)
	if p == nil {
		return fmt.Errorf("%w: %s", ErrPositionNotFound, ticker)
	}
	if err := fn(p); err != nil {
		return err
	}
	return m.saveLocked()
}

// EnqueueFailed mirrors JSONStorage.EnqueueFailed.
func (m *MockStorage) EnqueueFailed(c models.Candidate, reason string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.failedOrders {
		if m.failedOrders[i].Candidate.Ticker == c.Ticker {
			m.failedOrders[i].Attempts++
			m.failedOrders[i].LastReason = reason
			return m.saveLocked()
		}
	}
	m.failedOrders = append(m.failedOrders, models.FailedOrder{
		Candidate:     c,
		FirstFailedAt: now,
		Attempts:      1,
		LastReason:    reason,
	})
	return m.saveLocked()
}

// FailedOrders returns a copy of the retry queue.
func (m *MockStorage) FailedOrders() []models.FailedOrder {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.FailedOrder, len(m.failedOrders))
	copy(out, m.failedOrders)
	return out
}

// DequeueFailed removes the queue entry for ticker.
func (m *MockStorage) DequeueFailed(ticker string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.failedOrders {
		if m.failedOrders[i].Candidate.Ticker == ticker {
			m.failedOrders = append(m.failedOrders[:i], m.failedOrders[i+1:]...)
			return m.saveLocked()
		}
	}
	return fmt.Errorf("%w: %s", ErrNoFailedOrder, ticker)
}

// PurgeExpiredFailed mirrors JSONStorage.PurgeExpiredFailed.
func (m *MockStorage) PurgeExpiredFailed(now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	local := now.In(m.loc)
	startOfToday := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, m.loc)
	startOfYesterday := startOfToday.AddDate(0, 0, -1)
	pastCutoff := local.Sub(startOfToday) >= previousDayCutoff

	kept := m.failedOrders[:0]
	purged := 0
	for _, fo := range m.failedOrders {
		if fo.FirstFailedAt.IsZero() {
			purged++
			continue
		}
		failedAt := fo.FirstFailedAt.In(m.loc)
		switch {
		case !failedAt.Before(startOfToday):
			kept = append(kept, fo)
		case !failedAt.Before(startOfYesterday) && !pastCutoff:
			kept = append(kept, fo)
		default:
			purged++
		}
	}
	m.failedOrders = kept
	if purged == 0 {
		return 0, nil
	}
	return purged, m.saveLocked()
}

// ReentriesToday counts today's re-entry fills for ticker.
func (m *MockStorage) ReentriesToday(ticker string, now time.Time) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p := m.findOpenLocked(ticker)
	if p == nil {
		return 0
	}
	return p.ReentriesOn(now, m.loc)
}

// Mock control methods for testing

// SetSaveError injects an error returned by every persisting operation.
func (m *MockStorage) SetSaveError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveError = err
}

// SetLoadError injects an error returned by Load.
func (m *MockStorage) SetLoadError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadError = err
}

// GetSaveCallCount returns how many times a persist ran.
func (m *MockStorage) GetSaveCallCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saveCallCount
}

// GetLoadCallCount returns how many times Load ran.
func (m *MockStorage) GetLoadCallCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loadCallCount
}

// SeedPosition installs a position directly, bypassing fill bookkeeping.
func (m *MockStorage) SeedPosition(p models.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions = append(m.positions, *p.Copy())
}

// Ensure MockStorage implements Interface
var _ Interface = (*MockStorage)(nil)

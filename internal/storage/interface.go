package storage

import (
	"time"

	"nifty_dipper/internal/models"
)

// Interface is the contract for the trade ledger: positions with their fills
// and level-state, plus the failed-order retry queue.
//
// Implementations must be safe for concurrent use - callers can assume all
// methods are goroutine-safe. Readers receive deep copies; mutating a
// returned position never changes the ledger. Every mutating method persists
// the ledger before returning, so a crash between calls loses nothing.
//
// The provided JSONStorage implementation serialises access with a
// sync.RWMutex and replaces the ledger file atomically (temp, fsync, rename).
type Interface interface {
	// Ledger persistence
	Load() error
	Save() error

	// Position reads
	OpenPositions() []models.Position
	AllPositions() []models.Position
	GetPositionByTicker(ticker string) (*models.Position, bool)

	// Position mutations. AddFill creates the position when absent and
	// toggles the fill's level flag in the same transaction. ClosePosition
	// returns a copy of the closed position so callers can report the
	// realized P&L without a second lookup.
	AddFill(ticker, brokerSymbol string, fill models.Fill) error
	ClosePosition(ticker string, exitPrice float64, exitTime time.Time, reason, exitOrderID string) (*models.Position, error)
	MarkResetReady(ticker string, ready bool) error
	ResetLevels(ticker string) error
	SetExitOrder(ticker, orderID string, limitPrice float64, placedAt time.Time) error
	ClearExitOrder(ticker string) error
	UpdateLowestEMA9(ticker string, value float64) (bool, error)
	TransitionExitState(ticker string, to models.ExitState, condition string) error
	AdjustQuantity(ticker string, brokerQty int, refPrice float64, note string) error

	// Failed-order queue
	EnqueueFailed(c models.Candidate, reason string, now time.Time) error
	FailedOrders() []models.FailedOrder
	DequeueFailed(ticker string) error
	PurgeExpiredFailed(now time.Time) (int, error)

	// Accounting
	ReentriesToday(ticker string, now time.Time) int
}

// NewStorage creates the default ledger implementation (JSON-file based).
// loc is the exchange timezone used for day boundaries; nil falls back to UTC.
func NewStorage(path string, loc *time.Location) (Interface, error) {
	return NewJSONStorage(path, loc)
}

// Ensure JSONStorage implements Interface
var _ Interface = (*JSONStorage)(nil)

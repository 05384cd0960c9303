package strategy

import "nifty_dipper/internal/models"

// LevelDecision is the outcome of evaluating one open position's level-state
// against the current RSI. It describes what the entry engine should do; the
// engine itself owns order placement and the post-fill flag commit.
type LevelDecision struct {
	// NextLevel is the RSI bucket to buy (30, 20, or 10); 0 means no re-entry.
	NextLevel int
	// ArmReset asks the caller to persist reset_ready=true.
	ArmReset bool
	// ResetCycle means the level flags should be cleared before the fresh
	// RSI-30 re-entry is recorded. The clear happens in the same store
	// transaction as the fill, never at signal time.
	ResetCycle bool
}

// Actionable reports whether the decision calls for a buy order.
func (d LevelDecision) Actionable() bool {
	return d.NextLevel != 0
}

// DecideLevel maps the committed level-state and current RSI onto the next
// action. The rules, in order:
//
//  1. RSI back above 30 arms the reset latch.
//  2. RSI under 30 with the latch armed starts a fresh cycle at level 30.
//  3. Otherwise levels progress strictly downward: 30 taken and RSI < 20
//     opens level 20; 30+20 taken and RSI < 10 opens level 10.
//
// The function never mutates state: flags are pure functions of committed
// fills, and only the store transaction that appends a fill may toggle them.
func DecideLevel(levels models.LevelState, rsi float64) LevelDecision {
	if rsi > 30 {
		return LevelDecision{ArmReset: !levels.ResetReady}
	}

	if levels.ResetReady {
		return LevelDecision{NextLevel: 30, ResetCycle: true}
	}

	switch {
	case levels.Taken(30) && !levels.Taken(20) && rsi < 20:
		return LevelDecision{NextLevel: 20}
	case levels.Taken(20) && !levels.Taken(10) && rsi < 10:
		return LevelDecision{NextLevel: 10}
	}
	return LevelDecision{}
}

// SizeOrder converts execution capital and a price into a whole-share
// quantity. Zero means the price exceeds the capital.
func SizeOrder(capital, price float64) int {
	if capital <= 0 || price <= 0 {
		return 0
	}
	return int(capital / price)
}

// PassesLiquidityGuard reports whether the proposed position value stays
// within the allowed fraction of the ticker's average daily volume value.
func PassesLiquidityGuard(qty int, price float64, avgVolume int64, maxRatio float64) bool {
	if avgVolume <= 0 || maxRatio <= 0 {
		// No volume data: let the order through rather than silently
		// blocking every illiquid-looking ticker on a data gap.
		return true
	}
	positionValue := float64(qty) * price
	return positionValue <= maxRatio*float64(avgVolume)*price
}

// ExitFloor is the minimum EMA9 at which a trailing sell may be placed:
// never sell at 5% or more below the initial entry via the EMA9 path.
func ExitFloor(entryPrice float64) float64 {
	return 0.95 * entryPrice
}

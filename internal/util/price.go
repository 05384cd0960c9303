// Package util provides shared helpers for price arithmetic and worker pools.
package util

import "math"

// snapQuotient absorbs float division noise so that values sitting on a tick
// boundary are treated as exact multiples.
func snapQuotient(q float64) float64 {
	r := math.Round(q)
	if math.Abs(q-r) <= 1e-9*math.Max(1, math.Abs(r)) {
		return r
	}
	return q
}

func normalizeTick(tick float64) float64 {
	if tick < 0 {
		return -tick
	}
	return tick
}

// RoundToTick rounds x to the nearest tick increment, ties away from zero.
// For example, with tick=0.05, 2461.37 becomes 2461.35 and 2461.38 becomes 2461.40.
func RoundToTick(x, tick float64) float64 {
	tick = normalizeTick(tick)
	if tick == 0 || math.IsNaN(x) || math.IsInf(x, 0) {
		return x
	}
	return math.Round(x/tick) * tick
}

// FloorToTick returns the largest tick multiple that does not exceed x.
// Values already on a boundary stay put rather than slipping a tick down.
func FloorToTick(x, tick float64) float64 {
	tick = normalizeTick(tick)
	if tick == 0 || math.IsNaN(x) || math.IsInf(x, 0) {
		return x
	}
	return math.Floor(snapQuotient(x/tick)) * tick
}

// CeilToTick returns the smallest tick multiple that is not below x.
func CeilToTick(x, tick float64) float64 {
	tick = normalizeTick(tick)
	if tick == 0 || math.IsNaN(x) || math.IsInf(x, 0) {
		return x
	}
	return math.Ceil(snapQuotient(x/tick)) * tick
}

// Package strategy computes the RSI-dip strategy's indicators and level
// decisions. Everything here is pure: callers fetch data and act on orders.
package strategy

import (
	talib "github.com/markcheno/go-talib"

	"nifty_dipper/internal/models"
)

// Indicator spans for the fixed RSI10/EMA9/EMA200 dip-buy strategy.
const (
	DefaultRSIPeriod = 10
	DefaultEMAShort  = 9
	DefaultEMALong   = 200
)

// MinBarsForEMA200 is the minimum daily history needed before the long EMA
// is meaningful. Candle fetches below this report insufficient data.
const MinBarsForEMA200 = 200

// Snapshot is one evaluation of the daily indicators, optionally with the
// live LTP appended as a provisional final bar.
type Snapshot struct {
	Close  float64
	RSI10  float64
	EMA9   float64
	EMA200 float64
	Bars   int
}

// rsiBars is the warmup talib needs before RSI values stabilize.
func rsiBars(period int) int {
	return period + 1
}

// RSI returns the Wilder-smoothed RSI of the final bar.
func RSI(closes []float64, period int) (float64, error) {
	if period <= 1 {
		period = DefaultRSIPeriod
	}
	if len(closes) < rsiBars(period) {
		return 0, models.Errorf(models.KindInsufficientData, "rsi",
			"need %d closes for RSI(%d), have %d", rsiBars(period), period, len(closes))
	}
	out := talib.Rsi(closes, period)
	return out[len(out)-1], nil
}

// EMA returns the exponential moving average of the final bar.
func EMA(closes []float64, span int) (float64, error) {
	if span <= 0 {
		return 0, models.Errorf(models.KindInsufficientData, "ema", "invalid span %d", span)
	}
	if len(closes) < span {
		return 0, models.Errorf(models.KindInsufficientData, "ema",
			"need %d closes for EMA(%d), have %d", span, span, len(closes))
	}
	out := talib.Ema(closes, span)
	return out[len(out)-1], nil
}

// SMA returns the simple moving average of the final bar.
func SMA(values []float64, span int) (float64, error) {
	if span <= 0 || len(values) < span {
		return 0, models.Errorf(models.KindInsufficientData, "sma",
			"need %d values for SMA(%d), have %d", span, span, len(values))
	}
	out := talib.Sma(values, span)
	return out[len(out)-1], nil
}

// EMA9WithProvisional recomputes EMA9 with the live LTP appended as a
// provisional final bar, so the trail reacts to intraday moves rather than
// only the last official close. ltp <= 0 evaluates the official closes as-is.
func EMA9WithProvisional(closes []float64, ltp float64) (float64, error) {
	series := closes
	if ltp > 0 {
		series = make([]float64, 0, len(closes)+1)
		series = append(series, closes...)
		series = append(series, ltp)
	}
	return EMA(series, DefaultEMAShort)
}

// Evaluate computes the full daily snapshot. The LTP, when positive, is
// appended as a provisional bar for every indicator so a mid-session
// evaluation sees one consistent series.
func Evaluate(closes []float64, ltp float64) (*Snapshot, error) {
	series := closes
	if ltp > 0 {
		series = make([]float64, 0, len(closes)+1)
		series = append(series, closes...)
		series = append(series, ltp)
	}
	if len(series) < MinBarsForEMA200 {
		return nil, models.Errorf(models.KindInsufficientData, "evaluate",
			"need %d daily closes, have %d", MinBarsForEMA200, len(series))
	}

	rsi, err := RSI(series, DefaultRSIPeriod)
	if err != nil {
		return nil, err
	}
	emaShort, err := EMA(series, DefaultEMAShort)
	if err != nil {
		return nil, err
	}
	emaLong, err := EMA(series, DefaultEMALong)
	if err != nil {
		return nil, err
	}

	return &Snapshot{
		Close:  series[len(series)-1],
		RSI10:  rsi,
		EMA9:   emaShort,
		EMA200: emaLong,
		Bars:   len(series),
	}, nil
}

package marketdata

import (
	"context"
	"log"
	"sync"
	"time"

	"nifty_dipper/internal/broker"
	"nifty_dipper/internal/models"
)

// MinDailyBars is the default daily-history requirement: the long EMA needs
// 200 trading days.
const MinDailyBars = 200

// WeeklyRecommendedBars is the advisory minimum for weekly candles. Fewer
// bars are returned anyway; the caller decides whether to proceed.
const WeeklyRecommendedBars = 20

// Service is the engine's market data facade: protected OHLCV and
// fundamentals via the broker, live LTP via the feed cache, and the
// freshness-aware fallback between the two.
type Service struct {
	broker         broker.Broker
	cache          *LTPCache
	logger         *log.Logger
	staleThreshold time.Duration

	fundMu    sync.Mutex
	fundCache map[string]broker.Fundamentals
	sessionID string
}

// NewService wires the facade. cache may be nil when no feed is running;
// every LTP read then falls back to historical closes.
func NewService(b broker.Broker, cache *LTPCache, staleThreshold time.Duration, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default()
	}
	if staleThreshold <= 0 {
		staleThreshold = DefaultStaleThreshold
	}
	return &Service{
		broker:         b,
		cache:          cache,
		logger:         logger,
		staleThreshold: staleThreshold,
		fundCache:      make(map[string]broker.Fundamentals),
	}
}

// ResetSession clears the per-session fundamentals cache. Called once per
// trading day when the broker session is established.
func (s *Service) ResetSession(sessionID string) {
	s.fundMu.Lock()
	s.fundCache = make(map[string]broker.Fundamentals)
	s.sessionID = sessionID
	s.fundMu.Unlock()
}

// FetchOHLCV returns ordered daily or weekly bars. Daily requests enforce
// minBars (0 means MinDailyBars); too little history is reported as
// insufficient data, which the retry and breaker layers ignore by design
// of their classifiers. Weekly requests below WeeklyRecommendedBars return
// what exists.
func (s *Service) FetchOHLCV(ctx context.Context, ticker string, interval broker.Interval, years, minBars int) ([]broker.Candle, error) {
	candles, err := s.broker.Candles(ctx, ticker, interval, years)
	if err != nil {
		return nil, err
	}

	switch interval {
	case broker.IntervalDaily:
		if minBars <= 0 {
			minBars = MinDailyBars
		}
		if len(candles) < minBars {
			return nil, models.Errorf(models.KindInsufficientData, "fetch_ohlcv",
				"%s: %d daily bars, need %d", ticker, len(candles), minBars)
		}
	case broker.IntervalWeekly:
		if len(candles) < WeeklyRecommendedBars {
			s.logger.Printf("%s: only %d weekly bars (recommended %d); proceeding",
				ticker, len(candles), WeeklyRecommendedBars)
		}
	}
	return candles, nil
}

// DailyCloses returns the close series of at least minBars daily bars.
func (s *Service) DailyCloses(ctx context.Context, ticker string, years, minBars int) ([]float64, error) {
	candles, err := s.FetchOHLCV(ctx, ticker, broker.IntervalDaily, years, minBars)
	if err != nil {
		return nil, err
	}
	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}
	return closes, nil
}

// FetchFundamentals returns PE/PB for a ticker, cached per session. Errors
// yield nil ratios and are not cached, so the next call retries.
func (s *Service) FetchFundamentals(ctx context.Context, ticker string) (*broker.Fundamentals, error) {
	s.fundMu.Lock()
	if f, ok := s.fundCache[ticker]; ok {
		s.fundMu.Unlock()
		return &f, nil
	}
	s.fundMu.Unlock()

	f, err := s.broker.Fundamentals(ctx, ticker)
	if err != nil {
		s.logger.Printf("Warning: fundamentals for %s failed: %v", ticker, err)
		return &broker.Fundamentals{}, nil
	}
	if f == nil {
		f = &broker.Fundamentals{}
	}

	s.fundMu.Lock()
	s.fundCache[ticker] = *f
	s.fundMu.Unlock()
	return f, nil
}

// LTPWithFallback returns the freshest price available for a broker symbol:
// the websocket cache when the tick is younger than the stale threshold,
// otherwise the last daily close fetched for the base ticker. The source is
// returned so callers can reason about freshness.
func (s *Service) LTPWithFallback(ctx context.Context, brokerSymbol, ticker string) (float64, models.PriceSource, error) {
	if s.cache != nil {
		if price, ok := s.cache.Fresh(brokerSymbol, s.staleThreshold); ok {
			return price, models.PriceSourceWebsocket, nil
		}
	}

	candles, err := s.broker.Candles(ctx, ticker, broker.IntervalDaily, 1)
	if err != nil {
		return 0, "", err
	}
	if len(candles) == 0 {
		return 0, "", models.Errorf(models.KindInsufficientData, "ltp_fallback",
			"%s: no daily closes for fallback", ticker)
	}
	return candles[len(candles)-1].Close, models.PriceSourceFallback, nil
}

// Cache exposes the LTP cache (nil when no feed is wired).
func (s *Service) Cache() *LTPCache {
	return s.cache
}

// Package marketdata provides OHLCV history, fundamentals, and a live LTP
// cache fed by the broker's tick stream with a historical-close fallback.
package marketdata

import (
	"sync"
	"time"

	"nifty_dipper/internal/models"
)

// DefaultStaleThreshold is how old a cached tick may be before callers
// should fall back to historical data.
const DefaultStaleThreshold = 60 * time.Second

// LTPCache holds the last traded price per broker symbol. Writers are the
// websocket feed handlers; readers are the exit engine workers. The cache
// key is the full broker symbol including the series suffix (RELIANCE-EQ),
// never the base ticker.
type LTPCache struct {
	mu     sync.RWMutex
	prices map[string]models.LivePrice
	now    func() time.Time
}

// NewLTPCache creates an empty cache.
func NewLTPCache() *LTPCache {
	return &LTPCache{
		prices: make(map[string]models.LivePrice),
		now:    time.Now,
	}
}

// withClock overrides the clock for tests.
func (c *LTPCache) withClock(now func() time.Time) *LTPCache {
	c.now = now
	return c
}

// Update records a tick. Zero or negative prices are dropped.
func (c *LTPCache) Update(symbol string, price float64, ts time.Time) {
	if price <= 0 || symbol == "" {
		return
	}
	if ts.IsZero() {
		ts = c.now()
	}
	c.mu.Lock()
	c.prices[symbol] = models.LivePrice{
		Symbol:    symbol,
		Price:     price,
		Timestamp: ts,
		Source:    models.PriceSourceWebsocket,
	}
	c.mu.Unlock()
}

// LTP returns the cached price and its age. ok is false when the symbol has
// never ticked.
func (c *LTPCache) LTP(symbol string) (price float64, age time.Duration, ok bool) {
	c.mu.RLock()
	lp, found := c.prices[symbol]
	c.mu.RUnlock()
	if !found {
		return 0, 0, false
	}
	return lp.Price, lp.Age(c.now()), true
}

// Fresh returns the cached price only when it is younger than threshold.
func (c *LTPCache) Fresh(symbol string, threshold time.Duration) (float64, bool) {
	price, age, ok := c.LTP(symbol)
	if !ok || age > threshold {
		return 0, false
	}
	return price, true
}

// Len returns the number of symbols with at least one tick.
func (c *LTPCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.prices)
}

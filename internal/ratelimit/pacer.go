// Package ratelimit spaces outbound broker calls to a global minimum interval.
package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultInterval is the spacing applied when none is configured.
	DefaultInterval = 1 * time.Second
	// MinInterval and MaxInterval bound the configurable spacing.
	MinInterval = 500 * time.Millisecond
	MaxInterval = 2 * time.Second
)

// Pacer enforces a single minimum spacing between broker API calls.
// One Pacer is shared by every outbound path, so calls from concurrent
// goroutines queue behind each other rather than bursting.
type Pacer struct {
	interval time.Duration
	limiter  *rate.Limiter
}

// NewPacer builds a pacer with the given spacing. A zero interval selects
// the default; out-of-range values are clamped to [MinInterval, MaxInterval].
func NewPacer(interval time.Duration) *Pacer {
	if interval == 0 {
		interval = DefaultInterval
	}
	if interval < MinInterval {
		interval = MinInterval
	}
	if interval > MaxInterval {
		interval = MaxInterval
	}
	return &Pacer{
		interval: interval,
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
	}
}

// Wait blocks until the next call slot opens or ctx is done.
func (p *Pacer) Wait(ctx context.Context) error {
	return p.limiter.Wait(ctx)
}

// Interval reports the configured spacing.
func (p *Pacer) Interval() time.Duration {
	return p.interval
}

package main

import (
	"context"
	"log"
	"time"

	"nifty_dipper/internal/config"
)

// SlotKind names the scheduled actions of a trading day.
type SlotKind string

const (
	// SlotPreMarketRetry replays the failed-order queue at 09:00.
	SlotPreMarketRetry SlotKind = "pre_market_retry"
	// SlotMarketOpen consumes candidates and places sells at 09:15.
	SlotMarketOpen SlotKind = "market_open"
	// SlotMonitor is the recurring intraday monitor cycle.
	SlotMonitor SlotKind = "monitor"
	// SlotEODCleanup purges expired failed orders and posts the summary.
	SlotEODCleanup SlotKind = "eod_cleanup"
)

// Slot is one scheduled action at a wall-clock instant.
type Slot struct {
	At   time.Time
	Kind SlotKind
}

// dayPlan returns the slots of the given trading day that are still ahead
// of now, in order. A mid-day restart naturally resumes with the remaining
// slots; the 09:15 open never runs twice. Non-trading days get no slots.
func dayPlan(cfg *config.Config, now time.Time) []Slot {
	if !cfg.IsTradingDay(now) {
		return nil
	}

	var slots []Slot
	add := func(at time.Time, kind SlotKind) {
		if at.After(now) {
			slots = append(slots, Slot{At: at, Kind: kind})
		}
	}

	add(cfg.PreMarketRetry(now), SlotPreMarketRetry)
	add(cfg.MarketOpen(now), SlotMarketOpen)

	interval := cfg.MonitorInterval()
	marketClose := cfg.MarketClose(now)
	for at := cfg.MarketOpen(now).Add(interval); !at.After(marketClose); at = at.Add(interval) {
		add(at, SlotMonitor)
	}

	add(cfg.EODCleanup(now), SlotEODCleanup)
	return slots
}

// Scheduler runs the day plan, slot by slot, trading days only. Slot
// handlers run sequentially; a slow cycle delays later slots rather than
// overlapping them.
type Scheduler struct {
	config *config.Config
	logger *log.Logger
	run    func(ctx context.Context, slot Slot)
	now    func() time.Time
}

// NewScheduler builds a scheduler around the slot handler.
func NewScheduler(cfg *config.Config, run func(ctx context.Context, slot Slot), logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.Default()
	}
	return &Scheduler{config: cfg, logger: logger, run: run, now: time.Now}
}

// Run executes day plans until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		now := s.now()
		plan := dayPlan(s.config, now)
		if len(plan) == 0 {
			next := s.nextDayStart(now)
			s.logger.Printf("No slots remaining today; sleeping until %s", next.Format(time.RFC1123))
			if err := sleepUntil(ctx, next); err != nil {
				return nil
			}
			continue
		}

		s.logger.Printf("Day plan: %d slots, first %s at %s",
			len(plan), plan[0].Kind, plan[0].At.Format("15:04:05"))
		for _, slot := range plan {
			if err := sleepUntil(ctx, slot.At); err != nil {
				return nil
			}
			s.logger.Printf("Running slot %s", slot.Kind)
			s.run(ctx, slot)
		}
	}
}

// nextDayStart returns just after midnight of the next calendar day in the
// exchange timezone. The next loop pass builds that day's plan (or sleeps
// again across a weekend or holiday).
func (s *Scheduler) nextDayStart(now time.Time) time.Time {
	loc := s.config.Location()
	day := now.In(loc).AddDate(0, 0, 1)
	return time.Date(day.Year(), day.Month(), day.Day(), 0, 1, 0, 0, loc)
}

func sleepUntil(ctx context.Context, at time.Time) error {
	d := time.Until(at)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

package broker

import (
	"errors"
	"log"
	"time"

	"github.com/sony/gobreaker"

	"nifty_dipper/internal/models"
)

// EndpointClass groups broker endpoints that share one circuit breaker.
// A market data outage must not block order placement, so each class
// trips independently.
type EndpointClass string

const (
	// ClassMarketData covers quotes, candles, and the scrip master.
	ClassMarketData EndpointClass = "marketdata"
	// ClassFundamentals covers valuation ratio lookups.
	ClassFundamentals EndpointClass = "fundamentals"
	// ClassOrders covers order placement, the order book, holdings, and limits.
	ClassOrders EndpointClass = "orders"
)

// BreakerSettings configures the per-class circuit breakers.
type BreakerSettings struct {
	ConsecutiveFailures uint32        // failures in a row before tripping
	Timeout             time.Duration // how long the circuit stays open
	MaxRequests         uint32        // probes allowed when half-open
}

// DefaultBreakerSettings trips after 3 consecutive failures, stays open
// for a minute, then lets a single probe through.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		ConsecutiveFailures: 3,
		Timeout:             60 * time.Second,
		MaxRequests:         1,
	}
}

func (s BreakerSettings) sanitized() BreakerSettings {
	def := DefaultBreakerSettings()
	if s.ConsecutiveFailures == 0 {
		s.ConsecutiveFailures = def.ConsecutiveFailures
	}
	if s.Timeout <= 0 {
		s.Timeout = def.Timeout
	}
	if s.MaxRequests == 0 {
		s.MaxRequests = def.MaxRequests
	}
	return s
}

// BreakerSet holds one circuit breaker per endpoint class.
type BreakerSet struct {
	breakers map[EndpointClass]*gobreaker.CircuitBreaker
}

// NewBreakerSet creates the three class breakers with shared settings.
func NewBreakerSet(settings BreakerSettings) *BreakerSet {
	settings = settings.sanitized()
	classes := []EndpointClass{ClassMarketData, ClassFundamentals, ClassOrders}
	set := &BreakerSet{breakers: make(map[EndpointClass]*gobreaker.CircuitBreaker, len(classes))}
	for _, class := range classes {
		set.breakers[class] = gobreaker.NewCircuitBreaker(newBreakerSettings(class, settings))
	}
	return set
}

func newBreakerSettings(class EndpointClass, settings BreakerSettings) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        string(class),
		MaxRequests: settings.MaxRequests,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= settings.ConsecutiveFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("Circuit breaker %s state changed from %s to %s", name, from, to)
		},
		// An empty-data answer is a healthy endpoint telling us the symbol
		// has no history. It must not push the breaker toward tripping.
		IsSuccessful: func(err error) bool {
			return err == nil || models.IsKind(err, models.KindInsufficientData)
		},
	}
}

// State reports the current breaker state for one class.
func (s *BreakerSet) State(class EndpointClass) gobreaker.State {
	cb, ok := s.breakers[class]
	if !ok {
		return gobreaker.StateClosed
	}
	return cb.State()
}

func (s *BreakerSet) breaker(class EndpointClass) *gobreaker.CircuitBreaker {
	return s.breakers[class]
}

// execBreaker runs fn through the class breaker, mapping breaker-internal
// rejections to a CircuitOpen error the callers can branch on.
func execBreaker[T any](set *BreakerSet, class EndpointClass, op string, fn func() (T, error)) (T, error) {
	var zero T
	if set == nil {
		return fn()
	}
	cb := set.breaker(class)
	if cb == nil {
		return fn()
	}
	res, err := cb.Execute(func() (interface{}, error) { return fn() })
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, models.NewTradeError(models.KindCircuitOpen, op, err)
		}
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

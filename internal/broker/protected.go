package broker

import (
	"context"
	"fmt"
	"log"
	"time"

	"nifty_dipper/internal/ratelimit"
	"nifty_dipper/internal/retry"
)

// Pipeline layers the call protections around a raw broker call:
// the circuit breaker judges the final outcome of a whole call, each
// retry attempt re-enters session handling, and every attempt waits on
// the pacer before touching the wire.
type Pipeline struct {
	pacer    *ratelimit.Pacer
	retrier  *retry.Executor
	guard    *SessionGuard
	breakers *BreakerSet
}

// NewPipeline assembles a call pipeline. Any nil layer is skipped.
func NewPipeline(pacer *ratelimit.Pacer, retrier *retry.Executor, guard *SessionGuard, breakers *BreakerSet) *Pipeline {
	return &Pipeline{
		pacer:    pacer,
		retrier:  retrier,
		guard:    guard,
		breakers: breakers,
	}
}

// Call runs fn through the full pipeline under the breaker for class.
func Call[T any](ctx context.Context, p *Pipeline, class EndpointClass, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	attempt := func(ctx context.Context) (T, error) {
		return withAuth(ctx, p.guard, op, func(ctx context.Context) (T, error) {
			if p.pacer != nil {
				if err := p.pacer.Wait(ctx); err != nil {
					var zero T
					return zero, fmt.Errorf("%s: pacing: %w", op, err)
				}
			}
			return fn(ctx)
		})
	}

	return execBreaker(p.breakers, class, op, func() (T, error) {
		if p.retrier == nil {
			return attempt(ctx)
		}
		return retry.Call(ctx, p.retrier, op, attempt)
	})
}

// ProtectedBroker wraps a NeoAPI with the pacer, retry, session, and
// circuit breaker layers. It is the Broker the engines talk to.
type ProtectedBroker struct {
	api      *NeoAPI
	pipeline *Pipeline
	guard    *SessionGuard
}

// Compile-time interface check.
var _ Broker = (*ProtectedBroker)(nil)

// NewProtectedBroker wires the protection layers around api. The session
// guard's login goes through the pacer only; wrapping it in the retry or
// breaker layers would recurse.
func NewProtectedBroker(api *NeoAPI, pacer *ratelimit.Pacer, retrier *retry.Executor,
	breakers *BreakerSet, logger *log.Logger) *ProtectedBroker {
	guard := NewSessionGuard(func(ctx context.Context) error {
		if pacer != nil {
			if err := pacer.Wait(ctx); err != nil {
				return err
			}
		}
		return api.Login(ctx)
	}, logger)

	return &ProtectedBroker{
		api:      api,
		pipeline: NewPipeline(pacer, retrier, guard, breakers),
		guard:    guard,
	}
}

// WithSessionWait adjusts how long concurrent callers wait on a refresh.
func (p *ProtectedBroker) WithSessionWait(wait time.Duration) *ProtectedBroker {
	p.guard.WithWait(wait)
	return p
}

// Login establishes (or refreshes) the broker session. Concurrent calls
// collapse into a single login.
func (p *ProtectedBroker) Login(ctx context.Context) error {
	return p.guard.Refresh(ctx)
}

// Holdings retrieves demat holdings.
func (p *ProtectedBroker) Holdings(ctx context.Context) ([]Holding, error) {
	return Call(ctx, p.pipeline, ClassOrders, "holdings", p.api.Holdings)
}

// Limits retrieves available funds.
func (p *ProtectedBroker) Limits(ctx context.Context) (*Margin, error) {
	return Call(ctx, p.pipeline, ClassOrders, "limits", p.api.Limits)
}

// Orders retrieves the filtered order book.
func (p *ProtectedBroker) Orders(ctx context.Context, filter OrderFilter) ([]Order, error) {
	return Call(ctx, p.pipeline, ClassOrders, "orders", func(ctx context.Context) ([]Order, error) {
		return p.api.Orders(ctx, filter)
	})
}

// OrderStatus retrieves one order's latest state.
func (p *ProtectedBroker) OrderStatus(ctx context.Context, orderID string) (*Order, error) {
	return Call(ctx, p.pipeline, ClassOrders, "order_status", func(ctx context.Context) (*Order, error) {
		return p.api.OrderStatus(ctx, orderID)
	})
}

// PlaceOrder submits a new order.
func (p *ProtectedBroker) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderAck, error) {
	return Call(ctx, p.pipeline, ClassOrders, "place_order", func(ctx context.Context) (*OrderAck, error) {
		return p.api.PlaceOrder(ctx, req)
	})
}

// ModifyOrder updates a live order's price and quantity.
func (p *ProtectedBroker) ModifyOrder(ctx context.Context, orderID string, price float64, qty int) (*OrderAck, error) {
	return Call(ctx, p.pipeline, ClassOrders, "modify_order", func(ctx context.Context) (*OrderAck, error) {
		return p.api.ModifyOrder(ctx, orderID, price, qty)
	})
}

// CancelOrder cancels a live order.
func (p *ProtectedBroker) CancelOrder(ctx context.Context, orderID string) (*OrderAck, error) {
	return Call(ctx, p.pipeline, ClassOrders, "cancel_order", func(ctx context.Context) (*OrderAck, error) {
		return p.api.CancelOrder(ctx, orderID)
	})
}

// Quote retrieves a snapshot quote.
func (p *ProtectedBroker) Quote(ctx context.Context, symbol string) (*Quote, error) {
	return Call(ctx, p.pipeline, ClassMarketData, "quote", func(ctx context.Context) (*Quote, error) {
		return p.api.Quote(ctx, symbol)
	})
}

// Candles retrieves historical OHLCV bars.
func (p *ProtectedBroker) Candles(ctx context.Context, ticker string, interval Interval, years int) ([]Candle, error) {
	return Call(ctx, p.pipeline, ClassMarketData, "candles", func(ctx context.Context) ([]Candle, error) {
		return p.api.Candles(ctx, ticker, interval, years)
	})
}

// Fundamentals retrieves valuation ratios.
func (p *ProtectedBroker) Fundamentals(ctx context.Context, ticker string) (*Fundamentals, error) {
	return Call(ctx, p.pipeline, ClassFundamentals, "fundamentals", func(ctx context.Context) (*Fundamentals, error) {
		return p.api.Fundamentals(ctx, ticker)
	})
}

// ScripMaster retrieves the symbol table.
func (p *ProtectedBroker) ScripMaster(ctx context.Context) (ScripTable, error) {
	return Call(ctx, p.pipeline, ClassMarketData, "scrip_master", p.api.ScripMaster)
}

// WSURL passes through the streaming endpoint.
func (p *ProtectedBroker) WSURL() string {
	return p.api.WSURL()
}

// WSToken passes through the current session credentials.
func (p *ProtectedBroker) WSToken() (string, string) {
	return p.api.WSToken()
}

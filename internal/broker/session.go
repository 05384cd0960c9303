package broker

import (
	"context"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/singleflight"

	"nifty_dipper/internal/models"
)

// DefaultSessionWait bounds how long callers block on a session refresh
// another goroutine is already performing.
const DefaultSessionWait = 30 * time.Second

// SessionGuard serializes session refreshes. When concurrent calls all hit
// an expired session, exactly one login runs; the rest wait for its result
// and then retry their original call once.
type SessionGuard struct {
	login  func(ctx context.Context) error
	group  singleflight.Group
	wait   time.Duration
	logger *log.Logger
}

// NewSessionGuard wraps the given login function. A nil logger falls back
// to the standard logger.
func NewSessionGuard(login func(ctx context.Context) error, logger *log.Logger) *SessionGuard {
	if logger == nil {
		logger = log.Default()
	}
	return &SessionGuard{
		login:  login,
		wait:   DefaultSessionWait,
		logger: logger,
	}
}

// WithWait overrides how long waiters block on an in-flight refresh.
func (g *SessionGuard) WithWait(wait time.Duration) *SessionGuard {
	if wait > 0 {
		g.wait = wait
	}
	return g
}

// Refresh performs (or joins) a single session refresh. The login itself
// runs detached from any one caller's context so that a canceled waiter
// cannot kill the refresh for everyone else.
func (g *SessionGuard) Refresh(ctx context.Context) error {
	ch := g.group.DoChan("relogin", func() (interface{}, error) {
		loginCtx, cancel := context.WithTimeout(context.Background(), g.wait)
		defer cancel()
		if err := g.login(loginCtx); err != nil {
			return nil, err
		}
		g.logger.Printf("Session refreshed")
		return nil, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return fmt.Errorf("session refresh: %w", res.Err)
		}
		return nil
	case <-time.After(g.wait):
		return models.Errorf(models.KindAuthExpired, "session_refresh",
			"timed out after %s waiting for session refresh", g.wait)
	case <-ctx.Done():
		return fmt.Errorf("session refresh: %w", ctx.Err())
	}
}

// withAuth runs fn, and on an expired-session error refreshes the session
// and retries fn exactly once.
func withAuth[T any](ctx context.Context, g *SessionGuard, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	v, err := fn(ctx)
	if err == nil || g == nil || !models.IsKind(err, models.KindAuthExpired) {
		return v, err
	}

	g.logger.Printf("Warning: %s hit an expired session; refreshing", op)
	if rerr := g.Refresh(ctx); rerr != nil {
		var zero T
		return zero, rerr
	}
	return fn(ctx)
}

// Do is the error-only form of withAuth.
func (g *SessionGuard) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	_, err := withAuth(ctx, g, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

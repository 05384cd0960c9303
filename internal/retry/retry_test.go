package retry

import (
	"bytes"
	"context"
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"nifty_dipper/internal/models"
)

func makeExecutor(t *testing.T, cfg Config) (*Executor, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	l := log.New(&buf, "", 0)
	return NewExecutor(l, cfg), &buf
}

func fastConfig() Config {
	return Config{
		MaxAttempts:       3,
		BaseDelay:         1 * time.Millisecond,
		MaxDelay:          10 * time.Millisecond,
		PerAttemptTimeout: 250 * time.Millisecond,
	}
}

func transientErr(msg string) error {
	return models.Errorf(models.KindTransient, "test", "%s", msg)
}

func TestNewExecutor_ConfigSanitizationAndDefaults(t *testing.T) {
	e := NewExecutor(nil, Config{
		MaxAttempts:       -1,
		BaseDelay:         0,
		MaxDelay:          0,
		PerAttemptTimeout: 0,
	})

	if e.logger == nil {
		t.Fatalf("expected defaulted logger")
	}
	got := e.Config()
	if got.MaxAttempts != DefaultConfig.MaxAttempts {
		t.Fatalf("MaxAttempts sanitized: got %d want %d", got.MaxAttempts, DefaultConfig.MaxAttempts)
	}
	if got.BaseDelay != DefaultConfig.BaseDelay {
		t.Fatalf("BaseDelay sanitized: got %v want %v", got.BaseDelay, DefaultConfig.BaseDelay)
	}
	if got.PerAttemptTimeout != DefaultConfig.PerAttemptTimeout {
		t.Fatalf("PerAttemptTimeout sanitized: got %v want %v", got.PerAttemptTimeout, DefaultConfig.PerAttemptTimeout)
	}

	// MaxDelay may never undercut BaseDelay.
	e2 := NewExecutor(nil, Config{
		MaxAttempts:       2,
		BaseDelay:         5 * time.Second,
		MaxDelay:          1 * time.Second,
		PerAttemptTimeout: time.Second,
	})
	if got := e2.Config().MaxDelay; got != 5*time.Second {
		t.Fatalf("MaxDelay should rise to BaseDelay, got %v", got)
	}
}

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	e, buf := makeExecutor(t, fastConfig())

	var calls int32
	err := e.Do(context.Background(), "place_order", func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
	if buf.Len() != 0 {
		t.Fatalf("success path should not log, got: %s", buf.String())
	}
}

func TestDo_RetriesTransientThenSucceeds(t *testing.T) {
	e, buf := makeExecutor(t, fastConfig())

	var calls int32
	start := time.Now()
	err := e.Do(context.Background(), "fetch_ohlcv", func(ctx context.Context) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return transientErr("connection reset")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success after retries, got: %v", err)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	// Two backoff sleeps happened: >=1ms then >=2ms.
	if elapsed := time.Since(start); elapsed < 3*time.Millisecond {
		t.Fatalf("expected backoff delay, ran in %v", elapsed)
	}
	if !strings.Contains(buf.String(), "fetch_ohlcv attempt 1/3 failed") {
		t.Fatalf("expected retry warning in log, got: %s", buf.String())
	}
}

func TestDo_RateLimitedIsRetried(t *testing.T) {
	e, _ := makeExecutor(t, fastConfig())

	var calls int32
	err := e.Do(context.Background(), "quotes", func(ctx context.Context) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			return models.Errorf(models.KindRateLimited, "quotes", "429 too many requests")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success after rate-limit retry, got: %v", err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls)
	}
}

func TestDo_FailsFastOnNonRetryable(t *testing.T) {
	tests := []struct {
		name string
		kind models.ErrorKind
	}{
		{"broker reject", models.KindBrokerReject},
		{"insufficient data", models.KindInsufficientData},
		{"duplicate order", models.KindDuplicateOrder},
		{"circuit open", models.KindCircuitOpen},
		{"auth expired", models.KindAuthExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := makeExecutor(t, fastConfig())

			var calls int32
			err := e.Do(context.Background(), "place_order", func(ctx context.Context) error {
				atomic.AddInt32(&calls, 1)
				return models.Errorf(tt.kind, "place_order", "rejected")
			})
			if err == nil {
				t.Fatalf("expected error")
			}
			if atomic.LoadInt32(&calls) != 1 {
				t.Fatalf("expected single attempt, got %d", calls)
			}
			if got := models.KindOf(err); got != tt.kind {
				t.Fatalf("kind lost through wrapping: got %s want %s", got, tt.kind)
			}
		})
	}
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	e, _ := makeExecutor(t, fastConfig())

	var calls int32
	err := e.Do(context.Background(), "fetch_ohlcv", func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return transientErr("timeout")
	})
	if err == nil {
		t.Fatalf("expected error after exhausting attempts")
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	if !strings.Contains(err.Error(), "after 3 attempt") {
		t.Fatalf("error should report attempt count, got: %v", err)
	}
	if models.KindOf(err) != models.KindTransient {
		t.Fatalf("final error should keep the transient kind, got %s", models.KindOf(err))
	}
}

func TestDo_PerAttemptTimeoutRetries(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxAttempts = 2
	cfg.PerAttemptTimeout = 10 * time.Millisecond
	e, _ := makeExecutor(t, cfg)

	var calls int32
	err := e.Do(context.Background(), "slow_call", func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		<-ctx.Done()
		return ctx.Err()
	})
	if err == nil {
		t.Fatalf("expected error when every attempt times out")
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("attempt timeout should be retried while the parent lives, got %d calls", calls)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got: %v", err)
	}
}

func TestDo_ContextCanceledBeforeCall(t *testing.T) {
	e, _ := makeExecutor(t, fastConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls int32
	err := e.Do(ctx, "place_order", func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	if err == nil {
		t.Fatalf("expected cancellation error")
	}
	if !strings.Contains(err.Error(), "canceled") {
		t.Fatalf("expected canceled in error, got: %v", err)
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatalf("expected no attempts after cancellation, got %d", calls)
	}
}

func TestDo_ContextCanceledDuringBackoff(t *testing.T) {
	cfg := fastConfig()
	cfg.BaseDelay = 100 * time.Millisecond
	cfg.MaxDelay = 100 * time.Millisecond
	e, _ := makeExecutor(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	var calls int32
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := e.Do(ctx, "fetch_ohlcv", func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return transientErr("connection refused")
	})
	if err == nil {
		t.Fatalf("expected cancellation during backoff")
	}
	if !strings.Contains(err.Error(), "canceled during backoff") {
		t.Fatalf("unexpected error: %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected 1 attempt before cancellation, got %d", calls)
	}
}

func TestCall_ReturnsTypedValue(t *testing.T) {
	e, _ := makeExecutor(t, fastConfig())

	var calls int32
	got, err := Call(context.Background(), e, "get_quote", func(ctx context.Context) (float64, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return 0, transientErr("tcp handshake failed")
		}
		return 2450.50, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 2450.50 {
		t.Fatalf("got %v, want 2450.50", got)
	}
}

func TestBackoffFor_Shape(t *testing.T) {
	e, _ := makeExecutor(t, Config{
		MaxAttempts:       3,
		BaseDelay:         4 * time.Millisecond,
		MaxDelay:          10 * time.Millisecond,
		PerAttemptTimeout: time.Second,
	})

	// Attempt 1: base with jitter in [0, base/4).
	if got := e.backoffFor(1); got < 4*time.Millisecond || got >= 5*time.Millisecond {
		t.Fatalf("backoffFor(1) = %v, expected [4ms, 5ms)", got)
	}
	// Attempt 2: doubled, still under the cap.
	if got := e.backoffFor(2); got < 8*time.Millisecond || got >= 10*time.Millisecond {
		t.Fatalf("backoffFor(2) = %v, expected [8ms, 10ms)", got)
	}
	// Attempt 3: doubling hits the cap before jitter.
	if got := e.backoffFor(3); got < 10*time.Millisecond || got >= 12500*time.Microsecond {
		t.Fatalf("backoffFor(3) = %v, expected [10ms, 12.5ms)", got)
	}
}

package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestNewPacerClampsInterval(t *testing.T) {
	tests := []struct {
		name     string
		in       time.Duration
		expected time.Duration
	}{
		{"zero selects default", 0, DefaultInterval},
		{"below range clamps up", 100 * time.Millisecond, MinInterval},
		{"above range clamps down", 10 * time.Second, MaxInterval},
		{"in range kept", 750 * time.Millisecond, 750 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NewPacer(tt.in).Interval(); got != tt.expected {
				t.Errorf("NewPacer(%v).Interval() = %v, expected %v", tt.in, got, tt.expected)
			}
		})
	}
}

func TestPacerSpacesConsecutiveCalls(t *testing.T) {
	p := NewPacer(MinInterval)
	ctx := context.Background()

	start := time.Now()
	if err := p.Wait(ctx); err != nil {
		t.Fatalf("first Wait: %v", err)
	}
	if err := p.Wait(ctx); err != nil {
		t.Fatalf("second Wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed < MinInterval {
		t.Errorf("two calls completed in %v, want at least %v apart", elapsed, MinInterval)
	}
}

func TestPacerSpacesConcurrentCallers(t *testing.T) {
	p := NewPacer(MinInterval)
	ctx := context.Background()

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.Wait(ctx); err != nil {
				t.Errorf("Wait: %v", err)
			}
		}()
	}
	wg.Wait()

	// Three callers share one slot per interval, so the last one cannot
	// finish before two full intervals have passed.
	if elapsed := time.Since(start); elapsed < 2*MinInterval {
		t.Errorf("three concurrent calls completed in %v, want at least %v", elapsed, 2*MinInterval)
	}
}

func TestPacerWaitHonorsContext(t *testing.T) {
	p := NewPacer(MaxInterval)
	if err := p.Wait(context.Background()); err != nil {
		t.Fatalf("burst Wait: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := p.Wait(ctx)
	if err == nil {
		t.Fatalf("Wait should fail once the context deadline passes")
	}
	if elapsed := time.Since(start); elapsed > MaxInterval {
		t.Errorf("cancelled Wait took %v, should return near the 50ms deadline", elapsed)
	}
}
